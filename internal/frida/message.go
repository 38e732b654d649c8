// Package frida implements the device and instrumentation collaborators on top of frida.
//
// The agent in scripts/agent.js runs inside the DRM service. It reports every
// intercepted call with send() and exposes install/uninstall/module/exports/read
// over RPC. Payload decoding lives here, outside the frida build tag, so it can
// be tested without the frida devkit.
package frida

import (
	"encoding/hex"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/blacktop/keydive/pkg/hook"
	"github.com/blacktop/keydive/pkg/symbols"
	"github.com/mitchellh/mapstructure"
	"github.com/pkg/errors"
	"github.com/spf13/cast"
)

const callMessage = "call"

// callPayload is what the agent sends for every intercepted call.
// Numbers arrive as JSON numbers or strings depending on their size.
type callPayload struct {
	Type string `mapstructure:"type"`
	Hook any    `mapstructure:"hook"`
	TS   any    `mapstructure:"ts"`
	TID  any    `mapstructure:"tid"`
	// hex encoded, null for arguments that were not read
	Args []any `mapstructure:"args"`
}

type modulePayload struct {
	Name string `mapstructure:"name"`
	Base string `mapstructure:"base"`
	Size any    `mapstructure:"size"`
	Path string `mapstructure:"path"`
}

type exportPayload struct {
	Name   string `mapstructure:"name"`
	Offset any    `mapstructure:"offset"`
}

// module describes the vendor library mapped in the target.
type module struct {
	Name string
	Base uint64
	Size uint64
	Path string
}

func (m module) String() string {
	return fmt.Sprintf("%s @ %#x (%d bytes) %s", m.Name, m.Base, m.Size, m.Path)
}

func decodeCall(payload any) (hook.Call, error) {
	var p callPayload
	if err := mapstructure.Decode(payload, &p); err != nil {
		return hook.Call{}, errors.Wrap(err, "failed to decode call payload")
	}
	if p.Type != callMessage {
		return hook.Call{}, fmt.Errorf("unexpected message type %q", p.Type)
	}
	id, err := cast.ToUint64E(p.Hook)
	if err != nil {
		return hook.Call{}, errors.Wrap(err, "invalid hook id")
	}
	ms, err := cast.ToInt64E(p.TS)
	if err != nil {
		return hook.Call{}, errors.Wrap(err, "invalid timestamp")
	}
	call := hook.Call{
		Hook:   hook.HookID(id),
		Time:   time.UnixMilli(ms),
		Thread: cast.ToInt(p.TID),
		Args:   make([][]byte, len(p.Args)),
	}
	for i, arg := range p.Args {
		if arg == nil {
			continue
		}
		s, ok := arg.(string)
		if !ok {
			return hook.Call{}, fmt.Errorf("argument %d: expected hex string, got %T", i, arg)
		}
		if call.Args[i], err = hex.DecodeString(s); err != nil {
			return hook.Call{}, errors.Wrapf(err, "argument %d", i)
		}
	}
	return call, nil
}

func decodeModule(ret any) (module, error) {
	var p modulePayload
	if err := mapstructure.Decode(ret, &p); err != nil {
		return module{}, errors.Wrap(err, "failed to decode module")
	}
	base, err := parseHex(p.Base)
	if err != nil {
		return module{}, errors.Wrapf(err, "invalid module base %q", p.Base)
	}
	size, err := cast.ToUint64E(p.Size)
	if err != nil {
		return module{}, errors.Wrap(err, "invalid module size")
	}
	return module{Name: p.Name, Base: base, Size: size, Path: p.Path}, nil
}

func decodeExports(ret any) (*symbols.Table, error) {
	var exports []exportPayload
	if err := mapstructure.Decode(ret, &exports); err != nil {
		return nil, errors.Wrap(err, "failed to decode exports")
	}
	tbl := symbols.NewTable(symbols.SourceExports)
	for _, e := range exports {
		off, err := cast.ToUint64E(e.Offset)
		if err != nil {
			tbl.Skipped++
			continue
		}
		tbl.Add(symbols.Entry{Name: e.Name, Offset: off})
	}
	return tbl, nil
}

func decodeHex(ret any) ([]byte, error) {
	s, ok := ret.(string)
	if !ok {
		return nil, fmt.Errorf("expected hex string, got %T", ret)
	}
	return hex.DecodeString(s)
}

// parseHex parses NativePointer strings like "0x7b2c400000".
func parseHex(s string) (uint64, error) {
	return strconv.ParseUint(strings.TrimPrefix(strings.ToLower(s), "0x"), 16, 64)
}
