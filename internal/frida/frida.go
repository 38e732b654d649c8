//go:build frida

package frida

import (
	"context"
	_ "embed"
	"fmt"
	"strings"
	"sync"

	"github.com/apex/log"
	"github.com/blacktop/keydive/internal/utils"
	"github.com/blacktop/keydive/pkg/hook"
	"github.com/blacktop/keydive/pkg/registry"
	"github.com/blacktop/keydive/pkg/resolver"
	"github.com/blacktop/keydive/pkg/symbols"
	"github.com/dustin/go-humanize"
	"github.com/frida/frida-go/frida"
	"github.com/pkg/errors"
	"github.com/spf13/cast"
)

//go:embed scripts/agent.js
var agentScript string

// callBuffer is how many calls the agent may report ahead of the session pump.
const callBuffer = 1024

// Device is a frida device.
type Device struct {
	dev *frida.Device
}

// Devices enumerates the devices frida can see.
func Devices() ([]*Device, error) {
	mgr := frida.NewDeviceManager()
	devices, err := mgr.EnumerateDevices()
	if err != nil {
		return nil, errors.Wrap(err, "failed to enumerate devices")
	}
	var out []*Device
	for _, d := range devices {
		if d.DeviceType() == frida.DeviceTypeLocal {
			continue
		}
		out = append(out, &Device{dev: d})
	}
	return out, nil
}

// DeviceByID returns the device with the given id.
func DeviceByID(id string) (*Device, error) {
	mgr := frida.NewDeviceManager()
	mgr.EnumerateDevices()
	d, err := mgr.DeviceByID(id)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to get device by id %s", id)
	}
	return &Device{dev: d}, nil
}

func (d *Device) ID() string   { return d.dev.ID() }
func (d *Device) Name() string { return d.dev.Name() }

func (d *Device) String() string {
	return fmt.Sprintf("[%-6s] %s (%s)", strings.ToUpper(d.dev.DeviceType().String()), d.dev.Name(), d.dev.ID())
}

// Processes maps running process names to their pid.
func (d *Device) Processes(ctx context.Context) (map[string]int, error) {
	processes, err := d.dev.EnumerateProcesses(frida.ScopeMinimal)
	if err != nil {
		return nil, errors.Wrap(err, "failed to enumerate processes")
	}
	out := make(map[string]int, len(processes))
	for _, proc := range processes {
		utils.Indent(log.WithFields(log.Fields{
			"pid":  proc.PID(),
			"name": proc.Name(),
		}).Debug, 2)("Process")
		out[proc.Name()] = proc.PID()
	}
	return out, nil
}

// SDK returns the Android API level reported by frida-server.
func (d *Device) SDK(ctx context.Context) (string, error) {
	params, err := d.dev.QuerySystemParameters()
	if err != nil {
		return "", errors.Wrap(err, "failed to query system parameters")
	}
	level, ok := params["api-level"]
	if !ok {
		return "", fmt.Errorf("device %s does not report an API level", d.dev.Name())
	}
	return cast.ToStringE(level)
}

// Instrumenter returns a hook.Instrumenter backed by the embedded agent.
func (d *Device) Instrumenter() *Instrumenter {
	return &Instrumenter{dev: d.dev}
}

// Instrumenter attaches the agent to processes on one device.
// It also implements extractor.Inspector.
type Instrumenter struct {
	dev *frida.Device
}

func (i *Instrumenter) Attach(ctx context.Context, pid int) (hook.Target, error) {
	return i.attach(ctx, pid)
}

func (i *Instrumenter) attach(ctx context.Context, pid int) (*Target, error) {
	type result struct {
		session *frida.Session
		err     error
	}
	ch := make(chan result, 1)
	go func() {
		s, err := i.dev.Attach(pid, nil)
		ch <- result{s, err}
	}()

	var session *frida.Session
	select {
	case <-ctx.Done():
		go func() {
			// the attach may still land after we gave up on it
			if r := <-ch; r.session != nil {
				r.session.Detach()
			}
		}()
		return nil, ctx.Err()
	case r := <-ch:
		if r.err != nil {
			return nil, errors.Wrapf(r.err, "failed to attach to pid %d", pid)
		}
		session = r.session
	}

	t := &Target{
		pid:     pid,
		session: session,
		calls:   make(chan hook.Call, callBuffer),
		done:    make(chan struct{}),
		closed:  make(chan struct{}),
	}

	session.On("detached", func(reason frida.SessionDetachReason, crash *frida.Crash) {
		log.WithField("pid", pid).Debugf("session detached: reason='%s'", reason)
		if crash != nil {
			log.Errorf("session crash: %s %s", crash.Report(), crash.Summary())
		}
		if reason != frida.SessionDetachReasonApplicationRequested {
			t.exit()
		}
	})

	script, err := session.CreateScript(agentScript)
	if err != nil {
		session.Detach()
		return nil, errors.Wrap(err, "failed to create agent script")
	}
	script.On("message", t.onMessage)
	if err := script.Load(); err != nil {
		session.Detach()
		return nil, errors.Wrap(err, "failed to load agent script")
	}
	t.script = script

	return t, nil
}

// Module dumps library from the process memory together with its exports.
func (i *Instrumenter) Module(ctx context.Context, pid int, library string) (*resolver.Image, *symbols.Table, error) {
	t, err := i.attach(ctx, pid)
	if err != nil {
		return nil, nil, err
	}
	defer t.Detach()

	ret, err := t.call("module", library)
	if err != nil {
		return nil, nil, err
	}
	mod, err := decodeModule(ret)
	if err != nil {
		return nil, nil, err
	}
	log.WithFields(log.Fields{
		"base": fmt.Sprintf("%#x", mod.Base),
		"size": humanize.Bytes(mod.Size),
		"path": mod.Path,
	}).Infof("Found %s", mod.Name)

	ret, err = t.call("exports", library)
	if err != nil {
		return nil, nil, err
	}
	exports, err := decodeExports(ret)
	if err != nil {
		return nil, nil, err
	}

	ret, err = t.call("read", library)
	if err != nil {
		return nil, nil, err
	}
	data, err := decodeHex(ret)
	if err != nil {
		return nil, nil, errors.Wrapf(err, "failed to read %s", library)
	}

	return resolver.NewMemoryImage(mod.Name, data), exports, nil
}

// Target is a process with the agent loaded.
type Target struct {
	pid     int
	session *frida.Session
	script  *frida.Script

	calls     chan hook.Call
	done      chan struct{}
	closed    chan struct{}
	exitOnce  sync.Once
	closeOnce sync.Once
}

func (t *Target) onMessage(data string) {
	msg, err := frida.ScriptMessageToMessage(data)
	if err != nil {
		log.Errorf("error parsing script message: %v", err)
		return
	}
	switch msg.Type {
	case frida.MessageTypeError:
		log.WithFields(log.Fields{
			"line":   msg.LineNumber,
			"column": msg.ColumnNumber,
		}).Errorf("Agent error - %v", msg.Description)
	case frida.MessageTypeSend:
		if !msg.IsPayloadMap {
			log.Debugf("Agent sent %v", msg.Payload)
			return
		}
		call, err := decodeCall(msg.Payload)
		if err != nil {
			log.WithError(err).Warn("Dropping agent message")
			return
		}
		// frida delivers messages one at a time; blocking here serializes the stream
		select {
		case t.calls <- call:
		case <-t.closed:
		}
	case frida.MessageTypeLog:
		switch msg.Level {
		case frida.LevelTypeWarn:
			log.Warnf("Agent: %v", msg.Payload)
		case frida.LevelTypeError:
			log.Errorf("Agent: %v", msg.Payload)
		default:
			log.Debugf("Agent: %v", msg.Payload)
		}
	}
}

func (t *Target) call(fn string, args ...any) (any, error) {
	ret := t.script.ExportsCall(fn, args...)
	if err, ok := ret.(error); ok {
		return nil, errors.Wrapf(err, "agent %s failed", fn)
	}
	return ret, nil
}

func (t *Target) Install(ctx context.Context, library string, offset uint64, fn registry.FunctionSpec) (hook.HookID, error) {
	sig := make([]string, 0, len(fn.Signature))
	for _, arg := range fn.Signature {
		sig = append(sig, arg.String())
	}
	ret, err := t.call("install", library, offset, sig, fn.ReadSize())
	if err != nil {
		return 0, err
	}
	id, err := cast.ToUint64E(ret)
	if err != nil {
		return 0, errors.Wrap(err, "agent returned an invalid hook id")
	}
	return hook.HookID(id), nil
}

func (t *Target) Uninstall(id hook.HookID) error {
	_, err := t.call("uninstall", uint64(id))
	return err
}

func (t *Target) Detach() error {
	t.closeOnce.Do(func() { close(t.closed) })
	if t.script != nil {
		if err := t.script.Unload(); err != nil {
			log.WithError(err).Debug("failed to unload agent")
		}
	}
	return t.session.Detach()
}

func (t *Target) exit() {
	t.exitOnce.Do(func() { close(t.done) })
}

func (t *Target) Calls() <-chan hook.Call { return t.calls }
func (t *Target) Done() <-chan struct{}   { return t.done }
