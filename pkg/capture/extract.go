package capture

import (
	"encoding/binary"
	"fmt"

	"github.com/blacktop/keydive/pkg/hook"
	"github.com/blacktop/keydive/pkg/registry"
)

// payload assembles the output material of one event from its OutBuffer/OutLength pairs.
func payload(ev hook.Event) ([]byte, error) {
	fn := ev.Function
	pairs := fn.OutputPairs()
	if len(pairs) == 0 {
		return nil, fmt.Errorf("%w: %s declares no %s", ErrMalformedEvent, fn.Name, registry.OutBuffer)
	}
	if len(ev.Buffers) < len(fn.Signature) {
		return nil, fmt.Errorf("%w: %s has %d argument(s), expected %d", ErrMalformedEvent, fn.Name, len(ev.Buffers), len(fn.Signature))
	}
	var out []byte
	for _, p := range pairs {
		buf := ev.Buffers[p.Buffer]
		if p.Length >= 0 {
			n, err := length(ev.Buffers[p.Length])
			if err != nil {
				return nil, fmt.Errorf("%w: %s argument %d: %v", ErrMalformedEvent, fn.Name, p.Length, err)
			}
			if n < uint64(len(buf)) {
				buf = buf[:n]
			}
		}
		out = append(out, buf...)
	}
	if len(out) == 0 {
		return nil, fmt.Errorf("%w: %s produced an empty payload", ErrMalformedEvent, fn.Name)
	}
	return out, nil
}

// length decodes a little-endian register value.
func length(raw []byte) (uint64, error) {
	if len(raw) == 0 || len(raw) > 8 {
		return 0, fmt.Errorf("invalid length value of %d byte(s)", len(raw))
	}
	var b [8]byte
	copy(b[:], raw)
	return binary.LittleEndian.Uint64(b[:]), nil
}
