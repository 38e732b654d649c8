package hook

import (
	"encoding/binary"
	"encoding/hex"
	"time"

	"github.com/blacktop/keydive/pkg/registry"
	"github.com/twmb/murmur3"
)

// Event is an intercepted call tagged with the session and the function it hit.
// Events are never modified after they leave the session.
type Event struct {
	// Content digest of the event, stable across replays of the same call.
	ID        string
	SessionID string
	Hook      HookID
	Role      registry.Role
	Function  registry.FunctionSpec
	Time      time.Time
	Thread    int
	Buffers   [][]byte
}

func newEvent(sessionID string, fn registry.FunctionSpec, c Call) Event {
	ev := Event{
		SessionID: sessionID,
		Hook:      c.Hook,
		Role:      fn.Role,
		Function:  fn,
		Time:      c.Time,
		Thread:    c.Thread,
		Buffers:   make([][]byte, len(c.Args)),
	}
	for i, arg := range c.Args {
		ev.Buffers[i] = append([]byte(nil), arg...)
	}
	ev.ID = digest(ev)
	return ev
}

func digest(ev Event) string {
	h := murmur3.New128()
	var scratch [8]byte
	h.Write([]byte(ev.SessionID))
	h.Write([]byte(ev.Function.Name))
	binary.LittleEndian.PutUint64(scratch[:], uint64(ev.Time.UnixNano()))
	h.Write(scratch[:])
	for _, buf := range ev.Buffers {
		binary.LittleEndian.PutUint64(scratch[:], uint64(len(buf)))
		h.Write(scratch[:])
		h.Write(buf)
	}
	return hex.EncodeToString(h.Sum(nil))
}
