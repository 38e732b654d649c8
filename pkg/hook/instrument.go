package hook

import (
	"context"
	"time"

	"github.com/blacktop/keydive/pkg/registry"
)

// HookID identifies an installed intercept within one Target.
type HookID uint64

// Call is one intercepted invocation as reported by the instrumentation engine.
//
// Args holds one element per signature argument: buffer contents for buffer
// arguments, the little-endian register value for everything else.
type Call struct {
	Hook   HookID
	Args   [][]byte
	Time   time.Time
	Thread int
}

// Instrumenter attaches the instrumentation engine to a process.
type Instrumenter interface {
	Attach(ctx context.Context, pid int) (Target, error)
}

// Target is an attached process.
//
// Implementations must deliver every call on the single channel returned by
// Calls, in the target's call order per hook point. Calls is never closed
// while the target is attached; Done is closed when the process goes away.
type Target interface {
	// Install intercepts fn at offset from the load base of library.
	Install(ctx context.Context, library string, offset uint64, fn registry.FunctionSpec) (HookID, error)
	Uninstall(id HookID) error
	Detach() error
	Calls() <-chan Call
	Done() <-chan struct{}
}
