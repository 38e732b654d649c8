// Package hooktest provides an in-memory hook.Instrumenter for tests.
package hooktest

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/blacktop/keydive/pkg/hook"
	"github.com/blacktop/keydive/pkg/registry"
)

// ErrNoHook is returned by Fire when nothing is installed at the offset.
var ErrNoHook = errors.New("no hook at offset")

// Instrumenter is a fake instrumentation engine.
type Instrumenter struct {
	// AttachErrs are returned by successive Attach calls before one succeeds.
	AttachErrs []error
	// Block makes Attach wait for its context.
	Block bool
	// InstallErrs fails Install at the given offsets.
	InstallErrs map[uint64]error

	mu       sync.Mutex
	attaches int
	target   *Target
}

func (i *Instrumenter) Attach(ctx context.Context, pid int) (hook.Target, error) {
	i.mu.Lock()
	i.attaches++
	if len(i.AttachErrs) > 0 {
		err := i.AttachErrs[0]
		i.AttachErrs = i.AttachErrs[1:]
		i.mu.Unlock()
		return nil, err
	}
	block := i.Block
	i.mu.Unlock()

	if block {
		<-ctx.Done()
		return nil, ctx.Err()
	}

	t := NewTarget(pid, i.InstallErrs)
	i.mu.Lock()
	i.target = t
	i.mu.Unlock()
	return t, nil
}

// Attaches returns how many times Attach was called.
func (i *Instrumenter) Attaches() int {
	i.mu.Lock()
	defer i.mu.Unlock()
	return i.attaches
}

// Target returns the most recently attached target.
func (i *Instrumenter) Target() *Target {
	i.mu.Lock()
	defer i.mu.Unlock()
	return i.target
}

// Target is a fake attached process.
type Target struct {
	PID int
	// UninstallDelay slows every Uninstall down.
	UninstallDelay time.Duration

	mu          sync.Mutex
	installErrs map[uint64]error
	next        hook.HookID
	hooks       map[hook.HookID]uint64
	log         []string
	detached    bool
	calls       chan hook.Call
	done        chan struct{}
	exitOnce    sync.Once
}

func NewTarget(pid int, installErrs map[uint64]error) *Target {
	return &Target{
		PID:         pid,
		installErrs: installErrs,
		hooks:       make(map[hook.HookID]uint64),
		calls:       make(chan hook.Call, 64),
		done:        make(chan struct{}),
	}
}

func (t *Target) Install(ctx context.Context, library string, offset uint64, fn registry.FunctionSpec) (hook.HookID, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if err, ok := t.installErrs[offset]; ok {
		return 0, err
	}
	t.next++
	t.hooks[t.next] = offset
	t.log = append(t.log, fmt.Sprintf("install %#x", offset))
	return t.next, nil
}

func (t *Target) Uninstall(id hook.HookID) error {
	time.Sleep(t.UninstallDelay)
	t.mu.Lock()
	defer t.mu.Unlock()
	off, ok := t.hooks[id]
	if !ok {
		return fmt.Errorf("unknown hook %d", id)
	}
	delete(t.hooks, id)
	t.log = append(t.log, fmt.Sprintf("uninstall %#x", off))
	return nil
}

func (t *Target) Detach() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.detached = true
	t.log = append(t.log, "detach")
	return nil
}

func (t *Target) Calls() <-chan hook.Call { return t.calls }
func (t *Target) Done() <-chan struct{}   { return t.done }

// Fire simulates a call of the function hooked at offset.
func (t *Target) Fire(offset uint64, ts time.Time, args ...[]byte) error {
	t.mu.Lock()
	var id hook.HookID
	for hid, off := range t.hooks {
		if off == offset {
			id = hid
		}
	}
	t.mu.Unlock()
	if id == 0 {
		return fmt.Errorf("%w %#x", ErrNoHook, offset)
	}
	t.calls <- hook.Call{Hook: id, Args: args, Time: ts}
	return nil
}

// Exit simulates the process going away.
func (t *Target) Exit() {
	t.exitOnce.Do(func() { close(t.done) })
}

// Log returns the install/uninstall/detach history.
func (t *Target) Log() []string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return append([]string(nil), t.log...)
}

// Detached reports whether Detach was called.
func (t *Target) Detached() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.detached
}

// Hooks returns the number of hooks still installed.
func (t *Target) Hooks() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.hooks)
}
