// Package hook owns the attach/install/detach lifecycle against one target process.
package hook

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/apex/log"
	"github.com/blacktop/keydive/internal/utils"
	"github.com/blacktop/keydive/pkg/resolver"
	"github.com/google/uuid"
)

// State of a Session.
type State int

const (
	Attaching State = iota
	Active
	Detaching
	Closed
)

func (s State) String() string {
	switch s {
	case Attaching:
		return "attaching"
	case Active:
		return "active"
	case Detaching:
		return "detaching"
	case Closed:
		return "closed"
	default:
		return fmt.Sprintf("State(%d)", int(s))
	}
}

// Options tunes how a session attaches and installs.
type Options struct {
	// Strict fails Open unless every plan entry installs.
	Strict        bool
	AttachTimeout time.Duration
	AttachRetries int
	RetryDelay    time.Duration
	// Buffer is the capacity of the events channel.
	Buffer int
}

// DefaultOptions returns the best-effort defaults.
func DefaultOptions() Options {
	return Options{
		AttachTimeout: 10 * time.Second,
		AttachRetries: 3,
		RetryDelay:    500 * time.Millisecond,
		Buffer:        256,
	}
}

func (o Options) withDefaults() Options {
	def := DefaultOptions()
	if o.AttachTimeout <= 0 {
		o.AttachTimeout = def.AttachTimeout
	}
	if o.AttachRetries <= 0 {
		o.AttachRetries = def.AttachRetries
	}
	if o.RetryDelay < 0 {
		o.RetryDelay = def.RetryDelay
	}
	if o.Buffer <= 0 {
		o.Buffer = def.Buffer
	}
	return o
}

type installed struct {
	id    HookID
	entry resolver.Entry
}

// Session is an instrumentation session attached to a live process.
type Session struct {
	id     string
	pid    int
	opts   Options
	target Target

	mu        sync.Mutex
	state     State
	err       error
	installed []installed
	failed    []*InstallError
	byHook    map[HookID]resolver.Entry

	events   chan Event
	stop     chan struct{}
	done     chan struct{}
	stopOnce sync.Once

	closeOnce sync.Once
	closeErr  error
}

// Open attaches to pid and installs every entry of plan.
//
// The returned session is Active. Attach failures are retried with
// exponential backoff and surface as *AttachError. A session that could not
// install a single hook is never returned.
func Open(ctx context.Context, inst Instrumenter, pid int, plan *resolver.Plan, opts Options) (*Session, error) {
	if plan == nil || len(plan.Entries) == 0 {
		return nil, fmt.Errorf("pid %d: %w: empty hook plan", pid, ErrNoHooksInstalled)
	}
	opts = opts.withDefaults()

	s := &Session{
		id:     uuid.NewString(),
		pid:    pid,
		opts:   opts,
		state:  Attaching,
		byHook: make(map[HookID]resolver.Entry),
		events: make(chan Event, opts.Buffer),
		stop:   make(chan struct{}),
		done:   make(chan struct{}),
	}

	l := log.WithFields(log.Fields{"pid": pid, "session": s.id})
	l.Debug("Attaching")

	var attempts int
	err := utils.Retry(ctx, opts.AttachRetries, opts.RetryDelay, func(attempt int) error {
		attempts = attempt
		actx, cancel := context.WithTimeout(ctx, opts.AttachTimeout)
		defer cancel()
		t, err := inst.Attach(actx, pid)
		if err != nil {
			if ctx.Err() != nil {
				return utils.Stop(err)
			}
			return err
		}
		s.target = t
		return nil
	})
	if err != nil {
		s.setClosed(err)
		return nil, &AttachError{PID: pid, Attempts: attempts, Err: err}
	}

	for _, entry := range plan.Entries {
		id, err := s.target.Install(ctx, plan.Library, entry.Offset, entry.Function)
		if err != nil {
			ierr := &InstallError{Offset: entry.Offset, Name: entry.Function.Name, Err: err}
			s.failed = append(s.failed, ierr)
			l.WithError(err).Warnf("Failed to hook %s @ %#x", entry.Function.Name, entry.Offset)
			if opts.Strict {
				break
			}
			continue
		}
		utils.Indent(l.Debug, 2)(fmt.Sprintf("Hooked %s", entry))
		s.installed = append(s.installed, installed{id: id, entry: entry})
		s.byHook[id] = entry
	}

	switch {
	case opts.Strict && len(s.failed) > 0:
		s.teardown()
		err := fmt.Errorf("strict install policy: %w", s.failed[0])
		s.setClosed(err)
		return nil, &AttachError{PID: pid, Attempts: attempts, Err: err}
	case len(s.installed) == 0:
		s.teardown()
		errs := make([]error, 0, len(s.failed))
		for _, f := range s.failed {
			errs = append(errs, f)
		}
		err := fmt.Errorf("pid %d: %w: %w", pid, ErrNoHooksInstalled, errors.Join(errs...))
		s.setClosed(err)
		return nil, err
	}

	s.mu.Lock()
	s.state = Active
	s.mu.Unlock()
	l.WithField("hooks", len(s.installed)).Info("Session active")

	go s.pump()

	return s, nil
}

// pump wraps target calls into events until the session is closed or the process exits.
func (s *Session) pump() {
	defer close(s.events)
	calls := s.target.Calls()
	for {
		select {
		case <-s.stop:
			return
		case <-s.target.Done():
			// calls already queued before the exit still count
			for {
				select {
				case c := <-calls:
					if !s.deliver(c) {
						return
					}
				default:
					s.exited()
					return
				}
			}
		case c := <-calls:
			if !s.deliver(c) {
				return
			}
		}
	}
}

// deliver forwards c unless the session is closing. It returns false once it is.
func (s *Session) deliver(c Call) bool {
	select {
	case <-s.stop:
		return false
	default:
	}
	entry, ok := s.byHook[c.Hook]
	if !ok {
		log.WithFields(log.Fields{"session": s.id, "hook": c.Hook}).Debug("Dropping call from unknown hook")
		return true
	}
	select {
	case s.events <- newEvent(s.id, entry.Function, c):
		return true
	case <-s.stop:
		return false
	}
}

func (s *Session) exited() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state == Closed {
		return
	}
	log.WithFields(log.Fields{"pid": s.pid, "session": s.id}).Warn("Target process exited")
	s.state = Closed
	s.err = ErrProcessExited
	close(s.done)
}

// Close uninstalls every hook in reverse install order and detaches.
// It is safe to call concurrently with event delivery and more than once;
// concurrent callers wait for the first teardown and share its result.
func (s *Session) Close() error {
	s.stopOnce.Do(func() { close(s.stop) })
	// wait for the pump so no event is produced after Close returns
	for range s.events {
	}
	s.closeOnce.Do(func() { s.closeErr = s.shutdown() })
	return s.closeErr
}

func (s *Session) shutdown() error {
	s.mu.Lock()
	if s.state == Closed {
		s.mu.Unlock()
		return nil
	}
	s.state = Detaching
	s.mu.Unlock()

	err := s.teardown()
	s.setClosed(ErrClosed)
	log.WithFields(log.Fields{"pid": s.pid, "session": s.id}).Debug("Session closed")
	return err
}

func (s *Session) teardown() error {
	var errs []error
	for i := len(s.installed) - 1; i >= 0; i-- {
		h := s.installed[i]
		if err := s.target.Uninstall(h.id); err != nil {
			errs = append(errs, fmt.Errorf("uninstall %s: %w", h.entry.Function.Name, err))
		}
	}
	if err := s.target.Detach(); err != nil {
		errs = append(errs, fmt.Errorf("detach pid %d: %w", s.pid, err))
	}
	return errors.Join(errs...)
}

func (s *Session) setClosed(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state == Closed {
		return
	}
	s.state = Closed
	s.err = err
	close(s.done)
}

// Events returns the event stream. It is closed once the session is Closed.
func (s *Session) Events() <-chan Event { return s.events }

// Done is closed when the session reaches Closed.
func (s *Session) Done() <-chan struct{} { return s.done }

func (s *Session) ID() string { return s.id }
func (s *Session) PID() int   { return s.pid }

func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Err returns why the session closed: ErrClosed, ErrProcessExited or nil while active.
func (s *Session) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

// Installed returns the installed plan entries in install order.
func (s *Session) Installed() []resolver.Entry {
	out := make([]resolver.Entry, 0, len(s.installed))
	for _, h := range s.installed {
		out = append(out, h.entry)
	}
	return out
}

// Failed returns the entries that could not be installed.
func (s *Session) Failed() []*InstallError {
	return append([]*InstallError(nil), s.failed...)
}
