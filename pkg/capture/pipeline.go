// Package capture reconstructs key material from intercepted calls.
//
// Events are grouped per session into correlation groups. A group completes
// once it holds one event of every role the capture policy requires, all
// within the policy window. The outputs of a complete group are concatenated
// in policy order and fingerprinted; each fingerprint is emitted once.
package capture

import (
	"crypto/sha256"
	"encoding/hex"
	"slices"
	"sync"
	"time"

	"github.com/apex/log"
	"github.com/blacktop/keydive/pkg/hook"
	"github.com/blacktop/keydive/pkg/registry"
	"golang.org/x/time/rate"
)

// Key is recovered key material.
type Key struct {
	Fingerprint string
	Material    []byte
	// IDs of the events the material was assembled from, in policy order.
	DerivedFrom []string
	SessionID   string
	Time        time.Time
}

// Stats counts what the pipeline has seen.
type Stats struct {
	Events     int
	Groups     int
	Keys       int
	Duplicates int
	Timeouts   int
	Malformed  int
	Ignored    int
}

type member struct {
	event   hook.Event
	payload []byte
}

type group struct {
	session string
	first   time.Time
	last    time.Time
	arrived time.Time
	members map[registry.Role]member
}

func (g *group) span(t time.Time) time.Duration {
	first, last := g.first, g.last
	if t.Before(first) {
		first = t
	}
	if t.After(last) {
		last = t
	}
	return last.Sub(first)
}

// Pipeline is the key capture pipeline. It is safe for concurrent use, though
// the extractor drives it from a single goroutine.
type Pipeline struct {
	required []registry.Role
	window   time.Duration
	now      func() time.Time

	mu      sync.Mutex
	groups  []*group
	clocks  map[string]time.Time
	seen    map[string]struct{}
	stats   Stats
	limiter *rate.Limiter
}

// New returns a pipeline for policy. An empty policy falls back to the
// OpenSession + SetKeys pairing and the default window.
func New(policy registry.CapturePolicy) *Pipeline {
	p := &Pipeline{
		required: slices.Clone(policy.Required),
		window:   policy.Window,
		now:      time.Now,
		clocks:   make(map[string]time.Time),
		seen:     make(map[string]struct{}),
		limiter:  rate.NewLimiter(rate.Every(time.Second), 5),
	}
	if len(p.required) == 0 {
		p.required = []registry.Role{registry.RoleOpenSession, registry.RoleSetKeys}
	}
	if p.window <= 0 {
		p.window = registry.DefaultWindow
	}
	return p
}

// Window returns the correlation window.
func (p *Pipeline) Window() time.Duration { return p.window }

// Consume processes one event and returns the key it completed, if any.
//
// A returned error is scoped to ev (ErrMalformedEvent); the pipeline stays usable.
func (p *Pipeline) Consume(ev hook.Event) (*Key, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.stats.Events++

	if !slices.Contains(p.required, ev.Role) {
		p.stats.Ignored++
		log.WithFields(log.Fields{"function": ev.Function.Name, "role": ev.Role}).Debug("Event role not part of capture policy")
		return nil, nil
	}

	data, err := payload(ev)
	if err != nil {
		p.stats.Malformed++
		p.warn(log.WithError(err).WithField("event", ev.ID), "Discarding event")
		return nil, err
	}

	if clock := p.clocks[ev.SessionID]; ev.Time.After(clock) {
		p.clocks[ev.SessionID] = ev.Time
	}

	g := p.join(ev)
	if m, ok := g.members[ev.Role]; ok && m.event.ID == ev.ID {
		// exact replay of an event already in the group
		p.stats.Duplicates++
		return nil, nil
	}
	g.members[ev.Role] = member{event: ev, payload: data}
	if ev.Time.Before(g.first) {
		g.first = ev.Time
	}
	if ev.Time.After(g.last) {
		g.last = ev.Time
	}

	var key *Key
	if len(g.members) == len(p.required) {
		p.remove(g)
		key = p.assemble(g)
	}

	p.expire(ev.SessionID)

	return key, nil
}

// join returns the open group ev belongs to, starting a new one when none fits.
func (p *Pipeline) join(ev hook.Event) *group {
	for _, g := range p.groups {
		if g.session != ev.SessionID || g.span(ev.Time) > p.window {
			continue
		}
		if m, ok := g.members[ev.Role]; ok && m.event.ID != ev.ID {
			continue
		}
		return g
	}
	g := &group{
		session: ev.SessionID,
		first:   ev.Time,
		last:    ev.Time,
		arrived: p.now(),
		members: make(map[registry.Role]member, len(p.required)),
	}
	p.groups = append(p.groups, g)
	p.stats.Groups++
	return g
}

func (p *Pipeline) assemble(g *group) *Key {
	key := &Key{SessionID: g.session, Time: g.last}
	for _, role := range p.required {
		m := g.members[role]
		key.Material = append(key.Material, m.payload...)
		key.DerivedFrom = append(key.DerivedFrom, m.event.ID)
	}
	sum := sha256.Sum256(key.Material)
	key.Fingerprint = hex.EncodeToString(sum[:])

	if _, dup := p.seen[key.Fingerprint]; dup {
		p.stats.Duplicates++
		log.WithField("fingerprint", key.Fingerprint).Debug("Key already captured")
		return nil
	}
	p.seen[key.Fingerprint] = struct{}{}
	p.stats.Keys++
	return key
}

// expire drops the groups of session that fell behind its event clock by more than the window.
func (p *Pipeline) expire(session string) {
	clock := p.clocks[session]
	p.evict(func(g *group) bool {
		return g.session == session && clock.Sub(g.first) > p.window
	})
}

// Sweep drops every group that arrived more than one window before now and
// returns what was dropped.
func (p *Pipeline) Sweep(now time.Time) []*GroupTimeout {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.evict(func(g *group) bool {
		return now.Sub(g.arrived) > p.window
	})
}

func (p *Pipeline) evict(stale func(*group) bool) []*GroupTimeout {
	var out []*GroupTimeout
	kept := p.groups[:0]
	for _, g := range p.groups {
		if !stale(g) {
			kept = append(kept, g)
			continue
		}
		gt := &GroupTimeout{SessionID: g.session, Start: g.first}
		for _, role := range p.required {
			if _, ok := g.members[role]; ok {
				gt.Present = append(gt.Present, role)
			} else {
				gt.Missing = append(gt.Missing, role)
			}
		}
		p.stats.Timeouts++
		p.warn(log.WithField("session", g.session), gt.Error())
		out = append(out, gt)
	}
	clear(p.groups[len(kept):])
	p.groups = kept
	return out
}

func (p *Pipeline) remove(g *group) {
	p.groups = slices.DeleteFunc(p.groups, func(o *group) bool { return o == g })
}

// warn logs at warn level until the limiter runs dry, then at debug.
func (p *Pipeline) warn(l log.Interface, msg string) {
	if p.limiter.Allow() {
		l.Warn(msg)
		return
	}
	l.Debug(msg)
}

// Pending returns the number of open correlation groups.
func (p *Pipeline) Pending() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.groups)
}

func (p *Pipeline) Stats() Stats {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.stats
}

// Close discards open groups and forgets every fingerprint.
func (p *Pipeline) Close() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.groups = nil
	clear(p.clocks)
	clear(p.seen)
}
