// Package extractor drives a key extraction from vendor detection to captured keys.
package extractor

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/apex/log"
	"github.com/blacktop/keydive/internal/utils"
	"github.com/blacktop/keydive/pkg/hook"
	"github.com/blacktop/keydive/pkg/registry"
	"github.com/blacktop/keydive/pkg/resolver"
	"github.com/blacktop/keydive/pkg/symbols"
)

// DefaultResolveTimeout bounds offset resolution.
const DefaultResolveTimeout = 30 * time.Second

// ErrProcessNotRunning is returned when a forced profile's service process is not running.
var ErrProcessNotRunning = errors.New("process not running")

// Device is the device and process collaborator.
type Device interface {
	// Processes maps running process names to their pid.
	Processes(ctx context.Context) (map[string]int, error)
	// SDK returns the device SDK level, e.g. "34". An empty string skips SDK matching.
	SDK(ctx context.Context) (string, error)
}

// Inspector reads a library out of a running process.
// The returned table holds the exports the loader knows about and may be nil.
type Inspector interface {
	Module(ctx context.Context, pid int, library string) (*resolver.Image, *symbols.Table, error)
}

// Config controls one extraction.
type Config struct {
	// Profile skips detection and uses the named profile (package identity or name).
	Profile string
	// Symbols overrides every other source of offsets.
	Symbols *symbols.Table
	// Library is a local copy of the vendor library; the live module is read otherwise.
	Library *resolver.Image
	// Partial accepts a hook plan with unresolved functions unless Session.Strict is set.
	Partial bool
	// Session configures attach and install; Session.Strict requires every hook to install.
	Session        hook.Options
	ResolveTimeout time.Duration
	// Window overrides the profile correlation window.
	Window time.Duration
}

// Target is a prepared extraction: who to attach to and what to hook.
type Target struct {
	Profile registry.Profile
	PID     int
	Plan    *resolver.Plan
}

// Extractor wires the registry, resolver, hook session and capture pipeline together.
type Extractor struct {
	Registry     *registry.Registry
	Device       Device
	Instrumenter hook.Instrumenter
	// Inspector is optional.
	Inspector Inspector
	Resolver  *resolver.Resolver
	Config    Config
}

// New returns an extractor using a cache-less resolver.
func New(reg *registry.Registry, dev Device, inst hook.Instrumenter, conf Config) *Extractor {
	e := &Extractor{
		Registry:     reg,
		Device:       dev,
		Instrumenter: inst,
		Resolver:     resolver.New(nil),
		Config:       conf,
	}
	if insp, ok := inst.(Inspector); ok {
		e.Inspector = insp
	}
	return e
}

// Prepare selects the vendor profile, finds its process and resolves the hook plan.
// Every error it returns is terminal.
func (e *Extractor) Prepare(ctx context.Context) (*Target, error) {
	processes, err := e.Device.Processes(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to enumerate processes: %w", err)
	}

	profile, err := e.profile(ctx, processes)
	if err != nil {
		return nil, err
	}
	pid, ok := processes[profile.Process]
	if !ok {
		return nil, fmt.Errorf("%w: %s (profile %s)", ErrProcessNotRunning, profile.Process, profile.Name)
	}
	log.WithFields(log.Fields{
		"profile": profile.Name,
		"process": profile.Process,
		"pid":     pid,
	}).Info("Found DRM service")

	img := e.Config.Library
	var exports *symbols.Table
	if e.Inspector != nil && (img == nil || e.Config.Symbols == nil) {
		live, tbl, err := e.Inspector.Module(ctx, pid, profile.Library)
		if err != nil {
			log.WithError(err).Warnf("Failed to inspect %s", profile.Library)
		} else {
			exports = tbl
			if img == nil {
				img = live
			}
		}
	}
	table := symbols.Merge(exports, e.Config.Symbols)

	timeout := e.Config.ResolveTimeout
	if timeout <= 0 {
		timeout = DefaultResolveTimeout
	}
	rctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	plan, err := e.Resolver.Resolve(rctx, profile.Library, img, profile.Functions, table)
	switch {
	case errors.Is(err, resolver.ErrUnresolvedFunctions):
		if e.Config.Session.Strict || !e.Config.Partial || len(plan.Entries) == 0 {
			return nil, err
		}
		log.WithError(err).Warn("Continuing with a partial hook plan")
		roles := plan.Roles()
		for _, r := range profile.Capture.Required {
			if !roles[r] {
				utils.Indent(log.Warn, 2)(fmt.Sprintf("No hook left for required role %s, keys cannot be captured", r))
			}
		}
	case err != nil:
		return nil, err
	}

	for _, entry := range plan.Entries {
		utils.Indent(log.Info, 2)(entry.String())
	}

	return &Target{Profile: profile, PID: pid, Plan: plan}, nil
}

func (e *Extractor) profile(ctx context.Context, processes map[string]int) (registry.Profile, error) {
	if e.Config.Profile != "" {
		return e.Registry.Resolve(e.Config.Profile)
	}
	sdk, err := e.Device.SDK(ctx)
	if err != nil {
		log.WithError(err).Debug("Failed to read SDK level")
	}
	return e.Registry.Detect(processes, sdk)
}
