// Package registry maps DRM service identities to the profiles that describe how to hook them.
package registry

import (
	"errors"
	"fmt"
	"io"
	"sort"
	"sync"

	"github.com/apex/log"
	"gopkg.in/yaml.v3"
)

// ErrNotFound is returned when no profile matches; it needs an operator supplied profile.
var ErrNotFound = errors.New("no vendor profile found")

// Registry is a table of profiles keyed by package identity.
type Registry struct {
	mu        sync.RWMutex
	profiles  []Profile
	byPackage map[string]int
	fallback  string
}

// New builds a registry from profiles. The first profile is the fallback used by Default.
func New(profiles ...Profile) (*Registry, error) {
	r := &Registry{byPackage: make(map[string]int)}
	for _, p := range profiles {
		if err := r.add(p); err != nil {
			return nil, err
		}
	}
	if len(r.profiles) > 0 {
		r.fallback = r.profiles[0].Package
	}
	return r, nil
}

func (r *Registry) add(p Profile) error {
	if err := p.Validate(); err != nil {
		return err
	}
	if _, dup := r.byPackage[p.Package]; dup {
		return fmt.Errorf("duplicate profile for package %s", p.Package)
	}
	r.byPackage[p.Package] = len(r.profiles)
	r.profiles = append(r.profiles, p.clone())
	return nil
}

// Resolve returns the profile for a package identity. Profile names are accepted too.
func (r *Registry) Resolve(identity string) (Profile, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if idx, ok := r.byPackage[identity]; ok {
		return r.profiles[idx].clone(), nil
	}
	for _, p := range r.profiles {
		if p.Name == identity {
			return p.clone(), nil
		}
	}
	return Profile{}, fmt.Errorf("%w: %s", ErrNotFound, identity)
}

// List returns every profile in registration order.
func (r *Registry) List() []Profile {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Profile, 0, len(r.profiles))
	for _, p := range r.profiles {
		out = append(out, p.clone())
	}
	return out
}

// Default returns the profile used when detection is skipped.
func (r *Registry) Default() (Profile, error) {
	r.mu.RLock()
	fallback := r.fallback
	r.mu.RUnlock()
	if fallback == "" {
		return Profile{}, ErrNotFound
	}
	return r.Resolve(fallback)
}

// SetDefault changes the fallback profile.
func (r *Registry) SetDefault(identity string) error {
	p, err := r.Resolve(identity)
	if err != nil {
		return err
	}
	r.mu.Lock()
	r.fallback = p.Package
	r.mu.Unlock()
	return nil
}

// Detect picks the profile whose service process is running and whose SDK constraint
// matches. Ties go to the higher priority, then to registration order.
func (r *Registry) Detect(processes map[string]int, sdk string) (Profile, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var candidates []int
	for i, p := range r.profiles {
		if _, running := processes[p.Process]; !running {
			continue
		}
		if !p.MatchesSDK(sdk) {
			log.WithFields(log.Fields{
				"profile": p.Name,
				"sdk":     sdk,
				"want":    p.SDK,
			}).Debug("Process running but SDK does not match")
			continue
		}
		candidates = append(candidates, i)
	}
	if len(candidates) == 0 {
		return Profile{}, fmt.Errorf("%w: no known DRM service process is running", ErrNotFound)
	}
	sort.SliceStable(candidates, func(i, j int) bool {
		return r.profiles[candidates[i]].Priority > r.profiles[candidates[j]].Priority
	})
	return r.profiles[candidates[0]].clone(), nil
}

type profileFile struct {
	Default  string    `yaml:"default,omitempty"`
	Profiles []Profile `yaml:"profiles"`
}

// Load reads additional profiles from a YAML document.
func (r *Registry) Load(rd io.Reader) error {
	var pf profileFile
	dec := yaml.NewDecoder(rd)
	dec.KnownFields(true)
	if err := dec.Decode(&pf); err != nil {
		return fmt.Errorf("failed to decode profiles: %v", err)
	}
	r.mu.Lock()
	for _, p := range pf.Profiles {
		if err := r.add(p); err != nil {
			r.mu.Unlock()
			return err
		}
	}
	if r.fallback == "" && len(r.profiles) > 0 {
		r.fallback = r.profiles[0].Package
	}
	r.mu.Unlock()
	if pf.Default != "" {
		return r.SetDefault(pf.Default)
	}
	return nil
}
