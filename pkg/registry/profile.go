package registry

import (
	"fmt"
	"slices"
	"time"

	semver "github.com/hashicorp/go-version"
)

// DefaultOutSize is the number of bytes read from an OutBuffer that has no paired OutLength.
const DefaultOutSize = 16

// DefaultWindow is the correlation window used when a profile does not set one.
const DefaultWindow = 2 * time.Second

// FunctionSpec is a function worth intercepting inside the vendor library.
type FunctionSpec struct {
	// The exported (or symbol table) name of the function.
	Name string `yaml:"name" json:"name"`
	// The part the function plays in a key exchange.
	Role Role `yaml:"role" json:"role"`
	// The calling convention, one entry per argument register.
	Signature []ArgRole `yaml:"signature" json:"signature"`
	// Hex byte patterns ("??" is a wildcard) used when no symbol table resolves Name.
	Patterns []string `yaml:"patterns,omitempty" json:"patterns,omitempty"`
	// Bytes to read from an OutBuffer without a paired OutLength.
	OutSize int `yaml:"out_size,omitempty" json:"out_size,omitempty"`
}

// Pair ties a buffer argument to the length argument that bounds it.
// Length is -1 when the buffer has no length argument.
type Pair struct {
	Buffer int
	Length int
}

// OutputPairs pairs every OutBuffer with the first unclaimed OutLength that follows it.
func (f FunctionSpec) OutputPairs() []Pair {
	return pairs(f.Signature, OutBuffer, OutLength)
}

// InputPairs pairs every InBuffer with the first unclaimed InLength that follows it.
func (f FunctionSpec) InputPairs() []Pair {
	return pairs(f.Signature, InBuffer, InLength)
}

func pairs(sig []ArgRole, buf, length ArgRole) []Pair {
	var out []Pair
	claimed := make(map[int]bool)
	for i, arg := range sig {
		if arg != buf {
			continue
		}
		p := Pair{Buffer: i, Length: -1}
		for j := i + 1; j < len(sig); j++ {
			if sig[j] == length && !claimed[j] {
				claimed[j] = true
				p.Length = j
				break
			}
			if sig[j] == buf {
				break
			}
		}
		out = append(out, p)
	}
	return out
}

// ReadSize returns the default number of bytes read for an unbounded OutBuffer.
func (f FunctionSpec) ReadSize() int {
	if f.OutSize > 0 {
		return f.OutSize
	}
	return DefaultOutSize
}

func (f FunctionSpec) validate() error {
	if f.Name == "" {
		return fmt.Errorf("function without a name")
	}
	if f.Role == RoleUnknown {
		return fmt.Errorf("function %s: missing role", f.Name)
	}
	if f.Role.CapturesOutput() && len(f.OutputPairs()) == 0 {
		return fmt.Errorf("function %s: role %s requires at least one %s argument", f.Name, f.Role, OutBuffer)
	}
	return nil
}

// CapturePolicy tells the capture pipeline when a correlation group is complete.
type CapturePolicy struct {
	// Roles that must co-occur within Window; their payloads are concatenated in this order.
	Required []Role `yaml:"required" json:"required"`
	// Maximum distance between the first and last event of a group.
	Window time.Duration `yaml:"window,omitempty" json:"window,omitempty"`
}

// Profile describes one DRM service implementation.
type Profile struct {
	Name string `yaml:"name" json:"name"`
	// Package identity of the DRM service, the registry key.
	Package string `yaml:"package" json:"package"`
	// Name of the running service process.
	Process string `yaml:"process" json:"process"`
	// Shared library that implements the crypto functions.
	Library string `yaml:"library" json:"library"`
	// Version constraint on the device SDK level, e.g. ">= 33".
	SDK string `yaml:"sdk,omitempty" json:"sdk,omitempty"`
	// Higher priority profiles win detection ties.
	Priority  int            `yaml:"priority,omitempty" json:"priority,omitempty"`
	Functions []FunctionSpec `yaml:"functions" json:"functions"`
	Capture   CapturePolicy  `yaml:"capture" json:"capture"`
}

// Validate checks the profile invariants and fills capture defaults.
func (p *Profile) Validate() error {
	if p.Package == "" {
		return fmt.Errorf("profile %q: missing package identity", p.Name)
	}
	if p.Name == "" {
		p.Name = p.Package
	}
	if p.Process == "" || p.Library == "" {
		return fmt.Errorf("profile %s: process and library are required", p.Name)
	}
	if len(p.Functions) == 0 {
		return fmt.Errorf("profile %s: no functions", p.Name)
	}
	seen := make(map[string]bool)
	for _, fn := range p.Functions {
		if err := fn.validate(); err != nil {
			return fmt.Errorf("profile %s: %w", p.Name, err)
		}
		if seen[fn.Name] {
			return fmt.Errorf("profile %s: duplicate function %s", p.Name, fn.Name)
		}
		seen[fn.Name] = true
	}
	if p.SDK != "" {
		if _, err := semver.NewConstraint(p.SDK); err != nil {
			return fmt.Errorf("profile %s: invalid sdk constraint %q: %v", p.Name, p.SDK, err)
		}
	}
	if p.Capture.Window <= 0 {
		p.Capture.Window = DefaultWindow
	}
	if len(p.Capture.Required) == 0 {
		p.Capture.Required = []Role{RoleOpenSession, RoleSetKeys}
	}
	for _, role := range p.Capture.Required {
		if !slices.ContainsFunc(p.Functions, func(f FunctionSpec) bool { return f.Role == role }) {
			return fmt.Errorf("profile %s: capture requires role %s but no function provides it", p.Name, role)
		}
	}
	return nil
}

// MatchesSDK reports whether the profile applies to a device at the given SDK level.
// A profile without a constraint matches every level.
func (p Profile) MatchesSDK(sdk string) bool {
	if p.SDK == "" || sdk == "" {
		return true
	}
	constraint, err := semver.NewConstraint(p.SDK)
	if err != nil {
		return false
	}
	v, err := semver.NewVersion(sdk)
	if err != nil {
		return false
	}
	return constraint.Check(v)
}

// Function returns the function with the given name.
func (p Profile) Function(name string) (FunctionSpec, bool) {
	for _, fn := range p.Functions {
		if fn.Name == name {
			return fn, true
		}
	}
	return FunctionSpec{}, false
}

func (p Profile) clone() Profile {
	c := p
	c.Functions = make([]FunctionSpec, len(p.Functions))
	for i, fn := range p.Functions {
		fn.Signature = slices.Clone(fn.Signature)
		fn.Patterns = slices.Clone(fn.Patterns)
		c.Functions[i] = fn
	}
	c.Capture.Required = slices.Clone(p.Capture.Required)
	return c
}
