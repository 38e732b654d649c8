package registry

import (
	"fmt"
	"strings"

	"gopkg.in/yaml.v3"
)

// Role is the part a hooked function plays in a key exchange.
type Role int

const (
	RoleUnknown Role = iota
	RoleOpenSession
	RoleSetKeys
	RoleDeriveKeys
	RoleGenericCrypto
)

var roleNames = map[Role]string{
	RoleUnknown:       "unknown",
	RoleOpenSession:   "open_session",
	RoleSetKeys:       "set_keys",
	RoleDeriveKeys:    "derive_keys",
	RoleGenericCrypto: "generic_crypto",
}

func (r Role) String() string {
	if s, ok := roleNames[r]; ok {
		return s
	}
	return fmt.Sprintf("role(%d)", int(r))
}

// CapturesOutput reports whether calls of this role produce material the capture pipeline reads.
func (r Role) CapturesOutput() bool {
	switch r {
	case RoleOpenSession, RoleSetKeys, RoleDeriveKeys, RoleGenericCrypto:
		return true
	}
	return false
}

// ParseRole accepts the snake_case, CamelCase or dashed form of a role name.
func ParseRole(s string) (Role, error) {
	norm := strings.ToLower(strings.NewReplacer("-", "", "_", "", " ", "").Replace(s))
	for r, name := range roleNames {
		if strings.ReplaceAll(name, "_", "") == norm {
			return r, nil
		}
	}
	return RoleUnknown, fmt.Errorf("unknown function role %q", s)
}

func (r Role) MarshalYAML() (any, error) {
	return r.String(), nil
}

func (r *Role) UnmarshalYAML(value *yaml.Node) error {
	parsed, err := ParseRole(value.Value)
	if err != nil {
		return err
	}
	*r = parsed
	return nil
}

// ArgRole describes one argument of a hooked function.
type ArgRole int

const (
	Opaque ArgRole = iota
	InBuffer
	InLength
	OutBuffer
	OutLength
)

var argNames = map[ArgRole]string{
	Opaque:    "opaque",
	InBuffer:  "in_buffer",
	InLength:  "in_length",
	OutBuffer: "out_buffer",
	OutLength: "out_length",
}

func (a ArgRole) String() string {
	if s, ok := argNames[a]; ok {
		return s
	}
	return fmt.Sprintf("arg(%d)", int(a))
}

func ParseArgRole(s string) (ArgRole, error) {
	norm := strings.ToLower(strings.NewReplacer("-", "", "_", "", " ", "").Replace(s))
	for a, name := range argNames {
		if strings.ReplaceAll(name, "_", "") == norm {
			return a, nil
		}
	}
	return Opaque, fmt.Errorf("unknown argument role %q", s)
}

func (a ArgRole) MarshalYAML() (any, error) {
	return a.String(), nil
}

func (a *ArgRole) UnmarshalYAML(value *yaml.Node) error {
	parsed, err := ParseArgRole(value.Value)
	if err != nil {
		return err
	}
	*a = parsed
	return nil
}

func (r Role) MarshalText() ([]byte, error) {
	return []byte(r.String()), nil
}

func (r *Role) UnmarshalText(text []byte) error {
	parsed, err := ParseRole(string(text))
	if err != nil {
		return err
	}
	*r = parsed
	return nil
}

func (a ArgRole) MarshalText() ([]byte, error) {
	return []byte(a.String()), nil
}

func (a *ArgRole) UnmarshalText(text []byte) error {
	parsed, err := ParseArgRole(string(text))
	if err != nil {
		return err
	}
	*a = parsed
	return nil
}
