package resolver

import (
	"errors"
	"fmt"
	"strings"

	"github.com/blacktop/keydive/pkg/registry"
)

// ErrUnresolvedFunctions is returned when one or more functions have no offset.
var ErrUnresolvedFunctions = errors.New("unresolved functions")

// UnresolvedError lists the functions the resolver could not place.
type UnresolvedError struct {
	Library string
	Names   []string
}

func (e *UnresolvedError) Error() string {
	return fmt.Sprintf("%v in %s: %s", ErrUnresolvedFunctions, e.Library, strings.Join(e.Names, ", "))
}

func (e *UnresolvedError) Is(target error) bool {
	return target == ErrUnresolvedFunctions
}

// Origin tells how an entry's offset was found.
type Origin string

const (
	OriginSymbols Origin = "symbols"
	OriginPattern Origin = "pattern"
)

// Entry is a resolved hook point, ready to install.
type Entry struct {
	Offset   uint64
	Function registry.FunctionSpec
	Origin   Origin
	// Score of the winning pattern candidate; zero for symbol table hits.
	Score float64
	// Runner-up candidates, for diagnostics.
	Alternatives []Candidate
}

func (e Entry) String() string {
	return fmt.Sprintf("%s (%s) @ %#x [%s]", e.Function.Name, e.Function.Role, e.Offset, e.Origin)
}

// Plan is the ordered list of hook points for one library.
type Plan struct {
	Library    string
	Checksum   string
	Entries    []Entry
	Unresolved []string
}

// Complete reports whether every requested function resolved.
func (p *Plan) Complete() bool {
	return len(p.Unresolved) == 0
}

// Roles returns the set of roles present in the plan.
func (p *Plan) Roles() map[registry.Role]bool {
	roles := make(map[registry.Role]bool)
	for _, e := range p.Entries {
		roles[e.Function.Role] = true
	}
	return roles
}

// Err returns an *UnresolvedError when the plan is partial.
func (p *Plan) Err() error {
	if p.Complete() {
		return nil
	}
	return &UnresolvedError{Library: p.Library, Names: append([]string(nil), p.Unresolved...)}
}
