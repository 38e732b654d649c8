// Package resolver turns function specs into concrete offsets inside a target library.
//
// Offsets come from an external symbol table when it names the function, and from
// byte-pattern scanning of the library image otherwise. Resolution is read-only and
// deterministic: identical image, specs and table always produce the same plan.
package resolver

import (
	"context"
	"fmt"

	"github.com/apex/log"
	"github.com/blacktop/keydive/internal/utils"
	"github.com/blacktop/keydive/pkg/registry"
	"github.com/blacktop/keydive/pkg/symbols"
	"github.com/dustin/go-humanize"
	"golang.org/x/sync/errgroup"
)

// maxAlternatives bounds the runner-up candidates kept per entry.
const maxAlternatives = 3

// Resolver resolves function specs against a library.
type Resolver struct {
	Scorer Scorer
	// Cache is optional; when set, offsets it remembers for the same checksum score higher.
	Cache *OffsetCache
	// Parallelism bounds concurrent pattern scans (default 4).
	Parallelism int
}

// New returns a resolver with the default scorer.
func New(cache *OffsetCache) *Resolver {
	return &Resolver{
		Scorer:      DefaultScorer(),
		Cache:       cache,
		Parallelism: 4,
	}
}

// Resolve builds a hook plan. img may be nil when no library bytes are available, in which
// case only the symbol table is consulted. When some functions stay unresolved the partial
// plan is returned together with an *UnresolvedError; the caller decides whether to go on.
func (r *Resolver) Resolve(ctx context.Context, library string, img *Image, specs []registry.FunctionSpec, table *symbols.Table) (*Plan, error) {
	plan := &Plan{Library: library}
	if img != nil {
		plan.Checksum = img.Checksum
		log.WithFields(log.Fields{
			"library":  library,
			"size":     humanize.Bytes(uint64(img.Size())),
			"checksum": img.Checksum[:16],
		}).Debug("Resolving against image")
	}

	// symbol table hits are authoritative
	resolved := make([]*Entry, len(specs))
	var pending []int
	for i, fn := range specs {
		if off, ok := table.Lookup(fn.Name); ok {
			resolved[i] = &Entry{Offset: off, Function: fn, Origin: OriginSymbols}
			utils.Indent(log.WithFields(log.Fields{
				"function": fn.Name,
				"offset":   fmt.Sprintf("%#x", off),
				"source":   table.Source,
			}).Debug, 2)("Symbol table hit")
			continue
		}
		pending = append(pending, i)
	}

	candidates := make([][]Candidate, len(specs))
	if img != nil && len(pending) > 0 {
		g, gctx := errgroup.WithContext(ctx)
		g.SetLimit(max(r.Parallelism, 1))
		for _, i := range pending {
			fn := specs[i]
			g.Go(func() error {
				cands, err := r.scan(gctx, img, plan.Checksum, fn)
				if err != nil {
					return err
				}
				candidates[i] = cands
				return nil
			})
		}
		if err := g.Wait(); err != nil {
			return nil, fmt.Errorf("pattern scan of %s aborted: %w", library, err)
		}
	}

	taken := make(map[uint64]string)
	for i, e := range resolved {
		if e == nil {
			continue
		}
		if owner, dup := taken[e.Offset]; dup {
			log.WithFields(log.Fields{
				"function": e.Function.Name,
				"offset":   fmt.Sprintf("%#x", e.Offset),
				"owner":    owner,
			}).Warn("Offset already claimed by another function")
			resolved[i] = nil
			continue
		}
		taken[e.Offset] = e.Function.Name
	}
	for _, i := range pending {
		cands := candidates[i]
		for j, c := range cands {
			if _, dup := taken[c.Offset]; dup {
				continue
			}
			rest := append([]Candidate(nil), cands[j+1:]...)
			if len(rest) > maxAlternatives {
				rest = rest[:maxAlternatives]
			}
			resolved[i] = &Entry{
				Offset:       c.Offset,
				Function:     specs[i],
				Origin:       OriginPattern,
				Score:        c.Score,
				Alternatives: rest,
			}
			taken[c.Offset] = specs[i].Name
			utils.Indent(log.WithFields(log.Fields{
				"function":   specs[i].Name,
				"offset":     fmt.Sprintf("%#x", c.Offset),
				"score":      fmt.Sprintf("%.2f", c.Score),
				"candidates": len(cands),
			}).Debug, 2)("Pattern match")
			break
		}
	}

	for i, e := range resolved {
		if e == nil {
			plan.Unresolved = append(plan.Unresolved, specs[i].Name)
			continue
		}
		plan.Entries = append(plan.Entries, *e)
	}
	return plan, plan.Err()
}

// scan collects and ranks every pattern candidate for one function.
func (r *Resolver) scan(ctx context.Context, img *Image, checksum string, fn registry.FunctionSpec) ([]Candidate, error) {
	prior, hasPrior := r.Cache.Get(checksum, fn.Name)
	best := make(map[uint64]Candidate)
	for _, raw := range fn.Patterns {
		p, err := ParsePattern(raw)
		if err != nil {
			log.WithError(err).WithField("function", fn.Name).Warn("Skipping invalid pattern")
			continue
		}
		hits, err := p.FindAll(ctx, img.Data)
		if err != nil {
			return nil, err
		}
		for _, pos := range hits {
			off := img.offset(pos)
			c := Candidate{
				Offset:  off,
				Pattern: p.String(),
				Hits:    len(hits),
				Score:   r.Scorer.score(p, len(hits), hasPrior && prior == off, plausiblePrologue(img.Data, pos)),
			}
			if cur, ok := best[off]; !ok || c.Score > cur.Score {
				best[off] = c
			}
		}
	}
	cands := make([]Candidate, 0, len(best))
	for _, c := range best {
		cands = append(cands, c)
	}
	rank(cands)
	return cands, nil
}
