package resolver

import (
	"sort"
	"strings"

	"golang.org/x/arch/arm64/arm64asm"
)

// Scorer weighs pattern candidates. Higher is better.
type Scorer struct {
	LengthWeight     float64 // per concrete signature byte (default 1.0)
	UniquenessWeight float64 // divided by the number of hits in the image (default 8.0)
	PriorWeight      float64 // candidate equals the cached offset for this library checksum (default 16.0)
	PrologueWeight   float64 // candidate decodes as a plausible ARM64 function prologue (default 4.0)
}

// DefaultScorer returns the scorer used by New.
func DefaultScorer() Scorer {
	return Scorer{
		LengthWeight:     1.0,
		UniquenessWeight: 8.0,
		PriorWeight:      16.0,
		PrologueWeight:   4.0,
	}
}

// Candidate is one possible offset for a function.
type Candidate struct {
	Offset  uint64
	Score   float64
	Pattern string
	Hits    int // matches of Pattern in the image
}

func (s Scorer) score(p Pattern, hits int, prior bool, prologue bool) float64 {
	score := s.LengthWeight * float64(p.Concrete())
	if hits > 0 {
		score += s.UniquenessWeight / float64(hits)
	}
	if prior {
		score += s.PriorWeight
	}
	if prologue {
		score += s.PrologueWeight
	}
	return score
}

// rank orders candidates best first; ties go to the lowest offset.
func rank(cands []Candidate) {
	sort.Slice(cands, func(i, j int) bool {
		if cands[i].Score != cands[j].Score {
			return cands[i].Score > cands[j].Score
		}
		return cands[i].Offset < cands[j].Offset
	})
}

// prologueOps are the first instructions compilers emit for a non-leaf ARM64 function.
var prologueOps = map[string]bool{
	"STP":     true,
	"SUB":     true,
	"STR":     true,
	"PACIASP": true,
	"BTI":     true,
	"HINT":    true,
}

// plausiblePrologue reports whether the 4 bytes at pos decode as a stack frame setup.
func plausiblePrologue(data []byte, pos uint64) bool {
	if pos%4 != 0 || pos+4 > uint64(len(data)) {
		return false
	}
	inst, err := arm64asm.Decode(data[pos : pos+4])
	if err != nil {
		return false
	}
	op := inst.Op.String()
	if !prologueOps[op] {
		return false
	}
	switch op {
	case "STP", "SUB", "STR":
		return strings.Contains(inst.String(), "SP")
	}
	return true
}
