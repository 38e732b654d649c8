package resolver

import (
	"bytes"
	"context"
	"fmt"
	"strconv"
	"strings"
)

// ctxCheckInterval is how many positions are scanned between context checks.
const ctxCheckInterval = 1 << 16

// Pattern is a byte signature where masked-out positions match any byte.
type Pattern struct {
	raw   string
	bytes []byte
	mask  []bool // true = concrete byte
	// index of the first concrete byte, used as the scan anchor
	anchor int
}

// ParsePattern parses "FF 43 01 D1 ?? ?? ?? A9"; spaces are optional between pairs.
func ParsePattern(s string) (Pattern, error) {
	compact := strings.Join(strings.Fields(s), "")
	if compact == "" || len(compact)%2 != 0 {
		return Pattern{}, fmt.Errorf("invalid pattern %q: odd or empty hex", s)
	}
	p := Pattern{raw: s, anchor: -1}
	for i := 0; i < len(compact); i += 2 {
		pair := compact[i : i+2]
		if pair == "??" {
			p.bytes = append(p.bytes, 0)
			p.mask = append(p.mask, false)
			continue
		}
		b, err := strconv.ParseUint(pair, 16, 8)
		if err != nil {
			return Pattern{}, fmt.Errorf("invalid pattern %q: %v", s, err)
		}
		if p.anchor < 0 {
			p.anchor = len(p.bytes)
		}
		p.bytes = append(p.bytes, byte(b))
		p.mask = append(p.mask, true)
	}
	if p.anchor < 0 {
		return Pattern{}, fmt.Errorf("invalid pattern %q: only wildcards", s)
	}
	return p, nil
}

func (p Pattern) String() string { return p.raw }

// Len returns the pattern length in bytes.
func (p Pattern) Len() int { return len(p.bytes) }

// Concrete returns the number of non-wildcard bytes.
func (p Pattern) Concrete() int {
	n := 0
	for _, m := range p.mask {
		if m {
			n++
		}
	}
	return n
}

func (p Pattern) matchAt(data []byte, pos int) bool {
	if pos < 0 || pos+len(p.bytes) > len(data) {
		return false
	}
	for i, b := range p.bytes {
		if p.mask[i] && data[pos+i] != b {
			return false
		}
	}
	return true
}

// FindAll returns every position where the pattern matches, in ascending order.
func (p Pattern) FindAll(ctx context.Context, data []byte) ([]uint64, error) {
	var hits []uint64
	first := p.bytes[p.anchor]
	scanned := 0
	for pos := p.anchor; pos < len(data); {
		idx := bytes.IndexByte(data[pos:], first)
		if idx < 0 {
			break
		}
		pos += idx
		scanned += idx + 1
		if scanned >= ctxCheckInterval {
			scanned = 0
			if err := ctx.Err(); err != nil {
				return nil, err
			}
		}
		if start := pos - p.anchor; p.matchAt(data, start) {
			hits = append(hits, uint64(start))
		}
		pos++
	}
	return hits, nil
}
