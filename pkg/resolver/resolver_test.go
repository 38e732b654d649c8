package resolver

import (
	"bytes"
	"context"
	"testing"

	"github.com/blacktop/keydive/pkg/registry"
	"github.com/blacktop/keydive/pkg/symbols"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var (
	// stp x29, x30, [sp, #-16]! ; mov x0, ...
	prologue = []byte{0xFD, 0x7B, 0xBF, 0xA9, 0xE0, 0x03}
	// same tail, first word is not a frame setup
	lookalike = []byte{0x00, 0x7B, 0xBF, 0xA9, 0xE0, 0x03}
)

const sharedPattern = "?? 7B BF A9 E0 03"

func testImage(t *testing.T, at map[int][]byte) *Image {
	t.Helper()
	data := make([]byte, 0x400)
	for off, b := range at {
		copy(data[off:], b)
	}
	return NewImage("libtest.so", data)
}

func specs(patterns ...string) []registry.FunctionSpec {
	return []registry.FunctionSpec{
		{Name: "open", Role: registry.RoleOpenSession, Signature: []registry.ArgRole{registry.OutBuffer}, Patterns: patterns},
		{Name: "load", Role: registry.RoleSetKeys, Signature: []registry.ArgRole{registry.OutBuffer}, Patterns: patterns},
	}
}

func TestSymbolTableTakesPrecedence(t *testing.T) {
	img := testImage(t, map[int][]byte{0x40: prologue})
	table := symbols.NewTable(symbols.SourceGhidra,
		symbols.Entry{Name: "open", Offset: 0x2000},
		symbols.Entry{Name: "load", Offset: 0x3000},
	)
	plan, err := New(nil).Resolve(context.Background(), "libtest.so", img, specs(sharedPattern), table)
	require.NoError(t, err)
	require.Len(t, plan.Entries, 2)
	assert.Equal(t, uint64(0x2000), plan.Entries[0].Offset)
	assert.Equal(t, OriginSymbols, plan.Entries[0].Origin)
	assert.Equal(t, uint64(0x3000), plan.Entries[1].Offset)
	assert.True(t, plan.Complete())
	assert.Equal(t, img.Checksum, plan.Checksum)
}

func TestPatternScoring(t *testing.T) {
	tests := []struct {
		name  string
		at    map[int][]byte
		prior uint64
		want  uint64
	}{
		{
			name: "tie breaks to lowest offset",
			at:   map[int][]byte{0x80: lookalike, 0x20: lookalike},
			want: 0x20,
		},
		{
			name: "prologue outranks lower offset",
			at:   map[int][]byte{0x10: lookalike, 0x40: prologue},
			want: 0x40,
		},
		{
			name:  "cached offset outranks prologue",
			at:    map[int][]byte{0x10: prologue, 0x80: lookalike},
			prior: 0x80,
			want:  0x80,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			img := testImage(t, tt.at)
			cache, err := NewOffsetCache(16)
			require.NoError(t, err)
			if tt.prior != 0 {
				cache.Add(img.Checksum, "open", tt.prior)
			}
			fns := specs(sharedPattern)[:1]
			plan, err := New(cache).Resolve(context.Background(), img.Name, img, fns, nil)
			require.NoError(t, err)
			require.Len(t, plan.Entries, 1)
			assert.Equal(t, tt.want, plan.Entries[0].Offset)
			assert.Equal(t, OriginPattern, plan.Entries[0].Origin)
			assert.Len(t, plan.Entries[0].Alternatives, 1)
		})
	}
}

func TestOneEntryPerOffset(t *testing.T) {
	img := testImage(t, map[int][]byte{0x40: prologue, 0x100: lookalike})
	plan, err := New(nil).Resolve(context.Background(), img.Name, img, specs(sharedPattern), nil)
	require.NoError(t, err)
	require.Len(t, plan.Entries, 2)
	assert.Equal(t, uint64(0x40), plan.Entries[0].Offset)
	assert.Equal(t, uint64(0x100), plan.Entries[1].Offset, "second function takes the runner-up")

	// a symbol table alias to an already claimed offset leaves the second name unresolved
	table := symbols.NewTable(symbols.SourceText,
		symbols.Entry{Name: "open", Offset: 0x500},
		symbols.Entry{Name: "load", Offset: 0x500},
	)
	plan, err = New(nil).Resolve(context.Background(), img.Name, nil, specs(), table)
	assert.ErrorIs(t, err, ErrUnresolvedFunctions)
	assert.Equal(t, []string{"load"}, plan.Unresolved)
}

func TestUnresolved(t *testing.T) {
	img := testImage(t, nil)
	plan, err := New(nil).Resolve(context.Background(), img.Name, img, specs("DE AD BE EF"), symbols.NewTable(symbols.SourceJSON))
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrUnresolvedFunctions)

	var uerr *UnresolvedError
	require.ErrorAs(t, err, &uerr)
	assert.Equal(t, []string{"open", "load"}, uerr.Names)
	assert.Empty(t, plan.Entries)
	assert.False(t, plan.Complete())
}

func TestResolveIsDeterministic(t *testing.T) {
	img := testImage(t, map[int][]byte{0x10: lookalike, 0x40: prologue, 0x80: prologue, 0x200: lookalike})
	table := symbols.NewTable(symbols.SourceGhidra, symbols.Entry{Name: "unrelated", Offset: 0x1})
	r := New(nil)
	r.Parallelism = 8

	first, err := r.Resolve(context.Background(), img.Name, img, specs(sharedPattern, "7B BF A9"), table)
	require.NoError(t, err)
	for i := 0; i < 10; i++ {
		again, err := r.Resolve(context.Background(), img.Name, img, specs(sharedPattern, "7B BF A9"), table)
		require.NoError(t, err)
		assert.Equal(t, first, again)
	}
	// the image is never written to
	assert.Equal(t, NewImage(img.Name, img.Data).Checksum, img.Checksum)
}

func TestResolveCancelled(t *testing.T) {
	data := bytes.Repeat([]byte{0x7B}, 4*ctxCheckInterval)
	img := NewImage("big.so", data)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := New(nil).Resolve(ctx, img.Name, img, specs("7B 7B"), nil)
	assert.ErrorIs(t, err, context.Canceled)
}

func TestOffsetCacheRoundTrip(t *testing.T) {
	c, err := NewOffsetCache(8)
	require.NoError(t, err)
	plan := &Plan{Checksum: "abc"}
	c.Record(plan, Entry{Offset: 0x10, Function: registry.FunctionSpec{Name: "open"}})
	c.Add("def", "load", 0x20)

	var buf bytes.Buffer
	require.NoError(t, c.Save(&buf))

	loaded, err := NewOffsetCache(8)
	require.NoError(t, err)
	require.NoError(t, loaded.Load(&buf))
	off, ok := loaded.Get("abc", "open")
	assert.True(t, ok)
	assert.Equal(t, uint64(0x10), off)
	assert.Equal(t, 2, loaded.Len())

	var nilCache *OffsetCache
	_, ok = nilCache.Get("abc", "open")
	assert.False(t, ok)
}

func TestOffsetCacheFile(t *testing.T) {
	path := t.TempDir() + "/nested/offsets.yaml"
	c, err := LoadCacheFile(path, 0)
	require.NoError(t, err)
	assert.Equal(t, 0, c.Len())
	c.Add("abc", "open", 0x40)
	require.NoError(t, c.SaveFile(path))

	again, err := LoadCacheFile(path, 0)
	require.NoError(t, err)
	off, ok := again.Get("abc", "open")
	assert.True(t, ok)
	assert.Equal(t, uint64(0x40), off)
}

func TestImageOffset(t *testing.T) {
	data := []byte("not an elf header")
	mem := NewMemoryImage("libtest.so", data)
	disk := NewImage("libtest.so", data)
	assert.Equal(t, mem.Checksum, disk.Checksum)
	assert.Len(t, mem.Checksum, 64)
	assert.Equal(t, len(data), mem.Size())

	mapped := &Image{segments: []segment{{fileOff: 0x1000, vaddr: 0x2000, size: 0x100}}}
	assert.Equal(t, uint64(0x2010), mapped.offset(0x1010))
	assert.Equal(t, uint64(0x1100), mapped.offset(0x1100))
	assert.Equal(t, uint64(0x10), mapped.offset(0x10))
}
