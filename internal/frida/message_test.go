package frida

import (
	"testing"
	"time"

	"github.com/blacktop/keydive/pkg/hook"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDecodeCall(t *testing.T) {
	tests := []struct {
		name    string
		payload any
		want    hook.Call
		wantErr bool
	}{
		{
			name: "json numbers",
			payload: map[string]any{
				"type": "call",
				"hook": float64(3),
				"ts":   float64(1700000000123),
				"tid":  float64(4711),
				"args": []any{nil, "deadbeef", "0400000000000000"},
			},
			want: hook.Call{
				Hook:   3,
				Time:   time.UnixMilli(1700000000123),
				Thread: 4711,
				Args:   [][]byte{nil, {0xde, 0xad, 0xbe, 0xef}, {4, 0, 0, 0, 0, 0, 0, 0}},
			},
		},
		{
			name: "string numbers",
			payload: map[string]any{
				"type": "call",
				"hook": "7",
				"ts":   "1700000000000",
				"args": []any{"00"},
			},
			want: hook.Call{Hook: 7, Time: time.UnixMilli(1700000000000), Args: [][]byte{{0}}},
		},
		{
			name:    "wrong type",
			payload: map[string]any{"type": "log", "hook": 1, "ts": 1},
			wantErr: true,
		},
		{
			name:    "bad hex",
			payload: map[string]any{"type": "call", "hook": 1, "ts": 1, "args": []any{"zz"}},
			wantErr: true,
		},
		{
			name:    "non string argument",
			payload: map[string]any{"type": "call", "hook": 1, "ts": 1, "args": []any{42}},
			wantErr: true,
		},
		{
			name:    "bad hook id",
			payload: map[string]any{"type": "call", "hook": "abc", "ts": 1},
			wantErr: true,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := decodeCall(tt.payload)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want.Hook, got.Hook)
			assert.True(t, tt.want.Time.Equal(got.Time))
			assert.Equal(t, tt.want.Thread, got.Thread)
			assert.Equal(t, tt.want.Args, got.Args)
		})
	}
}

func TestDecodeModule(t *testing.T) {
	m, err := decodeModule(map[string]any{
		"name": "libwvaidl.so",
		"base": "0x7b2c400000",
		"size": float64(0x1a000),
		"path": "/vendor/lib64/libwvaidl.so",
	})
	require.NoError(t, err)
	assert.Equal(t, uint64(0x7b2c400000), m.Base)
	assert.Equal(t, uint64(0x1a000), m.Size)
	assert.Contains(t, m.String(), "libwvaidl.so @ 0x7b2c400000")

	_, err = decodeModule(map[string]any{"name": "x", "base": "nope", "size": 1})
	assert.Error(t, err)
}

func TestDecodeExports(t *testing.T) {
	tbl, err := decodeExports([]any{
		map[string]any{"name": "OEMCrypto_OpenSession", "offset": float64(0x1a40)},
		map[string]any{"name": "OEMCrypto_LoadKeys", "offset": "6912"},
		map[string]any{"name": "broken", "offset": "n/a"},
	})
	require.NoError(t, err)
	assert.Equal(t, 2, tbl.Len())
	assert.Equal(t, 1, tbl.Skipped)
	off, ok := tbl.Lookup("OEMCrypto_LoadKeys")
	assert.True(t, ok)
	assert.Equal(t, uint64(6912), off)
}

func TestDecodeHex(t *testing.T) {
	b, err := decodeHex("7f454c46")
	require.NoError(t, err)
	assert.Equal(t, []byte("\x7fELF"), b)

	_, err = decodeHex(12)
	assert.Error(t, err)
}
