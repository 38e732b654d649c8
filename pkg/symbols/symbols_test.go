package symbols

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const ghidraXML = `<?xml version="1.0" standalone="yes"?>
<PROGRAM NAME="libwvhidl.so" EXE_FORMAT="Executable and Linking Format (ELF)" IMAGE_BASE="00100000">
  <FUNCTIONS>
    <FUNCTION ENTRY_POINT="00101a40" NAME="OEMCrypto_OpenSession" LIBRARY_FUNCTION="n"/>
    <FUNCTION ENTRY_POINT="ram:00102b00" NAME="OEMCrypto_LoadKeys" LIBRARY_FUNCTION="n"/>
    <FUNCTION ENTRY_POINT="zzz" NAME="broken"/>
    <FUNCTION ENTRY_POINT="00000010" NAME="below_base"/>
  </FUNCTIONS>
</PROGRAM>`

func TestParseGhidra(t *testing.T) {
	tbl, err := Parse([]byte(ghidraXML), SourceGhidra)
	require.NoError(t, err)

	off, ok := tbl.Lookup("OEMCrypto_OpenSession")
	require.True(t, ok)
	assert.Equal(t, uint64(0x1a40), off)

	off, ok = tbl.Lookup("OEMCrypto_LoadKeys")
	require.True(t, ok)
	assert.Equal(t, uint64(0x2b00), off)

	assert.Equal(t, 2, tbl.Len())
	assert.Equal(t, 2, tbl.Skipped)
}

func TestParseDocuments(t *testing.T) {
	tests := []struct {
		name    string
		data    string
		src     Source
		want    map[string]uint64
		skipped int
	}{
		{
			name:    "json list",
			data:    `[{"name":"a","offset":4096},{"name":"b","offset":"0x2000"},{"name":"c"},{"offset":1}]`,
			src:     SourceJSON,
			want:    map[string]uint64{"a": 0x1000, "b": 0x2000},
			skipped: 2,
		},
		{
			name:    "json map",
			data:    `{"a":"0x10","b":32,"c":"nope"}`,
			src:     SourceJSON,
			want:    map[string]uint64{"a": 0x10, "b": 32},
			skipped: 1,
		},
		{
			name: "yaml list",
			data: "- name: a\n  offset: 0x40\n- name: b\n  offset: 128\n",
			src:  SourceYAML,
			want: map[string]uint64{"a": 0x40, "b": 128},
		},
		{
			name:    "text",
			data:    "# exported functions\nOEMCrypto_OpenSession 0x1a40\n0x2b00 OEMCrypto_LoadKeys\njunk\n\nname 0xZZ extra\n",
			src:     SourceText,
			want:    map[string]uint64{"OEMCrypto_OpenSession": 0x1a40, "OEMCrypto_LoadKeys": 0x2b00},
			skipped: 2,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tbl, err := Parse([]byte(tt.data), tt.src)
			require.NoError(t, err)
			assert.Equal(t, len(tt.want), tbl.Len())
			for name, want := range tt.want {
				got, ok := tbl.Lookup(name)
				assert.True(t, ok, name)
				assert.Equal(t, want, got, name)
			}
			assert.Equal(t, tt.skipped, tbl.Skipped)
		})
	}
}

func TestParseErrors(t *testing.T) {
	_, err := Parse([]byte("{not json"), SourceJSON)
	assert.Error(t, err)
	_, err = Parse([]byte("not an elf"), SourceELF)
	assert.Error(t, err)
	_, err = Parse(nil, Source("pdb"))
	assert.Error(t, err)
}

func TestDetectSource(t *testing.T) {
	assert.Equal(t, SourceGhidra, DetectSource("functions.xml", nil))
	assert.Equal(t, SourceYAML, DetectSource("syms.yml", nil))
	assert.Equal(t, SourceJSON, DetectSource("syms", []byte(" [ ]")))
	assert.Equal(t, SourceGhidra, DetectSource("syms", []byte("<PROGRAM/>")))
	assert.Equal(t, SourceELF, DetectSource("libwvhidl.so", []byte("\x7fELF\x02\x01")))
	assert.Equal(t, SourceText, DetectSource("syms.txt", []byte("a 0x1")))
}

func TestMergeAndEntries(t *testing.T) {
	exports := NewTable(SourceExports, Entry{Name: "a", Offset: 0x30}, Entry{Name: "b", Offset: 0x10})
	user := NewTable(SourceGhidra, Entry{Name: "a", Offset: 0x20}, Entry{Name: ""})

	merged := Merge(exports, user)
	off, _ := merged.Lookup("a")
	assert.Equal(t, uint64(0x20), off, "override wins")
	assert.Equal(t, SourceGhidra, merged.Source)
	assert.Equal(t, 1, merged.Skipped)
	assert.Equal(t, []Entry{{Name: "b", Offset: 0x10}, {Name: "a", Offset: 0x20}}, merged.Entries())

	var nilTable *Table
	_, ok := nilTable.Lookup("a")
	assert.False(t, ok)
	assert.Equal(t, 0, Merge(nil, nil).Len())
}
