// Package symbols reads externally supplied name to offset tables for a target library.
package symbols

import (
	"fmt"
	"maps"
	"slices"
	"sort"
)

// Source records where a table came from.
type Source string

const (
	SourceGhidra  Source = "ghidra"
	SourceJSON    Source = "json"
	SourceYAML    Source = "yaml"
	SourceText    Source = "text"
	SourceELF     Source = "elf"
	SourceExports Source = "exports"
)

// Entry is one exported function and its offset from the library base.
type Entry struct {
	Name   string `json:"name" yaml:"name"`
	Offset uint64 `json:"offset" yaml:"offset"`
}

func (e Entry) String() string {
	return fmt.Sprintf("%s@%#x", e.Name, e.Offset)
}

// Table is a name to offset mapping. The zero value is an empty table.
type Table struct {
	Source  Source
	entries map[string]uint64
	// Skipped counts malformed entries dropped while reading.
	Skipped int
}

// NewTable builds a table from entries. Later duplicates overwrite earlier ones.
func NewTable(src Source, entries ...Entry) *Table {
	t := &Table{Source: src, entries: make(map[string]uint64, len(entries))}
	for _, e := range entries {
		t.Add(e)
	}
	return t
}

// Add inserts or replaces an entry. Entries without a name are counted as skipped.
func (t *Table) Add(e Entry) {
	if e.Name == "" {
		t.Skipped++
		return
	}
	if t.entries == nil {
		t.entries = make(map[string]uint64)
	}
	t.entries[e.Name] = e.Offset
}

// Lookup returns the offset for name.
func (t *Table) Lookup(name string) (uint64, bool) {
	if t == nil {
		return 0, false
	}
	off, ok := t.entries[name]
	return off, ok
}

// Len returns the number of entries.
func (t *Table) Len() int {
	if t == nil {
		return 0
	}
	return len(t.entries)
}

// Entries returns all entries sorted by offset, then name.
func (t *Table) Entries() []Entry {
	if t == nil {
		return nil
	}
	out := make([]Entry, 0, len(t.entries))
	for _, name := range slices.Sorted(maps.Keys(t.entries)) {
		out = append(out, Entry{Name: name, Offset: t.entries[name]})
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].Offset < out[j].Offset })
	return out
}

// Merge returns a new table holding base overridden by every entry of override.
// Either argument may be nil.
func Merge(base, override *Table) *Table {
	src := SourceExports
	switch {
	case override != nil:
		src = override.Source
	case base != nil:
		src = base.Source
	}
	out := NewTable(src)
	for _, tbl := range []*Table{base, override} {
		if tbl == nil {
			continue
		}
		for name, off := range tbl.entries {
			out.entries[name] = off
		}
		out.Skipped += tbl.Skipped
	}
	return out
}
