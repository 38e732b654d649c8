package symbols

import (
	"bufio"
	"bytes"
	"debug/elf"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/antchfx/xmlquery"
	"github.com/pkg/errors"
	"github.com/spf13/cast"
	"gopkg.in/yaml.v3"
)

// ParseFile reads a symbol table, picking the reader from the extension or ELF magic.
func ParseFile(path string) (*Table, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to read symbol table %s", path)
	}
	return Parse(data, DetectSource(path, data))
}

// DetectSource guesses the table format of a file.
func DetectSource(path string, data []byte) Source {
	if bytes.HasPrefix(data, []byte(elf.ELFMAG)) {
		return SourceELF
	}
	switch strings.ToLower(filepath.Ext(path)) {
	case ".xml":
		return SourceGhidra
	case ".json":
		return SourceJSON
	case ".yaml", ".yml":
		return SourceYAML
	}
	trimmed := bytes.TrimSpace(data)
	switch {
	case bytes.HasPrefix(trimmed, []byte("<")):
		return SourceGhidra
	case bytes.HasPrefix(trimmed, []byte("[")), bytes.HasPrefix(trimmed, []byte("{")):
		return SourceJSON
	}
	return SourceText
}

// Parse reads a table in the given format. Malformed entries are skipped, not fatal.
func Parse(data []byte, src Source) (*Table, error) {
	switch src {
	case SourceGhidra:
		return parseGhidra(bytes.NewReader(data))
	case SourceJSON:
		var doc any
		if err := json.Unmarshal(data, &doc); err != nil {
			return nil, fmt.Errorf("failed to decode JSON symbol table: %v", err)
		}
		return fromDocument(SourceJSON, doc), nil
	case SourceYAML:
		var doc any
		if err := yaml.Unmarshal(data, &doc); err != nil {
			return nil, fmt.Errorf("failed to decode YAML symbol table: %v", err)
		}
		return fromDocument(SourceYAML, doc), nil
	case SourceELF:
		return parseELF(bytes.NewReader(data))
	case SourceText:
		return parseText(bytes.NewReader(data))
	}
	return nil, fmt.Errorf("unsupported symbol table format %q", src)
}

// parseGhidra reads the XML produced by Ghidra's "Export Program > XML" with functions enabled.
// ENTRY_POINT values are absolute; the program IMAGE_BASE is subtracted.
func parseGhidra(r io.Reader) (*Table, error) {
	doc, err := xmlquery.Parse(r)
	if err != nil {
		return nil, fmt.Errorf("failed to parse Ghidra XML: %v", err)
	}
	var base uint64
	if prog := xmlquery.FindOne(doc, "//PROGRAM"); prog != nil {
		if v := prog.SelectAttr("IMAGE_BASE"); v != "" {
			if base, err = parseAddress(v); err != nil {
				return nil, fmt.Errorf("invalid IMAGE_BASE %q: %v", v, err)
			}
		}
	}
	t := NewTable(SourceGhidra)
	for _, fn := range xmlquery.Find(doc, "//FUNCTIONS/FUNCTION") {
		name := fn.SelectAttr("NAME")
		addr, err := parseAddress(fn.SelectAttr("ENTRY_POINT"))
		if name == "" || err != nil || addr < base {
			t.Skipped++
			continue
		}
		t.Add(Entry{Name: name, Offset: addr - base})
	}
	return t, nil
}

// parseAddress accepts Ghidra style "ram:00101234", bare hex and 0x prefixed values.
func parseAddress(s string) (uint64, error) {
	s = strings.TrimSpace(s)
	if i := strings.LastIndexByte(s, ':'); i >= 0 {
		s = s[i+1:]
	}
	s = strings.TrimPrefix(strings.ToLower(s), "0x")
	if s == "" {
		return 0, fmt.Errorf("empty address")
	}
	return strconv.ParseUint(s, 16, 64)
}

// parseOffset accepts numbers, 0x prefixed hex strings and decimal strings.
func parseOffset(v any) (uint64, error) {
	if v == nil {
		return 0, fmt.Errorf("missing offset")
	}
	if s, ok := v.(string); ok {
		s = strings.TrimSpace(s)
		if strings.HasPrefix(strings.ToLower(s), "0x") {
			return strconv.ParseUint(s[2:], 16, 64)
		}
		return strconv.ParseUint(s, 10, 64)
	}
	if f, ok := v.(float64); ok && f < 0 {
		return 0, fmt.Errorf("negative offset %v", f)
	}
	return cast.ToUint64E(v)
}

// fromDocument accepts either a list of {name, offset} objects or a name to offset map.
func fromDocument(src Source, doc any) *Table {
	t := NewTable(src)
	switch v := doc.(type) {
	case []any:
		for _, item := range v {
			m, ok := item.(map[string]any)
			if !ok {
				t.Skipped++
				continue
			}
			name, _ := m["name"].(string)
			off, err := parseOffset(m["offset"])
			if name == "" || err != nil {
				t.Skipped++
				continue
			}
			t.Add(Entry{Name: name, Offset: off})
		}
	case map[string]any:
		for name, raw := range v {
			off, err := parseOffset(raw)
			if err != nil {
				t.Skipped++
				continue
			}
			t.Add(Entry{Name: name, Offset: off})
		}
	default:
		t.Skipped++
	}
	return t
}

// parseText reads "name offset" (or "offset name") lines; '#' starts a comment.
func parseText(r io.Reader) (*Table, error) {
	t := NewTable(SourceText)
	s := bufio.NewScanner(r)
	for s.Scan() {
		line := s.Text()
		if i := strings.IndexByte(line, '#'); i >= 0 {
			line = line[:i]
		}
		fields := strings.Fields(line)
		if len(fields) == 0 {
			continue
		}
		if len(fields) != 2 {
			t.Skipped++
			continue
		}
		if off, err := parseAddress(fields[1]); err == nil && !looksLikeAddress(fields[0]) {
			t.Add(Entry{Name: fields[0], Offset: off})
		} else if off, err := parseAddress(fields[0]); err == nil {
			t.Add(Entry{Name: fields[1], Offset: off})
		} else {
			t.Skipped++
		}
	}
	if err := s.Err(); err != nil {
		return nil, fmt.Errorf("failed to read symbol table: %v", err)
	}
	return t, nil
}

func looksLikeAddress(s string) bool {
	return strings.HasPrefix(strings.ToLower(s), "0x")
}

// parseELF reads the dynamic function symbols of a shared object.
func parseELF(r io.ReaderAt) (*Table, error) {
	f, err := elf.NewFile(r)
	if err != nil {
		return nil, errors.Wrap(err, "failed to parse ELF")
	}
	defer f.Close()
	syms, err := f.DynamicSymbols()
	if err != nil {
		return nil, errors.Wrap(err, "failed to read dynamic symbols")
	}
	t := NewTable(SourceELF)
	for _, sym := range syms {
		if elf.ST_TYPE(sym.Info) != elf.STT_FUNC || sym.Value == 0 || sym.Section == elf.SHN_UNDEF {
			continue
		}
		t.Add(Entry{Name: sym.Name, Offset: sym.Value})
	}
	return t, nil
}
