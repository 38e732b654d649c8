package resolver

import (
	"bytes"
	"crypto/sha256"
	"debug/elf"
	"encoding/hex"
)

// Image is a read-only copy of the target library, either dumped from process memory
// (offsets are memory offsets) or read from disk (file offsets are mapped through the
// ELF load segments).
type Image struct {
	Name     string
	Data     []byte
	Checksum string

	segments []segment
}

type segment struct {
	fileOff uint64
	vaddr   uint64
	size    uint64
}

// NewImage wraps library bytes read from disk. The slice is never modified.
func NewImage(name string, data []byte) *Image {
	img := NewMemoryImage(name, data)
	if bytes.HasPrefix(data, []byte(elf.ELFMAG)) {
		if f, err := elf.NewFile(bytes.NewReader(data)); err == nil {
			for _, prog := range f.Progs {
				if prog.Type == elf.PT_LOAD && prog.Filesz > 0 {
					img.segments = append(img.segments, segment{
						fileOff: prog.Off,
						vaddr:   prog.Vaddr,
						size:    prog.Filesz,
					})
				}
			}
			f.Close()
		}
	}
	return img
}

// NewMemoryImage wraps a dump of the mapped library, where a position is already
// an offset from the load base.
func NewMemoryImage(name string, data []byte) *Image {
	sum := sha256.Sum256(data)
	return &Image{
		Name:     name,
		Data:     data,
		Checksum: hex.EncodeToString(sum[:]),
	}
}

// Size returns the image length in bytes.
func (i *Image) Size() int {
	return len(i.Data)
}

// offset converts a position in Data into an offset from the library load base.
func (i *Image) offset(pos uint64) uint64 {
	for _, seg := range i.segments {
		if pos >= seg.fileOff && pos < seg.fileOff+seg.size {
			return seg.vaddr + (pos - seg.fileOff)
		}
	}
	return pos
}
