/*
Copyright © 2025 blacktop

Permission is hereby granted, free of charge, to any person obtaining a copy
of this software and associated documentation files (the "Software"), to deal
in the Software without restriction, including without limitation the rights
to use, copy, modify, merge, publish, distribute, sublicense, and/or sell
copies of the Software, and to permit persons to whom the Software is
furnished to do so, subject to the following conditions:

The above copyright notice and this permission notice shall be included in
all copies or substantial portions of the Software.

THE SOFTWARE IS PROVIDED "AS IS", WITHOUT WARRANTY OF ANY KIND, EXPRESS OR
IMPLIED, INCLUDING BUT NOT LIMITED TO THE WARRANTIES OF MERCHANTABILITY,
FITNESS FOR A PARTICULAR PURPOSE AND NONINFRINGEMENT. IN NO EVENT SHALL THE
AUTHORS OR COPYRIGHT HOLDERS BE LIABLE FOR ANY CLAIM, DAMAGES OR OTHER
LIABILITY, WHETHER IN AN ACTION OF CONTRACT, TORT OR OTHERWISE, ARISING FROM,
OUT OF OR IN CONNECTION WITH THE SOFTWARE OR THE USE OR OTHER DEALINGS IN
THE SOFTWARE.
*/
package cmd

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/blacktop/keydive/internal/colors"
	"github.com/blacktop/keydive/internal/utils"
	"github.com/blacktop/keydive/pkg/capture"
	"github.com/dustin/go-humanize"
	"github.com/pkg/errors"
)

const keyIndex = "keys.jsonl"

type keyRecord struct {
	Fingerprint string    `json:"fingerprint"`
	Size        int       `json:"size"`
	Session     string    `json:"session"`
	Time        time.Time `json:"time"`
	DerivedFrom []string  `json:"derived_from"`
	File        string    `json:"file"`
}

// keyWriter prints captured keys and, when dir is set, saves them there.
type keyWriter struct {
	dir   string
	out   io.Writer
	index *os.File
	enc   *json.Encoder
	count int
}

func newKeyWriter(dir string, out io.Writer) (*keyWriter, error) {
	w := &keyWriter{dir: dir, out: out}
	if dir == "" {
		return w, nil
	}
	if err := os.MkdirAll(dir, 0o750); err != nil {
		return nil, errors.Wrapf(err, "failed to create output directory %s", dir)
	}
	f, err := os.OpenFile(filepath.Join(dir, keyIndex), os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o600)
	if err != nil {
		return nil, errors.Wrap(err, "failed to open key index")
	}
	w.index = f
	w.enc = json.NewEncoder(f)
	return w, nil
}

func (w *keyWriter) Write(k *capture.Key) error {
	w.count++
	fmt.Fprintf(w.out, "%s %s (%s)\n",
		colors.Bold().Sprintf("Key #%d", w.count),
		colors.Fingerprint().Sprint(k.Fingerprint),
		humanize.Bytes(uint64(len(k.Material))))
	fmt.Fprintf(w.out, "  %s %s\n", colors.Faint().Sprint("events:"), strings.Join(k.DerivedFrom, ", "))
	fmt.Fprintln(w.out, utils.HexDump(k.Material))

	if w.dir == "" {
		return nil
	}
	name := k.Fingerprint[:16] + ".bin"
	if err := os.WriteFile(filepath.Join(w.dir, name), k.Material, 0o600); err != nil {
		return errors.Wrapf(err, "failed to write key %s", name)
	}
	return w.enc.Encode(keyRecord{
		Fingerprint: k.Fingerprint,
		Size:        len(k.Material),
		Session:     k.SessionID,
		Time:        k.Time,
		DerivedFrom: k.DerivedFrom,
		File:        name,
	})
}

// Count returns how many keys were written.
func (w *keyWriter) Count() int { return w.count }

func (w *keyWriter) Close() error {
	if w.index == nil {
		return nil
	}
	return w.index.Close()
}
