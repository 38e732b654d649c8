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
	"os"
	"path/filepath"

	"github.com/AlecAivazis/survey/v2"
	"github.com/apex/log"
	"github.com/blacktop/keydive/internal/utils"
	"github.com/blacktop/keydive/pkg/registry"
	"github.com/blacktop/keydive/pkg/resolver"
	"github.com/blacktop/keydive/pkg/symbols"
	"github.com/dustin/go-humanize"
	"github.com/pkg/errors"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
)

var askOne = survey.AskOne

// selectIndex prompts for one of choices and returns its index.
func selectIndex(message string, choices []string) (int, error) {
	var selected int
	if err := askOne(&survey.Select{Message: message, Options: choices}, &selected); err != nil {
		return 0, err
	}
	return selected, nil
}

// bindFlags binds the named flags of fs to the viper keys "<prefix>.<name>".
func bindFlags(prefix string, fs *pflag.FlagSet, names ...string) {
	for _, name := range names {
		viper.BindPFlag(prefix+"."+name, fs.Lookup(name))
	}
}

// loadRegistry returns the builtin profiles plus the ones in path (if any).
func loadRegistry(path string) (*registry.Registry, error) {
	reg := registry.Builtin()
	if path == "" {
		return reg, nil
	}
	f, err := os.Open(path)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to open profiles %s", path)
	}
	defer f.Close()
	if err := reg.Load(f); err != nil {
		return nil, errors.Wrapf(err, "failed to load profiles %s", path)
	}
	log.WithField("path", path).Debug("Loaded vendor profiles")
	return reg, nil
}

// loadSymbols parses the symbol table in path; an empty path returns nil.
func loadSymbols(path string) (*symbols.Table, error) {
	if path == "" {
		return nil, nil
	}
	tbl, err := symbols.ParseFile(path)
	if err != nil {
		return nil, err
	}
	log.WithFields(log.Fields{
		"source":  tbl.Source,
		"entries": humanize.Comma(int64(tbl.Len())),
	}).Infof("Loaded symbols from %s", filepath.Base(path))
	if tbl.Skipped > 0 {
		utils.Indent(log.Warn, 2)(humanize.Comma(int64(tbl.Skipped)) + " malformed entries skipped")
	}
	return tbl, nil
}

// loadLibrary reads a local copy of the vendor library; an empty path returns nil.
func loadLibrary(path string) (*resolver.Image, error) {
	if path == "" {
		return nil, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to read library %s", path)
	}
	return resolver.NewImage(filepath.Base(path), data), nil
}
