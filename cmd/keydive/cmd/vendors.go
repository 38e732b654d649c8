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
	"strings"
	"time"

	"github.com/blacktop/keydive/internal/colors"
	"github.com/blacktop/keydive/internal/config"
	"github.com/blacktop/keydive/internal/utils"
	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

func init() {
	rootCmd.AddCommand(vendorsCmd)

	vendorsCmd.Flags().String("profiles", "", "Extra vendor profiles YAML")
	bindFlags("vendors", vendorsCmd.Flags(), "profiles")
}

// vendorsCmd represents the vendors command
var vendorsCmd = &cobra.Command{
	Use:           "vendors",
	Aliases:       []string{"ls"},
	Short:         "List known DRM vendor profiles",
	Args:          cobra.NoArgs,
	SilenceUsage:  true,
	SilenceErrors: true,
	RunE: func(cmd *cobra.Command, args []string) error {
		conf, err := config.LoadConfig()
		if err != nil {
			return err
		}
		profilesPath := viper.GetString("vendors.profiles")
		if profilesPath == "" {
			profilesPath = conf.Extract.Profiles
		}
		reg, err := loadRegistry(profilesPath)
		if err != nil {
			return err
		}
		def, _ := reg.Default()

		tw := table.NewWriter()
		tw.SetOutputMirror(os.Stdout)
		tw.SetStyle(table.StyleRounded)
		tw.AppendHeader(table.Row{"Name", "Process", "Library", "SDK", "Priority", "Functions", "Capture"})
		for _, p := range reg.List() {
			name := p.Name
			if p.Package == def.Package {
				name = colors.Bold().Sprint(name + " *")
			}
			var required []string
			for _, r := range p.Capture.Required {
				required = append(required, r.String())
			}
			sdk := p.SDK
			if sdk == "" {
				sdk = "any"
			}
			tw.AppendRow(table.Row{
				name,
				utils.Truncate(p.Process, 48),
				p.Library,
				sdk,
				p.Priority,
				len(p.Functions),
				strings.Join(required, "+") + " / " + p.Capture.Window.Round(time.Millisecond).String(),
			})
		}
		tw.Render()
		return nil
	},
}
