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
	"context"
	"encoding/json"
	"fmt"
	"os"
	"strings"

	"github.com/MakeNowJust/heredoc/v2"
	"github.com/apex/log"
	"github.com/blacktop/keydive/internal/colors"
	"github.com/blacktop/keydive/internal/config"
	"github.com/blacktop/keydive/pkg/resolver"
	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/jedib0t/go-pretty/v6/text"
	"github.com/pkg/errors"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

func init() {
	rootCmd.AddCommand(planCmd)

	planCmd.Flags().StringP("profile", "p", "", "Vendor profile (name or package identity)")
	planCmd.Flags().StringP("library", "l", "", "Local copy of the vendor library")
	planCmd.Flags().StringP("symbols", "f", "", "Symbol table (Ghidra XML, JSON, YAML, text or ELF)")
	planCmd.Flags().String("profiles", "", "Extra vendor profiles YAML")
	planCmd.Flags().Bool("json", false, "Output plan as JSON")
	planCmd.MarkFlagRequired("profile")
	bindFlags("plan", planCmd.Flags(), "profile", "library", "symbols", "profiles", "json")
}

// planCmd represents the plan command
var planCmd = &cobra.Command{
	Use:           "plan",
	Short:         "Resolve a hook plan offline",
	Args:          cobra.NoArgs,
	SilenceUsage:  true,
	SilenceErrors: true,
	Example: heredoc.Doc(`
		# Resolve the AIDL widevine functions from a Ghidra export
		$ keydive plan -p widevine-aidl -f libwvaidl.xml

		# Scan a pulled library with the patterns of a custom profile
		$ keydive plan -p acme --profiles acme.yaml -l libacme.so --json
	`),
	RunE: func(cmd *cobra.Command, args []string) error {
		conf, err := config.LoadConfig()
		if err != nil {
			return err
		}

		profilesPath := viper.GetString("plan.profiles")
		if profilesPath == "" {
			profilesPath = conf.Extract.Profiles
		}
		reg, err := loadRegistry(profilesPath)
		if err != nil {
			return err
		}
		profile, err := reg.Resolve(viper.GetString("plan.profile"))
		if err != nil {
			return err
		}
		syms, err := loadSymbols(viper.GetString("plan.symbols"))
		if err != nil {
			return err
		}
		img, err := loadLibrary(viper.GetString("plan.library"))
		if err != nil {
			return err
		}
		if img == nil && syms == nil {
			return fmt.Errorf("must specify --library or --symbols")
		}

		cache, err := resolver.LoadCacheFile(conf.Cache.Path, conf.Cache.Size)
		if err != nil {
			return err
		}

		ctx, cancel := context.WithTimeout(context.Background(), conf.Resolver.Timeout)
		defer cancel()

		plan, err := resolver.New(cache).Resolve(ctx, profile.Library, img, profile.Functions, syms)
		if err != nil && plan == nil {
			return errors.Wrapf(err, "failed to resolve %s", profile.Name)
		}

		if viper.GetBool("plan.json") {
			enc := json.NewEncoder(os.Stdout)
			enc.SetIndent("", "  ")
			return enc.Encode(plan)
		}

		renderPlan(plan)
		if err != nil {
			log.WithError(err).Warn("Hook plan is partial")
			return nil
		}
		log.WithField("entries", len(plan.Entries)).Info("Hook plan complete")
		return nil
	},
}

func renderPlan(plan *resolver.Plan) {
	tw := table.NewWriter()
	tw.SetOutputMirror(os.Stdout)
	tw.SetStyle(table.StyleRounded)
	tw.SetTitle(plan.Library)
	tw.SetColumnConfigs([]table.ColumnConfig{
		{Number: 3, Align: text.AlignRight},
		{Number: 5, Align: text.AlignRight},
	})
	tw.AppendHeader(table.Row{"Function", "Role", "Offset", "Origin", "Score", "Alternatives"})
	for _, e := range plan.Entries {
		var alts []string
		for _, c := range e.Alternatives {
			alts = append(alts, fmt.Sprintf("%#x", c.Offset))
		}
		score := "-"
		if e.Origin == resolver.OriginPattern {
			score = fmt.Sprintf("%.1f", e.Score)
		}
		tw.AppendRow(table.Row{
			e.Function.Name,
			colors.Role().Sprint(e.Function.Role),
			colors.Offset().Sprintf("%#x", e.Offset),
			e.Origin,
			score,
			strings.Join(alts, " "),
		})
	}
	for _, name := range plan.Unresolved {
		tw.AppendRow(table.Row{name, "", colors.BoldHiRed().Sprint("unresolved"), "", "", ""})
	}
	tw.Render()
}
