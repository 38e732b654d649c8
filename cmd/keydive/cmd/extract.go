//go:build frida

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
	"errors"
	"fmt"
	"os"

	"github.com/AlecAivazis/survey/v2/terminal"
	"github.com/MakeNowJust/heredoc/v2"
	"github.com/apex/log"
	"github.com/blacktop/keydive/internal/config"
	"github.com/blacktop/keydive/internal/frida"
	"github.com/blacktop/keydive/pkg/extractor"
	"github.com/blacktop/keydive/pkg/hook"
	"github.com/blacktop/keydive/pkg/resolver"
	"github.com/caarlos0/ctrlc"
	"github.com/mattn/go-isatty"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

func init() {
	rootCmd.AddCommand(extractCmd)

	extractCmd.Flags().StringP("udid", "u", "", "Device serial to connect to")
	extractCmd.Flags().StringP("symbols", "f", "", "Symbol table for the vendor library (Ghidra XML, JSON, YAML, text or ELF)")
	extractCmd.Flags().StringP("profile", "p", "", "Skip detection and use this vendor profile")
	extractCmd.Flags().Bool("partial", false, "Accept a hook plan with unresolved functions")
	extractCmd.Flags().Bool("strict", false, "Require every hook to install")
	extractCmd.Flags().Bool("force", false, "Use the default profile and accept a partial hook plan")
	extractCmd.Flags().StringP("library", "l", "", "Local copy of the vendor library (read from the process otherwise)")
	extractCmd.Flags().StringP("output", "o", "", "Folder to save captured keys to")
	extractCmd.Flags().String("profiles", "", "Extra vendor profiles YAML")
	extractCmd.Flags().Duration("window", 0, "Correlation window (default from profile)")
	extractCmd.Flags().MarkDeprecated("force", "use --profile and --partial instead")
	bindFlags("extract", extractCmd.Flags(), "udid", "symbols", "profile", "partial", "strict", "force", "library", "output", "profiles")
	viper.BindPFlag("capture.window", extractCmd.Flags().Lookup("window"))
}

// extractCmd represents the extract command
var extractCmd = &cobra.Command{
	Use:           "extract",
	Aliases:       []string{"e"},
	Short:         "Hook the DRM service and capture key material",
	Args:          cobra.NoArgs,
	SilenceUsage:  true,
	SilenceErrors: true,
	Example: heredoc.Doc(`
		# Detect the DRM service and capture keys until Ctrl-C
		$ keydive extract -o ./keys

		# Use offsets exported from Ghidra for a specific device
		$ keydive extract -u emulator-5554 -f libwvhidl.xml

		# Force a profile and accept a partially resolved plan
		$ keydive extract -p widevine-hidl-1.4 --partial
	`),
	RunE: func(cmd *cobra.Command, args []string) error {
		conf, err := config.LoadConfig()
		if err != nil {
			return err
		}

		reg, err := loadRegistry(conf.Extract.Profiles)
		if err != nil {
			return err
		}
		profile := conf.Extract.Profile
		if conf.Extract.Force && profile == "" {
			def, err := reg.Default()
			if err != nil {
				return err
			}
			profile = def.Package
		}
		syms, err := loadSymbols(conf.Extract.Symbols)
		if err != nil {
			return err
		}
		lib, err := loadLibrary(conf.Extract.Library)
		if err != nil {
			return err
		}
		cache, err := resolver.LoadCacheFile(conf.Cache.Path, conf.Cache.Size)
		if err != nil {
			return err
		}

		dev, err := selectDevice(conf.Extract.UDID)
		if err != nil {
			return err
		}
		log.Infof("Chosen device: %s", dev.Name())

		ex := extractor.New(reg, dev, dev.Instrumenter(), extractor.Config{
			Profile:        profile,
			Symbols:        syms,
			Library:        lib,
			Partial:        conf.Extract.Partial,
			Session:        conf.HookOptions(),
			ResolveTimeout: conf.Resolver.Timeout,
			Window:         conf.Capture.Window,
		})
		ex.Resolver = resolver.New(cache)

		w, err := newKeyWriter(conf.Extract.Output, os.Stdout)
		if err != nil {
			return err
		}
		defer w.Close()

		ctx, cancel := context.WithCancel(context.Background())
		defer cancel()

		done := make(chan error, 1)
		err = ctrlc.Default.Run(ctx, func() error {
			err := func() error {
				target, err := ex.Prepare(ctx)
				if err != nil {
					return err
				}
				return ex.Run(ctx, target, w.Write)
			}()
			done <- err
			return err
		})
		if errors.As(err, &ctrlc.ErrorCtrlC{}) {
			log.Warn("Detaching Session...")
			cancel()
			err = <-done
		}

		if serr := cache.SaveFile(conf.Cache.Path); serr != nil {
			log.WithError(serr).Warn("Failed to save offset cache")
		}

		switch {
		case errors.Is(err, hook.ErrProcessExited):
			log.WithError(err).Warn("Session ended")
		case err != nil:
			return err
		}

		log.WithField("keys", w.Count()).Info("Done")
		if w.Count() > 0 && conf.Extract.Output != "" {
			log.Infof("Keys saved to %s", conf.Extract.Output)
		}
		return nil
	},
}

func selectDevice(udid string) (*frida.Device, error) {
	if len(udid) > 0 {
		return frida.DeviceByID(udid)
	}
	devices, err := frida.Devices()
	if err != nil {
		return nil, err
	}
	switch {
	case len(devices) == 0:
		return nil, fmt.Errorf("no devices found")
	case len(devices) == 1:
		return devices[0], nil
	case !isatty.IsTerminal(os.Stdin.Fd()):
		return nil, fmt.Errorf("found %d devices, use --udid to pick one", len(devices))
	}

	var choices []string
	for _, d := range devices {
		choices = append(choices, d.String())
	}
	selected, err := selectIndex("Select what device to connect to:", choices)
	if err == terminal.InterruptErr {
		log.Warn("Exiting...")
		os.Exit(0)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to select device: %w", err)
	}
	return devices[selected], nil
}
