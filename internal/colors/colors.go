// Package colors provides TTY-aware color styles for keydive output.
//
// Colors are disabled automatically when stdout is not a terminal; fatih/color
// detects that. Init overrides the detection from the --color flag.
package colors

import "github.com/fatih/color"

// Init overrides the auto-detected color setting. nil keeps the detected value.
func Init(forceColor *bool) {
	if forceColor != nil {
		color.NoColor = !*forceColor
	}
}

// Enabled returns true if colors are currently enabled.
func Enabled() bool {
	return !color.NoColor
}

func Bold() *color.Color        { return color.New(color.Bold) }
func Faint() *color.Color       { return color.New(color.Faint) }
func FaintHiBlue() *color.Color { return color.New(color.Faint, color.FgHiBlue) }
func BoldHiGreen() *color.Color { return color.New(color.Bold, color.FgHiGreen) }
func BoldHiRed() *color.Color   { return color.New(color.Bold, color.FgHiRed) }

// Semantic styles

// Fingerprint styles key fingerprints.
func Fingerprint() *color.Color { return BoldHiGreen() }

// Offset styles resolved hook offsets.
func Offset() *color.Color { return color.New(color.FgHiMagenta) }

// Role styles function roles.
func Role() *color.Color { return color.New(color.FgHiCyan) }
