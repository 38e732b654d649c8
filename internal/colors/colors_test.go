package colors

import (
	"strings"
	"testing"

	"github.com/fatih/color"
)

func TestInit(t *testing.T) {
	orig := color.NoColor
	defer func() { color.NoColor = orig }()

	color.NoColor = true
	forceOn := true
	Init(&forceOn)
	if !Enabled() {
		t.Error("expected colors enabled when Init(true)")
	}

	forceOff := false
	Init(&forceOff)
	if Enabled() {
		t.Error("expected colors disabled when Init(false)")
	}

	Init(nil)
	if Enabled() {
		t.Error("Init(nil) should keep the current setting")
	}
}

func TestSemanticStyles(t *testing.T) {
	orig := color.NoColor
	defer func() { color.NoColor = orig }()

	color.NoColor = false
	for name, c := range map[string]*color.Color{
		"Fingerprint": Fingerprint(),
		"Offset":      Offset(),
		"Role":        Role(),
		"Unresolved":  BoldHiRed(),
	} {
		if got := c.Sprint("x"); !strings.Contains(got, "\x1b[") {
			t.Errorf("%s: expected ANSI codes, got %q", name, got)
		}
	}

	color.NoColor = true
	if got := Offset().Sprint("0x10"); got != "0x10" {
		t.Errorf("expected plain output with colors disabled, got %q", got)
	}
}
