package utils

import (
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"math/rand/v2"
	"regexp"
	"time"

	"github.com/apex/log"
	"github.com/apex/log/handlers/cli"
	"github.com/blacktop/keydive/internal/colors"
)

var normalPadding = cli.Default.Padding

type stop struct {
	error
}

// Stop wraps err so Retry returns it immediately instead of trying again.
func Stop(err error) error {
	return stop{err}
}

// Retry calls f up to attempts times, doubling sleep (plus jitter) after every failure.
// It gives up early when ctx is done or f returns an error wrapped with Stop.
func Retry(ctx context.Context, attempts int, sleep time.Duration, f func(attempt int) error) error {
	var err error
	for attempt := 1; attempt <= attempts; attempt++ {
		if err = f(attempt); err == nil {
			return nil
		}
		var s stop
		if errors.As(err, &s) {
			return s.error
		}
		if attempt == attempts {
			break
		}
		if sleep > 0 {
			sleep += time.Duration(rand.Int64N(int64(sleep))) / 2
		}
		log.WithError(err).Debugf("attempt %d/%d failed, retrying in %s", attempt, attempts, sleep.Round(time.Millisecond))
		select {
		case <-ctx.Done():
			return fmt.Errorf("%w (last error: %v)", ctx.Err(), err)
		case <-time.After(sleep):
		}
		sleep *= 2
	}
	return fmt.Errorf("after %d attempts, %w", attempts, err)
}

// Indent indents apex log line to supplied level
func Indent(f func(s string), level int) func(string) {
	return func(s string) {
		cli.Default.Padding = normalPadding * level
		f(s)
		cli.Default.Padding = normalPadding
	}
}

var zeroRuns = regexp.MustCompile(`\s(00\s)+`)

// HexDump returns `hexdump -C` style output with runs of zero bytes dimmed.
func HexDump(data []byte) string {
	if len(data) == 0 {
		return ""
	}
	faint := colors.FaintHiBlue().SprintFunc()
	return zeroRuns.ReplaceAllStringFunc(hex.Dump(data), func(s string) string {
		return faint(s)
	})
}

// Truncate shortens s to length runes, adding an ellipsis.
func Truncate(s string, length int) string {
	if r := []rune(s); len(r) > length {
		return string(r[:length]) + "..."
	}
	return s
}
