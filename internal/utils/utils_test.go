package utils

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"
)

func TestRetry(t *testing.T) {
	errBoom := errors.New("boom")
	tests := []struct {
		name      string
		attempts  int
		failUntil int
		stopAt    int
		wantCalls int
		wantErr   error
	}{
		{name: "first try", attempts: 3, failUntil: 0, wantCalls: 1},
		{name: "succeeds on third", attempts: 3, failUntil: 2, wantCalls: 3},
		{name: "exhausted", attempts: 2, failUntil: 5, wantCalls: 2, wantErr: errBoom},
		{name: "stop", attempts: 5, failUntil: 5, stopAt: 2, wantCalls: 2, wantErr: errBoom},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			calls := 0
			err := Retry(context.Background(), tt.attempts, time.Millisecond, func(attempt int) error {
				calls++
				if attempt != calls {
					t.Fatalf("attempt = %d, want %d", attempt, calls)
				}
				if tt.stopAt > 0 && attempt == tt.stopAt {
					return Stop(errBoom)
				}
				if attempt <= tt.failUntil {
					return errBoom
				}
				return nil
			})
			if calls != tt.wantCalls {
				t.Errorf("calls = %d, want %d", calls, tt.wantCalls)
			}
			if tt.wantErr == nil && err != nil {
				t.Errorf("unexpected error: %v", err)
			}
			if tt.wantErr != nil && !errors.Is(err, tt.wantErr) {
				t.Errorf("error = %v, want %v", err, tt.wantErr)
			}
		})
	}
}

func TestRetryContextCancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	calls := 0
	err := Retry(ctx, 5, time.Hour, func(int) error {
		calls++
		cancel()
		return errors.New("nope")
	})
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("error = %v, want context.Canceled", err)
	}
	if calls != 1 {
		t.Errorf("calls = %d, want 1", calls)
	}
}

func TestHexDump(t *testing.T) {
	if HexDump(nil) != "" {
		t.Error("empty input should give empty dump")
	}
	out := HexDump([]byte("keydive"))
	if !strings.Contains(out, "|keydive|") {
		t.Errorf("dump missing ascii column: %q", out)
	}
}

func TestTruncate(t *testing.T) {
	if got := Truncate("abcdef", 3); got != "abc..." {
		t.Errorf("Truncate() = %q", got)
	}
	if got := Truncate("ab", 3); got != "ab" {
		t.Errorf("Truncate() = %q", got)
	}
	if got := Truncate("héllo", 2); got != "hé..." {
		t.Errorf("Truncate() = %q", got)
	}
}
