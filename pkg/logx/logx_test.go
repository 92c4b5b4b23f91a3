package logx

import (
	"bytes"
	"encoding/json"
	"errors"
	"strings"
	"testing"
	"time"
)

func TestThrottleBurstAndSuppressedCount(t *testing.T) {
	t.Parallel()

	th := NewThrottle(time.Hour, 2)
	for i := 0; i < 2; i++ {
		if ok, n := th.Allow("k"); !ok || n != 0 {
			t.Fatalf("Allow #%d = %v, %d, want true, 0", i, ok, n)
		}
	}
	for i := 0; i < 3; i++ {
		if ok, _ := th.Allow("k"); ok {
			t.Fatalf("Allow over burst = true, want false")
		}
	}
	if ok, _ := th.Allow("other"); !ok {
		t.Fatalf("Allow(other) = false, want independent key")
	}
	th.Forget("k")
	if ok, n := th.Allow("k"); !ok || n != 0 {
		t.Fatalf("Allow after Forget = %v, %d, want true, 0", ok, n)
	}
}

func TestThrottleReportsSuppressed(t *testing.T) {
	t.Parallel()

	th := NewThrottle(20*time.Millisecond, 1)
	th.Allow("k")
	th.Allow("k")
	th.Allow("k")
	time.Sleep(40 * time.Millisecond)
	ok, n := th.Allow("k")
	if !ok || n != 2 {
		t.Fatalf("Allow = %v, %d, want true, 2", ok, n)
	}
}

func TestNilThrottleAllows(t *testing.T) {
	t.Parallel()
	var th *Throttle
	if ok, _ := th.Allow("x"); !ok {
		t.Fatalf("nil Throttle Allow = false")
	}
}

func TestParseLevel(t *testing.T) {
	t.Parallel()
	tests := []struct {
		in string
		ok bool
	}{
		{"", true}, {"debug", true}, {" Warning ", true}, {"ERROR", true}, {"loud", false},
	}
	for _, tt := range tests {
		if _, ok := ParseLevel(tt.in); ok != tt.ok {
			t.Fatalf("ParseLevel(%q) ok = %v, want %v", tt.in, ok, tt.ok)
		}
	}
}

func TestWriterLoggerFields(t *testing.T) {
	t.Parallel()

	var buf bytes.Buffer
	log := NewWriter(&buf, "info").With(String("comp", "test"))
	log.Debug("hidden")
	log.Warn("shown", Int("n", 3), Err(errors.New("boom")))

	var line map[string]any
	if err := json.Unmarshal(bytes.TrimSpace(buf.Bytes()), &line); err != nil {
		t.Fatalf("log output = %q, want one json line: %v", buf.String(), err)
	}
	if line["message"] != "shown" || line["comp"] != "test" || line["n"] != float64(3) {
		t.Fatalf("line = %v", line)
	}
	if !strings.Contains(buf.String(), "boom") {
		t.Fatalf("error text missing from %q", buf.String())
	}
	if warn, _ := ParseLevel("warn"); !log.Enabled(warn) {
		t.Fatalf("Enabled(warn) = false")
	}
}

func TestZeroLoggerIsSafe(t *testing.T) {
	t.Parallel()
	var l Logger
	l.Info("nothing", String("k", "v"))
	if !l.IsZero() {
		t.Fatalf("IsZero = false")
	}
}
