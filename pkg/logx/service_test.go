package logx

import (
	"context"
	"strings"
	"sync"
	"testing"
	"time"
)

type captureSink struct {
	mu   sync.Mutex
	msgs []string
}

func (c *captureSink) Alert(_ context.Context, text string) error {
	c.mu.Lock()
	c.msgs = append(c.msgs, text)
	c.mu.Unlock()
	return nil
}

func (c *captureSink) count() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.msgs)
}

func TestFormatAlert(t *testing.T) {
	t.Parallel()
	got := formatAlert([]byte(`{"level":"warn","message":"send failed","notification":"n1","attempt":3,"time":"x"}`))
	want := "[WARN] send failed\n- attempt=3\n- notification=n1"
	if got != want {
		t.Fatalf("formatAlert = %q, want %q", got, want)
	}
}

func TestFormatAlertNotJSON(t *testing.T) {
	t.Parallel()
	if got := formatAlert([]byte("  plain line \n")); got != "plain line" {
		t.Fatalf("formatAlert = %q", got)
	}
}

func TestTruncate(t *testing.T) {
	t.Parallel()
	if got := truncate(strings.Repeat("a", 20), 12); got != "aaaaaaaaa..." {
		t.Fatalf("truncate = %q", got)
	}
	if got := truncate("short", 12); got != "short" {
		t.Fatalf("truncate = %q", got)
	}
}

func TestServiceAlertMinLevel(t *testing.T) {
	sink := &captureSink{}
	svc, log := New(Config{Level: "debug", Alert: AlertConfig{Enabled: true, MinLevel: "error", RatePerSec: 100}}, sink)
	t.Cleanup(func() { _ = svc.Close() })

	log.Warn("below threshold")
	log.Error("above threshold", String("k", "v"))

	deadline := time.Now().Add(2 * time.Second)
	for sink.count() < 1 && time.Now().Before(deadline) {
		time.Sleep(10 * time.Millisecond)
	}
	time.Sleep(50 * time.Millisecond)
	if n := sink.count(); n != 1 {
		t.Fatalf("alerts = %d, want 1", n)
	}
}

func TestZeroLoggerIsSafe(t *testing.T) {
	t.Parallel()
	var l Logger
	if !l.IsZero() {
		t.Fatal("zero logger should report IsZero")
	}
	l.Info("discarded")
	l.With(String("a", "b")).Error("discarded")
}
