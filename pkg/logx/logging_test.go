package logx

import (
	"bytes"
	"encoding/json"
	"strings"
	"testing"

	"github.com/rs/zerolog"
)

func bufferLogger(buf *bytes.Buffer) Logger {
	return Logger{base: zerolog.New(buf).Level(zerolog.DebugLevel), hasBase: true}
}

func TestPipelineFieldsAndCaller(t *testing.T) {
	t.Parallel()
	var buf bytes.Buffer
	log := bufferLogger(&buf).With(Component("sender")).ForNotification("n1")
	log.Warn("send failed", Recipient("r1"), Err(nil), Int("attempt", 2))

	var line map[string]any
	if err := json.Unmarshal(buf.Bytes(), &line); err != nil {
		t.Fatalf("decode %q: %v", buf.String(), err)
	}
	for k, want := range map[string]any{
		KeyComponent:    "sender",
		KeyNotification: "n1",
		KeyRecipient:    "r1",
		"attempt":       float64(2),
		"level":         "warn",
		"message":       "send failed",
	} {
		if line[k] != want {
			t.Fatalf("%s = %v, want %v", k, line[k], want)
		}
	}
	for _, k := range []string{"err", "error"} {
		if _, ok := line[k]; ok {
			t.Fatal("nil error should not be written")
		}
	}
	caller, _ := line[zerolog.CallerFieldName].(string)
	if !strings.HasPrefix(caller, "logging_test.go:") {
		t.Fatalf("caller = %q, want this file", caller)
	}
}

func TestWithDoesNotAliasParentFields(t *testing.T) {
	t.Parallel()
	var buf bytes.Buffer
	parent := bufferLogger(&buf).With(Component("orchestrator"))
	_ = parent.ForNotification("n1")
	parent.Info("tick")
	if strings.Contains(buf.String(), `"notification"`) {
		t.Fatalf("parent picked up child field: %s", buf.String())
	}
}

func TestParseLevel(t *testing.T) {
	t.Parallel()
	cases := map[string]zerolog.Level{
		"debug":   zerolog.DebugLevel,
		" WARN ":  zerolog.WarnLevel,
		"warning": zerolog.WarnLevel,
		"error":   zerolog.ErrorLevel,
		"bogus":   zerolog.InfoLevel,
	}
	for in, want := range cases {
		if got := parseLevel(in, zerolog.InfoLevel); got != want {
			t.Fatalf("parseLevel(%q) = %v, want %v", in, got, want)
		}
	}
}
