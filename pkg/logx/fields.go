package logx

import (
	"strings"
	"time"

	"github.com/rs/zerolog"
)

// Field mutates a zerolog event. Fields are applied in order, later keys win.
type Field func(e *zerolog.Event)

// Keys shared by every pipeline stage so one notification can be followed
// across the orchestrator, sender and aggregator with a single filter.
const (
	KeyComponent    = "comp"
	KeyNotification = "notification"
	KeyRecipient    = "recipient"
)

// Component tags a logger with the subsystem that owns it.
func Component(name string) Field { return String(KeyComponent, name) }

// Notification tags a line with the notification it concerns.
func Notification(id string) Field { return String(KeyNotification, id) }

// Recipient tags a line with a per-notification recipient row id.
func Recipient(id string) Field { return String(KeyRecipient, id) }

func String(k, v string) Field { return func(e *zerolog.Event) { e.Str(k, v) } }
func Int(k string, v int) Field { return func(e *zerolog.Event) { e.Int(k, v) } }
func Int64(k string, v int64) Field { return func(e *zerolog.Event) { e.Int64(k, v) } }
func Uint64(k string, v uint64) Field { return func(e *zerolog.Event) { e.Uint64(k, v) } }
func Bool(k string, v bool) Field { return func(e *zerolog.Event) { e.Bool(k, v) } }
func Duration(k string, v time.Duration) Field { return func(e *zerolog.Event) { e.Dur(k, v) } }
func Time(k string, v time.Time) Field { return func(e *zerolog.Event) { e.Time(k, v) } }
func Any(k string, v any) Field { return func(e *zerolog.Event) { e.Interface(k, v) } }

// Err is a no-op for a nil error so call sites can pass results through.
func Err(err error) Field {
	return func(e *zerolog.Event) {
		if err != nil {
			e.Err(err)
		}
	}
}

// Stack attaches a goroutine dump; blank dumps are dropped.
func Stack(stack string) Field {
	return func(e *zerolog.Event) {
		if strings.TrimSpace(stack) != "" {
			e.Str("stack", stack)
		}
	}
}
