package logx

import (
	"io"
	"os"
	"path/filepath"
	"runtime"
	"strconv"
	"strings"

	"github.com/rs/zerolog"
)

// Config mirrors the logging section of herald.yaml.
type Config struct {
	Level   string
	Console bool
	File    FileConfig
	Alert   AlertConfig
}

type FileConfig struct {
	Enabled bool
	Path    string
}

// AlertConfig forwards high-severity lines to an operator chat.
type AlertConfig struct {
	Enabled    bool
	MinLevel   string
	RatePerSec int
}

const consoleTimeFormat = "2006-01-02T15:04:05.000Z07:00"

// Logger carries a field set and writes through its Service, so loggers handed
// to pipeline components pick up level and sink changes on config reload.
// The zero value discards everything.
type Logger struct {
	svc     *Service
	base    zerolog.Logger
	hasBase bool

	fields []Field
}

// Nop returns a logger that never writes anything.
func Nop() Logger {
	return Logger{base: zerolog.Nop(), hasBase: true}
}

func (l Logger) IsZero() bool { return l.svc == nil && !l.hasBase && len(l.fields) == 0 }

func (l Logger) With(fields ...Field) Logger {
	if len(fields) == 0 {
		return l
	}
	cp := l
	cp.fields = append(append([]Field(nil), l.fields...), fields...)
	return cp
}

// ForNotification scopes a logger to one notification.
func (l Logger) ForNotification(id string) Logger { return l.With(Notification(id)) }

func (l Logger) Debug(msg string, fields ...Field) { l.write(zerolog.DebugLevel, msg, fields) }
func (l Logger) Info(msg string, fields ...Field)  { l.write(zerolog.InfoLevel, msg, fields) }
func (l Logger) Warn(msg string, fields ...Field)  { l.write(zerolog.WarnLevel, msg, fields) }
func (l Logger) Error(msg string, fields ...Field) { l.write(zerolog.ErrorLevel, msg, fields) }

func (l Logger) sink() zerolog.Logger {
	switch {
	case l.svc != nil:
		return l.svc.current()
	case l.hasBase:
		return l.base
	default:
		return zerolog.Nop()
	}
}

func (l Logger) write(level zerolog.Level, msg string, fields []Field) {
	zl := l.sink()
	e := zl.WithLevel(level)
	if e == nil {
		return
	}
	// write <- Info/Warn/... <- call site
	if file, line, ok := callSite(3); ok {
		e.Str(zerolog.CallerFieldName, file+":"+strconv.Itoa(line))
	}
	apply(e, l.fields)
	apply(e, fields)
	e.Msg(msg)
}

func apply(e *zerolog.Event, fields []Field) {
	for _, f := range fields {
		if f != nil {
			f(e)
		}
	}
}

func callSite(skip int) (string, int, bool) {
	_, file, line, ok := runtime.Caller(skip)
	if !ok || file == "" {
		return "", 0, false
	}
	return filepath.Base(file), line, true
}

func parseLevel(s string, def zerolog.Level) zerolog.Level {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "trace", "debug":
		return zerolog.DebugLevel
	case "info":
		return zerolog.InfoLevel
	case "warn", "warning":
		return zerolog.WarnLevel
	case "error":
		return zerolog.ErrorLevel
	default:
		return def
	}
}

// Stdout and Stderr are the process sinks the Service writes to.
func Stdout() io.Writer { return os.Stdout }
func Stderr() io.Writer { return os.Stderr }
