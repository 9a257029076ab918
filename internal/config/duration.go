package config

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

// ParseDuration parses a duration field. Empty or zero yields def; negative
// values are rejected. path names the field in errors.
func ParseDuration(path, raw string, def time.Duration) (time.Duration, error) {
	s := strings.TrimSpace(raw)
	if s == "" {
		return def, nil
	}
	d, err := time.ParseDuration(s)
	if err != nil {
		return 0, fmt.Errorf("%s: invalid duration %q: %w", path, raw, err)
	}
	if d < 0 {
		return 0, fmt.Errorf("%s: duration must be >= 0", path)
	}
	if d == 0 {
		return def, nil
	}
	return d, nil
}

// Durations reads many fields and keeps every error, so a mapping function
// can report all bad fields at once.
type Durations struct {
	errs []error
}

func (r *Durations) Get(path, raw string, def time.Duration) time.Duration {
	d, err := ParseDuration(path, raw, def)
	if err != nil {
		r.errs = append(r.errs, err)
	}
	return d
}

func (r *Durations) Err() error { return errors.Join(r.errs...) }
