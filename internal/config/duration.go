package config

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"
)

var ErrNegativeDuration = errors.New("duration must be >= 0")

// FieldError ties a bad value to its config path, e.g.
// `scheduler.stop_timeout: "5 sec": time: unknown unit " sec"`.
type FieldError struct {
	Path  string
	Value string
	Err   error
}

func (e *FieldError) Error() string {
	if e.Value == "" {
		return e.Path + ": " + e.Err.Error()
	}
	return fmt.Sprintf("%s: %q: %v", e.Path, e.Value, e.Err)
}

func (e *FieldError) Unwrap() error { return e.Err }

// ParseDuration accepts Go durations plus a leading whole-day term, so
// idle and reset windows can be written as "2d" or "1d12h".
func ParseDuration(raw string) (time.Duration, error) {
	s := strings.TrimSpace(raw)
	if i := strings.IndexByte(s, 'd'); i > 0 {
		if days, err := strconv.Atoi(s[:i]); err == nil && days >= 0 {
			d := time.Duration(days) * 24 * time.Hour
			if rest := s[i+1:]; rest != "" {
				r, err := time.ParseDuration(rest)
				if err != nil {
					return 0, err
				}
				if r < 0 {
					return 0, ErrNegativeDuration
				}
				d += r
			}
			return d, nil
		}
	}
	d, err := time.ParseDuration(s)
	if err != nil {
		return 0, err
	}
	if d < 0 {
		return 0, ErrNegativeDuration
	}
	return d, nil
}

// ParseDurationField parses raw for the field at path. Empty means zero.
func ParseDurationField(path, raw string) (time.Duration, error) {
	if strings.TrimSpace(raw) == "" {
		return 0, nil
	}
	d, err := ParseDuration(raw)
	if err != nil {
		return 0, &FieldError{Path: path, Value: raw, Err: err}
	}
	return d, nil
}

// ParseDurationOrDefault is ParseDurationField with def for empty or zero.
func ParseDurationOrDefault(path, raw string, def time.Duration) (time.Duration, error) {
	d, err := ParseDurationField(path, raw)
	if err != nil || d > 0 {
		return d, err
	}
	return def, nil
}
