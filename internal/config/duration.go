package config

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"
)

var errNegativeDuration = errors.New("must not be negative")

// FieldError reports a config value that could not be interpreted.
type FieldError struct {
	Path  string
	Value string
	Err   error
}

func (e *FieldError) Error() string {
	return fmt.Sprintf("%s: invalid value %q: %v", e.Path, e.Value, e.Err)
}

func (e *FieldError) Unwrap() error { return e.Err }

// ParseDuration reads an optional duration at path. It accepts Go duration
// syntax ("90s", "1h30m") or a bare number of seconds ("90"), the unit used on
// the wire for notification TTLs. Blank and zero yield def.
func ParseDuration(path, raw string, def time.Duration) (time.Duration, error) {
	s := strings.TrimSpace(raw)
	if s == "" {
		return def, nil
	}
	d, err := parseSecondsOrDuration(s)
	switch {
	case err != nil:
		return 0, &FieldError{Path: path, Value: raw, Err: err}
	case d < 0:
		return 0, &FieldError{Path: path, Value: raw, Err: errNegativeDuration}
	case d == 0:
		return def, nil
	}
	return d, nil
}

func parseSecondsOrDuration(s string) (time.Duration, error) {
	if n, err := strconv.ParseInt(s, 10, 32); err == nil {
		return time.Duration(n) * time.Second, nil
	}
	return time.ParseDuration(s)
}
