// Package envconf parses strictly-validated subsystem settings from the environment.
// Unset keys keep their default; set-but-invalid keys are errors.
package envconf

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// ErrInvalid is wrapped by every parse failure.
var ErrInvalid = errors.New("invalid environment value")

func lookup(key string) (string, bool) {
	v := strings.TrimSpace(os.Getenv(key))
	return v, v != ""
}

// String returns the trimmed value of key or def.
func String(key, def string) string {
	if v, ok := lookup(key); ok {
		return v
	}
	return def
}

// Duration parses key as a Go duration. Zero is accepted only when allowZero is set;
// negative values are always rejected.
func Duration(key string, def time.Duration, allowZero bool) (time.Duration, error) {
	v, ok := lookup(key)
	if !ok {
		return def, nil
	}
	d, err := time.ParseDuration(v)
	if err != nil || d < 0 || (d == 0 && !allowZero) {
		return 0, fmt.Errorf("%w: %s=%q", ErrInvalid, key, v)
	}
	return d, nil
}

// Int parses key as a decimal integer no smaller than minimum.
func Int(key string, def, minimum int) (int, error) {
	v, ok := lookup(key)
	if !ok {
		return def, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil || n < minimum {
		return 0, fmt.Errorf("%w: %s=%q", ErrInvalid, key, v)
	}
	return n, nil
}

// Collector accumulates the first parse error so a Config loader can read every key
// and report once.
type Collector struct {
	err error
}

// Duration is the Collector form of Duration.
func (c *Collector) Duration(key string, def time.Duration, allowZero bool) time.Duration {
	d, err := Duration(key, def, allowZero)
	if err != nil && c.err == nil {
		c.err = err
	}
	return d
}

// Int is the Collector form of Int.
func (c *Collector) Int(key string, def, minimum int) int {
	n, err := Int(key, def, minimum)
	if err != nil && c.err == nil {
		c.err = err
	}
	return n
}

// String is the Collector form of String.
func (c *Collector) String(key, def string) string { return String(key, def) }

// Err returns the first error seen.
func (c *Collector) Err() error { return c.err }
