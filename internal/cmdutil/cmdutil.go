// Package cmdutil carries small helpers shared by the ntl command binaries.
package cmdutil

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"strconv"
	"strings"
	"time"
)

// EnvString returns the trimmed env value if present; otherwise fallback.
func EnvString(key string, fallback string) string {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		return v
	}
	return fallback
}

// EnvBool parses a boolean env value; when unset or blank, it returns fallback.
func EnvBool(key string, fallback bool) (bool, error) {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		return fallback, nil
	}
	return strconv.ParseBool(raw)
}

// EnvDuration parses a time.Duration env value; when unset or blank, it
// returns fallback.
func EnvDuration(key string, fallback time.Duration) (time.Duration, error) {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		return fallback, nil
	}
	return time.ParseDuration(raw)
}

// EnvUint32 parses a uint32 env value (device ids); when unset or blank, it
// returns fallback.
func EnvUint32(key string, fallback uint32) (uint32, error) {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		return fallback, nil
	}
	v, err := strconv.ParseUint(raw, 10, 32)
	if err != nil {
		return 0, err
	}
	return uint32(v), nil
}

// UsageError marks an error as a usage/config error (exit=2 for user-facing CLIs).
type UsageError struct {
	Msg string
}

func (e *UsageError) Error() string { return e.Msg }

// IsUsage reports whether err is a UsageError (directly or wrapped).
func IsUsage(err error) bool {
	var ue *UsageError
	return errors.As(err, &ue)
}

// RefuseOverwrite returns a UsageError when path already exists and overwrite
// is false.
func RefuseOverwrite(path string, overwrite bool) error {
	if path == "" || overwrite {
		return nil
	}
	_, err := os.Stat(path)
	if err == nil {
		return &UsageError{Msg: fmt.Sprintf("refusing to overwrite existing file: %s (use --overwrite)", path)}
	}
	if errors.Is(err, fs.ErrNotExist) {
		return nil
	}
	return err
}

// WriteJSON writes v as JSON to w, followed by a newline.
func WriteJSON(w io.Writer, v any, pretty bool) error {
	enc := json.NewEncoder(w)
	if pretty {
		enc.SetIndent("", "  ")
	}
	return enc.Encode(v)
}
