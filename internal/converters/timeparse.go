package converters

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

// ErrMalformedTimestamp is returned for a non-empty date string that matches none
// of the accepted layouts.
var ErrMalformedTimestamp = errors.New("malformed timestamp")

// timeLayouts are tried in order. The scanning service emits RFC 3339 with
// milliseconds, older records carry a space separated form or a bare date.
var timeLayouts = []string{
	time.RFC3339Nano,
	"2006-01-02T15:04:05.000Z0700",
	"2006-01-02T15:04:05Z0700",
	"2006-01-02 15:04:05",
	"2006-01-02",
}

// ParseTime converts a date string into Unix milliseconds. An empty value is
// unset and yields (0, false, nil).
func ParseTime(value string) (int64, bool, error) {
	value = strings.TrimSpace(value)
	if value == "" {
		return 0, false, nil
	}
	for _, layout := range timeLayouts {
		if t, err := time.Parse(layout, value); err == nil {
			return t.UnixMilli(), true, nil
		}
	}
	return 0, false, fmt.Errorf("%w: %q", ErrMalformedTimestamp, value)
}

// setTime stores a parsed date under name, or leaves the attribute absent when
// the source value is empty.
func setTime(attrs map[string]any, name, value string) error {
	ms, ok, err := ParseTime(value)
	if err != nil {
		return fmt.Errorf("%s: %w", name, err)
	}
	if ok {
		attrs[name] = ms
	}
	return nil
}
