package model

import (
	"fmt"
	"regexp"
	"strings"
	"time"
)

// TimestampLayout is the layout every persisted timestamp is formatted with.
const TimestampLayout = "2006-01-02T15:04:05"

var doiPattern = regexp.MustCompile(`^10\.\d{4,9}/[\w\-.]+$`)

// ValidationError reports why an input could not become a record.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid %s: %s", e.Field, e.Reason)
}

func invalid(field, format string, args ...any) *ValidationError {
	return &ValidationError{Field: field, Reason: fmt.Sprintf(format, args...)}
}

var timestampLayouts = []string{
	time.RFC3339Nano,
	"2006-01-02T15:04:05.999999999",
	"2006-01-02T15:04:05",
	"2006-01-02 15:04:05",
	"2006-01-02",
}

// ParseTimestamp accepts ISO-8601 variants used by repositories and returns
// the value in TimestampLayout.
func ParseTimestamp(s string) (string, error) {
	s = strings.TrimSpace(s)
	for _, layout := range timestampLayouts {
		if t, err := time.Parse(layout, s); err == nil {
			return t.Format(TimestampLayout), nil
		}
	}
	return "", fmt.Errorf("unrecognized timestamp %q", s)
}

func optionalTimestamp(field, raw string) (*string, error) {
	if strings.TrimSpace(raw) == "" {
		return nil, nil
	}
	ts, err := ParseTimestamp(raw)
	if err != nil {
		return nil, invalid(field, "%v", err)
	}
	return &ts, nil
}

func nonNegative(field string, v *int64) (*int64, error) {
	if v == nil {
		return nil, nil
	}
	if *v < 0 {
		return nil, invalid(field, "negative value %d", *v)
	}
	n := *v
	return &n, nil
}
