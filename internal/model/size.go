package model

import (
	"encoding/json"
	"math"
	"strconv"
	"strings"

	"github.com/dustin/go-humanize"
)

// ParseSize converts a size reported by a repository into bytes. It accepts
// integers, JSON numbers, digit strings and human sizes such as "4.6 kB".
// Unknown, unparsable or negative sizes return nil.
func ParseSize(v any) *int64 {
	var n int64
	switch s := v.(type) {
	case nil:
		return nil
	case int:
		n = int64(s)
	case int64:
		n = s
	case float64:
		if math.IsNaN(s) || math.IsInf(s, 0) {
			return nil
		}
		n = int64(s)
	case json.Number:
		if i, err := s.Int64(); err == nil {
			n = i
		} else if f, err := s.Float64(); err == nil {
			n = int64(f)
		} else {
			return nil
		}
	case string:
		return parseSizeString(s)
	case *int64:
		if s == nil {
			return nil
		}
		n = *s
	default:
		return nil
	}
	if n < 0 {
		return nil
	}
	return &n
}

func parseSizeString(s string) *int64 {
	s = strings.TrimSpace(s)
	if s == "" {
		return nil
	}
	if i, err := strconv.ParseInt(s, 10, 64); err == nil {
		if i < 0 {
			return nil
		}
		return &i
	}
	if strings.HasPrefix(s, "-") {
		return nil
	}
	b, err := humanize.ParseBytes(s)
	if err != nil || b > math.MaxInt64 {
		return nil
	}
	n := int64(b)
	return &n
}

// HumanSize formats a byte count for display. Nil sizes render as "unknown".
func HumanSize(n *int64) string {
	if n == nil {
		return "unknown"
	}
	return humanize.Bytes(uint64(*n))
}
