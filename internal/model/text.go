package model

import (
	"html"
	"regexp"
	"strings"

	"github.com/microcosm-cc/bluemonday"
	"golang.org/x/text/unicode/norm"
)

var (
	stripPolicy = bluemonday.StrictPolicy()
	controlWS   = regexp.MustCompile(`[\n\r\t]+`)
	multiSpace  = regexp.MustCompile(` {2,}`)
)

// CleanText strips HTML markup from s, flattens line breaks and tabs into
// spaces, collapses repeated spaces and returns NFC-normalized text.
func CleanText(s string) string {
	if s == "" {
		return ""
	}
	out := stripPolicy.Sanitize(s)
	out = html.UnescapeString(out)
	out = controlWS.ReplaceAllString(out, " ")
	out = multiSpace.ReplaceAllString(out, " ")
	return norm.NFC.String(strings.TrimSpace(out))
}

// cleanList cleans every element and drops empty ones. It returns nil when
// nothing remains.
func cleanList(in []string) []string {
	var out []string
	for _, s := range in {
		if c := CleanText(s); c != "" {
			out = append(out, c)
		}
	}
	return out
}

// optional returns nil for an empty string.
func optional(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}
