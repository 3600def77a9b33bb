// Package slug turns arbitrary identifiers into filesystem-safe names.
package slug

import (
	"regexp"
	"strings"
	"unicode"
	"unicode/utf8"

	"golang.org/x/text/runes"
	"golang.org/x/text/transform"
	"golang.org/x/text/unicode/norm"
)

var (
	disallowed = regexp.MustCompile(`[^a-z0-9\s\v-]`)
	separators = regexp.MustCompile(`[\s\v-]+`)
)

// Make returns the slug of value: ASCII only, lower case, runs of whitespace
// and hyphens collapsed to one hyphen, no leading or trailing hyphen or
// underscore. The result only contains [a-z0-9-] and may be empty.
func Make(value string) string {
	s := strings.ToLower(toASCII(value))
	s = disallowed.ReplaceAllString(s, "")
	s = separators.ReplaceAllString(s, "-")
	return strings.Trim(s, "-_")
}

// toASCII decomposes value (NFKD) and drops everything outside ASCII, so
// accented letters keep their base letter.
func toASCII(value string) string {
	t := transform.Chain(norm.NFKD, runes.Remove(runes.Predicate(func(r rune) bool {
		return r > unicode.MaxASCII
	})))
	out, _, err := transform.String(t, value)
	if err == nil {
		return out
	}
	var sb strings.Builder
	for _, r := range value {
		if r < utf8.RuneSelf {
			sb.WriteRune(r)
		}
	}
	return sb.String()
}
