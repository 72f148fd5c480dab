package tweetwatch

import "strings"

// Post IDs are snowflakes: decimal strings that grow with time. They are
// compared as numbers without parsing so that any length is accepted.

// validID reports whether id is a non-empty string of ASCII digits.
func validID(id string) bool {
	if id == "" {
		return false
	}
	for i := 0; i < len(id); i++ {
		if id[i] < '0' || id[i] > '9' {
			return false
		}
	}
	return true
}

// compareIDs returns -1, 0 or 1 as a is numerically less than, equal to or
// greater than b. Both must be valid IDs; the empty string sorts first.
func compareIDs(a, b string) int {
	a = strings.TrimLeft(a, "0")
	b = strings.TrimLeft(b, "0")
	switch {
	case len(a) < len(b):
		return -1
	case len(a) > len(b):
		return 1
	}
	return strings.Compare(a, b)
}

// maxID returns the larger of two IDs, ignoring invalid ones.
func maxID(a, b string) string {
	if !validID(b) {
		return a
	}
	if !validID(a) || compareIDs(b, a) > 0 {
		return b
	}
	return a
}

// newerThan reports whether id is past the watermark. Everything is newer
// than an empty watermark.
func newerThan(id, watermark string) bool {
	if watermark == "" {
		return true
	}
	return compareIDs(id, watermark) > 0
}
