package dispatch

import (
	"slices"
	"strings"
)

// splitLines breaks a setting value into its non-empty lines.
func splitLines(value string) []string {
	parts := strings.Split(value, "\n")
	out := parts[:0]
	for _, p := range parts {
		if p == "" {
			continue
		}
		out = append(out, p)
	}
	return out
}

// SortLines sorts the non-empty lines of value ascending. Equal lines keep
// their relative order.
func SortLines(value string) string {
	lines := splitLines(value)
	slices.SortStableFunc(lines, strings.Compare)
	return strings.Join(lines, "\n")
}

// UniqLines drops empty and repeated lines, keeping the first occurrence.
func UniqLines(value string) string {
	lines := splitLines(value)
	seen := make(map[string]struct{}, len(lines))
	out := make([]string, 0, len(lines))
	for _, l := range lines {
		if _, ok := seen[l]; ok {
			continue
		}
		seen[l] = struct{}{}
		out = append(out, l)
	}
	return strings.Join(out, "\n")
}
