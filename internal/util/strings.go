package util

import (
	"os"
	"strings"
)

// TrimSpaceFields trims whitespace from multiple string fields
func TrimSpaceFields(fields ...string) []string {
	result := make([]string, len(fields))
	for i, field := range fields {
		result[i] = strings.TrimSpace(field)
	}
	return result
}

// TrimAndLower trims whitespace and converts to lowercase
func TrimAndLower(s string) string {
	return strings.ToLower(strings.TrimSpace(s))
}

// TrimEmptyCheck trims whitespace and checks if non-empty
func TrimEmptyCheck(s string) (string, bool) {
	trimmed := strings.TrimSpace(s)
	return trimmed, trimmed != ""
}

// TrimWithDefault trims whitespace and returns default if empty
func TrimWithDefault(s, defaultValue string) string {
	trimmed := strings.TrimSpace(s)
	if trimmed == "" {
		return defaultValue
	}
	return trimmed
}

// SplitPathList splits every element on the OS list separator and drops
// empty entries, so `--prefix a:b --prefix c` yields [a b c].
func SplitPathList(values ...string) []string {
	var out []string
	for _, v := range values {
		for _, part := range strings.Split(v, string(os.PathListSeparator)) {
			if p, ok := TrimEmptyCheck(part); ok {
				out = append(out, p)
			}
		}
	}
	return out
}

// Dedupe removes repeated entries, keeping the first occurrence.
func Dedupe(in []string) []string {
	seen := make(map[string]struct{}, len(in))
	out := make([]string, 0, len(in))
	for _, s := range in {
		if _, ok := seen[s]; ok {
			continue
		}
		seen[s] = struct{}{}
		out = append(out, s)
	}
	return out
}
