// Package strings provides string slice utilities.
package strings

import (
	"strings"
)

// Dedupe removes repeated values from a slice. Order of first occurrence is
// preserved and empty strings are kept.
func Dedupe(values []string) []string {
	if len(values) < 2 {
		return values
	}
	seen := make(map[string]struct{}, len(values))
	result := make([]string, 0, len(values))
	for _, v := range values {
		if _, ok := seen[v]; ok {
			continue
		}
		seen[v] = struct{}{}
		result = append(result, v)
	}
	return result
}

// DedupeAndTrim trims whitespace from each element, drops empty results and
// removes duplicates. Order is preserved.
//
// Example:
//
//	DedupeAndTrim([]string{"  tasks.title ", "title", "tasks.title", ""})
//	// Returns: []string{"tasks.title", "title"}
func DedupeAndTrim(values []string) []string {
	trimmed := make([]string, 0, len(values))
	for _, v := range values {
		if t := strings.TrimSpace(v); t != "" {
			trimmed = append(trimmed, t)
		}
	}
	return Dedupe(trimmed)
}
