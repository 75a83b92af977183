// Package strings normalizes list-valued input from environment variables and
// policy files.
package strings

import "strings"

// DedupeAndTrim trims each value and drops empty and repeated values,
// keeping the first occurrence in order.
func DedupeAndTrim(values []string) []string {
	return dedupe(values, strings.TrimSpace)
}

// DedupeAndTrimLower is DedupeAndTrim with case folded to lower.
func DedupeAndTrimLower(values []string) []string {
	return dedupe(values, func(v string) string {
		return strings.ToLower(strings.TrimSpace(v))
	})
}

// SplitList splits a separated value such as "k1:9092, k2:9092," into its
// distinct non-empty items. An input without items yields nil.
func SplitList(v, sep string) []string {
	items := DedupeAndTrim(strings.Split(v, sep))
	if len(items) == 0 {
		return nil
	}
	return items
}

func dedupe(values []string, normalize func(string) string) []string {
	if values == nil {
		return nil
	}
	seen := make(map[string]bool, len(values))
	out := make([]string, 0, len(values))
	for _, v := range values {
		v = normalize(v)
		if v == "" || seen[v] {
			continue
		}
		seen[v] = true
		out = append(out, v)
	}
	return out
}
