package store

import "strings"

// NormalizeTopics trims entries, drops empties and removes case-insensitive
// duplicates, keeping the first spelling. Multi-word topics stay whole.
func NormalizeTopics(in []string) []string {
	out := make([]string, 0, len(in))
	seen := make(map[string]struct{}, len(in))
	for _, t := range in {
		t = strings.Join(strings.Fields(t), " ")
		if t == "" {
			continue
		}
		k := strings.ToLower(t)
		if _, ok := seen[k]; ok {
			continue
		}
		seen[k] = struct{}{}
		out = append(out, t)
	}
	return out
}
