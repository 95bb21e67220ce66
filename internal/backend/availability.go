package backend

import (
	"slices"
	"strings"
)

// Available returns a comma-separated list of registered backends.
func Available() string {
	entries := make([]string, 0, len(registry))
	for name := range registry {
		entries = append(entries, name)
	}
	slices.Sort(entries)
	return strings.Join(entries, ",")
}
