package probe

import (
	"slices"
	"strings"
)

// NormalizeExecutables turns raw `find` output into a sorted, deduplicated
// list of relative paths. A leading "./" is stripped and names starting with
// "_" are dropped.
func NormalizeExecutables(output string) []string {
	executables := make([]string, 0)
	for _, line := range strings.Split(output, "\n") {
		line = strings.TrimSuffix(line, "\r")
		line = strings.TrimPrefix(line, "./")
		if line == "" || strings.HasPrefix(line, "_") {
			continue
		}
		executables = append(executables, line)
	}

	slices.Sort(executables)
	return slices.Compact(executables)
}
