package engine

import "strings"

// DefaultNoisePatterns are toolchain notices written to stderr that are not errors.
var DefaultNoisePatterns = []string{
	"Picked up JAVA_TOOL_OPTIONS",
	"Picked up _JAVA_OPTIONS",
}

type noiseFilter struct {
	patterns []string
}

func (f noiseFilter) isNoise(line string) bool {
	for _, p := range f.patterns {
		if strings.Contains(line, p) {
			return true
		}
	}
	return false
}

// diagnostics returns the lines of compiler stderr that are neither blank nor noise.
func (f noiseFilter) diagnostics(stderr string) []string {
	var lines []string
	for _, line := range strings.Split(strings.TrimSpace(stderr), "\n") {
		if strings.TrimSpace(line) == "" || f.isNoise(line) {
			continue
		}
		lines = append(lines, line)
	}
	return lines
}

// strip removes noise lines from a runtime stderr chunk and keeps everything
// else verbatim, line endings included.
func (f noiseFilter) strip(chunk string) string {
	if len(f.patterns) == 0 {
		return chunk
	}
	var b strings.Builder
	for _, line := range strings.SplitAfter(chunk, "\n") {
		if line == "" || f.isNoise(line) {
			continue
		}
		b.WriteString(line)
	}
	return b.String()
}
