package engine

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestNoiseDiagnostics(t *testing.T) {
	f := noiseFilter{patterns: DefaultNoisePatterns}

	tests := []struct {
		name   string
		stderr string
		want   []string
	}{
		{"Empty", "", nil},
		{"OnlyBlank", "\n  \n\t\n", nil},
		{"OnlyNoise", "Picked up JAVA_TOOL_OPTIONS: -Xmx64m\nPicked up _JAVA_OPTIONS: -Xss1m\n", nil},
		{"RealError", "Main.java:3: error: ';' expected\n", []string{"Main.java:3: error: ';' expected"}},
		{
			"MixedKeepsOrder",
			"Picked up JAVA_TOOL_OPTIONS: x\nfirst\n\nsecond\n",
			[]string{"first", "second"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, f.diagnostics(tt.stderr))
		})
	}
}

func TestNoiseStrip(t *testing.T) {
	f := noiseFilter{patterns: DefaultNoisePatterns}

	assert.Equal(t, "", f.strip("Picked up JAVA_TOOL_OPTIONS: -Xmx64m\n"))
	assert.Equal(t, "boom\n", f.strip("Picked up _JAVA_OPTIONS: a\nboom\n"))
	assert.Equal(t, "partial line", f.strip("partial line"))
	assert.Equal(t, "\n", f.strip("\n"), "blank runtime stderr is not noise")

	none := noiseFilter{}
	assert.Equal(t, "Picked up JAVA_TOOL_OPTIONS\n", none.strip("Picked up JAVA_TOOL_OPTIONS\n"))
}
