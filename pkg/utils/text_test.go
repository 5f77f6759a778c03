package utils

import (
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestTokenize(t *testing.T) {
	assert.Equal(t, []string{"find", "port_scan", "tools"}, Tokenize("Find PORT_SCAN tools!"))
	assert.Empty(t, Tokenize("  ?! "))
}

func TestUniqueTokens_RespectsMax(t *testing.T) {
	assert.Equal(t, []string{"a", "b"}, UniqueTokens("a b a c", 2))
	assert.Equal(t, []string{"a", "b", "c"}, UniqueTokens("a b a c", 0))
}

func TestJaccard(t *testing.T) {
	tests := []struct {
		name string
		a, b string
		want float64
	}{
		{name: "identical", a: "scan network", b: "network scan", want: 1},
		{name: "half", a: "scan network", b: "scan host", want: 1.0 / 3.0},
		{name: "disjoint", a: "scan", b: "deploy", want: 0},
		{name: "empty", a: "", b: "", want: 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.InDelta(t, tt.want, Jaccard(TokenSet(tt.a), TokenSet(tt.b)), 1e-9)
		})
	}
}

func TestNormalizeAndClamp(t *testing.T) {
	assert.Equal(t, "find nmap", Normalize("  Find \t NMAP "))
	assert.Equal(t, 0.0, Clamp01(-1))
	assert.Equal(t, 1.0, Clamp01(3))
	assert.Equal(t, 0.4, Clamp01(0.4))
	assert.Equal(t, 0.0, Clamp01(math.NaN()))
}
