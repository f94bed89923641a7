package languages

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestNormalize(t *testing.T) {
	tests := []struct {
		in   string
		code string
		ok   bool
	}{
		{"en", "en", true},
		{"EN", "en", true},
		{"Spanish", "es", true},
		{" japanese ", "ja", true},
		{"klingon", "", false},
		{"", "", false},
	}

	for _, tt := range tests {
		code, ok := Normalize(tt.in)
		assert.Equal(t, tt.ok, ok, tt.in)
		assert.Equal(t, tt.code, code, tt.in)
	}
}
