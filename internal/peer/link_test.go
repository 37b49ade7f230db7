package peer

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestShareLink(t *testing.T) {
	assert.Equal(t, "https://share.example/?id=ab12cd", ShareLink("https://share.example/", "ab12cd"))
	assert.Equal(t, "http://localhost:3000/?id=ab12cd", ShareLink("http://localhost:3000", "ab12cd"))
}

func TestParseShareTarget(t *testing.T) {
	tests := []struct {
		in   string
		want string
		ok   bool
	}{
		{"ab12cd", "ab12cd", true},
		{"  AB12cd\n", "AB12cd", true},
		{"https://share.example/?id=ab12cd", "ab12cd", true},
		{"http://localhost:3000/?id=x9&foo=bar", "x9", true},
		{"https://share.example/", "", false},
		{"https://share.example/?other=1", "", false},
		{"", "", false},
		{"a/b", "", false},
	}
	for _, tt := range tests {
		got, err := ParseShareTarget(tt.in)
		if !tt.ok {
			assert.ErrorIs(t, err, ErrInvalidShareTarget, "input %q", tt.in)
			continue
		}
		require.NoError(t, err, "input %q", tt.in)
		assert.Equal(t, tt.want, got)
	}
}
