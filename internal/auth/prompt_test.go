package auth

import (
	"bufio"
	"bytes"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestReadSecret(t *testing.T) {
	tests := []struct {
		name  string
		input string
		want  string
	}{
		{"line", "s3cret\nrest\n", "s3cret"},
		{"trimmed", "  pw with space \r\n", "pw with space"},
		{"no newline", "last", "last"},
		{"empty", "", ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			raw := strings.NewReader(tt.input)
			var prompt bytes.Buffer
			got, err := ReadSecret(raw, bufio.NewReader(raw), &prompt)
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
			assert.Equal(t, "secret: ", prompt.String())
		})
	}
}

// TestReadSecretSharesBuffer verifies input after the secret stays readable
// from the same buffered reader.
func TestReadSecretSharesBuffer(t *testing.T) {
	raw := strings.NewReader("alice\npw1\n/list\n")
	in := bufio.NewReader(raw)

	user, err := in.ReadString('\n')
	require.NoError(t, err)
	assert.Equal(t, "alice\n", user)

	secret, err := ReadSecret(raw, in, &bytes.Buffer{})
	require.NoError(t, err)
	assert.Equal(t, "pw1", secret)

	next, err := in.ReadString('\n')
	require.NoError(t, err)
	assert.Equal(t, "/list\n", next)
}
