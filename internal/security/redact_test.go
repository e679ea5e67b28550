package security

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestRedactKnownSecrets(t *testing.T) {
	r, err := NewRedactor("grep-supersecret-key", "")
	require.NoError(t, err)

	out := r.Redact("request with key grep-supersecret-key failed twice: grep-supersecret-key")
	require.NotContains(t, out, "grep-supersecret-key")
	require.Contains(t, out, "grep****************")
}

func TestRedactShortSecretFullyMasked(t *testing.T) {
	r, err := NewRedactor("abcd")
	require.NoError(t, err)

	require.NotContains(t, r.Redact("token abcd rejected"), "abcd")
}

func TestRedactEmptyText(t *testing.T) {
	r, err := NewRedactor()
	require.NoError(t, err)

	require.Empty(t, r.Redact(""))
}
