package peerid

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestGenerateUsesTagPrefix(t *testing.T) {
	id, err := Generate("-CT0001-")
	require.NoError(t, err)
	assert.Equal(t, "-CT0001-", string(id[:8]))
}

func TestGenerateRandomisesSuffix(t *testing.T) {
	a, err := Generate("-CT0001-")
	require.NoError(t, err)
	b, err := Generate("-CT0001-")
	require.NoError(t, err)
	assert.NotEqual(t, a[8:], b[8:])
}

func TestGenerateRejectsWrongTagLength(t *testing.T) {
	_, err := Generate("short")
	require.Error(t, err)
}
