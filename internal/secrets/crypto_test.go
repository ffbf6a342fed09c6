package secrets

import (
	"errors"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSealOpenRoundTrip(t *testing.T) {
	sealed, err := Seal("AIza-test-key", "hunter2")
	require.NoError(t, err)
	assert.True(t, IsSealed(sealed))
	assert.NotContains(t, sealed, "AIza-test-key")

	plain, err := Open(sealed, "hunter2")
	require.NoError(t, err)
	assert.Equal(t, "AIza-test-key", plain)
}

func TestOpenWrongPassword(t *testing.T) {
	sealed, err := Seal("secret", "right")
	require.NoError(t, err)

	_, err = Open(sealed, "wrong")
	assert.True(t, errors.Is(err, ErrInvalidPassword))
}

func TestOpenPlainValuePassesThrough(t *testing.T) {
	plain, err := Open("sk-plain", "")
	require.NoError(t, err)
	assert.Equal(t, "sk-plain", plain)
}

func TestOpenWithoutPassword(t *testing.T) {
	_, err := Open(SealedPrefix+"abc", "")
	assert.ErrorIs(t, err, ErrNoPassword)
}

func TestOpenMalformed(t *testing.T) {
	_, err := Open(SealedPrefix+"!!!not-base64", "pw")
	assert.ErrorIs(t, err, ErrInvalidEnvelope)

	_, err = Open(SealedPrefix+strings.Repeat("A", 8), "pw")
	assert.ErrorIs(t, err, ErrInvalidEnvelope)
}

func TestSealEmpty(t *testing.T) {
	sealed, err := Seal("", "pw")
	require.NoError(t, err)
	assert.Empty(t, sealed)
}
