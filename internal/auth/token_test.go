// ABOUTME: Tests for link token mint/verify round trips and failure modes
// ABOUTME: Covers expiry, wrong secret, and malformed tokens

package auth

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTokens_Verify_RoundTrip(t *testing.T) {
	tokens := New([]byte("a-shared-secret-of-sufficient-length"))

	signed, err := tokens.Mint("town-warden", time.Hour)
	require.NoError(t, err)

	peer, err := tokens.Verify(signed)
	require.NoError(t, err)
	assert.Equal(t, "town-warden", peer)
}

func TestTokens_Verify_RejectsExpired(t *testing.T) {
	tokens := New([]byte("a-shared-secret-of-sufficient-length"))

	signed, err := tokens.Mint("town-warden", -time.Minute)
	require.NoError(t, err)

	_, err = tokens.Verify(signed)
	assert.ErrorIs(t, err, ErrExpiredToken)
}

func TestTokens_Verify_RejectsWrongSecret(t *testing.T) {
	minter := New([]byte("a-shared-secret-of-sufficient-length"))
	verifier := New([]byte("a-different-secret-entirely-here!!"))

	signed, err := minter.Mint("town-warden", time.Hour)
	require.NoError(t, err)

	_, err = verifier.Verify(signed)
	assert.ErrorIs(t, err, ErrInvalidToken)
}

func TestTokens_Verify_RejectsGarbage(t *testing.T) {
	tokens := New([]byte("a-shared-secret-of-sufficient-length"))

	_, err := tokens.Verify("not-a-jwt")
	assert.ErrorIs(t, err, ErrInvalidToken)
}
