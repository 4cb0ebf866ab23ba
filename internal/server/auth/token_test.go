package auth

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var testSecret = []byte("test-secret")

func TestRoomToken_RoundTrip(t *testing.T) {
	token, err := NewRoomToken(testSecret, "room-1", time.Hour)
	require.NoError(t, err)
	require.NotEmpty(t, token)

	verifier := NewVerifier(testSecret)
	assert.NoError(t, verifier.Verify(token, "room-1"))
}

func TestVerifier_WrongSecret(t *testing.T) {
	token, err := NewRoomToken(testSecret, "room-1", time.Hour)
	require.NoError(t, err)

	verifier := NewVerifier([]byte("other-secret"))
	assert.ErrorIs(t, verifier.Verify(token, "room-1"), ErrInvalidToken)
}

func TestVerifier_WrongRoom(t *testing.T) {
	token, err := NewRoomToken(testSecret, "room-1", time.Hour)
	require.NoError(t, err)

	verifier := NewVerifier(testSecret)
	assert.ErrorIs(t, verifier.Verify(token, "room-2"), ErrWrongRoom)
}

func TestVerifier_WildcardRoom(t *testing.T) {
	// Room "*" дает доступ к любой комнате
	token, err := NewRoomToken(testSecret, "*", time.Hour)
	require.NoError(t, err)

	verifier := NewVerifier(testSecret)
	assert.NoError(t, verifier.Verify(token, "room-1"))
	assert.NoError(t, verifier.Verify(token, "room-2"))
}

func TestVerifier_ExpiredToken(t *testing.T) {
	token, err := NewRoomToken(testSecret, "room-1", -time.Minute)
	require.NoError(t, err)

	verifier := NewVerifier(testSecret)
	assert.ErrorIs(t, verifier.Verify(token, "room-1"), ErrInvalidToken)
}

func TestVerifier_GarbageToken(t *testing.T) {
	verifier := NewVerifier(testSecret)
	assert.ErrorIs(t, verifier.Verify("not-a-token", "room-1"), ErrInvalidToken)
	assert.ErrorIs(t, verifier.Verify("", "room-1"), ErrInvalidToken)
}
