package collab

import (
	"testing"
	"time"

	"github.com/go-playground/assert/v2"
)

func TestAccessTokenRoundTrip(t *testing.T) {
	clientId := NewId()
	token, err := NewAccessToken("alice", clientId, []byte("broker secret"), 1*time.Hour)
	assert.Equal(t, err, nil)

	claims, err := ParseAccessTokenUnverified(token)
	assert.Equal(t, err, nil)
	assert.Equal(t, claims.User, "alice")
	assert.Equal(t, claims.ClientId, clientId)
}

func TestCredentialsModes(t *testing.T) {
	clientId := NewId()

	// standard mode presents the raw secret
	standard, err := NewCredentials(ModeStandard, "bob", clientId, "raw secret", 1*time.Hour)
	assert.Equal(t, err, nil)
	assert.Equal(t, standard.Username, "bob")
	assert.Equal(t, standard.Password, "raw secret")

	// secure mode presents a minted token bound to the client id
	secure, err := NewCredentials(ModeSecure, "bob", clientId, "signing secret", 1*time.Hour)
	assert.Equal(t, err, nil)
	assert.Equal(t, secure.Username, "bob")
	assert.NotEqual(t, secure.Password, "signing secret")

	claims, err := ParseAccessTokenUnverified(secure.Password)
	assert.Equal(t, err, nil)
	assert.Equal(t, claims.User, "bob")
	assert.Equal(t, claims.ClientId, clientId)
}

func TestAccessTokenParseRejectsGarbage(t *testing.T) {
	_, err := ParseAccessTokenUnverified("not a token")
	assert.NotEqual(t, err, nil)
}
