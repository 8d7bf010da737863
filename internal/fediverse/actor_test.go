package fediverse

import (
	"crypto/rand"
	"crypto/rsa"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testKey(t *testing.T) *rsa.PrivateKey {
	t.Helper()
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	require.NoError(t, err)
	return key
}

func testKeyRing(t *testing.T) *KeyRing {
	t.Helper()
	keys, err := NewKeyRing("relay.example", testKey(t))
	require.NoError(t, err)
	return keys
}

func TestActorHostAndAcct(t *testing.T) {
	t.Parallel()

	actor := &Actor{ID: "https://remote.example/users/bob", PreferredUsername: "bob"}
	assert.Equal(t, "remote.example", actor.Host())
	assert.Equal(t, "bob@remote.example", actor.Acct())
}

func TestKeyRing(t *testing.T) {
	t.Parallel()

	keys := testKeyRing(t)
	assert.Equal(t, "relay.example", keys.Domain())
	assert.Equal(t, "https://relay.example/actor", keys.InstanceActorURI())
	assert.Equal(t, "https://relay.example/users/alice", keys.ActorURI("alice"))
	assert.Equal(t, "https://relay.example/users/alice#main-key", keys.KeyID(keys.ActorURI("alice")))
	assert.Contains(t, keys.PublicKeyPEM(), "BEGIN PUBLIC KEY")
}

func TestNewKeyRingValidation(t *testing.T) {
	t.Parallel()

	_, err := NewKeyRing("", testKey(t))
	assert.Error(t, err)
	_, err = NewKeyRing("relay.example", nil)
	assert.Error(t, err)
}
