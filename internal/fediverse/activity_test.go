package fediverse

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDecodeInbound(t *testing.T) {
	t.Parallel()

	t.Run("follow with string object", func(t *testing.T) {
		body := []byte(`{
			"id": "https://remote.example/activities/1",
			"type": "Follow",
			"actor": "https://remote.example/users/bob",
			"object": "https://relay.example/users/alice"
		}`)
		in, err := DecodeInbound(body)
		require.NoError(t, err)
		assert.Equal(t, KindFollow, in.Kind)
		assert.Equal(t, "https://remote.example/users/bob", in.Actor)
		assert.Equal(t, "https://relay.example/users/alice", in.Object)
		require.NotNil(t, in.Follow)
		assert.Equal(t, in.Actor, in.Follow.Actor)
		assert.Equal(t, string(body), string(in.Raw))
	})

	t.Run("follow with embedded object", func(t *testing.T) {
		in, err := DecodeInbound([]byte(`{
			"type": "Follow",
			"actor": "https://remote.example/users/bob",
			"object": {"id": "https://relay.example/users/alice"}
		}`))
		require.NoError(t, err)
		assert.Equal(t, KindFollow, in.Kind)
		assert.Equal(t, "https://relay.example/users/alice", in.Object)
	})

	t.Run("follow without object is an error", func(t *testing.T) {
		_, err := DecodeInbound([]byte(`{"type": "Follow", "actor": "https://remote.example/users/bob"}`))
		assert.Error(t, err)
	})

	t.Run("undo of follow", func(t *testing.T) {
		in, err := DecodeInbound([]byte(`{
			"type": "Undo",
			"actor": "https://remote.example/users/bob",
			"object": {
				"id": "https://remote.example/activities/1",
				"type": "Follow",
				"actor": "https://remote.example/users/bob",
				"object": "https://relay.example/users/alice"
			}
		}`))
		require.NoError(t, err)
		assert.Equal(t, KindUndoFollow, in.Kind)
		assert.Equal(t, "https://relay.example/users/alice", in.Object)
		require.NotNil(t, in.Follow)
		assert.Equal(t, "https://remote.example/users/bob", in.Follow.Actor)
	})

	t.Run("undo of something else is unknown", func(t *testing.T) {
		in, err := DecodeInbound([]byte(`{
			"type": "Undo",
			"actor": "https://remote.example/users/bob",
			"object": {"type": "Like", "object": "https://relay.example/notes/1"}
		}`))
		require.NoError(t, err)
		assert.Equal(t, KindUnknown, in.Kind)
	})

	t.Run("delete", func(t *testing.T) {
		in, err := DecodeInbound([]byte(`{
			"type": "Delete",
			"actor": "https://remote.example/users/bob",
			"object": "https://remote.example/users/bob"
		}`))
		require.NoError(t, err)
		assert.Equal(t, KindDelete, in.Kind)
		assert.Equal(t, "https://remote.example/users/bob", in.Object)
	})

	t.Run("unrecognized type is unknown, not an error", func(t *testing.T) {
		in, err := DecodeInbound([]byte(`{"type": "Announce", "actor": "x", "object": "y"}`))
		require.NoError(t, err)
		assert.Equal(t, KindUnknown, in.Kind)
	})

	t.Run("garbage body is an error", func(t *testing.T) {
		_, err := DecodeInbound([]byte(`{not json`))
		assert.Error(t, err)
	})
}

func TestHandleFromActorURI(t *testing.T) {
	t.Parallel()

	assert.Equal(t, "alice", HandleFromActorURI("https://relay.example/users/alice"))
	assert.Equal(t, "alice", HandleFromActorURI("https://relay.example/users/alice/"))
	assert.Equal(t, "actor", HandleFromActorURI("https://relay.example/actor"))
	assert.Equal(t, "", HandleFromActorURI("https://relay.example/"))
	assert.Equal(t, "", HandleFromActorURI("://bad"))
}

func TestAcceptReject(t *testing.T) {
	t.Parallel()

	original := []byte(`{"type":"Follow","actor":"https://remote.example/users/bob"}`)
	target := "https://relay.example/users/alice"

	accept := NewAccept(target, original)
	assert.Equal(t, "Accept", accept.Type)
	assert.Equal(t, target, accept.Actor)
	assert.Equal(t, ActivityContext, accept.Context)
	assert.True(t, strings.HasPrefix(accept.ID, target+"#accepts/follows/"))
	assert.Equal(t, string(original), string(accept.Object))

	reject := NewReject(target, original)
	assert.Equal(t, "Reject", reject.Type)
	assert.True(t, strings.HasPrefix(reject.ID, target+"#rejects/follows/"))

	// Fresh ids per response.
	assert.NotEqual(t, accept.ID, NewAccept(target, original).ID)
}
