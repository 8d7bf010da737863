package fediverse

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fedimirror/fedimirror/internal/relay"
)

func TestNoteFormatter(t *testing.T) {
	t.Parallel()

	keys := testKeyRing(t)
	f := NewNoteFormatter(keys)

	account := relay.SourceAccount{ID: 7, Handle: "alice"}
	posts := []relay.Post{
		{ID: 100, Text: "first", URL: "https://source.example/alice/status/100", PublishedAt: time.Date(2024, 5, 1, 9, 0, 0, 0, time.UTC)},
		{ID: 101, Text: "second", URL: "https://source.example/alice/status/101"},
	}

	activity, ok := f.Format(account, posts).(CreateActivity)
	require.True(t, ok)

	assert.Equal(t, "Create", activity.Type)
	assert.Equal(t, ActivityContext, activity.Context)
	assert.Equal(t, "https://relay.example/users/alice", activity.Actor)
	assert.Equal(t, "https://relay.example/users/alice/statuses/101/activity", activity.ID)
	assert.Equal(t, []string{publicCollection}, activity.To)

	require.Len(t, activity.Object, 2)
	first := activity.Object[0]
	assert.Equal(t, "https://relay.example/users/alice/statuses/100", first.ID)
	assert.Equal(t, "Note", first.Type)
	assert.Equal(t, "https://relay.example/users/alice", first.AttributedTo)
	assert.Equal(t, "first", first.Content)
	assert.Equal(t, "2024-05-01T09:00:00Z", first.Published)
	assert.Empty(t, activity.Object[1].Published)
}
