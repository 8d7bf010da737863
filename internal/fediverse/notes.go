package fediverse

import (
	"fmt"
	"time"

	"github.com/fedimirror/fedimirror/internal/relay"
)

const publicCollection = "https://www.w3.org/ns/activitystreams#Public"

// Note is an ActivityStreams Note object.
type Note struct {
	ID           string   `json:"id"`
	Type         string   `json:"type"`
	AttributedTo string   `json:"attributedTo"`
	Content      string   `json:"content"`
	URL          string   `json:"url,omitempty"`
	Published    string   `json:"published,omitempty"`
	To           []string `json:"to"`
}

// CreateActivity wraps one or more Notes in a Create activity addressed to
// the public collection. Subscriber delivery targeting happens at the
// transport layer, not in the payload.
type CreateActivity struct {
	Context string   `json:"@context"`
	ID      string   `json:"id"`
	Type    string   `json:"type"`
	Actor   string   `json:"actor"`
	To      []string `json:"to"`
	Object  []Note   `json:"object"`
}

// NoteFormatter renders relayed posts as Create/Note activities attributed to
// the account's mirror actor on this instance.
type NoteFormatter struct {
	keys *KeyRing
}

// NewNoteFormatter builds a NoteFormatter.
func NewNoteFormatter(keys *KeyRing) *NoteFormatter {
	return &NoteFormatter{keys: keys}
}

// Format implements the fan-out payload contract.
func (f *NoteFormatter) Format(account relay.SourceAccount, posts []relay.Post) any {
	actor := f.keys.ActorURI(account.Handle)
	to := []string{publicCollection}

	notes := make([]Note, 0, len(posts))
	var newest int64
	for _, post := range posts {
		if post.ID > newest {
			newest = post.ID
		}
		note := Note{
			ID:           fmt.Sprintf("%s/statuses/%d", actor, post.ID),
			Type:         "Note",
			AttributedTo: actor,
			Content:      post.Text,
			URL:          post.URL,
			To:           to,
		}
		if !post.PublishedAt.IsZero() {
			note.Published = post.PublishedAt.UTC().Format(time.RFC3339)
		}
		notes = append(notes, note)
	}

	return CreateActivity{
		Context: ActivityContext,
		ID:      fmt.Sprintf("%s/statuses/%d/activity", actor, newest),
		Type:    "Create",
		Actor:   actor,
		To:      to,
		Object:  notes,
	}
}
