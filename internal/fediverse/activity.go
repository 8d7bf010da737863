// Package fediverse implements the ActivityPub surface of the relay: the
// inbound activity union, actor documents, signed actor resolution, and
// signed delivery to remote inboxes.
package fediverse

import (
	"fmt"
	"net/url"
	"strings"

	json "github.com/goccy/go-json"
	"github.com/google/uuid"
)

// ActivityContext is the JSON-LD context stamped on outbound activities.
const ActivityContext = "https://www.w3.org/ns/activitystreams"

// Kind discriminates the closed set of inbound activities the relay handles.
type Kind int

const (
	KindUnknown Kind = iota
	KindFollow
	KindUndoFollow
	KindDelete
)

// Follow is the inbound subscription request.
type Follow struct {
	ID     string
	Actor  string
	Object string // target actor URI
}

// Inbound is the decoded inbound activity as a tagged union.
type Inbound struct {
	Kind  Kind
	ID    string
	Actor string
	// Object is the activity object URI (Follow target, Delete subject).
	Object string
	// Follow carries the nested Follow for Undo activities, or the
	// activity itself for Follow.
	Follow *Follow
	// Raw is the original Follow document, echoed back inside Accept and
	// Reject replies.
	Raw json.RawMessage
}

type wireActivity struct {
	ID     string          `json:"id"`
	Type   string          `json:"type"`
	Actor  string          `json:"actor"`
	Object json.RawMessage `json:"object"`
}

// DecodeInbound parses an inbound activity body into the closed union.
// Unrecognized types decode to KindUnknown rather than an error.
func DecodeInbound(body []byte) (Inbound, error) {
	var wire wireActivity
	if err := json.Unmarshal(body, &wire); err != nil {
		return Inbound{}, fmt.Errorf("decode activity: %w", err)
	}
	in := Inbound{ID: wire.ID, Actor: wire.Actor}

	switch wire.Type {
	case "Follow":
		in.Kind = KindFollow
		in.Object = objectURI(wire.Object)
		if in.Object == "" {
			return Inbound{}, fmt.Errorf("follow activity has no object")
		}
		in.Follow = &Follow{ID: wire.ID, Actor: wire.Actor, Object: in.Object}
		in.Raw = body
	case "Undo":
		var nested wireActivity
		if err := json.Unmarshal(wire.Object, &nested); err != nil {
			return Inbound{}, fmt.Errorf("decode undo object: %w", err)
		}
		if nested.Type != "Follow" {
			in.Kind = KindUnknown
			return in, nil
		}
		in.Kind = KindUndoFollow
		in.Object = objectURI(nested.Object)
		in.Follow = &Follow{ID: nested.ID, Actor: nested.Actor, Object: in.Object}
		in.Raw = wire.Object
	case "Delete":
		in.Kind = KindDelete
		in.Object = objectURI(wire.Object)
	default:
		in.Kind = KindUnknown
	}
	return in, nil
}

// objectURI extracts the URI from an object that is either a bare string or
// an embedded document with an id.
func objectURI(raw json.RawMessage) string {
	if len(raw) == 0 {
		return ""
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return s
	}
	var doc struct {
		ID string `json:"id"`
	}
	if err := json.Unmarshal(raw, &doc); err == nil {
		return doc.ID
	}
	return ""
}

// HandleFromActorURI derives the mirrored handle from a local actor URI,
// e.g. https://relay.example/users/alice -> alice.
func HandleFromActorURI(actorURI string) string {
	u, err := url.Parse(actorURI)
	if err != nil {
		return ""
	}
	path := strings.Trim(u.Path, "/")
	if path == "" {
		return ""
	}
	segs := strings.Split(path, "/")
	return segs[len(segs)-1]
}

// Response is a signed Accept or Reject reply to a Follow.
type Response struct {
	Context string          `json:"@context"`
	ID      string          `json:"id"`
	Type    string          `json:"type"`
	Actor   string          `json:"actor"`
	Object  json.RawMessage `json:"object"`
}

// NewAccept builds an Accept of the original Follow, issued by the target
// actor under a fresh id in its namespace.
func NewAccept(targetActor string, original json.RawMessage) Response {
	return newResponse("Accept", targetActor, original)
}

// NewReject builds a Reject of the original Follow.
func NewReject(targetActor string, original json.RawMessage) Response {
	return newResponse("Reject", targetActor, original)
}

func newResponse(kind, targetActor string, original json.RawMessage) Response {
	return Response{
		Context: ActivityContext,
		ID:      targetActor + "#" + strings.ToLower(kind) + "s/follows/" + uuid.NewString(),
		Type:    kind,
		Actor:   targetActor,
		Object:  original,
	}
}
