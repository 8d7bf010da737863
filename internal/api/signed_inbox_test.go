package api

import (
	"bytes"
	"context"
	"crypto/rand"
	"crypto/rsa"
	"fmt"
	"net/http"
	"net/http/httptest"
	"net/url"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/fedimirror/fedimirror/internal/fediverse"
	"github.com/fedimirror/fedimirror/internal/httpsig"
	"github.com/fedimirror/fedimirror/internal/inboxsvc"
	"github.com/fedimirror/fedimirror/internal/moderation"
	"github.com/fedimirror/fedimirror/internal/relay"
	"github.com/fedimirror/fedimirror/internal/storage/memory"
)

type stubResolver struct {
	actors map[string]*fediverse.Actor
}

func (s *stubResolver) Resolve(_ context.Context, _, uri string) (*fediverse.Actor, error) {
	actor, ok := s.actors[uri]
	if !ok {
		return nil, fmt.Errorf("unknown actor %s", uri)
	}
	return actor, nil
}

type stubDeliverer struct {
	mu         sync.Mutex
	activities []any
}

func (s *stubDeliverer) Deliver(_ context.Context, activity any, _, _, _ string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.activities = append(s.activities, activity)
	return nil
}

func (s *stubDeliverer) sent() []any {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]any(nil), s.activities...)
}

type stubSource struct{}

func (stubSource) FetchUser(_ context.Context, handle string) (relay.Profile, error) {
	return relay.Profile{Handle: handle, DisplayName: handle}, nil
}

func (stubSource) FetchNewPosts(context.Context, relay.SourceAccount) ([]relay.Post, error) {
	return nil, nil
}

type signedInboxFixture struct {
	ts        *httptest.Server
	accounts  *memory.AccountStore
	followers *memory.FollowerStore
	deliverer *stubDeliverer
	peerKey   *rsa.PrivateKey
	peerActor *fediverse.Actor
}

// newSignedInboxFixture wires the real subscription state machine behind a
// live HTTP server, with a remote peer whose key the resolver knows.
func newSignedInboxFixture(t *testing.T) *signedInboxFixture {
	t.Helper()

	relayKey, err := rsa.GenerateKey(rand.Reader, 2048)
	require.NoError(t, err)
	keys, err := fediverse.NewKeyRing("relay.example", relayKey)
	require.NoError(t, err)
	policy, err := moderation.New("none", nil)
	require.NoError(t, err)

	peerKey, err := rsa.GenerateKey(rand.Reader, 2048)
	require.NoError(t, err)
	peerPubPEM, err := httpsig.MarshalPublicKeyPEM(&peerKey.PublicKey)
	require.NoError(t, err)
	peerActor := &fediverse.Actor{
		ID:                "https://remote.example/users/bob",
		Type:              "Person",
		PreferredUsername: "bob",
		Inbox:             "https://remote.example/users/bob/inbox",
	}
	peerActor.PublicKey.ID = peerActor.ID + "#main-key"
	peerActor.PublicKey.Owner = peerActor.ID
	peerActor.PublicKey.PublicKeyPem = peerPubPEM

	clk := fakeClock{now: time.Now()}
	accounts := memory.NewAccountStore(clk)
	followers := memory.NewFollowerStore(accounts)
	deliverer := &stubDeliverer{}
	svc := inboxsvc.New(accounts, followers,
		&stubResolver{actors: map[string]*fediverse.Actor{peerActor.ID: peerActor}},
		deliverer, keys, policy, stubSource{}, clk, zaptest.NewLogger(t))

	ts := httptest.NewServer(NewServer(svc, accounts, keys, zaptest.NewLogger(t)).Handler())
	t.Cleanup(ts.Close)

	return &signedInboxFixture{
		ts:        ts,
		accounts:  accounts,
		followers: followers,
		deliverer: deliverer,
		peerKey:   peerKey,
		peerActor: peerActor,
	}
}

// signedPost builds a POST whose signature covers (request-target) host date
// digest, the header set Mastodon sends. No explicit Host header is set: the
// client derives it from the URL, and the server must surface it again for
// verification.
func (f *signedInboxFixture) signedPost(t *testing.T, body []byte) *http.Request {
	t.Helper()
	u, err := url.Parse(f.ts.URL + "/inbox")
	require.NoError(t, err)

	date := time.Now().UTC().Format(http.TimeFormat)
	digest := httpsig.ComputeDigest(body)
	components := []httpsig.Component{
		httpsig.RequestTarget(http.MethodPost, u.Path, ""),
		{Name: "host", Value: u.Host},
		{Name: "date", Value: date},
		{Name: "digest", Value: digest},
	}
	sig, err := httpsig.Sign(components, f.peerKey)
	require.NoError(t, err)

	req, err := http.NewRequest(http.MethodPost, u.String(), bytes.NewReader(body))
	require.NoError(t, err)
	req.Header.Set("Content-Type", "application/activity+json")
	req.Header.Set("Date", date)
	req.Header.Set("Digest", digest)
	req.Header.Set("Signature", httpsig.BuildHeader(f.peerActor.PublicKey.ID,
		[]string{"(request-target)", "host", "date", "digest"}, sig))
	return req
}

func TestSignedFollowOverHTTPCreatesSubscription(t *testing.T) {
	t.Parallel()
	f := newSignedInboxFixture(t)

	body := []byte(fmt.Sprintf(`{
		"id": "%s#follow/1",
		"type": "Follow",
		"actor": "%s",
		"object": "https://relay.example/users/alice"
	}`, f.peerActor.ID, f.peerActor.ID))

	resp, err := f.ts.Client().Do(f.signedPost(t, body))
	require.NoError(t, err)
	defer func() { _ = resp.Body.Close() }()
	assert.Equal(t, http.StatusAccepted, resp.StatusCode)

	account, err := f.accounts.GetByHandle(context.Background(), "alice")
	require.NoError(t, err)
	subs, err := f.followers.ListSubscribers(context.Background(), account.ID)
	require.NoError(t, err)
	require.Len(t, subs, 1)
	assert.Equal(t, f.peerActor.ID, subs[0].ActorID)

	sent := f.deliverer.sent()
	require.Len(t, sent, 1)
	response, ok := sent[0].(fediverse.Response)
	require.True(t, ok)
	assert.Equal(t, "Accept", response.Type)
}

func TestSignedFollowOverHTTPRejectsTamperedBody(t *testing.T) {
	t.Parallel()
	f := newSignedInboxFixture(t)

	body := []byte(fmt.Sprintf(`{"type": "Follow", "actor": "%s", "object": "https://relay.example/users/alice"}`,
		f.peerActor.ID))
	signed := f.signedPost(t, body)

	// Same headers, different body: the digest no longer matches.
	tampered := bytes.Replace(body, []byte("alice"), []byte("other"), 1)
	req, err := http.NewRequest(http.MethodPost, signed.URL.String(), bytes.NewReader(tampered))
	require.NoError(t, err)
	req.Header = signed.Header

	resp, err := f.ts.Client().Do(req)
	require.NoError(t, err)
	defer func() { _ = resp.Body.Close() }()
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	_, err = f.accounts.GetByHandle(context.Background(), "alice")
	assert.ErrorIs(t, err, relay.ErrNotFound)
	assert.Empty(t, f.deliverer.sent())
}
