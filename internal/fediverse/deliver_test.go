package fediverse

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/fedimirror/fedimirror/internal/httpsig"
)

// newTestDeliverer points a Client at a TLS test server and returns the
// host to deliver to.
func newTestDeliverer(t *testing.T, handler http.Handler) (*Client, string) {
	t.Helper()
	srv := httptest.NewTLSServer(handler)
	t.Cleanup(srv.Close)

	keys := testKeyRing(t)
	c := NewClient(keys, fakeClock{now: time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)}, "test-agent", zaptest.NewLogger(t))
	c.http = srv.Client()
	return c, srv.Listener.Addr().String()
}

func TestClientDeliver(t *testing.T) {
	t.Parallel()

	var (
		gotPath   string
		gotHeader http.Header
		gotBody   []byte
	)
	c, host := newTestDeliverer(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		gotHeader = r.Header.Clone()
		gotBody, _ = io.ReadAll(r.Body)
		w.WriteHeader(http.StatusAccepted)
	}))

	activity := map[string]string{"type": "Create"}
	signingActor := "https://relay.example/users/alice"
	err := c.Deliver(context.Background(), activity, host, signingActor, "/users/bob/inbox")
	require.NoError(t, err)

	assert.Equal(t, "/users/bob/inbox", gotPath)
	assert.Equal(t, "application/activity+json", gotHeader.Get("Content-Type"))
	assert.Equal(t, "test-agent", gotHeader.Get("User-Agent"))
	assert.Equal(t, httpsig.ComputeDigest(gotBody), gotHeader.Get("Digest"))

	params, err := httpsig.ParseHeader(gotHeader.Get("Signature"))
	require.NoError(t, err)
	assert.Equal(t, signingActor+"#main-key", params.KeyID)
	assert.Contains(t, params.Headers, "digest")
}

func TestClientDeliverDefaultsInboxPath(t *testing.T) {
	t.Parallel()

	var gotPath string
	c, host := newTestDeliverer(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		w.WriteHeader(http.StatusOK)
	}))

	require.NoError(t, c.Deliver(context.Background(), map[string]string{}, host, "https://relay.example/users/alice", ""))
	assert.Equal(t, DefaultInboxPath, gotPath)
}

func TestClientDeliverStatusErrors(t *testing.T) {
	t.Parallel()

	c, host := newTestDeliverer(t, http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusForbidden)
	}))

	err := c.Deliver(context.Background(), map[string]string{}, host, "https://relay.example/users/alice", "")
	require.Error(t, err)

	var de *DeliveryError
	require.ErrorAs(t, err, &de)
	assert.Equal(t, http.StatusForbidden, de.StatusCode)
	assert.Equal(t, host, de.Host)
	assert.True(t, IsForbidden(err))
}

func TestIsForbidden(t *testing.T) {
	t.Parallel()

	assert.True(t, IsForbidden(&DeliveryError{StatusCode: 403}))
	assert.False(t, IsForbidden(&DeliveryError{StatusCode: 500}))
	assert.False(t, IsForbidden(context.Canceled))
	assert.False(t, IsForbidden(nil))
}
