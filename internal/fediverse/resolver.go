package fediverse

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	json "github.com/goccy/go-json"
	"go.uber.org/zap"

	"github.com/fedimirror/fedimirror/internal/relay"
)

// ErrActorGone signals a 410 from the remote: the actor has been deleted.
// Callers treat it as a soft-delete of the relationship, not a retryable
// failure.
var ErrActorGone = errors.New("remote actor is gone")

// ActorCache caches resolved actor documents between signature validations.
type ActorCache interface {
	Get(ctx context.Context, uri string) (*Actor, bool)
	Set(ctx context.Context, uri string, actor *Actor)
}

const (
	resolveTimeout = 10 * time.Second
	maxActorBytes  = 1 << 20
)

// Resolver fetches remote actor documents over signed GET requests.
type Resolver struct {
	http      *http.Client
	keys      *KeyRing
	cache     ActorCache
	clock     relay.Clock
	userAgent string
	logger    *zap.Logger
}

// NewResolver constructs a Resolver. cache may be nil to disable caching.
func NewResolver(keys *KeyRing, cache ActorCache, clock relay.Clock, userAgent string, logger *zap.Logger) *Resolver {
	return &Resolver{
		http:      &http.Client{Timeout: resolveTimeout},
		keys:      keys,
		cache:     cache,
		clock:     clock,
		userAgent: userAgent,
		logger:    logger,
	}
}

// Resolve fetches the actor document at remoteActorURI, signing the GET as
// signingActor. Repeated calls for the same URI within one validation flow
// are cheap when a cache is configured.
func (r *Resolver) Resolve(ctx context.Context, signingActor, remoteActorURI string) (*Actor, error) {
	if r.cache != nil {
		if actor, ok := r.cache.Get(ctx, remoteActorURI); ok {
			return actor, nil
		}
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, remoteActorURI, nil)
	if err != nil {
		return nil, fmt.Errorf("build actor request: %w", err)
	}
	req.Header.Set("Accept", "application/activity+json")
	req.Header.Set("User-Agent", r.userAgent)
	keyID := r.keys.KeyID(signingActor)
	if err := signRequest(req, keyID, r.keys.PrivateKey(), nil, r.clock.Now()); err != nil {
		return nil, fmt.Errorf("sign actor request: %w", err)
	}

	resp, err := r.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("fetch actor %s: %w", remoteActorURI, err)
	}
	defer func() {
		if cerr := resp.Body.Close(); cerr != nil {
			r.logger.Debug("close actor response body", zap.Error(cerr))
		}
	}()

	if resp.StatusCode == http.StatusGone {
		return nil, fmt.Errorf("actor %s: %w", remoteActorURI, ErrActorGone)
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, fmt.Errorf("fetch actor %s: unexpected status %d", remoteActorURI, resp.StatusCode)
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxActorBytes))
	if err != nil {
		return nil, fmt.Errorf("read actor body: %w", err)
	}
	var actor Actor
	if err := json.Unmarshal(body, &actor); err != nil {
		return nil, fmt.Errorf("decode actor document: %w", err)
	}
	if actor.ID == "" {
		return nil, fmt.Errorf("actor document %s has no id", remoteActorURI)
	}

	if r.cache != nil {
		r.cache.Set(ctx, remoteActorURI, &actor)
	}
	return &actor, nil
}
