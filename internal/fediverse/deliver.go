package fediverse

import (
	"bytes"
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

// DefaultInboxPath is used when a subscriber carries no inbox route.
const DefaultInboxPath = "/inbox"

// Deliveries must not stall the pipeline, so the whole exchange is bounded.
const deliveryTimeout = 2 * time.Second

// DeliveryError is a non-2xx response from a remote inbox.
type DeliveryError struct {
	StatusCode int
	Host       string
}

func (e *DeliveryError) Error() string {
	return fmt.Sprintf("deliver to %s: status %d", e.Host, e.StatusCode)
}

// IsForbidden reports whether err is a 403 from the remote, which the
// pipeline treats as a permanent rejection of the relationship.
func IsForbidden(err error) bool {
	var de *DeliveryError
	return errors.As(err, &de) && de.StatusCode == http.StatusForbidden
}

// Deliverer sends one signed activity to a remote inbox.
type Deliverer interface {
	Deliver(ctx context.Context, activity any, targetHost, signingActor, inboxPath string) error
}

// Client implements Deliverer over HTTPS with HTTP Signature auth.
type Client struct {
	http      *http.Client
	keys      *KeyRing
	clock     relay.Clock
	userAgent string
	logger    *zap.Logger
}

// NewClient constructs a delivery Client.
func NewClient(keys *KeyRing, clock relay.Clock, userAgent string, logger *zap.Logger) *Client {
	return &Client{
		http:      &http.Client{Timeout: deliveryTimeout},
		keys:      keys,
		clock:     clock,
		userAgent: userAgent,
		logger:    logger,
	}
}

// Deliver serializes the activity and POSTs it to the target inbox, signed
// as signingActor. A non-2xx response yields a *DeliveryError carrying the
// status.
func (c *Client) Deliver(ctx context.Context, activity any, targetHost, signingActor, inboxPath string) error {
	body, err := json.Marshal(activity)
	if err != nil {
		return fmt.Errorf("marshal activity: %w", err)
	}
	if inboxPath == "" {
		inboxPath = DefaultInboxPath
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, "https://"+targetHost+inboxPath, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("build delivery request: %w", err)
	}
	req.Header.Set("Content-Type", "application/activity+json")
	req.Header.Set("User-Agent", c.userAgent)
	keyID := c.keys.KeyID(signingActor)
	if err := signRequest(req, keyID, c.keys.PrivateKey(), body, c.clock.Now()); err != nil {
		return fmt.Errorf("sign delivery request: %w", err)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("deliver to %s: %w", targetHost, err)
	}
	defer func() {
		_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))
		if cerr := resp.Body.Close(); cerr != nil {
			c.logger.Debug("close delivery response body", zap.Error(cerr))
		}
	}()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return &DeliveryError{StatusCode: resp.StatusCode, Host: targetHost}
	}
	return nil
}
