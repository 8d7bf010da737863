// Package api exposes the Fediverse-facing HTTP interface of the relay:
// inbound inboxes, actor documents, webfinger, and operational endpoints.
package api

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	json "github.com/goccy/go-json"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/fedimirror/fedimirror/internal/fediverse"
	"github.com/fedimirror/fedimirror/internal/inboxsvc"
	"github.com/fedimirror/fedimirror/internal/metrics"
	"github.com/fedimirror/fedimirror/internal/relay"
)

const maxBodyBytes = 256 << 10

// InboxHandler runs one inbound activity to a terminal outcome.
type InboxHandler interface {
	HandleInbox(ctx context.Context, req inboxsvc.Request) inboxsvc.Outcome
}

// Server wires HTTP handlers to the subscription state machine.
type Server struct {
	router   chi.Router
	inbox    InboxHandler
	accounts relay.AccountStore
	keys     *fediverse.KeyRing
	logger   *zap.Logger
}

// NewServer constructs a Server with middleware and routes.
func NewServer(inbox InboxHandler, accounts relay.AccountStore, keys *fediverse.KeyRing, logger *zap.Logger) *Server {
	s := &Server{
		inbox:    inbox,
		accounts: accounts,
		keys:     keys,
		logger:   logger,
	}
	r := chi.NewRouter()
	r.Use(requestIDMiddleware)
	r.Use(s.loggingMiddleware)
	r.Use(s.recoverMiddleware)
	r.Use(timeoutMiddleware(30 * time.Second))

	r.Get("/healthz", s.healthz)
	r.Get("/readyz", s.readyz)
	r.Method(http.MethodGet, "/metrics", metrics.Handler())

	r.Post("/inbox", s.postInbox)
	r.Get("/.well-known/webfinger", s.webfinger)
	r.Route("/users/{handle}", func(r chi.Router) {
		r.Get("/", s.getActor)
		r.Post("/inbox", s.postInbox)
	})

	s.router = r
	return s
}

// Handler returns the router for use with http.Server.
func (s *Server) Handler() http.Handler {
	return s.router
}

func (s *Server) healthz(w http.ResponseWriter, _ *http.Request) {
	writeJSON(s.logger, w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) readyz(w http.ResponseWriter, _ *http.Request) {
	writeJSON(s.logger, w, http.StatusOK, map[string]string{"status": "ready"})
}

// postInbox feeds the raw exchange to the state machine and maps its
// outcome to 202/401/410.
func (s *Server) postInbox(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(io.LimitReader(r.Body, maxBodyBytes))
	if err != nil {
		writeError(s.logger, w, http.StatusBadRequest, "unreadable body")
		return
	}
	// net/http strips the Host header into r.Host; inbound signatures
	// cover host, so restore it before verification.
	header := r.Header.Clone()
	if header.Get("Host") == "" && r.Host != "" {
		header.Set("Host", r.Host)
	}
	outcome := s.inbox.HandleInbox(r.Context(), inboxsvc.Request{
		Method: r.Method,
		Path:   r.URL.Path,
		Query:  r.URL.RawQuery,
		Header: header,
		Body:   body,
	})
	writeJSON(s.logger, w, outcome.HTTPStatus(), map[string]string{"outcome": outcome.String()})
}

// getActor serves the mirror actor document so remote instances can fetch
// our public key and inbox routes.
func (s *Server) getActor(w http.ResponseWriter, r *http.Request) {
	handle := chi.URLParam(r, "handle")
	if _, err := s.accounts.GetByHandle(r.Context(), handle); err != nil {
		if errors.Is(err, relay.ErrNotFound) {
			writeError(s.logger, w, http.StatusNotFound, "unknown account")
			return
		}
		writeError(s.logger, w, http.StatusInternalServerError, "account lookup failed")
		return
	}
	actorURI := s.keys.ActorURI(handle)
	doc := map[string]any{
		"@context":          []string{fediverse.ActivityContext, "https://w3id.org/security/v1"},
		"id":                actorURI,
		"type":              "Service",
		"preferredUsername": handle,
		"inbox":             actorURI + "/inbox",
		"endpoints":         map[string]string{"sharedInbox": "https://" + s.keys.Domain() + "/inbox"},
		"publicKey": map[string]string{
			"id":           s.keys.KeyID(actorURI),
			"owner":        actorURI,
			"publicKeyPem": s.keys.PublicKeyPEM(),
		},
	}
	w.Header().Set("Content-Type", "application/activity+json")
	w.WriteHeader(http.StatusOK)
	if err := json.NewEncoder(w).Encode(doc); err != nil {
		s.logger.Error("write actor document failed", zap.Error(err))
	}
}

// webfinger resolves acct:handle@domain to the mirror actor URI.
func (s *Server) webfinger(w http.ResponseWriter, r *http.Request) {
	resource := r.URL.Query().Get("resource")
	acct := strings.TrimPrefix(resource, "acct:")
	handle, domain, ok := strings.Cut(acct, "@")
	if resource == acct || !ok || domain != s.keys.Domain() {
		writeError(s.logger, w, http.StatusNotFound, "unknown resource")
		return
	}
	actorURI := s.keys.ActorURI(handle)
	writeJSON(s.logger, w, http.StatusOK, map[string]any{
		"subject": resource,
		"links": []map[string]string{{
			"rel":  "self",
			"type": "application/activity+json",
			"href": actorURI,
		}},
	})
}

func requestIDMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		reqID := uuid.NewString()
		ctx := context.WithValue(r.Context(), requestIDKey{}, reqID)
		w.Header().Set("X-Request-ID", reqID)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func (s *Server) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := &responseWriter{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(ww, r)
		s.logger.Info("request completed",
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Int("status", ww.status),
			zap.Int64("duration_ms", time.Since(start).Milliseconds()),
		)
	})
}

func (s *Server) recoverMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			if rec := recover(); rec != nil {
				s.logger.Error("panic recovered", zap.Any("error", rec))
				writeError(s.logger, w, http.StatusInternalServerError, "internal server error")
			}
		}()
		next.ServeHTTP(w, r)
	})
}

func timeoutMiddleware(d time.Duration) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.TimeoutHandler(next, d, "request timed out")
	}
}

type responseWriter struct {
	http.ResponseWriter
	status int
}

func (rw *responseWriter) WriteHeader(code int) {
	rw.status = code
	rw.ResponseWriter.WriteHeader(code)
}

func (rw *responseWriter) Write(b []byte) (int, error) {
	n, err := rw.ResponseWriter.Write(b)
	if err != nil {
		return n, fmt.Errorf("write response: %w", err)
	}
	return n, nil
}

type requestIDKey struct{}

func writeJSON(logger *zap.Logger, w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		logger.Error("write JSON failed", zap.Error(err))
	}
}

func writeError(logger *zap.Logger, w http.ResponseWriter, status int, msg string) {
	writeJSON(logger, w, status, map[string]string{"error": msg})
}
