// Package inboxsvc implements the inbound subscription state machine:
// authenticating Follow, Undo(Follow), and Delete activities against the
// sender's resolved key, applying moderation policy, mutating the
// follower/account relation, and replying with a signed Accept or Reject.
package inboxsvc

import (
	"context"
	"errors"
	"net/http"
	"net/url"
	"time"

	"go.uber.org/zap"

	"github.com/fedimirror/fedimirror/internal/fediverse"
	"github.com/fedimirror/fedimirror/internal/httpsig"
	"github.com/fedimirror/fedimirror/internal/metrics"
	"github.com/fedimirror/fedimirror/internal/moderation"
	"github.com/fedimirror/fedimirror/internal/relay"
)

// Outcome is the terminal state of one inbound activity.
type Outcome int

const (
	// OutcomeIgnored covers unknown or no-op activities; still 202.
	OutcomeIgnored Outcome = iota
	OutcomeAccepted
	OutcomeRejected
	OutcomeUnauthorized
	OutcomeGone
)

// HTTPStatus maps the outcome onto the Fediverse-facing response code.
func (o Outcome) HTTPStatus() int {
	switch o {
	case OutcomeUnauthorized:
		return http.StatusUnauthorized
	case OutcomeGone:
		return http.StatusGone
	default:
		return http.StatusAccepted
	}
}

func (o Outcome) String() string {
	switch o {
	case OutcomeAccepted:
		return "accepted"
	case OutcomeRejected:
		return "rejected"
	case OutcomeUnauthorized:
		return "unauthorized"
	case OutcomeGone:
		return "gone"
	default:
		return "ignored"
	}
}

// Request carries the inbound HTTP exchange's metadata and body.
type Request struct {
	Method string
	Path   string
	Query  string
	Header http.Header
	Body   []byte
}

// ActorResolver resolves remote actor documents (see fediverse.Resolver).
type ActorResolver interface {
	Resolve(ctx context.Context, signingActor, remoteActorURI string) (*fediverse.Actor, error)
}

// errNotValidated is the single authentication failure the caller sees; the
// cause stays in debug logs.
var errNotValidated = errors.New("request not validated")

// Date headers further than this from our clock fail authentication.
const dateSkewTolerance = 12 * time.Hour

// Service is the subscription state machine.
type Service struct {
	accounts  relay.AccountStore
	followers relay.FollowerStore
	resolver  ActorResolver
	deliver   fediverse.Deliverer
	keys      *fediverse.KeyRing
	policy    *moderation.Policy
	source    relay.SourceClient
	clock     relay.Clock
	logger    *zap.Logger
}

// New constructs a Service.
func New(
	accounts relay.AccountStore,
	followers relay.FollowerStore,
	resolver ActorResolver,
	deliver fediverse.Deliverer,
	keys *fediverse.KeyRing,
	policy *moderation.Policy,
	source relay.SourceClient,
	clock relay.Clock,
	logger *zap.Logger,
) *Service {
	return &Service{
		accounts:  accounts,
		followers: followers,
		resolver:  resolver,
		deliver:   deliver,
		keys:      keys,
		policy:    policy,
		source:    source,
		clock:     clock,
		logger:    logger,
	}
}

// HandleInbox decodes and runs one inbound activity to a terminal outcome.
// An unauthenticated request never mutates state.
func (s *Service) HandleInbox(ctx context.Context, req Request) Outcome {
	in, err := fediverse.DecodeInbound(req.Body)
	if err != nil {
		s.logger.Debug("undecodable inbound activity", zap.Error(err))
		metrics.ObserveInboundActivity("invalid", OutcomeIgnored.String())
		return OutcomeIgnored
	}

	var outcome Outcome
	var kind string
	switch in.Kind {
	case fediverse.KindFollow:
		kind = "follow"
		outcome = s.handleFollow(ctx, req, in)
	case fediverse.KindUndoFollow:
		kind = "undo"
		outcome = s.handleUndo(ctx, req, in)
	case fediverse.KindDelete:
		kind = "delete"
		outcome = s.handleDelete(ctx, req, in)
	default:
		kind = "unknown"
		outcome = OutcomeIgnored
	}
	metrics.ObserveInboundActivity(kind, outcome.String())
	return outcome
}

// authenticate resolves actorURI and verifies the request signature with
// its key. ErrActorGone passes through; every other failure collapses to
// errNotValidated.
func (s *Service) authenticate(ctx context.Context, req Request, actorURI string) (*fediverse.Actor, error) {
	params, err := httpsig.ParseHeader(req.Header.Get("Signature"))
	if err != nil {
		s.logger.Debug("signature header rejected", zap.Error(err))
		return nil, errNotValidated
	}
	if !httpsig.WithinSkew(req.Header.Get("Date"), s.clock.Now(), dateSkewTolerance) {
		s.logger.Debug("date header outside tolerance")
		return nil, errNotValidated
	}

	actor, err := s.resolver.Resolve(ctx, s.keys.InstanceActorURI(), actorURI)
	if err != nil {
		if errors.Is(err, fediverse.ErrActorGone) {
			return nil, err
		}
		s.logger.Debug("actor resolution failed", zap.String("actor", actorURI), zap.Error(err))
		return nil, errNotValidated
	}
	pub, err := httpsig.ParsePublicKeyPEM(actor.PublicKey.PublicKeyPem)
	if err != nil {
		s.logger.Debug("actor public key rejected", zap.String("actor", actorURI), zap.Error(err))
		return nil, errNotValidated
	}
	if !httpsig.VerifyParams(params, req.Method, req.Path, req.Query, req.Header, req.Body, pub) {
		return nil, errNotValidated
	}
	return actor, nil
}

func (s *Service) handleFollow(ctx context.Context, req Request, in fediverse.Inbound) Outcome {
	actor, err := s.authenticate(ctx, req, in.Actor)
	if errors.Is(err, fediverse.ErrActorGone) {
		// The requester no longer exists; nothing to create.
		return OutcomeGone
	}
	if err != nil {
		return OutcomeUnauthorized
	}

	handle := fediverse.HandleFromActorURI(in.Object)
	if handle == "" {
		return OutcomeIgnored
	}
	targetActor := s.keys.ActorURI(handle)

	if !s.policy.AllowFollower(actor.Acct(), actor.Host()) || !s.policy.AllowTarget(handle) {
		s.reply(ctx, fediverse.NewReject(targetActor, in.Raw), actor, handle)
		return OutcomeRejected
	}

	account, err := s.accounts.GetByHandle(ctx, handle)
	if errors.Is(err, relay.ErrNotFound) {
		account, err = s.createAccount(ctx, handle)
		if errors.Is(err, errAccountProtected) {
			s.reply(ctx, fediverse.NewReject(targetActor, in.Raw), actor, handle)
			return OutcomeRejected
		}
	}
	if err != nil {
		s.logger.Error("follow target lookup failed", zap.String("handle", handle), zap.Error(err))
		return OutcomeIgnored
	}
	if account.Protected {
		s.reply(ctx, fediverse.NewReject(targetActor, in.Raw), actor, handle)
		return OutcomeRejected
	}

	follower, err := s.followers.Get(ctx, actor.ID, actor.Host())
	if errors.Is(err, relay.ErrNotFound) {
		follower, err = s.followers.Create(ctx, relay.Follower{
			ActorID:         actor.ID,
			Acct:            actor.Acct(),
			Host:            actor.Host(),
			InboxPath:       relativeInboxPath(actor.Inbox, actor.Host()),
			SharedInboxPath: relativeInboxPath(actor.Endpoints.SharedInbox, actor.Host()),
		})
	}
	if err != nil {
		s.logger.Error("follower lookup failed", zap.String("actor", actor.ID), zap.Error(err))
		return OutcomeIgnored
	}
	if err := s.followers.AddSubscription(ctx, follower.ID, account.ID); err != nil {
		s.logger.Error("add subscription failed", zap.Int64("follower_id", follower.ID), zap.Error(err))
		return OutcomeIgnored
	}

	s.reply(ctx, fediverse.NewAccept(targetActor, in.Raw), actor, handle)
	return OutcomeAccepted
}

var errAccountProtected = errors.New("source account is protected")

// createAccount resolves an unknown handle on the source network and
// mirrors it, unless it is protected.
func (s *Service) createAccount(ctx context.Context, handle string) (relay.SourceAccount, error) {
	profile, err := s.source.FetchUser(ctx, handle)
	if err != nil {
		return relay.SourceAccount{}, err
	}
	if profile.Protected {
		return relay.SourceAccount{}, errAccountProtected
	}
	return s.accounts.Create(ctx, relay.SourceAccount{
		Handle:        handle,
		LastPostID:    relay.NeverSynced,
		FollowerCount: profile.FollowerCount,
	})
}

func (s *Service) handleUndo(ctx context.Context, req Request, in fediverse.Inbound) Outcome {
	actor, err := s.authenticate(ctx, req, in.Follow.Actor)
	if errors.Is(err, fediverse.ErrActorGone) {
		return OutcomeGone
	}
	if err != nil {
		return OutcomeUnauthorized
	}

	handle := fediverse.HandleFromActorURI(in.Object)
	targetActor := s.keys.ActorURI(handle)

	// There is no rejection path for Undo once authenticated; missing
	// rows just make it a no-op.
	account, err := s.accounts.GetByHandle(ctx, handle)
	if err == nil {
		s.removeSubscription(ctx, actor, account)
	} else if !errors.Is(err, relay.ErrNotFound) {
		s.logger.Error("undo target lookup failed", zap.String("handle", handle), zap.Error(err))
	}

	s.reply(ctx, fediverse.NewAccept(targetActor, in.Raw), actor, handle)
	return OutcomeAccepted
}

func (s *Service) removeSubscription(ctx context.Context, actor *fediverse.Actor, account relay.SourceAccount) {
	follower, err := s.followers.Get(ctx, actor.ID, actor.Host())
	if err != nil {
		if !errors.Is(err, relay.ErrNotFound) {
			s.logger.Error("follower lookup failed", zap.String("actor", actor.ID), zap.Error(err))
		}
		return
	}
	remaining, err := s.followers.RemoveSubscription(ctx, follower.ID, account.ID)
	if err != nil {
		s.logger.Error("remove subscription failed", zap.Int64("follower_id", follower.ID), zap.Error(err))
		return
	}
	if remaining == 0 {
		if err := s.followers.Delete(ctx, follower.ID); err != nil {
			s.logger.Error("delete follower failed", zap.Int64("follower_id", follower.ID), zap.Error(err))
		}
	}

	// An account nobody subscribes to is no longer worth crawling.
	subs, err := s.accounts.GetSubscriberIDs(ctx, account.ID)
	if err != nil {
		s.logger.Error("subscriber count failed", zap.Int64("account_id", account.ID), zap.Error(err))
		return
	}
	if len(subs) == 0 {
		if err := s.accounts.Delete(ctx, account.ID); err != nil {
			s.logger.Error("delete account failed", zap.Int64("account_id", account.ID), zap.Error(err))
		}
	}
}

// handleDelete removes the follower entirely (actor self-deletion). A 410
// during resolution is itself proof of deletion, so removal proceeds.
func (s *Service) handleDelete(ctx context.Context, req Request, in fediverse.Inbound) Outcome {
	actorID := in.Actor
	host := hostOf(actorID)

	_, err := s.authenticate(ctx, req, actorID)
	if err != nil && !errors.Is(err, fediverse.ErrActorGone) {
		return OutcomeUnauthorized
	}

	follower, err := s.followers.Get(ctx, actorID, host)
	if errors.Is(err, relay.ErrNotFound) {
		return OutcomeIgnored
	}
	if err != nil {
		s.logger.Error("follower lookup failed", zap.String("actor", actorID), zap.Error(err))
		return OutcomeIgnored
	}
	if err := s.followers.Delete(ctx, follower.ID); err != nil {
		s.logger.Error("delete follower failed", zap.Int64("follower_id", follower.ID), zap.Error(err))
	}
	return OutcomeAccepted
}

// reply sends the signed Accept/Reject to the requester's direct inbox.
func (s *Service) reply(ctx context.Context, response fediverse.Response, actor *fediverse.Actor, handle string) {
	inboxPath := relativeInboxPath(actor.Inbox, actor.Host())
	if err := s.deliver.Deliver(ctx, response, actor.Host(), s.keys.ActorURI(handle), inboxPath); err != nil {
		s.logger.Warn("follow reply delivery failed",
			zap.String("actor", actor.ID),
			zap.String("type", response.Type),
			zap.Error(err),
		)
	}
}

// relativeInboxPath reduces an inbox URL to a path on the asserted host. An
// absolute URL pointing anywhere else is stripped to empty.
func relativeInboxPath(rawURL, host string) string {
	if rawURL == "" {
		return ""
	}
	u, err := url.Parse(rawURL)
	if err != nil {
		return ""
	}
	if u.Host != "" && u.Host != host {
		return ""
	}
	return u.Path
}

func hostOf(uri string) string {
	u, err := url.Parse(uri)
	if err != nil {
		return ""
	}
	return u.Host
}
