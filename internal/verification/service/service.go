// Package service is the verification orchestrator. It owns every live
// identity and drives the challenge/response protocol from a single loop;
// all state transitions happen on that loop's goroutine.
package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"registrar/internal/comms"
	"registrar/internal/verification/metrics"
	"registrar/internal/verification/models"
	"registrar/pkg/domain"
	"registrar/pkg/platform/circuit"
	"registrar/pkg/platform/retry"
)

// Repository is the durable side of the orchestrator.
type Repository interface {
	Save(ctx context.Context, identity *models.Identity) error
	Archive(ctx context.Context, identity *models.Identity) error
	LoadActive(ctx context.Context) ([]*models.Identity, error)
	NextEpoch(ctx context.Context, id domain.IdentityID) (int, error)
}

// Hub is the orchestrator's binding to the comms bus.
type Hub interface {
	Send(ctx context.Context, to domain.AccountType, p comms.Payload) error
	C() <-chan comms.Envelope
	Done() <-chan struct{}
}

// Config bounds the challenge protocol and the persistence retry budget.
type Config struct {
	// MaxAttempts is the total number of mismatched responses a challenge
	// tolerates; the mismatch that reaches it invalidates the challenge.
	MaxAttempts   int
	MaxAge        time.Duration
	SweepInterval time.Duration
	PersistRetry  retry.Policy
}

func DefaultConfig() Config {
	return Config{
		MaxAttempts:   5,
		MaxAge:        72 * time.Hour,
		SweepInterval: time.Minute,
		PersistRetry:  retry.Policy{Attempts: 3, Interval: 200 * time.Millisecond},
	}
}

type snapshotRequest struct {
	id    domain.IdentityID
	reply chan *models.Identity
}

// Service is the verification orchestrator.
type Service struct {
	repo Repository
	hub  Hub
	cfg  Config

	identities map[domain.IdentityID]*models.Identity
	epochs     map[domain.IdentityID]int
	dirty      map[dirtyKey]pendingWrite
	snapshots  chan snapshotRequest

	newToken models.TokenGenerator
	breaker  *circuit.Breaker
	logger   *slog.Logger
	metrics  *metrics.Metrics
	tracer   trace.Tracer
	now      func() time.Time
}

type Option func(*Service)

func WithLogger(logger *slog.Logger) Option {
	return func(s *Service) {
		s.logger = logger
	}
}

func WithMetrics(m *metrics.Metrics) Option {
	return func(s *Service) {
		s.metrics = m
	}
}

func WithClock(now func() time.Time) Option {
	return func(s *Service) {
		s.now = now
	}
}

// WithConfig overrides the defaults. Zero fields keep their default.
func WithConfig(cfg Config) Option {
	return func(s *Service) {
		if cfg.MaxAttempts > 0 {
			s.cfg.MaxAttempts = cfg.MaxAttempts
		}
		if cfg.MaxAge > 0 {
			s.cfg.MaxAge = cfg.MaxAge
		}
		if cfg.SweepInterval > 0 {
			s.cfg.SweepInterval = cfg.SweepInterval
		}
		if cfg.PersistRetry.Attempts > 0 {
			s.cfg.PersistRetry = cfg.PersistRetry
		}
	}
}

func WithTokenGenerator(gen models.TokenGenerator) Option {
	return func(s *Service) {
		s.newToken = gen
	}
}

// WithBreaker guards store writes. While it is open, writes skip the store and
// go straight to the dirty set.
func WithBreaker(b *circuit.Breaker) Option {
	return func(s *Service) {
		s.breaker = b
	}
}

// New restores the live identities from repo and returns an orchestrator
// ready to Run.
func New(ctx context.Context, repo Repository, hub Hub, opts ...Option) (*Service, error) {
	s := &Service{
		repo:       repo,
		hub:        hub,
		cfg:        DefaultConfig(),
		identities: make(map[domain.IdentityID]*models.Identity),
		epochs:     make(map[domain.IdentityID]int),
		dirty:      make(map[dirtyKey]pendingWrite),
		snapshots:  make(chan snapshotRequest),
		newToken:   models.NewToken,
		logger:     slog.Default(),
		tracer:     otel.Tracer("registrar/verification"),
		now:        time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}

	live, err := repo.LoadActive(ctx)
	if err != nil {
		return nil, fmt.Errorf("restore identities: %w", err)
	}
	for _, identity := range live {
		s.identities[identity.ID] = identity
	}
	s.setLive()
	s.logger.Info("verification state restored", "identities", len(live))
	return s, nil
}

// Run processes bus messages, expiration sweeps and snapshot queries one at a
// time until ctx is done or the bus closes. Restored challenges that are still
// open are re-issued to their workers first.
func (s *Service) Run(ctx context.Context) error {
	if err := s.resume(ctx); err != nil {
		return err
	}

	ticker := time.NewTicker(s.cfg.SweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-s.hub.Done():
			return comms.ErrClosed
		case env := <-s.hub.C():
			if err := s.handle(ctx, env); err != nil {
				return err
			}
		case <-ticker.C:
			if err := s.TickExpirations(ctx); err != nil {
				return err
			}
		case req := <-s.snapshots:
			req.reply <- s.snapshot(req.id)
		}
	}
}

// Snapshot returns a copy of the live identity, or nil when id is not under
// verification. It is answered by the Run loop, so it blocks until the loop
// picks it up or ctx is done.
func (s *Service) Snapshot(ctx context.Context, id domain.IdentityID) (*models.Identity, error) {
	req := snapshotRequest{id: id, reply: make(chan *models.Identity, 1)}
	select {
	case s.snapshots <- req:
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	select {
	case identity := <-req.reply:
		return identity, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (s *Service) snapshot(id domain.IdentityID) *models.Identity {
	identity, ok := s.identities[id]
	if !ok {
		return nil
	}
	return identity.Clone()
}

// resume finalizes identities that were complete at crash time and re-issues
// every open challenge.
func (s *Service) resume(ctx context.Context) error {
	for _, id := range s.liveIDs() {
		identity := s.identities[id]
		if identity.Complete() {
			if err := s.tryFinalize(ctx, identity); err != nil {
				return err
			}
			continue
		}
		for _, field := range identity.Pending() {
			challenge := identity.Challenges[field]
			err := s.dispatch(ctx, field, comms.ChallengeRequest{
				Identity: identity.ID,
				Field:    field,
				Account:  identity.Accounts[field],
				Token:    challenge.Token,
				Resumed:  true,
			})
			if err != nil {
				return err
			}
		}
	}
	return nil
}

func (s *Service) handle(ctx context.Context, env comms.Envelope) error {
	start := s.now()
	kind := env.Payload.Kind()
	ctx, span := s.tracer.Start(ctx, "verification."+kind,
		trace.WithAttributes(attribute.String("from", string(env.From))))
	defer span.End()

	var err error
	switch msg := env.Payload.(type) {
	case comms.NewClaim:
		span.SetAttributes(attribute.String("identity", msg.Identity.String()))
		err = s.HandleNewClaim(ctx, msg)
	case comms.ChallengeResponse:
		span.SetAttributes(attribute.String("identity", msg.Identity.String()))
		err = s.HandleResponse(ctx, msg)
	case comms.RemoveIdentity:
		span.SetAttributes(attribute.String("identity", msg.Identity.String()))
		err = s.HandleRemoval(ctx, msg)
	case comms.ConnectorStatus:
		err = s.handleConnectorStatus(ctx, msg)
	default:
		s.logger.Warn("unexpected message dropped", "kind", kind, "from", env.From)
		s.incrementDropped(kind)
	}
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	if s.metrics != nil {
		s.metrics.ObserveStep(kind, s.now().Sub(start).Seconds())
	}
	return err
}

// handleConnectorStatus surfaces watcher outages to the operator. Judgments
// keep flowing to the connector, which queues them while the watcher is away.
func (s *Service) handleConnectorStatus(ctx context.Context, msg comms.ConnectorStatus) error {
	if msg.Up {
		s.logger.Info("chain watcher session restored")
		return s.diagnose(ctx, comms.DiagnosticInfo, "", "chain watcher session restored")
	}
	s.logger.Warn("chain watcher session lost")
	return s.diagnose(ctx, comms.DiagnosticWarn, "", "chain watcher session lost, judgments are queued")
}

// dispatch sends p to an endpoint. Unregistered endpoints are a protocol
// violation and only logged; cancellation and bus shutdown stop the loop.
func (s *Service) dispatch(ctx context.Context, to domain.AccountType, p comms.Payload) error {
	err := s.hub.Send(ctx, to, p)
	if err == nil {
		return nil
	}
	if errors.Is(err, comms.ErrUnknownEndpoint) {
		s.logger.Warn("message for unregistered endpoint dropped", "to", to, "kind", p.Kind())
		s.incrementDropped(p.Kind())
		return nil
	}
	return err
}

func (s *Service) diagnose(ctx context.Context, level comms.DiagnosticLevel, id domain.IdentityID, msg string) error {
	return s.dispatch(ctx, domain.ReservedEmitter, comms.Diagnostic{Level: level, Identity: id, Message: msg})
}

func (s *Service) liveIDs() []domain.IdentityID {
	ids := make([]domain.IdentityID, 0, len(s.identities))
	for id := range s.identities {
		ids = append(ids, id)
	}
	slices.Sort(ids)
	return ids
}

func (s *Service) setLive() {
	if s.metrics != nil {
		s.metrics.SetLive(len(s.identities))
	}
}

func (s *Service) incrementDropped(kind string) {
	if s.metrics != nil {
		s.metrics.IncrementDropped(kind)
	}
}
