// Package ops serves the operator HTTP surface: health, metrics, recent
// diagnostics, identity inspection and manual claim injection.
package ops

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"

	"registrar/internal/comms"
	"registrar/internal/diagnostics"
	"registrar/internal/verification/models"
	"registrar/pkg/domain"
	"registrar/pkg/platform/httputil"
	"registrar/pkg/platform/sentinel"
)

const requestTimeout = 10 * time.Second

// Orchestrator answers live snapshots.
type Orchestrator interface {
	Snapshot(ctx context.Context, id domain.IdentityID) (*models.Identity, error)
}

// Records reads persisted identities.
type Records interface {
	Find(ctx context.Context, id domain.IdentityID) (*models.Identity, error)
	History(ctx context.Context, id domain.IdentityID) ([]*models.Identity, error)
	Ping(ctx context.Context) error
}

// Diagnostics exposes the emitter's retained entries.
type Diagnostics interface {
	Recent() []diagnostics.Entry
}

// Feeder injects claims onto the bus as the reserved feeder endpoint.
type Feeder interface {
	Send(ctx context.Context, p comms.Payload) error
}

// Handler serves the ops routes.
type Handler struct {
	orchestrator Orchestrator
	records      Records
	diagnostics  Diagnostics
	feeder       Feeder
	metrics      http.Handler
	logger       *slog.Logger
	observer     *Metrics
}

// Option configures a Handler.
type Option func(*Handler)

// WithLogger sets the handler logger.
func WithLogger(logger *slog.Logger) Option {
	return func(h *Handler) {
		h.logger = logger
	}
}

// WithMetricsHandler mounts a scrape handler at /metrics.
func WithMetricsHandler(m http.Handler) Option {
	return func(h *Handler) {
		h.metrics = m
	}
}

// WithFeeder enables POST /claims.
func WithFeeder(f Feeder) Option {
	return func(h *Handler) {
		h.feeder = f
	}
}

// WithObserver records per-route latency.
func WithObserver(m *Metrics) Option {
	return func(h *Handler) {
		h.observer = m
	}
}

// New creates an ops Handler.
func New(orchestrator Orchestrator, records Records, diag Diagnostics, opts ...Option) *Handler {
	h := &Handler{
		orchestrator: orchestrator,
		records:      records,
		diagnostics:  diag,
		logger:       slog.Default(),
	}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

// Register registers the ops routes with the chi router.
func (h *Handler) Register(r chi.Router) {
	opsRouter := chi.NewRouter()
	opsRouter.Use(chimw.Recoverer)
	opsRouter.Use(chimw.RequestID)
	opsRouter.Use(chimw.Timeout(requestTimeout))
	if h.observer != nil {
		opsRouter.Use(h.observer.Middleware)
	}
	opsRouter.Get("/health", h.handleHealth)
	opsRouter.Get("/diagnostics", h.handleDiagnostics)
	opsRouter.Get("/identities/{id}", h.handleIdentity)
	opsRouter.Get("/identities/{id}/history", h.handleHistory)
	if h.feeder != nil {
		opsRouter.Post("/claims", h.handleClaim)
	}
	if h.metrics != nil {
		opsRouter.Method(http.MethodGet, "/metrics", h.metrics)
	}

	r.Mount("/", opsRouter)
}

// Router returns a fresh router with the ops routes registered.
func (h *Handler) Router() http.Handler {
	r := chi.NewRouter()
	h.Register(r)
	return r
}

func (h *Handler) handleHealth(w http.ResponseWriter, r *http.Request) {
	if err := h.records.Ping(r.Context()); err != nil {
		h.logger.WarnContext(r.Context(), "health check failed", "error", err)
		httputil.WriteError(w, fmt.Errorf("store: %w", sentinel.ErrUnavailable))
		return
	}
	httputil.WriteJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (h *Handler) handleDiagnostics(w http.ResponseWriter, _ *http.Request) {
	entries := h.diagnostics.Recent()
	if entries == nil {
		entries = []diagnostics.Entry{}
	}
	httputil.WriteJSON(w, http.StatusOK, map[string]any{"entries": entries})
}

func (h *Handler) handleIdentity(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	id, err := domain.ParseIdentityID(chi.URLParam(r, "id"))
	if err != nil {
		httputil.WriteError(w, fmt.Errorf("%w: %w", httputil.ErrBadRequest, err))
		return
	}

	identity, err := h.orchestrator.Snapshot(ctx, id)
	if err != nil {
		h.logger.ErrorContext(ctx, "snapshot failed", "identity", id, "error", err)
		httputil.WriteError(w, err)
		return
	}
	live := identity != nil
	if !live {
		identity, err = h.records.Find(ctx, id)
		if err != nil {
			if !errors.Is(err, sentinel.ErrNotFound) {
				h.logger.ErrorContext(ctx, "identity lookup failed", "identity", id, "error", err)
			}
			httputil.WriteError(w, err)
			return
		}
	}
	httputil.WriteJSON(w, http.StatusOK, toView(identity, live))
}

func (h *Handler) handleHistory(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	id, err := domain.ParseIdentityID(chi.URLParam(r, "id"))
	if err != nil {
		httputil.WriteError(w, fmt.Errorf("%w: %w", httputil.ErrBadRequest, err))
		return
	}
	epochs, err := h.records.History(ctx, id)
	if err != nil {
		h.logger.ErrorContext(ctx, "history lookup failed", "identity", id, "error", err)
		httputil.WriteError(w, err)
		return
	}
	views := make([]IdentityView, 0, len(epochs))
	for _, identity := range epochs {
		views = append(views, toView(identity, false))
	}
	httputil.WriteJSON(w, http.StatusOK, map[string]any{"epochs": views})
}

// ClaimRequest is the body of POST /claims: one registration with its
// claimed accounts keyed by field name.
type ClaimRequest struct {
	Identity string            `json:"identity"`
	Accounts map[string]string `json:"accounts"`
}

func (h *Handler) handleClaim(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	var req ClaimRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		httputil.WriteError(w, fmt.Errorf("%w: invalid request body", httputil.ErrBadRequest))
		return
	}
	claims, err := req.claims()
	if err != nil {
		h.logger.WarnContext(ctx, "invalid claim request", "error", err)
		httputil.WriteError(w, fmt.Errorf("%w: %w", httputil.ErrBadRequest, err))
		return
	}
	for _, claim := range claims {
		if err := h.feeder.Send(ctx, claim); err != nil {
			h.logger.ErrorContext(ctx, "claim injection failed", "identity", claim.Identity, "error", err)
			httputil.WriteError(w, fmt.Errorf("feeder: %w", sentinel.ErrUnavailable))
			return
		}
	}
	w.WriteHeader(http.StatusAccepted)
}

func (req ClaimRequest) claims() ([]comms.NewClaim, error) {
	id, err := domain.ParseIdentityID(req.Identity)
	if err != nil {
		return nil, err
	}
	if len(req.Accounts) == 0 {
		return nil, errors.New("no accounts claimed")
	}
	accounts := make(map[domain.AccountType]string, len(req.Accounts))
	for name, account := range req.Accounts {
		field, err := domain.ParseAccountType(name)
		if err != nil {
			return nil, err
		}
		if !field.IsChannel() {
			return nil, fmt.Errorf("account type %q cannot be claimed", name)
		}
		accounts[field] = account
	}

	fields := make([]domain.AccountType, 0, len(accounts))
	for _, field := range domain.ChannelAccounts {
		if _, ok := accounts[field]; ok {
			fields = append(fields, field)
		}
	}
	claims := make([]comms.NewClaim, 0, len(fields))
	for _, field := range fields {
		claims = append(claims, comms.NewClaim{
			Identity: id,
			Field:    field,
			Account:  accounts[field],
			Fields:   fields,
		})
	}
	return claims, nil
}
