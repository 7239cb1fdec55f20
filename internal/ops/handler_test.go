package ops

import (
	"context"
	"errors"
	"net/http"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/suite"

	"registrar/internal/comms"
	"registrar/internal/diagnostics"
	"registrar/internal/verification/models"
	"registrar/internal/verification/store"
	"registrar/pkg/domain"
	tu "registrar/pkg/testutil"
)

type stubOrchestrator struct {
	live map[domain.IdentityID]*models.Identity
	err  error
}

func (s *stubOrchestrator) Snapshot(_ context.Context, id domain.IdentityID) (*models.Identity, error) {
	if s.err != nil {
		return nil, s.err
	}
	identity, ok := s.live[id]
	if !ok {
		return nil, nil
	}
	return identity.Clone(), nil
}

type stubDiagnostics []diagnostics.Entry

func (s stubDiagnostics) Recent() []diagnostics.Entry { return s }

type failingStore struct {
	*store.InMemoryStore
}

func (failingStore) Ping(context.Context) error { return errors.New("connection refused") }

type HandlerSuite struct {
	suite.Suite
	now          time.Time
	kv           *store.InMemoryStore
	repo         *store.Repository
	orchestrator *stubOrchestrator
	bus          *comms.Bus
	reg          *prometheus.Registry
	observer     *Metrics
	router       http.Handler
}

func TestHandlerSuite(t *testing.T) {
	suite.Run(t, new(HandlerSuite))
}

func (s *HandlerSuite) SetupTest() {
	s.now = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	s.kv = store.NewInMemoryStore()
	s.repo = store.NewRepository(s.kv)
	s.orchestrator = &stubOrchestrator{live: map[domain.IdentityID]*models.Identity{}}
	s.bus = comms.New(comms.WithQueueSize(8))
	s.reg = prometheus.NewRegistry()
	s.observer = NewMetrics(s.reg)

	feeder, err := s.bus.Register(domain.ReservedFeeder)
	s.Require().NoError(err)

	diag := stubDiagnostics{{At: s.now, Level: comms.DiagnosticError, Identity: "alice", Message: "persist failed"}}
	h := New(s.orchestrator, s.repo, diag,
		WithFeeder(feeder),
		WithObserver(s.observer),
		WithMetricsHandler(promhttp.HandlerFor(s.reg, promhttp.HandlerOpts{})),
	)
	s.router = h.Router()
}

func (s *HandlerSuite) TearDownTest() {
	s.bus.Close()
}

func (s *HandlerSuite) TestHealth() {
	rr := tu.DoRequest(s.router, tu.NewRequest(s.T(), http.MethodGet, "/health"))
	tu.AssertStatusOK(s.T(), rr)
	tu.AssertJSONContains(s.T(), rr, "status", "ok")
}

func (s *HandlerSuite) TestHealthReportsUnavailableStore() {
	h := New(s.orchestrator, store.NewRepository(failingStore{s.kv}), stubDiagnostics{})
	rr := tu.DoRequest(h.Router(), tu.NewRequest(s.T(), http.MethodGet, "/health"))
	tu.AssertStatusAndError(s.T(), rr, http.StatusServiceUnavailable, "unavailable")
}

func (s *HandlerSuite) TestDiagnostics() {
	rr := tu.DoRequest(s.router, tu.NewRequest(s.T(), http.MethodGet, "/diagnostics"))
	tu.AssertStatusOK(s.T(), rr)

	body := tu.UnmarshalResponse[struct {
		Entries []diagnostics.Entry `json:"entries"`
	}](s.T(), rr)
	s.Require().Len(body.Entries, 1)
	s.Equal("persist failed", body.Entries[0].Message)
	s.Equal(comms.DiagnosticError, body.Entries[0].Level)
}

func (s *HandlerSuite) TestIdentity() {
	s.Run("live identity comes from the orchestrator without tokens", func() {
		identity := models.NewIdentity("alice", 1, s.now)
		identity.Claim(domain.AccountEmail, "alice@example.org", "SECRET", s.now)
		s.orchestrator.live["alice"] = identity

		rr := tu.DoRequest(s.router, tu.NewRequest(s.T(), http.MethodGet, "/identities/alice"))
		tu.AssertStatusOK(s.T(), rr)
		s.NotContains(rr.Body.String(), "SECRET")

		view := tu.UnmarshalResponse[IdentityView](s.T(), rr)
		s.True(view.Live)
		s.Equal(domain.StateUnconfirmed, view.Fields[domain.AccountEmail].State)
		s.Equal("alice@example.org", view.Fields[domain.AccountEmail].Account)
	})

	s.Run("archived identity falls back to the store", func() {
		identity := models.NewIdentity("bob", 2, s.now)
		identity.Claim(domain.AccountChat, "@bob", "T", s.now)
		identity.Archive(domain.VerdictErroneous, s.now)
		s.Require().NoError(s.repo.Archive(context.Background(), identity))

		rr := tu.DoRequest(s.router, tu.NewRequest(s.T(), http.MethodGet, "/identities/bob"))
		tu.AssertStatusOK(s.T(), rr)

		view := tu.UnmarshalResponse[IdentityView](s.T(), rr)
		s.False(view.Live)
		s.Equal(2, view.Epoch)
		s.Equal(domain.VerdictErroneous, view.Verdict)
		s.Equal(models.StatusArchived, view.Status)
	})

	s.Run("unknown identity is not found", func() {
		rr := tu.DoRequest(s.router, tu.NewRequest(s.T(), http.MethodGet, "/identities/nobody"))
		tu.AssertStatusAndError(s.T(), rr, http.StatusNotFound, "not_found")
	})

	s.Run("malformed id is rejected", func() {
		rr := tu.DoRequest(s.router, tu.NewRequest(s.T(), http.MethodGet, "/identities/not-an-address"))
		tu.AssertStatusAndError(s.T(), rr, http.StatusBadRequest, "bad_request")
	})

	s.Run("snapshot failure is internal", func() {
		s.orchestrator.err = context.DeadlineExceeded
		defer func() { s.orchestrator.err = nil }()

		rr := tu.DoRequest(s.router, tu.NewRequest(s.T(), http.MethodGet, "/identities/alice"))
		tu.AssertStatusAndError(s.T(), rr, http.StatusInternalServerError, "internal_error")
	})
}

func (s *HandlerSuite) TestHistory() {
	for epoch := 1; epoch <= 2; epoch++ {
		identity := models.NewIdentity("carol", epoch, s.now)
		identity.Claim(domain.AccountEmail, "carol@example.org", "T", s.now)
		identity.Archive(domain.VerdictReasonable, s.now)
		s.Require().NoError(s.repo.Archive(context.Background(), identity))
	}

	rr := tu.DoRequest(s.router, tu.NewRequest(s.T(), http.MethodGet, "/identities/carol/history"))
	tu.AssertStatusOK(s.T(), rr)

	body := tu.UnmarshalResponse[struct {
		Epochs []IdentityView `json:"epochs"`
	}](s.T(), rr)
	s.Require().Len(body.Epochs, 2)
	s.Equal(1, body.Epochs[0].Epoch)
	s.Equal(2, body.Epochs[1].Epoch)
}

func (s *HandlerSuite) TestClaimsAreFedToTheOrchestrator() {
	req := tu.NewJSONRequest(s.T(), http.MethodPost, "/claims", ClaimRequest{
		Identity: "alice",
		Accounts: map[string]string{"email": "alice@example.org", "chat": "@alice"},
	})
	rr := tu.DoRequest(s.router, req)
	tu.AssertStatus(s.T(), rr, http.StatusAccepted)

	hub := s.bus.Hub()
	want := []domain.AccountType{domain.AccountChat, domain.AccountEmail}
	for _, field := range want {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		env, err := hub.Receive(ctx)
		cancel()
		s.Require().NoError(err)
		s.Equal(domain.ReservedFeeder, env.From)

		claim, ok := env.Payload.(comms.NewClaim)
		s.Require().True(ok)
		s.Equal(field, claim.Field)
		s.Equal(want, claim.Fields)
	}
}

func (s *HandlerSuite) TestClaimValidation() {
	cases := map[string]any{
		"bad id":         ClaimRequest{Identity: "a b", Accounts: map[string]string{"email": "x"}},
		"no accounts":    ClaimRequest{Identity: "alice"},
		"unknown field":  ClaimRequest{Identity: "alice", Accounts: map[string]string{"fax": "1"}},
		"reserved field": ClaimRequest{Identity: "alice", Accounts: map[string]string{"reserved_feeder": "1"}},
	}
	for name, body := range cases {
		s.Run(name, func() {
			rr := tu.DoRequest(s.router, tu.NewJSONRequest(s.T(), http.MethodPost, "/claims", body))
			tu.AssertStatusAndError(s.T(), rr, http.StatusBadRequest, "bad_request")
		})
	}

	rr := tu.DoRequest(s.router, tu.NewRequestWithBody(s.T(), http.MethodPost, "/claims", "{"))
	tu.AssertStatusAndError(s.T(), rr, http.StatusBadRequest, "bad_request")
}

func (s *HandlerSuite) TestMetricsAndLatency() {
	tu.DoRequest(s.router, tu.NewRequest(s.T(), http.MethodGet, "/health"))

	rr := tu.DoRequest(s.router, tu.NewRequest(s.T(), http.MethodGet, "/metrics"))
	tu.AssertStatusOK(s.T(), rr)
	s.Contains(rr.Body.String(), "registrar_ops_request_duration_seconds")
	s.Equal(2, testutil.CollectAndCount(s.observer.RequestDuration))
}
