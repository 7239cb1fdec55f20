package service

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/suite"
	"go.uber.org/mock/gomock"

	"registrar/internal/comms"
	"registrar/internal/verification/metrics"
	"registrar/internal/verification/models"
	"registrar/internal/verification/store"
	"registrar/internal/verification/store/mocks"
	"registrar/pkg/domain"
	"registrar/pkg/platform/circuit"
	"registrar/pkg/platform/retry"
	"registrar/pkg/platform/sentinel"
)

type ServiceSuite struct {
	suite.Suite
	ctx    context.Context
	cancel context.CancelFunc

	bus       *comms.Bus
	chat      *comms.Handle
	email     *comms.Handle
	display   *comms.Handle
	connector *comms.Handle
	emitter   *comms.Handle
	feeder    *comms.Handle

	kv      *store.InMemoryStore
	repo    *store.Repository
	metrics *metrics.Metrics
	now     time.Time
	tokens  int
	svc     *Service
}

func TestServiceSuite(t *testing.T) {
	suite.Run(t, new(ServiceSuite))
}

func (s *ServiceSuite) SetupTest() {
	s.ctx, s.cancel = context.WithTimeout(context.Background(), 10*time.Second)
	s.bus = comms.New(comms.WithQueueSize(16))
	s.chat = s.register(domain.AccountChat)
	s.email = s.register(domain.AccountEmail)
	s.display = s.register(domain.AccountDisplayName)
	s.connector = s.register(domain.ReservedConnector)
	s.emitter = s.register(domain.ReservedEmitter)
	s.feeder = s.register(domain.ReservedFeeder)

	s.kv = store.NewInMemoryStore()
	s.repo = store.NewRepository(s.kv)
	s.metrics = metrics.New(prometheus.NewRegistry())
	s.now = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	s.tokens = 0
	s.svc = s.newService(s.repo)
}

func (s *ServiceSuite) TearDownTest() {
	s.cancel()
	s.bus.Close()
}

func (s *ServiceSuite) register(addr domain.AccountType) *comms.Handle {
	h, err := s.bus.Register(addr)
	s.Require().NoError(err)
	return h
}

func (s *ServiceSuite) newService(repo Repository, opts ...Option) *Service {
	base := []Option{
		WithClock(func() time.Time { return s.now }),
		WithMetrics(s.metrics),
		WithTokenGenerator(func() (string, error) {
			s.tokens++
			return fmt.Sprintf("T%d", s.tokens), nil
		}),
		WithConfig(Config{
			MaxAttempts:   3,
			MaxAge:        72 * time.Hour,
			SweepInterval: time.Hour,
			PersistRetry:  retry.Policy{Attempts: 2},
		}),
	}
	svc, err := New(s.ctx, repo, s.bus.Hub(), append(base, opts...)...)
	s.Require().NoError(err)
	return svc
}

func (s *ServiceSuite) claim(id domain.IdentityID, field domain.AccountType, account string, fields ...domain.AccountType) {
	if len(fields) == 0 {
		fields = []domain.AccountType{field}
	}
	s.Require().NoError(s.svc.HandleNewClaim(s.ctx, comms.NewClaim{
		Identity: id, Field: field, Account: account, Fields: fields,
	}))
}

func (s *ServiceSuite) respond(id domain.IdentityID, field domain.AccountType, observed string) {
	s.Require().NoError(s.svc.HandleResponse(s.ctx, comms.ChallengeResponse{
		Identity: id, Field: field, Observed: observed,
	}))
}

func (s *ServiceSuite) receive(h *comms.Handle) comms.Payload {
	ctx, cancel := context.WithTimeout(s.ctx, time.Second)
	defer cancel()
	env, err := h.Receive(ctx)
	s.Require().NoError(err, "expected a message for %s", h.Address())
	return env.Payload
}

func (s *ServiceSuite) assertNoMessage(h *comms.Handle) {
	select {
	case env := <-h.C():
		s.Failf("unexpected message", "%s received %s", h.Address(), env.Payload.Kind())
	default:
	}
}

func (s *ServiceSuite) receiveJudgment() comms.Judgment {
	p := s.receive(s.connector)
	judgment, ok := p.(comms.Judgment)
	s.Require().True(ok, "expected judgment, got %s", p.Kind())
	return judgment
}

func (s *ServiceSuite) TestSingleFieldConfirmedIsReasonable() {
	s.claim("X", domain.AccountChat, "@alice")

	req := s.receive(s.chat).(comms.ChallengeRequest)
	s.Equal(comms.ChallengeRequest{Identity: "X", Field: domain.AccountChat, Account: "@alice", Token: "T1"}, req)

	s.respond("X", domain.AccountChat, " T1\n")

	judgment := s.receiveJudgment()
	s.Equal(domain.IdentityID("X"), judgment.Identity)
	s.Equal(1, judgment.Epoch)
	s.Equal(domain.VerdictReasonable, judgment.Verdict)
	s.Equal(domain.StateConfirmed, judgment.Fields[domain.AccountChat])

	s.Nil(s.svc.snapshot("X"))
	history, err := s.repo.History(s.ctx, "X")
	s.Require().NoError(err)
	s.Require().Len(history, 1)
	s.Equal(models.StatusArchived, history[0].Status)
	s.Equal(domain.VerdictReasonable, history[0].Verdict)
	s.Equal(1.0, testutil.ToFloat64(s.metrics.JudgmentsEmitted.WithLabelValues("reasonable")))
}

func (s *ServiceSuite) TestExpiredFieldMakesJudgmentErroneous() {
	fields := []domain.AccountType{domain.AccountEmail, domain.AccountChat}
	s.claim("Y", domain.AccountEmail, "a@b.com", fields...)
	s.claim("Y", domain.AccountChat, "@bob", fields...)
	s.receive(s.email)
	chatReq := s.receive(s.chat).(comms.ChallengeRequest)

	s.respond("Y", domain.AccountChat, chatReq.Token)
	s.assertNoMessage(s.connector)

	s.now = s.now.Add(73 * time.Hour)
	s.Require().NoError(s.svc.TickExpirations(s.ctx))

	judgment := s.receiveJudgment()
	s.Equal(domain.VerdictErroneous, judgment.Verdict)
	s.Equal(domain.StateInvalid, judgment.Fields[domain.AccountEmail])
	s.Equal(domain.StateConfirmed, judgment.Fields[domain.AccountChat])
}

func (s *ServiceSuite) TestExpiryWithoutAttempts() {
	s.claim("Z", domain.AccountEmail, "z@example.org")
	s.receive(s.email)

	s.Run("a young challenge survives the sweep", func() {
		s.now = s.now.Add(71 * time.Hour)
		s.Require().NoError(s.svc.TickExpirations(s.ctx))
		s.assertNoMessage(s.connector)
		s.NotNil(s.svc.snapshot("Z"))
	})

	s.Run("an old challenge is invalidated with zero attempts", func() {
		s.now = s.now.Add(2 * time.Hour)
		s.Require().NoError(s.svc.TickExpirations(s.ctx))
		judgment := s.receiveJudgment()
		s.Equal(domain.VerdictErroneous, judgment.Verdict)

		history, err := s.repo.History(s.ctx, "Z")
		s.Require().NoError(err)
		s.Require().Len(history, 1)
		c := history[0].Challenges[domain.AccountEmail]
		s.Equal(0, c.Attempts)
		s.Equal(models.ReasonExpired, c.Reason)
	})
}

func (s *ServiceSuite) TestClaimIdempotence() {
	fields := []domain.AccountType{domain.AccountChat, domain.AccountEmail}
	s.claim("A", domain.AccountChat, "@a", fields...)
	s.receive(s.chat)

	s.Run("same account is a no-op", func() {
		s.claim("A", domain.AccountChat, "@a", fields...)
		s.assertNoMessage(s.chat)
		s.Equal("T1", s.svc.snapshot("A").Challenges[domain.AccountChat].Token)
	})

	s.Run("changed account replaces the challenge", func() {
		s.claim("A", domain.AccountChat, "@a2", fields...)
		req := s.receive(s.chat).(comms.ChallengeRequest)
		s.Equal("T2", req.Token)
		s.Equal("@a2", req.Account)

		s.respond("A", domain.AccountChat, "T1")
		snap := s.svc.snapshot("A")
		s.Len(snap.Challenges, 1)
		s.Equal(domain.StateUnconfirmed, snap.Challenges[domain.AccountChat].State)
		s.Equal(1, snap.Challenges[domain.AccountChat].Attempts)
	})
}

func (s *ServiceSuite) TestRepeatedMatchIsIdempotent() {
	fields := []domain.AccountType{domain.AccountChat, domain.AccountEmail}
	s.claim("B", domain.AccountChat, "@b", fields...)
	s.claim("B", domain.AccountEmail, "b@example.org", fields...)

	s.respond("B", domain.AccountChat, "T1")
	s.respond("B", domain.AccountChat, "T1")
	s.respond("B", domain.AccountChat, "wrong")

	snap := s.svc.snapshot("B")
	c := snap.Challenges[domain.AccountChat]
	s.Equal(domain.StateConfirmed, c.State)
	s.Equal(0, c.Attempts)
	s.assertNoMessage(s.connector)
	s.Equal(1.0, testutil.ToFloat64(s.metrics.ChallengeOutcomes.WithLabelValues("chat", "confirmed")))
}

func (s *ServiceSuite) TestAttemptsExhausted() {
	s.claim("C", domain.AccountChat, "@c")
	s.receive(s.chat)

	s.respond("C", domain.AccountChat, "nope")
	s.respond("C", domain.AccountChat, "still nope")
	s.assertNoMessage(s.connector)
	s.Equal(2, s.svc.snapshot("C").Challenges[domain.AccountChat].Attempts)

	s.respond("C", domain.AccountChat, "T0")
	judgment := s.receiveJudgment()
	s.Equal(domain.VerdictErroneous, judgment.Verdict)
	s.Equal(domain.StateInvalid, judgment.Fields[domain.AccountChat])
}

func (s *ServiceSuite) TestDisplayNamePolicy() {
	s.Run("clean name confirms", func() {
		s.claim("D", domain.AccountDisplayName, "Dave")
		s.receive(s.display)
		s.Require().NoError(s.svc.HandleResponse(s.ctx, comms.ChallengeResponse{
			Identity: "D", Field: domain.AccountDisplayName, Observed: "Dave",
		}))
		s.Equal(domain.VerdictReasonable, s.receiveJudgment().Verdict)
	})

	s.Run("stale name is dropped", func() {
		s.claim("E", domain.AccountDisplayName, "Eve")
		s.receive(s.display)
		s.Require().NoError(s.svc.HandleResponse(s.ctx, comms.ChallengeResponse{
			Identity: "E", Field: domain.AccountDisplayName, Observed: "Evil", Violations: []string{"Eve"},
		}))
		s.assertNoMessage(s.connector)
		s.Equal(domain.StateUnconfirmed, s.svc.snapshot("E").Challenges[domain.AccountDisplayName].State)
	})

	s.Run("violations invalidate", func() {
		s.Require().NoError(s.svc.HandleResponse(s.ctx, comms.ChallengeResponse{
			Identity: "E", Field: domain.AccountDisplayName, Observed: "Eve", Violations: []string{"Eva", "Evo"},
		}))
		s.Equal(domain.VerdictErroneous, s.receiveJudgment().Verdict)

		history, err := s.repo.History(s.ctx, "E")
		s.Require().NoError(err)
		s.Require().Len(history, 1)
		c := history[0].Challenges[domain.AccountDisplayName]
		s.Equal(models.ReasonPolicyViolation, c.Reason)
		s.Equal([]string{"Eva", "Evo"}, c.Violations)
	})
}

func (s *ServiceSuite) TestStaleMessagesAreDropped() {
	s.respond("ghost", domain.AccountChat, "T1")
	s.Require().NoError(s.svc.HandleRemoval(s.ctx, comms.RemoveIdentity{Identity: "ghost"}))

	s.claim("F", domain.AccountChat, "@f")
	s.receive(s.chat)
	s.respond("F", domain.AccountEmail, "T1")
	s.Require().NoError(s.svc.HandleNewClaim(s.ctx, comms.NewClaim{Identity: "F", Field: domain.ReservedFeeder}))

	s.assertNoMessage(s.connector)
	s.Equal(domain.StateUnconfirmed, s.svc.snapshot("F").Challenges[domain.AccountChat].State)
	s.Equal(1.0, testutil.ToFloat64(s.metrics.DroppedResponses.WithLabelValues("new_claim")))
}

func (s *ServiceSuite) TestRemovalArchivesWithoutJudgment() {
	s.claim("G", domain.AccountChat, "@g")
	s.receive(s.chat)

	s.Require().NoError(s.svc.HandleRemoval(s.ctx, comms.RemoveIdentity{Identity: "G"}))
	s.assertNoMessage(s.connector)
	s.Nil(s.svc.snapshot("G"))

	stored, err := s.repo.Find(s.ctx, "G")
	s.Require().NoError(err)
	s.Equal(models.StatusArchived, stored.Status)
	s.Empty(stored.Verdict)

	s.Run("re-registration starts a new epoch", func() {
		s.claim("G", domain.AccountChat, "@g")
		s.Equal(2, s.svc.snapshot("G").Epoch)
	})
}

func (s *ServiceSuite) TestRunProcessesSenderInOrder() {
	ctx, cancel := context.WithCancel(s.ctx)
	defer cancel()
	done := make(chan error, 1)
	go func() { done <- s.svc.Run(ctx) }()

	for _, id := range []domain.IdentityID{"m1", "m2", "m3"} {
		s.Require().NoError(s.feeder.Send(s.ctx, comms.NewClaim{
			Identity: id, Field: domain.AccountChat, Account: "@" + id.String(),
			Fields: []domain.AccountType{domain.AccountChat},
		}))
	}
	for _, id := range []domain.IdentityID{"m1", "m2", "m3"} {
		req := s.receive(s.chat).(comms.ChallengeRequest)
		s.Equal(id, req.Identity)
	}

	snap, err := s.svc.Snapshot(s.ctx, "m2")
	s.Require().NoError(err)
	s.Require().NotNil(snap)
	s.Equal("@m2", snap.Accounts[domain.AccountChat])

	cancel()
	s.ErrorIs(<-done, context.Canceled)
}

func (s *ServiceSuite) TestRestartRestoresState() {
	fields := []domain.AccountType{domain.AccountChat, domain.AccountEmail}
	s.claim("R", domain.AccountChat, "@r", fields...)
	s.claim("R", domain.AccountEmail, "r@example.org", fields...)
	s.receive(s.chat)
	s.receive(s.email)
	s.respond("R", domain.AccountChat, "T1")
	before := s.svc.snapshot("R")

	restarted := s.newService(s.repo)
	s.Equal(before, restarted.snapshot("R"))

	ctx, cancel := context.WithCancel(s.ctx)
	defer cancel()
	go func() { _ = restarted.Run(ctx) }()

	req := s.receive(s.email).(comms.ChallengeRequest)
	s.True(req.Resumed)
	s.Equal("T2", req.Token)
	s.assertNoMessage(s.chat)
}

func (s *ServiceSuite) TestRestartFinalizesCompleteIdentity() {
	identity := models.NewIdentity("H", 1, s.now)
	identity.Claim(domain.AccountChat, "@h", "T9", s.now)
	s.Require().NoError(identity.Challenges[domain.AccountChat].Confirm())
	s.Require().NoError(s.repo.Save(s.ctx, identity))

	restarted := s.newService(s.repo)
	ctx, cancel := context.WithCancel(s.ctx)
	defer cancel()
	go func() { _ = restarted.Run(ctx) }()

	s.Equal(domain.VerdictReasonable, s.receiveJudgment().Verdict)
}

func (s *ServiceSuite) TestPersistenceFailureKeepsMemoryAuthoritative() {
	ctrl := gomock.NewController(s.T())
	kv := mocks.NewMockStore(ctrl)
	outage := errors.Join(sentinel.ErrUnavailable, errors.New("connection refused"))

	kv.EXPECT().ListPrefix(gomock.Any(), gomock.Any()).Return(nil, nil).AnyTimes()
	kv.EXPECT().Get(gomock.Any(), gomock.Any()).Return(nil, store.ErrNotFound).AnyTimes()
	kv.EXPECT().Put(gomock.Any(), "identity/P", gomock.Any()).Return(outage).Times(2)
	kv.EXPECT().Put(gomock.Any(), "identity/P", gomock.Any()).Return(nil).Times(1)

	s.svc = s.newService(store.NewRepository(kv))
	s.claim("P", domain.AccountChat, "@p")

	s.Run("the challenge is still issued", func() {
		req := s.receive(s.chat).(comms.ChallengeRequest)
		s.Equal("T1", req.Token)
	})

	s.Run("the operator is told", func() {
		diag := s.receive(s.emitter).(comms.Diagnostic)
		s.Equal(comms.DiagnosticError, diag.Level)
		s.Equal(domain.IdentityID("P"), diag.Identity)
		s.Equal(1.0, testutil.ToFloat64(s.metrics.DirtyIdentities))
		s.Equal(1.0, testutil.ToFloat64(s.metrics.PersistFailures))
	})

	s.Run("the next sweep flushes", func() {
		s.Require().NoError(s.svc.TickExpirations(s.ctx))
		s.Equal(0.0, testutil.ToFloat64(s.metrics.DirtyIdentities))
	})
}

func (s *ServiceSuite) TestOpenBreakerDefersWrites() {
	ctrl := gomock.NewController(s.T())
	kv := mocks.NewMockStore(ctrl)
	outage := errors.Join(sentinel.ErrUnavailable, errors.New("connection refused"))

	kv.EXPECT().ListPrefix(gomock.Any(), gomock.Any()).Return(nil, nil).AnyTimes()
	kv.EXPECT().Get(gomock.Any(), gomock.Any()).Return(nil, store.ErrNotFound).AnyTimes()
	kv.EXPECT().Put(gomock.Any(), gomock.Any(), gomock.Any()).Return(outage).Times(2)

	breaker := circuit.New("store",
		circuit.WithFailureThreshold(1),
		circuit.WithCooldown(time.Hour),
		circuit.WithClock(func() time.Time { return s.now }),
	)
	s.svc = s.newService(store.NewRepository(kv), WithBreaker(breaker))

	s.claim("Q1", domain.AccountChat, "@q1")
	s.True(breaker.IsOpen())

	s.claim("Q2", domain.AccountChat, "@q2")
	s.Require().NoError(s.svc.TickExpirations(s.ctx))
	s.Equal(2.0, testutil.ToFloat64(s.metrics.DirtyIdentities))
}
