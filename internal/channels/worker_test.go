package channels

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/suite"

	"registrar/internal/comms"
	"registrar/pkg/domain"
)

type fakeTransport struct {
	mu       sync.Mutex
	sent     []comms.ChallengeRequest
	sendErr  error
	gate     chan struct{}
	streams  chan (<-chan comms.ChallengeResponse)
	opens    int
	openErrs int
}

func newFakeTransport() *fakeTransport {
	return &fakeTransport{streams: make(chan (<-chan comms.ChallengeResponse), 4)}
}

func (t *fakeTransport) SendChallenge(ctx context.Context, req comms.ChallengeRequest) error {
	t.mu.Lock()
	t.sent = append(t.sent, req)
	gate, err := t.gate, t.sendErr
	t.mu.Unlock()
	if gate != nil {
		select {
		case <-gate:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return err
}

func (t *fakeTransport) Events(ctx context.Context) (<-chan comms.ChallengeResponse, error) {
	t.mu.Lock()
	t.opens++
	if t.openErrs > 0 {
		t.openErrs--
		t.mu.Unlock()
		return nil, errors.New("transport offline")
	}
	t.mu.Unlock()
	select {
	case s := <-t.streams:
		return s, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (t *fakeTransport) Sent() []comms.ChallengeRequest {
	t.mu.Lock()
	defer t.mu.Unlock()
	return append([]comms.ChallengeRequest(nil), t.sent...)
}

func (t *fakeTransport) Opens() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.opens
}

type WorkerSuite struct {
	suite.Suite
	bus       *comms.Bus
	hub       *comms.Hub
	transport *fakeTransport
	worker    *Worker
	ctx       context.Context
	cancel    context.CancelFunc
	done      chan error
}

func TestWorkerSuite(t *testing.T) {
	suite.Run(t, new(WorkerSuite))
}

func (s *WorkerSuite) SetupTest() {
	s.bus = comms.New(comms.WithQueueSize(8))
	s.hub = s.bus.Hub()
	s.transport = newFakeTransport()
	s.ctx, s.cancel = context.WithTimeout(context.Background(), 5*time.Second)
}

func (s *WorkerSuite) TearDownTest() {
	s.cancel()
	s.bus.Close()
}

func (s *WorkerSuite) start(opts ...Option) {
	endpoint, err := s.bus.Register(domain.AccountEmail)
	s.Require().NoError(err)
	opts = append([]Option{WithRestartInterval(10 * time.Millisecond)}, opts...)
	s.worker = NewWorker(endpoint, s.transport, opts...)
	s.done = make(chan error, 1)
	go func() { s.done <- s.worker.Run(s.ctx) }()
}

func (s *WorkerSuite) receive() comms.Payload {
	ctx, cancel := context.WithTimeout(s.ctx, 2*time.Second)
	defer cancel()
	env, err := s.hub.Receive(ctx)
	s.Require().NoError(err)
	return env.Payload
}

func (s *WorkerSuite) TestChallengesAreDeliveredInOrder() {
	s.transport.sendErr = errors.New("smtp timeout")
	s.start()

	for _, id := range []domain.IdentityID{"a", "b"} {
		s.Require().NoError(s.hub.Send(s.ctx, domain.AccountEmail, comms.ChallengeRequest{
			Identity: id, Field: domain.AccountEmail, Account: id.String() + "@example.org", Token: "T-" + id.String(),
		}))
	}

	s.Eventually(func() bool { return len(s.transport.Sent()) == 2 }, time.Second, 5*time.Millisecond)
	sent := s.transport.Sent()
	s.Equal(domain.IdentityID("a"), sent[0].Identity)
	s.Equal(domain.IdentityID("b"), sent[1].Identity)
}

func (s *WorkerSuite) TestSlowTransportDoesNotBackUpTheInbox() {
	s.transport.gate = make(chan struct{})
	s.start(WithQueueSize(4))

	const total = 40
	for i := 0; i < total; i++ {
		ctx, cancel := context.WithTimeout(s.ctx, time.Second)
		err := s.hub.Send(ctx, domain.AccountEmail, comms.ChallengeRequest{
			Identity: domain.IdentityID(fmt.Sprintf("r%d", i)), Field: domain.AccountEmail, Token: "T",
		})
		cancel()
		s.Require().NoError(err, "request %d stuck behind the transport", i)
	}

	// one request is held by the transport and four wait in the queue
	s.Eventually(func() bool { return s.worker.Dropped() == total-5 }, time.Second, 5*time.Millisecond)
	close(s.transport.gate)

	last := domain.IdentityID(fmt.Sprintf("r%d", total-1))
	s.Eventually(func() bool {
		sent := s.transport.Sent()
		return len(sent) > 0 && sent[len(sent)-1].Identity == last
	}, time.Second, 5*time.Millisecond)
	s.Len(s.transport.Sent(), 5)
}

func (s *WorkerSuite) TestClosedStreamIsRestarted() {
	s.transport.openErrs = 1
	first := make(chan comms.ChallengeResponse, 1)
	first <- comms.ChallengeResponse{Identity: "a", Observed: "T1"}
	close(first)
	second := make(chan comms.ChallengeResponse, 1)
	second <- comms.ChallengeResponse{Identity: "b", Field: domain.AccountEmail, Observed: "T2"}
	s.transport.streams <- first
	s.transport.streams <- second
	s.start()

	s.Equal(comms.ChallengeResponse{Identity: "a", Field: domain.AccountEmail, Observed: "T1"}, s.receive())
	s.Equal(comms.ChallengeResponse{Identity: "b", Field: domain.AccountEmail, Observed: "T2"}, s.receive())
	s.GreaterOrEqual(s.transport.Opens(), 3)
}

func (s *WorkerSuite) TestStopsOnCancel() {
	s.start()
	s.cancel()
	select {
	case err := <-s.done:
		s.ErrorIs(err, context.Canceled)
	case <-time.After(2 * time.Second):
		s.Fail("worker did not stop")
	}
}
