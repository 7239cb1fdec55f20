// Package connector keeps a session to the external chain watcher and
// translates between watcher frames and bus messages.
package connector

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"registrar/internal/comms"
	"registrar/internal/connector/metrics"
	"registrar/pkg/domain"
	"registrar/pkg/platform/buffer"
	"registrar/pkg/platform/retry"
)

// ErrWatcherUnreachable is returned when the retry budget for a watcher
// session is spent. It is fatal for the process.
var ErrWatcherUnreachable = errors.New("chain watcher unreachable")

// ConnectionState is the state of the watcher session.
type ConnectionState int32

const (
	Disconnected ConnectionState = iota
	Connecting
	Connected
)

func (s ConnectionState) String() string {
	switch s {
	case Disconnected:
		return "disconnected"
	case Connecting:
		return "connecting"
	case Connected:
		return "connected"
	default:
		return "unknown"
	}
}

// Endpoint is the connector's bus handle.
type Endpoint interface {
	Send(ctx context.Context, p comms.Payload) error
	C() <-chan comms.Envelope
	Done() <-chan struct{}
}

type queued struct {
	seq      uint64
	judgment comms.Judgment
}

// Connector bridges the watcher and the orchestrator.
type Connector struct {
	endpoint Endpoint
	dialer   Dialer
	policy   retry.Policy

	state   atomic.Int32
	mu      sync.Mutex
	session Session

	queueMu sync.Mutex
	queue   *buffer.Ring[queued]
	seq     uint64
	wake    chan struct{}

	logger  *slog.Logger
	metrics *metrics.Metrics
}

type Option func(*Connector)

func WithLogger(logger *slog.Logger) Option {
	return func(c *Connector) {
		c.logger = logger
	}
}

func WithMetrics(m *metrics.Metrics) Option {
	return func(c *Connector) {
		c.metrics = m
	}
}

// WithPolicy sets the retry budget used for the initial connect and for every
// reconnect.
func WithPolicy(p retry.Policy) Option {
	return func(c *Connector) {
		c.policy = p
	}
}

// WithQueueSize bounds the judgments held while the watcher is unreachable.
func WithQueueSize(n int) Option {
	return func(c *Connector) {
		c.queue = buffer.NewRing[queued](n)
	}
}

func New(endpoint Endpoint, dialer Dialer, opts ...Option) *Connector {
	c := &Connector{
		endpoint: endpoint,
		dialer:   dialer,
		policy:   retry.Policy{Attempts: 3, Interval: 5 * time.Second, Fatal: true},
		queue:    buffer.NewRing[queued](256),
		wake:     make(chan struct{}, 1),
		logger:   slog.Default(),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// State returns the current session state.
func (c *Connector) State() ConnectionState {
	return ConnectionState(c.state.Load())
}

func (c *Connector) setState(s ConnectionState) {
	c.state.Store(int32(s))
	if c.metrics != nil {
		c.metrics.SetState(int(s))
	}
}

// Queued reports how many judgments wait for a watcher session.
func (c *Connector) Queued() int {
	return c.queue.Len()
}

// Connect establishes the watcher session within the retry budget.
func (c *Connector) Connect(ctx context.Context) error {
	c.setState(Connecting)
	var session Session
	err := c.policy.Do(ctx, func(ctx context.Context) error {
		s, err := c.dialer.Dial(ctx)
		if err != nil {
			c.recordAttempt("failure")
			return err
		}
		c.recordAttempt("success")
		session = s
		return nil
	}, func(attempt uint, err error, wait time.Duration) {
		c.logger.Warn("watcher connection failed, retrying",
			"attempt", attempt, "max_attempts", c.policy.Attempts, "retry_in", wait, "error", err)
	})
	if err != nil {
		c.setState(Disconnected)
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return fmt.Errorf("%w: %w", ErrWatcherUnreachable, err)
	}

	c.mu.Lock()
	c.session = session
	c.mu.Unlock()
	c.setState(Connected)
	c.logger.Info("watcher connected")
	return nil
}

func (c *Connector) current() Session {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.session
}

// Run serves the session until ctx is done. Judgments from the orchestrator are
// queued at all times and flushed whenever a session is up. A lost session is
// re-established with the same retry budget; ErrWatcherUnreachable is returned
// when that fails.
func (c *Connector) Run(ctx context.Context) error {
	if c.State() != Connected {
		if err := c.Connect(ctx); err != nil {
			return err
		}
	}

	collectCtx, stopCollect := context.WithCancel(ctx)
	collected := make(chan struct{})
	go func() {
		defer close(collected)
		c.collect(collectCtx)
	}()
	defer func() {
		stopCollect()
		<-collected
	}()

	reconnected := false
	for {
		if reconnected {
			c.status(ctx, true)
		}
		err := c.serve(ctx, c.current())
		if ctx.Err() != nil {
			return ctx.Err()
		}
		c.setState(Disconnected)
		c.logger.Warn("watcher session lost", "error", err, "queued", c.queue.Len())
		c.status(ctx, false)

		if err := c.Connect(ctx); err != nil {
			return err
		}
		if c.metrics != nil {
			c.metrics.IncrementReconnects()
		}
		reconnected = true
	}
}

// serve runs one session: a reader forwarding watcher frames to the bus and a
// writer flushing queued judgments. It returns when either side fails.
func (c *Connector) serve(ctx context.Context, session Session) error {
	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		<-gctx.Done()
		return session.Close()
	})
	g.Go(func() error {
		for {
			f, err := session.ReadFrame()
			if err != nil {
				return fmt.Errorf("read frame: %w", err)
			}
			if err := c.handleFrame(gctx, f); err != nil {
				return err
			}
		}
	})
	g.Go(func() error {
		req, _ := NewFrame(TypePendingJudgementsRequest, nil)
		if err := session.WriteFrame(gctx, req); err != nil {
			return fmt.Errorf("request pending judgements: %w", err)
		}
		for {
			if err := c.flush(gctx, session); err != nil {
				return err
			}
			select {
			case <-gctx.Done():
				return gctx.Err()
			case <-c.wake:
			}
		}
	})

	return g.Wait()
}

// collect moves judgments from the bus into the offline queue so the
// orchestrator never waits on the watcher.
func (c *Connector) collect(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-c.endpoint.Done():
			return
		case env := <-c.endpoint.C():
			judgment, ok := env.Payload.(comms.Judgment)
			if !ok {
				c.logger.Warn("unexpected message for connector dropped", "kind", env.Payload.Kind())
				continue
			}
			c.enqueue(judgment)
		}
	}
}

func (c *Connector) enqueue(j comms.Judgment) {
	c.queueMu.Lock()
	c.seq++
	evicted, dropped := c.queue.Enqueue(queued{seq: c.seq, judgment: j})
	depth := c.queue.Len()
	c.queueMu.Unlock()

	if dropped {
		c.logger.Warn("judgment queue full, oldest judgment discarded",
			"identity", evicted.judgment.Identity, "epoch", evicted.judgment.Epoch)
		if c.metrics != nil {
			c.metrics.IncrementJudgmentsDropped()
		}
	}
	if c.metrics != nil {
		c.metrics.SetQueued(depth)
	}
	select {
	case c.wake <- struct{}{}:
	default:
	}
}

// flush submits queued judgments in order. An entry is popped only after the
// watcher accepted the write and only if it was not evicted meanwhile.
func (c *Connector) flush(ctx context.Context, session Session) error {
	for {
		head, ok := c.queue.Peek()
		if !ok {
			return nil
		}
		f, err := resultFrame(head.judgment)
		if err != nil {
			c.logger.Error("judgment dropped, cannot encode", "identity", head.judgment.Identity, "error", err)
			c.popIf(head.seq)
			continue
		}
		if err := session.WriteFrame(ctx, f); err != nil {
			return fmt.Errorf("submit judgement: %w", err)
		}
		c.popIf(head.seq)
		if c.metrics != nil {
			c.metrics.IncrementJudgmentsSent()
		}
		c.logger.Info("judgment submitted",
			"identity", head.judgment.Identity, "epoch", head.judgment.Epoch, "verdict", head.judgment.Verdict)
	}
}

func (c *Connector) popIf(seq uint64) {
	c.queueMu.Lock()
	defer c.queueMu.Unlock()
	if head, ok := c.queue.Peek(); ok && head.seq == seq {
		c.queue.Pop()
	}
	if c.metrics != nil {
		c.metrics.SetQueued(c.queue.Len())
	}
}

func (c *Connector) handleFrame(ctx context.Context, f Frame) error {
	if c.metrics != nil {
		c.metrics.RecordFrame(f.Type)
	}

	switch f.Type {
	case TypeNewJudgementRequest:
		var ic IdentityContext
		if err := json.Unmarshal(f.Message, &ic); err != nil {
			c.logger.Warn("malformed judgement request", "error", err)
			return nil
		}
		return c.forward(ctx, ic)
	case TypePendingJudgementsResponse:
		var pending []IdentityContext
		if err := json.Unmarshal(f.Message, &pending); err != nil {
			c.logger.Warn("malformed pending judgements", "error", err)
			return nil
		}
		for _, ic := range pending {
			if err := c.forward(ctx, ic); err != nil {
				return err
			}
		}
		return nil
	case TypeJudgementUnrequested:
		var ic IdentityContext
		if err := json.Unmarshal(f.Message, &ic); err != nil {
			c.logger.Warn("malformed unrequest", "error", err)
			return nil
		}
		id, err := domain.ParseIdentityID(ic.Address)
		if err != nil {
			c.logger.Warn("unrequest for invalid identity", "address", ic.Address, "error", err)
			return nil
		}
		return c.endpoint.Send(ctx, comms.RemoveIdentity{Identity: id})
	case TypeAck:
		c.logger.Debug("watcher ack", "message", string(f.Message))
	case TypeError:
		c.logger.Warn("watcher reported an error", "message", string(f.Message))
	default:
		c.logger.Debug("unknown watcher frame ignored", "type", f.Type)
	}
	return nil
}

func (c *Connector) forward(ctx context.Context, ic IdentityContext) error {
	claims, err := ic.claims()
	if err != nil {
		c.logger.Warn("judgement request for invalid identity", "address", ic.Address, "error", err)
		return nil
	}
	if len(claims) == 0 {
		c.logger.Info("judgement request without verifiable accounts", "identity", ic.Address)
		return nil
	}
	for _, claim := range claims {
		if err := c.endpoint.Send(ctx, claim); err != nil {
			return err
		}
	}
	return nil
}

func (c *Connector) status(ctx context.Context, up bool) {
	if err := c.endpoint.Send(ctx, comms.ConnectorStatus{Up: up}); err != nil && ctx.Err() == nil {
		c.logger.Warn("connector status not delivered", "up", up, "error", err)
	}
}

func (c *Connector) recordAttempt(result string) {
	if c.metrics != nil {
		c.metrics.RecordConnectAttempt(result)
	}
}
