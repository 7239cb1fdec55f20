// Package comms is the addressed message bus between the orchestrator and its
// peers. Every endpoint talks only to the orchestrator (the hub); the bus
// knows nothing about payload content.
package comms

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/sasha-s/go-deadlock"

	"registrar/internal/comms/metrics"
	"registrar/pkg/domain"
	"registrar/pkg/platform/sentinel"
)

const defaultQueueSize = 64

var (
	ErrClosed            = errors.New("comms bus closed")
	ErrAlreadyRegistered = fmt.Errorf("endpoint already registered: %w", sentinel.ErrConflict)
	ErrUnknownEndpoint   = fmt.Errorf("endpoint not registered: %w", sentinel.ErrNotFound)
	ErrNilPayload        = errors.New("nil payload")
)

// Bus routes envelopes between registered endpoints and the hub.
type Bus struct {
	mu        deadlock.RWMutex
	endpoints map[domain.AccountType]*Handle
	hub       *Hub
	queueSize int

	done      chan struct{}
	closeOnce sync.Once

	logger  *slog.Logger
	metrics *metrics.Metrics
	now     func() time.Time
}

type Option func(*Bus)

// WithQueueSize bounds every inbox, including the hub's.
func WithQueueSize(n int) Option {
	return func(b *Bus) {
		if n > 0 {
			b.queueSize = n
		}
	}
}

func WithLogger(logger *slog.Logger) Option {
	return func(b *Bus) {
		b.logger = logger
	}
}

func WithMetrics(m *metrics.Metrics) Option {
	return func(b *Bus) {
		b.metrics = m
	}
}

// New constructs a bus with an empty endpoint table.
func New(opts ...Option) *Bus {
	b := &Bus{
		endpoints: make(map[domain.AccountType]*Handle),
		queueSize: defaultQueueSize,
		done:      make(chan struct{}),
		logger:    slog.Default(),
		now:       time.Now,
	}
	for _, opt := range opts {
		opt(b)
	}
	b.hub = &Hub{bus: b, inbox: make(chan Envelope, b.queueSize)}
	return b
}

// Register binds addr to a new Handle. Each address may be registered once
// for the lifetime of the bus.
func (b *Bus) Register(addr domain.AccountType) (*Handle, error) {
	if addr == "" || addr == Orchestrator {
		return nil, fmt.Errorf("register %q: reserved or empty address", addr)
	}
	if b.closed() {
		return nil, ErrClosed
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	if _, exists := b.endpoints[addr]; exists {
		return nil, fmt.Errorf("register %s: %w", addr, ErrAlreadyRegistered)
	}
	h := &Handle{bus: b, addr: addr, inbox: make(chan Envelope, b.queueSize)}
	b.endpoints[addr] = h
	b.logger.Debug("bus endpoint registered", "endpoint", addr)
	return h, nil
}

// Hub returns the orchestrator side of the bus.
func (b *Bus) Hub() *Hub {
	return b.hub
}

// Close shuts the bus down. Pending and future sends fail with ErrClosed.
func (b *Bus) Close() {
	b.closeOnce.Do(func() {
		close(b.done)
	})
}

func (b *Bus) closed() bool {
	select {
	case <-b.done:
		return true
	default:
		return false
	}
}

func (b *Bus) lookup(addr domain.AccountType) (*Handle, bool) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	h, ok := b.endpoints[addr]
	return h, ok
}

// deliver enqueues p into inbox, suspending while the inbox is full.
func (b *Bus) deliver(ctx context.Context, from, to domain.AccountType, inbox chan Envelope, p Payload) error {
	if p == nil {
		return ErrNilPayload
	}
	if b.closed() {
		return ErrClosed
	}

	env := Envelope{
		ID:      uuid.New(),
		From:    from,
		To:      to,
		SentAt:  b.now(),
		Payload: p.clone(),
	}
	select {
	case inbox <- env:
	case <-b.done:
		return ErrClosed
	case <-ctx.Done():
		return ctx.Err()
	}

	if b.metrics != nil {
		b.metrics.RecordRouted(string(from), string(to), p.Kind())
		b.metrics.SetQueueDepth(string(to), len(inbox))
	}
	return nil
}

func (b *Bus) receive(ctx context.Context, addr domain.AccountType, inbox chan Envelope) (Envelope, error) {
	select {
	case env := <-inbox:
		if b.metrics != nil {
			b.metrics.SetQueueDepth(string(addr), len(inbox))
		}
		return env, nil
	case <-b.done:
		return Envelope{}, ErrClosed
	case <-ctx.Done():
		return Envelope{}, ctx.Err()
	}
}

// Handle is an endpoint's binding to the bus.
type Handle struct {
	bus   *Bus
	addr  domain.AccountType
	inbox chan Envelope
}

// Address returns the account type the handle is bound to.
func (h *Handle) Address() domain.AccountType {
	return h.addr
}

// Send enqueues p for the orchestrator.
func (h *Handle) Send(ctx context.Context, p Payload) error {
	return h.bus.deliver(ctx, h.addr, Orchestrator, h.bus.hub.inbox, p)
}

// Receive suspends until a message for this endpoint arrives, ctx is done or
// the bus is closed.
func (h *Handle) Receive(ctx context.Context) (Envelope, error) {
	return h.bus.receive(ctx, h.addr, h.inbox)
}

// C exposes the inbox for use in select loops.
func (h *Handle) C() <-chan Envelope {
	return h.inbox
}

// Done is closed when the bus shuts down.
func (h *Handle) Done() <-chan struct{} {
	return h.bus.done
}

// Hub is the orchestrator's binding to the bus.
type Hub struct {
	bus   *Bus
	inbox chan Envelope
}

// Send enqueues p for the endpoint bound to to.
func (h *Hub) Send(ctx context.Context, to domain.AccountType, p Payload) error {
	target, ok := h.bus.lookup(to)
	if !ok {
		if h.bus.metrics != nil {
			h.bus.metrics.IncrementUndeliverable(string(to))
		}
		return fmt.Errorf("send %s to %s: %w", kindOf(p), to, ErrUnknownEndpoint)
	}
	return h.bus.deliver(ctx, Orchestrator, to, target.inbox, p)
}

// Receive suspends until an endpoint message arrives, ctx is done or the bus
// is closed.
func (h *Hub) Receive(ctx context.Context) (Envelope, error) {
	return h.bus.receive(ctx, Orchestrator, h.inbox)
}

// C exposes the hub inbox for use in select loops.
func (h *Hub) C() <-chan Envelope {
	return h.inbox
}

// Done is closed when the bus shuts down.
func (h *Hub) Done() <-chan struct{} {
	return h.bus.done
}

func kindOf(p Payload) string {
	if p == nil {
		return "nil"
	}
	return p.Kind()
}
