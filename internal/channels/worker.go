// Package channels runs the per-account workers that deliver challenges over
// an external transport and report what they observe back to the orchestrator.
package channels

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"golang.org/x/sync/errgroup"

	"registrar/internal/comms"
	"registrar/pkg/domain"
	"registrar/pkg/platform/buffer"
)

const defaultQueueSize = 256

// Transport is the channel-specific side of a worker.
//
// Events returns a stream of observed responses. The stream closes when the
// underlying transport disconnects; the worker then asks for a new one.
type Transport interface {
	SendChallenge(ctx context.Context, req comms.ChallengeRequest) error
	Events(ctx context.Context) (<-chan comms.ChallengeResponse, error)
}

// Endpoint is a worker's bus handle.
type Endpoint interface {
	Address() domain.AccountType
	Send(ctx context.Context, p comms.Payload) error
	C() <-chan comms.Envelope
	Done() <-chan struct{}
}

// Worker connects one Transport to its bus endpoint.
type Worker struct {
	endpoint  Endpoint
	transport Transport
	restart   time.Duration
	queueSize int
	logger    *slog.Logger

	pending *buffer.Ring[comms.ChallengeRequest]
	wake    chan struct{}
}

type Option func(*Worker)

func WithLogger(logger *slog.Logger) Option {
	return func(w *Worker) {
		w.logger = logger
	}
}

// WithRestartInterval sets the pause before a closed or failed event stream
// is reopened.
func WithRestartInterval(d time.Duration) Option {
	return func(w *Worker) {
		w.restart = d
	}
}

// WithQueueSize bounds the challenges waiting for the transport. When the
// queue is full the oldest waiting challenge is dropped.
func WithQueueSize(n int) Option {
	return func(w *Worker) {
		if n > 0 {
			w.queueSize = n
		}
	}
}

func NewWorker(endpoint Endpoint, transport Transport, opts ...Option) *Worker {
	w := &Worker{
		endpoint:  endpoint,
		transport: transport,
		restart:   5 * time.Second,
		queueSize: defaultQueueSize,
		logger:    slog.Default(),
		wake:      make(chan struct{}, 1),
	}
	for _, opt := range opts {
		opt(w)
	}
	w.pending = buffer.NewRing[comms.ChallengeRequest](w.queueSize)
	w.logger = w.logger.With("channel", endpoint.Address())
	return w
}

// Dropped reports how many challenges were evicted from a full queue.
func (w *Worker) Dropped() int64 {
	return w.pending.Dropped()
}

// Run serves challenge requests and forwards observed responses until ctx is
// done or the bus closes. Transport failures are logged and retried, never
// returned.
//
// Intake never waits on the transport, so the endpoint inbox keeps draining
// however slow delivery is.
func (w *Worker) Run(ctx context.Context) error {
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return w.serveRequests(gctx) })
	g.Go(func() error { return w.deliver(gctx) })
	g.Go(func() error { return w.forwardEvents(gctx) })
	return g.Wait()
}

func (w *Worker) serveRequests(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-w.endpoint.Done():
			return comms.ErrClosed
		case env := <-w.endpoint.C():
			req, ok := env.Payload.(comms.ChallengeRequest)
			if !ok {
				w.logger.Warn("unexpected message dropped", "kind", env.Payload.Kind())
				continue
			}
			if evicted, dropped := w.pending.Enqueue(req); dropped {
				w.logger.Warn("challenge queue full, dropping oldest request",
					"identity", evicted.Identity, "queue_size", w.queueSize, "dropped_total", w.pending.Dropped())
			}
			select {
			case w.wake <- struct{}{}:
			default:
			}
		}
	}
}

func (w *Worker) deliver(ctx context.Context) error {
	for {
		req, ok := w.pending.Pop()
		if !ok {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-w.endpoint.Done():
				return comms.ErrClosed
			case <-w.wake:
			}
			continue
		}
		if err := w.transport.SendChallenge(ctx, req); err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			w.logger.Warn("challenge delivery failed",
				"identity", req.Identity, "resumed", req.Resumed, "error", err)
			continue
		}
		w.logger.Debug("challenge delivered", "identity", req.Identity, "resumed", req.Resumed)
	}
}

func (w *Worker) forwardEvents(ctx context.Context) error {
	for {
		events, err := w.transport.Events(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			w.logger.Warn("event stream unavailable", "error", err, "retry_in", w.restart)
		} else {
			if err := w.drain(ctx, events); err != nil {
				return err
			}
			if ctx.Err() != nil {
				return ctx.Err()
			}
			w.logger.Info("event stream closed, restarting", "retry_in", w.restart)
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-w.endpoint.Done():
			return comms.ErrClosed
		case <-time.After(w.restart):
		}
	}
}

func (w *Worker) drain(ctx context.Context, events <-chan comms.ChallengeResponse) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case resp, ok := <-events:
			if !ok {
				return nil
			}
			if resp.Field == "" {
				resp.Field = w.endpoint.Address()
			}
			if err := w.endpoint.Send(ctx, resp); err != nil {
				if errors.Is(err, comms.ErrClosed) || ctx.Err() != nil {
					return err
				}
				w.logger.Warn("response not forwarded", "identity", resp.Identity, "error", err)
			}
		}
	}
}
