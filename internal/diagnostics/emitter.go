// Package diagnostics consumes operator notices sent to the emitter endpoint.
package diagnostics

import (
	"context"
	"log/slog"
	"time"

	"registrar/internal/comms"
	"registrar/pkg/domain"
	"registrar/pkg/platform/buffer"
)

// Entry is one received diagnostic.
type Entry struct {
	At       time.Time             `json:"at"`
	Level    comms.DiagnosticLevel `json:"level"`
	Identity domain.IdentityID     `json:"identity,omitempty"`
	Message  string                `json:"message"`
}

// Endpoint is the emitter's bus handle.
type Endpoint interface {
	C() <-chan comms.Envelope
	Done() <-chan struct{}
}

// Emitter logs diagnostics and keeps the most recent ones for the ops surface.
type Emitter struct {
	endpoint Endpoint
	recent   *buffer.Ring[Entry]
	logger   *slog.Logger
}

func NewEmitter(endpoint Endpoint, keep int, logger *slog.Logger) *Emitter {
	if logger == nil {
		logger = slog.Default()
	}
	return &Emitter{
		endpoint: endpoint,
		recent:   buffer.NewRing[Entry](keep),
		logger:   logger,
	}
}

func (e *Emitter) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-e.endpoint.Done():
			return comms.ErrClosed
		case env := <-e.endpoint.C():
			d, ok := env.Payload.(comms.Diagnostic)
			if !ok {
				e.logger.Warn("unexpected message for emitter dropped", "kind", env.Payload.Kind())
				continue
			}
			e.record(env.SentAt, d)
		}
	}
}

func (e *Emitter) record(at time.Time, d comms.Diagnostic) {
	e.recent.Enqueue(Entry{At: at, Level: d.Level, Identity: d.Identity, Message: d.Message})

	attrs := []any{"source", "orchestrator"}
	if !d.Identity.IsNil() {
		attrs = append(attrs, "identity", d.Identity)
	}
	switch d.Level {
	case comms.DiagnosticError:
		e.logger.Error(d.Message, attrs...)
	case comms.DiagnosticWarn:
		e.logger.Warn(d.Message, attrs...)
	default:
		e.logger.Info(d.Message, attrs...)
	}
}

// Recent returns the retained diagnostics, oldest first.
func (e *Emitter) Recent() []Entry {
	return e.recent.Snapshot()
}
