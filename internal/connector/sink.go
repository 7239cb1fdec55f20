package connector

import (
	"context"
	"log/slog"

	"registrar/internal/comms"
)

// Sink drains the connector endpoint when watcher integration is disabled.
// Judgments are logged and discarded so the orchestrator never blocks on a
// connector that does not exist.
func Sink(ctx context.Context, endpoint Endpoint, logger *slog.Logger) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-endpoint.Done():
			return comms.ErrClosed
		case env := <-endpoint.C():
			if j, ok := env.Payload.(comms.Judgment); ok {
				logger.Info("judgment discarded, watcher disabled",
					"identity", j.Identity, "epoch", j.Epoch, "verdict", j.Verdict)
			}
		}
	}
}
