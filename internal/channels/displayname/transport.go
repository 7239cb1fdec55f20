package displayname

import (
	"context"
	"fmt"
	"log/slog"

	"registrar/internal/comms"
	"registrar/pkg/domain"
	"registrar/pkg/platform/retry"
	pstrings "registrar/pkg/platform/strings"
)

// Transport adapts the Checker to the channel worker contract. Each challenge
// request is answered locally; the token is not used.
type Transport struct {
	checker *Checker
	policy  retry.Policy
	events  chan comms.ChallengeResponse
	logger  *slog.Logger
}

func NewTransport(checker *Checker, policy retry.Policy, logger *slog.Logger) *Transport {
	if logger == nil {
		logger = slog.Default()
	}
	return &Transport{
		checker: checker,
		policy:  policy,
		events:  make(chan comms.ChallengeResponse, 64),
		logger:  logger,
	}
}

func (t *Transport) SendChallenge(ctx context.Context, req comms.ChallengeRequest) error {
	if pstrings.Fold(req.Account) == "" {
		return t.emit(ctx, req, []string{"display name is blank"})
	}

	var violations []string
	err := t.policy.Do(ctx, func(ctx context.Context) error {
		var err error
		violations, err = t.checker.Check(ctx, req.Identity, req.Account)
		return err
	}, nil)
	if err != nil {
		return fmt.Errorf("check display name of %s: %w", req.Identity, err)
	}
	if len(violations) > 0 {
		t.logger.Info("display name resembles existing names",
			"identity", req.Identity, "violations", len(violations))
	}
	return t.emit(ctx, req, violations)
}

func (t *Transport) emit(ctx context.Context, req comms.ChallengeRequest, violations []string) error {
	resp := comms.ChallengeResponse{
		Identity:   req.Identity,
		Field:      domain.AccountDisplayName,
		Observed:   req.Account,
		Violations: violations,
	}
	select {
	case t.events <- resp:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Events never closes; results are produced in-process.
func (t *Transport) Events(context.Context) (<-chan comms.ChallengeResponse, error) {
	return t.events, nil
}
