package service

import (
	"context"
	"errors"
	"fmt"

	"registrar/internal/comms"
	"registrar/internal/verification/models"
	"registrar/pkg/domain"
)

// HandleNewClaim records a claimed field and issues its challenge. Claiming
// the same account again is a no-op; a different account replaces the
// challenge with a fresh token.
func (s *Service) HandleNewClaim(ctx context.Context, msg comms.NewClaim) error {
	if msg.Identity.IsNil() || !msg.Field.IsChannel() {
		s.logger.Warn("malformed claim dropped", "identity", msg.Identity, "field", msg.Field)
		s.incrementDropped(msg.Kind())
		return nil
	}
	if s.metrics != nil {
		s.metrics.IncrementClaims(string(msg.Field))
	}

	identity, ok := s.identities[msg.Identity]
	if !ok {
		identity = models.NewIdentity(msg.Identity, s.nextEpoch(ctx, msg.Identity), s.now())
		s.identities[msg.Identity] = identity
		s.setLive()
		s.logger.Info("identity registered", "identity", identity.ID, "epoch", identity.Epoch)
	}

	expected := len(identity.Expected)
	identity.Expect(msg.Fields...)

	if current, has := identity.Challenge(msg.Field); has && identity.Accounts[msg.Field] == msg.Account {
		s.logger.Debug("duplicate claim ignored", "identity", identity.ID, "field", msg.Field, "state", current.State)
		if len(identity.Expected) != expected {
			return s.persist(ctx, identity)
		}
		return nil
	}

	token, err := s.newToken()
	if err != nil {
		return fmt.Errorf("claim %s/%s: %w", identity.ID, msg.Field, err)
	}
	identity.Claim(msg.Field, msg.Account, token, s.now())
	if err := s.persist(ctx, identity); err != nil {
		return err
	}

	s.logger.Info("challenge issued", "identity", identity.ID, "field", msg.Field)
	return s.dispatch(ctx, msg.Field, comms.ChallengeRequest{
		Identity: identity.ID,
		Field:    msg.Field,
		Account:  msg.Account,
		Token:    token,
	})
}

// HandleResponse applies a worker observation to the live challenge of a
// field. Responses for unknown identities or fields are stale and dropped.
func (s *Service) HandleResponse(ctx context.Context, msg comms.ChallengeResponse) error {
	identity, ok := s.identities[msg.Identity]
	if !ok {
		s.logger.Info("response for unknown identity dropped", "identity", msg.Identity, "field", msg.Field)
		s.incrementDropped(msg.Kind())
		return nil
	}
	challenge, ok := identity.Challenge(msg.Field)
	if !ok {
		s.logger.Info("response for unclaimed field dropped", "identity", msg.Identity, "field", msg.Field)
		s.incrementDropped(msg.Kind())
		return nil
	}

	changed, err := s.apply(identity, msg, challenge)
	if errors.Is(err, models.ErrTerminal) {
		s.logger.Debug("response for settled challenge ignored",
			"identity", identity.ID, "field", msg.Field, "state", challenge.State)
		return nil
	}
	if err != nil {
		return err
	}
	if !changed {
		return nil
	}

	identity.Touch(s.now())
	if err := s.persist(ctx, identity); err != nil {
		return err
	}
	if challenge.IsTerminal() {
		s.recordOutcome(msg.Field, challenge)
	}
	return s.tryFinalize(ctx, identity)
}

// apply runs the field-specific matching rule. Display names carry a content
// policy verdict instead of a token: any violation invalidates the field.
func (s *Service) apply(identity *models.Identity, msg comms.ChallengeResponse, challenge *models.Challenge) (bool, error) {
	if msg.Field == domain.AccountDisplayName {
		if msg.Observed != identity.Accounts[msg.Field] {
			s.logger.Info("display name check for stale value dropped", "identity", identity.ID)
			s.incrementDropped(msg.Kind())
			return false, nil
		}
		if len(msg.Violations) == 0 {
			return true, challenge.Confirm()
		}
		s.logger.Info("display name rejected", "identity", identity.ID, "violations", msg.Violations)
		return true, challenge.Reject(models.ReasonPolicyViolation, msg.Violations)
	}

	if challenge.Matches(msg.Observed) {
		if challenge.State == domain.StateConfirmed {
			return false, nil
		}
		s.logger.Info("challenge confirmed", "identity", identity.ID, "field", msg.Field)
		return true, challenge.Confirm()
	}

	invalid, err := challenge.RecordMismatch(s.cfg.MaxAttempts)
	if err != nil {
		return false, err
	}
	if invalid {
		s.logger.Info("challenge attempts exhausted", "identity", identity.ID, "field", msg.Field, "attempts", challenge.Attempts)
	} else {
		s.logger.Debug("challenge mismatch", "identity", identity.ID, "field", msg.Field, "attempts", challenge.Attempts)
	}
	return true, nil
}

// HandleRemoval archives an identity whose judgment request was withdrawn.
// No judgment is emitted.
func (s *Service) HandleRemoval(ctx context.Context, msg comms.RemoveIdentity) error {
	identity, ok := s.identities[msg.Identity]
	if !ok {
		s.logger.Info("removal for unknown identity dropped", "identity", msg.Identity)
		s.incrementDropped(msg.Kind())
		return nil
	}
	identity.Archive("", s.now())
	s.retire(identity)
	s.logger.Info("identity deregistered", "identity", identity.ID, "epoch", identity.Epoch)
	return s.persistArchive(ctx, identity)
}

// TickExpirations invalidates challenges older than MaxAge, finalizes any
// identity that became complete and retries pending writes.
func (s *Service) TickExpirations(ctx context.Context) error {
	now := s.now()
	for _, id := range s.liveIDs() {
		identity := s.identities[id]
		expired := false
		for _, field := range identity.Pending() {
			challenge := identity.Challenges[field]
			if challenge.Expire(now, s.cfg.MaxAge) {
				expired = true
				s.recordOutcome(field, challenge)
				s.logger.Info("challenge expired", "identity", id, "field", field)
			}
		}
		if !expired {
			continue
		}
		identity.Touch(now)
		if err := s.persist(ctx, identity); err != nil {
			return err
		}
		if err := s.tryFinalize(ctx, identity); err != nil {
			return err
		}
	}
	return s.flushDirty(ctx)
}

// tryFinalize judges identity once every expected field is terminal, hands the
// judgment to the connector and archives the identity.
func (s *Service) tryFinalize(ctx context.Context, identity *models.Identity) error {
	if !identity.Complete() {
		return nil
	}
	verdict := identity.ComputeVerdict()
	judgment := comms.Judgment{
		Identity: identity.ID,
		Epoch:    identity.Epoch,
		Verdict:  verdict,
		Fields:   identity.FieldStates(),
	}
	if err := s.dispatch(ctx, domain.ReservedConnector, judgment); err != nil {
		return err
	}
	if s.metrics != nil {
		s.metrics.IncrementJudgments(string(verdict))
	}
	s.logger.Info("identity judged", "identity", identity.ID, "epoch", identity.Epoch, "verdict", verdict)

	identity.Archive(verdict, s.now())
	s.retire(identity)
	return s.persistArchive(ctx, identity)
}

func (s *Service) retire(identity *models.Identity) {
	delete(s.identities, identity.ID)
	s.epochs[identity.ID] = identity.Epoch
	s.setLive()
}

// nextEpoch picks the epoch for a fresh registration. The store is the
// authority, but epochs archived by this process count even when their write
// is still pending.
func (s *Service) nextEpoch(ctx context.Context, id domain.IdentityID) int {
	next := s.epochs[id] + 1
	stored, err := s.repo.NextEpoch(ctx, id)
	if err != nil {
		s.logger.Warn("epoch lookup failed", "identity", id, "error", err)
		return next
	}
	return max(next, stored)
}

func (s *Service) recordOutcome(field domain.AccountType, challenge *models.Challenge) {
	if s.metrics == nil {
		return
	}
	outcome := string(challenge.State)
	if challenge.Reason != "" {
		outcome = string(challenge.Reason)
	}
	s.metrics.RecordOutcome(string(field), outcome)
}
