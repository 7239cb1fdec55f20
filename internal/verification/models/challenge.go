package models

import (
	"crypto/rand"
	"crypto/subtle"
	"encoding/hex"
	"errors"
	"fmt"
	"slices"
	"strings"
	"time"

	"registrar/pkg/domain"
)

// tokenBytes is the entropy of a challenge token before hex encoding.
const tokenBytes = 16

// ErrTerminal is returned when a transition is attempted on a confirmed or
// invalid challenge.
var ErrTerminal = errors.New("challenge is in a terminal state")

// InvalidReason records why a challenge became invalid.
type InvalidReason string

const (
	ReasonAttemptsExhausted InvalidReason = "attempts_exhausted"
	ReasonExpired           InvalidReason = "expired"
	ReasonPolicyViolation   InvalidReason = "policy_violation"
)

// Challenge is the verification unit for one claimed field.
type Challenge struct {
	Token      string                `json:"token"`
	State      domain.ChallengeState `json:"state"`
	CreatedAt  time.Time             `json:"created_at"`
	Attempts   int                   `json:"attempts"`
	Reason     InvalidReason         `json:"reason,omitempty"`
	Violations []string              `json:"violations,omitempty"`
}

// TokenGenerator produces challenge secrets.
type TokenGenerator func() (string, error)

// NewToken returns a random hex-encoded secret.
func NewToken() (string, error) {
	buf := make([]byte, tokenBytes)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("generate challenge token: %w", err)
	}
	return hex.EncodeToString(buf), nil
}

// NewChallenge creates an unconfirmed challenge.
func NewChallenge(token string, now time.Time) *Challenge {
	return &Challenge{
		Token:     token,
		State:     domain.StateUnconfirmed,
		CreatedAt: now,
	}
}

// IsTerminal reports whether the challenge reached confirmed or invalid.
func (c *Challenge) IsTerminal() bool {
	return c.State.IsTerminal()
}

// Matches compares observed against the token in constant time, ignoring
// surrounding whitespace.
func (c *Challenge) Matches(observed string) bool {
	observed = strings.TrimSpace(observed)
	return subtle.ConstantTimeCompare([]byte(observed), []byte(c.Token)) == 1
}

// Confirm moves an unconfirmed challenge to confirmed.
func (c *Challenge) Confirm() error {
	if c.IsTerminal() {
		return ErrTerminal
	}
	c.State = domain.StateConfirmed
	return nil
}

// RecordMismatch counts a failed attempt and invalidates the challenge on the
// maxAttempts-th mismatch. A non-positive maxAttempts never invalidates. It
// reports whether the challenge became invalid.
func (c *Challenge) RecordMismatch(maxAttempts int) (bool, error) {
	if c.IsTerminal() {
		return false, ErrTerminal
	}
	c.Attempts++
	if maxAttempts > 0 && c.Attempts >= maxAttempts {
		c.invalidate(ReasonAttemptsExhausted)
		return true, nil
	}
	return false, nil
}

// Expire invalidates the challenge when it is older than maxAge at now,
// regardless of how many attempts were made.
func (c *Challenge) Expire(now time.Time, maxAge time.Duration) bool {
	if c.IsTerminal() || maxAge <= 0 {
		return false
	}
	if now.Sub(c.CreatedAt) <= maxAge {
		return false
	}
	c.invalidate(ReasonExpired)
	return true
}

// Reject invalidates the challenge for a content-policy failure.
func (c *Challenge) Reject(reason InvalidReason, violations []string) error {
	if c.IsTerminal() {
		return ErrTerminal
	}
	c.Violations = slices.Clone(violations)
	c.invalidate(reason)
	return nil
}

func (c *Challenge) invalidate(reason InvalidReason) {
	c.State = domain.StateInvalid
	c.Reason = reason
}

func (c *Challenge) clone() *Challenge {
	cp := *c
	cp.Violations = slices.Clone(c.Violations)
	return &cp
}
