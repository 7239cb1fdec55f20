package models

import (
	"maps"
	"slices"
	"time"

	"registrar/pkg/domain"
)

// IdentityStatus separates live records from archived tombstones.
type IdentityStatus string

const (
	StatusActive   IdentityStatus = "active"
	StatusArchived IdentityStatus = "archived"
)

// Identity is one on-chain identity under verification. It is owned by the
// orchestrator loop and mirrored to the store on every mutation.
type Identity struct {
	ID         domain.IdentityID                 `json:"id"`
	Epoch      int                               `json:"epoch"`
	Status     IdentityStatus                    `json:"status"`
	Accounts   map[domain.AccountType]string     `json:"accounts"`
	Expected   []domain.AccountType              `json:"expected"`
	Challenges map[domain.AccountType]*Challenge `json:"challenges"`
	Verdict    domain.Verdict                    `json:"verdict,omitempty"`
	CreatedAt  time.Time                         `json:"created_at"`
	UpdatedAt  time.Time                         `json:"updated_at"`
	JudgedAt   *time.Time                        `json:"judged_at,omitempty"`
}

// NewIdentity creates an active identity for the given judging epoch.
func NewIdentity(id domain.IdentityID, epoch int, now time.Time) *Identity {
	if epoch < 1 {
		epoch = 1
	}
	return &Identity{
		ID:         id,
		Epoch:      epoch,
		Status:     StatusActive,
		Accounts:   make(map[domain.AccountType]string),
		Challenges: make(map[domain.AccountType]*Challenge),
		CreatedAt:  now,
		UpdatedAt:  now,
	}
}

// Expect records fields announced by the on-chain registration. Fields are
// only ever added; the identity is judgeable once all of them are terminal.
func (i *Identity) Expect(fields ...domain.AccountType) {
	for _, f := range fields {
		if !f.IsChannel() || slices.Contains(i.Expected, f) {
			continue
		}
		i.Expected = append(i.Expected, f)
	}
}

// Claim records the claimed account for field. A new or changed account gets
// a fresh challenge that replaces any previous one, so a field never holds two
// live challenges. Claiming the same account again is a no-op and returns false.
func (i *Identity) Claim(field domain.AccountType, account, token string, now time.Time) bool {
	i.Expect(field)
	if existing, ok := i.Accounts[field]; ok && existing == account {
		if _, has := i.Challenges[field]; has {
			return false
		}
	}
	i.Accounts[field] = account
	i.Challenges[field] = NewChallenge(token, now)
	i.UpdatedAt = now
	return true
}

// Challenge returns the live challenge for field.
func (i *Identity) Challenge(field domain.AccountType) (*Challenge, bool) {
	c, ok := i.Challenges[field]
	return c, ok
}

// Complete reports whether every expected field has a terminal challenge.
func (i *Identity) Complete() bool {
	if len(i.Expected) == 0 {
		return false
	}
	for _, f := range i.Expected {
		c, ok := i.Challenges[f]
		if !ok || !c.IsTerminal() {
			return false
		}
	}
	return true
}

// ComputeVerdict is Reasonable iff every expected field is confirmed.
func (i *Identity) ComputeVerdict() domain.Verdict {
	for _, f := range i.Expected {
		c, ok := i.Challenges[f]
		if !ok || c.State != domain.StateConfirmed {
			return domain.VerdictErroneous
		}
	}
	return domain.VerdictReasonable
}

// FieldStates reports the state of every expected field.
func (i *Identity) FieldStates() map[domain.AccountType]domain.ChallengeState {
	states := make(map[domain.AccountType]domain.ChallengeState, len(i.Expected))
	for _, f := range i.Expected {
		if c, ok := i.Challenges[f]; ok {
			states[f] = c.State
		} else {
			states[f] = domain.StateUnconfirmed
		}
	}
	return states
}

// Pending lists fields whose challenge is still unconfirmed, in stable order.
func (i *Identity) Pending() []domain.AccountType {
	var out []domain.AccountType
	for _, f := range domain.ChannelAccounts {
		if c, ok := i.Challenges[f]; ok && !c.IsTerminal() {
			out = append(out, f)
		}
	}
	return out
}

// Archive turns the record into a tombstone carrying the verdict. An empty
// verdict archives without judgment (deregistration).
func (i *Identity) Archive(verdict domain.Verdict, now time.Time) {
	i.Status = StatusArchived
	i.Verdict = verdict
	i.UpdatedAt = now
	if verdict != "" {
		judged := now
		i.JudgedAt = &judged
	}
}

// Touch bumps UpdatedAt after an in-place challenge transition.
func (i *Identity) Touch(now time.Time) {
	i.UpdatedAt = now
}

// Clone returns a deep copy safe to hand outside the orchestrator loop.
func (i *Identity) Clone() *Identity {
	cp := *i
	cp.Accounts = maps.Clone(i.Accounts)
	cp.Expected = slices.Clone(i.Expected)
	cp.Challenges = make(map[domain.AccountType]*Challenge, len(i.Challenges))
	for f, c := range i.Challenges {
		cp.Challenges[f] = c.clone()
	}
	if i.JudgedAt != nil {
		judged := *i.JudgedAt
		cp.JudgedAt = &judged
	}
	return &cp
}
