package domain

// ChallengeState is the per-field verification state.
type ChallengeState string

const (
	StateUnconfirmed ChallengeState = "unconfirmed"
	StateConfirmed   ChallengeState = "confirmed"
	StateInvalid     ChallengeState = "invalid"
)

// IsTerminal reports whether no further transition is possible for the field.
func (s ChallengeState) IsTerminal() bool {
	return s == StateConfirmed || s == StateInvalid
}

// Verdict is the final judgment on an identity.
type Verdict string

const (
	// VerdictReasonable means every claimed field was confirmed.
	VerdictReasonable Verdict = "reasonable"
	// VerdictErroneous means at least one field failed, expired or was disputed.
	VerdictErroneous Verdict = "erroneous"
)
