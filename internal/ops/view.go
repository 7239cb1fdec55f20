package ops

import (
	"time"

	"registrar/internal/verification/models"
	"registrar/pkg/domain"
)

// IdentityView is the operator projection of an identity. Challenge tokens are
// never exposed.
type IdentityView struct {
	ID        domain.IdentityID                `json:"id"`
	Epoch     int                              `json:"epoch"`
	Status    models.IdentityStatus            `json:"status"`
	Live      bool                             `json:"live"`
	Verdict   domain.Verdict                   `json:"verdict,omitempty"`
	Fields    map[domain.AccountType]FieldView `json:"fields"`
	CreatedAt time.Time                        `json:"created_at"`
	UpdatedAt time.Time                        `json:"updated_at"`
	JudgedAt  *time.Time                       `json:"judged_at,omitempty"`
}

// FieldView is one claimed field and its challenge progress.
type FieldView struct {
	Account    string                `json:"account"`
	State      domain.ChallengeState `json:"state,omitempty"`
	Attempts   int                   `json:"attempts"`
	Reason     models.InvalidReason  `json:"reason,omitempty"`
	Violations []string              `json:"violations,omitempty"`
}

func toView(identity *models.Identity, live bool) IdentityView {
	fields := make(map[domain.AccountType]FieldView, len(identity.Expected))
	for _, field := range identity.Expected {
		view := FieldView{Account: identity.Accounts[field]}
		if c, ok := identity.Challenges[field]; ok {
			view.State = c.State
			view.Attempts = c.Attempts
			view.Reason = c.Reason
			view.Violations = c.Violations
		}
		fields[field] = view
	}
	return IdentityView{
		ID:        identity.ID,
		Epoch:     identity.Epoch,
		Status:    identity.Status,
		Live:      live,
		Verdict:   identity.Verdict,
		Fields:    fields,
		CreatedAt: identity.CreatedAt,
		UpdatedAt: identity.UpdatedAt,
		JudgedAt:  identity.JudgedAt,
	}
}
