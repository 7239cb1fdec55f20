package connector

import (
	"encoding/json"
	"fmt"
	"slices"

	"registrar/internal/comms"
	"registrar/pkg/domain"
)

// Frame types of the watcher protocol.
const (
	TypeNewJudgementRequest       = "newJudgementRequest"
	TypeJudgementUnrequested      = "judgementUnrequested"
	TypePendingJudgementsRequest  = "pendingJudgementsRequest"
	TypePendingJudgementsResponse = "pendingJudgementsResponse"
	TypeJudgementResult           = "judgementResult"
	TypeAck                       = "ack"
	TypeError                     = "error"
)

// Frame is one JSON message exchanged with the watcher.
type Frame struct {
	Type    string          `json:"type"`
	Message json.RawMessage `json:"message,omitempty"`
}

// IdentityContext is an on-chain registration as reported by the watcher.
// Accounts is keyed by account type name.
type IdentityContext struct {
	Address  string            `json:"address"`
	Accounts map[string]string `json:"accounts,omitempty"`
}

// JudgementResult is the submission for one judged identity.
type JudgementResult struct {
	Address   string                                       `json:"address"`
	Epoch     int                                          `json:"epoch"`
	Judgement domain.Verdict                               `json:"judgement"`
	Fields    map[domain.AccountType]domain.ChallengeState `json:"fields,omitempty"`
}

// NewFrame encodes message into a frame of the given type.
func NewFrame(typ string, message any) (Frame, error) {
	f := Frame{Type: typ}
	if message == nil {
		return f, nil
	}
	raw, err := json.Marshal(message)
	if err != nil {
		return Frame{}, fmt.Errorf("encode %s: %w", typ, err)
	}
	f.Message = raw
	return f, nil
}

func resultFrame(j comms.Judgment) (Frame, error) {
	return NewFrame(TypeJudgementResult, JudgementResult{
		Address:   j.Identity.String(),
		Epoch:     j.Epoch,
		Judgement: j.Verdict,
		Fields:    j.Fields,
	})
}

// watcherAccountNames maps the account names the chain watcher reports onto
// registrar account types.
var watcherAccountNames = map[string]domain.AccountType{
	"matrix":      domain.AccountChat,
	"twitter":     domain.AccountSocial,
	"displayName": domain.AccountDisplayName,
}

func accountField(name string) (domain.AccountType, bool) {
	if field, ok := watcherAccountNames[name]; ok {
		return field, false
	}
	field, err := domain.ParseAccountType(name)
	if err != nil || !field.IsChannel() {
		return "", false
	}
	return field, true
}

// claims translates a registration into one NewClaim per claimed channel
// field, each carrying the full field list. Unknown account names are skipped.
// A canonical name wins over a watcher alias for the same field.
func (ic IdentityContext) claims() ([]comms.NewClaim, error) {
	id, err := domain.ParseIdentityID(ic.Address)
	if err != nil {
		return nil, err
	}

	accounts := make(map[domain.AccountType]string, len(ic.Accounts))
	canonical := make(map[domain.AccountType]bool, len(ic.Accounts))
	for name, value := range ic.Accounts {
		field, isCanonical := accountField(name)
		if field == "" || (canonical[field] && !isCanonical) {
			continue
		}
		accounts[field] = value
		canonical[field] = canonical[field] || isCanonical
	}

	var fields []domain.AccountType
	for _, field := range domain.ChannelAccounts {
		if _, ok := accounts[field]; ok {
			fields = append(fields, field)
		}
	}

	out := make([]comms.NewClaim, 0, len(fields))
	for _, field := range fields {
		out = append(out, comms.NewClaim{
			Identity: id,
			Field:    field,
			Account:  accounts[field],
			Fields:   slices.Clone(fields),
		})
	}
	return out, nil
}
