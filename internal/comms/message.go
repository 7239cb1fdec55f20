package comms

import (
	"maps"
	"slices"
	"time"

	"github.com/google/uuid"

	"registrar/pkg/domain"
)

// Orchestrator is the address of the hub side of the bus. It is not an
// AccountType endpoint and cannot be registered.
const Orchestrator domain.AccountType = "orchestrator"

// Envelope is one routed message. Payloads are deep-copied on send so an
// envelope never changes after it leaves the sender.
type Envelope struct {
	ID      uuid.UUID
	From    domain.AccountType
	To      domain.AccountType
	SentAt  time.Time
	Payload Payload
}

// Payload is the closed set of message bodies the bus carries.
type Payload interface {
	Kind() string
	clone() Payload
}

// ChallengeRequest asks a channel worker to deliver a challenge token to the
// claimed account. Resumed is set when the request is re-issued after a
// restart so workers may skip re-messaging the user.
type ChallengeRequest struct {
	Identity domain.IdentityID
	Field    domain.AccountType
	Account  string
	Token    string
	Resumed  bool
}

// ChallengeResponse reports a value a worker observed for a field. Violations
// carries content-policy findings for display names.
type ChallengeResponse struct {
	Identity   domain.IdentityID
	Field      domain.AccountType
	Observed   string
	Violations []string
}

// NewClaim reports one claimed field observed on chain. Fields lists every
// field of the same registration so the orchestrator knows when the identity
// is complete.
type NewClaim struct {
	Identity domain.IdentityID
	Field    domain.AccountType
	Account  string
	Fields   []domain.AccountType
}

// RemoveIdentity reports that the identity withdrew its judgment request.
type RemoveIdentity struct {
	Identity domain.IdentityID
}

// Judgment is the verdict delivered to the chain connector.
type Judgment struct {
	Identity domain.IdentityID
	Epoch    int
	Verdict  domain.Verdict
	Fields   map[domain.AccountType]domain.ChallengeState
}

// ConnectorStatus reports the watcher session state.
type ConnectorStatus struct {
	Up bool
}

// DiagnosticLevel mirrors slog levels for operator-facing diagnostics.
type DiagnosticLevel string

const (
	DiagnosticInfo  DiagnosticLevel = "info"
	DiagnosticWarn  DiagnosticLevel = "warn"
	DiagnosticError DiagnosticLevel = "error"
)

// Diagnostic is an operator-facing notice sent to the emitter endpoint.
type Diagnostic struct {
	Level    DiagnosticLevel
	Identity domain.IdentityID
	Message  string
}

func (ChallengeRequest) Kind() string  { return "challenge_request" }
func (ChallengeResponse) Kind() string { return "challenge_response" }
func (NewClaim) Kind() string          { return "new_claim" }
func (RemoveIdentity) Kind() string    { return "remove_identity" }
func (Judgment) Kind() string          { return "judgment" }
func (ConnectorStatus) Kind() string   { return "connector_status" }
func (Diagnostic) Kind() string        { return "diagnostic" }

func (m ChallengeRequest) clone() Payload { return m }

func (m ChallengeResponse) clone() Payload {
	m.Violations = slices.Clone(m.Violations)
	return m
}

func (m NewClaim) clone() Payload {
	m.Fields = slices.Clone(m.Fields)
	return m
}

func (m RemoveIdentity) clone() Payload  { return m }
func (m ConnectorStatus) clone() Payload { return m }
func (m Diagnostic) clone() Payload      { return m }

func (m Judgment) clone() Payload {
	m.Fields = maps.Clone(m.Fields)
	return m
}
