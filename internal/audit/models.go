package audit

import "time"

// Action names a credential lifecycle event.
type Action string

const (
	ActionIssued      Action = "credential_issued"
	ActionVerified    Action = "credential_verified"
	ActionRevoked     Action = "credential_revoked"
	ActionReactivated Action = "credential_reactivated"
	ActionKeyCreated  Action = "issuer_key_created"
)

// Event is emitted from domain logic to capture key actions. Keep it
// transport-agnostic so stores and sinks can fan out.
type Event struct {
	ID              string    `json:"id"`
	Timestamp       time.Time `json:"timestamp"`
	Action          Action    `json:"action"`
	IssuerID        string    `json:"issuer_id,omitempty"`
	SubjectID       string    `json:"subject_id,omitempty"`
	CredentialID    string    `json:"credential_id,omitempty"`
	RequestingParty string    `json:"requesting_party,omitempty"`
	RequestID       string    `json:"request_id,omitempty"`
	// Decision is the verification outcome for ActionVerified events.
	Decision string `json:"decision,omitempty"`
	Reason   string `json:"reason,omitempty"`
}
