package auditlog

import (
	"time"

	"github.com/google/uuid"
)

type Decision string

const (
	DecisionGranted Decision = "granted"
	DecisionDenied  Decision = "denied"
)

// Actions recorded by the portal.
const (
	ActionAuthorize     = "access.authorize"
	ActionConsentVerify = "consent.verify"
)

// Event maps to the audit_event table. Events are immutable once appended.
type Event struct {
	ID          uuid.UUID `db:"id" json:"id"`
	RecordedAt  time.Time `db:"recorded_at" json:"recorded_at"`
	Action      string    `db:"action" json:"action"`
	ProviderID  uuid.UUID `db:"provider_id" json:"provider_id"`
	PatientID   uuid.UUID `db:"patient_id" json:"patient_id"`
	Decision    Decision  `db:"decision" json:"decision"`
	Reason      string    `db:"reason" json:"reason"`
	RequestID   string    `db:"request_id" json:"request_id,omitempty"`
	ActorUserID string    `db:"actor_user_id" json:"actor_user_id,omitempty"`
}

// Filter narrows List results. Zero-valued fields match everything.
type Filter struct {
	ProviderID uuid.UUID
	PatientID  uuid.UUID
	Action     string
}

func (f Filter) matches(e *Event) bool {
	if f.ProviderID != uuid.Nil && e.ProviderID != f.ProviderID {
		return false
	}
	if f.PatientID != uuid.Nil && e.PatientID != f.PatientID {
		return false
	}
	if f.Action != "" && e.Action != f.Action {
		return false
	}
	return true
}
