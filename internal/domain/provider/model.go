package provider

import (
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

var (
	ErrNotFound            = errors.New("provider not found")
	ErrInvalidTransition   = errors.New("invalid provider status transition")
	ErrInvalidRegistration = errors.New("invalid provider registration")
)

// Role is the kind of provider account.
type Role string

const (
	RoleDoctor   Role = "doctor"
	RoleLab      Role = "lab"
	RolePharmacy Role = "pharmacy"
)

// Status is the onboarding status of a provider.
type Status string

const (
	StatusPending  Status = "pending"
	StatusVerified Status = "verified"
	StatusRejected Status = "rejected"
)

// Valid reports whether s is one of the known statuses.
func (s Status) Valid() bool {
	switch s {
	case StatusPending, StatusVerified, StatusRejected:
		return true
	}
	return false
}

// IsTerminal reports whether no further transition is allowed out of s.
func (s Status) IsTerminal() bool {
	return s == StatusVerified || s == StatusRejected
}

// Provider maps to the provider table.
type Provider struct {
	ID            uuid.UUID  `db:"id" json:"id"`
	Role          Role       `db:"role" json:"role"`
	Name          string     `db:"name" json:"name"`
	ContactEmail  string     `db:"contact_email" json:"contact_email"`
	LicenseNumber string     `db:"license_number" json:"license_number"`
	Status        Status     `db:"status" json:"status"`
	VerifiedAt    *time.Time `db:"verified_at" json:"verified_at,omitempty"`
	ReviewedAt    *time.Time `db:"reviewed_at" json:"reviewed_at,omitempty"`
	ReviewedBy    *string    `db:"reviewed_by" json:"reviewed_by,omitempty"`
	ReviewNote    *string    `db:"review_note" json:"review_note,omitempty"`
	CreatedAt     time.Time  `db:"created_at" json:"created_at"`
	UpdatedAt     time.Time  `db:"updated_at" json:"updated_at"`
}

// StatusChange is an administrator decision on a provider.
type StatusChange struct {
	To         Status
	ReviewedBy string
	Note       string
	At         time.Time
}

// Apply moves p to change.To. Pending is never a valid target, and verified
// and rejected are terminal; re-applying the current status is a no-op so an
// administrator's repeated submission does not fail. changed reports whether
// p was modified.
func (p *Provider) Apply(change StatusChange) (changed bool, err error) {
	if !change.To.Valid() || change.To == StatusPending {
		return false, fmt.Errorf("%w: cannot move to %q", ErrInvalidTransition, change.To)
	}
	if p.Status == change.To {
		return false, nil
	}
	if p.Status.IsTerminal() {
		return false, fmt.Errorf("%w: provider is already %s", ErrInvalidTransition, p.Status)
	}

	at := change.At.UTC()
	p.Status = change.To
	p.ReviewedAt = &at
	p.UpdatedAt = at
	if change.ReviewedBy != "" {
		by := change.ReviewedBy
		p.ReviewedBy = &by
	}
	if change.Note != "" {
		note := change.Note
		p.ReviewNote = &note
	}
	if change.To == StatusVerified {
		p.VerifiedAt = &at
	}
	return true, nil
}
