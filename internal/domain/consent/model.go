package consent

import (
	"crypto/subtle"
	"errors"
	"time"

	"github.com/google/uuid"
)

var (
	ErrSessionNotFound = errors.New("consent session not found")
	ErrNoActiveSession = errors.New("no active consent session")
	ErrDeliveryFailed  = errors.New("consent code delivery failed")
	ErrCodeMismatch    = errors.New("consent code does not match")
	ErrCodeExpired     = errors.New("consent code expired")
	ErrTooManyAttempts = errors.New("too many consent code attempts")
)

// Reason returns the wire name of a consent error, or "" for nil.
func Reason(err error) string {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, ErrCodeExpired):
		return "CodeExpired"
	case errors.Is(err, ErrTooManyAttempts):
		return "TooManyAttempts"
	case errors.Is(err, ErrCodeMismatch):
		return "CodeMismatch"
	case errors.Is(err, ErrDeliveryFailed):
		return "DeliveryFailed"
	case errors.Is(err, ErrSessionNotFound):
		return "SessionNotFound"
	case errors.Is(err, ErrNoActiveSession):
		return "NoActiveSession"
	}
	return "InternalError"
}

// State is the lifecycle position of a session at a point in time.
type State string

const (
	StateIssued    State = "issued"
	StateVerified  State = "verified"
	StateConsumed  State = "consumed"
	StateExpired   State = "expired"
	StateExhausted State = "exhausted"
)

// IsTerminal reports whether a fresh Issue is needed to proceed.
func (s State) IsTerminal() bool {
	return s == StateConsumed || s == StateExpired || s == StateExhausted
}

// Session maps to the consent_session table. Code is never serialized.
type Session struct {
	ID          uuid.UUID  `db:"id" json:"id"`
	ProviderID  uuid.UUID  `db:"provider_id" json:"provider_id"`
	PatientID   uuid.UUID  `db:"patient_id" json:"patient_id"`
	Code        string     `db:"code" json:"-"`
	IssuedAt    time.Time  `db:"issued_at" json:"issued_at"`
	ExpiresAt   time.Time  `db:"expires_at" json:"expires_at"`
	Attempts    int        `db:"attempts" json:"attempts"`
	MaxAttempts int        `db:"max_attempts" json:"max_attempts"`
	Verified    bool       `db:"verified" json:"verified"`
	VerifiedAt  *time.Time `db:"verified_at" json:"verified_at,omitempty"`
	Consumed    bool       `db:"consumed" json:"consumed"`
	ConsumedAt  *time.Time `db:"consumed_at" json:"consumed_at,omitempty"`
	Superseded  bool       `db:"superseded" json:"superseded"`
}

// State derives the session state at now. Expiry is computed lazily; a
// verified session stays usable until ExpiresAt plus grace.
func (s *Session) State(now time.Time, grace time.Duration) State {
	switch {
	case s.Consumed:
		return StateConsumed
	case s.Superseded:
		return StateExpired
	case s.Verified:
		if now.After(s.ExpiresAt.Add(grace)) {
			return StateExpired
		}
		return StateVerified
	case s.Attempts >= s.MaxAttempts:
		return StateExhausted
	case now.After(s.ExpiresAt):
		return StateExpired
	}
	return StateIssued
}

// AttemptsLeft is how many more verify calls can still succeed.
func (s *Session) AttemptsLeft() int {
	left := s.MaxAttempts - s.Attempts - 1
	if left < 0 || s.Verified {
		return 0
	}
	return left
}

// AttemptResult is the outcome of one verify call against a session.
type AttemptResult struct {
	Matched   bool
	Exhausted bool
	Expired   bool
	Verified  bool
}

// recordAttempt applies one verify call. The attempt counter is incremented
// before anything else, so the MaxAttempts-th call is exhausted even when
// its code is right. A verified session is never un-verified.
func (s *Session) recordAttempt(supplied string, now time.Time) AttemptResult {
	s.Attempts++

	res := AttemptResult{
		Matched: subtle.ConstantTimeCompare([]byte(supplied), []byte(s.Code)) == 1,
		Expired: s.Superseded || s.Consumed || now.After(s.ExpiresAt),
	}
	if s.Verified {
		res.Verified = true
		return res
	}

	res.Exhausted = s.Attempts >= s.MaxAttempts
	if res.Matched && !res.Expired && !res.Exhausted {
		at := now.UTC()
		s.Verified = true
		s.VerifiedAt = &at
		res.Verified = true
	}
	return res
}

// consumable reports whether a verified, unused session is still within
// expiry plus grace.
func (s *Session) consumable(now time.Time, grace time.Duration) bool {
	if !s.Verified || s.Consumed || s.Superseded {
		return false
	}
	return !now.After(s.ExpiresAt.Add(grace))
}

// consume marks a verified session as used. It succeeds at most once.
func (s *Session) consume(now time.Time, grace time.Duration) bool {
	if !s.consumable(now, grace) {
		return false
	}
	at := now.UTC()
	s.Consumed = true
	s.ConsumedAt = &at
	return true
}

// sweepable reports whether the session can no longer change state and may
// be reclaimed.
func (s *Session) sweepable(now time.Time, grace time.Duration) bool {
	return now.After(s.ExpiresAt.Add(grace))
}

// outcome maps an attempt to the error Verify reports, nil meaning granted.
// Precedence is expiry, then exhaustion, then mismatch.
func (r AttemptResult) outcome() error {
	switch {
	case r.Expired:
		return ErrCodeExpired
	case r.Exhausted:
		return ErrTooManyAttempts
	case !r.Matched:
		return ErrCodeMismatch
	case r.Verified:
		return nil
	}
	return ErrTooManyAttempts
}
