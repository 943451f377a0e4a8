package consent

import (
	"context"
	"time"

	"github.com/google/uuid"
)

// SessionStore holds consent sessions keyed by (provider, patient). All
// operations on one pair are linearized; different pairs never contend.
type SessionStore interface {
	// Issue supersedes the pair's current session and stores a new one.
	Issue(ctx context.Context, providerID, patientID uuid.UUID, code string, ttl time.Duration) (*Session, error)
	// Get returns the pair's current session.
	Get(ctx context.Context, providerID, patientID uuid.UUID) (*Session, error)
	RecordAttempt(ctx context.Context, providerID, patientID uuid.UUID, code string) (AttemptResult, error)
	// Consume reports whether a verified, unconsumed session within grace was
	// found and marked consumed. A missing session is not an error.
	Consume(ctx context.Context, providerID, patientID uuid.UUID) (bool, error)
	// ConsumeWith is Consume with a commit hook. commit runs while the pair
	// is locked, after the session is found consumable; the session is marked
	// consumed only when commit returns nil, and commit's error is returned.
	// On Postgres commit's context carries the consuming transaction.
	ConsumeWith(ctx context.Context, providerID, patientID uuid.UUID, commit func(ctx context.Context) error) (bool, error)
	// Sweep deletes sessions past expiry plus grace and returns how many.
	Sweep(ctx context.Context) (int, error)
}

// StoreOptions configures a SessionStore.
type StoreOptions struct {
	MaxAttempts int
	Grace       time.Duration
	Now         func() time.Time
}

func (o StoreOptions) withDefaults() StoreOptions {
	if o.MaxAttempts <= 0 {
		o.MaxAttempts = DefaultMaxAttempts
	}
	if o.Grace < 0 {
		o.Grace = 0
	}
	if o.Now == nil {
		o.Now = time.Now
	}
	return o
}

const (
	DefaultTTL         = 10 * time.Minute
	DefaultGrace       = 2 * time.Minute
	DefaultMaxAttempts = 5
)

func newSession(providerID, patientID uuid.UUID, code string, ttl time.Duration, maxAttempts int, now time.Time) *Session {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	issued := now.UTC()
	return &Session{
		ID:          uuid.New(),
		ProviderID:  providerID,
		PatientID:   patientID,
		Code:        code,
		IssuedAt:    issued,
		ExpiresAt:   issued.Add(ttl),
		MaxAttempts: maxAttempts,
	}
}
