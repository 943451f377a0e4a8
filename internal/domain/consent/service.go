package consent

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/medportal/portal/internal/domain/auditlog"
	"github.com/medportal/portal/internal/domain/patient"
	"github.com/medportal/portal/internal/domain/provider"
	"github.com/medportal/portal/internal/platform/notification"
)

// Notifier delivers a consent code out of band.
type Notifier interface {
	Send(ctx context.Context, to notification.Recipient, msg notification.Message) error
}

// ProviderLookup resolves the provider named in the patient's message.
type ProviderLookup interface {
	Get(ctx context.Context, id uuid.UUID) (*provider.Provider, error)
}

// Config holds protocol timings.
type Config struct {
	TTL           time.Duration
	Grace         time.Duration
	NotifyTimeout time.Duration
}

// Service drives issue, delivery and verification of consent codes.
type Service struct {
	store     SessionStore
	providers ProviderLookup
	patients  patient.Directory
	notifier  Notifier
	audit     *auditlog.Recorder
	newCode   CodeGenerator
	cfg       Config
	logger    zerolog.Logger
	now       func() time.Time
}

func NewService(store SessionStore, providers ProviderLookup, patients patient.Directory, notifier Notifier,
	audit *auditlog.Recorder, newCode CodeGenerator, cfg Config, logger zerolog.Logger) *Service {
	if cfg.TTL <= 0 {
		cfg.TTL = DefaultTTL
	}
	if cfg.Grace <= 0 {
		cfg.Grace = DefaultGrace
	}
	if cfg.NotifyTimeout <= 0 {
		cfg.NotifyTimeout = 5 * time.Second
	}
	if newCode == nil {
		newCode = NumericCode(6)
	}
	return &Service{
		store:     store,
		providers: providers,
		patients:  patients,
		notifier:  notifier,
		audit:     audit,
		newCode:   newCode,
		cfg:       cfg,
		logger:    logger.With().Str("component", "consent").Logger(),
		now:       time.Now,
	}
}

// SetClock replaces the clock used for status views. Stores carry their own.
func (s *Service) SetClock(now func() time.Time) {
	s.now = now
}

// Issue creates a new session for the pair, superseding any earlier one, and
// sends the code to the patient. On ErrDeliveryFailed the returned session id
// is still valid and the caller may Resend.
func (s *Service) Issue(ctx context.Context, providerID, patientID uuid.UUID) (uuid.UUID, error) {
	prov, err := s.providers.Get(ctx, providerID)
	if err != nil {
		return uuid.Nil, fmt.Errorf("lookup provider: %w", err)
	}
	pat, err := s.patients.Lookup(ctx, patientID)
	if err != nil {
		return uuid.Nil, fmt.Errorf("lookup patient: %w", err)
	}
	code, err := s.newCode()
	if err != nil {
		return uuid.Nil, err
	}

	sess, err := s.store.Issue(ctx, providerID, patientID, code, s.cfg.TTL)
	if err != nil {
		return uuid.Nil, fmt.Errorf("store session: %w", err)
	}
	s.logger.Info().
		Str("session_id", sess.ID.String()).
		Str("provider_id", providerID.String()).
		Str("patient_id", patientID.String()).
		Time("expires_at", sess.ExpiresAt).
		Msg("consent session issued")

	if err := s.deliver(ctx, sess, prov, pat); err != nil {
		return sess.ID, err
	}
	return sess.ID, nil
}

// Resend delivers the pair's current code again. Only a session still
// awaiting verification can be resent; a new code needs a new Issue.
func (s *Service) Resend(ctx context.Context, providerID, patientID uuid.UUID) (uuid.UUID, error) {
	sess, err := s.store.Get(ctx, providerID, patientID)
	if err != nil {
		return uuid.Nil, err
	}
	if st := sess.State(s.now(), s.cfg.Grace); st != StateIssued {
		return uuid.Nil, fmt.Errorf("%w: session is %s", ErrNoActiveSession, st)
	}
	prov, err := s.providers.Get(ctx, providerID)
	if err != nil {
		return uuid.Nil, fmt.Errorf("lookup provider: %w", err)
	}
	pat, err := s.patients.Lookup(ctx, patientID)
	if err != nil {
		return uuid.Nil, fmt.Errorf("lookup patient: %w", err)
	}
	if err := s.deliver(ctx, sess, prov, pat); err != nil {
		return sess.ID, err
	}
	return sess.ID, nil
}

// deliver sends the code in its own goroutine with a bounded wait. The send
// context is detached from the request so a client disconnect does not abort
// a send already handed to the gateway. No store lock is held here.
func (s *Service) deliver(ctx context.Context, sess *Session, prov *provider.Provider, pat *patient.Patient) error {
	sendCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), s.cfg.NotifyTimeout)
	defer cancel()

	msg := notification.Message{
		Code:         sess.Code,
		ProviderName: prov.Name,
		TTL:          sess.ExpiresAt.Sub(sess.IssuedAt),
	}
	done := make(chan error, 1)
	go func() {
		done <- s.notifier.Send(sendCtx, pat.Recipient(), msg)
	}()

	var err error
	select {
	case err = <-done:
	case <-sendCtx.Done():
		err = sendCtx.Err()
	}
	if err != nil {
		s.logger.Warn().Err(err).
			Str("session_id", sess.ID.String()).
			Str("provider_id", sess.ProviderID.String()).
			Str("patient_id", sess.PatientID.String()).
			Msg("consent code delivery failed")
		return fmt.Errorf("%w: %v", ErrDeliveryFailed, err)
	}
	return nil
}

// Verify checks a code supplied by the patient. It returns nil when the
// session is verified, or one of ErrCodeExpired, ErrTooManyAttempts and
// ErrCodeMismatch. A pair with no session reports ErrCodeExpired.
func (s *Service) Verify(ctx context.Context, providerID, patientID uuid.UUID, code string) error {
	res, err := s.store.RecordAttempt(ctx, providerID, patientID, code)
	var outcome error
	switch {
	case errors.Is(err, ErrSessionNotFound):
		outcome = ErrCodeExpired
	case err != nil:
		return fmt.Errorf("record attempt: %w", err)
	default:
		outcome = res.outcome()
	}

	decision := auditlog.DecisionGranted
	reason := "CodeVerified"
	if outcome != nil {
		decision = auditlog.DecisionDenied
		reason = Reason(outcome)
	}
	s.logger.Info().
		Str("provider_id", providerID.String()).
		Str("patient_id", patientID.String()).
		Str("outcome", reason).
		Msg("consent code verification")

	if auditErr := s.audit.Record(ctx, auditlog.Event{
		Action:     auditlog.ActionConsentVerify,
		ProviderID: providerID,
		PatientID:  patientID,
		Decision:   decision,
		Reason:     reason,
	}); auditErr != nil {
		s.logger.Error().Err(auditErr).Msg("verification outcome not persisted to audit log")
	}
	return outcome
}

// SessionView is the externally visible status of a session. It never
// includes the code.
type SessionView struct {
	SessionID    uuid.UUID `json:"session_id"`
	ProviderID   uuid.UUID `json:"provider_id"`
	PatientID    uuid.UUID `json:"patient_id"`
	State        State     `json:"state"`
	Attempts     int       `json:"attempts"`
	AttemptsLeft int       `json:"attempts_left"`
	IssuedAt     time.Time `json:"issued_at"`
	ExpiresAt    time.Time `json:"expires_at"`
	ConsumeBy    time.Time `json:"consume_by"`
}

func (s *Service) Status(ctx context.Context, providerID, patientID uuid.UUID) (*SessionView, error) {
	sess, err := s.store.Get(ctx, providerID, patientID)
	if err != nil {
		return nil, err
	}
	state := sess.State(s.now(), s.cfg.Grace)
	left := sess.AttemptsLeft()
	if state.IsTerminal() {
		left = 0
	}
	return &SessionView{
		SessionID:    sess.ID,
		ProviderID:   sess.ProviderID,
		PatientID:    sess.PatientID,
		State:        state,
		Attempts:     sess.Attempts,
		AttemptsLeft: left,
		IssuedAt:     sess.IssuedAt,
		ExpiresAt:    sess.ExpiresAt,
		ConsumeBy:    sess.ExpiresAt.Add(s.cfg.Grace),
	}, nil
}
