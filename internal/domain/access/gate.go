package access

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/medportal/portal/internal/domain/auditlog"
	"github.com/medportal/portal/internal/platform/db"
)

var (
	ErrProviderNotVerified = errors.New("provider not verified")
	ErrNoValidConsent      = errors.New("no valid consent for patient")
)

// Reason returns the wire name of a gate denial.
func Reason(err error) string {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, ErrProviderNotVerified):
		return "ProviderNotVerified"
	case errors.Is(err, ErrNoValidConsent):
		return "NoValidConsent"
	}
	return "InternalError"
}

// Onboarding answers vetting questions about a provider.
type Onboarding interface {
	IsVerified(ctx context.Context, providerID uuid.UUID) (bool, error)
	GrantableScopes(ctx context.Context, providerID uuid.UUID) ([]string, error)
}

// ConsentConsumer marks a verified consent session as used. commit runs
// while the session is held and the session stays unconsumed when it fails.
type ConsentConsumer interface {
	ConsumeWith(ctx context.Context, providerID, patientID uuid.UUID, commit func(ctx context.Context) error) (bool, error)
}

// Grant is what a successful authorization releases to the provider.
type Grant struct {
	Token        string    `json:"token"`
	TokenID      uuid.UUID `json:"-"`
	ExpiresAt    time.Time `json:"expires_at"`
	GrantedScope []string  `json:"granted_scope"`
}

// Gate is the single point that releases record access. It requires a
// verified provider and a verified, unconsumed consent session for the pair.
type Gate struct {
	onboarding Onboarding
	sessions   ConsentConsumer
	audit      *auditlog.Recorder
	tokens     *TokenIssuer
	logger     zerolog.Logger
}

func NewGate(onboarding Onboarding, sessions ConsentConsumer, audit *auditlog.Recorder, tokens *TokenIssuer, logger zerolog.Logger) *Gate {
	return &Gate{
		onboarding: onboarding,
		sessions:   sessions,
		audit:      audit,
		tokens:     tokens,
		logger:     logger.With().Str("component", "access_gate").Logger(),
	}
}

// Authorize checks, in order, that the provider is verified and that a
// consent session can be consumed. Every call appends exactly one audit
// event. The grant event is appended inside the consumption, so a grant
// whose event cannot be persisted is refused and leaves the session usable.
func (g *Gate) Authorize(ctx context.Context, providerID, patientID uuid.UUID) (*Grant, error) {
	verified, err := g.onboarding.IsVerified(ctx, providerID)
	if err != nil {
		return nil, g.deny(ctx, providerID, patientID, fmt.Errorf("check provider: %w", err))
	}
	if !verified {
		return nil, g.deny(ctx, providerID, patientID, ErrProviderNotVerified)
	}

	scope, err := g.onboarding.GrantableScopes(ctx, providerID)
	if err != nil {
		return nil, g.deny(ctx, providerID, patientID, fmt.Errorf("resolve scope: %w", err))
	}
	raw, tok, err := g.tokens.Mint(providerID, patientID, db.TenantFromContext(ctx), scope)
	if err != nil {
		return nil, g.deny(ctx, providerID, patientID, err)
	}

	var auditErr error
	consumed, err := g.sessions.ConsumeWith(ctx, providerID, patientID, func(ctx context.Context) error {
		auditErr = g.audit.Record(ctx, auditlog.Event{
			Action:     auditlog.ActionAuthorize,
			ProviderID: providerID,
			PatientID:  patientID,
			Decision:   auditlog.DecisionGranted,
			Reason:     "ConsentConsumed",
		})
		return auditErr
	})
	if auditErr != nil {
		return nil, fmt.Errorf("audit grant: %w", auditErr)
	}
	if err != nil {
		return nil, g.deny(ctx, providerID, patientID, fmt.Errorf("consume consent: %w", err))
	}
	if !consumed {
		return nil, g.deny(ctx, providerID, patientID, ErrNoValidConsent)
	}

	g.logger.Info().
		Str("provider_id", providerID.String()).
		Str("patient_id", patientID.String()).
		Str("token_id", tok.ID.String()).
		Strs("scope", tok.Scope).
		Time("expires_at", tok.ExpiresAt).
		Msg("record access granted")

	return &Grant{Token: raw, TokenID: tok.ID, ExpiresAt: tok.ExpiresAt, GrantedScope: tok.Scope}, nil
}

func (g *Gate) deny(ctx context.Context, providerID, patientID uuid.UUID, cause error) error {
	reason := Reason(cause)
	ev := g.logger.Info()
	if reason == "InternalError" {
		ev = g.logger.Error().Err(cause)
	}
	ev.Str("provider_id", providerID.String()).
		Str("patient_id", patientID.String()).
		Str("reason", reason).
		Msg("record access denied")

	if err := g.audit.Record(ctx, auditlog.Event{
		Action:     auditlog.ActionAuthorize,
		ProviderID: providerID,
		PatientID:  patientID,
		Decision:   auditlog.DecisionDenied,
		Reason:     reason,
	}); err != nil {
		g.logger.Error().Err(err).Msg("denial not persisted to audit log")
	}
	return cause
}
