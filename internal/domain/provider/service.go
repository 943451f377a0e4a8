package provider

import (
	"context"
	"fmt"
	"net/mail"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

type Service struct {
	repo   Repository
	logger zerolog.Logger
	now    func() time.Time
}

func NewService(repo Repository, logger zerolog.Logger) *Service {
	return &Service{
		repo:   repo,
		logger: logger.With().Str("component", "provider").Logger(),
		now:    time.Now,
	}
}

// SetClock replaces the service clock. Used by tests.
func (s *Service) SetClock(now func() time.Time) {
	s.now = now
}

// Registration is the input for a new provider account.
type Registration struct {
	Role          Role   `json:"role"`
	Name          string `json:"name"`
	ContactEmail  string `json:"contact_email"`
	LicenseNumber string `json:"license_number"`
}

func (s *Service) Register(ctx context.Context, reg Registration) (*Provider, error) {
	caps, ok := CapabilitiesFor(reg.Role)
	if !ok {
		return nil, fmt.Errorf("%w: unknown role %q", ErrInvalidRegistration, reg.Role)
	}
	name := strings.TrimSpace(reg.Name)
	if name == "" {
		return nil, fmt.Errorf("%w: name is required", ErrInvalidRegistration)
	}
	addr, err := mail.ParseAddress(strings.TrimSpace(reg.ContactEmail))
	if err != nil {
		return nil, fmt.Errorf("%w: contact_email is invalid", ErrInvalidRegistration)
	}
	license := strings.TrimSpace(reg.LicenseNumber)
	if license == "" {
		return nil, fmt.Errorf("%w: %s is required", ErrInvalidRegistration, caps.RequiredCredential())
	}

	now := s.now().UTC()
	p := &Provider{
		ID:            uuid.New(),
		Role:          reg.Role,
		Name:          name,
		ContactEmail:  addr.Address,
		LicenseNumber: license,
		Status:        StatusPending,
		CreatedAt:     now,
		UpdatedAt:     now,
	}
	if err := s.repo.Create(ctx, p); err != nil {
		return nil, fmt.Errorf("create provider: %w", err)
	}

	s.logger.Info().
		Str("provider_id", p.ID.String()).
		Str("role", string(p.Role)).
		Msg("provider registered")
	return p, nil
}

func (s *Service) Get(ctx context.Context, id uuid.UUID) (*Provider, error) {
	return s.repo.GetByID(ctx, id)
}

// SetStatus records an administrator's vetting decision. The update runs
// under the provider's record lock so two concurrent decisions cannot both
// leave pending.
func (s *Service) SetStatus(ctx context.Context, id uuid.UUID, to Status, reviewedBy, note string) (*Provider, error) {
	var from Status
	var changed bool
	p, err := s.repo.Update(ctx, id, func(p *Provider) (bool, error) {
		from = p.Status
		var err error
		changed, err = p.Apply(StatusChange{
			To:         to,
			ReviewedBy: reviewedBy,
			Note:       note,
			At:         s.now(),
		})
		return changed, err
	})
	if err != nil {
		s.logger.Warn().Err(err).
			Str("provider_id", id.String()).
			Str("requested_status", string(to)).
			Msg("provider status change refused")
		return nil, err
	}

	if changed {
		s.logger.Info().
			Str("provider_id", id.String()).
			Str("from", string(from)).
			Str("to", string(p.Status)).
			Str("reviewed_by", reviewedBy).
			Msg("provider status changed")
	}
	return p, nil
}

func (s *Service) List(ctx context.Context, status Status, limit, offset int) ([]*Provider, int, error) {
	if status != "" && !status.Valid() {
		return nil, 0, fmt.Errorf("unknown status %q", status)
	}
	return s.repo.List(ctx, status, limit, offset)
}
