package provider

import (
	"context"
	"errors"

	"github.com/google/uuid"
)

// Gate answers whether a provider has cleared administrator vetting. It only
// reads the registry.
type Gate struct {
	repo Repository
}

func NewGate(repo Repository) *Gate {
	return &Gate{repo: repo}
}

// IsVerified reports whether the provider exists and is verified. Unknown
// providers are not verified. Lookup failures other than not-found are
// returned so callers can tell them apart from a refusal.
func (g *Gate) IsVerified(ctx context.Context, providerID uuid.UUID) (bool, error) {
	p, err := g.repo.GetByID(ctx, providerID)
	if errors.Is(err, ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return p.Status == StatusVerified, nil
}

// GrantableScopes returns the record scopes a verified provider's role may be
// granted. It returns nil for unknown providers or roles.
func (g *Gate) GrantableScopes(ctx context.Context, providerID uuid.UUID) ([]string, error) {
	p, err := g.repo.GetByID(ctx, providerID)
	if errors.Is(err, ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	caps, ok := CapabilitiesFor(p.Role)
	if !ok {
		return nil, nil
	}
	return append([]string(nil), caps.ConsentScopes()...), nil
}
