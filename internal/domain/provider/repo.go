package provider

import (
	"context"

	"github.com/google/uuid"
)

// Repository defines the persistence interface for the provider registry.
// Providers are never deleted.
type Repository interface {
	Create(ctx context.Context, p *Provider) error
	GetByID(ctx context.Context, id uuid.UUID) (*Provider, error)
	// Update loads the provider, applies fn under that record's lock and
	// persists the result when fn reports a change.
	Update(ctx context.Context, id uuid.UUID, fn func(p *Provider) (bool, error)) (*Provider, error)
	List(ctx context.Context, status Status, limit, offset int) ([]*Provider, int, error)
}
