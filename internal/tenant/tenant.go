package tenant

import (
	"context"
	"time"

	"github.com/google/uuid"
)

// Tenant is one logical isolation boundary. Requests identify it by the
// external UUID in the tenant header; storage rows carry the short internal
// ID.
type Tenant struct {
	ExternalID uuid.UUID `json:"externalId"`
	InternalID string    `json:"internalId"`
	Name       string    `json:"name"`
	Enabled    bool      `json:"enabled"`
	CreatedAt  time.Time `json:"createdAt"`
	UpdatedAt  time.Time `json:"updatedAt"`
}

// Repository persists tenants. Both IDs are globally unique.
type Repository interface {
	Create(ctx context.Context, t *Tenant) error
	GetByExternalID(ctx context.Context, externalID uuid.UUID) (*Tenant, error)
	GetByInternalID(ctx context.Context, internalID string) (*Tenant, error)
	List(ctx context.Context) ([]*Tenant, error)
	SetEnabled(ctx context.Context, externalID uuid.UUID, enabled bool) error
	Delete(ctx context.Context, externalID uuid.UUID) error
}

type ctxKey struct{}

// WithTenant stores the resolved internal tenant ID in the context. The
// router's tenant middleware calls this; the store reads it back.
func WithTenant(ctx context.Context, internalID string) context.Context {
	return context.WithValue(ctx, ctxKey{}, internalID)
}

// FromContext returns the internal tenant ID placed by WithTenant.
func FromContext(ctx context.Context) (string, bool) {
	id, ok := ctx.Value(ctxKey{}).(string)
	return id, ok
}
