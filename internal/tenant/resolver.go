package tenant

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/fhirbox/fhirbox/internal/fhir"
)

// DefaultCacheTTL bounds how stale a cached tenant mapping may get. Tenant
// updates are administrative and rare, so a few minutes of staleness is
// acceptable.
const DefaultCacheTTL = 5 * time.Minute

type cacheEntry struct {
	internalID string
	expiresAt  time.Time
}

// Resolver maps the external tenant UUID carried in a request header to the
// internal tenant ID used in storage rows. Lookups hit an in-memory TTL
// cache before the tenants table.
type Resolver struct {
	repo      Repository
	enabled   bool
	defaultID string
	logger    zerolog.Logger

	mu    sync.RWMutex
	ttl   time.Duration
	cache map[uuid.UUID]cacheEntry

	now func() time.Time
}

// NewResolver creates a Resolver. When enabled is false every request
// resolves to defaultID without touching the repository.
func NewResolver(repo Repository, enabled bool, defaultID string, ttl time.Duration, logger zerolog.Logger) *Resolver {
	if ttl <= 0 {
		ttl = DefaultCacheTTL
	}
	return &Resolver{
		repo:      repo,
		enabled:   enabled,
		defaultID: defaultID,
		logger:    logger.With().Str("component", "tenant-resolver").Logger(),
		ttl:       ttl,
		cache:     make(map[uuid.UUID]cacheEntry),
		now:       time.Now,
	}
}

// Resolve turns the raw header value into an internal tenant ID. A missing
// or syntactically invalid header is a 400; an unknown tenant a 404; a
// disabled tenant a 403.
func (r *Resolver) Resolve(ctx context.Context, headerValue string) (string, error) {
	if !r.enabled {
		return r.defaultID, nil
	}

	if headerValue == "" {
		return "", fhir.InvalidError("tenant header is required")
	}

	externalID, err := uuid.Parse(headerValue)
	if err != nil {
		return "", fhir.InvalidError("tenant header %q is not a valid UUID", headerValue)
	}

	now := r.now()

	r.mu.RLock()
	entry, hit := r.cache[externalID]
	r.mu.RUnlock()
	if hit && now.Before(entry.expiresAt) {
		return entry.internalID, nil
	}

	t, err := r.repo.GetByExternalID(ctx, externalID)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return "", fhir.NotFoundError("tenant %s not found", externalID)
		}
		return "", fhir.InternalError(err)
	}
	if !t.Enabled {
		return "", fhir.ForbiddenError("tenant %s is disabled", externalID)
	}

	r.mu.Lock()
	r.cache[externalID] = cacheEntry{internalID: t.InternalID, expiresAt: now.Add(r.ttl)}
	r.mu.Unlock()

	return t.InternalID, nil
}

// Invalidate drops one cached mapping. Called after administrative tenant
// mutations so changes take effect before the TTL elapses.
func (r *Resolver) Invalidate(externalID uuid.UUID) {
	r.mu.Lock()
	delete(r.cache, externalID)
	r.mu.Unlock()
}

// Clear drops every cached mapping.
func (r *Resolver) Clear() {
	r.mu.Lock()
	r.cache = make(map[uuid.UUID]cacheEntry)
	r.mu.Unlock()
}

// SetTTL changes the cache TTL for subsequent inserts.
func (r *Resolver) SetTTL(d time.Duration) {
	if d <= 0 {
		return
	}
	r.mu.Lock()
	r.ttl = d
	r.mu.Unlock()
}
