package tenant

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/fhirbox/fhirbox/internal/platform/db"
)

// ErrNotFound is returned when no tenant matches the given ID.
var ErrNotFound = errors.New("tenant not found")

// ErrDuplicate is returned when a tenant with the same external or internal
// ID already exists.
var ErrDuplicate = errors.New("tenant already exists")

type repoPG struct{ pool *pgxpool.Pool }

// NewRepoPG creates a Repository over the tenants table.
func NewRepoPG(pool *pgxpool.Pool) Repository {
	return &repoPG{pool: pool}
}

func (r *repoPG) conn(ctx context.Context) db.Queryable {
	return db.Conn(ctx, r.pool)
}

const tenantCols = `external_id, internal_id, name, enabled, created_at, updated_at`

func scanTenant(row pgx.Row) (*Tenant, error) {
	var t Tenant
	err := row.Scan(&t.ExternalID, &t.InternalID, &t.Name, &t.Enabled, &t.CreatedAt, &t.UpdatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return &t, nil
}

func (r *repoPG) Create(ctx context.Context, t *Tenant) error {
	if t.ExternalID == uuid.Nil {
		t.ExternalID = uuid.New()
	}
	_, err := r.conn(ctx).Exec(ctx, `
		INSERT INTO tenants (external_id, internal_id, name, enabled)
		VALUES ($1, $2, $3, $4)`,
		t.ExternalID, t.InternalID, t.Name, t.Enabled)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23505" {
			return fmt.Errorf("%s: %w", t.InternalID, ErrDuplicate)
		}
		return fmt.Errorf("create tenant: %w", err)
	}
	return nil
}

func (r *repoPG) GetByExternalID(ctx context.Context, externalID uuid.UUID) (*Tenant, error) {
	return scanTenant(r.conn(ctx).QueryRow(ctx,
		`SELECT `+tenantCols+` FROM tenants WHERE external_id = $1`, externalID))
}

func (r *repoPG) GetByInternalID(ctx context.Context, internalID string) (*Tenant, error) {
	return scanTenant(r.conn(ctx).QueryRow(ctx,
		`SELECT `+tenantCols+` FROM tenants WHERE internal_id = $1`, internalID))
}

func (r *repoPG) List(ctx context.Context) ([]*Tenant, error) {
	rows, err := r.conn(ctx).Query(ctx,
		`SELECT `+tenantCols+` FROM tenants ORDER BY internal_id`)
	if err != nil {
		return nil, fmt.Errorf("list tenants: %w", err)
	}
	defer rows.Close()

	var out []*Tenant
	for rows.Next() {
		var t Tenant
		if err := rows.Scan(&t.ExternalID, &t.InternalID, &t.Name, &t.Enabled, &t.CreatedAt, &t.UpdatedAt); err != nil {
			return nil, fmt.Errorf("scan tenant: %w", err)
		}
		out = append(out, &t)
	}
	return out, rows.Err()
}

func (r *repoPG) SetEnabled(ctx context.Context, externalID uuid.UUID, enabled bool) error {
	tag, err := r.conn(ctx).Exec(ctx, `
		UPDATE tenants SET enabled = $2, updated_at = NOW()
		WHERE external_id = $1`,
		externalID, enabled)
	if err != nil {
		return fmt.Errorf("set tenant enabled: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (r *repoPG) Delete(ctx context.Context, externalID uuid.UUID) error {
	tag, err := r.conn(ctx).Exec(ctx, `DELETE FROM tenants WHERE external_id = $1`, externalID)
	if err != nil {
		return fmt.Errorf("delete tenant: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}
