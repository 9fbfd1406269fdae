package store

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog"

	"github.com/fhirbox/fhirbox/internal/fhir"
	"github.com/fhirbox/fhirbox/internal/platform/db"
	"github.com/fhirbox/fhirbox/internal/search"
	"github.com/fhirbox/fhirbox/internal/tenant"
)

// Store persists resource versions and their search index rows. Every method
// scopes to the tenant carried in the context; a context without a tenant is
// a programming error, not a client error.
type Store struct {
	pool   *pgxpool.Pool
	logger zerolog.Logger
}

func New(pool *pgxpool.Pool, logger zerolog.Logger) *Store {
	return &Store{
		pool:   pool,
		logger: logger.With().Str("component", "store").Logger(),
	}
}

// WithTx runs fn in one transaction; nested store calls join it through the
// context.
func (s *Store) WithTx(ctx context.Context, fn func(ctx context.Context) error) error {
	return db.WithTx(ctx, s.pool, fn)
}

func (s *Store) conn(ctx context.Context) db.Queryable {
	return db.Conn(ctx, s.pool)
}

func tenantID(ctx context.Context) (string, error) {
	id, ok := tenant.FromContext(ctx)
	if !ok {
		return "", fhir.InternalError(errors.New("no tenant in request context"))
	}
	return id, nil
}

const resourceCols = `tenant_id, resource_type, resource_id, version_id,
	fhir_version, is_current, is_deleted, content, operation, last_updated, created_at`

func scanResource(row pgx.Row) (*Row, error) {
	var r Row
	var v string
	err := row.Scan(&r.TenantID, &r.ResourceType, &r.ResourceID, &r.VersionID,
		&v, &r.IsCurrent, &r.IsDeleted, &r.Content, &r.Operation, &r.LastUpdated, &r.CreatedAt)
	if err != nil {
		return nil, err
	}
	r.FHIRVersion = fhir.Version(v)
	return &r, nil
}

// isUniqueViolation reports a 23505 from the partial unique index on
// (tenant, type, id) WHERE is_current, i.e. a lost update race.
func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "23505"
}

// Insert writes one new version row. A concurrent writer that already placed
// a current row surfaces as a 409.
func (s *Store) Insert(ctx context.Context, r *Row) error {
	tid, err := tenantID(ctx)
	if err != nil {
		return err
	}
	r.TenantID = tid

	_, err = s.conn(ctx).Exec(ctx, `
		INSERT INTO resources (`+resourceCols+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)`,
		r.TenantID, r.ResourceType, r.ResourceID, r.VersionID, string(r.FHIRVersion),
		r.IsCurrent, r.IsDeleted, r.Content, r.Operation, r.LastUpdated, r.CreatedAt)
	if isUniqueViolation(err) {
		return fhir.ConflictError("%s/%s was modified concurrently", r.ResourceType, r.ResourceID)
	}
	if err != nil {
		return fmt.Errorf("insert resource version: %w", err)
	}
	return nil
}

// MarkNotCurrent clears the current flag on the resource's live version, if
// any, ahead of inserting its successor.
func (s *Store) MarkNotCurrent(ctx context.Context, resourceType, id string) error {
	tid, err := tenantID(ctx)
	if err != nil {
		return err
	}
	_, err = s.conn(ctx).Exec(ctx, `
		UPDATE resources SET is_current = FALSE
		WHERE tenant_id = $1 AND resource_type = $2 AND resource_id = $3 AND is_current`,
		tid, resourceType, id)
	if err != nil {
		return fmt.Errorf("mark not current: %w", err)
	}
	return nil
}

// MaxVersion returns the highest stored version id, 0 when the resource has
// never existed.
func (s *Store) MaxVersion(ctx context.Context, resourceType, id string) (int, error) {
	tid, err := tenantID(ctx)
	if err != nil {
		return 0, err
	}
	var max int
	err = s.conn(ctx).QueryRow(ctx, `
		SELECT COALESCE(MAX(version_id), 0) FROM resources
		WHERE tenant_id = $1 AND resource_type = $2 AND resource_id = $3`,
		tid, resourceType, id).Scan(&max)
	if err != nil {
		return 0, fmt.Errorf("max version: %w", err)
	}
	return max, nil
}

// FindCurrent returns the current version row, tombstone included; callers
// decide whether a tombstone is a 410 or a resurrectable id.
func (s *Store) FindCurrent(ctx context.Context, resourceType, id string) (*Row, error) {
	tid, err := tenantID(ctx)
	if err != nil {
		return nil, err
	}
	row, err := scanResource(s.conn(ctx).QueryRow(ctx, `
		SELECT `+resourceCols+` FROM resources
		WHERE tenant_id = $1 AND resource_type = $2 AND resource_id = $3 AND is_current`,
		tid, resourceType, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fhir.ResourceNotFoundError(resourceType, id)
	}
	if err != nil {
		return nil, fmt.Errorf("find current: %w", err)
	}
	return row, nil
}

// FindVersion returns one specific version row.
func (s *Store) FindVersion(ctx context.Context, resourceType, id string, versionID int) (*Row, error) {
	tid, err := tenantID(ctx)
	if err != nil {
		return nil, err
	}
	row, err := scanResource(s.conn(ctx).QueryRow(ctx, `
		SELECT `+resourceCols+` FROM resources
		WHERE tenant_id = $1 AND resource_type = $2 AND resource_id = $3 AND version_id = $4`,
		tid, resourceType, id, versionID))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fhir.NotFoundError("%s/%s/_history/%d not found", resourceType, id, versionID)
	}
	if err != nil {
		return nil, fmt.Errorf("find version: %w", err)
	}
	return row, nil
}

// ListHistory returns every version of a resource, newest first.
func (s *Store) ListHistory(ctx context.Context, resourceType, id string) ([]*Row, error) {
	tid, err := tenantID(ctx)
	if err != nil {
		return nil, err
	}
	rows, err := s.conn(ctx).Query(ctx, `
		SELECT `+resourceCols+` FROM resources
		WHERE tenant_id = $1 AND resource_type = $2 AND resource_id = $3
		ORDER BY version_id DESC`,
		tid, resourceType, id)
	if err != nil {
		return nil, fmt.Errorf("list history: %w", err)
	}
	defer rows.Close()

	var out []*Row
	for rows.Next() {
		r, err := scanResource(rows)
		if err != nil {
			return nil, fmt.Errorf("scan history row: %w", err)
		}
		out = append(out, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list history: %w", err)
	}
	return out, nil
}

// --- search index ---

const indexCols = `tenant_id, resource_type, resource_id, param_name, param_type,
	value_string, value_string_norm, value_date_start, value_date_end,
	value_number, value_quantity, value_quantity_unit, value_quantity_system,
	value_token_system, value_token_code, value_token_text,
	value_reference_type, value_reference_id, value_uri`

// ReplaceIndex swaps the resource's index rows for the given set. Runs inside
// the caller's transaction so readers never observe a half-indexed resource.
func (s *Store) ReplaceIndex(ctx context.Context, resourceType, id string, rows []IndexRow) error {
	tid, err := tenantID(ctx)
	if err != nil {
		return err
	}
	conn := s.conn(ctx)
	if _, err := conn.Exec(ctx, `
		DELETE FROM search_index
		WHERE tenant_id = $1 AND resource_type = $2 AND resource_id = $3`,
		tid, resourceType, id); err != nil {
		return fmt.Errorf("clear search index: %w", err)
	}

	for _, r := range rows {
		_, err := conn.Exec(ctx, `
			INSERT INTO search_index (`+indexCols+`)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9,
				$10::numeric, $11::numeric, $12, $13, $14, $15, $16, $17, $18, $19)`,
			tid, resourceType, id, r.ParamName, r.ParamType,
			r.ValueString, r.ValueStringNorm, r.ValueDateStart, r.ValueDateEnd,
			r.ValueNumber, r.ValueQuantity, r.ValueQuantityUnit, r.ValueQuantitySystem,
			r.ValueTokenSystem, r.ValueTokenCode, r.ValueTokenText,
			r.ValueReferenceType, r.ValueReferenceID, r.ValueURI)
		if err != nil {
			return fmt.Errorf("insert index row for %s: %w", r.ParamName, err)
		}
	}
	return nil
}

// DeleteIndex removes every index row of a resource. Deleted resources must
// not match searches.
func (s *Store) DeleteIndex(ctx context.Context, resourceType, id string) error {
	return s.ReplaceIndex(ctx, resourceType, id, nil)
}

// --- search execution ---

// ExecuteSearch binds the tenant and runs the built query, plus its count
// query when requested. Implements search.Executor.
func (s *Store) ExecuteSearch(ctx context.Context, q *search.Query) ([]search.Row, int, error) {
	tid, err := tenantID(ctx)
	if err != nil {
		return nil, 0, err
	}
	q.BindTenant(tid)
	conn := s.conn(ctx)

	total := -1
	if q.RunCount {
		if err := conn.QueryRow(ctx, q.CountSQL, q.CountArgs()...).Scan(&total); err != nil {
			return nil, 0, fmt.Errorf("count search matches: %w", err)
		}
	}

	rows, err := conn.Query(ctx, q.SQL, q.Args...)
	if err != nil {
		return nil, 0, fmt.Errorf("execute search: %w", err)
	}
	defer rows.Close()

	var out []search.Row
	for rows.Next() {
		var r search.Row
		if err := rows.Scan(&r.ResourceID, &r.VersionID, &r.LastUpdated, &r.Content); err != nil {
			return nil, 0, fmt.Errorf("scan search row: %w", err)
		}
		out = append(out, r)
	}
	if err := rows.Err(); err != nil {
		return nil, 0, fmt.Errorf("execute search: %w", err)
	}
	return out, total, nil
}

// ReferenceTargets returns the distinct targets the given resources point at
// through one reference parameter.
func (s *Store) ReferenceTargets(ctx context.Context, resourceType string, resourceIDs []string, paramName string) ([]search.TypeID, error) {
	tid, err := tenantID(ctx)
	if err != nil {
		return nil, err
	}
	rows, err := s.conn(ctx).Query(ctx, `
		SELECT DISTINCT value_reference_type, value_reference_id FROM search_index
		WHERE tenant_id = $1 AND resource_type = $2 AND param_name = $3
		  AND resource_id = ANY($4) AND value_reference_id <> ''`,
		tid, resourceType, paramName, resourceIDs)
	if err != nil {
		return nil, fmt.Errorf("reference targets: %w", err)
	}
	defer rows.Close()

	var out []search.TypeID
	for rows.Next() {
		var t search.TypeID
		if err := rows.Scan(&t.ResourceType, &t.ResourceID); err != nil {
			return nil, fmt.Errorf("scan reference target: %w", err)
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

// CurrentByIDs loads the current, live versions of the addressed resources.
// Missing or deleted targets are simply absent from the result.
func (s *Store) CurrentByIDs(ctx context.Context, ids []search.TypeID) ([]search.Included, error) {
	tid, err := tenantID(ctx)
	if err != nil {
		return nil, err
	}

	byType := make(map[string][]string)
	for _, id := range ids {
		byType[id.ResourceType] = append(byType[id.ResourceType], id.ResourceID)
	}

	var out []search.Included
	for resourceType, resourceIDs := range byType {
		rows, err := s.conn(ctx).Query(ctx, `
			SELECT resource_id, content FROM resources
			WHERE tenant_id = $1 AND resource_type = $2 AND resource_id = ANY($3)
			  AND is_current AND NOT is_deleted`,
			tid, resourceType, resourceIDs)
		if err != nil {
			return nil, fmt.Errorf("load %s by ids: %w", resourceType, err)
		}
		for rows.Next() {
			inc := search.Included{ResourceType: resourceType}
			if err := rows.Scan(&inc.ResourceID, &inc.Content); err != nil {
				rows.Close()
				return nil, fmt.Errorf("scan included %s: %w", resourceType, err)
			}
			out = append(out, inc)
		}
		err = rows.Err()
		rows.Close()
		if err != nil {
			return nil, fmt.Errorf("load %s by ids: %w", resourceType, err)
		}
	}
	return out, nil
}

// Referencing loads current resources of sourceType whose paramName reference
// points at any of the targets.
func (s *Store) Referencing(ctx context.Context, sourceType, paramName, targetType string, targetIDs []string) ([]search.Included, error) {
	tid, err := tenantID(ctx)
	if err != nil {
		return nil, err
	}
	rows, err := s.conn(ctx).Query(ctx, `
		SELECT r.resource_id, r.content FROM resources r
		WHERE r.tenant_id = $1 AND r.resource_type = $2 AND r.is_current AND NOT r.is_deleted
		  AND EXISTS (
			SELECT 1 FROM search_index i
			WHERE i.tenant_id = r.tenant_id AND i.resource_type = r.resource_type
			  AND i.resource_id = r.resource_id AND i.param_name = $3
			  AND i.value_reference_type = $4 AND i.value_reference_id = ANY($5))`,
		tid, sourceType, paramName, targetType, targetIDs)
	if err != nil {
		return nil, fmt.Errorf("referencing %s: %w", sourceType, err)
	}
	defer rows.Close()

	var out []search.Included
	for rows.Next() {
		inc := search.Included{ResourceType: sourceType}
		if err := rows.Scan(&inc.ResourceID, &inc.Content); err != nil {
			return nil, fmt.Errorf("scan referencing %s: %w", sourceType, err)
		}
		out = append(out, inc)
	}
	return out, rows.Err()
}
