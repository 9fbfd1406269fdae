package search

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

// Row is one matched resource as the store returns it.
type Row struct {
	ResourceID  string
	VersionID   int
	LastUpdated time.Time
	Content     []byte
}

// TypeID addresses a resource for include resolution.
type TypeID struct {
	ResourceType string
	ResourceID   string
}

// Query is a fully built, parameterized search over the resources and
// search_index tables. Args[0] is the tenant slot: the engine does not know
// the tenant, so the executor binds it before running.
type Query struct {
	SQL      string
	CountSQL string
	Args     []any
	RunCount bool
	Limit    int
	Offset   int

	countArgEnd int
}

// BindTenant fills the reserved tenant argument.
func (q *Query) BindTenant(tenantID string) {
	q.Args[0] = tenantID
}

// builder accumulates WHERE fragments and bound arguments. All operand
// values reach the SQL exclusively through args; fragments contain only
// compile-time column names and placeholders.
type builder struct {
	resourceType string
	where        []string
	args         []any
	orderBy      []string
}

func newBuilder(resourceType string) *builder {
	b := &builder{resourceType: resourceType}
	// args[0] is the tenant, bound by the executor.
	b.args = append(b.args, nil)
	b.args = append(b.args, resourceType)
	return b
}

// arg binds a value and returns its placeholder.
func (b *builder) arg(v any) string {
	b.args = append(b.args, v)
	return "$" + strconv.Itoa(len(b.args))
}

// and appends a top-level conjunct.
func (b *builder) and(clause string) {
	b.where = append(b.where, clause)
}

// indexExists wraps value clauses for one parameter into an EXISTS subquery
// correlated on the resource. valueClauses are OR'd: repeated values of one
// parameter match any.
func (b *builder) indexExists(paramName string, valueClauses []string, negate bool) {
	sub := fmt.Sprintf(
		"SELECT 1 FROM search_index i WHERE i.tenant_id = r.tenant_id AND i.resource_type = r.resource_type AND i.resource_id = r.resource_id AND i.param_name = %s",
		b.arg(paramName))
	if len(valueClauses) > 0 {
		sub += " AND (" + strings.Join(valueClauses, " OR ") + ")"
	}
	if negate {
		b.and("NOT EXISTS (" + sub + ")")
	} else {
		b.and("EXISTS (" + sub + ")")
	}
}

// missing emits the presence test the :missing modifier asks for.
func (b *builder) missing(paramName string, wantMissing bool) {
	b.indexExists(paramName, nil, wantMissing)
}

// sortByColumn orders on a resources-table column. Column names come from a
// fixed allowlist, never from the URL.
func (b *builder) sortByColumn(column string, descending bool) {
	dir := "ASC"
	if descending {
		dir = "DESC"
	}
	b.orderBy = append(b.orderBy, column+" "+dir)
}

// sortByParam orders on the smallest indexed value of a parameter. The value
// column is selected by the parameter's type from a fixed mapping.
func (b *builder) sortByParam(paramName, valueColumn string, descending bool) {
	dir := "ASC"
	if descending {
		dir = "DESC"
	}
	sub := fmt.Sprintf(
		"(SELECT MIN(i.%s) FROM search_index i WHERE i.tenant_id = r.tenant_id AND i.resource_type = r.resource_type AND i.resource_id = r.resource_id AND i.param_name = %s)",
		valueColumn, b.arg(paramName))
	b.orderBy = append(b.orderBy, sub+" "+dir+" NULLS LAST")
}

// build assembles the final data and count SQL.
func (b *builder) build(limit, offset int, runCount bool) *Query {
	where := "r.tenant_id = $1 AND r.resource_type = $2 AND r.is_current AND NOT r.is_deleted"
	for _, w := range b.where {
		where += " AND " + w
	}

	order := "r.last_updated DESC, r.resource_id ASC"
	if len(b.orderBy) > 0 {
		order = strings.Join(b.orderBy, ", ") + ", r.resource_id ASC"
	}

	q := &Query{
		CountSQL: "SELECT COUNT(*) FROM resources r WHERE " + where,
		Args:     b.args,
		RunCount: runCount,
		Limit:    limit,
		Offset:   offset,
	}

	q.countArgEnd = len(b.args)
	limitArg := b.arg(limit)
	offsetArg := b.arg(offset)
	q.SQL = fmt.Sprintf(
		"SELECT r.resource_id, r.version_id, r.last_updated, r.content FROM resources r WHERE %s ORDER BY %s LIMIT %s OFFSET %s",
		where, order, limitArg, offsetArg)
	q.Args = b.args
	return q
}

// CountArgs returns the argument slice for CountSQL, which shares the data
// query's args up to but excluding limit and offset.
func (q *Query) CountArgs() []any {
	return q.Args[:q.countArgEnd]
}
