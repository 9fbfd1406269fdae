package store

import (
	"time"

	"github.com/fhirbox/fhirbox/internal/fhir"
)

// Operation tags what produced a resource version.
const (
	OperationCreate = "CREATE"
	OperationUpdate = "UPDATE"
	OperationDelete = "DELETE"
)

// Row is one stored version of a logical resource. Exactly one row per
// (tenant, type, id) is current; a current row with IsDeleted set is the
// tombstone left by a soft delete.
type Row struct {
	TenantID     string
	ResourceType string
	ResourceID   string
	VersionID    int
	FHIRVersion  fhir.Version
	IsCurrent    bool
	IsDeleted    bool
	Content      []byte
	Operation    string
	LastUpdated  time.Time
	CreatedAt    time.Time
}

// IndexRow is one extracted search parameter value for a resource. Exactly
// one group of value columns is populated, selected by ParamType.
type IndexRow struct {
	TenantID     string
	ResourceType string
	ResourceID   string
	ParamName    string
	ParamType    string

	ValueString     string
	ValueStringNorm string

	ValueDateStart *time.Time
	ValueDateEnd   *time.Time

	ValueNumber *string // decimal as text; pgx binds it to numeric

	ValueQuantity       *string
	ValueQuantityUnit   string
	ValueQuantitySystem string

	ValueTokenSystem string
	ValueTokenCode   string
	ValueTokenText   string

	ValueReferenceType string
	ValueReferenceID   string

	ValueURI string
}
