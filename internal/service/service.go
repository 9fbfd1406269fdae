package service

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/fhirbox/fhirbox/internal/fhir"
	"github.com/fhirbox/fhirbox/internal/registry"
	"github.com/fhirbox/fhirbox/internal/store"
)

// Validation modes for validation.profileValidation.
const (
	ValidationStrict  = "strict"
	ValidationLenient = "lenient"
	ValidationOff     = "off"
)

// Validator checks a parsed resource and reports issues. A nil outcome or
// one without error issues passes.
type Validator interface {
	Validate(version fhir.Version, resourceType string, resource map[string]interface{}) *fhir.OperationOutcome
}

// Storage is the store surface the service consumes. *store.Store implements
// it; tests substitute a fake.
type Storage interface {
	WithTx(ctx context.Context, fn func(ctx context.Context) error) error
	Insert(ctx context.Context, r *store.Row) error
	MarkNotCurrent(ctx context.Context, resourceType, id string) error
	MaxVersion(ctx context.Context, resourceType, id string) (int, error)
	FindCurrent(ctx context.Context, resourceType, id string) (*store.Row, error)
	FindVersion(ctx context.Context, resourceType, id string, versionID int) (*store.Row, error)
	ListHistory(ctx context.Context, resourceType, id string) ([]*store.Row, error)
	ReplaceIndex(ctx context.Context, resourceType, id string, rows []store.IndexRow) error
	DeleteIndex(ctx context.Context, resourceType, id string) error
}

// Indexer extracts search index rows from serialized content.
type Indexer interface {
	Extract(version fhir.Version, resourceType string, content []byte) ([]store.IndexRow, error)
}

// Result is the outcome of a successful resource interaction.
type Result struct {
	ResourceType string
	ID           string
	VersionID    int
	LastUpdated  time.Time
	Content      []byte
	Created      bool
}

// ETag returns the weak ETag for the result's version.
func (r *Result) ETag() string {
	return fhir.FormatETag(r.VersionID)
}

// Service implements the resource interactions on top of the versioned store.
// Every write runs in one transaction covering the version rows and the
// search index.
type Service struct {
	store          Storage
	indexer        Indexer
	guard          *registry.Guard
	validator      Validator
	validationMode string
	logger         zerolog.Logger
	now            func() time.Time
}

func New(st Storage, indexer Indexer, guard *registry.Guard, validator Validator, validationMode string, logger zerolog.Logger) *Service {
	if validationMode == "" {
		validationMode = ValidationOff
	}
	return &Service{
		store:          st,
		indexer:        indexer,
		guard:          guard,
		validator:      validator,
		validationMode: validationMode,
		logger:         logger.With().Str("component", "service").Logger(),
		now:            func() time.Time { return time.Now().UTC() },
	}
}

// parseBody decodes a write body structurally: a JSON object whose
// resourceType matches the URL type. Unknown (custom) resource types take
// the same path, so they round-trip without a generated model.
func parseBody(resourceType string, body []byte) (map[string]interface{}, error) {
	var resource map[string]interface{}
	if err := json.Unmarshal(body, &resource); err != nil {
		return nil, fhir.InvalidError("request body is not a JSON object")
	}
	rt, _ := resource["resourceType"].(string)
	if rt == "" {
		return nil, fhir.RequiredError("resourceType is required")
	}
	if rt != resourceType {
		return nil, fhir.InvalidError("resourceType %q does not match the request URL type %s", rt, resourceType)
	}
	return resource, nil
}

func (s *Service) validate(version fhir.Version, resourceType string, resource map[string]interface{}) error {
	if s.validator == nil || s.validationMode == ValidationOff {
		return nil
	}
	outcome := s.validator.Validate(version, resourceType, resource)
	if outcome == nil || !outcome.HasErrors() {
		return nil
	}
	if s.validationMode == ValidationStrict {
		return fhir.UnprocessableError("resource failed validation: %s", outcome.Issue[0].Diagnostics)
	}
	for _, issue := range outcome.Issue {
		s.logger.Warn().Str("resource_type", resourceType).Str("code", issue.Code).
			Msg(issue.Diagnostics)
	}
	return nil
}

// stampMeta writes id, meta.versionId and meta.lastUpdated into the resource.
func stampMeta(resource map[string]interface{}, id string, versionID int, lastUpdated time.Time) {
	resource["id"] = id
	meta, _ := resource["meta"].(map[string]interface{})
	if meta == nil {
		meta = map[string]interface{}{}
	}
	meta["versionId"] = fmt.Sprintf("%d", versionID)
	meta["lastUpdated"] = lastUpdated.Format(time.RFC3339)
	resource["meta"] = meta
}

// Create stores a new resource. A client-supplied id is ignored; the server
// assigns one.
func (s *Service) Create(ctx context.Context, version fhir.Version, resourceType string, body []byte) (*Result, error) {
	if err := s.guard.Check(resourceType, version, registry.InteractionCreate); err != nil {
		return nil, err
	}
	resource, err := parseBody(resourceType, body)
	if err != nil {
		return nil, err
	}
	if err := s.validate(version, resourceType, resource); err != nil {
		return nil, err
	}

	id := uuid.NewString()
	now := s.now()
	stampMeta(resource, id, 1, now)
	content, err := json.Marshal(resource)
	if err != nil {
		return nil, fhir.InternalError(fmt.Errorf("serialize resource: %w", err))
	}

	err = s.store.WithTx(ctx, func(ctx context.Context) error {
		row := &store.Row{
			ResourceType: resourceType,
			ResourceID:   id,
			VersionID:    1,
			FHIRVersion:  version,
			IsCurrent:    true,
			Content:      content,
			Operation:    store.OperationCreate,
			LastUpdated:  now,
			CreatedAt:    now,
		}
		if err := s.store.Insert(ctx, row); err != nil {
			return err
		}
		indexRows, err := s.indexer.Extract(version, resourceType, content)
		if err != nil {
			return err
		}
		return s.store.ReplaceIndex(ctx, resourceType, id, indexRows)
	})
	if err != nil {
		return nil, err
	}

	s.logger.Info().Str("resource_type", resourceType).Str("id", id).Msg("resource created")
	return &Result{ResourceType: resourceType, ID: id, VersionID: 1, LastUpdated: now, Content: content, Created: true}, nil
}

// Read returns the current version. A tombstone reads as 410 with the
// deleted version in the ETag.
func (s *Service) Read(ctx context.Context, version fhir.Version, resourceType, id string) (*Result, error) {
	if err := s.guard.Check(resourceType, version, registry.InteractionRead); err != nil {
		return nil, err
	}
	row, err := s.store.FindCurrent(ctx, resourceType, id)
	if err != nil {
		return nil, err
	}
	if row.IsDeleted {
		return nil, fhir.DeletedError(resourceType, id)
	}
	return resultFromRow(row), nil
}

// VRead returns one historical version.
func (s *Service) VRead(ctx context.Context, version fhir.Version, resourceType, id string, versionID int) (*Result, error) {
	if err := s.guard.Check(resourceType, version, registry.InteractionVread); err != nil {
		return nil, err
	}
	row, err := s.store.FindVersion(ctx, resourceType, id, versionID)
	if err != nil {
		return nil, err
	}
	if row.IsDeleted {
		return nil, fhir.DeletedError(resourceType, id)
	}
	return resultFromRow(row), nil
}

// Update stores a new version, creating the resource when it does not exist
// (update-as-create). ifMatch is the raw If-Match header, empty when absent.
func (s *Service) Update(ctx context.Context, version fhir.Version, resourceType, id string, body []byte, ifMatch string) (*Result, error) {
	if err := s.guard.Check(resourceType, version, registry.InteractionUpdate); err != nil {
		return nil, err
	}
	resource, err := parseBody(resourceType, body)
	if err != nil {
		return nil, err
	}
	if bodyID, _ := resource["id"].(string); bodyID != "" && bodyID != id {
		return nil, fhir.InvalidError("resource id %q does not match the request URL id %s", bodyID, id)
	}
	if err := s.validate(version, resourceType, resource); err != nil {
		return nil, err
	}

	var result *Result
	err = s.store.WithTx(ctx, func(ctx context.Context) error {
		maxVersion, err := s.store.MaxVersion(ctx, resourceType, id)
		if err != nil {
			return err
		}
		if ifMatch != "" {
			if err := fhir.CheckIfMatch(ifMatch, maxVersion); err != nil {
				return err
			}
		}

		newVersion := maxVersion + 1
		now := s.now()
		stampMeta(resource, id, newVersion, now)
		content, err := json.Marshal(resource)
		if err != nil {
			return fhir.InternalError(fmt.Errorf("serialize resource: %w", err))
		}

		if err := s.store.MarkNotCurrent(ctx, resourceType, id); err != nil {
			return err
		}
		row := &store.Row{
			ResourceType: resourceType,
			ResourceID:   id,
			VersionID:    newVersion,
			FHIRVersion:  version,
			IsCurrent:    true,
			Content:      content,
			Operation:    store.OperationUpdate,
			LastUpdated:  now,
			CreatedAt:    now,
		}
		if maxVersion == 0 {
			row.Operation = store.OperationCreate
		}
		if err := s.store.Insert(ctx, row); err != nil {
			return err
		}
		indexRows, err := s.indexer.Extract(version, resourceType, content)
		if err != nil {
			return err
		}
		if err := s.store.ReplaceIndex(ctx, resourceType, id, indexRows); err != nil {
			return err
		}
		result = &Result{
			ResourceType: resourceType, ID: id, VersionID: newVersion,
			LastUpdated: now, Content: content, Created: maxVersion == 0,
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return result, nil
}

// Delete appends a tombstone version. Deleting an already deleted resource
// is a no-op; a resource that never existed is a 404.
func (s *Service) Delete(ctx context.Context, version fhir.Version, resourceType, id string) error {
	if err := s.guard.Check(resourceType, version, registry.InteractionDelete); err != nil {
		return err
	}
	return s.store.WithTx(ctx, func(ctx context.Context) error {
		current, err := s.store.FindCurrent(ctx, resourceType, id)
		if err != nil {
			return err
		}
		if current.IsDeleted {
			return nil
		}
		if err := s.store.MarkNotCurrent(ctx, resourceType, id); err != nil {
			return err
		}
		now := s.now()
		tombstone := &store.Row{
			ResourceType: resourceType,
			ResourceID:   id,
			VersionID:    current.VersionID + 1,
			FHIRVersion:  version,
			IsCurrent:    true,
			IsDeleted:    true,
			Operation:    store.OperationDelete,
			LastUpdated:  now,
			CreatedAt:    now,
		}
		if err := s.store.Insert(ctx, tombstone); err != nil {
			return err
		}
		return s.store.DeleteIndex(ctx, resourceType, id)
	})
}

// History returns the resource's versions as a history bundle, newest first.
func (s *Service) History(ctx context.Context, version fhir.Version, resourceType, id, baseURL string) (*fhir.Bundle, error) {
	if err := s.guard.Check(resourceType, version, registry.InteractionHistory); err != nil {
		return nil, err
	}
	rows, err := s.store.ListHistory(ctx, resourceType, id)
	if err != nil {
		return nil, err
	}
	if len(rows) == 0 {
		return nil, fhir.ResourceNotFoundError(resourceType, id)
	}

	bundle := fhir.NewBundle(fhir.BundleTypeHistory)
	bundle.SetTotal(len(rows))
	fullURL := baseURL + "/" + resourceType + "/" + id
	for _, row := range rows {
		entry := fhir.BundleEntry{
			FullURL: fullURL,
			Request: &fhir.BundleRequest{
				Method: historyMethod(row.Operation),
				URL:    resourceType + "/" + id,
			},
			Response: &fhir.BundleResponse{
				Status:       historyStatus(row.Operation),
				Etag:         fhir.FormatETag(row.VersionID),
				LastModified: row.LastUpdated.Format(time.RFC3339),
			},
		}
		if !row.IsDeleted {
			entry.Resource = row.Content
		}
		bundle.Entry = append(bundle.Entry, entry)
	}
	return bundle, nil
}

func historyMethod(operation string) string {
	switch operation {
	case store.OperationCreate:
		return "POST"
	case store.OperationDelete:
		return "DELETE"
	default:
		return "PUT"
	}
}

func historyStatus(operation string) string {
	switch operation {
	case store.OperationCreate:
		return "201 Created"
	case store.OperationDelete:
		return "204 No Content"
	default:
		return "200 OK"
	}
}

// Patch applies a JSON Patch or FHIR Patch to the current version and pushes
// the result through the update path, optimistic checks included.
func (s *Service) Patch(ctx context.Context, version fhir.Version, resourceType, id string, body []byte, contentType, ifMatch string) (*Result, error) {
	if err := s.guard.Check(resourceType, version, registry.InteractionPatch); err != nil {
		return nil, err
	}
	current, err := s.store.FindCurrent(ctx, resourceType, id)
	if err != nil {
		return nil, err
	}
	if current.IsDeleted {
		return nil, fhir.DeletedError(resourceType, id)
	}

	var resource map[string]interface{}
	if err := json.Unmarshal(current.Content, &resource); err != nil {
		return nil, fhir.InternalError(fmt.Errorf("decode stored resource: %w", err))
	}

	patched, err := applyPatch(resource, body, contentType)
	if err != nil {
		return nil, err
	}
	content, err := json.Marshal(patched)
	if err != nil {
		return nil, fhir.InternalError(fmt.Errorf("serialize patched resource: %w", err))
	}
	return s.Update(ctx, version, resourceType, id, content, ifMatch)
}

func applyPatch(resource map[string]interface{}, body []byte, contentType string) (map[string]interface{}, error) {
	switch {
	case contentType == "application/json-patch+json":
		ops, err := fhir.ParseJSONPatch(body)
		if err != nil {
			return nil, fhir.InvalidError("invalid JSON Patch: %v", err)
		}
		patched, err := fhir.ApplyJSONPatch(resource, ops)
		if err != nil {
			return nil, fhir.UnprocessableError("patch failed: %v", err)
		}
		return patched, nil
	case fhir.IsFHIRPatchDocument(body):
		ops, err := fhir.ParseFHIRPatch(body)
		if err != nil {
			return nil, fhir.InvalidError("invalid FHIR Patch: %v", err)
		}
		patched, err := fhir.ApplyFHIRPatch(resource, ops)
		if err != nil {
			return nil, fhir.UnprocessableError("patch failed: %v", err)
		}
		return patched, nil
	default:
		return nil, fhir.UnsupportedMediaTypeError("unsupported patch content type %q", contentType)
	}
}

func resultFromRow(row *store.Row) *Result {
	return &Result{
		ResourceType: row.ResourceType,
		ID:           row.ResourceID,
		VersionID:    row.VersionID,
		LastUpdated:  row.LastUpdated,
		Content:      row.Content,
	}
}
