package service

import (
	"context"
	"encoding/json"
	"sort"
	"testing"

	"github.com/rs/zerolog"

	"github.com/fhirbox/fhirbox/internal/fhir"
	"github.com/fhirbox/fhirbox/internal/registry"
	"github.com/fhirbox/fhirbox/internal/store"
)

// fakeStore keeps version rows in memory with the same semantics the SQL
// store enforces: one current row per resource, conflict on a second.
type fakeStore struct {
	rows  map[string][]*store.Row
	index map[string][]store.IndexRow
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		rows:  make(map[string][]*store.Row),
		index: make(map[string][]store.IndexRow),
	}
}

func storeKey(resourceType, id string) string { return resourceType + "/" + id }

func (f *fakeStore) WithTx(ctx context.Context, fn func(ctx context.Context) error) error {
	return fn(ctx)
}

func (f *fakeStore) Insert(_ context.Context, r *store.Row) error {
	k := storeKey(r.ResourceType, r.ResourceID)
	if r.IsCurrent {
		for _, existing := range f.rows[k] {
			if existing.IsCurrent {
				return fhir.ConflictError("%s was modified concurrently", k)
			}
		}
	}
	cp := *r
	f.rows[k] = append(f.rows[k], &cp)
	return nil
}

func (f *fakeStore) MarkNotCurrent(_ context.Context, resourceType, id string) error {
	for _, r := range f.rows[storeKey(resourceType, id)] {
		r.IsCurrent = false
	}
	return nil
}

func (f *fakeStore) MaxVersion(_ context.Context, resourceType, id string) (int, error) {
	max := 0
	for _, r := range f.rows[storeKey(resourceType, id)] {
		if r.VersionID > max {
			max = r.VersionID
		}
	}
	return max, nil
}

func (f *fakeStore) FindCurrent(_ context.Context, resourceType, id string) (*store.Row, error) {
	for _, r := range f.rows[storeKey(resourceType, id)] {
		if r.IsCurrent {
			cp := *r
			return &cp, nil
		}
	}
	return nil, fhir.ResourceNotFoundError(resourceType, id)
}

func (f *fakeStore) FindVersion(_ context.Context, resourceType, id string, versionID int) (*store.Row, error) {
	for _, r := range f.rows[storeKey(resourceType, id)] {
		if r.VersionID == versionID {
			cp := *r
			return &cp, nil
		}
	}
	return nil, fhir.NotFoundError("%s/%s/_history/%d not found", resourceType, id, versionID)
}

func (f *fakeStore) ListHistory(_ context.Context, resourceType, id string) ([]*store.Row, error) {
	rows := append([]*store.Row(nil), f.rows[storeKey(resourceType, id)]...)
	sort.Slice(rows, func(i, j int) bool { return rows[i].VersionID > rows[j].VersionID })
	return rows, nil
}

func (f *fakeStore) ReplaceIndex(_ context.Context, resourceType, id string, rows []store.IndexRow) error {
	f.index[storeKey(resourceType, id)] = rows
	return nil
}

func (f *fakeStore) DeleteIndex(_ context.Context, resourceType, id string) error {
	return f.ReplaceIndex(nil, resourceType, id, nil)
}

// rejectAllValidator fails every resource.
type rejectAllValidator struct{}

func (rejectAllValidator) Validate(fhir.Version, string, map[string]interface{}) *fhir.OperationOutcome {
	return fhir.NewOperationOutcome(fhir.IssueSeverityError, fhir.IssueTypeInvalid, "nope")
}

func testGuard(t *testing.T) *registry.Guard {
	t.Helper()
	interactions := make(map[registry.Interaction]bool)
	for _, ix := range registry.AllInteractions {
		interactions[ix] = true
	}
	configs := []*registry.ResourceConfig{
		{
			ResourceType: "Patient",
			Enabled:      true,
			FHIRVersions: []registry.VersionSpec{{Version: "R5", Default: true}},
			Interactions: interactions,
		},
		{
			ResourceType: "AuditEvent",
			Enabled:      true,
			FHIRVersions: []registry.VersionSpec{{Version: "R5", Default: true}},
			Interactions: map[registry.Interaction]bool{registry.InteractionRead: true},
		},
	}
	reg, err := registry.NewResourceRegistry(configs, fhir.R5)
	if err != nil {
		t.Fatal(err)
	}
	return registry.NewGuard(reg)
}

func testService(t *testing.T, fs *fakeStore) *Service {
	t.Helper()
	defs := map[fhir.Version][]*registry.SearchParameter{
		fhir.R5: {
			{URL: "sp/Patient-name", Code: "name", Base: []string{"Patient"},
				Type: registry.SearchTypeString, Expression: "Patient.name"},
		},
	}
	params, err := registry.NewSearchParameterRegistry(defs)
	if err != nil {
		t.Fatal(err)
	}
	return New(fs, store.NewIndexer(params, zerolog.Nop()), testGuard(t), nil, ValidationOff, zerolog.Nop())
}

func createPatient(t *testing.T, s *Service) *Result {
	t.Helper()
	res, err := s.Create(context.Background(), fhir.R5, "Patient",
		[]byte(`{"resourceType":"Patient","name":[{"family":"Doe"}]}`))
	if err != nil {
		t.Fatal(err)
	}
	return res
}

func TestCreate(t *testing.T) {
	fs := newFakeStore()
	s := testService(t, fs)

	res := createPatient(t, s)
	if res.VersionID != 1 || !res.Created {
		t.Errorf("result = %+v, want version 1 created", res)
	}
	if res.ID == "" {
		t.Fatal("no id assigned")
	}

	var resource map[string]interface{}
	if err := json.Unmarshal(res.Content, &resource); err != nil {
		t.Fatal(err)
	}
	meta := resource["meta"].(map[string]interface{})
	if meta["versionId"] != "1" {
		t.Errorf("meta.versionId = %v", meta["versionId"])
	}
	if meta["lastUpdated"] == "" {
		t.Error("meta.lastUpdated not stamped")
	}
	if len(fs.index[storeKey("Patient", res.ID)]) == 0 {
		t.Error("create should populate the search index")
	}
}

func TestCreate_ClientIDIgnored(t *testing.T) {
	s := testService(t, newFakeStore())
	res, err := s.Create(context.Background(), fhir.R5, "Patient",
		[]byte(`{"resourceType":"Patient","id":"client-chosen"}`))
	if err != nil {
		t.Fatal(err)
	}
	if res.ID == "client-chosen" {
		t.Error("client-supplied id must be replaced")
	}
}

func TestCreate_Errors(t *testing.T) {
	s := testService(t, newFakeStore())
	tests := []struct {
		name         string
		resourceType string
		body         string
		status       int
	}{
		{"type mismatch", "Patient", `{"resourceType":"Observation"}`, 400},
		{"missing resourceType", "Patient", `{"name":[]}`, 400},
		{"not json", "Patient", `nope`, 400},
		{"interaction disabled", "AuditEvent", `{"resourceType":"AuditEvent"}`, 405},
		{"unconfigured type", "Basic", `{"resourceType":"Basic"}`, 404},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := s.Create(context.Background(), fhir.R5, tt.resourceType, []byte(tt.body))
			assertStatus(t, err, tt.status)
		})
	}
}

func TestCreate_StrictValidation(t *testing.T) {
	fs := newFakeStore()
	params, _ := registry.NewSearchParameterRegistry(map[fhir.Version][]*registry.SearchParameter{})
	s := New(fs, store.NewIndexer(params, zerolog.Nop()), testGuard(t),
		rejectAllValidator{}, ValidationStrict, zerolog.Nop())

	_, err := s.Create(context.Background(), fhir.R5, "Patient", []byte(`{"resourceType":"Patient"}`))
	assertStatus(t, err, 422)

	// Lenient mode logs and proceeds.
	s = New(fs, store.NewIndexer(params, zerolog.Nop()), testGuard(t),
		rejectAllValidator{}, ValidationLenient, zerolog.Nop())
	if _, err := s.Create(context.Background(), fhir.R5, "Patient", []byte(`{"resourceType":"Patient"}`)); err != nil {
		t.Errorf("lenient validation should not fail the write: %v", err)
	}
}

func TestReadAndVRead(t *testing.T) {
	s := testService(t, newFakeStore())
	created := createPatient(t, s)

	res, err := s.Read(context.Background(), fhir.R5, "Patient", created.ID)
	if err != nil {
		t.Fatal(err)
	}
	if res.ETag() != `W/"1"` {
		t.Errorf("etag = %s", res.ETag())
	}

	if _, err := s.VRead(context.Background(), fhir.R5, "Patient", created.ID, 1); err != nil {
		t.Errorf("vread v1: %v", err)
	}
	_, err = s.VRead(context.Background(), fhir.R5, "Patient", created.ID, 2)
	assertStatus(t, err, 404)

	_, err = s.Read(context.Background(), fhir.R5, "Patient", "missing")
	assertStatus(t, err, 404)
}

func TestUpdate(t *testing.T) {
	s := testService(t, newFakeStore())
	created := createPatient(t, s)

	res, err := s.Update(context.Background(), fhir.R5, "Patient", created.ID,
		[]byte(`{"resourceType":"Patient","name":[{"family":"Smith"}]}`), "")
	if err != nil {
		t.Fatal(err)
	}
	if res.VersionID != 2 || res.Created {
		t.Errorf("result = %+v, want version 2, not created", res)
	}

	// Stale precondition.
	_, err = s.Update(context.Background(), fhir.R5, "Patient", created.ID,
		[]byte(`{"resourceType":"Patient"}`), `W/"1"`)
	assertStatus(t, err, 409)

	// Malformed precondition.
	_, err = s.Update(context.Background(), fhir.R5, "Patient", created.ID,
		[]byte(`{"resourceType":"Patient"}`), `W/"abc"`)
	assertStatus(t, err, 400)

	// Body id contradicting the URL.
	_, err = s.Update(context.Background(), fhir.R5, "Patient", created.ID,
		[]byte(`{"resourceType":"Patient","id":"other"}`), "")
	assertStatus(t, err, 400)
}

func TestUpdate_AsCreate(t *testing.T) {
	s := testService(t, newFakeStore())
	res, err := s.Update(context.Background(), fhir.R5, "Patient", "chosen-id",
		[]byte(`{"resourceType":"Patient"}`), "")
	if err != nil {
		t.Fatal(err)
	}
	if !res.Created || res.VersionID != 1 || res.ID != "chosen-id" {
		t.Errorf("result = %+v", res)
	}
}

func TestDelete(t *testing.T) {
	fs := newFakeStore()
	s := testService(t, fs)
	created := createPatient(t, s)
	ctx := context.Background()

	if err := s.Delete(ctx, fhir.R5, "Patient", created.ID); err != nil {
		t.Fatal(err)
	}

	_, err := s.Read(ctx, fhir.R5, "Patient", created.ID)
	assertStatus(t, err, 410)

	if rows := fs.index[storeKey("Patient", created.ID)]; len(rows) != 0 {
		t.Error("delete should drop the index rows")
	}

	// Idempotent: no new version.
	if err := s.Delete(ctx, fhir.R5, "Patient", created.ID); err != nil {
		t.Fatalf("second delete: %v", err)
	}
	max, _ := fs.MaxVersion(ctx, "Patient", created.ID)
	if max != 2 {
		t.Errorf("max version = %d, repeated delete must not append versions", max)
	}

	assertStatus(t, s.Delete(ctx, fhir.R5, "Patient", "never-existed"), 404)
}

func TestHistory(t *testing.T) {
	s := testService(t, newFakeStore())
	created := createPatient(t, s)
	ctx := context.Background()

	if _, err := s.Update(ctx, fhir.R5, "Patient", created.ID,
		[]byte(`{"resourceType":"Patient","name":[{"family":"Smith"}]}`), ""); err != nil {
		t.Fatal(err)
	}
	if err := s.Delete(ctx, fhir.R5, "Patient", created.ID); err != nil {
		t.Fatal(err)
	}

	bundle, err := s.History(ctx, fhir.R5, "Patient", created.ID, "http://example.org/fhir/r5")
	if err != nil {
		t.Fatal(err)
	}
	if bundle.Type != fhir.BundleTypeHistory {
		t.Errorf("type = %s", bundle.Type)
	}
	if len(bundle.Entry) != 3 {
		t.Fatalf("entries = %d, want 3", len(bundle.Entry))
	}

	// Newest first: DELETE, PUT, POST.
	wantMethods := []string{"DELETE", "PUT", "POST"}
	for i, entry := range bundle.Entry {
		if entry.Request.Method != wantMethods[i] {
			t.Errorf("entry %d method = %s, want %s", i, entry.Request.Method, wantMethods[i])
		}
	}
	if bundle.Entry[0].Resource != nil {
		t.Error("tombstone entry must not carry a resource body")
	}
	if bundle.Entry[1].Resource == nil {
		t.Error("update entry should carry the resource")
	}
	if bundle.Entry[0].Response.Etag != `W/"3"` {
		t.Errorf("tombstone etag = %s", bundle.Entry[0].Response.Etag)
	}

	_, err = s.History(ctx, fhir.R5, "Patient", "missing", "http://example.org/fhir/r5")
	assertStatus(t, err, 404)
}

func TestPatch(t *testing.T) {
	s := testService(t, newFakeStore())
	created := createPatient(t, s)
	ctx := context.Background()

	res, err := s.Patch(ctx, fhir.R5, "Patient", created.ID,
		[]byte(`[{"op":"replace","path":"/name/0/family","value":"Smith"}]`),
		"application/json-patch+json", "")
	if err != nil {
		t.Fatal(err)
	}
	if res.VersionID != 2 {
		t.Errorf("version = %d", res.VersionID)
	}
	var resource map[string]interface{}
	if err := json.Unmarshal(res.Content, &resource); err != nil {
		t.Fatal(err)
	}
	family := resource["name"].([]interface{})[0].(map[string]interface{})["family"]
	if family != "Smith" {
		t.Errorf("family = %v", family)
	}

	// FHIR Patch via a Parameters document.
	fhirPatch := `{"resourceType":"Parameters","parameter":[{"name":"operation","part":[
		{"name":"type","valueCode":"replace"},
		{"name":"path","valueString":"Patient.name[0].family"},
		{"name":"value","valueString":"Jones"}]}]}`
	res, err = s.Patch(ctx, fhir.R5, "Patient", created.ID, []byte(fhirPatch), "application/fhir+json", "")
	if err != nil {
		t.Fatal(err)
	}
	if res.VersionID != 3 {
		t.Errorf("version = %d", res.VersionID)
	}

	_, err = s.Patch(ctx, fhir.R5, "Patient", created.ID, []byte(`{}`), "text/plain", "")
	assertStatus(t, err, 415)

	if err := s.Delete(ctx, fhir.R5, "Patient", created.ID); err != nil {
		t.Fatal(err)
	}
	_, err = s.Patch(ctx, fhir.R5, "Patient", created.ID,
		[]byte(`[]`), "application/json-patch+json", "")
	assertStatus(t, err, 410)
}

func assertStatus(t *testing.T, err error, status int) {
	t.Helper()
	if err == nil {
		t.Fatal("expected error")
	}
	fe, ok := fhir.AsError(err)
	if !ok {
		t.Fatalf("expected fhir error, got %v", err)
	}
	if fe.Status != status {
		t.Errorf("status = %d, want %d", fe.Status, status)
	}
}
