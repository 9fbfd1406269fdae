package bundle

import (
	"context"
	"encoding/json"
	"fmt"
	"net/url"
	"sort"
	"strings"
	"testing"

	"github.com/rs/zerolog"

	"github.com/fhirbox/fhirbox/internal/fhir"
	"github.com/fhirbox/fhirbox/internal/registry"
	"github.com/fhirbox/fhirbox/internal/service"
	"github.com/fhirbox/fhirbox/internal/store"
)

// memStore backs the service with in-memory rows and snapshot-based
// transactions, so failed transactions observably roll back.
type memStore struct {
	rows  map[string][]*store.Row
	index map[string][]store.IndexRow
}

func newMemStore() *memStore {
	return &memStore{
		rows:  make(map[string][]*store.Row),
		index: make(map[string][]store.IndexRow),
	}
}

func memKey(resourceType, id string) string { return resourceType + "/" + id }

func (m *memStore) snapshot() map[string][]*store.Row {
	cp := make(map[string][]*store.Row, len(m.rows))
	for k, rows := range m.rows {
		for _, r := range rows {
			rc := *r
			cp[k] = append(cp[k], &rc)
		}
	}
	return cp
}

func (m *memStore) WithTx(_ context.Context, fn func(ctx context.Context) error) error {
	before := m.snapshot()
	if err := fn(context.Background()); err != nil {
		m.rows = before
		return err
	}
	return nil
}

func (m *memStore) Insert(_ context.Context, r *store.Row) error {
	k := memKey(r.ResourceType, r.ResourceID)
	if r.IsCurrent {
		for _, existing := range m.rows[k] {
			if existing.IsCurrent {
				return fhir.ConflictError("%s was modified concurrently", k)
			}
		}
	}
	cp := *r
	m.rows[k] = append(m.rows[k], &cp)
	return nil
}

func (m *memStore) MarkNotCurrent(_ context.Context, resourceType, id string) error {
	for _, r := range m.rows[memKey(resourceType, id)] {
		r.IsCurrent = false
	}
	return nil
}

func (m *memStore) MaxVersion(_ context.Context, resourceType, id string) (int, error) {
	max := 0
	for _, r := range m.rows[memKey(resourceType, id)] {
		if r.VersionID > max {
			max = r.VersionID
		}
	}
	return max, nil
}

func (m *memStore) FindCurrent(_ context.Context, resourceType, id string) (*store.Row, error) {
	for _, r := range m.rows[memKey(resourceType, id)] {
		if r.IsCurrent {
			cp := *r
			return &cp, nil
		}
	}
	return nil, fhir.ResourceNotFoundError(resourceType, id)
}

func (m *memStore) FindVersion(_ context.Context, resourceType, id string, versionID int) (*store.Row, error) {
	for _, r := range m.rows[memKey(resourceType, id)] {
		if r.VersionID == versionID {
			cp := *r
			return &cp, nil
		}
	}
	return nil, fhir.NotFoundError("%s/%s/_history/%d not found", resourceType, id, versionID)
}

func (m *memStore) ListHistory(_ context.Context, resourceType, id string) ([]*store.Row, error) {
	rows := append([]*store.Row(nil), m.rows[memKey(resourceType, id)]...)
	sort.Slice(rows, func(i, j int) bool { return rows[i].VersionID > rows[j].VersionID })
	return rows, nil
}

func (m *memStore) ReplaceIndex(_ context.Context, resourceType, id string, rows []store.IndexRow) error {
	m.index[memKey(resourceType, id)] = rows
	return nil
}

func (m *memStore) DeleteIndex(_ context.Context, resourceType, id string) error {
	return m.ReplaceIndex(nil, resourceType, id, nil)
}

// fakeSearcher returns an empty searchset and records the call.
type fakeSearcher struct {
	calls []string
}

func (f *fakeSearcher) Search(_ context.Context, _ fhir.Version, resourceType string, values url.Values) (*fhir.Bundle, error) {
	f.calls = append(f.calls, resourceType+"?"+values.Encode())
	b := fhir.NewBundle(fhir.BundleTypeSearchset)
	b.SetTotal(0)
	return b, nil
}

func testProcessor(t *testing.T, ms *memStore) (*Processor, *fakeSearcher) {
	t.Helper()
	interactions := make(map[registry.Interaction]bool)
	for _, ix := range registry.AllInteractions {
		interactions[ix] = true
	}
	var configs []*registry.ResourceConfig
	for _, rt := range []string{"Patient", "Observation"} {
		configs = append(configs, &registry.ResourceConfig{
			ResourceType: rt,
			Enabled:      true,
			FHIRVersions: []registry.VersionSpec{{Version: "R5", Default: true}},
			Interactions: interactions,
		})
	}
	resources, err := registry.NewResourceRegistry(configs, fhir.R5)
	if err != nil {
		t.Fatal(err)
	}
	params, err := registry.NewSearchParameterRegistry(map[fhir.Version][]*registry.SearchParameter{})
	if err != nil {
		t.Fatal(err)
	}
	svc := service.New(ms, store.NewIndexer(params, zerolog.Nop()), registry.NewGuard(resources),
		nil, service.ValidationOff, zerolog.Nop())
	searcher := &fakeSearcher{}
	return NewProcessor(svc, searcher, ms, "http://example.org/fhir", zerolog.Nop()), searcher
}

func process(t *testing.T, p *Processor, body string) (*fhir.Bundle, error) {
	t.Helper()
	return p.Process(context.Background(), fhir.R5, []byte(body))
}

func TestProcess_RejectsNonProcessableBundles(t *testing.T) {
	p, _ := testProcessor(t, newMemStore())
	tests := []struct {
		name string
		body string
	}{
		{"not a bundle", `{"resourceType":"Patient"}`},
		{"searchset", `{"resourceType":"Bundle","type":"searchset"}`},
		{"not json", `nope`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := process(t, p, tt.body)
			assertStatus(t, err, 400)
		})
	}
}

func TestBatch_IndependentEntries(t *testing.T) {
	ms := newMemStore()
	p, _ := testProcessor(t, ms)

	out, err := process(t, p, `{
		"resourceType": "Bundle", "type": "batch",
		"entry": [
			{"request": {"method": "POST", "url": "Patient"},
			 "resource": {"resourceType": "Patient"}},
			{"request": {"method": "GET", "url": "Patient/nope"}},
			{"request": {"method": "POST", "url": "Observation"},
			 "resource": {"resourceType": "Observation"}}
		]
	}`)
	if err != nil {
		t.Fatal(err)
	}
	if out.Type != fhir.BundleTypeBatchResponse {
		t.Errorf("type = %s", out.Type)
	}
	if len(out.Entry) != 3 {
		t.Fatalf("entries = %d", len(out.Entry))
	}
	if out.Entry[0].Response.Status != "201 Created" {
		t.Errorf("entry 0 = %s", out.Entry[0].Response.Status)
	}
	if out.Entry[1].Response.Status != "404 Not Found" {
		t.Errorf("entry 1 = %s", out.Entry[1].Response.Status)
	}
	if out.Entry[1].Response.Outcome == nil {
		t.Error("failed entry should carry an OperationOutcome")
	}
	if out.Entry[2].Response.Status != "201 Created" {
		t.Errorf("entry 2 = %s, failure must not stop siblings", out.Entry[2].Response.Status)
	}
}

func TestTransaction_MethodOrderAndResponseOrder(t *testing.T) {
	ms := newMemStore()
	p, _ := testProcessor(t, ms)

	out, err := process(t, p, `{
		"resourceType": "Bundle", "type": "transaction",
		"entry": [
			{"fullUrl": "urn:uuid:11111111-1111-1111-1111-111111111111",
			 "request": {"method": "POST", "url": "Patient"},
			 "resource": {"resourceType": "Patient"}},
			{"fullUrl": "urn:uuid:22222222-2222-2222-2222-222222222222",
			 "request": {"method": "POST", "url": "Observation"},
			 "resource": {"resourceType": "Observation",
				"subject": {"reference": "urn:uuid:11111111-1111-1111-1111-111111111111"}}}
		]
	}`)
	if err != nil {
		t.Fatal(err)
	}
	if out.Type != fhir.BundleTypeTransactionResponse {
		t.Errorf("type = %s", out.Type)
	}
	if len(out.Entry) != 2 {
		t.Fatalf("entries = %d", len(out.Entry))
	}

	// The Observation's urn reference must be rewritten to the assigned id.
	var obs map[string]interface{}
	if err := json.Unmarshal(out.Entry[1].Resource, &obs); err != nil {
		t.Fatal(err)
	}
	ref := obs["subject"].(map[string]interface{})["reference"].(string)
	if strings.HasPrefix(ref, "urn:uuid:") {
		t.Fatalf("reference not rewritten: %s", ref)
	}
	if !strings.HasPrefix(ref, "Patient/") {
		t.Errorf("reference = %s", ref)
	}
	patientID := strings.TrimPrefix(ref, "Patient/")
	if _, err := ms.FindCurrent(context.Background(), "Patient", patientID); err != nil {
		t.Errorf("rewritten reference points at a missing patient: %v", err)
	}
}

func TestTransaction_FailureRollsBack(t *testing.T) {
	ms := newMemStore()
	p, _ := testProcessor(t, ms)

	_, err := process(t, p, `{
		"resourceType": "Bundle", "type": "transaction",
		"entry": [
			{"request": {"method": "POST", "url": "Patient"},
			 "resource": {"resourceType": "Patient"}},
			{"request": {"method": "GET", "url": "Patient/missing"}}
		]
	}`)
	assertStatus(t, err, 404)

	if len(ms.rows) != 0 {
		t.Error("failed transaction must roll back every write")
	}
}

func TestTransaction_DuplicateFullURL(t *testing.T) {
	p, _ := testProcessor(t, newMemStore())
	_, err := process(t, p, `{
		"resourceType": "Bundle", "type": "transaction",
		"entry": [
			{"fullUrl": "urn:uuid:33333333-3333-3333-3333-333333333333",
			 "request": {"method": "POST", "url": "Patient"},
			 "resource": {"resourceType": "Patient"}},
			{"fullUrl": "urn:uuid:33333333-3333-3333-3333-333333333333",
			 "request": {"method": "POST", "url": "Patient"},
			 "resource": {"resourceType": "Patient"}}
		]
	}`)
	assertStatus(t, err, 400)
}

func TestEntry_Validation(t *testing.T) {
	p, _ := testProcessor(t, newMemStore())
	tests := []struct {
		name  string
		entry string
	}{
		{"missing request", `{"resource": {"resourceType": "Patient"}}`},
		{"put without id", `{"request": {"method": "PUT", "url": "Patient"}, "resource": {"resourceType": "Patient"}}`},
		{"delete without id", `{"request": {"method": "DELETE", "url": "Patient"}}`},
		{"bad method", `{"request": {"method": "TRACE", "url": "Patient/1"}}`},
		{"empty url", `{"request": {"method": "GET", "url": ""}}`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			out, err := process(t, p, fmt.Sprintf(
				`{"resourceType":"Bundle","type":"batch","entry":[%s]}`, tt.entry))
			if err != nil {
				t.Fatalf("batch should absorb entry failures: %v", err)
			}
			status := out.Entry[0].Response.Status
			if !strings.HasPrefix(status, "400") {
				t.Errorf("status = %s, want 400", status)
			}
		})
	}
}

func TestEntry_GETSearchAndPrefixTolerance(t *testing.T) {
	ms := newMemStore()
	p, searcher := testProcessor(t, ms)

	out, err := process(t, p, `{
		"resourceType": "Bundle", "type": "batch",
		"entry": [{"request": {"method": "GET", "url": "/fhir/Patient?name=smith"}}]
	}`)
	if err != nil {
		t.Fatal(err)
	}
	if out.Entry[0].Response.Status != "200 OK" {
		t.Errorf("status = %s", out.Entry[0].Response.Status)
	}
	if len(searcher.calls) != 1 || searcher.calls[0] != "Patient?name=smith" {
		t.Errorf("search calls = %v", searcher.calls)
	}
}

func TestEntry_ResponseMetadata(t *testing.T) {
	p, _ := testProcessor(t, newMemStore())
	out, err := process(t, p, `{
		"resourceType": "Bundle", "type": "batch",
		"entry": [{"request": {"method": "POST", "url": "Patient"},
			"resource": {"resourceType": "Patient"}}]
	}`)
	if err != nil {
		t.Fatal(err)
	}
	resp := out.Entry[0].Response
	if resp.Etag != `W/"1"` {
		t.Errorf("etag = %s", resp.Etag)
	}
	if !strings.Contains(resp.Location, "/_history/1") || !strings.HasPrefix(resp.Location, "Patient/") {
		t.Errorf("location = %s", resp.Location)
	}
	if resp.LastModified == "" {
		t.Error("missing lastModified")
	}
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
