package search

import (
	"context"
	"net/url"
	"strings"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/fhirbox/fhirbox/internal/fhir"
	"github.com/fhirbox/fhirbox/internal/registry"
)

// fakeExecutor records the query it ran and serves canned rows.
type fakeExecutor struct {
	lastQuery *Query
	rows      []Row
	total     int

	refTargets []TypeID
	byIDs      []Included
	referers   []Included
}

func (f *fakeExecutor) ExecuteSearch(_ context.Context, q *Query) ([]Row, int, error) {
	f.lastQuery = q
	if !q.RunCount {
		return f.rows, -1, nil
	}
	return f.rows, f.total, nil
}

func (f *fakeExecutor) ReferenceTargets(_ context.Context, _ string, _ []string, _ string) ([]TypeID, error) {
	return f.refTargets, nil
}

func (f *fakeExecutor) CurrentByIDs(_ context.Context, _ []TypeID) ([]Included, error) {
	return f.byIDs, nil
}

func (f *fakeExecutor) Referencing(_ context.Context, _, _, _ string, _ []string) ([]Included, error) {
	return f.referers, nil
}

func testParams(t *testing.T) *registry.SearchParameterRegistry {
	t.Helper()
	defs := map[fhir.Version][]*registry.SearchParameter{
		fhir.R5: {
			{URL: "http://hl7.org/fhir/SearchParameter/Patient-name", Code: "name",
				Base: []string{"Patient"}, Type: registry.SearchTypeString, Expression: "Patient.name"},
			{URL: "http://hl7.org/fhir/SearchParameter/Patient-birthdate", Code: "birthdate",
				Base: []string{"Patient"}, Type: registry.SearchTypeDate, Expression: "Patient.birthDate"},
			{URL: "http://hl7.org/fhir/SearchParameter/Patient-identifier", Code: "identifier",
				Base: []string{"Patient"}, Type: registry.SearchTypeToken, Expression: "Patient.identifier"},
			{URL: "http://hl7.org/fhir/SearchParameter/Patient-organization", Code: "organization",
				Base: []string{"Patient"}, Type: registry.SearchTypeReference,
				Target: []string{"Organization"}, Expression: "Patient.managingOrganization"},
			{URL: "http://hl7.org/fhir/SearchParameter/Observation-subject", Code: "subject",
				Base: []string{"Observation"}, Type: registry.SearchTypeReference,
				Target: []string{"Patient"}, Expression: "Observation.subject"},
			{URL: "http://hl7.org/fhir/SearchParameter/Observation-code-value-quantity",
				Code: "code-value-quantity", Base: []string{"Observation"},
				Type: registry.SearchTypeComposite, Expression: "Observation",
				Component: []registry.SearchParameterComponent{
					{Definition: "http://hl7.org/fhir/SearchParameter/Observation-code", Expression: "code"},
					{Definition: "http://hl7.org/fhir/SearchParameter/Observation-value-quantity", Expression: "value"},
				}},
			{URL: "http://hl7.org/fhir/SearchParameter/Observation-code", Code: "code",
				Base: []string{"Observation"}, Type: registry.SearchTypeToken, Expression: "Observation.code"},
			{URL: "http://hl7.org/fhir/SearchParameter/Observation-value-quantity", Code: "value-quantity",
				Base: []string{"Observation"}, Type: registry.SearchTypeQuantity, Expression: "Observation.value"},
		},
	}
	reg, err := registry.NewSearchParameterRegistry(defs)
	if err != nil {
		t.Fatal(err)
	}
	return reg
}

func testResources(t *testing.T) *registry.ResourceRegistry {
	t.Helper()
	configs := []*registry.ResourceConfig{
		{
			ResourceType: "Patient",
			Enabled:      true,
			FHIRVersions: []registry.VersionSpec{{Version: "R5", Default: true}},
			Interactions: map[registry.Interaction]bool{registry.InteractionSearch: true},
		},
		{
			ResourceType: "Observation",
			Enabled:      true,
			FHIRVersions: []registry.VersionSpec{{Version: "R5", Default: true}},
			Interactions: map[registry.Interaction]bool{registry.InteractionSearch: true},
		},
	}
	reg, err := registry.NewResourceRegistry(configs, fhir.R5)
	if err != nil {
		t.Fatal(err)
	}
	return reg
}

func newTestEngine(t *testing.T, exec Executor, opts Options) *Engine {
	t.Helper()
	if opts.BaseURL == "" {
		opts.BaseURL = "http://example.org/fhir"
	}
	return NewEngine(testParams(t), testResources(t), exec, opts, zerolog.Nop())
}

func mustValues(t *testing.T, raw string) url.Values {
	t.Helper()
	v, err := url.ParseQuery(raw)
	if err != nil {
		t.Fatal(err)
	}
	return v
}

func TestSearch_OperandsNeverReachSQL(t *testing.T) {
	exec := &fakeExecutor{}
	e := newTestEngine(t, exec, Options{})

	hostile := "x'; DROP TABLE resources; --"
	values := url.Values{"name": []string{hostile}}
	if _, err := e.Search(context.Background(), fhir.R5, "Patient", values); err != nil {
		t.Fatal(err)
	}

	q := exec.lastQuery
	if strings.Contains(q.SQL, "DROP") || strings.Contains(q.CountSQL, "DROP") {
		t.Fatalf("operand leaked into SQL: %s", q.SQL)
	}
	found := false
	for _, a := range q.Args {
		if s, ok := a.(string); ok && strings.Contains(s, "DROP TABLE") {
			found = true
		}
	}
	if !found {
		t.Error("operand missing from bound args")
	}
}

func TestSearch_RepeatedKeyORsWithinOneExists(t *testing.T) {
	exec := &fakeExecutor{}
	e := newTestEngine(t, exec, Options{})

	values := mustValues(t, "identifier=http://sys|a&identifier=http://sys|b")
	if _, err := e.Search(context.Background(), fhir.R5, "Patient", values); err != nil {
		t.Fatal(err)
	}

	sql := exec.lastQuery.SQL
	if got := strings.Count(sql, "EXISTS (SELECT 1 FROM search_index"); got != 1 {
		t.Errorf("repeated values of one parameter should share one EXISTS, got %d", got)
	}
	if !strings.Contains(sql, " OR ") {
		t.Error("expected OR between value clauses")
	}
}

func TestSearch_DistinctParamsStackExists(t *testing.T) {
	exec := &fakeExecutor{}
	e := newTestEngine(t, exec, Options{})

	values := mustValues(t, "identifier=a&name=smith")
	if _, err := e.Search(context.Background(), fhir.R5, "Patient", values); err != nil {
		t.Fatal(err)
	}
	if got := strings.Count(exec.lastQuery.SQL, "EXISTS (SELECT 1 FROM search_index"); got != 2 {
		t.Errorf("distinct parameters should AND separate EXISTS, got %d", got)
	}
}

func TestSearch_MissingModifier(t *testing.T) {
	exec := &fakeExecutor{}
	e := newTestEngine(t, exec, Options{})

	values := mustValues(t, "birthdate:missing=true")
	if _, err := e.Search(context.Background(), fhir.R5, "Patient", values); err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(exec.lastQuery.SQL, "NOT EXISTS") {
		t.Error("missing=true should emit NOT EXISTS")
	}

	values = mustValues(t, "birthdate:missing=maybe")
	_, err := e.Search(context.Background(), fhir.R5, "Patient", values)
	assertStatus(t, err, 400)
}

func TestSearch_NotModifierNegates(t *testing.T) {
	exec := &fakeExecutor{}
	e := newTestEngine(t, exec, Options{})

	values := mustValues(t, "identifier:not=a")
	if _, err := e.Search(context.Background(), fhir.R5, "Patient", values); err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(exec.lastQuery.SQL, "NOT EXISTS") {
		t.Error("not modifier should emit NOT EXISTS")
	}
}

func TestSearch_InvalidInputs(t *testing.T) {
	tests := []struct {
		name  string
		query string
	}{
		{"unknown modifier", "name:fuzzy=smith"},
		{"bad date", "birthdate=notadate"},
		{"bad date prefix value", "birthdate=ge20x4"},
		{"bad count", "_count=abc"},
		{"negative offset", "_offset=-1"},
		{"bad total", "_total=sometimes"},
		{"sort by unknown", "_sort=flavor"},
		{"include iterate", "_include=Patient:organization:iterate"},
	}
	e := newTestEngine(t, &fakeExecutor{}, Options{})
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := e.Search(context.Background(), fhir.R5, "Patient", mustValues(t, tt.query))
			assertStatus(t, err, 400)
		})
	}
}

func TestSearch_UnknownParameterLenient(t *testing.T) {
	exec := &fakeExecutor{rows: []Row{{ResourceID: "p1", Content: []byte(`{}`)}}, total: 1}
	e := newTestEngine(t, exec, Options{})

	bundle, err := e.Search(context.Background(), fhir.R5, "Patient", mustValues(t, "flavor=mint"))
	if err != nil {
		t.Fatal(err)
	}

	var outcomeEntries int
	for _, entry := range bundle.Entry {
		if entry.Search != nil && entry.Search.Mode == fhir.SearchModeOutcome {
			outcomeEntries++
		}
	}
	if outcomeEntries != 1 {
		t.Errorf("lenient mode should add one outcome entry, got %d", outcomeEntries)
	}
	// The unknown parameter must not constrain the query.
	if strings.Contains(exec.lastQuery.SQL, "search_index") {
		t.Error("skipped parameter still reached the query")
	}
}

func TestSearch_UnknownParameterStrict(t *testing.T) {
	e := newTestEngine(t, &fakeExecutor{}, Options{FailOnUnknown: true})
	_, err := e.Search(context.Background(), fhir.R5, "Patient", mustValues(t, "flavor=mint"))
	assertStatus(t, err, 400)
}

func TestSearch_CountClamping(t *testing.T) {
	tests := []struct {
		query string
		want  int
	}{
		{"", 20},
		{"_count=0", 1},
		{"_count=5", 5},
		{"_count=9999", 1000},
	}
	for _, tt := range tests {
		t.Run("q="+tt.query, func(t *testing.T) {
			exec := &fakeExecutor{}
			e := newTestEngine(t, exec, Options{})
			if _, err := e.Search(context.Background(), fhir.R5, "Patient", mustValues(t, tt.query)); err != nil {
				t.Fatal(err)
			}
			if exec.lastQuery.Limit != tt.want {
				t.Errorf("limit = %d, want %d", exec.lastQuery.Limit, tt.want)
			}
		})
	}
}

func TestSearch_PaginationLinks(t *testing.T) {
	now := time.Now()
	exec := &fakeExecutor{
		rows: []Row{
			{ResourceID: "p3", VersionID: 1, LastUpdated: now, Content: []byte(`{"resourceType":"Patient","id":"p3"}`)},
			{ResourceID: "p4", VersionID: 1, LastUpdated: now, Content: []byte(`{"resourceType":"Patient","id":"p4"}`)},
		},
		total: 5,
	}
	e := newTestEngine(t, exec, Options{})

	bundle, err := e.Search(context.Background(), fhir.R5, "Patient", mustValues(t, "name=smith&_count=2&_offset=2"))
	if err != nil {
		t.Fatal(err)
	}

	if bundle.Total == nil || *bundle.Total != 5 {
		t.Fatalf("total = %v, want 5", bundle.Total)
	}
	for _, rel := range []string{"self", "first", "last", "next", "previous"} {
		if bundle.LinkURL(rel) == "" {
			t.Errorf("missing %s link", rel)
		}
	}

	next, err := url.Parse(bundle.LinkURL("next"))
	if err != nil {
		t.Fatal(err)
	}
	nq := next.Query()
	if nq.Get("_offset") != "4" || nq.Get("_count") != "2" {
		t.Errorf("next = %s", bundle.LinkURL("next"))
	}
	if nq.Get("name") != "smith" {
		t.Error("links must preserve non-pagination parameters")
	}
	last, _ := url.Parse(bundle.LinkURL("last"))
	if last.Query().Get("_offset") != "4" {
		t.Errorf("last = %s", bundle.LinkURL("last"))
	}
	prev, _ := url.Parse(bundle.LinkURL("previous"))
	if prev.Query().Get("_offset") != "" && prev.Query().Get("_offset") != "0" {
		t.Errorf("previous = %s", bundle.LinkURL("previous"))
	}

	if bundle.LinkURL("self") == "" || !strings.Contains(bundle.LinkURL("self"), "/r5/Patient?") {
		t.Errorf("self = %s", bundle.LinkURL("self"))
	}
}

func TestSearch_TotalNoneSkipsCount(t *testing.T) {
	exec := &fakeExecutor{rows: []Row{{ResourceID: "p1", Content: []byte(`{}`)}}}
	e := newTestEngine(t, exec, Options{})

	bundle, err := e.Search(context.Background(), fhir.R5, "Patient", mustValues(t, "_total=none"))
	if err != nil {
		t.Fatal(err)
	}
	if exec.lastQuery.RunCount {
		t.Error("_total=none must not run the count query")
	}
	if bundle.Total != nil {
		t.Error("bundle total should be absent")
	}
}

func TestSearch_MatchEntries(t *testing.T) {
	exec := &fakeExecutor{
		rows:  []Row{{ResourceID: "p1", Content: []byte(`{"resourceType":"Patient","id":"p1"}`)}},
		total: 1,
	}
	e := newTestEngine(t, exec, Options{})

	bundle, err := e.Search(context.Background(), fhir.R5, "Patient", url.Values{})
	if err != nil {
		t.Fatal(err)
	}
	if len(bundle.Entry) != 1 {
		t.Fatalf("entries = %d, want 1", len(bundle.Entry))
	}
	entry := bundle.Entry[0]
	if entry.FullURL != "http://example.org/fhir/r5/Patient/p1" {
		t.Errorf("fullUrl = %s", entry.FullURL)
	}
	if entry.Search == nil || entry.Search.Mode != fhir.SearchModeMatch {
		t.Error("match entry should carry search.mode=match")
	}
}

func TestSearch_Include(t *testing.T) {
	exec := &fakeExecutor{
		rows:       []Row{{ResourceID: "p1", Content: []byte(`{"resourceType":"Patient","id":"p1"}`)}},
		total:      1,
		refTargets: []TypeID{{ResourceType: "Organization", ResourceID: "org1"}},
		byIDs: []Included{{ResourceType: "Organization", ResourceID: "org1",
			Content: []byte(`{"resourceType":"Organization","id":"org1"}`)}},
	}
	e := newTestEngine(t, exec, Options{})

	bundle, err := e.Search(context.Background(), fhir.R5, "Patient",
		mustValues(t, "_include=Patient:organization"))
	if err != nil {
		t.Fatal(err)
	}

	var includes int
	for _, entry := range bundle.Entry {
		if entry.Search != nil && entry.Search.Mode == fhir.SearchModeInclude {
			includes++
			if entry.FullURL != "http://example.org/fhir/r5/Organization/org1" {
				t.Errorf("include fullUrl = %s", entry.FullURL)
			}
		}
	}
	if includes != 1 {
		t.Errorf("include entries = %d, want 1", includes)
	}
	// Total counts matches only.
	if bundle.Total == nil || *bundle.Total != 1 {
		t.Errorf("total = %v, want 1", bundle.Total)
	}
}

func TestSearch_IncludeUnknownParam(t *testing.T) {
	exec := &fakeExecutor{rows: []Row{{ResourceID: "p1", Content: []byte(`{}`)}}, total: 1}
	e := newTestEngine(t, exec, Options{})
	_, err := e.Search(context.Background(), fhir.R5, "Patient", mustValues(t, "_include=Patient:nonsense"))
	assertStatus(t, err, 400)
}

func TestSearch_RevInclude(t *testing.T) {
	exec := &fakeExecutor{
		rows:  []Row{{ResourceID: "p1", Content: []byte(`{"resourceType":"Patient","id":"p1"}`)}},
		total: 1,
		referers: []Included{{ResourceType: "Observation", ResourceID: "obs1",
			Content: []byte(`{"resourceType":"Observation","id":"obs1"}`)}},
	}
	e := newTestEngine(t, exec, Options{})

	bundle, err := e.Search(context.Background(), fhir.R5, "Patient",
		mustValues(t, "_revinclude=Observation:subject"))
	if err != nil {
		t.Fatal(err)
	}
	var includes int
	for _, entry := range bundle.Entry {
		if entry.Search != nil && entry.Search.Mode == fhir.SearchModeInclude {
			includes++
		}
	}
	if includes != 1 {
		t.Errorf("revinclude entries = %d, want 1", includes)
	}
}

func TestSearch_Composite(t *testing.T) {
	exec := &fakeExecutor{}
	e := newTestEngine(t, exec, Options{})

	values := mustValues(t, "code-value-quantity=http://loinc.org|8480-6$gt100")
	if _, err := e.Search(context.Background(), fhir.R5, "Observation", values); err != nil {
		t.Fatal(err)
	}
	sql := exec.lastQuery.SQL
	if got := strings.Count(sql, "EXISTS (SELECT 1 FROM search_index"); got != 2 {
		t.Errorf("composite should emit one EXISTS per component, got %d", got)
	}

	_, err := e.Search(context.Background(), fhir.R5, "Observation",
		mustValues(t, "code-value-quantity=onlyoneleg"))
	assertStatus(t, err, 400)
}

func TestSearch_SortSpecials(t *testing.T) {
	exec := &fakeExecutor{}
	e := newTestEngine(t, exec, Options{})

	values := mustValues(t, "_sort=-_lastUpdated,name")
	if _, err := e.Search(context.Background(), fhir.R5, "Patient", values); err != nil {
		t.Fatal(err)
	}
	sql := exec.lastQuery.SQL
	if !strings.Contains(sql, "r.last_updated DESC") {
		t.Errorf("missing descending lastUpdated sort: %s", sql)
	}
	if !strings.Contains(sql, "value_string_norm") {
		t.Errorf("missing name sort on value_string_norm: %s", sql)
	}
}

func TestSearch_LastUpdatedColumnFilter(t *testing.T) {
	exec := &fakeExecutor{}
	e := newTestEngine(t, exec, Options{})

	values := mustValues(t, "_lastUpdated=ge2024-01-01")
	if _, err := e.Search(context.Background(), fhir.R5, "Patient", values); err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(exec.lastQuery.SQL, "r.last_updated >=") {
		t.Errorf("missing column filter: %s", exec.lastQuery.SQL)
	}
	if strings.Contains(exec.lastQuery.SQL, "2024") {
		t.Error("date operand leaked into SQL")
	}
}

func TestQuery_TenantSlot(t *testing.T) {
	exec := &fakeExecutor{}
	e := newTestEngine(t, exec, Options{})
	if _, err := e.Search(context.Background(), fhir.R5, "Patient", url.Values{}); err != nil {
		t.Fatal(err)
	}

	q := exec.lastQuery
	if q.Args[0] != nil {
		t.Fatal("tenant slot should start empty")
	}
	q.BindTenant("tenant-1")
	if q.Args[0] != "tenant-1" {
		t.Error("BindTenant should fill Args[0]")
	}
	if len(q.CountArgs()) != len(q.Args)-2 {
		t.Errorf("count args should exclude limit and offset: %d vs %d", len(q.CountArgs()), len(q.Args))
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
