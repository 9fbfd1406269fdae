package registry

import (
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/rs/zerolog"

	"github.com/fhirbox/fhirbox/internal/fhir"
)

func patientConfig() *ResourceConfig {
	return &ResourceConfig{
		ResourceType: "Patient",
		Enabled:      true,
		FHIRVersions: []VersionSpec{
			{Version: "R5", Default: true},
			{Version: "R4B"},
		},
		Interactions: map[Interaction]bool{
			InteractionRead:   true,
			InteractionCreate: true,
			InteractionSearch: true,
			InteractionDelete: false,
		},
	}
}

func TestResourceRegistry_Get(t *testing.T) {
	reg, err := NewResourceRegistry([]*ResourceConfig{
		patientConfig(),
		{ResourceType: "Device", Enabled: false},
	}, fhir.R4B)
	if err != nil {
		t.Fatalf("NewResourceRegistry: %v", err)
	}

	if _, err := reg.Get("Patient"); err != nil {
		t.Errorf("Get(Patient) returned error: %v", err)
	}

	if _, err := reg.Get("Observation"); err == nil {
		t.Error("expected error for unconfigured type")
	} else if !errors.Is(err, ErrNotConfigured) {
		t.Errorf("expected ErrNotConfigured, got %v", err)
	}

	if _, err := reg.Get("Device"); err == nil {
		t.Error("expected error for disabled type")
	} else if !errors.Is(err, ErrResourceDisabled) {
		t.Errorf("expected ErrResourceDisabled, got %v", err)
	}
}

func TestResourceRegistry_Versions(t *testing.T) {
	reg, err := NewResourceRegistry([]*ResourceConfig{
		patientConfig(),
		// Enabled with no versions: serves the global default only.
		{ResourceType: "Basic", Enabled: true},
	}, fhir.R4B)
	if err != nil {
		t.Fatalf("NewResourceRegistry: %v", err)
	}

	tests := []struct {
		name         string
		resourceType string
		version      fhir.Version
		supports     bool
	}{
		{"patient r5", "Patient", fhir.R5, true},
		{"patient r4b", "Patient", fhir.R4B, true},
		{"no versions falls back to global default", "Basic", fhir.R4B, true},
		{"no versions rejects non-default", "Basic", fhir.R5, false},
		{"unknown type", "Observation", fhir.R5, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := reg.SupportsVersion(tt.resourceType, tt.version); got != tt.supports {
				t.Errorf("SupportsVersion(%s, %s) = %v, want %v", tt.resourceType, tt.version, got, tt.supports)
			}
		})
	}

	if got := reg.DefaultVersion("Patient"); got != fhir.R5 {
		t.Errorf("DefaultVersion(Patient) = %s, want R5", got)
	}
	if got := reg.DefaultVersion("Basic"); got != fhir.R4B {
		t.Errorf("DefaultVersion(Basic) = %s, want global default R4B", got)
	}
	if got := reg.DefaultVersion("Unknown"); got != fhir.R4B {
		t.Errorf("DefaultVersion(Unknown) = %s, want global default R4B", got)
	}
}

func TestResourceRegistry_SearchParamAllowed(t *testing.T) {
	allow := patientConfig()
	allow.SearchParameters = &SearchParamFilter{
		Mode:             SearchParamModeAllowlist,
		Common:           []string{"_id"},
		ResourceSpecific: []string{"family"},
	}

	deny := &ResourceConfig{
		ResourceType: "Observation",
		Enabled:      true,
		FHIRVersions: []VersionSpec{{Version: "R5", Default: true}},
		SearchParameters: &SearchParamFilter{
			Mode:             SearchParamModeDenylist,
			ResourceSpecific: []string{"value-quantity"},
		},
	}

	reg, err := NewResourceRegistry([]*ResourceConfig{allow, deny}, fhir.R5)
	if err != nil {
		t.Fatalf("NewResourceRegistry: %v", err)
	}

	tests := []struct {
		name         string
		resourceType string
		param        string
		isCommon     bool
		want         bool
	}{
		{"allowlist member common", "Patient", "_id", true, true},
		{"allowlist member specific", "Patient", "family", false, true},
		{"allowlist non-member", "Patient", "given", false, false},
		{"allowlist common name not in common list", "Patient", "family", true, false},
		{"denylist member", "Observation", "value-quantity", false, false},
		{"denylist non-member", "Observation", "code", false, true},
		{"no config allows all", "Encounter", "date", false, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := reg.IsSearchParamAllowed(tt.resourceType, tt.param, tt.isCommon); got != tt.want {
				t.Errorf("IsSearchParamAllowed(%s, %s, %v) = %v, want %v",
					tt.resourceType, tt.param, tt.isCommon, got, tt.want)
			}
		})
	}
}

func TestResourceRegistry_ValidationErrors(t *testing.T) {
	tests := []struct {
		name string
		cfg  *ResourceConfig
	}{
		{"missing type", &ResourceConfig{Enabled: true}},
		{"two defaults", &ResourceConfig{
			ResourceType: "Patient",
			FHIRVersions: []VersionSpec{{Version: "R5", Default: true}, {Version: "R4B", Default: true}},
		}},
		{"no default", &ResourceConfig{
			ResourceType: "Patient",
			FHIRVersions: []VersionSpec{{Version: "R5"}},
		}},
		{"unknown version", &ResourceConfig{
			ResourceType: "Patient",
			FHIRVersions: []VersionSpec{{Version: "R6", Default: true}},
		}},
		{"bad search mode", &ResourceConfig{
			ResourceType:     "Patient",
			SearchParameters: &SearchParamFilter{Mode: "whitelist"},
		}},
		{"unknown interaction", &ResourceConfig{
			ResourceType: "Patient",
			Interactions: map[Interaction]bool{"validate": true},
		}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := NewResourceRegistry([]*ResourceConfig{tt.cfg}, fhir.R5); err == nil {
				t.Error("expected validation error, got nil")
			}
		})
	}
}

func TestLoadResourceRegistry_FromYAML(t *testing.T) {
	dir := t.TempDir()
	resourcesDir := filepath.Join(dir, "resources")
	if err := os.MkdirAll(resourcesDir, 0o755); err != nil {
		t.Fatal(err)
	}

	patientYAML := `resourceType: Patient
enabled: true
fhirVersions:
  - version: R5
    default: true
  - version: R4B
interactions:
  read: true
  create: true
  search: true
searchParameters:
  mode: denylist
  resourceSpecific: ["deceased"]
profiles:
  - url: http://example.org/StructureDefinition/us-core-patient
    required: false
`
	if err := os.WriteFile(filepath.Join(resourcesDir, "patient.yml"), []byte(patientYAML), 0o644); err != nil {
		t.Fatal(err)
	}

	reg, err := LoadResourceRegistry(resourcesDir, fhir.R4B, zerolog.Nop())
	if err != nil {
		t.Fatalf("LoadResourceRegistry: %v", err)
	}

	cfg, err := reg.Get("Patient")
	if err != nil {
		t.Fatalf("Get(Patient): %v", err)
	}
	if v, _ := cfg.DefaultVersion(); v != fhir.R5 {
		t.Errorf("default version = %s, want R5", v)
	}
	if !cfg.Interactions[InteractionCreate] {
		t.Error("expected create interaction enabled")
	}
	if reg.IsSearchParamAllowed("Patient", "deceased", false) {
		t.Error("denylisted parameter should not be allowed")
	}
	if len(cfg.Profiles) != 1 || cfg.Profiles[0].URL == "" {
		t.Errorf("profiles not loaded: %+v", cfg.Profiles)
	}
}

func TestLoadResourceRegistry_MissingDirIsEmpty(t *testing.T) {
	reg, err := LoadResourceRegistry(filepath.Join(t.TempDir(), "nope"), fhir.R5, zerolog.Nop())
	if err != nil {
		t.Fatalf("missing dir should not be fatal: %v", err)
	}
	if got := len(reg.Types()); got != 0 {
		t.Errorf("expected empty registry, got %d types", got)
	}
}
