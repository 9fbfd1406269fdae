package registry

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/rs/zerolog"
	"gopkg.in/yaml.v3"

	"github.com/fhirbox/fhirbox/internal/fhir"
)

// Interaction identifies a RESTful interaction a resource type can allow or
// forbid in its configuration.
type Interaction string

const (
	InteractionRead    Interaction = "read"
	InteractionVread   Interaction = "vread"
	InteractionCreate  Interaction = "create"
	InteractionUpdate  Interaction = "update"
	InteractionPatch   Interaction = "patch"
	InteractionDelete  Interaction = "delete"
	InteractionSearch  Interaction = "search"
	InteractionHistory Interaction = "history"
)

// AllInteractions lists every interaction kind in a stable order.
var AllInteractions = []Interaction{
	InteractionRead, InteractionVread, InteractionCreate, InteractionUpdate,
	InteractionPatch, InteractionDelete, InteractionSearch, InteractionHistory,
}

// Search parameter restriction modes.
const (
	SearchParamModeAllowlist = "allowlist"
	SearchParamModeDenylist  = "denylist"
)

// Sentinel conditions surfaced by Get. The guard maps them onto HTTP
// statuses; everywhere else they are ordinary errors.
var (
	ErrNotConfigured    = errors.New("resource type not configured")
	ErrResourceDisabled = errors.New("resource type disabled")
)

// VersionSpec is one entry of a resource's fhirVersions list.
type VersionSpec struct {
	Version string `yaml:"version"`
	Default bool   `yaml:"default"`
}

// SearchParamFilter restricts which search parameters a resource accepts.
// Mode allowlist permits only the listed names; denylist permits everything
// but the listed names. Common and resource-specific parameters are listed
// separately because a name like "date" can be common on one type and
// specific on another.
type SearchParamFilter struct {
	Mode             string   `yaml:"mode"`
	Common           []string `yaml:"common"`
	ResourceSpecific []string `yaml:"resourceSpecific"`
}

// ProfileRef names a StructureDefinition the resource claims or must conform to.
type ProfileRef struct {
	URL      string `yaml:"url"`
	Required bool   `yaml:"required"`
}

// ResourceConfig is the declarative per-resource-type configuration loaded
// from <basePath>/resources/*.yml.
type ResourceConfig struct {
	ResourceType     string               `yaml:"resourceType"`
	Enabled          bool                 `yaml:"enabled"`
	FHIRVersions     []VersionSpec        `yaml:"fhirVersions"`
	Interactions     map[Interaction]bool `yaml:"interactions"`
	SearchParameters *SearchParamFilter   `yaml:"searchParameters"`
	Profiles         []ProfileRef         `yaml:"profiles"`
}

// DefaultVersion returns the version marked default in the config, or false
// when the config carries no versions.
func (c *ResourceConfig) DefaultVersion() (fhir.Version, bool) {
	for _, vs := range c.FHIRVersions {
		if vs.Default {
			v, ok := fhir.ParseVersion(vs.Version)
			return v, ok
		}
	}
	return "", false
}

// SupportsVersion reports whether the config lists the given version.
func (c *ResourceConfig) SupportsVersion(v fhir.Version) bool {
	for _, vs := range c.FHIRVersions {
		if parsed, ok := fhir.ParseVersion(vs.Version); ok && parsed == v {
			return true
		}
	}
	return false
}

// ResourceRegistry holds every loaded ResourceConfig. It is built once at
// startup and never mutated, so reads need no locking.
type ResourceRegistry struct {
	configs       map[string]*ResourceConfig
	globalDefault fhir.Version
}

// LoadResourceRegistry reads every *.yml file under dir. Malformed YAML,
// duplicate resource types, and configs with more than one default version
// are fatal; an absent or empty directory yields an empty registry with a
// warning so a bare server can still start.
func LoadResourceRegistry(dir string, globalDefault fhir.Version, logger zerolog.Logger) (*ResourceRegistry, error) {
	logger = logger.With().Str("component", "resource-registry").Logger()

	reg := &ResourceRegistry{
		configs:       make(map[string]*ResourceConfig),
		globalDefault: globalDefault,
	}

	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			logger.Warn().Str("dir", dir).Msg("resource config directory missing; no resource types configured")
			return reg, nil
		}
		return nil, fmt.Errorf("read resource config dir %s: %w", dir, err)
	}

	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		name := entry.Name()
		if ext := filepath.Ext(name); ext != ".yml" && ext != ".yaml" {
			continue
		}

		path := filepath.Join(dir, name)
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read resource config %s: %w", path, err)
		}

		var cfg ResourceConfig
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return nil, fmt.Errorf("parse resource config %s: %w", path, err)
		}
		if err := validateResourceConfig(&cfg); err != nil {
			return nil, fmt.Errorf("invalid resource config %s: %w", path, err)
		}
		if _, exists := reg.configs[cfg.ResourceType]; exists {
			return nil, fmt.Errorf("duplicate resource config for type %q in %s", cfg.ResourceType, path)
		}

		if cfg.Enabled && len(cfg.FHIRVersions) == 0 {
			logger.Warn().
				Str("resourceType", cfg.ResourceType).
				Str("default", globalDefault.String()).
				Msg("resource enabled with no fhirVersions; serving the server default version only")
		}

		reg.configs[cfg.ResourceType] = &cfg
	}

	if len(reg.configs) == 0 {
		logger.Warn().Str("dir", dir).Msg("no resource configs found")
	} else {
		logger.Info().Int("count", len(reg.configs)).Msg("resource configs loaded")
	}

	return reg, nil
}

// NewResourceRegistry builds a registry directly from configs. Intended for
// tests and embedded setups; the same validation as LoadResourceRegistry
// applies.
func NewResourceRegistry(configs []*ResourceConfig, globalDefault fhir.Version) (*ResourceRegistry, error) {
	reg := &ResourceRegistry{
		configs:       make(map[string]*ResourceConfig, len(configs)),
		globalDefault: globalDefault,
	}
	for _, cfg := range configs {
		if err := validateResourceConfig(cfg); err != nil {
			return nil, fmt.Errorf("invalid resource config %q: %w", cfg.ResourceType, err)
		}
		if _, exists := reg.configs[cfg.ResourceType]; exists {
			return nil, fmt.Errorf("duplicate resource config for type %q", cfg.ResourceType)
		}
		reg.configs[cfg.ResourceType] = cfg
	}
	return reg, nil
}

func validateResourceConfig(cfg *ResourceConfig) error {
	if cfg.ResourceType == "" {
		return fmt.Errorf("resourceType is required")
	}

	defaults := 0
	for _, vs := range cfg.FHIRVersions {
		if _, ok := fhir.ParseVersion(vs.Version); !ok {
			return fmt.Errorf("unknown FHIR version %q", vs.Version)
		}
		if vs.Default {
			defaults++
		}
	}
	if len(cfg.FHIRVersions) > 0 && defaults != 1 {
		return fmt.Errorf("fhirVersions must mark exactly one default, found %d", defaults)
	}

	if sp := cfg.SearchParameters; sp != nil {
		switch strings.ToLower(sp.Mode) {
		case SearchParamModeAllowlist, SearchParamModeDenylist:
		default:
			return fmt.Errorf("searchParameters.mode must be allowlist or denylist, got %q", sp.Mode)
		}
	}

	for ix := range cfg.Interactions {
		known := false
		for _, k := range AllInteractions {
			if ix == k {
				known = true
				break
			}
		}
		if !known {
			return fmt.Errorf("unknown interaction %q", ix)
		}
	}

	return nil
}

// Get returns the configuration for a resource type. ErrNotConfigured when
// absent, ErrResourceDisabled when present but switched off.
func (r *ResourceRegistry) Get(resourceType string) (*ResourceConfig, error) {
	cfg, ok := r.configs[resourceType]
	if !ok {
		return nil, fmt.Errorf("%s: %w", resourceType, ErrNotConfigured)
	}
	if !cfg.Enabled {
		return nil, fmt.Errorf("%s: %w", resourceType, ErrResourceDisabled)
	}
	return cfg, nil
}

// SupportsVersion reports whether the type may be served at the given
// version. A config with no versions supports exactly the global default.
func (r *ResourceRegistry) SupportsVersion(resourceType string, v fhir.Version) bool {
	cfg, err := r.Get(resourceType)
	if err != nil {
		return false
	}
	if len(cfg.FHIRVersions) == 0 {
		return v == r.globalDefault
	}
	return cfg.SupportsVersion(v)
}

// DefaultVersion returns the version used for unversioned URLs addressing
// this type. Unknown types and zero-version configs fall back to the global
// server default.
func (r *ResourceRegistry) DefaultVersion(resourceType string) fhir.Version {
	cfg, ok := r.configs[resourceType]
	if !ok {
		return r.globalDefault
	}
	if v, ok := cfg.DefaultVersion(); ok {
		return v
	}
	return r.globalDefault
}

// GlobalDefault returns the server-wide default version.
func (r *ResourceRegistry) GlobalDefault() fhir.Version {
	return r.globalDefault
}

// IsSearchParamAllowed applies the per-resource allow/deny configuration.
// No configuration for the type, or no searchParameters block, allows
// everything. isCommon selects which of the two name lists applies.
func (r *ResourceRegistry) IsSearchParamAllowed(resourceType, name string, isCommon bool) bool {
	cfg, ok := r.configs[resourceType]
	if !ok || cfg.SearchParameters == nil {
		return true
	}

	sp := cfg.SearchParameters
	list := sp.ResourceSpecific
	if isCommon {
		list = sp.Common
	}

	member := false
	for _, n := range list {
		if n == name {
			member = true
			break
		}
	}

	if strings.ToLower(sp.Mode) == SearchParamModeAllowlist {
		return member
	}
	return !member
}

// EnabledInteractions returns the interactions switched on for a type.
// Interactions absent from the config default to disabled.
func (r *ResourceRegistry) EnabledInteractions(resourceType string) map[Interaction]bool {
	out := make(map[Interaction]bool)
	cfg, ok := r.configs[resourceType]
	if !ok {
		return out
	}
	for ix, enabled := range cfg.Interactions {
		if enabled {
			out[ix] = true
		}
	}
	return out
}

// Types returns the configured resource type names sorted alphabetically,
// enabled or not. The capability statement filters on Enabled itself.
func (r *ResourceRegistry) Types() []string {
	out := make([]string, 0, len(r.configs))
	for t := range r.configs {
		out = append(out, t)
	}
	sort.Strings(out)
	return out
}
