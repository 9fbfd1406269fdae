package registry

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/fhirbox/fhirbox/internal/fhir"
)

// SearchParameter is the subset of a FHIR SearchParameter document this
// server consumes. Definitions are loaded per version from
// <basePath>/<r4b|r5>/searchparameters/*.json, either as single resources or
// as Bundles of them.
type SearchParameter struct {
	ResourceType string                     `json:"resourceType"`
	ID           string                     `json:"id,omitempty"`
	URL          string                     `json:"url"`
	Name         string                     `json:"name,omitempty"`
	Code         string                     `json:"code"`
	Base         []string                   `json:"base"`
	Type         string                     `json:"type"`
	Expression   string                     `json:"expression,omitempty"`
	Target       []string                   `json:"target,omitempty"`
	Comparator   []string                   `json:"comparator,omitempty"`
	Modifier     []string                   `json:"modifier,omitempty"`
	Component    []SearchParameterComponent `json:"component,omitempty"`
}

// SearchParameterComponent declares one leg of a composite parameter. The
// Definition URL names the underlying parameter; Expression scopes the leg
// within the element the composite root selects.
type SearchParameterComponent struct {
	Definition string `json:"definition"`
	Expression string `json:"expression"`
}

// SearchParameter.type values.
const (
	SearchTypeNumber    = "number"
	SearchTypeDate      = "date"
	SearchTypeString    = "string"
	SearchTypeToken     = "token"
	SearchTypeReference = "reference"
	SearchTypeComposite = "composite"
	SearchTypeQuantity  = "quantity"
	SearchTypeURI       = "uri"
	SearchTypeSpecial   = "special"
)

var validSearchTypes = map[string]bool{
	SearchTypeNumber:    true,
	SearchTypeDate:      true,
	SearchTypeString:    true,
	SearchTypeToken:     true,
	SearchTypeReference: true,
	SearchTypeComposite: true,
	SearchTypeQuantity:  true,
	SearchTypeURI:       true,
	SearchTypeSpecial:   true,
}

// IsCommon reports whether the parameter applies across resource types, i.e.
// its base set contains Resource or DomainResource.
func (sp *SearchParameter) IsCommon() bool {
	for _, b := range sp.Base {
		if b == "Resource" || b == "DomainResource" {
			return true
		}
	}
	return false
}

// HasModifier reports whether the definition declares the given modifier.
func (sp *SearchParameter) HasModifier(mod string) bool {
	for _, m := range sp.Modifier {
		if m == mod {
			return true
		}
	}
	return false
}

// versionIndex buckets the definitions of one FHIR version. Resource-base
// parameters apply everywhere; domain-base ones apply to every type except
// the non-DomainResource types; the rest are keyed per resource type.
type versionIndex struct {
	resourceBase map[string]*SearchParameter            // code -> definition
	domainBase   map[string]*SearchParameter            // code -> definition
	perType      map[string]map[string]*SearchParameter // type -> code -> definition
	byURL        map[string]*SearchParameter
}

func newVersionIndex() *versionIndex {
	return &versionIndex{
		resourceBase: make(map[string]*SearchParameter),
		domainBase:   make(map[string]*SearchParameter),
		perType:      make(map[string]map[string]*SearchParameter),
		byURL:        make(map[string]*SearchParameter),
	}
}

func (ix *versionIndex) add(sp *SearchParameter) {
	hasResource, hasDomain := false, false
	for _, b := range sp.Base {
		switch b {
		case "Resource":
			hasResource = true
		case "DomainResource":
			hasDomain = true
		}
	}

	switch {
	case hasResource:
		ix.resourceBase[sp.Code] = sp
	case hasDomain:
		ix.domainBase[sp.Code] = sp
	default:
		for _, b := range sp.Base {
			bucket, ok := ix.perType[b]
			if !ok {
				bucket = make(map[string]*SearchParameter)
				ix.perType[b] = bucket
			}
			bucket[sp.Code] = sp
		}
	}

	if sp.URL != "" {
		ix.byURL[sp.URL] = sp
	}
}

// Resource types that are not DomainResources, so domain-base parameters
// (like _text) do not apply to them.
var nonDomainTypes = map[string]bool{
	"Bundle":     true,
	"Parameters": true,
	"Binary":     true,
}

// SearchParameterRegistry answers per-(version, resource type) search
// parameter lookups. Immutable after load.
type SearchParameterRegistry struct {
	versions map[fhir.Version]*versionIndex
}

// LoadSearchParameters reads the per-version searchparameters directories
// concurrently. A missing directory for a configured version is logged and
// served as empty, not fatal: deployments often enable a version before
// shipping its definition pack.
func LoadSearchParameters(basePath string, versions []fhir.Version, logger zerolog.Logger) (*SearchParameterRegistry, error) {
	logger = logger.With().Str("component", "searchparam-registry").Logger()

	reg := &SearchParameterRegistry{
		versions: make(map[fhir.Version]*versionIndex, len(versions)),
	}

	var mu sync.Mutex
	var g errgroup.Group

	for _, version := range versions {
		version := version
		dir := filepath.Join(basePath, version.PathSegment(), "searchparameters")

		g.Go(func() error {
			ix, count, err := loadVersionDir(dir)
			if err != nil {
				return fmt.Errorf("load search parameters for %s: %w", version, err)
			}
			if count == 0 {
				logger.Warn().Str("version", version.String()).Str("dir", dir).
					Msg("no search parameter definitions found")
			} else {
				logger.Info().Str("version", version.String()).Int("count", count).
					Msg("search parameter definitions loaded")
			}

			mu.Lock()
			reg.versions[version] = ix
			mu.Unlock()
			return nil
		})
	}

	if err := g.Wait(); err != nil {
		return nil, err
	}
	return reg, nil
}

func loadVersionDir(dir string) (*versionIndex, int, error) {
	ix := newVersionIndex()

	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return ix, 0, nil
		}
		return nil, 0, err
	}

	count := 0
	for _, entry := range entries {
		if entry.IsDir() || filepath.Ext(entry.Name()) != ".json" {
			continue
		}
		path := filepath.Join(dir, entry.Name())
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, 0, fmt.Errorf("read %s: %w", path, err)
		}

		params, err := decodeSearchParameters(data)
		if err != nil {
			return nil, 0, fmt.Errorf("parse %s: %w", path, err)
		}
		for _, sp := range params {
			ix.add(sp)
			count++
		}
	}
	return ix, count, nil
}

// decodeSearchParameters accepts a single SearchParameter document or a
// Bundle whose entries are SearchParameters. Entries of other types inside a
// Bundle are skipped; a top-level document of another type is an error.
func decodeSearchParameters(data []byte) ([]*SearchParameter, error) {
	rt := fhir.RawResourceType(data)
	switch rt {
	case "SearchParameter":
		var sp SearchParameter
		if err := json.Unmarshal(data, &sp); err != nil {
			return nil, err
		}
		if err := validateSearchParameter(&sp); err != nil {
			return nil, err
		}
		return []*SearchParameter{&sp}, nil

	case "Bundle":
		var bundle struct {
			Entry []struct {
				Resource json.RawMessage `json:"resource"`
			} `json:"entry"`
		}
		if err := json.Unmarshal(data, &bundle); err != nil {
			return nil, err
		}
		var out []*SearchParameter
		for _, entry := range bundle.Entry {
			if fhir.RawResourceType(entry.Resource) != "SearchParameter" {
				continue
			}
			var sp SearchParameter
			if err := json.Unmarshal(entry.Resource, &sp); err != nil {
				return nil, err
			}
			if err := validateSearchParameter(&sp); err != nil {
				return nil, err
			}
			out = append(out, &sp)
		}
		return out, nil

	default:
		return nil, fmt.Errorf("expected SearchParameter or Bundle, got %q", rt)
	}
}

func validateSearchParameter(sp *SearchParameter) error {
	if sp.Code == "" {
		return fmt.Errorf("SearchParameter.code is required")
	}
	if len(sp.Base) == 0 {
		return fmt.Errorf("SearchParameter %q: base is required", sp.Code)
	}
	if !validSearchTypes[sp.Type] {
		return fmt.Errorf("SearchParameter %q: invalid type %q", sp.Code, sp.Type)
	}
	return nil
}

// NewSearchParameterRegistry builds a registry directly from definitions,
// for tests and embedded setups.
func NewSearchParameterRegistry(defs map[fhir.Version][]*SearchParameter) (*SearchParameterRegistry, error) {
	reg := &SearchParameterRegistry{versions: make(map[fhir.Version]*versionIndex, len(defs))}
	for version, params := range defs {
		ix := newVersionIndex()
		for _, sp := range params {
			if err := validateSearchParameter(sp); err != nil {
				return nil, err
			}
			ix.add(sp)
		}
		reg.versions[version] = ix
	}
	return reg, nil
}

// List returns every parameter defined for the (version, type) pair: all
// resource-base, the domain-base set unless the type is not a
// DomainResource, and the per-type entries. On code collisions the per-type
// definition shadows domain-base, which shadows resource-base. Results are
// sorted by code.
func (r *SearchParameterRegistry) List(version fhir.Version, resourceType string) []*SearchParameter {
	ix, ok := r.versions[version]
	if !ok {
		return nil
	}

	merged := make(map[string]*SearchParameter)
	for code, sp := range ix.resourceBase {
		merged[code] = sp
	}
	if !nonDomainTypes[resourceType] {
		for code, sp := range ix.domainBase {
			merged[code] = sp
		}
	}
	for code, sp := range ix.perType[resourceType] {
		merged[code] = sp
	}

	out := make([]*SearchParameter, 0, len(merged))
	for _, sp := range merged {
		out = append(out, sp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Code < out[j].Code })
	return out
}

// Get returns the definition of code for the (version, type) pair, with the
// same shadowing precedence as List, or nil.
func (r *SearchParameterRegistry) Get(version fhir.Version, resourceType, code string) *SearchParameter {
	ix, ok := r.versions[version]
	if !ok {
		return nil
	}
	if sp, ok := ix.perType[resourceType][code]; ok {
		return sp
	}
	if !nonDomainTypes[resourceType] {
		if sp, ok := ix.domainBase[code]; ok {
			return sp
		}
	}
	if sp, ok := ix.resourceBase[code]; ok {
		return sp
	}
	return nil
}

// GetByURL resolves a definition by its canonical URL. Composite components
// name their underlying parameters this way.
func (r *SearchParameterRegistry) GetByURL(version fhir.Version, url string) *SearchParameter {
	ix, ok := r.versions[version]
	if !ok {
		return nil
	}
	return ix.byURL[url]
}

// GetExpression returns the parameter's FHIRPath expression restricted to
// the given resource type. Multi-resource definitions carry |-separated
// paths for every base; only the paths starting with "<type>." are relevant
// when indexing that type. When no path matches, the original expression is
// returned unchanged: single-resource and Resource/DomainResource-base
// definitions use paths (Resource.id, name) that apply as-is.
func (r *SearchParameterRegistry) GetExpression(version fhir.Version, resourceType, code string) string {
	sp := r.Get(version, resourceType, code)
	if sp == nil {
		return ""
	}
	return FilterExpression(sp.Expression, resourceType)
}

// FilterExpression keeps the |-separated components of expr that begin with
// "<resourceType>." (surrounding whitespace tolerated). If none match, expr
// is returned unchanged.
func FilterExpression(expr, resourceType string) string {
	if !strings.Contains(expr, "|") {
		return expr
	}

	prefix := resourceType + "."
	var kept []string
	for _, part := range strings.Split(expr, "|") {
		part = strings.TrimSpace(part)
		if strings.HasPrefix(part, prefix) || strings.HasPrefix(strings.TrimPrefix(part, "("), prefix) {
			kept = append(kept, part)
		}
	}
	if len(kept) == 0 {
		return expr
	}
	return strings.Join(kept, " | ")
}

// Allowed returns List filtered through the resource registry's allow/deny
// configuration.
func (r *SearchParameterRegistry) Allowed(version fhir.Version, resourceType string, resources *ResourceRegistry) []*SearchParameter {
	all := r.List(version, resourceType)
	out := make([]*SearchParameter, 0, len(all))
	for _, sp := range all {
		if resources.IsSearchParamAllowed(resourceType, sp.Code, sp.IsCommon()) {
			out = append(out, sp)
		}
	}
	return out
}
