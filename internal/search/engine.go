package search

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"sort"
	"strings"

	"github.com/rs/zerolog"

	"github.com/fhirbox/fhirbox/internal/fhir"
	"github.com/fhirbox/fhirbox/internal/registry"
)

// Included is a resource pulled into a searchset by _include or _revinclude.
type Included struct {
	ResourceType string
	ResourceID   string
	Content      []byte
}

// Executor runs built queries and resolves include references. The store
// implements it; it binds the tenant from the request context before running
// anything.
type Executor interface {
	// ExecuteSearch returns the page of matches and, when q.RunCount is set,
	// the total match count (-1 otherwise).
	ExecuteSearch(ctx context.Context, q *Query) ([]Row, int, error)

	// ReferenceTargets returns the distinct (type, id) pairs the given
	// resources reference through one parameter.
	ReferenceTargets(ctx context.Context, resourceType string, resourceIDs []string, paramName string) ([]TypeID, error)

	// CurrentByIDs loads the current, non-deleted versions of the addressed
	// resources; missing ones are silently absent.
	CurrentByIDs(ctx context.Context, ids []TypeID) ([]Included, error)

	// Referencing loads current resources of sourceType whose paramName
	// reference points at any of the target resources.
	Referencing(ctx context.Context, sourceType, paramName, targetType string, targetIDs []string) ([]Included, error)
}

// Options configures an Engine.
type Options struct {
	BaseURL       string // e.g. https://host/fhir, no trailing slash
	DefaultCount  int
	MaxCount      int
	FailOnUnknown bool
	MaxIncludes   int // cap on resources added by _include/_revinclude, 0 = default
}

const defaultMaxIncludes = 1000

// Engine turns a search request into a searchset bundle. It consults the
// parameter registry for definitions, the resource registry for per-tenant
// allow/deny policy, and the executor for rows; it never reads resource
// content itself.
type Engine struct {
	params    *registry.SearchParameterRegistry
	resources *registry.ResourceRegistry
	exec      Executor
	opts      Options
	logger    zerolog.Logger
}

func NewEngine(params *registry.SearchParameterRegistry, resources *registry.ResourceRegistry, exec Executor, opts Options, logger zerolog.Logger) *Engine {
	if opts.DefaultCount <= 0 {
		opts.DefaultCount = 20
	}
	if opts.MaxCount <= 0 {
		opts.MaxCount = 1000
	}
	if opts.MaxIncludes <= 0 {
		opts.MaxIncludes = defaultMaxIncludes
	}
	return &Engine{
		params:    params,
		resources: resources,
		exec:      exec,
		opts:      opts,
		logger:    logger.With().Str("component", "search").Logger(),
	}
}

// Search executes a type-level search and assembles the searchset bundle.
// values is consumed; callers pass a copy if they need the original.
func (e *Engine) Search(ctx context.Context, version fhir.Version, resourceType string, values url.Values) (*fhir.Bundle, error) {
	original := cloneValues(values)

	ctl, err := parseControls(values, e.opts.DefaultCount, e.opts.MaxCount)
	if err != nil {
		return nil, err
	}

	b := newBuilder(resourceType)
	warnings := fhir.NewOutcomeBuilder()

	keys := make([]string, 0, len(values))
	for k := range values {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	for _, key := range keys {
		if err := e.applyParameter(b, version, resourceType, key, values[key], warnings); err != nil {
			return nil, err
		}
	}

	if err := e.applySorts(b, version, resourceType, ctl.Sorts); err != nil {
		return nil, err
	}

	q := b.build(ctl.Count, ctl.Offset, ctl.Total != TotalNone)
	rows, total, err := e.exec.ExecuteSearch(ctx, q)
	if err != nil {
		return nil, fmt.Errorf("execute search: %w", err)
	}

	base := e.opts.BaseURL + "/" + version.PathSegment()
	bundle := fhir.NewBundle(fhir.BundleTypeSearchset)
	if ctl.Total != TotalNone {
		bundle.SetTotal(total)
	}

	for _, row := range rows {
		bundle.Entry = append(bundle.Entry, fhir.BundleEntry{
			FullURL:  base + "/" + resourceType + "/" + row.ResourceID,
			Resource: row.Content,
			Search:   &fhir.BundleSearch{Mode: fhir.SearchModeMatch},
		})
	}

	if len(rows) > 0 {
		matchIDs := make([]string, len(rows))
		for i, row := range rows {
			matchIDs[i] = row.ResourceID
		}
		if err := e.appendIncludes(ctx, bundle, base, resourceType, matchIDs, version, ctl); err != nil {
			return nil, err
		}
	}

	if issues := warnings.Build(); len(issues.Issue) > 0 {
		bundle.Entry = append(bundle.Entry, fhir.BundleEntry{
			Resource: fhir.MarshalOutcome(issues),
			Search:   &fhir.BundleSearch{Mode: fhir.SearchModeOutcome},
		})
	}

	e.addLinks(bundle, base+"/"+resourceType, original, ctl, total, len(rows))
	return bundle, nil
}

// applyParameter translates one query key (base[:modifier]) and its values
// into WHERE conjuncts. Repeated keys arrive as multiple values and OR within
// the parameter, as do comma-separated operands inside one value.
func (e *Engine) applyParameter(b *builder, version fhir.Version, resourceType, key string, rawValues []string, warnings *fhir.OutcomeBuilder) error {
	name, modifier := splitModifier(key)

	switch name {
	case "_id":
		return e.applyIDParam(b, rawValues, modifier)
	case "_lastUpdated":
		return e.applyLastUpdatedParam(b, rawValues, modifier)
	case "_has", "_filter":
		return fhir.NotSupportedError(http.StatusBadRequest, "%s is not supported", name)
	}
	if strings.Contains(name, ".") {
		return fhir.NotSupportedError(http.StatusBadRequest, "chained search parameters are not supported")
	}

	if reservedParams[name] {
		// Recognized but unimplemented control parameter (_summary, _filter,
		// _has, ...): skip it, never 400.
		warnings.AddIssue(fhir.IssueSeverityWarning, fhir.IssueTypeNotSupported,
			fmt.Sprintf("search parameter %q is not supported and was ignored", name))
		return nil
	}

	sp := e.params.Get(version, resourceType, name)
	if sp == nil {
		if e.opts.FailOnUnknown {
			return fhir.InvalidError("unknown search parameter %q for %s", name, resourceType)
		}
		e.logger.Warn().Str("resource_type", resourceType).Str("param", name).
			Msg("skipping unknown search parameter")
		warnings.AddIssue(fhir.IssueSeverityWarning, fhir.IssueTypeNotSupported,
			fmt.Sprintf("unknown search parameter %q was ignored", name))
		return nil
	}
	if !e.resources.IsSearchParamAllowed(resourceType, sp.Code, sp.IsCommon()) {
		return fhir.NotSupportedError(http.StatusBadRequest,
			"search parameter %q is not enabled for %s", name, resourceType)
	}

	if modifier == "missing" {
		if len(rawValues) != 1 || (rawValues[0] != "true" && rawValues[0] != "false") {
			return fhir.InvalidError("the missing modifier takes a single true or false value")
		}
		b.missing(sp.Code, rawValues[0] == "true")
		return nil
	}

	if sp.Type == registry.SearchTypeComposite {
		return e.applyComposite(b, version, sp, rawValues)
	}

	var clauses []string
	for _, raw := range rawValues {
		for _, operand := range splitOperands(raw, sp.Type) {
			clause, err := e.valueClause(b, sp, operand, modifier)
			if err != nil {
				return err
			}
			clauses = append(clauses, clause)
		}
	}
	if len(clauses) == 0 {
		return fhir.InvalidError("search parameter %q has no value", name)
	}
	b.indexExists(sp.Code, clauses, modifier == "not")
	return nil
}

// valueClause dispatches one operand to its type's predicate builder.
func (e *Engine) valueClause(b *builder, sp *registry.SearchParameter, operand, modifier string) (string, error) {
	switch sp.Type {
	case registry.SearchTypeToken:
		return tokenClause(b, operand, modifier)
	case registry.SearchTypeString:
		return stringClause(b, operand, modifier)
	case registry.SearchTypeDate:
		if modifier != "" {
			return "", fhir.InvalidError("modifier :%s is not valid for date parameters", modifier)
		}
		return dateClause(b, operand)
	case registry.SearchTypeNumber:
		if modifier != "" {
			return "", fhir.InvalidError("modifier :%s is not valid for number parameters", modifier)
		}
		return numberClause(b, "value_number", operand)
	case registry.SearchTypeQuantity:
		if modifier != "" {
			return "", fhir.InvalidError("modifier :%s is not valid for quantity parameters", modifier)
		}
		return quantityClause(b, operand)
	case registry.SearchTypeReference:
		return referenceClause(b, operand, modifier, sp)
	case registry.SearchTypeURI:
		return uriClause(b, operand, modifier)
	default:
		return "", fhir.NotSupportedError(http.StatusBadRequest,
			"search parameter type %q is not supported", sp.Type)
	}
}

// applyComposite matches v1$v2... by resolving each declared component to its
// underlying parameter and stacking one EXISTS per leg.
func (e *Engine) applyComposite(b *builder, version fhir.Version, sp *registry.SearchParameter, rawValues []string) error {
	if len(sp.Component) == 0 {
		return fhir.InvalidError("composite parameter %q declares no components", sp.Code)
	}
	for _, raw := range rawValues {
		legs := strings.Split(raw, "$")
		if len(legs) != len(sp.Component) {
			return fhir.InvalidError("composite parameter %q expects %d components, got %d",
				sp.Code, len(sp.Component), len(legs))
		}
		for i, comp := range sp.Component {
			def := e.params.GetByURL(version, comp.Definition)
			if def == nil {
				return fhir.InvalidError("composite parameter %q component %q is not defined",
					sp.Code, comp.Definition)
			}
			clause, err := e.valueClause(b, def, legs[i], "")
			if err != nil {
				return err
			}
			b.indexExists(def.Code, []string{clause}, false)
		}
	}
	return nil
}

// applyIDParam filters on the logical id column directly.
func (e *Engine) applyIDParam(b *builder, rawValues []string, modifier string) error {
	if modifier != "" {
		return fhir.InvalidError("modifier :%s is not valid for _id", modifier)
	}
	var clauses []string
	for _, raw := range rawValues {
		for _, id := range strings.Split(raw, ",") {
			if id = strings.TrimSpace(id); id != "" {
				clauses = append(clauses, "r.resource_id = "+b.arg(id))
			}
		}
	}
	if len(clauses) == 0 {
		return fhir.InvalidError("_id has no value")
	}
	b.and("(" + strings.Join(clauses, " OR ") + ")")
	return nil
}

// applyLastUpdatedParam filters on the last_updated column with date-prefix
// semantics. The stored value is an instant, so range comparisons collapse to
// simple bounds against the operand's implicit range.
func (e *Engine) applyLastUpdatedParam(b *builder, rawValues []string, modifier string) error {
	if modifier != "" {
		return fhir.InvalidError("modifier :%s is not valid for _lastUpdated", modifier)
	}
	for _, raw := range rawValues {
		var clauses []string
		for _, operand := range strings.Split(raw, ",") {
			prefix, value := splitPrefix(strings.TrimSpace(operand))
			r, err := fhir.ParseDateRange(value)
			if err != nil {
				return fhir.InvalidError("invalid _lastUpdated value %q", operand)
			}
			var clause string
			switch prefix {
			case prefixEq:
				clause = fmt.Sprintf("(r.last_updated >= %s AND r.last_updated <= %s)", b.arg(r.Start), b.arg(r.End))
			case prefixNe:
				clause = fmt.Sprintf("(r.last_updated < %s OR r.last_updated > %s)", b.arg(r.Start), b.arg(r.End))
			case prefixGt, prefixSa:
				clause = "r.last_updated > " + b.arg(r.End)
			case prefixLt, prefixEb:
				clause = "r.last_updated < " + b.arg(r.Start)
			case prefixGe:
				clause = "r.last_updated >= " + b.arg(r.Start)
			case prefixLe:
				clause = "r.last_updated <= " + b.arg(r.End)
			case prefixAp:
				w := r.Widen(approxFraction)
				clause = fmt.Sprintf("(r.last_updated >= %s AND r.last_updated <= %s)", b.arg(w.Start), b.arg(w.End))
			default:
				return fhir.InvalidError("prefix %q is not valid for _lastUpdated", prefix)
			}
			clauses = append(clauses, clause)
		}
		if len(clauses) > 0 {
			b.and("(" + strings.Join(clauses, " OR ") + ")")
		}
	}
	return nil
}

// sortColumns maps a parameter type to the index value column usable for
// ordering. Only these columns ever reach ORDER BY.
var sortColumns = map[string]string{
	registry.SearchTypeString:   "value_string_norm",
	registry.SearchTypeDate:     "value_date_start",
	registry.SearchTypeNumber:   "value_number",
	registry.SearchTypeQuantity: "value_quantity",
	registry.SearchTypeToken:    "value_token_code",
	registry.SearchTypeURI:      "value_uri",
}

func (e *Engine) applySorts(b *builder, version fhir.Version, resourceType string, sorts []sortSpec) error {
	for _, s := range sorts {
		switch s.Name {
		case "_id":
			b.sortByColumn("r.resource_id", s.Descending)
			continue
		case "_lastUpdated":
			b.sortByColumn("r.last_updated", s.Descending)
			continue
		}
		sp := e.params.Get(version, resourceType, s.Name)
		if sp == nil {
			return fhir.InvalidError("cannot sort by unknown parameter %q", s.Name)
		}
		col, ok := sortColumns[sp.Type]
		if !ok {
			return fhir.InvalidError("cannot sort by %s parameter %q", sp.Type, s.Name)
		}
		if !e.resources.IsSearchParamAllowed(resourceType, sp.Code, sp.IsCommon()) {
			return fhir.NotSupportedError(http.StatusBadRequest,
				"search parameter %q is not enabled for %s", s.Name, resourceType)
		}
		b.sortByParam(sp.Code, col, s.Descending)
	}
	return nil
}

// appendIncludes resolves _include and _revinclude (non-iterate) and appends
// the pulled resources with search.mode=include. Duplicates across includes
// and against the match page are dropped.
func (e *Engine) appendIncludes(ctx context.Context, bundle *fhir.Bundle, base, resourceType string, matchIDs []string, version fhir.Version, ctl *controls) error {
	if len(ctl.Includes) == 0 && len(ctl.RevIncludes) == 0 {
		return nil
	}

	seen := make(map[TypeID]bool, len(matchIDs))
	for _, id := range matchIDs {
		seen[TypeID{ResourceType: resourceType, ResourceID: id}] = true
	}
	added := 0

	appendOne := func(inc Included) {
		key := TypeID{ResourceType: inc.ResourceType, ResourceID: inc.ResourceID}
		if seen[key] || added >= e.opts.MaxIncludes {
			return
		}
		seen[key] = true
		added++
		bundle.Entry = append(bundle.Entry, fhir.BundleEntry{
			FullURL:  base + "/" + inc.ResourceType + "/" + inc.ResourceID,
			Resource: inc.Content,
			Search:   &fhir.BundleSearch{Mode: fhir.SearchModeInclude},
		})
	}

	for _, spec := range ctl.Includes {
		if spec.Source != resourceType {
			return fhir.InvalidError("_include source type %q does not match the searched type %s",
				spec.Source, resourceType)
		}
		sp := e.params.Get(version, spec.Source, spec.Param)
		if sp == nil || sp.Type != registry.SearchTypeReference {
			return fhir.InvalidError("unknown _include parameter %q for %s", spec.Param, spec.Source)
		}
		targets, err := e.exec.ReferenceTargets(ctx, resourceType, matchIDs, sp.Code)
		if err != nil {
			return fmt.Errorf("resolve _include %s: %w", spec.Param, err)
		}
		if spec.Target != "" {
			filtered := targets[:0]
			for _, t := range targets {
				if t.ResourceType == spec.Target {
					filtered = append(filtered, t)
				}
			}
			targets = filtered
		}
		if len(targets) == 0 {
			continue
		}
		included, err := e.exec.CurrentByIDs(ctx, targets)
		if err != nil {
			return fmt.Errorf("load _include %s: %w", spec.Param, err)
		}
		for _, inc := range included {
			appendOne(inc)
		}
	}

	for _, spec := range ctl.RevIncludes {
		sp := e.params.Get(version, spec.Source, spec.Param)
		if sp == nil || sp.Type != registry.SearchTypeReference {
			return fhir.InvalidError("unknown _revinclude parameter %q for %s", spec.Param, spec.Source)
		}
		if spec.Target != "" && spec.Target != resourceType {
			return fhir.InvalidError("_revinclude target type %q does not match the searched type %s",
				spec.Target, resourceType)
		}
		referers, err := e.exec.Referencing(ctx, spec.Source, sp.Code, resourceType, matchIDs)
		if err != nil {
			return fmt.Errorf("resolve _revinclude %s: %w", spec.Param, err)
		}
		for _, inc := range referers {
			appendOne(inc)
		}
	}
	return nil
}

// addLinks sets the navigation links. Pagination math uses the accurate
// total when available; without one only self/first/next are emitted.
func (e *Engine) addLinks(bundle *fhir.Bundle, typeURL string, original url.Values, ctl *controls, total, pageLen int) {
	bundle.AddLink("self", paginationLink(typeURL, original, ctl.Count, ctl.Offset))
	bundle.AddLink("first", paginationLink(typeURL, original, ctl.Count, 0))

	if ctl.Total != TotalNone && total >= 0 {
		lastOffset := 0
		if total > 0 {
			lastOffset = ((total - 1) / ctl.Count) * ctl.Count
		}
		bundle.AddLink("last", paginationLink(typeURL, original, ctl.Count, lastOffset))
		if ctl.Offset+pageLen < total {
			bundle.AddLink("next", paginationLink(typeURL, original, ctl.Count, ctl.Offset+ctl.Count))
		}
	} else if pageLen == ctl.Count {
		bundle.AddLink("next", paginationLink(typeURL, original, ctl.Count, ctl.Offset+ctl.Count))
	}
	if ctl.Offset > 0 {
		prev := ctl.Offset - ctl.Count
		if prev < 0 {
			prev = 0
		}
		bundle.AddLink("previous", paginationLink(typeURL, original, ctl.Count, prev))
	}
}

// splitModifier splits "name:modifier" at the first colon.
func splitModifier(key string) (string, string) {
	if i := strings.Index(key, ":"); i >= 0 {
		return key[:i], key[i+1:]
	}
	return key, ""
}

// splitOperands splits comma-joined OR operands. Composite values keep their
// commas; everything else treats the comma as OR.
func splitOperands(raw, paramType string) []string {
	if paramType == registry.SearchTypeComposite {
		return []string{raw}
	}
	parts := strings.Split(raw, ",")
	out := parts[:0]
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}

func cloneValues(v url.Values) url.Values {
	out := make(url.Values, len(v))
	for k, vs := range v {
		out[k] = append([]string(nil), vs...)
	}
	return out
}
