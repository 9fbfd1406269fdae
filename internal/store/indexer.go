package store

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"github.com/fhirbox/fhirbox/internal/fhir"
	"github.com/fhirbox/fhirbox/internal/registry"
)

// Period bounds substitute these when one end is open, so open intervals
// still participate in range comparisons.
var (
	distantPast   = time.Date(1, 1, 1, 0, 0, 0, 0, time.UTC)
	distantFuture = time.Date(9999, 12, 31, 23, 59, 59, 0, time.UTC)
)

// Indexer turns a stored resource into its search_index rows by evaluating
// the registered parameter expressions against the decoded JSON. Extraction
// is best effort per parameter: a value the evaluator cannot express is
// skipped with a log line, never a failed write.
type Indexer struct {
	params *registry.SearchParameterRegistry
	engine *fhir.PathEngine
	logger zerolog.Logger
}

func NewIndexer(params *registry.SearchParameterRegistry, logger zerolog.Logger) *Indexer {
	return &Indexer{
		params: params,
		engine: fhir.NewPathEngine(),
		logger: logger.With().Str("component", "indexer").Logger(),
	}
}

// Extract evaluates every applicable search parameter of the resource type
// and returns the index rows for the content.
func (ix *Indexer) Extract(version fhir.Version, resourceType string, content []byte) ([]IndexRow, error) {
	var resource map[string]interface{}
	if err := json.Unmarshal(content, &resource); err != nil {
		return nil, fmt.Errorf("decode resource for indexing: %w", err)
	}

	var rows []IndexRow
	for _, sp := range ix.params.List(version, resourceType) {
		switch sp.Type {
		case registry.SearchTypeComposite, registry.SearchTypeSpecial:
			// Composite legs index through their component parameters;
			// special parameters have no generic column form.
			continue
		}
		if sp.Expression == "" || strings.HasPrefix(sp.Code, "_") {
			continue
		}

		expr := registry.FilterExpression(sp.Expression, resourceType)
		values, err := ix.engine.Evaluate(resource, expr)
		if err != nil {
			ix.logger.Debug().Str("param", sp.Code).Str("resource_type", resourceType).
				Err(err).Msg("skipping unevaluable search parameter expression")
			continue
		}

		for _, v := range values {
			rows = append(rows, ix.valueRows(sp, v)...)
		}
	}
	return rows, nil
}

// valueRows converts one extracted value into zero or more index rows for
// the parameter's type.
func (ix *Indexer) valueRows(sp *registry.SearchParameter, v interface{}) []IndexRow {
	base := IndexRow{ParamName: sp.Code, ParamType: sp.Type}

	switch sp.Type {
	case registry.SearchTypeToken:
		return tokenRows(base, v)
	case registry.SearchTypeString:
		return stringRows(base, v)
	case registry.SearchTypeDate:
		return dateRows(base, v)
	case registry.SearchTypeNumber:
		return numberRows(base, v)
	case registry.SearchTypeQuantity:
		return quantityRows(base, v)
	case registry.SearchTypeReference:
		return referenceRows(base, v)
	case registry.SearchTypeURI:
		if s, ok := v.(string); ok && s != "" {
			base.ValueURI = s
			return []IndexRow{base}
		}
	}
	return nil
}

func tokenRows(base IndexRow, v interface{}) []IndexRow {
	switch t := v.(type) {
	case string:
		if t == "" {
			return nil
		}
		r := base
		r.ValueTokenCode = t
		return []IndexRow{r}
	case bool:
		r := base
		r.ValueTokenCode = "false"
		if t {
			r.ValueTokenCode = "true"
		}
		return []IndexRow{r}
	case map[string]interface{}:
		// CodeableConcept fans out to one row per coding.
		if codings, ok := t["coding"].([]interface{}); ok {
			text, _ := t["text"].(string)
			var rows []IndexRow
			for _, c := range codings {
				for _, r := range tokenRows(base, c) {
					if r.ValueTokenText == "" {
						r.ValueTokenText = text
					}
					rows = append(rows, r)
				}
			}
			return rows
		}
		r := base
		r.ValueTokenSystem, _ = t["system"].(string)
		if code, ok := t["code"].(string); ok {
			r.ValueTokenCode = code
		} else if value, ok := t["value"].(string); ok {
			// Identifier and ContactPoint carry the token in "value".
			r.ValueTokenCode = value
		}
		r.ValueTokenText, _ = t["display"].(string)
		if r.ValueTokenCode == "" && r.ValueTokenSystem == "" {
			return nil
		}
		return []IndexRow{r}
	}
	return nil
}

func stringRows(base IndexRow, v interface{}) []IndexRow {
	emit := func(s string) []IndexRow {
		if s == "" {
			return nil
		}
		r := base
		r.ValueString = s
		r.ValueStringNorm = fhir.NormalizeString(s)
		return []IndexRow{r}
	}

	switch t := v.(type) {
	case string:
		return emit(t)
	case map[string]interface{}:
		// HumanName and Address flatten to one row per textual part.
		var rows []IndexRow
		for _, key := range []string{"text", "family", "city", "state", "postalCode", "country", "district"} {
			if s, ok := t[key].(string); ok {
				rows = append(rows, emit(s)...)
			}
		}
		for _, key := range []string{"given", "prefix", "suffix", "line"} {
			if parts, ok := t[key].([]interface{}); ok {
				for _, p := range parts {
					if s, ok := p.(string); ok {
						rows = append(rows, emit(s)...)
					}
				}
			}
		}
		return rows
	}
	return nil
}

func dateRows(base IndexRow, v interface{}) []IndexRow {
	emit := func(start, end time.Time) []IndexRow {
		r := base
		r.ValueDateStart = &start
		r.ValueDateEnd = &end
		return []IndexRow{r}
	}

	switch t := v.(type) {
	case string:
		dr, err := fhir.ParseDateRange(t)
		if err != nil {
			return nil
		}
		return emit(dr.Start, dr.End)
	case map[string]interface{}:
		// Period; open ends widen to the sentinel bounds.
		start, end := distantPast, distantFuture
		if s, ok := t["start"].(string); ok {
			if dr, err := fhir.ParseDateRange(s); err == nil {
				start = dr.Start
			}
		}
		if e, ok := t["end"].(string); ok {
			if dr, err := fhir.ParseDateRange(e); err == nil {
				end = dr.End
			}
		}
		if _, hasStart := t["start"]; !hasStart {
			if _, hasEnd := t["end"]; !hasEnd {
				return nil
			}
		}
		return emit(start, end)
	}
	return nil
}

func numberRows(base IndexRow, v interface{}) []IndexRow {
	d, ok := toDecimal(v)
	if !ok {
		return nil
	}
	s := d.String()
	base.ValueNumber = &s
	return []IndexRow{base}
}

func quantityRows(base IndexRow, v interface{}) []IndexRow {
	m, ok := v.(map[string]interface{})
	if !ok {
		// A bare number still indexes as a unitless quantity.
		d, ok := toDecimal(v)
		if !ok {
			return nil
		}
		s := d.String()
		base.ValueQuantity = &s
		return []IndexRow{base}
	}
	d, ok := toDecimal(m["value"])
	if !ok {
		return nil
	}
	s := d.String()
	base.ValueQuantity = &s
	base.ValueQuantitySystem, _ = m["system"].(string)
	if code, ok := m["code"].(string); ok && code != "" {
		base.ValueQuantityUnit = code
	} else {
		base.ValueQuantityUnit, _ = m["unit"].(string)
	}
	return []IndexRow{base}
}

func referenceRows(base IndexRow, v interface{}) []IndexRow {
	m, ok := v.(map[string]interface{})
	if !ok {
		if s, ok := v.(string); ok && s != "" {
			return referenceRowFromLiteral(base, s, "")
		}
		return nil
	}

	var rows []IndexRow
	if ref, _ := m["reference"].(string); ref != "" {
		explicitType, _ := m["type"].(string)
		rows = append(rows, referenceRowFromLiteral(base, ref, explicitType)...)
	}
	// Reference.identifier indexes into the token columns so :identifier
	// searches can match it.
	if ident, ok := m["identifier"].(map[string]interface{}); ok {
		r := base
		r.ValueTokenSystem, _ = ident["system"].(string)
		r.ValueTokenCode, _ = ident["value"].(string)
		if r.ValueTokenCode != "" {
			rows = append(rows, r)
		}
	}
	return rows
}

func referenceRowFromLiteral(base IndexRow, ref, explicitType string) []IndexRow {
	r := base
	refType, refID := "", ref
	if !strings.HasPrefix(ref, "#") {
		if strings.Contains(ref, "://") {
			segs := strings.Split(strings.TrimSuffix(ref, "/"), "/")
			if len(segs) >= 2 && isUpperCamel(segs[len(segs)-2]) {
				refType, refID = segs[len(segs)-2], segs[len(segs)-1]
			}
		} else if i := strings.Index(ref, "/"); i > 0 {
			refType, refID = ref[:i], ref[i+1:]
		}
	}
	if refType == "" && explicitType != "" {
		refType = explicitType
	}
	r.ValueReferenceType = refType
	r.ValueReferenceID = refID
	return []IndexRow{r}
}

func isUpperCamel(s string) bool {
	if s == "" || s[0] < 'A' || s[0] > 'Z' {
		return false
	}
	for _, c := range s {
		if !(c >= 'a' && c <= 'z' || c >= 'A' && c <= 'Z') {
			return false
		}
	}
	return true
}

func toDecimal(v interface{}) (decimal.Decimal, bool) {
	switch n := v.(type) {
	case float64:
		return decimal.NewFromFloat(n), true
	case int64:
		return decimal.NewFromInt(n), true
	case string:
		d, err := decimal.NewFromString(n)
		return d, err == nil
	}
	return decimal.Decimal{}, false
}
