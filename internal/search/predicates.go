package search

import (
	"fmt"
	"strings"

	"github.com/fhirbox/fhirbox/internal/fhir"
	"github.com/fhirbox/fhirbox/internal/registry"
)

// Ordered-value prefixes.
const (
	prefixEq = "eq"
	prefixNe = "ne"
	prefixGt = "gt"
	prefixLt = "lt"
	prefixGe = "ge"
	prefixLe = "le"
	prefixSa = "sa" // starts after
	prefixEb = "eb" // ends before
	prefixAp = "ap" // approximately
)

// approxFraction is the ±10% window the ap prefix matches.
const approxFraction = 0.10

var orderedPrefixes = map[string]bool{
	prefixEq: true, prefixNe: true, prefixGt: true, prefixLt: true,
	prefixGe: true, prefixLe: true, prefixSa: true, prefixEb: true, prefixAp: true,
}

// splitPrefix peels a comparison prefix off an ordered-type operand.
// "ge2024-01-01" -> ("ge", "2024-01-01"); no prefix means eq.
func splitPrefix(raw string) (string, string) {
	if len(raw) >= 2 {
		p := strings.ToLower(raw[:2])
		if orderedPrefixes[p] {
			return p, raw[2:]
		}
	}
	return prefixEq, raw
}

// escapeLike escapes LIKE metacharacters in an operand so user input only
// ever matches literally. The generated patterns use backslash escaping.
func escapeLike(s string) string {
	s = strings.ReplaceAll(s, `\`, `\\`)
	s = strings.ReplaceAll(s, `%`, `\%`)
	s = strings.ReplaceAll(s, `_`, `\_`)
	return s
}

// tokenClause matches one token operand: system|code, |code, system|, or a
// bare code. The text modifier matches the indexed display text instead.
func tokenClause(b *builder, value, modifier string) (string, error) {
	switch modifier {
	case "text":
		return fmt.Sprintf("i.value_token_text ILIKE %s", b.arg("%"+escapeLike(value)+"%")), nil
	case "", "exact", "not":
		// not negates at the EXISTS level; the value clause is the same.
	default:
		return "", fhir.InvalidError("modifier :%s is not valid for token parameters", modifier)
	}

	if strings.Contains(value, "|") {
		parts := strings.SplitN(value, "|", 2)
		system, code := parts[0], parts[1]
		switch {
		case system != "" && code != "":
			return fmt.Sprintf("(i.value_token_system = %s AND i.value_token_code = %s)",
				b.arg(system), b.arg(code)), nil
		case system != "":
			return fmt.Sprintf("i.value_token_system = %s", b.arg(system)), nil
		case code != "":
			// |code: the code with no system.
			return fmt.Sprintf("(i.value_token_system = '' AND i.value_token_code = %s)", b.arg(code)), nil
		default:
			return "", fhir.InvalidError("empty token value %q", value)
		}
	}
	return fmt.Sprintf("i.value_token_code = %s", b.arg(value)), nil
}

// stringClause matches one string operand. The default is a case and accent
// insensitive prefix match against the normalized column; exact compares the
// original bytes; contains searches the normalized substring.
func stringClause(b *builder, value, modifier string) (string, error) {
	switch modifier {
	case "exact":
		return fmt.Sprintf("i.value_string = %s", b.arg(value)), nil
	case "contains":
		pattern := "%" + escapeLike(fhir.NormalizeString(value)) + "%"
		return fmt.Sprintf("i.value_string_norm LIKE %s", b.arg(pattern)), nil
	case "":
		pattern := escapeLike(fhir.NormalizeString(value)) + "%"
		return fmt.Sprintf("i.value_string_norm LIKE %s", b.arg(pattern)), nil
	default:
		return "", fhir.InvalidError("modifier :%s is not valid for string parameters", modifier)
	}
}

// dateClause compares the stored [value_date_start, value_date_end] range
// against the operand's implicit range under the given prefix.
func dateClause(b *builder, raw string) (string, error) {
	prefix, value := splitPrefix(raw)
	r, err := fhir.ParseDateRange(value)
	if err != nil {
		return "", fhir.InvalidError("invalid date value %q", raw)
	}

	switch prefix {
	case prefixEq:
		// Stored range fully within the query range.
		return fmt.Sprintf("(i.value_date_start >= %s AND i.value_date_end <= %s)",
			b.arg(r.Start), b.arg(r.End)), nil
	case prefixNe:
		// No overlap at all.
		return fmt.Sprintf("(i.value_date_end < %s OR i.value_date_start > %s)",
			b.arg(r.Start), b.arg(r.End)), nil
	case prefixGt:
		return fmt.Sprintf("i.value_date_end > %s", b.arg(r.End)), nil
	case prefixLt:
		return fmt.Sprintf("i.value_date_start < %s", b.arg(r.Start)), nil
	case prefixGe:
		return fmt.Sprintf("i.value_date_end >= %s", b.arg(r.Start)), nil
	case prefixLe:
		return fmt.Sprintf("i.value_date_start <= %s", b.arg(r.End)), nil
	case prefixSa:
		return fmt.Sprintf("i.value_date_start > %s", b.arg(r.End)), nil
	case prefixEb:
		return fmt.Sprintf("i.value_date_end < %s", b.arg(r.Start)), nil
	case prefixAp:
		w := r.Widen(approxFraction)
		return fmt.Sprintf("(i.value_date_start <= %s AND i.value_date_end >= %s)",
			b.arg(w.End), b.arg(w.Start)), nil
	default:
		return "", fhir.InvalidError("prefix %q is not valid for date parameters", prefix)
	}
}

// numberClause compares value_number against the operand. Equality honors
// the operand's written precision; operands are bound and cast, never
// interpolated.
func numberClause(b *builder, column, raw string) (string, error) {
	prefix, value := splitPrefix(raw)
	n, err := fhir.ParseNumberRange(value)
	if err != nil {
		return "", fhir.InvalidError("invalid number value %q", raw)
	}

	switch prefix {
	case prefixEq:
		return fmt.Sprintf("(i.%s >= %s::numeric AND i.%s < %s::numeric)",
			column, b.arg(n.Low.String()), column, b.arg(n.High.String())), nil
	case prefixNe:
		return fmt.Sprintf("(i.%s < %s::numeric OR i.%s >= %s::numeric)",
			column, b.arg(n.Low.String()), column, b.arg(n.High.String())), nil
	case prefixGt, prefixSa:
		return fmt.Sprintf("i.%s > %s::numeric", column, b.arg(n.Value.String())), nil
	case prefixLt, prefixEb:
		return fmt.Sprintf("i.%s < %s::numeric", column, b.arg(n.Value.String())), nil
	case prefixGe:
		return fmt.Sprintf("i.%s >= %s::numeric", column, b.arg(n.Value.String())), nil
	case prefixLe:
		return fmt.Sprintf("i.%s <= %s::numeric", column, b.arg(n.Value.String())), nil
	case prefixAp:
		lo, hi := n.ApproxRange(approxFraction)
		return fmt.Sprintf("(i.%s >= %s::numeric AND i.%s <= %s::numeric)",
			column, b.arg(lo.String()), column, b.arg(hi.String())), nil
	default:
		return "", fhir.InvalidError("prefix %q is not valid for number parameters", prefix)
	}
}

// quantityClause matches [prefix]value|system|code: number semantics on the
// magnitude plus optional system and unit equality. value||kg matches the
// unit regardless of system.
func quantityClause(b *builder, raw string) (string, error) {
	parts := strings.Split(raw, "|")
	numClause, err := numberClause(b, "value_quantity", parts[0])
	if err != nil {
		return "", err
	}

	clauses := []string{numClause}
	if len(parts) >= 2 && parts[1] != "" {
		clauses = append(clauses, fmt.Sprintf("i.value_quantity_system = %s", b.arg(parts[1])))
	}
	if len(parts) >= 3 && parts[2] != "" {
		clauses = append(clauses, fmt.Sprintf("i.value_quantity_unit = %s", b.arg(parts[2])))
	}
	if len(parts) > 3 {
		return "", fhir.InvalidError("invalid quantity value %q", raw)
	}

	if len(clauses) == 1 {
		return clauses[0], nil
	}
	return "(" + strings.Join(clauses, " AND ") + ")", nil
}

// referenceClause matches Type/id, an absolute URL, or a bare id. The
// targetType restriction comes from a :<TargetType> modifier; the identifier
// modifier matches the token columns indexed from Reference.identifier.
func referenceClause(b *builder, value, modifier string, sp *registry.SearchParameter) (string, error) {
	if modifier == "identifier" {
		return tokenClause(b, value, "")
	}

	targetType := ""
	if modifier != "" {
		// A modifier that names one of the declared targets restricts the type.
		for _, t := range sp.Target {
			if t == modifier {
				targetType = modifier
				break
			}
		}
		if targetType == "" {
			return "", fhir.InvalidError("modifier :%s is not valid for reference parameter %s", modifier, sp.Code)
		}
	}

	refType, refID := splitReference(value)
	if targetType != "" {
		if refType != "" && refType != targetType {
			// Type in the value contradicts the modifier; nothing can match.
			return "FALSE", nil
		}
		refType = targetType
	}

	if refType != "" {
		return fmt.Sprintf("(i.value_reference_type = %s AND i.value_reference_id = %s)",
			b.arg(refType), b.arg(refID)), nil
	}
	return fmt.Sprintf("i.value_reference_id = %s", b.arg(refID)), nil
}

// splitReference decomposes a reference operand. Absolute URLs keep their
// trailing Type/id when one is recognizable; otherwise the whole URL is the
// id and matching falls back to the stored literal.
func splitReference(value string) (refType, refID string) {
	if strings.Contains(value, "://") {
		segs := strings.Split(strings.TrimSuffix(value, "/"), "/")
		if len(segs) >= 2 {
			t, id := segs[len(segs)-2], segs[len(segs)-1]
			if isResourceTypeName(t) {
				return t, id
			}
		}
		return "", value
	}
	if i := strings.Index(value, "/"); i > 0 {
		return value[:i], value[i+1:]
	}
	return "", value
}

// isResourceTypeName is a cheap shape test: FHIR resource type names are
// UpperCamelCase ASCII.
func isResourceTypeName(s string) bool {
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

// uriClause matches URIs exactly, or hierarchically with above/below.
func uriClause(b *builder, value, modifier string) (string, error) {
	switch modifier {
	case "":
		return fmt.Sprintf("i.value_uri = %s", b.arg(value)), nil
	case "above":
		// The stored URI is a prefix of the operand.
		return fmt.Sprintf("%s LIKE i.value_uri || '%%'", b.arg(value)), nil
	case "below":
		// The operand is a prefix of the stored URI.
		return fmt.Sprintf("i.value_uri LIKE %s", b.arg(escapeLike(value)+"%")), nil
	default:
		return "", fhir.InvalidError("modifier :%s is not valid for uri parameters", modifier)
	}
}
