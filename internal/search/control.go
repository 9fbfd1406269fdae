package search

import (
	"net/http"
	"net/url"
	"strconv"
	"strings"

	"github.com/fhirbox/fhirbox/internal/fhir"
)

// Total modes.
const (
	TotalAccurate = "accurate"
	TotalEstimate = "estimate"
	TotalNone     = "none"
)

// reservedParams are recognized regardless of registration. Parameters listed
// here but not handled below are accepted and skipped so that clients using
// them against other servers do not get hard failures.
var reservedParams = map[string]bool{
	"_count": true, "_offset": true, "_sort": true, "_include": true,
	"_revinclude": true, "_summary": true, "_elements": true, "_format": true,
	"_pretty": true, "_total": true, "_contained": true, "_containedType": true,
	"_id": true, "_lastUpdated": true, "_tag": true, "_profile": true,
	"_security": true, "_source": true, "_text": true, "_content": true,
	"_filter": true, "_has": true, "_list": true, "_type": true,
	"_query": true, "_language": true, "_in": true,
}

// sortSpec is one _sort entry after parsing.
type sortSpec struct {
	Name       string
	Descending bool
}

// includeSpec is one parsed _include or _revinclude value:
// SourceType:param[:TargetType].
type includeSpec struct {
	Source string
	Param  string
	Target string
}

// controls carries the pagination, ordering and inclusion directives of a
// search after validation.
type controls struct {
	Count       int
	Offset      int
	Sorts       []sortSpec
	Total       string
	Includes    []includeSpec
	RevIncludes []includeSpec
}

// parseControls validates the underscore control parameters and removes them
// from values, leaving only candidate search parameters behind.
func parseControls(values url.Values, defaultCount, maxCount int) (*controls, error) {
	c := &controls{Count: defaultCount, Total: TotalAccurate}

	if raw := values.Get("_count"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 0 {
			return nil, fhir.InvalidError("invalid _count value %q", raw)
		}
		c.Count = n
	}
	// _count=0 still returns one result rather than a count-only bundle.
	if c.Count < 1 {
		c.Count = 1
	}
	if c.Count > maxCount {
		c.Count = maxCount
	}

	if raw := values.Get("_offset"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 0 {
			return nil, fhir.InvalidError("invalid _offset value %q", raw)
		}
		c.Offset = n
	}

	if raw := values.Get("_total"); raw != "" {
		switch raw {
		case TotalAccurate, TotalEstimate, TotalNone:
			c.Total = raw
		default:
			return nil, fhir.InvalidError("invalid _total value %q", raw)
		}
	}

	for _, raw := range values["_sort"] {
		for _, part := range strings.Split(raw, ",") {
			part = strings.TrimSpace(part)
			if part == "" {
				continue
			}
			s := sortSpec{Name: part}
			if strings.HasPrefix(part, "-") {
				s.Descending = true
				s.Name = part[1:]
			}
			if s.Name == "" {
				return nil, fhir.InvalidError("invalid _sort value %q", raw)
			}
			c.Sorts = append(c.Sorts, s)
		}
	}

	var err error
	if c.Includes, err = parseIncludes(values["_include"], "_include"); err != nil {
		return nil, err
	}
	if c.RevIncludes, err = parseIncludes(values["_revinclude"], "_revinclude"); err != nil {
		return nil, err
	}

	for _, key := range []string{"_count", "_offset", "_sort", "_total", "_include", "_revinclude"} {
		values.Del(key)
	}
	return c, nil
}

func parseIncludes(raw []string, param string) ([]includeSpec, error) {
	var specs []includeSpec
	for _, v := range raw {
		parts := strings.Split(v, ":")
		switch len(parts) {
		case 2:
			specs = append(specs, includeSpec{Source: parts[0], Param: parts[1]})
		case 3:
			if parts[2] == "iterate" {
				return nil, fhir.NotSupportedError(http.StatusBadRequest, "%s:iterate is not supported", param)
			}
			specs = append(specs, includeSpec{Source: parts[0], Param: parts[1], Target: parts[2]})
		default:
			return nil, fhir.InvalidError("invalid %s value %q", param, v)
		}
		s := &specs[len(specs)-1]
		if s.Source == "" || s.Param == "" {
			return nil, fhir.InvalidError("invalid %s value %q", param, v)
		}
	}
	return specs, nil
}

// paginationLink rebuilds the request query for a bundle link, preserving
// everything except the pagination position.
func paginationLink(base string, original url.Values, count, offset int) string {
	q := url.Values{}
	for k, vs := range original {
		if k == "_count" || k == "_offset" {
			continue
		}
		q[k] = vs
	}
	q.Set("_count", strconv.Itoa(count))
	if offset > 0 {
		q.Set("_offset", strconv.Itoa(offset))
	}
	return base + "?" + q.Encode()
}
