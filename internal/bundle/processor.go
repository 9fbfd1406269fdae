package bundle

import (
	"context"
	"encoding/json"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/fhirbox/fhirbox/internal/fhir"
	"github.com/fhirbox/fhirbox/internal/service"
)

// Tx wraps a function in one database transaction. The store provides it;
// service calls inside join the transaction through the context.
type Tx interface {
	WithTx(ctx context.Context, fn func(ctx context.Context) error) error
}

// Searcher executes type-level searches for GET entries.
type Searcher interface {
	Search(ctx context.Context, version fhir.Version, resourceType string, values url.Values) (*fhir.Bundle, error)
}

// Processor executes batch and transaction bundles against the resource
// service.
type Processor struct {
	svc      *service.Service
	searcher Searcher
	tx       Tx
	baseURL  string
	logger   zerolog.Logger
}

func NewProcessor(svc *service.Service, searcher Searcher, tx Tx, baseURL string, logger zerolog.Logger) *Processor {
	return &Processor{
		svc:      svc,
		searcher: searcher,
		tx:       tx,
		baseURL:  baseURL,
		logger:   logger.With().Str("component", "bundle").Logger(),
	}
}

// Process dispatches on bundle.type. Anything but batch or transaction is a
// 400.
func (p *Processor) Process(ctx context.Context, version fhir.Version, body []byte) (*fhir.Bundle, error) {
	var bundle fhir.Bundle
	if err := json.Unmarshal(body, &bundle); err != nil {
		return nil, fhir.InvalidError("request body is not a Bundle")
	}
	if bundle.ResourceType != "Bundle" {
		return nil, fhir.InvalidError("expected a Bundle, got %q", bundle.ResourceType)
	}

	switch bundle.Type {
	case fhir.BundleTypeBatch:
		return p.processBatch(ctx, version, bundle.Entry)
	case fhir.BundleTypeTransaction:
		return p.processTransaction(ctx, version, bundle.Entry)
	default:
		return nil, fhir.InvalidError("bundle type %q is not processable, expected batch or transaction", bundle.Type)
	}
}

// processBatch runs entries independently in request order. A failing entry
// becomes its response; siblings proceed.
func (p *Processor) processBatch(ctx context.Context, version fhir.Version, entries []fhir.BundleEntry) (*fhir.Bundle, error) {
	out := fhir.NewBundle(fhir.BundleTypeBatchResponse)
	for i := range entries {
		result, err := p.processEntry(ctx, version, &entries[i], nil)
		if err != nil {
			fe, ok := fhir.AsError(err)
			if !ok {
				fe = fhir.InternalError(err)
				p.logger.Error().Err(err).Int("entry", i).Msg("batch entry failed")
			}
			out.Entry = append(out.Entry, fhir.BundleEntry{
				Response: &fhir.BundleResponse{
					Status:  statusLine(fe.Status),
					Outcome: fhir.MarshalOutcome(fe.Outcome()),
				},
			})
			continue
		}
		out.Entry = append(out.Entry, *result)
	}
	return out, nil
}

// processTransaction runs all entries in one database transaction, executing
// in FHIR method order while emitting responses in request order. Any
// failure rolls back every write.
func (p *Processor) processTransaction(ctx context.Context, version fhir.Version, entries []fhir.BundleEntry) (*fhir.Bundle, error) {
	seen := make(map[string]bool, len(entries))
	for _, e := range entries {
		if e.FullURL == "" {
			continue
		}
		if seen[e.FullURL] {
			return nil, fhir.InvalidError("duplicate fullUrl %q in transaction", e.FullURL)
		}
		seen[e.FullURL] = true
	}

	order := executionOrder(entries)
	responses := make([]*fhir.BundleEntry, len(entries))
	idMap := make(map[string]string)

	err := p.tx.WithTx(ctx, func(ctx context.Context) error {
		for _, i := range order {
			result, err := p.processEntry(ctx, version, &entries[i], idMap)
			if err != nil {
				return err
			}
			responses[i] = result
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	out := fhir.NewBundle(fhir.BundleTypeTransactionResponse)
	for _, r := range responses {
		out.Entry = append(out.Entry, *r)
	}
	return out, nil
}

// executionOrder returns entry indexes sorted by FHIR method precedence,
// stable within one method.
func executionOrder(entries []fhir.BundleEntry) []int {
	rank := func(method string) int {
		switch method {
		case "DELETE":
			return 0
		case "POST":
			return 1
		case "PUT", "PATCH":
			return 2
		default:
			return 3
		}
	}
	order := make([]int, 0, len(entries))
	for r := 0; r <= 3; r++ {
		for i, e := range entries {
			m := ""
			if e.Request != nil {
				m = strings.ToUpper(e.Request.Method)
			}
			if rank(m) == r {
				order = append(order, i)
			}
		}
	}
	return order
}

// processEntry executes one entry. idMap, when non-nil, records urn:uuid
// fullUrl assignments and rewrites references in the entry resource before
// execution.
func (p *Processor) processEntry(ctx context.Context, version fhir.Version, entry *fhir.BundleEntry, idMap map[string]string) (*fhir.BundleEntry, error) {
	if entry.Request == nil {
		return nil, fhir.RequiredError("bundle entry is missing request")
	}
	resourceType, id, query, err := parseEntryURL(entry.Request.URL)
	if err != nil {
		return nil, err
	}
	resource := entry.Resource
	if idMap != nil && len(resource) > 0 {
		resource = rewriteReferences(resource, idMap)
	}

	method := strings.ToUpper(entry.Request.Method)
	switch method {
	case "GET":
		if id != "" {
			res, err := p.svc.Read(ctx, version, resourceType, id)
			if err != nil {
				return nil, err
			}
			return responseEntry(res, "200 OK"), nil
		}
		bundle, err := p.searcher.Search(ctx, version, resourceType, query)
		if err != nil {
			return nil, err
		}
		raw, err := json.Marshal(bundle)
		if err != nil {
			return nil, fhir.InternalError(err)
		}
		return &fhir.BundleEntry{
			Resource: raw,
			Response: &fhir.BundleResponse{Status: "200 OK"},
		}, nil

	case "POST":
		res, err := p.svc.Create(ctx, version, resourceType, resource)
		if err != nil {
			return nil, err
		}
		if idMap != nil && strings.HasPrefix(entry.FullURL, "urn:uuid:") {
			idMap[entry.FullURL] = resourceType + "/" + res.ID
		}
		return responseEntry(res, "201 Created"), nil

	case "PUT":
		if id == "" {
			return nil, fhir.RequiredError("PUT entry requires an id in %q", entry.Request.URL)
		}
		res, err := p.svc.Update(ctx, version, resourceType, id, resource, entry.Request.IfMatch)
		if err != nil {
			return nil, err
		}
		status := "200 OK"
		if res.Created {
			status = "201 Created"
		}
		return responseEntry(res, status), nil

	case "PATCH":
		if id == "" {
			return nil, fhir.RequiredError("PATCH entry requires an id in %q", entry.Request.URL)
		}
		contentType := "application/fhir+json"
		if fhir.RawResourceType(resource) != "Parameters" {
			contentType = "application/json-patch+json"
		}
		res, err := p.svc.Patch(ctx, version, resourceType, id, resource, contentType, entry.Request.IfMatch)
		if err != nil {
			return nil, err
		}
		return responseEntry(res, "200 OK"), nil

	case "DELETE":
		if id == "" {
			return nil, fhir.RequiredError("DELETE entry requires an id in %q", entry.Request.URL)
		}
		if err := p.svc.Delete(ctx, version, resourceType, id); err != nil {
			return nil, err
		}
		return &fhir.BundleEntry{
			Response: &fhir.BundleResponse{Status: "204 No Content"},
		}, nil

	default:
		return nil, fhir.InvalidError("unsupported bundle entry method %q", entry.Request.Method)
	}
}

func responseEntry(res *service.Result, status string) *fhir.BundleEntry {
	location := res.ResourceType + "/" + res.ID + "/_history/" + strconv.Itoa(res.VersionID)
	return &fhir.BundleEntry{
		Resource: res.Content,
		Response: &fhir.BundleResponse{
			Status:       status,
			Location:     location,
			Etag:         res.ETag(),
			LastModified: res.LastUpdated.Format(time.RFC3339),
		},
	}
}

// parseEntryURL decomposes a request.url of the form
// [/fhir]/Type[/id][?query]. The version segment never appears inside
// bundles; the surrounding request fixes it.
func parseEntryURL(raw string) (resourceType, id string, query url.Values, err error) {
	if raw == "" {
		return "", "", nil, fhir.RequiredError("bundle entry request.url is required")
	}
	u, parseErr := url.Parse(raw)
	if parseErr != nil {
		return "", "", nil, fhir.InvalidError("invalid bundle entry url %q", raw)
	}
	path := strings.Trim(u.Path, "/")
	path = strings.TrimPrefix(path, "fhir/")

	segs := strings.Split(path, "/")
	switch len(segs) {
	case 1:
		if segs[0] == "" {
			return "", "", nil, fhir.InvalidError("invalid bundle entry url %q", raw)
		}
		return segs[0], "", u.Query(), nil
	case 2:
		return segs[0], segs[1], u.Query(), nil
	default:
		return "", "", nil, fhir.InvalidError("invalid bundle entry url %q", raw)
	}
}

// rewriteReferences replaces urn:uuid references with their assigned
// Type/id. Matching is on the full JSON string value, quotes included, so
// partial uuids never rewrite.
func rewriteReferences(resource []byte, idMap map[string]string) []byte {
	if len(idMap) == 0 {
		return resource
	}
	s := string(resource)
	for urn, typeID := range idMap {
		s = strings.ReplaceAll(s, `"`+urn+`"`, `"`+typeID+`"`)
	}
	return []byte(s)
}

func statusLine(code int) string {
	return strconv.Itoa(code) + " " + http.StatusText(code)
}
