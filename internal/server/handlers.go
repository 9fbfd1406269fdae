package server

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"

	"github.com/labstack/echo/v4"
	"github.com/rs/zerolog"

	"github.com/fhirbox/fhirbox/internal/bundle"
	"github.com/fhirbox/fhirbox/internal/fhir"
	"github.com/fhirbox/fhirbox/internal/plugin"
	"github.com/fhirbox/fhirbox/internal/registry"
	"github.com/fhirbox/fhirbox/internal/search"
	"github.com/fhirbox/fhirbox/internal/service"
)

// Searcher executes type-level searches. *search.Engine implements it.
type Searcher interface {
	Search(ctx context.Context, version fhir.Version, resourceType string, values url.Values) (*fhir.Bundle, error)
}

// BundleProcessor executes batch and transaction bundles. *bundle.Processor
// implements it.
type BundleProcessor interface {
	Process(ctx context.Context, version fhir.Version, body []byte) (*fhir.Bundle, error)
}

// Handler owns the FHIR REST endpoints of one server instance. It resolves
// the version, negotiates the wire format, runs the plugin chain, and
// delegates the interaction to the service, search engine, or bundle
// processor.
type Handler struct {
	svc            *service.Service
	searcher       Searcher
	processor      BundleProcessor
	resources      *registry.ResourceRegistry
	params         *registry.SearchParameterRegistry
	guard          *registry.Guard
	operations     *OperationRegistry
	plugins        *plugin.Orchestrator
	baseURL        string
	defaultVersion fhir.Version
	enabled        map[fhir.Version]bool
	logger         zerolog.Logger
}

// register mounts the FHIR routes on one version group. The same set is
// mounted on every explicit group and on the implicit (unversioned) group.
func (h *Handler) register(g *echo.Group) {
	g.GET("/metadata", h.capability)
	g.OPTIONS("/metadata", h.capability)
	g.POST("", h.processBundle)

	g.GET("/:type", h.search)
	g.POST("/:type", h.create)
	g.POST("/:type/_search", h.searchPost)
	g.POST("/:type/:op", h.typeOperation)

	g.GET("/:type/:id", h.read)
	g.PUT("/:type/:id", h.update)
	g.PATCH("/:type/:id", h.patch)
	g.DELETE("/:type/:id", h.remove)

	g.GET("/:type/:id/_history", h.history)
	g.GET("/:type/:id/_history/:vid", h.vread)
	g.GET("/:type/:id/:op", h.instanceOperation)
	g.POST("/:type/:id/:op", h.instanceOperation)
}

// --- plugin chain ---

func tenantOf(c echo.Context) string {
	t, _ := c.Get("tenant_id").(string)
	return t
}

func (h *Handler) before(c echo.Context, v fhir.Version, resourceType, id string, ix registry.Interaction) (context.Context, *plugin.OperationDescriptor, error) {
	d := &plugin.OperationDescriptor{
		Tenant:       tenantOf(c),
		Version:      v,
		ResourceType: resourceType,
		ResourceID:   id,
		Interaction:  ix,
		Headers:      c.Request().Header,
	}
	ctx, err := h.plugins.Before(c.Request().Context(), d)
	if err != nil {
		return nil, nil, err
	}
	return ctx, d, nil
}

// --- negotiation ---

// negotiate rejects requests this server cannot answer in an acceptable
// format. No XML codec ships, so fhir+xml is a 406 with diagnostics.
func negotiate(c echo.Context) error {
	switch fhir.NegotiateFormat(c.QueryParam("_format"), c.Request().Header.Get(echo.HeaderAccept)) {
	case fhir.FormatJSON:
		return nil
	case fhir.FormatXML:
		return fhir.NotAcceptableError("application/fhir+xml is not supported; use application/fhir+json")
	default:
		return fhir.NotAcceptableError("no acceptable response format; this server serves application/fhir+json")
	}
}

func checkWriteContentType(c echo.Context) error {
	ct := c.Request().Header.Get(echo.HeaderContentType)
	if !fhir.IsFHIRWriteContentType(ct) {
		return fhir.UnsupportedMediaTypeError("content type %q is not supported for resource writes", ct)
	}
	return nil
}

// preferMinimal reports whether the client asked for headers-only write
// responses via Prefer: return=minimal.
func preferMinimal(c echo.Context) bool {
	for _, part := range strings.Split(c.Request().Header.Get("Prefer"), ",") {
		if strings.EqualFold(strings.TrimSpace(part), "return=minimal") {
			return true
		}
	}
	return false
}

// --- responses ---

func respondResource(c echo.Context, status int, content []byte) error {
	return c.Blob(status, fhir.ContentTypeJSON, content)
}

func respondJSON(c echo.Context, status int, v interface{}) error {
	body, err := json.Marshal(v)
	if err != nil {
		return fhir.InternalError(err)
	}
	return c.Blob(status, fhir.ContentTypeJSON, body)
}

func (h *Handler) versionBase(v fhir.Version) string {
	return h.baseURL + "/" + v.PathSegment()
}

func setResultHeaders(c echo.Context, res *service.Result) {
	c.Response().Header().Set("ETag", res.ETag())
	c.Response().Header().Set("Last-Modified", res.LastUpdated.UTC().Format(http.TimeFormat))
}

func (h *Handler) setLocation(c echo.Context, v fhir.Version, res *service.Result) {
	c.Response().Header().Set(echo.HeaderLocation,
		h.versionBase(v)+"/"+res.ResourceType+"/"+res.ID+"/_history/"+strconv.Itoa(res.VersionID))
}

// --- instance interactions ---

func (h *Handler) read(c echo.Context) error {
	// /Patient/$op lands here; extended operations own the $ namespace.
	if strings.HasPrefix(c.Param("id"), "$") {
		return h.typeOperation(c)
	}
	version, err := h.version(c)
	if err != nil {
		return err
	}
	if err := negotiate(c); err != nil {
		return err
	}

	resourceType, id := c.Param("type"), c.Param("id")
	ctx, d, err := h.before(c, version, resourceType, id, registry.InteractionRead)
	if err != nil {
		return err
	}
	res, err := h.svc.Read(ctx, version, resourceType, id)
	if err != nil {
		return err
	}
	h.plugins.After(ctx, d)

	setResultHeaders(c, res)
	if fhir.MatchesIfNoneMatch(c.Request().Header.Get("If-None-Match"), res.VersionID) {
		return c.NoContent(http.StatusNotModified)
	}
	return respondResource(c, http.StatusOK, res.Content)
}

func (h *Handler) vread(c echo.Context) error {
	version, err := h.version(c)
	if err != nil {
		return err
	}
	if err := negotiate(c); err != nil {
		return err
	}

	vid, convErr := strconv.Atoi(c.Param("vid"))
	if convErr != nil || vid < 1 {
		return fhir.InvalidError("invalid version id %q", c.Param("vid"))
	}

	resourceType, id := c.Param("type"), c.Param("id")
	ctx, d, err := h.before(c, version, resourceType, id, registry.InteractionVread)
	if err != nil {
		return err
	}
	res, err := h.svc.VRead(ctx, version, resourceType, id, vid)
	if err != nil {
		return err
	}
	h.plugins.After(ctx, d)

	setResultHeaders(c, res)
	if fhir.MatchesIfNoneMatch(c.Request().Header.Get("If-None-Match"), res.VersionID) {
		return c.NoContent(http.StatusNotModified)
	}
	return respondResource(c, http.StatusOK, res.Content)
}

func (h *Handler) create(c echo.Context) error {
	version, err := h.version(c)
	if err != nil {
		return err
	}
	if err := negotiate(c); err != nil {
		return err
	}
	if err := checkWriteContentType(c); err != nil {
		return err
	}
	body, err := io.ReadAll(c.Request().Body)
	if err != nil {
		return err
	}

	resourceType := c.Param("type")
	ctx, d, err := h.before(c, version, resourceType, "", registry.InteractionCreate)
	if err != nil {
		return err
	}
	res, err := h.svc.Create(ctx, version, resourceType, body)
	if err != nil {
		return err
	}
	h.plugins.After(ctx, d)

	setResultHeaders(c, res)
	h.setLocation(c, version, res)
	if preferMinimal(c) {
		return c.NoContent(http.StatusCreated)
	}
	return respondResource(c, http.StatusCreated, res.Content)
}

func (h *Handler) update(c echo.Context) error {
	version, err := h.version(c)
	if err != nil {
		return err
	}
	if err := negotiate(c); err != nil {
		return err
	}
	if err := checkWriteContentType(c); err != nil {
		return err
	}
	body, err := io.ReadAll(c.Request().Body)
	if err != nil {
		return err
	}

	resourceType, id := c.Param("type"), c.Param("id")
	ctx, d, err := h.before(c, version, resourceType, id, registry.InteractionUpdate)
	if err != nil {
		return err
	}
	res, err := h.svc.Update(ctx, version, resourceType, id, body, c.Request().Header.Get("If-Match"))
	if err != nil {
		return err
	}
	h.plugins.After(ctx, d)

	setResultHeaders(c, res)
	status := http.StatusOK
	if res.Created {
		status = http.StatusCreated
		h.setLocation(c, version, res)
	}
	if preferMinimal(c) {
		return c.NoContent(status)
	}
	return respondResource(c, status, res.Content)
}

func (h *Handler) patch(c echo.Context) error {
	version, err := h.version(c)
	if err != nil {
		return err
	}
	if err := negotiate(c); err != nil {
		return err
	}
	body, err := io.ReadAll(c.Request().Body)
	if err != nil {
		return err
	}

	resourceType, id := c.Param("type"), c.Param("id")
	ctx, d, err := h.before(c, version, resourceType, id, registry.InteractionPatch)
	if err != nil {
		return err
	}
	res, err := h.svc.Patch(ctx, version, resourceType, id, body,
		c.Request().Header.Get(echo.HeaderContentType), c.Request().Header.Get("If-Match"))
	if err != nil {
		return err
	}
	h.plugins.After(ctx, d)

	setResultHeaders(c, res)
	if preferMinimal(c) {
		return c.NoContent(http.StatusOK)
	}
	return respondResource(c, http.StatusOK, res.Content)
}

func (h *Handler) remove(c echo.Context) error {
	version, err := h.version(c)
	if err != nil {
		return err
	}

	resourceType, id := c.Param("type"), c.Param("id")
	ctx, d, err := h.before(c, version, resourceType, id, registry.InteractionDelete)
	if err != nil {
		return err
	}
	if err := h.svc.Delete(ctx, version, resourceType, id); err != nil {
		return err
	}
	h.plugins.After(ctx, d)
	return c.NoContent(http.StatusNoContent)
}

func (h *Handler) history(c echo.Context) error {
	version, err := h.version(c)
	if err != nil {
		return err
	}
	if err := negotiate(c); err != nil {
		return err
	}

	resourceType, id := c.Param("type"), c.Param("id")
	ctx, d, err := h.before(c, version, resourceType, id, registry.InteractionHistory)
	if err != nil {
		return err
	}
	result, err := h.svc.History(ctx, version, resourceType, id, h.versionBase(version))
	if err != nil {
		return err
	}
	h.plugins.After(ctx, d)
	return respondJSON(c, http.StatusOK, result)
}

// --- type interactions ---

func (h *Handler) search(c echo.Context) error {
	values := url.Values{}
	for k, vs := range c.QueryParams() {
		values[k] = append(values[k], vs...)
	}
	return h.runSearch(c, values)
}

// searchPost serves POST /{Type}/_search: form-encoded parameters merged
// over the query string.
func (h *Handler) searchPost(c echo.Context) error {
	ct := c.Request().Header.Get(echo.HeaderContentType)
	if ct != "" && !strings.HasPrefix(strings.ToLower(ct), echo.MIMEApplicationForm) {
		return fhir.UnsupportedMediaTypeError("content type %q is not supported for _search; use %s", ct, echo.MIMEApplicationForm)
	}
	if err := c.Request().ParseForm(); err != nil {
		return fhir.InvalidError("malformed _search form body")
	}

	values := url.Values{}
	for k, vs := range c.QueryParams() {
		values[k] = append(values[k], vs...)
	}
	for k, vs := range c.Request().PostForm {
		values[k] = append(values[k], vs...)
	}
	return h.runSearch(c, values)
}

func (h *Handler) runSearch(c echo.Context, values url.Values) error {
	version, err := h.version(c)
	if err != nil {
		return err
	}
	if err := negotiate(c); err != nil {
		return err
	}

	resourceType := c.Param("type")
	if err := h.guard.Check(resourceType, version, registry.InteractionSearch); err != nil {
		return err
	}

	ctx, d, err := h.before(c, version, resourceType, "", registry.InteractionSearch)
	if err != nil {
		return err
	}
	result, err := h.searcher.Search(ctx, version, resourceType, values)
	if err != nil {
		return err
	}
	h.plugins.After(ctx, d)
	return respondJSON(c, http.StatusOK, result)
}

// --- system interactions ---

func (h *Handler) processBundle(c echo.Context) error {
	version, err := h.version(c)
	if err != nil {
		return err
	}
	if err := negotiate(c); err != nil {
		return err
	}
	if err := checkWriteContentType(c); err != nil {
		return err
	}
	body, err := io.ReadAll(c.Request().Body)
	if err != nil {
		return err
	}

	result, err := h.processor.Process(c.Request().Context(), version, body)
	if err != nil {
		return err
	}
	return respondJSON(c, http.StatusOK, result)
}

// Interfaces are satisfied by the concrete components wired in main.
var (
	_ Searcher        = (*search.Engine)(nil)
	_ BundleProcessor = (*bundle.Processor)(nil)
)
