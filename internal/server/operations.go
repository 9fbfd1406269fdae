package server

import (
	"net/http"
	"strings"

	"github.com/labstack/echo/v4"

	"github.com/fhirbox/fhirbox/internal/fhir"
)

// OperationHandler serves one extended operation ($op). It receives the
// resolved version, the resource type, and the instance id (empty at type
// level) and writes its own response through the echo context.
type OperationHandler func(c echo.Context, version fhir.Version, resourceType, id string) error

// OperationRegistry routes $-prefixed extended operations. It is populated
// at startup and read-only afterwards; no operations ship by default, so
// every $op answers 404 not-supported until a deployment registers one.
type OperationRegistry struct {
	typeOps     map[string]map[string]OperationHandler
	instanceOps map[string]map[string]OperationHandler
}

func NewOperationRegistry() *OperationRegistry {
	return &OperationRegistry{
		typeOps:     make(map[string]map[string]OperationHandler),
		instanceOps: make(map[string]map[string]OperationHandler),
	}
}

// RegisterType mounts a type-level operation, e.g. ("Patient", "$match", h).
// The name must carry its $ prefix.
func (r *OperationRegistry) RegisterType(resourceType, name string, h OperationHandler) {
	if r.typeOps[resourceType] == nil {
		r.typeOps[resourceType] = make(map[string]OperationHandler)
	}
	r.typeOps[resourceType][name] = h
}

// RegisterInstance mounts an instance-level operation, e.g.
// ("Patient", "$everything", h).
func (r *OperationRegistry) RegisterInstance(resourceType, name string, h OperationHandler) {
	if r.instanceOps[resourceType] == nil {
		r.instanceOps[resourceType] = make(map[string]OperationHandler)
	}
	r.instanceOps[resourceType][name] = h
}

func (r *OperationRegistry) typeOp(resourceType, name string) (OperationHandler, bool) {
	h, ok := r.typeOps[resourceType][name]
	return h, ok
}

func (r *OperationRegistry) instanceOp(resourceType, name string) (OperationHandler, bool) {
	h, ok := r.instanceOps[resourceType][name]
	return h, ok
}

// typeOperation serves GET|POST /{Type}/$op.
func (h *Handler) typeOperation(c echo.Context) error {
	name := c.Param("op")
	if name == "" {
		name = c.Param("id")
	}
	if !strings.HasPrefix(name, "$") {
		return fhir.NotFoundError("unknown path %s", c.Request().URL.Path)
	}

	version, err := h.version(c)
	if err != nil {
		return err
	}
	resourceType := c.Param("type")
	op, ok := h.operations.typeOp(resourceType, name)
	if !ok {
		return fhir.NotSupportedError(http.StatusNotFound, "operation %s is not supported on %s", name, resourceType)
	}
	return op(c, version, resourceType, "")
}

// instanceOperation serves GET|POST /{Type}/{id}/$op.
func (h *Handler) instanceOperation(c echo.Context) error {
	name := c.Param("op")
	if !strings.HasPrefix(name, "$") {
		return fhir.NotFoundError("unknown path %s", c.Request().URL.Path)
	}

	version, err := h.version(c)
	if err != nil {
		return err
	}
	resourceType, id := c.Param("type"), c.Param("id")
	op, ok := h.operations.instanceOp(resourceType, name)
	if !ok {
		return fhir.NotSupportedError(http.StatusNotFound, "operation %s is not supported on %s instances", name, resourceType)
	}
	return op(c, version, resourceType, id)
}
