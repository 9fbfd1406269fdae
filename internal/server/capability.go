package server

import (
	"net/http"
	"time"

	"github.com/labstack/echo/v4"

	"github.com/fhirbox/fhirbox/internal/fhir"
	"github.com/fhirbox/fhirbox/internal/registry"
)

// Serialized CapabilityStatement shape; only the fields this server fills.
type capabilityStatement struct {
	ResourceType string             `json:"resourceType"`
	Status       string             `json:"status"`
	Date         string             `json:"date"`
	Kind         string             `json:"kind"`
	FHIRVersion  string             `json:"fhirVersion"`
	Format       []string           `json:"format"`
	Software     capabilitySoftware `json:"software"`
	Rest         []capabilityRest   `json:"rest"`
}

type capabilitySoftware struct {
	Name    string `json:"name"`
	Version string `json:"version,omitempty"`
}

type capabilityRest struct {
	Mode     string               `json:"mode"`
	Resource []capabilityResource `json:"resource"`
}

type capabilityResource struct {
	Type        string                  `json:"type"`
	Interaction []capabilityInteraction `json:"interaction,omitempty"`
	SearchParam []capabilitySearchParam `json:"searchParam,omitempty"`
}

type capabilityInteraction struct {
	Code string `json:"code"`
}

type capabilitySearchParam struct {
	Name       string `json:"name"`
	Definition string `json:"definition,omitempty"`
	Type       string `json:"type"`
}

// fhirVersionNumber maps a release to the fhirVersion code the
// CapabilityStatement carries.
func fhirVersionNumber(v fhir.Version) string {
	switch v {
	case fhir.R4B:
		return "4.3.0"
	case fhir.R5:
		return "5.0.0"
	}
	return string(v)
}

// interactionCode maps a configured interaction to its restful-interaction
// code. Search and history are type- and instance-scoped respectively.
func interactionCode(ix registry.Interaction) string {
	switch ix {
	case registry.InteractionSearch:
		return "search-type"
	case registry.InteractionHistory:
		return "history-instance"
	default:
		return string(ix)
	}
}

// capability serves GET|OPTIONS /metadata: a CapabilityStatement generated
// from the resource and search-parameter registries for the resolved version.
func (h *Handler) capability(c echo.Context) error {
	version, err := h.version(c)
	if err != nil {
		return err
	}
	if err := negotiate(c); err != nil {
		return err
	}
	return respondJSON(c, http.StatusOK, h.buildCapability(version))
}

func (h *Handler) buildCapability(version fhir.Version) *capabilityStatement {
	rest := capabilityRest{Mode: "server", Resource: []capabilityResource{}}

	for _, t := range h.resources.Types() {
		cfg, err := h.resources.Get(t)
		if err != nil {
			continue
		}
		if !h.resources.SupportsVersion(t, version) {
			continue
		}

		res := capabilityResource{Type: t}
		for _, ix := range registry.AllInteractions {
			if cfg.Interactions[ix] {
				res.Interaction = append(res.Interaction, capabilityInteraction{Code: interactionCode(ix)})
			}
		}
		for _, sp := range h.params.Allowed(version, t, h.resources) {
			res.SearchParam = append(res.SearchParam, capabilitySearchParam{
				Name:       sp.Code,
				Definition: sp.URL,
				Type:       sp.Type,
			})
		}
		rest.Resource = append(rest.Resource, res)
	}

	return &capabilityStatement{
		ResourceType: "CapabilityStatement",
		Status:       "active",
		Date:         time.Now().UTC().Format(time.RFC3339),
		Kind:         "instance",
		FHIRVersion:  fhirVersionNumber(version),
		Format:       []string{fhir.ContentTypeJSON},
		Software:     capabilitySoftware{Name: "fhirbox"},
		Rest:         []capabilityRest{rest},
	}
}
