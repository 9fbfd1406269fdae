package registry

import (
	"errors"

	"github.com/fhirbox/fhirbox/internal/fhir"
)

// Guard rejects interactions a resource's configuration does not allow. It
// is stateless beyond the registry reference.
type Guard struct {
	resources *ResourceRegistry
}

// NewGuard creates a Guard over the given registry.
func NewGuard(resources *ResourceRegistry) *Guard {
	return &Guard{resources: resources}
}

// Check verifies that the resource type is configured and enabled, that it
// supports the resolved FHIR version, and that the interaction is switched
// on. The returned errors carry the HTTP status the router should answer:
// 404 for unknown types, 405 for disabled types and interactions, 400 for
// unsupported versions.
func (g *Guard) Check(resourceType string, version fhir.Version, interaction Interaction) error {
	cfg, err := g.resources.Get(resourceType)
	if err != nil {
		switch {
		case errors.Is(err, ErrNotConfigured):
			return fhir.NotFoundError("resource type %s is not supported by this server", resourceType)
		case errors.Is(err, ErrResourceDisabled):
			return fhir.InteractionDisabledError("resource type %s is disabled", resourceType)
		default:
			return err
		}
	}

	if !g.resources.SupportsVersion(resourceType, version) {
		return fhir.VersionNotSupportedError("resource type %s does not support FHIR version %s", resourceType, version)
	}

	if !cfg.Interactions[interaction] {
		return fhir.InteractionDisabledError("interaction %s is disabled for resource type %s", interaction, resourceType)
	}

	return nil
}
