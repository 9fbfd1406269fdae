package plugin

import (
	"context"
	"net/http"

	"github.com/rs/zerolog"

	"github.com/fhirbox/fhirbox/internal/fhir"
	"github.com/fhirbox/fhirbox/internal/registry"
)

// OperationDescriptor describes one resource interaction as it enters the
// service layer. Plugins receive it read-mostly; BeforeOp may enrich the
// context it returns.
type OperationDescriptor struct {
	Tenant       string
	Version      fhir.Version
	ResourceType string
	ResourceID   string
	Interaction  registry.Interaction
	Headers      http.Header
}

// Plugin is one link in the interaction chain. BeforeOp runs ahead of the
// service call and may veto it by returning an error (surfaced with that
// error's status, or 422 business-rule for plain errors). AfterOp runs on
// success; its errors are logged, never surfaced.
type Plugin interface {
	Name() string
	Supports(d *OperationDescriptor) bool
	BeforeOp(ctx context.Context, d *OperationDescriptor) (context.Context, error)
	AfterOp(ctx context.Context, d *OperationDescriptor) error
}

// Orchestrator runs a fixed, ordered plugin chain around interactions. An
// empty orchestrator is valid and does nothing.
type Orchestrator struct {
	plugins []Plugin
	logger  zerolog.Logger
}

func NewOrchestrator(logger zerolog.Logger, plugins ...Plugin) *Orchestrator {
	return &Orchestrator{
		plugins: plugins,
		logger:  logger.With().Str("component", "plugins").Logger(),
	}
}

// Before runs every supporting plugin's BeforeOp in registration order,
// threading the context through the chain.
func (o *Orchestrator) Before(ctx context.Context, d *OperationDescriptor) (context.Context, error) {
	for _, p := range o.plugins {
		if !p.Supports(d) {
			continue
		}
		next, err := p.BeforeOp(ctx, d)
		if err != nil {
			if _, ok := fhir.AsError(err); ok {
				return ctx, err
			}
			return ctx, fhir.BusinessRuleError("plugin %s rejected the operation: %v", p.Name(), err)
		}
		if next != nil {
			ctx = next
		}
	}
	return ctx, nil
}

// After runs every supporting plugin's AfterOp. Failures are logged; the
// interaction already succeeded.
func (o *Orchestrator) After(ctx context.Context, d *OperationDescriptor) {
	for _, p := range o.plugins {
		if !p.Supports(d) {
			continue
		}
		if err := p.AfterOp(ctx, d); err != nil {
			o.logger.Warn().Str("plugin", p.Name()).Err(err).Msg("after-hook failed")
		}
	}
}
