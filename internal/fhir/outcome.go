package fhir

import "fmt"

// OperationOutcome severity levels per the FHIR issue-severity value set.
const (
	IssueSeverityFatal       = "fatal"
	IssueSeverityError       = "error"
	IssueSeverityWarning     = "warning"
	IssueSeverityInformation = "information"
)

// OperationOutcome issue type codes per the FHIR issue-type value set. Only
// the codes this server emits are listed.
const (
	IssueTypeInvalid       = "invalid"
	IssueTypeStructure     = "structure"
	IssueTypeRequired      = "required"
	IssueTypeValue         = "value"
	IssueTypeNotFound      = "not-found"
	IssueTypeConflict      = "conflict"
	IssueTypeProcessing    = "processing"
	IssueTypeSecurity      = "security"
	IssueTypeForbidden     = "forbidden"
	IssueTypeNotSupported  = "not-supported"
	IssueTypeBusinessRule  = "business-rule"
	IssueTypeException     = "exception"
	IssueTypeDuplicate     = "duplicate"
	IssueTypeDeleted       = "deleted"
	IssueTypeCodeInvalid   = "code-invalid"
	IssueTypeTooCostly     = "too-costly"
	IssueTypeTimeout       = "timeout"
	IssueTypeThrottled     = "throttled"
	IssueTypeInformational = "informational"
)

var validSeverities = map[string]bool{
	IssueSeverityFatal:       true,
	IssueSeverityError:       true,
	IssueSeverityWarning:     true,
	IssueSeverityInformation: true,
}

var validIssueTypes = map[string]bool{
	IssueTypeInvalid:       true,
	IssueTypeStructure:     true,
	IssueTypeRequired:      true,
	IssueTypeValue:         true,
	IssueTypeNotFound:      true,
	IssueTypeConflict:      true,
	IssueTypeProcessing:    true,
	IssueTypeSecurity:      true,
	IssueTypeForbidden:     true,
	IssueTypeNotSupported:  true,
	IssueTypeBusinessRule:  true,
	IssueTypeException:     true,
	IssueTypeDuplicate:     true,
	IssueTypeDeleted:       true,
	IssueTypeCodeInvalid:   true,
	IssueTypeTooCostly:     true,
	IssueTypeTimeout:       true,
	IssueTypeThrottled:     true,
	IssueTypeInformational: true,
}

// IsValidSeverity checks whether a severity string is a valid FHIR issue severity.
func IsValidSeverity(s string) bool {
	return validSeverities[s]
}

// IsValidIssueType checks whether a code string is a valid FHIR issue type.
func IsValidIssueType(code string) bool {
	return validIssueTypes[code]
}

// OperationOutcome is the FHIR resource carrying diagnostic issues. It is
// the body of every non-2xx response and of informational entries inside
// searchset bundles.
type OperationOutcome struct {
	ResourceType string                  `json:"resourceType"`
	ID           string                  `json:"id,omitempty"`
	Issue        []OperationOutcomeIssue `json:"issue"`
}

// OperationOutcomeIssue is a single issue within an OperationOutcome.
type OperationOutcomeIssue struct {
	Severity    string   `json:"severity"`
	Code        string   `json:"code"`
	Diagnostics string   `json:"diagnostics,omitempty"`
	Expression  []string `json:"expression,omitempty"`
}

// NewOperationOutcome creates an OperationOutcome with a single issue.
func NewOperationOutcome(severity, code, diagnostics string) *OperationOutcome {
	return &OperationOutcome{
		ResourceType: "OperationOutcome",
		Issue: []OperationOutcomeIssue{
			{Severity: severity, Code: code, Diagnostics: diagnostics},
		},
	}
}

// HasErrors returns true if the outcome contains any error or fatal issues.
func (o *OperationOutcome) HasErrors() bool {
	for _, issue := range o.Issue {
		if issue.Severity == IssueSeverityError || issue.Severity == IssueSeverityFatal {
			return true
		}
	}
	return false
}

// OutcomeBuilder provides a fluent API for constructing OperationOutcome
// resources with several issues.
type OutcomeBuilder struct {
	outcome *OperationOutcome
}

// NewOutcomeBuilder creates an empty OutcomeBuilder.
func NewOutcomeBuilder() *OutcomeBuilder {
	return &OutcomeBuilder{
		outcome: &OperationOutcome{ResourceType: "OperationOutcome"},
	}
}

// AddIssue appends a single issue.
func (b *OutcomeBuilder) AddIssue(severity, code, diagnostics string) *OutcomeBuilder {
	b.outcome.Issue = append(b.outcome.Issue, OperationOutcomeIssue{
		Severity:    severity,
		Code:        code,
		Diagnostics: diagnostics,
	})
	return b
}

// AddIssueWithLocation appends an issue including an expression path.
func (b *OutcomeBuilder) AddIssueWithLocation(severity, code, diagnostics, location string) *OutcomeBuilder {
	b.outcome.Issue = append(b.outcome.Issue, OperationOutcomeIssue{
		Severity:    severity,
		Code:        code,
		Diagnostics: diagnostics,
		Expression:  []string{location},
	})
	return b
}

// Build returns the constructed OperationOutcome.
func (b *OutcomeBuilder) Build() *OperationOutcome {
	return b.outcome
}

// ValidationOutcome creates an OperationOutcome for a validation failure on
// a named element.
func ValidationOutcome(field, message string) *OperationOutcome {
	o := NewOperationOutcome(IssueSeverityError, IssueTypeInvalid, fmt.Sprintf("%s: %s", field, message))
	o.Issue[0].Expression = []string{field}
	return o
}
