package fhir

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// Bundle kinds this server produces or consumes.
const (
	BundleTypeSearchset           = "searchset"
	BundleTypeHistory             = "history"
	BundleTypeBatch               = "batch"
	BundleTypeTransaction         = "transaction"
	BundleTypeBatchResponse       = "batch-response"
	BundleTypeTransactionResponse = "transaction-response"
)

// Bundle is the FHIR container resource used for search results, history,
// and batch/transaction processing. Entry resources stay raw bytes so
// unknown (custom) resource types round-trip untouched.
type Bundle struct {
	ResourceType string        `json:"resourceType"`
	ID           string        `json:"id,omitempty"`
	Type         string        `json:"type"`
	Timestamp    string        `json:"timestamp,omitempty"`
	Total        *int          `json:"total,omitempty"`
	Link         []BundleLink  `json:"link,omitempty"`
	Entry        []BundleEntry `json:"entry,omitempty"`
}

// BundleLink is a named navigation link (self, first, last, next, previous).
type BundleLink struct {
	Relation string `json:"relation"`
	URL      string `json:"url"`
}

// BundleEntry is a single entry within a bundle.
type BundleEntry struct {
	FullURL  string          `json:"fullUrl,omitempty"`
	Resource json.RawMessage `json:"resource,omitempty"`
	Search   *BundleSearch   `json:"search,omitempty"`
	Request  *BundleRequest  `json:"request,omitempty"`
	Response *BundleResponse `json:"response,omitempty"`
}

// Search entry modes.
const (
	SearchModeMatch   = "match"
	SearchModeInclude = "include"
	SearchModeOutcome = "outcome"
)

// BundleSearch qualifies how an entry ended up in a searchset.
type BundleSearch struct {
	Mode string `json:"mode,omitempty"`
}

// BundleRequest describes the operation an entry asks for (transaction/batch
// input) or the operation that produced a history entry.
type BundleRequest struct {
	Method      string `json:"method"`
	URL         string `json:"url"`
	IfMatch     string `json:"ifMatch,omitempty"`
	IfNoneMatch string `json:"ifNoneMatch,omitempty"`
	IfNoneExist string `json:"ifNoneExist,omitempty"`
}

// BundleResponse describes the outcome of processing one entry.
type BundleResponse struct {
	Status       string          `json:"status"`
	Location     string          `json:"location,omitempty"`
	Etag         string          `json:"etag,omitempty"`
	LastModified string          `json:"lastModified,omitempty"`
	Outcome      json.RawMessage `json:"outcome,omitempty"`
}

// NewBundle creates an empty bundle of the given type with a fresh id and
// timestamp.
func NewBundle(bundleType string) *Bundle {
	return &Bundle{
		ResourceType: "Bundle",
		ID:           uuid.NewString(),
		Type:         bundleType,
		Timestamp:    time.Now().UTC().Format(time.RFC3339),
	}
}

// SetTotal sets the searchset total.
func (b *Bundle) SetTotal(n int) {
	b.Total = &n
}

// AddLink appends a navigation link.
func (b *Bundle) AddLink(relation, url string) {
	b.Link = append(b.Link, BundleLink{Relation: relation, URL: url})
}

// LinkURL returns the URL of the link with the given relation, or "".
func (b *Bundle) LinkURL(relation string) string {
	for _, l := range b.Link {
		if l.Relation == relation {
			return l.URL
		}
	}
	return ""
}

// MarshalOutcome serializes an OperationOutcome for embedding in a
// BundleResponse or searchset entry.
func MarshalOutcome(o *OperationOutcome) json.RawMessage {
	raw, err := json.Marshal(o)
	if err != nil {
		return nil
	}
	return raw
}
