package schemas

import (
	"errors"
	"fmt"
	"strings"
)

// Sentinel errors for synthesis-layer validation failures.
var (
	ErrNoDocuments        = errors.New("synthesis requires at least one document")
	ErrInvalidUserContext = errors.New("user context must carry id and tenantId")
	ErrUnauthorized       = errors.New("missing or invalid token")
	ErrPayloadTooLarge    = errors.New("payload too large")
	ErrUpstreamTimeout    = errors.New("upstream deadline exceeded")
)

// SchemaError reports validation failures with field paths, surfaced as 400.
type SchemaError struct {
	Fields []string
}

func (e *SchemaError) Error() string {
	return "schema invalid: " + strings.Join(e.Fields, ", ")
}

// RateLimitedError reports which scope tripped and when to retry.
type RateLimitedError struct {
	Scope      string // ip|user|tenant
	RetryAfter int    // seconds
}

func (e *RateLimitedError) Error() string {
	return fmt.Sprintf("rate limit exceeded for %s, retry after %ds", e.Scope, e.RetryAfter)
}

// InvalidCitationsError reports citation markers in the answer that have no
// entry in the citation map.
type InvalidCitationsError struct {
	Numbers []int
}

func (e *InvalidCitationsError) Error() string {
	return fmt.Sprintf("answer references unknown citations %v", e.Numbers)
}

// ProviderError is an LLM provider failure. Transient statuses are retryable
// at the client boundary; configuration failures are fatal.
type ProviderError struct {
	Provider string
	Status   int
	Message  string
}

func (e *ProviderError) Error() string {
	if e.Status > 0 {
		return fmt.Sprintf("llm provider %s: status %d: %s", e.Provider, e.Status, e.Message)
	}
	return fmt.Sprintf("llm provider %s: %s", e.Provider, e.Message)
}

// Retryable reports whether the failure is worth retrying.
func (e *ProviderError) Retryable() bool {
	return e.Status == 429 || (e.Status >= 500 && e.Status < 600)
}

// DimensionMismatchError is fatal: a returned vector did not match the
// configured embedding dimensionality.
type DimensionMismatchError struct {
	Expected int
	Received int
}

func (e *DimensionMismatchError) Error() string {
	return fmt.Sprintf("embedding dimension mismatch: expected %d, got %d", e.Expected, e.Received)
}

// ValidateNormalizedDoc checks the ingest document shape and returns a
// SchemaError naming every offending field path.
func ValidateNormalizedDoc(doc *NormalizedDoc) error {
	var fields []string
	if doc == nil {
		return &SchemaError{Fields: []string{"(document)"}}
	}
	if doc.Meta.Tenant == "" {
		fields = append(fields, "meta.tenant")
	}
	if doc.Meta.DocID == "" {
		fields = append(fields, "meta.docId")
	}
	if doc.Meta.Source == "" {
		fields = append(fields, "meta.source")
	}
	if doc.Meta.Timestamp.IsZero() {
		fields = append(fields, "meta.timestamp")
	}
	if !doc.Meta.Deleted {
		if len(doc.Meta.ACL) == 0 {
			fields = append(fields, "meta.acl")
		}
		if len(doc.Blocks) == 0 {
			fields = append(fields, "blocks")
		}
	}
	for i, b := range doc.Blocks {
		switch b.Type {
		case BlockText, BlockTable, BlockCode, BlockImageRef:
		default:
			fields = append(fields, fmt.Sprintf("blocks[%d].type", i))
		}
	}
	if len(fields) > 0 {
		return &SchemaError{Fields: fields}
	}
	return nil
}

// ValidateAskRequest checks the query-time request body.
func ValidateAskRequest(req *AskRequest) error {
	var fields []string
	if req == nil {
		return &SchemaError{Fields: []string{"(request)"}}
	}
	if strings.TrimSpace(req.Query) == "" {
		fields = append(fields, "query")
	}
	switch req.AnswerFormat {
	case "", FormatMarkdown, FormatPlain:
	default:
		fields = append(fields, "answerFormat")
	}
	if req.MaxTokens < 0 {
		fields = append(fields, "maxTokens")
	}
	if len(fields) > 0 {
		return &SchemaError{Fields: fields}
	}
	return nil
}

// ValidateUserContext enforces the synthesis-layer identity requirements.
func ValidateUserContext(u UserContext) error {
	if u.ID == "" || u.TenantID == "" {
		return ErrInvalidUserContext
	}
	return nil
}
