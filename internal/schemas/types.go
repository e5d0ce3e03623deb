package schemas

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"time"
)

// BlockType enumerates the block kinds a normalized document may carry.
type BlockType string

const (
	BlockText     BlockType = "text"
	BlockTable    BlockType = "table"
	BlockCode     BlockType = "code"
	BlockImageRef BlockType = "image-ref"
)

// Block is one typed content unit of a normalized document.
type Block struct {
	Type BlockType `json:"type"`
	Text string    `json:"text,omitempty"`
	HTML string    `json:"html,omitempty"`
}

// DocMeta identifies a document and carries its access/freshness attributes.
type DocMeta struct {
	Tenant     string    `json:"tenant"`
	DocID      string    `json:"docId"`
	Source     string    `json:"source"`
	SHA256     string    `json:"sha256"`
	ACL        []string  `json:"acl"`
	Timestamp  time.Time `json:"timestamp"`
	ModifiedAt time.Time `json:"modifiedAt,omitempty"`
	Version    string    `json:"version,omitempty"`
	Lang       string    `json:"lang,omitempty"`
	Title      string    `json:"title,omitempty"`
	Path       string    `json:"path,omitempty"`
	URL        string    `json:"url,omitempty"`
	SpaceID    string    `json:"spaceId,omitempty"`
	Authors    []string  `json:"authors,omitempty"`
	Tags       []string  `json:"tags,omitempty"`
	Deleted    bool      `json:"deleted,omitempty"`
}

// NormalizedDoc is the ingest-side document shape. A doc with Meta.Deleted
// set is a tombstone: publishing it removes every chunk of (tenant, docId).
type NormalizedDoc struct {
	Meta   DocMeta `json:"meta"`
	Blocks []Block `json:"blocks"`
}

// IsTombstone reports whether publishing this document deletes instead of writes.
func (d *NormalizedDoc) IsTombstone() bool { return d.Meta.Deleted }

// ChunkMetadata travels with a chunk into the vector store payload.
type ChunkMetadata struct {
	Tenant      string   `json:"tenant"`
	DocID       string   `json:"docId"`
	Source      string   `json:"source,omitempty"`
	ACL         []string `json:"acl,omitempty"`
	Lang        string   `json:"lang,omitempty"`
	URL         string   `json:"url,omitempty"`
	Version     string   `json:"version,omitempty"`
	SpaceID     string   `json:"spaceId,omitempty"`
	CreatedAt   int64    `json:"createdAt,omitempty"`
	ModifiedAt  int64    `json:"modifiedAt,omitempty"`
	OrderIndex  int      `json:"orderIndex"`
	IsTable     bool     `json:"isTable,omitempty"`
	CoreTokens  []string `json:"lexicalCoreTokens,omitempty"`
	Phrases     []string `json:"lexicalPhrases,omitempty"`
	LexicalLang string   `json:"lexicalLanguage,omitempty"`
}

// Chunk is a bounded-token subsequence of a document.
type Chunk struct {
	ID             string        `json:"id"`
	Text           string        `json:"text"`
	TokenCount     int           `json:"tokenCount"`
	CharacterCount int           `json:"characterCount"`
	StartIndex     int           `json:"startIndex"`
	EndIndex       int           `json:"endIndex"`
	SectionPath    string        `json:"sectionPath,omitempty"`
	Metadata       ChunkMetadata `json:"metadata"`
}

// ChunkID derives the deterministic chunk identifier.
// Two publishes of the same document produce the same ids, which makes
// upserts idempotent.
func ChunkID(tenant, docID, sectionPath string, startIndex int) string {
	h := sha256.Sum256([]byte(fmt.Sprintf("%s|%s|%s|%d", tenant, docID, sectionPath, startIndex)))
	return hex.EncodeToString(h[:])
}

// Embedding pairs a chunk with its vector.
type Embedding struct {
	ChunkID    string         `json:"chunkId"`
	Vector     []float32      `json:"vector"`
	TokenCount int            `json:"tokenCount"`
	Metadata   map[string]any `json:"metadata,omitempty"`
}

// UserContext is the authenticated caller identity used for ACL matching
// and language selection.
type UserContext struct {
	ID       string   `json:"id"`
	TenantID string   `json:"tenantId"`
	GroupIDs []string `json:"groupIds"`
	Language string   `json:"language,omitempty"`
}

// Principals returns the identity set matched against document ACLs.
func (u UserContext) Principals() []string {
	out := make([]string, 0, len(u.GroupIDs)+1)
	out = append(out, u.ID)
	out = append(out, u.GroupIDs...)
	return out
}

// SearchType records which retrieval sources produced a result set.
type SearchType string

const (
	SearchTypeHybrid      SearchType = "hybrid"
	SearchTypeVectorOnly  SearchType = "vector_only"
	SearchTypeKeywordOnly SearchType = "keyword_only"
)

// RetrievedResult is one candidate passage after retrieval (and optionally
// fusion/rerank). Per-source scores survive fusion so downstream stages can
// inspect provenance.
type RetrievedResult struct {
	ID            string         `json:"id"`
	Content       string         `json:"content"`
	Score         float64        `json:"score"`
	VectorScore   float64        `json:"vectorScore,omitempty"`
	KeywordScore  float64        `json:"keywordScore,omitempty"`
	FusionScore   float64        `json:"fusionScore,omitempty"`
	RerankerScore float64        `json:"rerankerScore,omitempty"`
	Rank          int            `json:"rank,omitempty"` // 1-based after fusion
	SearchType    SearchType     `json:"searchType,omitempty"`
	Payload       map[string]any `json:"payload,omitempty"`
	Vector        []float32      `json:"-"`
}

// PayloadString reads a string field from the result payload.
func (r *RetrievedResult) PayloadString(key string) string {
	if r.Payload == nil {
		return ""
	}
	if s, ok := r.Payload[key].(string); ok {
		return s
	}
	return ""
}

// Freshness classifies source age.
type Freshness string

const (
	FreshnessFresh  Freshness = "Fresh"  // <= 7 days
	FreshnessRecent Freshness = "Recent" // <= 30 days
	FreshnessStale  Freshness = "Stale"  // > 30 days
)

// ClassifyFreshness buckets a modification time relative to now.
func ClassifyFreshness(modified time.Time, now time.Time) Freshness {
	if modified.IsZero() {
		return FreshnessStale
	}
	age := now.Sub(modified)
	switch {
	case age <= 7*24*time.Hour:
		return FreshnessFresh
	case age <= 30*24*time.Hour:
		return FreshnessRecent
	default:
		return FreshnessStale
	}
}

// Citation is one numbered source reference in a synthesized answer.
// Number is assigned by first appearance in the answer text.
type Citation struct {
	ID          string    `json:"id"` // chunk id
	Number      int       `json:"number"`
	Source      string    `json:"source"`
	DocID       string    `json:"docId"`
	QdrantDocID string    `json:"qdrantDocId,omitempty"`
	Freshness   Freshness `json:"freshness,omitempty"`
	Version     string    `json:"version,omitempty"`
	URL         string    `json:"url,omitempty"`
	Filepath    string    `json:"filepath,omitempty"`
	Authors     []string  `json:"authors,omitempty"`
}

// ReasonCode explains a non-answerable guardrail decision.
type ReasonCode string

const (
	ReasonNoRelevantDocs      ReasonCode = "NO_RELEVANT_DOCS"
	ReasonLowConfidence       ReasonCode = "LOW_CONFIDENCE"
	ReasonPoorRetrievalScores ReasonCode = "POOR_RETRIEVAL_SCORES"
	ReasonContextInsufficient ReasonCode = "CONTEXT_INSUFFICIENT"
	ReasonOutOfScope          ReasonCode = "OUT_OF_SCOPE"
	ReasonAmbiguousQuery      ReasonCode = "AMBIGUOUS_QUERY"
)

// ScoreStats summarizes retrieval scores feeding the guardrail.
type ScoreStats struct {
	Mean   float64 `json:"mean"`
	Max    float64 `json:"max"`
	Min    float64 `json:"min"`
	StdDev float64 `json:"stdDev"`
	Count  int     `json:"count"`
}

// AlgorithmScores exposes the guardrail sub-scores for diagnostics.
type AlgorithmScores struct {
	Statistical float64 `json:"statistical"`
	Threshold   float64 `json:"threshold"`
	MLFeatures  float64 `json:"mlFeatures"`
}

// GuardrailDecision is the answerability verdict for a query.
type GuardrailDecision struct {
	IsAnswerable    bool             `json:"isAnswerable"`
	Confidence      float64          `json:"confidence"`
	ReasonCode      ReasonCode       `json:"reasonCode,omitempty"`
	Reasoning       string           `json:"reasoning,omitempty"`
	Suggestions     []string         `json:"suggestions,omitempty"`
	ScoreStats      *ScoreStats      `json:"scoreStats,omitempty"`
	AlgorithmScores *AlgorithmScores `json:"algorithmScores,omitempty"`
}

// AnswerFormat selects the answer rendering mode.
type AnswerFormat string

const (
	FormatMarkdown AnswerFormat = "markdown"
	FormatPlain    AnswerFormat = "plain"
)

// AskRequest is the query-time API request body.
type AskRequest struct {
	Query            string       `json:"query"`
	IncludeCitations *bool        `json:"includeCitations,omitempty"`
	AnswerFormat     AnswerFormat `json:"answerFormat,omitempty"`
	MaxTokens        int          `json:"maxTokens,omitempty"`
	TopK             int          `json:"topK,omitempty"`
}

// AskResponse is the non-streaming answer envelope.
type AskResponse struct {
	Answer           string            `json:"answer"`
	Citations        map[int]Citation  `json:"citations,omitempty"`
	IsIDontKnow      bool              `json:"isIDontKnow"`
	Guardrail        GuardrailDecision `json:"guardrail"`
	TokensUsed       int               `json:"tokensUsed,omitempty"`
	ModelUsed        string            `json:"modelUsed,omitempty"`
	Confidence       float64           `json:"confidence"`
	ContextTruncated bool              `json:"contextTruncated"`
	SynthesisTimeMs  int64             `json:"synthesisTimeMs"`
}

// IdkResponse is the structured refusal returned when the guardrail blocks.
type IdkResponse struct {
	Message     string     `json:"message"`
	ReasonCode  ReasonCode `json:"reasonCode"`
	Suggestions []string   `json:"suggestions"`
	Confidence  float64    `json:"confidence"`
}

// PIIFinding is one detector hit reported by ingest preview.
type PIIFinding struct {
	Kind   string `json:"kind"` // email|phone|iban|credit_card
	Match  string `json:"match"`
	Block  int    `json:"block"`
	Offset int    `json:"offset"`
}

// PreviewResponse is the /ingest/preview result: normalized form plus PII
// findings, nothing persisted.
type PreviewResponse struct {
	Doc         NormalizedDoc `json:"doc"`
	ChunkCount  int           `json:"chunkCount"`
	TotalTokens int           `json:"totalTokens"`
	PIIFindings []PIIFinding  `json:"piiFindings"`
	Warnings    []string      `json:"warnings,omitempty"`
}

// PublishResult reports the outcome of one document publish.
type PublishResult struct {
	Tenant        string `json:"tenant"`
	DocID         string `json:"docId"`
	Tombstone     bool   `json:"tombstone"`
	ChunksWritten int    `json:"chunksWritten"`
	ChunksDeleted int    `json:"chunksDeleted,omitempty"`
	DurationMs    int64  `json:"durationMs"`
	Error         string `json:"error,omitempty"`
}
