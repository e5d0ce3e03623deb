package synthesis

import "github.com/groundline-ai/groundline/internal/schemas"

// EventType names one streaming event.
type EventType string

const (
	EventConnectionOpened  EventType = "connection_opened"
	EventChunk             EventType = "chunk"
	EventCitations         EventType = "citations"
	EventMetadata          EventType = "metadata"
	EventResponseCompleted EventType = "response_completed"
	EventError             EventType = "error"
	EventDone              EventType = "done"
)

// Event is one unit of the synthesis stream. Exactly one payload field is
// set, matching Type.
type Event struct {
	Type      EventType                `json:"type"`
	Chunk     *ChunkPayload            `json:"chunk,omitempty"`
	Citations map[int]schemas.Citation `json:"citations,omitempty"`
	Metadata  *MetadataPayload         `json:"metadata,omitempty"`
	Completed *CompletedPayload        `json:"completed,omitempty"`
	Error     *ErrorPayload            `json:"error,omitempty"`
}

type ChunkPayload struct {
	Text        string `json:"text"`
	Accumulated string `json:"accumulated"`
}

type MetadataPayload struct {
	FreshnessStats map[string]int `json:"freshnessStats,omitempty"`
	TokensUsed     int            `json:"tokensUsed,omitempty"`
	ModelUsed      string         `json:"modelUsed,omitempty"`
}

type CompletedPayload struct {
	Answer      string                     `json:"answer"`
	Citations   map[int]schemas.Citation   `json:"citations"`
	Guardrail   *schemas.GuardrailDecision `json:"guardrailDecision,omitempty"`
	IsIDontKnow bool                       `json:"isIDontKnow"`
	Confidence  float64                    `json:"confidence"`
	TokensUsed  int                        `json:"tokensUsed,omitempty"`
	ModelUsed   string                     `json:"modelUsed,omitempty"`
}

type ErrorPayload struct {
	Message string `json:"message"`
	Kind    string `json:"kind,omitempty"`
}
