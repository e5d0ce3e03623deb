package vectordb

import "time"

// Config holds Qdrant connection and collection settings.
type Config struct {
	URL        string
	APIKey     string
	Collection string
	Timeout    time.Duration
	// Adaptive HNSW ef bounds.
	EfBase int
	EfMin  int
	EfMax  int
}

// UpsertItem is a single point write.
type UpsertItem struct {
	ID      string                 `json:"id"`
	Vector  []float32              `json:"vector"`
	Payload map[string]interface{} `json:"payload,omitempty"`
}

// UpsertResponse mirrors Qdrant's operation result envelope.
type UpsertResponse struct {
	Result struct {
		OperationID int64  `json:"operation_id"`
		Status      string `json:"status"`
	} `json:"result"`
	Status string  `json:"status"`
	Time   float64 `json:"time"`
}

// ScoredPoint is one search hit.
type ScoredPoint struct {
	ID      string
	Score   float64
	Payload map[string]interface{}
	Vector  []float32
}

// CollectionParams describe how EnsureCollection provisions the collection.
type CollectionParams struct {
	VectorSize      int
	Distance        string // "Cosine"
	HnswM           int
	HnswEfConstruct int
	// Int8 scalar quantization kept fully in RAM.
	QuantizationQuantile float64
}

// DefaultCollectionParams returns the provisioning profile for chunk storage.
func DefaultCollectionParams(vectorSize int) CollectionParams {
	return CollectionParams{
		VectorSize:           vectorSize,
		Distance:             "Cosine",
		HnswM:                32,
		HnswEfConstruct:      200,
		QuantizationQuantile: 0.99,
	}
}

// PayloadIndexes lists the payload fields indexed for filtering, with their
// Qdrant schema types. "content" carries a full-text index for keyword search.
var PayloadIndexes = map[string]string{
	"tenant":            "keyword",
	"docId":             "keyword",
	"acl":               "keyword",
	"source":            "keyword",
	"sectionPath":       "keyword",
	"lang":              "keyword",
	"url":               "keyword",
	"version":           "keyword",
	"spaceId":           "keyword",
	"isTable":           "bool",
	"orderIndex":        "integer",
	"createdAt":         "datetime",
	"modifiedAt":        "datetime",
	"content":           "text",
	"lexicalCoreTokens": "keyword",
	"lexicalPhrases":    "keyword",
	"lexicalLanguage":   "keyword",
}
