// Package synthesis turns packed retrieval context into a grounded,
// citation-annotated answer, either as a single response or as a typed
// event stream consumed by the SSE and WebSocket transports.
package synthesis

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sort"
	"time"

	"go.uber.org/zap"

	"github.com/groundline-ai/groundline/internal/llm"
	"github.com/groundline-ai/groundline/internal/schemas"
)

// Request is one synthesis invocation.
type Request struct {
	Query            string
	Documents        []schemas.RetrievedResult
	UserContext      schemas.UserContext
	IncludeCitations bool
	AnswerFormat     schemas.AnswerFormat
	MaxTokens        int
	ContextTruncated bool
	Guardrail        *schemas.GuardrailDecision
}

// Config tunes the orchestrator.
type Config struct {
	// MaxContextTokens caps the document text handed to the model.
	MaxContextTokens int
	StreamTimeout    time.Duration
}

// Orchestrator drives synthesis against the per-tenant LLM factory.
type Orchestrator struct {
	factory *llm.Factory
	cfg     Config
	log     *zap.Logger
}

func New(factory *llm.Factory, cfg Config, log *zap.Logger) *Orchestrator {
	if cfg.MaxContextTokens <= 0 {
		cfg.MaxContextTokens = 8000
	}
	if cfg.StreamTimeout <= 0 {
		cfg.StreamTimeout = 2 * time.Minute
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &Orchestrator{factory: factory, cfg: cfg, log: log}
}

// prepare validates, orders, and truncates the documents, returning the
// final set, the citation map, and whether truncation occurred.
func (o *Orchestrator) prepare(req *Request) ([]schemas.RetrievedResult, map[int]schemas.Citation, error) {
	if len(req.Documents) == 0 {
		return nil, nil, schemas.ErrNoDocuments
	}
	if err := schemas.ValidateUserContext(req.UserContext); err != nil {
		return nil, nil, err
	}

	docs := make([]schemas.RetrievedResult, len(req.Documents))
	copy(docs, req.Documents)
	sort.SliceStable(docs, func(i, j int) bool { return docs[i].FusionScore > docs[j].FusionScore })

	total := 0
	kept := docs[:0]
	for _, d := range docs {
		t := estimateTokens(d.Content)
		if total+t > o.cfg.MaxContextTokens {
			req.ContextTruncated = true
			continue
		}
		total += t
		kept = append(kept, d)
	}
	if len(kept) == 0 {
		return nil, nil, schemas.ErrNoDocuments
	}
	return kept, BuildCitationMap(kept), nil
}

// Synthesize produces a complete answer in one call.
func (o *Orchestrator) Synthesize(ctx context.Context, req Request) (*schemas.AskResponse, error) {
	start := time.Now()
	docs, citations, err := o.prepare(&req)
	if err != nil {
		return nil, err
	}

	client, err := o.factory.ForTenant(req.UserContext.TenantID)
	if err != nil {
		return nil, err
	}
	resp, err := client.Complete(ctx, llm.CompletionRequest{
		System:    buildSystemPrompt(req, citations),
		Prompt:    buildUserPrompt(req.Query, docs, citations),
		MaxTokens: req.MaxTokens,
	})
	if err != nil {
		return nil, err
	}

	answer, usedCitations, err := o.postProcess(resp.Text, citations, req)
	if err != nil {
		return nil, err
	}
	return &schemas.AskResponse{
		Answer:           answer,
		Citations:        citationsByNumber(usedCitations),
		Guardrail:        guardrailOrDefault(req.Guardrail),
		TokensUsed:       resp.TokensUsed,
		ModelUsed:        resp.Model,
		Confidence:       computeConfidence(docs),
		ContextTruncated: req.ContextTruncated,
		SynthesisTimeMs:  time.Since(start).Milliseconds(),
	}, nil
}

// SynthesizeStream runs synthesis as a producer goroutine writing typed
// events to a bounded channel. Event ordering: connection_opened first,
// chunk events strictly before response_completed, citations before
// response_completed, done always last.
func (o *Orchestrator) SynthesizeStream(ctx context.Context, req Request) (<-chan Event, error) {
	docs, citations, err := o.prepare(&req)
	if err != nil {
		return nil, err
	}
	client, err := o.factory.ForTenant(req.UserContext.TenantID)
	if err != nil {
		return nil, err
	}

	out := make(chan Event, 32)
	go func() {
		defer close(out)
		defer func() { out <- Event{Type: EventDone} }()

		ctx, cancel := context.WithTimeout(ctx, o.cfg.StreamTimeout)
		defer cancel()

		out <- Event{Type: EventConnectionOpened}
		out <- Event{Type: EventCitations, Citations: citations}

		stream, err := client.Stream(ctx, llm.CompletionRequest{
			System:    buildSystemPrompt(req, citations),
			Prompt:    buildUserPrompt(req.Query, docs, citations),
			MaxTokens: req.MaxTokens,
		})
		if err != nil {
			out <- Event{Type: EventError, Error: errorPayload(err)}
			return
		}

		var accumulated string
		var tokensUsed int
		for ev := range stream {
			if ev.Err != nil {
				out <- Event{Type: EventError, Error: errorPayload(ev.Err)}
				return
			}
			if ev.Done {
				tokensUsed = ev.TokensUsed
				break
			}
			accumulated += ev.Text
			out <- Event{Type: EventChunk, Chunk: &ChunkPayload{Text: ev.Text, Accumulated: accumulated}}
		}

		answer, usedCitations, err := o.postProcess(accumulated, citations, req)
		if err != nil {
			out <- Event{Type: EventError, Error: errorPayload(err)}
			return
		}
		out <- Event{Type: EventMetadata, Metadata: &MetadataPayload{
			FreshnessStats: FreshnessStats(citations),
			TokensUsed:     tokensUsed,
			ModelUsed:      client.Model(),
		}}
		out <- Event{Type: EventResponseCompleted, Completed: &CompletedPayload{
			Answer:      answer,
			Citations:   citationsByNumber(usedCitations),
			Guardrail:   req.Guardrail,
			IsIDontKnow: false,
			Confidence:  computeConfidence(docs),
			TokensUsed:  tokensUsed,
			ModelUsed:   client.Model(),
		}}
	}()
	return out, nil
}

// postProcess standardizes markers, strips them in plain mode, and fails
// closed if an unknown marker survives.
func (o *Orchestrator) postProcess(text string, citations map[int]schemas.Citation, req Request) (string, []schemas.Citation, error) {
	answer := FormatTextWithCitations(text, citations)
	if req.AnswerFormat == schemas.FormatPlain || !req.IncludeCitations {
		return StripCitations(answer), nil, nil
	}
	if err := ValidateCitations(answer, citations); err != nil {
		return "", nil, err
	}
	var used []schemas.Citation
	for _, n := range CitedNumbers(answer) {
		used = append(used, citations[n])
	}
	return answer, used, nil
}

// computeConfidence blends retrieval strength and document quality.
func computeConfidence(docs []schemas.RetrievedResult) float64 {
	if len(docs) == 0 {
		return 0
	}
	var scoreSum, quality float64
	for _, d := range docs {
		s := d.Score
		if s > 1 {
			s = 1
		}
		if s < 0 {
			s = 0
		}
		scoreSum += s
		if len(d.Content) >= 200 {
			quality++
		}
	}
	mean := scoreSum / float64(len(docs))
	qualityRatio := quality / float64(len(docs))
	return 0.7*mean + 0.3*qualityRatio
}

func estimateTokens(text string) int {
	return int(math.Ceil(float64(len(text)) / 4))
}

func citationsByNumber(citations []schemas.Citation) map[int]schemas.Citation {
	out := make(map[int]schemas.Citation, len(citations))
	for _, c := range citations {
		out[c.Number] = c
	}
	return out
}

func guardrailOrDefault(g *schemas.GuardrailDecision) schemas.GuardrailDecision {
	if g != nil {
		return *g
	}
	return schemas.GuardrailDecision{IsAnswerable: true, Confidence: 1}
}

func errorPayload(err error) *ErrorPayload {
	kind := ""
	switch {
	case errors.Is(err, context.DeadlineExceeded):
		kind = "Timeout"
	case errors.Is(err, schemas.ErrNoDocuments):
		kind = "NoDocuments"
	}
	var ice *schemas.InvalidCitationsError
	if errors.As(err, &ice) {
		kind = "InvalidCitations"
	}
	return &ErrorPayload{Message: fmt.Sprintf("%v", err), Kind: kind}
}
