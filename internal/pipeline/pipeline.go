// Package pipeline composes the query path: retrieval, optional rerank,
// answerability guardrail, context packing, and synthesis.
package pipeline

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/groundline-ai/groundline/internal/guardrail"
	"github.com/groundline-ai/groundline/internal/metrics"
	"github.com/groundline-ai/groundline/internal/packer"
	"github.com/groundline-ai/groundline/internal/reranker"
	"github.com/groundline-ai/groundline/internal/schemas"
	"github.com/groundline-ai/groundline/internal/synthesis"
)

// Retriever is the retrieval entry point the pipeline depends on.
type Retriever interface {
	Retrieve(ctx context.Context, query string, userCtx schemas.UserContext) ([]schemas.RetrievedResult, error)
}

// Synthesizer produces the final answer from packed context.
type Synthesizer interface {
	Synthesize(ctx context.Context, req synthesis.Request) (*schemas.AskResponse, error)
	SynthesizeStream(ctx context.Context, req synthesis.Request) (<-chan synthesis.Event, error)
}

// AskResult is the outcome of one query: either an answer or a structured
// refusal, never both.
type AskResult struct {
	Response  *schemas.AskResponse
	Idk       *schemas.IdkResponse
	Guardrail schemas.GuardrailDecision
}

// Service wires the query stages together. The reranker is optional and its
// failures are non-fatal: fused order stands when the cross-encoder is down.
type Service struct {
	retriever Retriever
	reranker  reranker.Reranker
	guard     *guardrail.Engine
	packer    *packer.Packer
	synth     Synthesizer
	log       *zap.Logger
}

func NewService(r Retriever, rr reranker.Reranker, guard *guardrail.Engine, pk *packer.Packer, synth Synthesizer, log *zap.Logger) *Service {
	if log == nil {
		log = zap.NewNop()
	}
	return &Service{retriever: r, reranker: rr, guard: guard, packer: pk, synth: synth, log: log}
}

// Ask answers one query synchronously.
func (s *Service) Ask(ctx context.Context, req schemas.AskRequest, userCtx schemas.UserContext) (*AskResult, error) {
	start := time.Now()
	docs, decision, err := s.prepare(ctx, req, userCtx)
	if err != nil {
		metrics.QueriesTotal.WithLabelValues(userCtx.TenantID, "error").Inc()
		return nil, err
	}
	if !decision.IsAnswerable {
		idk := guardrail.BuildIdkResponse(decision)
		metrics.QueriesTotal.WithLabelValues(userCtx.TenantID, "idk").Inc()
		metrics.QueryDuration.WithLabelValues(userCtx.TenantID, "false").Observe(time.Since(start).Seconds())
		return &AskResult{Idk: &idk, Guardrail: decision}, nil
	}

	packed := s.packer.Pack(req.Query, docs)
	resp, err := s.synth.Synthesize(ctx, s.synthRequest(req, userCtx, packed, decision))
	if err != nil {
		metrics.QueriesTotal.WithLabelValues(userCtx.TenantID, "error").Inc()
		return nil, err
	}
	metrics.QueriesTotal.WithLabelValues(userCtx.TenantID, "answered").Inc()
	metrics.QueryDuration.WithLabelValues(userCtx.TenantID, "false").Observe(time.Since(start).Seconds())
	return &AskResult{Response: resp, Guardrail: decision}, nil
}

// AskStream answers one query as a synthesis event stream. A guardrail
// refusal still produces a well-formed stream: connection_opened, a
// response_completed carrying the refusal, then done.
func (s *Service) AskStream(ctx context.Context, req schemas.AskRequest, userCtx schemas.UserContext) (<-chan synthesis.Event, error) {
	start := time.Now()
	docs, decision, err := s.prepare(ctx, req, userCtx)
	if err != nil {
		metrics.QueriesTotal.WithLabelValues(userCtx.TenantID, "error").Inc()
		return nil, err
	}
	if !decision.IsAnswerable {
		metrics.QueriesTotal.WithLabelValues(userCtx.TenantID, "idk").Inc()
		metrics.QueryDuration.WithLabelValues(userCtx.TenantID, "true").Observe(time.Since(start).Seconds())
		return s.idkStream(decision), nil
	}

	packed := s.packer.Pack(req.Query, docs)
	stream, err := s.synth.SynthesizeStream(ctx, s.synthRequest(req, userCtx, packed, decision))
	if err != nil {
		metrics.QueriesTotal.WithLabelValues(userCtx.TenantID, "error").Inc()
		return nil, err
	}
	metrics.QueriesTotal.WithLabelValues(userCtx.TenantID, "answered").Inc()
	metrics.QueryDuration.WithLabelValues(userCtx.TenantID, "true").Observe(time.Since(start).Seconds())
	return stream, nil
}

// prepare runs validation, retrieval, rerank, and the guardrail.
func (s *Service) prepare(ctx context.Context, req schemas.AskRequest, userCtx schemas.UserContext) ([]schemas.RetrievedResult, schemas.GuardrailDecision, error) {
	if err := schemas.ValidateAskRequest(&req); err != nil {
		return nil, schemas.GuardrailDecision{}, err
	}
	if err := schemas.ValidateUserContext(userCtx); err != nil {
		return nil, schemas.GuardrailDecision{}, err
	}

	docs, err := s.retriever.Retrieve(ctx, req.Query, userCtx)
	if err != nil {
		return nil, schemas.GuardrailDecision{}, err
	}

	if s.reranker != nil && len(docs) > 0 {
		topK := req.TopK
		if topK <= 0 {
			topK = len(docs)
		}
		reranked, err := s.reranker.Rerank(ctx, req.Query, docs, topK)
		if err != nil {
			s.log.Warn("reranker unavailable, keeping fused order",
				zap.String("tenant", userCtx.TenantID), zap.Error(err))
		} else {
			docs = reranked
		}
	}

	decision := s.guard.Evaluate(req.Query, docs, userCtx)
	return docs, decision, nil
}

func (s *Service) synthRequest(req schemas.AskRequest, userCtx schemas.UserContext, packed packer.Result, decision schemas.GuardrailDecision) synthesis.Request {
	includeCitations := true
	if req.IncludeCitations != nil {
		includeCitations = *req.IncludeCitations
	}
	return synthesis.Request{
		Query:            req.Query,
		Documents:        packed.Chunks,
		UserContext:      userCtx,
		IncludeCitations: includeCitations,
		AnswerFormat:     req.AnswerFormat,
		MaxTokens:        req.MaxTokens,
		ContextTruncated: packed.Truncated,
		Guardrail:        &decision,
	}
}

func (s *Service) idkStream(decision schemas.GuardrailDecision) <-chan synthesis.Event {
	idk := guardrail.BuildIdkResponse(decision)
	out := make(chan synthesis.Event, 4)
	out <- synthesis.Event{Type: synthesis.EventConnectionOpened}
	out <- synthesis.Event{Type: synthesis.EventResponseCompleted, Completed: &synthesis.CompletedPayload{
		Answer:      idk.Message,
		Guardrail:   &decision,
		IsIDontKnow: true,
		Confidence:  decision.Confidence,
	}}
	out <- synthesis.Event{Type: synthesis.EventDone}
	close(out)
	return out
}
