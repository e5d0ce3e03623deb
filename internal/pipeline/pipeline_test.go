package pipeline

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/groundline-ai/groundline/internal/guardrail"
	"github.com/groundline-ai/groundline/internal/packer"
	"github.com/groundline-ai/groundline/internal/schemas"
	"github.com/groundline-ai/groundline/internal/synthesis"
)

type stubRetriever struct {
	results []schemas.RetrievedResult
	err     error
}

func (s *stubRetriever) Retrieve(_ context.Context, _ string, _ schemas.UserContext) ([]schemas.RetrievedResult, error) {
	return s.results, s.err
}

type stubSynth struct {
	req       synthesis.Request
	resp      *schemas.AskResponse
	err       error
	streamed  bool
	streamReq synthesis.Request
}

func (s *stubSynth) Synthesize(_ context.Context, req synthesis.Request) (*schemas.AskResponse, error) {
	s.req = req
	return s.resp, s.err
}

func (s *stubSynth) SynthesizeStream(_ context.Context, req synthesis.Request) (<-chan synthesis.Event, error) {
	s.streamed = true
	s.streamReq = req
	if s.err != nil {
		return nil, s.err
	}
	out := make(chan synthesis.Event, 4)
	out <- synthesis.Event{Type: synthesis.EventConnectionOpened}
	out <- synthesis.Event{Type: synthesis.EventDone}
	close(out)
	return out, nil
}

type failingReranker struct{}

func (failingReranker) Rerank(_ context.Context, _ string, _ []schemas.RetrievedResult, _ int) ([]schemas.RetrievedResult, error) {
	return nil, assert.AnError
}

func strongResults() []schemas.RetrievedResult {
	return []schemas.RetrievedResult{
		{ID: "c1", Content: "alpha", Score: 0.85, FusionScore: 0.85},
		{ID: "c2", Content: "beta", Score: 0.80, FusionScore: 0.80},
		{ID: "c3", Content: "gamma", Score: 0.82, FusionScore: 0.82},
	}
}

func fixture(t *testing.T, r Retriever, synth Synthesizer) *Service {
	t.Helper()
	store, err := guardrail.NewConfigStore("", nil)
	require.NoError(t, err)
	engine := guardrail.NewEngine(store, nil)
	pk := packer.New(packer.DefaultConfig(), nil)
	return NewService(r, nil, engine, pk, synth, nil)
}

func askRequest() schemas.AskRequest {
	return schemas.AskRequest{Query: "how do refunds work?"}
}

func user() schemas.UserContext {
	return schemas.UserContext{ID: "u1", TenantID: "acme"}
}

func TestAskAnswersWhenGuardrailPasses(t *testing.T) {
	synth := &stubSynth{resp: &schemas.AskResponse{Answer: "answer"}}
	s := fixture(t, &stubRetriever{results: strongResults()}, synth)

	res, err := s.Ask(context.Background(), askRequest(), user())
	require.NoError(t, err)
	require.NotNil(t, res.Response)
	assert.Nil(t, res.Idk)
	assert.True(t, res.Guardrail.IsAnswerable)

	// The synthesis request carries the guardrail verdict and packed docs.
	require.NotNil(t, synth.req.Guardrail)
	assert.True(t, synth.req.IncludeCitations)
	assert.NotEmpty(t, synth.req.Documents)
}

func TestAskReturnsIdkWhenGuardrailBlocks(t *testing.T) {
	synth := &stubSynth{}
	s := fixture(t, &stubRetriever{results: nil}, synth)

	res, err := s.Ask(context.Background(), askRequest(), user())
	require.NoError(t, err)
	assert.Nil(t, res.Response)
	require.NotNil(t, res.Idk)
	assert.Equal(t, schemas.ReasonNoRelevantDocs, res.Idk.ReasonCode)
	assert.NotEmpty(t, res.Idk.Suggestions)
	assert.Nil(t, synth.req.Guardrail, "synthesis must not run on refusal")
}

func TestAskRejectsInvalidRequest(t *testing.T) {
	s := fixture(t, &stubRetriever{}, &stubSynth{})
	_, err := s.Ask(context.Background(), schemas.AskRequest{Query: "  "}, user())
	var se *schemas.SchemaError
	assert.ErrorAs(t, err, &se)
}

func TestAskRejectsInvalidUserContext(t *testing.T) {
	s := fixture(t, &stubRetriever{}, &stubSynth{})
	_, err := s.Ask(context.Background(), askRequest(), schemas.UserContext{})
	assert.ErrorIs(t, err, schemas.ErrInvalidUserContext)
}

func TestAskPropagatesRetrievalError(t *testing.T) {
	s := fixture(t, &stubRetriever{err: assert.AnError}, &stubSynth{})
	_, err := s.Ask(context.Background(), askRequest(), user())
	assert.ErrorIs(t, err, assert.AnError)
}

func TestRerankerFailureIsNonFatal(t *testing.T) {
	synth := &stubSynth{resp: &schemas.AskResponse{Answer: "answer"}}
	store, err := guardrail.NewConfigStore("", nil)
	require.NoError(t, err)
	s := NewService(
		&stubRetriever{results: strongResults()},
		failingReranker{},
		guardrail.NewEngine(store, nil),
		packer.New(packer.DefaultConfig(), nil),
		synth,
		nil,
	)

	res, err := s.Ask(context.Background(), askRequest(), user())
	require.NoError(t, err)
	require.NotNil(t, res.Response)
}

func TestAskStreamEmitsRefusalStream(t *testing.T) {
	synth := &stubSynth{}
	s := fixture(t, &stubRetriever{results: nil}, synth)

	stream, err := s.AskStream(context.Background(), askRequest(), user())
	require.NoError(t, err)

	var types []synthesis.EventType
	var completed *synthesis.CompletedPayload
	for ev := range stream {
		types = append(types, ev.Type)
		if ev.Type == synthesis.EventResponseCompleted {
			completed = ev.Completed
		}
	}
	assert.Equal(t, []synthesis.EventType{
		synthesis.EventConnectionOpened,
		synthesis.EventResponseCompleted,
		synthesis.EventDone,
	}, types)
	require.NotNil(t, completed)
	assert.True(t, completed.IsIDontKnow)
	assert.False(t, synth.streamed)
}

func TestAskStreamDelegatesWhenAnswerable(t *testing.T) {
	synth := &stubSynth{}
	s := fixture(t, &stubRetriever{results: strongResults()}, synth)

	stream, err := s.AskStream(context.Background(), askRequest(), user())
	require.NoError(t, err)
	for range stream {
	}
	assert.True(t, synth.streamed)
	assert.True(t, synth.streamReq.IncludeCitations)
}

func TestIncludeCitationsOverride(t *testing.T) {
	synth := &stubSynth{resp: &schemas.AskResponse{Answer: "answer"}}
	s := fixture(t, &stubRetriever{results: strongResults()}, synth)

	off := false
	req := askRequest()
	req.IncludeCitations = &off
	_, err := s.Ask(context.Background(), req, user())
	require.NoError(t, err)
	assert.False(t, synth.req.IncludeCitations)
}
