// Package ingest implements the document publish pipeline: normalization
// checks, chunking with section tracking, guard validation, embedding, and
// vector store upserts, plus the non-persisting preview path.
package ingest

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/groundline-ai/groundline/internal/chunking"
	"github.com/groundline-ai/groundline/internal/db"
	"github.com/groundline-ai/groundline/internal/metrics"
	"github.com/groundline-ai/groundline/internal/schemas"
	"github.com/groundline-ai/groundline/internal/vectordb"
)

// Embedder produces vectors for chunk texts, preserving order.
type Embedder interface {
	EmbedBatch(ctx context.Context, texts []string) ([][]float32, error)
}

// VectorStore is the slice of the vector store client the pipeline needs.
type VectorStore interface {
	Upsert(ctx context.Context, points []vectordb.UpsertItem) (*vectordb.UpsertResponse, error)
	DeleteByFilter(ctx context.Context, filter map[string]interface{}) error
}

// LexicalStats feeds corpus statistics and derives lexical payload fields.
type LexicalStats interface {
	RecordDocument(ctx context.Context, tenant, text string)
	CoreTokens(ctx context.Context, tenant, text string, n int) []string
	Phrases(ctx context.Context, tenant, text string, n int) []string
}

// Auditor records publish outcomes. db.AuditLog satisfies it.
type Auditor interface {
	Record(ctx context.Context, ev db.AuditEvent)
}

const (
	coreTokensPerChunk = 10
	phrasesPerChunk    = 5
)

// Service runs the ingest pipeline.
type Service struct {
	chunker  *chunking.Chunker
	guard    *chunking.Guard
	embedder Embedder
	store    VectorStore
	stats    LexicalStats
	audit    Auditor
	log      *zap.Logger

	// Publishes of the same (tenant, docId) are serialized; concurrent
	// publishes of distinct documents proceed independently.
	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

func NewService(chunker *chunking.Chunker, guard *chunking.Guard, embedder Embedder, store VectorStore, stats LexicalStats, audit Auditor, log *zap.Logger) *Service {
	if log == nil {
		log = zap.NewNop()
	}
	return &Service{
		chunker:  chunker,
		guard:    guard,
		embedder: embedder,
		store:    store,
		stats:    stats,
		audit:    audit,
		log:      log,
		locks:    map[string]*sync.Mutex{},
	}
}

func (s *Service) lockFor(tenant, docID string) *sync.Mutex {
	key := tenant + "\x00" + docID
	s.mu.Lock()
	defer s.mu.Unlock()
	if m, ok := s.locks[key]; ok {
		return m
	}
	m := &sync.Mutex{}
	s.locks[key] = m
	return m
}

// Publish runs the full pipeline for one document. Tombstones delete every
// chunk of (tenant, docId) instead of writing.
func (s *Service) Publish(ctx context.Context, doc *schemas.NormalizedDoc) (*schemas.PublishResult, error) {
	start := time.Now()
	if err := schemas.ValidateNormalizedDoc(doc); err != nil {
		return nil, err
	}
	tenant, docID := doc.Meta.Tenant, doc.Meta.DocID

	lock := s.lockFor(tenant, docID)
	lock.Lock()
	defer lock.Unlock()

	if doc.IsTombstone() {
		return s.tombstone(ctx, doc, start)
	}

	chunks := s.chunkDoc(doc)
	kept, rejected := s.guard.Filter(chunks)
	if len(rejected) > 0 {
		s.log.Info("ingest guard rejected chunks",
			zap.String("tenant", tenant),
			zap.String("doc_id", docID),
			zap.Int("rejected", len(rejected)))
	}
	result := &schemas.PublishResult{Tenant: tenant, DocID: docID}
	if len(kept) == 0 {
		result.DurationMs = time.Since(start).Milliseconds()
		metrics.IngestDocuments.WithLabelValues(tenant, "publish", "empty").Inc()
		return result, nil
	}

	texts := make([]string, len(kept))
	for i, ch := range kept {
		texts[i] = ch.Text
	}
	vectors, err := s.embedder.EmbedBatch(ctx, texts)
	if err != nil {
		metrics.IngestDocuments.WithLabelValues(tenant, "publish", "error").Inc()
		return nil, fmt.Errorf("embed document %s: %w", docID, err)
	}
	if len(vectors) != len(kept) {
		metrics.IngestDocuments.WithLabelValues(tenant, "publish", "error").Inc()
		return nil, fmt.Errorf("embed document %s: got %d vectors for %d chunks", docID, len(vectors), len(kept))
	}

	if s.stats != nil {
		s.stats.RecordDocument(ctx, tenant, fullText(doc))
	}

	items := make([]vectordb.UpsertItem, len(kept))
	for i, ch := range kept {
		items[i] = vectordb.UpsertItem{
			ID:      ch.ID,
			Vector:  vectors[i],
			Payload: s.chunkPayload(ctx, doc, ch),
		}
	}
	if _, err := s.store.Upsert(ctx, items); err != nil {
		metrics.IngestDocuments.WithLabelValues(tenant, "publish", "error").Inc()
		return nil, fmt.Errorf("upsert document %s: %w", docID, err)
	}

	result.ChunksWritten = len(items)
	result.DurationMs = time.Since(start).Milliseconds()
	if s.audit != nil {
		s.audit.Record(ctx, db.AuditEvent{
			Tenant:        tenant,
			DocID:         docID,
			Action:        db.ActionPublish,
			ChunksWritten: result.ChunksWritten,
			DurationMs:    result.DurationMs,
		})
	}
	metrics.IngestDocuments.WithLabelValues(tenant, "publish", "ok").Inc()
	metrics.IngestDuration.WithLabelValues("publish").Observe(time.Since(start).Seconds())
	s.log.Info("document published",
		zap.String("tenant", tenant),
		zap.String("doc_id", docID),
		zap.Int("chunks", result.ChunksWritten),
		zap.Int64("duration_ms", result.DurationMs))
	return result, nil
}

func (s *Service) tombstone(ctx context.Context, doc *schemas.NormalizedDoc, start time.Time) (*schemas.PublishResult, error) {
	tenant, docID := doc.Meta.Tenant, doc.Meta.DocID
	if err := s.store.DeleteByFilter(ctx, vectordb.TenantDocFilter(tenant, docID)); err != nil {
		metrics.IngestDocuments.WithLabelValues(tenant, "tombstone", "error").Inc()
		return nil, fmt.Errorf("delete document %s: %w", docID, err)
	}
	result := &schemas.PublishResult{
		Tenant:     tenant,
		DocID:      docID,
		Tombstone:  true,
		DurationMs: time.Since(start).Milliseconds(),
	}
	if s.audit != nil {
		s.audit.Record(ctx, db.AuditEvent{
			Tenant:     tenant,
			DocID:      docID,
			Action:     db.ActionTombstone,
			DurationMs: result.DurationMs,
		})
	}
	metrics.IngestDocuments.WithLabelValues(tenant, "tombstone", "ok").Inc()
	metrics.IngestDuration.WithLabelValues("tombstone").Observe(time.Since(start).Seconds())
	s.log.Info("document tombstoned", zap.String("tenant", tenant), zap.String("doc_id", docID))
	return result, nil
}

// PublishBatch publishes each document, collecting per-document failures
// without aborting the batch.
func (s *Service) PublishBatch(ctx context.Context, docs []schemas.NormalizedDoc) []schemas.PublishResult {
	out := make([]schemas.PublishResult, 0, len(docs))
	for i := range docs {
		res, err := s.Publish(ctx, &docs[i])
		if err != nil {
			out = append(out, schemas.PublishResult{
				Tenant: docs[i].Meta.Tenant,
				DocID:  docs[i].Meta.DocID,
				Error:  err.Error(),
			})
			continue
		}
		out = append(out, *res)
	}
	return out
}

// Preview runs normalization, chunking, and PII detection without touching
// any store.
func (s *Service) Preview(ctx context.Context, doc *schemas.NormalizedDoc) (*schemas.PreviewResponse, error) {
	if err := schemas.ValidateNormalizedDoc(doc); err != nil {
		return nil, err
	}
	chunks := s.chunkDoc(doc)
	kept, rejected := s.guard.Filter(chunks)
	total := 0
	for _, ch := range kept {
		total += ch.TokenCount
	}
	findings := DetectPII(doc)
	for _, f := range findings {
		s.log.Debug("pii finding in preview",
			zap.String("tenant", doc.Meta.Tenant),
			zap.String("doc_id", doc.Meta.DocID),
			zap.String("kind", f.Kind),
			zap.String("match", redact(f.Match)))
	}
	metrics.IngestDocuments.WithLabelValues(doc.Meta.Tenant, "preview", "ok").Inc()
	return &schemas.PreviewResponse{
		Doc:         *doc,
		ChunkCount:  len(kept),
		TotalTokens: total,
		PIIFindings: findings,
		Warnings:    rejected,
	}, nil
}

// chunkDoc chunks every block, threading the heading context through the
// document and assigning document-global chunk ids and order indexes.
func (s *Service) chunkDoc(doc *schemas.NormalizedDoc) []schemas.Chunk {
	tenant, docID := doc.Meta.Tenant, doc.Meta.DocID
	tracker := &sectionTracker{}
	var out []schemas.Chunk
	offset := 0
	order := 0

	add := func(res chunking.ChunkResult, sectionPath string) {
		for _, ch := range res.Chunks {
			ch.StartIndex += offset
			ch.EndIndex += offset
			ch.SectionPath = sectionPath
			ch.ID = schemas.ChunkID(tenant, docID, sectionPath, ch.StartIndex)
			ch.Metadata.OrderIndex = order
			order++
			out = append(out, ch)
		}
	}

	for _, b := range doc.Blocks {
		switch b.Type {
		case schemas.BlockText:
			for _, seg := range tracker.splitSections(b.Text) {
				res := s.chunker.Chunk(seg.text, tenant, docID, seg.path)
				add(res, seg.path)
				offset += len(seg.text) + 1
			}
		case schemas.BlockTable:
			res := s.chunker.ChunkTable(b.Text, tenant, docID, tracker.path())
			add(res, tracker.path())
			offset += len(b.Text) + 1
		case schemas.BlockCode:
			// Code never carries headings; chunk it whole under the current
			// section.
			res := s.chunker.Chunk(b.Text, tenant, docID, tracker.path())
			add(res, tracker.path())
			offset += len(b.Text) + 1
		case schemas.BlockImageRef:
			// Nothing embeddable.
		}
	}
	return out
}

// chunkPayload builds the full vector store payload for one chunk.
func (s *Service) chunkPayload(ctx context.Context, doc *schemas.NormalizedDoc, ch schemas.Chunk) map[string]interface{} {
	meta := doc.Meta
	payload := map[string]interface{}{
		"tenant":      meta.Tenant,
		"docId":       meta.DocID,
		"content":     ch.Text,
		"source":      meta.Source,
		"acl":         meta.ACL,
		"sectionPath": ch.SectionPath,
		"isTable":     ch.Metadata.IsTable,
		"orderIndex":  ch.Metadata.OrderIndex,
		"createdAt":   meta.Timestamp.UTC().Format(time.RFC3339),
	}
	if !meta.ModifiedAt.IsZero() {
		payload["modifiedAt"] = meta.ModifiedAt.UTC().Format(time.RFC3339)
	}
	for key, val := range map[string]string{
		"lang":    meta.Lang,
		"url":     meta.URL,
		"version": meta.Version,
		"spaceId": meta.SpaceID,
	} {
		if val != "" {
			payload[key] = val
		}
	}
	if s.stats != nil {
		if tokens := s.stats.CoreTokens(ctx, meta.Tenant, ch.Text, coreTokensPerChunk); len(tokens) > 0 {
			payload["lexicalCoreTokens"] = tokens
		}
		if phrases := s.stats.Phrases(ctx, meta.Tenant, ch.Text, phrasesPerChunk); len(phrases) > 0 {
			payload["lexicalPhrases"] = phrases
		}
		if meta.Lang != "" {
			payload["lexicalLanguage"] = meta.Lang
		}
	}
	return payload
}

// fullText concatenates the embeddable block bodies for corpus statistics.
func fullText(doc *schemas.NormalizedDoc) string {
	var b strings.Builder
	for _, blk := range doc.Blocks {
		if blk.Text == "" {
			continue
		}
		if b.Len() > 0 {
			b.WriteString("\n")
		}
		b.WriteString(blk.Text)
	}
	return b.String()
}
