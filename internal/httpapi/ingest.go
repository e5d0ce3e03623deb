package httpapi

import (
	"encoding/json"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/groundline-ai/groundline/internal/ingest"
	"github.com/groundline-ai/groundline/internal/schemas"
)

// maxIngestBody bounds a single ingest request.
const maxIngestBody = 32 << 20 // 32 MiB

// handlePreview serves POST /ingest/preview: normalized form plus PII
// findings, nothing persisted.
func (s *Server) handlePreview(w http.ResponseWriter, r *http.Request) {
	doc, err := decodeDoc(r)
	if err != nil {
		writeError(w, err)
		return
	}
	resp, err := s.ingest.Preview(r.Context(), doc)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

// handlePublish serves POST /ingest/publish. The body is either one
// NormalizedDoc or a JSON array of them; per-document failures never abort
// the batch.
func (s *Server) handlePublish(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxIngestBody))
	if err != nil {
		writeError(w, schemas.ErrPayloadTooLarge)
		return
	}

	var docs []schemas.NormalizedDoc
	if err := json.Unmarshal(body, &docs); err != nil {
		var single schemas.NormalizedDoc
		if err := json.Unmarshal(body, &single); err != nil {
			writeError(w, &schemas.SchemaError{Fields: []string{"(body)"}})
			return
		}
		docs = []schemas.NormalizedDoc{single}
	}
	if len(docs) == 0 {
		writeError(w, &schemas.SchemaError{Fields: []string{"(body: empty batch)"}})
		return
	}

	results := s.ingest.PublishBatch(r.Context(), docs)
	writeJSON(w, http.StatusOK, map[string]interface{}{"results": results})
}

// handleUpload serves POST /ingest/upload: multipart text or markdown
// files converted to a NormalizedDoc, then preview semantics.
func (s *Server) handleUpload(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseMultipartForm(maxIngestBody); err != nil {
		writeError(w, schemas.ErrPayloadTooLarge)
		return
	}
	meta := schemas.DocMeta{
		Tenant:    r.FormValue("tenant"),
		DocID:     r.FormValue("docId"),
		Source:    r.FormValue("source"),
		Timestamp: time.Now().UTC(),
	}
	if acl := r.FormValue("acl"); acl != "" {
		meta.ACL = splitCSV(acl)
	}

	var parts []ingest.UploadPart
	for _, headers := range r.MultipartForm.File {
		for _, fh := range headers {
			f, err := fh.Open()
			if err != nil {
				writeError(w, &schemas.SchemaError{Fields: []string{"files"}})
				return
			}
			data, err := io.ReadAll(f)
			f.Close()
			if err != nil {
				writeError(w, &schemas.SchemaError{Fields: []string{"files"}})
				return
			}
			parts = append(parts, ingest.UploadPart{
				Filename:    fh.Filename,
				ContentType: fh.Header.Get("Content-Type"),
				Data:        data,
			})
		}
	}

	doc, err := ingest.FromUpload(meta, parts)
	if err != nil {
		writeError(w, err)
		return
	}
	resp, err := s.ingest.Preview(r.Context(), doc)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

func decodeDoc(r *http.Request) (*schemas.NormalizedDoc, error) {
	var doc schemas.NormalizedDoc
	if err := json.NewDecoder(io.LimitReader(r.Body, maxIngestBody)).Decode(&doc); err != nil {
		return nil, &schemas.SchemaError{Fields: []string{"(body)"}}
	}
	return &doc, nil
}

func splitCSV(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
