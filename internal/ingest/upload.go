package ingest

import (
	"fmt"
	"mime"
	"path/filepath"
	"strings"
	"time"

	"github.com/groundline-ai/groundline/internal/schemas"
)

// UploadPart is one file from a multipart upload.
type UploadPart struct {
	Filename    string
	ContentType string
	Data        []byte
}

// FromUpload converts text and markdown upload parts into a NormalizedDoc
// with one text block per part. Binary formats are rejected; conversion is
// out of scope.
func FromUpload(meta schemas.DocMeta, parts []UploadPart) (*schemas.NormalizedDoc, error) {
	if len(parts) == 0 {
		return nil, &schemas.SchemaError{Fields: []string{"(upload: no files)"}}
	}
	var fields []string
	doc := &schemas.NormalizedDoc{Meta: meta}
	if doc.Meta.Timestamp.IsZero() {
		doc.Meta.Timestamp = time.Now().UTC()
	}
	for i, p := range parts {
		if !isTextUpload(p) {
			fields = append(fields, fmt.Sprintf("files[%d]: unsupported content type %q", i, p.ContentType))
			continue
		}
		text := strings.TrimSpace(string(p.Data))
		if text == "" {
			fields = append(fields, fmt.Sprintf("files[%d]: empty", i))
			continue
		}
		doc.Blocks = append(doc.Blocks, schemas.Block{Type: schemas.BlockText, Text: text})
	}
	if len(fields) > 0 {
		return nil, &schemas.SchemaError{Fields: fields}
	}
	if doc.Meta.Source == "" {
		doc.Meta.Source = parts[0].Filename
	}
	return doc, nil
}

func isTextUpload(p UploadPart) bool {
	ct := p.ContentType
	if ct != "" {
		if parsed, _, err := mime.ParseMediaType(ct); err == nil {
			ct = parsed
		}
		switch ct {
		case "text/plain", "text/markdown", "text/x-markdown":
			return true
		case "application/octet-stream":
			// Fall through to the extension check.
		default:
			return false
		}
	}
	switch strings.ToLower(filepath.Ext(p.Filename)) {
	case ".txt", ".md", ".markdown":
		return true
	}
	return false
}
