package ingest

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/groundline-ai/groundline/internal/schemas"
)

func TestFromUploadBuildsTextBlocks(t *testing.T) {
	doc, err := FromUpload(schemas.DocMeta{Tenant: "acme", DocID: "up-1"}, []UploadPart{
		{Filename: "notes.md", ContentType: "text/markdown", Data: []byte("# Notes\nbody")},
		{Filename: "plain.txt", ContentType: "text/plain; charset=utf-8", Data: []byte("plain body")},
	})
	require.NoError(t, err)
	require.Len(t, doc.Blocks, 2)
	assert.Equal(t, schemas.BlockText, doc.Blocks[0].Type)
	assert.Equal(t, "# Notes\nbody", doc.Blocks[0].Text)
	assert.Equal(t, "notes.md", doc.Meta.Source)
	assert.False(t, doc.Meta.Timestamp.IsZero())
}

func TestFromUploadRejectsBinary(t *testing.T) {
	_, err := FromUpload(schemas.DocMeta{Tenant: "acme", DocID: "up-1"}, []UploadPart{
		{Filename: "img.png", ContentType: "image/png", Data: []byte{0x89}},
	})
	var se *schemas.SchemaError
	require.ErrorAs(t, err, &se)
	assert.Contains(t, se.Fields[0], "unsupported content type")
}

func TestFromUploadAcceptsOctetStreamByExtension(t *testing.T) {
	doc, err := FromUpload(schemas.DocMeta{Tenant: "acme", DocID: "up-1"}, []UploadPart{
		{Filename: "readme.md", ContentType: "application/octet-stream", Data: []byte("content")},
	})
	require.NoError(t, err)
	require.Len(t, doc.Blocks, 1)
}

func TestFromUploadRejectsEmptyParts(t *testing.T) {
	_, err := FromUpload(schemas.DocMeta{Tenant: "acme"}, nil)
	require.Error(t, err)

	_, err = FromUpload(schemas.DocMeta{Tenant: "acme"}, []UploadPart{
		{Filename: "empty.txt", ContentType: "text/plain", Data: []byte("   ")},
	})
	require.Error(t, err)
}

func TestFromUploadKeepsExplicitSource(t *testing.T) {
	doc, err := FromUpload(schemas.DocMeta{Tenant: "acme", Source: "wiki/page"}, []UploadPart{
		{Filename: "notes.md", ContentType: "text/markdown", Data: []byte("body")},
	})
	require.NoError(t, err)
	assert.Equal(t, "wiki/page", doc.Meta.Source)
}
