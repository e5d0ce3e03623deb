package vectordb

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/groundline-ai/groundline/internal/schemas"
)

func TestAdaptiveEf(t *testing.T) {
	c := New(Config{EfBase: 128, EfMin: 64, EfMax: 512}, nil)

	// Zero-word query stays at base.
	assert.Equal(t, 128, c.AdaptiveEf(0))
	// 5 words: 128 * 1.5 = 192.
	assert.Equal(t, 192, c.AdaptiveEf(5))
	// 10+ words cap the scale at 2x.
	assert.Equal(t, 256, c.AdaptiveEf(10))
	assert.Equal(t, 256, c.AdaptiveEf(100))
}

func TestAdaptiveEfClamps(t *testing.T) {
	c := New(Config{EfBase: 40, EfMin: 64, EfMax: 70}, nil)
	assert.Equal(t, 64, c.AdaptiveEf(0), "below min clamps up")
	assert.Equal(t, 70, c.AdaptiveEf(100), "above max clamps down")
}

func TestACLFilterShape(t *testing.T) {
	f := ACLFilter(schemas.UserContext{ID: "u1", TenantID: "acme", GroupIDs: []string{"eng", "ops"}})
	must, ok := f["must"].([]map[string]interface{})
	require.True(t, ok)
	require.Len(t, must, 2)

	assert.Equal(t, "tenant", must[0]["key"])
	assert.Equal(t, map[string]interface{}{"value": "acme"}, must[0]["match"])

	assert.Equal(t, "acl", must[1]["key"])
	assert.Equal(t, map[string]interface{}{"any": []string{"u1", "eng", "ops"}}, must[1]["match"])
}

func TestTenantDocFilter(t *testing.T) {
	f := TenantDocFilter("acme", "doc-9")
	must := f["must"].([]map[string]interface{})
	require.Len(t, must, 2)
	assert.Equal(t, "docId", must[1]["key"])
}

func TestWithTextMatchAppends(t *testing.T) {
	base := ACLFilter(schemas.UserContext{ID: "u1", TenantID: "acme"})
	f := WithTextMatch(base, "reset password")
	must := f["must"].([]map[string]interface{})
	require.Len(t, must, 3)
	assert.Equal(t, "content", must[2]["key"])
	assert.Equal(t, map[string]interface{}{"text": "reset password"}, must[2]["match"])
	// Original filter is untouched.
	assert.Len(t, base["must"].([]map[string]interface{}), 2)
}

func TestSearchSendsFilterAndEf(t *testing.T) {
	var got qdrantQueryRequest
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/collections/chunks/points/query", r.URL.Path)
		require.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		json.NewEncoder(w).Encode(map[string]interface{}{
			"result": map[string]interface{}{
				"points": []map[string]interface{}{
					{"id": "p1", "score": 0.92, "payload": map[string]interface{}{"content": "hello"}},
				},
			},
			"status": "ok",
		})
	}))
	defer srv.Close()

	c := New(Config{URL: srv.URL, Collection: "chunks"}, nil)
	filter := ACLFilter(schemas.UserContext{ID: "u1", TenantID: "acme"})
	pts, err := c.Search(context.Background(), []float32{0.1, 0.2}, 10, 0.25, filter, 192)
	require.NoError(t, err)
	require.Len(t, pts, 1)
	assert.Equal(t, "p1", pts[0].ID)
	assert.InDelta(t, 0.92, pts[0].Score, 1e-9)
	assert.Equal(t, "hello", pts[0].Payload["content"])

	assert.Equal(t, 10, got.Limit)
	require.NotNil(t, got.ScoreThreshold)
	assert.InDelta(t, 0.25, *got.ScoreThreshold, 1e-9)
	assert.Equal(t, map[string]interface{}{"hnsw_ef": float64(192)}, got.Params)
	assert.NotNil(t, got.Filter)
}

func TestSearchFallsBackToLegacyEndpoint(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/collections/chunks/points/query":
			w.WriteHeader(http.StatusNotFound)
		case "/collections/chunks/points/search":
			json.NewEncoder(w).Encode(map[string]interface{}{
				"result": []map[string]interface{}{
					{"id": 7, "score": 0.5, "payload": map[string]interface{}{}},
				},
				"status": "ok",
			})
		default:
			t.Errorf("unexpected path %s", r.URL.Path)
		}
	}))
	defer srv.Close()

	c := New(Config{URL: srv.URL, Collection: "chunks"}, nil)
	pts, err := c.Search(context.Background(), []float32{1}, 5, 0, nil, 0)
	require.NoError(t, err)
	require.Len(t, pts, 1)
	assert.Equal(t, "7", pts[0].ID, "numeric ids stringify")
}

func TestDeleteByFilter(t *testing.T) {
	var gotFilter map[string]interface{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/collections/chunks/points/delete", r.URL.Path)
		var body map[string]interface{}
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		gotFilter, _ = body["filter"].(map[string]interface{})
		json.NewEncoder(w).Encode(map[string]interface{}{"status": "ok"})
	}))
	defer srv.Close()

	c := New(Config{URL: srv.URL, Collection: "chunks"}, nil)
	err := c.DeleteByFilter(context.Background(), TenantDocFilter("acme", "d1"))
	require.NoError(t, err)
	require.NotNil(t, gotFilter)
	assert.Len(t, gotFilter["must"], 2)
}

func TestEnsureCollectionSkipsExisting(t *testing.T) {
	created := false
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodGet {
			w.WriteHeader(http.StatusOK)
			return
		}
		created = true
	}))
	defer srv.Close()

	c := New(Config{URL: srv.URL, Collection: "chunks"}, nil)
	require.NoError(t, c.EnsureCollection(context.Background(), DefaultCollectionParams(1024)))
	assert.False(t, created)
}

func TestEnsureCollectionCreatesWithProfile(t *testing.T) {
	var body map[string]interface{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodGet {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		require.Equal(t, http.MethodPut, r.Method)
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	c := New(Config{URL: srv.URL, Collection: "chunks"}, nil)
	require.NoError(t, c.EnsureCollection(context.Background(), DefaultCollectionParams(1024)))

	vectors := body["vectors"].(map[string]interface{})
	assert.Equal(t, float64(1024), vectors["size"])
	assert.Equal(t, "Cosine", vectors["distance"])
	hnsw := body["hnsw_config"].(map[string]interface{})
	assert.Equal(t, float64(32), hnsw["m"])
	assert.Equal(t, float64(200), hnsw["ef_construct"])
	quant := body["quantization_config"].(map[string]interface{})["scalar"].(map[string]interface{})
	assert.Equal(t, "int8", quant["type"])
	assert.Equal(t, true, quant["always_ram"])
}

func TestEnsurePayloadIndexesCoversFilterFields(t *testing.T) {
	indexed := map[string]interface{}{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, http.MethodPut, r.Method)
		var body map[string]interface{}
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		indexed[body["field_name"].(string)] = body["field_schema"]
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	c := New(Config{URL: srv.URL, Collection: "chunks"}, nil)
	require.NoError(t, c.EnsurePayloadIndexes(context.Background()))

	for _, field := range []string{
		"tenant", "docId", "acl", "lang", "createdAt", "modifiedAt",
		"url", "version", "spaceId", "content",
		"lexicalCoreTokens", "lexicalPhrases", "lexicalLanguage",
	} {
		assert.Contains(t, indexed, field)
	}
	assert.Equal(t, "keyword", indexed["lang"])
	assert.Equal(t, "datetime", indexed["createdAt"])
	text := indexed["content"].(map[string]interface{})
	assert.Equal(t, "text", text["type"])
}

func TestScrollPagination(t *testing.T) {
	page := 0
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		page++
		if page == 1 {
			json.NewEncoder(w).Encode(map[string]interface{}{
				"result": map[string]interface{}{
					"points":           []map[string]interface{}{{"id": "a", "payload": map[string]interface{}{}}},
					"next_page_offset": "cursor-1",
				},
			})
			return
		}
		json.NewEncoder(w).Encode(map[string]interface{}{
			"result": map[string]interface{}{
				"points":           []map[string]interface{}{{"id": "b", "payload": map[string]interface{}{}}},
				"next_page_offset": nil,
			},
		})
	}))
	defer srv.Close()

	c := New(Config{URL: srv.URL, Collection: "chunks"}, nil)
	pts, next, err := c.Scroll(context.Background(), nil, 1, nil)
	require.NoError(t, err)
	require.Len(t, pts, 1)
	require.Equal(t, "cursor-1", next)

	pts2, next2, err := c.Scroll(context.Background(), nil, 1, next)
	require.NoError(t, err)
	require.Len(t, pts2, 1)
	assert.Nil(t, next2)
}
