package vectordb

import "github.com/groundline-ai/groundline/internal/schemas"

// ACLFilter builds the mandatory tenant+ACL filter. Every search and delete
// goes through the store with this filter attached; results are never
// filtered client-side.
func ACLFilter(userCtx schemas.UserContext) map[string]interface{} {
	must := []map[string]interface{}{
		{
			"key":   "tenant",
			"match": map[string]interface{}{"value": userCtx.TenantID},
		},
		{
			"key":   "acl",
			"match": map[string]interface{}{"any": userCtx.Principals()},
		},
	}
	return map[string]interface{}{"must": must}
}

// TenantDocFilter matches all points of one document within a tenant. Used
// by tombstone deletes and republication cleanup.
func TenantDocFilter(tenant, docID string) map[string]interface{} {
	must := []map[string]interface{}{
		{
			"key":   "tenant",
			"match": map[string]interface{}{"value": tenant},
		},
		{
			"key":   "docId",
			"match": map[string]interface{}{"value": docID},
		},
	}
	return map[string]interface{}{"must": must}
}

// WithTextMatch adds a full-text match clause on the content field to an
// existing filter, returning a new filter.
func WithTextMatch(filter map[string]interface{}, query string) map[string]interface{} {
	must, _ := filter["must"].([]map[string]interface{})
	out := make([]map[string]interface{}, len(must), len(must)+1)
	copy(out, must)
	out = append(out, map[string]interface{}{
		"key":   "content",
		"match": map[string]interface{}{"text": query},
	})
	return map[string]interface{}{"must": out}
}
