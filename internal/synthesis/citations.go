package synthesis

import (
	"strings"
	"time"

	"github.com/groundline-ai/groundline/internal/schemas"
)

const (
	// minCitableContentLength filters trivially short snippets from the
	// citation list.
	minCitableContentLength = 24
	maxCitations            = 50
)

// BuildCitationMap assigns 1-based citation numbers in document order.
// Sources deduplicate case-insensitively within a docId, and two sources
// naming the same docId collapse into one entry. Case-variant sources that
// point at different docIds stay distinct.
func BuildCitationMap(docs []schemas.RetrievedResult) map[int]schemas.Citation {
	out := make(map[int]schemas.Citation)
	seenSource := map[string]bool{}
	seenDoc := map[string]bool{}
	n := 0
	for _, d := range docs {
		if len(strings.TrimSpace(d.Content)) < minCitableContentLength {
			continue
		}
		docID := d.PayloadString("docId")
		source := d.PayloadString("source")
		if source == "" {
			source = docID
		}
		if source == "" {
			continue
		}
		sourceKey := strings.ToLower(source) + "\x00" + docID
		if seenSource[sourceKey] {
			continue
		}
		if docID != "" && seenDoc[docID] {
			continue
		}
		if n >= maxCitations {
			break
		}
		n++
		seenSource[sourceKey] = true
		if docID != "" {
			seenDoc[docID] = true
		}
		out[n] = schemas.Citation{
			ID:        d.ID,
			Number:    n,
			Source:    source,
			DocID:     docID,
			Freshness: freshnessOf(d),
			Version:   d.PayloadString("version"),
			URL:       d.PayloadString("url"),
			Filepath:  d.PayloadString("filepath"),
		}
	}
	return out
}

func freshnessOf(d schemas.RetrievedResult) schemas.Freshness {
	for _, key := range []string{"modifiedAt", "timestamp"} {
		if s := d.PayloadString(key); s != "" {
			if ts, err := time.Parse(time.RFC3339, s); err == nil {
				return schemas.ClassifyFreshness(ts, time.Now())
			}
		}
	}
	return ""
}

// FreshnessStats counts citations per freshness bucket.
func FreshnessStats(citations map[int]schemas.Citation) map[string]int {
	stats := map[string]int{}
	for _, c := range citations {
		if c.Freshness != "" {
			stats[string(c.Freshness)]++
		}
	}
	return stats
}
