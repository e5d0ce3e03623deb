package guardrail

import (
	"fmt"
	"strings"

	"github.com/groundline-ai/groundline/internal/schemas"
)

// Suggestions returns 3-5 user-facing follow-ups keyed to the reason the
// query was declined.
func Suggestions(reason schemas.ReasonCode, query string) []string {
	short := shorten(query, 60)
	switch reason {
	case schemas.ReasonNoRelevantDocs:
		return []string{
			"Try rephrasing your question with different keywords",
			"Check whether the relevant documents have been published to your workspace",
			fmt.Sprintf("Broaden the topic: %q may be too specific for the current corpus", short),
			"Ask about a related area to see what material exists",
		}
	case schemas.ReasonLowConfidence:
		return []string{
			"Add more specific terms so retrieval can narrow down the right documents",
			"Split compound questions into single, focused ones",
			"Mention the document, product, or system name if you know it",
		}
	case schemas.ReasonPoorRetrievalScores:
		return []string{
			"Use the terminology that appears in your documents rather than informal phrasing",
			"Try a shorter query focused on the core concept",
			"Verify the topic is covered by documents you have access to",
			"Consider publishing more material on this topic",
		}
	case schemas.ReasonContextInsufficient:
		return []string{
			"Ask a narrower question that a single document section could answer",
			"Provide more context about what you are trying to accomplish",
			"Try asking about one aspect of the topic at a time",
		}
	case schemas.ReasonOutOfScope:
		return []string{
			"This assistant answers from your organization's documents only",
			"Rephrase the question around content in your workspace",
			"Contact your workspace administrator if documents are missing",
		}
	case schemas.ReasonAmbiguousQuery:
		return []string{
			"Clarify which subject you mean; the query matches several topics",
			"Add a qualifier such as a product name, team, or time period",
			"Ask one question at a time",
		}
	default:
		return []string{
			"Try rephrasing your question",
			"Use more specific keywords",
			"Check that relevant documents are published",
		}
	}
}

// BuildIdkResponse assembles the structured decline payload.
func BuildIdkResponse(d schemas.GuardrailDecision) schemas.IdkResponse {
	return schemas.IdkResponse{
		Message:     "I don't have enough information in the available documents to answer that.",
		ReasonCode:  d.ReasonCode,
		Confidence:  d.Confidence,
		Suggestions: d.Suggestions,
	}
}

func shorten(s string, n int) string {
	s = strings.TrimSpace(s)
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
