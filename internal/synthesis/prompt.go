package synthesis

import (
	"fmt"
	"sort"
	"strings"

	"github.com/groundline-ai/groundline/internal/schemas"
)

// buildSystemPrompt composes task instructions, the citation contract,
// language guidance, and the answerability state.
func buildSystemPrompt(req Request, citations map[int]schemas.Citation) string {
	var b strings.Builder
	b.WriteString("You are an assistant that answers questions strictly from the provided documents. ")
	b.WriteString("If the documents do not contain the answer, say so instead of speculating.\n\n")

	if req.IncludeCitations {
		b.WriteString("Cite sources inline using footnote markers of the form [^N], ")
		b.WriteString("where N is the document number from the list below. ")
		b.WriteString("Only use numbers that appear in the list.\n\n")
	} else {
		b.WriteString("Do not include citation markers in the answer.\n\n")
	}

	lang := strings.ToUpper(req.UserContext.Language)
	if lang == "" {
		lang = "EN"
	}
	fmt.Fprintf(&b, "Answer in language: %s.\n", lang)

	if req.AnswerFormat == schemas.FormatPlain {
		b.WriteString("Answer in plain text without markdown formatting.\n")
	} else {
		b.WriteString("Answer in markdown.\n")
	}

	if req.Guardrail != nil && !req.Guardrail.IsAnswerable {
		b.WriteString("Retrieval confidence is low; prefer a brief, hedged answer or state that the documents are insufficient.\n")
	}
	return b.String()
}

// buildUserPrompt lays out the numbered documents followed by the question.
func buildUserPrompt(query string, docs []schemas.RetrievedResult, citations map[int]schemas.Citation) string {
	numberByID := map[string]int{}
	for n, c := range citations {
		numberByID[c.ID] = n
	}

	type numbered struct {
		n   int
		doc schemas.RetrievedResult
	}
	var ordered []numbered
	for _, d := range docs {
		if n, ok := numberByID[d.ID]; ok {
			ordered = append(ordered, numbered{n: n, doc: d})
		}
	}
	sort.Slice(ordered, func(i, j int) bool { return ordered[i].n < ordered[j].n })

	var b strings.Builder
	b.WriteString("Documents:\n\n")
	for _, nd := range ordered {
		source := nd.doc.PayloadString("source")
		if source == "" {
			source = nd.doc.PayloadString("docId")
		}
		fmt.Fprintf(&b, "[%d] %s\n%s\n\n", nd.n, source, nd.doc.Content)
	}
	// Documents filtered from the citation map still provide context.
	for _, d := range docs {
		if _, ok := numberByID[d.ID]; !ok {
			fmt.Fprintf(&b, "(context) %s\n\n", d.Content)
		}
	}
	fmt.Fprintf(&b, "Question: %s\n", query)
	return b.String()
}
