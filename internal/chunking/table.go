package chunking

import (
	"strings"

	"github.com/groundline-ai/groundline/internal/schemas"
)

// ChunkTable splits a markdown-style table into chunks without ever cutting
// inside a row. The header and separator stay with the first chunk; when
// RepeatTableHeader is set they are re-emitted on every continuation chunk.
// Each produced chunk is flagged IsTable.
func (c *Chunker) ChunkTable(table, tenant, docID, sectionPath string) ChunkResult {
	var res ChunkResult
	res.Strategy = StrategyTokenAware
	if strings.TrimSpace(table) == "" {
		return res
	}
	limit := c.counter.SafeTokenLimit()

	// Whole table fits: emit unchanged.
	if c.counter.Count(table).TokenCount <= limit {
		count := c.counter.Count(table)
		ch := schemas.Chunk{
			Text:           table,
			TokenCount:     count.TokenCount,
			CharacterCount: count.CharacterCount,
			StartIndex:     0,
			EndIndex:       len(table),
			SectionPath:    sectionPath,
		}
		ch.ID = schemas.ChunkID(tenant, docID, sectionPath, 0)
		ch.Metadata = schemas.ChunkMetadata{Tenant: tenant, DocID: docID, IsTable: true}
		res.Chunks = append(res.Chunks, ch)
		res.TotalTokens = count.TokenCount
		return res
	}

	lines := strings.Split(table, "\n")
	header, body := splitTableHeader(lines)
	headerText := strings.Join(header, "\n")

	var groups [][]string
	var cur []string
	curText := func() string {
		if len(cur) == 0 {
			return headerText
		}
		return headerText + "\n" + strings.Join(cur, "\n")
	}
	for _, row := range body {
		if strings.TrimSpace(row) == "" {
			continue
		}
		candidate := curText() + "\n" + row
		if len(cur) > 0 && c.counter.Count(candidate).TokenCount > limit {
			groups = append(groups, cur)
			cur = nil
		}
		cur = append(cur, row)
		// A single row over the limit still goes out whole; rows never split.
		if c.counter.Count(curText()).TokenCount > limit && len(cur) == 1 {
			res.Warnings = append(res.Warnings, "table row exceeds token limit, emitted whole")
		}
	}
	if len(cur) > 0 {
		groups = append(groups, cur)
	}

	offset := 0
	for i, g := range groups {
		var text string
		if i == 0 || c.cfg.RepeatTableHeader {
			text = headerText + "\n" + strings.Join(g, "\n")
		} else {
			text = strings.Join(g, "\n")
		}
		count := c.counter.Count(text)
		ch := schemas.Chunk{
			Text:           text,
			TokenCount:     count.TokenCount,
			CharacterCount: count.CharacterCount,
			StartIndex:     offset,
			EndIndex:       offset + len(text),
			SectionPath:    sectionPath,
		}
		ch.ID = schemas.ChunkID(tenant, docID, sectionPath, offset)
		ch.Metadata = schemas.ChunkMetadata{Tenant: tenant, DocID: docID, OrderIndex: i, IsTable: true}
		res.Chunks = append(res.Chunks, ch)
		res.TotalTokens += count.TokenCount
		offset += len(text) + 1
	}
	return res
}

// splitTableHeader returns the header rows (first row plus a markdown
// separator row when present) and the remaining body rows.
func splitTableHeader(lines []string) (header, body []string) {
	if len(lines) == 0 {
		return nil, nil
	}
	header = append(header, lines[0])
	rest := lines[1:]
	if len(rest) > 0 && isSeparatorRow(rest[0]) {
		header = append(header, rest[0])
		rest = rest[1:]
	}
	return header, rest
}

func isSeparatorRow(line string) bool {
	t := strings.TrimSpace(line)
	if t == "" {
		return false
	}
	for _, r := range t {
		switch r {
		case '|', '-', ':', ' ', '+', '=':
		default:
			return false
		}
	}
	return strings.ContainsAny(t, "-=")
}
