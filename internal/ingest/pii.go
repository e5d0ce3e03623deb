package ingest

import (
	"regexp"
	"strings"

	"github.com/groundline-ai/groundline/internal/schemas"
)

// Regex-based PII detectors used by preview. Findings are advisory and
// never block publish.
var (
	emailPattern = regexp.MustCompile(`[A-Za-z0-9._%+\-]+@[A-Za-z0-9.\-]+\.[A-Za-z]{2,}`)
	// International or national numbers with at least 8 digits, allowing
	// common separators.
	phonePattern = regexp.MustCompile(`\+?\d[\d\s().\-]{6,}\d`)
	ibanPattern  = regexp.MustCompile(`\b[A-Z]{2}\d{2}[A-Z0-9]{11,30}\b`)
	cardPattern  = regexp.MustCompile(`\b(?:\d[ \-]?){13,19}\b`)
)

// DetectPII scans every block of a document and reports findings with
// block index and byte offset.
func DetectPII(doc *schemas.NormalizedDoc) []schemas.PIIFinding {
	var findings []schemas.PIIFinding
	for i, b := range doc.Blocks {
		if b.Text == "" {
			continue
		}
		findings = append(findings, scanBlock(b.Text, i)...)
	}
	return findings
}

func scanBlock(text string, block int) []schemas.PIIFinding {
	var out []schemas.PIIFinding
	emit := func(kind string, loc []int) {
		out = append(out, schemas.PIIFinding{
			Kind:   kind,
			Match:  text[loc[0]:loc[1]],
			Block:  block,
			Offset: loc[0],
		})
	}

	claimed := make([]bool, len(text))
	claim := func(loc []int) {
		for i := loc[0]; i < loc[1] && i < len(claimed); i++ {
			claimed[i] = true
		}
	}
	overlaps := func(loc []int) bool {
		for i := loc[0]; i < loc[1] && i < len(claimed); i++ {
			if claimed[i] {
				return true
			}
		}
		return false
	}

	for _, loc := range emailPattern.FindAllStringIndex(text, -1) {
		emit("email", loc)
		claim(loc)
	}
	for _, loc := range ibanPattern.FindAllStringIndex(text, -1) {
		emit("iban", loc)
		claim(loc)
	}
	for _, loc := range cardPattern.FindAllStringIndex(text, -1) {
		if overlaps(loc) {
			continue
		}
		if luhnValid(text[loc[0]:loc[1]]) {
			emit("credit_card", loc)
			claim(loc)
		}
	}
	// Phone runs last: card and IBAN matches are digit runs too.
	for _, loc := range phonePattern.FindAllStringIndex(text, -1) {
		if overlaps(loc) {
			continue
		}
		if digitCount(text[loc[0]:loc[1]]) >= 8 {
			emit("phone", loc)
			claim(loc)
		}
	}
	return out
}

func digitCount(s string) int {
	n := 0
	for _, r := range s {
		if r >= '0' && r <= '9' {
			n++
		}
	}
	return n
}

// luhnValid checks the card-number checksum over the digits of s.
func luhnValid(s string) bool {
	var digits []int
	for _, r := range s {
		if r >= '0' && r <= '9' {
			digits = append(digits, int(r-'0'))
		}
	}
	if len(digits) < 13 || len(digits) > 19 {
		return false
	}
	sum := 0
	double := false
	for i := len(digits) - 1; i >= 0; i-- {
		d := digits[i]
		if double {
			d *= 2
			if d > 9 {
				d -= 9
			}
		}
		sum += d
		double = !double
	}
	return sum%10 == 0
}

// redact masks everything but the last four characters, for logs.
func redact(match string) string {
	trimmed := strings.TrimSpace(match)
	if len(trimmed) <= 4 {
		return "****"
	}
	return strings.Repeat("*", len(trimmed)-4) + trimmed[len(trimmed)-4:]
}
