package synthesis

import (
	"regexp"
	"sort"
	"strconv"
	"strings"

	"github.com/groundline-ai/groundline/internal/schemas"
)

var (
	citationMarker = regexp.MustCompile(`\[\^(\d+)\]`)
	// Loose variants the model sometimes emits: [1], [^ 1], (^1).
	looseMarker  = regexp.MustCompile(`\[\s*\^?\s*(\d+)\s*\]`)
	doubleSpaces = regexp.MustCompile(`  +`)
)

// FormatTextWithCitations standardizes citation markers to `[^N]` and
// removes markers whose number is absent from the citation map. Adjacent
// punctuation survives removal; runs of spaces left behind collapse to one.
// The function is idempotent.
func FormatTextWithCitations(text string, citations map[int]schemas.Citation) string {
	out := looseMarker.ReplaceAllStringFunc(text, func(m string) string {
		sub := looseMarker.FindStringSubmatch(m)
		n, err := strconv.Atoi(sub[1])
		if err != nil {
			return ""
		}
		if _, ok := citations[n]; !ok {
			return ""
		}
		return "[^" + sub[1] + "]"
	})
	out = doubleSpaces.ReplaceAllString(out, " ")
	return strings.TrimRight(out, " ")
}

// StripCitations removes every citation marker, for plain answer mode.
func StripCitations(text string) string {
	out := citationMarker.ReplaceAllString(text, "")
	out = doubleSpaces.ReplaceAllString(out, " ")
	return strings.TrimRight(out, " ")
}

// ValidateCitations confirms every marker in text resolves in the map.
func ValidateCitations(text string, citations map[int]schemas.Citation) error {
	var invalid []int
	for _, m := range citationMarker.FindAllStringSubmatch(text, -1) {
		n, err := strconv.Atoi(m[1])
		if err != nil {
			continue
		}
		if _, ok := citations[n]; !ok {
			invalid = append(invalid, n)
		}
	}
	if len(invalid) > 0 {
		sort.Ints(invalid)
		return &schemas.InvalidCitationsError{Numbers: invalid}
	}
	return nil
}

// CitedNumbers returns the distinct citation numbers used in text.
func CitedNumbers(text string) []int {
	seen := map[int]struct{}{}
	var out []int
	for _, m := range citationMarker.FindAllStringSubmatch(text, -1) {
		n, _ := strconv.Atoi(m[1])
		if _, ok := seen[n]; ok {
			continue
		}
		seen[n] = struct{}{}
		out = append(out, n)
	}
	sort.Ints(out)
	return out
}
