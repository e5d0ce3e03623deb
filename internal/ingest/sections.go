package ingest

import (
	"regexp"
	"strings"
)

var headingLine = regexp.MustCompile(`^(#{1,6})\s+(.*)$`)

// sectionTracker maintains the markdown heading stack while walking a
// document top to bottom. The section path is the join of the active
// headings, outermost first.
type sectionTracker struct {
	levels []string // levels[i] holds the active heading at depth i+1
}

// observe consumes one line. It returns true when the line is a heading,
// after updating the stack.
func (s *sectionTracker) observe(line string) bool {
	m := headingLine.FindStringSubmatch(strings.TrimRight(line, " \t"))
	if m == nil {
		return false
	}
	depth := len(m[1])
	title := strings.TrimSpace(m[2])
	if depth > len(s.levels) {
		for len(s.levels) < depth-1 {
			s.levels = append(s.levels, "")
		}
		s.levels = append(s.levels, title)
	} else {
		s.levels = s.levels[:depth]
		s.levels[depth-1] = title
	}
	return true
}

// path renders the active heading stack, skipping unset levels.
func (s *sectionTracker) path() string {
	var parts []string
	for _, l := range s.levels {
		if l != "" {
			parts = append(parts, l)
		}
	}
	return strings.Join(parts, " > ")
}

// segment is a run of body text under one section path.
type segment struct {
	path string
	text string
}

// splitSections walks text line by line, cutting a new segment at every
// heading. Heading lines themselves are not part of any segment body.
func (s *sectionTracker) splitSections(text string) []segment {
	var out []segment
	var cur []string
	curPath := s.path()
	flush := func() {
		body := strings.TrimSpace(strings.Join(cur, "\n"))
		if body != "" {
			out = append(out, segment{path: curPath, text: body})
		}
		cur = cur[:0]
	}
	for _, line := range strings.Split(text, "\n") {
		if s.observe(line) {
			flush()
			curPath = s.path()
			continue
		}
		cur = append(cur, line)
	}
	flush()
	return out
}
