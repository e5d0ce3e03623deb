package llm

import (
	"bufio"
	"io"
	"strings"
)

// sseEvent is one parsed server-sent event.
type sseEvent struct {
	Event string
	Data  string
}

// sseParser is a state machine over the SSE line stream. States follow the
// event framing: waiting for a field, accumulating data lines, event
// complete on a blank line. A missing trailing blank line at EOF still
// flushes the pending event.
type sseParser struct {
	scanner *bufio.Scanner

	state     sseState
	event     string
	dataLines []string
}

type sseState int

const (
	stateAwaitingEvent sseState = iota
	stateReadingData
	stateEventComplete
	stateDone
)

func newSSEParser(r io.Reader) *sseParser {
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	return &sseParser{scanner: sc}
}

// Next returns the next complete event, or io.EOF when the stream ends.
func (p *sseParser) Next() (sseEvent, error) {
	if p.state == stateDone {
		return sseEvent{}, io.EOF
	}
	for p.scanner.Scan() {
		line := p.scanner.Text()
		switch {
		case line == "":
			if p.state == stateReadingData {
				p.state = stateEventComplete
				return p.flush(), nil
			}
			// Blank line with nothing pending: stay in awaiting.
		case strings.HasPrefix(line, ":"):
			// Comment / heartbeat, ignored.
		case strings.HasPrefix(line, "event:"):
			p.event = strings.TrimSpace(strings.TrimPrefix(line, "event:"))
			p.state = stateReadingData
		case strings.HasPrefix(line, "data:"):
			p.dataLines = append(p.dataLines, strings.TrimPrefix(strings.TrimPrefix(line, "data:"), " "))
			p.state = stateReadingData
		}
	}
	if err := p.scanner.Err(); err != nil {
		p.state = stateDone
		return sseEvent{}, err
	}
	// EOF: flush a pending event even without the trailing blank line.
	if p.state == stateReadingData && len(p.dataLines) > 0 {
		p.state = stateDone
		return p.flush(), nil
	}
	p.state = stateDone
	return sseEvent{}, io.EOF
}

func (p *sseParser) flush() sseEvent {
	ev := sseEvent{Event: p.event, Data: strings.Join(p.dataLines, "\n")}
	p.event = ""
	p.dataLines = nil
	if p.state != stateDone {
		p.state = stateAwaitingEvent
	}
	return ev
}
