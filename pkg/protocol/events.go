package protocol

import (
	"encoding/json"
	"strings"
	"time"
)

// EventKind tags a history event.
type EventKind string

// Event kind constants. The worker.* kinds are lifecycle transitions the
// supervisor emits itself; thread.started and item.completed are agent
// protocol pass-throughs; raw is the catch-all for lines the parser does
// not recognize.
const (
	EventWorkerStarted   EventKind = "worker.started"
	EventWorkerFinished  EventKind = "worker.finished"
	EventWorkerInterrupt EventKind = "worker.interrupt"
	EventThreadStarted   EventKind = "thread.started"
	EventItemCompleted   EventKind = "item.completed"
	EventRaw             EventKind = "raw"
)

// Outcome values for worker.finished events.
const (
	OutcomeReplied     = "replied"
	OutcomeError       = "error"
	OutcomeInterrupted = "interrupted"
)

// Event is one record of the history stream: a tagged union of known
// event kinds plus a raw catch-all. Unknown payload fields survive a
// round trip inside Payload.
type Event struct {
	Kind     EventKind       `json:"kind"`
	Time     time.Time       `json:"time"`
	RunID    string          `json:"run_id,omitempty"`
	ThreadID string          `json:"thread_id,omitempty"` // thread.started
	Outcome  string          `json:"outcome,omitempty"`   // worker.finished
	Error    string          `json:"error,omitempty"`     // worker.finished outcome=error
	Item     string          `json:"item,omitempty"`      // item.completed
	Raw      string          `json:"raw,omitempty"`       // raw
	Payload  json.RawMessage `json:"payload,omitempty"`
}

// agentLine is the shape of a structured line on an agent subprocess's
// stdout. Heterogeneous backends use different field names for the
// session handle; all observed spellings are accepted.
type agentLine struct {
	Type      string          `json:"type"`
	ThreadID  string          `json:"thread_id"`
	SessionID string          `json:"session_id"`
	Item      json.RawMessage `json:"item"`
}

// ParseAgentLine converts one subprocess stdout line into an Event. It
// never fails: anything that is not valid JSON with a recognized type
// degrades to an EventRaw carrying the line verbatim.
func ParseAgentLine(line []byte, now time.Time) Event {
	trimmed := strings.TrimSpace(string(line))
	raw := Event{Kind: EventRaw, Time: now, Raw: trimmed}

	if !strings.HasPrefix(trimmed, "{") {
		return raw
	}
	var al agentLine
	if err := json.Unmarshal([]byte(trimmed), &al); err != nil {
		return raw
	}

	switch al.Type {
	case "thread.started":
		id := al.ThreadID
		if id == "" {
			id = al.SessionID
		}
		if id == "" {
			return raw
		}
		return Event{Kind: EventThreadStarted, Time: now, ThreadID: id, Payload: json.RawMessage(trimmed)}
	case "item.completed":
		ev := Event{Kind: EventItemCompleted, Time: now, Payload: json.RawMessage(trimmed)}
		if len(al.Item) > 0 {
			ev.Item = string(al.Item)
		}
		return ev
	default:
		return raw
	}
}
