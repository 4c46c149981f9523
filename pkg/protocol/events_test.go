package protocol_test

import (
	"testing"
	"time"

	"aihub/pkg/protocol"
)

func TestParseAgentLine_ThreadStarted(t *testing.T) {
	t.Parallel()

	now := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	ev := protocol.ParseAgentLine([]byte(`{"type":"thread.started","thread_id":"th-123"}`), now)

	if ev.Kind != protocol.EventThreadStarted {
		t.Fatalf("kind = %q, want thread.started", ev.Kind)
	}
	if ev.ThreadID != "th-123" {
		t.Errorf("thread id = %q, want th-123", ev.ThreadID)
	}
	if !ev.Time.Equal(now) {
		t.Errorf("time = %v, want %v", ev.Time, now)
	}
}

func TestParseAgentLine_SessionIDSpelling(t *testing.T) {
	t.Parallel()

	ev := protocol.ParseAgentLine([]byte(`{"type":"thread.started","session_id":"sess-9"}`), time.Now())
	if ev.Kind != protocol.EventThreadStarted {
		t.Fatalf("kind = %q, want thread.started", ev.Kind)
	}
	if ev.ThreadID != "sess-9" {
		t.Errorf("thread id = %q, want sess-9", ev.ThreadID)
	}
}

func TestParseAgentLine_ThreadStartedWithoutID_DegradesToRaw(t *testing.T) {
	t.Parallel()

	ev := protocol.ParseAgentLine([]byte(`{"type":"thread.started"}`), time.Now())
	if ev.Kind != protocol.EventRaw {
		t.Fatalf("kind = %q, want raw", ev.Kind)
	}
}

func TestParseAgentLine_ItemCompleted(t *testing.T) {
	t.Parallel()

	line := `{"type":"item.completed","item":{"kind":"tool_call","name":"bash"}}`
	ev := protocol.ParseAgentLine([]byte(line), time.Now())

	if ev.Kind != protocol.EventItemCompleted {
		t.Fatalf("kind = %q, want item.completed", ev.Kind)
	}
	if ev.Item == "" {
		t.Error("item payload not captured")
	}
	if string(ev.Payload) != line {
		t.Errorf("payload = %q, want verbatim line", ev.Payload)
	}
}

func TestParseAgentLine_NeverFails(t *testing.T) {
	t.Parallel()

	cases := []string{
		"plain text output",
		"{not json",
		`{"type":"unknown.kind"}`,
		"",
		"   {\"type\":\"item.completed\"}   ",
	}
	for _, c := range cases {
		ev := protocol.ParseAgentLine([]byte(c), time.Now())
		if ev.Kind == "" {
			t.Errorf("ParseAgentLine(%q) returned empty kind", c)
		}
	}
}

func TestParseAgentLine_RawKeepsLineVerbatim(t *testing.T) {
	t.Parallel()

	ev := protocol.ParseAgentLine([]byte("  some stderr-ish line\n"), time.Now())
	if ev.Kind != protocol.EventRaw {
		t.Fatalf("kind = %q, want raw", ev.Kind)
	}
	if ev.Raw != "some stderr-ish line" {
		t.Errorf("raw = %q", ev.Raw)
	}
}
