package emit

import (
	"bytes"
	"encoding/json"
	"strings"
	"testing"
)

func TestLogEmitter_TextOutput(t *testing.T) {
	t.Run("flattens meta in key order", func(t *testing.T) {
		var buf bytes.Buffer
		emitter := NewLogEmitter(&buf, false)

		emitter.Emit(Event{
			FlowID:    "flow-001",
			Pass:      2,
			EventType: "wakeup",
			Msg:       "suspended",
			Meta:      map[string]interface{}{"status": "SUSPENDED", "records": 1},
		})

		want := "suspended flow=flow-001 pass=2 event=wakeup records=1 status=SUSPENDED\n"
		if got := buf.String(); got != want {
			t.Errorf("output = %q, want %q", got, want)
		}
	})

	t.Run("quotes values with spaces", func(t *testing.T) {
		var buf bytes.Buffer
		emitter := NewLogEmitter(&buf, false)

		emitter.Emit(Event{FlowID: "flow-001", Msg: "pass_error", Meta: map[string]interface{}{"error": "no handler"}})

		if !strings.Contains(buf.String(), `error="no handler"`) {
			t.Errorf("unquoted value: %s", buf.String())
		}
		if strings.Contains(buf.String(), "event=") {
			t.Errorf("empty event type should be omitted: %s", buf.String())
		}
	})
}

func TestLogEmitter_JSONOutput(t *testing.T) {
	var buf bytes.Buffer
	emitter := NewLogEmitter(&buf, true)

	emitter.Emit(Event{FlowID: "flow-001", Pass: 1, EventType: "start_flow", Msg: "suspended"})
	emitter.Emit(Event{FlowID: "flow-001", Pass: 2, EventType: "wakeup", Msg: "finished",
		Meta: map[string]interface{}{"status": "FINISHED"}})

	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	if len(lines) != 2 {
		t.Fatalf("expected 2 JSON lines, got %d: %q", len(lines), buf.String())
	}

	var decoded struct {
		Msg       string            `json:"msg"`
		FlowID    string            `json:"flow_id"`
		Pass      int               `json:"pass"`
		EventType string            `json:"event_type"`
		Meta      map[string]string `json:"meta"`
	}
	if err := json.Unmarshal([]byte(lines[1]), &decoded); err != nil {
		t.Fatalf("line is not valid JSON: %v", err)
	}
	if decoded.FlowID != "flow-001" || decoded.Pass != 2 || decoded.EventType != "wakeup" || decoded.Meta["status"] != "FINISHED" {
		t.Errorf("decoded = %+v", decoded)
	}
}

func TestLogEmitter_UnencodableMeta(t *testing.T) {
	var buf bytes.Buffer
	NewLogEmitter(&buf, true).Emit(Event{FlowID: "flow-001", Msg: "suspended",
		Meta: map[string]interface{}{"bad": make(chan int)}})

	var decoded struct {
		Meta map[string]string `json:"meta"`
	}
	if err := json.Unmarshal(buf.Bytes(), &decoded); err != nil {
		t.Fatalf("fallback line is not valid JSON: %v", err)
	}
	if decoded.Meta["encode_error"] == "" {
		t.Errorf("expected encode_error, got %s", buf.String())
	}
}
