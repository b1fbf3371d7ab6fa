package emit

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"sort"
	"strings"
	"sync"
)

// LogEmitter writes one line per event.
//
// Text lines are logfmt-style, with meta keys flattened in sorted order:
//
//	suspended flow=f-001 pass=3 event=entity_response request=FIND status=SUSPENDED
//
// JSON lines carry the same fields:
//
//	{"msg":"suspended","flow_id":"f-001","pass":3,"event_type":"entity_response","meta":{"status":"SUSPENDED"}}
type LogEmitter struct {
	mu       sync.Mutex
	w        io.Writer
	jsonMode bool
}

// NewLogEmitter creates a LogEmitter writing to w (stdout when nil).
func NewLogEmitter(w io.Writer, jsonMode bool) *LogEmitter {
	if w == nil {
		w = os.Stdout
	}
	return &LogEmitter{w: w, jsonMode: jsonMode}
}

type jsonLine struct {
	Msg       string                 `json:"msg"`
	FlowID    string                 `json:"flow_id"`
	Pass      int                    `json:"pass"`
	EventType string                 `json:"event_type,omitempty"`
	Meta      map[string]interface{} `json:"meta,omitempty"`
}

// Emit writes event. Lines from concurrent partitions never interleave.
func (l *LogEmitter) Emit(event Event) {
	var line string
	if l.jsonMode {
		line = formatJSON(event)
	} else {
		line = formatText(event)
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	_, _ = io.WriteString(l.w, line+"\n")
}

func formatJSON(event Event) string {
	data, err := json.Marshal(jsonLine{
		Msg:       event.Msg,
		FlowID:    event.FlowID,
		Pass:      event.Pass,
		EventType: event.EventType,
		Meta:      event.Meta,
	})
	if err != nil {
		data, _ = json.Marshal(jsonLine{
			Msg:    event.Msg,
			FlowID: event.FlowID,
			Pass:   event.Pass,
			Meta:   map[string]interface{}{"encode_error": err.Error()},
		})
	}
	return string(data)
}

func formatText(event Event) string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "%s flow=%s pass=%d", event.Msg, event.FlowID, event.Pass)
	if event.EventType != "" {
		fmt.Fprintf(&sb, " event=%s", event.EventType)
	}

	keys := make([]string, 0, len(event.Meta))
	for k := range event.Meta {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		fmt.Fprintf(&sb, " %s=%s", k, textValue(event.Meta[k]))
	}
	return sb.String()
}

// textValue quotes values containing spaces so lines stay splittable.
func textValue(v interface{}) string {
	s := fmt.Sprintf("%v", v)
	if strings.ContainsAny(s, " \t\"=") {
		return fmt.Sprintf("%q", s)
	}
	return s
}
