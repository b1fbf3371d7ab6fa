package processor

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/dshills/flowfiber-go/flow"
	"github.com/dshills/flowfiber-go/flow/store"
	"github.com/dshills/flowfiber-go/internal/logattr"
)

// DeadLetterSink receives events the processor gave up on.
type DeadLetterSink interface {
	DeadLetter(ctx context.Context, ev flow.Event, cause error) error
}

// DeadLetterFunc adapts a function to DeadLetterSink.
type DeadLetterFunc func(ctx context.Context, ev flow.Event, cause error) error

// DeadLetter calls fn.
func (fn DeadLetterFunc) DeadLetter(ctx context.Context, ev flow.Event, cause error) error {
	return fn(ctx, ev, cause)
}

// LogDeadLetter returns a sink that only logs the rejected event.
func LogDeadLetter(logger *slog.Logger) DeadLetterSink {
	return DeadLetterFunc(func(_ context.Context, ev flow.Event, cause error) error {
		logger.Error("event dead-lettered",
			logattr.FlowID(ev.FlowID),
			logattr.EventType(eventType(ev)),
			slog.String("kind", deadLetterKind(cause)),
			logattr.Error(cause))
		return nil
	})
}

// DeadLetter is the record published for a rejected event.
//
// Event holds the original envelope, or null when the event could not be
// encoded (for example a missing payload).
type DeadLetter struct {
	FlowID    string          `json:"flow_id"`
	EventType string          `json:"event_type,omitempty"`
	Event     json.RawMessage `json:"event"`
	Kind      string          `json:"kind"`
	Code      string          `json:"code,omitempty"`
	Error     string          `json:"error"`
	FailedAt  time.Time       `json:"failed_at"`
}

// PublisherDeadLetter returns a sink that publishes a DeadLetter record on
// topic, keyed by flow ID.
func PublisherDeadLetter(pub Publisher, topic string) DeadLetterSink {
	return DeadLetterFunc(func(ctx context.Context, ev flow.Event, cause error) error {
		dl := DeadLetter{
			FlowID:    ev.FlowID,
			EventType: eventType(ev),
			Event:     json.RawMessage("null"),
			Kind:      deadLetterKind(cause),
			Error:     cause.Error(),
			FailedAt:  time.Now().UTC(),
		}
		if raw, err := json.Marshal(ev); err == nil {
			dl.Event = raw
		}
		if fe, ok := asFlowError(cause); ok {
			dl.Code = fe.Code
		}

		value, err := json.Marshal(dl)
		if err != nil {
			return fmt.Errorf("failed to encode dead letter: %w", err)
		}
		return pub.Publish(ctx, []store.Record{{
			ID:        uuid.NewString(),
			FlowID:    ev.FlowID,
			Topic:     topic,
			Key:       ev.FlowID,
			Value:     value,
			CreatedAt: dl.FailedAt,
		}})
	})
}

func eventType(ev flow.Event) string {
	if ev.Payload == nil {
		return ""
	}
	return ev.Payload.EventType()
}
