package processor

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dshills/flowfiber-go/flow"
	"github.com/dshills/flowfiber-go/flow/store"
)

func newTestRedis(t *testing.T) (*redis.Client, *miniredis.Miniredis) {
	t.Helper()
	server, err := miniredis.Run()
	require.NoError(t, err)
	t.Cleanup(server.Close)

	client := redis.NewClient(&redis.Options{Addr: server.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	return client, server
}

func commitRecords(t *testing.T, st CheckpointStore, flowID string, n int) {
	t.Helper()
	records := make([]store.Record, n)
	for i := range records {
		records[i] = store.Record{Topic: "flow.event", Key: flowID, Value: []byte(`{"n":1}`)}
	}
	_, err := st.Commit(context.Background(), store.Mutation[*flow.Checkpoint]{
		FlowID:     flowID,
		Checkpoint: flow.NewCheckpoint(flowID, "Echo", "alice", testNow),
		Records:    records,
	})
	require.NoError(t, err)
}

type failingPublisher struct{ err error }

func (f failingPublisher) Publish(context.Context, []store.Record) error { return f.err }

func TestRelay_FlushDrainsOutbox(t *testing.T) {
	ctx := context.Background()
	st := store.NewMemStore[*flow.Checkpoint]()
	commitRecords(t, st, "f1", 3)
	commitRecords(t, st, "f2", 2)

	pub := NewMemPublisher()
	relay := NewRelay(st, pub, WithBatchSize(2), WithRelayLogger(discardLogger()))

	n, err := relay.Flush(ctx)
	require.NoError(t, err)
	assert.Equal(t, 5, n)

	published := pub.Records()
	require.Len(t, published, 5)
	for i, key := range []string{"f1", "f1", "f1", "f2", "f2"} {
		assert.Equal(t, key, published[i].Key, "commit order")
	}

	pending, err := st.PendingRecords(ctx, 0)
	require.NoError(t, err)
	assert.Empty(t, pending)

	n, err = relay.Flush(ctx)
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestRelay_PublishFailureKeepsRecords(t *testing.T) {
	ctx := context.Background()
	st := store.NewMemStore[*flow.Checkpoint]()
	commitRecords(t, st, "f1", 2)

	relay := NewRelay(st, failingPublisher{err: errors.New("broker down")})
	_, err := relay.Flush(ctx)
	assert.ErrorContains(t, err, "broker down")

	pending, err := st.PendingRecords(ctx, 0)
	require.NoError(t, err)
	assert.Len(t, pending, 2)
}

func TestRelay_RunUntilCancelled(t *testing.T) {
	st := store.NewMemStore[*flow.Checkpoint]()
	pub := NewMemPublisher()
	relay := NewRelay(st, pub, WithPollInterval(5*time.Millisecond), WithRelayLogger(discardLogger()))

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- relay.Run(ctx) }()

	commitRecords(t, st, "f1", 1)
	require.Eventually(t, func() bool { return len(pub.Records()) == 1 }, 2*time.Second, 5*time.Millisecond)

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("relay did not stop")
	}
}

func TestRelay_RunStopsWhenStoreClosed(t *testing.T) {
	st := store.NewMemStore[*flow.Checkpoint]()
	require.NoError(t, st.Close())

	relay := NewRelay(st, NewMemPublisher(), WithRelayLogger(discardLogger()))
	err := relay.Run(context.Background())
	assert.ErrorIs(t, err, store.ErrClosed)
}

func TestProcessor_EndToEndWithRelay(t *testing.T) {
	ctx := context.Background()
	st := store.NewMemStore[*flow.Checkpoint]()
	p := newTestProcessor(t, st)
	pub := NewMemPublisher()
	relay := NewRelay(st, pub)

	require.NoError(t, p.Handle(ctx, startEvent("f1", "Store", nil)))
	_, err := relay.Flush(ctx)
	require.NoError(t, err)

	requests := pub.Topic(flow.DefaultTopics().EntityRequest)
	require.Len(t, requests, 1)
	var req flow.EntityRequest
	require.NoError(t, json.Unmarshal(requests[0].Value, &req))

	require.NoError(t, p.Handle(ctx, flow.Event{FlowID: "f1", Payload: &flow.EntityResponse{RequestID: req.RequestID}}))
	_, err = relay.Flush(ctx)
	require.NoError(t, err)

	statuses := pub.Topic(flow.DefaultTopics().Status)
	require.Len(t, statuses, 1)
	var status flow.FlowStatus
	require.NoError(t, json.Unmarshal(statuses[0].Value, &status))
	assert.Equal(t, flow.StatusFinished, status.Status)
}

func TestWriterPublisher(t *testing.T) {
	var buf bytes.Buffer
	pub := NewWriterPublisher(&buf)

	err := pub.Publish(context.Background(), []store.Record{
		{ID: "r1", FlowID: "f1", Topic: "flow.status", Key: "f1", Value: []byte(`{"status":"FINISHED"}`), CreatedAt: testNow},
		{ID: "r2", FlowID: "f1", Topic: "raw", Key: "f1", Value: []byte("not json")},
	})
	require.NoError(t, err)

	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	require.Len(t, lines, 2)

	var first map[string]any
	require.NoError(t, json.Unmarshal([]byte(lines[0]), &first))
	assert.Equal(t, "r1", first["id"])
	assert.Equal(t, "flow.status", first["topic"])
	assert.Equal(t, map[string]any{"status": "FINISHED"}, first["value"])

	var second map[string]any
	require.NoError(t, json.Unmarshal([]byte(lines[1]), &second))
	assert.Equal(t, "not json", second["value"])
}

func TestRedisStreamPublisher(t *testing.T) {
	ctx := context.Background()
	client, _ := newTestRedis(t)
	pub := NewRedisStreamPublisher(client, WithStreamPrefix("test:"), WithStreamMaxLen(1000))

	require.NoError(t, pub.Publish(ctx, nil))
	require.NoError(t, pub.Publish(ctx, []store.Record{
		{ID: "r1", FlowID: "f1", Topic: "flow.timer", Key: "f1", Value: []byte(`{"a":1}`)},
		{ID: "r2", FlowID: "f2", Topic: "flow.timer", Key: "f2", Value: []byte(`{"a":2}`)},
		{ID: "r3", FlowID: "f1", Topic: "flow.status", Key: "f1", Value: []byte(`{}`)},
	}))

	assert.Equal(t, "test:flow.timer", pub.StreamKey("flow.timer"))
	n, err := client.XLen(ctx, "test:flow.timer").Result()
	require.NoError(t, err)
	assert.Equal(t, int64(2), n)

	entries, err := client.XRange(ctx, "test:flow.timer", "-", "+").Result()
	require.NoError(t, err)
	require.Len(t, entries, 2)
	assert.Equal(t, "r1", entries[0].Values["id"])
	assert.Equal(t, "f1", entries[0].Values["key"])
	assert.Equal(t, `{"a":1}`, entries[0].Values["value"])
}

func TestRedisStreamSource_ReadsPublishedWakeups(t *testing.T) {
	ctx := context.Background()
	client, _ := newTestRedis(t)
	pub := NewRedisStreamPublisher(client)

	wake, err := json.Marshal(flow.Event{FlowID: "f1", Payload: &flow.Wakeup{RequestID: "r-1"}})
	require.NoError(t, err)
	require.NoError(t, pub.Publish(ctx, []store.Record{
		{ID: "a", FlowID: "f1", Topic: "flow.event", Key: "f1", Value: wake},
		{ID: "b", FlowID: "f1", Topic: "flow.event", Key: "f1", Value: []byte("garbage")},
	}))

	src := NewRedisStreamSource(client, pub.StreamKey("flow.event"), "0", discardLogger())
	events, err := src.Poll(ctx)
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.Equal(t, "f1", events[0].FlowID)
	assert.Equal(t, &flow.Wakeup{RequestID: "r-1"}, events[0].Payload)
	assert.NotEqual(t, "0", src.LastID())
}

func TestJSONLSource(t *testing.T) {
	input := strings.Join([]string{
		`{"flow_id":"f1","type":"start_flow","payload":{"flow_class_name":"Echo","holding_identity":"alice"}}`,
		``,
		`{"flow_id":"f1","type":"bogus"}`,
		`not json`,
		`{"flow_id":"f1","type":"kill_flow","payload":{"reason":"done"}}`,
	}, "\n")

	out := make(chan flow.Event, 10)
	src := NewJSONLSource(strings.NewReader(input), discardLogger())
	require.NoError(t, src.Run(context.Background(), out))
	close(out)

	var types []string
	for ev := range out {
		types = append(types, ev.Payload.EventType())
	}
	assert.Equal(t, []string{flow.EventStartFlow, flow.EventKillFlow}, types)
}
