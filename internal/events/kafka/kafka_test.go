package kafka

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"odmflush/internal/events"
)

func TestRecord(t *testing.T) {
	at := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	event := events.Event{
		Kind:       events.KindRejected,
		FlushID:    "f1",
		Collection: "issues",
		RootID:     "i1",
		Operation:  "update",
		Paths:      []string{"tasks.0.title", "title"},
		Index:      "title_1",
		Reason:     "constraint_violation",
		Timestamp:  at,
	}

	record, err := Record(event)
	require.NoError(t, err)

	assert.Equal(t, "issues/i1", string(record.Key))
	assert.Equal(t, at, record.Timestamp)
	require.Len(t, record.Headers, 2)
	assert.Equal(t, "kind", record.Headers[0].Key)
	assert.Equal(t, "rejected", string(record.Headers[0].Value))
	assert.Equal(t, "f1", string(record.Headers[1].Value))

	var decoded events.Event
	require.NoError(t, json.Unmarshal(record.Value, &decoded))
	assert.True(t, at.Equal(decoded.Timestamp))
	decoded.Timestamp = at
	assert.Equal(t, event, decoded)
}

func TestNewValidates(t *testing.T) {
	_, err := New(nil, "flush-events")
	assert.Error(t, err)

	_, err = New([]string{"localhost:9092"}, "")
	assert.Error(t, err)
}

func TestPublishGivesUpOnUnreachableBroker(t *testing.T) {
	pub, err := New([]string{"127.0.0.1:1"}, "flush-events", WithPublishTimeout(200*time.Millisecond))
	require.NoError(t, err)
	defer pub.Close()

	start := time.Now()
	err = pub.Publish(context.Background(), events.Event{Kind: events.KindCommitted, Collection: "issues", RootID: "i1"})
	require.Error(t, err)
	assert.Less(t, time.Since(start), 5*time.Second)
}
