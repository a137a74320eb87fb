package event

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBus_PublishAndSubscribe(t *testing.T) {
	bus := NewBus(4, 10*time.Millisecond)
	sub := bus.Subscribe(TopicMemoryUpsert)

	bus.Publish(New(TopicMemoryUpsert, 1000, map[string]any{"id": "a"}))

	select {
	case evt := <-sub:
		assert.Equal(t, TopicMemoryUpsert, evt.Topic)
		assert.Equal(t, "a", evt.Fields["id"])
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for event")
	}
}

func TestBus_FIFOOrderPerTopic(t *testing.T) {
	bus := NewBus(8, 10*time.Millisecond)
	sub := bus.Subscribe(TopicMemorySearch)

	for i := 0; i < 5; i++ {
		bus.Publish(New(TopicMemorySearch, int64(i), map[string]any{"i": i}))
	}

	for i := 0; i < 5; i++ {
		evt := <-sub
		assert.Equal(t, i, evt.Fields["i"])
	}
}

func TestBus_DropsOldestUnderBackpressure(t *testing.T) {
	bus := NewBus(1, 5*time.Millisecond)
	sub := bus.Subscribe(TopicError)

	bus.Publish(New(TopicError, 1, map[string]any{"seq": 1}))
	bus.Publish(New(TopicError, 2, map[string]any{"seq": 2}))

	require.Eventually(t, func() bool {
		return bus.Drops(TopicError) >= 1
	}, time.Second, time.Millisecond)

	evt := <-sub
	assert.Equal(t, 2, evt.Fields["seq"], "the newest event should survive, oldest should be dropped")
}

func TestBus_IndependentTopics(t *testing.T) {
	bus := NewBus(4, 10*time.Millisecond)
	upserts := bus.Subscribe(TopicMemoryUpsert)
	searches := bus.Subscribe(TopicMemorySearch)

	bus.Publish(New(TopicMemoryUpsert, 1, nil))
	bus.Publish(New(TopicMemorySearch, 2, nil))

	assert.Equal(t, TopicMemoryUpsert, (<-upserts).Topic)
	assert.Equal(t, TopicMemorySearch, (<-searches).Topic)
}
