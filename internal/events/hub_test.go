package events

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestHubPublishSubscribe(t *testing.T) {
	h := NewHub(nil)
	defer h.Close()

	ch, cancel := h.Subscribe()
	defer cancel()

	h.Publish(Event{Type: TypeJobCompleted, JobID: "j1"})

	select {
	case ev := <-ch:
		assert.Equal(t, TypeJobCompleted, ev.Type)
		assert.Equal(t, "j1", ev.JobID)
		assert.False(t, ev.Timestamp.IsZero())
	case <-time.After(time.Second):
		t.Fatal("no event received")
	}
}

func TestHubSlowSubscriberDropsNotBlocks(t *testing.T) {
	h := NewHub(nil)
	defer h.Close()

	_, cancel := h.Subscribe()
	defer cancel()

	done := make(chan struct{})
	go func() {
		// Nobody drains the subscription: once the buffer fills,
		// publishes must still return immediately.
		for i := 0; i < subscriberBuffer*2; i++ {
			h.Publish(Event{Type: TypeSubtaskAssigned, JobID: "j"})
		}
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("publish blocked on a slow subscriber")
	}
}

func TestHubCancelUnsubscribes(t *testing.T) {
	h := NewHub(nil)
	defer h.Close()

	ch, cancel := h.Subscribe()
	cancel()
	cancel() // idempotent

	_, ok := <-ch
	require.False(t, ok, "channel closed after cancel")
}

func TestHubCloseDisconnectsAll(t *testing.T) {
	h := NewHub(nil)
	ch, _ := h.Subscribe()
	h.Close()
	h.Publish(Event{Type: TypeJobFailed}) // no panic after close

	_, ok := <-ch
	assert.False(t, ok)
}
