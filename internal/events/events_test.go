package events

import (
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSubscriberReceivesPublishedEvents(t *testing.T) {
	bus := NewBus(zerolog.Nop())
	defer bus.Close()

	ch, cancel := bus.Subscribe(8)
	defer cancel()

	bus.Publish(Event{Name: AgentConnected, AgentID: "a1"})

	select {
	case evt := <-ch:
		assert.Equal(t, AgentConnected, evt.Name)
		assert.Equal(t, "a1", evt.AgentID)
		assert.False(t, evt.Time.IsZero(), "publish must stamp the event time")
	case <-time.After(time.Second):
		t.Fatal("event not delivered")
	}
}

func TestSlowSubscriberDropsInsteadOfBlocking(t *testing.T) {
	bus := NewBus(zerolog.Nop())
	defer bus.Close()

	// Buffer of one, never drained: the second publish must not block.
	_, cancel := bus.Subscribe(1)
	defer cancel()

	done := make(chan struct{})
	go func() {
		bus.Publish(Event{Name: ConnectionAdded})
		bus.Publish(Event{Name: ConnectionAdded})
		bus.Publish(Event{Name: ConnectionAdded})
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("publish blocked on a slow subscriber")
	}
	assert.GreaterOrEqual(t, bus.Dropped(), int64(2))
}

func TestCancelDetachesSubscriber(t *testing.T) {
	bus := NewBus(zerolog.Nop())
	defer bus.Close()

	ch, cancel := bus.Subscribe(1)
	cancel()

	// Channel is closed on cancel; publish after cancel must not panic.
	bus.Publish(Event{Name: ConnectionRemoved})

	_, open := <-ch
	assert.False(t, open, "cancelled subscriber channel should be closed")

	// Cancelling twice is harmless.
	cancel()
}

func TestCloseTerminatesAllSubscribers(t *testing.T) {
	bus := NewBus(zerolog.Nop())

	ch1, _ := bus.Subscribe(1)
	ch2, _ := bus.Subscribe(1)
	bus.Close()

	_, open := <-ch1
	require.False(t, open)
	_, open = <-ch2
	require.False(t, open)

	// Publish and Subscribe after close are inert.
	bus.Publish(Event{Name: EmergencyStop})
	ch3, cancel := bus.Subscribe(1)
	defer cancel()
	_, open = <-ch3
	assert.False(t, open)
}
