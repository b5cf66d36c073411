// SPDX-FileCopyrightText: 2025 Jon Thor Kristinsson
// SPDX-License-Identifier: Apache-2.0

package eventbus_test

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jontk/wsi-scheduler/internal/eventbus"
)

func TestPublishDeliversInOrderToSubscriber(t *testing.T) {
	bus := eventbus.New()
	sub := bus.Subscribe("job-1")
	defer sub.Close()

	for i := 0; i < 5; i++ {
		bus.Publish("job-1", eventbus.Event{EntityID: "job-1", Progress: float64(i) / 4})
	}

	for i := 0; i < 5; i++ {
		select {
		case ev := <-sub.Events:
			assert.Equal(t, float64(i)/4, ev.Progress)
		case <-time.After(time.Second):
			t.Fatal("timed out waiting for event")
		}
	}
}

func TestPublishNeverBlocksOnFullBuffer(t *testing.T) {
	bus := eventbus.NewWithBufferSize(2)
	sub := bus.Subscribe("job-1")
	defer sub.Close()

	done := make(chan struct{})
	go func() {
		for i := 0; i < 100; i++ {
			bus.Publish("job-1", eventbus.Event{EntityID: "job-1", Progress: float64(i)})
		}
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("publish blocked on a lagging subscriber")
	}
}

func TestOverflowDropsOldestNotNewest(t *testing.T) {
	bus := eventbus.NewWithBufferSize(2)
	sub := bus.Subscribe("job-1")
	defer sub.Close()

	bus.Publish("job-1", eventbus.Event{Progress: 0.1})
	bus.Publish("job-1", eventbus.Event{Progress: 0.2})
	bus.Publish("job-1", eventbus.Event{Progress: 0.3}) // overflow: drop 0.1

	first := <-sub.Events
	second := <-sub.Events
	assert.Equal(t, 0.2, first.Progress)
	assert.Equal(t, 0.3, second.Progress)
}

func TestSubscribersAreIsolatedPerEntity(t *testing.T) {
	bus := eventbus.New()
	subA := bus.Subscribe("job-A")
	subB := bus.Subscribe("job-B")
	defer subA.Close()
	defer subB.Close()

	bus.Publish("job-A", eventbus.Event{EntityID: "job-A"})

	select {
	case ev := <-subA.Events:
		assert.Equal(t, "job-A", ev.EntityID)
	case <-time.After(time.Second):
		t.Fatal("job-A subscriber did not receive its event")
	}

	select {
	case ev := <-subB.Events:
		t.Fatalf("job-B subscriber unexpectedly received %+v", ev)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestCloseDetachesSubscriber(t *testing.T) {
	bus := eventbus.New()
	sub := bus.Subscribe("job-1")
	require.Equal(t, 1, bus.SubscriberCount("job-1"))

	sub.Close()
	assert.Equal(t, 0, bus.SubscriberCount("job-1"))

	// Publishing after close must not panic even though no one is listening.
	assert.NotPanics(t, func() {
		bus.Publish("job-1", eventbus.Event{})
	})
}

func TestMultipleSubscribersOnSameEntityEachGetEvents(t *testing.T) {
	bus := eventbus.New()
	subA := bus.Subscribe("job-1")
	subB := bus.Subscribe("job-1")
	defer subA.Close()
	defer subB.Close()

	bus.Publish("job-1", eventbus.Event{State: "RUNNING"})

	for _, sub := range []*eventbus.Subscriber{subA, subB} {
		select {
		case ev := <-sub.Events:
			assert.Equal(t, "RUNNING", ev.State)
		case <-time.After(time.Second):
			t.Fatal("subscriber did not receive the event")
		}
	}
}
