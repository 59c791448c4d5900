package eventbus

import (
	"sync"
	"testing"
	"time"

	"github.com/flowforge/orchestrator/internal/platform/logger"
)

func testLogger(t *testing.T) *logger.Logger {
	t.Helper()
	log, err := logger.New("test")
	if err != nil {
		t.Fatalf("logger.New: %v", err)
	}
	return log
}

func TestPublishBatchesWithinDelay(t *testing.T) {
	bus := New(20*time.Millisecond, 100, testLogger(t))
	defer bus.Close()

	var mu sync.Mutex
	var batches [][]Event
	bus.Subscribe("topic-a", func(topic, subtype string, events []Event) {
		mu.Lock()
		defer mu.Unlock()
		batches = append(batches, events)
	})

	bus.Publish("topic-a", Event{Subtype: "progress", Payload: 1})
	bus.Publish("topic-a", Event{Subtype: "progress", Payload: 2})
	bus.Publish("topic-a", Event{Subtype: "progress", Payload: 3})

	time.Sleep(60 * time.Millisecond)

	mu.Lock()
	defer mu.Unlock()
	if len(batches) != 1 {
		t.Fatalf("expected exactly one flushed batch, got %d", len(batches))
	}
	if len(batches[0]) != 3 {
		t.Fatalf("expected batch of 3 events, got %d", len(batches[0]))
	}
}

func TestFlushGroupsBySubtype(t *testing.T) {
	bus := New(20*time.Millisecond, 100, testLogger(t))
	defer bus.Close()

	var mu sync.Mutex
	calls := make(map[string]int)
	bus.Subscribe("topic-a", func(topic, subtype string, events []Event) {
		mu.Lock()
		defer mu.Unlock()
		calls[subtype] += len(events)
	})

	bus.Publish("topic-a", Event{Subtype: "progress"})
	bus.Publish("topic-a", Event{Subtype: "error"})
	bus.Publish("topic-a", Event{Subtype: "progress"})

	time.Sleep(60 * time.Millisecond)

	mu.Lock()
	defer mu.Unlock()
	if calls["progress"] != 2 || calls["error"] != 1 {
		t.Fatalf("unexpected subtype grouping: %+v", calls)
	}
}

func TestFailingSubscriberDoesNotBlockOthers(t *testing.T) {
	bus := New(10*time.Millisecond, 100, testLogger(t))
	defer bus.Close()

	var mu sync.Mutex
	delivered := false
	bus.Subscribe("topic-a", func(topic, subtype string, events []Event) {
		panic("boom")
	})
	bus.Subscribe("topic-a", func(topic, subtype string, events []Event) {
		mu.Lock()
		delivered = true
		mu.Unlock()
	})

	bus.Publish("topic-a", Event{Subtype: "x"})
	time.Sleep(40 * time.Millisecond)

	mu.Lock()
	defer mu.Unlock()
	if !delivered {
		t.Fatalf("expected second subscriber to still receive the batch after the first panicked")
	}
}

func TestUnsubscribeStopsDelivery(t *testing.T) {
	bus := New(10*time.Millisecond, 100, testLogger(t))
	defer bus.Close()

	var mu sync.Mutex
	count := 0
	unsub := bus.Subscribe("topic-a", func(topic, subtype string, events []Event) {
		mu.Lock()
		count++
		mu.Unlock()
	})

	bus.Publish("topic-a", Event{Subtype: "x"})
	time.Sleep(30 * time.Millisecond)
	unsub()
	bus.Publish("topic-a", Event{Subtype: "x"})
	time.Sleep(30 * time.Millisecond)

	mu.Lock()
	defer mu.Unlock()
	if count != 1 {
		t.Fatalf("expected exactly 1 delivery before unsubscribe, got %d", count)
	}
}

func TestHistoryBoundedRingBuffer(t *testing.T) {
	bus := New(time.Hour, 3, testLogger(t))
	defer bus.Close()

	for i := 0; i < 5; i++ {
		bus.Publish("topic-a", Event{Subtype: "x", Payload: i})
	}

	hist := bus.History()
	if len(hist) != 3 {
		t.Fatalf("expected history capped at 3, got %d", len(hist))
	}
	if hist[0].Event.Payload != 2 || hist[2].Event.Payload != 4 {
		t.Fatalf("expected oldest-to-newest window [2,3,4], got %+v", hist)
	}
}

func TestCloseDropsPendingEvents(t *testing.T) {
	bus := New(time.Hour, 10, testLogger(t))
	bus.Subscribe("topic-a", func(topic, subtype string, events []Event) {})
	bus.Publish("topic-a", Event{Subtype: "x"})
	bus.Publish("topic-a", Event{Subtype: "x"})

	bus.Close()

	if got := bus.DroppedUpdates(); got != 2 {
		t.Fatalf("expected 2 dropped updates from the pending queue, got %d", got)
	}

	bus.Publish("topic-a", Event{Subtype: "x"})
	if got := bus.DroppedUpdates(); got != 3 {
		t.Fatalf("expected publish-after-close to also count as dropped, got %d", got)
	}
}
