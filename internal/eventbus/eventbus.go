// Package eventbus implements the Event Bus component (§4.3): in-process
// pub/sub with per-topic batched, debounced delivery and bounded history.
// It generalizes the teacher's SSEHub subscription-map/per-channel fan-out
// pattern from "broadcast immediately" to "batch on a flush timer."
package eventbus

import (
	"sync"
	"time"

	"github.com/flowforge/orchestrator/internal/platform/logger"
)

// Event is one published occurrence. Subtype groups events within a flush;
// Payload is opaque to the bus.
type Event struct {
	Subtype   string
	Payload   any
	Timestamp time.Time
}

// Handler receives one subtype's batch of events for a topic, in publish
// order, once per flush. A handler that panics is recovered and logged —
// it must not take down the bus's single flush goroutine for that topic.
type Handler func(topic string, subtype string, events []Event)

// HistoryEntry is one record in the bus-wide ring buffer.
type HistoryEntry struct {
	Topic string
	Event Event
}

type subscription struct {
	id      uint64
	handler Handler
}

type topicState struct {
	mu      sync.Mutex
	queue   []Event
	timer   *time.Timer
	subs    []*subscription
}

// Bus is the single-process event bus. Construct with New.
type Bus struct {
	log            *logger.Logger
	batchDelay     time.Duration
	maxHistorySize int

	mu     sync.Mutex
	topics map[string]*topicState
	nextID uint64

	histMu  sync.Mutex
	history []HistoryEntry
	histPos int

	dropped        int64
	flushedBatches int64
	closed         bool
}

// New constructs a bus that batches each topic's publishes for batchDelay
// before flushing, retaining up to maxHistorySize history entries.
func New(batchDelay time.Duration, maxHistorySize int, baseLog *logger.Logger) *Bus {
	return &Bus{
		log:            baseLog.With("component", "eventbus"),
		batchDelay:     batchDelay,
		maxHistorySize: maxHistorySize,
		topics:         make(map[string]*topicState),
		history:        make([]HistoryEntry, 0, maxHistorySize),
	}
}

// Subscribe registers handler on topic and returns an unsubscribe function.
// Subscribers are delivered to in subscription order within each flush.
func (b *Bus) Subscribe(topic string, handler Handler) func() {
	b.mu.Lock()
	ts, ok := b.topics[topic]
	if !ok {
		ts = &topicState{}
		b.topics[topic] = ts
	}
	b.nextID++
	id := b.nextID
	b.mu.Unlock()

	sub := &subscription{id: id, handler: handler}
	ts.mu.Lock()
	ts.subs = append(ts.subs, sub)
	ts.mu.Unlock()

	return func() {
		ts.mu.Lock()
		defer ts.mu.Unlock()
		for i, s := range ts.subs {
			if s.id == id {
				ts.subs = append(ts.subs[:i], ts.subs[i+1:]...)
				break
			}
		}
	}
}

// Publish appends event to topic's queue and (re-)schedules its flush
// timer. A publish after Close is dropped and counted.
func (b *Bus) Publish(topic string, event Event) {
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now()
	}
	b.recordHistory(topic, event)

	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		b.incDropped()
		return
	}
	ts, ok := b.topics[topic]
	if !ok {
		ts = &topicState{}
		b.topics[topic] = ts
	}
	b.mu.Unlock()

	ts.mu.Lock()
	ts.queue = append(ts.queue, event)
	if ts.timer != nil {
		ts.timer.Stop()
	}
	ts.timer = time.AfterFunc(b.batchDelay, func() { b.flush(topic, ts) })
	ts.mu.Unlock()
}

// flush groups queued events by subtype, preserving first-occurrence
// order, and delivers each group once per subscriber in subscription order.
func (b *Bus) flush(topic string, ts *topicState) {
	ts.mu.Lock()
	queued := ts.queue
	ts.queue = nil
	ts.timer = nil
	subs := make([]*subscription, len(ts.subs))
	copy(subs, ts.subs)
	ts.mu.Unlock()

	if len(queued) == 0 {
		return
	}

	var order []string
	groups := make(map[string][]Event)
	for _, e := range queued {
		if _, ok := groups[e.Subtype]; !ok {
			order = append(order, e.Subtype)
		}
		groups[e.Subtype] = append(groups[e.Subtype], e)
	}

	for _, subtype := range order {
		batch := groups[subtype]
		for _, sub := range subs {
			b.deliver(topic, subtype, batch, sub)
		}
	}

	b.histMu.Lock()
	b.flushedBatches += int64(len(order))
	b.histMu.Unlock()
}

func (b *Bus) deliver(topic, subtype string, batch []Event, sub *subscription) {
	defer func() {
		if r := recover(); r != nil {
			b.log.Warn("event bus subscriber panicked", "topic", topic, "subtype", subtype, "recovered", r)
		}
	}()
	sub.handler(topic, subtype, batch)
}

func (b *Bus) recordHistory(topic string, event Event) {
	if b.maxHistorySize <= 0 {
		return
	}
	b.histMu.Lock()
	defer b.histMu.Unlock()
	entry := HistoryEntry{Topic: topic, Event: event}
	if len(b.history) < b.maxHistorySize {
		b.history = append(b.history, entry)
	} else {
		b.history[b.histPos] = entry
		b.histPos = (b.histPos + 1) % b.maxHistorySize
	}
}

// History returns the retained history entries in publish order (oldest
// first) across all topics.
func (b *Bus) History() []HistoryEntry {
	b.histMu.Lock()
	defer b.histMu.Unlock()
	if len(b.history) < b.maxHistorySize || b.histPos == 0 {
		out := make([]HistoryEntry, len(b.history))
		copy(out, b.history)
		return out
	}
	out := make([]HistoryEntry, 0, len(b.history))
	out = append(out, b.history[b.histPos:]...)
	out = append(out, b.history[:b.histPos]...)
	return out
}

func (b *Bus) incDropped() {
	b.histMu.Lock()
	b.dropped++
	b.histMu.Unlock()
}

// DroppedUpdates reports the number of events dropped: publishes rejected
// after Close, plus any still-queued events discarded by Close itself.
func (b *Bus) DroppedUpdates() int64 {
	b.histMu.Lock()
	defer b.histMu.Unlock()
	return b.dropped
}

// FlushedBatches reports how many (topic, subtype) batches have been
// delivered to subscribers across the bus's lifetime.
func (b *Bus) FlushedBatches() int64 {
	b.histMu.Lock()
	defer b.histMu.Unlock()
	return b.flushedBatches
}

// Close stops every pending flush timer and drops whatever is still queued,
// counting each dropped event toward DroppedUpdates. Subsequent Publish
// calls are also dropped.
func (b *Bus) Close() {
	b.mu.Lock()
	b.closed = true
	topics := make([]*topicState, 0, len(b.topics))
	for _, ts := range b.topics {
		topics = append(topics, ts)
	}
	b.mu.Unlock()

	var droppedCount int64
	for _, ts := range topics {
		ts.mu.Lock()
		if ts.timer != nil {
			ts.timer.Stop()
			ts.timer = nil
		}
		droppedCount += int64(len(ts.queue))
		ts.queue = nil
		ts.mu.Unlock()
	}
	if droppedCount > 0 {
		b.histMu.Lock()
		b.dropped += droppedCount
		b.histMu.Unlock()
	}
}
