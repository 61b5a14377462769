package events

import (
	"log/slog"
	"sync"
)

const (
	// recentBufferSize bounds the per-firing replay buffer handed to late
	// subscribers.
	recentBufferSize = 500

	// subscriberBuffer is the per-subscriber channel depth. A subscriber
	// that falls further behind loses events rather than blocking the
	// executor.
	subscriberBuffer = 64
)

// Bus is an in-process pub/sub of execution events keyed by firing id.
// Publishing never blocks: slow subscribers drop events.
type Bus struct {
	mu     sync.RWMutex
	topics map[string]*topic
}

type topic struct {
	subs   map[chan Event]struct{}
	recent []Event
	closed bool
}

// NewBus creates an empty event bus.
func NewBus() *Bus {
	return &Bus{topics: make(map[string]*topic)}
}

// Publish delivers an event to all subscribers of the firing and appends
// it to the replay buffer. Publishing to a closed or unknown topic
// creates the topic, so executors need no subscription handshake.
func (b *Bus) Publish(firingID string, ev Event) {
	b.mu.Lock()
	defer b.mu.Unlock()

	tp := b.topics[firingID]
	if tp == nil {
		tp = &topic{subs: make(map[chan Event]struct{})}
		b.topics[firingID] = tp
	}
	if tp.closed {
		return
	}

	if len(tp.recent) >= recentBufferSize {
		tp.recent = tp.recent[1:]
	}
	tp.recent = append(tp.recent, ev)

	for ch := range tp.subs {
		select {
		case ch <- ev:
		default:
			// Subscriber too slow; drop the event for them.
		}
	}
}

// Subscribe registers a subscriber for the firing's events. It returns
// the live channel, a snapshot of events published so far, and a cancel
// function. The channel is closed when the topic is closed.
func (b *Bus) Subscribe(firingID string) (<-chan Event, []Event, func()) {
	b.mu.Lock()
	defer b.mu.Unlock()

	tp := b.topics[firingID]
	if tp == nil {
		tp = &topic{subs: make(map[chan Event]struct{})}
		b.topics[firingID] = tp
	}

	ch := make(chan Event, subscriberBuffer)
	replay := make([]Event, len(tp.recent))
	copy(replay, tp.recent)

	if tp.closed {
		close(ch)
		return ch, replay, func() {}
	}
	tp.subs[ch] = struct{}{}

	cancel := func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		if _, ok := tp.subs[ch]; ok {
			delete(tp.subs, ch)
			close(ch)
		}
	}
	return ch, replay, cancel
}

// Close terminates a firing's topic: all subscriber channels are closed
// and the replay buffer is released.
func (b *Bus) Close(firingID string) {
	b.mu.Lock()
	defer b.mu.Unlock()

	tp := b.topics[firingID]
	if tp == nil {
		return
	}
	tp.closed = true
	for ch := range tp.subs {
		close(ch)
	}
	tp.subs = make(map[chan Event]struct{})
	delete(b.topics, firingID)
}

// Emitter publishes events for one firing and mirrors them to slog.
type Emitter struct {
	bus      *Bus
	firingID string
	recipeID string
}

// NewEmitter binds an emitter to a firing.
func (b *Bus) NewEmitter(firingID, recipeID string) *Emitter {
	return &Emitter{bus: b, firingID: firingID, recipeID: recipeID}
}

// Emit publishes one event and logs it.
func (e *Emitter) Emit(level Level, stage Stage, message string) {
	e.bus.Publish(e.firingID, NewEvent(level, stage, message))

	attrs := []any{"firing_id", e.firingID, "recipe_id", e.recipeID, "stage", string(stage)}
	switch level {
	case LevelWarning:
		slog.Warn(message, attrs...)
	case LevelError:
		slog.Error(message, attrs...)
	default:
		slog.Info(message, attrs...)
	}
}
