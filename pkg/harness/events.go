package harness

import (
	"context"
	"encoding/json"
	"strings"
	"sync"
)

// EventPrefix marks an unsolicited line emitted by the firmware.
const EventPrefix = "<<<"

// Event is one unsolicited notification, with the prefix removed. Text keeps
// the remainder verbatim, leading space included.
type Event struct {
	Text string
}

// Decode unmarshals the event body as JSON into v.
func (e Event) Decode(v any) error {
	return json.Unmarshal([]byte(strings.TrimSpace(e.Text)), v)
}

// EventSink receives events split out of command output.
type EventSink interface {
	Push(Event)
}

// FilterEvents moves event lines into sink and returns the remaining lines in
// order. A nil input yields nil.
func FilterEvents(lines []string, sink EventSink) []string {
	if lines == nil {
		return nil
	}
	out := make([]string, 0, len(lines))
	for _, line := range lines {
		if body, ok := strings.CutPrefix(line, EventPrefix); ok {
			if sink != nil {
				sink.Push(Event{Text: body})
			}
			continue
		}
		out = append(out, line)
	}
	return out
}

// EventQueue is an unbounded FIFO of events, one per device session.
type EventQueue struct {
	mu     sync.Mutex
	events []Event
	notify chan struct{}
}

// NewEventQueue returns an empty queue.
func NewEventQueue() *EventQueue {
	return &EventQueue{notify: make(chan struct{}, 1)}
}

// Push implements EventSink.
func (q *EventQueue) Push(ev Event) {
	q.mu.Lock()
	q.events = append(q.events, ev)
	q.mu.Unlock()
	q.signal()
}

func (q *EventQueue) signal() {
	select {
	case q.notify <- struct{}{}:
	default:
	}
}

// TryPop removes the oldest event without blocking.
func (q *EventQueue) TryPop() (Event, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.events) == 0 {
		return Event{}, false
	}
	ev := q.events[0]
	q.events[0] = Event{}
	q.events = q.events[1:]
	return ev, true
}

// Pop blocks until an event is available or ctx is done.
func (q *EventQueue) Pop(ctx context.Context) (Event, error) {
	for {
		if ev, ok := q.TryPop(); ok {
			// pass the wakeup on to the next waiting consumer
			if q.Len() > 0 {
				q.signal()
			}
			return ev, nil
		}
		select {
		case <-q.notify:
		case <-ctx.Done():
			return Event{}, ctx.Err()
		}
	}
}

// Drain removes and returns every queued event, oldest first.
func (q *EventQueue) Drain() []Event {
	q.mu.Lock()
	defer q.mu.Unlock()
	events := q.events
	q.events = nil
	return events
}

// Len returns the number of queued events.
func (q *EventQueue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.events)
}
