package session

import (
	"context"
	"sync"
)

type queuedEvent struct {
	ev Event
	// marker items carry no event and only run after.
	marker bool
	// after runs once the sink has returned for ev.
	after func()
}

// eventQueue delivers events to a sink on its own goroutine, in push order.
// push never blocks, so a slow sink cannot stall the controller.
type eventQueue struct {
	sink EventSink

	mu      sync.Mutex
	pending []queuedEvent
	closed  bool

	wake chan struct{}
	done chan struct{}
}

func newEventQueue(sink EventSink) *eventQueue {
	q := &eventQueue{
		sink: sink,
		wake: make(chan struct{}, 1),
		done: make(chan struct{}),
	}
	go q.run()
	return q
}

func (q *eventQueue) push(item queuedEvent) {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		if item.after != nil {
			item.after()
		}
		return
	}
	q.pending = append(q.pending, item)
	q.mu.Unlock()
	q.signal()
}

// flush blocks until every event pushed before it has been delivered.
func (q *eventQueue) flush(ctx context.Context) error {
	delivered := make(chan struct{})
	q.push(queuedEvent{marker: true, after: func() { close(delivered) }})
	select {
	case <-delivered:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// close stops the queue once the pending events are delivered.
func (q *eventQueue) close() {
	q.mu.Lock()
	q.closed = true
	q.mu.Unlock()
	q.signal()
}

func (q *eventQueue) signal() {
	select {
	case q.wake <- struct{}{}:
	default:
	}
}

func (q *eventQueue) run() {
	defer close(q.done)
	for range q.wake {
		for {
			q.mu.Lock()
			if len(q.pending) == 0 {
				closed := q.closed
				q.mu.Unlock()
				if closed {
					return
				}
				break
			}
			item := q.pending[0]
			q.pending[0] = queuedEvent{}
			q.pending = q.pending[1:]
			q.mu.Unlock()

			if !item.marker {
				q.sink.OnEvent(item.ev)
			}
			if item.after != nil {
				item.after()
			}
		}
	}
}
