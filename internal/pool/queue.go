package pool

import (
	"sync"
)

// eventQueue is the per-job FIFO between a supervisor and its relay. When
// the number of queued chunk events reaches high, onPause runs; once the
// relay drains it below low, onResume runs. Both callbacks run under the
// queue lock so the worker sees pause and resume in the order they were
// decided.
type eventQueue struct {
	mu       sync.Mutex
	items    []Event
	notify   chan struct{} // capacity 1, signals new items or close
	closed   bool
	paused   bool
	high     int
	low      int
	peak     int
	onPause  func()
	onResume func()
}

func newEventQueue(high, low int, onPause, onResume func()) *eventQueue {
	if high < 1 {
		high = 1
	}
	if low < 1 || low > high {
		low = (high + 1) / 2
	}
	if onPause == nil {
		onPause = func() {}
	}
	if onResume == nil {
		onResume = func() {}
	}
	return &eventQueue{
		notify:   make(chan struct{}, 1),
		high:     high,
		low:      low,
		onPause:  onPause,
		onResume: onResume,
	}
}

// push appends a chunk event. It reports false once the queue is closed.
func (q *eventQueue) push(ev Event) bool {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return false
	}
	q.items = append(q.items, ev)
	if len(q.items) > q.peak {
		q.peak = len(q.items)
	}
	if !q.paused && len(q.items) >= q.high {
		q.paused = true
		q.onPause()
	}
	q.mu.Unlock()

	q.signal()
	return true
}

// finish appends the terminal event after any queued chunks and closes.
func (q *eventQueue) finish(ev Event) {
	q.mu.Lock()
	if !q.closed {
		q.items = append(q.items, ev)
		q.closed = true
	}
	q.mu.Unlock()
	q.signal()
}

// fail drops queued chunks, queues the terminal event alone and closes.
func (q *eventQueue) fail(ev Event) {
	q.mu.Lock()
	if !q.closed {
		q.items = append(q.items[:0], ev)
		q.closed = true
	}
	q.mu.Unlock()
	q.signal()
}

// pop removes the oldest event. It blocks until one is available, the
// queue is closed and empty (ok=false) or stop is closed.
func (q *eventQueue) pop(stop <-chan struct{}) (ev Event, ok bool) {
	for {
		q.mu.Lock()
		if len(q.items) > 0 {
			ev = q.items[0]
			q.items[0] = Event{}
			q.items = q.items[1:]
			if q.paused && !q.closed && len(q.items) < q.low {
				q.paused = false
				q.onResume()
			}
			q.mu.Unlock()
			return ev, true
		}
		closed := q.closed
		q.mu.Unlock()
		if closed {
			return Event{}, false
		}

		select {
		case <-q.notify:
		case <-stop:
			return Event{}, false
		}
	}
}

func (q *eventQueue) signal() {
	select {
	case q.notify <- struct{}{}:
	default:
	}
}

// Len returns the number of queued events.
func (q *eventQueue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}

// Peak returns the largest queue length seen.
func (q *eventQueue) Peak() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.peak
}

// Paused reports whether the producer is currently paused.
func (q *eventQueue) Paused() bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.paused
}
