package pool

import (
	"sync"

	"github.com/ChuLiYu/scoreload/pkg/types"
)

// EventKind tags an outward event.
type EventKind string

// Event kinds. Per job: any number of chunks, then exactly one complete or
// one error.
const (
	EventChunk    EventKind = "chunk"
	EventComplete EventKind = "complete"
	EventError    EventKind = "error"
)

// Event is one outward notification about a job.
type Event struct {
	Kind   EventKind
	JobID  types.JobID
	Chunk  *types.ChunkEvent       // EventChunk
	Result *types.ProcessingResult // EventComplete and EventError
	Error  *types.ErrorInfo        // EventError
}

// Subscription is one consumer's event stream.
type Subscription struct {
	ch    chan Event
	kinds map[EventKind]bool // empty accepts every kind
	done  chan struct{}
	once  sync.Once
}

// Events returns the stream. It is closed by Unsubscribe or Shutdown.
func (s *Subscription) Events() <-chan Event { return s.ch }

func (s *Subscription) wants(k EventKind) bool {
	return len(s.kinds) == 0 || s.kinds[k]
}

func (s *Subscription) stop() {
	s.once.Do(func() { close(s.done) })
}

// Subscribe registers a consumer for the given kinds, or all kinds if none
// are given. Delivery blocks while the buffer is full, which in turn
// throttles the workers of the affected jobs.
func (m *Manager) Subscribe(buffer int, kinds ...EventKind) *Subscription {
	if buffer < 0 {
		buffer = 0
	}
	s := &Subscription{
		ch:    make(chan Event, buffer),
		kinds: make(map[EventKind]bool, len(kinds)),
		done:  make(chan struct{}),
	}
	for _, k := range kinds {
		s.kinds[k] = true
	}

	m.subMu.Lock()
	defer m.subMu.Unlock()
	if m.subsClosed {
		close(s.ch)
		s.stop()
		return s
	}
	m.subs[s] = struct{}{}
	return s
}

// Unsubscribe stops delivery to s and closes its channel. It is idempotent.
func (m *Manager) Unsubscribe(s *Subscription) {
	s.stop()

	m.subMu.Lock()
	defer m.subMu.Unlock()
	if _, ok := m.subs[s]; ok {
		delete(m.subs, s)
		close(s.ch)
	}
}

// publish delivers ev to every interested subscriber in order. A
// subscriber that is full blocks the calling relay until it reads,
// unsubscribes or the manager stops.
func (m *Manager) publish(ev Event) {
	m.subMu.RLock()
	defer m.subMu.RUnlock()

	for s := range m.subs {
		if !s.wants(ev.Kind) {
			continue
		}
		select {
		case s.ch <- ev:
		case <-s.done:
		case <-m.stopCh:
			return
		}
	}
}

func (m *Manager) closeSubscriptions() {
	m.subMu.RLock()
	for s := range m.subs {
		s.stop()
	}
	m.subMu.RUnlock()

	m.subMu.Lock()
	defer m.subMu.Unlock()
	for s := range m.subs {
		close(s.ch)
	}
	m.subs = make(map[*Subscription]struct{})
	m.subsClosed = true
}

// Subscribers returns the number of open subscriptions.
func (m *Manager) Subscribers() int {
	m.subMu.RLock()
	defer m.subMu.RUnlock()
	return len(m.subs)
}
