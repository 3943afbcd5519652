package ratelimit

import (
	"container/list"
	"context"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
)

// Memory keeps windows in process. At most maxKeys identifiers are tracked;
// the least recently seen is dropped first. Windows are pruned lazily on
// access.
type Memory struct {
	mu      sync.Mutex
	clock   clockwork.Clock
	maxKeys int
	order   *list.List // front is most recent
	entries map[string]*list.Element
}

type window struct {
	key  string
	hits []time.Time // ascending
}

func NewMemory(maxKeys int, clock clockwork.Clock) *Memory {
	if maxKeys <= 0 {
		maxKeys = 10000
	}
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	return &Memory{
		clock:   clock,
		maxKeys: maxKeys,
		order:   list.New(),
		entries: make(map[string]*list.Element),
	}
}

func (m *Memory) Check(_ context.Context, identifier string, limit int, win time.Duration) (Decision, error) {
	now := m.clock.Now()
	cutoff := now.Add(-win)

	m.mu.Lock()
	defer m.mu.Unlock()

	el, ok := m.entries[identifier]
	if !ok {
		el = m.order.PushFront(&window{key: identifier})
		m.entries[identifier] = el
		m.evict()
	} else {
		m.order.MoveToFront(el)
	}
	w := el.Value.(*window)

	i := 0
	for i < len(w.hits) && !w.hits[i].After(cutoff) {
		i++
	}
	w.hits = w.hits[i:]

	d := Decision{ResetAt: now.Add(win)}
	if len(w.hits) < limit {
		w.hits = append(w.hits, now)
		d.Allowed = true
		d.Remaining = limit - len(w.hits)
	}
	if len(w.hits) > 0 {
		d.ResetAt = w.hits[0].Add(win)
	}
	return d, nil
}

func (m *Memory) evict() {
	for m.order.Len() > m.maxKeys {
		oldest := m.order.Back()
		m.order.Remove(oldest)
		delete(m.entries, oldest.Value.(*window).key)
	}
}

// size reports how many identifiers are tracked.
func (m *Memory) size() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.order.Len()
}
