// Package dedupe detects repeated message ids on the receiving side of an
// at-least-once channel.
package dedupe

import (
	"container/list"
	"sync"
	"time"

	"yuim/libs/core-push-go/pkg/clock"
)

type entry struct {
	id   uint64
	seen time.Time
}

// Window remembers ids for ttl, holding at most capacity of them. When full the
// oldest id is forgotten first.
type Window struct {
	mu    sync.Mutex
	clk   clock.Clock
	ttl   time.Duration
	cap   int
	order *list.List
	idx   map[uint64]*list.Element
}

func New(capacity int, ttl time.Duration, clk clock.Clock) *Window {
	if capacity <= 0 {
		capacity = 4096
	}
	if ttl <= 0 {
		ttl = 10 * time.Minute
	}
	if clk == nil {
		clk = clock.Real()
	}
	return &Window{
		clk:   clk,
		ttl:   ttl,
		cap:   capacity,
		order: list.New(),
		idx:   make(map[uint64]*list.Element, capacity),
	}
}

// First reports whether id has not been seen within the window, and records it.
func (w *Window) First(id uint64) bool {
	now := w.clk.Now()
	w.mu.Lock()
	defer w.mu.Unlock()

	w.evict(now)
	if _, ok := w.idx[id]; ok {
		return false
	}
	for w.order.Len() >= w.cap {
		w.remove(w.order.Front())
	}
	w.idx[id] = w.order.PushBack(entry{id: id, seen: now})
	return true
}

// Forget drops id so its next First reports true again.
func (w *Window) Forget(id uint64) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if el, ok := w.idx[id]; ok {
		w.remove(el)
	}
}

func (w *Window) Len() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.order.Len()
}

func (w *Window) evict(now time.Time) {
	for el := w.order.Front(); el != nil; el = w.order.Front() {
		if now.Sub(el.Value.(entry).seen) < w.ttl {
			return
		}
		w.remove(el)
	}
}

func (w *Window) remove(el *list.Element) {
	delete(w.idx, el.Value.(entry).id)
	w.order.Remove(el)
}
