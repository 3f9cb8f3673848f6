// Package lifecycle delivers page-level teardown events to whoever subscribed.
//
// A page teardown means the whole process is about to go away (refresh or
// close, indistinguishable at the time). A view teardown means the user left
// the exam view while the process keeps running.
package lifecycle

import "sync"

type handler struct {
	id int
	fn func()
}

// Hub fans teardown events out to subscribers in registration order.
type Hub struct {
	mu     sync.Mutex
	nextID int
	page   []handler
	view   []handler
}

// NewHub creates a Hub with no subscribers.
func NewHub() *Hub {
	return &Hub{}
}

// OnPageTeardown subscribes fn. The returned func unsubscribes it.
func (h *Hub) OnPageTeardown(fn func()) (cancel func()) {
	return h.subscribe(&h.page, fn)
}

// OnViewTeardown subscribes fn. The returned func unsubscribes it.
func (h *Hub) OnViewTeardown(fn func()) (cancel func()) {
	return h.subscribe(&h.view, fn)
}

// FirePageTeardown runs every page-teardown subscriber synchronously.
func (h *Hub) FirePageTeardown() {
	for _, fn := range h.snapshot(&h.page) {
		fn()
	}
}

// FireViewTeardown runs every view-teardown subscriber synchronously.
func (h *Hub) FireViewTeardown() {
	for _, fn := range h.snapshot(&h.view) {
		fn()
	}
}

// Subscribers returns the number of live page and view subscriptions.
func (h *Hub) Subscribers() (page, view int) {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.page), len(h.view)
}

func (h *Hub) subscribe(list *[]handler, fn func()) func() {
	h.mu.Lock()
	defer h.mu.Unlock()

	h.nextID++
	id := h.nextID
	*list = append(*list, handler{id: id, fn: fn})

	var once sync.Once
	return func() {
		once.Do(func() {
			h.mu.Lock()
			defer h.mu.Unlock()
			for i, hd := range *list {
				if hd.id == id {
					*list = append((*list)[:i:i], (*list)[i+1:]...)
					return
				}
			}
		})
	}
}

// snapshot copies the handlers so subscribers may unsubscribe while firing.
func (h *Hub) snapshot(list *[]handler) []func() {
	h.mu.Lock()
	defer h.mu.Unlock()

	fns := make([]func(), len(*list))
	for i, hd := range *list {
		fns[i] = hd.fn
	}
	return fns
}
