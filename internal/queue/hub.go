package queue

import "sync"

// hub fans terminal task states out to in-process waiters.
type hub struct {
	mu      sync.Mutex
	waiters map[string][]chan Task
}

func newHub() *hub {
	return &hub{waiters: map[string][]chan Task{}}
}

func (h *hub) subscribe(id string) (<-chan Task, func()) {
	ch := make(chan Task, 1)
	h.mu.Lock()
	h.waiters[id] = append(h.waiters[id], ch)
	h.mu.Unlock()
	return ch, func() {
		h.mu.Lock()
		defer h.mu.Unlock()
		list := h.waiters[id]
		for i, c := range list {
			if c == ch {
				list = append(list[:i], list[i+1:]...)
				break
			}
		}
		if len(list) == 0 {
			delete(h.waiters, id)
		} else {
			h.waiters[id] = list
		}
	}
}

func (h *hub) publish(t Task) {
	h.mu.Lock()
	list := h.waiters[t.ID]
	delete(h.waiters, t.ID)
	h.mu.Unlock()
	for _, ch := range list {
		ch <- t
	}
}
