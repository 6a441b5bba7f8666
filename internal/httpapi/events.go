package httpapi

import (
	"sync"

	"github.com/inkrelay/inkrelay/internal/syncrun"
)

const subscriberBuffer = 16

// EventHub fans sync-run events out to websocket subscribers. Slow
// subscribers drop events instead of blocking a run.
type EventHub struct {
	mu          sync.Mutex
	subscribers map[chan syncrun.Event]struct{}
}

func NewEventHub() *EventHub {
	return &EventHub{subscribers: map[chan syncrun.Event]struct{}{}}
}

func (h *EventHub) Publish(ev syncrun.Event) {
	if h == nil {
		return
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	for ch := range h.subscribers {
		select {
		case ch <- ev:
		default:
		}
	}
}

func (h *EventHub) Subscribe() (<-chan syncrun.Event, func()) {
	ch := make(chan syncrun.Event, subscriberBuffer)
	h.mu.Lock()
	h.subscribers[ch] = struct{}{}
	h.mu.Unlock()
	cancel := func() {
		h.mu.Lock()
		delete(h.subscribers, ch)
		h.mu.Unlock()
	}
	return ch, cancel
}
