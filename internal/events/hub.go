package events

import "sync"

const subscriberBuffer = 256

// Message is an event as seen by a Hub subscriber.
type Message struct {
	Channel string `json:"event"`
	Payload any    `json:"payload"`
}

// Hub is an in-process Emitter that fans events out to subscribers.
//
// A subscriber that falls subscriberBuffer messages behind is dropped and its
// channel closed; terminal output is useless with holes in it.
type Hub struct {
	mu     sync.Mutex
	subs   map[chan Message]func(string) bool
	closed bool
}

func NewHub() *Hub {
	return &Hub{subs: make(map[chan Message]func(string) bool)}
}

// Emit delivers to every matching subscriber. It only fails after Close.
func (h *Hub) Emit(channel string, payload any) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return ErrClosed
	}

	msg := Message{Channel: channel, Payload: payload}
	for ch, match := range h.subs {
		if match != nil && !match(channel) {
			continue
		}
		select {
		case ch <- msg:
		default:
			// Slow subscriber, disconnect it
			delete(h.subs, ch)
			close(ch)
		}
	}
	return nil
}

// Subscribe registers a subscriber. match filters by channel name; nil
// receives everything. The returned function unsubscribes and is safe to
// call more than once.
func (h *Hub) Subscribe(match func(channel string) bool) (<-chan Message, func()) {
	ch := make(chan Message, subscriberBuffer)

	h.mu.Lock()
	if h.closed {
		close(ch)
	} else {
		h.subs[ch] = match
	}
	h.mu.Unlock()

	unsub := func() {
		h.mu.Lock()
		defer h.mu.Unlock()
		if _, ok := h.subs[ch]; ok {
			delete(h.subs, ch)
			close(ch)
		}
	}
	return ch, unsub
}

// Close disconnects all subscribers. Later Emit calls return ErrClosed.
func (h *Hub) Close() {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return
	}
	h.closed = true
	for ch := range h.subs {
		close(ch)
		delete(h.subs, ch)
	}
}

// Broad matches the un-scoped channels only.
func Broad(channel string) bool {
	_, _, scoped := SplitScoped(channel)
	return !scoped
}

// ForSession matches the scoped channels of one session.
func ForSession(sessionID string) func(string) bool {
	return func(channel string) bool {
		_, sid, ok := SplitScoped(channel)
		return ok && sid == sessionID
	}
}

var _ Emitter = (*Hub)(nil)
