package reactive

import "sync"

// Feed is the registry of currently-connected admin clients. There is
// no per-query subscription concept; every client sees every event.
type Feed struct {
	mu      sync.RWMutex
	clients map[*Client]struct{}
}

func NewFeed() *Feed {
	return &Feed{clients: make(map[*Client]struct{})}
}

func (f *Feed) Register(c *Client) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.clients[c] = struct{}{}
}

func (f *Feed) Unregister(c *Client) {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.clients, c)
}

// Broadcast fans one Event out to every connected client, dropping (and
// unregistering) any client whose Send fails. Delivery is best-effort;
// each Send runs synchronously on the caller's goroutine, so a slow
// client delays the broadcast.
func (f *Feed) Broadcast(kind string, payload any) {
	f.mu.RLock()
	clients := make([]*Client, 0, len(f.clients))
	for c := range f.clients {
		clients = append(clients, c)
	}
	f.mu.RUnlock()

	ev := Event{Kind: kind, Payload: payload}
	for _, c := range clients {
		if err := c.Send(ev.Kind, ev.Payload); err != nil {
			f.Unregister(c)
		}
	}
}

// Count reports how many clients are currently connected.
func (f *Feed) Count() int {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return len(f.clients)
}
