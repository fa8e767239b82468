package wsengine

import (
	"encoding/json"
	"sync"
)

// Hub fans out messages to a set of registered Clients, keyed by their
// numeric ClientMetadata id. It only ever calls a Client's public
// methods, so it works identically across Clients bound to different
// Transport implementations.
type Hub struct {
	mu      sync.RWMutex
	clients map[uint64]*Client
}

// NewHub returns an empty Hub, ready for Register/Broadcast.
func NewHub() *Hub {
	return &Hub{clients: make(map[uint64]*Client)}
}

// Register adds c to the Hub and arranges for it to be removed
// automatically once it closes.
func (h *Hub) Register(c *Client) {
	h.mu.Lock()
	h.clients[c.ID()] = c
	h.mu.Unlock()
	c.OnClose(func(CloseInfo) { h.Unregister(c.ID()) })
}

// Unregister removes a client by id. Safe to call more than once.
func (h *Hub) Unregister(id uint64) {
	h.mu.Lock()
	delete(h.clients, id)
	h.mu.Unlock()
}

// ClientCount returns the number of currently registered clients.
func (h *Hub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// Broadcast sends payload as frameType to every registered client. A send
// that fails unregisters that client; Broadcast does not otherwise report
// per-client errors.
func (h *Hub) Broadcast(frameType FrameType, payload []byte) {
	h.mu.RLock()
	targets := make([]*Client, 0, len(h.clients))
	for _, c := range h.clients {
		targets = append(targets, c)
	}
	h.mu.RUnlock()

	for _, c := range targets {
		go func(c *Client) {
			if err := c.Send(frameType, payload); err != nil {
				h.Unregister(c.ID())
			}
		}(c)
	}
}

// BroadcastText broadcasts a text message to every registered client.
func (h *Hub) BroadcastText(text string) {
	h.Broadcast(FrameText, []byte(text))
}

// BroadcastJSON marshals v and broadcasts it as a text message.
func (h *Hub) BroadcastJSON(v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	h.Broadcast(FrameText, data)
	return nil
}

// BroadcastPrepared broadcasts a PreparedMessage, letting each client reuse
// its own negotiated compression state.
func (h *Hub) BroadcastPrepared(pm *PreparedMessage) {
	h.mu.RLock()
	targets := make([]*Client, 0, len(h.clients))
	for _, c := range h.clients {
		targets = append(targets, c)
	}
	h.mu.RUnlock()

	for _, c := range targets {
		go func(c *Client) {
			if err := c.SendPrepared(pm); err != nil {
				h.Unregister(c.ID())
			}
		}(c)
	}
}

// Close closes every registered client with CloseGoingAway and empties the
// Hub. Safe to call more than once.
func (h *Hub) Close() {
	h.mu.Lock()
	targets := make([]*Client, 0, len(h.clients))
	for _, c := range h.clients {
		targets = append(targets, c)
	}
	h.clients = make(map[uint64]*Client)
	h.mu.Unlock()

	for _, c := range targets {
		_ = c.Close(CloseGoingAway, "hub shutting down")
	}
}
