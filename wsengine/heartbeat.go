package wsengine

import (
	"sync"
	"time"
	"weak"

	"github.com/rs/zerolog"
)

// HeartbeatQueue pings every registered Client on a fixed interval and
// closes any connection that has accumulated more unanswered pings than
// MaxMissed allows. It holds weak.Pointer references so a Client that has
// otherwise gone out of scope is never kept alive just because it is still
// registered here, per spec.md section 9's weak-reference design note.
type HeartbeatQueue struct {
	interval  time.Duration
	maxMissed int
	logger    zerolog.Logger

	mu      sync.Mutex
	order   []uint64
	clients map[uint64]weak.Pointer[Client]

	stop chan struct{}
	once sync.Once
}

// NewHeartbeatQueue constructs a HeartbeatQueue. It does not start ticking
// until Run is called.
func NewHeartbeatQueue(interval time.Duration, maxMissed int, logger zerolog.Logger) *HeartbeatQueue {
	return &HeartbeatQueue{
		interval:  interval,
		maxMissed: maxMissed,
		logger:    logger,
		clients:   make(map[uint64]weak.Pointer[Client]),
		stop:      make(chan struct{}),
	}
}

// Register adds a Client to the watch list.
func (q *HeartbeatQueue) Register(c *Client) {
	q.mu.Lock()
	defer q.mu.Unlock()
	id := c.ID()
	if _, exists := q.clients[id]; !exists {
		q.order = append(q.order, id)
	}
	q.clients[id] = weak.Make(c)
}

// Unregister removes a Client from the watch list. It is safe to call more
// than once and for an id that was never registered.
func (q *HeartbeatQueue) Unregister(id uint64) {
	q.mu.Lock()
	defer q.mu.Unlock()
	delete(q.clients, id)
}

// Run ticks every interval until Stop is called, pinging or closing each
// registered Client. It blocks and is meant to be run in its own goroutine.
func (q *HeartbeatQueue) Run() {
	ticker := time.NewTicker(q.interval)
	defer ticker.Stop()
	for {
		select {
		case <-q.stop:
			return
		case <-ticker.C:
			q.sweep()
		}
	}
}

// Stop ends a running Run loop. Safe to call more than once.
func (q *HeartbeatQueue) Stop() {
	q.once.Do(func() { close(q.stop) })
}

func (q *HeartbeatQueue) sweep() {
	q.mu.Lock()
	order := make([]uint64, len(q.order))
	copy(order, q.order)
	q.mu.Unlock()

	live := order[:0]
	for _, id := range order {
		q.mu.Lock()
		ptr, ok := q.clients[id]
		q.mu.Unlock()
		if !ok {
			continue
		}
		c := ptr.Value()
		if c == nil {
			q.Unregister(id)
			continue
		}
		live = append(live, id)

		if int(c.unansweredPingCount()) > q.maxMissed {
			q.logger.Warn().Uint64("client_id", id).Msg("heartbeat timeout, closing connection")
			c.closeDueToHeartbeatTimeout()
			q.Unregister(id)
			continue
		}
		if err := c.sendHeartbeatPing(); err != nil {
			q.logger.Debug().Uint64("client_id", id).Err(err).Msg("heartbeat ping failed")
		}
	}

	q.mu.Lock()
	q.order = live
	q.mu.Unlock()
}
