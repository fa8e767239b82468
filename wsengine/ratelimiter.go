package wsengine

import (
	"sync"
	"time"
	"weak"
)

// RateLimiter enforces a per-client cap on inbound frames AND bytes within
// a fixed time window, per spec.md section 4.5. A client that exceeds
// either cap is suspended until the next window boundary, at which point
// both counters reset and it resumes automatically. Like HeartbeatQueue,
// entries are held as weak.Pointer so a dropped Client is never kept
// alive by this registration alone.
type RateLimiter struct {
	window    time.Duration
	maxFrames int
	maxBytes  int

	mu      sync.Mutex
	entries map[uint64]*rateEntry

	stop chan struct{}
	once sync.Once
}

type rateEntry struct {
	client    weak.Pointer[Client]
	frames    int
	bytes     int
	suspended bool
}

// NewRateLimiter constructs a RateLimiter. It does not start its reset loop
// until Run is called.
func NewRateLimiter(window time.Duration, maxFrames, maxBytes int) *RateLimiter {
	return &RateLimiter{
		window:    window,
		maxFrames: maxFrames,
		maxBytes:  maxBytes,
		entries:   make(map[uint64]*rateEntry),
		stop:      make(chan struct{}),
	}
}

// Register adds a Client to the limiter.
func (r *RateLimiter) Register(c *Client) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.entries[c.ID()] = &rateEntry{client: weak.Make(c)}
}

// Unregister removes a Client from the limiter.
func (r *RateLimiter) Unregister(id uint64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.entries, id)
}

// Allow records frameCount inbound frames and byteCount inbound bytes for
// id and reports whether the client remains under both its frame and byte
// budgets for the current window. Once a client is suspended it stays
// suspended (Allow keeps returning false) until the next window reset,
// even if called again before that reset.
func (r *RateLimiter) Allow(id uint64, frameCount, byteCount int) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.entries[id]
	if !ok {
		return true
	}
	if e.suspended {
		return false
	}
	e.frames += frameCount
	e.bytes += byteCount
	if e.frames > r.maxFrames || e.bytes > r.maxBytes {
		e.suspended = true
		return false
	}
	return true
}

// Suspended reports whether id is currently over budget.
func (r *RateLimiter) Suspended(id uint64) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.entries[id]
	return ok && e.suspended
}

// FramesPerSecondLimit returns the configured frame-count budget.
func (r *RateLimiter) FramesPerSecondLimit() int { return r.maxFrames }

// BytesPerSecondLimit returns the configured byte-count budget.
func (r *RateLimiter) BytesPerSecondLimit() int { return r.maxBytes }

// Run resets every client's window counters on a fixed tick until Stop is
// called. It blocks and is meant to be run in its own goroutine.
func (r *RateLimiter) Run() {
	ticker := time.NewTicker(r.window)
	defer ticker.Stop()
	for {
		select {
		case <-r.stop:
			return
		case <-ticker.C:
			r.resetWindow()
		}
	}
}

// Stop ends a running Run loop. Safe to call more than once.
func (r *RateLimiter) Stop() {
	r.once.Do(func() { close(r.stop) })
}

func (r *RateLimiter) resetWindow() {
	r.mu.Lock()
	defer r.mu.Unlock()
	for id, e := range r.entries {
		if e.client.Value() == nil {
			delete(r.entries, id)
			continue
		}
		e.frames = 0
		e.bytes = 0
		e.suspended = false
	}
}
