package wsengine

import (
	"strconv"
	"sync"
	"time"
)

// CloseInfo describes how a connection's close handshake concluded. It is
// set at most once on a ClientMetadata.
type CloseInfo struct {
	Code            CloseCode
	Reason          string
	Timestamp       time.Time
	InitiatedByPeer bool
}

// ClientMetadata is the read-only snapshot of a Client's lifecycle
// counters, timestamps and close state. It is owned exclusively by its
// Client; callers only ever see a copy returned from Client.Metrics.
type ClientMetadata struct {
	ID uint64

	BytesReceived    uint64
	BytesSent        uint64
	FramesReceived   uint64
	FramesSent       uint64
	MessagesReceived uint64
	MessagesSent     uint64
	PingsSent        uint64
	PingsReceived    uint64
	PongsSent        uint64
	PongsReceived    uint64

	ConnectedAt    time.Time
	ClosedAt       time.Time
	LastReadAt     time.Time
	LastSentAt     time.Time
	LastDataReadAt time.Time
	LastDataSentAt time.Time
	LastHeartbeat  time.Time

	CompressionEnabled bool
	CloseInfo          *CloseInfo
}

// UnansweredPings is pings_sent minus pongs_received, the count the
// HeartbeatQueue watches to decide when a peer has gone silent.
func (m ClientMetadata) UnansweredPings() uint64 {
	if m.PongsReceived >= m.PingsSent {
		return 0
	}
	return m.PingsSent - m.PongsReceived
}

// clientCounters is the mutable, lock-protected store a Client updates as
// frames cross the wire. Metrics() takes a consistent snapshot under the
// same lock.
type clientCounters struct {
	mu   sync.Mutex
	data ClientMetadata
}

func newClientCounters(id uint64, compressionEnabled bool) *clientCounters {
	now := nowFunc()
	return &clientCounters{
		data: ClientMetadata{
			ID:                 id,
			ConnectedAt:        now,
			CompressionEnabled: compressionEnabled,
		},
	}
}

func (c *clientCounters) snapshot() ClientMetadata {
	c.mu.Lock()
	defer c.mu.Unlock()
	cp := c.data
	if c.data.CloseInfo != nil {
		info := *c.data.CloseInfo
		cp.CloseInfo = &info
	}
	return cp
}

func (c *clientCounters) onRead(n int, t time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.data.BytesReceived += uint64(n)
	c.data.FramesReceived++
	c.data.LastReadAt = t
}

func (c *clientCounters) onDataMessageReceived(t time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.data.MessagesReceived++
	c.data.LastDataReadAt = t
}

func (c *clientCounters) onWrite(n int, t time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.data.BytesSent += uint64(n)
	c.data.FramesSent++
	c.data.LastSentAt = t
}

func (c *clientCounters) onDataMessageSent(t time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.data.MessagesSent++
	c.data.LastDataSentAt = t
}

func (c *clientCounters) onPingSent(t time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.data.PingsSent++
	c.data.LastHeartbeat = t
}

func (c *clientCounters) onPingReceived() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.data.PingsReceived++
}

func (c *clientCounters) onPongSent() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.data.PongsSent++
}

// onPongReceived parses payload as a decimal integer and, if it parses,
// sets pongs_received = min(pings_sent, max(0, parsed)) to prevent a
// forged payload from inflating the count past what was actually sent,
// and refreshes last_heartbeat_at. A non-numeric payload (including the
// empty payload a bare, unsolicited Pong carries) is ignored outright.
func (c *clientCounters) onPongReceived(payload []byte, t time.Time) {
	parsed, err := strconv.ParseInt(string(payload), 10, 64)
	if err != nil {
		return
	}
	if parsed < 0 {
		parsed = 0
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	pongs := uint64(parsed)
	if pongs > c.data.PingsSent {
		pongs = c.data.PingsSent
	}
	c.data.PongsReceived = pongs
	c.data.LastHeartbeat = t
}

func (c *clientCounters) unansweredPings() uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.data.UnansweredPings()
}

func (c *clientCounters) onClosed(info CloseInfo) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.data.CloseInfo != nil {
		return
	}
	c.data.CloseInfo = &info
	c.data.ClosedAt = info.Timestamp
}

// nowFunc is a seam for tests; production code always uses time.Now.
var nowFunc = time.Now
