package wsengine

import (
	"fmt"
	"io"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
)

var nextClientID uint64

// clientState is the Client lifecycle state from spec.md section 4.3:
// Open -> Closing -> Closed, monotonic and never reversed.
type clientState int32

const (
	stateOpen clientState = iota
	stateClosing
	stateClosed
)

// Client is a WebSocket endpoint's state machine: it owns a Parser and
// FrameCompiler pair bound to one Transport, serializes outbound frames
// through a single writer, assembles inbound frames into Messages, and
// drives the close handshake. A Client is safe for concurrent Send* and
// Receive calls; Run must only be called once.
type Client struct {
	id        uint64
	isServer  bool
	transport Transport
	cfg       Config
	logger    zerolog.Logger

	parser      *Parser
	compiler    *FrameCompiler
	compression CompressionContext

	heartbeat *HeartbeatQueue
	limiter   *RateLimiter

	counters *clientCounters

	writeMu sync.Mutex

	lifecycle atomic.Int32
	closeOnce sync.Once
	closedCh  chan struct{}

	messages chan *Message
	pending  *pendingStream // in-progress streaming inbound message, nil between messages

	onCloseMu sync.Mutex
	onClose   []func(CloseInfo)
}

// pendingStream buffers the chunk/error channels of a streaming inbound
// Message while its fragments are still arriving.
type pendingStream struct {
	chunks chan []byte
	errc   chan error
}

// ClientOptions configures collaborators a Client may or may not have; all
// fields are optional.
type ClientOptions struct {
	Compression CompressionContext
	Heartbeat   *HeartbeatQueue
	RateLimiter *RateLimiter
	Logger      zerolog.Logger
}

// NewClient constructs a Client bound to transport. isServer selects the
// masking role: a server expects masked inbound frames and sends unmasked
// frames; a client is the reverse.
func NewClient(transport Transport, isServer bool, cfg Config, opts ClientOptions) *Client {
	id := atomic.AddUint64(&nextClientID, 1)

	c := &Client{
		id:        id,
		isServer:  isServer,
		transport: transport,
		cfg:       cfg,
		logger:    opts.Logger,
		heartbeat: opts.Heartbeat,
		limiter:   opts.RateLimiter,
		counters:  newClientCounters(id, opts.Compression != nil),
		closedCh:    make(chan struct{}),
		messages:    make(chan *Message, 8),
		compression: opts.Compression,
	}

	c.parser = NewParser(
		isServer,
		ParserLimits{FrameSizeLimit: cfg.FrameSizeLimit, MessageSizeLimit: cfg.MessageSizeLimit},
		cfg.TextOnly,
		cfg.ValidateUTF8,
		opts.Compression,
		c.handleFrame,
	)
	c.compiler = NewFrameCompiler(!isServer, opts.Compression, cfg.CompressionThreshold, cfg.FrameSplitThreshold)

	if c.heartbeat != nil {
		c.heartbeat.Register(c)
	}
	if c.limiter != nil {
		c.limiter.Register(c)
	}

	return c
}

// ID returns the Client's stable numeric identifier.
func (c *Client) ID() uint64 { return c.id }

// Metrics returns a point-in-time snapshot of the Client's counters.
func (c *Client) Metrics() ClientMetadata { return c.counters.snapshot() }

// OnClose registers a callback invoked exactly once when the Client
// finishes closing, however that close was triggered.
func (c *Client) OnClose(fn func(CloseInfo)) {
	c.onCloseMu.Lock()
	defer c.onCloseMu.Unlock()
	c.onClose = append(c.onClose, fn)
}

func (c *Client) currentState() clientState { return clientState(c.lifecycle.Load()) }

// compressionForSend exposes the negotiated CompressionContext to
// PreparedMessage sends.
func (c *Client) compressionForSend() CompressionContext { return c.compression }

// Run drives the read loop until the Transport is closed or a fatal
// protocol error occurs. It must be called exactly once, typically in its
// own goroutine, and returns the reason the loop stopped.
func (c *Client) Run() error {
	buf := make([]byte, 16*1024)
	for {
		n, err := c.transport.Read(buf)
		if n > 0 {
			now := nowFunc()
			c.counters.onRead(n, now)
			if c.limiter != nil && !c.limiter.Allow(c.id, 1, n) {
				// Over budget: hold the reader until the limiter's next
				// window reset lifts the suspension, or the Client closes.
				for c.limiter.Suspended(c.id) {
					select {
					case <-c.closedCh:
						return nil
					case <-time.After(10 * time.Millisecond):
					}
				}
			}
			if perr := c.parser.Push(buf[:n]); perr != nil {
				c.fail(perr)
				return perr
			}
		}
		if err != nil {
			if err == io.EOF {
				c.finishClose(CloseInfo{Code: CloseAbnormalClosure, Reason: "connection closed without a close frame", Timestamp: nowFunc(), InitiatedByPeer: true})
				return nil
			}
			if c.currentState() == stateClosed {
				return nil
			}
			c.fail(err)
			return err
		}
	}
}

// fail transitions the Client to Closed on a fatal read-side error,
// attempting a best-effort Close frame carrying the appropriate code.
func (c *Client) fail(err error) {
	code := closeCodeOf(err)
	_ = c.sendCloseFrame(code, err.Error())
	c.finishClose(CloseInfo{Code: code, Reason: err.Error(), Timestamp: nowFunc(), InitiatedByPeer: false})
}

// handleFrame is the Parser's FrameHandler callback.
func (c *Client) handleFrame(t FrameType, payload []byte, final bool) error {
	switch t {
	case FramePing:
		c.counters.onPingReceived()
		return c.sendControl(FramePong, payload)
	case FramePong:
		c.counters.onPongReceived(payload, nowFunc())
		return nil
	case FrameClose:
		return c.handleCloseFrame(payload)
	default:
		return c.handleDataFrame(t, payload, final)
	}
}

func (c *Client) handleDataFrame(t FrameType, payload []byte, final bool) error {
	isText := t == FrameText
	if c.pending == nil {
		c.pending = &pendingStream{chunks: make(chan []byte, 4), errc: make(chan error, 1)}
		msg := newStreamingMessage(isText, c.pending.chunks, c.pending.errc)
		select {
		case c.messages <- msg:
		case <-c.closedCh:
			return ErrClosed
		}
	}

	chunk := make([]byte, len(payload))
	copy(chunk, payload)
	select {
	case c.pending.chunks <- chunk:
	case <-c.closedCh:
		return ErrClosed
	}

	if final {
		close(c.pending.chunks)
		close(c.pending.errc)
		c.pending = nil
		c.counters.onDataMessageReceived(nowFunc())
	}
	return nil
}

func (c *Client) handleCloseFrame(payload []byte) error {
	info := CloseInfo{Code: CloseNone, Timestamp: nowFunc(), InitiatedByPeer: true}
	if len(payload) >= 2 {
		info.Code = CloseCode(uint16(payload[0])<<8 | uint16(payload[1]))
		info.Reason = string(payload[2:])
	}

	if c.currentState() == stateClosing {
		// We sent the first Close frame; this is the peer's echo.
		info.InitiatedByPeer = false
		c.finishClose(info)
		return nil
	}

	c.lifecycle.Store(int32(stateClosing))
	replyCode := info.Code
	if replyCode == CloseNone {
		replyCode = CloseNormalClosure
	}
	_ = c.sendCloseFrame(replyCode, "")
	c.finishClose(info)
	return nil
}

// Close begins the close handshake: it sends a Close frame carrying code
// and reason and waits up to the configured close period for the peer's
// reply before tearing down the Transport unilaterally.
func (c *Client) Close(code CloseCode, reason string) error {
	if !c.lifecycle.CompareAndSwap(int32(stateOpen), int32(stateClosing)) {
		return nil // already closing or closed
	}
	if err := c.sendCloseFrame(code, reason); err != nil {
		c.finishClose(CloseInfo{Code: CloseAbnormalClosure, Reason: err.Error(), Timestamp: nowFunc()})
		return err
	}

	select {
	case <-c.closedCh:
	case <-time.After(c.cfg.ClosePeriod):
		c.finishClose(CloseInfo{Code: code, Reason: reason, Timestamp: nowFunc()})
	}
	return nil
}

func (c *Client) sendCloseFrame(code CloseCode, reason string) error {
	if len(reason) > maxControlPayload-2 {
		return ErrReasonTooLong
	}
	payload := make([]byte, 2+len(reason))
	payload[0] = byte(code >> 8)
	payload[1] = byte(code)
	copy(payload[2:], reason)
	return c.sendControl(FrameClose, payload)
}

func (c *Client) sendControl(t FrameType, payload []byte) error {
	frame, err := c.compiler.CompileControl(t, payload)
	if err != nil {
		return err
	}
	if t == FramePing {
		// Counted before the write, so a Pong echoed back at once is never
		// clamped against a PingsSent that does not include this ping yet.
		c.counters.onPingSent(nowFunc())
	}
	if err := c.writeFrame(frame); err != nil {
		return err
	}
	if t == FramePong {
		c.counters.onPongSent()
	}
	return nil
}

func (c *Client) writeFrame(frame []byte) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	n, err := c.transport.Write(frame)
	c.counters.onWrite(n, nowFunc())
	if err != nil {
		return fmt.Errorf("wsengine: write: %w", err)
	}
	return nil
}

// Send compiles and writes a single buffered message of type t.
func (c *Client) Send(t FrameType, payload []byte) error {
	if c.currentState() != stateOpen {
		return ErrConnClosing
	}
	// Compile and write under writeMu, so concurrent senders queue behind one
	// another and frames reach the wire in the order they were compiled.
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	frame, err := c.compiler.CompileMessage(t, payload)
	if err != nil {
		return err
	}
	n, err := c.transport.Write(frame)
	c.counters.onWrite(n, nowFunc())
	if err != nil {
		return fmt.Errorf("wsengine: write: %w", err)
	}
	c.counters.onDataMessageSent(nowFunc())
	return nil
}

// SendText sends a UTF-8 text message.
func (c *Client) SendText(s string) error { return c.Send(FrameText, []byte(s)) }

// SendBinary sends a binary message.
func (c *Client) SendBinary(b []byte) error { return c.Send(FrameBinary, b) }

// Receive blocks until the next inbound Message is assembled or the
// connection closes, in which case it returns a *ClosedError.
func (c *Client) Receive() (*Message, error) {
	select {
	case msg, ok := <-c.messages:
		if !ok {
			return nil, c.closedErr()
		}
		return msg, nil
	case <-c.closedCh:
		return nil, c.closedErr()
	}
}

func (c *Client) closedErr() error {
	snap := c.counters.snapshot()
	if snap.CloseInfo != nil {
		return &ClosedError{Info: *snap.CloseInfo}
	}
	return ErrClosed
}

func (c *Client) finishClose(info CloseInfo) {
	c.closeOnce.Do(func() {
		c.lifecycle.Store(int32(stateClosed))
		c.counters.onClosed(info)
		close(c.messages)
		close(c.closedCh)
		_ = c.transport.Close()
		if c.heartbeat != nil {
			c.heartbeat.Unregister(c.id)
		}
		if c.limiter != nil {
			c.limiter.Unregister(c.id)
		}

		c.onCloseMu.Lock()
		callbacks := append([]func(CloseInfo){}, c.onClose...)
		c.onCloseMu.Unlock()
		for _, fn := range callbacks {
			fn(info)
		}
	})
}

// sendHeartbeatPing is called by a HeartbeatQueue sweep. The payload
// carries the 1-based sequence number this ping will occupy once
// onPingSent records it, so a well-behaved peer's echoed Pong lets
// onPongReceived correlate it back.
func (c *Client) sendHeartbeatPing() error {
	if c.currentState() != stateOpen {
		return ErrClosed
	}
	seq := c.counters.snapshot().PingsSent + 1
	return c.sendControl(FramePing, []byte(strconv.FormatUint(seq, 10)))
}

// unansweredPingCount is called by a HeartbeatQueue sweep.
func (c *Client) unansweredPingCount() uint64 {
	return c.counters.unansweredPings()
}

// closeDueToHeartbeatTimeout is called by a HeartbeatQueue sweep once the
// unanswered-ping count saturates.
func (c *Client) closeDueToHeartbeatTimeout() {
	_ = c.sendCloseFrame(ClosePolicyViolation, "heartbeat timeout")
	c.finishClose(CloseInfo{Code: ClosePolicyViolation, Reason: "heartbeat timeout", Timestamp: nowFunc()})
}
