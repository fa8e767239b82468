package wsengine

import "sync"

// PreparedMessage caches the compressed wire payload of a message so it can
// be framed cheaply for many Clients in a broadcast, compressing the
// payload at most once regardless of how many times Frame is called.
type PreparedMessage struct {
	frameType FrameType
	data      []byte

	mu         sync.Mutex
	compressed []byte // lazily filled the first time Frame is asked to compress
}

// NewPreparedMessage validates frameType and wraps data for repeated
// framing via Frame.
func NewPreparedMessage(frameType FrameType, data []byte) (*PreparedMessage, error) {
	if frameType != FrameText && frameType != FrameBinary {
		return nil, ErrInvalidMessageType
	}
	return &PreparedMessage{frameType: frameType, data: data}, nil
}

// Frame renders the message as wire bytes for one Client's role and
// negotiated compression. Masking (required only of client-sent frames) is
// always applied fresh, since reusing a single mask key across connections
// would defeat its purpose; compression, which is connection-independent
// for a one-shot non-context-takeover payload, is cached after first use.
func (pm *PreparedMessage) Frame(shouldMask bool, compression CompressionContext) ([]byte, error) {
	payload := pm.data
	rsv1 := false

	if compression != nil {
		pm.mu.Lock()
		if pm.compressed == nil {
			out, err := compression.Compress(pm.data, true)
			if err != nil {
				pm.mu.Unlock()
				return nil, err
			}
			pm.compressed = out
		}
		payload = pm.compressed
		pm.mu.Unlock()
		rsv1 = true
	}

	fc := NewFrameCompiler(shouldMask, nil, 0, 0)
	return fc.encodeFrame(pm.frameType, payload, true, rsv1)
}

// SendPrepared writes a PreparedMessage to the Client, reusing its cached
// compressed payload when compression is negotiated.
func (c *Client) SendPrepared(pm *PreparedMessage) error {
	if c.currentState() != stateOpen {
		return ErrConnClosing
	}
	frame, err := pm.Frame(!c.isServer, c.compressionForSend())
	if err != nil {
		return err
	}
	if err := c.writeFrame(frame); err != nil {
		return err
	}
	c.counters.onDataMessageSent(nowFunc())
	return nil
}
