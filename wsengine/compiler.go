package wsengine

import (
	"crypto/rand"
	"encoding/binary"
	"fmt"
	"sync"
)

// FrameCompiler encodes outbound WebSocket frames: header construction,
// masking, fragmentation and the permessage-deflate compression latch
// described in spec.md section 4.2. A FrameCompiler serializes exactly one
// message at a time; Begin returns ErrFragmentationOrder if called while a
// previous message's fragments are still in flight.
type FrameCompiler struct {
	shouldMask            bool // true for a client compiling frames to a server
	compression           CompressionContext
	compressionThreshold  int // payloads strictly larger than this are compressed
	frameSplitThreshold   int // max payload bytes per wire frame fragment

	mu         sync.Mutex
	inFlight   bool
	msgType    FrameType
	compressed bool
	sentFirst  bool
}

// NewFrameCompiler constructs a FrameCompiler. compression may be nil if
// permessage-deflate was not negotiated. A zero frameSplitThreshold
// disables fragmentation of buffered messages.
func NewFrameCompiler(shouldMask bool, compression CompressionContext, compressionThreshold, frameSplitThreshold int) *FrameCompiler {
	return &FrameCompiler{
		shouldMask:           shouldMask,
		compression:          compression,
		compressionThreshold: compressionThreshold,
		frameSplitThreshold:  frameSplitThreshold,
	}
}

// CompileControl encodes a single unfragmented control frame (Close, Ping
// or Pong). Control frames interleave freely with an in-progress data
// message and never participate in the compression latch.
func (c *FrameCompiler) CompileControl(t FrameType, payload []byte) ([]byte, error) {
	if !t.IsControl() {
		return nil, fmt.Errorf("wsengine: %w: %s is not a control frame type", ErrInvalidMessageType, t)
	}
	if len(payload) > maxControlPayload {
		return nil, ErrControlTooLarge
	}
	return c.encodeFrame(t, payload, true, false)
}

// Begin starts a new data message. streaming indicates the payload will be
// delivered across multiple WriteFragment calls without a known total
// size; sizeHint is the known total payload length for a buffered message
// (ignored when streaming is true).
func (c *FrameCompiler) Begin(t FrameType, streaming bool, sizeHint int) error {
	if t != FrameText && t != FrameBinary {
		return ErrInvalidMessageType
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.inFlight {
		return ErrFragmentationOrder
	}
	c.inFlight = true
	c.msgType = t
	c.sentFirst = false
	c.compressed = c.compression != nil && (streaming || sizeHint > c.compressionThreshold)
	return nil
}

// WriteFragment compiles one fragment of the message started by Begin.
// final marks the last fragment, after which the FrameCompiler accepts a
// new Begin call.
func (c *FrameCompiler) WriteFragment(payload []byte, final bool) ([]byte, error) {
	c.mu.Lock()
	if !c.inFlight {
		c.mu.Unlock()
		return nil, ErrFragmentationOrder
	}
	opcode := FrameContinuation
	isFirst := !c.sentFirst
	if isFirst {
		opcode = c.msgType
	}
	compressed := c.compressed
	c.sentFirst = true
	if final {
		c.inFlight = false
	}
	c.mu.Unlock()

	out := payload
	if compressed {
		var err error
		out, err = c.compression.Compress(payload, final)
		if err != nil {
			return nil, fmt.Errorf("wsengine: compile frame: %w", err)
		}
	}

	return c.encodeFrame(opcode, out, final, compressed && isFirst)
}

// Abort discards in-flight fragmentation state after a send-side error, so
// the compiler is ready for the next Begin call.
func (c *FrameCompiler) Abort() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.inFlight = false
	c.sentFirst = false
}

// CompileMessage is a convenience for a single buffered, non-streaming
// message: it runs Begin/WriteFragment/(...)/WriteFragment(final) over the
// whole payload, splitting at frameSplitThreshold, and returns the
// concatenated wire bytes of every fragment.
func (c *FrameCompiler) CompileMessage(t FrameType, payload []byte) ([]byte, error) {
	if err := c.Begin(t, false, len(payload)); err != nil {
		return nil, err
	}

	threshold := c.frameSplitThreshold
	if threshold <= 0 {
		threshold = len(payload)
		if threshold == 0 {
			threshold = 1
		}
	}

	var out []byte
	offset := 0
	for {
		end := offset + threshold
		final := end >= len(payload)
		if final {
			end = len(payload)
		}
		frame, err := c.WriteFragment(payload[offset:end], final)
		if err != nil {
			c.Abort()
			return nil, err
		}
		out = append(out, frame...)
		offset = end
		if final {
			break
		}
	}
	return out, nil
}

// encodeFrame writes the RFC 6455 header for one frame and appends the
// (already compressed, if applicable) payload, masking it when shouldMask
// is set.
func (c *FrameCompiler) encodeFrame(t FrameType, payload []byte, final, rsv1 bool) ([]byte, error) {
	var header [14]byte
	pos := 1

	b0 := byte(t)
	if final {
		b0 |= 0x80
	}
	if rsv1 {
		b0 |= 0x40
	}
	header[0] = b0

	var b1 byte
	if c.shouldMask {
		b1 |= 0x80
	}

	switch n := len(payload); {
	case n <= payloadLen7Bit:
		b1 |= byte(n)
		header[1] = b1
		pos = 2
	case n <= 0xFFFF:
		b1 |= payloadLen16Bit
		header[1] = b1
		binary.BigEndian.PutUint16(header[2:], uint16(n))
		pos = 4
	default:
		b1 |= payloadLen64Bit
		header[1] = b1
		binary.BigEndian.PutUint64(header[2:], uint64(n))
		pos = 10
	}

	out := make([]byte, 0, pos+4+len(payload))
	out = append(out, header[:pos]...)

	if c.shouldMask {
		var mask [4]byte
		if _, err := rand.Read(mask[:]); err != nil {
			return nil, fmt.Errorf("wsengine: generate mask: %w", err)
		}
		out = append(out, mask[:]...)
		masked := make([]byte, len(payload))
		for i, b := range payload {
			masked[i] = b ^ mask[i%4]
		}
		out = append(out, masked...)
	} else {
		out = append(out, payload...)
	}

	return out, nil
}
