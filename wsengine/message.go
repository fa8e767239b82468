package wsengine

import "encoding/json"

// Message is an inbound WebSocket message handed to application code. It is
// either fully buffered (Bytes returns the whole payload) or a lazy,
// finite, non-restartable sequence of chunks delivered over Chunks, mirroring
// how the Parser dispatches a message's fragments as they arrive.
type Message struct {
	IsText bool

	buffered bool
	data     []byte

	chunks <-chan []byte
	errc   <-chan error
}

// NewBufferedMessage wraps a fully-assembled payload.
func NewBufferedMessage(isText bool, data []byte) *Message {
	return &Message{IsText: isText, buffered: true, data: data}
}

// newStreamingMessage wraps a chunk channel fed by a Client's read loop as
// fragments of one logical message arrive.
func newStreamingMessage(isText bool, chunks <-chan []byte, errc <-chan error) *Message {
	return &Message{IsText: isText, chunks: chunks, errc: errc}
}

// Buffered reports whether Bytes can be called directly without draining
// Chunks.
func (m *Message) Buffered() bool { return m.buffered }

// Bytes returns the whole message payload. If the message is streaming, it
// drains Chunks to completion first.
func (m *Message) Bytes() ([]byte, error) {
	if m.buffered {
		return m.data, nil
	}
	var out []byte
	for chunk := range m.chunks {
		out = append(out, chunk...)
	}
	if m.errc != nil {
		if err := <-m.errc; err != nil {
			return nil, err
		}
	}
	m.buffered = true
	m.data = out
	return out, nil
}

// Chunks exposes the lazy fragment sequence. For a buffered message it
// returns a channel yielding the single whole payload once.
func (m *Message) Chunks() <-chan []byte {
	if m.buffered {
		ch := make(chan []byte, 1)
		ch <- m.data
		close(ch)
		return ch
	}
	return m.chunks
}

// JSON decodes the message payload as JSON into v, buffering the message
// first if it is still streaming.
func (m *Message) JSON(v any) error {
	data, err := m.Bytes()
	if err != nil {
		return err
	}
	return json.Unmarshal(data, v)
}
