package wsengine

import "errors"

// Sentinel errors for conditions that are not tied to a specific close code.
var (
	// ErrClosed is returned by Client methods once the connection has
	// finished its close handshake.
	ErrClosed = errors.New("wsengine: connection closed")

	// ErrConnClosing is returned by Send* calls made while a close
	// is already in progress.
	ErrConnClosing = errors.New("wsengine: connection is closing")

	// ErrFragmentationOrder is a programmer-misuse error from the
	// FrameCompiler: a data frame was started while a previous one is
	// still in flight, or a continuation arrived with none in flight.
	ErrFragmentationOrder = errors.New("wsengine: frame compiler: fragmentation order violation")

	// ErrInvalidMessageType is returned for Send calls with a
	// FrameType that is not Text or Binary.
	ErrInvalidMessageType = errors.New("wsengine: invalid message type")

	// ErrReasonTooLong is returned by Close when the reason exceeds the
	// 123 bytes that fit alongside the 2-byte close code in a 125-byte
	// control frame.
	ErrReasonTooLong = errors.New("wsengine: close reason exceeds 123 bytes")

	// ErrControlTooLarge is returned when a ping/pong/close payload
	// exceeds the 125-byte control frame limit.
	ErrControlTooLarge = errors.New("wsengine: control frame payload exceeds 125 bytes")
)

// ProtocolError represents a fatal framing-level violation of RFC 6455.
// It always carries the CloseCode the Client closed with.
type ProtocolError struct {
	Code   CloseCode
	Reason string
}

func (e *ProtocolError) Error() string {
	return "wsengine: protocol error: " + e.Reason
}

// closeCode implements the closeCoder interface so callers can recover the
// code with errors.As without a type switch on *ProtocolError directly.
func (e *ProtocolError) closeCode() CloseCode { return e.Code }

// MessageTooLargeError is a fatal error for frame/message size violations.
type MessageTooLargeError struct {
	Code   CloseCode
	Reason string
}

func (e *MessageTooLargeError) Error() string {
	return "wsengine: message too large: " + e.Reason
}

func (e *MessageTooLargeError) closeCode() CloseCode { return e.Code }

// ClosedError is returned by Receive after the connection has closed, and
// carries the CloseInfo describing why.
type ClosedError struct {
	Info CloseInfo
}

func (e *ClosedError) Error() string {
	return "wsengine: " + e.Info.Reason
}

func (e *ClosedError) closeCode() CloseCode { return e.Info.Code }

type closeCoder interface {
	closeCode() CloseCode
}

// closeCodeOf extracts the CloseCode carried by a fatal error, defaulting to
// CloseAbnormalClosure for errors that don't carry one (e.g. raw I/O errors).
func closeCodeOf(err error) CloseCode {
	var cc closeCoder
	if errors.As(err, &cc) {
		return cc.closeCode()
	}
	return CloseAbnormalClosure
}
