package wsengine

import (
	"io"
	"net"
	"time"
)

// Transport is the duplex byte-stream collaborator a Client reads frames
// from and writes frames to. HTTP upgrade negotiation, TLS and the
// underlying TCP connection are entirely outside this package's concern;
// the transports that wsnet.Upgrader and wsnet.Dialer build are this
// repository's concrete implementations of Transport.
type Transport interface {
	io.Reader
	io.Writer

	// Close closes the underlying connection immediately.
	Close() error

	// SetReadDeadline and SetWriteDeadline follow net.Conn semantics.
	// Client does not call them; its close-handshake timeout is timer-based.
	SetReadDeadline(t time.Time) error
	SetWriteDeadline(t time.Time) error

	LocalAddr() net.Addr
	RemoteAddr() net.Addr
}
