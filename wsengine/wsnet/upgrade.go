package wsnet

import (
	"errors"
	"net/http"
	"slices"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/relayframe/wsengine/wsengine"
)

// websocketVersion is the only WebSocket protocol version this package
// understands, per RFC 6455 section 4.2.1 item 6.
const websocketVersion = "13"

// ErrBadHandshake is returned when the request does not look like a
// WebSocket opening handshake.
var ErrBadHandshake = errors.New("wsnet: bad handshake")

// Upgrader upgrades an *http.Request into a server-side wsengine.Client.
type Upgrader struct {
	Config wsengine.Config

	HandshakeTimeout time.Duration
	Subprotocols     []string
	Error            func(w http.ResponseWriter, r *http.Request, status int, reason error)
	CheckOrigin      func(r *http.Request) bool

	Heartbeat   *wsengine.HeartbeatQueue
	RateLimiter *wsengine.RateLimiter
	Logger      zerolog.Logger

	// CompressionFactory negotiates permessage-deflate extension headers.
	// Defaults to wsengine.PermessageDeflateFactory built from Config when
	// nil; overridable for tests or alternate extension implementations.
	CompressionFactory wsengine.CompressionContextFactory
}

func (u *Upgrader) compressionFactory() wsengine.CompressionContextFactory {
	if u.CompressionFactory != nil {
		return u.CompressionFactory
	}
	return wsengine.PermessageDeflateFactory{
		Level:             u.Config.CompressionLevel,
		NoContextTakeover: u.Config.NoContextTakeover,
	}
}

func (u *Upgrader) returnError(w http.ResponseWriter, r *http.Request, status int, reason error) {
	if u.Error != nil {
		u.Error(w, r, status, reason)
		return
	}
	http.Error(w, reason.Error(), status)
}

func (u *Upgrader) selectSubprotocol(r *http.Request) string {
	requested := Subprotocols(r)
	for _, supported := range u.Subprotocols {
		if slices.Contains(requested, supported) {
			return supported
		}
	}
	return ""
}

// Upgrade performs the server-side opening handshake (RFC 6455 section
// 4.2.2), hijacks the connection, and returns a wsengine.Client ready to
// have Run called on it. The returned connID is a process-unique
// identifier suitable for logging and request correlation, distinct from
// the Client's own internal numeric id.
func (u *Upgrader) Upgrade(w http.ResponseWriter, r *http.Request, responseHeader http.Header) (client *wsengine.Client, connID uuid.UUID, err error) {
	if !IsWebSocketUpgrade(r) || r.Method != http.MethodGet {
		u.returnError(w, r, http.StatusBadRequest, ErrBadHandshake)
		return nil, uuid.UUID{}, ErrBadHandshake
	}
	if !strings.EqualFold(r.Header.Get("Sec-WebSocket-Version"), websocketVersion) {
		err := errors.New("wsnet: unsupported Sec-WebSocket-Version")
		u.returnError(w, r, http.StatusBadRequest, err)
		return nil, uuid.UUID{}, err
	}

	checkOrigin := u.CheckOrigin
	if checkOrigin == nil {
		checkOrigin = checkSameOrigin
	}
	if !checkOrigin(r) {
		err := errors.New("wsnet: origin not allowed")
		u.returnError(w, r, http.StatusForbidden, err)
		return nil, uuid.UUID{}, err
	}

	challengeKey := r.Header.Get("Sec-WebSocket-Key")
	if challengeKey == "" {
		err := errors.New("wsnet: missing Sec-WebSocket-Key")
		u.returnError(w, r, http.StatusBadRequest, err)
		return nil, uuid.UUID{}, err
	}

	subprotocol := u.selectSubprotocol(r)

	var compression wsengine.CompressionContext
	var extensionsResponse string
	if u.Config.EnableCompression {
		if ctx, resp, ok := u.compressionFactory().FromClientHeader(r.Header.Get("Sec-WebSocket-Extensions")); ok {
			compression, extensionsResponse = ctx, resp
		}
	}

	hijacker, ok := w.(http.Hijacker)
	if !ok {
		err := errors.New("wsnet: ResponseWriter does not support hijacking")
		u.returnError(w, r, http.StatusInternalServerError, err)
		return nil, uuid.UUID{}, err
	}
	netConn, brw, err := hijacker.Hijack()
	if err != nil {
		u.returnError(w, r, http.StatusInternalServerError, err)
		return nil, uuid.UUID{}, err
	}

	if u.HandshakeTimeout > 0 {
		_ = netConn.SetWriteDeadline(time.Now().Add(u.HandshakeTimeout))
	}

	buf := brw.Writer
	buf.WriteString("HTTP/1.1 101 Switching Protocols\r\n")
	buf.WriteString("Upgrade: websocket\r\n")
	buf.WriteString("Connection: Upgrade\r\n")
	buf.WriteString("Sec-WebSocket-Accept: ")
	buf.WriteString(wsengine.ComputeAcceptKey(challengeKey))
	buf.WriteString("\r\n")
	if subprotocol != "" {
		buf.WriteString("Sec-WebSocket-Protocol: " + subprotocol + "\r\n")
	}
	if extensionsResponse != "" {
		buf.WriteString("Sec-WebSocket-Extensions: " + extensionsResponse + "\r\n")
	}
	for k, vs := range responseHeader {
		for _, v := range vs {
			buf.WriteString(k + ": " + v + "\r\n")
		}
	}
	buf.WriteString("\r\n")

	if err := buf.Flush(); err != nil {
		_ = netConn.Close()
		return nil, uuid.UUID{}, err
	}
	if u.HandshakeTimeout > 0 {
		_ = netConn.SetWriteDeadline(time.Time{})
	}

	transport := newConnTransport(netConn, brw.Reader)
	connID = uuid.New()
	client = wsengine.NewClient(transport, true, u.Config, wsengine.ClientOptions{
		Compression: compression,
		Heartbeat:   u.Heartbeat,
		RateLimiter: u.RateLimiter,
		Logger:      u.Logger.With().Str("conn_id", connID.String()).Logger(),
	})
	return client, connID, nil
}

func checkSameOrigin(r *http.Request) bool {
	origin := r.Header.Get("Origin")
	if origin == "" {
		return true
	}
	return strings.EqualFold(origin, "http://"+r.Host) || strings.EqualFold(origin, "https://"+r.Host)
}

// Subprotocols returns the subprotocols a client requested via
// Sec-WebSocket-Protocol, per RFC 6455 section 11.3.4.
func Subprotocols(r *http.Request) []string {
	var protocols []string
	for _, h := range r.Header.Values("Sec-WebSocket-Protocol") {
		for _, p := range strings.Split(h, ",") {
			if p = strings.TrimSpace(p); p != "" {
				protocols = append(protocols, p)
			}
		}
	}
	return protocols
}

// IsWebSocketUpgrade reports whether r looks like a WebSocket opening
// handshake request, per RFC 6455 section 4.2.1 items 1 and 2.
func IsWebSocketUpgrade(r *http.Request) bool {
	return headerContainsToken(r.Header, "Connection", "upgrade") &&
		headerContainsToken(r.Header, "Upgrade", "websocket")
}

func headerContainsToken(h http.Header, name, token string) bool {
	for _, v := range h.Values(name) {
		for _, t := range strings.Split(v, ",") {
			if strings.EqualFold(strings.TrimSpace(t), token) {
				return true
			}
		}
	}
	return false
}
