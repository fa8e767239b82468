package wsnet

import (
	"context"
	"crypto/tls"
	"errors"
	"io"
	"net"
	"net/http"
	"net/url"
	"strings"
	"time"

	"golang.org/x/net/http2"

	"github.com/relayframe/wsengine/wsengine"
)

// DefaultDialer is a Dialer with every field at its default value.
var DefaultDialer = &Dialer{}

// Dialer holds the options for dialing a WebSocket server, including the
// RFC 8441 HTTP/2 bootstrapping and HTTP CONNECT proxy-tunneling paths.
type Dialer struct {
	Config wsengine.Config

	// HTTPClient configures the underlying transport: its Proxy,
	// TLSClientConfig and DialContext/DialTLSContext, and whether the
	// connection should use RFC 8441 HTTP/2 bootstrapping (when
	// Transport is an *http2.Transport). Defaults to http.DefaultClient.
	HTTPClient *http.Client

	HandshakeTimeout time.Duration
	Subprotocols     []string
	Jar              http.CookieJar

	Heartbeat   *wsengine.HeartbeatQueue
	RateLimiter *wsengine.RateLimiter

	// CompressionFactory negotiates permessage-deflate extension headers.
	// Defaults to wsengine.PermessageDeflateFactory built from Config when
	// nil; overridable for tests or alternate extension implementations.
	CompressionFactory wsengine.CompressionContextFactory
}

func (d *Dialer) compressionFactory() wsengine.CompressionContextFactory {
	if d.CompressionFactory != nil {
		return d.CompressionFactory
	}
	return wsengine.PermessageDeflateFactory{NoContextTakeover: d.Config.NoContextTakeover}
}

// Dial is DialContext with context.Background().
func (d *Dialer) Dial(urlStr string, requestHeader http.Header) (*wsengine.Client, *http.Response, error) {
	return d.DialContext(context.Background(), urlStr, requestHeader)
}

// DialContext performs the client-side opening handshake (RFC 6455 section
// 4.1), choosing among plain HTTP/1.1, HTTP CONNECT proxy tunneling, a
// custom-dial transport, or RFC 8441 HTTP/2 bootstrapping depending on how
// HTTPClient's transport is configured.
func (d *Dialer) DialContext(ctx context.Context, urlStr string, requestHeader http.Header) (*wsengine.Client, *http.Response, error) {
	u, err := url.Parse(urlStr)
	if err != nil {
		return nil, nil, err
	}
	switch u.Scheme {
	case "ws":
		u.Scheme = "http"
	case "wss":
		u.Scheme = "https"
	default:
		return nil, nil, errors.New("wsnet: bad scheme")
	}
	if u.Host == "" {
		return nil, nil, errors.New("wsnet: empty host")
	}

	client := d.HTTPClient
	if client == nil {
		client = http.DefaultClient
	}

	if _, ok := client.Transport.(*http2.Transport); ok {
		return d.dialHTTP2(ctx, client, u, requestHeader)
	}

	transport, _ := client.Transport.(*http.Transport)
	if transport != nil && transport.Proxy != nil {
		if proxyURL, err := transport.Proxy(&http.Request{URL: u}); err == nil && proxyURL != nil {
			return d.dialWithProxy(ctx, transport, u, proxyURL, requestHeader)
		}
	}
	if transport != nil && (transport.DialContext != nil || transport.DialTLSContext != nil) {
		return d.dialWithTransport(ctx, transport, u, requestHeader)
	}

	return d.dialHTTP1(ctx, client, u, requestHeader)
}

func (d *Dialer) buildRequest(ctx context.Context, u *url.URL, requestHeader http.Header, challengeKey string) *http.Request {
	req := &http.Request{
		Method:     http.MethodGet,
		URL:        u,
		Header:     make(http.Header),
		Host:       u.Host,
		Proto:      "HTTP/1.1",
		ProtoMajor: 1,
		ProtoMinor: 1,
	}
	req = req.WithContext(ctx)
	for k, vs := range requestHeader {
		for _, v := range vs {
			req.Header.Add(k, v)
		}
	}
	req.Header.Set("Upgrade", "websocket")
	req.Header.Set("Connection", "Upgrade")
	req.Header.Set("Sec-WebSocket-Key", challengeKey)
	req.Header.Set("Sec-WebSocket-Version", websocketVersion)
	if len(d.Subprotocols) > 0 {
		req.Header.Set("Sec-WebSocket-Protocol", strings.Join(d.Subprotocols, ", "))
	}
	if d.Config.EnableCompression {
		req.Header.Set("Sec-WebSocket-Extensions", d.compressionFactory().CreateRequestHeader())
	}
	if d.Jar != nil {
		for _, cookie := range d.Jar.Cookies(u) {
			req.AddCookie(cookie)
		}
	}
	return req
}

// dialHTTP1 performs the handshake as a normal HTTP/1.1 round trip through
// client, then takes over the underlying connection via the hijacked
// ReadWriteCloser response body Go's transport exposes for 101 responses.
func (d *Dialer) dialHTTP1(ctx context.Context, client *http.Client, u *url.URL, requestHeader http.Header) (*wsengine.Client, *http.Response, error) {
	challengeKey, err := wsengine.GenerateChallengeKey()
	if err != nil {
		return nil, nil, err
	}
	req := d.buildRequest(ctx, u, requestHeader, challengeKey)

	resp, err := client.Do(req)
	if err != nil {
		return nil, nil, err
	}
	if d.Jar != nil {
		if rc := resp.Cookies(); len(rc) > 0 {
			d.Jar.SetCookies(u, rc)
		}
	}

	if err := validateHandshakeResponse(resp, challengeKey, d.Subprotocols); err != nil {
		resp.Body.Close()
		return nil, resp, err
	}

	rwc, ok := resp.Body.(io.ReadWriteCloser)
	if !ok {
		resp.Body.Close()
		return nil, resp, errors.New("wsnet: response body is not a ReadWriteCloser")
	}
	return d.finish(newRWCTransport(rwc, nil), resp), resp, nil
}

// dialWithTransport dials the raw TCP/TLS connection itself via transport's
// DialContext/DialTLSContext, then runs the handshake by hand. This is the
// path exercised when the caller supplied a custom dial function.
func (d *Dialer) dialWithTransport(ctx context.Context, transport *http.Transport, u *url.URL, requestHeader http.Header) (*wsengine.Client, *http.Response, error) {
	netConn, err := d.dialNet(ctx, transport, u.Scheme == "https", hostPortFromURL(u), u.Hostname())
	if err != nil {
		return nil, nil, err
	}
	return d.handshakeOverConn(ctx, netConn, u, requestHeader)
}

// dialWithProxy tunnels the TCP connection through an HTTP CONNECT proxy
// before running the handshake, per RFC 7231 section 4.3.6.
func (d *Dialer) dialWithProxy(ctx context.Context, transport *http.Transport, u, proxyURL *url.URL, requestHeader http.Header) (*wsengine.Client, *http.Response, error) {
	proxyConn, err := d.dialProxy(ctx, transport, proxyURL, u)
	if err != nil {
		return nil, nil, err
	}
	return d.handshakeOverConn(ctx, proxyConn, u, requestHeader)
}

func (d *Dialer) dialProxy(ctx context.Context, transport *http.Transport, proxyURL, targetURL *url.URL) (net.Conn, error) {
	proxyHost := proxyURL.Host
	if proxyURL.Port() == "" {
		proxyHost = net.JoinHostPort(proxyURL.Hostname(), "80")
	}
	targetHostPort := hostPortFromURL(targetURL)

	var proxyConn net.Conn
	var err error
	if transport != nil && transport.DialContext != nil {
		proxyConn, err = transport.DialContext(ctx, "tcp", proxyHost)
	} else {
		var dialer net.Dialer
		proxyConn, err = dialer.DialContext(ctx, "tcp", proxyHost)
	}
	if err != nil {
		return nil, err
	}

	connectReq := &http.Request{
		Method: http.MethodConnect,
		URL:    &url.URL{Opaque: targetHostPort},
		Host:   targetHostPort,
		Header: make(http.Header),
	}
	if proxyURL.User != nil {
		connectReq.SetBasicAuth(proxyURL.User.Username(), passwordOf(proxyURL))
	}
	if err := connectReq.Write(proxyConn); err != nil {
		proxyConn.Close()
		return nil, err
	}

	br := newBufReader(proxyConn)
	resp, err := http.ReadResponse(br, connectReq)
	if err != nil {
		proxyConn.Close()
		return nil, err
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		proxyConn.Close()
		return nil, errors.New("wsnet: proxy CONNECT failed: " + resp.Status)
	}

	if targetURL.Scheme != "https" {
		return proxyConn, nil
	}

	tlsConfig := &tls.Config{}
	if transport != nil && transport.TLSClientConfig != nil {
		tlsConfig = transport.TLSClientConfig.Clone()
	}
	if tlsConfig.ServerName == "" {
		tlsConfig.ServerName = targetURL.Hostname()
	}
	tlsConn := tls.Client(proxyConn, tlsConfig)
	if err := tlsConn.HandshakeContext(ctx); err != nil {
		proxyConn.Close()
		return nil, err
	}
	return tlsConn, nil
}

func passwordOf(u *url.URL) string {
	pw, _ := u.User.Password()
	return pw
}

func (d *Dialer) dialNet(ctx context.Context, transport *http.Transport, isTLS bool, hostPort, serverName string) (net.Conn, error) {
	if !isTLS {
		if transport.DialContext != nil {
			return transport.DialContext(ctx, "tcp", hostPort)
		}
		var dialer net.Dialer
		return dialer.DialContext(ctx, "tcp", hostPort)
	}
	if transport.DialTLSContext != nil {
		return transport.DialTLSContext(ctx, "tcp", hostPort)
	}

	var netConn net.Conn
	var err error
	if transport.DialContext != nil {
		netConn, err = transport.DialContext(ctx, "tcp", hostPort)
	} else {
		var dialer net.Dialer
		netConn, err = dialer.DialContext(ctx, "tcp", hostPort)
	}
	if err != nil {
		return nil, err
	}

	tlsConfig := &tls.Config{}
	if transport.TLSClientConfig != nil {
		tlsConfig = transport.TLSClientConfig.Clone()
	}
	if tlsConfig.ServerName == "" {
		tlsConfig.ServerName = serverName
	}
	tlsConn := tls.Client(netConn, tlsConfig)
	if err := tlsConn.HandshakeContext(ctx); err != nil {
		netConn.Close()
		return nil, err
	}
	return tlsConn, nil
}

// handshakeOverConn writes the GET handshake request by hand onto an
// already-established net.Conn and validates the raw HTTP/1.1 response.
func (d *Dialer) handshakeOverConn(ctx context.Context, netConn net.Conn, u *url.URL, requestHeader http.Header) (*wsengine.Client, *http.Response, error) {
	if d.HandshakeTimeout > 0 {
		deadline := time.Now().Add(d.HandshakeTimeout)
		if err := netConn.SetDeadline(deadline); err != nil {
			netConn.Close()
			return nil, nil, err
		}
		defer netConn.SetDeadline(time.Time{})
	}

	challengeKey, err := wsengine.GenerateChallengeKey()
	if err != nil {
		netConn.Close()
		return nil, nil, err
	}
	req := d.buildRequest(ctx, u, requestHeader, challengeKey)
	req.Proto, req.ProtoMajor, req.ProtoMinor = "HTTP/1.1", 1, 1

	if err := req.Write(netConn); err != nil {
		netConn.Close()
		return nil, nil, err
	}

	br := newBufReader(netConn)
	resp, err := http.ReadResponse(br, req)
	if err != nil {
		netConn.Close()
		return nil, nil, err
	}
	if d.Jar != nil {
		if rc := resp.Cookies(); len(rc) > 0 {
			d.Jar.SetCookies(u, rc)
		}
	}
	if err := validateHandshakeResponse(resp, challengeKey, d.Subprotocols); err != nil {
		netConn.Close()
		return nil, resp, err
	}

	return d.finish(newConnTransport(netConn, br), resp), resp, nil
}

// dialHTTP2 bootstraps a WebSocket over an HTTP/2 connection using extended
// CONNECT, per RFC 8441 section 4.
func (d *Dialer) dialHTTP2(ctx context.Context, client *http.Client, u *url.URL, requestHeader http.Header) (*wsengine.Client, *http.Response, error) {
	req := &http.Request{
		Method: http.MethodConnect,
		URL:    u,
		Host:   u.Host,
		Proto:  "websocket", // becomes the :protocol pseudo-header
		Header: make(http.Header),
	}
	req = req.WithContext(ctx)
	for k, vs := range requestHeader {
		for _, v := range vs {
			req.Header.Add(k, v)
		}
	}
	if len(d.Subprotocols) > 0 {
		req.Header.Set("Sec-WebSocket-Protocol", strings.Join(d.Subprotocols, ", "))
	}
	if d.Config.EnableCompression {
		req.Header.Set("Sec-WebSocket-Extensions", d.compressionFactory().CreateRequestHeader())
	}
	if d.Jar != nil {
		for _, cookie := range d.Jar.Cookies(u) {
			req.AddCookie(cookie)
		}
	}

	resp, err := client.Do(req)
	if err != nil {
		return nil, nil, err
	}
	if resp.StatusCode != http.StatusOK {
		resp.Body.Close()
		return nil, resp, ErrBadHandshake
	}
	if err := validateSubprotocol(resp, d.Subprotocols); err != nil {
		resp.Body.Close()
		return nil, resp, err
	}

	rwc, ok := resp.Body.(io.ReadWriteCloser)
	if !ok {
		resp.Body.Close()
		return nil, resp, errors.New("wsnet: response body is not a ReadWriteCloser")
	}
	return d.finish(newRWCTransport(rwc, nil), resp), resp, nil
}

// finish builds the wsengine.Client from the now-raw transport, negotiating
// compression from the response headers already validated by the caller.
func (d *Dialer) finish(transport wsengine.Transport, resp *http.Response) *wsengine.Client {
	var compression wsengine.CompressionContext
	if d.Config.EnableCompression {
		compression, _ = d.compressionFactory().FromServerHeader(resp.Header.Get("Sec-WebSocket-Extensions"))
	}

	return wsengine.NewClient(transport, false, d.Config, wsengine.ClientOptions{
		Compression: compression,
		Heartbeat:   d.Heartbeat,
		RateLimiter: d.RateLimiter,
	})
}

func hostPortFromURL(u *url.URL) string {
	if u.Port() != "" {
		return u.Host
	}
	if u.Scheme == "https" {
		return net.JoinHostPort(u.Hostname(), "443")
	}
	return net.JoinHostPort(u.Hostname(), "80")
}

func validateHandshakeResponse(resp *http.Response, challengeKey string, subprotocols []string) error {
	if resp.StatusCode != http.StatusSwitchingProtocols {
		return ErrBadHandshake
	}
	if !strings.EqualFold(resp.Header.Get("Upgrade"), "websocket") {
		return ErrBadHandshake
	}
	if !strings.EqualFold(resp.Header.Get("Connection"), "upgrade") {
		return ErrBadHandshake
	}
	if !wsengine.ValidateAcceptKey(challengeKey, resp.Header.Get("Sec-WebSocket-Accept")) {
		return ErrBadHandshake
	}
	return validateSubprotocol(resp, subprotocols)
}

func validateSubprotocol(resp *http.Response, subprotocols []string) error {
	got := resp.Header.Get("Sec-WebSocket-Protocol")
	if got == "" || len(subprotocols) == 0 {
		return nil
	}
	for _, p := range subprotocols {
		if p == got {
			return nil
		}
	}
	return ErrBadHandshake
}
