// Package wsengine implements the WebSocket protocol defined in RFC 6455 as
// a transport-agnostic endpoint engine: framing, fragmentation, masking,
// permessage-deflate (RFC 7692), a Client state machine with concurrent
// reads and writes, a close handshake, and the flow-control collaborators
// (HeartbeatQueue, RateLimiter).
//
// This package never imports net/http. HTTP upgrade negotiation, TLS and
// the underlying byte stream are external collaborators behind the
// Transport interface; package wsengine/wsnet supplies the HTTP-based
// implementation.
//
// Server Example:
//
//	upgrader := wsnet.Upgrader{Config: wsengine.DefaultConfig()}
//
//	func handler(w http.ResponseWriter, r *http.Request) {
//	    client, _, err := upgrader.Upgrade(w, r, nil)
//	    if err != nil {
//	        return
//	    }
//	    go client.Run()
//
//	    for {
//	        msg, err := client.Receive()
//	        if err != nil {
//	            return
//	        }
//	        data, _ := msg.Bytes()
//	        client.Send(wsengine.FrameText, data)
//	    }
//	}
//
// Concurrency:
//
// A Client supports one concurrent reader (its own Run loop) and any number
// of concurrent Send*/Close callers; the outbound path is serialized
// internally. Receive may be called from a single consumer goroutine at a
// time.
//
// Compression:
//
// Per-message compression is negotiated by wsnet during the handshake and
// exposed to the engine as a CompressionContext. The bundled
// PermessageDeflateFactory implements permessage-deflate on top of
// compress/flate.
package wsengine
