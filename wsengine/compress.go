package wsengine

import (
	"bytes"
	"compress/flate"
	"fmt"
	"io"
	"strconv"
	"strings"
	"sync"
)

// deflateTrailer is the RFC 7692 section 7.2.1 empty DEFLATE block stripped
// from the end of a compressed message and appended again before
// decompressing it.
var deflateTrailer = []byte{0x00, 0x00, 0xff, 0xff}

const (
	minWindowBits     = 9
	maxWindowBits     = 15
	defaultWindowBits = maxWindowBits
)

// CompressionContext implements permessage-deflate (RFC 7692) framing for
// one negotiated connection. Compress is called once per outbound data
// frame fragment with final set on the last fragment of the message;
// Decompress is called the same way for inbound fragments. Close releases
// any pooled resources; a CompressionContext must not be reused afterward.
type CompressionContext interface {
	Compress(data []byte, final bool) ([]byte, error)
	Decompress(data []byte, final bool) ([]byte, error)
	Close() error
}

// CompressionParams is a negotiated permessage-deflate parameter set, per
// RFC 7692 section 7.1.
type CompressionParams struct {
	ServerNoContextTakeover bool
	ClientNoContextTakeover bool
	ServerMaxWindowBits     int // 0 means absent (full 32KiB window)
	ClientMaxWindowBits     int // 0 means absent
}

// CompressionContextFactory negotiates permessage-deflate extension headers
// and produces CompressionContext values bound to one connection, per
// spec.md section 4.6 and section 6.
type CompressionContextFactory interface {
	// FromClientHeader parses a client's Sec-WebSocket-Extensions request
	// header. ok is false if permessage-deflate was absent or malformed; a
	// malformed header is simply not negotiated, never a connection error.
	// responseHeader is the value the server should echo back.
	FromClientHeader(header string) (ctx CompressionContext, responseHeader string, ok bool)

	// FromServerHeader parses a server's negotiated response header from
	// the client's point of view.
	FromServerHeader(header string) (ctx CompressionContext, ok bool)

	// CreateRequestHeader builds the Sec-WebSocket-Extensions request
	// header a client offers when dialing.
	CreateRequestHeader() string
}

// PermessageDeflateFactory is the bundled CompressionContextFactory. Level
// is the flate.Writer compression level (flate.DefaultCompression if zero).
type PermessageDeflateFactory struct {
	Level             int
	NoContextTakeover bool
	MaxWindowBits     int // 0 defaults to 15
}

func (f PermessageDeflateFactory) level() int {
	if f.Level == 0 {
		return flate.DefaultCompression
	}
	return f.Level
}

func (f PermessageDeflateFactory) maxWindowBits() int {
	if f.MaxWindowBits == 0 {
		return defaultWindowBits
	}
	return f.MaxWindowBits
}

// FromClientHeader implements CompressionContextFactory for the server
// side of the handshake.
func (f PermessageDeflateFactory) FromClientHeader(header string) (CompressionContext, string, bool) {
	offers := parseExtensionHeader(header)
	for _, offer := range offers {
		if offer.name != "permessage-deflate" {
			continue
		}
		params, ok := paramsFromTokens(offer.params)
		if !ok {
			continue
		}
		resp := buildExtensionHeader(params)
		ctx := newPermessageDeflateContext(f.level(), params.ServerNoContextTakeover, params.ClientNoContextTakeover, clampWindowBits(params.ServerMaxWindowBits), clampWindowBits(params.ClientMaxWindowBits))
		return ctx, resp, true
	}
	return nil, "", false
}

// FromServerHeader implements CompressionContextFactory for the client
// side of the handshake.
func (f PermessageDeflateFactory) FromServerHeader(header string) (CompressionContext, bool) {
	offers := parseExtensionHeader(header)
	for _, offer := range offers {
		if offer.name != "permessage-deflate" {
			continue
		}
		params, ok := paramsFromTokens(offer.params)
		if !ok {
			continue
		}
		// From the client's perspective read/write sides are swapped:
		// the server's "no context takeover" for its own writes governs
		// our reads, and vice versa.
		ctx := newPermessageDeflateContext(f.level(), params.ClientNoContextTakeover, params.ServerNoContextTakeover, clampWindowBits(params.ClientMaxWindowBits), clampWindowBits(params.ServerMaxWindowBits))
		return ctx, true
	}
	return nil, false
}

// CreateRequestHeader implements CompressionContextFactory.
func (f PermessageDeflateFactory) CreateRequestHeader() string {
	var b strings.Builder
	b.WriteString("permessage-deflate")
	if f.NoContextTakeover {
		b.WriteString("; client_no_context_takeover; server_no_context_takeover")
	}
	if f.MaxWindowBits != 0 {
		fmt.Fprintf(&b, "; client_max_window_bits=%d", f.maxWindowBits())
	} else {
		b.WriteString("; client_max_window_bits")
	}
	return b.String()
}

func clampWindowBits(v int) int {
	if v == 0 {
		return defaultWindowBits
	}
	if v < minWindowBits {
		return minWindowBits
	}
	if v > maxWindowBits {
		return maxWindowBits
	}
	return v
}

type extensionOffer struct {
	name   string
	params []string
}

// parseExtensionHeader tokenizes a Sec-WebSocket-Extensions header value
// into its comma-separated offers, each a semicolon-separated name plus
// parameter list, per RFC 6455 section 9.1.
func parseExtensionHeader(header string) []extensionOffer {
	var offers []extensionOffer
	for _, part := range strings.Split(header, ",") {
		fields := strings.Split(part, ";")
		if len(fields) == 0 {
			continue
		}
		name := strings.ToLower(strings.TrimSpace(fields[0]))
		if name == "" {
			continue
		}
		offer := extensionOffer{name: name}
		for _, p := range fields[1:] {
			if t := strings.TrimSpace(p); t != "" {
				offer.params = append(offer.params, strings.ToLower(t))
			}
		}
		offers = append(offers, offer)
	}
	return offers
}

// paramsFromTokens validates and decodes a permessage-deflate parameter
// list. Unknown parameters or a repeated parameter make the offer invalid.
func paramsFromTokens(tokens []string) (CompressionParams, bool) {
	var params CompressionParams
	seen := make(map[string]bool)
	for _, tok := range tokens {
		key, value, _ := strings.Cut(tok, "=")
		key = strings.TrimSpace(key)
		value = strings.Trim(strings.TrimSpace(value), `"`)
		if seen[key] {
			return params, false
		}
		seen[key] = true

		switch key {
		case "server_no_context_takeover":
			params.ServerNoContextTakeover = true
		case "client_no_context_takeover":
			params.ClientNoContextTakeover = true
		case "server_max_window_bits":
			bits, ok := parseWindowBits(value)
			if !ok {
				return params, false
			}
			params.ServerMaxWindowBits = bits
		case "client_max_window_bits":
			if value == "" {
				params.ClientMaxWindowBits = defaultWindowBits
				continue
			}
			bits, ok := parseWindowBits(value)
			if !ok {
				return params, false
			}
			params.ClientMaxWindowBits = bits
		default:
			return params, false
		}
	}
	return params, true
}

func parseWindowBits(value string) (int, bool) {
	n, err := strconv.Atoi(value)
	if err != nil || n < minWindowBits || n > maxWindowBits {
		return 0, false
	}
	return n, true
}

// buildExtensionHeader renders the server's accepted permessage-deflate
// parameters as a response header value.
func buildExtensionHeader(params CompressionParams) string {
	var b strings.Builder
	b.WriteString("permessage-deflate")
	if params.ServerNoContextTakeover {
		b.WriteString("; server_no_context_takeover")
	}
	if params.ClientNoContextTakeover {
		b.WriteString("; client_no_context_takeover")
	}
	if params.ServerMaxWindowBits != 0 {
		fmt.Fprintf(&b, "; server_max_window_bits=%d", params.ServerMaxWindowBits)
	}
	if params.ClientMaxWindowBits != 0 {
		fmt.Fprintf(&b, "; client_max_window_bits=%d", params.ClientMaxWindowBits)
	}
	return b.String()
}

var flateWriterPool sync.Pool

func getFlateWriter(w io.Writer, level int) *flate.Writer {
	if v := flateWriterPool.Get(); v != nil {
		fw := v.(*flate.Writer)
		fw.Reset(w)
		return fw
	}
	fw, _ := flate.NewWriter(w, level)
	return fw
}

func putFlateWriter(fw *flate.Writer) {
	flateWriterPool.Put(fw)
}

var flateReaderPool sync.Pool

func getFlateReader(r io.Reader) io.ReadCloser {
	if v := flateReaderPool.Get(); v != nil {
		fr := v.(flate.Resetter)
		if err := fr.Reset(r, nil); err == nil {
			return fr.(io.ReadCloser)
		}
	}
	return flate.NewReader(r)
}

func putFlateReader(fr io.ReadCloser) {
	flateReaderPool.Put(fr)
}

// permessageDeflate is the bundled CompressionContext. compress/flate has
// no knob for restricting the LZ77 window below the default 32KiB (15
// bits); writeWindowBits/readWindowBits are validated and negotiated for
// wire correctness but do not change the window flate actually uses.
type permessageDeflate struct {
	level int

	writeNoContextTakeover bool
	readNoContextTakeover  bool
	writeWindowBits        int
	readWindowBits         int

	mu        sync.Mutex
	writeBuf  bytes.Buffer
	writer    *flate.Writer
	readBuf   bytes.Buffer
	readInput bytes.Reader
	readDict  []byte // last 32KiB of inflated output, kept under context takeover
}

func newPermessageDeflateContext(level int, writeNoCtx, readNoCtx bool, writeWindowBits, readWindowBits int) *permessageDeflate {
	return &permessageDeflate{
		level:                  level,
		writeNoContextTakeover: writeNoCtx,
		readNoContextTakeover:  readNoCtx,
		writeWindowBits:        writeWindowBits,
		readWindowBits:         readWindowBits,
	}
}

// Compress deflates data and flushes it (RFC 7692 SYNC_FLUSH-equivalent),
// stripping the trailing empty block from the final fragment of a message.
// A fresh Writer is created whenever context takeover is disabled for this
// direction, or lazily on first use.
func (c *permessageDeflate) Compress(data []byte, final bool) ([]byte, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.writer == nil {
		c.writer = getFlateWriter(&c.writeBuf, c.level)
	}
	if _, err := c.writer.Write(data); err != nil {
		return nil, fmt.Errorf("wsengine: compress: %w", err)
	}
	if err := c.writer.Flush(); err != nil {
		return nil, fmt.Errorf("wsengine: compress: flush: %w", err)
	}

	out := make([]byte, c.writeBuf.Len())
	copy(out, c.writeBuf.Bytes())
	c.writeBuf.Reset()

	if final {
		out = bytes.TrimSuffix(out, deflateTrailer)
		if c.writeNoContextTakeover {
			putFlateWriter(c.writer)
			c.writer = nil
		}
	}
	return out, nil
}

// Decompress accumulates compressed fragments and, once the final fragment
// arrives, appends the RFC 7692 trailer and inflates the whole message.
// Fragments before the final one are buffered and return nil.
func (c *permessageDeflate) Decompress(data []byte, final bool) ([]byte, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.readBuf.Write(data)
	if !final {
		return nil, nil
	}
	c.readBuf.Write(deflateTrailer)
	// A final empty stored block ends the stream, so the reader stops with
	// io.EOF instead of io.ErrUnexpectedEOF after the sync-flushed data.
	c.readBuf.Write([]byte{0x01, 0x00, 0x00, 0xff, 0xff})

	c.readInput.Reset(c.readBuf.Bytes())
	var fr io.ReadCloser
	if c.readNoContextTakeover {
		fr = getFlateReader(&c.readInput)
	} else {
		fr = flate.NewReaderDict(&c.readInput, c.readDict)
	}
	out, err := io.ReadAll(fr)
	c.readBuf.Reset()
	if err != nil {
		return nil, fmt.Errorf("wsengine: decompress: %w", err)
	}
	if c.readNoContextTakeover {
		putFlateReader(fr)
	} else {
		c.readDict = append(c.readDict, out...)
		if len(c.readDict) > 1<<maxWindowBits {
			c.readDict = c.readDict[len(c.readDict)-1<<maxWindowBits:]
		}
		fr.Close()
	}
	return out, nil
}

// Close releases pooled resources. It is safe to call more than once.
func (c *permessageDeflate) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.writer != nil {
		putFlateWriter(c.writer)
		c.writer = nil
	}
	return nil
}
