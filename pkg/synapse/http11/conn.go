package http11

import "bytes"

// Transport is the slice of the transport connection the framing layer
// needs. Satisfied by *transport.Conn.
type Transport interface {
	// Write queues bytes for transmission; false means the connection is
	// closed, either already or by a transport error during the write.
	Write(p []byte) bool
	// Close closes the connection. Idempotent.
	Close()
	// IsClosed reports whether the connection has been closed.
	IsClosed() bool
	// RemoteAddr returns the peer address in printable form.
	RemoteAddr() string
}

// Handler is the dispatch surface: one call per framing outcome. Handlers
// run on the event-loop goroutine and must not block. A handler may write
// any number of times and may close the connection.
type Handler interface {
	// OnRequest is dispatched for each fully received, well-formed request.
	// req and everything it references are valid only until the call
	// returns.
	OnRequest(t Transport, req *Request)

	// OnBadRequest is dispatched when the peer sent a malformed request.
	// The connection is closed after the call returns.
	OnBadRequest(t Transport)

	// OnServerError is dispatched on a local resource failure (body store
	// creation or write). The connection is closed after the call returns.
	OnServerError(t Transport)
}

type connState uint8

const (
	stateReadingHeaders connState = iota
	stateReadingBody
)

// Conn is the per-connection byte-stream consumer: it accumulates header
// bytes up to the fixed buffer size, parses complete requests, routes body
// bytes to the body store, dispatches, and resets for the next request on
// the same connection.
type Conn struct {
	t       Transport
	handler Handler

	// hdrBuf accumulates bytes until CRLFCRLF. Capacity HeadersBuffSize,
	// of which one byte is a guard: retained length never exceeds
	// HeadersBuffSize-1.
	hdrBuf          []byte
	headerRegionLen int

	req  Request
	body *bodyStore

	bodyExpected int64
	bodyReceived int64
	// bodyFromTail counts body bytes that arrived inside hdrBuf along with
	// the headers; it is part of the consumed span at reset time.
	bodyFromTail int64

	state connState
}

// NewConn creates the framing state for one transport connection.
func NewConn(t Transport, handler Handler) *Conn {
	return &Conn{
		t:       t,
		handler: handler,
		hdrBuf:  make([]byte, 0, HeadersBuffSize),
	}
}

// State accessors used by tests and by invariant checks.

// Reading reports the current state as (readingBody, headerRegionLen).
func (c *Conn) Reading() (body bool, headerRegionLen int) {
	return c.state == stateReadingBody, c.headerRegionLen
}

// BodyProgress returns (expected, received).
func (c *Conn) BodyProgress() (int64, int64) {
	return c.bodyExpected, c.bodyReceived
}

// Buffered returns the number of bytes currently retained in the header
// buffer.
func (c *Conn) Buffered() int { return len(c.hdrBuf) }

// Feed consumes one chunk of bytes from the wire. It loops until the chunk
// is exhausted, more input is needed, or the connection is closed —
// a single chunk may complete several pipelined requests.
func (c *Conn) Feed(data []byte) {
	for !c.t.IsClosed() {
		if c.state == stateReadingHeaders {
			// Copy into the header buffer up to the guard byte.
			space := HeadersBuffSize - 1 - len(c.hdrBuf)
			n := len(data)
			if n > space {
				n = space
			}
			c.hdrBuf = append(c.hdrBuf, data[:n]...)
			data = data[n:]

			idx := bytes.Index(c.hdrBuf, crlfcrlf)
			if idx < 0 {
				if len(c.hdrBuf) >= HeadersBuffSize-1 {
					c.t.Write(Resp431)
					c.t.Close()
				}
				return
			}

			c.headerRegionLen = idx + len(crlfcrlf)
			if !c.onHeaderRegion() {
				return
			}
			continue
		}

		// READING_BODY
		need := c.bodyExpected - c.bodyReceived
		if len(data) == 0 && need > 0 {
			return
		}
		m := int64(len(data))
		if m > need {
			m = need
		}
		if err := c.body.write(data[:m]); err != nil {
			c.serverError()
			return
		}
		data = data[m:]
		c.bodyReceived += m

		if c.bodyReceived < c.bodyExpected {
			return
		}
		if err := c.body.finalize(); err != nil {
			c.serverError()
			return
		}
		c.dispatchAndReset()
	}
}

// onHeaderRegion parses the completed header region and either dispatches a
// bodyless request or transitions to body reading. Returns false when
// processing must stop (error path or closed connection).
func (c *Conn) onHeaderRegion() bool {
	if err := parseRequest(&c.req, c.hdrBuf[:c.headerRegionLen]); err != nil {
		c.badRequest()
		return false
	}

	if v := c.req.Header(headerContentLen); v != nil {
		n, err := parseContentLength(v)
		if err != nil {
			c.badRequest()
			return false
		}
		c.bodyExpected = n
	}

	// Content-Length: 0 and no Content-Length are the same thing: no body.
	if c.bodyExpected == 0 {
		c.req.bodyLoc = BodyNone
		c.dispatchAndReset()
		return true
	}

	store, err := newBodyStore(c.bodyExpected)
	if err != nil {
		c.serverError()
		return false
	}
	c.body = store

	// Bytes past the header region arrived with the headers; the leading
	// body_expected of them belong to this request's body.
	tail := c.hdrBuf[c.headerRegionLen:]
	m := int64(len(tail))
	if m > c.bodyExpected {
		m = c.bodyExpected
	}
	if err := store.write(tail[:m]); err != nil {
		c.serverError()
		return false
	}
	c.bodyFromTail = m
	c.bodyReceived = m
	c.state = stateReadingBody
	return true
}

// dispatchAndReset invokes OnRequest, honors Connection: close, shifts any
// pipelined tail to the front of the header buffer, and resets all
// per-request state. If the handler closed the connection, processing stops
// there.
func (c *Conn) dispatchAndReset() {
	if c.bodyExpected > 0 {
		if c.body.file != nil {
			c.req.bodyLoc = BodyFile
		} else {
			c.req.bodyLoc = BodyMemory
		}
		c.req.body = c.body
	}

	c.handler.OnRequest(c.t, &c.req)

	if c.t.IsClosed() {
		c.reset(0)
		return
	}

	if v := c.req.Header(headerConnection); v != nil && asciiEqualFold(v, valueClose) {
		c.t.Close()
		c.reset(0)
		return
	}

	consumed := c.headerRegionLen + int(c.bodyFromTail)
	c.reset(consumed)
}

// reset clears per-request state and compacts the header buffer, dropping
// the first consumed bytes and keeping any pipelined remainder. After reset
// the state machine is back in READING_HEADERS with zeroed body counters.
func (c *Conn) reset(consumed int) {
	if c.body != nil {
		c.body.release()
		c.body = nil
	}
	c.req.reset()

	if consumed > 0 && consumed <= len(c.hdrBuf) {
		rest := c.hdrBuf[consumed:]
		n := copy(c.hdrBuf[:cap(c.hdrBuf)], rest)
		c.hdrBuf = c.hdrBuf[:n]
	} else {
		c.hdrBuf = c.hdrBuf[:0]
	}

	c.headerRegionLen = 0
	c.bodyExpected = 0
	c.bodyReceived = 0
	c.bodyFromTail = 0
	c.state = stateReadingHeaders
}

// Release drops any body store. Called by the owner when the transport
// connection closes mid-request.
func (c *Conn) Release() {
	if c.body != nil {
		c.body.release()
		c.body = nil
	}
}

func (c *Conn) badRequest() {
	c.handler.OnBadRequest(c.t)
	if !c.t.IsClosed() {
		c.t.Close()
	}
	c.reset(0)
}

func (c *Conn) serverError() {
	c.handler.OnServerError(c.t)
	if !c.t.IsClosed() {
		c.t.Close()
	}
	c.reset(0)
}
