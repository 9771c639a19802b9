package http11

import "errors"

// Parse errors. All of these mean the peer sent a malformed request and the
// connection is answered with 400 and closed.
var (
	// ErrInvalidRequestLine indicates the request line could not be split
	// into method, URI and version.
	ErrInvalidRequestLine = errors.New("http11: invalid request line")

	// ErrInvalidMethod indicates an unrecognized method token.
	ErrInvalidMethod = errors.New("http11: invalid method")

	// ErrInvalidURI indicates the request target failed validation.
	ErrInvalidURI = errors.New("http11: invalid request URI")

	// ErrInvalidProtocol indicates a version other than HTTP/1.1.
	ErrInvalidProtocol = errors.New("http11: invalid protocol version")

	// ErrInvalidHeader indicates a header line without a colon.
	ErrInvalidHeader = errors.New("http11: invalid header line")

	// ErrMissingHost indicates the request has no Host header.
	ErrMissingHost = errors.New("http11: missing Host header")

	// ErrInvalidContentLength indicates a Content-Length value that is not
	// a plain non-negative decimal integer.
	ErrInvalidContentLength = errors.New("http11: invalid Content-Length")
)

// Body store errors. These are local resource failures and the connection is
// answered with 500 and closed.
var (
	// ErrBodyStore indicates the body store could not be created or
	// written. Short file writes are fatal.
	ErrBodyStore = errors.New("http11: body store failure")
)
