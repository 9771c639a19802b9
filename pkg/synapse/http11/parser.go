package http11

import "bytes"

// uriByteAllowed marks bytes legal in a request target outside
// percent-escapes: unreserved characters plus the reserved set the server
// accepts verbatim. The set deliberately includes '(', ')', '*' and '\''.
var uriByteAllowed [256]bool

func init() {
	for c := 'a'; c <= 'z'; c++ {
		uriByteAllowed[c] = true
	}
	for c := 'A'; c <= 'Z'; c++ {
		uriByteAllowed[c] = true
	}
	for c := '0'; c <= '9'; c++ {
		uriByteAllowed[c] = true
	}
	for _, c := range []byte("-._~/:@!$&+,;=()*'") {
		uriByteAllowed[c] = true
	}
}

// parseRequest parses a complete header region (request line through the
// terminating CRLFCRLF) into req. Fields are subslices of region; nothing
// is copied. On error req is left partially filled and must be reset by the
// caller.
func parseRequest(req *Request, region []byte) error {
	lineEnd := bytes.Index(region, crlf)
	if lineEnd < 0 {
		return ErrInvalidRequestLine
	}
	line := region[:lineEnd]

	// Split at the first two spaces: method, URI, version.
	sp1 := bytes.IndexByte(line, ' ')
	if sp1 < 0 {
		return ErrInvalidRequestLine
	}
	rest := line[sp1+1:]
	sp2 := bytes.IndexByte(rest, ' ')
	if sp2 < 0 {
		return ErrInvalidRequestLine
	}

	methodTok := line[:sp1]
	uriTok := rest[:sp2]
	versionTok := rest[sp2+1:]

	req.method = ParseMethod(methodTok)
	if req.method == MethodUnknown {
		return ErrInvalidMethod
	}

	if err := validateURI(uriTok); err != nil {
		return err
	}
	req.uri = uriTok

	if !bytes.Equal(versionTok, http11Version) {
		return ErrInvalidProtocol
	}
	req.version = versionTok

	if err := parseHeaderLines(req, region[lineEnd+2:]); err != nil {
		return err
	}

	if req.Header(headerHost) == nil {
		return ErrMissingHost
	}
	return nil
}

// validateURI enforces the request-target syntax: a leading '/', then any
// mix of allowed bytes and %HH escapes.
func validateURI(uri []byte) error {
	if len(uri) == 0 || uri[0] != '/' {
		return ErrInvalidURI
	}
	for i := 1; i < len(uri); i++ {
		c := uri[i]
		if uriByteAllowed[c] {
			continue
		}
		if c == '%' {
			if i+2 >= len(uri) || !isHexDigit(uri[i+1]) || !isHexDigit(uri[i+2]) {
				return ErrInvalidURI
			}
			i += 2
			continue
		}
		return ErrInvalidURI
	}
	return nil
}

func isHexDigit(c byte) bool {
	return (c >= '0' && c <= '9') || (c >= 'a' && c <= 'f') || (c >= 'A' && c <= 'F')
}

// parseHeaderLines consumes CRLF-terminated header lines until the empty
// line. Each line splits at its first colon; name and value are trimmed of
// surrounding spaces and tabs.
func parseHeaderLines(req *Request, buf []byte) error {
	for {
		lineEnd := bytes.Index(buf, crlf)
		if lineEnd < 0 {
			// The region ends in CRLFCRLF, so a well-formed walk always
			// meets the empty line first.
			return ErrInvalidHeader
		}
		if lineEnd == 0 {
			return nil
		}
		line := buf[:lineEnd]
		buf = buf[lineEnd+2:]

		colon := bytes.IndexByte(line, ':')
		if colon < 0 {
			return ErrInvalidHeader
		}
		req.headers = append(req.headers, HeaderField{
			Name:  trimSpace(line[:colon]),
			Value: trimSpace(line[colon+1:]),
		})
	}
}

// trimSpace trims leading and trailing spaces and tabs.
func trimSpace(b []byte) []byte {
	for len(b) > 0 && (b[0] == ' ' || b[0] == '\t') {
		b = b[1:]
	}
	for len(b) > 0 && (b[len(b)-1] == ' ' || b[len(b)-1] == '\t') {
		b = b[:len(b)-1]
	}
	return b
}

// parseContentLength parses a non-negative decimal integer. Signs, empty
// values and trailing garbage are rejected.
func parseContentLength(v []byte) (int64, error) {
	if len(v) == 0 {
		return 0, ErrInvalidContentLength
	}
	var n int64
	for _, c := range v {
		if c < '0' || c > '9' {
			return 0, ErrInvalidContentLength
		}
		n = n*10 + int64(c-'0')
		if n < 0 {
			return 0, ErrInvalidContentLength
		}
	}
	return n, nil
}
