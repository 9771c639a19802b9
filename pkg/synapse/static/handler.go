// Package static serves files from a filesystem root over the server's
// callback surface: URI resolution, content-type inference, directory
// listings, and gzip/brotli content negotiation for compressible types.
package static

import (
	"bytes"
	"os"
	"path"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/andybalholm/brotli"
	"github.com/klauspost/compress/gzip"
	"github.com/sirupsen/logrus"
	"github.com/valyala/bytebufferpool"

	"github.com/Wilblik/synapse/pkg/synapse/http11"
)

// compressMinSize is the smallest body worth compressing; below this the
// encoder framing outweighs the savings.
const compressMinSize = 512

// Handler resolves request URIs under Root and serves the result.
type Handler struct {
	// Root is the directory being served.
	Root string

	// Browse enables directory listing HTML for directories without an
	// index.html. When false such directories answer 403.
	Browse bool

	// Log defaults to the logrus standard logger.
	Log *logrus.Logger
}

// statusLine returns the full status line for the codes this handler emits.
func statusLine(code int) string {
	switch code {
	case 200:
		return "HTTP/1.1 200 OK\r\n"
	case 403:
		return "HTTP/1.1 403 Forbidden\r\n"
	case 404:
		return "HTTP/1.1 404 Not Found\r\n"
	case 405:
		return "HTTP/1.1 405 Method Not Allowed\r\n"
	default:
		return "HTTP/1.1 500 Internal Server Error\r\n"
	}
}

func (h *Handler) logger() *logrus.Entry {
	l := h.Log
	if l == nil {
		l = logrus.StandardLogger()
	}
	return l.WithField("component", "static")
}

// OnRequest is the server.Callbacks.OnRequest implementation.
func (h *Handler) OnRequest(t http11.Transport, req *http11.Request, _ any) {
	status, sent := h.serve(t, req)
	h.logger().WithFields(logrus.Fields{
		"addr":   t.RemoteAddr(),
		"method": req.Method().String(),
		"uri":    req.URI(),
		"status": status,
		"bytes":  sent,
	}).Info("request")
}

// serve handles one request and returns (status, body bytes sent).
func (h *Handler) serve(t http11.Transport, req *http11.Request) (int, int) {
	head := req.Method() == http11.MethodHEAD
	if req.Method() != http11.MethodGET && !head {
		return h.respond(t, req, 405, "text/plain; charset=utf-8", []byte("method not allowed\n"), false)
	}

	fsPath, ok := h.resolve(req.URIBytes())
	if !ok {
		return h.respond(t, req, 404, "text/plain; charset=utf-8", []byte("not found\n"), head)
	}

	info, err := os.Stat(fsPath)
	if err != nil {
		if os.IsPermission(err) {
			return h.respond(t, req, 403, "text/plain; charset=utf-8", []byte("forbidden\n"), head)
		}
		return h.respond(t, req, 404, "text/plain; charset=utf-8", []byte("not found\n"), head)
	}

	if info.IsDir() {
		index := filepath.Join(fsPath, "index.html")
		if _, err := os.Stat(index); err == nil {
			fsPath = index
		} else if h.Browse {
			listing, err := renderListing(req.URI(), fsPath)
			if err != nil {
				return h.respond(t, req, 403, "text/plain; charset=utf-8", []byte("forbidden\n"), head)
			}
			return h.respond(t, req, 200, "text/html; charset=utf-8", listing, head)
		} else {
			return h.respond(t, req, 403, "text/plain; charset=utf-8", []byte("forbidden\n"), head)
		}
	}

	body, err := os.ReadFile(fsPath)
	if err != nil {
		if os.IsPermission(err) {
			return h.respond(t, req, 403, "text/plain; charset=utf-8", []byte("forbidden\n"), head)
		}
		return h.respond(t, req, 404, "text/plain; charset=utf-8", []byte("not found\n"), head)
	}

	return h.respondNegotiated(t, req, contentTypeFor(fsPath), body, head)
}

// resolve percent-decodes the request target, cleans it, and anchors it
// under Root. Returns false for undecodable escapes or targets that would
// escape the root.
func (h *Handler) resolve(uri []byte) (string, bool) {
	decoded, ok := percentDecode(uri)
	if !ok {
		return "", false
	}

	cleaned := path.Clean("/" + decoded)
	root := filepath.Clean(h.Root)
	fsPath := filepath.Join(root, filepath.FromSlash(cleaned))

	// The leading-slash clean already pins the path under the root; the
	// relative check guards against a future change to the cleaning rule.
	rel, err := filepath.Rel(root, fsPath)
	if err != nil || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return "", false
	}
	return fsPath, true
}

// percentDecode expands %HH escapes. The parser has already validated the
// escape syntax, but decode defensively anyway.
func percentDecode(uri []byte) (string, bool) {
	if !bytes.ContainsRune(uri, '%') {
		return string(uri), true
	}
	out := make([]byte, 0, len(uri))
	for i := 0; i < len(uri); i++ {
		c := uri[i]
		if c != '%' {
			out = append(out, c)
			continue
		}
		if i+2 >= len(uri) {
			return "", false
		}
		hi, ok1 := hexVal(uri[i+1])
		lo, ok2 := hexVal(uri[i+2])
		if !ok1 || !ok2 {
			return "", false
		}
		out = append(out, hi<<4|lo)
		i += 2
	}
	return string(out), true
}

func hexVal(c byte) (byte, bool) {
	switch {
	case c >= '0' && c <= '9':
		return c - '0', true
	case c >= 'a' && c <= 'f':
		return c - 'a' + 10, true
	case c >= 'A' && c <= 'F':
		return c - 'A' + 10, true
	}
	return 0, false
}

// respondNegotiated compresses compressible bodies when the client asked
// for it, then responds.
func (h *Handler) respondNegotiated(t http11.Transport, req *http11.Request, contentType string, body []byte, head bool) (int, int) {
	encoding := ""
	if len(body) >= compressMinSize && compressible(contentType) {
		accept := req.HeaderString("Accept-Encoding")
		switch {
		case acceptsEncoding(accept, "br"):
			if compressed, err := brotliCompress(body); err == nil {
				body = compressed
				encoding = "br"
			}
		case acceptsEncoding(accept, "gzip"):
			if compressed, err := gzipCompress(body); err == nil {
				body = compressed
				encoding = "gzip"
			}
		}
	}
	return h.respondEncoded(t, req, 200, contentType, encoding, body, head)
}

func (h *Handler) respond(t http11.Transport, req *http11.Request, status int, contentType string, body []byte, head bool) (int, int) {
	return h.respondEncoded(t, req, status, contentType, encodingNone, body, head)
}

const encodingNone = ""

// respondEncoded assembles status line, headers and body into one buffer
// and writes it in a single transport call.
func (h *Handler) respondEncoded(t http11.Transport, req *http11.Request, status int, contentType, encoding string, body []byte, head bool) (int, int) {
	buf := bytebufferpool.Get()
	defer bytebufferpool.Put(buf)

	buf.WriteString(statusLine(status))
	buf.WriteString("Content-Type: ")
	buf.WriteString(contentType)
	buf.WriteString("\r\nContent-Length: ")
	buf.WriteString(strconv.Itoa(len(body)))
	buf.WriteString("\r\n")
	if encoding != encodingNone {
		buf.WriteString("Content-Encoding: ")
		buf.WriteString(encoding)
		buf.WriteString("\r\n")
	}
	if status == 405 {
		buf.WriteString("Allow: GET, HEAD\r\n")
	}
	buf.WriteString("\r\n")

	sent := 0
	if !head {
		buf.Write(body)
		sent = len(body)
	}
	t.Write(buf.B)
	return status, sent
}

// acceptsEncoding reports whether the Accept-Encoding value lists the given
// coding. A quality of zero disables it.
func acceptsEncoding(accept, coding string) bool {
	for _, part := range strings.Split(accept, ",") {
		part = strings.TrimSpace(part)
		name, params, _ := strings.Cut(part, ";")
		if strings.TrimSpace(name) != coding {
			continue
		}
		if q, ok := strings.CutPrefix(strings.TrimSpace(params), "q="); ok {
			if v, err := strconv.ParseFloat(strings.TrimSpace(q), 64); err == nil && v == 0 {
				return false
			}
		}
		return true
	}
	return false
}

func gzipCompress(body []byte) ([]byte, error) {
	var out bytes.Buffer
	zw, err := gzip.NewWriterLevel(&out, gzip.BestSpeed)
	if err != nil {
		return nil, err
	}
	if _, err := zw.Write(body); err != nil {
		zw.Close()
		return nil, err
	}
	if err := zw.Close(); err != nil {
		return nil, err
	}
	return out.Bytes(), nil
}

func brotliCompress(body []byte) ([]byte, error) {
	var out bytes.Buffer
	bw := brotli.NewWriterLevel(&out, brotli.BestSpeed)
	if _, err := bw.Write(body); err != nil {
		bw.Close()
		return nil, err
	}
	if err := bw.Close(); err != nil {
		return nil, err
	}
	return out.Bytes(), nil
}
