package http11

import "bytes"

// mockTransport implements Transport for framing tests. It records
// everything written and whether the connection was closed.
type mockTransport struct {
	written bytes.Buffer
	closed  bool
	// failWrites makes Write report a transport failure.
	failWrites bool
}

func (m *mockTransport) Write(p []byte) bool {
	if m.closed || m.failWrites {
		return false
	}
	m.written.Write(p)
	return true
}

func (m *mockTransport) Close()             { m.closed = true }
func (m *mockTransport) IsClosed() bool     { return m.closed }
func (m *mockTransport) RemoteAddr() string { return "127.0.0.1:12345" }

// recordingHandler collects dispatch outcomes.
type recordingHandler struct {
	requests    []recordedRequest
	badCount    int
	errCount    int
	onRequest   func(t Transport, req *Request)
	onBad       func(t Transport)
	onServerErr func(t Transport)
}

// recordedRequest snapshots the parts of a Request that stay valid after
// the connection resets.
type recordedRequest struct {
	method   Method
	uri      string
	version  string
	headers  map[string]string
	bodyLoc  BodyLocation
	body     []byte
	fileSize int64
}

func (h *recordingHandler) OnRequest(t Transport, req *Request) {
	rec := recordedRequest{
		method:  req.Method(),
		uri:     req.URI(),
		version: req.Version(),
		headers: make(map[string]string),
		bodyLoc: req.BodyLocation(),
	}
	for _, f := range req.Headers() {
		if _, ok := rec.headers[string(f.Name)]; !ok {
			rec.headers[string(f.Name)] = string(f.Value)
		}
	}
	switch req.BodyLocation() {
	case BodyMemory:
		rec.body = append([]byte(nil), req.Body()...)
	case BodyFile:
		f := req.BodyFile()
		if pos, err := f.Seek(0, 1); err == nil && pos == 0 {
			buf := make([]byte, 0, 1<<20)
			tmp := make([]byte, 64*1024)
			for {
				n, err := f.Read(tmp)
				buf = append(buf, tmp[:n]...)
				if err != nil {
					break
				}
			}
			rec.body = buf
			rec.fileSize = int64(len(buf))
		} else {
			rec.fileSize = -1
		}
	}
	h.requests = append(h.requests, rec)
	if h.onRequest != nil {
		h.onRequest(t, req)
	}
}

func (h *recordingHandler) OnBadRequest(t Transport) {
	h.badCount++
	if h.onBad != nil {
		h.onBad(t)
	}
}

func (h *recordingHandler) OnServerError(t Transport) {
	h.errCount++
	if h.onServerErr != nil {
		h.onServerErr(t)
	}
}
