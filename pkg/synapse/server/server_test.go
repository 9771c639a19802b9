//go:build linux

package server

import (
	"bytes"
	"fmt"
	"io"
	"net"
	"strings"
	"testing"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/Wilblik/synapse/pkg/synapse/http11"
)

var ok200 = []byte("HTTP/1.1 200 OK\r\nContent-Length: 0\r\n\r\n")

func quietLogger() *logrus.Logger {
	l := logrus.New()
	l.SetOutput(io.Discard)
	return l
}

// startHTTP runs a server with the given callbacks on an ephemeral port.
func startHTTP(t *testing.T, cfg Config) (string, func()) {
	t.Helper()
	cfg.Log = quietLogger()

	s, err := New(cfg)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	port, err := s.Port()
	if err != nil {
		t.Fatalf("Port: %v", err)
	}

	done := make(chan error, 1)
	go func() { done <- s.Run() }()

	stop := func() {
		s.Stop()
		select {
		case <-done:
		case <-time.After(10 * time.Second):
			t.Error("event loop did not stop")
		}
		if err := s.Destroy(); err != nil {
			t.Errorf("Destroy: %v", err)
		}
	}
	return fmt.Sprintf("127.0.0.1:%d", port), stop
}

// fixed200 is the do-nothing request callback used by the wire scenarios.
func fixed200(t http11.Transport, _ *http11.Request, _ any) {
	t.Write(ok200)
}

func dial(t *testing.T, addr string) net.Conn {
	t.Helper()
	conn, err := net.Dial("tcp", addr)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	conn.SetDeadline(time.Now().Add(10 * time.Second))
	return conn
}

func readExactly(t *testing.T, conn net.Conn, n int) []byte {
	t.Helper()
	buf := make([]byte, n)
	if _, err := io.ReadFull(conn, buf); err != nil {
		t.Fatalf("read %d bytes: %v", n, err)
	}
	return buf
}

// readToEOF drains the connection until the server closes it.
func readToEOF(t *testing.T, conn net.Conn) []byte {
	t.Helper()
	data, err := io.ReadAll(conn)
	if err != nil {
		t.Fatalf("read to EOF: %v", err)
	}
	return data
}

func TestMinimalGETKeepAlive(t *testing.T) {
	addr, stop := startHTTP(t, Config{Port: 0, Callbacks: Callbacks{OnRequest: fixed200}})
	defer stop()

	conn := dial(t, addr)
	defer conn.Close()

	if _, err := conn.Write([]byte("GET / HTTP/1.1\r\nHost: x\r\n\r\n")); err != nil {
		t.Fatalf("write: %v", err)
	}
	if got := readExactly(t, conn, len(ok200)); !bytes.Equal(got, ok200) {
		t.Errorf("response = %q, want %q", got, ok200)
	}

	// The connection must remain usable: a second request still answers.
	if _, err := conn.Write([]byte("GET /again HTTP/1.1\r\nHost: x\r\n\r\n")); err != nil {
		t.Fatalf("second write: %v", err)
	}
	if got := readExactly(t, conn, len(ok200)); !bytes.Equal(got, ok200) {
		t.Errorf("second response = %q, want %q", got, ok200)
	}
}

func TestPipelinedPairOneSegment(t *testing.T) {
	addr, stop := startHTTP(t, Config{Port: 0, Callbacks: Callbacks{OnRequest: fixed200}})
	defer stop()

	conn := dial(t, addr)
	defer conn.Close()

	pair := "GET /a HTTP/1.1\r\nHost: x\r\n\r\nGET /b HTTP/1.1\r\nHost: x\r\n\r\n"
	if _, err := conn.Write([]byte(pair)); err != nil {
		t.Fatalf("write: %v", err)
	}

	got := readExactly(t, conn, 2*len(ok200))
	want := append(append([]byte(nil), ok200...), ok200...)
	if !bytes.Equal(got, want) {
		t.Errorf("pipelined responses = %q, want two consecutive 200s", got)
	}
}

func TestOversizeHeaders(t *testing.T) {
	addr, stop := startHTTP(t, Config{Port: 0, Callbacks: Callbacks{OnRequest: fixed200}})
	defer stop()

	conn := dial(t, addr)
	defer conn.Close()

	var sb strings.Builder
	for sb.Len() < 9000 {
		sb.WriteString("X-Pad: aaaaaaaaaaaaaaaa\r\n")
	}
	if _, err := conn.Write([]byte(sb.String())); err != nil {
		t.Fatalf("write: %v", err)
	}

	got := readExactly(t, conn, len(http11.Resp431))
	if !bytes.Equal(got, http11.Resp431) {
		t.Errorf("response = %q, want canonical 431", got)
	}
	// The server closes right after; the close may surface as EOF or, if
	// unread bytes were still in flight, as a reset. Either way no further
	// response bytes arrive.
	if n, err := conn.Read(make([]byte, 1)); err == nil {
		t.Errorf("read after 431 returned %d bytes, want closed connection", n)
	}
}

func TestBodyInMemoryObserved(t *testing.T) {
	type seen struct {
		loc  http11.BodyLocation
		body string
	}
	ch := make(chan seen, 1)

	cb := Callbacks{OnRequest: func(tr http11.Transport, req *http11.Request, _ any) {
		ch <- seen{loc: req.BodyLocation(), body: string(req.Body())}
		tr.Write(ok200)
	}}
	addr, stop := startHTTP(t, Config{Port: 0, Callbacks: cb})
	defer stop()

	conn := dial(t, addr)
	defer conn.Close()

	if _, err := conn.Write([]byte("POST /up HTTP/1.1\r\nHost: x\r\nContent-Length: 5\r\n\r\nhello")); err != nil {
		t.Fatalf("write: %v", err)
	}
	readExactly(t, conn, len(ok200))

	got := <-ch
	if got.loc != http11.BodyMemory {
		t.Errorf("body location = %v, want memory", got.loc)
	}
	if got.body != "hello" {
		t.Errorf("body = %q, want hello", got.body)
	}

	// No Connection: close, so the connection stays open.
	if _, err := conn.Write([]byte("GET / HTTP/1.1\r\nHost: x\r\n\r\n")); err != nil {
		t.Fatalf("keep-alive write: %v", err)
	}
	readExactly(t, conn, len(ok200))
}

func TestBodyInFileObserved(t *testing.T) {
	payload := bytes.Repeat([]byte("p"), 2*1024*1024)

	type seen struct {
		loc      http11.BodyLocation
		position int64
		size     int
		matches  bool
	}
	ch := make(chan seen, 1)

	cb := Callbacks{OnRequest: func(tr http11.Transport, req *http11.Request, _ any) {
		var s seen
		s.loc = req.BodyLocation()
		if f := req.BodyFile(); f != nil {
			s.position, _ = f.Seek(0, io.SeekCurrent)
			data, err := io.ReadAll(f)
			if err == nil {
				s.size = len(data)
				s.matches = bytes.Equal(data, payload)
			}
		}
		ch <- s
		tr.Write(ok200)
	}}
	addr, stop := startHTTP(t, Config{Port: 0, Callbacks: cb})
	defer stop()

	conn := dial(t, addr)
	defer conn.Close()
	conn.SetDeadline(time.Now().Add(30 * time.Second))

	header := fmt.Sprintf("POST /big HTTP/1.1\r\nHost: x\r\nContent-Length: %d\r\n\r\n", len(payload))
	if _, err := conn.Write([]byte(header)); err != nil {
		t.Fatalf("write header: %v", err)
	}
	if _, err := conn.Write(payload); err != nil {
		t.Fatalf("write payload: %v", err)
	}
	readExactly(t, conn, len(ok200))

	got := <-ch
	if got.loc != http11.BodyFile {
		t.Fatalf("body location = %v, want file", got.loc)
	}
	if got.position != 0 {
		t.Errorf("file position on entry = %d, want 0", got.position)
	}
	if !got.matches {
		t.Errorf("file contents mismatch: %d bytes, want %d", got.size, len(payload))
	}
}

func TestMalformedRequestLine(t *testing.T) {
	addr, stop := startHTTP(t, Config{Port: 0, Callbacks: Callbacks{OnRequest: fixed200}})
	defer stop()

	conn := dial(t, addr)
	defer conn.Close()

	if _, err := conn.Write([]byte("GET HTTP/1.1\r\nHost:x\r\n\r\n")); err != nil {
		t.Fatalf("write: %v", err)
	}
	got := readToEOF(t, conn)
	if !bytes.Equal(got, http11.Resp400) {
		t.Errorf("response = %q, want canonical 400 then close", got)
	}
}

func TestMissingHost(t *testing.T) {
	addr, stop := startHTTP(t, Config{Port: 0, Callbacks: Callbacks{OnRequest: fixed200}})
	defer stop()

	conn := dial(t, addr)
	defer conn.Close()

	if _, err := conn.Write([]byte("GET / HTTP/1.1\r\n\r\n")); err != nil {
		t.Fatalf("write: %v", err)
	}
	got := readToEOF(t, conn)
	if !bytes.Equal(got, http11.Resp400) {
		t.Errorf("response = %q, want canonical 400 then close", got)
	}
}

func TestIdleConnectionEvicted(t *testing.T) {
	if testing.Short() {
		t.Skip("eviction wait is several seconds")
	}

	addr, stop := startHTTP(t, Config{
		Port:        0,
		IdleTimeout: time.Second,
		Callbacks:   Callbacks{OnRequest: fixed200},
	})
	defer stop()

	conn := dial(t, addr)
	defer conn.Close()

	// Send nothing; the sweeper must close the connection with no bytes.
	conn.SetReadDeadline(time.Now().Add(10 * time.Second))
	buf := make([]byte, 1)
	n, err := conn.Read(buf)
	if err != io.EOF {
		t.Fatalf("read = (%d, %v), want clean EOF", n, err)
	}
}

func TestConnectionCloseHeaderHonored(t *testing.T) {
	addr, stop := startHTTP(t, Config{Port: 0, Callbacks: Callbacks{OnRequest: fixed200}})
	defer stop()

	conn := dial(t, addr)
	defer conn.Close()

	if _, err := conn.Write([]byte("GET / HTTP/1.1\r\nHost: x\r\nConnection: close\r\n\r\n")); err != nil {
		t.Fatalf("write: %v", err)
	}
	got := readToEOF(t, conn)
	if !bytes.Equal(got, ok200) {
		t.Errorf("response = %q, want single 200 then close", got)
	}
}

func TestDefaultCallbacks(t *testing.T) {
	// No callbacks at all: requests answer 501, malformed input 400.
	addr, stop := startHTTP(t, Config{Port: 0})
	defer stop()

	conn := dial(t, addr)
	if _, err := conn.Write([]byte("GET / HTTP/1.1\r\nHost: x\r\n\r\n")); err != nil {
		t.Fatalf("write: %v", err)
	}
	got := readToEOF(t, conn)
	conn.Close()
	if !bytes.Equal(got, http11.Resp501) {
		t.Errorf("default request response = %q, want canonical 501", got)
	}

	conn = dial(t, addr)
	defer conn.Close()
	if _, err := conn.Write([]byte("junk\r\n\r\n")); err != nil {
		t.Fatalf("write: %v", err)
	}
	got = readToEOF(t, conn)
	if !bytes.Equal(got, http11.Resp400) {
		t.Errorf("default bad-request response = %q, want canonical 400", got)
	}
}

func TestContextForwarded(t *testing.T) {
	type ctxType struct{ tag string }
	want := &ctxType{tag: "opaque"}
	ch := make(chan any, 1)

	cb := Callbacks{OnRequest: func(tr http11.Transport, _ *http11.Request, ctx any) {
		ch <- ctx
		tr.Write(ok200)
	}}
	addr, stop := startHTTP(t, Config{Port: 0, Callbacks: cb, Context: want})
	defer stop()

	conn := dial(t, addr)
	defer conn.Close()
	if _, err := conn.Write([]byte("GET / HTTP/1.1\r\nHost: x\r\n\r\n")); err != nil {
		t.Fatalf("write: %v", err)
	}
	readExactly(t, conn, len(ok200))

	if got := <-ch; got != any(want) {
		t.Errorf("context = %v, want the configured value", got)
	}
}
