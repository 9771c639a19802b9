//go:build linux

// Package server assembles the transport event loop and the HTTP/1.1
// framing layer into a runnable server, and exposes the user callback
// surface with canonical default responses.
package server

import (
	"time"

	"github.com/sirupsen/logrus"

	"github.com/Wilblik/synapse/pkg/synapse/http11"
	"github.com/Wilblik/synapse/pkg/synapse/socket"
	"github.com/Wilblik/synapse/pkg/synapse/transport"
)

// Callbacks is the user surface. Any nil callback falls back to the
// canonical minimal response for its class, followed by a close:
// 501 for requests, 400 for malformed input, 500 for internal failures.
//
// Callbacks run on the event-loop goroutine and must not block. A callback
// may call t.Write any number of times and may call t.Close.
type Callbacks struct {
	OnRequest     func(t http11.Transport, req *http11.Request, ctx any)
	OnBadRequest  func(t http11.Transport, ctx any)
	OnServerError func(t http11.Transport, ctx any)
}

// Config holds the server configuration supplied by the outer program.
type Config struct {
	// Port to listen on, INADDR_ANY.
	Port uint16

	// IdleTimeout closes connections with no activity for this long.
	// Zero disables idle eviction.
	IdleTimeout time.Duration

	// Callbacks form the user surface; see Callbacks.
	Callbacks Callbacks

	// Context is an opaque value forwarded to every callback.
	Context any

	// Socket optionally overrides socket tuning.
	Socket *socket.Config

	// Log defaults to the logrus standard logger.
	Log *logrus.Logger
}

// Server owns the transport loop and the per-connection HTTP state.
type Server struct {
	cfg Config
	ts  *transport.Server
	log *logrus.Entry
}

// New binds the listening socket and prepares the event loop.
func New(cfg Config) (*Server, error) {
	logger := cfg.Log
	if logger == nil {
		logger = logrus.StandardLogger()
	}

	s := &Server{
		cfg: cfg,
		log: logger.WithField("component", "server"),
	}

	ts, err := transport.NewServer(transport.Config{
		Port:        cfg.Port,
		IdleTimeout: cfg.IdleTimeout,
		Socket:      cfg.Socket,
		Log:         logger,
	}, &httpAdapter{dispatch: &dispatcher{cfg: &s.cfg}})
	if err != nil {
		return nil, err
	}
	s.ts = ts
	return s, nil
}

// Port returns the bound port (useful when configured with 0).
func (s *Server) Port() (uint16, error) { return s.ts.Port() }

// Run executes the event loop until Stop. Blocking.
func (s *Server) Run() error {
	s.log.WithField("port", s.cfg.Port).Info("serving")
	return s.ts.Run()
}

// Stop requests a cooperative stop from any goroutine.
func (s *Server) Stop() { s.ts.Stop() }

// Destroy closes all connections and releases the listener and poller.
// Only valid after Stop.
func (s *Server) Destroy() error { return s.ts.Destroy() }

// The transport connection is the Transport the framing layer writes to.
var _ http11.Transport = (*transport.Conn)(nil)

// httpAdapter implements transport.Handler by owning one http11.Conn per
// transport connection.
type httpAdapter struct {
	dispatch *dispatcher
}

func (a *httpAdapter) OnConnect(c *transport.Conn) any {
	return http11.NewConn(c, a.dispatch)
}

func (a *httpAdapter) OnData(c *transport.Conn, userData any, data []byte) {
	if hc, ok := userData.(*http11.Conn); ok {
		hc.Feed(data)
	}
}

func (a *httpAdapter) OnClose(c *transport.Conn, userData any) {
	if hc, ok := userData.(*http11.Conn); ok {
		hc.Release()
	}
}

// dispatcher implements http11.Handler, filling in canonical defaults for
// absent callbacks.
type dispatcher struct {
	cfg *Config
}

func (d *dispatcher) OnRequest(t http11.Transport, req *http11.Request) {
	if cb := d.cfg.Callbacks.OnRequest; cb != nil {
		cb(t, req, d.cfg.Context)
		return
	}
	t.Write(http11.Resp501)
	t.Close()
}

func (d *dispatcher) OnBadRequest(t http11.Transport) {
	if cb := d.cfg.Callbacks.OnBadRequest; cb != nil {
		cb(t, d.cfg.Context)
		return
	}
	t.Write(http11.Resp400)
	t.Close()
}

func (d *dispatcher) OnServerError(t http11.Transport) {
	if cb := d.cfg.Callbacks.OnServerError; cb != nil {
		cb(t, d.cfg.Context)
		return
	}
	t.Write(http11.Resp500)
	t.Close()
}
