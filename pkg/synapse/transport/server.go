//go:build linux

package transport

import (
	"fmt"
	"net"
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/sys/unix"

	"github.com/Wilblik/synapse/pkg/synapse/poller"
	"github.com/Wilblik/synapse/pkg/synapse/socket"
)

// maxEpollEvents bounds one poller batch.
const maxEpollEvents = 128

// readChunkSize is the scratch buffer used to drain readable sockets. The
// buffer is owned by the loop and reused across connections.
const readChunkSize = 64 * 1024

// Config holds transport configuration.
type Config struct {
	// Port to bind on INADDR_ANY.
	Port uint16

	// IdleTimeout evicts connections idle longer than this. Zero disables
	// eviction and the poller waits without a timeout.
	IdleTimeout time.Duration

	// Socket tuning applied to the listener and to accepted descriptors.
	Socket *socket.Config

	// Log destination. Defaults to the logrus standard logger.
	Log *logrus.Logger
}

// Server runs the event loop: one listening socket, one poller, and the set
// of open connections threaded on the activity list.
type Server struct {
	cfg     Config
	handler Handler
	log     *logrus.Entry

	poll     *poller.Poller
	listenFd int

	// conns maps fd -> connection for event routing. A closed connection
	// stays in the table until end-of-batch release so a stale event later
	// in the same batch finds it (and skips it via IsClosed) instead of
	// touching a recycled descriptor slot.
	conns map[int]*Conn
	dead  []*Conn

	// lruHead is the least recently active connection, lruTail the most.
	lruHead, lruTail *Conn

	running atomic.Bool
}

// NewServer binds and listens but does not start the loop.
func NewServer(cfg Config, handler Handler) (*Server, error) {
	logger := cfg.Log
	if logger == nil {
		logger = logrus.StandardLogger()
	}

	s := &Server{
		cfg:      cfg,
		handler:  handler,
		log:      logger.WithField("component", "transport"),
		conns:    make(map[int]*Conn),
		listenFd: -1,
	}

	var err error
	s.poll, err = poller.New()
	if err != nil {
		return nil, err
	}

	if err := s.listen(); err != nil {
		s.poll.Close()
		return nil, err
	}

	// Armed here rather than in Run so a Stop that races Run startup is
	// not lost.
	s.running.Store(true)
	return s, nil
}

// listen creates the nonblocking listening socket on INADDR_ANY:port with
// SO_REUSEADDR and registers it for readable edges.
func (s *Server) listen() error {
	fd, err := unix.Socket(unix.AF_INET, unix.SOCK_STREAM|unix.SOCK_NONBLOCK|unix.SOCK_CLOEXEC, 0)
	if err != nil {
		return fmt.Errorf("transport: socket: %w", err)
	}

	if err := socket.ApplyListener(fd, s.cfg.Socket); err != nil {
		unix.Close(fd)
		return fmt.Errorf("transport: listener options: %w", err)
	}

	sa := &unix.SockaddrInet4{Port: int(s.cfg.Port)}
	if err := unix.Bind(fd, sa); err != nil {
		unix.Close(fd)
		return fmt.Errorf("transport: bind port %d: %w", s.cfg.Port, err)
	}

	if err := unix.Listen(fd, unix.SOMAXCONN); err != nil {
		unix.Close(fd)
		return fmt.Errorf("transport: listen: %w", err)
	}

	if err := s.poll.Add(fd, poller.Readable); err != nil {
		unix.Close(fd)
		return err
	}

	s.listenFd = fd
	return nil
}

// Port returns the bound port. Useful when configured with port 0.
func (s *Server) Port() (uint16, error) {
	sa, err := unix.Getsockname(s.listenFd)
	if err != nil {
		return 0, err
	}
	in4, ok := sa.(*unix.SockaddrInet4)
	if !ok {
		return 0, fmt.Errorf("transport: unexpected sockaddr %T", sa)
	}
	return uint16(in4.Port), nil
}

// Run executes the event loop until Stop. Returns a non-nil error only on a
// listener or poller failure; per-connection errors are contained.
func (s *Server) Run() error {
	readBuf := make([]byte, readChunkSize)

	for s.running.Load() {
		timeoutMs := -1
		if s.cfg.IdleTimeout > 0 {
			timeoutMs = poller.CheckIntervalMs
		}

		events, err := s.poll.Wait(maxEpollEvents, timeoutMs)
		if err != nil {
			s.log.WithError(err).Error("poller wait failed, exiting loop")
			s.running.Store(false)
			return err
		}

		for _, ev := range events {
			if ev.Wake {
				continue
			}
			if ev.Fd == s.listenFd {
				s.acceptAll()
				continue
			}

			c := s.conns[ev.Fd]
			if c == nil || c.closed {
				continue
			}
			// Readable before writable for a given descriptor.
			if ev.Readable || ev.Hup {
				s.readAll(c, readBuf)
			}
			if c.closed {
				continue
			}
			if ev.Writable {
				c.drain()
			}
		}

		if s.cfg.IdleTimeout > 0 {
			s.sweepIdle()
		}
		s.releaseDead()
	}
	return nil
}

// Stop requests a cooperative stop: the current batch completes, then the
// loop exits. Safe to call from any goroutine, including a signal-notify
// goroutine.
func (s *Server) Stop() {
	s.running.Store(false)
	s.poll.Wake()
}

// Destroy closes every open connection, the listener, and the poller. Only
// valid after Stop.
func (s *Server) Destroy() error {
	if s.running.Load() {
		return ErrServerRunning
	}
	for s.lruHead != nil {
		s.closeConn(s.lruHead)
	}
	s.releaseDead()
	if s.listenFd >= 0 {
		unix.Close(s.listenFd)
		s.listenFd = -1
	}
	return s.poll.Close()
}

// acceptAll accepts until EAGAIN. Edge-triggered: a single readable edge may
// cover any number of queued connections.
func (s *Server) acceptAll() {
	for {
		fd, sa, err := unix.Accept4(s.listenFd, unix.SOCK_NONBLOCK|unix.SOCK_CLOEXEC)
		if err == unix.EAGAIN {
			return
		}
		if err == unix.EINTR {
			continue
		}
		if err != nil {
			s.log.WithError(err).Warn("accept failed")
			return
		}

		if err := socket.Apply(fd, s.cfg.Socket); err != nil {
			s.log.WithError(err).Warn("socket options failed, dropping connection")
			unix.Close(fd)
			continue
		}

		c := &Conn{
			fd:           fd,
			srv:          s,
			remoteAddr:   sockaddrString(sa),
			lastActivity: time.Now(),
		}

		if err := s.poll.Add(fd, poller.Readable); err != nil {
			s.log.WithError(err).Warn("poller add failed, dropping connection")
			unix.Close(fd)
			continue
		}

		s.conns[fd] = c
		s.lruAppend(c)
		c.userData = s.handler.OnConnect(c)

		s.log.WithField("addr", c.remoteAddr).Debug("accepted")
	}
}

// readAll drains the socket until EAGAIN, upcalling OnData per chunk.
// A zero-length read is peer EOF.
func (s *Server) readAll(c *Conn, buf []byte) {
	for {
		n, err := unix.Read(c.fd, buf)
		if err == unix.EINTR {
			continue
		}
		if err == unix.EAGAIN {
			return
		}
		if err != nil {
			s.log.WithField("addr", c.remoteAddr).WithError(err).Debug("read failed")
			s.closeConn(c)
			return
		}
		if n == 0 {
			s.closeConn(c)
			return
		}

		c.touch()
		s.handler.OnData(c, c.userData, buf[:n])
		if c.closed {
			return
		}
	}
}

// closeConn runs the close protocol: unregister, close fd, mark closed,
// detach from the activity list, discard the outbound buffer, upcall
// OnClose. Idempotent. The record is released from the fd table at end of
// batch.
func (s *Server) closeConn(c *Conn) {
	if c.closed {
		return
	}
	c.closed = true

	if err := s.poll.Del(c.fd); err != nil {
		s.log.WithField("addr", c.remoteAddr).WithError(err).Debug("poller del failed")
	}
	unix.Close(c.fd)

	s.lruRemove(c)
	c.out.buf = nil
	c.out.sent = 0

	s.handler.OnClose(c, c.userData)
	c.userData = nil

	s.dead = append(s.dead, c)
	s.log.WithField("addr", c.remoteAddr).Debug("closed")
}

// releaseDead removes closed records from the fd table once the batch that
// may still hold events for them has fully drained. An entry is only
// removed if it has not been displaced by a connection that recycled the
// same descriptor number.
func (s *Server) releaseDead() {
	for _, c := range s.dead {
		if s.conns[c.fd] == c {
			delete(s.conns, c.fd)
		}
	}
	s.dead = s.dead[:0]
}

// sweepIdle closes connections idle for at least the configured timeout.
// The list is activity-ordered, so the walk stops at the first entry still
// inside the window: O(evicted).
func (s *Server) sweepIdle() {
	now := time.Now()
	for c := s.lruHead; c != nil; {
		if now.Sub(c.lastActivity) < s.cfg.IdleTimeout {
			return
		}
		next := c.next
		s.log.WithField("addr", c.remoteAddr).Debug("idle timeout")
		s.closeConn(c)
		c = next
	}
}

// Activity list. Head is least recently active; any activity moves the
// connection to the tail. Membership always equals the set of open
// connections.

func (s *Server) lruAppend(c *Conn) {
	c.prev = s.lruTail
	c.next = nil
	if s.lruTail != nil {
		s.lruTail.next = c
	} else {
		s.lruHead = c
	}
	s.lruTail = c
}

func (s *Server) lruRemove(c *Conn) {
	if c.prev != nil {
		c.prev.next = c.next
	} else if s.lruHead == c {
		s.lruHead = c.next
	}
	if c.next != nil {
		c.next.prev = c.prev
	} else if s.lruTail == c {
		s.lruTail = c.prev
	}
	c.prev = nil
	c.next = nil
}

func (s *Server) lruMoveToTail(c *Conn) {
	if s.lruTail == c || c.closed {
		return
	}
	s.lruRemove(c)
	s.lruAppend(c)
}

// sockaddrString renders a peer address as host:port.
func sockaddrString(sa unix.Sockaddr) string {
	switch v := sa.(type) {
	case *unix.SockaddrInet4:
		ip := net.IPv4(v.Addr[0], v.Addr[1], v.Addr[2], v.Addr[3])
		return fmt.Sprintf("%s:%d", ip, v.Port)
	case *unix.SockaddrInet6:
		return fmt.Sprintf("[%s]:%d", net.IP(v.Addr[:]), v.Port)
	default:
		return "?"
	}
}
