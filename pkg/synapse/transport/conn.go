//go:build linux

package transport

import (
	"time"

	"golang.org/x/sys/unix"

	"github.com/Wilblik/synapse/pkg/synapse/poller"
)

// outBufInitialCap is the initial outbound buffer capacity. The buffer
// doubles as needed from here.
const outBufInitialCap = 4096

// outBuffer is the per-connection overflow buffer for bytes the kernel would
// not take. Invariant: sent <= len(buf) <= cap(buf).
type outBuffer struct {
	buf  []byte
	sent int
}

func (b *outBuffer) pending() int { return len(b.buf) - b.sent }

// push appends p, growing by doubling from outBufInitialCap.
func (b *outBuffer) push(p []byte) {
	need := len(b.buf) + len(p)
	if need > cap(b.buf) {
		newCap := cap(b.buf)
		if newCap == 0 {
			newCap = outBufInitialCap
		}
		for newCap < need {
			newCap *= 2
		}
		grown := make([]byte, len(b.buf), newCap)
		copy(grown, b.buf)
		b.buf = grown
	}
	b.buf = append(b.buf, p...)
}

func (b *outBuffer) reset() {
	b.buf = b.buf[:0]
	b.sent = 0
}

// Conn is the transport's per-socket state: an open descriptor, a printable
// peer address, the user-level protocol state attached by OnConnect, a
// last-activity instant, and the outbound buffer. Every open connection is a
// node in exactly one activity list, ordered head-oldest.
type Conn struct {
	fd         int
	srv        *Server
	remoteAddr string

	lastActivity time.Time
	prev, next   *Conn

	out      outBuffer
	userData any
	closed   bool
	// writable tracks whether EPOLLOUT interest is currently armed, so the
	// drain path only issues epoll_ctl when the interest actually changes.
	writable bool
}

// RemoteAddr returns the peer address in printable form.
func (c *Conn) RemoteAddr() string { return c.remoteAddr }

// UserData returns the value OnConnect attached to this connection.
func (c *Conn) UserData() any { return c.userData }

// IsClosed reports whether the connection has been closed. Upcall code must
// check this after any call that may have closed the connection underneath
// it (e.g. a dispatch callback that called Close).
func (c *Conn) IsClosed() bool { return c.closed }

// LastActivity returns the instant of the most recent read or write.
func (c *Conn) LastActivity() time.Time { return c.lastActivity }

// touch records activity and moves the connection to the tail of the
// activity list.
func (c *Conn) touch() {
	c.lastActivity = time.Now()
	c.srv.lruMoveToTail(c)
}

// Write queues len(p) bytes for transmission and returns false if the
// connection is closed: already before the call, or by a transport error
// during it.
//
// If nothing is pending, a direct nonblocking send is attempted first; this
// keeps small responses to a single syscall. A short send or EAGAIN parks
// the remainder in the outbound buffer and arms writable interest so the
// drain path picks it up. Any other errno closes the connection and the
// pending bytes are discarded.
func (c *Conn) Write(p []byte) bool {
	if c.closed {
		return false
	}
	if len(p) == 0 {
		return true
	}

	if c.out.pending() == 0 {
		n, err := writeRetry(c.fd, p)
		if err != nil && err != unix.EAGAIN {
			c.srv.log.WithField("addr", c.remoteAddr).WithError(err).Debug("send failed")
			c.srv.closeConn(c)
			return false
		}
		if n == len(p) {
			c.touch()
			return true
		}
		p = p[n:]
	}

	c.out.push(p)
	if !c.writable {
		if err := c.srv.poll.Mod(c.fd, poller.Readable|poller.Writable); err != nil {
			c.srv.log.WithField("addr", c.remoteAddr).WithError(err).Debug("arm writable failed")
			c.srv.closeConn(c)
			return false
		}
		c.writable = true
	}
	c.touch()
	return true
}

// Close closes the connection. Idempotent. Pending outbound bytes are
// discarded.
func (c *Conn) Close() {
	c.srv.closeConn(c)
}

// drain flushes the outbound buffer from sent to length. On a full drain the
// buffer offsets reset to zero and writable interest is disarmed.
func (c *Conn) drain() {
	for c.out.pending() > 0 {
		n, err := writeRetry(c.fd, c.out.buf[c.out.sent:])
		if n > 0 {
			c.out.sent += n
			c.lastActivity = time.Now()
		}
		if err == unix.EAGAIN {
			c.srv.lruMoveToTail(c)
			return
		}
		if err != nil {
			c.srv.log.WithField("addr", c.remoteAddr).WithError(err).Debug("drain failed")
			c.srv.closeConn(c)
			return
		}
	}

	c.out.reset()
	c.srv.lruMoveToTail(c)
	if c.writable {
		if err := c.srv.poll.Mod(c.fd, poller.Readable); err != nil {
			c.srv.closeConn(c)
			return
		}
		c.writable = false
	}
}

// writeRetry is write(2) with EINTR retry. Returns the byte count written
// before the first non-retryable error.
func writeRetry(fd int, p []byte) (int, error) {
	total := 0
	for total < len(p) {
		n, err := unix.Write(fd, p[total:])
		if n > 0 {
			total += n
		}
		if err == unix.EINTR {
			continue
		}
		if err != nil {
			return total, err
		}
		if n == 0 {
			break
		}
	}
	return total, nil
}
