//go:build linux

// Package poller provides an edge-triggered readiness multiplexer on top of
// epoll(7), plus an eventfd-based wakeup channel so a blocked wait can be
// interrupted from a signal handler or another goroutine.
//
// Edge-triggered semantics: a readable/writable event fires only on the
// transition from not-ready to ready. Consumers MUST drain the descriptor
// until the kernel reports EAGAIN, or the event is lost until the next
// transition. The payoff is O(1) kernel bookkeeping per event.
package poller

import (
	"fmt"

	"golang.org/x/sys/unix"
)

// CheckIntervalMs is the wait timeout used when an idle-connection timeout is
// configured, so the sweeper runs even when no traffic arrives.
const CheckIntervalMs = 5000

// Interest flags for Add/Mod.
const (
	Readable = 1 << iota
	Writable
)

// Event is a single readiness notification. Fd identifies the descriptor the
// kernel reported; the owner maps it back to its connection record.
type Event struct {
	Fd       int
	Readable bool
	Writable bool
	// Hup is set on EPOLLHUP/EPOLLERR/EPOLLRDHUP. The descriptor should be
	// drained (a final read may still return buffered bytes) and closed.
	Hup bool
	// Wake is set when the event came from the internal eventfd.
	Wake bool
}

// Poller wraps an epoll instance. Not safe for concurrent use except for
// Wake, which may be called from any goroutine.
type Poller struct {
	epfd   int
	wakefd int
	events []unix.EpollEvent
}

// New creates an epoll instance and registers the internal wakeup eventfd.
func New() (*Poller, error) {
	epfd, err := unix.EpollCreate1(unix.EPOLL_CLOEXEC)
	if err != nil {
		return nil, fmt.Errorf("poller: epoll_create1: %w", err)
	}

	wakefd, err := unix.Eventfd(0, unix.EFD_NONBLOCK|unix.EFD_CLOEXEC)
	if err != nil {
		unix.Close(epfd)
		return nil, fmt.Errorf("poller: eventfd: %w", err)
	}

	p := &Poller{epfd: epfd, wakefd: wakefd}
	if err := p.Add(wakefd, Readable); err != nil {
		unix.Close(wakefd)
		unix.Close(epfd)
		return nil, err
	}
	return p, nil
}

func epollFlags(interest int) uint32 {
	ev := uint32(unix.EPOLLET | unix.EPOLLRDHUP)
	if interest&Readable != 0 {
		ev |= unix.EPOLLIN
	}
	if interest&Writable != 0 {
		ev |= unix.EPOLLOUT
	}
	return ev
}

// Add registers fd with the given interest set, edge-triggered.
func (p *Poller) Add(fd, interest int) error {
	ev := unix.EpollEvent{Events: epollFlags(interest), Fd: int32(fd)}
	if err := unix.EpollCtl(p.epfd, unix.EPOLL_CTL_ADD, fd, &ev); err != nil {
		return fmt.Errorf("poller: epoll_ctl add fd=%d: %w", fd, err)
	}
	return nil
}

// Mod replaces fd's interest set.
func (p *Poller) Mod(fd, interest int) error {
	ev := unix.EpollEvent{Events: epollFlags(interest), Fd: int32(fd)}
	if err := unix.EpollCtl(p.epfd, unix.EPOLL_CTL_MOD, fd, &ev); err != nil {
		return fmt.Errorf("poller: epoll_ctl mod fd=%d: %w", fd, err)
	}
	return nil
}

// Del removes fd from the interest list. Safe to call right before closing
// the descriptor.
func (p *Poller) Del(fd int) error {
	if err := unix.EpollCtl(p.epfd, unix.EPOLL_CTL_DEL, fd, nil); err != nil {
		return fmt.Errorf("poller: epoll_ctl del fd=%d: %w", fd, err)
	}
	return nil
}

// Wait blocks until at least one descriptor is ready or timeoutMs elapses.
// timeoutMs < 0 waits forever. A wait interrupted by a signal is retried.
// The returned slice is reused by the next Wait call.
func (p *Poller) Wait(maxEvents, timeoutMs int) ([]Event, error) {
	if cap(p.events) < maxEvents {
		p.events = make([]unix.EpollEvent, maxEvents)
	}
	raw := p.events[:maxEvents]

	var n int
	var err error
	for {
		n, err = unix.EpollWait(p.epfd, raw, timeoutMs)
		if err == unix.EINTR {
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("poller: epoll_wait: %w", err)
		}
		break
	}

	out := make([]Event, 0, n)
	for i := 0; i < n; i++ {
		e := raw[i]
		fd := int(e.Fd)
		if fd == p.wakefd {
			p.drainWake()
			out = append(out, Event{Fd: fd, Wake: true})
			continue
		}
		out = append(out, Event{
			Fd:       fd,
			Readable: e.Events&unix.EPOLLIN != 0,
			Writable: e.Events&unix.EPOLLOUT != 0,
			Hup:      e.Events&(unix.EPOLLHUP|unix.EPOLLERR|unix.EPOLLRDHUP) != 0,
		})
	}
	return out, nil
}

// Wake interrupts a blocked Wait. Async-signal-safe enough for use from a
// signal-notify goroutine: it performs a single write syscall and takes no
// locks.
func (p *Poller) Wake() {
	var one = [8]byte{0: 1}
	_, _ = unix.Write(p.wakefd, one[:])
}

// drainWake consumes the eventfd counter so the edge re-arms.
func (p *Poller) drainWake() {
	var buf [8]byte
	for {
		if _, err := unix.Read(p.wakefd, buf[:]); err != nil {
			return
		}
	}
}

// Close releases the epoll instance and the wakeup descriptor.
func (p *Poller) Close() error {
	unix.Close(p.wakefd)
	return unix.Close(p.epfd)
}
