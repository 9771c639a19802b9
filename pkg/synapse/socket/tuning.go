//go:build linux

// Package socket applies TCP tuning options to the raw descriptors owned by
// the transport. The transport works below net.Conn, so everything here
// takes a plain fd.
package socket

import "golang.org/x/sys/unix"

// Config represents socket tuning configuration.
// Zero values mean "use system defaults".
type Config struct {
	// TCP_NODELAY - disable Nagle's algorithm. Small HTTP responses should
	// leave in the segment they were written in.
	NoDelay bool

	// SO_RCVBUF in bytes. 0 uses the system default.
	RecvBuffer int

	// SO_SNDBUF in bytes. 0 uses the system default.
	SendBuffer int

	// SO_KEEPALIVE on accepted sockets.
	KeepAlive bool

	// TCP_DEFER_ACCEPT on the listener: the accept loop is not woken until
	// request bytes arrive.
	DeferAccept bool
}

// DefaultConfig returns the recommended configuration for HTTP workloads.
// DeferAccept is off, so a connection that sends nothing is accepted at once
// and tracked by the idle sweeper from its handshake on.
func DefaultConfig() *Config {
	return &Config{
		NoDelay:     true,
		RecvBuffer:  256 * 1024,
		SendBuffer:  256 * 1024,
		KeepAlive:   true,
		DeferAccept: false,
	}
}

// Apply applies per-connection options to an accepted descriptor.
// TCP_NODELAY failure is reported; buffer and keepalive options are
// best-effort.
func Apply(fd int, cfg *Config) error {
	if cfg == nil {
		cfg = DefaultConfig()
	}

	if cfg.NoDelay {
		if err := unix.SetsockoptInt(fd, unix.IPPROTO_TCP, unix.TCP_NODELAY, 1); err != nil {
			return err
		}
	}
	if cfg.RecvBuffer > 0 {
		_ = unix.SetsockoptInt(fd, unix.SOL_SOCKET, unix.SO_RCVBUF, cfg.RecvBuffer)
	}
	if cfg.SendBuffer > 0 {
		_ = unix.SetsockoptInt(fd, unix.SOL_SOCKET, unix.SO_SNDBUF, cfg.SendBuffer)
	}
	if cfg.KeepAlive {
		_ = unix.SetsockoptInt(fd, unix.SOL_SOCKET, unix.SO_KEEPALIVE, 1)
	}
	return nil
}

// ApplyListener applies listener-side options. Must run before listen(2).
func ApplyListener(fd int, cfg *Config) error {
	if cfg == nil {
		cfg = DefaultConfig()
	}

	if err := unix.SetsockoptInt(fd, unix.SOL_SOCKET, unix.SO_REUSEADDR, 1); err != nil {
		return err
	}
	if cfg.DeferAccept {
		// Non-critical: kernels without it just wake the loop on SYN-ACK.
		_ = unix.SetsockoptInt(fd, unix.IPPROTO_TCP, unix.TCP_DEFER_ACCEPT, 5)
	}
	return nil
}
