// Package backend provides concrete host-side endpoints for vsock
// connections: unix and TCP sockets, AF_VSOCK passthrough, and a gVisor
// netstack bridge. Every backend hands the muxer a non-blocking descriptor
// it can poll.
package backend

import (
	"fmt"
	"io"
	"net"
	"os"
	"syscall"

	"golang.org/x/sys/unix"

	"github.com/tinyrange/vsockmux/internal/muxer"
)

// socketBackend adapts a non-blocking socket descriptor to the muxer's
// backend capability. It owns the descriptor.
type socketBackend struct {
	fd int
}

func (b *socketBackend) FD() int { return b.fd }

func (b *socketBackend) Read(p []byte) (int, error) {
	for {
		n, err := unix.Read(b.fd, p)
		switch {
		case err == unix.EINTR:
			continue
		case err == unix.EAGAIN:
			return 0, muxer.ErrWouldBlock
		case err != nil:
			return 0, fmt.Errorf("backend read: %w", err)
		case n == 0 && len(p) > 0:
			return 0, io.EOF
		default:
			return n, nil
		}
	}
}

func (b *socketBackend) Write(p []byte) (int, error) {
	for {
		n, err := unix.Write(b.fd, p)
		switch {
		case err == unix.EINTR:
			continue
		case err == unix.EAGAIN:
			return 0, muxer.ErrWouldBlock
		case err != nil:
			return 0, fmt.Errorf("backend write: %w", err)
		default:
			return n, nil
		}
	}
}

func (b *socketBackend) Shutdown(dir muxer.ShutdownDir) error {
	var how int
	switch dir {
	case muxer.ShutdownRead:
		how = unix.SHUT_RD
	case muxer.ShutdownWrite:
		how = unix.SHUT_WR
	default:
		how = unix.SHUT_RDWR
	}
	if err := unix.Shutdown(b.fd, how); err != nil && err != unix.ENOTCONN {
		return fmt.Errorf("backend shutdown: %w", err)
	}
	return nil
}

func (b *socketBackend) Close() error {
	if b.fd < 0 {
		return nil
	}
	err := unix.Close(b.fd)
	b.fd = -1
	return err
}

// NewPair returns two connected in-memory backends, used by tests and by
// transports that drive both ends themselves.
func NewPair() (muxer.Backend, muxer.Backend, error) {
	fds, err := unix.Socketpair(unix.AF_UNIX, unix.SOCK_STREAM|unix.SOCK_CLOEXEC|unix.SOCK_NONBLOCK, 0)
	if err != nil {
		return nil, nil, fmt.Errorf("socketpair: %w", err)
	}
	return &socketBackend{fd: fds[0]}, &socketBackend{fd: fds[1]}, nil
}

// errNoDescriptor marks conns that cannot surface a kernel descriptor.
var errNoDescriptor = fmt.Errorf("conn exposes no descriptor")

// DupFD duplicates the descriptor behind a connected net.Conn, closes the
// conn, and returns the non-blocking duplicate. The caller owns the
// returned descriptor.
func DupFD(c net.Conn) (int, error) {
	sc, ok := c.(syscall.Conn)
	if !ok {
		return -1, errNoDescriptor
	}
	raw, err := sc.SyscallConn()
	if err != nil {
		return -1, errNoDescriptor
	}

	fd := -1
	var dupErr error
	if err := raw.Control(func(f uintptr) {
		fd, dupErr = unix.Dup(int(f))
	}); err != nil {
		return -1, fmt.Errorf("raw control: %w", err)
	}
	if dupErr != nil {
		return -1, fmt.Errorf("dup conn fd: %w", dupErr)
	}
	c.Close()

	unix.CloseOnExec(fd)
	if err := unix.SetNonblock(fd, true); err != nil {
		unix.Close(fd)
		return -1, fmt.Errorf("set nonblock: %w", err)
	}
	return fd, nil
}

// FromConn extracts the descriptor from a connected net.Conn and wraps it
// as a backend. Conns that do not expose a descriptor (userspace network
// stacks, TLS wrappers) are bridged over a socketpair instead.
func FromConn(c net.Conn) (muxer.Backend, error) {
	fd, err := DupFD(c)
	if err == errNoDescriptor {
		return bridgeConn(c)
	}
	if err != nil {
		return nil, err
	}
	return &socketBackend{fd: fd}, nil
}

// bridgeConn pumps a descriptor-less conn through a socketpair so the
// muxer still gets a pollable fd. Two goroutines shuttle bytes; they exit
// when either side closes.
func bridgeConn(c net.Conn) (muxer.Backend, error) {
	fds, err := unix.Socketpair(unix.AF_UNIX, unix.SOCK_STREAM|unix.SOCK_CLOEXEC, 0)
	if err != nil {
		return nil, fmt.Errorf("bridge socketpair: %w", err)
	}

	inner := os.NewFile(uintptr(fds[0]), "vsock-bridge")
	fc, err := net.FileConn(inner)
	inner.Close()
	if err != nil {
		unix.Close(fds[1])
		return nil, fmt.Errorf("bridge file conn: %w", err)
	}
	uc := fc.(*net.UnixConn)

	if err := unix.SetNonblock(fds[1], true); err != nil {
		uc.Close()
		unix.Close(fds[1])
		return nil, fmt.Errorf("bridge nonblock: %w", err)
	}

	go func() {
		_, _ = io.Copy(uc, c)
		_ = uc.CloseWrite()
	}()
	go func() {
		_, _ = io.Copy(c, uc)
		if cw, ok := c.(interface{ CloseWrite() error }); ok {
			_ = cw.CloseWrite()
		} else {
			_ = c.Close()
		}
	}()

	return &socketBackend{fd: fds[1]}, nil
}
