package backend

import (
	"fmt"
	"os"

	"golang.org/x/sys/unix"

	"github.com/tinyrange/vsockmux/internal/muxer"
)

// UnixDialer dials a unix stream socket for each guest-initiated
// connection.
type UnixDialer struct {
	Path string
}

func (d UnixDialer) Dial() (muxer.Backend, error) {
	fd, err := unix.Socket(unix.AF_UNIX, unix.SOCK_STREAM|unix.SOCK_CLOEXEC, 0)
	if err != nil {
		return nil, fmt.Errorf("unix socket: %w", err)
	}
	if err := unix.Connect(fd, &unix.SockaddrUnix{Name: d.Path}); err != nil {
		unix.Close(fd)
		return nil, fmt.Errorf("connect %s: %w", d.Path, err)
	}
	if err := unix.SetNonblock(fd, true); err != nil {
		unix.Close(fd)
		return nil, fmt.Errorf("set nonblock: %w", err)
	}
	return &socketBackend{fd: fd}, nil
}

var _ muxer.BackendFactory = UnixDialer{}

// HostListener is a pollable accept source for host-initiated connections.
// The dispatcher polls FD and calls Accept when it is readable; every
// accepted backend is opened toward GuestPort.
type HostListener interface {
	FD() int
	Accept() (muxer.Backend, error)
	GuestPort() uint32
	Close() error
}

// UnixListener accepts host connections on a unix socket and forwards each
// one into the guest.
type UnixListener struct {
	fd        int
	path      string
	guestPort uint32
}

// ListenUnix binds a non-blocking unix stream listener at path. An
// existing stale socket file is removed first.
func ListenUnix(path string, guestPort uint32) (*UnixListener, error) {
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		return nil, fmt.Errorf("remove stale socket %s: %w", path, err)
	}

	fd, err := unix.Socket(unix.AF_UNIX, unix.SOCK_STREAM|unix.SOCK_CLOEXEC|unix.SOCK_NONBLOCK, 0)
	if err != nil {
		return nil, fmt.Errorf("unix socket: %w", err)
	}
	if err := unix.Bind(fd, &unix.SockaddrUnix{Name: path}); err != nil {
		unix.Close(fd)
		return nil, fmt.Errorf("bind %s: %w", path, err)
	}
	if err := unix.Listen(fd, 16); err != nil {
		unix.Close(fd)
		return nil, fmt.Errorf("listen %s: %w", path, err)
	}
	return &UnixListener{fd: fd, path: path, guestPort: guestPort}, nil
}

func (l *UnixListener) FD() int           { return l.fd }
func (l *UnixListener) GuestPort() uint32 { return l.guestPort }

// Accept returns the next pending connection as a backend, or
// muxer.ErrWouldBlock when the backlog is empty.
func (l *UnixListener) Accept() (muxer.Backend, error) {
	for {
		fd, _, err := unix.Accept4(l.fd, unix.SOCK_CLOEXEC|unix.SOCK_NONBLOCK)
		switch {
		case err == unix.EINTR:
			continue
		case err == unix.EAGAIN:
			return nil, muxer.ErrWouldBlock
		case err != nil:
			return nil, fmt.Errorf("accept: %w", err)
		}
		return &socketBackend{fd: fd}, nil
	}
}

func (l *UnixListener) Close() error {
	err := unix.Close(l.fd)
	if rmErr := os.Remove(l.path); rmErr != nil && !os.IsNotExist(rmErr) && err == nil {
		err = rmErr
	}
	return err
}

var _ HostListener = (*UnixListener)(nil)
