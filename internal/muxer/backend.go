package muxer

import "errors"

// ErrWouldBlock is returned by Backend.Read and Backend.Write when the
// operation cannot complete without blocking. The caller retries after the
// next readiness notification for the backend's descriptor.
var ErrWouldBlock = errors.New("vsock: operation would block")

// ShutdownDir selects which half of a backend to shut down.
type ShutdownDir int

const (
	ShutdownRead ShutdownDir = iota
	ShutdownWrite
	ShutdownBoth
)

// Backend is the host-side counterpart of one guest connection: a pollable,
// non-blocking, socket-like endpoint.
//
// Read returns io.EOF once the peer has closed and all data is drained.
// Both Read and Write return ErrWouldBlock instead of blocking.
type Backend interface {
	// FD returns the descriptor the event loop polls for readiness.
	FD() int

	Read(p []byte) (int, error)
	Write(p []byte) (int, error)

	// Shutdown closes one or both directions without releasing the
	// descriptor.
	Shutdown(dir ShutdownDir) error

	Close() error
}

// BackendFactory produces the host-side endpoint for a guest-initiated
// connection. One factory is registered per listening port.
type BackendFactory interface {
	Dial() (Backend, error)
}

// BackendFactoryFunc adapts a function to the BackendFactory interface.
type BackendFactoryFunc func() (Backend, error)

func (f BackendFactoryFunc) Dial() (Backend, error) { return f() }

// WatchEvents describes which readiness events the muxer wants for a
// backend descriptor.
type WatchEvents struct {
	Readable bool
	Writable bool
}

// FDWatcher is implemented by the event dispatcher. The muxer registers
// every live backend descriptor with it and keeps the interest set in sync
// with connection state, so readiness events route back via
// Muxer.NotifyBackend.
type FDWatcher interface {
	WatchFD(fd int, key ConnKey, events WatchEvents) error
	ModifyFD(fd int, key ConnKey, events WatchEvents) error
	UnwatchFD(fd int) error
}

// nopWatcher is used until a real dispatcher attaches, and in tests that
// drive the muxer directly.
type nopWatcher struct{}

func (nopWatcher) WatchFD(int, ConnKey, WatchEvents) error  { return nil }
func (nopWatcher) ModifyFD(int, ConnKey, WatchEvents) error { return nil }
func (nopWatcher) UnwatchFD(int) error                      { return nil }
