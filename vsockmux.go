// Package vsockmux implements a virtio-vsock device backend: one guest
// transport multiplexed into independent, credit-flow-controlled stream
// connections, each terminated on the host by a pollable endpoint. A
// Device bundles the muxer, the three virtio queues, and the epoll pump
// into the surface a VMM embeds.
package vsockmux

import (
	"fmt"
	"log/slog"
	"time"

	"github.com/tinyrange/vsockmux/internal/backend"
	"github.com/tinyrange/vsockmux/internal/muxer"
	"github.com/tinyrange/vsockmux/internal/proto"
	"github.com/tinyrange/vsockmux/internal/pump"
	"github.com/tinyrange/vsockmux/internal/virtq"
)

// -----------------------------------------------------------------------------
// Type Aliases - These re-export types from the internal packages
// -----------------------------------------------------------------------------

// Packet is one decoded vsock packet.
type Packet = proto.Packet

// Muxer owns the per-connection state machines and the fair drain order.
type Muxer = muxer.Muxer

// Backend is the host-side endpoint of one guest connection.
type Backend = muxer.Backend

// BackendFactory produces the backend for each guest-initiated connection
// to one listening port.
type BackendFactory = muxer.BackendFactory

// BackendFactoryFunc adapts a function to the BackendFactory interface.
type BackendFactoryFunc = muxer.BackendFactoryFunc

// HostListener accepts host connections and forwards them into the guest.
type HostListener = backend.HostListener

// GuestMemory provides access to guest physical memory.
type GuestMemory = virtq.GuestMemory

// Queue is one split virtqueue over guest memory.
type Queue = virtq.Queue

// Dialer backends for the common transports.
type (
	UnixDialer     = backend.UnixDialer
	TCPDialer      = backend.TCPDialer
	VsockDialer    = backend.VsockDialer
	NetstackDialer = backend.NetstackDialer
)

// Virtio queue indices for the vsock device.
const (
	QueueRX    = pump.QueueRX
	QueueTX    = pump.QueueTX
	QueueEvent = pump.QueueEvent
)

// Wire format constants.
const (
	HeaderSize     = proto.HeaderSize
	MaxPayloadSize = proto.MaxPayloadSize
)

// ErrWouldBlock is returned by non-blocking backend operations that cannot
// complete yet.
var ErrWouldBlock = muxer.ErrWouldBlock

// FromConn wraps a connected net.Conn as a backend, bridging conns that
// expose no descriptor over a socketpair.
var FromConn = backend.FromConn

// ListenUnix opens a host-side unix listener forwarding into the guest at
// guestPort.
func ListenUnix(path string, guestPort uint32) (HostListener, error) {
	return backend.ListenUnix(path, guestPort)
}

// -----------------------------------------------------------------------------
// Device
// -----------------------------------------------------------------------------

// DeviceOptions configures a Device.
type DeviceOptions struct {
	// GuestCID identifies the guest peer. Required, 3 or greater.
	GuestCID uint64

	// Memory is the guest physical memory the virtqueues live in. Required.
	Memory GuestMemory

	// QueueMaxSize caps negotiated queue sizes. Zero means 256.
	QueueMaxSize uint16

	// BufAlloc is the advertised per-connection receive capacity. Zero
	// means 64 KiB.
	BufAlloc uint32

	// HandshakeTimeout bounds half-open handshakes. Zero disables the
	// sweep.
	HandshakeTimeout time.Duration

	// Notify raises the used-buffer interrupt for a queue toward the
	// guest. Nil means the guest polls.
	Notify func(queue int)

	// Listeners accept host-initiated connections into the guest.
	Listeners []HostListener

	Log *slog.Logger
}

// Device is a complete vsock device backend. The VMM configures the queues
// during feature negotiation, forwards guest queue notifications through
// Kick, and runs the pump on its own goroutine.
type Device struct {
	// Mux is the connection table; register listeners on it before or
	// while running.
	Mux *Muxer

	queues [3]*Queue
	kicks  [3]int
	pump   *pump.Pump
}

// NewDevice assembles a device backend over guest memory.
func NewDevice(opts DeviceOptions) (*Device, error) {
	if opts.GuestCID < 3 {
		return nil, fmt.Errorf("vsock: guest CID %d is reserved", opts.GuestCID)
	}
	if opts.Memory == nil {
		return nil, fmt.Errorf("vsock: device needs guest memory")
	}
	maxSize := opts.QueueMaxSize
	if maxSize == 0 {
		maxSize = 256
	}

	d := &Device{kicks: [3]int{-1, -1, -1}}
	for i := range d.queues {
		d.queues[i] = virtq.New(opts.Memory, maxSize)
	}
	for i := range d.kicks {
		fd, err := pump.NewEventFD()
		if err != nil {
			d.closeKicks()
			return nil, err
		}
		d.kicks[i] = fd
	}

	d.Mux = muxer.New(opts.GuestCID, muxer.Options{
		BufAlloc:         opts.BufAlloc,
		HandshakeTimeout: opts.HandshakeTimeout,
		Log:              opts.Log,
	})

	p, err := pump.New(pump.Options{
		Mux:       d.Mux,
		RX:        d.queues[QueueRX],
		TX:        d.queues[QueueTX],
		Event:     d.queues[QueueEvent],
		RXKick:    d.kicks[QueueRX],
		TXKick:    d.kicks[QueueTX],
		EventKick: d.kicks[QueueEvent],
		Notify:    opts.Notify,
		Listeners: opts.Listeners,
		Log:       opts.Log,
	})
	if err != nil {
		d.closeKicks()
		return nil, err
	}
	d.pump = p
	return d, nil
}

// Queue returns queue i for the VMM to configure and ready.
func (d *Device) Queue(i int) (*Queue, error) {
	if i < 0 || i >= len(d.queues) {
		return nil, fmt.Errorf("vsock: no queue %d", i)
	}
	return d.queues[i], nil
}

// Kick signals that the guest notified queue i. Safe from the VMM's vcpu
// threads.
func (d *Device) Kick(i int) error {
	if i < 0 || i >= len(d.kicks) {
		return fmt.Errorf("vsock: no queue %d", i)
	}
	return pump.SignalEventFD(d.kicks[i])
}

// Run drives the device until Stop is called or the pump fails. It must
// have a goroutine to itself; all connection state lives on it.
func (d *Device) Run() error { return d.pump.Run() }

// Stop wakes Run and makes it return. Safe from any goroutine.
func (d *Device) Stop() error { return d.pump.Stop() }

// Close releases every connection, the pump, and the kick descriptors.
func (d *Device) Close() {
	d.pump.Close()
	d.closeKicks()
}

func (d *Device) closeKicks() {
	for i, fd := range d.kicks {
		if fd >= 0 {
			pump.CloseFD(fd)
			d.kicks[i] = -1
		}
	}
}
