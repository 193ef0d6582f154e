package pump

import (
	"encoding/binary"
	"fmt"
	"io"
	"log/slog"
	"time"

	"golang.org/x/sys/unix"

	"github.com/tinyrange/vsockmux/internal/backend"
	"github.com/tinyrange/vsockmux/internal/muxer"
	"github.com/tinyrange/vsockmux/internal/proto"
)

// streamHighWater pauses draining the muxer while this much encoded output
// is waiting on the transport. Per-connection queues hold the rest.
const streamHighWater = 1 << 20

// StreamOptions assembles a stream-transport pump. FD is a connected,
// non-blocking stream socket carrying packets in wire format back to back;
// the pump owns it.
type StreamOptions struct {
	Mux *muxer.Muxer
	FD  int

	Listeners []backend.HostListener

	SweepInterval time.Duration

	Log *slog.Logger
}

// StreamPump runs the device against a stream descriptor instead of virtio
// queues: the daemon's transport. Inbound bytes are reassembled into
// packets and dispatched; ready packets are encoded and written out with
// partial writes carried across readiness events.
type StreamPump struct {
	d   dispatcher
	mux *muxer.Muxer
	log *slog.Logger

	fd   int
	rbuf []byte
	wbuf []byte

	// writeBlocked tracks whether the transport wants EPOLLOUT.
	writeBlocked bool
}

func NewStream(opts StreamOptions) (*StreamPump, error) {
	if opts.Mux == nil {
		return nil, fmt.Errorf("vsock: stream pump needs a muxer")
	}

	p := &StreamPump{mux: opts.Mux, fd: opts.FD}
	if err := p.d.init(opts.Mux, opts.Log, opts.SweepInterval); err != nil {
		return nil, err
	}
	p.log = p.d.log

	if err := p.d.watchTransport(opts.FD, muxer.WatchEvents{Readable: true}); err != nil {
		p.d.release()
		return nil, err
	}
	for _, l := range opts.Listeners {
		if err := p.d.AddListener(l); err != nil {
			p.d.release()
			return nil, err
		}
	}
	return p, nil
}

// Run turns the event loop until the transport closes, Stop is called, or
// the loop fails. A clean transport EOF returns nil.
func (p *StreamPump) Run() error {
	err := p.d.run(p.onTransport, p.flushOut)
	if err == io.EOF {
		return nil
	}
	return err
}

func (p *StreamPump) Stop() error { return p.d.Stop() }

// Close releases the transport, the poller, and every connection.
func (p *StreamPump) Close() {
	p.mux.Close()
	p.d.release()
	if p.fd >= 0 {
		CloseFD(p.fd)
		p.fd = -1
	}
}

func (p *StreamPump) onTransport(ev Event) error {
	if ev.Writable {
		p.writeBlocked = false
	}
	if ev.Readable {
		if err := p.readTransport(); err != nil {
			return err
		}
	}
	if ev.Closed && !ev.Readable {
		return io.EOF
	}
	return nil
}

// readTransport pulls everything the socket has, then dispatches every
// complete packet in the reassembly buffer.
func (p *StreamPump) readTransport() error {
	var chunk [64 * 1024]byte
	for {
		n, err := unix.Read(p.fd, chunk[:])
		switch {
		case err == unix.EINTR:
			continue
		case err == unix.EAGAIN:
			return p.dispatchBuffered()
		case err != nil:
			return fmt.Errorf("vsock: transport read: %w", err)
		case n == 0:
			if derr := p.dispatchBuffered(); derr != nil {
				return derr
			}
			return io.EOF
		}
		p.rbuf = append(p.rbuf, chunk[:n]...)
	}
}

func (p *StreamPump) dispatchBuffered() error {
	off := 0
	for len(p.rbuf)-off >= proto.HeaderSize {
		length := binary.LittleEndian.Uint32(p.rbuf[off+24 : off+28])
		if length > proto.MaxPayloadSize {
			// Framing is gone; there is no way to resynchronize a stream of
			// unsentineled packets.
			return fmt.Errorf("vsock: transport desynchronized: %w", proto.ErrPayloadTooLarge)
		}
		total := proto.HeaderSize + int(length)
		if len(p.rbuf)-off < total {
			break
		}

		// The muxer may queue the payload; it cannot alias the reassembly
		// buffer.
		frame := append([]byte(nil), p.rbuf[off:off+total]...)
		pkt, err := proto.Decode(frame)
		if err != nil {
			return fmt.Errorf("vsock: transport decode: %w", err)
		}
		p.mux.Dispatch(pkt)
		off += total
	}
	p.rbuf = append(p.rbuf[:0], p.rbuf[off:]...)
	return nil
}

// flushOut encodes ready packets behind any unwritten tail and pushes the
// buffer to the socket, arming EPOLLOUT when the socket pushes back.
func (p *StreamPump) flushOut() error {
	for len(p.wbuf) < streamHighWater && p.mux.HasReady() {
		pkt := p.mux.NextReadyPacket()
		if pkt == nil {
			break
		}
		p.wbuf = proto.Append(p.wbuf, pkt)
	}

	for len(p.wbuf) > 0 && !p.writeBlocked {
		n, err := unix.Write(p.fd, p.wbuf)
		switch {
		case err == unix.EINTR:
			continue
		case err == unix.EAGAIN:
			p.writeBlocked = true
		case err == unix.EPIPE:
			return io.EOF
		case err != nil:
			return fmt.Errorf("vsock: transport write: %w", err)
		default:
			p.wbuf = append(p.wbuf[:0], p.wbuf[n:]...)
		}
	}

	want := muxer.WatchEvents{Readable: true, Writable: len(p.wbuf) > 0}
	if err := p.d.poller.Modify(p.fd, want); err != nil {
		return err
	}
	return nil
}
