package pump

import (
	"fmt"
	"log/slog"
	"time"

	"github.com/tinyrange/vsockmux/internal/backend"
	"github.com/tinyrange/vsockmux/internal/muxer"
	"github.com/tinyrange/vsockmux/internal/proto"
	"github.com/tinyrange/vsockmux/internal/virtq"
)

// Virtio queue indices for the vsock device.
const (
	QueueRX    = 0
	QueueTX    = 1
	QueueEvent = 2
)

// Options assembles a virtqueue-backed pump. Mux, the three queues, and
// the three kick eventfds are required; the VMM signals a kick fd whenever
// the guest notifies the matching queue.
type Options struct {
	Mux *muxer.Muxer

	RX, TX, Event *virtq.Queue

	RXKick, TXKick, EventKick int

	// Notify raises the used-buffer interrupt for a queue toward the
	// guest. Nil means the guest polls.
	Notify func(queue int)

	// Listeners accept host-initiated connections into the guest.
	Listeners []backend.HostListener

	// SweepInterval bounds one poll wait so stale handshakes are swept on
	// an idle device. Zero means one second.
	SweepInterval time.Duration

	Log *slog.Logger
}

// Pump moves packets between the three virtio queues and the muxer, and
// backend readiness into the muxer. All muxer access happens on the Run
// goroutine.
type Pump struct {
	d   dispatcher
	mux *muxer.Muxer
	log *slog.Logger

	rx, tx, event *virtq.Queue

	rxKick, txKick, eventKick int

	notify func(queue int)

	// rxTail carries the remainder of a data packet split across
	// undersized guest RX buffers. Served ahead of the muxer.
	rxTail *proto.Packet
}

// New builds a pump and attaches it to the muxer as its descriptor
// watcher.
func New(opts Options) (*Pump, error) {
	if opts.Mux == nil {
		return nil, fmt.Errorf("vsock: pump needs a muxer")
	}
	if opts.RX == nil || opts.TX == nil || opts.Event == nil {
		return nil, fmt.Errorf("vsock: pump needs all three queues")
	}

	p := &Pump{
		mux:       opts.Mux,
		rx:        opts.RX,
		tx:        opts.TX,
		event:     opts.Event,
		rxKick:    opts.RXKick,
		txKick:    opts.TXKick,
		eventKick: opts.EventKick,
		notify:    opts.Notify,
	}
	if err := p.d.init(opts.Mux, opts.Log, opts.SweepInterval); err != nil {
		return nil, err
	}
	p.log = p.d.log

	for _, fd := range []int{opts.RXKick, opts.TXKick, opts.EventKick} {
		if err := p.d.watchTransport(fd, muxer.WatchEvents{Readable: true}); err != nil {
			p.d.release()
			return nil, err
		}
	}
	for _, l := range opts.Listeners {
		if err := p.d.AddListener(l); err != nil {
			p.d.release()
			return nil, err
		}
	}
	return p, nil
}

// Run turns the event loop until Stop is called or the loop fails. Queue
// and guest-memory errors are fatal; per-connection failures are contained
// by the muxer.
func (p *Pump) Run() error {
	return p.d.run(p.onKick, p.flushRX)
}

// Stop wakes Run and makes it return. Safe from any goroutine.
func (p *Pump) Stop() error { return p.d.Stop() }

// Close releases the poller, the kick watches, and every connection.
func (p *Pump) Close() {
	p.mux.Close()
	p.d.release()
}

func (p *Pump) onKick(ev Event) error {
	switch ev.FD {
	case p.txKick:
		DrainEventFD(p.txKick)
		return p.processTX()
	case p.rxKick:
		// Fresh guest RX buffers; flushRX after the batch uses them.
		DrainEventFD(p.rxKick)
		return nil
	case p.eventKick:
		// Event-queue buffers are held until the device has a transport
		// event to report; the kick itself needs only acknowledging.
		DrainEventFD(p.eventKick)
		return nil
	}
	return fmt.Errorf("vsock: kick on unknown fd %d", ev.FD)
}

// processTX consumes every guest-submitted chain on the TX queue, decoding
// and dispatching each packet. A malformed chain is dropped; it must never
// take the transport down.
func (p *Pump) processTX() error {
	// Kicks can arrive before the guest driver readies the queue; they
	// carry nothing yet.
	if !p.tx.Ready() {
		return nil
	}

	var used bool
	for {
		chain, ok, err := p.tx.NextAvailableChain()
		if err != nil {
			return err
		}
		if !ok {
			break
		}

		data, err := chain.ReadAll()
		if err != nil {
			return err
		}
		if pkt, derr := proto.Decode(data); derr != nil {
			p.log.Warn("vsock: dropping malformed guest packet", "len", len(data), "err", derr)
		} else {
			p.mux.Dispatch(pkt)
		}

		if err := p.tx.PushUsed(chain, 0); err != nil {
			return err
		}
		used = true
	}
	if used && p.notify != nil {
		p.notify(QueueTX)
	}
	return nil
}

// flushRX drains ready packets into free guest RX chains. When the guest
// is out of buffers the packets stay queued in the muxer; nothing is
// dropped.
func (p *Pump) flushRX() error {
	if !p.rx.Ready() {
		return nil
	}

	var used bool
	for {
		pkt := p.rxTail
		if pkt == nil && !p.mux.HasReady() {
			break
		}

		chain, ok, err := p.rx.NextAvailableChain()
		if err != nil {
			return err
		}
		if !ok {
			break
		}
		if pkt == nil {
			pkt = p.mux.NextReadyPacket()
			if pkt == nil {
				// Ring keys can go dead between HasReady and here.
				if err := p.rx.PushUsed(chain, 0); err != nil {
					return err
				}
				used = true
				continue
			}
		} else {
			p.rxTail = nil
		}

		capacity := chain.WritableLen()
		if capacity < proto.HeaderSize {
			p.log.Error("vsock: guest RX buffer smaller than packet header",
				"capacity", capacity)
			if err := p.rx.PushUsed(chain, 0); err != nil {
				return err
			}
			used = true
			continue
		}

		// A data payload larger than the chain is split; the tail goes out
		// in the next chain under a copy of the same header.
		if room := capacity - proto.HeaderSize; uint32(len(pkt.Payload)) > room {
			head := *pkt
			head.Payload = pkt.Payload[:room]
			tail := *pkt
			tail.Payload = pkt.Payload[room:]
			p.rxTail = &tail
			pkt = &head
		}

		written, err := chain.Write(proto.Encode(pkt))
		if err != nil {
			return err
		}
		if err := p.rx.PushUsed(chain, written); err != nil {
			return err
		}
		used = true
	}
	if used && p.notify != nil {
		p.notify(QueueRX)
	}
	return nil
}
