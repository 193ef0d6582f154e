package pump

import (
	"fmt"
	"log/slog"
	"time"

	"github.com/tinyrange/vsockmux/internal/backend"
	"github.com/tinyrange/vsockmux/internal/muxer"
	"github.com/tinyrange/vsockmux/internal/trace"
)

var pumpDbg = trace.WithSource("vsock-pump")

// defaultTick bounds one epoll wait so the stale-handshake sweep runs even
// on an idle device.
const defaultTick = time.Second

type targetKind int

const (
	targetStop targetKind = iota
	targetBackend
	targetListener
	targetTransport
)

// target routes a descriptor's readiness events to their consumer.
type target struct {
	kind     targetKind
	key      muxer.ConnKey
	listener backend.HostListener
}

// dispatcher is the core event loop shared by both pump variants: the
// poller, the descriptor routing table, the stop eventfd, and the periodic
// stale-handshake sweep. It implements muxer.FDWatcher so the muxer keeps
// backend interest in sync through it.
type dispatcher struct {
	poller  *Poller
	mux     *muxer.Muxer
	log     *slog.Logger
	tick    time.Duration
	stopFD  int
	targets map[int]target
}

func (d *dispatcher) init(mux *muxer.Muxer, log *slog.Logger, tick time.Duration) error {
	if log == nil {
		log = slog.Default()
	}
	if tick <= 0 {
		tick = defaultTick
	}

	poller, err := NewPoller()
	if err != nil {
		return err
	}
	stopFD, err := NewEventFD()
	if err != nil {
		poller.Close()
		return err
	}

	d.poller = poller
	d.mux = mux
	d.log = log
	d.tick = tick
	d.stopFD = stopFD
	d.targets = map[int]target{stopFD: {kind: targetStop}}

	if err := poller.Add(stopFD, muxer.WatchEvents{Readable: true}); err != nil {
		d.release()
		return err
	}
	mux.SetWatcher(d)
	return nil
}

// WatchFD registers a backend descriptor on behalf of the muxer.
func (d *dispatcher) WatchFD(fd int, key muxer.ConnKey, ev muxer.WatchEvents) error {
	if err := d.poller.Add(fd, ev); err != nil {
		return err
	}
	d.targets[fd] = target{kind: targetBackend, key: key}
	return nil
}

func (d *dispatcher) ModifyFD(fd int, key muxer.ConnKey, ev muxer.WatchEvents) error {
	if _, ok := d.targets[fd]; !ok {
		return fmt.Errorf("vsock: fd %d is not watched", fd)
	}
	return d.poller.Modify(fd, ev)
}

func (d *dispatcher) UnwatchFD(fd int) error {
	if _, ok := d.targets[fd]; !ok {
		return fmt.Errorf("vsock: fd %d is not watched", fd)
	}
	delete(d.targets, fd)
	return d.poller.Remove(fd)
}

// AddListener starts accepting host-initiated connections from l, each
// opened toward the guest at the listener's port.
func (d *dispatcher) AddListener(l backend.HostListener) error {
	if err := d.poller.Add(l.FD(), muxer.WatchEvents{Readable: true}); err != nil {
		return err
	}
	d.targets[l.FD()] = target{kind: targetListener, listener: l}
	return nil
}

// watchTransport registers an fd the owning pump handles itself (queue
// kicks, the stream transport).
func (d *dispatcher) watchTransport(fd int, ev muxer.WatchEvents) error {
	if err := d.poller.Add(fd, ev); err != nil {
		return err
	}
	d.targets[fd] = target{kind: targetTransport}
	return nil
}

// run turns poller events until Stop. onTransport handles events for fds
// registered with watchTransport; after handles every batch's aftermath
// (flushing ready packets toward the guest).
func (d *dispatcher) run(onTransport func(Event) error, after func() error) error {
	for {
		events, err := d.poller.Wait(d.tick)
		if err != nil {
			return err
		}
		if len(events) == 0 {
			// The sweep queues RSTs for the connections it kills; on an
			// idle device this timeout is the only chance to flush them.
			if d.mux.SweepStaleHandshakes(time.Now()) > 0 || d.mux.HasReady() {
				if err := after(); err != nil {
					return err
				}
			}
			continue
		}

		for _, ev := range events {
			tgt, ok := d.targets[ev.FD]
			if !ok {
				// Raced with an unwatch earlier in this batch.
				continue
			}
			switch tgt.kind {
			case targetStop:
				DrainEventFD(d.stopFD)
				return nil
			case targetBackend:
				d.mux.NotifyBackend(tgt.key, ev.Readable, ev.Writable, ev.Closed)
			case targetListener:
				d.acceptAll(tgt.listener)
			case targetTransport:
				if err := onTransport(ev); err != nil {
					return err
				}
			}
		}

		if err := after(); err != nil {
			return err
		}
	}
}

// acceptAll drains a listener backlog, opening each accepted backend toward
// the guest. Failures are contained to the one connection.
func (d *dispatcher) acceptAll(l backend.HostListener) {
	for {
		b, err := l.Accept()
		if err == muxer.ErrWouldBlock {
			return
		}
		if err != nil {
			d.log.Warn("vsock: accept host connection", "guest_port", l.GuestPort(), "err", err)
			return
		}
		key, err := d.mux.OpenLocal(l.GuestPort(), b)
		if err != nil {
			d.log.Warn("vsock: open toward guest", "guest_port", l.GuestPort(), "err", err)
			b.Close()
			continue
		}
		pumpDbg.Writef("host conn accepted -> %d:%d", key.LocalPort, key.PeerPort)
	}
}

// Stop wakes the loop and makes run return. Safe from any goroutine.
func (d *dispatcher) Stop() error {
	return SignalEventFD(d.stopFD)
}

func (d *dispatcher) release() {
	for fd, tgt := range d.targets {
		if tgt.kind == targetListener {
			tgt.listener.Close()
		}
		delete(d.targets, fd)
	}
	if d.stopFD >= 0 {
		CloseFD(d.stopFD)
		d.stopFD = -1
	}
	if d.poller != nil {
		d.poller.Close()
		d.poller = nil
	}
}
