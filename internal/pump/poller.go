// Package pump drives the device: a single-threaded epoll loop that moves
// packets between the guest transport and the muxer, and readiness events
// from backend descriptors into the muxer. Two transports are provided:
// Pump runs against virtio queues in guest memory, StreamPump runs against
// a stream descriptor carrying framed packets.
package pump

import (
	"encoding/binary"
	"fmt"
	"time"

	"golang.org/x/sys/unix"

	"github.com/tinyrange/vsockmux/internal/muxer"
)

// Event is one readiness notification from the poller.
type Event struct {
	FD       int
	Readable bool
	Writable bool

	// Closed reports a hangup or error condition on the descriptor. When
	// Readable is also set, buffered data may remain ahead of the EOF.
	Closed bool
}

// Poller wraps an epoll instance.
type Poller struct {
	epfd int
}

func NewPoller() (*Poller, error) {
	fd, err := unix.EpollCreate1(unix.EPOLL_CLOEXEC)
	if err != nil {
		return nil, fmt.Errorf("epoll_create1: %w", err)
	}
	return &Poller{epfd: fd}, nil
}

func epollBits(ev muxer.WatchEvents) uint32 {
	var bits uint32
	if ev.Readable {
		bits |= unix.EPOLLIN | unix.EPOLLRDHUP
	}
	if ev.Writable {
		bits |= unix.EPOLLOUT
	}
	return bits
}

func (p *Poller) ctl(op, fd int, events uint32) error {
	ev := unix.EpollEvent{Events: events, Fd: int32(fd)}
	if err := unix.EpollCtl(p.epfd, op, fd, &ev); err != nil {
		return fmt.Errorf("epoll_ctl fd %d: %w", fd, err)
	}
	return nil
}

func (p *Poller) Add(fd int, ev muxer.WatchEvents) error {
	return p.ctl(unix.EPOLL_CTL_ADD, fd, epollBits(ev))
}

func (p *Poller) Modify(fd int, ev muxer.WatchEvents) error {
	return p.ctl(unix.EPOLL_CTL_MOD, fd, epollBits(ev))
}

func (p *Poller) Remove(fd int) error {
	return p.ctl(unix.EPOLL_CTL_DEL, fd, 0)
}

// Wait blocks for up to timeout and returns the pending events. An empty
// slice means the timeout elapsed.
func (p *Poller) Wait(timeout time.Duration) ([]Event, error) {
	var raw [64]unix.EpollEvent
	ms := int(timeout.Milliseconds())
	for {
		n, err := unix.EpollWait(p.epfd, raw[:], ms)
		if err == unix.EINTR {
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("epoll_wait: %w", err)
		}

		events := make([]Event, 0, n)
		for _, re := range raw[:n] {
			events = append(events, Event{
				FD:       int(re.Fd),
				Readable: re.Events&(unix.EPOLLIN|unix.EPOLLRDHUP) != 0,
				Writable: re.Events&unix.EPOLLOUT != 0,
				Closed:   re.Events&(unix.EPOLLHUP|unix.EPOLLERR|unix.EPOLLRDHUP) != 0,
			})
		}
		return events, nil
	}
}

func (p *Poller) Close() error {
	if p.epfd < 0 {
		return nil
	}
	err := unix.Close(p.epfd)
	p.epfd = -1
	return err
}

// NewEventFD creates a non-blocking eventfd for queue kicks and loop
// wakeups.
func NewEventFD() (int, error) {
	fd, err := unix.Eventfd(0, unix.EFD_CLOEXEC|unix.EFD_NONBLOCK)
	if err != nil {
		return -1, fmt.Errorf("eventfd: %w", err)
	}
	return fd, nil
}

// SignalEventFD increments an eventfd, waking any poller watching it.
func SignalEventFD(fd int) error {
	var one [8]byte
	binary.LittleEndian.PutUint64(one[:], 1)
	for {
		_, err := unix.Write(fd, one[:])
		switch err {
		case unix.EINTR:
			continue
		case unix.EAGAIN:
			// Counter saturated; the pending wakeup already covers us.
			return nil
		default:
			if err != nil {
				return fmt.Errorf("eventfd write: %w", err)
			}
			return nil
		}
	}
}

// CloseFD releases a descriptor obtained from NewEventFD or handed to a
// pump.
func CloseFD(fd int) {
	unix.Close(fd)
}

// DrainEventFD consumes all pending signals on an eventfd.
func DrainEventFD(fd int) {
	var buf [8]byte
	for {
		_, err := unix.Read(fd, buf[:])
		if err == unix.EINTR {
			continue
		}
		return
	}
}
