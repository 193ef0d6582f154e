package muxer

import (
	"io"
	"time"

	"github.com/tinyrange/vsockmux/internal/proto"
	"github.com/tinyrange/vsockmux/internal/trace"
)

var connDbg = trace.WithSource("vsock-conn")

// Connection states. Closing states are named for the direction that is
// shutting down: localClosing means no more data flows toward the local
// backend (the guest sent shutdown-no-more-send), peerClosing means no more
// data flows toward the guest.
type connState int

const (
	stateLocalInit connState = iota // we sent REQUEST, waiting for RESPONSE
	statePeerInit                   // guest sent REQUEST, RESPONSE queued
	stateEstablished
	stateLocalClosing
	statePeerClosing
	stateKilled
)

func (s connState) String() string {
	switch s {
	case stateLocalInit:
		return "LocalInit"
	case statePeerInit:
		return "PeerInit"
	case stateEstablished:
		return "Established"
	case stateLocalClosing:
		return "LocalClosing"
	case statePeerClosing:
		return "PeerClosing"
	case stateKilled:
		return "Killed"
	default:
		return "Invalid"
	}
}

// ConnKey identifies one logical connection: the host-side port paired with
// the guest-side port. There is exactly one guest, so CIDs are implicit.
type ConnKey struct {
	LocalPort uint32
	PeerPort  uint32
}

const (
	// pendingMax bounds the per-connection outbound queue. The gap between
	// pendingHighWater and pendingMax is headroom reserved for control
	// packets: data production stops at the high-water mark.
	pendingMax       = 32
	pendingHighWater = 24
)

// Conn is the per-connection protocol state machine. It owns the local and
// peer flow-control counters and the host-side backend. All methods are
// non-blocking; anything that cannot complete immediately is retried off a
// later readiness event.
type Conn struct {
	key      ConnKey
	guestCID uint64
	state    connState

	backend Backend

	// Local flow control: bufAlloc is the capacity we advertise, fwdCnt the
	// cumulative bytes flushed to the backend. Both wrap mod 2^32.
	bufAlloc      uint32
	fwdCnt        uint32
	lastCreditAdv uint32

	// Peer flow control, refreshed from every inbound header.
	peerBufAlloc uint32
	peerFwdCnt   uint32

	// txCnt is the cumulative bytes sent to the guest in RW packets.
	txCnt uint32

	// txBuf holds guest payload not yet flushed to the backend, bounded by
	// bufAlloc (the guest cannot legally exceed the credit we advertised).
	txBuf []byte

	pending []*proto.Packet

	// backendBlocked is set when a backend read was skipped for lack of
	// peer credit; a credit-carrying packet from the guest clears it.
	backendBlocked bool

	guestShutRecv bool // guest will receive no more data
	guestShutSend bool // guest will send no more data

	createdAt time.Time
}

func newConn(key ConnKey, guestCID uint64, bufAlloc uint32, backend Backend, now time.Time) *Conn {
	return &Conn{
		key:       key,
		guestCID:  guestCID,
		bufAlloc:  bufAlloc,
		backend:   backend,
		createdAt: now,
	}
}

// newPeerConn builds the state machine for a guest-initiated connection.
// The RESPONSE is queued as the connection's first outbound packet; the
// state becomes Established once it is drained.
func newPeerConn(key ConnKey, guestCID uint64, bufAlloc uint32, backend Backend, req *proto.Packet, now time.Time) *Conn {
	c := newConn(key, guestCID, bufAlloc, backend, now)
	c.state = statePeerInit
	c.peerBufAlloc = req.BufAlloc
	c.peerFwdCnt = req.FwdCnt
	c.enqueue(c.newHeader(proto.OpResponse))
	return c
}

// newLocalConn builds the state machine for a host-initiated connection.
// The REQUEST is queued as the connection's first outbound packet.
func newLocalConn(key ConnKey, guestCID uint64, bufAlloc uint32, backend Backend, now time.Time) *Conn {
	c := newConn(key, guestCID, bufAlloc, backend, now)
	c.state = stateLocalInit
	c.enqueue(c.newHeader(proto.OpRequest))
	return c
}

func (c *Conn) Key() ConnKey { return c.key }

func (c *Conn) killed() bool { return c.state == stateKilled }

// handshaking reports whether the connection is still waiting for its
// handshake to complete; such connections are subject to the stale sweep.
func (c *Conn) handshaking() bool {
	return c.state == stateLocalInit || c.state == statePeerInit
}

// newHeader builds an outbound header for this connection with the current
// flow-control advertisement.
func (c *Conn) newHeader(op uint16) *proto.Packet {
	c.lastCreditAdv = c.fwdCnt
	return &proto.Packet{
		SrcCID:   proto.CIDHost,
		DstCID:   c.guestCID,
		SrcPort:  c.key.LocalPort,
		DstPort:  c.key.PeerPort,
		Type:     proto.TypeStream,
		Op:       op,
		BufAlloc: c.bufAlloc,
		FwdCnt:   c.fwdCnt,
	}
}

func (c *Conn) enqueue(p *proto.Packet) {
	if len(c.pending) >= pendingMax {
		// Control headroom exhausted; only reachable if the peer floods
		// credit requests. Dropping is safe, the state is re-advertised on
		// the next outbound packet.
		connDbg.Writef("%d:%d pending queue full, dropping %s",
			c.key.LocalPort, c.key.PeerPort, proto.OpString(p.Op))
		return
	}
	c.pending = append(c.pending, p)
}

// peerCredit computes how many bytes the guest can still accept, in 32-bit
// modular arithmetic, clamped at zero.
func (c *Conn) peerCredit() uint32 {
	inflight := c.txCnt - c.peerFwdCnt
	if inflight > c.peerBufAlloc {
		return 0
	}
	return c.peerBufAlloc - inflight
}

// kill moves the connection to its terminal state. Pending packets are
// discarded; if sendRST is set a final RST takes their place.
func (c *Conn) kill(sendRST bool) {
	if c.state == stateKilled {
		return
	}
	connDbg.Writef("%d:%d %s -> Killed", c.key.LocalPort, c.key.PeerPort, c.state)
	c.state = stateKilled
	c.pending = c.pending[:0]
	if sendRST {
		c.pending = append(c.pending, c.newHeader(proto.OpRst))
	}
}

// OnPacketRecv applies one inbound packet to the state machine. Protocol
// violations are not surfaced as errors; the connection transitions to
// Killed with a pending RST (the peer is not fully trusted).
func (c *Conn) OnPacketRecv(p *proto.Packet) {
	if c.state == stateKilled {
		return
	}

	// Every packet carries the peer's current flow-control view.
	c.peerBufAlloc = p.BufAlloc
	c.peerFwdCnt = p.FwdCnt
	if c.backendBlocked && c.peerCredit() > 0 {
		c.backendBlocked = false
	}

	switch p.Op {
	case proto.OpResponse:
		if c.state != stateLocalInit {
			c.kill(true)
			return
		}
		c.state = stateEstablished

	case proto.OpRst:
		c.kill(false)

	case proto.OpShutdown:
		c.onShutdown(p.Flags)

	case proto.OpRW:
		c.onData(p.Payload)

	case proto.OpCreditUpdate:
		// Counter update above is the whole effect.

	case proto.OpCreditRequest:
		if c.state == stateLocalInit || c.state == statePeerInit {
			c.kill(true)
			return
		}
		c.enqueue(c.newHeader(proto.OpCreditUpdate))

	default:
		// REQUEST for a live key, or an unknown op.
		c.kill(true)
	}
}

func (c *Conn) onShutdown(flags uint32) {
	switch c.state {
	case stateEstablished, stateLocalClosing, statePeerClosing:
	default:
		c.kill(true)
		return
	}

	if flags&proto.FlagShutdownRecv != 0 {
		c.guestShutRecv = true
		// Nothing read from the backend can be delivered anymore.
		if c.backend != nil {
			_ = c.backend.Shutdown(ShutdownRead)
		}
	}
	if flags&proto.FlagShutdownSend != 0 {
		c.guestShutSend = true
		if len(c.txBuf) == 0 && c.backend != nil {
			_ = c.backend.Shutdown(ShutdownWrite)
		}
	}

	if c.guestShutRecv && c.guestShutSend {
		// Both directions closed. Flush what we can, then finalize.
		c.flushTx()
		c.kill(true)
		return
	}
	if c.guestShutSend {
		c.state = stateLocalClosing
	} else if c.guestShutRecv {
		c.state = statePeerClosing
	}
}

func (c *Conn) onData(payload []byte) {
	switch c.state {
	case stateEstablished, statePeerClosing:
	case stateLocalClosing:
		// The guest declared no-more-send and sent data anyway.
		c.kill(true)
		return
	default:
		c.kill(true)
		return
	}

	if len(payload) == 0 {
		return
	}
	if uint32(len(c.txBuf)+len(payload)) > c.bufAlloc {
		// The guest overran the credit we advertised.
		connDbg.Writef("%d:%d credit overrun: buffered %d + %d > %d",
			c.key.LocalPort, c.key.PeerPort, len(c.txBuf), len(payload), c.bufAlloc)
		c.kill(true)
		return
	}

	c.txBuf = append(c.txBuf, payload...)
	c.flushTx()
}

// flushTx writes buffered guest data to the backend until it would block.
// fwd_cnt advances only for bytes actually handed to the backend.
func (c *Conn) flushTx() {
	for len(c.txBuf) > 0 && c.backend != nil {
		n, err := c.backend.Write(c.txBuf)
		if n > 0 {
			c.fwdCnt += uint32(n)
			c.txBuf = c.txBuf[n:]
		}
		if err == ErrWouldBlock {
			return
		}
		if err != nil {
			connDbg.Writef("%d:%d backend write: %v", c.key.LocalPort, c.key.PeerPort, err)
			c.kill(true)
			return
		}
	}
	if len(c.txBuf) == 0 {
		c.txBuf = nil
		if c.guestShutSend && c.backend != nil {
			_ = c.backend.Shutdown(ShutdownWrite)
		}
	}
	c.maybeQueueCreditUpdate()
}

// maybeQueueCreditUpdate advertises consumed credit once half the buffer
// capacity has been forwarded since the last advertisement. Every outbound
// packet re-advertises anyway; this only matters on quiet connections.
func (c *Conn) maybeQueueCreditUpdate() {
	if c.state == stateKilled {
		return
	}
	if c.fwdCnt-c.lastCreditAdv >= c.bufAlloc/2 {
		c.enqueue(c.newHeader(proto.OpCreditUpdate))
	}
}

// OnBackendReadable reads up to maxLen bytes from the backend and queues
// them as an RW packet, respecting peer credit. Returns the queued packet,
// or nil if nothing could be produced. With no peer credit the connection
// is marked backend-blocked and a CREDIT_REQUEST is queued instead; a later
// credit-carrying packet from the guest re-arms reading.
func (c *Conn) OnBackendReadable(maxLen int) *proto.Packet {
	if !c.wantsBackendData() || c.backend == nil {
		return nil
	}
	// The watcher stops arming reads at the high-water mark, but direct
	// callers must not read bytes a full queue would silently drop: a lost
	// RW would skew the peer's view of txCnt forever.
	if len(c.pending) >= pendingMax {
		return nil
	}

	credit := c.peerCredit()
	if credit == 0 {
		if !c.backendBlocked {
			c.backendBlocked = true
			c.enqueue(c.newHeader(proto.OpCreditRequest))
		}
		return nil
	}

	if maxLen > proto.MaxPayloadSize {
		maxLen = proto.MaxPayloadSize
	}
	if uint32(maxLen) > credit {
		maxLen = int(credit)
	}

	buf := make([]byte, maxLen)
	n, err := c.backend.Read(buf)
	switch {
	case err == ErrWouldBlock:
		return nil
	case err == io.EOF:
		c.OnBackendClosed()
		return nil
	case err != nil:
		connDbg.Writef("%d:%d backend read: %v", c.key.LocalPort, c.key.PeerPort, err)
		c.kill(true)
		return nil
	case n == 0:
		return nil
	}

	c.txCnt += uint32(n)
	pkt := c.newHeader(proto.OpRW)
	pkt.Payload = buf[:n]
	c.enqueue(pkt)
	return pkt
}

// OnBackendSendable retries flushing buffered guest data after the backend
// reported writable.
func (c *Conn) OnBackendSendable() {
	if c.state == stateKilled {
		return
	}
	c.flushTx()
}

// OnBackendClosed drives the state machine toward half-close after the
// backend reached end of stream: the guest is told we will send no more.
func (c *Conn) OnBackendClosed() {
	switch c.state {
	case stateEstablished:
		pkt := c.newHeader(proto.OpShutdown)
		pkt.Flags = proto.FlagShutdownSend
		c.enqueue(pkt)
		c.state = statePeerClosing
	case stateLocalClosing:
		// Guest already stopped sending and now the backend is done too.
		c.flushTx()
		c.kill(true)
	case statePeerClosing, stateKilled:
		// Already told the guest.
	default:
		c.kill(true)
	}
}

// OnBackendError resets the connection after an unrecoverable backend
// failure.
func (c *Conn) OnBackendError(err error) {
	if c.state == stateKilled {
		return
	}
	connDbg.Writef("%d:%d backend error: %v", c.key.LocalPort, c.key.PeerPort, err)
	c.kill(true)
}

// NextOutboundPacket drains one queued packet in FIFO order. This is the
// only path by which the muxer pulls data for the guest-facing side.
func (c *Conn) NextOutboundPacket() *proto.Packet {
	if len(c.pending) == 0 {
		return nil
	}
	pkt := c.pending[0]
	c.pending = c.pending[1:]
	if len(c.pending) == 0 {
		c.pending = nil
	}
	if pkt.Op == proto.OpResponse && c.state == statePeerInit {
		c.state = stateEstablished
	}
	return pkt
}

func (c *Conn) HasPendingOutbound() bool {
	return len(c.pending) > 0
}

// wantsBackendData reports whether backend reads can currently make
// progress toward the guest.
func (c *Conn) wantsBackendData() bool {
	switch c.state {
	case stateEstablished, stateLocalClosing:
		return !c.guestShutRecv
	default:
		return false
	}
}

// watchEvents computes the readiness interest set for the backend
// descriptor: read interest is withdrawn under backpressure or credit
// exhaustion (a level-triggered poller would spin otherwise), write
// interest exists only while flushable data is buffered.
func (c *Conn) watchEvents() WatchEvents {
	if c.state == stateKilled {
		return WatchEvents{}
	}
	return WatchEvents{
		Readable: c.wantsBackendData() && !c.backendBlocked && len(c.pending) < pendingHighWater,
		Writable: len(c.txBuf) > 0,
	}
}
