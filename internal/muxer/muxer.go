// Package muxer multiplexes many logical stream connections over a single
// guest transport. It owns every per-connection state machine, the fair
// round-robin drain order for outbound packets, and the registry of
// host-side listening backends. The muxer performs no I/O on the guest
// transport itself; an event dispatcher feeds it decoded packets and
// backend readiness and pulls ready packets back out.
//
// All state is confined to a single goroutine by contract: the muxer must
// only be driven from the owning dispatcher's loop.
package muxer

import (
	"fmt"
	"log/slog"
	"time"

	"github.com/tinyrange/vsockmux/internal/proto"
	"github.com/tinyrange/vsockmux/internal/trace"
)

var muxDbg = trace.WithSource("vsock-muxer")

// DefaultBufAlloc is the per-connection receive capacity advertised to the
// guest when none is configured.
const DefaultBufAlloc = 64 * 1024

// ephemeralPortBase is where local ports for host-initiated connections
// start, well above any port a listener would plausibly register.
const ephemeralPortBase uint32 = 1 << 30

// Options configures a Muxer.
type Options struct {
	// BufAlloc is the receive-buffer capacity advertised per connection.
	// Zero means DefaultBufAlloc.
	BufAlloc uint32

	// HandshakeTimeout bounds how long a connection may sit in a handshake
	// state before SweepStaleHandshakes kills it. Zero disables the sweep.
	HandshakeTimeout time.Duration

	Log *slog.Logger
}

// Muxer is the single owner of all multiplexing state for one device
// instance.
type Muxer struct {
	guestCID uint64
	bufAlloc uint32
	hsGrace  time.Duration
	log      *slog.Logger

	watcher FDWatcher

	conns     map[ConnKey]*Conn
	listeners map[uint32]BackendFactory

	// Round-robin drain state: readyRing holds keys with pending outbound
	// packets in drain order, readySet mirrors membership.
	readyRing []ConnKey
	readySet  map[ConnKey]struct{}

	// killQueue carries final packets (RSTs, mostly) for connections that
	// were torn down before their queue drained. Served ahead of the ring.
	killQueue []*proto.Packet

	nextEphemeral uint32
}

// New creates a muxer for a guest with the given CID.
func New(guestCID uint64, opts Options) *Muxer {
	if opts.BufAlloc == 0 {
		opts.BufAlloc = DefaultBufAlloc
	}
	if opts.Log == nil {
		opts.Log = slog.Default()
	}
	return &Muxer{
		guestCID:      guestCID,
		bufAlloc:      opts.BufAlloc,
		hsGrace:       opts.HandshakeTimeout,
		log:           opts.Log,
		watcher:       nopWatcher{},
		conns:         make(map[ConnKey]*Conn),
		listeners:     make(map[uint32]BackendFactory),
		readySet:      make(map[ConnKey]struct{}),
		nextEphemeral: ephemeralPortBase,
	}
}

// SetWatcher attaches the event dispatcher's descriptor watcher. Must be
// called before any connection exists.
func (m *Muxer) SetWatcher(w FDWatcher) {
	if w == nil {
		w = nopWatcher{}
	}
	m.watcher = w
}

// GuestCID returns the CID of the guest peer.
func (m *Muxer) GuestCID() uint64 { return m.guestCID }

// RegisterListener installs a backend factory for guest connections to the
// given port.
func (m *Muxer) RegisterListener(port uint32, f BackendFactory) error {
	if _, ok := m.listeners[port]; ok {
		return fmt.Errorf("vsock: port %d already has a listener", port)
	}
	m.listeners[port] = f
	return nil
}

// UnregisterListener removes the factory for port. Live connections made
// through it are unaffected.
func (m *Muxer) UnregisterListener(port uint32) error {
	if _, ok := m.listeners[port]; !ok {
		return fmt.Errorf("vsock: port %d has no listener", port)
	}
	delete(m.listeners, port)
	return nil
}

// Dispatch routes one inbound packet. Malformed or unroutable packets are
// contained: the worst outcome is an RST toward the guest, never an error
// that could wedge the shared transport.
func (m *Muxer) Dispatch(pkt *proto.Packet) {
	if pkt.Type != proto.TypeStream {
		muxDbg.Writef("drop non-stream packet type=%d op=%s", pkt.Type, proto.OpString(pkt.Op))
		if pkt.Op != proto.OpRst {
			m.killQueue = append(m.killQueue, m.rstFor(pkt))
		}
		return
	}

	key := ConnKey{LocalPort: pkt.DstPort, PeerPort: pkt.SrcPort}
	muxDbg.Writef("dispatch %d:%d op=%s len=%d", key.LocalPort, key.PeerPort,
		proto.OpString(pkt.Op), pkt.Len())

	conn, ok := m.conns[key]
	if !ok {
		if pkt.Op == proto.OpRequest {
			m.handleRequest(key, pkt)
		} else {
			// Stale traffic for a dead key is dropped; a second RST to an
			// already-killed connection must be a no-op.
			muxDbg.Writef("drop %s for unknown key %d:%d", proto.OpString(pkt.Op),
				key.LocalPort, key.PeerPort)
		}
		return
	}

	conn.OnPacketRecv(pkt)
	m.settle(conn)
}

// handleRequest creates a PeerInit connection for a guest-initiated
// REQUEST, dialing the registered backend for the target port. With no
// listener (or a failed dial) the request is answered with RST.
func (m *Muxer) handleRequest(key ConnKey, pkt *proto.Packet) {
	factory, ok := m.listeners[key.LocalPort]
	if !ok {
		m.log.Debug("vsock: request for port with no listener", "port", key.LocalPort)
		m.killQueue = append(m.killQueue, m.rstFor(pkt))
		return
	}

	backend, err := factory.Dial()
	if err != nil {
		m.log.Warn("vsock: backend dial failed", "port", key.LocalPort, "err", err)
		m.killQueue = append(m.killQueue, m.rstFor(pkt))
		return
	}

	conn := newPeerConn(key, m.guestCID, m.bufAlloc, backend, pkt, time.Now())
	m.conns[key] = conn
	if err := m.watcher.WatchFD(backend.FD(), key, conn.watchEvents()); err != nil {
		m.log.Warn("vsock: watch backend fd", "port", key.LocalPort, "err", err)
		conn.kill(true)
	}
	m.settle(conn)
}

// OpenLocal creates a host-initiated connection toward guestPort over an
// already-dialed backend, picking a fresh ephemeral local port. The REQUEST
// is queued as the connection's first outbound packet.
func (m *Muxer) OpenLocal(guestPort uint32, backend Backend) (ConnKey, error) {
	key, err := m.allocKey(guestPort)
	if err != nil {
		return ConnKey{}, err
	}

	conn := newLocalConn(key, m.guestCID, m.bufAlloc, backend, time.Now())
	m.conns[key] = conn
	if err := m.watcher.WatchFD(backend.FD(), key, conn.watchEvents()); err != nil {
		delete(m.conns, key)
		return ConnKey{}, fmt.Errorf("vsock: watch backend fd: %w", err)
	}
	m.settle(conn)
	return key, nil
}

func (m *Muxer) allocKey(guestPort uint32) (ConnKey, error) {
	for range 1 << 16 {
		port := m.nextEphemeral
		m.nextEphemeral++
		if m.nextEphemeral < ephemeralPortBase {
			m.nextEphemeral = ephemeralPortBase
		}
		key := ConnKey{LocalPort: port, PeerPort: guestPort}
		if _, live := m.conns[key]; !live {
			return key, nil
		}
	}
	return ConnKey{}, fmt.Errorf("vsock: no free local port for guest port %d", guestPort)
}

// NotifyBackend delivers a readiness event for one connection's backend.
// Failures stay contained to that connection.
func (m *Muxer) NotifyBackend(key ConnKey, readable, writable, closed bool) {
	conn, ok := m.conns[key]
	if !ok {
		return
	}

	if writable {
		conn.OnBackendSendable()
	}
	if readable && !conn.killed() {
		conn.OnBackendReadable(proto.MaxPayloadSize)
	}
	if closed && !conn.killed() {
		// HUP with readable data still pending: keep reading until the
		// stream reports EOF, the close will re-report. A bare HUP closes
		// now.
		if !readable {
			conn.OnBackendClosed()
		}
	}
	m.settle(conn)
}

// HasReady reports whether NextReadyPacket would produce a packet.
func (m *Muxer) HasReady() bool {
	return len(m.killQueue) > 0 || len(m.readyRing) > 0
}

// NextReadyPacket returns the next packet for the guest, serving final
// packets of dead connections first and live connections in round-robin
// order so no connection can starve the rest.
func (m *Muxer) NextReadyPacket() *proto.Packet {
	if len(m.killQueue) > 0 {
		pkt := m.killQueue[0]
		m.killQueue = m.killQueue[1:]
		if len(m.killQueue) == 0 {
			m.killQueue = nil
		}
		return pkt
	}

	for range len(m.readyRing) {
		key := m.readyRing[0]
		m.readyRing = m.readyRing[1:]

		conn, ok := m.conns[key]
		if !ok {
			delete(m.readySet, key)
			continue
		}

		pkt := conn.NextOutboundPacket()
		if pkt == nil {
			delete(m.readySet, key)
			continue
		}

		if conn.HasPendingOutbound() {
			m.readyRing = append(m.readyRing, key)
		} else {
			delete(m.readySet, key)
		}
		// Draining may have completed a handshake or freed queue space;
		// re-sync backend interest.
		m.syncWatch(conn)
		return pkt
	}
	return nil
}

// SweepStaleHandshakes kills connections stuck in a handshake state longer
// than the configured grace period. Returns how many were killed.
func (m *Muxer) SweepStaleHandshakes(now time.Time) int {
	if m.hsGrace <= 0 {
		return 0
	}
	var killed int
	for _, conn := range m.conns {
		if conn.handshaking() && now.Sub(conn.createdAt) > m.hsGrace {
			m.log.Debug("vsock: killing stale handshake",
				"local_port", conn.key.LocalPort, "peer_port", conn.key.PeerPort,
				"state", conn.state.String())
			conn.kill(true)
			m.settle(conn)
			killed++
		}
	}
	return killed
}

// ConnCount returns the number of live connections.
func (m *Muxer) ConnCount() int { return len(m.conns) }

// Close kills every connection and releases every backend. No RSTs are
// produced; the transport is going away with us.
func (m *Muxer) Close() {
	for key, conn := range m.conns {
		conn.kill(false)
		m.releaseBackend(conn)
		delete(m.conns, key)
	}
	m.readyRing = nil
	m.readySet = make(map[ConnKey]struct{})
	m.killQueue = nil
}

// settle reconciles bookkeeping after any operation on a connection:
// ready-ring membership, watch interest, and teardown on kill.
func (m *Muxer) settle(conn *Conn) {
	if conn.killed() {
		m.teardown(conn)
		return
	}
	if conn.HasPendingOutbound() {
		m.markReady(conn.key)
	}
	m.syncWatch(conn)
}

// teardown destroys a killed connection: the backend is released and the
// key freed synchronously; any final packets move to the kill queue so they
// still reach the guest.
func (m *Muxer) teardown(conn *Conn) {
	if _, live := m.conns[conn.key]; !live {
		return
	}
	for {
		pkt := conn.NextOutboundPacket()
		if pkt == nil {
			break
		}
		m.killQueue = append(m.killQueue, pkt)
	}
	m.releaseBackend(conn)
	delete(m.conns, conn.key)
	delete(m.readySet, conn.key)
	// The key may still sit in readyRing; NextReadyPacket skips dead keys.
	muxDbg.Writef("teardown %d:%d", conn.key.LocalPort, conn.key.PeerPort)
}

func (m *Muxer) releaseBackend(conn *Conn) {
	if conn.backend == nil {
		return
	}
	if err := m.watcher.UnwatchFD(conn.backend.FD()); err != nil {
		m.log.Debug("vsock: unwatch backend fd", "err", err)
	}
	if err := conn.backend.Close(); err != nil {
		m.log.Debug("vsock: close backend", "err", err)
	}
	conn.backend = nil
}

func (m *Muxer) markReady(key ConnKey) {
	if _, ok := m.readySet[key]; ok {
		return
	}
	m.readySet[key] = struct{}{}
	m.readyRing = append(m.readyRing, key)
}

func (m *Muxer) syncWatch(conn *Conn) {
	if conn.backend == nil || conn.killed() {
		return
	}
	if err := m.watcher.ModifyFD(conn.backend.FD(), conn.key, conn.watchEvents()); err != nil {
		m.log.Debug("vsock: modify backend watch", "err", err)
	}
}

// rstFor builds the RST answering an unroutable inbound packet.
func (m *Muxer) rstFor(pkt *proto.Packet) *proto.Packet {
	return &proto.Packet{
		SrcCID:  proto.CIDHost,
		DstCID:  m.guestCID,
		SrcPort: pkt.DstPort,
		DstPort: pkt.SrcPort,
		Type:    proto.TypeStream,
		Op:      proto.OpRst,
	}
}
