package muxer

import (
	"bytes"
	"io"
	"time"

	"testing"

	"github.com/tinyrange/vsockmux/internal/proto"
)

// mockBackend implements Backend over in-memory buffers.
type mockBackend struct {
	fd int

	readable bytes.Buffer // data served to Read
	written  bytes.Buffer // data accepted by Write
	readEOF  bool         // report io.EOF once readable is drained

	writeBlocked bool // Write returns ErrWouldBlock
	writeChunk   int  // max bytes accepted per Write, 0 = unlimited
	writeErr     error

	closed    bool
	shutRead  bool
	shutWrite bool
}

func (b *mockBackend) FD() int { return b.fd }

func (b *mockBackend) Read(p []byte) (int, error) {
	if b.readable.Len() == 0 {
		if b.readEOF {
			return 0, io.EOF
		}
		return 0, ErrWouldBlock
	}
	return b.readable.Read(p)
}

func (b *mockBackend) Write(p []byte) (int, error) {
	if b.writeErr != nil {
		return 0, b.writeErr
	}
	if b.writeBlocked {
		return 0, ErrWouldBlock
	}
	if b.writeChunk > 0 && len(p) > b.writeChunk {
		n, _ := b.written.Write(p[:b.writeChunk])
		return n, ErrWouldBlock
	}
	return b.written.Write(p)
}

func (b *mockBackend) Shutdown(dir ShutdownDir) error {
	if dir == ShutdownRead || dir == ShutdownBoth {
		b.shutRead = true
	}
	if dir == ShutdownWrite || dir == ShutdownBoth {
		b.shutWrite = true
	}
	return nil
}

func (b *mockBackend) Close() error {
	b.closed = true
	return nil
}

func guestPacket(op uint16, key ConnKey) *proto.Packet {
	return &proto.Packet{
		SrcCID:   3,
		DstCID:   proto.CIDHost,
		SrcPort:  key.PeerPort,
		DstPort:  key.LocalPort,
		Type:     proto.TypeStream,
		Op:       op,
		BufAlloc: DefaultBufAlloc,
	}
}

var testKey = ConnKey{LocalPort: 22, PeerPort: 1024}

func newTestPeerConn(backend Backend) *Conn {
	req := guestPacket(proto.OpRequest, testKey)
	return newPeerConn(testKey, 3, DefaultBufAlloc, backend, req, time.Now())
}

func TestPeerInitHandshake(t *testing.T) {
	conn := newTestPeerConn(&mockBackend{})

	if conn.state != statePeerInit {
		t.Fatalf("state = %s, want PeerInit", conn.state)
	}
	pkt := conn.NextOutboundPacket()
	if pkt == nil || pkt.Op != proto.OpResponse {
		t.Fatalf("first outbound = %v, want RESPONSE", pkt)
	}
	if pkt.SrcPort != testKey.LocalPort || pkt.DstPort != testKey.PeerPort {
		t.Fatalf("response ports %d->%d, want %d->%d",
			pkt.SrcPort, pkt.DstPort, testKey.LocalPort, testKey.PeerPort)
	}
	if conn.state != stateEstablished {
		t.Fatalf("state after RESPONSE drain = %s, want Established", conn.state)
	}
}

func TestLocalInitHandshake(t *testing.T) {
	conn := newLocalConn(testKey, 3, DefaultBufAlloc, &mockBackend{}, time.Now())

	pkt := conn.NextOutboundPacket()
	if pkt == nil || pkt.Op != proto.OpRequest {
		t.Fatalf("first outbound = %v, want REQUEST", pkt)
	}
	if conn.state != stateLocalInit {
		t.Fatalf("state = %s, want LocalInit", conn.state)
	}

	conn.OnPacketRecv(guestPacket(proto.OpResponse, testKey))
	if conn.state != stateEstablished {
		t.Fatalf("state = %s, want Established", conn.state)
	}
}

func TestLocalInitRejectsData(t *testing.T) {
	conn := newLocalConn(testKey, 3, DefaultBufAlloc, &mockBackend{}, time.Now())
	conn.NextOutboundPacket() // drain REQUEST

	rw := guestPacket(proto.OpRW, testKey)
	rw.Payload = []byte("too early")
	conn.OnPacketRecv(rw)

	if conn.state != stateKilled {
		t.Fatalf("state = %s, want Killed", conn.state)
	}
	pkt := conn.NextOutboundPacket()
	if pkt == nil || pkt.Op != proto.OpRst {
		t.Fatalf("outbound = %v, want RST", pkt)
	}
}

func TestDataForwardedToBackend(t *testing.T) {
	backend := &mockBackend{}
	conn := newTestPeerConn(backend)
	conn.NextOutboundPacket()

	rw := guestPacket(proto.OpRW, testKey)
	rw.Payload = []byte("forward me")
	conn.OnPacketRecv(rw)

	if got := backend.written.String(); got != "forward me" {
		t.Fatalf("backend received %q, want %q", got, "forward me")
	}
	if conn.fwdCnt != uint32(len("forward me")) {
		t.Fatalf("fwdCnt = %d, want %d", conn.fwdCnt, len("forward me"))
	}
}

func TestBlockedWriteBuffersAndFlushes(t *testing.T) {
	backend := &mockBackend{writeBlocked: true}
	conn := newTestPeerConn(backend)
	conn.NextOutboundPacket()

	rw := guestPacket(proto.OpRW, testKey)
	rw.Payload = []byte("buffered")
	conn.OnPacketRecv(rw)

	if backend.written.Len() != 0 {
		t.Fatalf("backend got %d bytes while blocked", backend.written.Len())
	}
	if conn.fwdCnt != 0 {
		t.Fatalf("fwdCnt advanced to %d before flush", conn.fwdCnt)
	}
	if !conn.watchEvents().Writable {
		t.Fatal("connection with buffered data must want writability")
	}

	backend.writeBlocked = false
	conn.OnBackendSendable()

	if got := backend.written.String(); got != "buffered" {
		t.Fatalf("backend received %q after flush, want %q", got, "buffered")
	}
	if conn.fwdCnt != uint32(len("buffered")) {
		t.Fatalf("fwdCnt = %d, want %d", conn.fwdCnt, len("buffered"))
	}
	if conn.watchEvents().Writable {
		t.Fatal("drained connection must not want writability")
	}
}

func TestBackendReadProducesRW(t *testing.T) {
	backend := &mockBackend{}
	backend.readable.WriteString("from the host")
	conn := newTestPeerConn(backend)
	conn.NextOutboundPacket()

	pkt := conn.OnBackendReadable(proto.MaxPayloadSize)
	if pkt == nil || pkt.Op != proto.OpRW {
		t.Fatalf("packet = %v, want RW", pkt)
	}
	if string(pkt.Payload) != "from the host" {
		t.Fatalf("payload = %q", pkt.Payload)
	}
	if conn.txCnt != uint32(len("from the host")) {
		t.Fatalf("txCnt = %d", conn.txCnt)
	}
	// The packet is also queued for the muxer to drain.
	if got := conn.NextOutboundPacket(); got != pkt {
		t.Fatalf("NextOutboundPacket = %v, want the produced RW", got)
	}
}

func TestZeroCreditBlocksBackendRead(t *testing.T) {
	backend := &mockBackend{}
	backend.readable.WriteString("stuck until credit arrives")
	conn := newTestPeerConn(backend)
	conn.NextOutboundPacket()

	// Peer advertises no capacity at all.
	upd := guestPacket(proto.OpCreditUpdate, testKey)
	upd.BufAlloc = 0
	conn.OnPacketRecv(upd)

	if pkt := conn.OnBackendReadable(proto.MaxPayloadSize); pkt != nil {
		t.Fatalf("produced RW with zero credit: %v", pkt)
	}
	if !conn.backendBlocked {
		t.Fatal("connection not marked backend-blocked")
	}
	if conn.watchEvents().Readable {
		t.Fatal("blocked connection must withdraw read interest")
	}
	// A CREDIT_REQUEST goes out instead (credit packets bypass flow control).
	if pkt := conn.NextOutboundPacket(); pkt == nil || pkt.Op != proto.OpCreditRequest {
		t.Fatalf("outbound = %v, want CREDIT_REQUEST", pkt)
	}

	// Credit arrives; reading re-arms.
	upd = guestPacket(proto.OpCreditUpdate, testKey)
	upd.BufAlloc = 1024
	conn.OnPacketRecv(upd)

	if conn.backendBlocked {
		t.Fatal("credit update did not clear backend-blocked")
	}
	pkt := conn.OnBackendReadable(proto.MaxPayloadSize)
	if pkt == nil || pkt.Op != proto.OpRW {
		t.Fatalf("packet after credit update = %v, want RW", pkt)
	}
	if string(pkt.Payload) != "stuck until credit arrives" {
		t.Fatalf("payload = %q", pkt.Payload)
	}
}

func TestBackendReadBoundedByCredit(t *testing.T) {
	backend := &mockBackend{}
	backend.readable.Write(bytes.Repeat([]byte{0xaa}, 256))
	conn := newTestPeerConn(backend)
	conn.NextOutboundPacket()

	upd := guestPacket(proto.OpCreditUpdate, testKey)
	upd.BufAlloc = 100
	conn.OnPacketRecv(upd)

	pkt := conn.OnBackendReadable(proto.MaxPayloadSize)
	if pkt == nil {
		t.Fatal("no packet with 100 bytes of credit")
	}
	if len(pkt.Payload) != 100 {
		t.Fatalf("payload length = %d, want credit-bounded 100", len(pkt.Payload))
	}
	if conn.peerCredit() != 0 {
		t.Fatalf("peer credit after full send = %d, want 0", conn.peerCredit())
	}
	// Credit must never go negative; another read yields nothing.
	if pkt := conn.OnBackendReadable(proto.MaxPayloadSize); pkt != nil {
		t.Fatalf("produced RW beyond peer credit: %v", pkt)
	}
}

func TestCreditArithmeticWrapsAt32Bits(t *testing.T) {
	conn := newTestPeerConn(&mockBackend{})
	conn.NextOutboundPacket()

	// Simulate a long-lived connection whose counters are near the wrap
	// point: 0x100 bytes in flight.
	conn.txCnt = 0xffffff00
	conn.peerFwdCnt = 0xfffffe00
	conn.peerBufAlloc = 0x200

	if got := conn.peerCredit(); got != 0x100 {
		t.Fatalf("credit = %#x, want 0x100", got)
	}

	// Counters on either side of the wrap point.
	conn.txCnt = 0x00000010
	conn.peerFwdCnt = 0xfffffff0 // 0x20 bytes in flight across the wrap
	if got := conn.peerCredit(); got != 0x200-0x20 {
		t.Fatalf("credit across wrap = %#x, want %#x", got, 0x200-0x20)
	}
}

func TestShutdownNoMoreSendKeepsDraining(t *testing.T) {
	backend := &mockBackend{writeBlocked: true}
	conn := newTestPeerConn(backend)
	conn.NextOutboundPacket()

	// Data arrives but the backend is momentarily unwritable.
	rw := guestPacket(proto.OpRW, testKey)
	rw.Payload = []byte("last words")
	conn.OnPacketRecv(rw)

	// Guest half-closes its sending side.
	shut := guestPacket(proto.OpShutdown, testKey)
	shut.Flags = proto.FlagShutdownSend
	conn.OnPacketRecv(shut)

	if conn.state != stateLocalClosing {
		t.Fatalf("state = %s, want LocalClosing", conn.state)
	}

	// Buffered data must still be deliverable.
	backend.writeBlocked = false
	conn.OnBackendSendable()
	if got := backend.written.String(); got != "last words" {
		t.Fatalf("backend received %q, want %q", got, "last words")
	}
	if !backend.shutWrite {
		t.Fatal("backend write side not shut down after drain")
	}

	// But no further RW is accepted from the guest.
	rw2 := guestPacket(proto.OpRW, testKey)
	rw2.Payload = []byte("zombie data")
	conn.OnPacketRecv(rw2)
	if conn.state != stateKilled {
		t.Fatalf("state after RW past shutdown = %s, want Killed", conn.state)
	}
}

func TestShutdownBothKills(t *testing.T) {
	conn := newTestPeerConn(&mockBackend{})
	conn.NextOutboundPacket()

	shut := guestPacket(proto.OpShutdown, testKey)
	shut.Flags = proto.FlagShutdownRecv | proto.FlagShutdownSend
	conn.OnPacketRecv(shut)

	if conn.state != stateKilled {
		t.Fatalf("state = %s, want Killed", conn.state)
	}
	if pkt := conn.NextOutboundPacket(); pkt == nil || pkt.Op != proto.OpRst {
		t.Fatalf("outbound = %v, want final RST", pkt)
	}
}

func TestBackendEOFHalfCloses(t *testing.T) {
	backend := &mockBackend{readEOF: true}
	conn := newTestPeerConn(backend)
	conn.NextOutboundPacket()

	if pkt := conn.OnBackendReadable(proto.MaxPayloadSize); pkt != nil {
		t.Fatalf("EOF read produced %v", pkt)
	}
	if conn.state != statePeerClosing {
		t.Fatalf("state = %s, want PeerClosing", conn.state)
	}
	pkt := conn.NextOutboundPacket()
	if pkt == nil || pkt.Op != proto.OpShutdown || pkt.Flags != proto.FlagShutdownSend {
		t.Fatalf("outbound = %v, want SHUTDOWN(no-more-send)", pkt)
	}

	// Guest can still send data in this state.
	rw := guestPacket(proto.OpRW, testKey)
	rw.Payload = []byte("still fine")
	conn.OnPacketRecv(rw)
	if conn.state != statePeerClosing {
		t.Fatalf("state = %s, want PeerClosing", conn.state)
	}
	if got := backend.written.String(); got != "still fine" {
		t.Fatalf("backend received %q", got)
	}
}

func TestRstKillsWithoutReply(t *testing.T) {
	conn := newTestPeerConn(&mockBackend{})
	conn.NextOutboundPacket()

	conn.OnPacketRecv(guestPacket(proto.OpRst, testKey))
	if conn.state != stateKilled {
		t.Fatalf("state = %s, want Killed", conn.state)
	}
	if pkt := conn.NextOutboundPacket(); pkt != nil {
		t.Fatalf("RST answered with %v, want silence", pkt)
	}
}

func TestCreditOverrunKills(t *testing.T) {
	backend := &mockBackend{writeBlocked: true}
	conn := newPeerConn(testKey, 3, 16, backend,
		guestPacket(proto.OpRequest, testKey), time.Now())
	conn.NextOutboundPacket()

	rw := guestPacket(proto.OpRW, testKey)
	rw.Payload = bytes.Repeat([]byte{0x55}, 17) // one past our advertisement
	conn.OnPacketRecv(rw)

	if conn.state != stateKilled {
		t.Fatalf("state = %s, want Killed", conn.state)
	}
}

func TestPendingQueueBackpressure(t *testing.T) {
	backend := &mockBackend{}
	backend.readable.Write(bytes.Repeat([]byte{1}, 1<<20))
	conn := newTestPeerConn(backend)
	conn.NextOutboundPacket()

	// Fill the pending queue up to the high-water mark with small reads.
	for range pendingHighWater {
		if pkt := conn.OnBackendReadable(16); pkt == nil {
			t.Fatal("read stalled before high-water mark")
		}
	}
	if conn.watchEvents().Readable {
		t.Fatal("read interest kept past the high-water mark")
	}

	// Draining one packet re-opens the window.
	if pkt := conn.NextOutboundPacket(); pkt == nil {
		t.Fatal("nothing to drain")
	}
	if !conn.watchEvents().Readable {
		t.Fatal("read interest not restored after drain")
	}
}

func TestFullPendingQueueStopsBackendReads(t *testing.T) {
	backend := &mockBackend{}
	backend.readable.Write(bytes.Repeat([]byte{3}, 1<<20))
	conn := newTestPeerConn(backend)
	conn.NextOutboundPacket()

	// Bypass the watcher and fill the queue to its hard bound.
	for range pendingMax {
		if pkt := conn.OnBackendReadable(16); pkt == nil {
			t.Fatal("read stalled before the queue filled")
		}
	}
	if got := len(conn.pending); got != pendingMax {
		t.Fatalf("pending = %d, want %d", got, pendingMax)
	}

	// A full queue must refuse the read outright: consuming backend bytes
	// only to drop the packet would desync txCnt from delivered data.
	before := conn.txCnt
	if pkt := conn.OnBackendReadable(16); pkt != nil {
		t.Fatalf("read produced %v with a full queue", pkt)
	}
	if conn.txCnt != before {
		t.Fatalf("txCnt moved %d -> %d without a queued packet", before, conn.txCnt)
	}
	if backend.readable.Len() != 1<<20-pendingMax*16 {
		t.Fatalf("backend bytes consumed by refused read: %d left", backend.readable.Len())
	}

	// Draining makes room again.
	if pkt := conn.NextOutboundPacket(); pkt == nil {
		t.Fatal("nothing to drain")
	}
	if pkt := conn.OnBackendReadable(16); pkt == nil {
		t.Fatal("read still refused after drain")
	}
}

func TestCreditUpdateThreshold(t *testing.T) {
	backend := &mockBackend{}
	conn := newPeerConn(testKey, 3, 1024, backend,
		guestPacket(proto.OpRequest, testKey), time.Now())
	conn.NextOutboundPacket()

	rw := guestPacket(proto.OpRW, testKey)
	rw.Payload = bytes.Repeat([]byte{2}, 600) // more than half of 1024
	conn.OnPacketRecv(rw)

	pkt := conn.NextOutboundPacket()
	if pkt == nil || pkt.Op != proto.OpCreditUpdate {
		t.Fatalf("outbound = %v, want CREDIT_UPDATE after forwarding 600/1024", pkt)
	}
	if pkt.FwdCnt != 600 {
		t.Fatalf("advertised fwd_cnt = %d, want 600", pkt.FwdCnt)
	}
}

func TestCreditRequestAnswered(t *testing.T) {
	conn := newTestPeerConn(&mockBackend{})
	conn.NextOutboundPacket()

	conn.OnPacketRecv(guestPacket(proto.OpCreditRequest, testKey))
	pkt := conn.NextOutboundPacket()
	if pkt == nil || pkt.Op != proto.OpCreditUpdate {
		t.Fatalf("outbound = %v, want CREDIT_UPDATE", pkt)
	}
	if pkt.BufAlloc != DefaultBufAlloc {
		t.Fatalf("buf_alloc = %d, want %d", pkt.BufAlloc, DefaultBufAlloc)
	}
}
