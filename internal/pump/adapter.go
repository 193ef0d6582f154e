package pump

import (
	"github.com/tinyrange/vsockmux/internal/muxer"
	"github.com/tinyrange/vsockmux/internal/proto"
)

// Channel is the packet-level view of a muxer: inbound packets go in,
// ready outbound packets come out. It carries no state of its own and must
// be used from the goroutine that owns the muxer.
type Channel struct {
	mux *muxer.Muxer
}

func NewChannel(m *muxer.Muxer) *Channel {
	return &Channel{mux: m}
}

// SendPacket delivers one guest packet to the muxer.
func (c *Channel) SendPacket(pkt *proto.Packet) {
	c.mux.Dispatch(pkt)
}

// RecvPacket returns the next packet bound for the guest, or ok=false when
// none is pending.
func (c *Channel) RecvPacket() (*proto.Packet, bool) {
	pkt := c.mux.NextReadyPacket()
	return pkt, pkt != nil
}

// HasPending reports whether RecvPacket would produce a packet.
func (c *Channel) HasPending() bool {
	return c.mux.HasReady()
}
