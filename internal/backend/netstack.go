package backend

import (
	"fmt"

	"gvisor.dev/gvisor/pkg/tcpip"
	"gvisor.dev/gvisor/pkg/tcpip/adapters/gonet"
	"gvisor.dev/gvisor/pkg/tcpip/network/ipv4"
	"gvisor.dev/gvisor/pkg/tcpip/stack"

	"github.com/tinyrange/vsockmux/internal/muxer"
)

// NetstackDialer dials TCP through a userspace gVisor stack, letting guest
// vsock ports terminate inside a virtual network instead of the host's.
// The resulting conn has no kernel descriptor, so it is bridged over a
// socketpair before the muxer sees it.
type NetstackDialer struct {
	Stack *stack.Stack
	Addr  tcpip.FullAddress

	// Proto selects the network protocol; zero means IPv4.
	Proto tcpip.NetworkProtocolNumber
}

func (d NetstackDialer) Dial() (muxer.Backend, error) {
	if d.Stack == nil {
		return nil, fmt.Errorf("netstack dialer has no stack")
	}
	proto := d.Proto
	if proto == 0 {
		proto = ipv4.ProtocolNumber
	}
	c, err := gonet.DialTCP(d.Stack, d.Addr, proto)
	if err != nil {
		return nil, fmt.Errorf("netstack dial %s:%d: %w", d.Addr.Addr, d.Addr.Port, err)
	}
	b, err := bridgeConn(c)
	if err != nil {
		c.Close()
		return nil, err
	}
	return b, nil
}

var _ muxer.BackendFactory = NetstackDialer{}
