package backend

import (
	"fmt"
	"net"
	"time"

	"github.com/tinyrange/vsockmux/internal/muxer"
)

// TCPDialer dials a TCP endpoint for each guest-initiated connection.
type TCPDialer struct {
	Address string
	Timeout time.Duration
}

func (d TCPDialer) Dial() (muxer.Backend, error) {
	timeout := d.Timeout
	if timeout == 0 {
		timeout = 10 * time.Second
	}
	c, err := net.DialTimeout("tcp", d.Address, timeout)
	if err != nil {
		return nil, fmt.Errorf("dial tcp %s: %w", d.Address, err)
	}
	b, err := FromConn(c)
	if err != nil {
		c.Close()
		return nil, err
	}
	return b, nil
}

var _ muxer.BackendFactory = TCPDialer{}
