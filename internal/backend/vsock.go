package backend

import (
	"fmt"

	"github.com/mdlayher/vsock"

	"github.com/tinyrange/vsockmux/internal/muxer"
)

// VsockDialer forwards guest connections to a real AF_VSOCK endpoint,
// typically the host's own vsock namespace in nested setups.
type VsockDialer struct {
	CID  uint32
	Port uint32
}

func (d VsockDialer) Dial() (muxer.Backend, error) {
	c, err := vsock.Dial(d.CID, d.Port, nil)
	if err != nil {
		return nil, fmt.Errorf("dial vsock %d:%d: %w", d.CID, d.Port, err)
	}
	b, err := FromConn(c)
	if err != nil {
		c.Close()
		return nil, err
	}
	return b, nil
}

var _ muxer.BackendFactory = VsockDialer{}
