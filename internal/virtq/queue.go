// Package virtq implements the split virtqueue consumed by the vsock
// device: reading guest-submitted descriptor chains and publishing used
// buffers back, over an abstract guest-memory accessor. It knows nothing
// about packets; callers move raw bytes through chains.
package virtq

import (
	"encoding/binary"
	"fmt"
	"io"
)

const (
	descSize = 16

	descFlagNext  = 1
	descFlagWrite = 2
)

// GuestMemory provides access to guest physical memory.
type GuestMemory interface {
	io.ReaderAt
	io.WriterAt
}

// Queue is one split virtqueue: a descriptor table, an available ring the
// guest fills, and a used ring the device fills.
type Queue struct {
	mem     GuestMemory
	maxSize uint16

	descTableAddr uint64
	availRingAddr uint64
	usedRingAddr  uint64
	size          uint16
	ready         bool

	lastAvailIdx uint16
	usedIdx      uint16
}

// New creates a queue over mem supporting up to maxSize descriptors.
func New(mem GuestMemory, maxSize uint16) *Queue {
	return &Queue{mem: mem, maxSize: maxSize}
}

// Configure sets the ring addresses and size the guest negotiated.
func (q *Queue) Configure(descAddr, availAddr, usedAddr uint64, size uint16) error {
	if size == 0 || size > q.maxSize {
		return fmt.Errorf("virtq: invalid queue size %d (max %d)", size, q.maxSize)
	}
	q.descTableAddr = descAddr
	q.availRingAddr = availAddr
	q.usedRingAddr = usedAddr
	q.size = size
	return nil
}

// SetReady marks the queue ready for use; marking it not-ready resets all
// ring state.
func (q *Queue) SetReady(ready bool) {
	q.ready = ready
	if !ready {
		q.descTableAddr = 0
		q.availRingAddr = 0
		q.usedRingAddr = 0
		q.size = 0
		q.lastAvailIdx = 0
		q.usedIdx = 0
	}
}

// Ready reports whether the queue has been configured and enabled.
func (q *Queue) Ready() bool { return q.ready && q.size != 0 }

func (q *Queue) check() error {
	if !q.Ready() {
		return fmt.Errorf("virtq: queue not ready")
	}
	if q.mem == nil {
		return fmt.Errorf("virtq: no guest memory accessor")
	}
	return nil
}

// availIdx reads the guest's current available index.
func (q *Queue) availIdx() (uint16, error) {
	var buf [2]byte
	if err := q.readMem(q.availRingAddr+2, buf[:]); err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint16(buf[:]), nil
}

// HasAvailableChain reports whether the guest has submitted a chain that
// the device has not yet consumed, without consuming it.
func (q *Queue) HasAvailableChain() (bool, error) {
	if err := q.check(); err != nil {
		return false, err
	}
	idx, err := q.availIdx()
	if err != nil {
		return false, err
	}
	return q.lastAvailIdx != idx, nil
}

// NextAvailableChain consumes the next available descriptor chain. The
// second return value is false when the ring is empty.
func (q *Queue) NextAvailableChain() (*Chain, bool, error) {
	if err := q.check(); err != nil {
		return nil, false, err
	}
	idx, err := q.availIdx()
	if err != nil {
		return nil, false, err
	}
	if q.lastAvailIdx == idx {
		return nil, false, nil
	}

	ringIndex := q.lastAvailIdx % q.size
	var buf [2]byte
	if err := q.readMem(q.availRingAddr+4+uint64(ringIndex)*2, buf[:]); err != nil {
		return nil, false, err
	}
	head := binary.LittleEndian.Uint16(buf[:])

	chain, err := q.walkChain(head)
	if err != nil {
		return nil, false, err
	}
	q.lastAvailIdx++
	return chain, true, nil
}

// walkChain reads the descriptor chain rooted at head. The walk is bounded
// by the queue size so a malicious Next loop cannot hang the device.
func (q *Queue) walkChain(head uint16) (*Chain, error) {
	chain := &Chain{q: q, head: head}
	index := head
	for range q.size {
		if index >= q.size {
			return nil, fmt.Errorf("virtq: descriptor index %d out of bounds (size %d)", index, q.size)
		}

		var buf [descSize]byte
		if err := q.readMem(q.descTableAddr+uint64(index)*descSize, buf[:]); err != nil {
			return nil, err
		}
		addr := binary.LittleEndian.Uint64(buf[0:8])
		length := binary.LittleEndian.Uint32(buf[8:12])
		flags := binary.LittleEndian.Uint16(buf[12:14])
		next := binary.LittleEndian.Uint16(buf[14:16])

		seg := segment{addr: addr, length: length}
		if flags&descFlagWrite != 0 {
			chain.writable = append(chain.writable, seg)
		} else {
			chain.readable = append(chain.readable, seg)
		}

		if flags&descFlagNext == 0 {
			return chain, nil
		}
		index = next
	}
	return nil, fmt.Errorf("virtq: descriptor chain from %d exceeds queue size %d", head, q.size)
}

// PushUsed publishes a consumed chain to the used ring with the number of
// bytes the device wrote into it.
func (q *Queue) PushUsed(c *Chain, written uint32) error {
	if err := q.check(); err != nil {
		return err
	}

	slot := q.usedIdx % q.size
	var elem [8]byte
	binary.LittleEndian.PutUint32(elem[0:4], uint32(c.head))
	binary.LittleEndian.PutUint32(elem[4:8], written)
	if err := q.writeMem(q.usedRingAddr+4+uint64(slot)*8, elem[:]); err != nil {
		return err
	}

	q.usedIdx++
	var idx [2]byte
	binary.LittleEndian.PutUint16(idx[:], q.usedIdx)
	return q.writeMem(q.usedRingAddr+2, idx[:])
}

func (q *Queue) readMem(addr uint64, buf []byte) error {
	n, err := q.mem.ReadAt(buf, int64(addr))
	if err != nil {
		return fmt.Errorf("virtq: guest memory read at %#x: %w", addr, err)
	}
	if n != len(buf) {
		return fmt.Errorf("virtq: short guest memory read at %#x (want %d, got %d)", addr, len(buf), n)
	}
	return nil
}

func (q *Queue) writeMem(addr uint64, data []byte) error {
	n, err := q.mem.WriteAt(data, int64(addr))
	if err != nil {
		return fmt.Errorf("virtq: guest memory write at %#x: %w", addr, err)
	}
	if n != len(data) {
		return fmt.Errorf("virtq: short guest memory write at %#x (want %d, got %d)", addr, len(data), n)
	}
	return nil
}

// segment is one guest-physical buffer range within a chain.
type segment struct {
	addr   uint64
	length uint32
}

// Chain is one consumed descriptor chain: device-readable segments carrying
// guest data, device-writable segments awaiting device data.
type Chain struct {
	q        *Queue
	head     uint16
	readable []segment
	writable []segment
}

// ReadableLen returns the total bytes of guest data in the chain.
func (c *Chain) ReadableLen() uint32 {
	var total uint32
	for _, seg := range c.readable {
		total += seg.length
	}
	return total
}

// WritableLen returns the total device-writable capacity of the chain.
func (c *Chain) WritableLen() uint32 {
	var total uint32
	for _, seg := range c.writable {
		total += seg.length
	}
	return total
}

// ReadAll copies the chain's device-readable segments into one buffer.
func (c *Chain) ReadAll() ([]byte, error) {
	data := make([]byte, 0, c.ReadableLen())
	for _, seg := range c.readable {
		if seg.length == 0 {
			continue
		}
		buf := make([]byte, seg.length)
		if err := c.q.readMem(seg.addr, buf); err != nil {
			return nil, err
		}
		data = append(data, buf...)
	}
	return data, nil
}

// Write scatters data across the chain's device-writable segments and
// returns the number of bytes written. Data beyond the chain's capacity is
// not written.
func (c *Chain) Write(data []byte) (uint32, error) {
	var written uint32
	for _, seg := range c.writable {
		if len(data) == 0 {
			break
		}
		n := uint32(len(data))
		if n > seg.length {
			n = seg.length
		}
		if err := c.q.writeMem(seg.addr, data[:n]); err != nil {
			return written, err
		}
		data = data[n:]
		written += n
	}
	return written, nil
}
