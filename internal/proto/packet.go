// Package proto implements the virtio-vsock wire format: a fixed 44-byte
// little-endian header optionally followed by a stream payload.
package proto

import (
	"encoding/binary"
	"errors"
	"fmt"
)

// HeaderSize is the fixed size of the packet header on the wire.
const HeaderSize = 44

// MaxPayloadSize bounds the payload of a single packet. Larger transfers are
// split across packets by the sender.
const MaxPayloadSize = 64 * 1024

// Packet types. Only stream sockets are supported.
const (
	TypeStream = 1
)

// Packet operations.
const (
	OpInvalid       = 0
	OpRequest       = 1 // connection request
	OpResponse      = 2 // connection accepted
	OpRst           = 3 // reset/reject
	OpShutdown      = 4 // graceful shutdown
	OpRW            = 5 // data transfer
	OpCreditUpdate  = 6 // flow control advertisement
	OpCreditRequest = 7 // ask peer for a credit update
)

// Shutdown flags, valid only on OpShutdown packets.
const (
	FlagShutdownRecv = 1 // sender will receive no more data
	FlagShutdownSend = 2 // sender will send no more data
)

// Well-known CIDs.
const (
	CIDHypervisor = 0
	CIDLocal      = 1
	CIDHost       = 2
)

var (
	// ErrHeaderTooSmall is returned when fewer than HeaderSize bytes are
	// available for decoding.
	ErrHeaderTooSmall = errors.New("proto: header too small")
	// ErrPayloadTooLarge is returned when the declared payload length
	// exceeds MaxPayloadSize.
	ErrPayloadTooLarge = errors.New("proto: payload too large")
	// ErrBufferBounds is returned when the buffer does not contain the
	// number of payload bytes the header declares.
	ErrBufferBounds = errors.New("proto: payload exceeds buffer bounds")
)

// Packet is a decoded vsock packet. Len on the wire is derived from Payload.
type Packet struct {
	SrcCID   uint64
	DstCID   uint64
	SrcPort  uint32
	DstPort  uint32
	Type     uint16
	Op       uint16
	Flags    uint32
	BufAlloc uint32
	FwdCnt   uint32
	Payload  []byte
}

// Len returns the payload length carried in the header.
func (p *Packet) Len() uint32 {
	return uint32(len(p.Payload))
}

// Decode parses one packet from data. The payload, if any, must immediately
// follow the header. The returned packet aliases data's payload bytes.
func Decode(data []byte) (*Packet, error) {
	if len(data) < HeaderSize {
		return nil, fmt.Errorf("%w: %d < %d", ErrHeaderTooSmall, len(data), HeaderSize)
	}

	length := binary.LittleEndian.Uint32(data[24:28])
	if length > MaxPayloadSize {
		return nil, fmt.Errorf("%w: %d > %d", ErrPayloadTooLarge, length, MaxPayloadSize)
	}
	if uint32(len(data)-HeaderSize) < length {
		return nil, fmt.Errorf("%w: have %d, header declares %d",
			ErrBufferBounds, len(data)-HeaderSize, length)
	}

	return &Packet{
		SrcCID:   binary.LittleEndian.Uint64(data[0:8]),
		DstCID:   binary.LittleEndian.Uint64(data[8:16]),
		SrcPort:  binary.LittleEndian.Uint32(data[16:20]),
		DstPort:  binary.LittleEndian.Uint32(data[20:24]),
		Type:     binary.LittleEndian.Uint16(data[28:30]),
		Op:       binary.LittleEndian.Uint16(data[30:32]),
		Flags:    binary.LittleEndian.Uint32(data[32:36]),
		BufAlloc: binary.LittleEndian.Uint32(data[36:40]),
		FwdCnt:   binary.LittleEndian.Uint32(data[40:44]),
		Payload:  data[HeaderSize : HeaderSize+int(length)],
	}, nil
}

// Append encodes p and appends the wire representation to dst.
func Append(dst []byte, p *Packet) []byte {
	var hdr [HeaderSize]byte
	binary.LittleEndian.PutUint64(hdr[0:8], p.SrcCID)
	binary.LittleEndian.PutUint64(hdr[8:16], p.DstCID)
	binary.LittleEndian.PutUint32(hdr[16:20], p.SrcPort)
	binary.LittleEndian.PutUint32(hdr[20:24], p.DstPort)
	binary.LittleEndian.PutUint32(hdr[24:28], uint32(len(p.Payload)))
	binary.LittleEndian.PutUint16(hdr[28:30], p.Type)
	binary.LittleEndian.PutUint16(hdr[30:32], p.Op)
	binary.LittleEndian.PutUint32(hdr[32:36], p.Flags)
	binary.LittleEndian.PutUint32(hdr[36:40], p.BufAlloc)
	binary.LittleEndian.PutUint32(hdr[40:44], p.FwdCnt)
	dst = append(dst, hdr[:]...)
	return append(dst, p.Payload...)
}

// Encode returns the wire representation of p.
func Encode(p *Packet) []byte {
	return Append(make([]byte, 0, HeaderSize+len(p.Payload)), p)
}

// OpString returns a human-readable name for a packet operation.
func OpString(op uint16) string {
	switch op {
	case OpInvalid:
		return "INVALID"
	case OpRequest:
		return "REQUEST"
	case OpResponse:
		return "RESPONSE"
	case OpRst:
		return "RST"
	case OpShutdown:
		return "SHUTDOWN"
	case OpRW:
		return "RW"
	case OpCreditUpdate:
		return "CREDIT_UPDATE"
	case OpCreditRequest:
		return "CREDIT_REQUEST"
	default:
		return fmt.Sprintf("UNKNOWN(%d)", op)
	}
}
