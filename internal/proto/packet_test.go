package proto

import (
	"bytes"
	"encoding/binary"
	"errors"
	"testing"
)

func TestPacketRoundTrip(t *testing.T) {
	pkts := []*Packet{
		{
			SrcCID:  CIDHost,
			DstCID:  3,
			SrcPort: 1024,
			DstPort: 22,
			Type:    TypeStream,
			Op:      OpRequest,
		},
		{
			SrcCID:   3,
			DstCID:   CIDHost,
			SrcPort:  22,
			DstPort:  1024,
			Type:     TypeStream,
			Op:       OpRW,
			BufAlloc: 64 * 1024,
			FwdCnt:   4096,
			Payload:  []byte("hello over vsock"),
		},
		{
			SrcCID:  CIDHost,
			DstCID:  3,
			SrcPort: 0xffffffff,
			DstPort: 0,
			Type:    TypeStream,
			Op:      OpShutdown,
			Flags:   FlagShutdownRecv | FlagShutdownSend,
		},
	}

	for _, want := range pkts {
		t.Run(OpString(want.Op), func(t *testing.T) {
			wire := Encode(want)
			if len(wire) != HeaderSize+len(want.Payload) {
				t.Fatalf("wire length = %d, want %d", len(wire), HeaderSize+len(want.Payload))
			}

			got, err := Decode(wire)
			if err != nil {
				t.Fatalf("Decode failed: %v", err)
			}
			if got.SrcCID != want.SrcCID || got.DstCID != want.DstCID ||
				got.SrcPort != want.SrcPort || got.DstPort != want.DstPort ||
				got.Type != want.Type || got.Op != want.Op || got.Flags != want.Flags ||
				got.BufAlloc != want.BufAlloc || got.FwdCnt != want.FwdCnt {
				t.Fatalf("header mismatch: got %+v, want %+v", got, want)
			}
			if !bytes.Equal(got.Payload, want.Payload) {
				t.Fatalf("payload mismatch: got %q, want %q", got.Payload, want.Payload)
			}
		})
	}
}

func TestDecodeErrors(t *testing.T) {
	t.Run("HeaderTooSmall", func(t *testing.T) {
		_, err := Decode(make([]byte, HeaderSize-1))
		if !errors.Is(err, ErrHeaderTooSmall) {
			t.Fatalf("err = %v, want ErrHeaderTooSmall", err)
		}
	})

	t.Run("PayloadTooLarge", func(t *testing.T) {
		wire := Encode(&Packet{Type: TypeStream, Op: OpRW})
		binary.LittleEndian.PutUint32(wire[24:28], MaxPayloadSize+1)
		_, err := Decode(wire)
		if !errors.Is(err, ErrPayloadTooLarge) {
			t.Fatalf("err = %v, want ErrPayloadTooLarge", err)
		}
	})

	t.Run("BufferBounds", func(t *testing.T) {
		// Header declares 16 payload bytes but the buffer carries none.
		wire := Encode(&Packet{Type: TypeStream, Op: OpRW})
		binary.LittleEndian.PutUint32(wire[24:28], 16)
		_, err := Decode(wire)
		if !errors.Is(err, ErrBufferBounds) {
			t.Fatalf("err = %v, want ErrBufferBounds", err)
		}
	})
}

func TestDecodeTrailingBytes(t *testing.T) {
	// Guest buffers are often larger than the packet; trailing bytes after
	// the declared payload must be ignored.
	wire := Encode(&Packet{Type: TypeStream, Op: OpRW, Payload: []byte("abc")})
	wire = append(wire, 0xde, 0xad)
	got, err := Decode(wire)
	if err != nil {
		t.Fatalf("Decode failed: %v", err)
	}
	if string(got.Payload) != "abc" {
		t.Fatalf("payload = %q, want %q", got.Payload, "abc")
	}
}
