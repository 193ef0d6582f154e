package virtq

import (
	"bytes"
	"encoding/binary"
	"testing"
)

// flatMemory is a flat guest address space for tests.
type flatMemory []byte

func (m flatMemory) ReadAt(p []byte, off int64) (int, error) {
	return copy(p, m[off:]), nil
}

func (m flatMemory) WriteAt(p []byte, off int64) (int, error) {
	return copy(m[off:], p), nil
}

const (
	testDescTable = 0x1000
	testAvailRing = 0x2000
	testUsedRing  = 0x3000
	testDataBase  = 0x4000
)

type testRig struct {
	mem   flatMemory
	queue *Queue
}

func newTestRig(t *testing.T, size uint16) *testRig {
	t.Helper()
	rig := &testRig{mem: make(flatMemory, 1<<20)}
	rig.queue = New(rig.mem, 256)
	if err := rig.queue.Configure(testDescTable, testAvailRing, testUsedRing, size); err != nil {
		t.Fatalf("Configure: %v", err)
	}
	rig.queue.SetReady(true)
	return rig
}

func (r *testRig) writeDescriptor(idx uint16, addr uint64, length uint32, flags, next uint16) {
	base := testDescTable + uint64(idx)*descSize
	binary.LittleEndian.PutUint64(r.mem[base:], addr)
	binary.LittleEndian.PutUint32(r.mem[base+8:], length)
	binary.LittleEndian.PutUint16(r.mem[base+12:], flags)
	binary.LittleEndian.PutUint16(r.mem[base+14:], next)
}

// submit appends head to the available ring and bumps the index.
func (r *testRig) submit(head uint16) {
	idx := binary.LittleEndian.Uint16(r.mem[testAvailRing+2:])
	slot := idx % r.queue.size
	binary.LittleEndian.PutUint16(r.mem[testAvailRing+4+uint64(slot)*2:], head)
	binary.LittleEndian.PutUint16(r.mem[testAvailRing+2:], idx+1)
}

func TestEmptyQueue(t *testing.T) {
	rig := newTestRig(t, 8)

	has, err := rig.queue.HasAvailableChain()
	if err != nil {
		t.Fatalf("HasAvailableChain: %v", err)
	}
	if has {
		t.Fatal("empty queue reports available chain")
	}
	_, ok, err := rig.queue.NextAvailableChain()
	if err != nil {
		t.Fatalf("NextAvailableChain: %v", err)
	}
	if ok {
		t.Fatal("empty queue produced a chain")
	}
}

func TestReadableChain(t *testing.T) {
	rig := newTestRig(t, 8)

	copy(rig.mem[testDataBase:], "hello ")
	copy(rig.mem[testDataBase+0x100:], "world")
	rig.writeDescriptor(0, testDataBase, 6, descFlagNext, 1)
	rig.writeDescriptor(1, testDataBase+0x100, 5, 0, 0)
	rig.submit(0)

	chain, ok, err := rig.queue.NextAvailableChain()
	if err != nil || !ok {
		t.Fatalf("NextAvailableChain: ok=%v err=%v", ok, err)
	}
	if chain.ReadableLen() != 11 {
		t.Fatalf("ReadableLen = %d, want 11", chain.ReadableLen())
	}
	data, err := chain.ReadAll()
	if err != nil {
		t.Fatalf("ReadAll: %v", err)
	}
	if string(data) != "hello world" {
		t.Fatalf("data = %q, want %q", data, "hello world")
	}

	if err := rig.queue.PushUsed(chain, 0); err != nil {
		t.Fatalf("PushUsed: %v", err)
	}
	if got := binary.LittleEndian.Uint16(rig.mem[testUsedRing+2:]); got != 1 {
		t.Fatalf("used index = %d, want 1", got)
	}
	if got := binary.LittleEndian.Uint32(rig.mem[testUsedRing+4:]); got != 0 {
		t.Fatalf("used element id = %d, want 0", got)
	}
}

func TestWritableChain(t *testing.T) {
	rig := newTestRig(t, 8)

	// Two writable segments, 8 bytes each.
	rig.writeDescriptor(2, testDataBase, 8, descFlagWrite|descFlagNext, 3)
	rig.writeDescriptor(3, testDataBase+0x100, 8, descFlagWrite, 0)
	rig.submit(2)

	chain, ok, err := rig.queue.NextAvailableChain()
	if err != nil || !ok {
		t.Fatalf("NextAvailableChain: ok=%v err=%v", ok, err)
	}
	if chain.WritableLen() != 16 {
		t.Fatalf("WritableLen = %d, want 16", chain.WritableLen())
	}

	payload := []byte("0123456789ab")
	n, err := chain.Write(payload)
	if err != nil {
		t.Fatalf("Write: %v", err)
	}
	if n != 12 {
		t.Fatalf("wrote %d bytes, want 12", n)
	}
	if !bytes.Equal(rig.mem[testDataBase:testDataBase+8], []byte("01234567")) {
		t.Fatalf("first segment = %q", rig.mem[testDataBase:testDataBase+8])
	}
	if !bytes.Equal(rig.mem[testDataBase+0x100:testDataBase+0x104], []byte("89ab")) {
		t.Fatalf("second segment = %q", rig.mem[testDataBase+0x100:testDataBase+0x104])
	}

	if err := rig.queue.PushUsed(chain, n); err != nil {
		t.Fatalf("PushUsed: %v", err)
	}
	if got := binary.LittleEndian.Uint32(rig.mem[testUsedRing+8:]); got != 12 {
		t.Fatalf("used element length = %d, want 12", got)
	}
}

func TestWriteBeyondCapacityTruncates(t *testing.T) {
	rig := newTestRig(t, 8)

	rig.writeDescriptor(0, testDataBase, 4, descFlagWrite, 0)
	rig.submit(0)

	chain, _, err := rig.queue.NextAvailableChain()
	if err != nil {
		t.Fatal(err)
	}
	n, err := chain.Write([]byte("too much data"))
	if err != nil {
		t.Fatalf("Write: %v", err)
	}
	if n != 4 {
		t.Fatalf("wrote %d bytes into a 4-byte chain", n)
	}
}

func TestChainLoopDetected(t *testing.T) {
	rig := newTestRig(t, 4)

	// 0 -> 1 -> 0 ...
	rig.writeDescriptor(0, testDataBase, 4, descFlagNext, 1)
	rig.writeDescriptor(1, testDataBase, 4, descFlagNext, 0)
	rig.submit(0)

	_, _, err := rig.queue.NextAvailableChain()
	if err == nil {
		t.Fatal("looping descriptor chain not rejected")
	}
}

func TestDescriptorIndexOutOfBounds(t *testing.T) {
	rig := newTestRig(t, 4)

	rig.writeDescriptor(0, testDataBase, 4, descFlagNext, 9)
	rig.submit(0)

	_, _, err := rig.queue.NextAvailableChain()
	if err == nil {
		t.Fatal("out-of-bounds next index not rejected")
	}
}

func TestRingWrapAround(t *testing.T) {
	rig := newTestRig(t, 2)

	for i := range 5 {
		rig.writeDescriptor(uint16(i%2), testDataBase+uint64(i)*16, 4, 0, 0)
		rig.submit(uint16(i % 2))

		chain, ok, err := rig.queue.NextAvailableChain()
		if err != nil || !ok {
			t.Fatalf("iteration %d: ok=%v err=%v", i, ok, err)
		}
		if err := rig.queue.PushUsed(chain, 0); err != nil {
			t.Fatalf("iteration %d PushUsed: %v", i, err)
		}
	}
	if got := binary.LittleEndian.Uint16(rig.mem[testUsedRing+2:]); got != 5 {
		t.Fatalf("used index = %d, want 5", got)
	}
}

func TestNotReady(t *testing.T) {
	rig := newTestRig(t, 8)
	rig.queue.SetReady(false)

	if _, _, err := rig.queue.NextAvailableChain(); err == nil {
		t.Fatal("not-ready queue served a chain")
	}
	if rig.queue.Ready() {
		t.Fatal("queue still ready after reset")
	}
}
