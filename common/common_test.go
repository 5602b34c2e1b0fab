package common

import (
	"bytes"
	"encoding/binary"
	"testing"
)

func TestFreeBytesRoundTrip(t *testing.T) {
	fb := NewFreeBytes()
	defer fb.Free()

	var buf bytes.Buffer
	if err := fb.PutUint8(&buf, 0xab); err != nil {
		t.Fatal(err)
	}
	if err := fb.PutUint16(&buf, binary.BigEndian, 0xbeef); err != nil {
		t.Fatal(err)
	}
	if err := fb.PutUint32(&buf, binary.BigEndian, 0xdeadbeef); err != nil {
		t.Fatal(err)
	}
	if err := fb.PutUint64(&buf, binary.BigEndian, 0x0123456789abcdef); err != nil {
		t.Fatal(err)
	}

	b, err := fb.Uint8(&buf)
	if err != nil || b != 0xab {
		t.Fatalf("uint8 %x %v", b, err)
	}
	u16, err := fb.Uint16(&buf, binary.BigEndian)
	if err != nil || u16 != 0xbeef {
		t.Fatalf("uint16 %x %v", u16, err)
	}
	u32, err := fb.Uint32(&buf, binary.BigEndian)
	if err != nil || u32 != 0xdeadbeef {
		t.Fatalf("uint32 %x %v", u32, err)
	}
	u64, err := fb.Uint64(&buf, binary.BigEndian)
	if err != nil || u64 != 0x0123456789abcdef {
		t.Fatalf("uint64 %x %v", u64, err)
	}
	if buf.Len() != 0 {
		t.Fatalf("%d bytes left over", buf.Len())
	}
}

func TestFreeBytesRecycles(t *testing.T) {
	fb := NewFreeBytes()
	fb.Bytes = append(fb.Bytes, 1, 2, 3)
	fb.Free()

	again := NewFreeBytes()
	defer again.Free()
	if len(again.Bytes) != 0 {
		t.Fatalf("recycled buffer not reset, len %d", len(again.Bytes))
	}
	if cap(again.Bytes) == 0 {
		t.Fatal("recycled buffer lost its backing array")
	}
}
