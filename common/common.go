// Package common holds the scratch-buffer free list the serialization
// and hashing hot paths share.
package common

import (
	"encoding/binary"
	"io"
	"sync"
)

// FreeBytes is a recyclable scratch buffer.  Callers get one from
// NewFreeBytes, use Bytes or the fixed-width read/write helpers, and
// Free it when done.
type FreeBytes struct {
	Bytes []byte
}

var freeBytesPool = sync.Pool{
	New: func() interface{} { return new(FreeBytes) },
}

// NewFreeBytes pulls a buffer off the pool, allocating its backing
// array on first use.
func NewFreeBytes() *FreeBytes {
	fb := freeBytesPool.Get().(*FreeBytes)
	if fb.Bytes == nil {
		// 64 covers two node hashes, the widest single use
		fb.Bytes = make([]byte, 0, 64)
	}
	return fb
}

// Free resets the buffer and returns it to the pool.
func (fb *FreeBytes) Free() {
	fb.Bytes = fb.Bytes[:0]
	freeBytesPool.Put(fb)
}

// Uint8 reads one byte from r.
func (fb *FreeBytes) Uint8(r io.Reader) (uint8, error) {
	buf := fb.Bytes[:1]
	if _, err := io.ReadFull(r, buf); err != nil {
		return 0, err
	}
	return buf[0], nil
}

// Uint16 reads two bytes from r in the given byte order.
func (fb *FreeBytes) Uint16(r io.Reader, byteOrder binary.ByteOrder) (uint16, error) {
	buf := fb.Bytes[:2]
	if _, err := io.ReadFull(r, buf); err != nil {
		return 0, err
	}
	return byteOrder.Uint16(buf), nil
}

// Uint32 reads four bytes from r in the given byte order.
func (fb *FreeBytes) Uint32(r io.Reader, byteOrder binary.ByteOrder) (uint32, error) {
	buf := fb.Bytes[:4]
	if _, err := io.ReadFull(r, buf); err != nil {
		return 0, err
	}
	return byteOrder.Uint32(buf), nil
}

// Uint64 reads eight bytes from r in the given byte order.
func (fb *FreeBytes) Uint64(r io.Reader, byteOrder binary.ByteOrder) (uint64, error) {
	buf := fb.Bytes[:8]
	if _, err := io.ReadFull(r, buf); err != nil {
		return 0, err
	}
	return byteOrder.Uint64(buf), nil
}

// PutUint8 writes val to w as one byte.
func (fb *FreeBytes) PutUint8(w io.Writer, val uint8) error {
	buf := fb.Bytes[:1]
	buf[0] = val
	_, err := w.Write(buf)
	return err
}

// PutUint16 writes val to w as two bytes in the given byte order.
func (fb *FreeBytes) PutUint16(w io.Writer, byteOrder binary.ByteOrder, val uint16) error {
	buf := fb.Bytes[:2]
	byteOrder.PutUint16(buf, val)
	_, err := w.Write(buf)
	return err
}

// PutUint32 writes val to w as four bytes in the given byte order.
func (fb *FreeBytes) PutUint32(w io.Writer, byteOrder binary.ByteOrder, val uint32) error {
	buf := fb.Bytes[:4]
	byteOrder.PutUint32(buf, val)
	_, err := w.Write(buf)
	return err
}

// PutUint64 writes val to w as eight bytes in the given byte order.
func (fb *FreeBytes) PutUint64(w io.Writer, byteOrder binary.ByteOrder, val uint64) error {
	buf := fb.Bytes[:8]
	byteOrder.PutUint64(buf, val)
	_, err := w.Write(buf)
	return err
}
