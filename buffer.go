package kvengine

import (
	"encoding/binary"
	"math/bits"
)

// byteBuffer is a growable little-endian byte array with a cursor, in the
// spirit of brimutil's buffer helpers the teacher built its checksummed
// readers on top of. It backs the in-memory copy of a store's data region.
type byteBuffer struct {
	buf []byte
	pos int
}

func newByteBuffer(capacity int) *byteBuffer {
	return &byteBuffer{buf: make([]byte, 0, capacity)}
}

func (b *byteBuffer) len() int { return len(b.buf) }

func (b *byteBuffer) seek(pos int) { b.pos = pos }

func (b *byteBuffer) ensureCap(n int) {
	if n <= cap(b.buf) {
		return
	}
	nb := make([]byte, len(b.buf), n)
	copy(nb, b.buf)
	b.buf = nb
}

// growTo extends the live length of the buffer to n, zero-filling the new
// tail.
func (b *byteBuffer) growTo(n int) {
	if n <= len(b.buf) {
		return
	}
	b.ensureCap(n)
	b.buf = b.buf[:n]
}

func (b *byteBuffer) writeAt(offset int, p []byte) {
	b.growTo(offset + len(p))
	copy(b.buf[offset:], p)
}

func (b *byteBuffer) readAt(offset, n int) []byte {
	return b.buf[offset : offset+n]
}

func (b *byteBuffer) writeU8(v uint8)   { b.writeAt(b.pos, []byte{v}); b.pos++ }
func (b *byteBuffer) readU8() uint8     { v := b.buf[b.pos]; b.pos++; return v }
func (b *byteBuffer) writeU16(v uint16) { b.writeU16At(b.pos, v); b.pos += 2 }
func (b *byteBuffer) writeU16At(offset int, v uint16) {
	var tmp [2]byte
	binary.LittleEndian.PutUint16(tmp[:], v)
	b.writeAt(offset, tmp[:])
}
func (b *byteBuffer) readU16() uint16 {
	v := binary.LittleEndian.Uint16(b.buf[b.pos:])
	b.pos += 2
	return v
}

func (b *byteBuffer) writeI32At(offset int, v int32) {
	var tmp [4]byte
	binary.LittleEndian.PutUint32(tmp[:], uint32(v))
	b.writeAt(offset, tmp[:])
}
func (b *byteBuffer) readI32At(offset int) int32 {
	return int32(binary.LittleEndian.Uint32(b.buf[offset:]))
}

func (b *byteBuffer) writeU32At(offset int, v uint32) {
	var tmp [4]byte
	binary.LittleEndian.PutUint32(tmp[:], v)
	b.writeAt(offset, tmp[:])
}
func (b *byteBuffer) readU32At(offset int) uint32 {
	return binary.LittleEndian.Uint32(b.buf[offset:])
}

func (b *byteBuffer) writeU64At(offset int, v uint64) {
	var tmp [8]byte
	binary.LittleEndian.PutUint64(tmp[:], v)
	b.writeAt(offset, tmp[:])
}
func (b *byteBuffer) readU64At(offset int) uint64 {
	return binary.LittleEndian.Uint64(b.buf[offset:])
}

func (b *byteBuffer) writeBytes(p []byte) { b.writeAt(b.pos, p); b.pos += len(p) }
func (b *byteBuffer) readBytes(n int) []byte {
	v := make([]byte, n)
	copy(v, b.buf[b.pos:b.pos+n])
	b.pos += n
	return v
}

// writeKey writes a length-prefixed (1 byte) UTF-8 string, used for keys
// whose length must fit in a single byte.
func (b *byteBuffer) writeKey(key string) {
	b.writeU8(uint8(len(key)))
	b.writeBytes([]byte(key))
}

func (b *byteBuffer) readKey() string {
	n := int(b.readU8())
	return string(b.readBytes(n))
}

// checksum computes the rolling checksum (see checksumRange) over
// [offset, offset+length) of the buffer's current contents.
func (b *byteBuffer) checksum(offset, length int) uint64 {
	return checksumRange(b.buf[offset:offset+length], offset)
}

// checksumRange computes the position-weighted XOR checksum described in
// §4.1: for each byte b at absolute offset o in the range, its contribution
// is (b as u64) << ((o & 7) * 8), and the checksum is the XOR of all
// contributions. This makes the checksum sensitive to a byte's position
// within an 8-byte word (not just its value), which is what permits
// incremental updates via shiftChecksum without rescanning the whole
// region.
func checksumRange(data []byte, absoluteOffset int) uint64 {
	var sum uint64
	for i, v := range data {
		shift := uint((absoluteOffset + i) & 7) * 8
		sum ^= uint64(v) << shift
	}
	return sum
}

// shiftChecksum rotates a checksum delta computed as if it started at byte
// offset 0 of a word into position for the real absolute offset. Used for
// single in-place primitive updates (§4.1, §4.4) where the old/new XOR is
// known but its byte position within the 8-byte word isn't yet accounted
// for.
func shiftChecksum(sum uint64, offset int) uint64 {
	return bits.RotateLeft64(sum, (offset&7)*8)
}
