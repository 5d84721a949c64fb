package kvengine

import "testing"

func TestByteBufferReadWriteRoundTrip(t *testing.T) {
	b := newByteBuffer(64)
	b.growTo(32)

	b.seek(0)
	b.writeU8(0x7f)
	b.writeU16(0xabcd)
	b.writeBytes([]byte("hello"))
	b.writeKey("key")

	b.seek(0)
	if got := b.readU8(); got != 0x7f {
		t.Fatalf("readU8 = %#x, want 0x7f", got)
	}
	if got := b.readU16(); got != 0xabcd {
		t.Fatalf("readU16 = %#x, want 0xabcd", got)
	}
	if got := string(b.readBytes(5)); got != "hello" {
		t.Fatalf("readBytes = %q, want hello", got)
	}
	if got := b.readKey(); got != "key" {
		t.Fatalf("readKey = %q, want key", got)
	}
}

func TestByteBufferAtOffsets(t *testing.T) {
	b := newByteBuffer(64)
	b.growTo(32)

	b.writeI32At(4, -1)
	if got := b.readI32At(4); got != -1 {
		t.Fatalf("readI32At = %d, want -1", got)
	}
	b.writeU32At(8, 0xdeadbeef)
	if got := b.readU32At(8); got != 0xdeadbeef {
		t.Fatalf("readU32At = %#x, want 0xdeadbeef", got)
	}
	b.writeU64At(16, 0x0102030405060708)
	if got := b.readU64At(16); got != 0x0102030405060708 {
		t.Fatalf("readU64At = %#x, want 0x0102030405060708", got)
	}
}

func TestChecksumRangeIsPositionSensitive(t *testing.T) {
	a := checksumRange([]byte{0x01}, 0)
	b := checksumRange([]byte{0x01}, 1)
	if a == b {
		t.Fatalf("checksum of the same byte at different offsets should differ: %#x == %#x", a, b)
	}
}

func TestChecksumRangeXORIsAdditive(t *testing.T) {
	data := []byte("the quick brown fox jumps over")
	whole := checksumRange(data, 100)
	half1 := checksumRange(data[:15], 100)
	half2 := checksumRange(data[15:], 115)
	if whole != half1^half2 {
		t.Fatalf("checksum over whole range must equal XOR of sub-ranges: %#x != %#x^%#x", whole, half1, half2)
	}
}

func TestShiftChecksumRotatesIntoPosition(t *testing.T) {
	// A delta computed as if at offset 0 of a word, shifted to offset 3,
	// should match computing the same byte value's checksum contribution
	// directly at absolute offset 3.
	delta := uint64(0xab)
	shifted := shiftChecksum(delta, 3)
	direct := checksumRange([]byte{0xab}, 3)
	if shifted != direct {
		t.Fatalf("shiftChecksum(%#x, 3) = %#x, want %#x", delta, shifted, direct)
	}
}

func TestByteBufferGrowToZeroFills(t *testing.T) {
	b := newByteBuffer(4)
	b.growTo(16)
	for i, v := range b.buf {
		if v != 0 {
			t.Fatalf("byte %d = %#x, want 0 after growTo", i, v)
		}
	}
	if b.len() != 16 {
		t.Fatalf("len() = %d, want 16", b.len())
	}
}
