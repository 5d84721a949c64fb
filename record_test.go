package kvengine

import "testing"

func TestWriteRecordAndParseDataRoundTrip(t *testing.T) {
	buf := newByteBuffer(256)
	buf.growTo(dataStart)

	pos := dataStart
	c1 := writeRecord(buf, pos, uint8(Int), "a", []byte{1, 0, 0, 0})
	pos += int(c1.RecordSize)
	c2 := writeRecord(buf, pos, uint8(String), "bees", []byte("honey"))
	pos += int(c2.RecordSize)

	encoders := newEncoderRegistry()
	idx, invalids, invalidBytes, err := parseData(buf.buf, dataStart, pos, encoders, DiscardLogger)
	if err != nil {
		t.Fatalf("parseData: %v", err)
	}
	if len(invalids) != 0 || invalidBytes != 0 {
		t.Fatalf("expected no invalid segments, got %v (%d bytes)", invalids, invalidBytes)
	}
	if idx.Len() != 2 {
		t.Fatalf("idx.Len() = %d, want 2", idx.Len())
	}

	ca, ok := idx.Get("a")
	if !ok {
		t.Fatalf("key a missing from index")
	}
	if Type(ca.TypeByte&typeMask) != Int {
		t.Fatalf("key a type = %v, want Int", Type(ca.TypeByte&typeMask))
	}
	if got := buf.readAt(int(ca.ValueOffset), int(ca.ValueSize)); string(got) != "\x01\x00\x00\x00" {
		t.Fatalf("key a value bytes = %v", got)
	}

	cb, ok := idx.Get("bees")
	if !ok {
		t.Fatalf("key bees missing from index")
	}
	if got := buf.readAt(int(cb.ValueOffset), int(cb.ValueSize)); string(got) != "honey" {
		t.Fatalf("key bees value = %q, want honey", got)
	}
}

func TestParseDataSkipsTombstones(t *testing.T) {
	buf := newByteBuffer(256)
	buf.growTo(dataStart)

	pos := dataStart
	c1 := writeRecord(buf, pos, uint8(Int)|deleteMask, "a", []byte{1, 0, 0, 0})
	pos += int(c1.RecordSize)
	c2 := writeRecord(buf, pos, uint8(Int), "b", []byte{2, 0, 0, 0})
	pos += int(c2.RecordSize)

	idx, invalids, invalidBytes, err := parseData(buf.buf, dataStart, pos, newEncoderRegistry(), DiscardLogger)
	if err != nil {
		t.Fatalf("parseData: %v", err)
	}
	if idx.Len() != 1 {
		t.Fatalf("idx.Len() = %d, want 1", idx.Len())
	}
	if _, ok := idx.Get("a"); ok {
		t.Fatalf("tombstoned key a should not be indexed")
	}
	if len(invalids) != 1 || invalidBytes != c1.RecordSize {
		t.Fatalf("invalids = %v, invalidBytes = %d, want one segment of %d bytes", invalids, invalidBytes, c1.RecordSize)
	}
}

func TestParseDataRejectsBadTypeByte(t *testing.T) {
	buf := newByteBuffer(64)
	buf.growTo(dataStart)
	writeRecord(buf, dataStart, 0x3f, "a", []byte{1, 0, 0, 0}) // type 0x3f is out of [1,8]

	_, _, _, err := parseData(buf.buf, dataStart, dataStart+7, newEncoderRegistry(), DiscardLogger)
	if err != ErrCorrupt {
		t.Fatalf("err = %v, want ErrCorrupt", err)
	}
}

func TestParseDataRejectsTrailingCursorMismatch(t *testing.T) {
	buf := newByteBuffer(64)
	buf.growTo(dataStart)
	c := writeRecord(buf, dataStart, uint8(Int), "a", []byte{1, 0, 0, 0})

	_, _, _, err := parseData(buf.buf, dataStart, dataStart+int(c.RecordSize)+1, newEncoderRegistry(), DiscardLogger)
	if err != ErrCorrupt {
		t.Fatalf("err = %v, want ErrCorrupt", err)
	}
}

func TestParseDataSkipsObjectWithUnknownEncoder(t *testing.T) {
	buf := newByteBuffer(64)
	buf.growTo(dataStart)
	body := append([]byte{byte(len("missing"))}, "missing"...)
	body = append(body, "payload"...)
	c := writeRecord(buf, dataStart, uint8(Object), "obj", body)

	idx, invalids, invalidBytes, err := parseData(buf.buf, dataStart, dataStart+int(c.RecordSize), newEncoderRegistry(), DiscardLogger)
	if err != nil {
		t.Fatalf("parseData: %v", err)
	}
	if idx.Len() != 0 {
		t.Fatalf("idx.Len() = %d, want 0 (unknown-encoder record must be absent)", idx.Len())
	}
	if len(invalids) != 0 || invalidBytes != 0 {
		t.Fatalf("an unknown-encoder record is not a tombstone: invalids=%v invalidBytes=%d", invalids, invalidBytes)
	}
}

func TestRecordLengthMatchesWrittenSize(t *testing.T) {
	buf := newByteBuffer(64)
	buf.growTo(dataStart)
	body := []byte("0123456789")
	c := writeRecord(buf, dataStart, uint8(String), "k", body)
	want := recordLength(String, "k", body)
	if int(c.RecordSize) != want {
		t.Fatalf("RecordSize = %d, recordLength() = %d", c.RecordSize, want)
	}
}
