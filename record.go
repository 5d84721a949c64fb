package kvengine

import "github.com/brimstore/kvengine/containerindex"

// invalidSegment is a tombstoned [Start, End) byte range pending GC (§3
// invariant 6, §4.5).
type invalidSegment struct {
	Start uint32
	End   uint32
}

func (s invalidSegment) size() uint32 { return s.End - s.Start }

// recordLength returns the total on-disk length of a record with the given
// type (flags stripped), key, and already-encoded value body.
func recordLength(typ Type, key string, valueBody []byte) int {
	n := 2 + len(key) // type byte + keyLen byte + key
	if isVariable(typ) {
		n += 2 + len(valueBody) // valueLen + value
	} else {
		n += fixedSize(typ)
	}
	return n
}

// writeRecord writes one full record at buf's position start and returns
// the container describing its final layout. typeByte includes any flags
// (externalMask) already set; it must not include deleteMask.
func writeRecord(buf *byteBuffer, start int, typeByte uint8, key string, valueBody []byte) containerindex.Container {
	buf.seek(start)
	buf.writeU8(typeByte)
	buf.writeKey(key)
	typ := Type(typeByte & typeMask)
	var valueOffset int
	if isVariable(typ) {
		buf.writeU16(uint16(len(valueBody)))
		valueOffset = buf.pos
		buf.writeBytes(valueBody)
	} else {
		valueOffset = buf.pos
		buf.writeBytes(valueBody)
	}
	return containerindex.Container{
		TypeByte:    typeByte,
		RecordStart: uint32(start),
		RecordSize:  uint32(buf.pos - start),
		ValueOffset: uint32(valueOffset),
		ValueSize:   uint32(len(valueBody)),
	}
}

// parseData walks [dataStart, dataEnd) of buf, rebuilding the container
// index and the list of tombstoned spans (§4.2). It never mutates buf.
func parseData(buf []byte, dataStart, dataEnd int, encoders *encoderRegistry, logger Logger) (*containerindex.Index, []invalidSegment, uint32, error) {
	idx := containerindex.New()
	var invalids []invalidSegment
	var invalidBytes uint32
	if dataEnd > len(buf) {
		return nil, nil, 0, ErrCorrupt
	}
	pos := dataStart
	for pos < dataEnd {
		recordStart := pos
		typeByteFull := buf[pos]
		pos++
		typ := Type(typeByteFull & typeMask)
		if !typ.valid() {
			return nil, nil, 0, ErrCorrupt
		}
		keyLen := int(buf[pos])
		pos++
		key := string(buf[pos : pos+keyLen])
		pos += keyLen

		var valueOffset, valueSize int
		if isVariable(typ) {
			valueSize = int(le16(buf[pos:]))
			pos += 2
			valueOffset = pos
			pos += valueSize
		} else {
			valueSize = fixedSize(typ)
			valueOffset = pos
			pos += valueSize
		}
		if pos > dataEnd {
			return nil, nil, 0, ErrCorrupt
		}

		deleted := typeByteFull&deleteMask != 0
		if deleted {
			seg := invalidSegment{Start: uint32(recordStart), End: uint32(pos)}
			invalids = append(invalids, seg)
			invalidBytes += seg.size()
			continue
		}

		external := typeByteFull&externalMask != 0
		if typ == Object && !external {
			tagLen := int(buf[valueOffset])
			if 1+tagLen > valueSize {
				return nil, nil, 0, ErrCorrupt
			}
			tag := string(buf[valueOffset+1 : valueOffset+1+tagLen])
			if _, ok := encoders.get(tag); !ok {
				if logger != nil {
					logger.Warning("parseData", errNoEncoderFor(key, tag))
				}
				continue
			}
		}

		idx.Put(key, containerindex.Container{
			TypeByte:    typeByteFull,
			RecordStart: uint32(recordStart),
			RecordSize:  uint32(pos - recordStart),
			ValueOffset: uint32(valueOffset),
			ValueSize:   uint32(valueSize),
		})
	}
	if pos != dataEnd {
		return nil, nil, 0, ErrCorrupt
	}
	return idx, invalids, invalidBytes, nil
}

func le16(b []byte) uint16 { return uint16(b[0]) | uint16(b[1])<<8 }

func errNoEncoderFor(key, tag string) error {
	return &noEncoderError{key: key, tag: tag}
}

type noEncoderError struct {
	key, tag string
}

func (e *noEncoderError) Error() string {
	return "kvengine: no encoder for tag " + e.tag + " (key " + e.key + " skipped)"
}
