package kvengine

import (
	"github.com/brimstore/kvengine/containerindex"
)

// widenLE zero-extends a little-endian byte slice (length 1, 4, or 8) into
// a uint64, used to compute the XOR delta for fixed-size in-place updates
// (§4.1, §4.4).
func widenLE(b []byte) uint64 {
	var v uint64
	for i, c := range b {
		v |= uint64(c) << uint(i*8)
	}
	return v
}

// putFixed implements §4.4's fixed-size update path plus the fallback to
// appendAndSupersede when the key is new or its stored type differs.
func (s *Store) putFixed(key string, typ Type, value []byte) error {
	if key == "" {
		return ErrEmptyKey
	}
	if len(key) > 255 {
		return ErrKeyTooLarge
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	existing, hasExisting := s.idx.Get(key)
	if hasExisting && Type(existing.TypeByte&typeMask) == typ && existing.TypeByte&externalMask == 0 {
		s.fixedUpdate(existing, value)
		s.stats.recordPut()
		return nil
	}
	return s.appendAndSupersede(key, typ, value, false, hasExisting, existing)
}

// fixedUpdate performs an in-place overwrite of an existing fixed-size
// value, per §4.4: XOR the old/new bits to get a checksum delta, rotate it
// into position, and patch the single value range in the buffer and both
// mirrors (or schedule a blocking commit).
func (s *Store) fixedUpdate(c *containerindex.Container, value []byte) {
	offset := int(c.ValueOffset)
	old := append([]byte(nil), s.buf.readAt(offset, len(value))...)
	sum := widenLE(old) ^ widenLE(value)
	s.checksum ^= shiftChecksum(sum, offset)
	s.buf.writeAt(offset, value)
	s.mirrorWriteFixed(s.checksum, offset, value)
	s.scheduleCommit()
}

// putVariable implements §4.4's paths for String/Array/Object values: the
// same-length fast-path overwrite, or the general append+tombstone path,
// plus the internal-limit decision to spill to a sidecar file.
func (s *Store) putVariable(key string, typ Type, body []byte) error {
	if key == "" {
		return ErrEmptyKey
	}
	if len(key) > 255 {
		return ErrKeyTooLarge
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	existing, hasExisting := s.idx.Get(key)
	sameInline := hasExisting && Type(existing.TypeByte&typeMask) == typ && existing.TypeByte&externalMask == 0

	external := len(body) >= s.opts.InternalLimit
	if typ == String && !external && sameInline && len(body) == int(existing.ValueSize) && len(body)*3 < s.opts.InternalLimit {
		s.inPlaceOverwrite(existing, body)
		s.stats.recordPut()
		return nil
	}
	if err := s.appendAndSupersede(key, typ, body, external, hasExisting, existing); err != nil {
		return err
	}
	s.stats.recordPut()
	return nil
}

// inPlaceOverwrite is §4.4's "fast path for short strings": a same-length
// value replaces the old one at the same offset, so only the value bytes
// and the checksum move; the record's position and size are untouched and
// no tombstone is created.
func (s *Store) inPlaceOverwrite(c *containerindex.Container, value []byte) {
	offset := int(c.ValueOffset)
	old := append([]byte(nil), s.buf.readAt(offset, len(value))...)
	oldSum := checksumRange(old, offset)
	s.buf.writeAt(offset, value)
	newSum := checksumRange(value, offset)
	s.checksum ^= oldSum ^ newSum
	s.mirrorWriteFixed(s.checksum, offset, value)
	s.scheduleCommit()
}

// appendAndSupersede implements the general variable-size write path of
// §4.4: the new record is always appended at dataEnd, and any prior record
// for the key is tombstoned in place, so other live records never move.
func (s *Store) appendAndSupersede(key string, typ Type, body []byte, external bool, hasExisting bool, existing *containerindex.Container) error {
	var recordBody []byte
	var typeByte uint8
	var sidecarName string
	var err error
	if external {
		sidecarName, err = newSidecarName()
		if err != nil {
			return err
		}
		recordBody = []byte(sidecarName)
		typeByte = uint8(typ) | externalMask
	} else {
		recordBody = body
		typeByte = uint8(typ)
	}

	updateSize := recordLength(typ, key, recordBody)
	if err := s.ensureSize(updateSize); err != nil {
		return err
	}

	updateStart := s.dataEnd
	s.dataEnd += updateSize
	s.buf.growTo(s.dataEnd)
	container := writeRecord(s.buf, updateStart, typeByte, key, recordBody)

	hasTombstone := false
	tombstoneOffset := 0
	var oldSidecarName string
	oldWasExternal := false
	if hasExisting {
		tombstoneOffset = int(existing.RecordStart)
		oldByte := s.buf.readAt(tombstoneOffset, 1)[0]
		newByte := oldByte | deleteMask
		s.buf.writeAt(tombstoneOffset, []byte{newByte})
		hasTombstone = true
		seg := invalidSegment{Start: existing.RecordStart, End: existing.RecordStart + existing.RecordSize}
		s.invalids = append(s.invalids, seg)
		s.invalidBytes += seg.size()
		s.checksum ^= uint64(newByte^oldByte) << uint((tombstoneOffset&7)*8)

		oldWasExternal = existing.TypeByte&externalMask != 0
		if oldWasExternal {
			oldSidecarName = string(s.buf.readAt(int(existing.ValueOffset), int(existing.ValueSize)))
		}
	}

	s.checksum ^= checksumRange(s.buf.buf[updateStart:updateStart+updateSize], updateStart)
	s.idx.Put(key, container)

	ranges := []byteRange{{updateStart, updateSize}}
	if hasTombstone {
		ranges = append(ranges, byteRange{tombstoneOffset, 1})
	}
	s.mirrorWrite(s.dataEnd-dataStart, s.checksum, ranges)
	s.scheduleCommit()

	if external {
		payload := append([]byte(nil), body...)
		s.tagExec.Submit(key, func() {
			if err := s.writeSidecarNamed(sidecarName, payload); err != nil && s.logger != nil {
				s.logger.Error("store.appendAndSupersede", err)
			}
		})
		s.bigValueCache.set(key, payload)
	} else if hasExisting {
		s.bigValueCache.delete(key)
	}
	if oldWasExternal {
		s.deleteSidecarAsync(key, oldSidecarName)
	}

	s.maybeRunGC()
	return nil
}

// ensureSize implements §4.4 step 1: grow or garbage-collect so that the
// next record fits before dataEnd+updateSize would cross capacity.
func (s *Store) ensureSize(updateSize int) error {
	if s.dataEnd+updateSize > dataStart+dataSizeLimit {
		return ErrValueTooLarge
	}
	if s.dataEnd+updateSize < s.capacity {
		return nil
	}
	if int(s.invalidBytes) > updateSize && int(s.invalidBytes) > bytesThreshold(s.dataEnd) {
		s.runGC()
		if s.dataEnd+updateSize < s.capacity {
			return nil
		}
	}
	return s.grow(s.dataEnd + updateSize)
}

// grow enlarges the in-memory buffer and, in NON_BLOCKING mode, remaps both
// mirror files to the new capacity (§4.3).
func (s *Store) grow(want int) error {
	newCap := getNewCapacity(s.capacity, want)
	s.buf.ensureCap(newCap)
	if s.mode == modeNonBlocking {
		if err := s.a.remap(newCap); err != nil {
			s.degradeToAsyncBlocking(err)
			return nil
		}
		if err := s.b.remap(newCap); err != nil {
			s.degradeToAsyncBlocking(err)
			return nil
		}
	}
	s.capacity = newCap
	return nil
}

// maybeRunGC implements §4.5's threshold-crossing trigger, independent of
// whether the current write actually needed the room.
func (s *Store) maybeRunGC() {
	if int(s.invalidBytes) >= 2*bytesThreshold(s.dataEnd) || len(s.invalids) >= segmentCountThreshold(s.dataEnd) {
		s.runGC()
	}
}

// getFixedValue reads a fixed-size primitive's raw value bytes.
func (s *Store) getFixedValue(key string, typ Type) ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.idx.Get(key)
	if !ok {
		return nil, ErrNotFound
	}
	if Type(c.TypeByte&typeMask) != typ {
		return nil, ErrTypeMismatch
	}
	s.stats.recordGet()
	return append([]byte(nil), s.buf.readAt(int(c.ValueOffset), int(c.ValueSize))...), nil
}

// getVariableBody reads a String/Array/Object value's raw body bytes,
// resolving external (sidecar) storage and consulting the caches of §5.
func (s *Store) getVariableBody(key string, typ Type) ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.idx.Get(key)
	if !ok {
		return nil, ErrNotFound
	}
	if Type(c.TypeByte&typeMask) != typ {
		return nil, ErrTypeMismatch
	}
	s.stats.recordGet()
	if c.TypeByte&externalMask != 0 {
		if v, ok := s.bigValueCache.get(key); ok {
			return v, nil
		}
		name := string(s.buf.readAt(int(c.ValueOffset), int(c.ValueSize)))
		data, err := s.readSidecar(name)
		if err != nil {
			// §7 "Sidecar read failure": readSidecar already logged; the
			// documented recovery is an empty/default value, not a
			// propagated error, so a missing or unreadable sidecar file
			// behaves like an empty String/Array/Object rather than
			// failing the Get outright.
			return []byte{}, nil
		}
		cp := append([]byte(nil), data...)
		s.bigValueCache.set(key, cp)
		return cp, nil
	}
	return append([]byte(nil), s.buf.readAt(int(c.ValueOffset), int(c.ValueSize))...), nil
}

// Remove tombstones key's record, evicts any caches for it, and, if it was
// external, schedules the sidecar file's deletion (§4.4).
func (s *Store) Remove(key string) error {
	if key == "" {
		return ErrEmptyKey
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.idx.Get(key)
	if !ok {
		return ErrNotFound
	}

	start := int(c.RecordStart)
	oldByte := s.buf.readAt(start, 1)[0]
	newByte := oldByte | deleteMask
	s.buf.writeAt(start, []byte{newByte})
	s.checksum ^= uint64(newByte^oldByte) << uint((start&7)*8)

	seg := invalidSegment{Start: c.RecordStart, End: c.RecordStart + c.RecordSize}
	s.invalids = append(s.invalids, seg)
	s.invalidBytes += seg.size()

	external := c.TypeByte&externalMask != 0
	var sidecarName string
	if external {
		sidecarName = string(s.buf.readAt(int(c.ValueOffset), int(c.ValueSize)))
	}
	s.idx.Delete(key)

	s.mirrorWrite(s.dataEnd-dataStart, s.checksum, []byteRange{{start, 1}})
	s.scheduleCommit()

	if external {
		s.deleteSidecarAsync(key, sidecarName)
	} else {
		s.bigValueCache.delete(key)
	}
	s.stats.recordRemove()
	s.maybeRunGC()
	return nil
}

func (s *storeStats) recordPut() {
	s.mu.Lock()
	s.puts++
	s.mu.Unlock()
}

func (s *storeStats) recordGet() {
	s.mu.Lock()
	s.gets++
	s.mu.Unlock()
}

func (s *storeStats) recordRemove() {
	s.mu.Lock()
	s.removes++
	s.mu.Unlock()
}

func (s *storeStats) recordGC() {
	s.mu.Lock()
	s.gcRuns++
	s.mu.Unlock()
}
