package kvengine

import (
	"sort"

	"github.com/brimstore/kvengine/containerindex"
)

// runGC implements the compaction pass of §4.5: merge adjacent tombstoned
// spans, slide every live byte after the first one leftward to close the
// gaps, repair the container index's offsets, and persist the result. Must
// be called with s.mu held.
func (s *Store) runGC() {
	if len(s.invalids) == 0 {
		return
	}
	sort.Slice(s.invalids, func(i, j int) bool { return s.invalids[i].Start < s.invalids[j].Start })
	merged := s.invalids[:0:0]
	for _, seg := range s.invalids {
		if n := len(merged); n > 0 && merged[n-1].End == seg.Start {
			merged[n-1].End = seg.End
		} else {
			merged = append(merged, seg)
		}
	}

	gcStart := int(merged[0].Start)
	oldDataEnd := s.dataEnd

	// Snapshot the bytes of [gcStart, oldDataEnd) before compaction
	// overwrites them, so the "incremental" checksum branch below can still XOR out
	// their contribution afterward.
	oldRange := append([]byte(nil), s.buf.buf[gcStart:oldDataEnd]...)
	oldRangeChecksum := checksumRange(oldRange, gcStart)

	writePos := gcStart
	readPos := gcStart
	shifts := make([]containerindex.Shift, 0, len(merged))
	var cumulative uint32
	for _, seg := range merged {
		if n := int(seg.Start) - readPos; n > 0 {
			copy(s.buf.buf[writePos:writePos+n], s.buf.buf[readPos:readPos+n])
			writePos += n
		}
		cumulative += seg.size()
		shifts = append(shifts, containerindex.Shift{Src: seg.End, Amount: cumulative})
		readPos = int(seg.End)
	}
	if n := oldDataEnd - readPos; n > 0 {
		copy(s.buf.buf[writePos:writePos+n], s.buf.buf[readPos:readPos+n])
		writePos += n
	}
	newDataEnd := writePos
	s.buf.buf = s.buf.buf[:newDataEnd]

	compactedRange := oldDataEnd - gcStart
	updatedRange := newDataEnd - gcStart
	newDataSize := newDataEnd - dataStart
	if newDataSize < compactedRange+updatedRange {
		// The touched span is large relative to the whole data region;
		// a full rescan is cheaper than bookkeeping the XOR deltas.
		s.checksum = checksumRange(s.buf.buf[dataStart:newDataEnd], dataStart)
	} else {
		newRangeChecksum := checksumRange(s.buf.buf[gcStart:newDataEnd], gcStart)
		s.checksum ^= oldRangeChecksum ^ newRangeChecksum
	}

	s.idx.ApplyShifts(uint32(gcStart), shifts)
	s.dataEnd = newDataEnd
	s.invalids = nil
	s.invalidBytes = 0

	s.mirrorWrite(newDataSize, s.checksum, []byteRange{{gcStart, newDataEnd - gcStart}})
	s.scheduleCommit()
	s.stats.recordGC()

	s.maybeTruncate()
}

// maybeTruncate implements §4.3's truncation policy: once the slack between
// the live data region and the backing capacity grows past
// truncateThreshold, shrink the buffer (and, in NON_BLOCKING mode, remap
// both mirror files) back down to a capacity sized for the current data
// plus one page of headroom.
func (s *Store) maybeTruncate() {
	if s.capacity-s.dataEnd <= truncateThreshold {
		return
	}
	newCap := getNewCapacity(pageSize, s.dataEnd+pageSize)
	if newCap >= s.capacity {
		return
	}
	if s.mode == modeNonBlocking {
		if err := s.a.remap(newCap); err != nil {
			s.degradeToAsyncBlocking(err)
			return
		}
		if err := s.b.remap(newCap); err != nil {
			s.degradeToAsyncBlocking(err)
			return
		}
	}
	if newCap < len(s.buf.buf) {
		newCap = len(s.buf.buf)
	}
	nb := make([]byte, len(s.buf.buf), newCap)
	copy(nb, s.buf.buf)
	s.buf.buf = nb
	s.capacity = newCap
}
