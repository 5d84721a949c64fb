package kvengine

import (
	"fmt"
	"os"

	"github.com/brimstore/kvengine/containerindex"
	"github.com/gholt/brimtext"
)

// storeStatsSnapshot is the immutable result of Stats, formatted the way the
// teacher's ValuesStoreStats renders its counters via brimtext.Align.
type storeStatsSnapshot struct {
	debug bool

	puts    int64
	gets    int64
	removes int64
	gcRuns  int64

	keys         int
	dataSize     int
	capacity     int
	invalidBytes uint32
	invalidSegs  int
	mode         writingMode
}

func (st *storeStatsSnapshot) String() string {
	rows := [][]string{
		{"keys", fmt.Sprintf("%d", st.keys)},
		{"dataSize", fmt.Sprintf("%d", st.dataSize)},
		{"capacity", fmt.Sprintf("%d", st.capacity)},
		{"mode", st.mode.String()},
	}
	if st.debug {
		rows = append(rows,
			[]string{"puts", fmt.Sprintf("%d", st.puts)},
			[]string{"gets", fmt.Sprintf("%d", st.gets)},
			[]string{"removes", fmt.Sprintf("%d", st.removes)},
			[]string{"gcRuns", fmt.Sprintf("%d", st.gcRuns)},
			[]string{"invalidBytes", fmt.Sprintf("%d", st.invalidBytes)},
			[]string{"invalidSegments", fmt.Sprintf("%d", st.invalidSegs)},
		)
	}
	return brimtext.Align(rows, nil)
}

// Stats reports the store's counters and a summary of its current data
// region. When debug is false, only the high-level shape is included;
// when true, the full mutation/GC counters are added too, mirroring the
// teacher's GatherStats(debug bool).
func (s *Store) Stats(debug bool) fmt.Stringer {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.stats.mu.Lock()
	snap := &storeStatsSnapshot{
		debug:        debug,
		puts:         s.stats.puts,
		gets:         s.stats.gets,
		removes:      s.stats.removes,
		gcRuns:       s.stats.gcRuns,
		keys:         s.idx.Len(),
		dataSize:     s.dataEnd - dataStart,
		capacity:     s.capacity,
		invalidBytes: s.invalidBytes,
		invalidSegs:  len(s.invalids),
		mode:         s.mode,
	}
	s.stats.mu.Unlock()
	return snap
}

// Verify walks every live record and recomputes the invariants of §8: that
// the buffer's recorded checksum matches the bytes actually present, that
// every container's offsets fall within the data region, and that external
// records' sidecar files exist. It is a synchronous, on-demand check,
// scoped down from the teacher's always-on background AuditPass to a
// single-process call a caller makes when it wants one.
func (s *Store) Verify() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	computed := checksumRange(s.buf.buf[dataStart:s.dataEnd], dataStart)
	if computed != s.checksum {
		return fmt.Errorf("%w: checksum mismatch (stored %#x, computed %#x)", ErrCorrupt, s.checksum, computed)
	}

	var verifyErr error
	s.idx.Range(func(key string, c *containerindex.Container) bool {
		if int(c.RecordStart) < dataStart || int(c.RecordStart)+int(c.RecordSize) > s.dataEnd {
			verifyErr = fmt.Errorf("%w: record for key %q out of bounds", ErrCorrupt, key)
			return false
		}
		if int(c.ValueOffset)+int(c.ValueSize) > int(c.RecordStart)+int(c.RecordSize) {
			verifyErr = fmt.Errorf("%w: value for key %q exceeds its record", ErrCorrupt, key)
			return false
		}
		if c.TypeByte&externalMask != 0 {
			name := string(s.buf.readAt(int(c.ValueOffset), int(c.ValueSize)))
			if _, err := os.Stat(s.sidecarPath(name)); err != nil {
				verifyErr = fmt.Errorf("%w: sidecar file for key %q missing: %v", ErrCorrupt, key, err)
				return false
			}
		}
		return true
	})
	return verifyErr
}
