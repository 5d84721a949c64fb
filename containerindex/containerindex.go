// Package containerindex provides the in-memory key -> on-disk-location
// index that sits in front of a kvengine store's byte buffer.
//
// It is the direct descendant of gholt/valuelocmap's split/unsplit node
// tree, cut down to fit the engine's concurrency model: kvengine serializes
// every mutating and reading operation behind a single store-level mutex
// (see its design notes), so the elaborate lock-free sharded tree
// valuelocmap needs for unsynchronized concurrent access has no job to do
// here. What survives from valuelocmap is its functional-options
// constructor shape and its notion of a container holding a value's current
// on-disk location rather than the value itself.
package containerindex

import "sort"

// Container records where a live record currently lives in a store's data
// region: its full span (RecordStart, RecordSize) for tombstoning and GC
// bookkeeping, and its value's own span (ValueOffset, ValueSize) for reads
// and in-place fixed-size updates.
type Container struct {
	// TypeByte is the on-disk type byte as last written, including the
	// external flag but never the delete flag (a deleted key has no
	// container).
	TypeByte uint8
	// RecordStart is the offset of the record's type byte.
	RecordStart uint32
	// RecordSize is the total length of the record on disk, used to
	// tombstone it in place when it is superseded.
	RecordSize uint32
	// ValueOffset is the offset of the value body (fixed-size payload, or
	// the length-prefixed variable payload's first content byte).
	ValueOffset uint32
	// ValueSize is the length of the value body in bytes.
	ValueSize uint32
}

func (c Container) recordEnd() uint32 { return c.RecordStart + c.RecordSize }

type config struct {
	initialCapacity int
}

// Option configures a new Index.
type Option func(*config)

// OptInitialCapacity pre-sizes the backing map, mirroring valuelocmap's
// OptPageSize knob for avoiding early map growth on known-large stores.
func OptInitialCapacity(n int) Option {
	return func(c *config) { c.initialCapacity = n }
}

// Index maps string keys to Containers. It is not safe for concurrent use;
// callers (kvengine.Store) are expected to hold their own lock for the
// duration of any call, the same way a valuelocmap caller would coordinate
// around resizes.
type Index struct {
	m map[string]*Container
}

// New builds an empty Index.
func New(opts ...Option) *Index {
	cfg := &config{initialCapacity: 64}
	for _, opt := range opts {
		opt(cfg)
	}
	if cfg.initialCapacity < 0 {
		cfg.initialCapacity = 0
	}
	return &Index{m: make(map[string]*Container, cfg.initialCapacity)}
}

// Get returns the container for key, if any.
func (ix *Index) Get(key string) (*Container, bool) {
	c, ok := ix.m[key]
	return c, ok
}

// Put installs (or replaces) the container for key.
func (ix *Index) Put(key string, c Container) {
	ix.m[key] = &c
}

// Delete removes key's container, if any.
func (ix *Index) Delete(key string) {
	delete(ix.m, key)
}

// Len returns the number of live keys.
func (ix *Index) Len() int { return len(ix.m) }

// Range calls fn for every (key, container) pair. fn must not mutate the
// Index; it returns false to stop early.
func (ix *Index) Range(fn func(key string, c *Container) bool) {
	for k, c := range ix.m {
		if !fn(k, c) {
			return
		}
	}
}

// Shift describes one compacted-away span discovered during GC: bytes at or
// after Src moved left by Amount bytes.
type Shift struct {
	Src    uint32
	Amount uint32
}

// ApplyShifts repairs every container's offsets after a GC compaction pass.
// shifts must be sorted ascending by Src. For each container whose
// RecordStart is past gcStart, it finds the largest Src <= RecordStart and
// subtracts that shift's Amount from both RecordStart and ValueOffset, per
// §4.5 step 6.
func (ix *Index) ApplyShifts(gcStart uint32, shifts []Shift) {
	if len(shifts) == 0 {
		return
	}
	for _, c := range ix.m {
		if c.RecordStart <= gcStart {
			continue
		}
		i := sort.Search(len(shifts), func(i int) bool { return shifts[i].Src > c.RecordStart })
		if i == 0 {
			continue
		}
		amount := shifts[i-1].Amount
		c.RecordStart -= amount
		c.ValueOffset -= amount
	}
}
