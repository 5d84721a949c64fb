// Package kvengine provides an embedded, single-process, crash-consistent
// key-value engine. It stores a typed map from string keys to primitive and
// binary values in a pair of memory-mapped files (the "mirrored file
// store"), mutating records in place when possible and appending plus
// tombstoning when a value's size changes. A compacting garbage collector
// reclaims tombstoned byte ranges so the backing files do not grow without
// bound.
//
// Each key is a string of at most 255 UTF-8 bytes. Values are one of
// Boolean, Int, Float, Long, Double, String, Array (raw bytes) or Object (an
// application type encoded through a registered Encoder). Strings, arrays
// and objects whose encoded size reaches the configured internal limit are
// spilled to a sidecar file next to the main store rather than kept inline.
//
// All operations on a Store are safe for concurrent use; they are
// serialized internally by a single mutex, so there is no need for external
// locking. A Store is obtained through Open, which deduplicates by the
// canonicalized (path, name) pair: two Opens of the same store return the
// same *Store.
//
// On mmap I/O failure, a Store degrades from its non-blocking mirrored mode
// to a blocking mode that commits the whole in-memory buffer to a single
// file on rename; there is no path back to non-blocking mode once that
// happens.
package kvengine
