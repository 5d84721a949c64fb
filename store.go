package kvengine

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/brimstore/kvengine/containerindex"
)

// registryMu and registry back Open's path+name dedup (§3 Lifecycle,
// "deduplicates by path+name (process-wide single instance per store)").
var (
	registryMu sync.Mutex
	registry   = map[string]*Store{}
)

// Store is an embedded, crash-consistent key-value engine instance. All
// exported methods are safe for concurrent use.
type Store struct {
	mu         sync.Mutex
	loaderCond *sync.Cond

	path string
	name string

	opts *Opts
	logger Logger
	encoders *encoderRegistry

	mode       writingMode
	autoCommit bool

	buf          *byteBuffer
	dataEnd      int // DATA_START + dataSize
	capacity     int
	checksum     uint64
	idx          *containerindex.Index
	invalids     []invalidSegment
	invalidBytes uint32

	a, b *mmapRegion // only set in modeNonBlocking

	pool      *workerPool
	applyExec *singleSlotExecutor
	tagExec   *perKeyExecutor

	externalCache *hintCache
	bigValueCache *hintCache

	pendingDeletes []string // sidecar files to remove once a blocking commit lands

	stats storeStats
}

type storeStats struct {
	mu      sync.Mutex
	puts    int64
	gets    int64
	removes int64
	gcRuns  int64
	errors  int64
}

// Open returns the Store for (path, name), creating and loading it if this
// is the first Open for that canonicalized pair in the process, or
// returning the existing instance otherwise (§3 Lifecycle, §8 property 8
// "Singleton per path+name").
func Open(path, name string, opts ...Option) (*Store, error) {
	o := resolveOpts(opts...)
	key, err := canonicalKey(path, name)
	if err != nil {
		return nil, err
	}

	registryMu.Lock()
	if existing, ok := registry[key]; ok {
		registryMu.Unlock()
		return existing, nil
	}
	s := &Store{
		path:     path,
		name:     name,
		opts:     o,
		logger:   o.Logger,
		encoders: newEncoderRegistry(),
		idx:      containerindex.New(),
		autoCommit: true,
	}
	s.loaderCond = sync.NewCond(&s.mu)
	s.pool = newWorkerPool(o.Workers)
	s.applyExec = newSingleSlotExecutor(s.pool)
	s.tagExec = newPerKeyExecutor(s.pool)
	s.externalCache = newHintCache()
	s.bigValueCache = newHintCache()
	registry[key] = s
	registryMu.Unlock()

	for _, e := range o.Encoders {
		if err := s.encoders.register(e); err != nil {
			return nil, err
		}
	}

	if err := os.MkdirAll(path, 0o755); err != nil {
		registryMu.Lock()
		delete(registry, key)
		registryMu.Unlock()
		return nil, err
	}

	// §5 "Load race": hold the lock, launch the loader, and wait for it
	// to signal that it has taken the lock itself before returning to the
	// caller. The loader then keeps the lock for the whole parse, so no
	// caller can observe the Store mid-load.
	s.mu.Lock()
	loaderStarted := false
	go func() {
		s.mu.Lock()
		loaderStarted = true
		s.loaderCond.Signal()
		s.doLoad()
		s.mu.Unlock()
	}()
	for !loaderStarted {
		s.loaderCond.Wait()
	}
	s.mu.Unlock()

	return s, nil
}

func canonicalKey(path, name string) (string, error) {
	abs, err := filepath.Abs(path)
	if err != nil {
		return "", err
	}
	return abs + "\x00" + name, nil
}

func (s *Store) filePath(suffix string) string {
	return filepath.Join(s.path, s.name+suffix)
}

func (s *Store) sidecarDir() string {
	return filepath.Join(s.path, s.name)
}

// doLoad runs once, under s.mu, as the background loader (§3, §5). It picks
// the freshest valid source among a committed single-file image and the
// A/B mirrors, or resets to empty if none validates.
func (s *Store) doLoad() {
	if data, ok := s.tryLoadSingleFile(); ok {
		if !s.opts.ForceBlocking {
			if err := s.materializeIntoMirrors(data); err != nil {
				if s.logger != nil {
					s.logger.Error("store.doLoad", err)
				}
				s.mode = modeAsyncBlocking
			}
			return
		}
		s.mode = s.preferredBlockingMode()
		return
	}

	if !s.opts.ForceBlocking {
		if err := s.openMirrors(); err == nil {
			return
		} else if s.logger != nil {
			s.logger.Error("store.doLoad", err)
		}
	}

	s.resetEmpty()
	s.mode = s.preferredBlockingMode()
}

func (s *Store) preferredBlockingMode() writingMode {
	if s.opts.SyncBlocking {
		return modeSyncBlocking
	}
	return modeAsyncBlocking
}

// resetEmpty initializes an empty in-memory data region, used both for a
// brand-new store and as the last resort when no image validates (§4.3,
// "if both are invalid, reset the store to empty").
func (s *Store) resetEmpty() {
	s.buf = newByteBuffer(pageSize)
	s.buf.growTo(dataStart)
	s.dataEnd = dataStart
	s.capacity = pageSize
	s.checksum = 0
	s.idx = containerindex.New()
	s.invalids = nil
	s.invalidBytes = 0
}

// tryLoadSingleFile attempts to recover from a committed blocking-mode
// image, preferring the durable .kvc over a possibly-torn .tmp (§4.3,
// "Before A/B, if a committed single-file image... exists, load from it
// first"). The file was written through a brimutil.ChecksummedWriter
// (writeToCFile), so it is read back the same way, through a matching
// brimutil.ChecksummedReader, rather than a plain os.ReadFile.
func (s *Store) tryLoadSingleFile() ([]byte, bool) {
	for _, suffix := range []string{".kvc", ".tmp"} {
		p := s.filePath(suffix)
		data, err := readCFile(p)
		if err != nil {
			continue
		}
		ds, cs, idx, inv, ib, ok := validateImage(data, s.encoders, s.logger)
		if !ok {
			if s.logger != nil {
				s.logger.Warning("store.tryLoadSingleFile", fmt.Errorf("%w: %s", ErrCorrupt, p))
			}
			continue
		}
		s.dataEnd = dataStart + ds
		s.checksum = cs
		s.idx = idx
		s.invalids = inv
		s.invalidBytes = ib
		s.capacity = getNewCapacity(0, s.dataEnd)
		s.buf = newByteBuffer(s.capacity)
		s.buf.growTo(s.dataEnd)
		copy(s.buf.buf, data[:s.dataEnd])
		return data, true
	}
	return nil, false
}

// materializeIntoMirrors turns a loaded single-file image into the A/B
// mirrored layout and removes the single-file artifacts, per §4.3.
func (s *Store) materializeIntoMirrors(_ []byte) error {
	cap := getNewCapacity(0, s.dataEnd)
	a, err := createOrOpenMirror(s.filePath(".kva"), cap)
	if err != nil {
		return err
	}
	b, err := createOrOpenMirror(s.filePath(".kvb"), cap)
	if err != nil {
		a.close()
		return err
	}
	a.writeDataSize(int32(s.dataEnd - dataStart))
	a.writeChecksum(s.checksum)
	a.writeAt(dataStart, s.buf.buf[dataStart:s.dataEnd])
	b.writeDataSize(int32(s.dataEnd - dataStart))
	b.writeChecksum(s.checksum)
	b.writeAt(dataStart, s.buf.buf[dataStart:s.dataEnd])
	s.a, s.b = a, b
	s.capacity = cap
	s.mode = modeNonBlocking
	os.Remove(s.filePath(".kvc"))
	os.Remove(s.filePath(".tmp"))
	return nil
}

// openMirrors implements the A/B recovery policy of §4.3.
func (s *Store) openMirrors() error {
	a, err := createOrOpenMirror(s.filePath(".kva"), pageSize)
	if err != nil {
		return err
	}
	b, err := createOrOpenMirror(s.filePath(".kvb"), pageSize)
	if err != nil {
		a.close()
		return err
	}
	cap := a.capacity
	if b.capacity > cap {
		cap = b.capacity
	}
	if a.capacity != cap {
		if err := a.remap(cap); err != nil {
			a.close()
			b.close()
			return err
		}
	}
	if b.capacity != cap {
		if err := b.remap(cap); err != nil {
			a.close()
			b.close()
			return err
		}
	}

	dsA, csA, idxA, invA, ibA, okA := validateImage(a.data, s.encoders, s.logger)
	useA := okA
	if !okA {
		dsB, csB, idxB, invB, ibB, okB := validateImage(b.data, s.encoders, s.logger)
		if okB {
			dsA, csA, idxA, invA, ibA = dsB, csB, idxB, invB, ibB
		} else {
			if s.logger != nil {
				s.logger.Warning("store.openMirrors", ErrCorrupt)
			}
			dsA, csA, idxA, invA, ibA = 0, 0, containerindex.New(), nil, 0
			a.writeDataSize(0)
			a.writeChecksum(0)
			b.writeDataSize(0)
			b.writeChecksum(0)
			useA = true
		}
	}

	s.capacity = cap
	s.dataEnd = dataStart + dsA
	s.checksum = csA
	s.idx = idxA
	s.invalids = invA
	s.invalidBytes = ibA
	s.buf = newByteBuffer(cap)
	s.buf.growTo(s.dataEnd)
	if useA {
		copy(s.buf.buf, a.data[:s.dataEnd])
	} else {
		copy(s.buf.buf, b.data[:s.dataEnd])
	}
	s.a, s.b = a, b
	s.mode = modeNonBlocking

	var authoritative, other *mmapRegion
	if useA {
		authoritative, other = a, b
	} else {
		authoritative, other = b, a
	}
	if !bytes.Equal(authoritative.data[:s.dataEnd], other.data[:s.dataEnd]) {
		other.writeDataSize(int32(s.dataEnd - dataStart))
		other.writeChecksum(s.checksum)
		other.writeAt(dataStart, s.buf.buf[dataStart:s.dataEnd])
	}
	return nil
}

// validateImage checks the §3 invariants for a candidate data image: header
// size sanity, checksum match, and a clean parseData pass.
func validateImage(data []byte, encoders *encoderRegistry, logger Logger) (dataSize int, checksum uint64, idx *containerindex.Index, invalids []invalidSegment, invalidBytes uint32, ok bool) {
	if len(data) < dataStart {
		return 0, 0, nil, nil, 0, false
	}
	ds := int32(binary.LittleEndian.Uint32(data[0:4]))
	if ds < 0 || dataStart+int(ds) > len(data) {
		return 0, 0, nil, nil, 0, false
	}
	dataSize = int(ds)
	checksum = binary.LittleEndian.Uint64(data[4:12])
	computed := checksumRange(data[dataStart:dataStart+dataSize], dataStart)
	if computed != checksum {
		return 0, 0, nil, nil, 0, false
	}
	idx, invalids, invalidBytes, err := parseData(data, dataStart, dataStart+dataSize, encoders, logger)
	if err != nil {
		return 0, 0, nil, nil, 0, false
	}
	return dataSize, checksum, idx, invalids, invalidBytes, true
}

// Close releases the store's file descriptors and mmap regions and drops
// it from the process-wide registry. Ongoing mutation semantics never
// require a close (§3 Lifecycle); this exists for orderly process shutdown
// and tests, mirroring the teacher's Store.Shutdown().
func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	var err error
	if s.a != nil {
		err = s.a.close()
		s.a = nil
	}
	if s.b != nil {
		if cerr := s.b.close(); err == nil {
			err = cerr
		}
		s.b = nil
	}
	key, _ := canonicalKey(s.path, s.name)
	registryMu.Lock()
	delete(registry, key)
	registryMu.Unlock()
	return err
}
