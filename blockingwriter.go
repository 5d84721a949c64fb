package kvengine

import (
	"io"
	"os"

	"github.com/spaolacci/murmur3"
	"gopkg.in/gholt/brimutil.v1"
)

// blockingWriterChecksumInterval is the interval, in bytes, at which
// writeToCFile's brimutil.ChecksummedWriter interleaves its own rolling
// murmur3 checksum into the temp file, the same role checksumInterval plays
// for the teacher's ValueDirectFile/ValuesStore value files.
const blockingWriterChecksumInterval = 64 * 1024

// writeToCFile commits the whole in-memory buffer to a temp file and
// atomically renames it over the committed image (§4.6). The rename is the
// commit point: if it fails, the buffer keeps its intended state and the
// next commit retries (§7, "Commit rename failure").
//
// The temp file is written through a brimutil.ChecksummedWriter rather than
// a plain os.WriteFile, the way ValueDirectFile.VerifyHeaderAndTrailer wraps
// its write-seeker: this gives the on-disk bytes their own interval
// checksums independent of the header checksum already carried in the
// buffer (§4.1), so a read back through the matching ChecksummedReader can
// catch storage-level corruption the header checksum alone wouldn't
// localize to a byte range.
func (s *Store) writeToCFile() error {
	tmp := s.filePath(".tmp")
	kvc := s.filePath(".kvc")
	s.buf.writeI32At(0, int32(s.dataEnd-dataStart))
	s.buf.writeU64At(4, s.checksum)

	fp, err := os.OpenFile(tmp, os.O_CREATE|os.O_TRUNC|os.O_RDWR, 0o644)
	if err != nil {
		return err
	}
	w := brimutil.NewChecksummedWriter(fp, blockingWriterChecksumInterval, murmur3.New32)
	if _, err := w.Write(s.buf.buf[:s.dataEnd]); err != nil {
		w.Close()
		fp.Close()
		os.Remove(tmp)
		return err
	}
	if err := w.Close(); err != nil {
		fp.Close()
		os.Remove(tmp)
		return err
	}

	if err := os.Rename(tmp, kvc); err != nil {
		return err
	}
	s.clearDeletedFiles()
	return nil
}

// readCFile reads back a file written by writeToCFile, undoing its
// brimutil.ChecksummedWriter framing through the matching
// brimutil.ChecksummedReader so the caller gets the original header+data
// bytes rather than the interval-checksum-interleaved on-disk stream.
func readCFile(path string) ([]byte, error) {
	fp, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	r := brimutil.NewChecksummedReader(fp, blockingWriterChecksumInterval, murmur3.New32)
	data, err := io.ReadAll(r)
	r.Close()
	if err != nil {
		return nil, err
	}
	return data, nil
}

// commit persists the buffer in a blocking mode. Must be called with s.mu
// held.
func (s *Store) commit() error {
	if s.mode == modeNonBlocking {
		return nil
	}
	if err := s.writeToCFile(); err != nil {
		if s.logger != nil {
			s.logger.Error("store.commit", err)
		}
		return err
	}
	s.autoCommit = true
	return nil
}

// scheduleCommit arranges for the buffer to be persisted after a mutation,
// following the writing mode's commit discipline (§4.6, §4.7, §5's apply
// executor): SYNC_BLOCKING commits inline before the mutating call
// returns, ASYNC_BLOCKING schedules it on the single-slot apply executor so
// the caller isn't blocked on disk I/O, and NON_BLOCKING has nothing to do
// since mirrorWrite already persisted the change. Must be called with s.mu
// held; the scheduled task re-acquires it.
func (s *Store) scheduleCommit() {
	if !s.autoCommit {
		return
	}
	switch s.mode {
	case modeNonBlocking:
		return
	case modeSyncBlocking:
		if err := s.writeToCFile(); err != nil && s.logger != nil {
			s.logger.Error("store.scheduleCommit", err)
		}
	case modeAsyncBlocking:
		s.applyExec.Submit(func() {
			s.mu.Lock()
			defer s.mu.Unlock()
			if err := s.writeToCFile(); err != nil && s.logger != nil {
				s.logger.Error("store.scheduleCommit", err)
			}
		})
	}
}

// DisableAutoCommit suspends the per-mutation commit in a blocking mode so
// a batch of writes can be flushed once via Commit (§4.6).
func (s *Store) DisableAutoCommit() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.autoCommit = false
}

// Commit flushes the buffer to disk immediately in a blocking mode and
// restores auto-commit. It is a no-op in NON_BLOCKING mode, where every
// mutation is already durable once it returns.
func (s *Store) Commit() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.commit()
}
