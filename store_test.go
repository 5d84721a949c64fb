package kvengine

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/brimstore/kvengine/containerindex"
)

func mustOpen(t *testing.T, dir, name string, opts ...Option) *Store {
	t.Helper()
	opts = append([]Option{OptLogger(DiscardLogger)}, opts...)
	s, err := Open(dir, name, opts...)
	if err != nil {
		t.Fatalf("Open(%s,%s): %v", dir, name, err)
	}
	return s
}

// S1: an overwritten fixed-size key is updated in place, so no tombstoned
// bytes accumulate before reopen, and none appear after a fresh parse.
func TestScenarioS1FixedUpdateTombstoneAccounting(t *testing.T) {
	dir := t.TempDir()
	s := mustOpen(t, dir, "s1")

	if err := s.PutInt("a", 1); err != nil {
		t.Fatalf("PutInt a=1: %v", err)
	}
	if err := s.PutInt("b", 2); err != nil {
		t.Fatalf("PutInt b=2: %v", err)
	}
	if err := s.PutInt("a", 3); err != nil {
		t.Fatalf("PutInt a=3: %v", err)
	}

	// putInt("a", 3) finds an existing same-type container for "a" and
	// takes the fixed-size in-place update path (§4.4), not append+
	// tombstone, so no invalid bytes accumulate from it.
	if s.invalidBytes != 0 {
		t.Fatalf("invalidBytes before reopen = %d, want 0 (in-place fixed update creates no tombstone)", s.invalidBytes)
	}

	if err := s.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	s = mustOpen(t, dir, "s1")
	defer s.Close()

	a, err := s.GetInt("a")
	if err != nil || a != 3 {
		t.Fatalf("GetInt(a) = %d, %v; want 3, nil", a, err)
	}
	b, err := s.GetInt("b")
	if err != nil || b != 2 {
		t.Fatalf("GetInt(b) = %d, %v; want 2, nil", b, err)
	}
	if s.invalidBytes != 0 {
		t.Fatalf("invalidBytes after reopen = %d, want 0 (fresh parse skips tombstones)", s.invalidBytes)
	}
}

// S2: different-length string overwrite takes the append+tombstone path.
func TestScenarioS2DifferentLengthStringAppends(t *testing.T) {
	dir := t.TempDir()
	s := mustOpen(t, dir, "s2")
	defer s.Close()

	if err := s.PutString("k", "x"); err != nil {
		t.Fatalf("PutString x: %v", err)
	}
	if err := s.PutString("k", "yy"); err != nil {
		t.Fatalf("PutString yy: %v", err)
	}
	got, err := s.GetString("k")
	if err != nil || got != "yy" {
		t.Fatalf("GetString(k) = %q, %v; want yy, nil", got, err)
	}
	if s.invalidBytes == 0 {
		t.Fatalf("invalidBytes = 0, want > 0 (the record for x should be tombstoned)")
	}
}

// S3: same-length string overwrite takes the in-place fast path: record
// position is unchanged and no tombstone is created.
func TestScenarioS3SameLengthStringInPlace(t *testing.T) {
	dir := t.TempDir()
	s := mustOpen(t, dir, "s3")
	defer s.Close()

	if err := s.PutString("k", "a"); err != nil {
		t.Fatalf("PutString a: %v", err)
	}
	before, ok := s.idx.Get("k")
	if !ok {
		t.Fatal("key k missing after first put")
	}
	beforeStart := before.RecordStart

	if err := s.PutString("k", "b"); err != nil {
		t.Fatalf("PutString b: %v", err)
	}
	got, err := s.GetString("k")
	if err != nil || got != "b" {
		t.Fatalf("GetString(k) = %q, %v; want b, nil", got, err)
	}
	after, ok := s.idx.Get("k")
	if !ok {
		t.Fatal("key k missing after second put")
	}
	if after.RecordStart != beforeStart {
		t.Fatalf("RecordStart changed from %d to %d; same-length overwrite must not move the record", beforeStart, after.RecordStart)
	}
	if s.invalidBytes != 0 {
		t.Fatalf("invalidBytes = %d, want 0 (fast-path overwrite tombstones nothing)", s.invalidBytes)
	}
}

// S4: enough removals cross the invalid-segment-count threshold and GC
// fires, after which dataEnd matches exactly the sum of live record sizes
// and every surviving key is still readable.
func TestScenarioS4GCCompactsAfterManyRemoves(t *testing.T) {
	dir := t.TempDir()
	s := mustOpen(t, dir, "s4")
	defer s.Close()

	const total = 200
	for i := 0; i < total; i++ {
		key := keyFor(i)
		if err := s.PutInt(key, int32(i)); err != nil {
			t.Fatalf("PutInt(%s): %v", key, err)
		}
	}
	for i := 0; i < 100; i++ {
		if err := s.Remove(keyFor(i)); err != nil {
			t.Fatalf("Remove(%s): %v", keyFor(i), err)
		}
	}

	// The segment-count threshold (80) is crossed partway through the loop,
	// so at least one GC pass already ran automatically; a second pass may
	// still be pending for the tombstones created since. Force it so the
	// offset/size invariants below can be checked against a fully
	// compacted state, as S4 describes.
	s.stats.mu.Lock()
	gcRuns := s.stats.gcRuns
	s.stats.mu.Unlock()
	if gcRuns == 0 {
		t.Fatalf("gcRuns = 0, want GC to have fired automatically past the segment-count threshold")
	}
	s.mu.Lock()
	s.runGC()
	s.mu.Unlock()

	if len(s.invalids) != 0 {
		t.Fatalf("invalids = %v, want empty after a full GC pass", s.invalids)
	}
	if s.invalidBytes != 0 {
		t.Fatalf("invalidBytes = %d, want 0 after GC", s.invalidBytes)
	}

	var liveSize int
	s.idx.Range(func(key string, c *containerindex.Container) bool {
		liveSize += int(c.RecordSize)
		return true
	})
	if s.dataEnd-dataStart != liveSize {
		t.Fatalf("dataEnd-dataStart = %d, want sum of live record sizes %d", s.dataEnd-dataStart, liveSize)
	}

	for i := 100; i < total; i++ {
		v, err := s.GetInt(keyFor(i))
		if err != nil || v != int32(i) {
			t.Fatalf("GetInt(%s) = %d, %v; want %d, nil", keyFor(i), v, err, i)
		}
	}
	for i := 0; i < 100; i++ {
		if _, err := s.GetInt(keyFor(i)); err != ErrNotFound {
			t.Fatalf("GetInt(%s) err = %v, want ErrNotFound", keyFor(i), err)
		}
	}
}

func keyFor(i int) string {
	return "key" + itoa(i)
}

func itoa(i int) string {
	if i == 0 {
		return "0"
	}
	var digits []byte
	for i > 0 {
		digits = append([]byte{byte('0' + i%10)}, digits...)
		i /= 10
	}
	return string(digits)
}

// S5: an oversized array spills to a sidecar file, survives reopen, and the
// old sidecar is eventually removed once overwritten with a small value.
func TestScenarioS5ExternalArraySidecar(t *testing.T) {
	dir := t.TempDir()
	s := mustOpen(t, dir, "s5", OptInternalLimit(8192))
	defer s.Close()

	payload := make([]byte, 20*1024)
	for i := range payload {
		payload[i] = byte(i)
	}
	if err := s.PutArray("big", payload); err != nil {
		t.Fatalf("PutArray: %v", err)
	}

	c, ok := s.idx.Get("big")
	if !ok {
		t.Fatal("key big missing")
	}
	if c.TypeByte&externalMask == 0 {
		t.Fatal("20 KiB array should be stored externally")
	}
	name := string(s.buf.readAt(int(c.ValueOffset), int(c.ValueSize)))
	sidecarPath := filepath.Join(dir, "s5", name)
	waitForFile(t, sidecarPath, true)

	got, err := s.GetArray("big")
	if err != nil {
		t.Fatalf("GetArray: %v", err)
	}
	if len(got) != len(payload) {
		t.Fatalf("GetArray length = %d, want %d", len(got), len(payload))
	}
	for i := range payload {
		if got[i] != payload[i] {
			t.Fatalf("GetArray byte %d = %d, want %d", i, got[i], payload[i])
		}
	}

	if err := s.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	s = mustOpen(t, dir, "s5", OptInternalLimit(8192))
	got2, err := s.GetArray("big")
	if err != nil || len(got2) != len(payload) {
		t.Fatalf("GetArray after reopen = len %d, %v; want %d, nil", len(got2), err, len(payload))
	}

	if err := s.PutArray("big", []byte("0123456789")); err != nil {
		t.Fatalf("PutArray small overwrite: %v", err)
	}
	waitForFile(t, sidecarPath, false)
}

// S6: truncating mirror A to a torn header recovers from mirror B.
func TestScenarioS6CrashRecoveryFromMirrorB(t *testing.T) {
	dir := t.TempDir()
	s := mustOpen(t, dir, "s6")

	if err := s.PutInt("x", 42); err != nil {
		t.Fatalf("PutInt: %v", err)
	}
	if err := s.PutString("y", "hello"); err != nil {
		t.Fatalf("PutString: %v", err)
	}

	kva := s.filePath(".kva")
	if err := s.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if err := os.Truncate(kva, 9); err != nil {
		t.Fatalf("truncate .kva: %v", err)
	}

	s = mustOpen(t, dir, "s6")
	defer s.Close()

	x, err := s.GetInt("x")
	if err != nil || x != 42 {
		t.Fatalf("GetInt(x) after recovery = %d, %v; want 42, nil", x, err)
	}
	y, err := s.GetString("y")
	if err != nil || y != "hello" {
		t.Fatalf("GetString(y) after recovery = %q, %v; want hello, nil", y, err)
	}
}

func TestSingletonPerPathAndName(t *testing.T) {
	dir := t.TempDir()
	s1 := mustOpen(t, dir, "singleton")
	defer s1.Close()
	s2 := mustOpen(t, dir, "singleton")
	if s1 != s2 {
		t.Fatal("Open with the same path+name should return the same *Store")
	}
}

func TestObjectEncoderRoundTrip(t *testing.T) {
	dir := t.TempDir()
	s := mustOpen(t, dir, "obj")
	defer s.Close()

	if err := s.PutObject("tags", "stringset", []string{"a", "bb", "ccc"}); err != nil {
		t.Fatalf("PutObject: %v", err)
	}
	v, err := s.GetObject("tags")
	if err != nil {
		t.Fatalf("GetObject: %v", err)
	}
	set, ok := v.([]string)
	if !ok || len(set) != 3 || set[0] != "a" || set[1] != "bb" || set[2] != "ccc" {
		t.Fatalf("GetObject = %#v, want [a bb ccc]", v)
	}
}

func TestVerifyPassesAfterMutations(t *testing.T) {
	dir := t.TempDir()
	s := mustOpen(t, dir, "verify")
	defer s.Close()

	for i := 0; i < 20; i++ {
		if err := s.PutInt(keyFor(i), int32(i)); err != nil {
			t.Fatalf("PutInt: %v", err)
		}
	}
	for i := 0; i < 5; i++ {
		if err := s.Remove(keyFor(i)); err != nil {
			t.Fatalf("Remove: %v", err)
		}
	}
	if err := s.Verify(); err != nil {
		t.Fatalf("Verify: %v", err)
	}
}

// A forced SYNC_BLOCKING store commits through writeToCFile's
// brimutil.ChecksummedWriter on every mutation; reopening must read the
// committed .kvc back through the matching ChecksummedReader and recover
// the same data.
func TestBlockingModeCommitAndReopenRoundTrip(t *testing.T) {
	dir := t.TempDir()
	s := mustOpen(t, dir, "blocking", OptForceBlocking(true))

	if err := s.PutLong("x", 123456789); err != nil {
		t.Fatalf("PutLong: %v", err)
	}
	if err := s.PutString("y", "round trip through a checksummed writer"); err != nil {
		t.Fatalf("PutString: %v", err)
	}
	if err := s.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	s = mustOpen(t, dir, "blocking", OptForceBlocking(true))
	defer s.Close()

	x, err := s.GetLong("x")
	if err != nil || x != 123456789 {
		t.Fatalf("GetLong(x) after reopen = %d, %v; want 123456789, nil", x, err)
	}
	y, err := s.GetString("y")
	if err != nil || y != "round trip through a checksummed writer" {
		t.Fatalf("GetString(y) after reopen = %q, %v; want original string, nil", y, err)
	}
}

func waitForFile(t *testing.T, path string, wantExist bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		_, err := os.Stat(path)
		exists := err == nil
		if exists == wantExist {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s existence=%v", path, wantExist)
}
