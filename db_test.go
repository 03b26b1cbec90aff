package fleece

import (
	"bytes"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/couchbaselabs/fleece/internal/datafile"
)

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func openTestDB(t *testing.T, path string) *DB {
	t.Helper()
	db, err := Open(path, ReadWriteCreate, WithLogger(quietLogger()))
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	return db
}

func mustPut(t *testing.T, db *DB, key string, body map[string]any) {
	t.Helper()
	ok, err := db.Put([]byte(key), Upsert, NewDocument(body))
	require.NoError(t, err)
	require.True(t, ok)
}

func TestCreateCommitReopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "db.fleecedb")
	db := openTestDB(t, path)

	require.Nil(t, db.Get([]byte("a")))
	require.EqualValues(t, 0, db.Checkpoint())

	ok, err := db.Put([]byte("a"), Insert, NewDocument(map[string]any{"n": 1}))
	require.NoError(t, err)
	require.True(t, ok)
	mustPut(t, db, "b", map[string]any{"n": 2})
	require.Equal(t, 2, db.Count())

	require.NoError(t, db.CommitChanges())
	require.EqualValues(t, 4096, db.Checkpoint())
	require.EqualValues(t, 0, db.PreviousCheckpoint())
	require.False(t, db.Damaged())

	data := db.DataUpToCheckpoint(4096)
	require.Len(t, data, 4096)
	require.Equal(t, "FleeceDB\n", string(data[:9]))
	_, trailerOK := datafile.ParseTrailer(data)
	require.True(t, trailerOK, "trailer ends at offset 4096")

	require.EqualValues(t, 1, db.Get([]byte("a")).Int("n"))
	require.EqualValues(t, 2, db.Get([]byte("b")).Int("n"))

	// a fresh handle sees the same state
	db2, err := Open(path, ReadOnly, WithLogger(quietLogger()))
	require.NoError(t, err)
	defer db2.Close()
	require.Equal(t, 2, db2.Count())
	require.EqualValues(t, 1, db2.Get([]byte("a")).Int("n"))
	require.EqualValues(t, 2, db2.Get([]byte("b")).Int("n"))
}

func TestRemoveCommitAndHistoricalSnapshot(t *testing.T) {
	path := filepath.Join(t.TempDir(), "db.fleecedb")
	db := openTestDB(t, path)
	mustPut(t, db, "a", map[string]any{"n": 1})
	mustPut(t, db, "b", map[string]any{"n": 2})
	require.NoError(t, db.CommitChanges())

	snapshot1 := append([]byte(nil), db.DataUpToCheckpoint(4096)...)

	removed, err := db.Remove([]byte("a"))
	require.NoError(t, err)
	require.True(t, removed)
	require.NoError(t, db.CommitChanges())

	require.EqualValues(t, 8192, db.Checkpoint())
	require.EqualValues(t, 4096, db.PreviousCheckpoint())
	require.Nil(t, db.Get([]byte("a")))
	require.EqualValues(t, 2, db.Get([]byte("b")).Int("n"))
	require.Equal(t, 1, db.Count())

	// snapshot immutability: the first snapshot's bytes are untouched
	require.Equal(t, snapshot1, db.DataUpToCheckpoint(4096))

	// historical isolation: the old snapshot still has "a"
	old, err := db.CloneAtCheckpoint(4096)
	require.NoError(t, err)
	defer old.Close()
	require.EqualValues(t, 1, old.Get([]byte("a")).Int("n"))
	require.Equal(t, 2, old.Count())

	// historical handles are read-only
	_, err = old.Put([]byte("x"), Upsert, NewDocument(nil))
	require.ErrorIs(t, err, ErrReadOnly)
}

func TestRecoveryFromTornAppend(t *testing.T) {
	path := filepath.Join(t.TempDir(), "db.fleecedb")
	db := openTestDB(t, path)
	mustPut(t, db, "a", map[string]any{"n": 1})
	require.NoError(t, db.CommitChanges())
	mustPut(t, db, "b", map[string]any{"n": 2})
	require.NoError(t, db.CommitChanges())
	require.EqualValues(t, 8192, db.Checkpoint())
	require.NoError(t, db.Close())

	// tear the second snapshot mid-write
	require.NoError(t, os.Truncate(path, 5000))

	var warnings bytes.Buffer
	logger := slog.New(slog.NewTextHandler(&warnings, nil))
	db2, err := Open(path, ReadWrite, WithLogger(logger))
	require.NoError(t, err)
	defer db2.Close()

	require.EqualValues(t, 4096, db2.Checkpoint())
	require.True(t, db2.Damaged())
	require.EqualValues(t, 1, db2.Get([]byte("a")).Int("n"))
	require.Nil(t, db2.Get([]byte("b")))
	require.Contains(t, warnings.String(), "skipping back to last full page")
	require.Contains(t, warnings.String(), "valid trailer found")
}

func TestRecoverySweep(t *testing.T) {
	// truncating anywhere inside the second snapshot must always
	// recover the first, losing nothing committed before it
	base := filepath.Join(t.TempDir(), "db.fleecedb")
	db := openTestDB(t, base)
	mustPut(t, db, "a", map[string]any{"n": 1})
	require.NoError(t, db.CommitChanges())
	mustPut(t, db, "b", map[string]any{"n": 2})
	require.NoError(t, db.CommitChanges())
	require.NoError(t, db.Close())

	pristine, err := os.ReadFile(base)
	require.NoError(t, err)
	require.Len(t, pristine, 8192)

	for _, cut := range []int64{4097, 5000, 8160, 8191} {
		path := filepath.Join(t.TempDir(), "torn.fleecedb")
		require.NoError(t, os.WriteFile(path, pristine, 0o644))
		require.NoError(t, os.Truncate(path, cut))

		db, err := Open(path, ReadWrite, WithLogger(quietLogger()))
		require.NoError(t, err, "cut at %d", cut)
		require.EqualValues(t, 4096, db.Checkpoint(), "cut at %d", cut)
		require.EqualValues(t, 1, db.Get([]byte("a")).Int("n"), "cut at %d", cut)
		require.NoError(t, db.Close())
	}

	// a corrupt (but full-size) tail trailer also scans back
	path := filepath.Join(t.TempDir(), "flipped.fleecedb")
	corrupt := append([]byte(nil), pristine...)
	corrupt[8190] ^= 0xff
	require.NoError(t, os.WriteFile(path, corrupt, 0o644))
	db2, err := Open(path, ReadOnly, WithLogger(quietLogger()))
	require.NoError(t, err)
	defer db2.Close()
	require.EqualValues(t, 4096, db2.Checkpoint())
	require.True(t, db2.Damaged())
}

func TestOpenRejectsGarbage(t *testing.T) {
	dir := t.TempDir()

	tooSmall := filepath.Join(dir, "small")
	require.NoError(t, os.WriteFile(tooSmall, []byte("FleeceDB\n"), 0o644))
	_, err := Open(tooSmall, ReadOnly, WithLogger(quietLogger()))
	require.ErrorIs(t, err, ErrInvalidData)

	garbage := filepath.Join(dir, "garbage")
	junk := bytes.Repeat([]byte{0xa5}, 8192)
	require.NoError(t, os.WriteFile(garbage, junk, 0o644))
	_, err = Open(garbage, ReadOnly, WithLogger(quietLogger()))
	require.ErrorIs(t, err, ErrInvalidData)

	// valid header but no valid trailer anywhere is fatal damage
	headerOnly := filepath.Join(dir, "headeronly")
	f, err := os.Create(headerOnly)
	require.NoError(t, err)
	require.NoError(t, datafile.WriteHeader(f))
	require.NoError(t, f.Truncate(4096))
	require.NoError(t, f.Close())
	_, err = Open(headerOnly, ReadOnly, WithLogger(quietLogger()))
	require.ErrorIs(t, err, ErrInvalidData)

	_, err = Open(filepath.Join(dir, "missing"), ReadWrite, WithLogger(quietLogger()))
	require.ErrorIs(t, err, os.ErrNotExist)
}

func TestPutModes(t *testing.T) {
	db := openTestDB(t, filepath.Join(t.TempDir(), "db.fleecedb"))

	ok, err := db.Put([]byte("a"), Insert, NewDocument(map[string]any{"n": 1}))
	require.NoError(t, err)
	require.True(t, ok)

	// second insert of the same key fails and changes nothing
	ok, err = db.Put([]byte("a"), Insert, NewDocument(map[string]any{"n": 99}))
	require.NoError(t, err)
	require.False(t, ok)
	require.EqualValues(t, 1, db.Get([]byte("a")).Int("n"))

	ok, err = db.Put([]byte("missing"), Update, NewDocument(map[string]any{"n": 3}))
	require.NoError(t, err)
	require.False(t, ok)

	ok, err = db.Put([]byte("a"), Update, NewDocument(map[string]any{"n": 2}))
	require.NoError(t, err)
	require.True(t, ok)
	require.EqualValues(t, 2, db.Get([]byte("a")).Int("n"))

	// nil document removes, except under Insert
	ok, err = db.Put([]byte("a"), Insert, nil)
	require.NoError(t, err)
	require.False(t, ok)
	require.NotNil(t, db.Get([]byte("a")))

	ok, err = db.Put([]byte("a"), Upsert, nil)
	require.NoError(t, err)
	require.True(t, ok)
	require.Nil(t, db.Get([]byte("a")))
	require.Equal(t, 0, db.Count())
}

func TestPutFunc(t *testing.T) {
	db := openTestDB(t, filepath.Join(t.TempDir(), "db.fleecedb"))
	mustPut(t, db, "counter", map[string]any{"n": 41})

	ok, err := db.PutFunc([]byte("counter"), Update, func(cur *Document) *Document {
		return NewDocument(map[string]any{"n": cur.Int("n") + 1})
	})
	require.NoError(t, err)
	require.True(t, ok)
	require.EqualValues(t, 42, db.Get([]byte("counter")).Int("n"))

	// a callback returning nil aborts the put
	ok, err = db.PutFunc([]byte("counter"), Upsert, func(cur *Document) *Document {
		return nil
	})
	require.NoError(t, err)
	require.False(t, ok)
	require.EqualValues(t, 42, db.Get([]byte("counter")).Int("n"))

	// the callback sees nil for an absent key
	ok, err = db.PutFunc([]byte("fresh"), Upsert, func(cur *Document) *Document {
		require.Nil(t, cur)
		return NewDocument(map[string]any{"n": 1})
	})
	require.NoError(t, err)
	require.True(t, ok)
}

func TestGetMutableCommit(t *testing.T) {
	path := filepath.Join(t.TempDir(), "db.fleecedb")
	db := openTestDB(t, path)
	mustPut(t, db, "a", map[string]any{"n": 1})
	require.NoError(t, db.CommitChanges())

	gm, err := db.GetMutable([]byte("a"))
	require.NoError(t, err)
	require.NotNil(t, gm)
	gm.Set("n", 2)
	require.NoError(t, db.CommitChanges())

	require.EqualValues(t, 8192, db.Checkpoint(), "two snapshots, one page each")
	require.EqualValues(t, 2, db.Get([]byte("a")).Int("n"))

	db2, err := Open(path, ReadOnly, WithLogger(quietLogger()))
	require.NoError(t, err)
	defer db2.Close()
	require.EqualValues(t, 2, db2.Get([]byte("a")).Int("n"))

	// absent keys yield nil without error
	gm, err = db.GetMutable([]byte("missing"))
	require.NoError(t, err)
	require.Nil(t, gm)
}

func TestGetMutableNested(t *testing.T) {
	path := filepath.Join(t.TempDir(), "db.fleecedb")
	db := openTestDB(t, path)
	mustPut(t, db, "doc", map[string]any{
		"meta":  map[string]any{"rev": 1, "author": "amy"},
		"plain": "untouched",
	})
	require.NoError(t, db.CommitChanges())

	gm, err := db.GetMutable([]byte("doc"))
	require.NoError(t, err)
	meta := gm.GetMutableDict("meta")
	require.NotNil(t, meta)
	meta.Set("rev", 2)
	require.NoError(t, db.CommitChanges())

	got := db.Get([]byte("doc"))
	require.EqualValues(t, 2, got.Dict("meta").Int("rev"))
	require.Equal(t, "amy", got.Dict("meta").String("author"))
	require.Equal(t, "untouched", got.String("plain"))

	// the old snapshot still has rev 1
	old, err := db.CloneAtCheckpoint(db.PreviousCheckpoint())
	require.NoError(t, err)
	defer old.Close()
	require.EqualValues(t, 1, old.Get([]byte("doc")).Dict("meta").Int("rev"))
}

func TestRevertChanges(t *testing.T) {
	db := openTestDB(t, filepath.Join(t.TempDir(), "db.fleecedb"))
	mustPut(t, db, "keep", map[string]any{"n": 1})
	require.NoError(t, db.CommitChanges())

	mustPut(t, db, "discard", map[string]any{"n": 2})
	removed, err := db.Remove([]byte("keep"))
	require.NoError(t, err)
	require.True(t, removed)
	require.Equal(t, 1, db.Count())

	require.NoError(t, db.RevertChanges())
	require.Equal(t, 1, db.Count())
	require.NotNil(t, db.Get([]byte("keep")))
	require.Nil(t, db.Get([]byte("discard")))
}

func TestCommitNoChangesIsNoop(t *testing.T) {
	db := openTestDB(t, filepath.Join(t.TempDir(), "db.fleecedb"))
	mustPut(t, db, "a", map[string]any{"n": 1})
	require.NoError(t, db.CommitChanges())
	before := db.Checkpoint()

	require.NoError(t, db.CommitChanges())
	require.Equal(t, before, db.Checkpoint())
}

func TestPageAlignmentAndGrowth(t *testing.T) {
	db := openTestDB(t, filepath.Join(t.TempDir(), "db.fleecedb"))
	prev := uint64(0)
	for i := 0; i < 6; i++ {
		mustPut(t, db, fmt.Sprintf("key-%d", i), map[string]any{"i": i})
		require.NoError(t, db.CommitChanges())
		cp := db.Checkpoint()
		require.Zero(t, cp%4096)
		require.GreaterOrEqual(t, cp, prev+4096)
		require.Equal(t, prev, db.PreviousCheckpoint())
		prev = cp
	}
}

func TestTrailerChainWalk(t *testing.T) {
	db := openTestDB(t, filepath.Join(t.TempDir(), "db.fleecedb"))
	var checkpoints []uint64
	for i := 0; i < 5; i++ {
		mustPut(t, db, fmt.Sprintf("k%d", i), map[string]any{"i": i})
		require.NoError(t, db.CommitChanges())
		checkpoints = append(checkpoints, db.Checkpoint())
	}

	// following prevTrailerPos hits every checkpoint, strictly
	// decreasing, terminating at 0
	cur := db
	for i := len(checkpoints) - 1; i >= 0; i-- {
		require.Equal(t, checkpoints[i], cur.Checkpoint())
		prev := cur.PreviousCheckpoint()
		require.Less(t, prev, cur.Checkpoint())
		if i == 0 {
			require.Zero(t, prev)
			break
		}
		older, err := cur.CloneAtCheckpoint(prev)
		require.NoError(t, err)
		defer older.Close()
		cur = older
	}
}

func TestWriteToCompaction(t *testing.T) {
	dir := t.TempDir()
	db := openTestDB(t, filepath.Join(dir, "db.fleecedb"))
	for i := 0; i < 3; i++ {
		mustPut(t, db, fmt.Sprintf("k%d", i), map[string]any{"i": i})
		require.NoError(t, db.CommitChanges())
	}
	require.EqualValues(t, 3*4096, db.Checkpoint())

	compacted := filepath.Join(dir, "compact.fleecedb")
	require.NoError(t, db.WriteTo(compacted))

	db2, err := Open(compacted, ReadOnly, WithLogger(quietLogger()))
	require.NoError(t, err)
	defer db2.Close()
	require.EqualValues(t, 4096, db2.Checkpoint(), "three snapshots collapse into one page")
	require.Zero(t, db2.PreviousCheckpoint())
	require.Equal(t, db.Count(), db2.Count())
	for i := 0; i < 3; i++ {
		require.EqualValues(t, i, db2.Get([]byte(fmt.Sprintf("k%d", i))).Int("i"))
	}

	// an unwritable destination surfaces the error
	err = db.WriteTo(filepath.Join(dir, "no-such-dir", "out"))
	require.Error(t, err)
}

func TestDataSlices(t *testing.T) {
	db := openTestDB(t, filepath.Join(t.TempDir(), "db.fleecedb"))
	mustPut(t, db, "a", map[string]any{"n": 1})
	require.NoError(t, db.CommitChanges())
	mustPut(t, db, "b", map[string]any{"n": 2})
	require.NoError(t, db.CommitChanges())

	require.True(t, db.IsLegalCheckpoint(0))
	require.True(t, db.IsLegalCheckpoint(4096))
	require.True(t, db.IsLegalCheckpoint(8192))
	require.False(t, db.IsLegalCheckpoint(4095), "unaligned")
	require.False(t, db.IsLegalCheckpoint(12288), "beyond data")

	require.Len(t, db.DataUpToCheckpoint(4096), 4096)
	require.Len(t, db.DataSinceCheckpoint(4096), 4096)
	require.Nil(t, db.DataUpToCheckpoint(4095))
	require.Nil(t, db.DataSinceCheckpoint(12288))

	whole := db.DataUpToCheckpoint(db.Checkpoint())
	require.Equal(t, whole[4096:], db.DataSinceCheckpoint(4096))
}

func TestCloneWritabilityAndIsolation(t *testing.T) {
	db := openTestDB(t, filepath.Join(t.TempDir(), "db.fleecedb"))
	mustPut(t, db, "a", map[string]any{"n": 1})
	require.NoError(t, db.CommitChanges())

	reader, err := db.Clone(ReadOnly)
	require.NoError(t, err)
	defer reader.Close()
	_, err = reader.Put([]byte("x"), Upsert, NewDocument(nil))
	require.ErrorIs(t, err, ErrReadOnly)

	// a reader opened before a commit keeps its own snapshot
	readerCP := reader.Checkpoint()
	mustPut(t, db, "b", map[string]any{"n": 2})
	require.NoError(t, db.CommitChanges())
	require.Equal(t, readerCP, reader.Checkpoint())
	require.Nil(t, reader.Get([]byte("b")))
	require.NotNil(t, db.Get([]byte("b")))

	// cloning a read-only handle can't regain writability
	rw, err := reader.Clone(ReadWrite)
	require.NoError(t, err)
	defer rw.Close()
	_, err = rw.Put([]byte("x"), Upsert, NewDocument(nil))
	require.ErrorIs(t, err, ErrReadOnly)

	// an illegal checkpoint is a precondition failure
	_, err = db.CloneAtCheckpoint(4095)
	require.ErrorIs(t, err, ErrIllegalCheckpoint)
}

func TestCommitObserver(t *testing.T) {
	db := openTestDB(t, filepath.Join(t.TempDir(), "db.fleecedb"))
	var observed []uint64
	db.OnCommit(func(got *DB, newSize uint64) {
		require.Same(t, db, got)
		observed = append(observed, newSize)
	})

	mustPut(t, db, "a", map[string]any{"n": 1})
	require.NoError(t, db.CommitChanges())
	require.NoError(t, db.CommitChanges()) // no-op, no callback
	mustPut(t, db, "b", map[string]any{"n": 2})
	require.NoError(t, db.CommitChanges())

	require.Equal(t, []uint64{4096, 8192}, observed)
}

func TestEachMergedOrder(t *testing.T) {
	db := openTestDB(t, filepath.Join(t.TempDir(), "db.fleecedb"))
	mustPut(t, db, "b", map[string]any{"v": "committed"})
	mustPut(t, db, "d", map[string]any{"v": "committed"})
	require.NoError(t, db.CommitChanges())

	mustPut(t, db, "a", map[string]any{"v": "pending"})
	mustPut(t, db, "d", map[string]any{"v": "overridden"})
	_, err := db.Remove([]byte("b"))
	require.NoError(t, err)

	var keys []string
	byKey := map[string]string{}
	require.NoError(t, db.Each(func(key []byte, doc *Document) bool {
		keys = append(keys, string(key))
		byKey[string(key)] = doc.String("v")
		return true
	}))
	require.Equal(t, []string{"a", "d"}, keys)
	require.True(t, sort.StringsAreSorted(keys))
	require.Equal(t, "overridden", byKey["d"])
}

func TestManyKeysAcrossCommits(t *testing.T) {
	path := filepath.Join(t.TempDir(), "db.fleecedb")
	db := openTestDB(t, path)

	const batches, perBatch = 4, 100
	for b := 0; b < batches; b++ {
		for i := 0; i < perBatch; i++ {
			mustPut(t, db, fmt.Sprintf("key-%d-%03d", b, i), map[string]any{"batch": b, "i": i})
		}
		require.NoError(t, db.CommitChanges())
	}
	require.Equal(t, batches*perBatch, db.Count())

	db2, err := Open(path, ReadOnly, WithLogger(quietLogger()))
	require.NoError(t, err)
	defer db2.Close()
	require.Equal(t, batches*perBatch, db2.Count())
	for b := 0; b < batches; b++ {
		for i := 0; i < perBatch; i++ {
			doc := db2.Get([]byte(fmt.Sprintf("key-%d-%03d", b, i)))
			require.NotNil(t, doc)
			require.EqualValues(t, b, doc.Int("batch"))
			require.EqualValues(t, i, doc.Int("i"))
		}
	}

	// iteration covers every key exactly once, in order
	var n int
	var last []byte
	require.NoError(t, db2.Each(func(key []byte, doc *Document) bool {
		require.Positive(t, bytes.Compare(key, last))
		last = append(last[:0], key...)
		n++
		return true
	}))
	require.Equal(t, batches*perBatch, n)
}

func TestCustomPageSize(t *testing.T) {
	path := filepath.Join(t.TempDir(), "db.fleecedb")
	db, err := Open(path, ReadWriteCreate, WithPageSize(512), WithLogger(quietLogger()))
	require.NoError(t, err)
	defer db.Close()

	mustPut(t, db, "a", map[string]any{"n": 1})
	require.NoError(t, db.CommitChanges())
	require.Zero(t, db.Checkpoint()%512)

	db2, err := Open(path, ReadOnly, WithPageSize(512), WithLogger(quietLogger()))
	require.NoError(t, err)
	defer db2.Close()
	require.EqualValues(t, 1, db2.Get([]byte("a")).Int("n"))
}
