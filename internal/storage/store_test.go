package storage

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hupe1980/kvgo/blobstore"
	"github.com/hupe1980/kvgo/codec"
	"github.com/hupe1980/kvgo/internal/compress"
	"github.com/hupe1980/kvgo/internal/fs"
	"github.com/hupe1980/kvgo/model"
)

func openStore(t *testing.T, dir string, mutate func(*Options)) *Store {
	t.Helper()
	opts := DefaultOptions()
	opts.CacheBytes = 0
	if mutate != nil {
		mutate(&opts)
	}
	s, err := Open(dir, opts)
	require.NoError(t, err)
	return s
}

func key(i int) model.Key { return model.NewStringKey(fmt.Sprintf("key-%05d", i)) }

func value(i int) model.Value {
	return model.StringValue(fmt.Sprintf("value-%d-%s", i, strings.Repeat("x", i%50)))
}

func segmentFiles(t *testing.T, dir string) []string {
	t.Helper()
	matches, err := filepath.Glob(filepath.Join(dir, "*"+segmentExt))
	require.NoError(t, err)
	return matches
}

func TestWriteReadAcrossCompression(t *testing.T) {
	values := map[string]model.Value{
		"small":      model.StringValue("tiny"),
		"repetitive": model.RawValue(bytes.Repeat([]byte("abcdefgh"), 4096)),
		"structured": model.StructuredValue(map[string]any{"name": "Ana", "age": int64(31)}),
		"blob":       model.BlobValue(bytes.Repeat([]byte{1, 2, 3}, 100), "application/octet-stream"),
	}

	for _, ct := range []compress.Type{compress.None, compress.LZ4, compress.Zstd, compress.Snappy} {
		for _, f := range []codec.Format{codec.FormatBinary, codec.FormatJSON, codec.FormatMsgpack} {
			t.Run(ct.String()+"/"+f.String(), func(t *testing.T) {
				s := openStore(t, t.TempDir(), func(o *Options) {
					o.Compression = ct
					o.Format = f
				})
				defer s.Close()

				locs := make(map[string]model.ValueLocation)
				for name, v := range values {
					loc, err := s.Write(model.NewStringKey(name), v, 0)
					require.NoError(t, err)
					locs[name] = loc
				}
				for name, want := range values {
					got, err := s.Read(locs[name])
					require.NoError(t, err)
					assert.True(t, want.Equal(got), "%s: want %v got %v", name, want, got)
				}
			})
		}
	}
}

func TestMixedCompressionAcrossReopen(t *testing.T) {
	dir := t.TempDir()
	payload := model.RawValue(bytes.Repeat([]byte("kvgo"), 1000))

	for i, ct := range []compress.Type{compress.LZ4, compress.Zstd, compress.Snappy, compress.None} {
		s := openStore(t, dir, func(o *Options) { o.Compression = ct })
		_, err := s.Write(key(i), payload, 0)
		require.NoError(t, err)
		require.NoError(t, s.Close())
	}

	s := openStore(t, dir, nil)
	defer s.Close()
	for i := range 4 {
		got, err := s.Get(key(i))
		require.NoError(t, err)
		assert.True(t, payload.Equal(got))
	}
}

func TestReopenRecoversIndex(t *testing.T) {
	dir := t.TempDir()
	s := openStore(t, dir, func(o *Options) { o.MaxSegmentSize = 4 << 10 })

	for i := range 200 {
		_, err := s.Write(key(i), value(i), 0)
		require.NoError(t, err)
	}
	for i := range 50 {
		_, err := s.Write(key(i), model.StringValue("updated"), 0)
		require.NoError(t, err)
	}
	for i := 150; i < 200; i++ {
		require.NoError(t, s.Delete(key(i), 0))
	}
	require.Greater(t, len(segmentFiles(t, dir)), 1)
	require.NoError(t, s.Close())

	s = openStore(t, dir, func(o *Options) { o.MaxSegmentSize = 4 << 10 })
	defer s.Close()

	rep := s.Recovery()
	assert.Equal(t, 300, rep.Records)
	assert.Equal(t, 150, rep.Keys)
	assert.Equal(t, 50, rep.Tombstones)
	assert.Equal(t, 150, s.Len())

	for i := range 200 {
		got, err := s.Get(key(i))
		switch {
		case i < 50:
			require.NoError(t, err)
			assert.Equal(t, "updated", string(got.Raw))
		case i < 150:
			require.NoError(t, err)
			assert.True(t, value(i).Equal(got))
		default:
			assert.ErrorIs(t, err, ErrNotFound)
		}
	}

	st := s.Stats()
	assert.Equal(t, 150, st.Keys)
	assert.Greater(t, st.DeadBytes, int64(0))
	assert.InDelta(t, float64(st.DeadBytes)/float64(st.LiveBytes+st.DeadBytes), st.Fragmentation, 1e-9)
}

func TestTornTailIsTruncated(t *testing.T) {
	for name, tail := range map[string]func() []byte{
		"partial header": func() []byte { return []byte{7, 0, 0, 0, 9, 0} },
		"partial body": func() []byte {
			rec := encodeRecord(key(99).Encode(), []byte("never finished"), 1, compress.None, codec.FormatBinary, false)
			return rec[:HeaderSize+3]
		},
		"bad checksum": func() []byte {
			rec := encodeRecord(key(99).Encode(), []byte("bit rot"), 1, compress.None, codec.FormatBinary, false)
			rec[len(rec)-1] ^= 0xFF
			return rec
		},
	} {
		t.Run(name, func(t *testing.T) {
			dir := t.TempDir()
			s := openStore(t, dir, nil)
			for i := range 3 {
				_, err := s.Write(key(i), value(i), 0)
				require.NoError(t, err)
			}
			require.NoError(t, s.Close())

			files := segmentFiles(t, dir)
			require.Len(t, files, 1)
			before, err := os.Stat(files[0])
			require.NoError(t, err)

			f, err := os.OpenFile(files[0], os.O_WRONLY|os.O_APPEND, 0)
			require.NoError(t, err)
			_, err = f.Write(tail())
			require.NoError(t, err)
			require.NoError(t, f.Close())

			s = openStore(t, dir, nil)
			defer s.Close()

			rep := s.Recovery()
			assert.Equal(t, 1, rep.TruncatedSegments)
			assert.Equal(t, 3, rep.Keys)

			after, err := os.Stat(files[0])
			require.NoError(t, err)
			assert.Equal(t, before.Size(), after.Size())

			for i := range 3 {
				got, err := s.Get(key(i))
				require.NoError(t, err)
				assert.True(t, value(i).Equal(got))
			}
			_, err = s.Get(key(99))
			assert.ErrorIs(t, err, ErrNotFound)

			_, err = s.Write(key(3), value(3), 0)
			require.NoError(t, err)
		})
	}
}

func TestCorruptedRecordIsReported(t *testing.T) {
	dir := t.TempDir()
	s := openStore(t, dir, func(o *Options) {
		o.Mmap = false
		o.Compression = compress.None
	})
	defer s.Close()

	loc, err := s.Write(key(1), model.StringValue("precious data"), 0)
	require.NoError(t, err)

	f, err := os.OpenFile(segmentPath(dir, loc.SegmentID), os.O_WRONLY, 0)
	require.NoError(t, err)
	_, err = f.WriteAt([]byte{'X'}, int64(loc.Offset)+int64(loc.Size)-2)
	require.NoError(t, err)
	require.NoError(t, f.Close())

	_, err = s.Read(loc)
	assert.ErrorIs(t, err, ErrCorrupted)
}

func TestOversizedKeyIsRejected(t *testing.T) {
	dir := t.TempDir()
	s := openStore(t, dir, nil)

	big := model.NewStringKey("k").WithTenant(strings.Repeat("t", 1<<16))
	_, err := s.Write(big, value(1), 0)
	require.ErrorIs(t, err, model.ErrInvalidKey)
	require.ErrorIs(t, s.Delete(big, 0), model.ErrInvalidKey)

	_, err = s.Write(key(1), value(1), 0)
	require.NoError(t, err)
	require.NoError(t, s.Close())

	s = openStore(t, dir, nil)
	defer s.Close()
	got, err := s.Get(key(1))
	require.NoError(t, err)
	assert.True(t, value(1).Equal(got))
}

func TestStatsNeedsCompaction(t *testing.T) {
	tests := []struct {
		frag, threshold float64
		want            bool
	}{
		{0.29, 0.3, false},
		{0.3, 0.3, true},
		{0.31, 0.3, true},
		{0.5, 0, false},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, Stats{Fragmentation: tt.frag}.NeedsCompaction(tt.threshold), "frag %v threshold %v", tt.frag, tt.threshold)
	}
}

func TestTombstoneReadIsNotFound(t *testing.T) {
	s := openStore(t, t.TempDir(), nil)
	defer s.Close()

	_, err := s.Write(key(1), value(1), 0)
	require.NoError(t, err)
	require.NoError(t, s.Delete(key(1), 0))

	_, ok := s.Lookup(key(1))
	assert.False(t, ok)
	_, err = s.Get(key(1))
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestCompactionSafety(t *testing.T) {
	dir := t.TempDir()
	s := openStore(t, dir, func(o *Options) { o.MaxSegmentSize = 16 << 10 })

	var relocated []Relocation
	s.OnRelocate(func(r []Relocation) { relocated = append(relocated, r...) })

	for i := range 1000 {
		_, err := s.Write(key(i), value(i), 0)
		require.NoError(t, err)
	}
	for i := range 400 {
		require.NoError(t, s.Delete(key(i), 0))
	}
	before := s.Stats()
	require.True(t, s.NeedsCompaction())
	segsBefore := len(segmentFiles(t, dir))

	rep, err := s.Compact(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 600, rep.RecordsMoved)
	assert.Len(t, relocated, 600)
	assert.Greater(t, rep.BytesReclaimed, int64(0))
	assert.Equal(t, segsBefore, rep.SegmentsCompacted)

	after := s.Stats()
	assert.Less(t, after.DiskUsage, before.DiskUsage)
	assert.Equal(t, 0.0, after.Fragmentation)
	assert.False(t, s.NeedsCompaction())

	for _, r := range relocated {
		loc, ok := s.Lookup(r.Key)
		require.True(t, ok)
		assert.Equal(t, r.New, loc)
	}

	check := func(s *Store) {
		for i := range 1000 {
			got, err := s.Get(key(i))
			if i < 400 {
				assert.ErrorIs(t, err, ErrNotFound, "key %d", i)
				continue
			}
			require.NoError(t, err, "key %d", i)
			assert.True(t, value(i).Equal(got))
		}
	}
	check(s)

	_, err = os.Stat(filepath.Join(dir, compactionLog))
	assert.True(t, os.IsNotExist(err))
	require.NoError(t, s.Close())

	s = openStore(t, dir, func(o *Options) { o.MaxSegmentSize = 16 << 10 })
	defer s.Close()
	assert.Equal(t, 0, s.Recovery().Tombstones)
	check(s)
}

func TestCompactionKeepsConcurrentOverwrites(t *testing.T) {
	s := openStore(t, t.TempDir(), func(o *Options) { o.MaxSegmentSize = 8 << 10 })
	defer s.Close()

	for i := range 300 {
		_, err := s.Write(key(i), value(i), 0)
		require.NoError(t, err)
	}
	for i := range 150 {
		require.NoError(t, s.Delete(key(i), 0))
	}

	ctx := context.Background()
	var wg sync.WaitGroup
	wg.Add(2)
	errs := make(chan error, 2)
	go func() {
		defer wg.Done()
		_, err := s.Compact(ctx)
		errs <- err
	}()
	go func() {
		defer wg.Done()
		for i := 150; i < 300; i++ {
			if _, err := s.Write(key(i), model.StringValue("new"), 0); err != nil {
				errs <- err
				return
			}
		}
		errs <- nil
	}()
	wg.Wait()
	close(errs)
	for err := range errs {
		require.NoError(t, err)
	}

	for i := 150; i < 300; i++ {
		got, err := s.Get(key(i))
		require.NoError(t, err)
		assert.Equal(t, "new", string(got.Raw))
	}
}

func TestReadsDuringCompaction(t *testing.T) {
	s := openStore(t, t.TempDir(), func(o *Options) {
		o.MaxSegmentSize = 8 << 10
		o.CacheBytes = 1 << 20
	})
	defer s.Close()

	for i := range 500 {
		_, err := s.Write(key(i), value(i), 0)
		require.NoError(t, err)
	}
	for i := range 250 {
		require.NoError(t, s.Delete(key(i), 0))
	}

	ctx, cancel := context.WithCancel(context.Background())
	var wg sync.WaitGroup
	failures := make(chan error, 8)
	for r := range 4 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 250 + r; ctx.Err() == nil; i = 250 + (i+4-250)%250 {
				got, err := s.Get(key(i))
				if err != nil {
					failures <- fmt.Errorf("key %d: %w", i, err)
					return
				}
				if !value(i).Equal(got) {
					failures <- fmt.Errorf("key %d: wrong value", i)
					return
				}
			}
		}()
	}

	for range 3 {
		_, err := s.Compact(context.Background())
		require.NoError(t, err)
	}
	cancel()
	wg.Wait()
	close(failures)
	for err := range failures {
		t.Error(err)
	}
}

func TestCompactionCanceledKeepsInputs(t *testing.T) {
	dir := t.TempDir()
	s := openStore(t, dir, nil)
	defer s.Close()

	for i := range 100 {
		_, err := s.Write(key(i), value(i), 0)
		require.NoError(t, err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := s.Compact(ctx)
	require.ErrorIs(t, err, context.Canceled)

	matches, err := filepath.Glob(filepath.Join(dir, "*"+compactingExt))
	require.NoError(t, err)
	assert.Empty(t, matches)
	for i := range 100 {
		_, err := s.Get(key(i))
		require.NoError(t, err)
	}
}

func TestInterruptedCompactionIsFinishedOnOpen(t *testing.T) {
	dir := t.TempDir()
	s := openStore(t, dir, nil)

	_, err := s.Write(key(1), model.StringValue("v1"), 0)
	require.NoError(t, err)
	_, err = s.Write(key(2), model.StringValue("doomed"), 0)
	require.NoError(t, err)
	require.NoError(t, s.Rotate())
	old := s.SegmentIDs()
	require.Len(t, old, 1)

	_, err = s.Write(key(1), model.StringValue("v2"), 0)
	require.NoError(t, err)
	require.NoError(t, s.Delete(key(2), 0))
	require.NoError(t, s.Close())

	// A committed compaction whose input removal was cut short, plus an
	// abandoned output of a later pass.
	require.NoError(t, os.WriteFile(filepath.Join(dir, compactionLog), []byte(old[0]), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "abandoned"+segmentExt+compactingExt), []byte("junk"), 0o644))

	s = openStore(t, dir, nil)
	defer s.Close()

	_, err = os.Stat(segmentPath(dir, old[0]))
	assert.True(t, os.IsNotExist(err))
	_, err = os.Stat(filepath.Join(dir, compactionLog))
	assert.True(t, os.IsNotExist(err))
	matches, err := filepath.Glob(filepath.Join(dir, "*"+compactingExt))
	require.NoError(t, err)
	assert.Empty(t, matches)

	got, err := s.Get(key(1))
	require.NoError(t, err)
	assert.Equal(t, "v2", string(got.Raw))
	_, err = s.Get(key(2))
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestWriteErrorKeepsStoreUsable(t *testing.T) {
	dir := t.TempDir()
	ffs := fs.NewFaultyFS(fs.Default)
	s := openStore(t, dir, func(o *Options) { o.FS = ffs })

	_, err := s.Write(key(1), value(1), 0)
	require.NoError(t, err)

	ffs.Trip(nil)
	_, err = s.Write(key(2), value(2), 0)
	require.ErrorIs(t, err, fs.ErrInjected)
	st := s.Stats()
	assert.Equal(t, uint64(1), st.WriteErrors)
	assert.False(t, st.Degraded)
	ffs.Heal()

	_, err = s.Write(key(3), value(3), 0)
	require.NoError(t, err)
	require.NoError(t, s.Close())

	s = openStore(t, dir, nil)
	defer s.Close()
	assert.Equal(t, 0, s.Recovery().TruncatedSegments)
	for _, i := range []int{1, 3} {
		got, err := s.Get(key(i))
		require.NoError(t, err)
		assert.True(t, value(i).Equal(got))
	}
	_, err = s.Get(key(2))
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestTornWriteIsRolledBack(t *testing.T) {
	dir := t.TempDir()
	ffs := fs.NewFaultyFS(fs.Default)
	ffs.AddRule(segmentExt, fs.Fault{FailAfterBytes: 100})
	s := openStore(t, dir, func(o *Options) { o.FS = ffs })
	defer s.Close()

	_, err := s.Write(key(1), model.StringValue("fits"), 0)
	require.NoError(t, err)
	_, err = s.Write(key(2), model.RawValue(bytes.Repeat([]byte("z"), 200)), 0)
	require.Error(t, err)

	info, statErr := os.Stat(segmentPath(dir, s.active.id))
	require.NoError(t, statErr)
	assert.Equal(t, s.active.size.Load(), info.Size())

	got, err := s.Get(key(1))
	require.NoError(t, err)
	assert.Equal(t, "fits", string(got.Raw))
}

func TestReadCache(t *testing.T) {
	s := openStore(t, t.TempDir(), func(o *Options) { o.CacheBytes = 1 << 20 })
	defer s.Close()

	loc, err := s.Write(key(1), value(1), 0)
	require.NoError(t, err)
	s.cache.Wait()

	for range 3 {
		got, err := s.Read(loc)
		require.NoError(t, err)
		assert.True(t, value(1).Equal(got))
	}
	assert.GreaterOrEqual(t, s.Stats().CacheHits, uint64(1))
}

func TestClosedStore(t *testing.T) {
	s := openStore(t, t.TempDir(), nil)
	require.NoError(t, s.Close())

	_, err := s.Write(key(1), value(1), 0)
	assert.ErrorIs(t, err, ErrClosed)
	assert.ErrorIs(t, s.Delete(key(1), 0), ErrClosed)
	_, err = s.Read(model.ValueLocation{})
	assert.ErrorIs(t, err, ErrClosed)
	assert.ErrorIs(t, s.Close(), ErrClosed)
}

func TestMemFSBackend(t *testing.T) {
	mem := fs.NewMemFS()
	s := openStore(t, "/db", func(o *Options) { o.FS = mem })
	for i := range 20 {
		_, err := s.Write(key(i), value(i), 0)
		require.NoError(t, err)
	}
	require.NoError(t, s.Close())

	s = openStore(t, "/db", func(o *Options) { o.FS = mem })
	defer s.Close()
	assert.Equal(t, 20, s.Len())
}

func TestBackup(t *testing.T) {
	dir := t.TempDir()
	s := openStore(t, dir, func(o *Options) { o.MaxSegmentSize = 4 << 10 })
	defer s.Close()

	for i := range 200 {
		_, err := s.Write(key(i), value(i), 0)
		require.NoError(t, err)
	}

	bs := blobstore.NewMemoryStore()
	rep, err := s.Backup(context.Background(), bs, "b1/segments")
	require.NoError(t, err)

	names, err := bs.List(context.Background(), "b1/segments/")
	require.NoError(t, err)
	assert.Len(t, names, rep.Files)
	assert.Equal(t, len(s.SegmentIDs()), rep.Files)

	var total int64
	for _, name := range names {
		var buf bytes.Buffer
		n, err := blobstore.Download(context.Background(), bs, name, &buf)
		require.NoError(t, err)
		total += n

		local, err := os.ReadFile(filepath.Join(dir, filepath.Base(name)))
		require.NoError(t, err)
		assert.Equal(t, local, buf.Bytes())
	}
	assert.Equal(t, rep.Bytes, total)
}
