package benchmark_test

import (
	"context"
	"testing"

	"github.com/hupe1980/kvgo"
	"github.com/hupe1980/kvgo/model"
	"github.com/hupe1980/kvgo/testutil"
)

// BenchmarkCompaction_Pressure overwrites a small key space with small
// segments so every compaction cycle has garbage to reclaim.
func BenchmarkCompaction_Pressure(b *testing.B) {
	b.ReportAllocs()

	db := testutil.OpenDiskDB(b,
		kvgo.WithMaxSegmentSize(256<<10),
		kvgo.WithCompactionThreshold(0.2),
		kvgo.WithCompactionCheckInterval(0),
	)
	rng := testutil.NewRNG(benchSeed)
	keys := rng.NumericKeys(500)
	v := rng.RawValue(512)
	ctx := context.Background()

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		for _, k := range keys[:100] {
			if err := db.Set(ctx, k, v); err != nil {
				b.Fatal(err)
			}
		}
		if _, err := db.Compact(ctx); err != nil {
			b.Fatal(err)
		}
	}
}

func BenchmarkReopen(b *testing.B) {
	dir := b.TempDir()
	db, err := kvgo.Open(dir, kvgo.WithLogger(kvgo.NoopLogger()))
	if err != nil {
		b.Fatal(err)
	}
	rng := testutil.NewRNG(benchSeed)
	load(b, db, rng.NumericKeys(20000), rng.RawValue(valueSmall))
	if err := db.Close(); err != nil {
		b.Fatal(err)
	}

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		db, err := kvgo.Open(dir, kvgo.WithLogger(kvgo.NoopLogger()))
		if err != nil {
			b.Fatal(err)
		}
		if _, err := db.Get(context.Background(), model.NewNumericKey(1)); err != nil {
			b.Fatal(err)
		}
		if err := db.Close(); err != nil {
			b.Fatal(err)
		}
	}
}
