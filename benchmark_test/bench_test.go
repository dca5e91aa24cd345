package benchmark_test

import (
	"context"
	"strconv"
	"sync/atomic"
	"testing"

	"github.com/hupe1980/kvgo"
	"github.com/hupe1980/kvgo/model"
	"github.com/hupe1980/kvgo/testutil"
)

const (
	benchSeed  = 4711
	valueSmall = 64
	valueLarge = 4096
)

func BenchmarkSet_Async(b *testing.B) {
	benchmarkSet(b, kvgo.DurabilityAsync)
}

func BenchmarkSet_Sync(b *testing.B) {
	benchmarkSet(b, kvgo.DurabilitySync)
}

func BenchmarkSet_Async_Parallel(b *testing.B) {
	benchmarkSetParallel(b, kvgo.DurabilityAsync)
}

func benchmarkSet(b *testing.B, durability kvgo.Durability) {
	for _, size := range []int{valueSmall, valueLarge} {
		b.Run("value="+strconv.Itoa(size), func(b *testing.B) {
			db := testutil.OpenDiskDB(b, kvgo.WithDurability(durability))
			rng := testutil.NewRNG(benchSeed)
			v := rng.RawValue(size)
			ctx := context.Background()

			b.ReportAllocs()
			b.SetBytes(int64(size))
			b.ResetTimer()
			for i := 0; i < b.N; i++ {
				if err := db.Set(ctx, model.NewNumericKey(uint64(i)), v); err != nil {
					b.Fatal(err)
				}
			}
			b.StopTimer()
			b.ReportMetric(float64(b.N)/b.Elapsed().Seconds(), "ops/sec")
		})
	}
}

func benchmarkSetParallel(b *testing.B, durability kvgo.Durability) {
	db := testutil.OpenDiskDB(b, kvgo.WithDurability(durability))
	v := testutil.NewRNG(benchSeed).RawValue(valueSmall)
	ctx := context.Background()
	var next atomic.Uint64

	b.ReportAllocs()
	b.ResetTimer()
	b.RunParallel(func(pb *testing.PB) {
		for pb.Next() {
			if err := db.Set(ctx, model.NewNumericKey(next.Add(1)), v); err != nil {
				b.Error(err)
				return
			}
		}
	})
}

// BenchmarkGet measures point reads over a preloaded key space with
// uniform and Zipfian access.
func BenchmarkGet(b *testing.B) {
	const numKeys = 10000
	for _, skew := range []float64{0, 1.2} {
		b.Run("zipf="+strconv.FormatFloat(skew, 'f', 1, 64), func(b *testing.B) {
			db := testutil.OpenDiskDB(b)
			rng := testutil.NewRNG(benchSeed)
			keys := rng.NumericKeys(numKeys)
			ctx := context.Background()
			load(b, db, keys, rng.RawValue(valueSmall))

			idx := make([]int, b.N)
			if skew == 0 {
				for i := range idx {
					idx[i] = rng.Intn(numKeys)
				}
			} else {
				idx = rng.ZipfIndexes(b.N, numKeys, skew)
			}

			b.ReportAllocs()
			b.ResetTimer()
			for i := 0; i < b.N; i++ {
				if _, err := db.Get(ctx, keys[idx[i]]); err != nil {
					b.Fatal(err)
				}
			}
		})
	}
}

// BenchmarkBatch measures each batch mode over batches of 100 upserts.
func BenchmarkBatch(b *testing.B) {
	modes := map[string]model.BatchMode{
		"atomic":      model.Atomic(),
		"best_effort": model.BestEffort(),
		"fail_fast":   model.FailFast(),
		"parallel":    model.Parallel(8),
	}
	for name, mode := range modes {
		b.Run(name, func(b *testing.B) {
			db := testutil.OpenDiskDB(b)
			rng := testutil.NewRNG(benchSeed)
			keys := rng.NumericKeys(1000)
			ops := rng.Operations(keys, 100, valueSmall, 0)
			ctx := context.Background()

			b.ReportAllocs()
			b.ResetTimer()
			for i := 0; i < b.N; i++ {
				if err := db.BatchExecute(ctx, ops, mode).Err(); err != nil {
					b.Fatal(err)
				}
			}
			b.StopTimer()
			b.ReportMetric(float64(b.N*len(ops))/b.Elapsed().Seconds(), "ops/sec")
		})
	}
}

func BenchmarkRangeScan(b *testing.B) {
	db := testutil.OpenDiskDB(b)
	rng := testutil.NewRNG(benchSeed)
	load(b, db, rng.NumericKeys(10000), rng.RawValue(valueSmall))
	ctx := context.Background()

	for _, width := range []uint64{10, 100, 1000} {
		b.Run("width="+strconv.FormatUint(width, 10), func(b *testing.B) {
			b.ReportAllocs()
			for i := 0; i < b.N; i++ {
				start := uint64(rng.Intn(10000 - int(width)))
				n := 0
				for range db.RangeScan(ctx, model.NewNumericKey(start), model.NewNumericKey(start+width)) {
					n++
				}
				if n != int(width) {
					b.Fatalf("scanned %d keys, want %d", n, width)
				}
			}
		})
	}
}

func load(b *testing.B, db *kvgo.DB, keys []model.Key, v model.Value) {
	b.Helper()
	ctx := context.Background()
	ops := make([]model.Operation, 0, 500)
	for i, k := range keys {
		ops = append(ops, model.Upsert(k, v))
		if len(ops) == cap(ops) || i == len(keys)-1 {
			if err := db.BatchExecute(ctx, ops, model.Atomic()).Err(); err != nil {
				b.Fatal(err)
			}
			ops = ops[:0]
		}
	}
}
