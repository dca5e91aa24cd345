package testutil

import (
	"fmt"
	"math"
	"math/rand"
	"sync"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"

	"github.com/hupe1980/kvgo"
	"github.com/hupe1980/kvgo/model"
)

// RNG struct encapsulates the random number generator and seed.
// It is thread-safe.
type RNG struct {
	rand *rand.Rand
	seed int64
	mu   sync.Mutex
}

// NewRNG creates a new RNG instance with the specified seed.
func NewRNG(seed int64) *RNG {
	return &RNG{
		rand: rand.New(rand.NewSource(seed)),
		seed: seed,
	}
}

// Reset resets the RNG to its initial seed.
func (r *RNG) Reset() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.rand.Seed(r.seed)
}

// Seed returns the initial seed.
func (r *RNG) Seed() int64 {
	return r.seed
}

// Intn returns a non-negative pseudo-random number in [0,n).
func (r *RNG) Intn(n int) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.rand.Intn(n)
}

// Uint64 returns a pseudo-random uint64.
func (r *RNG) Uint64() uint64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.rand.Uint64()
}

// Float64 returns a pseudo-random number in [0,1).
func (r *RNG) Float64() float64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.rand.Float64()
}

// Shuffle pseudo-randomizes the order of elements.
func (r *RNG) Shuffle(n int, swap func(i, j int)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.rand.Shuffle(n, swap)
}

// Bytes returns n pseudo-random bytes.
func (r *RNG) Bytes(n int) []byte {
	r.mu.Lock()
	defer r.mu.Unlock()
	b := make([]byte, n)
	_, _ = r.rand.Read(b)
	return b
}

// NumericKeys returns the keys 0..n-1 in shuffled order.
func (r *RNG) NumericKeys(n int) []model.Key {
	keys := make([]model.Key, n)
	for i := range keys {
		keys[i] = model.NewNumericKey(uint64(i))
	}
	r.Shuffle(n, func(i, j int) { keys[i], keys[j] = keys[j], keys[i] })
	return keys
}

// StringKeys returns n distinct keys of the form prefix:%08d in shuffled
// order.
func (r *RNG) StringKeys(prefix string, n int) []model.Key {
	keys := make([]model.Key, n)
	for i := range keys {
		keys[i] = model.NewStringKey(fmt.Sprintf("%s:%08d", prefix, i))
	}
	r.Shuffle(n, func(i, j int) { keys[i], keys[j] = keys[j], keys[i] })
	return keys
}

// UUIDKey returns a UUID key drawn from the seeded source.
func (r *RNG) UUIDKey() model.Key {
	u, err := uuid.FromBytes(r.Bytes(16))
	if err != nil {
		panic(err)
	}
	return model.NewUUIDKey(u)
}

// RawValue returns a raw value of size random bytes.
func (r *RNG) RawValue(size int) model.Value {
	return model.RawValue(r.Bytes(size))
}

// StructuredValue returns a small structured record.
func (r *RNG) StructuredValue() model.Value {
	return model.StructuredValue(map[string]any{
		"id":    fmt.Sprintf("%016x", r.Uint64()),
		"score": math.Round(r.Float64()*1000) / 1000,
		"tags":  []any{"a", "b"},
	})
}

// Values returns n raw values of the given size.
func (r *RNG) Values(n, size int) []model.Value {
	vals := make([]model.Value, n)
	for i := range vals {
		vals[i] = r.RawValue(size)
	}
	return vals
}

// Zipf returns a Zipfian-distributed value in [0, n).
// Uses Zipf's law: P(k) ∝ 1/k^s where s is the skew parameter.
// s=1.0 gives standard Zipf, s=1.5 gives heavy-tail (80/20 rule).
func (r *RNG) Zipf(n int, s float64) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.zipfLocked(n, s)
}

// zipfLocked is the internal implementation (caller must hold lock).
func (r *RNG) zipfLocked(n int, s float64) int {
	if n <= 1 {
		return 0
	}

	// Normalization constant (harmonic number with exponent s)
	var hns float64
	for i := 1; i <= n; i++ {
		hns += 1.0 / math.Pow(float64(i), s)
	}

	u := r.rand.Float64() * hns
	var cumulative float64
	for k := 1; k <= n; k++ {
		cumulative += 1.0 / math.Pow(float64(k), s)
		if u <= cumulative {
			return k - 1
		}
	}

	return n - 1
}

// ZipfIndexes returns n indexes into [0, keys) with Zipfian skew, the
// access pattern of a hot-key workload.
func (r *RNG) ZipfIndexes(n, keys int, s float64) []int {
	r.mu.Lock()
	defer r.mu.Unlock()

	out := make([]int, n)
	for i := range n {
		out[i] = r.zipfLocked(keys, s)
	}
	return out
}

// Operations returns n upserts and deletes over keys; deleteRate is the
// fraction of deletes.
func (r *RNG) Operations(keys []model.Key, n, valueSize int, deleteRate float64) []model.Operation {
	ops := make([]model.Operation, n)
	for i := range ops {
		k := keys[r.Intn(len(keys))]
		if r.Float64() < deleteRate {
			ops[i] = model.Delete(k)
			continue
		}
		ops[i] = model.Upsert(k, r.RawValue(valueSize))
	}
	return ops
}

// OpenMemoryDB opens a database on the in-memory backend with background
// checkpoints and compaction disabled. It is closed on cleanup.
func OpenMemoryDB(tb testing.TB, opts ...kvgo.Option) *kvgo.DB {
	tb.Helper()
	all := append([]kvgo.Option{
		kvgo.WithStorageBackend("memory"),
		kvgo.WithCheckpointInterval(0),
		kvgo.WithCompactionCheckInterval(0),
		kvgo.WithLogger(kvgo.NoopLogger()),
	}, opts...)
	return open(tb, "/"+tb.Name(), all)
}

// OpenDiskDB opens a database in a temporary directory. It is closed on
// cleanup.
func OpenDiskDB(tb testing.TB, opts ...kvgo.Option) *kvgo.DB {
	tb.Helper()
	all := append([]kvgo.Option{kvgo.WithLogger(kvgo.NoopLogger())}, opts...)
	return open(tb, tb.TempDir(), all)
}

func open(tb testing.TB, dir string, opts []kvgo.Option) *kvgo.DB {
	tb.Helper()
	db, err := kvgo.Open(dir, opts...)
	require.NoError(tb, err)
	tb.Cleanup(func() { _ = db.Close() })
	return db
}
