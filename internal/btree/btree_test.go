package btree

import (
	"fmt"
	"math/rand/v2"
	"slices"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hupe1980/kvgo/model"
)

func newTree(t *testing.T, order, cacheSize int) *BTree {
	t.Helper()
	tr, err := New(Options{Order: order, CacheSize: cacheSize})
	require.NoError(t, err)
	return tr
}

func loc(i int) model.ValueLocation {
	return model.ValueLocation{SegmentID: "seg", Offset: uint64(i) * 64, Size: 64}
}

func numKey(i int) model.Key { return model.NewNumericKey(uint64(i)) }

func TestNewRejectsSmallOrder(t *testing.T) {
	_, err := New(Options{Order: 2})
	assert.Error(t, err)

	tr, err := New(Options{})
	require.NoError(t, err)
	assert.Equal(t, DefaultOrder, tr.Order())
}

func TestInsertLookupReplace(t *testing.T) {
	tr := newTree(t, 4, 16)

	assert.False(t, tr.Insert(model.NewStringKey("user:1"), loc(1)))
	assert.True(t, tr.Insert(model.NewStringKey("user:1"), loc(2)))
	assert.Equal(t, 1, tr.Len())

	got, ok := tr.Lookup(model.NewStringKey("user:1"))
	require.True(t, ok)
	assert.Equal(t, loc(2), got)

	_, ok = tr.Lookup(model.NewStringKey("user:2"))
	assert.False(t, ok)
}

func TestRandomInsertDeleteKeepsInvariants(t *testing.T) {
	for _, order := range []int{3, 4, 5, 8, 64} {
		t.Run(fmt.Sprintf("order=%d", order), func(t *testing.T) {
			tr := newTree(t, order, 32)
			rng := rand.New(rand.NewPCG(uint64(order), 42))
			ref := make(map[int]model.ValueLocation)

			for step := range 4000 {
				k := rng.IntN(500)
				if rng.IntN(3) == 0 {
					_, had := ref[k]
					assert.Equal(t, had, tr.Delete(numKey(k)))
					delete(ref, k)
				} else {
					l := loc(step)
					_, had := ref[k]
					assert.Equal(t, had, tr.Insert(numKey(k), l))
					ref[k] = l
				}
				if step%250 == 0 {
					require.NoError(t, tr.Check(), "step %d", step)
				}
			}
			require.NoError(t, tr.Check())
			assert.Equal(t, len(ref), tr.Len())

			for k, want := range ref {
				got, ok := tr.Lookup(numKey(k))
				require.True(t, ok, "key %d", k)
				assert.Equal(t, want, got)
			}

			// Drain completely.
			for k := range ref {
				require.True(t, tr.Delete(numKey(k)))
			}
			require.NoError(t, tr.Check())
			assert.Equal(t, 0, tr.Len())
			assert.Equal(t, 1, tr.Height())
		})
	}
}

func TestRangeMatchesLinearScan(t *testing.T) {
	tr := newTree(t, 5, 0)
	rng := rand.New(rand.NewPCG(7, 7))
	var keys []int
	for _, k := range rng.Perm(1000) {
		if k%3 == 0 {
			continue
		}
		tr.Insert(numKey(k), loc(k))
		keys = append(keys, k)
	}
	slices.Sort(keys)

	for range 50 {
		lo, hi := rng.IntN(1100), rng.IntN(1100)
		if lo > hi {
			lo, hi = hi, lo
		}
		var want []int
		for _, k := range keys {
			if k >= lo && k < hi {
				want = append(want, k)
			}
		}
		var got []int
		for k, l := range tr.Range(numKey(lo), numKey(hi)) {
			n, _ := k.ID.Numeric()
			assert.Equal(t, loc(int(n)), l)
			got = append(got, int(n))
		}
		assert.Equal(t, want, got, "range [%d,%d)", lo, hi)
	}

	var all []int
	for k := range tr.All() {
		n, _ := k.ID.Numeric()
		all = append(all, int(n))
	}
	assert.Equal(t, keys, all)
}

func TestRangeSpansBatchesAndStopsEarly(t *testing.T) {
	tr := newTree(t, 4, 0)
	n := scanBatch*3 + 7
	for i := range n {
		tr.Insert(numKey(i), loc(i))
	}

	count := 0
	for range tr.From(numKey(0)) {
		count++
	}
	assert.Equal(t, n, count)

	count = 0
	for range tr.All() {
		count++
		if count == scanBatch+1 {
			break
		}
	}
	assert.Equal(t, scanBatch+1, count)
}

func TestRangeToleratesConcurrentWrites(t *testing.T) {
	tr := newTree(t, 4, 0)
	for i := range 1000 {
		tr.Insert(numKey(i*2), loc(i))
	}

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		for i := range 1000 {
			tr.Insert(numKey(i*2+1), loc(i))
			if i%5 == 0 {
				tr.Delete(numKey(i * 2))
			}
		}
	}()

	var prev *model.Key
	for k := range tr.All() {
		if prev != nil {
			assert.Negative(t, prev.Compare(k))
		}
		prev = &k
	}
	wg.Wait()
	require.NoError(t, tr.Check())
}

func TestRelocate(t *testing.T) {
	tr := newTree(t, 4, 8)
	k := model.NewStringKey("a")
	tr.Insert(k, loc(1))
	_, _ = tr.Lookup(k) // fill cache

	assert.False(t, tr.Relocate(k, loc(9), loc(2)), "stale old location")
	assert.True(t, tr.Relocate(k, loc(1), loc(2)))
	assert.False(t, tr.Relocate(model.NewStringKey("missing"), loc(1), loc(2)))

	got, ok := tr.Lookup(k)
	require.True(t, ok)
	assert.Equal(t, loc(2), got)
}

func TestCacheInvalidation(t *testing.T) {
	tr := newTree(t, 4, 8)
	k := model.NewStringKey("user:1")
	tr.Insert(k, loc(1))

	_, _ = tr.Lookup(k)
	_, _ = tr.Lookup(k)
	st := tr.CacheStats()
	assert.Equal(t, uint64(1), st.Hits)
	assert.Equal(t, uint64(1), st.Misses)

	tr.Insert(k, loc(2))
	got, _ := tr.Lookup(k)
	assert.Equal(t, loc(2), got)

	tr.Delete(k)
	_, ok := tr.Lookup(k)
	assert.False(t, ok)
}

func TestMarshalRoundTrip(t *testing.T) {
	tr := newTree(t, 5, 8)
	for i := range 777 {
		tr.Insert(model.NewCompositeKey("t", fmt.Sprintf("%05d", i)).WithTenant("acme"), loc(i))
	}
	for i := 0; i < 777; i += 4 {
		tr.Delete(model.NewCompositeKey("t", fmt.Sprintf("%05d", i)).WithTenant("acme"))
	}

	data, err := tr.MarshalBinary()
	require.NoError(t, err)

	restored := newTree(t, 64, 8)
	require.NoError(t, restored.UnmarshalBinary(data))
	require.NoError(t, restored.Check())
	assert.Equal(t, 5, restored.Order())
	assert.Equal(t, tr.Len(), restored.Len())

	var want, got []model.Key
	for k := range tr.All() {
		want = append(want, k)
	}
	for k := range restored.All() {
		got = append(got, k)
	}
	assert.Equal(t, want, got)

	// Restored trees stay writable.
	restored.Insert(model.NewStringKey("new"), loc(1))
	require.NoError(t, restored.Check())
}

func TestUnmarshalRejectsCorruption(t *testing.T) {
	tr := newTree(t, 4, 0)
	for i := range 50 {
		tr.Insert(numKey(i), loc(i))
	}
	data, err := tr.MarshalBinary()
	require.NoError(t, err)

	target := newTree(t, 4, 0)
	target.Insert(numKey(1), loc(1))

	flipped := slices.Clone(data)
	flipped[len(flipped)/2] ^= 0xFF
	assert.ErrorIs(t, target.UnmarshalBinary(flipped), ErrInvalid)
	assert.ErrorIs(t, target.UnmarshalBinary(data[:10]), ErrInvalid)
	assert.Equal(t, 1, target.Len(), "failed load leaves the tree unchanged")

	empty := newTree(t, 4, 0)
	data, err = empty.MarshalBinary()
	require.NoError(t, err)
	require.NoError(t, target.UnmarshalBinary(data))
	assert.Equal(t, 0, target.Len())
}

func TestConcurrentLookups(t *testing.T) {
	tr := newTree(t, 16, 128)
	for i := range 2000 {
		tr.Insert(numKey(i), loc(i))
	}

	var wg sync.WaitGroup
	for g := range 8 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := range 2000 {
				k := (i*7 + g) % 2000
				if g == 0 && i%3 == 0 {
					tr.Insert(numKey(k), loc(k))
					continue
				}
				got, ok := tr.Lookup(numKey(k))
				if assert.True(t, ok) {
					assert.Equal(t, loc(k), got)
				}
			}
		}()
	}
	wg.Wait()
	require.NoError(t, tr.Check())
}

func TestClear(t *testing.T) {
	tr := newTree(t, 4, 8)
	for i := range 100 {
		tr.Insert(numKey(i), loc(i))
	}
	tr.Clear()
	assert.Equal(t, 0, tr.Len())
	_, ok := tr.Lookup(numKey(1))
	assert.False(t, ok)
	require.NoError(t, tr.Check())
}
