package model

import (
	"math"
	"slices"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestKeyEncodeRoundTrip(t *testing.T) {
	keys := []Key{
		NewStringKey("user:1"),
		NewNumericKey(42).WithTimestamp(Timestamp(7)),
		NewUUIDKey(uuid.MustParse("6ba7b810-9dad-11d1-80b4-00c04fd430c8")).WithTenant("acme"),
		NewCompositeKey("orders", "2024", "17").WithSchemaVersion(3),
		NewCustomKey([]byte{0, 1, 2, 255}),
		{},
	}
	for _, k := range keys {
		t.Run(k.String(), func(t *testing.T) {
			got, err := DecodeKey(k.Encode())
			require.NoError(t, err)
			assert.True(t, k.Equal(got))
			assert.Equal(t, k.SchemaVersion, got.SchemaVersion)
			assert.Equal(t, k.ID.Kind(), got.ID.Kind())
		})
	}
}

func TestDecodeKeyTruncated(t *testing.T) {
	enc := NewCompositeKey("a", "bc").WithTenant("t").Encode()
	for i := 0; i < len(enc); i++ {
		_, err := DecodeKey(enc[:i])
		assert.ErrorIs(t, err, ErrInvalidKey, "prefix %d", i)
	}
}

func TestKeyValidateLengthLimits(t *testing.T) {
	manyParts := func(n int) []string {
		parts := make([]string, n)
		for i := range parts {
			parts[i] = "p"
		}
		return parts
	}
	tests := []struct {
		name  string
		key   Key
		valid bool
	}{
		{"tenant at limit", NewStringKey("k").WithTenant(strings.Repeat("t", math.MaxUint16)), true},
		{"tenant over limit", NewStringKey("k").WithTenant(strings.Repeat("t", math.MaxUint16+1)), false},
		{"part count at limit", NewCompositeKey(manyParts(math.MaxUint16)...), true},
		{"part count over limit", NewCompositeKey(manyParts(math.MaxUint16+1)...), false},
		{"part length at limit", NewCompositeKey("a", strings.Repeat("p", math.MaxUint16)), true},
		{"part length over limit", NewCompositeKey("a", strings.Repeat("p", math.MaxUint16+1)), false},
		{"long custom id", NewCustomKey(make([]byte, math.MaxUint16+1)), true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.key.Validate()
			if !tt.valid {
				require.ErrorIs(t, err, ErrInvalidKey)
				return
			}
			require.NoError(t, err)
			got, err := DecodeKey(tt.key.Encode())
			require.NoError(t, err)
			assert.True(t, tt.key.Equal(got))
		})
	}
}

func TestOperationValidateChecksKey(t *testing.T) {
	big := NewStringKey("k").WithTenant(strings.Repeat("t", 70000))
	assert.ErrorIs(t, Upsert(big, StringValue("v")).Validate(), ErrInvalidKey)
	assert.ErrorIs(t, Delete(big).Validate(), ErrInvalidKey)

	batch := Operation{Kind: OpBatch, Ops: []Operation{Delete(NewStringKey("ok")), Delete(big)}}
	assert.ErrorIs(t, batch.Validate(), ErrInvalidKey)
}

func TestKeyOrdering(t *testing.T) {
	a := NewStringKey("user:1")
	b := NewStringKey("user:2")
	assert.Equal(t, -1, a.Compare(b))
	assert.Equal(t, 1, b.Compare(a))
	assert.Equal(t, 0, a.Compare(NewStringKey("user:1")))

	// Identifier dominates timestamp.
	assert.True(t, a.WithTimestamp(100).Less(b.WithTimestamp(1)))
	// Timestamp orders equal identifiers.
	assert.True(t, a.WithTimestamp(1).Less(a.WithTimestamp(2)))

	// Numeric identifiers order numerically, not lexically.
	assert.True(t, NewNumericKey(9).Less(NewNumericKey(10)))

	// Composite identifiers order part by part.
	assert.True(t, NewCompositeKey("a", "b").Less(NewCompositeKey("a", "c")))
	assert.True(t, NewCompositeKey("a").Less(NewCompositeKey("a", "a")))

	// Schema version does not affect identity.
	assert.True(t, a.Equal(a.WithSchemaVersion(9)))
}

func TestKeySortIsTotal(t *testing.T) {
	keys := []Key{
		NewStringKey("b"),
		NewNumericKey(3),
		NewStringKey("a"),
		NewNumericKey(1),
		NewCompositeKey("x"),
	}
	slices.SortFunc(keys, Key.Compare)
	for i := 1; i < len(keys); i++ {
		assert.True(t, keys[i-1].Less(keys[i]))
	}
	assert.Equal(t, IDKindNumeric, keys[0].ID.Kind())
}

func TestKeyIdentMatchesEquality(t *testing.T) {
	a := NewStringKey("k").WithTenant("t1")
	assert.Equal(t, a.Ident(), a.WithSchemaVersion(5).Ident())
	assert.NotEqual(t, a.Ident(), a.WithTenant("t2").Ident())
	assert.NotEqual(t, NewStringKey("ab").Ident(), NewCompositeKey("ab").Ident())
}

func TestShardID(t *testing.T) {
	k := NewStringKey("user:1")
	s := k.ShardID(16)
	assert.GreaterOrEqual(t, s, 0)
	assert.Less(t, s, 16)
	assert.Equal(t, s, k.WithTimestamp(99).ShardID(16), "shard depends on identifier only")
	assert.Equal(t, 0, k.ShardID(1))
}

func TestParseKey(t *testing.T) {
	k, err := ParseKey("acme|num:12")
	require.NoError(t, err)
	n, ok := k.ID.Numeric()
	require.True(t, ok)
	assert.Equal(t, uint64(12), n)
	assert.Equal(t, "acme", k.TenantID)

	k, err = ParseKey("parts:a/b")
	require.NoError(t, err)
	parts, ok := k.ID.Parts()
	require.True(t, ok)
	assert.Equal(t, []string{"a", "b"}, parts)

	k, err = ParseKey("user:1")
	require.NoError(t, err)
	assert.True(t, k.Equal(NewStringKey("user:1")))

	_, err = ParseKey("num:x")
	assert.ErrorIs(t, err, ErrInvalidKey)
}

func TestTimestampPacking(t *testing.T) {
	now := time.Unix(1700000000, 123456789)
	ts := FromTime(now)
	assert.Equal(t, uint64(1700000000), uint64(ts)>>32)
	assert.True(t, now.Equal(ts.Time()))
}

func TestClockMonotonic(t *testing.T) {
	var c Clock
	c.Observe(Now() + Timestamp(1<<40))
	prev := c.Next()
	for range 1000 {
		next := c.Next()
		require.Greater(t, next, prev)
		prev = next
	}
}
