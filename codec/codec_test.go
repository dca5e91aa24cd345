package codec

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hupe1980/kvgo/model"
)

var formats = []Format{FormatBinary, FormatJSON, FormatMsgpack}

func sampleValues() map[string]model.Value {
	return map[string]model.Value{
		"raw":        model.StringValue("hello"),
		"empty raw":  model.RawValue(nil),
		"structured": model.StructuredValue(map[string]any{"name": "Ana", "age": 31, "tags": []any{"a", "b"}, "nested": map[string]any{"ok": true}}),
		"timeseries": model.TimeSeriesValue(model.Timestamp(99), 3.25, map[string]string{"host": "a"}),
		"blob":       model.BlobValue([]byte{0, 1, 2, 3}, "application/octet-stream"),
		"input": model.InputValue(model.InputRecord{
			Original:  "turn on the lights",
			Parsed:    map[string]any{"intent": "lights_on"},
			Quantized: []byte{7, 7},
			Lineage:   map[string]string{"source": "voice"},
		}),
	}
}

func TestValueRoundTrip(t *testing.T) {
	for _, f := range formats {
		for name, v := range sampleValues() {
			t.Run(f.String()+"/"+name, func(t *testing.T) {
				data, err := EncodeValue(f, v)
				require.NoError(t, err)

				got, err := DecodeValue(f, data)
				require.NoError(t, err)
				assert.True(t, v.Equal(got), "got %+v", got)
			})
		}
	}
}

func TestOperationRoundTrip(t *testing.T) {
	prev := model.StringValue("before")
	set := model.Upsert(model.NewNumericKey(5).WithTenant("acme"), model.StringValue("after"))
	set.TxID = 12
	set.HasPrev, set.Prev = true, &prev

	cond := model.Update(model.NewStringKey("k"), model.StringValue("v")).When(model.ValueEquals(model.StringValue("old")))

	batch := model.Operation{
		Kind: model.OpBatch,
		TxID: 3,
		Ops:  []model.Operation{set, model.Delete(model.NewCompositeKey("a", "b"))},
	}

	ops := []model.Operation{set, cond, batch, {Kind: model.OpCommit, TxID: 12}}
	for _, f := range formats {
		for _, op := range ops {
			t.Run(f.String()+"/"+op.Kind.String(), func(t *testing.T) {
				data, err := EncodeOperation(f, op)
				require.NoError(t, err)

				got, err := DecodeOperation(f, data)
				require.NoError(t, err)
				assertOpEqual(t, op, got)
			})
		}
	}
}

func assertOpEqual(t *testing.T, want, got model.Operation) {
	t.Helper()
	assert.Equal(t, want.Kind, got.Kind)
	assert.Equal(t, want.TxID, got.TxID)
	assert.True(t, want.Key.Equal(got.Key))
	assert.Equal(t, want.HasPrev, got.HasPrev)
	assert.Equal(t, want.Condition.Kind, got.Condition.Kind)
	assertOptValue(t, want.Value, got.Value)
	assertOptValue(t, want.Prev, got.Prev)
	assertOptValue(t, want.Condition.Value, got.Condition.Value)
	require.Len(t, got.Ops, len(want.Ops))
	for i := range want.Ops {
		assertOpEqual(t, want.Ops[i], got.Ops[i])
	}
}

func assertOptValue(t *testing.T, want, got *model.Value) {
	t.Helper()
	if want == nil {
		assert.Nil(t, got)
		return
	}
	require.NotNil(t, got)
	assert.True(t, want.Equal(*got))
}

func TestOperationRejectsOversizedKey(t *testing.T) {
	big := model.NewStringKey("k").WithTenant(strings.Repeat("t", 1<<16))
	batch := model.Operation{Kind: model.OpBatch, Ops: []model.Operation{model.Delete(big)}}
	for _, f := range []Format{FormatBinary, FormatMsgpack} {
		for _, op := range []model.Operation{model.Upsert(big, model.StringValue("v")), batch} {
			_, err := EncodeOperation(f, op)
			assert.ErrorIs(t, err, model.ErrInvalidKey, f.String())
		}
	}
}

func TestBinaryRejectsTruncatedInput(t *testing.T) {
	data, err := EncodeValue(FormatBinary, model.BlobValue([]byte("payload"), "text/plain"))
	require.NoError(t, err)
	for i := 0; i < len(data); i++ {
		_, err := DecodeValue(FormatBinary, data[:i])
		assert.Error(t, err, "prefix %d", i)
	}
}

func TestBinaryUnsupportedType(t *testing.T) {
	_, err := Binary{}.Marshal(42)
	assert.ErrorIs(t, err, ErrUnsupportedType)
}

func TestByName(t *testing.T) {
	for _, name := range []string{"binary", "json", "msgpack"} {
		c, ok := ByName(name)
		require.True(t, ok)
		assert.Equal(t, name, c.Name())

		f, err := ParseFormat(name)
		require.NoError(t, err)
		assert.Equal(t, name, f.String())
	}
	_, ok := ByName("xml")
	assert.False(t, ok)
	_, err := ByFormat(Format(0))
	assert.Error(t, err)
}

func TestMsgpackGenericMap(t *testing.T) {
	in := map[string]any{"a": "b", "n": int64(3)}
	data, err := Msgpack{}.Marshal(in)
	require.NoError(t, err)

	var out map[string]any
	require.NoError(t, Msgpack{}.Unmarshal(data, &out))
	assert.Equal(t, "b", out["a"])
	assert.EqualValues(t, 3, out["n"])
}
