package codec

import (
	"fmt"

	"github.com/tinylib/msgp/msgp"

	"github.com/hupe1980/kvgo/model"
)

// Msgpack is the map-based MessagePack codec.
//
// Values and operations are written as self-describing string-keyed maps, so
// new fields can be added without breaking older readers. Arbitrary
// map/slice/scalar trees are accepted as well.
type Msgpack struct{}

// Name returns the unique name of the codec ("msgpack").
func (Msgpack) Name() string { return "msgpack" }

// Marshal encodes v as MessagePack.
func (Msgpack) Marshal(v any) ([]byte, error) {
	switch t := v.(type) {
	case model.Value:
		return msgp.AppendMapStrIntf(nil, valueToMap(&t))
	case *model.Value:
		return msgp.AppendMapStrIntf(nil, valueToMap(t))
	case model.Operation:
		if err := validateKeys(&t); err != nil {
			return nil, err
		}
		return msgp.AppendMapStrIntf(nil, opToMap(&t))
	case *model.Operation:
		if err := validateKeys(t); err != nil {
			return nil, err
		}
		return msgp.AppendMapStrIntf(nil, opToMap(t))
	}
	return msgp.AppendIntf(nil, v)
}

// Unmarshal decodes into *model.Value, *model.Operation, *map[string]any, or *any.
func (Msgpack) Unmarshal(data []byte, v any) error {
	switch t := v.(type) {
	case *model.Value:
		m, _, err := msgp.ReadMapStrIntfBytes(data, nil)
		if err != nil {
			return err
		}
		*t, err = valueFromMap(m)
		return err
	case *model.Operation:
		m, _, err := msgp.ReadMapStrIntfBytes(data, nil)
		if err != nil {
			return err
		}
		*t, err = opFromMap(m, 0)
		return err
	case *map[string]any:
		m, _, err := msgp.ReadMapStrIntfBytes(data, nil)
		if err != nil {
			return err
		}
		*t = m
		return nil
	case *any:
		i, _, err := msgp.ReadIntfBytes(data)
		if err != nil {
			return err
		}
		*t = i
		return nil
	}
	return fmt.Errorf("%w: %T", ErrUnsupportedType, v)
}

func valueToMap(v *model.Value) map[string]any {
	m := map[string]any{"kind": uint8(v.Kind)}
	switch v.Kind {
	case model.ValueKindRaw:
		m["raw"] = v.Raw
	case model.ValueKindStructured:
		m["fields"] = v.Fields
	case model.ValueKindTimeSeries:
		if v.Point != nil {
			m["ts"] = uint64(v.Point.Timestamp)
			m["value"] = v.Point.Value
			m["tags"] = v.Point.Tags
		}
	case model.ValueKindBlob:
		if v.Blob != nil {
			m["mime"] = v.Blob.MIME
			m["data"] = v.Blob.Data
		}
	case model.ValueKindInputRecord:
		if v.Input != nil {
			m["original"] = v.Input.Original
			m["parsed"] = v.Input.Parsed
			m["quantized"] = v.Input.Quantized
			m["lineage"] = v.Input.Lineage
		}
	}
	return m
}

func valueFromMap(m map[string]any) (model.Value, error) {
	var v model.Value
	v.Kind = model.ValueKind(asUint(m["kind"]))
	switch v.Kind {
	case model.ValueKindRaw:
		v.Raw = asBytes(m["raw"])
	case model.ValueKindStructured:
		v.Fields = asMap(m["fields"])
		if v.Fields == nil {
			v.Fields = map[string]any{}
		}
	case model.ValueKindTimeSeries:
		v.Point = &model.TimeSeriesPoint{
			Timestamp: model.Timestamp(asUint(m["ts"])),
			Value:     asFloat(m["value"]),
			Tags:      asStringMap(m["tags"]),
		}
	case model.ValueKindBlob:
		v.Blob = &model.Blob{MIME: asString(m["mime"]), Data: asBytes(m["data"])}
	case model.ValueKindInputRecord:
		v.Input = &model.InputRecord{
			Original:  asString(m["original"]),
			Parsed:    asMap(m["parsed"]),
			Quantized: asBytes(m["quantized"]),
			Lineage:   asStringMap(m["lineage"]),
		}
	default:
		return v, fmt.Errorf("codec: unknown value kind %d", v.Kind)
	}
	return v, nil
}

func validateKeys(op *model.Operation) error {
	if err := op.Key.Validate(); err != nil {
		return fmt.Errorf("codec: %w", err)
	}
	for i := range op.Ops {
		if err := validateKeys(&op.Ops[i]); err != nil {
			return err
		}
	}
	return nil
}

func opToMap(op *model.Operation) map[string]any {
	m := map[string]any{
		"kind": uint8(op.Kind),
		"key":  op.Key.Encode(),
	}
	if op.TxID != 0 {
		m["tx"] = op.TxID
	}
	if op.Value != nil {
		m["value"] = valueToMap(op.Value)
	}
	if op.HasPrev {
		m["has_prev"] = true
	}
	if op.Prev != nil {
		m["prev"] = valueToMap(op.Prev)
	}
	if op.Condition.Kind != model.CondNone {
		cond := map[string]any{"kind": uint8(op.Condition.Kind)}
		if op.Condition.Value != nil {
			cond["value"] = valueToMap(op.Condition.Value)
		}
		m["cond"] = cond
	}
	if len(op.Ops) > 0 {
		ops := make([]any, len(op.Ops))
		for i := range op.Ops {
			ops[i] = opToMap(&op.Ops[i])
		}
		m["ops"] = ops
	}
	return m
}

func opFromMap(m map[string]any, depth int) (model.Operation, error) {
	var op model.Operation
	if depth > maxBatchDepth {
		return op, fmt.Errorf("codec: batch nesting exceeds %d", maxBatchDepth)
	}
	op.Kind = model.OpKind(asUint(m["kind"]))
	op.TxID = asUint(m["tx"])
	k, err := model.DecodeKey(asBytes(m["key"]))
	if err != nil {
		return op, err
	}
	op.Key = k

	optValue := func(raw any) (*model.Value, error) {
		vm := asMap(raw)
		if vm == nil {
			return nil, nil
		}
		v, err := valueFromMap(vm)
		if err != nil {
			return nil, err
		}
		return &v, nil
	}
	if op.Value, err = optValue(m["value"]); err != nil {
		return op, err
	}
	if op.Prev, err = optValue(m["prev"]); err != nil {
		return op, err
	}
	op.HasPrev, _ = m["has_prev"].(bool)
	if cond := asMap(m["cond"]); cond != nil {
		op.Condition.Kind = model.ConditionKind(asUint(cond["kind"]))
		if op.Condition.Value, err = optValue(cond["value"]); err != nil {
			return op, err
		}
	}
	if ops, ok := m["ops"].([]any); ok {
		op.Ops = make([]model.Operation, len(ops))
		for i, raw := range ops {
			if op.Ops[i], err = opFromMap(asMap(raw), depth+1); err != nil {
				return op, err
			}
		}
	}
	return op, nil
}

func asUint(v any) uint64 {
	switch n := v.(type) {
	case uint64:
		return n
	case int64:
		return uint64(n)
	case uint8:
		return uint64(n)
	case int:
		return uint64(n)
	}
	return 0
}

func asFloat(v any) float64 {
	switch n := v.(type) {
	case float64:
		return n
	case float32:
		return float64(n)
	case int64:
		return float64(n)
	case uint64:
		return float64(n)
	}
	return 0
}

func asString(v any) string {
	switch s := v.(type) {
	case string:
		return s
	case []byte:
		return string(s)
	}
	return ""
}

func asBytes(v any) []byte {
	switch b := v.(type) {
	case []byte:
		if len(b) == 0 {
			return nil
		}
		return b
	case string:
		return []byte(b)
	}
	return nil
}

func asMap(v any) map[string]any {
	m, _ := v.(map[string]any)
	return m
}

func asStringMap(v any) map[string]string {
	m := asMap(v)
	if len(m) == 0 {
		return nil
	}
	out := make(map[string]string, len(m))
	for k, val := range m {
		out[k] = asString(val)
	}
	return out
}
