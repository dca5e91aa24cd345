package codec

import (
	"encoding/binary"
	"errors"
	"fmt"
	"math"

	"github.com/tinylib/msgp/msgp"

	"github.com/hupe1980/kvgo/model"
)

// ErrShortBuffer is returned when binary input ends mid-field.
var ErrShortBuffer = errors.New("codec: short buffer")

// Binary is the compact native encoding of model.Value and model.Operation.
//
// Fixed fields are little endian, lengths are uvarints, and dynamic field maps
// are embedded as MessagePack.
type Binary struct{}

// Name returns the unique name of the codec ("binary").
func (Binary) Name() string { return "binary" }

// Marshal encodes a model.Value or model.Operation (or pointers to them).
func (Binary) Marshal(v any) ([]byte, error) {
	switch t := v.(type) {
	case model.Value:
		return appendValue(nil, &t)
	case *model.Value:
		return appendValue(nil, t)
	case model.Operation:
		return appendOperation(nil, &t)
	case *model.Operation:
		return appendOperation(nil, t)
	}
	return nil, fmt.Errorf("%w: %T", ErrUnsupportedType, v)
}

// Unmarshal decodes into a *model.Value or *model.Operation.
func (Binary) Unmarshal(data []byte, v any) error {
	var (
		rest []byte
		err  error
	)
	switch t := v.(type) {
	case *model.Value:
		*t, rest, err = readValue(data)
	case *model.Operation:
		*t, rest, err = readOperation(data, 0)
	default:
		return fmt.Errorf("%w: %T", ErrUnsupportedType, v)
	}
	if err != nil {
		return err
	}
	if len(rest) != 0 {
		return fmt.Errorf("codec: %d trailing bytes", len(rest))
	}
	return nil
}

const maxBatchDepth = 4

const (
	opFlagValue = 1 << iota
	opFlagPrev
	opFlagHasPrev
	opFlagCondValue
)

func appendOperation(b []byte, op *model.Operation) ([]byte, error) {
	if err := op.Key.Validate(); err != nil {
		return nil, fmt.Errorf("codec: %w", err)
	}
	b = append(b, byte(op.Kind))
	b = binary.AppendUvarint(b, op.TxID)
	b = appendBytes(b, op.Key.Encode())

	var flags byte
	if op.Value != nil {
		flags |= opFlagValue
	}
	if op.Prev != nil {
		flags |= opFlagPrev
	}
	if op.HasPrev {
		flags |= opFlagHasPrev
	}
	if op.Condition.Value != nil {
		flags |= opFlagCondValue
	}
	b = append(b, flags, byte(op.Condition.Kind))

	var err error
	for _, v := range []*model.Value{op.Value, op.Prev, op.Condition.Value} {
		if v == nil {
			continue
		}
		if b, err = appendValue(b, v); err != nil {
			return nil, err
		}
	}

	b = binary.AppendUvarint(b, uint64(len(op.Ops)))
	for i := range op.Ops {
		if b, err = appendOperation(b, &op.Ops[i]); err != nil {
			return nil, err
		}
	}
	return b, nil
}

func readOperation(b []byte, depth int) (model.Operation, []byte, error) {
	var op model.Operation
	if depth > maxBatchDepth {
		return op, nil, fmt.Errorf("codec: batch nesting exceeds %d", maxBatchDepth)
	}
	if len(b) < 1 {
		return op, nil, ErrShortBuffer
	}
	op.Kind = model.OpKind(b[0])
	b = b[1:]

	var err error
	if op.TxID, b, err = readUvarint(b); err != nil {
		return op, nil, err
	}
	var kb []byte
	if kb, b, err = readBytes(b); err != nil {
		return op, nil, err
	}
	if op.Key, err = model.DecodeKey(kb); err != nil {
		return op, nil, err
	}
	if len(b) < 2 {
		return op, nil, ErrShortBuffer
	}
	flags := b[0]
	op.Condition.Kind = model.ConditionKind(b[1])
	b = b[2:]
	op.HasPrev = flags&opFlagHasPrev != 0

	readOpt := func(bit byte) (*model.Value, error) {
		if flags&bit == 0 {
			return nil, nil
		}
		var v model.Value
		v, b, err = readValue(b)
		if err != nil {
			return nil, err
		}
		return &v, nil
	}
	if op.Value, err = readOpt(opFlagValue); err != nil {
		return op, nil, err
	}
	if op.Prev, err = readOpt(opFlagPrev); err != nil {
		return op, nil, err
	}
	if op.Condition.Value, err = readOpt(opFlagCondValue); err != nil {
		return op, nil, err
	}

	var n uint64
	if n, b, err = readUvarint(b); err != nil {
		return op, nil, err
	}
	if n > uint64(len(b)) {
		return op, nil, ErrShortBuffer
	}
	if n > 0 {
		op.Ops = make([]model.Operation, n)
		for i := range op.Ops {
			if op.Ops[i], b, err = readOperation(b, depth+1); err != nil {
				return op, nil, err
			}
		}
	}
	return op, b, nil
}

func appendValue(b []byte, v *model.Value) ([]byte, error) {
	if err := v.Validate(); err != nil {
		return nil, err
	}
	b = append(b, byte(v.Kind))
	var err error
	switch v.Kind {
	case model.ValueKindRaw:
		b = appendBytes(b, v.Raw)
	case model.ValueKindStructured:
		b, err = appendFields(b, v.Fields)
	case model.ValueKindTimeSeries:
		b = binary.LittleEndian.AppendUint64(b, uint64(v.Point.Timestamp))
		b = binary.LittleEndian.AppendUint64(b, math.Float64bits(v.Point.Value))
		b = appendStringMap(b, v.Point.Tags)
	case model.ValueKindBlob:
		b = appendBytes(b, []byte(v.Blob.MIME))
		b = appendBytes(b, v.Blob.Data)
	case model.ValueKindInputRecord:
		b = appendBytes(b, []byte(v.Input.Original))
		b = appendBytes(b, v.Input.Quantized)
		b = appendStringMap(b, v.Input.Lineage)
		b, err = appendFields(b, v.Input.Parsed)
	}
	return b, err
}

func readValue(b []byte) (model.Value, []byte, error) {
	var v model.Value
	if len(b) < 1 {
		return v, nil, ErrShortBuffer
	}
	v.Kind = model.ValueKind(b[0])
	b = b[1:]

	var err error
	switch v.Kind {
	case model.ValueKindRaw:
		var raw []byte
		if raw, b, err = readBytes(b); err != nil {
			return v, nil, err
		}
		v.Raw = append([]byte{}, raw...)
	case model.ValueKindStructured:
		v.Fields, b, err = readFields(b)
		if err == nil && v.Fields == nil {
			v.Fields = map[string]any{}
		}
	case model.ValueKindTimeSeries:
		if len(b) < 16 {
			return v, nil, ErrShortBuffer
		}
		p := &model.TimeSeriesPoint{
			Timestamp: model.Timestamp(binary.LittleEndian.Uint64(b)),
			Value:     math.Float64frombits(binary.LittleEndian.Uint64(b[8:])),
		}
		p.Tags, b, err = readStringMap(b[16:])
		v.Point = p
	case model.ValueKindBlob:
		var mime, data []byte
		if mime, b, err = readBytes(b); err != nil {
			return v, nil, err
		}
		if data, b, err = readBytes(b); err != nil {
			return v, nil, err
		}
		v.Blob = &model.Blob{MIME: string(mime), Data: append([]byte{}, data...)}
	case model.ValueKindInputRecord:
		rec := &model.InputRecord{}
		var orig, q []byte
		if orig, b, err = readBytes(b); err != nil {
			return v, nil, err
		}
		if q, b, err = readBytes(b); err != nil {
			return v, nil, err
		}
		rec.Original = string(orig)
		if len(q) > 0 {
			rec.Quantized = append([]byte{}, q...)
		}
		if rec.Lineage, b, err = readStringMap(b); err != nil {
			return v, nil, err
		}
		rec.Parsed, b, err = readFields(b)
		v.Input = rec
	default:
		return v, nil, fmt.Errorf("codec: unknown value kind %d", v.Kind)
	}
	if err != nil {
		return v, nil, err
	}
	return v, b, nil
}

func appendFields(b []byte, m map[string]any) ([]byte, error) {
	if m == nil {
		return binary.AppendUvarint(b, 0), nil
	}
	enc, err := msgp.AppendMapStrIntf(nil, m)
	if err != nil {
		return nil, fmt.Errorf("codec: encode fields: %w", err)
	}
	return appendBytes(b, enc), nil
}

func readFields(b []byte) (map[string]any, []byte, error) {
	enc, rest, err := readBytes(b)
	if err != nil {
		return nil, nil, err
	}
	if len(enc) == 0 {
		return nil, rest, nil
	}
	m, _, err := msgp.ReadMapStrIntfBytes(enc, nil)
	if err != nil {
		return nil, nil, fmt.Errorf("codec: decode fields: %w", err)
	}
	return m, rest, nil
}

func appendStringMap(b []byte, m map[string]string) []byte {
	b = binary.AppendUvarint(b, uint64(len(m)))
	for k, v := range m {
		b = appendBytes(b, []byte(k))
		b = appendBytes(b, []byte(v))
	}
	return b
}

func readStringMap(b []byte) (map[string]string, []byte, error) {
	n, b, err := readUvarint(b)
	if err != nil {
		return nil, nil, err
	}
	if n == 0 {
		return nil, b, nil
	}
	if n > uint64(len(b)) {
		return nil, nil, ErrShortBuffer
	}
	m := make(map[string]string, n)
	for range n {
		var k, v []byte
		if k, b, err = readBytes(b); err != nil {
			return nil, nil, err
		}
		if v, b, err = readBytes(b); err != nil {
			return nil, nil, err
		}
		m[string(k)] = string(v)
	}
	return m, b, nil
}

func appendBytes(b, p []byte) []byte {
	b = binary.AppendUvarint(b, uint64(len(p)))
	return append(b, p...)
}

func readBytes(b []byte) ([]byte, []byte, error) {
	n, b, err := readUvarint(b)
	if err != nil {
		return nil, nil, err
	}
	if n > uint64(len(b)) {
		return nil, nil, ErrShortBuffer
	}
	return b[:n], b[n:], nil
}

func readUvarint(b []byte) (uint64, []byte, error) {
	v, n := binary.Uvarint(b)
	if n <= 0 {
		return 0, nil, ErrShortBuffer
	}
	return v, b[n:], nil
}
