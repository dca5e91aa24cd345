package model

import (
	"bytes"
	"fmt"
	"maps"

	json "github.com/goccy/go-json"
)

// ValueKind tags the variant held by a Value.
type ValueKind uint8

const (
	ValueKindRaw ValueKind = iota + 1
	ValueKindStructured
	ValueKindTimeSeries
	ValueKindBlob
	ValueKindInputRecord
)

// String returns the name of the kind.
func (k ValueKind) String() string {
	switch k {
	case ValueKindRaw:
		return "raw"
	case ValueKindStructured:
		return "structured"
	case ValueKindTimeSeries:
		return "timeseries"
	case ValueKindBlob:
		return "blob"
	case ValueKindInputRecord:
		return "input"
	default:
		return fmt.Sprintf("kind(%d)", uint8(k))
	}
}

// TimeSeriesPoint is a single measurement.
type TimeSeriesPoint struct {
	Timestamp Timestamp         `json:"timestamp" msg:"timestamp"`
	Value     float64           `json:"value" msg:"value"`
	Tags      map[string]string `json:"tags,omitempty" msg:"tags"`
}

// Blob is opaque data with a MIME type.
type Blob struct {
	Data []byte `json:"data"`
	MIME string `json:"mime"`
}

// InputRecord carries an original input together with what was derived from it.
type InputRecord struct {
	Original  string            `json:"original"`
	Parsed    map[string]any    `json:"parsed,omitempty"`
	Quantized []byte            `json:"quantized,omitempty"`
	Lineage   map[string]string `json:"lineage,omitempty"`
}

// Value is the tagged union stored under a key.
// Exactly one payload field is set, selected by Kind.
type Value struct {
	Kind   ValueKind        `json:"kind"`
	Raw    []byte           `json:"raw,omitempty"`
	Fields map[string]any   `json:"fields,omitempty"`
	Point  *TimeSeriesPoint `json:"point,omitempty"`
	Blob   *Blob            `json:"blob,omitempty"`
	Input  *InputRecord     `json:"input,omitempty"`
}

// RawValue returns a raw byte value.
func RawValue(b []byte) Value { return Value{Kind: ValueKindRaw, Raw: bytes.Clone(b)} }

// StringValue returns a raw value holding s.
func StringValue(s string) Value { return Value{Kind: ValueKindRaw, Raw: []byte(s)} }

// StructuredValue returns a structured record.
func StructuredValue(fields map[string]any) Value {
	return Value{Kind: ValueKindStructured, Fields: maps.Clone(fields)}
}

// TimeSeriesValue returns a time-series point.
func TimeSeriesValue(ts Timestamp, v float64, tags map[string]string) Value {
	return Value{Kind: ValueKindTimeSeries, Point: &TimeSeriesPoint{Timestamp: ts, Value: v, Tags: maps.Clone(tags)}}
}

// BlobValue returns a blob with the given MIME type.
func BlobValue(data []byte, mime string) Value {
	return Value{Kind: ValueKindBlob, Blob: &Blob{Data: bytes.Clone(data), MIME: mime}}
}

// InputValue returns an input record.
func InputValue(rec InputRecord) Value {
	return Value{Kind: ValueKindInputRecord, Input: &rec}
}

// Validate checks that the payload matching Kind is present.
func (v Value) Validate() error {
	switch v.Kind {
	case ValueKindRaw:
		return nil
	case ValueKindStructured:
		if v.Fields == nil {
			return fmt.Errorf("structured value without fields")
		}
	case ValueKindTimeSeries:
		if v.Point == nil {
			return fmt.Errorf("time-series value without point")
		}
	case ValueKindBlob:
		if v.Blob == nil {
			return fmt.Errorf("blob value without blob")
		}
	case ValueKindInputRecord:
		if v.Input == nil {
			return fmt.Errorf("input value without record")
		}
	default:
		return fmt.Errorf("unknown value kind %d", v.Kind)
	}
	return nil
}

// Equal reports structural equality. Dynamic fields compare by their
// canonical JSON form so numbers decoded as int64 and float64 agree.
func (v Value) Equal(other Value) bool {
	if v.Kind != other.Kind {
		return false
	}
	switch v.Kind {
	case ValueKindRaw:
		return bytes.Equal(v.Raw, other.Raw)
	case ValueKindStructured:
		return canonicalEqual(v.Fields, other.Fields)
	case ValueKindTimeSeries:
		a, b := v.Point, other.Point
		if a == nil || b == nil {
			return a == b
		}
		return a.Timestamp == b.Timestamp && a.Value == b.Value && maps.Equal(normTags(a.Tags), normTags(b.Tags))
	case ValueKindBlob:
		a, b := v.Blob, other.Blob
		if a == nil || b == nil {
			return a == b
		}
		return a.MIME == b.MIME && bytes.Equal(a.Data, b.Data)
	case ValueKindInputRecord:
		a, b := v.Input, other.Input
		if a == nil || b == nil {
			return a == b
		}
		return a.Original == b.Original &&
			bytes.Equal(a.Quantized, b.Quantized) &&
			maps.Equal(normTags(a.Lineage), normTags(b.Lineage)) &&
			canonicalEqual(a.Parsed, b.Parsed)
	}
	return false
}

// Size returns an estimate of the value's in-memory payload size.
func (v Value) Size() int {
	switch v.Kind {
	case ValueKindRaw:
		return len(v.Raw)
	case ValueKindBlob:
		if v.Blob != nil {
			return len(v.Blob.Data) + len(v.Blob.MIME)
		}
	case ValueKindTimeSeries:
		if v.Point != nil {
			return 16 + 32*len(v.Point.Tags)
		}
	case ValueKindInputRecord:
		if v.Input != nil {
			return len(v.Input.Original) + len(v.Input.Quantized) + 64*(len(v.Input.Parsed)+len(v.Input.Lineage))
		}
	case ValueKindStructured:
		return 64 * len(v.Fields)
	}
	return 0
}

func normTags(m map[string]string) map[string]string {
	if len(m) == 0 {
		return nil
	}
	return m
}

func canonicalEqual(a, b map[string]any) bool {
	if len(a) == 0 && len(b) == 0 {
		return true
	}
	ja, err := json.Marshal(a)
	if err != nil {
		return false
	}
	jb, err := json.Marshal(b)
	if err != nil {
		return false
	}
	return bytes.Equal(ja, jb)
}
