package model

import (
	"bytes"
	"cmp"
	"encoding/binary"
	"errors"
	"fmt"
	"math"
	"slices"
	"strconv"
	"strings"

	"github.com/cespare/xxhash/v2"
	json "github.com/goccy/go-json"
	"github.com/google/uuid"
)

// IDKind tags the variant held by a KeyID.
type IDKind uint8

const (
	IDKindUUID IDKind = iota + 1
	IDKindNumeric
	IDKindComposite
	IDKindCustom
)

// String returns the name of the kind.
func (k IDKind) String() string {
	switch k {
	case IDKindUUID:
		return "uuid"
	case IDKindNumeric:
		return "numeric"
	case IDKindComposite:
		return "composite"
	case IDKindCustom:
		return "custom"
	default:
		return "unknown"
	}
}

var (
	// ErrInvalidKey is returned when an encoded key cannot be decoded or a
	// key does not fit the encoding.
	ErrInvalidKey = errors.New("invalid key encoding")
)

// KeyID is the identifying part of a Key.
// The zero value is an empty custom identifier.
type KeyID struct {
	kind  IDKind
	uuid  uuid.UUID
	num   uint64
	parts []string
	raw   []byte
}

// UUIDID returns a UUID identifier.
func UUIDID(u uuid.UUID) KeyID { return KeyID{kind: IDKindUUID, uuid: u} }

// NumericID returns a numeric identifier.
func NumericID(n uint64) KeyID { return KeyID{kind: IDKindNumeric, num: n} }

// CompositeID returns an identifier made of ordered string parts.
func CompositeID(parts ...string) KeyID {
	return KeyID{kind: IDKindComposite, parts: slices.Clone(parts)}
}

// CustomID returns an opaque byte-string identifier.
func CustomID(b []byte) KeyID {
	return KeyID{kind: IDKindCustom, raw: bytes.Clone(b)}
}

// Kind returns the variant tag. The zero KeyID reports IDKindCustom.
func (id KeyID) Kind() IDKind {
	if id.kind == 0 {
		return IDKindCustom
	}
	return id.kind
}

// UUID returns the UUID value and whether the identifier is a UUID.
func (id KeyID) UUID() (uuid.UUID, bool) { return id.uuid, id.kind == IDKindUUID }

// Numeric returns the numeric value and whether the identifier is numeric.
func (id KeyID) Numeric() (uint64, bool) { return id.num, id.kind == IDKindNumeric }

// Parts returns the composite parts and whether the identifier is composite.
func (id KeyID) Parts() ([]string, bool) { return id.parts, id.kind == IDKindComposite }

// Bytes returns the opaque bytes and whether the identifier is custom.
func (id KeyID) Bytes() ([]byte, bool) { return id.raw, id.Kind() == IDKindCustom }

// Compare orders identifiers by kind, then by value.
func (id KeyID) Compare(other KeyID) int {
	if c := cmp.Compare(id.Kind(), other.Kind()); c != 0 {
		return c
	}
	switch id.Kind() {
	case IDKindUUID:
		return bytes.Compare(id.uuid[:], other.uuid[:])
	case IDKindNumeric:
		return cmp.Compare(id.num, other.num)
	case IDKindComposite:
		return slices.Compare(id.parts, other.parts)
	default:
		return bytes.Compare(id.raw, other.raw)
	}
}

// String returns a human-readable form of the identifier.
func (id KeyID) String() string {
	switch id.Kind() {
	case IDKindUUID:
		return id.uuid.String()
	case IDKindNumeric:
		return strconv.FormatUint(id.num, 10)
	case IDKindComposite:
		return strings.Join(id.parts, "/")
	default:
		return string(id.raw)
	}
}

// Key addresses one logical record.
type Key struct {
	ID            KeyID
	Timestamp     Timestamp
	SchemaVersion uint32
	TenantID      string
}

// NewStringKey returns a key with a custom identifier holding s.
func NewStringKey(s string) Key { return Key{ID: CustomID([]byte(s))} }

// NewCustomKey returns a key with an opaque identifier.
func NewCustomKey(b []byte) Key { return Key{ID: CustomID(b)} }

// NewNumericKey returns a key with a numeric identifier.
func NewNumericKey(n uint64) Key { return Key{ID: NumericID(n)} }

// NewUUIDKey returns a key with a UUID identifier.
func NewUUIDKey(u uuid.UUID) Key { return Key{ID: UUIDID(u)} }

// NewCompositeKey returns a key with a composite identifier.
func NewCompositeKey(parts ...string) Key { return Key{ID: CompositeID(parts...)} }

// WithTimestamp returns a copy of k with the given timestamp.
func (k Key) WithTimestamp(ts Timestamp) Key {
	k.Timestamp = ts
	return k
}

// WithTenant returns a copy of k scoped to tenant.
func (k Key) WithTenant(tenant string) Key {
	k.TenantID = tenant
	return k
}

// WithSchemaVersion returns a copy of k tagged with version v.
func (k Key) WithSchemaVersion(v uint32) Key {
	k.SchemaVersion = v
	return k
}

// Compare orders keys by identifier, then timestamp, then tenant.
// The schema version is a tag and does not take part in ordering.
func (k Key) Compare(other Key) int {
	if c := k.ID.Compare(other.ID); c != 0 {
		return c
	}
	if c := cmp.Compare(k.Timestamp, other.Timestamp); c != 0 {
		return c
	}
	return cmp.Compare(k.TenantID, other.TenantID)
}

// Less reports whether k orders before other.
func (k Key) Less(other Key) bool { return k.Compare(other) < 0 }

// Equal reports whether both keys address the same record.
func (k Key) Equal(other Key) bool { return k.Compare(other) == 0 }

// String returns a human-readable form of the key.
func (k Key) String() string {
	s := k.ID.String()
	if k.TenantID != "" {
		s = k.TenantID + "|" + s
	}
	if k.Timestamp != 0 {
		s += "@" + strconv.FormatUint(uint64(k.Timestamp), 10)
	}
	return s
}

// ShardID maps the key identifier onto one of n shards.
func (k Key) ShardID(n int) int {
	if n <= 1 {
		return 0
	}
	return int(xxhash.Sum64(k.ID.appendEncoded(nil)) % uint64(n))
}

// Hash returns the xxhash of the encoded key.
func (k Key) Hash() uint64 {
	return xxhash.Sum64(k.Encode())
}

// Ident returns a string suitable as a map key for lock tables and caches.
// The schema version is excluded so it matches Compare.
func (k Key) Ident() string {
	b := k.ID.appendEncoded(nil)
	b = binary.LittleEndian.AppendUint64(b, uint64(k.Timestamp))
	b = append(b, k.TenantID...)
	return string(b)
}

// Validate reports whether the key fits its binary encoding. Tenants,
// composite part counts and part lengths are limited to math.MaxUint16 bytes.
func (k Key) Validate() error {
	if len(k.TenantID) > math.MaxUint16 {
		return fmt.Errorf("%w: tenant is %d bytes, max %d", ErrInvalidKey, len(k.TenantID), math.MaxUint16)
	}
	switch k.ID.Kind() {
	case IDKindComposite:
		if len(k.ID.parts) > math.MaxUint16 {
			return fmt.Errorf("%w: %d composite parts, max %d", ErrInvalidKey, len(k.ID.parts), math.MaxUint16)
		}
		for i, p := range k.ID.parts {
			if len(p) > math.MaxUint16 {
				return fmt.Errorf("%w: composite part %d is %d bytes, max %d", ErrInvalidKey, i, len(p), math.MaxUint16)
			}
		}
	case IDKindCustom:
		if uint64(len(k.ID.raw)) > math.MaxUint32 {
			return fmt.Errorf("%w: custom id is %d bytes, max %d", ErrInvalidKey, len(k.ID.raw), uint64(math.MaxUint32))
		}
	}
	return nil
}

// Encode returns the binary form of the key.
// Callers validate the key first; oversized lengths are truncated.
//
// Layout: kind(1) | id payload | timestamp(8) | schema(4) | tenant_len(2) | tenant
func (k Key) Encode() []byte {
	return k.AppendEncoded(make([]byte, 0, 32))
}

// AppendEncoded appends the binary form of the key to b.
func (k Key) AppendEncoded(b []byte) []byte {
	b = k.ID.appendEncoded(b)
	b = binary.LittleEndian.AppendUint64(b, uint64(k.Timestamp))
	b = binary.LittleEndian.AppendUint32(b, k.SchemaVersion)
	b = binary.LittleEndian.AppendUint16(b, uint16(len(k.TenantID)))
	return append(b, k.TenantID...)
}

func (id KeyID) appendEncoded(b []byte) []byte {
	b = append(b, byte(id.Kind()))
	switch id.Kind() {
	case IDKindUUID:
		b = append(b, id.uuid[:]...)
	case IDKindNumeric:
		b = binary.LittleEndian.AppendUint64(b, id.num)
	case IDKindComposite:
		b = binary.LittleEndian.AppendUint16(b, uint16(len(id.parts)))
		for _, p := range id.parts {
			b = binary.LittleEndian.AppendUint16(b, uint16(len(p)))
			b = append(b, p...)
		}
	default:
		b = binary.LittleEndian.AppendUint32(b, uint32(len(id.raw)))
		b = append(b, id.raw...)
	}
	return b
}

// DecodeKey parses a key produced by Encode.
func DecodeKey(b []byte) (Key, error) {
	k, rest, err := ReadKey(b)
	if err != nil {
		return Key{}, err
	}
	if len(rest) != 0 {
		return Key{}, fmt.Errorf("%w: %d trailing bytes", ErrInvalidKey, len(rest))
	}
	return k, nil
}

// ReadKey parses one encoded key from the front of b and returns the remainder.
func ReadKey(b []byte) (Key, []byte, error) {
	var k Key
	if len(b) < 1 {
		return k, nil, ErrInvalidKey
	}
	kind := IDKind(b[0])
	b = b[1:]

	switch kind {
	case IDKindUUID:
		if len(b) < 16 {
			return k, nil, ErrInvalidKey
		}
		var u uuid.UUID
		copy(u[:], b[:16])
		k.ID = UUIDID(u)
		b = b[16:]
	case IDKindNumeric:
		if len(b) < 8 {
			return k, nil, ErrInvalidKey
		}
		k.ID = NumericID(binary.LittleEndian.Uint64(b))
		b = b[8:]
	case IDKindComposite:
		if len(b) < 2 {
			return k, nil, ErrInvalidKey
		}
		n := int(binary.LittleEndian.Uint16(b))
		b = b[2:]
		parts := make([]string, 0, n)
		for range n {
			if len(b) < 2 {
				return k, nil, ErrInvalidKey
			}
			l := int(binary.LittleEndian.Uint16(b))
			b = b[2:]
			if len(b) < l {
				return k, nil, ErrInvalidKey
			}
			parts = append(parts, string(b[:l]))
			b = b[l:]
		}
		k.ID = KeyID{kind: IDKindComposite, parts: parts}
	case IDKindCustom:
		if len(b) < 4 {
			return k, nil, ErrInvalidKey
		}
		l := int(binary.LittleEndian.Uint32(b))
		b = b[4:]
		if len(b) < l {
			return k, nil, ErrInvalidKey
		}
		k.ID = CustomID(b[:l])
		b = b[l:]
	default:
		return k, nil, fmt.Errorf("%w: kind %d", ErrInvalidKey, kind)
	}

	if len(b) < 14 {
		return k, nil, ErrInvalidKey
	}
	k.Timestamp = Timestamp(binary.LittleEndian.Uint64(b))
	k.SchemaVersion = binary.LittleEndian.Uint32(b[8:])
	tl := int(binary.LittleEndian.Uint16(b[12:]))
	b = b[14:]
	if len(b) < tl {
		return k, nil, ErrInvalidKey
	}
	k.TenantID = string(b[:tl])
	return k, b[tl:], nil
}

// ParseKey interprets s as a key. A "uuid:", "num:", or "parts:" prefix
// selects the identifier kind; anything else is a string key.
// A "tenant|" prefix sets the tenant.
func ParseKey(s string) (Key, error) {
	var tenant string
	if i := strings.IndexByte(s, '|'); i >= 0 {
		tenant, s = s[:i], s[i+1:]
	}
	var k Key
	switch {
	case strings.HasPrefix(s, "uuid:"):
		u, err := uuid.Parse(strings.TrimPrefix(s, "uuid:"))
		if err != nil {
			return Key{}, fmt.Errorf("%w: %w", ErrInvalidKey, err)
		}
		k = NewUUIDKey(u)
	case strings.HasPrefix(s, "num:"):
		n, err := strconv.ParseUint(strings.TrimPrefix(s, "num:"), 10, 64)
		if err != nil {
			return Key{}, fmt.Errorf("%w: %w", ErrInvalidKey, err)
		}
		k = NewNumericKey(n)
	case strings.HasPrefix(s, "parts:"):
		k = NewCompositeKey(strings.Split(strings.TrimPrefix(s, "parts:"), "/")...)
	default:
		k = NewStringKey(s)
	}
	return k.WithTenant(tenant), nil
}

type keyIDJSON struct {
	Kind  string    `json:"kind"`
	UUID  uuid.UUID `json:"uuid"`
	Num   uint64    `json:"num,omitempty"`
	Parts []string  `json:"parts,omitempty"`
	Raw   []byte    `json:"raw,omitempty"`
}

// MarshalJSON implements json.Marshaler.
func (id KeyID) MarshalJSON() ([]byte, error) {
	return json.Marshal(keyIDJSON{
		Kind:  id.Kind().String(),
		UUID:  id.uuid,
		Num:   id.num,
		Parts: id.parts,
		Raw:   id.raw,
	})
}

// UnmarshalJSON implements json.Unmarshaler.
func (id *KeyID) UnmarshalJSON(data []byte) error {
	var j keyIDJSON
	if err := json.Unmarshal(data, &j); err != nil {
		return err
	}
	switch j.Kind {
	case "uuid":
		*id = UUIDID(j.UUID)
	case "numeric":
		*id = NumericID(j.Num)
	case "composite":
		*id = CompositeID(j.Parts...)
	case "custom", "":
		*id = CustomID(j.Raw)
	default:
		return fmt.Errorf("%w: kind %q", ErrInvalidKey, j.Kind)
	}
	return nil
}
