package storage

import (
	"bufio"
	"encoding/binary"
	"errors"
	"hash/crc32"
	"io"

	"github.com/hupe1980/kvgo/codec"
	"github.com/hupe1980/kvgo/internal/compress"
	"github.com/hupe1980/kvgo/model"
)

// HeaderSize is the fixed size of a record header.
//
// Layout (little endian):
//
//	key_len     u32  @0
//	val_len     u32  @4
//	timestamp   u64  @8
//	compression u8   @16
//	checksum    u32  @17  CRC32 (IEEE) over key and value bytes
//	deleted     u8   @21
//	reserved    [10] @22  reserved[0] holds the codec format
const HeaderSize = 32

// maxRecordSize bounds key_len + val_len so a corrupt header cannot force a
// huge allocation.
const maxRecordSize = 256 << 20

var errTornRecord = errors.New("torn record")

type header struct {
	KeyLen      uint32
	ValLen      uint32
	Timestamp   model.Timestamp
	Compression compress.Type
	Checksum    uint32
	Deleted     bool
	Format      codec.Format
}

func (h *header) size() int64 {
	return HeaderSize + int64(h.KeyLen) + int64(h.ValLen)
}

func (h *header) put(b []byte) {
	_ = b[HeaderSize-1]
	binary.LittleEndian.PutUint32(b[0:], h.KeyLen)
	binary.LittleEndian.PutUint32(b[4:], h.ValLen)
	binary.LittleEndian.PutUint64(b[8:], uint64(h.Timestamp))
	b[16] = byte(h.Compression)
	binary.LittleEndian.PutUint32(b[17:], h.Checksum)
	b[21] = 0
	if h.Deleted {
		b[21] = 1
	}
	clear(b[22:HeaderSize])
	b[22] = byte(h.Format)
}

func parseHeader(b []byte) (header, error) {
	if len(b) < HeaderSize {
		return header{}, errTornRecord
	}
	h := header{
		KeyLen:      binary.LittleEndian.Uint32(b[0:]),
		ValLen:      binary.LittleEndian.Uint32(b[4:]),
		Timestamp:   model.Timestamp(binary.LittleEndian.Uint64(b[8:])),
		Compression: compress.Type(b[16]),
		Checksum:    binary.LittleEndian.Uint32(b[17:]),
		Deleted:     b[21] == 1,
		Format:      codec.Format(b[22]),
	}
	if b[21] > 1 || h.KeyLen == 0 || uint64(h.KeyLen)+uint64(h.ValLen) > maxRecordSize {
		return header{}, errTornRecord
	}
	return h, nil
}

// encodeRecord frames key and value bytes into a record.
func encodeRecord(key, value []byte, ts model.Timestamp, ct compress.Type, f codec.Format, deleted bool) []byte {
	h := header{
		KeyLen:      uint32(len(key)),
		ValLen:      uint32(len(value)),
		Timestamp:   ts,
		Compression: ct,
		Deleted:     deleted,
		Format:      f,
	}
	crc := crc32.NewIEEE()
	_, _ = crc.Write(key)
	_, _ = crc.Write(value)
	h.Checksum = crc.Sum32()

	buf := make([]byte, HeaderSize, h.size())
	h.put(buf)
	buf = append(buf, key...)
	return append(buf, value...)
}

// record is a decoded view of one framed record.
type record struct {
	header
	Offset int64
	Key    []byte
	Value  []byte
}

func (r *record) size() int64 { return r.header.size() }

// parseRecord validates a complete record held in b.
func parseRecord(b []byte) (record, error) {
	h, err := parseHeader(b)
	if err != nil {
		return record{}, err
	}
	if int64(len(b)) < h.size() {
		return record{}, errTornRecord
	}
	kEnd := HeaderSize + int(h.KeyLen)
	body := b[HeaderSize:h.size()]
	if crc32.ChecksumIEEE(body) != h.Checksum {
		return record{}, ErrCorrupted
	}
	return record{header: h, Key: b[HeaderSize:kEnd], Value: b[kEnd:h.size()]}, nil
}

// recordScanner iterates the records of a segment sequentially.
type recordScanner struct {
	r      *bufio.Reader
	offset int64
	rec    record
	buf    []byte
	err    error
}

func newRecordScanner(r io.Reader) *recordScanner {
	return &recordScanner{r: bufio.NewReaderSize(r, 256<<10)}
}

// Next advances to the next valid record. It returns false at the end of the
// segment or at the first torn or corrupt record; Err distinguishes the two.
func (s *recordScanner) Next() bool {
	if s.err != nil {
		return false
	}
	var hb [HeaderSize]byte
	n, err := io.ReadFull(s.r, hb[:])
	if err == io.EOF {
		return false
	}
	if err != nil || n < HeaderSize {
		s.err = errTornRecord
		return false
	}
	h, err := parseHeader(hb[:])
	if err != nil {
		s.err = err
		return false
	}
	total := int(h.size())
	if cap(s.buf) < total {
		s.buf = make([]byte, total)
	}
	s.buf = s.buf[:total]
	copy(s.buf, hb[:])
	if _, err := io.ReadFull(s.r, s.buf[HeaderSize:]); err != nil {
		s.err = errTornRecord
		return false
	}
	rec, err := parseRecord(s.buf)
	if err != nil {
		s.err = err
		return false
	}
	rec.Offset = s.offset
	s.rec = rec
	s.offset += int64(total)
	return true
}

// Record returns the current record. Its slices are reused by Next.
func (s *recordScanner) Record() record { return s.rec }

// Raw returns the framed bytes of the current record. Reused by Next.
func (s *recordScanner) Raw() []byte { return s.buf }

// Valid returns the end offset of the last valid record.
func (s *recordScanner) Valid() int64 { return s.offset }

// Err returns the reason scanning stopped early, or nil at a clean end.
func (s *recordScanner) Err() error { return s.err }
