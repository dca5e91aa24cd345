package wal

import (
	"encoding/binary"
	"errors"
	"hash/crc32"
	"io"

	"github.com/hupe1980/kvgo/codec"
	"github.com/hupe1980/kvgo/model"
)

const (
	// headerSize is length(4) + checksum(4) + timestamp(8).
	headerSize = 16
	// bodyPrefix is lsn(8) + format(1).
	bodyPrefix = 9
	// maxRecordSize bounds a single record body.
	maxRecordSize = 64 << 20
)

var (
	ErrInvalidCRC     = errors.New("invalid WAL record checksum")
	ErrShortRead      = errors.New("short read in WAL record")
	ErrRecordTooLarge = errors.New("WAL record too large")
)

// Record is a single framed entry in a WAL segment.
//
// Format:
// [Length: 4 bytes] [CRC32: 4 bytes] [Timestamp: 8 bytes] [LSN: 8 bytes] [Format: 1 byte] [Payload]
//
// Length counts everything after the header; the CRC covers the same bytes.
type Record struct {
	LSN       uint64
	Timestamp model.Timestamp
	Format    codec.Format
	Payload   []byte
}

// Size returns the encoded size of the record.
func (r *Record) Size() int {
	return headerSize + bodyPrefix + len(r.Payload)
}

// Encode writes the framed record to w.
func (r *Record) Encode(w io.Writer) error {
	_, err := w.Write(r.AppendTo(make([]byte, 0, r.Size())))
	return err
}

// AppendTo appends the framed record to b.
func (r *Record) AppendTo(b []byte) []byte {
	start := len(b)
	b = append(b, make([]byte, headerSize)...)
	b = binary.LittleEndian.AppendUint64(b, r.LSN)
	b = append(b, byte(r.Format))
	b = append(b, r.Payload...)

	body := b[start+headerSize:]
	binary.LittleEndian.PutUint32(b[start:], uint32(len(body)))
	binary.LittleEndian.PutUint32(b[start+4:], crc32.ChecksumIEEE(body))
	binary.LittleEndian.PutUint64(b[start+8:], uint64(r.Timestamp))
	return b
}

// Operation decodes the payload.
func (r *Record) Operation() (model.Operation, error) {
	return codec.DecodeOperation(r.Format, r.Payload)
}

// Decode reads one record from r and returns it with the number of bytes consumed.
//
// A clean end of input returns io.EOF. A partial header or body returns
// ErrShortRead, and a checksum mismatch returns ErrInvalidCRC; both mark a
// torn tail.
func Decode(r io.Reader) (*Record, int64, error) {
	var header [headerSize]byte
	n, err := io.ReadFull(r, header[:])
	if err == io.EOF {
		return nil, 0, io.EOF
	}
	if err != nil {
		return nil, int64(n), ErrShortRead
	}

	length := binary.LittleEndian.Uint32(header[0:])
	checksum := binary.LittleEndian.Uint32(header[4:])
	ts := binary.LittleEndian.Uint64(header[8:])

	if length > maxRecordSize {
		return nil, headerSize, ErrRecordTooLarge
	}
	if length < bodyPrefix {
		return nil, headerSize, ErrShortRead
	}

	body := make([]byte, length)
	if m, err := io.ReadFull(r, body); err != nil {
		return nil, headerSize + int64(m), ErrShortRead
	}
	total := int64(headerSize) + int64(length)

	if crc32.ChecksumIEEE(body) != checksum {
		return nil, total, ErrInvalidCRC
	}

	return &Record{
		LSN:       binary.LittleEndian.Uint64(body),
		Timestamp: model.Timestamp(ts),
		Format:    codec.Format(body[8]),
		Payload:   body[bodyPrefix:],
	}, total, nil
}

// IsTornTail reports whether err marks the end of the valid part of a segment.
func IsTornTail(err error) bool {
	return errors.Is(err, ErrShortRead) || errors.Is(err, ErrInvalidCRC) || errors.Is(err, ErrRecordTooLarge)
}
