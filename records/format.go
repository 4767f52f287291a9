// Package records implements the binary record shards the training streams
// read from. Each record is framed as
//
//	uvarint(len(payload)) | payload | crc32c(payload) little-endian
//
// and the payload is a protobuf-wire message with field 1 holding the input
// vector and field 2 the output vector, both as packed doubles.
package records

import (
	"bufio"
	"encoding/binary"
	"errors"
	"fmt"
	"hash/crc32"
	"io"
	"math"
	"os"

	"google.golang.org/protobuf/encoding/protowire"

	"github.com/tsawler/go-marge/dataset"
)

const (
	fieldInputs  protowire.Number = 1
	fieldOutputs protowire.Number = 2

	// maxPayload bounds a single record so a corrupt length prefix cannot
	// trigger a huge allocation
	maxPayload = 64 << 20
)

var castagnoli = crc32.MakeTable(crc32.Castagnoli)

// ErrIO is returned when a record file cannot be opened, created or renamed
var ErrIO = dataset.ErrIO

// ErrDecode is returned for truncated, corrupt or mis-shaped records
var ErrDecode = errors.New("record decode error")

// DecodeError locates a malformed record
type DecodeError struct {
	File   string
	Offset int64
	Reason string
}

func (e *DecodeError) Error() string {
	return fmt.Sprintf("%s at offset %d: %s", e.File, e.Offset, e.Reason)
}

func (e *DecodeError) Unwrap() error {
	return ErrDecode
}

// Case is one decoded record
type Case struct {
	X []float64
	Y []float64
}

// AppendRecord appends the framed encoding of (x, y) to buf
func AppendRecord(buf []byte, x, y []float64) []byte {
	payload := appendPayload(nil, x, y)
	buf = protowire.AppendVarint(buf, uint64(len(payload)))
	buf = append(buf, payload...)
	return binary.LittleEndian.AppendUint32(buf, crc32.Checksum(payload, castagnoli))
}

func appendPayload(b []byte, x, y []float64) []byte {
	b = appendDoubles(b, fieldInputs, x)
	return appendDoubles(b, fieldOutputs, y)
}

func appendDoubles(b []byte, num protowire.Number, v []float64) []byte {
	b = protowire.AppendTag(b, num, protowire.BytesType)
	b = protowire.AppendVarint(b, uint64(8*len(v)))
	for _, f := range v {
		b = protowire.AppendFixed64(b, math.Float64bits(f))
	}
	return b
}

func decodePayload(b []byte) (Case, error) {
	var c Case
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return Case{}, protowire.ParseError(n)
		}
		b = b[n:]

		if typ != protowire.BytesType || (num != fieldInputs && num != fieldOutputs) {
			n = protowire.ConsumeFieldValue(num, typ, b)
			if n < 0 {
				return Case{}, protowire.ParseError(n)
			}
			b = b[n:]
			continue
		}

		packed, n := protowire.ConsumeBytes(b)
		if n < 0 {
			return Case{}, protowire.ParseError(n)
		}
		b = b[n:]
		if len(packed)%8 != 0 {
			return Case{}, fmt.Errorf("packed field %d has %d bytes", num, len(packed))
		}
		vals := make([]float64, 0, len(packed)/8)
		for len(packed) > 0 {
			bits, m := protowire.ConsumeFixed64(packed)
			if m < 0 {
				return Case{}, protowire.ParseError(m)
			}
			vals = append(vals, math.Float64frombits(bits))
			packed = packed[m:]
		}
		if num == fieldInputs {
			c.X = vals
		} else {
			c.Y = vals
		}
	}
	return c, nil
}

// Writer frames cases onto an underlying stream
type Writer struct {
	bw    *bufio.Writer
	buf   []byte
	count int
}

// NewWriter wraps w in a buffered record writer
func NewWriter(w io.Writer) *Writer {
	return &Writer{bw: bufio.NewWriter(w)}
}

// Write appends one case
func (w *Writer) Write(x, y []float64) error {
	w.buf = AppendRecord(w.buf[:0], x, y)
	if _, err := w.bw.Write(w.buf); err != nil {
		return err
	}
	w.count++
	return nil
}

// Count returns the number of cases written
func (w *Writer) Count() int {
	return w.count
}

// Flush writes buffered data to the underlying stream
func (w *Writer) Flush() error {
	return w.bw.Flush()
}

// Reader decodes framed cases, checking each against the expected shape
type Reader struct {
	br     *bufio.Reader
	file   string
	offset int64
	inD    int
	outD   int
	buf    []byte
}

// NewReader decodes records from r. name labels errors.
func NewReader(r io.Reader, name string, inD, outD int) *Reader {
	return &Reader{br: bufio.NewReader(r), file: name, inD: inD, outD: outD}
}

// Next returns the next case, or io.EOF at a clean end of stream
func (r *Reader) Next() (Case, error) {
	start := r.offset
	length, err := binary.ReadUvarint(r.br)
	if err == io.EOF {
		return Case{}, io.EOF
	}
	if err != nil {
		return Case{}, r.fail(start, "truncated length prefix")
	}
	r.offset += int64(protowire.SizeVarint(length))
	if length > maxPayload {
		return Case{}, r.fail(start, fmt.Sprintf("record length %d exceeds limit", length))
	}

	need := int(length) + 4
	if cap(r.buf) < need {
		r.buf = make([]byte, need)
	}
	r.buf = r.buf[:need]
	if _, err := io.ReadFull(r.br, r.buf); err != nil {
		return Case{}, r.fail(start, "truncated record")
	}
	r.offset += int64(need)

	payload := r.buf[:length]
	sum := binary.LittleEndian.Uint32(r.buf[length:])
	if crc32.Checksum(payload, castagnoli) != sum {
		return Case{}, r.fail(start, "checksum mismatch")
	}

	c, err := decodePayload(payload)
	if err != nil {
		return Case{}, r.fail(start, err.Error())
	}
	if len(c.X) != r.inD || len(c.Y) != r.outD {
		return Case{}, r.fail(start, fmt.Sprintf("record has %d inputs and %d outputs, expected %d and %d",
			len(c.X), len(c.Y), r.inD, r.outD))
	}
	return c, nil
}

func (r *Reader) fail(offset int64, reason string) error {
	return &DecodeError{File: r.file, Offset: offset, Reason: reason}
}

// ReadFile decodes every record of a file
func ReadFile(path string, inD, outD int) ([]Case, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("%w: failed to open record file: %v", ErrIO, err)
	}
	defer f.Close()

	r := NewReader(f, path, inD, outD)
	var cases []Case
	for {
		c, err := r.Next()
		if err == io.EOF {
			return cases, nil
		}
		if err != nil {
			return nil, err
		}
		cases = append(cases, c)
	}
}

// Verify scans a record file and returns its case count
func Verify(path string, inD, outD int) (int, error) {
	f, err := os.Open(path)
	if err != nil {
		return 0, fmt.Errorf("%w: failed to open record file: %v", ErrIO, err)
	}
	defer f.Close()

	r := NewReader(f, path, inD, outD)
	n := 0
	for {
		if _, err := r.Next(); err == io.EOF {
			return n, nil
		} else if err != nil {
			return n, err
		}
		n++
	}
}
