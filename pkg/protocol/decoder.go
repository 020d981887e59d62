package protocol

import (
	"errors"
	"fmt"
	"io"
	"math"
)

// Common decoding errors.
var (
	ErrAllocationTooLarge = errors.New("protocol: allocation size exceeds limit")
	ErrCollectionTooLarge = errors.New("protocol: collection count exceeds limit")
	ErrMaxDepthExceeded   = errors.New("protocol: maximum nesting depth exceeded")
	ErrReservedType       = errors.New("protocol: reserved msgpack type 0xc1")
)

// TypeError reports a value of an unexpected msgpack type.
type TypeError struct {
	Want string
	Got  byte
}

func (e *TypeError) Error() string {
	return fmt.Sprintf("protocol: expected %s, got msgpack type 0x%02x", e.Want, e.Got)
}

// Decoder is a MessagePack decoder that reads from a byte buffer.
type Decoder struct {
	buf    []byte
	pos    int
	limits Limits
	depth  depthContext
}

// NewDecoder creates a new decoder from the given byte slice using the
// default limits.
func NewDecoder(buf []byte) *Decoder {
	return NewDecoderWithLimits(buf, DefaultLimits())
}

// NewDecoderWithLimits creates a decoder enforcing limits.
func NewDecoderWithLimits(buf []byte, limits Limits) *Decoder {
	limits = limits.normalize()
	return &Decoder{buf: buf, limits: limits, depth: depthContext{max: limits.MaxDepth}}
}

// Remaining returns the number of unread bytes.
func (d *Decoder) Remaining() int {
	return len(d.buf) - d.pos
}

// EOF returns true if all bytes have been read.
func (d *Decoder) EOF() bool {
	return d.pos >= len(d.buf)
}

func (d *Decoder) peek() (byte, error) {
	if d.pos >= len(d.buf) {
		return 0, io.ErrUnexpectedEOF
	}
	return d.buf[d.pos], nil
}

func (d *Decoder) readByte() (byte, error) {
	if d.pos >= len(d.buf) {
		return 0, io.ErrUnexpectedEOF
	}
	b := d.buf[d.pos]
	d.pos++
	return b, nil
}

func (d *Decoder) readN(n int) ([]byte, error) {
	if n < 0 || d.pos+n > len(d.buf) {
		return nil, io.ErrUnexpectedEOF
	}
	b := d.buf[d.pos : d.pos+n]
	d.pos += n
	return b, nil
}

func (d *Decoder) readUint(size int) (uint64, error) {
	b, err := d.readN(size)
	if err != nil {
		return 0, err
	}
	var v uint64
	for _, c := range b {
		v = v<<8 | uint64(c)
	}
	return v, nil
}

// IsNil reports whether the next value is nil, consuming it if so.
func (d *Decoder) IsNil() (bool, error) {
	b, err := d.peek()
	if err != nil {
		return false, err
	}
	if b == 0xc0 {
		d.pos++
		return true, nil
	}
	return false, nil
}

// ReadBool reads a boolean.
func (d *Decoder) ReadBool() (bool, error) {
	b, err := d.readByte()
	if err != nil {
		return false, err
	}
	switch b {
	case 0xc2:
		return false, nil
	case 0xc3:
		return true, nil
	default:
		return false, &TypeError{Want: "bool", Got: b}
	}
}

// ReadInt reads any msgpack integer as an int64. Unsigned values above
// math.MaxInt64 and non-integral floats are rejected.
func (d *Decoder) ReadInt() (int64, error) {
	b, err := d.readByte()
	if err != nil {
		return 0, err
	}
	switch {
	case b <= 0x7f:
		return int64(b), nil
	case b >= 0xe0:
		return int64(int8(b)), nil
	}
	switch b {
	case 0xcc, 0xcd, 0xce, 0xcf:
		u, err := d.readUint(1 << (b - 0xcc))
		if err != nil {
			return 0, err
		}
		if u > math.MaxInt64 {
			return 0, fmt.Errorf("protocol: integer %d overflows int64", u)
		}
		return int64(u), nil
	case 0xd0:
		u, err := d.readUint(1)
		return int64(int8(u)), err
	case 0xd1:
		u, err := d.readUint(2)
		return int64(int16(u)), err
	case 0xd2:
		u, err := d.readUint(4)
		return int64(int32(u)), err
	case 0xd3:
		u, err := d.readUint(8)
		return int64(u), err
	case 0xca, 0xcb:
		d.pos--
		f, err := d.ReadFloat64()
		if err != nil {
			return 0, err
		}
		if f != math.Trunc(f) || f > math.MaxInt64 || f < math.MinInt64 {
			return 0, fmt.Errorf("protocol: float %v is not an integer", f)
		}
		return int64(f), nil
	default:
		return 0, &TypeError{Want: "integer", Got: b}
	}
}

// ReadFloat64 reads a float32 or float64.
func (d *Decoder) ReadFloat64() (float64, error) {
	b, err := d.readByte()
	if err != nil {
		return 0, err
	}
	switch b {
	case 0xca:
		u, err := d.readUint(4)
		return float64(math.Float32frombits(uint32(u))), err
	case 0xcb:
		u, err := d.readUint(8)
		return math.Float64frombits(u), err
	default:
		return 0, &TypeError{Want: "float", Got: b}
	}
}

func (d *Decoder) strLen(b byte) (int, bool, error) {
	var n uint64
	var err error
	switch {
	case b&0xe0 == 0xa0:
		n = uint64(b & 0x1f)
	case b == 0xd9:
		n, err = d.readUint(1)
	case b == 0xda:
		n, err = d.readUint(2)
	case b == 0xdb:
		n, err = d.readUint(4)
	default:
		return 0, false, nil
	}
	if err != nil {
		return 0, true, err
	}
	return d.checkLen(n)
}

func (d *Decoder) binLen(b byte) (int, bool, error) {
	var n uint64
	var err error
	switch b {
	case 0xc4:
		n, err = d.readUint(1)
	case 0xc5:
		n, err = d.readUint(2)
	case 0xc6:
		n, err = d.readUint(4)
	default:
		return 0, false, nil
	}
	if err != nil {
		return 0, true, err
	}
	return d.checkLen(n)
}

func (d *Decoder) checkLen(n uint64) (int, bool, error) {
	// Allocation limit check: prevent DoS via huge length prefix
	if n > uint64(d.limits.MaxAllocation) {
		return 0, true, ErrAllocationTooLarge
	}
	if n > uint64(d.Remaining()) {
		return 0, true, io.ErrUnexpectedEOF
	}
	return int(n), true, nil
}

// ReadString reads a string. Nil decodes as the empty string.
func (d *Decoder) ReadString() (string, error) {
	b, err := d.readByte()
	if err != nil {
		return "", err
	}
	if b == 0xc0 {
		return "", nil
	}
	n, ok, err := d.strLen(b)
	if !ok {
		return "", &TypeError{Want: "string", Got: b}
	}
	if err != nil {
		return "", err
	}
	raw, err := d.readN(n)
	return string(raw), err
}

// ReadBin reads a binary payload. The result is a copy and safe to retain.
func (d *Decoder) ReadBin() ([]byte, error) {
	b, err := d.readByte()
	if err != nil {
		return nil, err
	}
	n, ok, err := d.binLen(b)
	if !ok {
		n, ok, err = d.strLen(b)
		if !ok {
			return nil, &TypeError{Want: "bin", Got: b}
		}
	}
	if err != nil {
		return nil, err
	}
	raw, err := d.readN(n)
	if err != nil {
		return nil, err
	}
	out := make([]byte, n)
	copy(out, raw)
	return out, nil
}

func (d *Decoder) containerLen(b byte, fixMask, fixBase, op16, op32 byte) (int, bool, error) {
	var n uint64
	var err error
	switch {
	case b&fixMask == fixBase:
		n = uint64(b &^ fixMask)
	case b == op16:
		n, err = d.readUint(2)
	case b == op32:
		n, err = d.readUint(4)
	default:
		return 0, false, nil
	}
	if err != nil {
		return 0, true, err
	}
	if n > uint64(d.limits.MaxCollection) {
		return 0, true, ErrCollectionTooLarge
	}
	// Every element needs at least one byte.
	if n > uint64(d.Remaining()) {
		return 0, true, io.ErrUnexpectedEOF
	}
	return int(n), true, nil
}

// ReadArrayHeader reads an array header. Nil decodes as an empty array.
func (d *Decoder) ReadArrayHeader() (int, error) {
	b, err := d.readByte()
	if err != nil {
		return 0, err
	}
	if b == 0xc0 {
		return 0, nil
	}
	n, ok, err := d.containerLen(b, 0xf0, 0x90, 0xdc, 0xdd)
	if !ok {
		return 0, &TypeError{Want: "array", Got: b}
	}
	return n, err
}

// ReadMapHeader reads a map header. Nil decodes as an empty map.
func (d *Decoder) ReadMapHeader() (int, error) {
	b, err := d.readByte()
	if err != nil {
		return 0, err
	}
	if b == 0xc0 {
		return 0, nil
	}
	n, ok, err := d.containerLen(b, 0xf0, 0x80, 0xde, 0xdf)
	if !ok {
		return 0, &TypeError{Want: "map", Got: b}
	}
	// Every pair needs at least two bytes.
	if err == nil && n*2 > d.Remaining() {
		return 0, io.ErrUnexpectedEOF
	}
	return n, err
}

// ReadValue reads an arbitrary value. Integers decode as int64 (or uint64
// when larger than math.MaxInt64), floats as float64, binaries as []byte,
// arrays as []any and maps as map[string]any. Extension values are skipped
// and decode as nil.
func (d *Decoder) ReadValue() (any, error) {
	b, err := d.peek()
	if err != nil {
		return nil, err
	}
	switch {
	case b <= 0x7f || b >= 0xe0:
		return d.ReadInt()
	case b&0xe0 == 0xa0:
		return d.ReadString()
	case b&0xf0 == 0x90:
		return d.readArrayValue()
	case b&0xf0 == 0x80:
		return d.readMapValue()
	}
	switch b {
	case 0xc0:
		d.pos++
		return nil, nil
	case 0xc1:
		return nil, ErrReservedType
	case 0xc2, 0xc3:
		return d.ReadBool()
	case 0xc4, 0xc5, 0xc6:
		return d.ReadBin()
	case 0xca, 0xcb:
		return d.ReadFloat64()
	case 0xcf:
		d.pos++
		u, err := d.readUint(8)
		if err != nil {
			return nil, err
		}
		if u > math.MaxInt64 {
			return u, nil
		}
		return int64(u), nil
	case 0xcc, 0xcd, 0xce, 0xd0, 0xd1, 0xd2, 0xd3:
		return d.ReadInt()
	case 0xd9, 0xda, 0xdb:
		return d.ReadString()
	case 0xdc, 0xdd:
		return d.readArrayValue()
	case 0xde, 0xdf:
		return d.readMapValue()
	default:
		return nil, d.Skip()
	}
}

func (d *Decoder) readArrayValue() (any, error) {
	if err := d.depth.enter(); err != nil {
		return nil, err
	}
	defer d.depth.leave()
	n, err := d.ReadArrayHeader()
	if err != nil {
		return nil, err
	}
	out := make([]any, n)
	for i := range out {
		if out[i], err = d.ReadValue(); err != nil {
			return nil, err
		}
	}
	return out, nil
}

func (d *Decoder) readMapValue() (any, error) {
	if err := d.depth.enter(); err != nil {
		return nil, err
	}
	defer d.depth.leave()
	n, err := d.ReadMapHeader()
	if err != nil {
		return nil, err
	}
	out := make(map[string]any, n)
	for i := 0; i < n; i++ {
		k, err := d.ReadString()
		if err != nil {
			return nil, err
		}
		if out[k], err = d.ReadValue(); err != nil {
			return nil, err
		}
	}
	return out, nil
}

// Skip consumes the next value without decoding it.
func (d *Decoder) Skip() error {
	if err := d.depth.enter(); err != nil {
		return err
	}
	defer d.depth.leave()

	b, err := d.readByte()
	if err != nil {
		return err
	}
	switch {
	case b <= 0x7f || b >= 0xe0 || b == 0xc0 || b == 0xc2 || b == 0xc3:
		return nil
	case b&0xe0 == 0xa0:
		_, err = d.readN(int(b & 0x1f))
		return err
	case b&0xf0 == 0x90:
		return d.skipN(int(b & 0x0f))
	case b&0xf0 == 0x80:
		return d.skipN(int(b&0x0f) * 2)
	}

	switch b {
	case 0xc1:
		return ErrReservedType
	case 0xcc, 0xd0:
		_, err = d.readN(1)
	case 0xcd, 0xd1:
		_, err = d.readN(2)
	case 0xca, 0xce, 0xd2:
		_, err = d.readN(4)
	case 0xcb, 0xcf, 0xd3:
		_, err = d.readN(8)
	case 0xd4:
		_, err = d.readN(2)
	case 0xd5:
		_, err = d.readN(3)
	case 0xd6:
		_, err = d.readN(5)
	case 0xd7:
		_, err = d.readN(9)
	case 0xd8:
		_, err = d.readN(17)
	case 0xc4, 0xc5, 0xc6:
		var n int
		if n, _, err = d.binLen(b); err == nil {
			_, err = d.readN(n)
		}
	case 0xd9, 0xda, 0xdb:
		var n int
		if n, _, err = d.strLen(b); err == nil {
			_, err = d.readN(n)
		}
	case 0xc7, 0xc8, 0xc9:
		var n uint64
		if n, err = d.readUint(1 << (b - 0xc7)); err == nil {
			var size int
			if size, _, err = d.checkLen(n); err == nil {
				_, err = d.readN(size + 1)
			}
		}
	case 0xdc, 0xdd:
		d.pos--
		var n int
		if n, err = d.ReadArrayHeader(); err == nil {
			err = d.skipN(n)
		}
	case 0xde, 0xdf:
		d.pos--
		var n int
		if n, err = d.ReadMapHeader(); err == nil {
			err = d.skipN(n * 2)
		}
	}
	return err
}

func (d *Decoder) skipN(n int) error {
	for i := 0; i < n; i++ {
		if err := d.Skip(); err != nil {
			return err
		}
	}
	return nil
}
