package protocol

import (
	"encoding/json"
	"fmt"
	"math"
	"sort"
)

// Encoder is a MessagePack encoder that appends to an internal buffer.
// Integers and containers are always written in their smallest form.
type Encoder struct {
	buf []byte
}

// NewEncoder creates a new encoder with a default initial capacity.
func NewEncoder() *Encoder {
	return &Encoder{
		buf: make([]byte, 0, 256),
	}
}

// Reset resets the encoder to empty state, reusing the underlying buffer.
func (e *Encoder) Reset() {
	e.buf = e.buf[:0]
}

// Bytes returns the encoded bytes. The returned slice is valid until
// the next call to Reset or any Write method.
func (e *Encoder) Bytes() []byte {
	return e.buf
}

// Len returns the number of bytes currently encoded.
func (e *Encoder) Len() int {
	return len(e.buf)
}

// WriteNil appends nil.
func (e *Encoder) WriteNil() {
	e.buf = append(e.buf, 0xc0)
}

// WriteBool appends a boolean.
func (e *Encoder) WriteBool(b bool) {
	if b {
		e.buf = append(e.buf, 0xc3)
	} else {
		e.buf = append(e.buf, 0xc2)
	}
}

// WriteInt appends a signed integer.
func (e *Encoder) WriteInt(v int64) {
	switch {
	case v >= 0:
		e.WriteUint(uint64(v))
	case v >= -32:
		e.buf = append(e.buf, byte(int8(v)))
	case v >= math.MinInt8:
		e.buf = append(e.buf, 0xd0, byte(int8(v)))
	case v >= math.MinInt16:
		e.buf = append(e.buf, 0xd1)
		e.writeUint16(uint16(v))
	case v >= math.MinInt32:
		e.buf = append(e.buf, 0xd2)
		e.writeUint32(uint32(v))
	default:
		e.buf = append(e.buf, 0xd3)
		e.writeUint64(uint64(v))
	}
}

// WriteUint appends an unsigned integer.
func (e *Encoder) WriteUint(v uint64) {
	switch {
	case v <= 0x7f:
		e.buf = append(e.buf, byte(v))
	case v <= math.MaxUint8:
		e.buf = append(e.buf, 0xcc, byte(v))
	case v <= math.MaxUint16:
		e.buf = append(e.buf, 0xcd)
		e.writeUint16(uint16(v))
	case v <= math.MaxUint32:
		e.buf = append(e.buf, 0xce)
		e.writeUint32(uint32(v))
	default:
		e.buf = append(e.buf, 0xcf)
		e.writeUint64(v)
	}
}

// WriteFloat64 appends a float64.
func (e *Encoder) WriteFloat64(v float64) {
	e.buf = append(e.buf, 0xcb)
	e.writeUint64(math.Float64bits(v))
}

// WriteString appends a UTF-8 string.
func (e *Encoder) WriteString(s string) {
	n := len(s)
	switch {
	case n <= 31:
		e.buf = append(e.buf, 0xa0|byte(n))
	case n <= math.MaxUint8:
		e.buf = append(e.buf, 0xd9, byte(n))
	case n <= math.MaxUint16:
		e.buf = append(e.buf, 0xda)
		e.writeUint16(uint16(n))
	default:
		e.buf = append(e.buf, 0xdb)
		e.writeUint32(uint32(n))
	}
	e.buf = append(e.buf, s...)
}

// WriteBin appends a binary payload.
func (e *Encoder) WriteBin(b []byte) {
	n := len(b)
	switch {
	case n <= math.MaxUint8:
		e.buf = append(e.buf, 0xc4, byte(n))
	case n <= math.MaxUint16:
		e.buf = append(e.buf, 0xc5)
		e.writeUint16(uint16(n))
	default:
		e.buf = append(e.buf, 0xc6)
		e.writeUint32(uint32(n))
	}
	e.buf = append(e.buf, b...)
}

// WriteArrayHeader appends an array header for n elements.
func (e *Encoder) WriteArrayHeader(n int) {
	switch {
	case n <= 15:
		e.buf = append(e.buf, 0x90|byte(n))
	case n <= math.MaxUint16:
		e.buf = append(e.buf, 0xdc)
		e.writeUint16(uint16(n))
	default:
		e.buf = append(e.buf, 0xdd)
		e.writeUint32(uint32(n))
	}
}

// WriteMapHeader appends a map header for n key/value pairs.
func (e *Encoder) WriteMapHeader(n int) {
	switch {
	case n <= 15:
		e.buf = append(e.buf, 0x80|byte(n))
	case n <= math.MaxUint16:
		e.buf = append(e.buf, 0xde)
		e.writeUint16(uint16(n))
	default:
		e.buf = append(e.buf, 0xdf)
		e.writeUint32(uint32(n))
	}
}

// WriteValue appends an arbitrary JSON-compatible value. Map keys are
// written in sorted order so output is deterministic.
func (e *Encoder) WriteValue(v any) error {
	switch x := v.(type) {
	case nil:
		e.WriteNil()
	case bool:
		e.WriteBool(x)
	case string:
		e.WriteString(x)
	case []byte:
		e.WriteBin(x)
	case int:
		e.WriteInt(int64(x))
	case int8:
		e.WriteInt(int64(x))
	case int16:
		e.WriteInt(int64(x))
	case int32:
		e.WriteInt(int64(x))
	case int64:
		e.WriteInt(x)
	case uint:
		e.WriteUint(uint64(x))
	case uint8:
		e.WriteUint(uint64(x))
	case uint16:
		e.WriteUint(uint64(x))
	case uint32:
		e.WriteUint(uint64(x))
	case uint64:
		e.WriteUint(x)
	case float32:
		e.WriteFloat64(float64(x))
	case float64:
		e.WriteFloat64(x)
	case json.Number:
		if i, err := x.Int64(); err == nil {
			e.WriteInt(i)
			return nil
		}
		f, err := x.Float64()
		if err != nil {
			return fmt.Errorf("protocol: invalid number %q", x)
		}
		e.WriteFloat64(f)
	case []any:
		e.WriteArrayHeader(len(x))
		for _, item := range x {
			if err := e.WriteValue(item); err != nil {
				return err
			}
		}
	case []string:
		e.WriteArrayHeader(len(x))
		for _, item := range x {
			e.WriteString(item)
		}
	case map[string]any:
		keys := sortedKeys(x)
		e.WriteMapHeader(len(keys))
		for _, k := range keys {
			e.WriteString(k)
			if err := e.WriteValue(x[k]); err != nil {
				return err
			}
		}
	case map[string]string:
		keys := make([]string, 0, len(x))
		for k := range x {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		e.WriteMapHeader(len(keys))
		for _, k := range keys {
			e.WriteString(k)
			e.WriteString(x[k])
		}
	default:
		// Structs and other types go through their JSON form.
		raw, err := json.Marshal(x)
		if err != nil {
			return fmt.Errorf("protocol: unsupported value %T: %w", v, err)
		}
		var generic any
		if err := json.Unmarshal(raw, &generic); err != nil {
			return fmt.Errorf("protocol: unsupported value %T: %w", v, err)
		}
		return e.WriteValue(generic)
	}
	return nil
}

func (e *Encoder) writeUint16(v uint16) {
	e.buf = append(e.buf, byte(v>>8), byte(v))
}

func (e *Encoder) writeUint32(v uint32) {
	e.buf = append(e.buf, byte(v>>24), byte(v>>16), byte(v>>8), byte(v))
}

func (e *Encoder) writeUint64(v uint64) {
	e.buf = append(e.buf,
		byte(v>>56), byte(v>>48), byte(v>>40), byte(v>>32),
		byte(v>>24), byte(v>>16), byte(v>>8), byte(v))
}

func sortedKeys(m map[string]any) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
