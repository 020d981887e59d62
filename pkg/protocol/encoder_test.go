package protocol

import (
	"errors"
	"io"
	"math"
	"reflect"
	"strings"
	"testing"
)

func TestEncoderWireForms(t *testing.T) {
	tests := []struct {
		name  string
		write func(e *Encoder)
		want  []byte
	}{
		{"nil", func(e *Encoder) { e.WriteNil() }, []byte{0xc0}},
		{"true", func(e *Encoder) { e.WriteBool(true) }, []byte{0xc3}},
		{"false", func(e *Encoder) { e.WriteBool(false) }, []byte{0xc2}},
		{"fixint", func(e *Encoder) { e.WriteInt(5) }, []byte{0x05}},
		{"neg_fixint", func(e *Encoder) { e.WriteInt(-3) }, []byte{0xfd}},
		{"int8", func(e *Encoder) { e.WriteInt(-100) }, []byte{0xd0, 0x9c}},
		{"uint8", func(e *Encoder) { e.WriteInt(200) }, []byte{0xcc, 0xc8}},
		{"uint16", func(e *Encoder) { e.WriteUint(0x1234) }, []byte{0xcd, 0x12, 0x34}},
		{"int16", func(e *Encoder) { e.WriteInt(-1000) }, []byte{0xd1, 0xfc, 0x18}},
		{"uint32", func(e *Encoder) { e.WriteUint(0x12345678) }, []byte{0xce, 0x12, 0x34, 0x56, 0x78}},
		{"fixstr", func(e *Encoder) { e.WriteString("ab") }, []byte{0xa2, 'a', 'b'}},
		{"bin8", func(e *Encoder) { e.WriteBin([]byte{1, 2}) }, []byte{0xc4, 0x02, 0x01, 0x02}},
		{"fixarray", func(e *Encoder) { e.WriteArrayHeader(3) }, []byte{0x93}},
		{"array16", func(e *Encoder) { e.WriteArrayHeader(16) }, []byte{0xdc, 0x00, 0x10}},
		{"fixmap", func(e *Encoder) { e.WriteMapHeader(2) }, []byte{0x82}},
		{"float64", func(e *Encoder) { e.WriteFloat64(1.5) }, []byte{0xcb, 0x3f, 0xf8, 0, 0, 0, 0, 0, 0}},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			e := NewEncoder()
			tc.write(e)
			if !reflect.DeepEqual(e.Bytes(), tc.want) {
				t.Errorf("bytes = %x, want %x", e.Bytes(), tc.want)
			}
		})
	}
}

func TestEncoderStr8Boundary(t *testing.T) {
	e := NewEncoder()
	e.WriteString(strings.Repeat("x", 32))
	if e.Bytes()[0] != 0xd9 || e.Bytes()[1] != 32 {
		t.Errorf("header = %x, want d9 20", e.Bytes()[:2])
	}
	if e.Len() != 34 {
		t.Errorf("Len() = %d, want 34", e.Len())
	}
	e.Reset()
	if e.Len() != 0 {
		t.Errorf("Len() after Reset = %d", e.Len())
	}
}

func TestReadIntForms(t *testing.T) {
	values := []int64{0, 1, 127, 128, 255, 256, 65535, 65536, math.MaxInt32, math.MaxInt64,
		-1, -32, -33, -128, -129, -32768, -32769, math.MinInt32, math.MinInt64}
	for _, v := range values {
		e := NewEncoder()
		e.WriteInt(v)
		got, err := NewDecoder(e.Bytes()).ReadInt()
		if err != nil || got != v {
			t.Errorf("ReadInt(WriteInt(%d)) = %d, %v", v, got, err)
		}
	}
}

func TestReadIntRejectsOverflowAndFraction(t *testing.T) {
	e := NewEncoder()
	e.WriteUint(math.MaxUint64)
	if _, err := NewDecoder(e.Bytes()).ReadInt(); err == nil {
		t.Error("ReadInt(MaxUint64) should fail")
	}

	e.Reset()
	e.WriteFloat64(2.5)
	if _, err := NewDecoder(e.Bytes()).ReadInt(); err == nil {
		t.Error("ReadInt(2.5) should fail")
	}

	e.Reset()
	e.WriteFloat64(3)
	if v, err := NewDecoder(e.Bytes()).ReadInt(); err != nil || v != 3 {
		t.Errorf("ReadInt(3.0) = %d, %v", v, err)
	}
}

func TestValueRoundTrip(t *testing.T) {
	values := []any{
		nil,
		true,
		int64(-5),
		int64(1 << 40),
		uint64(math.MaxUint64),
		1.25,
		"text",
		[]byte{0, 1, 2},
		[]any{"a", int64(1), nil},
		map[string]any{"k": map[string]any{"inner": []any{false}}},
	}
	for _, v := range values {
		e := NewEncoder()
		if err := e.WriteValue(v); err != nil {
			t.Fatalf("WriteValue(%#v) error = %v", v, err)
		}
		got, err := NewDecoder(e.Bytes()).ReadValue()
		if err != nil {
			t.Fatalf("ReadValue(%#v) error = %v", v, err)
		}
		if !reflect.DeepEqual(got, v) {
			t.Errorf("ReadValue() = %#v, want %#v", got, v)
		}
	}
}

func TestWriteValueStructFallback(t *testing.T) {
	type point struct {
		X int `json:"x"`
	}
	e := NewEncoder()
	if err := e.WriteValue(point{X: 2}); err != nil {
		t.Fatal(err)
	}
	got, err := NewDecoder(e.Bytes()).ReadValue()
	if err != nil {
		t.Fatal(err)
	}
	want := map[string]any{"x": 2.0}
	if !reflect.DeepEqual(got, want) {
		t.Errorf("ReadValue() = %#v, want %#v", got, want)
	}
}

func TestDecoderLimits(t *testing.T) {
	t.Run("collection", func(t *testing.T) {
		e := NewEncoder()
		e.WriteArrayHeader(100)
		for i := 0; i < 100; i++ {
			e.WriteNil()
		}
		d := NewDecoderWithLimits(e.Bytes(), Limits{MaxCollection: 10})
		if _, err := d.ReadValue(); !errors.Is(err, ErrCollectionTooLarge) {
			t.Errorf("error = %v, want ErrCollectionTooLarge", err)
		}
	})

	t.Run("allocation", func(t *testing.T) {
		e := NewEncoder()
		e.WriteBin(make([]byte, 64))
		d := NewDecoderWithLimits(e.Bytes(), Limits{MaxAllocation: 16})
		if _, err := d.ReadBin(); !errors.Is(err, ErrAllocationTooLarge) {
			t.Errorf("error = %v, want ErrAllocationTooLarge", err)
		}
	})

	t.Run("depth", func(t *testing.T) {
		var v any = "leaf"
		for i := 0; i < 10; i++ {
			v = []any{v}
		}
		e := NewEncoder()
		_ = e.WriteValue(v)
		d := NewDecoderWithLimits(e.Bytes(), Limits{MaxDepth: 5})
		if _, err := d.ReadValue(); !errors.Is(err, ErrMaxDepthExceeded) {
			t.Errorf("error = %v, want ErrMaxDepthExceeded", err)
		}
	})

	t.Run("forged_count", func(t *testing.T) {
		d := NewDecoder([]byte{0xdd, 0x00, 0x01, 0x00, 0x00})
		if _, err := d.ReadArrayHeader(); !errors.Is(err, io.ErrUnexpectedEOF) {
			t.Errorf("error = %v, want io.ErrUnexpectedEOF", err)
		}
	})

	t.Run("hard_ceiling", func(t *testing.T) {
		l := Limits{MaxAllocation: HardMaxAllocation * 2}.normalize()
		if l.MaxAllocation != HardMaxAllocation {
			t.Errorf("MaxAllocation = %d, want %d", l.MaxAllocation, HardMaxAllocation)
		}
	})
}

func TestDecoderTypeErrors(t *testing.T) {
	d := NewDecoder([]byte{0xa1, 'x'})
	_, err := d.ReadInt()
	var te *TypeError
	if !errors.As(err, &te) || te.Want != "integer" {
		t.Errorf("ReadInt(str) error = %v, want TypeError", err)
	}

	if _, err := NewDecoder([]byte{0xc1}).ReadValue(); !errors.Is(err, ErrReservedType) {
		t.Errorf("ReadValue(0xc1) error = %v, want ErrReservedType", err)
	}
	if _, err := NewDecoder([]byte{0x01}).ReadBool(); err == nil {
		t.Error("ReadBool(1) should fail")
	}
}

func TestSkipAllForms(t *testing.T) {
	e := NewEncoder()
	_ = e.WriteValue(map[string]any{
		"a": []any{int64(1), int64(-200), 70000.5, "s", []byte("b"), nil, true},
		"b": strings.Repeat("y", 300),
	})
	e.buf = append(e.buf, 0xc7, 0x02, 0x05, 0xaa, 0xbb) // ext8
	e.WriteInt(9)

	d := NewDecoder(e.Bytes())
	if err := d.Skip(); err != nil {
		t.Fatalf("Skip(map) error = %v", err)
	}
	if err := d.Skip(); err != nil {
		t.Fatalf("Skip(ext8) error = %v", err)
	}
	v, err := d.ReadInt()
	if err != nil || v != 9 {
		t.Errorf("ReadInt() after skips = %d, %v", v, err)
	}
	if !d.EOF() {
		t.Errorf("Remaining() = %d, want 0", d.Remaining())
	}
}
