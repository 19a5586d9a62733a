package tlv

import (
	"bytes"
	"errors"
	"testing"
)

func TestEncodeDecodeFieldsRoundTripPreservesUnknown(t *testing.T) {
	in := []Field{
		String(1, "render/0"),
		{ID: 9999, Type: TypeBytes, Value: []byte{0xAA, 0xBB}}, // unknown field id
	}
	b := EncodeFields(in)
	out, err := DecodeFields(b)
	if err != nil {
		t.Fatalf("decode fields: %v", err)
	}
	if len(out) != 2 {
		t.Fatalf("expected 2 fields, got %d", len(out))
	}
	if out[1].ID != 9999 || out[1].Type != TypeBytes || !bytes.Equal(out[1].Value, []byte{0xAA, 0xBB}) {
		t.Fatalf("unknown field not preserved: %+v", out[1])
	}
}

func TestDecodeFieldsMalformedHeaderIsDeterministic(t *testing.T) {
	_, err := DecodeFields([]byte{1, 2, 3})
	if !errors.Is(err, ErrShortFieldHeader) {
		t.Fatalf("expected ErrShortFieldHeader, got %v", err)
	}
}

func TestDecodeFieldsMalformedLengthIsDeterministic(t *testing.T) {
	// id=1, type=string, len=5, value only 2 bytes
	payload := []byte{0, 1, TypeString, 0, 0, 0, 5, 'a', 'b'}
	_, err := DecodeFields(payload)
	if !errors.Is(err, ErrShortFieldValue) {
		t.Fatalf("expected ErrShortFieldValue, got %v", err)
	}
}

func TestReaderTypedValues(t *testing.T) {
	fields, err := DecodeFields(EncodeFields([]Field{
		String(1, "graphics"),
		U32(2, 7),
		U64(3, 1<<40),
		Bool(4, true),
		U32List(5, []uint32{5000, 5001}),
		Bytes(6, []byte("body")),
	}))
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	r := NewReader(fields)
	if got := r.String(1); got != "graphics" {
		t.Fatalf("string got=%q", got)
	}
	if got := r.U32(2); got != 7 {
		t.Fatalf("u32 got=%d", got)
	}
	if got := r.U64(3); got != 1<<40 {
		t.Fatalf("u64 got=%d", got)
	}
	if !r.Bool(4) {
		t.Fatalf("bool got=false")
	}
	ports := r.U32List(5)
	if len(ports) != 2 || ports[0] != 5000 || ports[1] != 5001 {
		t.Fatalf("u32 list got=%v", ports)
	}
	if got := string(r.Bytes(6)); got != "body" {
		t.Fatalf("bytes got=%q", got)
	}
	if r.OptString(77) != "" || r.OptU32(78) != 0 {
		t.Fatalf("optional absent fields must be zero")
	}
	if err := r.Err(); err != nil {
		t.Fatalf("unexpected reader err: %v", err)
	}
}

func TestReaderStickyErrors(t *testing.T) {
	r := NewReader([]Field{U32(1, 3)})
	_ = r.String(1)
	if !errors.Is(r.Err(), ErrFieldTypeMismatch) {
		t.Fatalf("expected ErrFieldTypeMismatch, got %v", r.Err())
	}
	_ = r.String(2)
	if !errors.Is(r.Err(), ErrFieldTypeMismatch) {
		t.Fatalf("first error must stick, got %v", r.Err())
	}

	r = NewReader(nil)
	_ = r.U32(9)
	if !errors.Is(r.Err(), ErrMissingField) {
		t.Fatalf("expected ErrMissingField, got %v", r.Err())
	}
}

func TestU32ListRejectsRaggedValue(t *testing.T) {
	f := Field{ID: 1, Type: TypeU32List, Value: []byte{0, 0, 1}}
	if _, err := f.AsU32List(); !errors.Is(err, ErrInvalidLength) {
		t.Fatalf("expected ErrInvalidLength, got %v", err)
	}
}
