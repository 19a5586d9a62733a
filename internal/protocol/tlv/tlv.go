package tlv

import (
	"encoding/binary"
	"errors"
	"fmt"
)

const HeaderLen = 7

var (
	ErrShortFieldHeader  = errors.New("tlv: short field header")
	ErrShortFieldValue   = errors.New("tlv: short field value")
	ErrFieldTypeMismatch = errors.New("tlv: field type mismatch")
	ErrInvalidLength     = errors.New("tlv: invalid length")
	ErrMissingField      = errors.New("tlv: missing field")
)

// Type IDs from tlv contract.
const (
	TypeU8      uint8 = 1
	TypeU16     uint8 = 2
	TypeU32     uint8 = 3
	TypeU64     uint8 = 4
	TypeBool    uint8 = 5
	TypeString  uint8 = 6
	TypeBytes   uint8 = 7
	TypeU32List uint8 = 8
)

// Field is one decoded TLV field.
type Field struct {
	ID    uint16
	Type  uint8
	Value []byte
}

func EncodeField(f Field) []byte {
	buf := make([]byte, HeaderLen+len(f.Value))
	binary.BigEndian.PutUint16(buf[0:2], f.ID)
	buf[2] = f.Type
	binary.BigEndian.PutUint32(buf[3:7], uint32(len(f.Value)))
	copy(buf[7:], f.Value)
	return buf
}

func DecodeFields(payload []byte) ([]Field, error) {
	fields := make([]Field, 0)
	i := 0
	for i < len(payload) {
		if len(payload)-i < HeaderLen {
			return nil, ErrShortFieldHeader
		}
		id := binary.BigEndian.Uint16(payload[i : i+2])
		typeID := payload[i+2]
		l := binary.BigEndian.Uint32(payload[i+3 : i+7])
		i += HeaderLen
		if uint32(len(payload)-i) < l {
			return nil, ErrShortFieldValue
		}
		val := make([]byte, l)
		copy(val, payload[i:i+int(l)])
		i += int(l)
		fields = append(fields, Field{ID: id, Type: typeID, Value: val})
	}
	return fields, nil
}

func EncodeFields(fields []Field) []byte {
	size := 0
	for _, f := range fields {
		size += HeaderLen + len(f.Value)
	}
	out := make([]byte, 0, size)
	for _, f := range fields {
		out = append(out, EncodeField(f)...)
	}
	return out
}

func GetField(fields []Field, id uint16) (Field, bool) {
	for _, f := range fields {
		if f.ID == id {
			return f, true
		}
	}
	return Field{}, false
}

func MustType(f Field, expected uint8) error {
	if f.Type != expected {
		return fmt.Errorf("tlv: field %d type mismatch: got %d want %d", f.ID, f.Type, expected)
	}
	return nil
}

func U32FromBytes(b []byte) (uint32, error) {
	if len(b) != 4 {
		return 0, fmt.Errorf("tlv: invalid u32 length: %d", len(b))
	}
	return binary.BigEndian.Uint32(b), nil
}

func U64FromBytes(b []byte) (uint64, error) {
	if len(b) != 8 {
		return 0, fmt.Errorf("tlv: invalid u64 length: %d", len(b))
	}
	return binary.BigEndian.Uint64(b), nil
}

// String creates a string field.
func String(id uint16, v string) Field {
	return Field{ID: id, Type: TypeString, Value: []byte(v)}
}

// Bytes creates a bytes field holding a copy of v.
func Bytes(id uint16, v []byte) Field {
	buf := make([]byte, len(v))
	copy(buf, v)
	return Field{ID: id, Type: TypeBytes, Value: buf}
}

// U32 creates a uint32 field.
func U32(id uint16, v uint32) Field {
	buf := make([]byte, 4)
	binary.BigEndian.PutUint32(buf, v)
	return Field{ID: id, Type: TypeU32, Value: buf}
}

// U64 creates a uint64 field.
func U64(id uint16, v uint64) Field {
	buf := make([]byte, 8)
	binary.BigEndian.PutUint64(buf, v)
	return Field{ID: id, Type: TypeU64, Value: buf}
}

// Bool creates a bool field.
func Bool(id uint16, v bool) Field {
	b := byte(0)
	if v {
		b = 1
	}
	return Field{ID: id, Type: TypeBool, Value: []byte{b}}
}

// U32List creates a variable-length uint32 array field.
func U32List(id uint16, v []uint32) Field {
	buf := make([]byte, 4*len(v))
	for i, x := range v {
		binary.BigEndian.PutUint32(buf[4*i:], x)
	}
	return Field{ID: id, Type: TypeU32List, Value: buf}
}

// AsString returns the field value as string.
func (f Field) AsString() (string, error) {
	if f.Type != TypeString {
		return "", ErrFieldTypeMismatch
	}
	return string(f.Value), nil
}

// AsBytes returns a copy of the field value.
func (f Field) AsBytes() ([]byte, error) {
	if f.Type != TypeBytes {
		return nil, ErrFieldTypeMismatch
	}
	buf := make([]byte, len(f.Value))
	copy(buf, f.Value)
	return buf, nil
}

// AsU32 returns the field value as uint32.
func (f Field) AsU32() (uint32, error) {
	if f.Type != TypeU32 {
		return 0, ErrFieldTypeMismatch
	}
	return U32FromBytes(f.Value)
}

// AsU64 returns the field value as uint64.
func (f Field) AsU64() (uint64, error) {
	if f.Type != TypeU64 {
		return 0, ErrFieldTypeMismatch
	}
	return U64FromBytes(f.Value)
}

// AsBool returns the field value as bool.
func (f Field) AsBool() (bool, error) {
	if f.Type != TypeBool {
		return false, ErrFieldTypeMismatch
	}
	if len(f.Value) != 1 {
		return false, ErrInvalidLength
	}
	switch f.Value[0] {
	case 0:
		return false, nil
	case 1:
		return true, nil
	default:
		return false, errors.New("tlv: invalid bool value")
	}
}

// AsU32List returns the field value as a uint32 slice.
func (f Field) AsU32List() ([]uint32, error) {
	if f.Type != TypeU32List {
		return nil, ErrFieldTypeMismatch
	}
	if len(f.Value)%4 != 0 {
		return nil, ErrInvalidLength
	}
	out := make([]uint32, len(f.Value)/4)
	for i := range out {
		out[i] = binary.BigEndian.Uint32(f.Value[4*i:])
	}
	return out, nil
}

// Reader pulls typed values out of a decoded field list. The first error
// sticks; later reads return zero values so decoders can read every
// field and check Err once.
type Reader struct {
	fields []Field
	err    error
}

func NewReader(fields []Field) *Reader {
	return &Reader{fields: fields}
}

func (r *Reader) Err() error { return r.err }

func (r *Reader) field(id uint16, optional bool) (Field, bool) {
	if r.err != nil {
		return Field{}, false
	}
	f, ok := GetField(r.fields, id)
	if !ok && !optional {
		r.err = fmt.Errorf("%w: %d", ErrMissingField, id)
	}
	return f, ok
}

func (r *Reader) fail(id uint16, err error) {
	if r.err == nil {
		r.err = fmt.Errorf("tlv: field %d: %w", id, err)
	}
}

func (r *Reader) String(id uint16) string {
	f, ok := r.field(id, false)
	if !ok {
		return ""
	}
	v, err := f.AsString()
	if err != nil {
		r.fail(id, err)
	}
	return v
}

// OptString returns "" when the field is absent.
func (r *Reader) OptString(id uint16) string {
	f, ok := r.field(id, true)
	if !ok {
		return ""
	}
	v, err := f.AsString()
	if err != nil {
		r.fail(id, err)
	}
	return v
}

func (r *Reader) Bytes(id uint16) []byte {
	f, ok := r.field(id, true)
	if !ok {
		return nil
	}
	v, err := f.AsBytes()
	if err != nil {
		r.fail(id, err)
	}
	return v
}

func (r *Reader) U32(id uint16) uint32 {
	f, ok := r.field(id, false)
	if !ok {
		return 0
	}
	v, err := f.AsU32()
	if err != nil {
		r.fail(id, err)
	}
	return v
}

func (r *Reader) OptU32(id uint16) uint32 {
	f, ok := r.field(id, true)
	if !ok {
		return 0
	}
	v, err := f.AsU32()
	if err != nil {
		r.fail(id, err)
	}
	return v
}

func (r *Reader) U64(id uint16) uint64 {
	f, ok := r.field(id, false)
	if !ok {
		return 0
	}
	v, err := f.AsU64()
	if err != nil {
		r.fail(id, err)
	}
	return v
}

func (r *Reader) Bool(id uint16) bool {
	f, ok := r.field(id, true)
	if !ok {
		return false
	}
	v, err := f.AsBool()
	if err != nil {
		r.fail(id, err)
	}
	return v
}

func (r *Reader) U32List(id uint16) []uint32 {
	f, ok := r.field(id, true)
	if !ok {
		return nil
	}
	v, err := f.AsU32List()
	if err != nil {
		r.fail(id, err)
	}
	return v
}
