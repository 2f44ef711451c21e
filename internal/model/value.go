package model

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"io"
	"math"
	"unicode/utf8"

	"github.com/beingmeta/concourse/internal/errors"
)

// Type tags a Value's quantity on the wire.
type Type uint8

const (
	TypeBoolean Type = iota + 1
	TypeInteger      // int32
	TypeLong         // int64
	TypeFloat        // float32
	TypeDouble       // float64
	TypeString
)

// String returns the type name
func (t Type) String() string {
	switch t {
	case TypeBoolean:
		return "BOOLEAN"
	case TypeInteger:
		return "INTEGER"
	case TypeLong:
		return "LONG"
	case TypeFloat:
		return "FLOAT"
	case TypeDouble:
		return "DOUBLE"
	case TypeString:
		return "STRING"
	default:
		return fmt.Sprintf("Type(%d)", uint8(t))
	}
}

// rank orders types across classes: boolean < numeric < string.
func (t Type) rank() int {
	switch t {
	case TypeBoolean:
		return 0
	case TypeString:
		return 2
	default:
		return 1
	}
}

// fixedWidth returns the encoded quantity width, or -1 for length-prefixed types.
func (t Type) fixedWidth() int {
	switch t {
	case TypeBoolean:
		return 1
	case TypeInteger, TypeFloat:
		return 4
	case TypeLong, TypeDouble:
		return 8
	case TypeString:
		return -1
	default:
		return 0
	}
}

const (
	// ValueHeaderSize covers [type:1][forStorage:1][timestamp:8].
	ValueHeaderSize = 10

	// NoTimestamp is the sentinel timestamp carried by comparison values.
	NoTimestamp int64 = math.MaxInt64

	// MaxStringBytes bounds string quantities so a corrupt length prefix
	// cannot force a huge allocation while decoding.
	MaxStringBytes = 1 << 26

	stringLengthSize = 4
)

// Value is an immutable, typed, timestamped quantity.
//
// Equality only considers type and quantity; the timestamp is metadata.
// Ordering is by descending timestamp so that newer versions sort first.
type Value struct {
	typ        Type
	quantity   interface{}
	encoded    []byte
	timestamp  int64
	forStorage bool
}

// ForStorage creates a storage value stamped with the process clock.
func ForStorage(quantity interface{}) (*Value, error) {
	return newValue(quantity, defaultClock.Time(), true)
}

// ForStorageAt creates a storage value with a caller supplied timestamp.
func ForStorageAt(quantity interface{}, timestamp int64) (*Value, error) {
	if timestamp == NoTimestamp {
		return nil, errors.InvalidArgument("timestamp collides with the comparison sentinel", nil)
	}
	return newValue(quantity, timestamp, true)
}

// NotForStorage creates a comparison-only value. It carries NoTimestamp.
func NotForStorage(quantity interface{}) (*Value, error) {
	return newValue(quantity, NoTimestamp, false)
}

func newValue(quantity interface{}, timestamp int64, forStorage bool) (*Value, error) {
	typ, q, err := normalize(quantity)
	if err != nil {
		return nil, err
	}
	return &Value{
		typ:        typ,
		quantity:   q,
		encoded:    encodeQuantity(typ, q),
		timestamp:  timestamp,
		forStorage: forStorage,
	}, nil
}

func normalize(quantity interface{}) (Type, interface{}, error) {
	switch q := quantity.(type) {
	case bool:
		return TypeBoolean, q, nil
	case int32:
		return TypeInteger, q, nil
	case int64:
		return TypeLong, q, nil
	case int:
		return TypeLong, int64(q), nil
	case float32:
		return TypeFloat, q, nil
	case float64:
		return TypeDouble, q, nil
	case string:
		if len(q) > MaxStringBytes {
			return 0, nil, errors.InvalidArgument(fmt.Sprintf("string quantity of %d bytes exceeds %d", len(q), MaxStringBytes), nil)
		}
		if !utf8.ValidString(q) {
			return 0, nil, errors.InvalidArgument("string quantity is not valid UTF-8", nil)
		}
		return TypeString, q, nil
	default:
		return 0, nil, errors.UnsupportedType(quantity)
	}
}

func encodeQuantity(typ Type, q interface{}) []byte {
	switch typ {
	case TypeBoolean:
		if q.(bool) {
			return []byte{1}
		}
		return []byte{0}
	case TypeInteger:
		return binary.BigEndian.AppendUint32(nil, uint32(q.(int32)))
	case TypeLong:
		return binary.BigEndian.AppendUint64(nil, uint64(q.(int64)))
	case TypeFloat:
		return binary.BigEndian.AppendUint32(nil, math.Float32bits(q.(float32)))
	case TypeDouble:
		return binary.BigEndian.AppendUint64(nil, math.Float64bits(q.(float64)))
	default:
		s := q.(string)
		buf := make([]byte, stringLengthSize, stringLengthSize+len(s))
		binary.BigEndian.PutUint32(buf, uint32(len(s)))
		return append(buf, s...)
	}
}

// Type returns the type tag
func (v *Value) Type() Type { return v.typ }

// Quantity returns the raw quantity (bool, int32, int64, float32, float64 or string)
func (v *Value) Quantity() interface{} { return v.quantity }

// Timestamp returns the write timestamp, NoTimestamp for comparison values
func (v *Value) Timestamp() int64 { return v.timestamp }

// IsForStorage reports whether the value carries a real write timestamp
func (v *Value) IsForStorage() bool { return v.forStorage }

// QuantityBytes returns the encoded quantity. The slice must not be modified.
func (v *Value) QuantityBytes() []byte { return v.encoded }

// Equal reports whether both values hold the same typed quantity.
func (v *Value) Equal(other *Value) bool {
	if v == nil || other == nil {
		return v == other
	}
	return v.typ == other.typ && bytes.Equal(v.encoded, other.encoded)
}

// Compare orders values newest first.
//
// Two storage values compare by timestamp only, so equal timestamps compare
// equal. A comparison value compares equal to any value with the same
// quantity and greater than any value with a different one. Two comparison
// values fall back to CompareQuantity.
func (v *Value) Compare(other *Value) int {
	switch {
	case v.forStorage && other.forStorage:
		switch {
		case v.timestamp > other.timestamp:
			return -1
		case v.timestamp < other.timestamp:
			return 1
		}
		return 0
	case !v.forStorage && !other.forStorage:
		return CompareQuantity(v, other)
	case v.Equal(other):
		return 0
	case !v.forStorage:
		return 1
	default:
		return -1
	}
}

// CompareQuantity is a deterministic total order over quantities: by type
// class (boolean < numeric < string), then type tag, then encoded bytes.
func CompareQuantity(a, b *Value) int {
	if ra, rb := a.typ.rank(), b.typ.rank(); ra != rb {
		if ra < rb {
			return -1
		}
		return 1
	}
	if a.typ != b.typ {
		if a.typ < b.typ {
			return -1
		}
		return 1
	}
	return bytes.Compare(a.encoded, b.encoded)
}

// Size returns the exact serialized length without serializing.
func (v *Value) Size() int {
	return ValueHeaderSize + len(v.encoded)
}

// Bytes returns the self-describing serialized form:
// [type:1][forStorage:1][timestamp:8 big-endian][quantity]
func (v *Value) Bytes() []byte {
	buf := make([]byte, 0, v.Size())
	return v.AppendTo(buf)
}

// AppendTo appends the serialized form to buf
func (v *Value) AppendTo(buf []byte) []byte {
	flag := byte(0)
	if v.forStorage {
		flag = 1
	}
	buf = append(buf, byte(v.typ), flag)
	buf = binary.BigEndian.AppendUint64(buf, uint64(v.timestamp))
	return append(buf, v.encoded...)
}

// WriteTo serializes the value into w, one value at a time.
func (v *Value) WriteTo(w io.Writer) (int64, error) {
	n, err := w.Write(v.Bytes())
	return int64(n), err
}

// String returns a readable form used in logs
func (v *Value) String() string {
	if v == nil {
		return "<nil>"
	}
	if !v.forStorage {
		return fmt.Sprintf("%v (%s)", v.quantity, v.typ)
	}
	return fmt.Sprintf("%v (%s) @%d", v.quantity, v.typ, v.timestamp)
}

// FromBytes decodes exactly one value that occupies all of b.
func FromBytes(b []byte) (*Value, error) {
	v, n, err := DecodeValue(b)
	if err != nil {
		return nil, err
	}
	if n != len(b) {
		return nil, errors.Deserialization(fmt.Sprintf("%d trailing bytes after value", len(b)-n), nil)
	}
	return v, nil
}

// DecodeValue decodes the value at the start of b and returns the number of
// bytes consumed.
func DecodeValue(b []byte) (*Value, int, error) {
	if len(b) < ValueHeaderSize {
		return nil, 0, errors.Deserialization("value header truncated", io.ErrUnexpectedEOF)
	}
	typ, forStorage, timestamp, err := decodeHeader(b[:ValueHeaderSize])
	if err != nil {
		return nil, 0, err
	}
	rest := b[ValueHeaderSize:]

	width := typ.fixedWidth()
	if width < 0 {
		if len(rest) < stringLengthSize {
			return nil, 0, errors.Deserialization("string length prefix truncated", io.ErrUnexpectedEOF)
		}
		length := binary.BigEndian.Uint32(rest)
		if length > MaxStringBytes {
			return nil, 0, errors.Deserialization(fmt.Sprintf("string length %d exceeds %d", length, MaxStringBytes), nil)
		}
		width = stringLengthSize + int(length)
	}
	if len(rest) < width {
		return nil, 0, errors.Deserialization(fmt.Sprintf("%s quantity truncated", typ), io.ErrUnexpectedEOF)
	}

	v, err := buildDecoded(typ, forStorage, timestamp, rest[:width])
	if err != nil {
		return nil, 0, err
	}
	return v, ValueHeaderSize + width, nil
}

// ReadValue reads one value from r. It returns io.EOF, unwrapped, when r is
// exhausted before the first byte of a value.
func ReadValue(r io.Reader) (*Value, error) {
	var header [ValueHeaderSize]byte
	if _, err := io.ReadFull(r, header[:]); err != nil {
		if err == io.EOF {
			return nil, io.EOF
		}
		return nil, errors.Deserialization("value header truncated", err)
	}
	typ, forStorage, timestamp, err := decodeHeader(header[:])
	if err != nil {
		return nil, err
	}

	var quantity []byte
	if width := typ.fixedWidth(); width > 0 {
		quantity = make([]byte, width)
		if _, err := io.ReadFull(r, quantity); err != nil {
			return nil, errors.Deserialization(fmt.Sprintf("%s quantity truncated", typ), err)
		}
	} else {
		var prefix [stringLengthSize]byte
		if _, err := io.ReadFull(r, prefix[:]); err != nil {
			return nil, errors.Deserialization("string length prefix truncated", err)
		}
		length := binary.BigEndian.Uint32(prefix[:])
		if length > MaxStringBytes {
			return nil, errors.Deserialization(fmt.Sprintf("string length %d exceeds %d", length, MaxStringBytes), nil)
		}
		quantity = make([]byte, stringLengthSize+int(length))
		copy(quantity, prefix[:])
		if _, err := io.ReadFull(r, quantity[stringLengthSize:]); err != nil {
			return nil, errors.Deserialization("string quantity truncated", err)
		}
	}
	return buildDecoded(typ, forStorage, timestamp, quantity)
}

func decodeHeader(h []byte) (Type, bool, int64, error) {
	typ := Type(h[0])
	if typ.fixedWidth() == 0 {
		return 0, false, 0, errors.Deserialization(fmt.Sprintf("unknown type tag %d", h[0]), nil).
			WithDetail("tag", h[0])
	}
	var forStorage bool
	switch h[1] {
	case 0:
	case 1:
		forStorage = true
	default:
		return 0, false, 0, errors.Deserialization(fmt.Sprintf("invalid storage flag %d", h[1]), nil)
	}
	return typ, forStorage, int64(binary.BigEndian.Uint64(h[2:])), nil
}

func buildDecoded(typ Type, forStorage bool, timestamp int64, enc []byte) (*Value, error) {
	var q interface{}
	switch typ {
	case TypeBoolean:
		switch enc[0] {
		case 0:
			q = false
		case 1:
			q = true
		default:
			return nil, errors.Deserialization(fmt.Sprintf("invalid boolean byte %d", enc[0]), nil)
		}
	case TypeInteger:
		q = int32(binary.BigEndian.Uint32(enc))
	case TypeLong:
		q = int64(binary.BigEndian.Uint64(enc))
	case TypeFloat:
		q = math.Float32frombits(binary.BigEndian.Uint32(enc))
	case TypeDouble:
		q = math.Float64frombits(binary.BigEndian.Uint64(enc))
	case TypeString:
		s := enc[stringLengthSize:]
		if !utf8.Valid(s) {
			return nil, errors.Deserialization("string quantity is not valid UTF-8", nil)
		}
		q = string(s)
	}
	owned := make([]byte, len(enc))
	copy(owned, enc)
	return &Value{
		typ:        typ,
		quantity:   q,
		encoded:    owned,
		timestamp:  timestamp,
		forStorage: forStorage,
	}, nil
}
