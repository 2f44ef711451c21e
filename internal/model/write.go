package model

import (
	"encoding/binary"
	"fmt"
	"io"
	"unicode/utf8"

	"github.com/beingmeta/concourse/internal/errors"
)

// Action says whether a write adds or removes its value.
type Action uint8

const (
	ActionAdd Action = iota + 1
	ActionRemove
)

// String returns the action name
func (a Action) String() string {
	switch a {
	case ActionAdd:
		return "ADD"
	case ActionRemove:
		return "REMOVE"
	default:
		return fmt.Sprintf("Action(%d)", uint8(a))
	}
}

// MaxKeyBytes bounds keys for the same reason MaxStringBytes bounds strings.
const MaxKeyBytes = 1 << 16

// writeHeaderSize covers [action:1][record:8][keyLen:4]
const writeHeaderSize = 13

// Write is an immutable (key, value, record, action) record.
//
// Its identity for lookups is the (key, value quantity, record) triple; the
// action and timestamp decide what the write does to that triple.
type Write struct {
	key    string
	value  *Value
	record int64
	action Action
}

// NewAdd creates a write that adds value to key in record
func NewAdd(key string, value *Value, record int64) (*Write, error) {
	return newWrite(key, value, record, ActionAdd)
}

// NewRemove creates a write that removes value from key in record
func NewRemove(key string, value *Value, record int64) (*Write, error) {
	return newWrite(key, value, record, ActionRemove)
}

// NewWrite creates a write with an explicit action
func NewWrite(key string, value *Value, record int64, action Action) (*Write, error) {
	return newWrite(key, value, record, action)
}

func newWrite(key string, value *Value, record int64, action Action) (*Write, error) {
	if key == "" {
		return nil, errors.InvalidArgument("write key cannot be empty", nil)
	}
	if len(key) > MaxKeyBytes {
		return nil, errors.InvalidArgument(fmt.Sprintf("key of %d bytes exceeds %d", len(key), MaxKeyBytes), nil)
	}
	if !utf8.ValidString(key) {
		return nil, errors.InvalidArgument("write key is not valid UTF-8", nil)
	}
	if value == nil {
		return nil, errors.InvalidArgument("write value cannot be nil", nil)
	}
	if action != ActionAdd && action != ActionRemove {
		return nil, errors.InvalidArgument(fmt.Sprintf("invalid action %d", action), nil)
	}
	return &Write{key: key, value: value, record: record, action: action}, nil
}

// Key returns the key
func (w *Write) Key() string { return w.key }

// Value returns the value
func (w *Write) Value() *Value { return w.value }

// Record returns the record identifier
func (w *Write) Record() int64 { return w.record }

// Action returns the action
func (w *Write) Action() Action { return w.action }

// Timestamp is inherited from the value
func (w *Write) Timestamp() int64 { return w.value.Timestamp() }

// Matches reports whether the write targets the (key, value, record) triple.
func (w *Write) Matches(key string, value *Value, record int64) bool {
	return w.record == record && w.key == key && w.value.Equal(value)
}

// Equal compares identity triples; action and timestamp are ignored.
func (w *Write) Equal(other *Write) bool {
	if w == nil || other == nil {
		return w == other
	}
	return w.Matches(other.key, other.value, other.record)
}

// String returns a readable form used in logs
func (w *Write) String() string {
	return fmt.Sprintf("%s %s AS %s IN %d", w.action, w.key, w.value, w.record)
}

// Size returns the exact serialized length
func (w *Write) Size() int {
	return writeHeaderSize + len(w.key) + w.value.Size()
}

// Bytes returns [action:1][record:8][keyLen:4][key][value]
func (w *Write) Bytes() []byte {
	return w.AppendTo(make([]byte, 0, w.Size()))
}

// AppendTo appends the serialized form to buf
func (w *Write) AppendTo(buf []byte) []byte {
	buf = append(buf, byte(w.action))
	buf = binary.BigEndian.AppendUint64(buf, uint64(w.record))
	buf = binary.BigEndian.AppendUint32(buf, uint32(len(w.key)))
	buf = append(buf, w.key...)
	return w.value.AppendTo(buf)
}

// WriteTo serializes the write into sink
func (w *Write) WriteTo(sink io.Writer) (int64, error) {
	n, err := sink.Write(w.Bytes())
	return int64(n), err
}

// DecodeWrite decodes the write at the start of b and returns the bytes consumed.
func DecodeWrite(b []byte) (*Write, int, error) {
	if len(b) < writeHeaderSize {
		return nil, 0, errors.Deserialization("write header truncated", io.ErrUnexpectedEOF)
	}
	action := Action(b[0])
	if action != ActionAdd && action != ActionRemove {
		return nil, 0, errors.Deserialization(fmt.Sprintf("unknown action %d", b[0]), nil)
	}
	record := int64(binary.BigEndian.Uint64(b[1:9]))
	keyLen := binary.BigEndian.Uint32(b[9:13])
	if keyLen == 0 || keyLen > MaxKeyBytes {
		return nil, 0, errors.Deserialization(fmt.Sprintf("invalid key length %d", keyLen), nil)
	}
	rest := b[writeHeaderSize:]
	if uint32(len(rest)) < keyLen {
		return nil, 0, errors.Deserialization("write key truncated", io.ErrUnexpectedEOF)
	}
	key := string(rest[:keyLen])
	if !utf8.ValidString(key) {
		return nil, 0, errors.Deserialization("write key is not valid UTF-8", nil)
	}
	value, n, err := DecodeValue(rest[keyLen:])
	if err != nil {
		return nil, 0, err
	}
	return &Write{key: key, value: value, record: record, action: action}, writeHeaderSize + int(keyLen) + n, nil
}

// WriteFromBytes decodes exactly one write occupying all of b
func WriteFromBytes(b []byte) (*Write, error) {
	w, n, err := DecodeWrite(b)
	if err != nil {
		return nil, err
	}
	if n != len(b) {
		return nil, errors.Deserialization(fmt.Sprintf("%d trailing bytes after write", len(b)-n), nil)
	}
	return w, nil
}
