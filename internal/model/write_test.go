package model

import (
	"bytes"
	"testing"

	"github.com/beingmeta/concourse/internal/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewWrite_Validation(t *testing.T) {
	v := mustStorage(t, "v", 1)

	tests := []struct {
		name    string
		key     string
		value   *Value
		action  Action
		wantErr bool
	}{
		{"valid add", "name", v, ActionAdd, false},
		{"valid remove", "name", v, ActionRemove, false},
		{"empty key", "", v, ActionAdd, true},
		{"nil value", "name", nil, ActionAdd, true},
		{"bad action", "name", v, Action(9), true},
		{"invalid utf8 key", string([]byte{0xff}), v, ActionAdd, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w, err := NewWrite(tt.key, tt.value, 1, tt.action)
			if tt.wantErr {
				require.Error(t, err)
				assert.True(t, errors.IsCode(err, errors.ErrCodeInvalidArgument))
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.action, w.Action())
		})
	}
}

func TestWrite_Matches(t *testing.T) {
	v := mustStorage(t, int64(10), 5)
	w, err := NewAdd("age", v, 3)
	require.NoError(t, err)

	assert.Equal(t, int64(5), w.Timestamp())
	assert.True(t, w.Matches("age", mustLookup(t, int64(10)), 3))
	assert.False(t, w.Matches("age", mustLookup(t, int32(10)), 3))
	assert.False(t, w.Matches("age", mustLookup(t, int64(10)), 4))
	assert.False(t, w.Matches("name", mustLookup(t, int64(10)), 3))

	r, err := NewRemove("age", mustStorage(t, int64(10), 6), 3)
	require.NoError(t, err)
	assert.True(t, w.Equal(r), "identity ignores action and timestamp")
}

func TestWrite_RoundTrip(t *testing.T) {
	writes := []*Write{}
	for i, q := range []interface{}{"x", true, int32(-1), int64(1 << 40), float32(0.5), 2.5} {
		action := ActionAdd
		if i%2 == 1 {
			action = ActionRemove
		}
		w, err := NewWrite("key", mustStorage(t, q, int64(i+1)), int64(i*1000), action)
		require.NoError(t, err)
		writes = append(writes, w)
	}

	var buf bytes.Buffer
	for _, w := range writes {
		data := w.Bytes()
		require.Len(t, data, w.Size())

		got, err := WriteFromBytes(data)
		require.NoError(t, err)
		assert.True(t, got.Equal(w))
		assert.Equal(t, w.Action(), got.Action())
		assert.Equal(t, w.Timestamp(), got.Timestamp())

		_, err = w.WriteTo(&buf)
		require.NoError(t, err)
	}

	rest := buf.Bytes()
	for _, w := range writes {
		got, n, err := DecodeWrite(rest)
		require.NoError(t, err)
		assert.Equal(t, w.String(), got.String())
		rest = rest[n:]
	}
	assert.Empty(t, rest)
}

func TestDecodeWrite_Malformed(t *testing.T) {
	w, err := NewAdd("key", mustStorage(t, "value", 1), 7)
	require.NoError(t, err)
	good := w.Bytes()

	tests := []struct {
		name string
		data []byte
	}{
		{"short header", good[:4]},
		{"unknown action", append([]byte{0}, good[1:]...)},
		{"truncated key", good[:writeHeaderSize+1]},
		{"truncated value", good[:len(good)-2]},
		{"trailing", append(append([]byte{}, good...), 1)},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := WriteFromBytes(tt.data)
			assert.True(t, errors.IsCode(err, errors.ErrCodeDeserialization), "got %v", err)
		})
	}
}
