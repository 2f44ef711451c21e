package memtable_test

import (
	"cmp"
	"strings"
	"testing"

	"github.com/beingmeta/concourse/internal/storage/memtable"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newStringList() *memtable.SkipList[string, string] {
	return memtable.NewSkipList[string, string](strings.Compare)
}

func TestSkipList_Insert(t *testing.T) {
	tests := []struct {
		name   string
		key    string
		value  string
		verify func(*testing.T, *memtable.SkipList[string, string])
	}{
		{
			name:  "insert single element",
			key:   "key1",
			value: "value1",
			verify: func(t *testing.T, sl *memtable.SkipList[string, string]) {
				val, found := sl.Search("key1")
				assert.True(t, found)
				assert.Equal(t, "value1", val)
			},
		},
		{
			name:  "insert multiple elements",
			key:   "key2",
			value: "value2",
			verify: func(t *testing.T, sl *memtable.SkipList[string, string]) {
				sl.Insert("key3", "value3")
				sl.Insert("key1", "value1")

				assert.Equal(t, 3, sl.Len())
				val, found := sl.Search("key1")
				assert.True(t, found)
				assert.Equal(t, "value1", val)
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			sl := newStringList()
			sl.Insert(tt.key, tt.value)
			tt.verify(t, sl)
		})
	}
}

func TestSkipList_Update(t *testing.T) {
	sl := newStringList()

	sl.Insert("key1", "value1")
	sl.Insert("key1", "value2")

	val, found := sl.Search("key1")
	require.True(t, found)
	assert.Equal(t, "value2", val)
	assert.Equal(t, 1, sl.Len())
}

func TestSkipList_Search(t *testing.T) {
	sl := newStringList()
	sl.Insert("apple", "fruit1")
	sl.Insert("banana", "fruit2")
	sl.Insert("cherry", "fruit3")

	tests := []struct {
		name      string
		key       string
		wantValue string
		wantFound bool
	}{
		{"search existing key", "banana", "fruit2", true},
		{"search non-existing key", "mango", "", false},
		{"search first key", "apple", "fruit1", true},
		{"search last key", "cherry", "fruit3", true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			val, found := sl.Search(tt.key)
			assert.Equal(t, tt.wantFound, found)
			assert.Equal(t, tt.wantValue, val)
		})
	}
}

func TestSkipList_Delete(t *testing.T) {
	sl := newStringList()
	sl.Insert("key1", "value1")
	sl.Insert("key2", "value2")
	sl.Insert("key3", "value3")

	tests := []struct {
		name    string
		key     string
		wantOk  bool
		wantLen int
	}{
		{"delete existing key", "key2", true, 2},
		{"delete non-existing key", "key4", false, 2},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ok := sl.Delete(tt.key)
			assert.Equal(t, tt.wantOk, ok)
			assert.Equal(t, tt.wantLen, sl.Len())

			if ok {
				_, found := sl.Search(tt.key)
				assert.False(t, found)
			}
		})
	}
}

func TestSkipList_Empty(t *testing.T) {
	sl := newStringList()

	_, found := sl.Search("key1")
	assert.False(t, found)
	assert.False(t, sl.Delete("key1"))
	assert.Equal(t, 0, sl.Len())
}

func BenchmarkSkipList_Insert(b *testing.B) {
	sl := memtable.NewSkipList[int, string](cmp.Compare[int])

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		sl.Insert(i, "value")
	}
}

func BenchmarkSkipList_Search(b *testing.B) {
	sl := memtable.NewSkipList[int, string](cmp.Compare[int])
	for i := 0; i < 10000; i++ {
		sl.Insert(i, "value")
	}

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		sl.Search(i % 10000)
	}
}
