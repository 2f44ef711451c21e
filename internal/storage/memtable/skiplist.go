package memtable

import (
	"math/rand"
)

const (
	MaxLevel    = 16
	Probability = 0.5
)

// node is a skip list node
type node[K, V any] struct {
	key     K
	value   V
	forward []*node[K, V]
}

// SkipList is an ordered map with expected O(log n) operations.
// It is not safe for concurrent use.
type SkipList[K, V any] struct {
	head    *node[K, V]
	level   int
	size    int
	compare func(a, b K) int
	rng     *rand.Rand
}

// NewSkipList creates an empty skip list ordered by compare
func NewSkipList[K, V any](compare func(a, b K) int) *SkipList[K, V] {
	return &SkipList[K, V]{
		head:    &node[K, V]{forward: make([]*node[K, V], MaxLevel)},
		compare: compare,
		rng:     rand.New(rand.NewSource(rand.Int63())),
	}
}

func (sl *SkipList[K, V]) randomLevel() int {
	level := 0
	for sl.rng.Float64() < Probability && level < MaxLevel-1 {
		level++
	}
	return level
}

// findPredecessors fills update with the last node before key on every level
func (sl *SkipList[K, V]) findPredecessors(key K, update []*node[K, V]) *node[K, V] {
	current := sl.head
	for i := sl.level; i >= 0; i-- {
		for current.forward[i] != nil && sl.compare(current.forward[i].key, key) < 0 {
			current = current.forward[i]
		}
		if update != nil {
			update[i] = current
		}
	}
	return current.forward[0]
}

// Insert adds or replaces the value for key
func (sl *SkipList[K, V]) Insert(key K, value V) {
	update := make([]*node[K, V], MaxLevel)
	next := sl.findPredecessors(key, update)

	if next != nil && sl.compare(next.key, key) == 0 {
		next.value = value
		return
	}

	newLevel := sl.randomLevel()
	if newLevel > sl.level {
		for i := sl.level + 1; i <= newLevel; i++ {
			update[i] = sl.head
		}
		sl.level = newLevel
	}

	n := &node[K, V]{
		key:     key,
		value:   value,
		forward: make([]*node[K, V], newLevel+1),
	}
	for i := 0; i <= newLevel; i++ {
		n.forward[i] = update[i].forward[i]
		update[i].forward[i] = n
	}

	sl.size++
}

// Search finds the value stored for key
func (sl *SkipList[K, V]) Search(key K) (V, bool) {
	next := sl.findPredecessors(key, nil)
	if next != nil && sl.compare(next.key, key) == 0 {
		return next.value, true
	}
	var zero V
	return zero, false
}

// Delete removes key and reports whether it was present
func (sl *SkipList[K, V]) Delete(key K) bool {
	update := make([]*node[K, V], MaxLevel)
	target := sl.findPredecessors(key, update)
	if target == nil || sl.compare(target.key, key) != 0 {
		return false
	}

	for i := 0; i <= sl.level; i++ {
		if update[i].forward[i] != target {
			break
		}
		update[i].forward[i] = target.forward[i]
	}

	for sl.level > 0 && sl.head.forward[sl.level] == nil {
		sl.level--
	}

	sl.size--
	return true
}

// Len returns the number of keys
func (sl *SkipList[K, V]) Len() int {
	return sl.size
}
