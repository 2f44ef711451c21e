package bloom

import (
	"encoding/binary"
	"math"
	"sync"
	"sync/atomic"

	"github.com/beingmeta/concourse/internal/model"
	"github.com/bits-and-blooms/bitset"
	lru "github.com/hashicorp/golang-lru"
	"github.com/spaolacci/murmur3"
)

const (
	DefaultExpectedInsertions = 500000
	DefaultFalsePositiveRate  = 0.03
	DefaultHashCacheSize      = 10000
)

// Config sizes a Filter
type Config struct {
	ExpectedInsertions int
	FalsePositiveRate  float64
	// HashCacheSize bounds the composite hash cache used by the Cached
	// variants. Zero disables the cache.
	HashCacheSize int
}

// DefaultConfig returns the sizing used for transaction queues
func DefaultConfig() Config {
	return Config{
		ExpectedInsertions: DefaultExpectedInsertions,
		FalsePositiveRate:  DefaultFalsePositiveRate,
		HashCacheSize:      DefaultHashCacheSize,
	}
}

type hashPair struct {
	h1, h2 uint64
}

// Filter is a concurrent bloom filter over (key, value, record) composites.
//
// It never yields a false negative for a composite that was put. Value
// identity is type plus quantity; timestamps and the storage flag are not
// part of the composite, so a lookup finds a stored value of equal quantity.
type Filter struct {
	mu        sync.RWMutex
	bits      *bitset.BitSet
	size      uint64
	hashCount uint64
	cache     *lru.Cache
	count     atomic.Uint64
}

// NewFilter creates a filter sized for cfg.ExpectedInsertions at cfg.FalsePositiveRate
func NewFilter(cfg Config) *Filter {
	n := cfg.ExpectedInsertions
	if n <= 0 {
		n = DefaultExpectedInsertions
	}
	p := cfg.FalsePositiveRate
	if p <= 0 || p >= 1 {
		p = DefaultFalsePositiveRate
	}

	// m = -(n * ln(p)) / (ln(2)^2)
	size := uint64(math.Ceil(-float64(n) * math.Log(p) / (math.Ln2 * math.Ln2)))
	if size == 0 {
		size = 64
	}
	// k = (m/n) * ln(2)
	hashCount := uint64(math.Round(float64(size) / float64(n) * math.Ln2))
	if hashCount == 0 {
		hashCount = 1
	}

	f := &Filter{
		bits:      bitset.New(uint(size)),
		size:      size,
		hashCount: hashCount,
	}
	if cfg.HashCacheSize > 0 {
		// lru.New only fails for a non-positive size
		f.cache, _ = lru.New(cfg.HashCacheSize)
	}
	return f
}

// Put adds the composite to the filter
func (f *Filter) Put(key string, value *model.Value, record int64) {
	f.set(hashComposite(composite(key, value, record)))
}

// PutCached is Put with the composite hash memoized
func (f *Filter) PutCached(key string, value *model.Value, record int64) {
	f.set(f.cachedHash(key, value, record))
}

// MightContain reports whether the composite may have been put.
// A false result is definitive.
func (f *Filter) MightContain(key string, value *model.Value, record int64) bool {
	return f.test(hashComposite(composite(key, value, record)))
}

// MightContainCached is MightContain with the composite hash memoized
func (f *Filter) MightContainCached(key string, value *model.Value, record int64) bool {
	return f.test(f.cachedHash(key, value, record))
}

// Count returns the number of puts, duplicates included
func (f *Filter) Count() uint64 {
	return f.count.Load()
}

// Size returns the number of bits
func (f *Filter) Size() uint64 {
	return f.size
}

// HashCount returns the number of hash positions per composite
func (f *Filter) HashCount() uint64 {
	return f.hashCount
}

func (f *Filter) set(h hashPair) {
	f.mu.Lock()
	for i := uint64(0); i < f.hashCount; i++ {
		f.bits.Set(uint(f.index(h, i)))
	}
	f.mu.Unlock()
	f.count.Add(1)
}

func (f *Filter) test(h hashPair) bool {
	f.mu.RLock()
	defer f.mu.RUnlock()
	for i := uint64(0); i < f.hashCount; i++ {
		if !f.bits.Test(uint(f.index(h, i))) {
			return false
		}
	}
	return true
}

// index uses double hashing: h(i) = h1 + i*h2
func (f *Filter) index(h hashPair, i uint64) uint64 {
	return (h.h1 + i*h.h2) % f.size
}

func (f *Filter) cachedHash(key string, value *model.Value, record int64) hashPair {
	c := composite(key, value, record)
	if f.cache == nil {
		return hashComposite(c)
	}
	ck := string(c)
	if h, ok := f.cache.Get(ck); ok {
		return h.(hashPair)
	}
	h := hashComposite(c)
	f.cache.Add(ck, h)
	return h
}

func hashComposite(c []byte) hashPair {
	h1, h2 := murmur3.Sum128(c)
	if h2 == 0 {
		h2 = 1
	}
	return hashPair{h1: h1, h2: h2}
}

// composite encodes [keyLen:4][key][type:1][quantity][record:8]
func composite(key string, value *model.Value, record int64) []byte {
	q := value.QuantityBytes()
	buf := make([]byte, 0, 4+len(key)+1+len(q)+8)
	buf = binary.BigEndian.AppendUint32(buf, uint32(len(key)))
	buf = append(buf, key...)
	buf = append(buf, byte(value.Type()))
	buf = append(buf, q...)
	return binary.BigEndian.AppendUint64(buf, uint64(record))
}
