package contentindex

import (
	"math"

	"github.com/cespare/xxhash/v2"
)

// countingBloom is a counting Bloom filter used as the probe pre-filter in
// front of the exact content map. The corpus's bits-and-blooms/bloom
// package only implements a non-counting filter (no decrement), which
// cannot express unregister(); this is instead built directly on
// cespare/xxhash (present across the pack as the go-to non-cryptographic
// hash for index structures) using the standard double-hashing derivation
// of k independent hash functions from two xxhash seeds.
type countingBloom struct {
	counters []uint8
	k        int
}

func newCountingBloom(capacity uint64, fpr float64) *countingBloom {
	if capacity == 0 {
		capacity = 1
	}
	if fpr <= 0 || fpr >= 1 {
		fpr = 0.001
	}
	m := optimalBits(capacity, fpr)
	k := optimalK(capacity, m)
	if k < 1 {
		k = 1
	}
	return &countingBloom{counters: make([]uint8, m), k: k}
}

func optimalBits(n uint64, p float64) uint64 {
	m := math.Ceil(-1 * float64(n) * math.Log(p) / (math.Ln2 * math.Ln2))
	if m < 8 {
		m = 8
	}
	return uint64(m)
}

func optimalK(n, m uint64) int {
	k := math.Round((float64(m) / float64(n)) * math.Ln2)
	if k < 1 {
		k = 1
	}
	return int(k)
}

// indices computes the k probe positions for data via double hashing:
// h_i = h1 + i*h2 mod len(counters), the standard Kirsch-Mitzenmacher
// construction used to derive many hashes from two.
func (c *countingBloom) indices(data []byte) []uint64 {
	h1 := xxhash.Sum64(data)
	h2 := xxhash.Sum64WithSeed(data, 0x5bd1e995)
	out := make([]uint64, c.k)
	m := uint64(len(c.counters))
	for i := 0; i < c.k; i++ {
		out[i] = (h1 + uint64(i)*h2) % m
	}
	return out
}

func (c *countingBloom) increment(data []byte) {
	for _, idx := range c.indices(data) {
		if c.counters[idx] < math.MaxUint8 {
			c.counters[idx]++
		}
	}
}

func (c *countingBloom) decrement(data []byte) {
	for _, idx := range c.indices(data) {
		if c.counters[idx] > 0 {
			c.counters[idx]--
		}
	}
}

// mayContain reports whether data could be present: true is a maybe
// (subject to the configured false-positive ceiling), false is definitive.
func (c *countingBloom) mayContain(data []byte) bool {
	for _, idx := range c.indices(data) {
		if c.counters[idx] == 0 {
			return false
		}
	}
	return true
}
