package index

import (
	"math/bits"

	"github.com/cespare/xxhash/v2"

	"github.com/agenttrace/core/internal/domain/edge"
)

// bloomDefaultBits/bloomDefaultHashes size the per-session filter for a
// false-positive rate around 1% at ~10k edges per session, the expected
// upper bound for a single agent session.
const (
	bloomDefaultBits   = 1 << 17 // 128Ki bits = 16KiB per session
	bloomDefaultHashes = 7
)

// bloomFilter is a fixed-size Bloom filter over edge.ID, used by
// CausalParentExists to short-circuit the common case of a causal_parent
// that isn't present in the session before falling back to a scan.
type bloomFilter struct {
	bits   []uint64
	nbits  uint64
	hashes int
}

func newBloomFilter(nbits uint64, hashes int) *bloomFilter {
	return &bloomFilter{
		bits:   make([]uint64, (nbits+63)/64),
		nbits:  nbits,
		hashes: hashes,
	}
}

func (bf *bloomFilter) add(id edge.ID) {
	h1, h2 := bf.seeds(id)
	for i := 0; i < bf.hashes; i++ {
		pos := (h1 + uint64(i)*h2) % bf.nbits
		bf.bits[pos/64] |= 1 << (pos % 64)
	}
}

func (bf *bloomFilter) mayContain(id edge.ID) bool {
	h1, h2 := bf.seeds(id)
	for i := 0; i < bf.hashes; i++ {
		pos := (h1 + uint64(i)*h2) % bf.nbits
		if bf.bits[pos/64]&(1<<(pos%64)) == 0 {
			return false
		}
	}
	return true
}

// seeds derives two independent hashes from id via xxhash over its 16-byte
// big-endian encoding, combined per Kirsch-Mitzenmacher to cheaply derive
// bf.hashes probe positions from just two underlying hash evaluations.
func (bf *bloomFilter) seeds(id edge.ID) (h1, h2 uint64) {
	var buf [16]byte
	putUint64(buf[0:8], id.Hi)
	putUint64(buf[8:16], id.Lo)
	h1 = xxhash.Sum64(buf[:])
	h2 = bits.RotateLeft64(h1, 32) ^ 0x9e3779b97f4a7c15
	if h2 == 0 {
		h2 = 1
	}
	return h1, h2
}

func putUint64(b []byte, v uint64) {
	for i := 0; i < 8; i++ {
		b[7-i] = byte(v)
		v >>= 8
	}
}
