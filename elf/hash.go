package elf

import (
	"io"
)

type elfHashTable struct {
	buckets []uint32
	chains  []uint32
}

type gnuHashTable struct {
	symbias uint32
	shift   uint32
	indexes []uint64
	buckets []uint32
	sr      *io.SectionReader
	chains  []uint32
}

var hashBucketSizes = []int{1, 3, 17, 37, 67, 97, 131, 197, 263, 521, 1031, 2053, 4099, 8209, 16411, 32771}

func elfHash(name string) uint32 {
	var h uint32
	for _, v := range []byte(name) {
		h = (h << 4) + uint32(v)
		g := h & 0xf0000000
		if g != 0 {
			h ^= g >> 24
			h &= ^g
		}
	}
	return h
}

func gnuHash(name string) uint32 {
	var h uint32 = 5381
	for _, v := range []byte(name) {
		h += (h << 5) + uint32(v)
	}
	return h & 0xffffffff
}

func hashBuckets(nsyms int) int {
	best := hashBucketSizes[0]
	for i, size := range hashBucketSizes {
		best = size
		if i+1 == len(hashBucketSizes) || nsyms < hashBucketSizes[i+1] {
			break
		}
	}
	return best
}

// SysvHash builds the bucket and chain arrays of a DT_HASH table. names is
// indexed like the dynamic symbol table, names[0] being the null symbol.
func SysvHash(names []string) (buckets, chains []uint32) {
	buckets = make([]uint32, hashBuckets(len(names)))
	chains = make([]uint32, len(names))
	for i := 1; i < len(names); i++ {
		h := elfHash(names[i]) % uint32(len(buckets))
		chains[i] = buckets[h]
		buckets[h] = uint32(i)
	}
	return
}
