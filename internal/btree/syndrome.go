package btree

import "hash/fnv"

// Syndrome computes the 64-bit FNV-1a hash of key used as the sort key
// for non-leaf nodes of a syndrome-index tree and as the hash
// directory's prefilter.
func Syndrome(key []byte) uint64 {
	h := fnv.New64a()
	_, _ = h.Write(key)

	return h.Sum64()
}
