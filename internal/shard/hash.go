// Package shard implements the hash-ring placement used to pick a
// duplication target's downstream endpoint for a given metric name.
package shard

// fnvOffset32 and fnvPrime32 are the FNV-1a 32-bit constants from the
// canonical FNV specification (Fowler/Noll/Vo). They are reproduced here
// rather than imported from hash/fnv so the exact byte-level algorithm is
// visible and auditable at the call site: cross-fleet placement stability
// depends on every relay instance computing this identically, forever.
const (
	fnvOffset32 uint32 = 2166136261
	fnvPrime32  uint32 = 16777619
)

// HashName computes the 32-bit FNV-1a hash of name. This is the pinned
// hash function referenced throughout the package: non-cryptographic,
// stable across process restarts and across machines, and simple enough
// to reproduce byte-for-byte in another implementation.
func HashName(name []byte) uint32 {
	h := fnvOffset32
	for _, b := range name {
		h ^= uint32(b)
		h *= fnvPrime32
	}
	return h
}
