// Package hashing provides the deterministic hash that assigns entities to
// percentage-rollout buckets. The algorithm is shared across every SDK in
// the product; any divergence reassigns customer rollouts, so the byte
// order and masking below are load-bearing.
package hashing

import (
	"crypto/sha256"
	"encoding/binary"
)

// MaxThreshold is the upper bound of the bucket space. HashInt reaches it
// only when the masked 20 bits are all ones. Rollout thresholds are
// expressed as integers in [0, MaxThreshold].
const MaxThreshold = 100000

// mask keeps the low 20 bits of the hash prefix.
const mask = 0xFFFFF

// HashInt maps a string to an integer in [0, MaxThreshold] deterministically:
// SHA-256 of the UTF-8 bytes, first four bytes read as a little-endian
// unsigned 32-bit integer, masked to 20 bits, then scaled to the bucket
// space. The scaling yields MaxThreshold itself for a masked value of
// 0xFFFFF and values below it otherwise.
func HashInt(s string) int {
	sum := sha256.Sum256([]byte(s))
	prefix := binary.LittleEndian.Uint32(sum[:4])
	masked := prefix & mask
	return int(float64(masked) / float64(mask) * MaxThreshold)
}

// Bucket returns the rollout bucket for an attribute value under a flag key.
// The two are joined with a dot before hashing, matching the wire-level
// convention used by the rollout filter.
func Bucket(flagKey, attrValue string) int {
	return HashInt(flagKey + "." + attrValue)
}
