// Package shard assigns contributors to seller shards.
//
// Seller shards exist so that contributors do not all write the same record
// during discovery. Routing hashes the contributor address, so the same
// owner lands on the same shard on every node without coordination, and
// independent owners spread evenly across the shards that are still live.
package shard

import (
	"encoding/binary"
	"errors"
	"sort"

	"golang.org/x/crypto/blake2b"
)

// ErrNoShards is returned when an event has no live seller shard left.
var ErrNoShards = errors.New("shard: no live seller shards")

// Route picks a shard index for owner among the live indices.
// The choice depends only on owner and the set of indices, not their order.
func Route(owner string, live []int64) (int64, error) {
	if len(live) == 0 {
		return 0, ErrNoShards
	}
	sorted := append([]int64(nil), live...)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i] < sorted[j] })

	sum := blake2b.Sum256([]byte(owner))
	n := binary.BigEndian.Uint64(sum[:8])
	return sorted[n%uint64(len(sorted))], nil
}
