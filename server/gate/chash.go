package gate

import (
	"sort"
)

// Constants
const DEFAULT_HASHRING_REPLICAS = 16

// Consistent Hashing.
type Bucket interface {
	Hash() uint32
}

type Hashable interface {
	Hash() uint32
}

type HashRing struct {
	ring []Bucket // (Ascending order)
}

func NewHashRing(buckets []Bucket) *HashRing {
	instance := &HashRing{
		ring: make([]Bucket, len(buckets)),
	}
	copy(instance.ring, buckets)
	sort.Stable(instance)
	return instance
}

func (r *HashRing) Len() int {
	return len(r.ring)
}

func (r *HashRing) Less(i, j int) bool {
	return r.ring[i].Hash() < r.ring[j].Hash()
}

func (r *HashRing) Swap(i, j int) {
	r.ring[i], r.ring[j] = r.ring[j], r.ring[i]
}

func (r *HashRing) At(index int) Bucket {
	if index < 0 || index >= len(r.ring) {
		return nil
	}
	return r.ring[index]
}

// Search bucket according to hash value.
func (r *HashRing) Search(hash uint32) int {
	return sort.Search(len(r.ring), func(idx int) bool {
		return hash <= r.ring[idx].Hash()
	})
}

// Hit the first bucket clockwise from hash.
func (r *HashRing) HashHit(hash uint32) (int, Bucket) {
	if len(r.ring) == 0 {
		return -1, nil
	}

	idx := r.Search(hash)

	if idx == len(r.ring) {
		idx = 0
	}
	return idx, r.ring[idx]
}

func (r *HashRing) Hit(instance Hashable) (int, Bucket) {
	return r.HashHit(instance.Hash())
}
