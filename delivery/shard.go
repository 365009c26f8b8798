// Package delivery moves signals from the buses to their target entities
// with at-most-once observable effect per target. Entities are partitioned
// across a fixed number of shards; a work registry grants one node exclusive
// access to a shard for a bounded lease, and a worker pool drains the
// per-shard inboxes page by page.
package delivery

import (
	"fmt"

	"github.com/cespare/xxhash/v2"
	"github.com/zjrosen/strand/signal"
)

// ShardIndex locates one shard in a fixed partitioning.
type ShardIndex struct {
	Index   uint32
	OfTotal uint32
}

func (s ShardIndex) String() string {
	return fmt.Sprintf("%d/%d", s.Index, s.OfTotal)
}

// ShardingStrategy assigns entities to shards. All signals for one
// (id, type) pair must land in one shard; the assignment must be stable
// across nodes and restarts.
type ShardingStrategy interface {
	ShardOf(id signal.EntityID, entityType string, ofTotal uint32) ShardIndex
}

// UniformHash is the default strategy: a 64-bit hash of the entity type and
// the id's serialized form, reduced modulo the shard count.
type UniformHash struct{}

// ShardOf implements ShardingStrategy.
func (UniformHash) ShardOf(id signal.EntityID, entityType string, ofTotal uint32) ShardIndex {
	if ofTotal <= 1 {
		return ShardIndex{Index: 0, OfTotal: max32(ofTotal, 1)}
	}
	h := xxhash.New()
	_, _ = h.WriteString(entityType)
	_, _ = h.WriteString("/")
	_, _ = h.WriteString(id.Key())
	return ShardIndex{
		Index:   uint32(h.Sum64() % uint64(ofTotal)),
		OfTotal: ofTotal,
	}
}

func max32(a, b uint32) uint32 {
	if a > b {
		return a
	}
	return b
}
