// Package planner decides which catalog items to query in a cycle and in which batches.
package planner

import (
	"fmt"
	"math/rand/v2"

	"pricewatch/internal/model"
)

// Order selects how ids are ordered within each partition.
type Order string

// Supported orders.
const (
	// OrderPriority keeps catalog order within each partition.
	OrderPriority Order = "priority"
	// OrderShuffle randomizes order within each partition.
	OrderShuffle Order = "shuffle"
)

// ParseOrder validates an order name. The empty string selects OrderPriority.
func ParseOrder(s string) (Order, error) {
	switch Order(s) {
	case "", OrderPriority:
		return OrderPriority, nil
	case OrderShuffle:
		return OrderShuffle, nil
	default:
		return "", fmt.Errorf("unknown plan order %q", s)
	}
}

// IDSet is a set of item ids.
type IDSet map[int64]struct{}

// NewIDSet builds a set from a slice of ids.
func NewIDSet(ids []int64) IDSet {
	s := make(IDSet, len(ids))
	for _, id := range ids {
		s[id] = struct{}{}
	}
	return s
}

// Has reports whether id is in the set.
func (s IDSet) Has(id int64) bool {
	_, ok := s[id]
	return ok
}

// View is the persisted state the planner consults.
type View struct {
	WithData IDSet
	Denylist IDSet
	// Deferred is the effective deferred view: unexpired deferrals plus recently updated items.
	Deferred IDSet
}

// Options controls batching and ordering.
type Options struct {
	BatchSize int
	Order     Order
	// Rand is used by OrderShuffle. A nil Rand uses the global source.
	Rand *rand.Rand
}

// Plan is the work set of one cycle.
type Plan struct {
	WithoutLocalData []int64
	WithLocalData    []int64
	Denylisted       []int64
	Deferred         []int64
	Batches          []model.Batch
}

// Total returns the number of ids scheduled for querying.
func (p Plan) Total() int {
	return len(p.WithoutLocalData) + len(p.WithLocalData)
}

// Build computes the batches to query for catalog given the persisted view.
// Ids without local data come first so that discovery converges before
// already known items are refreshed. A denylisted id counts as denylisted even
// when it is also deferred.
func Build(catalog []model.ItemRef, view View, opts Options) Plan {
	var p Plan
	seen := make(IDSet, len(catalog))
	for _, ref := range catalog {
		if seen.Has(ref.ID) {
			continue
		}
		seen[ref.ID] = struct{}{}

		switch {
		case view.Denylist.Has(ref.ID):
			p.Denylisted = append(p.Denylisted, ref.ID)
		case view.Deferred.Has(ref.ID):
			p.Deferred = append(p.Deferred, ref.ID)
		case view.WithData.Has(ref.ID):
			p.WithLocalData = append(p.WithLocalData, ref.ID)
		default:
			p.WithoutLocalData = append(p.WithoutLocalData, ref.ID)
		}
	}

	if opts.Order == OrderShuffle {
		shuffle(p.WithoutLocalData, opts.Rand)
		shuffle(p.WithLocalData, opts.Rand)
	}

	ids := make([]int64, 0, p.Total())
	ids = append(ids, p.WithoutLocalData...)
	ids = append(ids, p.WithLocalData...)
	p.Batches = Chunk(ids, opts.BatchSize)
	return p
}

// Chunk splits ids into consecutive batches of at most size ids.
// A non-positive size yields a single batch.
func Chunk(ids []int64, size int) []model.Batch {
	if len(ids) == 0 {
		return nil
	}
	if size <= 0 {
		size = len(ids)
	}
	batches := make([]model.Batch, 0, (len(ids)+size-1)/size)
	for i := 0; i < len(ids); i += size {
		end := min(i+size, len(ids))
		batches = append(batches, model.Batch(append([]int64(nil), ids[i:end]...)))
	}
	return batches
}

func shuffle(ids []int64, r *rand.Rand) {
	swap := func(i, j int) { ids[i], ids[j] = ids[j], ids[i] }
	if r == nil {
		rand.Shuffle(len(ids), swap)
		return
	}
	r.Shuffle(len(ids), swap)
}
