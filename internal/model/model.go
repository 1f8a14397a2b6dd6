// Package model defines the domain types used across the application.
package model

import (
	"strconv"
	"strings"
	"time"
)

// ItemRef is a single catalog entry: an external item id and its display name.
type ItemRef struct {
	ID   int64
	Name string
}

// Item is the locally tracked price state of one catalog item.
// A row exists only for ids that returned a priced response at least once.
type Item struct {
	ID           int64
	Name         string
	InitPrice    int64
	FinalPrice   int64
	LowestPrice  *int64
	HighestPrice *int64
	LastUpdate   time.Time
}

// PriceObservation is one entry of an item's price history.
type PriceObservation struct {
	ItemID          int64
	ObservedAt      time.Time
	InitPrice       int64
	FinalPrice      int64
	DiscountPercent int64
}

// SamePrice reports whether o carries the given price pair.
func (o PriceObservation) SamePrice(p PriceOverview) bool {
	return o.FinalPrice == p.Final && o.InitPrice == p.Initial
}

// DeferredEntry is an item temporarily excluded from querying.
type DeferredEntry struct {
	ID         int64
	DeferredAt time.Time
}

// PriceOverview is the price payload returned for a priced item.
// Amounts are in minor currency units.
type PriceOverview struct {
	Initial         int64
	Final           int64
	DiscountPercent int64
}

// Outcome is the upstream answer for a single id.
// Price is nil when the upstream reported no price payload.
type Outcome struct {
	Success bool
	Price   *PriceOverview
}

// OutcomeKind classifies an Outcome.
type OutcomeKind string

// Supported outcome kinds.
const (
	OutcomePriced   OutcomeKind = "priced"
	OutcomeUnpriced OutcomeKind = "unpriced"
	OutcomeRejected OutcomeKind = "rejected"
)

// Kind returns the classification of o. Every outcome maps to exactly one kind.
func (o Outcome) Kind() OutcomeKind {
	switch {
	case !o.Success:
		return OutcomeRejected
	case o.Price == nil:
		return OutcomeUnpriced
	default:
		return OutcomePriced
	}
}

// Batch is an ordered list of item ids submitted in one pricing query.
type Batch []int64

// Strings returns the ids formatted as decimal strings.
func (b Batch) Strings() []string {
	out := make([]string, len(b))
	for i, id := range b {
		out[i] = strconv.FormatInt(id, 10)
	}
	return out
}

// Param returns the comma-joined id list expected by the pricing endpoint.
func (b Batch) Param() string {
	return strings.Join(b.Strings(), ",")
}

// Split divides the batch into two interleaved halves: even-indexed ids and odd-indexed ids.
func (b Batch) Split() (Batch, Batch) {
	even := make(Batch, 0, (len(b)+1)/2)
	odd := make(Batch, 0, len(b)/2)
	for i, id := range b {
		if i%2 == 0 {
			even = append(even, id)
		} else {
			odd = append(odd, id)
		}
	}
	return even, odd
}
