// Package reconciler merges upstream price outcomes into the item store and exclusion sets.
package reconciler

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"time"

	"pricewatch/internal/model"
	"pricewatch/internal/storage"
)

// Policy decides where an id without a usable price goes.
type Policy string

// Supported policies.
const (
	// PolicyDenylist excludes the id permanently.
	PolicyDenylist Policy = "denylist"
	// PolicyDefer excludes the id until its deferral expires.
	PolicyDefer Policy = "defer"
)

// ParsePolicy validates a policy name. The empty string means "use the default".
func ParsePolicy(s string) (Policy, error) {
	switch Policy(s) {
	case "", PolicyDenylist, PolicyDefer:
		return Policy(s), nil
	default:
		return "", fmt.Errorf("unknown exclusion policy %q", s)
	}
}

// DefaultPolicy defers when deferrals can expire, and denylists otherwise.
func DefaultPolicy(skipOffset time.Duration) Policy {
	if skipOffset > 0 {
		return PolicyDefer
	}
	return PolicyDenylist
}

// Options configures classification.
type Options struct {
	// Unpriced applies to ids the upstream reports as existing but without price data.
	Unpriced Policy
	// Rejected applies to ids the upstream refuses outright.
	Rejected Policy
	// History enables the append-only price history.
	History bool
}

// Store is the transactional store the reconciler writes to.
type Store interface {
	WithTx(ctx context.Context, fn func(tx storage.Tx) error) error
}

// PersistenceError reports a batch whose changes could not be committed.
type PersistenceError struct {
	Err error
}

func (e *PersistenceError) Error() string {
	return fmt.Sprintf("persist batch: %v", e.Err)
}

func (e *PersistenceError) Unwrap() error { return e.Err }

// PriceDrop describes an item whose final price fell below its previous lowest price.
type PriceDrop struct {
	ItemID          int64
	Name            string
	PreviousLowest  int64
	InitPrice       int64
	FinalPrice      int64
	DiscountPercent int64
}

// Result lists what happened to each id of a committed batch.
type Result struct {
	Priced     []int64
	Changed    []int64
	Unchanged  []int64
	Denylisted []int64
	Deferred   []int64
	NewLows    []PriceDrop
}

// Reconciler applies batch outcomes to the store.
type Reconciler struct {
	store Store
	opts  Options
	log   *slog.Logger
}

// New creates a Reconciler. Unset policies fall back to PolicyDenylist.
func New(store Store, opts Options, log *slog.Logger) *Reconciler {
	if opts.Unpriced == "" {
		opts.Unpriced = PolicyDenylist
	}
	if opts.Rejected == "" {
		opts.Rejected = PolicyDenylist
	}
	return &Reconciler{store: store, opts: opts, log: log}
}

// Reconcile classifies every outcome and commits the resulting changes as one transaction.
// On failure nothing from the batch is kept and a *PersistenceError is returned.
func (r *Reconciler) Reconcile(ctx context.Context, outcomes map[int64]model.Outcome, nameOf func(int64) string, now time.Time) (Result, error) {
	ids := make([]int64, 0, len(outcomes))
	for id := range outcomes {
		ids = append(ids, id)
	}
	slices.Sort(ids)

	var res Result
	err := r.store.WithTx(ctx, func(tx storage.Tx) error {
		res = Result{}
		for _, id := range ids {
			if err := r.apply(ctx, tx, id, outcomes[id], name(nameOf, id), now, &res); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return Result{}, &PersistenceError{Err: err}
	}
	return res, nil
}

func (r *Reconciler) apply(ctx context.Context, tx storage.Tx, id int64, o model.Outcome, name string, now time.Time, res *Result) error {
	switch o.Kind() {
	case model.OutcomePriced:
		return r.applyPriced(ctx, tx, id, name, *o.Price, now, res)
	case model.OutcomeUnpriced:
		r.log.Debug("unpriced item", "item_id", id, "name", name, "policy", r.opts.Unpriced)
		return r.exclude(ctx, tx, id, r.opts.Unpriced, now, res)
	default:
		r.log.Debug("item rejected upstream", "item_id", id, "name", name, "policy", r.opts.Rejected)
		return r.exclude(ctx, tx, id, r.opts.Rejected, now, res)
	}
}

func (r *Reconciler) applyPriced(ctx context.Context, tx storage.Tx, id int64, name string, p model.PriceOverview, now time.Time, res *Result) error {
	item, err := tx.GetItem(ctx, id)
	isNew := errors.Is(err, storage.ErrNotFound)
	if err != nil && !isNew {
		return err
	}
	if isNew {
		item = &model.Item{ID: id}
	}

	changed, err := r.observe(ctx, tx, item, isNew, p, now)
	if err != nil {
		return err
	}

	if !isNew && item.LowestPrice != nil && p.Final < *item.LowestPrice {
		res.NewLows = append(res.NewLows, PriceDrop{
			ItemID:          id,
			Name:            firstNonEmpty(name, item.Name),
			PreviousLowest:  *item.LowestPrice,
			InitPrice:       p.Initial,
			FinalPrice:      p.Final,
			DiscountPercent: p.DiscountPercent,
		})
	}

	if name != "" {
		item.Name = name
	}
	item.InitPrice = p.Initial
	item.FinalPrice = p.Final
	item.LowestPrice = lower(item.LowestPrice, p.Final)
	item.HighestPrice = higher(item.HighestPrice, p.Final)
	item.LastUpdate = now

	if err := tx.UpsertItem(ctx, item); err != nil {
		return err
	}
	if err := tx.Undefer(ctx, id); err != nil {
		return err
	}

	res.Priced = append(res.Priced, id)
	if changed {
		res.Changed = append(res.Changed, id)
	} else {
		res.Unchanged = append(res.Unchanged, id)
	}
	return nil
}

// observe records the price observation and reports whether the price changed.
// An unchanged price only moves the timestamp of the latest observation.
func (r *Reconciler) observe(ctx context.Context, tx storage.Tx, item *model.Item, isNew bool, p model.PriceOverview, now time.Time) (bool, error) {
	if !r.opts.History {
		return isNew || item.FinalPrice != p.Final || item.InitPrice != p.Initial, nil
	}

	latest, err := tx.LatestObservation(ctx, item.ID)
	switch {
	case err == nil && latest.SamePrice(p):
		if !now.After(latest.ObservedAt) {
			return false, nil
		}
		return false, tx.TouchObservation(ctx, item.ID, latest.ObservedAt, now)
	case err != nil && !errors.Is(err, storage.ErrNotFound):
		return false, err
	}

	return true, tx.AppendObservation(ctx, model.PriceObservation{
		ItemID:          item.ID,
		ObservedAt:      now,
		InitPrice:       p.Initial,
		FinalPrice:      p.Final,
		DiscountPercent: p.DiscountPercent,
	})
}

func (r *Reconciler) exclude(ctx context.Context, tx storage.Tx, id int64, policy Policy, now time.Time, res *Result) error {
	if policy == PolicyDefer {
		if err := tx.Defer(ctx, id, now); err != nil {
			return err
		}
		res.Deferred = append(res.Deferred, id)
		return nil
	}

	if err := tx.AddDenylist(ctx, id); err != nil {
		return err
	}
	if err := tx.Undefer(ctx, id); err != nil {
		return err
	}
	res.Denylisted = append(res.Denylisted, id)
	return nil
}

func name(nameOf func(int64) string, id int64) string {
	if nameOf == nil {
		return ""
	}
	return nameOf(id)
}

func lower(cur *int64, v int64) *int64 {
	if cur != nil && *cur <= v {
		return cur
	}
	return &v
}

func higher(cur *int64, v int64) *int64 {
	if cur != nil && *cur >= v {
		return cur
	}
	return &v
}

func firstNonEmpty(vals ...string) string {
	for _, v := range vals {
		if v != "" {
			return v
		}
	}
	return ""
}
