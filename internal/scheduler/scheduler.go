// Package scheduler drives one refresh cycle: load the catalog, plan, then
// fetch and reconcile batches sequentially with a pacing delay between them.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"sync"
	"time"

	"github.com/google/uuid"

	"pricewatch/internal/fetcher"
	"pricewatch/internal/model"
	"pricewatch/internal/planner"
	"pricewatch/internal/reconciler"
	"pricewatch/internal/storage"
)

// ErrCatalogUnavailable is returned when the catalog snapshot cannot be obtained.
var ErrCatalogUnavailable = errors.New("catalog unavailable")

// State is the position of the driver within a cycle.
type State int

// Cycle states.
const (
	StateIdle State = iota
	StatePlanning
	StateFetching
	StateReconciling
	StatePacing
	StateDone
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StatePlanning:
		return "planning"
	case StateFetching:
		return "fetching"
	case StateReconciling:
		return "reconciling"
	case StatePacing:
		return "pacing"
	case StateDone:
		return "done"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// CatalogSource loads the catalog snapshot.
type CatalogSource interface {
	Catalog(ctx context.Context) ([]model.ItemRef, error)
}

// Notifier is told about items that reached a new lowest price.
type Notifier interface {
	PriceDrops(ctx context.Context, drops []reconciler.PriceDrop)
}

// Options controls one cycle.
type Options struct {
	BatchSize       int
	BatchDelay      time.Duration
	SkipOffset      time.Duration
	FreshnessWindow time.Duration
	Order           planner.Order
	// Rand seeds shuffled plans. A nil Rand uses the global source.
	Rand *rand.Rand
}

// Summary reports what a cycle did.
type Summary struct {
	CycleID     string
	CatalogSize int
	Pruned      int64

	Planned     int
	Unknown     int
	Known       int
	Excluded    int
	Batches     int
	Processed   int
	Interrupted bool

	Calls             int
	TransportErrors   int
	ParseErrors       int
	PersistenceErrors int
	Missing           int
	Poisoned          int

	Priced     int
	Changed    int
	Unchanged  int
	Denylisted int
	Deferred   int
	NewLows    int

	Duration time.Duration
}

// Scheduler runs refresh cycles against one store.
type Scheduler struct {
	catalog  CatalogSource
	pricer   fetcher.Pricer
	store    storage.Storage
	rec      *reconciler.Reconciler
	notifier Notifier
	opts     Options
	log      *slog.Logger
	now      func() time.Time

	mu    sync.Mutex
	state State
}

// New creates a Scheduler.
func New(catalog CatalogSource, pricer fetcher.Pricer, store storage.Storage, rec *reconciler.Reconciler, opts Options, log *slog.Logger) *Scheduler {
	return &Scheduler{
		catalog: catalog,
		pricer:  pricer,
		store:   store,
		rec:     rec,
		opts:    opts,
		log:     log,
		now:     func() time.Time { return time.Now().UTC() },
		state:   StateIdle,
	}
}

// SetNotifier enables price-drop notifications.
func (s *Scheduler) SetNotifier(n Notifier) {
	s.notifier = n
}

// SetClock overrides the wall clock used for timestamps and expiry.
func (s *Scheduler) SetClock(now func() time.Time) {
	s.now = now
}

// State returns the current state of the driver.
func (s *Scheduler) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

func (s *Scheduler) setState(st State) {
	s.mu.Lock()
	s.state = st
	s.mu.Unlock()
}

// RunCycle performs one full pass over the catalog.
//
// Network and store operations run to completion even if ctx is cancelled;
// cancellation is only observed while pacing between requests. An interrupted
// cycle keeps every batch committed so far and reports Interrupted.
func (s *Scheduler) RunCycle(ctx context.Context) (Summary, error) {
	start := time.Now()
	sum := Summary{CycleID: uuid.NewString()}
	log := s.log.With("cycle_id", sum.CycleID)
	work := context.WithoutCancel(ctx)

	s.setState(StatePlanning)
	defer s.setState(StateDone)

	catalog, err := s.catalog.Catalog(work)
	if err != nil {
		log.Error("load catalog", "error", err)
		return sum, fmt.Errorf("%w: %w", ErrCatalogUnavailable, err)
	}
	sum.CatalogSize = len(catalog)

	names := make(map[int64]string, len(catalog))
	for _, ref := range catalog {
		if _, ok := names[ref.ID]; !ok {
			names[ref.ID] = ref.Name
		}
	}
	nameOf := func(id int64) string { return names[id] }

	plan, pruned, err := s.plan(work, catalog)
	if err != nil {
		log.Error("plan cycle", "error", err)
		return sum, err
	}
	sum.Pruned = pruned
	sum.Planned = plan.Total()
	sum.Unknown = len(plan.WithoutLocalData)
	sum.Known = len(plan.WithLocalData)
	sum.Excluded = len(plan.Denylisted) + len(plan.Deferred)
	sum.Batches = len(plan.Batches)

	log.Info("cycle planned",
		"catalog", sum.CatalogSize,
		"unknown", sum.Unknown,
		"known", sum.Known,
		"denylisted", len(plan.Denylisted),
		"deferred", len(plan.Deferred),
		"pruned", pruned,
		"batches", sum.Batches,
	)

	handle := func(fctx context.Context, batch model.Batch, outcomes map[int64]model.Outcome) {
		s.setState(StateReconciling)
		defer s.setState(StateFetching)

		res, err := s.rec.Reconcile(fctx, outcomes, nameOf, s.now())
		if err != nil {
			sum.PersistenceErrors++
			log.Error("reconcile batch", "batch_size", len(batch), "first_id", batch[0], "error", err)
			return
		}
		sum.addResult(res)
		log.Debug("batch reconciled",
			"batch_size", len(batch),
			"priced", len(res.Priced),
			"changed", len(res.Changed),
			"denylisted", len(res.Denylisted),
			"deferred", len(res.Deferred),
		)
		if s.notifier != nil && len(res.NewLows) > 0 {
			s.notifier.PriceDrops(ctx, res.NewLows)
		}
	}

	bf := fetcher.NewBatchFetcher(s.pricer, s.store, s.pace, log)
	for i, batch := range plan.Batches {
		if i > 0 {
			if err := s.pace(ctx); err != nil {
				sum.Interrupted = true
				break
			}
		}

		s.setState(StateFetching)
		rep, err := bf.Fetch(ctx, batch, handle)
		sum.addReport(rep)
		sum.Processed++
		if err != nil {
			sum.Interrupted = true
			break
		}
	}

	sum.Duration = time.Since(start)
	if sum.Interrupted {
		log.Warn("cycle interrupted", "processed_batches", sum.Processed, "remaining_batches", sum.Batches-sum.Processed)
	}
	s.logSummary(work, log, sum)
	return sum, nil
}

func (s *Scheduler) plan(ctx context.Context, catalog []model.ItemRef) (planner.Plan, int64, error) {
	now := s.now()

	pruned, err := s.store.PruneDeferred(ctx, now.Add(-s.opts.SkipOffset))
	if err != nil {
		return planner.Plan{}, 0, fmt.Errorf("prune deferred: %w", err)
	}
	deferred, err := s.store.EffectiveDeferred(ctx, now, s.opts.FreshnessWindow)
	if err != nil {
		return planner.Plan{}, 0, fmt.Errorf("effective deferred: %w", err)
	}
	withData, err := s.store.ListItemIDs(ctx)
	if err != nil {
		return planner.Plan{}, 0, fmt.Errorf("list item ids: %w", err)
	}
	deny, err := s.store.ListDenylist(ctx)
	if err != nil {
		return planner.Plan{}, 0, fmt.Errorf("list denylist: %w", err)
	}

	view := planner.View{
		WithData: planner.NewIDSet(withData),
		Denylist: planner.NewIDSet(deny),
		Deferred: planner.NewIDSet(deferred),
	}
	plan := planner.Build(catalog, view, planner.Options{
		BatchSize: s.opts.BatchSize,
		Order:     s.opts.Order,
		Rand:      s.opts.Rand,
	})
	return plan, pruned, nil
}

// pace waits BatchDelay and returns early with ctx's error if ctx is cancelled.
func (s *Scheduler) pace(ctx context.Context) error {
	s.setState(StatePacing)
	defer s.setState(StateFetching)

	if s.opts.BatchDelay <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(s.opts.BatchDelay)
	defer t.Stop()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

func (s *Scheduler) logSummary(ctx context.Context, log *slog.Logger, sum Summary) {
	attrs := []any{
		"duration", sum.Duration.Round(time.Millisecond),
		"batches", sum.Processed,
		"calls", sum.Calls,
		"priced", sum.Priced,
		"changed", sum.Changed,
		"unchanged", sum.Unchanged,
		"denylisted", sum.Denylisted,
		"deferred", sum.Deferred,
		"poisoned", sum.Poisoned,
		"missing", sum.Missing,
		"transport_errors", sum.TransportErrors,
		"parse_errors", sum.ParseErrors,
		"persistence_errors", sum.PersistenceErrors,
		"new_lows", sum.NewLows,
	}
	stats, err := s.store.Stats(ctx)
	if err != nil {
		log.Error("read stats", "error", err)
	} else {
		attrs = append(attrs,
			"total_items", stats.Items,
			"total_denylisted", stats.Denylisted,
			"total_deferred", stats.Deferred,
		)
	}
	log.Info("cycle finished", attrs...)
}

func (sum *Summary) addReport(rep fetcher.Report) {
	sum.Calls += rep.Calls
	sum.TransportErrors += rep.TransportErrors
	sum.ParseErrors += rep.ParseErrors
	sum.Missing += rep.Missing
	sum.Poisoned += len(rep.Poisoned)
}

func (sum *Summary) addResult(res reconciler.Result) {
	sum.Priced += len(res.Priced)
	sum.Changed += len(res.Changed)
	sum.Unchanged += len(res.Unchanged)
	sum.Denylisted += len(res.Denylisted)
	sum.Deferred += len(res.Deferred)
	sum.NewLows += len(res.NewLows)
}
