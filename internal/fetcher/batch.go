package fetcher

import (
	"context"
	"errors"
	"log/slog"

	"pricewatch/internal/model"
)

// Pricer queries prices for one batch of ids.
type Pricer interface {
	Prices(ctx context.Context, batch model.Batch) (map[int64]model.Outcome, error)
}

// Denylister permanently excludes an id.
type Denylister interface {
	AddDenylist(ctx context.Context, id int64) error
}

// Handler receives every successfully parsed batch, including bisected halves.
type Handler func(ctx context.Context, batch model.Batch, outcomes map[int64]model.Outcome)

// PaceFunc blocks between two requests. It returns an error when ctx is cancelled.
type PaceFunc func(ctx context.Context) error

// Report summarizes the requests made for one planned batch.
type Report struct {
	Calls           int
	Delivered       int
	TransportErrors int
	ParseErrors     int
	Missing         int
	Poisoned        []int64
}

// BatchFetcher fetches planned batches and bisects the ones whose responses cannot be parsed.
type BatchFetcher struct {
	pricer Pricer
	deny   Denylister
	pace   PaceFunc
	log    *slog.Logger
}

// NewBatchFetcher creates a BatchFetcher. A nil pace does not wait between bisected requests.
func NewBatchFetcher(pricer Pricer, deny Denylister, pace PaceFunc, log *slog.Logger) *BatchFetcher {
	if pace == nil {
		pace = func(ctx context.Context) error { return ctx.Err() }
	}
	return &BatchFetcher{pricer: pricer, deny: deny, pace: pace, log: log}
}

// Fetch requests prices for batch and passes every parsed result to handle.
//
// A transport failure abandons the (sub-)batch. A parse failure splits the
// batch into even- and odd-indexed halves, each fetched as an independent
// batch after a pacing delay. A single id that still fails to parse is
// denylisted. Requests in flight are never cancelled; ctx is only observed
// while pacing, and its error is returned when pacing is interrupted.
func (f *BatchFetcher) Fetch(ctx context.Context, batch model.Batch, handle Handler) (Report, error) {
	var rep Report
	if len(batch) == 0 {
		return rep, nil
	}
	err := f.fetch(ctx, batch, handle, &rep)
	return rep, err
}

func (f *BatchFetcher) fetch(ctx context.Context, batch model.Batch, handle Handler, rep *Report) error {
	flight := context.WithoutCancel(ctx)

	rep.Calls++
	outcomes, err := f.pricer.Prices(flight, batch)

	var parseErr *ParseError
	switch {
	case err == nil:
		rep.Delivered++
		rep.Missing += dropUnrequested(batch, outcomes, f.log)
		handle(flight, batch, outcomes)
		return nil

	case errors.As(err, &parseErr):
		rep.ParseErrors++
		if len(batch) == 1 {
			f.poison(flight, batch[0], parseErr, rep)
			return nil
		}
		f.log.Warn("unparseable batch, bisecting", "batch_size", len(batch), "error", err)

		even, odd := batch.Split()
		for _, half := range []model.Batch{even, odd} {
			if err := f.pace(ctx); err != nil {
				return err
			}
			if err := f.fetch(ctx, half, handle, rep); err != nil {
				return err
			}
		}
		return nil

	default:
		rep.TransportErrors++
		f.log.Error("fetch batch", "batch_size", len(batch), "first_id", batch[0], "error", err)
		return nil
	}
}

func (f *BatchFetcher) poison(ctx context.Context, id int64, cause error, rep *Report) {
	perr := &PoisonedIDError{ID: id, Err: cause}
	rep.Poisoned = append(rep.Poisoned, id)
	f.log.Warn("denylisting poisoned id", "item_id", id, "error", perr)
	if err := f.deny.AddDenylist(ctx, id); err != nil {
		f.log.Error("add denylist", "item_id", id, "error", err)
	}
}

// dropUnrequested removes outcomes for ids that were not asked for and
// returns how many requested ids are missing from the response.
func dropUnrequested(batch model.Batch, outcomes map[int64]model.Outcome, log *slog.Logger) int {
	requested := make(map[int64]struct{}, len(batch))
	for _, id := range batch {
		requested[id] = struct{}{}
	}
	for id := range outcomes {
		if _, ok := requested[id]; !ok {
			log.Warn("dropping unrequested id from response", "item_id", id)
			delete(outcomes, id)
		}
	}
	missing := 0
	for _, id := range batch {
		if _, ok := outcomes[id]; !ok {
			missing++
			log.Debug("id missing from response", "item_id", id)
		}
	}
	return missing
}
