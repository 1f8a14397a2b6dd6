// Package storage defines the persistence interface and its implementations.
package storage

import (
	"context"
	"errors"
	"fmt"
	"time"

	"pricewatch/internal/model"
)

// ErrNotFound is returned when a requested row does not exist.
var ErrNotFound = errors.New("not found")

// ItemStore is the item-level capability shared by Storage and Tx.
type ItemStore interface {
	GetItem(ctx context.Context, id int64) (*model.Item, error)
	UpsertItem(ctx context.Context, item *model.Item) error
	ListItemIDs(ctx context.Context) ([]int64, error)
}

// Tx is the set of operations available inside one atomic unit of work.
type Tx interface {
	ItemStore

	LatestObservation(ctx context.Context, itemID int64) (*model.PriceObservation, error)
	AppendObservation(ctx context.Context, obs model.PriceObservation) error
	TouchObservation(ctx context.Context, itemID int64, from, to time.Time) error

	AddDenylist(ctx context.Context, id int64) error
	Defer(ctx context.Context, id int64, at time.Time) error
	Undefer(ctx context.Context, id int64) error
}

// Storage is the interface for all persistence operations.
type Storage interface {
	ItemStore

	ListItems(ctx context.Context) ([]model.Item, error)
	PriceHistory(ctx context.Context, itemID int64) ([]model.PriceObservation, error)

	ListDenylist(ctx context.Context) ([]int64, error)
	AddDenylist(ctx context.Context, id int64) error

	ListDeferred(ctx context.Context) ([]model.DeferredEntry, error)
	PruneDeferred(ctx context.Context, cutoff time.Time) (int64, error)
	EffectiveDeferred(ctx context.Context, now time.Time, freshness time.Duration) ([]int64, error)

	Stats(ctx context.Context) (Stats, error)

	// WithTx runs fn in a transaction, committing if fn returns nil and rolling back otherwise.
	WithTx(ctx context.Context, fn func(tx Tx) error) error

	Close() error
}

// Stats holds row counts of the persisted state.
type Stats struct {
	Items        int64
	HistoryRows  int64
	Denylisted   int64
	Deferred     int64
	LastUpdateAt *time.Time
}

// Open connects to the storage engine named by driver.
func Open(ctx context.Context, driver, path, url string) (*SQL, error) {
	switch driver {
	case "", "sqlite":
		return NewSQLite(path)
	case "postgres", "postgresql":
		return NewPostgres(ctx, url)
	default:
		return nil, fmt.Errorf("unsupported database driver %q", driver)
	}
}
