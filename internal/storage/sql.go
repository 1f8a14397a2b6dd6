package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"pricewatch/internal/model"
)

// execer is the subset of *sql.DB and *sql.Tx used by queries.
type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// queries holds the SQL shared by the database handle and transactions.
type queries struct {
	q execer
	d dialect
}

// SQL implements Storage on top of a database/sql handle.
type SQL struct {
	queries
	db *sql.DB
}

var (
	_ Storage = (*SQL)(nil)
	_ Tx      = queries{}
)

func newSQL(db *sql.DB, d dialect) *SQL {
	return &SQL{queries: queries{q: db, d: d}, db: db}
}

// Close closes the underlying database connection.
func (s *SQL) Close() error {
	return s.db.Close()
}

// WithTx runs fn in a transaction, committing if fn returns nil and rolling back otherwise.
func (s *SQL) WithTx(ctx context.Context, fn func(tx Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if err := fn(queries{q: tx, d: s.d}); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit tx: %w", err)
	}
	return nil
}

const itemColumns = `id, name, init_price, final_price, lowest_price, highest_price, last_update`

// GetItem returns a single item by its ID or ErrNotFound.
func (q queries) GetItem(ctx context.Context, id int64) (*model.Item, error) {
	row := q.q.QueryRowContext(ctx, q.d.rebind(`SELECT `+itemColumns+` FROM items WHERE id = ?`), id)
	item, err := scanItem(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	return item, err
}

// UpsertItem inserts the item or overwrites every column of the existing row.
func (q queries) UpsertItem(ctx context.Context, item *model.Item) error {
	_, err := q.q.ExecContext(ctx, q.d.rebind(
		`INSERT INTO items (`+itemColumns+`)
		 VALUES (?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT (id) DO UPDATE SET
		     name = excluded.name,
		     init_price = excluded.init_price,
		     final_price = excluded.final_price,
		     lowest_price = excluded.lowest_price,
		     highest_price = excluded.highest_price,
		     last_update = excluded.last_update`),
		item.ID, item.Name, item.InitPrice, item.FinalPrice,
		nullInt(item.LowestPrice), nullInt(item.HighestPrice), q.d.timeArg(item.LastUpdate),
	)
	if err != nil {
		return fmt.Errorf("upsert item %d: %w", item.ID, err)
	}
	return nil
}

// ListItemIDs returns the ids of all items with local data.
func (q queries) ListItemIDs(ctx context.Context) ([]int64, error) {
	return q.listIDs(ctx, `SELECT id FROM items ORDER BY id`)
}

// ListItems returns all items ordered by id.
func (q queries) ListItems(ctx context.Context) ([]model.Item, error) {
	rows, err := q.q.QueryContext(ctx, `SELECT `+itemColumns+` FROM items ORDER BY id`)
	if err != nil {
		return nil, fmt.Errorf("query items: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var items []model.Item
	for rows.Next() {
		item, err := scanItem(rows)
		if err != nil {
			return nil, err
		}
		items = append(items, *item)
	}
	return items, rows.Err()
}

// LatestObservation returns the most recent price observation of an item or ErrNotFound.
func (q queries) LatestObservation(ctx context.Context, itemID int64) (*model.PriceObservation, error) {
	row := q.q.QueryRowContext(ctx, q.d.rebind(
		`SELECT item_id, observed_at, init_price, final_price, discount_percent
		 FROM price_history WHERE item_id = ?
		 ORDER BY observed_at DESC LIMIT 1`), itemID,
	)
	obs, err := scanObservation(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	return obs, err
}

// AppendObservation adds a new row to the price history.
func (q queries) AppendObservation(ctx context.Context, obs model.PriceObservation) error {
	_, err := q.q.ExecContext(ctx, q.d.rebind(
		`INSERT INTO price_history (item_id, observed_at, init_price, final_price, discount_percent)
		 VALUES (?, ?, ?, ?, ?)`),
		obs.ItemID, q.d.timeArg(obs.ObservedAt), obs.InitPrice, obs.FinalPrice, obs.DiscountPercent,
	)
	if err != nil {
		return fmt.Errorf("append observation %d: %w", obs.ItemID, err)
	}
	return nil
}

// TouchObservation moves the timestamp of an existing observation from one instant to another.
func (q queries) TouchObservation(ctx context.Context, itemID int64, from, to time.Time) error {
	res, err := q.q.ExecContext(ctx, q.d.rebind(
		`UPDATE price_history SET observed_at = ? WHERE item_id = ? AND observed_at = ?`),
		q.d.timeArg(to), itemID, q.d.timeArg(from),
	)
	if err != nil {
		return fmt.Errorf("touch observation %d: %w", itemID, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("rows affected: %w", err)
	}
	if n == 0 {
		return fmt.Errorf("touch observation %d: %w", itemID, ErrNotFound)
	}
	return nil
}

// PriceHistory returns all observations of an item, oldest first.
func (q queries) PriceHistory(ctx context.Context, itemID int64) ([]model.PriceObservation, error) {
	rows, err := q.q.QueryContext(ctx, q.d.rebind(
		`SELECT item_id, observed_at, init_price, final_price, discount_percent
		 FROM price_history WHERE item_id = ? ORDER BY observed_at`), itemID,
	)
	if err != nil {
		return nil, fmt.Errorf("query price history: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var history []model.PriceObservation
	for rows.Next() {
		obs, err := scanObservation(rows)
		if err != nil {
			return nil, err
		}
		history = append(history, *obs)
	}
	return history, rows.Err()
}

// ListDenylist returns all denylisted ids.
func (q queries) ListDenylist(ctx context.Context) ([]int64, error) {
	return q.listIDs(ctx, `SELECT id FROM denylist ORDER BY id`)
}

// AddDenylist permanently excludes an id. Adding an existing id is a no-op.
func (q queries) AddDenylist(ctx context.Context, id int64) error {
	_, err := q.q.ExecContext(ctx, q.d.rebind(
		`INSERT INTO denylist (id) VALUES (?) ON CONFLICT (id) DO NOTHING`), id,
	)
	if err != nil {
		return fmt.Errorf("add denylist %d: %w", id, err)
	}
	return nil
}

// Defer records or refreshes a deferral of id at the given time.
func (q queries) Defer(ctx context.Context, id int64, at time.Time) error {
	_, err := q.q.ExecContext(ctx, q.d.rebind(
		`INSERT INTO deferred (id, deferred_at) VALUES (?, ?)
		 ON CONFLICT (id) DO UPDATE SET deferred_at = excluded.deferred_at`),
		id, q.d.timeArg(at),
	)
	if err != nil {
		return fmt.Errorf("defer %d: %w", id, err)
	}
	return nil
}

// Undefer removes the deferral of id if there is one.
func (q queries) Undefer(ctx context.Context, id int64) error {
	_, err := q.q.ExecContext(ctx, q.d.rebind(`DELETE FROM deferred WHERE id = ?`), id)
	if err != nil {
		return fmt.Errorf("undefer %d: %w", id, err)
	}
	return nil
}

// ListDeferred returns all deferred entries ordered by id.
func (q queries) ListDeferred(ctx context.Context) ([]model.DeferredEntry, error) {
	rows, err := q.q.QueryContext(ctx, `SELECT id, deferred_at FROM deferred ORDER BY id`)
	if err != nil {
		return nil, fmt.Errorf("query deferred: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var entries []model.DeferredEntry
	for rows.Next() {
		var e model.DeferredEntry
		var at dbTime
		if err := rows.Scan(&e.ID, &at); err != nil {
			return nil, fmt.Errorf("scan deferred: %w", err)
		}
		e.DeferredAt = at.Time
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

// PruneDeferred deletes deferred entries older than cutoff and returns how many were removed.
func (q queries) PruneDeferred(ctx context.Context, cutoff time.Time) (int64, error) {
	res, err := q.q.ExecContext(ctx, q.d.rebind(`DELETE FROM deferred WHERE deferred_at < ?`), q.d.timeArg(cutoff))
	if err != nil {
		return 0, fmt.Errorf("prune deferred: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("rows affected: %w", err)
	}
	return n, nil
}

// EffectiveDeferred returns deferred ids together with ids of items updated within freshness of now.
// A non-positive freshness disables the recency part.
func (q queries) EffectiveDeferred(ctx context.Context, now time.Time, freshness time.Duration) ([]int64, error) {
	if freshness <= 0 {
		return q.listIDs(ctx, `SELECT id FROM deferred ORDER BY id`)
	}
	return q.listIDs(ctx,
		`SELECT id FROM deferred
		 UNION
		 SELECT id FROM items WHERE last_update >= ?
		 ORDER BY id`,
		q.d.timeArg(now.Add(-freshness)),
	)
}

// Stats returns row counts of every table.
func (q queries) Stats(ctx context.Context) (Stats, error) {
	var st Stats
	counts := []struct {
		table string
		dst   *int64
	}{
		{"items", &st.Items},
		{"price_history", &st.HistoryRows},
		{"denylist", &st.Denylisted},
		{"deferred", &st.Deferred},
	}
	for _, c := range counts {
		if err := q.q.QueryRowContext(ctx, `SELECT COUNT(*) FROM `+c.table).Scan(c.dst); err != nil {
			return st, fmt.Errorf("count %s: %w", c.table, err)
		}
	}

	var last dbTime
	if err := q.q.QueryRowContext(ctx, `SELECT MAX(last_update) FROM items`).Scan(&last); err != nil {
		return st, fmt.Errorf("max last_update: %w", err)
	}
	if last.Valid {
		st.LastUpdateAt = &last.Time
	}
	return st, nil
}

func (q queries) listIDs(ctx context.Context, query string, args ...any) ([]int64, error) {
	rows, err := q.q.QueryContext(ctx, q.d.rebind(query), args...)
	if err != nil {
		return nil, fmt.Errorf("query ids: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var ids []int64
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scan id: %w", err)
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

func nullInt(v *int64) sql.NullInt64 {
	if v == nil {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: *v, Valid: true}
}

type scannable interface {
	Scan(dest ...any) error
}

func scanItem(row scannable) (*model.Item, error) {
	var it model.Item
	var lowest, highest sql.NullInt64
	var last dbTime
	err := row.Scan(&it.ID, &it.Name, &it.InitPrice, &it.FinalPrice, &lowest, &highest, &last)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, err
	}
	if err != nil {
		return nil, fmt.Errorf("scan item: %w", err)
	}
	if lowest.Valid {
		it.LowestPrice = &lowest.Int64
	}
	if highest.Valid {
		it.HighestPrice = &highest.Int64
	}
	it.LastUpdate = last.Time
	return &it, nil
}

func scanObservation(row scannable) (*model.PriceObservation, error) {
	var obs model.PriceObservation
	var at dbTime
	err := row.Scan(&obs.ItemID, &at, &obs.InitPrice, &obs.FinalPrice, &obs.DiscountPercent)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, err
	}
	if err != nil {
		return nil, fmt.Errorf("scan observation: %w", err)
	}
	obs.ObservedAt = at.Time
	return &obs, nil
}
