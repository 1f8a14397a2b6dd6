package reconciler

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/google/go-cmp/cmp/cmpopts"

	"pricewatch/internal/model"
	"pricewatch/internal/storage"
)

var t0 = time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newTestDB(t *testing.T) *storage.SQL {
	t.Helper()
	s, err := storage.NewSQLite(":memory:")
	if err != nil {
		t.Fatalf("new sqlite: %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func ptr(v int64) *int64 { return &v }

func priced(initial, final, discount int64) model.Outcome {
	return model.Outcome{Success: true, Price: &model.PriceOverview{Initial: initial, Final: final, DiscountPercent: discount}}
}

var (
	unpriced = model.Outcome{Success: true}
	rejected = model.Outcome{Success: false}
)

func names(m map[int64]string) func(int64) string {
	return func(id int64) string { return m[id] }
}

func TestReconcileTwoItemScenario(t *testing.T) {
	ctx := context.Background()
	s := newTestDB(t)
	r := New(s, Options{Unpriced: PolicyDenylist, Rejected: PolicyDenylist, History: true}, discardLogger())

	outcomes := map[int64]model.Outcome{
		10: priced(1999, 999, 50),
		20: rejected,
	}
	res, err := r.Reconcile(ctx, outcomes, names(map[int64]string{10: "A", 20: "B"}), t0)
	if err != nil {
		t.Fatalf("reconcile: %v", err)
	}

	want := Result{Priced: []int64{10}, Changed: []int64{10}, Denylisted: []int64{20}}
	if diff := cmp.Diff(want, res, cmpopts.EquateEmpty()); diff != "" {
		t.Errorf("result mismatch (-want +got):\n%s", diff)
	}

	item, err := s.GetItem(ctx, 10)
	if err != nil {
		t.Fatalf("get item: %v", err)
	}
	wantItem := model.Item{
		ID: 10, Name: "A", InitPrice: 1999, FinalPrice: 999,
		LowestPrice: ptr(999), HighestPrice: ptr(999), LastUpdate: t0,
	}
	if diff := cmp.Diff(wantItem, *item); diff != "" {
		t.Errorf("item mismatch (-want +got):\n%s", diff)
	}

	if _, err := s.GetItem(ctx, 20); !errors.Is(err, storage.ErrNotFound) {
		t.Errorf("rejected id must not get an item row, got err %v", err)
	}
	deny, err := s.ListDenylist(ctx)
	if err != nil {
		t.Fatalf("list denylist: %v", err)
	}
	if diff := cmp.Diff([]int64{20}, deny); diff != "" {
		t.Errorf("denylist mismatch (-want +got):\n%s", diff)
	}
}

func TestReconcileIsIdempotentForUnchangedPrice(t *testing.T) {
	ctx := context.Background()
	s := newTestDB(t)
	r := New(s, Options{History: true}, discardLogger())

	outcomes := map[int64]model.Outcome{1: priced(500, 500, 0)}
	for i, at := range []time.Time{t0, t0.Add(time.Hour), t0.Add(2 * time.Hour)} {
		res, err := r.Reconcile(ctx, outcomes, nil, at)
		if err != nil {
			t.Fatalf("reconcile %d: %v", i, err)
		}
		if i > 0 && len(res.Unchanged) != 1 {
			t.Errorf("reconcile %d: expected unchanged price, got %+v", i, res)
		}
	}

	history, err := s.PriceHistory(ctx, 1)
	if err != nil {
		t.Fatalf("price history: %v", err)
	}
	want := []model.PriceObservation{{ItemID: 1, ObservedAt: t0.Add(2 * time.Hour), InitPrice: 500, FinalPrice: 500}}
	if diff := cmp.Diff(want, history); diff != "" {
		t.Errorf("history mismatch (-want +got):\n%s", diff)
	}

	item, err := s.GetItem(ctx, 1)
	if err != nil {
		t.Fatalf("get item: %v", err)
	}
	if !item.LastUpdate.Equal(t0.Add(2 * time.Hour)) {
		t.Errorf("last update = %v, want %v", item.LastUpdate, t0.Add(2*time.Hour))
	}
}

func TestReconcileTracksBounds(t *testing.T) {
	ctx := context.Background()
	s := newTestDB(t)
	r := New(s, Options{History: true}, discardLogger())

	steps := []struct {
		final       int64
		wantLow     int64
		wantHigh    int64
		wantNewLow  bool
		wantChanged bool
	}{
		{final: 1000, wantLow: 1000, wantHigh: 1000, wantChanged: true},
		{final: 800, wantLow: 800, wantHigh: 1000, wantNewLow: true, wantChanged: true},
		{final: 1200, wantLow: 800, wantHigh: 1200, wantChanged: true},
		{final: 800, wantLow: 800, wantHigh: 1200, wantChanged: true},
		{final: 800, wantLow: 800, wantHigh: 1200},
		{final: 500, wantLow: 500, wantHigh: 1200, wantNewLow: true, wantChanged: true},
	}

	for i, step := range steps {
		at := t0.Add(time.Duration(i) * time.Hour)
		res, err := r.Reconcile(ctx, map[int64]model.Outcome{7: priced(1200, step.final, 0)}, names(map[int64]string{7: "Game"}), at)
		if err != nil {
			t.Fatalf("step %d: %v", i, err)
		}
		item, err := s.GetItem(ctx, 7)
		if err != nil {
			t.Fatalf("step %d: get item: %v", i, err)
		}
		if *item.LowestPrice != step.wantLow || *item.HighestPrice != step.wantHigh {
			t.Errorf("step %d: bounds = [%d, %d], want [%d, %d]", i, *item.LowestPrice, *item.HighestPrice, step.wantLow, step.wantHigh)
		}
		if *item.LowestPrice > item.FinalPrice || item.FinalPrice > *item.HighestPrice {
			t.Errorf("step %d: final %d outside bounds", i, item.FinalPrice)
		}
		if got := len(res.NewLows) == 1; got != step.wantNewLow {
			t.Errorf("step %d: new low = %v, want %v", i, got, step.wantNewLow)
		}
		if got := len(res.Changed) == 1; got != step.wantChanged {
			t.Errorf("step %d: changed = %v, want %v", i, got, step.wantChanged)
		}
	}

	history, err := s.PriceHistory(ctx, 7)
	if err != nil {
		t.Fatalf("price history: %v", err)
	}
	if len(history) != 5 {
		t.Errorf("expected 5 history rows, got %d", len(history))
	}
}

func TestReconcileNewLowCarriesPreviousLowest(t *testing.T) {
	ctx := context.Background()
	s := newTestDB(t)
	r := New(s, Options{History: true}, discardLogger())

	if _, err := r.Reconcile(ctx, map[int64]model.Outcome{3: priced(2000, 2000, 0)}, names(map[int64]string{3: "Portal"}), t0); err != nil {
		t.Fatalf("reconcile: %v", err)
	}
	res, err := r.Reconcile(ctx, map[int64]model.Outcome{3: priced(2000, 500, 75)}, nil, t0.Add(time.Hour))
	if err != nil {
		t.Fatalf("reconcile: %v", err)
	}

	want := []PriceDrop{{ItemID: 3, Name: "Portal", PreviousLowest: 2000, InitPrice: 2000, FinalPrice: 500, DiscountPercent: 75}}
	if diff := cmp.Diff(want, res.NewLows); diff != "" {
		t.Errorf("new lows mismatch (-want +got):\n%s", diff)
	}

	item, err := s.GetItem(ctx, 3)
	if err != nil {
		t.Fatalf("get item: %v", err)
	}
	if item.Name != "Portal" {
		t.Errorf("empty name must not overwrite stored name, got %q", item.Name)
	}
}

func TestReconcilePolicies(t *testing.T) {
	tests := []struct {
		name         string
		opts         Options
		outcome      model.Outcome
		wantDeny     []int64
		wantDeferred []int64
	}{
		{name: "unpriced denylisted", opts: Options{Unpriced: PolicyDenylist}, outcome: unpriced, wantDeny: []int64{5}},
		{name: "unpriced deferred", opts: Options{Unpriced: PolicyDefer}, outcome: unpriced, wantDeferred: []int64{5}},
		{name: "rejected denylisted", opts: Options{Rejected: PolicyDenylist}, outcome: rejected, wantDeny: []int64{5}},
		{name: "rejected deferred", opts: Options{Rejected: PolicyDefer}, outcome: rejected, wantDeferred: []int64{5}},
		{name: "unset policy denylists", opts: Options{}, outcome: unpriced, wantDeny: []int64{5}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ctx := context.Background()
			s := newTestDB(t)
			r := New(s, tt.opts, discardLogger())

			res, err := r.Reconcile(ctx, map[int64]model.Outcome{5: tt.outcome}, nil, t0)
			if err != nil {
				t.Fatalf("reconcile: %v", err)
			}
			if diff := cmp.Diff(tt.wantDeny, res.Denylisted, cmpopts.EquateEmpty()); diff != "" {
				t.Errorf("denylisted mismatch (-want +got):\n%s", diff)
			}
			if diff := cmp.Diff(tt.wantDeferred, res.Deferred, cmpopts.EquateEmpty()); diff != "" {
				t.Errorf("deferred mismatch (-want +got):\n%s", diff)
			}

			deny, err := s.ListDenylist(ctx)
			if err != nil {
				t.Fatalf("list denylist: %v", err)
			}
			if diff := cmp.Diff(tt.wantDeny, deny, cmpopts.EquateEmpty()); diff != "" {
				t.Errorf("stored denylist mismatch (-want +got):\n%s", diff)
			}

			deferred, err := s.ListDeferred(ctx)
			if err != nil {
				t.Fatalf("list deferred: %v", err)
			}
			var ids []int64
			for _, d := range deferred {
				ids = append(ids, d.ID)
				if !d.DeferredAt.Equal(t0) {
					t.Errorf("deferred at %v, want %v", d.DeferredAt, t0)
				}
			}
			if diff := cmp.Diff(tt.wantDeferred, ids, cmpopts.EquateEmpty()); diff != "" {
				t.Errorf("stored deferred mismatch (-want +got):\n%s", diff)
			}

			if _, err := s.GetItem(ctx, 5); !errors.Is(err, storage.ErrNotFound) {
				t.Errorf("excluded id must not get an item row, got err %v", err)
			}
		})
	}
}

func TestReconcilePricedClearsDeferral(t *testing.T) {
	ctx := context.Background()
	s := newTestDB(t)
	r := New(s, Options{Unpriced: PolicyDefer, History: true}, discardLogger())

	if _, err := r.Reconcile(ctx, map[int64]model.Outcome{9: unpriced}, nil, t0); err != nil {
		t.Fatalf("reconcile: %v", err)
	}
	if _, err := r.Reconcile(ctx, map[int64]model.Outcome{9: priced(300, 300, 0)}, nil, t0.Add(48*time.Hour)); err != nil {
		t.Fatalf("reconcile: %v", err)
	}

	deferred, err := s.ListDeferred(ctx)
	if err != nil {
		t.Fatalf("list deferred: %v", err)
	}
	if len(deferred) != 0 {
		t.Errorf("expected deferral to be cleared, got %+v", deferred)
	}
}

func TestReconcileDenylistClearsDeferral(t *testing.T) {
	ctx := context.Background()
	s := newTestDB(t)

	deferring := New(s, Options{Rejected: PolicyDefer}, discardLogger())
	if _, err := deferring.Reconcile(ctx, map[int64]model.Outcome{4: rejected}, nil, t0); err != nil {
		t.Fatalf("reconcile: %v", err)
	}
	denying := New(s, Options{Rejected: PolicyDenylist}, discardLogger())
	if _, err := denying.Reconcile(ctx, map[int64]model.Outcome{4: rejected}, nil, t0.Add(time.Hour)); err != nil {
		t.Fatalf("reconcile: %v", err)
	}

	deferred, err := s.ListDeferred(ctx)
	if err != nil {
		t.Fatalf("list deferred: %v", err)
	}
	if len(deferred) != 0 {
		t.Errorf("denylisted id must not stay deferred, got %+v", deferred)
	}
}

func TestReconcileWithoutHistory(t *testing.T) {
	ctx := context.Background()
	s := newTestDB(t)
	r := New(s, Options{History: false}, discardLogger())

	for i, final := range []int64{100, 100, 90} {
		res, err := r.Reconcile(ctx, map[int64]model.Outcome{1: priced(100, final, 0)}, nil, t0.Add(time.Duration(i)*time.Minute))
		if err != nil {
			t.Fatalf("reconcile %d: %v", i, err)
		}
		wantChanged := i != 1
		if got := len(res.Changed) == 1; got != wantChanged {
			t.Errorf("reconcile %d: changed = %v, want %v", i, got, wantChanged)
		}
	}

	history, err := s.PriceHistory(ctx, 1)
	if err != nil {
		t.Fatalf("price history: %v", err)
	}
	if len(history) != 0 {
		t.Errorf("expected no history rows, got %d", len(history))
	}
	item, err := s.GetItem(ctx, 1)
	if err != nil {
		t.Fatalf("get item: %v", err)
	}
	if item.FinalPrice != 90 || *item.LowestPrice != 90 || *item.HighestPrice != 100 {
		t.Errorf("unexpected item state %+v", item)
	}
}

type failingStore struct {
	inner  *storage.SQL
	failOn int64
}

func (f failingStore) WithTx(ctx context.Context, fn func(tx storage.Tx) error) error {
	return f.inner.WithTx(ctx, func(tx storage.Tx) error {
		return fn(failingTx{Tx: tx, failOn: f.failOn})
	})
}

type failingTx struct {
	storage.Tx
	failOn int64
}

var errDiskFull = errors.New("disk full")

func (f failingTx) UpsertItem(ctx context.Context, item *model.Item) error {
	if item.ID == f.failOn {
		return errDiskFull
	}
	return f.Tx.UpsertItem(ctx, item)
}

func TestReconcileCommitFailureDiscardsBatch(t *testing.T) {
	ctx := context.Background()
	s := newTestDB(t)
	r := New(failingStore{inner: s, failOn: 2}, Options{History: true}, discardLogger())

	outcomes := map[int64]model.Outcome{
		1: priced(100, 100, 0),
		2: priced(200, 200, 0),
		3: rejected,
	}
	res, err := r.Reconcile(ctx, outcomes, nil, t0)

	var perr *PersistenceError
	if !errors.As(err, &perr) {
		t.Fatalf("expected PersistenceError, got %v", err)
	}
	if !errors.Is(err, errDiskFull) {
		t.Errorf("expected cause to be preserved, got %v", err)
	}
	if diff := cmp.Diff(Result{}, res, cmpopts.EquateEmpty()); diff != "" {
		t.Errorf("result of failed batch must be empty (-want +got):\n%s", diff)
	}

	ids, err := s.ListItemIDs(ctx)
	if err != nil {
		t.Fatalf("list item ids: %v", err)
	}
	if len(ids) != 0 {
		t.Errorf("expected no items after rollback, got %v", ids)
	}
	history, err := s.PriceHistory(ctx, 1)
	if err != nil {
		t.Fatalf("price history: %v", err)
	}
	if len(history) != 0 {
		t.Errorf("expected no history after rollback, got %d rows", len(history))
	}
	deny, err := s.ListDenylist(ctx)
	if err != nil {
		t.Fatalf("list denylist: %v", err)
	}
	if len(deny) != 0 {
		t.Errorf("expected empty denylist after rollback, got %v", deny)
	}
}

func TestParsePolicy(t *testing.T) {
	for _, tt := range []struct {
		in      string
		want    Policy
		wantErr bool
	}{
		{in: "", want: ""},
		{in: "denylist", want: PolicyDenylist},
		{in: "defer", want: PolicyDefer},
		{in: "blacklist", wantErr: true},
	} {
		got, err := ParsePolicy(tt.in)
		if (err != nil) != tt.wantErr {
			t.Errorf("ParsePolicy(%q) error = %v, wantErr %v", tt.in, err, tt.wantErr)
			continue
		}
		if got != tt.want {
			t.Errorf("ParsePolicy(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}

func TestDefaultPolicy(t *testing.T) {
	if got := DefaultPolicy(24 * time.Hour); got != PolicyDefer {
		t.Errorf("DefaultPolicy(24h) = %q, want %q", got, PolicyDefer)
	}
	if got := DefaultPolicy(0); got != PolicyDenylist {
		t.Errorf("DefaultPolicy(0) = %q, want %q", got, PolicyDenylist)
	}
}
