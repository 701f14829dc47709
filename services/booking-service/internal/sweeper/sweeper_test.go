package sweeper

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sort"
	"testing"
	"time"

	"github.com/md-rashed-zaman/slotbook/services/booking-service/internal/lifecycle"
	"github.com/md-rashed-zaman/slotbook/services/booking-service/internal/model"
	"github.com/stretchr/testify/require"
)

var testNow = time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC)

// table holds appointments keyed by id and answers both interfaces.
type table struct {
	appts   map[string]model.Appointment
	paid    map[string]bool
	fail    map[string]error
	cutoffs []time.Time
	pages   int
	pageErr error
}

func newTable() *table {
	return &table{appts: map[string]model.Appointment{}, paid: map[string]bool{}, fail: map[string]error{}}
}

func (t *table) page(match func(model.Appointment) bool, afterID string, limit int) []string {
	var ids []string
	for id, a := range t.appts {
		if id > afterID && match(a) {
			ids = append(ids, id)
		}
	}
	sort.Strings(ids)
	if len(ids) > limit {
		ids = ids[:limit]
	}
	return ids
}

func (t *table) ExpireCandidates(_ context.Context, createdBefore time.Time, afterID string, limit int) ([]string, error) {
	t.pages++
	t.cutoffs = append(t.cutoffs, createdBefore)
	if t.pageErr != nil {
		return nil, t.pageErr
	}
	return t.page(func(a model.Appointment) bool {
		return a.Status == model.StatusPending && a.DepositCents > 0 && a.CreatedAt.Before(createdBefore)
	}, afterID, limit), nil
}

func (t *table) CompleteCandidates(_ context.Context, startedBefore time.Time, afterID string, limit int) ([]string, error) {
	t.pages++
	t.cutoffs = append(t.cutoffs, startedBefore)
	return t.page(func(a model.Appointment) bool {
		return !a.Status.Terminal() && a.StartTime.Before(startedBefore)
	}, afterID, limit), nil
}

func (t *table) ExpireIfUnpaid(_ context.Context, id string, createdBefore time.Time) (lifecycle.Result, error) {
	if err := t.fail[id]; err != nil {
		return lifecycle.Result{}, err
	}
	a := t.appts[id]
	if a.Status != model.StatusPending || t.paid[id] || !a.CreatedAt.Before(createdBefore) {
		return lifecycle.Result{}, nil
	}
	a.Status = model.StatusCanceled
	a.CancelReason = lifecycle.ReasonDepositUnpaid
	t.appts[id] = a
	return lifecycle.Result{Appointment: a, From: model.StatusPending, Transitioned: true}, nil
}

func (t *table) CompleteIfPast(_ context.Context, id string, startedBefore time.Time) (lifecycle.Result, error) {
	if err := t.fail[id]; err != nil {
		return lifecycle.Result{}, err
	}
	a := t.appts[id]
	if a.Status.Terminal() || !a.StartTime.Before(startedBefore) {
		return lifecycle.Result{}, nil
	}
	from := a.Status
	a.Status = model.StatusCompleted
	t.appts[id] = a
	return lifecycle.Result{Appointment: a, From: from, Transitioned: true}, nil
}

type sweepLog struct{ runs map[string]Result }

func (l *sweepLog) RecordSweep(job string, res Result) { l.runs[job] = res }

func newSweeper(t *table, cfg Config, rec Recorder) *Sweeper {
	s := New(t, t, slog.New(slog.NewTextHandler(io.Discard, nil)), cfg, rec)
	s.now = func() time.Time { return testNow }
	return s
}

func TestExpireStaleCancelsUnpaidPending(t *testing.T) {
	tbl := newTable()
	tbl.appts["a-stale"] = model.Appointment{ID: "a-stale", Status: model.StatusPending, DepositCents: 3000, CreatedAt: testNow.Add(-3 * time.Hour)}
	tbl.appts["b-fresh"] = model.Appointment{ID: "b-fresh", Status: model.StatusPending, DepositCents: 3000, CreatedAt: testNow.Add(-time.Hour)}
	tbl.appts["c-free"] = model.Appointment{ID: "c-free", Status: model.StatusPending, CreatedAt: testNow.Add(-5 * time.Hour)}
	tbl.appts["d-paid"] = model.Appointment{ID: "d-paid", Status: model.StatusPending, DepositCents: 3000, CreatedAt: testNow.Add(-5 * time.Hour)}
	tbl.paid["d-paid"] = true
	rec := &sweepLog{runs: map[string]Result{}}

	res, err := newSweeper(tbl, Config{}, rec).ExpireStale(context.Background())
	require.NoError(t, err)
	require.Equal(t, Result{Selected: 2, Transitioned: 1, Skipped: 1}, res)
	require.Equal(t, res, rec.runs[JobExpire])
	require.Equal(t, []time.Time{testNow.Add(-2 * time.Hour)}, tbl.cutoffs)

	require.Equal(t, model.StatusCanceled, tbl.appts["a-stale"].Status)
	require.Equal(t, lifecycle.ReasonDepositUnpaid, tbl.appts["a-stale"].CancelReason)
	require.Equal(t, model.StatusPending, tbl.appts["b-fresh"].Status)
	require.Equal(t, model.StatusPending, tbl.appts["c-free"].Status)
	require.Equal(t, model.StatusPending, tbl.appts["d-paid"].Status)
}

func TestCompletePastIgnoresPaymentState(t *testing.T) {
	tbl := newTable()
	started := testNow.Add(-4 * time.Hour)
	tbl.appts["a"] = model.Appointment{ID: "a", Status: model.StatusConfirmed, StartTime: started}
	tbl.appts["b"] = model.Appointment{ID: "b", Status: model.StatusPending, DepositCents: 3000, StartTime: started}
	tbl.appts["c"] = model.Appointment{ID: "c", Status: model.StatusCanceled, StartTime: started}
	tbl.appts["d"] = model.Appointment{ID: "d", Status: model.StatusConfirmed, StartTime: testNow.Add(-time.Hour)}

	res, err := newSweeper(tbl, Config{}, nil).CompletePast(context.Background())
	require.NoError(t, err)
	require.Equal(t, Result{Selected: 2, Transitioned: 2}, res)
	require.Equal(t, model.StatusCompleted, tbl.appts["a"].Status)
	require.Equal(t, model.StatusCompleted, tbl.appts["b"].Status)
	require.Equal(t, model.StatusCanceled, tbl.appts["c"].Status)
	require.Equal(t, model.StatusConfirmed, tbl.appts["d"].Status)
}

func TestSweepPagesAndStopsAtMaxBatches(t *testing.T) {
	tbl := newTable()
	for i := 0; i < 7; i++ {
		id := fmt.Sprintf("appt-%02d", i)
		tbl.appts[id] = model.Appointment{ID: id, Status: model.StatusConfirmed, StartTime: testNow.Add(-5 * time.Hour)}
	}

	res, err := newSweeper(tbl, Config{BatchSize: 2, MaxBatches: 3}, nil).CompletePast(context.Background())
	require.NoError(t, err)
	require.Equal(t, 3, tbl.pages)
	require.Equal(t, Result{Selected: 6, Transitioned: 6}, res)
	require.Equal(t, model.StatusConfirmed, tbl.appts["appt-06"].Status)

	res, err = newSweeper(tbl, Config{BatchSize: 2, MaxBatches: 3}, nil).CompletePast(context.Background())
	require.NoError(t, err)
	require.Equal(t, Result{Selected: 1, Transitioned: 1}, res)
}

func TestSweepContinuesPastFailures(t *testing.T) {
	tbl := newTable()
	for _, id := range []string{"a", "b", "c"} {
		tbl.appts[id] = model.Appointment{ID: id, Status: model.StatusConfirmed, StartTime: testNow.Add(-5 * time.Hour)}
	}
	tbl.fail["b"] = errors.New("connection reset")

	res, err := newSweeper(tbl, Config{}, nil).CompletePast(context.Background())
	require.NoError(t, err)
	require.Equal(t, Result{Selected: 3, Transitioned: 2, Failed: 1}, res)
	require.Equal(t, model.StatusConfirmed, tbl.appts["b"].Status)
}

func TestSweepReportsSelectionErrors(t *testing.T) {
	tbl := newTable()
	tbl.pageErr = errors.New("db down")
	rec := &sweepLog{runs: map[string]Result{}}

	_, err := newSweeper(tbl, Config{}, rec).ExpireStale(context.Background())
	require.ErrorIs(t, err, tbl.pageErr)
	require.Contains(t, rec.runs, JobExpire)
}

func TestStartRejectsBadSchedule(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	_, err := newSweeper(newTable(), Config{ExpireSpec: "every tuesday"}, nil).Start(ctx)
	require.Error(t, err)

	c, err := newSweeper(newTable(), Config{}, nil).Start(ctx)
	require.NoError(t, err)
	require.Len(t, c.Entries(), 2)
}
