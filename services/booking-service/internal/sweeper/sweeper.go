// Package sweeper runs the time-triggered transitions: unpaid pending
// appointments expire, and appointments whose start has passed complete.
package sweeper

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/md-rashed-zaman/slotbook/services/booking-service/internal/lifecycle"
	"github.com/robfig/cron/v3"
)

const (
	JobExpire   = "expire"
	JobComplete = "complete"
)

// Candidates pages through appointment ids ordered by id, starting after afterID.
type Candidates interface {
	ExpireCandidates(ctx context.Context, createdBefore time.Time, afterID string, limit int) ([]string, error)
	CompleteCandidates(ctx context.Context, startedBefore time.Time, afterID string, limit int) ([]string, error)
}

// Transitioner re-checks eligibility and writes the transition for one id.
type Transitioner interface {
	ExpireIfUnpaid(ctx context.Context, id string, createdBefore time.Time) (lifecycle.Result, error)
	CompleteIfPast(ctx context.Context, id string, startedBefore time.Time) (lifecycle.Result, error)
}

type Recorder interface {
	RecordSweep(job string, res Result)
}

type Config struct {
	ExpireGrace   time.Duration
	CompleteGrace time.Duration
	BatchSize     int
	MaxBatches    int
	ExpireSpec    string
	CompleteSpec  string
	// RunTimeout bounds one scheduled run.
	RunTimeout time.Duration
}

// Result counts one sweep run. Skipped rows no longer qualified at write time.
type Result struct {
	Selected     int
	Transitioned int
	Skipped      int
	Failed       int
}

type Sweeper struct {
	candidates Candidates
	machine    Transitioner
	logger     *slog.Logger
	cfg        Config
	recorder   Recorder
	now        func() time.Time
}

func New(candidates Candidates, machine Transitioner, logger *slog.Logger, cfg Config, recorder Recorder) *Sweeper {
	if cfg.ExpireGrace <= 0 {
		cfg.ExpireGrace = 2 * time.Hour
	}
	if cfg.CompleteGrace <= 0 {
		cfg.CompleteGrace = 3 * time.Hour
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 100
	}
	if cfg.MaxBatches <= 0 {
		cfg.MaxBatches = 10
	}
	if cfg.ExpireSpec == "" {
		cfg.ExpireSpec = "@every 5m"
	}
	if cfg.CompleteSpec == "" {
		cfg.CompleteSpec = "@hourly"
	}
	if cfg.RunTimeout <= 0 {
		cfg.RunTimeout = 2 * time.Minute
	}
	return &Sweeper{
		candidates: candidates,
		machine:    machine,
		logger:     logger,
		cfg:        cfg,
		recorder:   recorder,
		now:        func() time.Time { return time.Now().UTC() },
	}
}

// ExpireStale cancels pending appointments whose deposit is still unpaid
// ExpireGrace after booking.
func (s *Sweeper) ExpireStale(ctx context.Context) (Result, error) {
	cutoff := s.now().Add(-s.cfg.ExpireGrace)
	return s.sweep(ctx, JobExpire, cutoff, s.candidates.ExpireCandidates, s.machine.ExpireIfUnpaid)
}

// CompletePast completes appointments that started more than CompleteGrace ago.
func (s *Sweeper) CompletePast(ctx context.Context) (Result, error) {
	cutoff := s.now().Add(-s.cfg.CompleteGrace)
	return s.sweep(ctx, JobComplete, cutoff, s.candidates.CompleteCandidates, s.machine.CompleteIfPast)
}

type fetchFunc func(ctx context.Context, cutoff time.Time, afterID string, limit int) ([]string, error)
type applyFunc func(ctx context.Context, id string, cutoff time.Time) (lifecycle.Result, error)

func (s *Sweeper) sweep(ctx context.Context, job string, cutoff time.Time, fetch fetchFunc, apply applyFunc) (Result, error) {
	var res Result
	afterID := ""
	for batch := 0; batch < s.cfg.MaxBatches; batch++ {
		ids, err := fetch(ctx, cutoff, afterID, s.cfg.BatchSize)
		if err != nil {
			s.finish(job, res)
			return res, fmt.Errorf("%s sweep: select candidates: %w", job, err)
		}
		res.Selected += len(ids)
		for _, id := range ids {
			if ctx.Err() != nil {
				s.finish(job, res)
				return res, ctx.Err()
			}
			out, err := apply(ctx, id, cutoff)
			switch {
			case err != nil:
				res.Failed++
				s.logger.Error("sweep transition failed", "job", job, "appointment_id", id, "err", err)
			case out.Transitioned:
				res.Transitioned++
			default:
				res.Skipped++
			}
		}
		if len(ids) < s.cfg.BatchSize {
			break
		}
		afterID = ids[len(ids)-1]
	}
	s.finish(job, res)
	return res, nil
}

func (s *Sweeper) finish(job string, res Result) {
	if s.recorder != nil {
		s.recorder.RecordSweep(job, res)
	}
	if res.Selected == 0 {
		return
	}
	s.logger.Info("sweep finished",
		"job", job,
		"selected", res.Selected,
		"transitioned", res.Transitioned,
		"skipped", res.Skipped,
		"failed", res.Failed,
	)
}

// Start schedules both sweeps and stops them when ctx ends. A run still in
// progress when its next tick fires is not overlapped.
func (s *Sweeper) Start(ctx context.Context) (*cron.Cron, error) {
	logger := cronLogger{s.logger}
	c := cron.New(
		cron.WithLocation(time.UTC),
		cron.WithLogger(logger),
		cron.WithChain(cron.Recover(logger), cron.SkipIfStillRunning(logger)),
	)
	jobs := []struct {
		name string
		spec string
		run  func(context.Context) (Result, error)
	}{
		{JobExpire, s.cfg.ExpireSpec, s.ExpireStale},
		{JobComplete, s.cfg.CompleteSpec, s.CompletePast},
	}
	for _, j := range jobs {
		if _, err := c.AddFunc(j.spec, func() {
			runCtx, cancel := context.WithTimeout(ctx, s.cfg.RunTimeout)
			defer cancel()
			if _, err := j.run(runCtx); err != nil {
				s.logger.Error("sweep run failed", "job", j.name, "err", err)
			}
		}); err != nil {
			return nil, fmt.Errorf("schedule %s sweep %q: %w", j.name, j.spec, err)
		}
	}
	c.Start()
	go func() {
		<-ctx.Done()
		<-c.Stop().Done()
	}()
	return c, nil
}

// cronLogger routes cron's own messages into slog.
type cronLogger struct{ l *slog.Logger }

func (c cronLogger) Info(msg string, keysAndValues ...interface{}) {
	c.l.Debug("cron: "+msg, keysAndValues...)
}

func (c cronLogger) Error(err error, msg string, keysAndValues ...interface{}) {
	c.l.Error("cron: "+msg, append(keysAndValues, "err", err)...)
}
