// Package retention sweeps aged data out of the store on a cron schedule:
// uploaded file blobs past their keep window and artifact rows whose task is
// gone.
package retention

import (
	"context"
	"log/slog"
	"sync"
	"time"

	cronlib "github.com/robfig/cron/v3"

	"github.com/basket/relay/internal/persistence"
)

// DefaultSchedule runs the sweep daily at 03:00.
const DefaultSchedule = "0 3 * * *"

// cronParser parses standard 5-field cron expressions.
var cronParser = cronlib.NewParser(
	cronlib.Minute | cronlib.Hour | cronlib.Dom | cronlib.Month | cronlib.Dow,
)

// Config holds the sweeper's dependencies.
type Config struct {
	Store  *persistence.Store
	Logger *slog.Logger

	// FileDays is the keep window for uploaded blobs. 0 disables file
	// purging; orphan artifact cleanup still runs.
	FileDays int

	// Schedule is a 5-field cron expression; empty means DefaultSchedule.
	Schedule string

	// Interval is how often the loop checks whether the schedule is due.
	// Defaults to 1 minute.
	Interval time.Duration
}

// Sweeper runs the retention sweep once at startup and then whenever the
// cron schedule comes due.
type Sweeper struct {
	store    *persistence.Store
	logger   *slog.Logger
	fileDays int
	schedule cronlib.Schedule
	interval time.Duration

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewSweeper validates the schedule and returns a ready Sweeper.
func NewSweeper(cfg Config) (*Sweeper, error) {
	expr := cfg.Schedule
	if expr == "" {
		expr = DefaultSchedule
	}
	schedule, err := cronParser.Parse(expr)
	if err != nil {
		return nil, err
	}
	interval := cfg.Interval
	if interval <= 0 {
		interval = time.Minute
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Sweeper{
		store:    cfg.Store,
		logger:   logger,
		fileDays: cfg.FileDays,
		schedule: schedule,
		interval: interval,
	}, nil
}

// Start begins the sweep loop in a background goroutine.
func (s *Sweeper) Start(ctx context.Context) {
	ctx, s.cancel = context.WithCancel(ctx)
	s.wg.Add(1)
	go s.loop(ctx)
	s.logger.Info("retention sweeper started", "file_days", s.fileDays, "interval", s.interval)
}

// Stop cancels the loop and waits for it to exit.
func (s *Sweeper) Stop() {
	if s.cancel != nil {
		s.cancel()
	}
	s.wg.Wait()
	s.logger.Info("retention sweeper stopped")
}

func (s *Sweeper) loop(ctx context.Context) {
	defer s.wg.Done()

	// Sweep once at startup, then per schedule.
	s.sweep(ctx)
	nextRun := s.schedule.Next(time.Now())

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			if now.Before(nextRun) {
				continue
			}
			s.sweep(ctx)
			nextRun = s.schedule.Next(now)
		}
	}
}

func (s *Sweeper) sweep(ctx context.Context) {
	result, err := s.store.RunRetention(ctx, s.fileDays)
	if err != nil {
		s.logger.Error("retention sweep failed", "error", err)
		return
	}
	if result.PurgedFiles > 0 || result.OrphanArtifacts > 0 {
		s.logger.Info("retention sweep",
			"purged_files", result.PurgedFiles,
			"orphan_artifacts", result.OrphanArtifacts)
	}
}
