package events

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/adhocore/gronx"

	"courier/cmd/internal/metrics"
)

// DefaultRetentionCron runs retention every 10 minutes.
const DefaultRetentionCron = "*/10 * * * *"

// RetentionConfig bounds each user's queue.
type RetentionConfig struct {
	// MaxPerUser keeps at most this many newest events per user (0 means unbounded).
	MaxPerUser int
	// MaxAge drops events older than this (0 means no age bound).
	MaxAge time.Duration
	Cron   string
}

// Retention trims event logs on a cron schedule.
type Retention struct {
	log    Log
	cfg    RetentionConfig
	logger *slog.Logger
	now    func() time.Time
}

// NewRetention validates cfg and returns a scheduler.
func NewRetention(log Log, cfg RetentionConfig, logger *slog.Logger) (*Retention, error) {
	if cfg.Cron == "" {
		cfg.Cron = DefaultRetentionCron
	}
	if !gronx.IsValid(cfg.Cron) {
		return nil, fmt.Errorf("invalid retention cron expression: %q", cfg.Cron)
	}
	if cfg.MaxPerUser < 0 || cfg.MaxAge < 0 {
		return nil, fmt.Errorf("retention bounds must not be negative")
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Retention{log: log, cfg: cfg, logger: logger, now: time.Now}, nil
}

// RunOnce trims every user's queue and returns the number of events removed.
func (r *Retention) RunOnce(ctx context.Context) (int, error) {
	if r.cfg.MaxPerUser == 0 && r.cfg.MaxAge == 0 {
		return 0, nil
	}
	var cutoff time.Time
	if r.cfg.MaxAge > 0 {
		cutoff = r.now().UTC().Add(-r.cfg.MaxAge)
	}

	users, err := r.log.Users(ctx)
	if err != nil {
		return 0, err
	}
	total := 0
	for _, uid := range users {
		n, err := r.log.Trim(ctx, uid, r.cfg.MaxPerUser, cutoff)
		if err != nil {
			r.logger.Warn("events.retention.trim.fail", "user_id", uid, "err", err)
			continue
		}
		total += n
	}
	metrics.AddEventsTrimmed(total)
	return total, nil
}

// Run blocks until ctx is done, trimming at every cron tick.
func (r *Retention) Run(ctx context.Context) {
	r.logger.Info("events.retention.start", "cron", r.cfg.Cron, "max_per_user", r.cfg.MaxPerUser, "max_age", r.cfg.MaxAge)
	for {
		next, err := gronx.NextTickAfter(r.cfg.Cron, r.now().UTC(), false)
		if err != nil {
			r.logger.Error("events.retention.next_tick.fail", "cron", r.cfg.Cron, "err", err)
			next = r.now().Add(30 * time.Second)
		}

		timer := time.NewTimer(time.Until(next))
		select {
		case <-ctx.Done():
			timer.Stop()
			r.logger.Info("events.retention.stop")
			return
		case <-timer.C:
		}

		n, err := r.RunOnce(ctx)
		if err != nil {
			r.logger.Error("events.retention.run.fail", "err", err)
			continue
		}
		if n > 0 {
			r.logger.Info("events.retention.run.ok", "removed", n)
		}
	}
}
