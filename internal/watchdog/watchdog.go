// Package watchdog periodically fails signing attempts whose signer never replied.
package watchdog

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/robfig/cron/v3"
	"go.uber.org/zap"
)

const (
	// DefaultSchedule sweeps every thirty seconds.
	DefaultSchedule = "@every 30s"
	defaultTimeout  = 2 * time.Minute
)

var errMissingExpirer = errors.New("watchdog: expirer is required")

// Expirer fails attempts requested before cutoff and reports how many it failed.
type Expirer interface {
	ExpireStale(cutoff time.Time) int
}

// Config configures a Watchdog.
type Config struct {
	Schedule string
	// Timeout is how long an attempt may wait for the signer.
	Timeout time.Duration
	Clock   func() time.Time
	Logger  *zap.Logger
}

// Watchdog runs the stale attempt sweep on a cron schedule.
type Watchdog struct {
	cron     *cron.Cron
	expirer  Expirer
	schedule string
	timeout  time.Duration
	clock    func() time.Time
	logger   *zap.Logger
}

// New validates the schedule and registers the sweep. The scheduler is not started.
func New(expirer Expirer, cfg Config) (*Watchdog, error) {
	if expirer == nil {
		return nil, errMissingExpirer
	}
	schedule := strings.TrimSpace(cfg.Schedule)
	if schedule == "" {
		schedule = DefaultSchedule
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	cronLogger := cron.PrintfLogger(zap.NewStdLog(logger))
	w := &Watchdog{
		cron:     cron.New(cron.WithChain(cron.Recover(cronLogger))),
		expirer:  expirer,
		schedule: schedule,
		timeout:  timeout,
		clock:    clock,
		logger:   logger,
	}
	if _, err := w.cron.AddFunc(schedule, func() { w.Sweep() }); err != nil {
		return nil, fmt.Errorf("watchdog: schedule %q: %w", schedule, err)
	}
	return w, nil
}

// Sweep fails every attempt older than the timeout and returns the count.
func (w *Watchdog) Sweep() int {
	cutoff := w.clock().Add(-w.timeout)
	expired := w.expirer.ExpireStale(cutoff)
	if expired > 0 {
		w.logger.Warn("expired stale signing attempts",
			zap.Int("count", expired),
			zap.Time("cutoff", cutoff),
		)
	}
	return expired
}

// Start runs the scheduler in its own goroutine.
func (w *Watchdog) Start() {
	w.cron.Start()
	w.logger.Info("scheduled signing watchdog",
		zap.String("schedule", w.schedule),
		zap.Duration("timeout", w.timeout),
	)
}

// Stop halts the scheduler; the returned context ends when a running sweep returns.
func (w *Watchdog) Stop() context.Context {
	return w.cron.Stop()
}
