package application

import (
	"context"
	"errors"
	"sync/atomic"
	"time"

	alerts "coldchain-cloud/internal/alerts/domain"
	"coldchain-cloud/internal/observability/metrics"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// UnitTicker evaluates a synthetic no-reading tick for one unit.
type UnitTicker interface {
	Tick(ctx context.Context, unit alerts.Unit, now time.Time) (bool, error)
}

// SweepResult summarizes one monitor cycle.
type SweepResult struct {
	Units   int  `json:"units"`
	Ticked  int  `json:"ticked"`
	Failed  int  `json:"failed"`
	Skipped bool `json:"skipped"`
}

// Monitor periodically feeds no-reading ticks for silent units into the engine.
type Monitor struct {
	units    UnitDirectory
	ticker   UnitTicker
	clock    Clock
	interval time.Duration
	workers  int
	logger   *zap.Logger
	running  atomic.Bool
}

// MonitorOption customizes the monitor.
type MonitorOption func(*Monitor)

// WithMonitorInterval sets the sweep period.
func WithMonitorInterval(interval time.Duration) MonitorOption {
	return func(m *Monitor) {
		if interval > 0 {
			m.interval = interval
		}
	}
}

// WithMonitorWorkers bounds concurrent unit evaluations per sweep.
func WithMonitorWorkers(workers int) MonitorOption {
	return func(m *Monitor) {
		if workers > 0 {
			m.workers = workers
		}
	}
}

// WithMonitorClock assigns a clock.
func WithMonitorClock(clock Clock) MonitorOption {
	return func(m *Monitor) {
		if clock != nil {
			m.clock = clock
		}
	}
}

// WithMonitorLogger assigns a logger.
func WithMonitorLogger(logger *zap.Logger) MonitorOption {
	return func(m *Monitor) {
		if logger != nil {
			m.logger = logger
		}
	}
}

// NewMonitor constructs an offline monitor.
func NewMonitor(units UnitDirectory, ticker UnitTicker, opts ...MonitorOption) (*Monitor, error) {
	if units == nil || ticker == nil {
		return nil, errors.New("offline monitor: nil dependency")
	}
	m := &Monitor{
		units:    units,
		ticker:   ticker,
		clock:    systemClock{},
		interval: time.Minute,
		workers:  8,
		logger:   zap.NewNop(),
	}
	for _, opt := range opts {
		opt(m)
	}
	m.logger = m.logger.Named("monitor")
	return m, nil
}

// Start runs sweeps until ctx is cancelled. Sweeps run inline, so Start returns
// only after the sweep in progress has finished.
func (m *Monitor) Start(ctx context.Context) {
	if m == nil {
		return
	}
	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := m.RunOnce(ctx, m.clock.Now()); err != nil && !errors.Is(err, context.Canceled) {
				m.logger.Error("monitor sweep failed", zap.Error(err))
			}
		}
	}
}

// RunOnce ticks every active unit at most once. A sweep started while another
// is still running is skipped, so cycles never overlap.
func (m *Monitor) RunOnce(ctx context.Context, now time.Time) (SweepResult, error) {
	if !m.running.CompareAndSwap(false, true) {
		metrics.ObserveMonitorSweep("skipped", 0, 0)
		m.logger.Warn("previous sweep still running, skipping cycle")
		return SweepResult{Skipped: true}, nil
	}
	defer m.running.Store(false)
	started := time.Now()

	units, err := m.units.ListActiveUnits(ctx)
	if err != nil {
		metrics.ObserveMonitorSweep("error", 0, time.Since(started))
		return SweepResult{}, err
	}

	var ticked, failed atomic.Int64
	group, groupCtx := errgroup.WithContext(ctx)
	group.SetLimit(m.workers)
	seen := make(map[string]struct{}, len(units))
	for _, unit := range units {
		if _, dup := seen[unit.ID]; dup || !unit.Active {
			continue
		}
		seen[unit.ID] = struct{}{}
		unit := unit
		group.Go(func() error {
			if err := groupCtx.Err(); err != nil {
				return err
			}
			ran, err := m.ticker.Tick(groupCtx, unit, now)
			if err != nil {
				failed.Add(1)
				m.logger.Warn("unit tick failed", zap.String("unit_id", unit.ID), zap.Error(err))
				return nil
			}
			if ran {
				ticked.Add(1)
			}
			return nil
		})
	}
	err = group.Wait()

	result := SweepResult{Units: len(seen), Ticked: int(ticked.Load()), Failed: int(failed.Load())}
	outcome := "success"
	if err != nil {
		outcome = "error"
	}
	metrics.ObserveMonitorSweep(outcome, result.Ticked, time.Since(started))
	m.logger.Debug("monitor sweep done",
		zap.Int("units", result.Units),
		zap.Int("ticked", result.Ticked),
		zap.Int("failed", result.Failed))
	return result, err
}
