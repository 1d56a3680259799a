package application_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"coldchain-cloud/internal/alerts/application"
	alerts "coldchain-cloud/internal/alerts/domain"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func TestMonitorOfflineDetection(t *testing.T) {
	f := newFixture(t)
	f.addUnit(t, "unit-1", false)
	f.putRules(t, alerts.RuleFragment{
		Scope:                        alerts.ScopeOrganization,
		ScopeID:                      "org-1",
		ExpectedReadingIntervalSecs:  intPtr(300),
		OfflineTriggerMultiplier:     floatPtr(2),
		OfflineTriggerAdditionalMins: intPtr(5),
	})
	require.NoError(t, f.submit(t, "unit-1", t0, 4))

	monitor, err := application.NewMonitor(f.units, f.engine, application.WithMonitorWorkers(2), application.WithMonitorLogger(zap.NewNop()))
	require.NoError(t, err)

	res, err := monitor.RunOnce(context.Background(), t0.Add(2*time.Minute))
	require.NoError(t, err)
	assert.Equal(t, 1, res.Units)
	assert.Equal(t, 0, res.Ticked, "unit is not overdue yet")

	res, err = monitor.RunOnce(context.Background(), t0.Add(15*time.Minute))
	require.NoError(t, err)
	assert.Equal(t, 1, res.Ticked)
	assert.Equal(t, alerts.StatusOK, f.state(t, "unit-1").Status)

	_, err = monitor.RunOnce(context.Background(), t0.Add(16*time.Minute))
	require.NoError(t, err)
	state := f.state(t, "unit-1")
	assert.Equal(t, alerts.StatusMonitoringInterrupted, state.Status)
	assert.Equal(t, 1, state.MissedCheckins)

	_, err = monitor.RunOnce(context.Background(), t0.Add(16*time.Minute))
	require.NoError(t, err)
	assert.Equal(t, 1, f.state(t, "unit-1").MissedCheckins, "repeated cycle does not double count")

	active, err := f.alerts.GetActiveAlert(context.Background(), "unit-1", alerts.AlertOffline)
	require.NoError(t, err)
	assert.Equal(t, alerts.SeverityWarning, active.Severity)

	_, err = monitor.RunOnce(context.Background(), t0.Add(40*time.Minute))
	require.NoError(t, err)
	assert.Equal(t, alerts.StatusOffline, f.state(t, "unit-1").Status)

	require.NoError(t, f.submit(t, "unit-1", t0.Add(41*time.Minute), 4))
	state = f.state(t, "unit-1")
	assert.Equal(t, alerts.StatusRestoring, state.Status)
	assert.Equal(t, 0, state.MissedCheckins)
	_, err = f.alerts.GetActiveAlert(context.Background(), "unit-1", alerts.AlertOffline)
	assert.ErrorIs(t, err, alerts.ErrNotFound)
}

type blockingTicker struct {
	started   chan struct{}
	release   chan struct{}
	once      sync.Once
	ignoreCtx bool
}

func (b *blockingTicker) Tick(ctx context.Context, _ alerts.Unit, _ time.Time) (bool, error) {
	b.once.Do(func() { close(b.started) })
	if b.ignoreCtx {
		<-b.release
		return true, nil
	}
	select {
	case <-b.release:
	case <-ctx.Done():
	}
	return true, nil
}

func TestMonitorStartWaitsForRunningSweep(t *testing.T) {
	f := newFixture(t)
	f.addUnit(t, "unit-1", false)
	ticker := &blockingTicker{started: make(chan struct{}), release: make(chan struct{}), ignoreCtx: true}
	monitor, err := application.NewMonitor(f.units, ticker, application.WithMonitorInterval(5*time.Millisecond))
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	stopped := make(chan struct{})
	go func() {
		monitor.Start(ctx)
		close(stopped)
	}()
	<-ticker.started
	cancel()

	select {
	case <-stopped:
		t.Fatal("Start returned while a sweep was still running")
	case <-time.After(50 * time.Millisecond):
	}

	close(ticker.release)
	select {
	case <-stopped:
	case <-time.After(2 * time.Second):
		t.Fatal("Start did not return after the sweep finished")
	}
}

func TestMonitorSkipsOverlappingSweeps(t *testing.T) {
	f := newFixture(t)
	f.addUnit(t, "unit-1", false)
	ticker := &blockingTicker{started: make(chan struct{}), release: make(chan struct{})}
	monitor, err := application.NewMonitor(f.units, ticker)
	require.NoError(t, err)

	done := make(chan application.SweepResult)
	go func() {
		res, _ := monitor.RunOnce(context.Background(), t0)
		done <- res
	}()
	<-ticker.started

	res, err := monitor.RunOnce(context.Background(), t0)
	require.NoError(t, err)
	assert.True(t, res.Skipped)

	close(ticker.release)
	first := <-done
	assert.False(t, first.Skipped)
	assert.Equal(t, 1, first.Ticked)
}

type countingTicker struct {
	mu    sync.Mutex
	seen  map[string]int
	inUse int
	peak  int
}

func (c *countingTicker) Tick(_ context.Context, unit alerts.Unit, _ time.Time) (bool, error) {
	c.mu.Lock()
	c.seen[unit.ID]++
	c.inUse++
	if c.inUse > c.peak {
		c.peak = c.inUse
	}
	c.mu.Unlock()
	time.Sleep(5 * time.Millisecond)
	c.mu.Lock()
	c.inUse--
	c.mu.Unlock()
	return true, nil
}

func TestMonitorBoundsWorkersAndTicksEachUnitOnce(t *testing.T) {
	f := newFixture(t)
	for _, id := range []string{"a", "b", "c", "d", "e", "f", "g", "h"} {
		f.addUnit(t, id, false)
	}
	ticker := &countingTicker{seen: map[string]int{}}
	monitor, err := application.NewMonitor(f.units, ticker, application.WithMonitorWorkers(3))
	require.NoError(t, err)

	res, err := monitor.RunOnce(context.Background(), t0)
	require.NoError(t, err)
	assert.Equal(t, 8, res.Ticked)
	assert.LessOrEqual(t, ticker.peak, 3)
	for id, n := range ticker.seen {
		assert.Equal(t, 1, n, id)
	}
}
