package importer

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

type stubRunner struct {
	mu      sync.Mutex
	runs    int
	stats   RunStats
	err     error
	started chan struct{}
	release chan struct{}
}

func (r *stubRunner) Run(context.Context) (RunStats, error) {
	r.mu.Lock()
	r.runs++
	r.mu.Unlock()
	if r.started != nil {
		r.started <- struct{}{}
	}
	if r.release != nil {
		<-r.release
	}
	return r.stats, r.err
}

func (r *stubRunner) runCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.runs
}

type stubPrecheck struct {
	mu     sync.Mutex
	hasNew bool
	err    error
	asked  []time.Time
}

func (p *stubPrecheck) HasNewSince(_ context.Context, since time.Time) (bool, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.asked = append(p.asked, since)
	return p.hasNew, p.err
}

func TestGateAdmitsOneRunAtATime(t *testing.T) {
	runner := &stubRunner{
		started: make(chan struct{}),
		release: make(chan struct{}),
	}
	gate := NewGate(runner, nil, GateConfig{MinRefreshInterval: time.Millisecond}, WithGateLogger(testLogger()))

	first := make(chan Outcome, 1)
	go func() {
		first <- gate.Request(context.Background())
	}()
	<-runner.started
	require.Equal(t, GateImporting, gate.State())

	// A request while a run is in flight is dropped, not queued.
	second := gate.Request(context.Background())
	require.Equal(t, StatusDroppedBusy, second.Status)

	close(runner.release)
	require.Equal(t, StatusCompleted, (<-first).Status)
	require.Equal(t, 1, runner.runCount())
}

func TestGateThrottlesBackToBackRequests(t *testing.T) {
	runner := &stubRunner{}
	gate := NewGate(runner, nil, GateConfig{MinRefreshInterval: time.Hour}, WithGateLogger(testLogger()))

	require.Equal(t, StatusCompleted, gate.Request(context.Background()).Status)
	require.Equal(t, StatusDroppedThrottled, gate.Request(context.Background()).Status)
	require.Equal(t, 1, runner.runCount())
}

func TestGateCooldownRequiresPositivePrecheck(t *testing.T) {
	newest := time.Date(2026, time.May, 10, 18, 0, 0, 0, time.UTC)
	runner := &stubRunner{stats: RunStats{NewestCandidate: newest}}
	precheck := &stubPrecheck{}
	gate := NewGate(runner, precheck, GateConfig{
		MinRefreshInterval: time.Millisecond,
		Cooldown:           time.Hour,
	}, WithGateLogger(testLogger()))

	require.Equal(t, StatusCompleted, gate.Request(context.Background()).Status)
	require.Equal(t, GateCoolingDown, gate.State())

	waitForToken := func() { time.Sleep(5 * time.Millisecond) }

	// Upstream has nothing new: the cool-down holds.
	waitForToken()
	require.Equal(t, StatusDroppedCooldown, gate.Request(context.Background()).Status)

	// A failing pre-check is inconclusive and holds as well.
	precheck.err = errors.New("bridge offline")
	waitForToken()
	require.Equal(t, StatusDroppedCooldown, gate.Request(context.Background()).Status)

	// Confirmed new candidates cut the cool-down short.
	precheck.err = nil
	precheck.hasNew = true
	waitForToken()
	require.Equal(t, StatusCompleted, gate.Request(context.Background()).Status)
	require.Equal(t, 2, runner.runCount())

	// The pre-check is always asked relative to the newest imported candidate.
	for _, since := range precheck.asked {
		require.Equal(t, newest, since)
	}
}

func TestGateStartReturnsAdmissionWithoutWaiting(t *testing.T) {
	runner := &stubRunner{
		started: make(chan struct{}, 1),
		release: make(chan struct{}),
	}
	gate := NewGate(runner, nil, GateConfig{MinRefreshInterval: time.Millisecond}, WithGateLogger(testLogger()))

	require.Equal(t, StatusStarted, gate.Start(context.Background()))
	<-runner.started

	// The admission decision comes back while the run is still in flight.
	require.Equal(t, StatusDroppedBusy, gate.Start(context.Background()))
	require.Equal(t, GateImporting, gate.State())

	close(runner.release)
	require.Eventually(t, func() bool {
		_, ok := gate.LastRun()
		return ok
	}, time.Second, 5*time.Millisecond)
	require.Equal(t, 1, runner.runCount())
}

func TestGateKeepsWatermarkWhenRunFails(t *testing.T) {
	newest := time.Date(2026, time.May, 10, 18, 0, 0, 0, time.UTC)
	runner := &stubRunner{
		stats: RunStats{NewestCandidate: newest, Failed: true},
		err:   errors.New("commit batch 1/2: disk full"),
	}
	precheck := &stubPrecheck{hasNew: true}
	gate := NewGate(runner, precheck, GateConfig{
		MinRefreshInterval: time.Millisecond,
		Cooldown:           time.Hour,
	}, WithGateLogger(testLogger()))

	require.Equal(t, StatusFailed, gate.Request(context.Background()).Status)

	// The failed run's candidates were never committed, so the pre-check is
	// still asked relative to the pre-run watermark.
	time.Sleep(5 * time.Millisecond)
	require.Equal(t, StatusFailed, gate.Request(context.Background()).Status)
	require.Len(t, precheck.asked, 1)
	require.True(t, precheck.asked[0].IsZero())
}

func TestGateWithoutPrecheckHoldsCooldown(t *testing.T) {
	runner := &stubRunner{}
	gate := NewGate(runner, nil, GateConfig{
		MinRefreshInterval: time.Millisecond,
		Cooldown:           time.Hour,
	}, WithGateLogger(testLogger()))

	require.Equal(t, StatusCompleted, gate.Request(context.Background()).Status)
	time.Sleep(5 * time.Millisecond)
	require.Equal(t, StatusDroppedCooldown, gate.Request(context.Background()).Status)
	require.Equal(t, 1, runner.runCount())
}

func TestGateStateReadsIdleAfterCooldownElapses(t *testing.T) {
	runner := &stubRunner{}
	gate := NewGate(runner, nil, GateConfig{
		MinRefreshInterval: time.Millisecond,
		Cooldown:           time.Hour,
	}, WithGateLogger(testLogger()))

	require.Equal(t, GateIdle, gate.State())
	require.Equal(t, StatusCompleted, gate.Request(context.Background()).Status)
	require.Equal(t, GateCoolingDown, gate.State())

	gate.now = func() time.Time { return time.Now().Add(2 * time.Hour) }
	require.Equal(t, GateIdle, gate.State())
}

func TestGateReportsFailedRuns(t *testing.T) {
	runner := &stubRunner{
		stats: RunStats{RunID: "run-1", Failed: true, Error: "commit batch 2/3: disk full"},
		err:   errors.New("commit batch 2/3: disk full"),
	}
	gate := NewGate(runner, nil, GateConfig{MinRefreshInterval: time.Millisecond}, WithGateLogger(testLogger()))

	outcome := gate.Request(context.Background())
	require.Equal(t, StatusFailed, outcome.Status)
	require.Equal(t, "run-1", outcome.Stats.RunID)

	last, ok := gate.LastRun()
	require.True(t, ok)
	require.True(t, last.Failed)
}
