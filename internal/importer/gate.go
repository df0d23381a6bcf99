package importer

import (
	"context"
	"log"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/brettdup/trainstate/internal/observability"
)

// GateState names the gate's position in its lifecycle.
type GateState string

const (
	GateIdle        GateState = "idle"
	GateImporting   GateState = "importing"
	GateCoolingDown GateState = "cooling_down"
)

// RunStatus is the outcome of one gate request. Dropped requests are normal
// operation, not errors: the UI refreshing every few seconds must not turn
// into a full re-import every few seconds.
type RunStatus string

const (
	StatusStarted          RunStatus = "started"
	StatusCompleted        RunStatus = "completed"
	StatusFailed           RunStatus = "failed"
	StatusDroppedBusy      RunStatus = "dropped_busy"
	StatusDroppedThrottled RunStatus = "dropped_throttled"
	StatusDroppedCooldown  RunStatus = "dropped_cooldown"
)

// Outcome reports what a gate request resulted in. Stats is populated only
// for completed and failed runs.
type Outcome struct {
	Status RunStatus
	Stats  RunStats
}

// Runner executes one admitted import run.
type Runner interface {
	Run(ctx context.Context) (RunStats, error)
}

// Prechecker answers the cheap "anything new upstream?" question the gate
// asks before letting a request through the cool-down window.
type Prechecker interface {
	HasNewSince(ctx context.Context, since time.Time) (bool, error)
}

// GateConfig carries the admission intervals. Both are configuration, not
// protocol: deployments tune them without affecting stored data.
type GateConfig struct {
	// MinRefreshInterval is the floor between any two admitted requests.
	MinRefreshInterval time.Duration
	// Cooldown is the window after a finished run during which requests are
	// admitted only when the pre-check confirms new upstream candidates.
	Cooldown time.Duration
}

// DefaultGateConfig returns the shipped admission intervals.
func DefaultGateConfig() GateConfig {
	return GateConfig{
		MinRefreshInterval: 30 * time.Second,
		Cooldown:           300 * time.Second,
	}
}

// GateOption configures optional behaviour for the Gate.
type GateOption func(*Gate)

// WithGateLogger overrides the gate's logger.
func WithGateLogger(logger *log.Logger) GateOption {
	return func(g *Gate) {
		g.logger = logger
	}
}

// Gate serialises import requests process-wide: at most one run in flight,
// a rate limit on admissions, and a cool-down after each run that only a
// positive pre-check can cut short. All transitions happen under one mutex
// so concurrent requests observe them atomically.
type Gate struct {
	runner   Runner
	precheck Prechecker
	cfg      GateConfig
	logger   *log.Logger
	limiter  *rate.Limiter
	now      func() time.Time

	mu           sync.Mutex // guards the fields below
	state        GateState
	lastFinished time.Time
	watermark    time.Time
	lastStats    RunStats
	hasRun       bool
}

// NewGate constructs a Gate around the runner. precheck may be nil, in which
// case cool-down requests are always dropped (the conservative default).
func NewGate(runner Runner, precheck Prechecker, cfg GateConfig, opts ...GateOption) *Gate {
	g := &Gate{
		runner:   runner,
		precheck: precheck,
		cfg:      cfg,
		logger:   log.New(log.Writer(), "[gate] ", log.LstdFlags),
		limiter:  rate.NewLimiter(rate.Every(cfg.MinRefreshInterval), 1),
		now:      time.Now,
		state:    GateIdle,
	}
	for _, opt := range opts {
		opt(g)
	}
	return g
}

// Request asks the gate for an import run and blocks until the run finishes
// or the request is dropped. Dropped requests return immediately without
// touching the source.
func (g *Gate) Request(ctx context.Context) Outcome {
	status, admitted := g.admit(ctx)
	if !admitted {
		return Outcome{Status: status}
	}
	return g.run(ctx)
}

// Start asks the gate for a run without waiting for it to finish. The
// returned status is the admission decision; an admitted run continues on
// runCtx in its own goroutine. The HTTP trigger uses this so a dropped
// request is reported to the caller instead of silently acknowledged.
func (g *Gate) Start(runCtx context.Context) RunStatus {
	status, admitted := g.admit(runCtx)
	if !admitted {
		return status
	}
	go g.run(runCtx)
	return StatusStarted
}

// admit performs the busy, throttle, and cool-down checks, claiming the
// importing slot when all of them pass.
func (g *Gate) admit(ctx context.Context) (RunStatus, bool) {
	g.mu.Lock()

	if g.state == GateImporting {
		g.mu.Unlock()
		observability.RecordImportDropped(string(StatusDroppedBusy))
		return StatusDroppedBusy, false
	}

	if !g.limiter.Allow() {
		g.mu.Unlock()
		observability.RecordImportDropped(string(StatusDroppedThrottled))
		return StatusDroppedThrottled, false
	}

	inCooldown := g.state == GateCoolingDown && g.now().Sub(g.lastFinished) < g.cfg.Cooldown
	watermark := g.watermark

	// Claim the importing slot before the pre-check so a concurrent request
	// cannot slip past while this one is on the network.
	g.state = GateImporting
	g.mu.Unlock()

	if inCooldown && !g.precheckPasses(ctx, watermark) {
		g.mu.Lock()
		g.state = GateCoolingDown
		g.mu.Unlock()
		observability.RecordImportDropped(string(StatusDroppedCooldown))
		return StatusDroppedCooldown, false
	}
	return StatusStarted, true
}

func (g *Gate) run(ctx context.Context) Outcome {
	stats, err := g.runner.Run(ctx)

	g.mu.Lock()
	g.lastFinished = g.now()
	g.lastStats = stats
	g.hasRun = true
	// A failed run's remainder must stay visible to the pre-check, so the
	// watermark advances only on success.
	if err == nil && !stats.NewestCandidate.IsZero() {
		g.watermark = stats.NewestCandidate
	}
	if g.cfg.Cooldown > 0 {
		g.state = GateCoolingDown
	} else {
		g.state = GateIdle
	}
	g.mu.Unlock()

	if err != nil {
		g.logger.Printf("run failed: %v", err)
		return Outcome{Status: StatusFailed, Stats: stats}
	}
	return Outcome{Status: StatusCompleted, Stats: stats}
}

// precheckPasses reports whether new candidates are confirmed upstream. An
// unavailable or failing pre-check drops the request conservatively.
func (g *Gate) precheckPasses(ctx context.Context, watermark time.Time) bool {
	if g.precheck == nil {
		return false
	}
	hasNew, err := g.precheck.HasNewSince(ctx, watermark)
	if err != nil {
		g.logger.Printf("pre-check inconclusive, dropping request: %v", err)
		return false
	}
	return hasNew
}

// State returns the gate's current position. A cool-down whose window has
// elapsed reads as idle; the transition is lazy because nothing observes
// the gate between requests.
func (g *Gate) State() GateState {
	g.mu.Lock()
	defer g.mu.Unlock()

	if g.state == GateCoolingDown && g.now().Sub(g.lastFinished) >= g.cfg.Cooldown {
		g.state = GateIdle
	}
	return g.state
}

// LastRun returns the stats of the most recently finished run, if any.
func (g *Gate) LastRun() (RunStats, bool) {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.lastStats, g.hasRun
}
