package importer

import (
	"context"
	"log"
	"time"
)

// RunStats summarises one import run. The zero value describes a run that
// never got past admission.
type RunStats struct {
	RunID           string
	StartedAt       time.Time
	FinishedAt      time.Time
	Candidates      int
	Accepted        int
	Skipped         int
	Batches         int
	RoutesEligible  int
	RoutesAttached  int
	RoutesSkipped   int
	NewestCandidate time.Time
	Failed          bool
	Error           string
}

// ProgressSink receives the pipeline's lifecycle signals. Implementations
// must tolerate being called from the single coordinating goroutine only;
// none of the methods are invoked concurrently.
type ProgressSink interface {
	// ImportProgress reports the fraction of committed batches, in (0.0, 1.0].
	ImportProgress(ctx context.Context, runID string, fraction float64)
	// RoutingStarted fires once per run, only when at least one candidate
	// was accepted.
	RoutingStarted(ctx context.Context, runID string, eligible int)
	// RunCompleted fires exactly once per admitted run, whatever the outcome.
	RunCompleted(ctx context.Context, stats RunStats)
}

// NopSink discards all signals.
type NopSink struct{}

func (NopSink) ImportProgress(context.Context, string, float64) {}
func (NopSink) RoutingStarted(context.Context, string, int)     {}
func (NopSink) RunCompleted(context.Context, RunStats)          {}

// LogSink writes each signal to a logger. Used by the one-shot importer
// command where no broker is configured.
type LogSink struct {
	Logger *log.Logger
}

// ImportProgress logs the committed-batch fraction.
func (s LogSink) ImportProgress(_ context.Context, runID string, fraction float64) {
	s.Logger.Printf("run %s: progress %.2f", runID, fraction)
}

// RoutingStarted logs the start of route attachment.
func (s LogSink) RoutingStarted(_ context.Context, runID string, eligible int) {
	s.Logger.Printf("run %s: attaching routes (eligible=%d)", runID, eligible)
}

// RunCompleted logs the final run summary.
func (s LogSink) RunCompleted(_ context.Context, stats RunStats) {
	if stats.Failed {
		s.Logger.Printf("run %s: failed after %s: %s", stats.RunID, stats.FinishedAt.Sub(stats.StartedAt), stats.Error)
		return
	}
	s.Logger.Printf("run %s: completed (accepted=%d skipped=%d routes=%d/%d) in %s",
		stats.RunID, stats.Accepted, stats.Skipped, stats.RoutesAttached, stats.RoutesEligible, stats.FinishedAt.Sub(stats.StartedAt))
}
