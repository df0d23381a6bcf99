// Package importer contains the TrainState ingestion pipeline: batch import
// of workout candidates with duplicate filtering, bounded-concurrency route
// attachment, and the process-wide gate that keeps refreshes cheap.
package importer

import (
	"context"
	"fmt"
	"log"
	"time"

	"github.com/google/uuid"

	"github.com/brettdup/trainstate/internal/dedup"
	"github.com/brettdup/trainstate/internal/domain"
	"github.com/brettdup/trainstate/internal/observability"
)

// Store is the persistence surface the pipeline writes through.
type Store interface {
	// ListWorkouts returns every stored workout; the duplicate index is
	// rebuilt from the full set at the start of each run.
	ListWorkouts(ctx context.Context) ([]domain.Workout, error)
	// SaveWorkouts commits a batch in one transaction, preserving slice order.
	SaveWorkouts(ctx context.Context, workouts []domain.Workout) error
	// SaveRoute persists a downsampled route and links it to its workout.
	SaveRoute(ctx context.Context, workoutID string, points []domain.TrackPoint) error
}

// Source is the upstream surface the pipeline reads from.
type Source interface {
	Workouts(ctx context.Context) ([]domain.Candidate, error)
	Trajectory(ctx context.Context, remoteID string) ([]domain.TrackPoint, error)
}

// Config carries the pipeline constants. Bucket granularities and route
// eligibility thresholds live side by side here so dedup sensitivity and
// routing cannot drift apart across call sites.
type Config struct {
	Buckets           dedup.Buckets
	BatchSize         int
	RouteKinds        []domain.Kind
	MinRouteDuration  time.Duration
	RouteBatchSize    int
	RouteFetchTimeout time.Duration
	MaxRoutePoints    int
	RoutePause        time.Duration
}

// DefaultConfig returns the constants the pipeline ships with.
func DefaultConfig() Config {
	return Config{
		Buckets:           dedup.DefaultBuckets(),
		BatchSize:         50,
		RouteKinds:        []domain.Kind{domain.KindRunning, domain.KindCycling, domain.KindHiking, domain.KindWalking},
		MinRouteDuration:  600 * time.Second,
		RouteBatchSize:    3,
		RouteFetchTimeout: 15 * time.Second,
		MaxRoutePoints:    300,
		RoutePause:        100 * time.Millisecond,
	}
}

// Option configures optional behaviour for the Importer.
type Option func(*Importer)

// WithLogger overrides the logger used by the importer and its route scheduler.
func WithLogger(logger *log.Logger) Option {
	return func(i *Importer) {
		i.logger = logger
	}
}

// Importer pulls candidates from the source, filters duplicates, commits
// survivors in fixed-size batches, and hands the route-eligible subset to
// the scheduler. One run is driven entirely by the calling goroutine;
// batches are never parallelised against each other so commit order stays
// deterministic.
type Importer struct {
	store  Store
	source Source
	sink   ProgressSink
	cfg    Config
	logger *log.Logger
	routes *RouteScheduler
}

// New constructs an Importer and its route scheduler.
func New(store Store, source Source, sink ProgressSink, cfg Config, opts ...Option) *Importer {
	i := &Importer{
		store:  store,
		source: source,
		sink:   sink,
		cfg:    cfg,
		logger: log.New(log.Writer(), "[importer] ", log.LstdFlags),
	}
	for _, opt := range opts {
		opt(i)
	}
	i.routes = newRouteScheduler(store, source, cfg, i.logger)
	return i
}

// Run executes one import. Read and commit failures abort the run and are
// returned to the caller; already-committed batches stay persisted. The
// RunCompleted signal fires exactly once whatever the outcome.
func (i *Importer) Run(ctx context.Context) (RunStats, error) {
	stats := RunStats{
		RunID:     uuid.NewString(),
		StartedAt: time.Now().UTC(),
	}
	observability.RecordImportStarted()

	var runErr error
	defer func() {
		stats.FinishedAt = time.Now().UTC()
		if runErr != nil {
			stats.Failed = true
			stats.Error = runErr.Error()
		}
		i.sink.RunCompleted(ctx, stats)
		observability.RecordImportFinished(stats.FinishedAt, stats.FinishedAt.Sub(stats.StartedAt), stats.Failed)
	}()

	candidates, err := i.source.Workouts(ctx)
	if err != nil {
		runErr = fmt.Errorf("read candidates: %w", err)
		return stats, runErr
	}
	stats.Candidates = len(candidates)
	if len(candidates) > 0 {
		// Candidates arrive most-recent-first.
		stats.NewestCandidate = candidates[0].StartedAt
	}

	existing, err := i.store.ListWorkouts(ctx)
	if err != nil {
		runErr = fmt.Errorf("list stored workouts: %w", err)
		return stats, runErr
	}

	index := dedup.NewIndex(i.cfg.Buckets)
	index.Build(existing)
	i.logger.Printf("run %s: %d candidates against %d indexed fingerprints", stats.RunID, len(candidates), index.Size())

	if len(candidates) == 0 {
		return stats, nil
	}

	routing, err := i.importBatches(ctx, candidates, index, &stats)
	if err != nil {
		runErr = err
		return stats, runErr
	}

	if stats.Accepted == 0 {
		i.logger.Printf("run %s: no new workouts", stats.RunID)
		return stats, nil
	}

	stats.RoutesEligible = len(routing)
	i.sink.RoutingStarted(ctx, stats.RunID, len(routing))
	stats.RoutesAttached, stats.RoutesSkipped = i.routes.Attach(ctx, routing)

	return stats, nil
}

func (i *Importer) importBatches(ctx context.Context, candidates []domain.Candidate, index *dedup.Index, stats *RunStats) ([]RoutePair, error) {
	totalBatches := (len(candidates) + i.cfg.BatchSize - 1) / i.cfg.BatchSize
	var routing []RoutePair

	for start := 0; start < len(candidates); start += i.cfg.BatchSize {
		// Yield point: a cancelled run abandons batches that have not
		// started, never one mid-commit.
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		end := min(start+i.cfg.BatchSize, len(candidates))
		now := time.Now().UTC()
		batch := make([]domain.Workout, 0, end-start)

		for _, c := range candidates[start:end] {
			if index.Contains(c) {
				stats.Skipped++
				continue
			}
			w := domain.NewWorkoutFromCandidate(c, now)
			// Insert before evaluating the next candidate so collisions
			// within the same run resolve first-seen-wins.
			index.Insert(c)
			batch = append(batch, w)
			stats.Accepted++
			if i.routeEligible(c) {
				routing = append(routing, RoutePair{RemoteID: c.RemoteID, WorkoutID: w.ID})
			}
		}

		if len(batch) > 0 {
			commitStart := time.Now()
			// An in-flight commit is allowed to finish even if the run is
			// cancelled; the transaction keeps the batch all-or-nothing.
			if err := i.store.SaveWorkouts(context.WithoutCancel(ctx), batch); err != nil {
				return nil, fmt.Errorf("commit batch %d/%d: %w", stats.Batches+1, totalBatches, err)
			}
			observability.RecordBatchCommitted(time.Since(commitStart))
		}

		stats.Batches++
		i.sink.ImportProgress(ctx, stats.RunID, float64(stats.Batches)/float64(totalBatches))
	}

	observability.RecordCandidates(stats.Accepted, stats.Skipped)
	return routing, nil
}

func (i *Importer) routeEligible(c domain.Candidate) bool {
	if c.Duration <= i.cfg.MinRouteDuration {
		return false
	}
	for _, kind := range i.cfg.RouteKinds {
		if c.Kind == kind {
			return true
		}
	}
	return false
}
