package importer

import (
	"context"
	"errors"
	"log"
	"math"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/brettdup/trainstate/internal/domain"
	"github.com/brettdup/trainstate/internal/observability"
)

// RoutePair links an accepted workout to the remote identity its trajectory
// is fetched under.
type RoutePair struct {
	RemoteID  string
	WorkoutID string
}

// RouteScheduler attaches downsampled trajectories to newly imported
// workouts. Fetches within one batch run in parallel, batches run
// sequentially with a pause in between to keep peak memory and radio
// usage flat.
type RouteScheduler struct {
	store  Store
	source Source
	cfg    Config
	logger *log.Logger
}

func newRouteScheduler(store Store, source Source, cfg Config, logger *log.Logger) *RouteScheduler {
	return &RouteScheduler{store: store, source: source, cfg: cfg, logger: logger}
}

// Attach processes the routing subset and returns the attached and skipped
// counts. Fetch timeouts and decode failures downgrade to "no route" for
// that workout; they never fail the batch or the run. Each successful route
// commits on its own so one bad record cannot lose unrelated successes.
func (s *RouteScheduler) Attach(ctx context.Context, pairs []RoutePair) (attached, skipped int) {
	var attachedCount, skippedCount atomic.Int64

	for start := 0; start < len(pairs); start += s.cfg.RouteBatchSize {
		if ctx.Err() != nil {
			// Abandoned fetches count as skipped so the run stats add up.
			skippedCount.Add(int64(len(pairs) - start))
			break
		}

		end := min(start+s.cfg.RouteBatchSize, len(pairs))

		var group errgroup.Group
		for _, pair := range pairs[start:end] {
			group.Go(func() error {
				if s.attachOne(ctx, pair) {
					attachedCount.Add(1)
				} else {
					skippedCount.Add(1)
				}
				return nil
			})
		}
		_ = group.Wait()

		if end < len(pairs) {
			select {
			case <-ctx.Done():
			case <-time.After(s.cfg.RoutePause):
			}
		}
	}

	return int(attachedCount.Load()), int(skippedCount.Load())
}

func (s *RouteScheduler) attachOne(ctx context.Context, pair RoutePair) bool {
	fetchCtx, cancel := context.WithTimeout(ctx, s.cfg.RouteFetchTimeout)
	points, err := s.source.Trajectory(fetchCtx, pair.RemoteID)
	cancel()
	if err != nil {
		reason := "fetch"
		switch {
		case errors.Is(fetchCtx.Err(), context.DeadlineExceeded):
			reason = "timeout"
		case fetchCtx.Err() != nil:
			reason = "canceled"
		}
		s.logger.Printf("route %s: %s failed, continuing without route: %v", pair.RemoteID, reason, err)
		observability.RecordRouteSkipped(reason)
		return false
	}

	points = sanitizePoints(points)
	if len(points) == 0 {
		observability.RecordRouteSkipped("empty")
		return false
	}
	points = downsamplePoints(points, s.cfg.MaxRoutePoints)

	if err := s.store.SaveRoute(ctx, pair.WorkoutID, points); err != nil {
		s.logger.Printf("route %s: save failed: %v", pair.RemoteID, err)
		observability.RecordRouteSkipped("save")
		return false
	}
	observability.RecordRouteAttached(len(points))
	return true
}

// sanitizePoints drops degenerate samples: non-finite coordinates and the
// (0,0) null-island fixes some providers emit while acquiring signal.
func sanitizePoints(points []domain.TrackPoint) []domain.TrackPoint {
	out := points[:0]
	for _, p := range points {
		if math.IsNaN(p.Latitude) || math.IsInf(p.Latitude, 0) ||
			math.IsNaN(p.Longitude) || math.IsInf(p.Longitude, 0) {
			continue
		}
		if p.Latitude == 0 && p.Longitude == 0 {
			continue
		}
		out = append(out, p)
	}
	return out
}

// downsamplePoints reduces a trajectory to at most maxPoints samples by
// uniform stride selection. The first and last samples are always preserved.
func downsamplePoints(points []domain.TrackPoint, maxPoints int) []domain.TrackPoint {
	if maxPoints <= 0 || len(points) <= maxPoints {
		return points
	}
	if maxPoints == 1 {
		return points[:1]
	}

	out := make([]domain.TrackPoint, maxPoints)
	last := len(points) - 1
	for i := 0; i < maxPoints; i++ {
		out[i] = points[i*last/(maxPoints-1)]
	}
	return out
}
