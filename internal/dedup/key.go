// Package dedup detects near-duplicate workouts across independently
// authored datasets. Two records whose bucketed fingerprints match are
// treated as the same real-world event even when the providers disagree
// on the exact measurements.
package dedup

import (
	"time"

	"github.com/brettdup/trainstate/internal/domain"
)

// Buckets holds the granularities used to coarsen continuous values before
// comparison. Changing any of them changes dedup sensitivity for every
// previously imported record, so they are configuration, not tunables to
// adjust casually.
type Buckets struct {
	Start          time.Duration
	Duration       time.Duration
	EnergyKcal     float64
	DistanceMeters float64
}

// DefaultBuckets returns the granularities the pipeline ships with.
// The values are empirically chosen: tight enough to keep distinct short
// workouts apart in practice, loose enough to absorb provider measurement
// noise.
func DefaultBuckets() Buckets {
	return Buckets{
		Start:          15 * time.Second,
		Duration:       15 * time.Second,
		EnergyKcal:     25,
		DistanceMeters: 100,
	}
}

// Key is the bucketed equality fingerprint of a workout. Absent energy or
// distance is tracked separately from a zero measurement so a workout
// without a distance never collides with one recorded at 0 m.
type Key struct {
	Kind           domain.Kind
	StartBucket    int64
	DurationBucket int64
	EnergyBucket   int64
	HasEnergy      bool
	DistanceBucket int64
	HasDistance    bool
}

// KeyBuilder derives Keys from workout fields. It is a pure value type with
// no failure modes.
type KeyBuilder struct {
	buckets Buckets
}

// NewKeyBuilder constructs a KeyBuilder over the provided granularities.
func NewKeyBuilder(buckets Buckets) KeyBuilder {
	return KeyBuilder{buckets: buckets}
}

// Key derives the fingerprint for one record's fields.
func (b KeyBuilder) Key(kind domain.Kind, startedAt time.Time, duration time.Duration, energyKcal, distanceMeters *float64) Key {
	key := Key{
		Kind:           kind,
		StartBucket:    startedAt.Unix() / int64(b.buckets.Start/time.Second),
		DurationBucket: int64(duration/time.Second) / int64(b.buckets.Duration/time.Second),
	}
	if energyKcal != nil {
		key.HasEnergy = true
		key.EnergyBucket = int64(*energyKcal / b.buckets.EnergyKcal)
	}
	if distanceMeters != nil {
		key.HasDistance = true
		key.DistanceBucket = int64(*distanceMeters / b.buckets.DistanceMeters)
	}
	return key
}

// CandidateKey derives the fingerprint for a candidate read from the bridge.
func (b KeyBuilder) CandidateKey(c domain.Candidate) Key {
	return b.Key(c.Kind, c.StartedAt, c.Duration, c.EnergyKcal, c.DistanceMeters)
}

// WorkoutKey derives the fingerprint for an already stored workout.
func (b KeyBuilder) WorkoutKey(w domain.Workout) Key {
	return b.Key(w.Kind, w.StartedAt, w.Duration, w.EnergyKcal, w.DistanceMeters)
}
