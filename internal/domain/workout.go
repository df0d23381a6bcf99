// Package domain defines the workout records managed by TrainState and the
// queries exposed over them.
package domain

import (
	"time"

	"github.com/google/uuid"
)

// Kind classifies a workout by activity type. Values mirror the upstream
// bridge vocabulary so candidates map one-to-one.
type Kind string

const (
	KindRunning  Kind = "running"
	KindCycling  Kind = "cycling"
	KindWalking  Kind = "walking"
	KindHiking   Kind = "hiking"
	KindSwimming Kind = "swimming"
	KindStrength Kind = "strength"
	KindYoga     Kind = "yoga"
	KindOther    Kind = "other"
)

// Candidate is a workout read from the health bridge during an import run.
// It is immutable once fetched and lives only for the duration of the run.
type Candidate struct {
	RemoteID       string
	Kind           Kind
	StartedAt      time.Time
	Duration       time.Duration
	EnergyKcal     *float64
	DistanceMeters *float64
}

// Workout is the locally persisted record. RemoteID is empty for workouts
// created by hand and carries the candidate's identity for imported ones.
type Workout struct {
	ID             string
	RemoteID       string
	Kind           Kind
	StartedAt      time.Time
	Duration       time.Duration
	EnergyKcal     *float64
	DistanceMeters *float64
	Note           string
	CreatedAt      time.Time
	UpdatedAt      time.Time
}

// TrackPoint is one geographic sample of a workout route.
type TrackPoint struct {
	Latitude  float64   `json:"lat"`
	Longitude float64   `json:"lon"`
	Time      time.Time `json:"t"`
}

// NewWorkoutFromCandidate converts an accepted candidate into a local record.
func NewWorkoutFromCandidate(c Candidate, now time.Time) Workout {
	return Workout{
		ID:             uuid.NewString(),
		RemoteID:       c.RemoteID,
		Kind:           c.Kind,
		StartedAt:      c.StartedAt.UTC(),
		Duration:       c.Duration,
		EnergyKcal:     c.EnergyKcal,
		DistanceMeters: c.DistanceMeters,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
}
