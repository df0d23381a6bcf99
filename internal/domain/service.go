package domain

import (
	"context"
	"errors"
	"time"
)

var (
	// ErrWorkoutNotFound is returned when a workout cannot be located.
	ErrWorkoutNotFound = errors.New("workout not found")
	// ErrRouteNotFound is returned when a workout has no attached route.
	ErrRouteNotFound = errors.New("route not found")
)

// Cursor models the pagination token for workout listings.
type Cursor struct {
	StartedAt time.Time
	ID        string
}

// WorkoutRepository captures the persistence operations the query service needs.
type WorkoutRepository interface {
	Get(ctx context.Context, workoutID string) (*Workout, error)
	List(ctx context.Context, cursor *Cursor, limit int) ([]Workout, *Cursor, error)
	GetRoute(ctx context.Context, workoutID string) ([]TrackPoint, error)
	UpdateNote(ctx context.Context, workoutID, note string) error
}

// Service exposes read and light edit operations over stored workouts.
type Service struct {
	repo WorkoutRepository
}

// NewService constructs a Service.
func NewService(repo WorkoutRepository) *Service {
	return &Service{repo: repo}
}

// GetWorkout fetches a workout by ID.
func (s *Service) GetWorkout(ctx context.Context, workoutID string) (*Workout, error) {
	w, err := s.repo.Get(ctx, workoutID)
	if err != nil {
		return nil, err
	}
	if w == nil {
		return nil, ErrWorkoutNotFound
	}
	return w, nil
}

// ListWorkouts returns workouts ordered most-recent-first with cursor pagination.
func (s *Service) ListWorkouts(ctx context.Context, cursor *Cursor, limit int) ([]Workout, *Cursor, error) {
	return s.repo.List(ctx, cursor, limit)
}

// GetRoute returns the decoded route samples attached to a workout.
func (s *Service) GetRoute(ctx context.Context, workoutID string) ([]TrackPoint, error) {
	points, err := s.repo.GetRoute(ctx, workoutID)
	if err != nil {
		return nil, err
	}
	if points == nil {
		return nil, ErrRouteNotFound
	}
	return points, nil
}

// UpdateNote replaces the free-text note on a workout.
func (s *Service) UpdateNote(ctx context.Context, workoutID, note string) error {
	return s.repo.UpdateNote(ctx, workoutID, note)
}
