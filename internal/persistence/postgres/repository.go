// Package postgres provides the pgx-backed store for workouts and routes.
package postgres

import (
	"context"
	"errors"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/brettdup/trainstate/internal/domain"
)

const workoutColumns = `workout_id, remote_id, kind, started_at, duration_seconds, energy_kcal, distance_m, note, created_at, updated_at`

// Repository provides Postgres-backed persistence for workouts and their
// routes.
type Repository struct {
	pool *pgxpool.Pool
}

// NewRepository constructs a Repository.
func NewRepository(pool *pgxpool.Pool) *Repository {
	return &Repository{pool: pool}
}

// ListWorkouts returns every stored workout ordered most-recent-first. The
// importer rebuilds its duplicate index from this set once per run.
func (r *Repository) ListWorkouts(ctx context.Context) ([]domain.Workout, error) {
	const query = `SELECT ` + workoutColumns + ` FROM workouts ORDER BY started_at DESC, workout_id DESC`

	rows, err := r.pool.Query(ctx, query)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	return scanWorkouts(rows)
}

// SaveWorkouts commits a batch of workouts in one transaction, preserving
// slice order. An error leaves the store untouched by this batch.
func (r *Repository) SaveWorkouts(ctx context.Context, workouts []domain.Workout) error {
	if len(workouts) == 0 {
		return nil
	}

	tx, err := r.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return err
	}
	defer func() {
		if err != nil {
			tx.Rollback(ctx)
		}
	}()

	const stmt = `INSERT INTO workouts (` + workoutColumns + `)
        VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10)`

	for _, w := range workouts {
		_, err = tx.Exec(ctx, stmt,
			w.ID,
			nullIfEmpty(w.RemoteID),
			string(w.Kind),
			w.StartedAt,
			w.Duration.Seconds(),
			w.EnergyKcal,
			w.DistanceMeters,
			w.Note,
			w.CreatedAt,
			w.UpdatedAt,
		)
		if err != nil {
			return err
		}
	}

	err = tx.Commit(ctx)
	return err
}

// SaveRoute encodes and persists a route for the given workout. Each route
// commits on its own; there is no batching across workouts.
func (r *Repository) SaveRoute(ctx context.Context, workoutID string, points []domain.TrackPoint) error {
	const stmt = `INSERT INTO workout_routes (workout_id, point_count, payload, created_at)
        VALUES ($1,$2,$3,$4)`

	_, err := r.pool.Exec(ctx, stmt, workoutID, len(points), encodeRoute(points), time.Now().UTC())
	return err
}

// Get retrieves a workout by ID, returning nil when absent.
func (r *Repository) Get(ctx context.Context, workoutID string) (*domain.Workout, error) {
	const query = `SELECT ` + workoutColumns + ` FROM workouts WHERE workout_id=$1`

	row := r.pool.QueryRow(ctx, query, workoutID)
	w, err := scanWorkout(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}
	return &w, nil
}

// List returns workouts ordered most-recent-first with cursor pagination.
func (r *Repository) List(ctx context.Context, cursor *domain.Cursor, limit int) ([]domain.Workout, *domain.Cursor, error) {
	args := []interface{}{limit}
	query := `SELECT ` + workoutColumns + ` FROM workouts`

	if cursor != nil {
		query += ` WHERE (started_at, workout_id) < ($2, $3)`
		args = append(args, cursor.StartedAt, cursor.ID)
	}
	query += ` ORDER BY started_at DESC, workout_id DESC LIMIT $1`

	rows, err := r.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, nil, err
	}
	defer rows.Close()

	results, err := scanWorkouts(rows)
	if err != nil {
		return nil, nil, err
	}

	var nextCursor *domain.Cursor
	if len(results) == limit {
		last := results[len(results)-1]
		nextCursor = &domain.Cursor{StartedAt: last.StartedAt, ID: last.ID}
	}
	return results, nextCursor, nil
}

// GetRoute returns the decoded route for a workout, or nil when none is
// attached.
func (r *Repository) GetRoute(ctx context.Context, workoutID string) ([]domain.TrackPoint, error) {
	const query = `SELECT payload FROM workout_routes WHERE workout_id=$1`

	var payload []byte
	if err := r.pool.QueryRow(ctx, query, workoutID).Scan(&payload); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}
	return decodeRoute(payload)
}

// UpdateNote replaces the free-text note on a workout.
func (r *Repository) UpdateNote(ctx context.Context, workoutID, note string) error {
	const stmt = `UPDATE workouts SET note=$2, updated_at=$3 WHERE workout_id=$1`

	tag, err := r.pool.Exec(ctx, stmt, workoutID, note, time.Now().UTC())
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return domain.ErrWorkoutNotFound
	}
	return nil
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanWorkout(row rowScanner) (domain.Workout, error) {
	var (
		w        domain.Workout
		remoteID *string
		seconds  float64
	)
	err := row.Scan(&w.ID, &remoteID, &w.Kind, &w.StartedAt, &seconds, &w.EnergyKcal, &w.DistanceMeters, &w.Note, &w.CreatedAt, &w.UpdatedAt)
	if err != nil {
		return domain.Workout{}, err
	}
	if remoteID != nil {
		w.RemoteID = *remoteID
	}
	w.Duration = time.Duration(seconds * float64(time.Second))
	return w, nil
}

func scanWorkouts(rows pgx.Rows) ([]domain.Workout, error) {
	var results []domain.Workout
	for rows.Next() {
		w, err := scanWorkout(rows)
		if err != nil {
			return nil, err
		}
		results = append(results, w)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return results, nil
}

func nullIfEmpty(value string) interface{} {
	if value == "" {
		return nil
	}
	return value
}
