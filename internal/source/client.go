// Package source reads workout candidates and raw trajectories from the
// health bridge, the HTTP sidecar that fronts the phone's health store.
package source

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"github.com/sony/gobreaker/v2"

	"github.com/brettdup/trainstate/internal/domain"
)

var (
	// ErrUnavailable wraps transport, status, and open-breaker failures.
	ErrUnavailable = errors.New("health bridge unavailable")
	// ErrTruncatedTrajectory is returned when a sample stream ends without
	// the terminating done marker.
	ErrTruncatedTrajectory = errors.New("trajectory stream truncated")
)

// Option configures optional behaviour for the Client.
type Option func(*Client)

// WithHTTPClient overrides the underlying HTTP client.
func WithHTTPClient(httpClient *http.Client) Option {
	return func(c *Client) {
		c.httpClient = httpClient
	}
}

// Client talks to the health bridge API. All requests pass through a shared
// circuit breaker so a dead bridge fails fast instead of stalling every
// import attempt on timeouts.
type Client struct {
	baseURL    string
	token      string
	httpClient *http.Client
	breaker    *gobreaker.CircuitBreaker[*http.Response]
}

// NewClient constructs a Client for the given base URL. The token, when
// non-empty, is sent as a bearer credential on every request.
func NewClient(baseURL, token string, opts ...Option) *Client {
	c := &Client{
		baseURL:    baseURL,
		token:      token,
		httpClient: &http.Client{Timeout: 30 * time.Second},
		breaker: gobreaker.NewCircuitBreaker[*http.Response](gobreaker.Settings{
			Name:    "health-bridge",
			Timeout: 30 * time.Second,
			ReadyToTrip: func(counts gobreaker.Counts) bool {
				return counts.ConsecutiveFailures >= 5
			},
		}),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

type candidatePayload struct {
	ID             string    `json:"id"`
	Kind           string    `json:"kind"`
	StartedAt      time.Time `json:"started_at"`
	DurationSecs   float64   `json:"duration_s"`
	EnergyKcal     *float64  `json:"energy_kcal"`
	DistanceMeters *float64  `json:"distance_m"`
}

// Workouts returns all candidates visible on the bridge, most recent first.
// The bridge guarantees the ordering; the importer depends on it for its
// first-seen-wins tie-break.
func (c *Client) Workouts(ctx context.Context) ([]domain.Candidate, error) {
	resp, err := c.get(ctx, "/v1/workouts", nil)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	var payload []candidatePayload
	if err := json.NewDecoder(resp.Body).Decode(&payload); err != nil {
		return nil, fmt.Errorf("decode workouts: %w", err)
	}

	candidates := make([]domain.Candidate, 0, len(payload))
	for _, p := range payload {
		candidates = append(candidates, domain.Candidate{
			RemoteID:       p.ID,
			Kind:           domain.Kind(p.Kind),
			StartedAt:      p.StartedAt.UTC(),
			Duration:       time.Duration(p.DurationSecs * float64(time.Second)),
			EnergyKcal:     p.EnergyKcal,
			DistanceMeters: p.DistanceMeters,
		})
	}
	return candidates, nil
}

type sampleLine struct {
	Done      bool      `json:"done"`
	Latitude  float64   `json:"lat"`
	Longitude float64   `json:"lon"`
	Time      time.Time `json:"t"`
}

// Trajectory streams the raw location samples recorded for one workout. The
// bridge delivers newline-delimited JSON terminated by a done marker; a
// stream that ends without the marker is reported as truncated so callers
// never persist a partial route unknowingly.
func (c *Client) Trajectory(ctx context.Context, remoteID string) ([]domain.TrackPoint, error) {
	resp, err := c.get(ctx, "/v1/workouts/"+url.PathEscape(remoteID)+"/samples", nil)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	var points []domain.TrackPoint
	dec := json.NewDecoder(resp.Body)
	for {
		var line sampleLine
		if err := dec.Decode(&line); err != nil {
			if errors.Is(err, io.EOF) {
				return nil, ErrTruncatedTrajectory
			}
			return nil, fmt.Errorf("decode sample: %w", err)
		}
		if line.Done {
			return points, nil
		}
		points = append(points, domain.TrackPoint{
			Latitude:  line.Latitude,
			Longitude: line.Longitude,
			Time:      line.Time.UTC(),
		})
	}
}

type headPayload struct {
	StartedAt time.Time `json:"started_at"`
}

// HasNewSince reports whether the bridge holds a workout started after the
// given watermark. It is the cheap pre-check the import gate consults before
// paying for a full run.
func (c *Client) HasNewSince(ctx context.Context, since time.Time) (bool, error) {
	resp, err := c.get(ctx, "/v1/workouts/head", nil)
	if err != nil {
		return false, err
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNoContent {
		return false, nil
	}

	var head headPayload
	if err := json.NewDecoder(resp.Body).Decode(&head); err != nil {
		return false, fmt.Errorf("decode head: %w", err)
	}
	return head.StartedAt.After(since), nil
}

func (c *Client) get(ctx context.Context, path string, query url.Values) (*http.Response, error) {
	endpoint := c.baseURL + path
	if len(query) > 0 {
		endpoint += "?" + query.Encode()
	}

	resp, err := c.breaker.Execute(func() (*http.Response, error) {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
		if err != nil {
			return nil, err
		}
		if c.token != "" {
			req.Header.Set("Authorization", "Bearer "+c.token)
		}

		resp, err := c.httpClient.Do(req)
		if err != nil {
			return nil, err
		}
		if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusNoContent {
			resp.Body.Close()
			return nil, fmt.Errorf("unexpected status %d", resp.StatusCode)
		}
		return resp, nil
	})
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	return resp, nil
}
