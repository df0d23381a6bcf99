// Package events publishes import lifecycle signals to Kafka for the app
// frontends. The payloads are transient UI signals, not replayable domain
// facts, so they go straight to the broker without an outbox.
package events

import "time"

// Event types carried in the event_type message header.
const (
	TypeImportProgress = "import.progress"
	TypeRoutingStarted = "import.routing_started"
	TypeImportComplete = "import.completed"
)

// ImportProgress reports the committed-batch fraction of a running import.
type ImportProgress struct {
	RunID      string    `json:"run_id"`
	Fraction   float64   `json:"fraction"`
	OccurredAt time.Time `json:"occurred_at"`
}

// RoutingStarted fires once per run when route attachment begins.
type RoutingStarted struct {
	RunID      string    `json:"run_id"`
	Eligible   int       `json:"eligible"`
	OccurredAt time.Time `json:"occurred_at"`
}

// ImportComplete is the terminal signal of a run, success or failure.
type ImportComplete struct {
	RunID          string    `json:"run_id"`
	Candidates     int       `json:"candidates"`
	Accepted       int       `json:"accepted"`
	Skipped        int       `json:"skipped"`
	RoutesAttached int       `json:"routes_attached"`
	Failed         bool      `json:"failed"`
	Error          string    `json:"error,omitempty"`
	StartedAt      time.Time `json:"started_at"`
	FinishedAt     time.Time `json:"finished_at"`
}
