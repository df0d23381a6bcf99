package auth

// Known OAuth scopes used by the TrainState API.
const (
	ScopeWorkoutsRead  = "workouts:read"
	ScopeWorkoutsWrite = "workouts:write"
	ScopeImportsRun    = "imports:run"
)
