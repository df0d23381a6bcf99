package dedup

import "github.com/brettdup/trainstate/internal/domain"

// Index tracks which remote identities and fingerprints have already been
// accepted, either by a previous run (via Build) or earlier in the current
// one (via Insert). It is owned exclusively by the importer's evaluation
// loop; no concurrent access is permitted.
type Index struct {
	builder   KeyBuilder
	remoteIDs map[string]struct{}
	keys      map[Key]struct{}
}

// NewIndex constructs an empty Index using the provided bucket granularities.
func NewIndex(buckets Buckets) *Index {
	return &Index{
		builder:   NewKeyBuilder(buckets),
		remoteIDs: make(map[string]struct{}),
		keys:      make(map[Key]struct{}),
	}
}

// Build populates the index from all existing workouts in one linear pass.
// It must complete before any candidate is evaluated.
func (x *Index) Build(existing []domain.Workout) {
	for _, w := range existing {
		if w.RemoteID != "" {
			x.remoteIDs[w.RemoteID] = struct{}{}
		}
		x.keys[x.builder.WorkoutKey(w)] = struct{}{}
	}
}

// Contains reports whether the candidate matches a known remote identity or
// fingerprint.
func (x *Index) Contains(c domain.Candidate) bool {
	if _, ok := x.remoteIDs[c.RemoteID]; ok {
		return true
	}
	_, ok := x.keys[x.builder.CandidateKey(c)]
	return ok
}

// Insert records an accepted candidate so later candidates in the same run
// are checked against it.
func (x *Index) Insert(c domain.Candidate) {
	if c.RemoteID != "" {
		x.remoteIDs[c.RemoteID] = struct{}{}
	}
	x.keys[x.builder.CandidateKey(c)] = struct{}{}
}

// Size returns the number of distinct fingerprints tracked, for logging.
func (x *Index) Size() int {
	return len(x.keys)
}
