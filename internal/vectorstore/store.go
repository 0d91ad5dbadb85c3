package vectorstore

import (
	"math"
	"sync"
)

// Store is an in-memory cache of embedding vectors, one per user and one per
// job. Writes replace the whole vector for an entity (last write wins);
// readers always see either the old vector or the new one, never a mix.
type Store struct {
	mu    sync.RWMutex
	users map[string][]float64
	jobs  map[string][]float64
}

// New creates an empty Store.
func New() *Store {
	return &Store{
		users: make(map[string][]float64),
		jobs:  make(map[string][]float64),
	}
}

// PutUser stores a copy of the vector for the given user.
func (s *Store) PutUser(userID string, vec []float64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.users[userID] = cloneVector(vec)
}

// PutJob stores a copy of the vector for the given job.
func (s *Store) PutJob(jobID string, vec []float64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.jobs[jobID] = cloneVector(vec)
}

// User returns the cached vector for a user. The returned slice must not be
// mutated by the caller.
func (s *Store) User(userID string) ([]float64, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	vec, ok := s.users[userID]
	return vec, ok
}

// Job returns the cached vector for a job. The returned slice must not be
// mutated by the caller.
func (s *Store) Job(jobID string) ([]float64, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	vec, ok := s.jobs[jobID]
	return vec, ok
}

// DropUser removes the cached vector for a user, forcing a refresh on the
// next ranking request.
func (s *Store) DropUser(userID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.users, userID)
}

// DropJob removes the cached vector for a job.
func (s *Store) DropJob(jobID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.jobs, jobID)
}

func cloneVector(vec []float64) []float64 {
	out := make([]float64, len(vec))
	copy(out, vec)
	return out
}

// CosineSimilarity computes the cosine of the angle between two vectors.
// Returns 0 when either vector is empty, zero, or the dimensions differ.
func CosineSimilarity(a, b []float64) float64 {
	if len(a) == 0 || len(a) != len(b) {
		return 0
	}

	var dot, normA, normB float64
	for i := range a {
		dot += a[i] * b[i]
		normA += a[i] * a[i]
		normB += b[i] * b[i]
	}

	if normA == 0 || normB == 0 {
		return 0
	}

	return dot / (math.Sqrt(normA) * math.Sqrt(normB))
}
