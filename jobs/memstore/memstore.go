// Package memstore keeps job records in process memory. It is the default
// persistence backend for single-node deployments and for tests.
package memstore

import (
	"context"
	"sync"

	"github.com/toolwire/toolwire/jobs"
)

// Store is an in-memory jobs.Persistence.
type Store struct {
	mu   sync.RWMutex
	byID map[string]jobs.Job
}

var _ jobs.Persistence = (*Store)(nil)

// New creates an empty store.
func New() *Store {
	return &Store{byID: make(map[string]jobs.Job)}
}

// Save upserts the record for job.ID.
func (s *Store) Save(_ context.Context, job jobs.Job) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.byID[job.ID] = job
	return nil
}

// Load returns the record for jobID, or jobs.ErrNotFound.
func (s *Store) Load(_ context.Context, jobID string) (jobs.Job, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	job, ok := s.byID[jobID]
	if !ok {
		return jobs.Job{}, jobs.ErrNotFound
	}
	return job, nil
}

// List returns every stored record in no particular order.
func (s *Store) List(_ context.Context) ([]jobs.Job, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]jobs.Job, 0, len(s.byID))
	for _, job := range s.byID {
		out = append(out, job)
	}
	return out, nil
}

// Delete removes the record for jobID. Deleting an absent record is not
// an error.
func (s *Store) Delete(_ context.Context, jobID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.byID, jobID)
	return nil
}

// Len reports the number of stored records.
func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.byID)
}
