// Copyright 2025 Tom Barlow
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package memory provides the in-memory state store backend.
package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/archflow/archflow/internal/statestore"
	"github.com/archflow/archflow/pkg/engine"
	"github.com/archflow/archflow/pkg/errors"
)

// Compile-time interface assertions.
var (
	_ engine.StateStore = (*Store)(nil)
	_ statestore.Store  = (*Store)(nil)
)

// Store keeps run records and suspensions in maps. Safe for concurrent
// use; contents are lost on process exit.
type Store struct {
	mu          sync.RWMutex
	runs        map[string]engine.RunRecord
	suspensions map[string]engine.Suspension
}

// New creates an empty in-memory store.
func New() *Store {
	return &Store{
		runs:        make(map[string]engine.RunRecord),
		suspensions: make(map[string]engine.Suspension),
	}
}

// SaveRun inserts or replaces the run's record.
func (s *Store) SaveRun(_ context.Context, rec engine.RunRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.runs[rec.RunID] = rec
	return nil
}

// GetRun loads one run record.
func (s *Store) GetRun(_ context.Context, runID string) (engine.RunRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rec, ok := s.runs[runID]
	if !ok {
		return engine.RunRecord{}, &errors.NotFoundError{Resource: "run", ID: runID}
	}
	return rec, nil
}

// UpdateRunStatus records a status transition.
func (s *Store) UpdateRunStatus(_ context.Context, runID string, status engine.RunStatus) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, ok := s.runs[runID]
	if !ok {
		return &errors.NotFoundError{Resource: "run", ID: runID}
	}
	rec.Status = status
	s.runs[runID] = rec
	return nil
}

// ListRuns returns matching records, newest first.
func (s *Store) ListRuns(_ context.Context, filter statestore.RunFilter) ([]engine.RunRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	result := make([]engine.RunRecord, 0, len(s.runs))
	for _, rec := range s.runs {
		if filter.FlowID != "" && rec.FlowID != filter.FlowID {
			continue
		}
		if filter.Status != "" && rec.Status != filter.Status {
			continue
		}
		result = append(result, rec)
	}

	sort.Slice(result, func(i, j int) bool {
		if !result[i].StartedAt.Equal(result[j].StartedAt) {
			return result[i].StartedAt.After(result[j].StartedAt)
		}
		return result[i].RunID < result[j].RunID
	})

	if filter.Offset > 0 {
		if filter.Offset >= len(result) {
			return nil, nil
		}
		result = result[filter.Offset:]
	}
	if filter.Limit > 0 && len(result) > filter.Limit {
		result = result[:filter.Limit]
	}
	return result, nil
}

// SaveSuspension persists a suspension keyed by its resume token.
func (s *Store) SaveSuspension(_ context.Context, susp engine.Suspension) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.suspensions[susp.ResumeToken] = susp
	return nil
}

// GetSuspension loads the record for a resume token.
func (s *Store) GetSuspension(_ context.Context, token string) (engine.Suspension, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	susp, ok := s.suspensions[token]
	if !ok {
		return engine.Suspension{}, &errors.NotFoundError{Resource: "suspension", ID: token}
	}
	return susp, nil
}

// DeleteSuspension removes a consumed or expired record.
func (s *Store) DeleteSuspension(_ context.Context, token string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	delete(s.suspensions, token)
	return nil
}

// ExpireSuspensions removes suspensions past their expiry.
func (s *Store) ExpireSuspensions(_ context.Context, now time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	removed := 0
	for token, susp := range s.suspensions {
		if !susp.ExpiresAt.After(now) {
			delete(s.suspensions, token)
			removed++
		}
	}
	return removed, nil
}

// Close implements io.Closer; nothing to release.
func (s *Store) Close() error {
	return nil
}
