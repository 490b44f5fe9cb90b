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

// Package statestore persists run history and suspension records for
// the engine and the daemon API. Two backends exist: memory for tests
// and ephemeral deployments, sqlite for single-node durability.
package statestore

import (
	"context"
	"io"
	"time"

	"github.com/archflow/archflow/pkg/engine"
)

// Store is the full persistence surface. It extends the engine's
// StateStore with the read and housekeeping operations the daemon API
// serves: run lookup, filtered listing, and suspension expiry.
type Store interface {
	engine.StateStore

	// GetRun loads one run record. Missing runs return a NotFoundError.
	GetRun(ctx context.Context, runID string) (engine.RunRecord, error)

	// ListRuns returns records matching the filter, newest first.
	ListRuns(ctx context.Context, filter RunFilter) ([]engine.RunRecord, error)

	// ExpireSuspensions deletes suspensions whose ExpiresAt is at or
	// before now and reports how many were removed.
	ExpireSuspensions(ctx context.Context, now time.Time) (int, error)

	io.Closer
}

// RunFilter narrows ListRuns. Zero values match everything.
type RunFilter struct {
	// FlowID restricts to runs of one flow definition.
	FlowID string

	// Status restricts to one lifecycle state.
	Status engine.RunStatus

	// Limit caps the result count; zero means no cap.
	Limit int

	// Offset skips the newest records, for paging.
	Offset int
}
