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

package memory

import (
	"context"
	stderrors "errors"
	"testing"
	"time"

	"github.com/archflow/archflow/internal/statestore"
	"github.com/archflow/archflow/pkg/engine"
	"github.com/archflow/archflow/pkg/errors"
)

func TestRunLifecycle(t *testing.T) {
	store := New()
	ctx := context.Background()
	started := time.Date(2026, 8, 25, 10, 0, 0, 0, time.UTC)

	rec := engine.RunRecord{
		RunID:     "run-1",
		FlowID:    "deploy",
		Status:    engine.RunStatusRunning,
		StartedAt: started,
	}
	if err := store.SaveRun(ctx, rec); err != nil {
		t.Fatalf("SaveRun() error = %v", err)
	}

	got, err := store.GetRun(ctx, "run-1")
	if err != nil {
		t.Fatalf("GetRun() error = %v", err)
	}
	if got.FlowID != "deploy" || got.Status != engine.RunStatusRunning {
		t.Errorf("GetRun() = %+v, want saved record", got)
	}

	if err := store.UpdateRunStatus(ctx, "run-1", engine.RunStatusSuspended); err != nil {
		t.Fatalf("UpdateRunStatus() error = %v", err)
	}
	got, err = store.GetRun(ctx, "run-1")
	if err != nil {
		t.Fatalf("GetRun() error = %v", err)
	}
	if got.Status != engine.RunStatusSuspended {
		t.Errorf("status after update = %v, want suspended", got.Status)
	}

	// A terminal SaveRun replaces the record wholesale.
	rec.Status = engine.RunStatusCompleted
	rec.CompletedAt = started.Add(2 * time.Second)
	if err := store.SaveRun(ctx, rec); err != nil {
		t.Fatalf("SaveRun() error = %v", err)
	}
	got, err = store.GetRun(ctx, "run-1")
	if err != nil {
		t.Fatalf("GetRun() error = %v", err)
	}
	if got.Status != engine.RunStatusCompleted || got.CompletedAt.IsZero() {
		t.Errorf("terminal record = %+v, want completed with CompletedAt", got)
	}
}

func TestGetRunNotFound(t *testing.T) {
	store := New()

	_, err := store.GetRun(context.Background(), "missing")
	if err == nil {
		t.Fatal("GetRun() expected error, got nil")
	}
	var nfe *errors.NotFoundError
	if !stderrors.As(err, &nfe) {
		t.Fatalf("GetRun() error = %T, want *errors.NotFoundError", err)
	}

	if err := store.UpdateRunStatus(context.Background(), "missing", engine.RunStatusFailed); err == nil {
		t.Fatal("UpdateRunStatus() expected error, got nil")
	}
}

func TestListRuns(t *testing.T) {
	store := New()
	ctx := context.Background()
	base := time.Date(2026, 8, 25, 10, 0, 0, 0, time.UTC)

	seed := []engine.RunRecord{
		{RunID: "run-a", FlowID: "deploy", Status: engine.RunStatusCompleted, StartedAt: base},
		{RunID: "run-b", FlowID: "deploy", Status: engine.RunStatusFailed, StartedAt: base.Add(time.Minute)},
		{RunID: "run-c", FlowID: "triage", Status: engine.RunStatusCompleted, StartedAt: base.Add(2 * time.Minute)},
		{RunID: "run-d", FlowID: "triage", Status: engine.RunStatusRunning, StartedAt: base.Add(3 * time.Minute)},
	}
	for _, rec := range seed {
		if err := store.SaveRun(ctx, rec); err != nil {
			t.Fatalf("SaveRun() error = %v", err)
		}
	}

	tests := []struct {
		name   string
		filter statestore.RunFilter
		want   []string
	}{
		{
			name:   "all newest first",
			filter: statestore.RunFilter{},
			want:   []string{"run-d", "run-c", "run-b", "run-a"},
		},
		{
			name:   "by flow",
			filter: statestore.RunFilter{FlowID: "deploy"},
			want:   []string{"run-b", "run-a"},
		},
		{
			name:   "by status",
			filter: statestore.RunFilter{Status: engine.RunStatusCompleted},
			want:   []string{"run-c", "run-a"},
		},
		{
			name:   "flow and status",
			filter: statestore.RunFilter{FlowID: "triage", Status: engine.RunStatusRunning},
			want:   []string{"run-d"},
		},
		{
			name:   "limit",
			filter: statestore.RunFilter{Limit: 2},
			want:   []string{"run-d", "run-c"},
		},
		{
			name:   "offset",
			filter: statestore.RunFilter{Offset: 1, Limit: 2},
			want:   []string{"run-c", "run-b"},
		},
		{
			name:   "offset past end",
			filter: statestore.RunFilter{Offset: 10},
			want:   nil,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := store.ListRuns(ctx, tt.filter)
			if err != nil {
				t.Fatalf("ListRuns() error = %v", err)
			}
			if len(got) != len(tt.want) {
				t.Fatalf("ListRuns() returned %d records, want %d", len(got), len(tt.want))
			}
			for i, rec := range got {
				if rec.RunID != tt.want[i] {
					t.Errorf("ListRuns()[%d] = %s, want %s", i, rec.RunID, tt.want[i])
				}
			}
		})
	}
}

func TestSuspensionLifecycle(t *testing.T) {
	store := New()
	ctx := context.Background()
	now := time.Date(2026, 8, 25, 10, 0, 0, 0, time.UTC)

	susp := engine.Suspension{
		RunID:           "run-1",
		FlowID:          "approval",
		ResumeToken:     "tok-1",
		GraphCursor:     "ask",
		ContextSnapshot: map[string]any{"ticket": "T-17"},
		Reason:          "needs approval",
		CreatedAt:       now,
		ExpiresAt:       now.Add(time.Hour),
	}
	if err := store.SaveSuspension(ctx, susp); err != nil {
		t.Fatalf("SaveSuspension() error = %v", err)
	}

	got, err := store.GetSuspension(ctx, "tok-1")
	if err != nil {
		t.Fatalf("GetSuspension() error = %v", err)
	}
	if got.GraphCursor != "ask" || got.ContextSnapshot["ticket"] != "T-17" {
		t.Errorf("GetSuspension() = %+v, want saved record", got)
	}

	if err := store.DeleteSuspension(ctx, "tok-1"); err != nil {
		t.Fatalf("DeleteSuspension() error = %v", err)
	}
	if _, err := store.GetSuspension(ctx, "tok-1"); err == nil {
		t.Fatal("GetSuspension() after delete expected error, got nil")
	}

	// Deleting an absent token is not an error.
	if err := store.DeleteSuspension(ctx, "tok-1"); err != nil {
		t.Errorf("DeleteSuspension() second call error = %v", err)
	}
}

func TestExpireSuspensions(t *testing.T) {
	store := New()
	ctx := context.Background()
	now := time.Date(2026, 8, 25, 10, 0, 0, 0, time.UTC)

	seed := []engine.Suspension{
		{ResumeToken: "past", RunID: "r1", FlowID: "f", GraphCursor: "s", CreatedAt: now.Add(-2 * time.Hour), ExpiresAt: now.Add(-time.Hour)},
		{ResumeToken: "boundary", RunID: "r2", FlowID: "f", GraphCursor: "s", CreatedAt: now.Add(-time.Hour), ExpiresAt: now},
		{ResumeToken: "future", RunID: "r3", FlowID: "f", GraphCursor: "s", CreatedAt: now, ExpiresAt: now.Add(time.Hour)},
	}
	for _, susp := range seed {
		if err := store.SaveSuspension(ctx, susp); err != nil {
			t.Fatalf("SaveSuspension() error = %v", err)
		}
	}

	removed, err := store.ExpireSuspensions(ctx, now)
	if err != nil {
		t.Fatalf("ExpireSuspensions() error = %v", err)
	}
	if removed != 2 {
		t.Errorf("ExpireSuspensions() = %d, want 2 (past and boundary)", removed)
	}

	if _, err := store.GetSuspension(ctx, "future"); err != nil {
		t.Errorf("future suspension removed: %v", err)
	}
	if _, err := store.GetSuspension(ctx, "past"); err == nil {
		t.Error("past suspension survived expiry")
	}
}
