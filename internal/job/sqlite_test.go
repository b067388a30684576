package job

import (
	"context"
	"testing"
	"time"
)

func newTestHistory(t *testing.T) *HistoryStore {
	t.Helper()
	s, err := NewHistoryStore(":memory:")
	if err != nil {
		t.Fatalf("NewHistoryStore: %v", err)
	}
	t.Cleanup(func() { s.Close() }) //nolint:errcheck
	return s
}

func historySnapshot(id, companyID string) Snapshot {
	return Snapshot{
		ID:        id,
		CompanyID: companyID,
		Period:    "112025",
		Direction: DirectionBoth,
		Status:    StatusPending,
		Stage:     StageStart,
		CreatedAt: time.Now().UTC(),
	}
}

func TestHistory_InsertAndList(t *testing.T) {
	t.Parallel()
	s := newTestHistory(t)
	ctx := context.Background()

	for i, id := range []string{"r1", "r2", "r3"} {
		snap := historySnapshot(id, "e1")
		snap.CreatedAt = time.Now().UTC().Add(time.Duration(i) * time.Second)
		if err := s.Insert(ctx, snap); err != nil {
			t.Fatalf("Insert(%s): %v", id, err)
		}
	}
	other := historySnapshot("r4", "e2")
	if err := s.Insert(ctx, other); err != nil {
		t.Fatalf("Insert(r4): %v", err)
	}

	recs, total, err := s.List(ctx, "", 10, 0)
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if total != 4 || len(recs) != 4 {
		t.Errorf("List all = %d/%d, want 4/4", len(recs), total)
	}

	recs, total, err = s.List(ctx, "e1", 2, 0)
	if err != nil {
		t.Fatalf("List filtered: %v", err)
	}
	if total != 3 {
		t.Errorf("filtered total = %d, want 3", total)
	}
	if len(recs) != 2 {
		t.Errorf("filtered page = %d records, want 2", len(recs))
	}
	// Newest first.
	if recs[0].ID != "r3" {
		t.Errorf("first record = %s, want r3", recs[0].ID)
	}
}

func TestHistory_StartAndFinalize(t *testing.T) {
	t.Parallel()
	s := newTestHistory(t)
	ctx := context.Background()

	snap := historySnapshot("r1", "e1")
	if err := s.Insert(ctx, snap); err != nil {
		t.Fatalf("Insert: %v", err)
	}

	started := time.Now().UTC()
	if err := s.MarkStarted(ctx, "r1", started); err != nil {
		t.Fatalf("MarkStarted: %v", err)
	}

	finished := started.Add(time.Minute)
	snap.Status = StatusSucceeded
	snap.Stage = StageFinalize
	snap.Progress = 100
	snap.Message = "Execucao concluida com sucesso"
	snap.RowFailures = 2
	snap.FinishedAt = &finished
	if err := s.Finalize(ctx, snap); err != nil {
		t.Fatalf("Finalize: %v", err)
	}

	recs, _, err := s.List(ctx, "e1", 10, 0)
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	r := recs[0]
	if r.Status != StatusSucceeded || r.Progress != 100 || r.RowFailures != 2 {
		t.Errorf("record = %+v, want finalized values", r)
	}
	if r.StartedAt == nil || r.FinishedAt == nil {
		t.Error("timestamps not persisted")
	}
}

func TestHistory_MarkInterrupted(t *testing.T) {
	t.Parallel()
	s := newTestHistory(t)
	ctx := context.Background()

	pending := historySnapshot("r1", "e1")
	s.Insert(ctx, pending) //nolint:errcheck

	running := historySnapshot("r2", "e2")
	s.Insert(ctx, running)                               //nolint:errcheck
	s.MarkStarted(ctx, "r2", time.Now().UTC())           //nolint:errcheck

	done := historySnapshot("r3", "e3")
	s.Insert(ctx, done) //nolint:errcheck
	finished := time.Now().UTC()
	done.Status = StatusSucceeded
	done.FinishedAt = &finished
	s.Finalize(ctx, done) //nolint:errcheck

	ids, err := s.MarkInterrupted(ctx)
	if err != nil {
		t.Fatalf("MarkInterrupted: %v", err)
	}
	if len(ids) != 2 {
		t.Fatalf("interrupted = %v, want r1 and r2", ids)
	}

	recs, _, err := s.List(ctx, "", 10, 0)
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	for _, r := range recs {
		if r.ID == "r3" {
			if r.Status != StatusSucceeded {
				t.Errorf("finished run was rewritten: %+v", r)
			}
			continue
		}
		if r.Status != StatusFailed {
			t.Errorf("run %s status = %q, want %q", r.ID, r.Status, StatusFailed)
		}
		if r.FinishedAt == nil {
			t.Errorf("run %s missing finished_at", r.ID)
		}
	}

	// Second call finds nothing.
	ids, err = s.MarkInterrupted(ctx)
	if err != nil {
		t.Fatalf("second MarkInterrupted: %v", err)
	}
	if len(ids) != 0 {
		t.Errorf("second pass interrupted = %v, want none", ids)
	}
}

func TestHistory_DeleteTerminalBefore(t *testing.T) {
	t.Parallel()
	s := newTestHistory(t)
	ctx := context.Background()

	oldFinished := time.Now().UTC().Add(-48 * time.Hour)
	old := historySnapshot("r1", "e1")
	s.Insert(ctx, old) //nolint:errcheck
	old.Status = StatusSucceeded
	old.FinishedAt = &oldFinished
	s.Finalize(ctx, old) //nolint:errcheck

	fresh := historySnapshot("r2", "e2")
	s.Insert(ctx, fresh) //nolint:errcheck
	now := time.Now().UTC()
	fresh.Status = StatusFailed
	fresh.FinishedAt = &now
	s.Finalize(ctx, fresh) //nolint:errcheck

	active := historySnapshot("r3", "e3")
	s.Insert(ctx, active) //nolint:errcheck

	n, err := s.DeleteTerminalBefore(ctx, time.Now().UTC().Add(-24*time.Hour))
	if err != nil {
		t.Fatalf("DeleteTerminalBefore: %v", err)
	}
	if n != 1 {
		t.Errorf("deleted = %d, want 1", n)
	}

	_, total, err := s.List(ctx, "", 10, 0)
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if total != 2 {
		t.Errorf("remaining = %d, want 2", total)
	}
}
