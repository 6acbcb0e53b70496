package db_test

import (
	"errors"
	"testing"
	"time"

	"github.com/g960059/neurolink/internal/db"
	"github.com/g960059/neurolink/internal/model"
	"github.com/g960059/neurolink/internal/testutil"
)

func TestInsertSessionRejectsLiveDuplicate(t *testing.T) {
	store, ctx := testutil.NewStore(t)
	rec := model.SessionRecord{SessionID: "s1", ChannelLabels: []string{"C3", "Cz", "C4"}, SamplingRate: 250}
	if err := store.InsertSession(ctx, rec); err != nil {
		t.Fatalf("insert session: %v", err)
	}
	if err := store.InsertSession(ctx, rec); !errors.Is(err, db.ErrDuplicate) {
		t.Fatalf("expected ErrDuplicate, got %v", err)
	}

	got, err := store.GetSession(ctx, "s1")
	if err != nil {
		t.Fatalf("get session: %v", err)
	}
	if got.Phase != model.PhaseUnstarted || len(got.ChannelLabels) != 3 || got.ChannelLabels[1] != "Cz" || got.SamplingRate != 250 {
		t.Fatalf("unexpected session row %+v", got)
	}
	if got.EndedAt != nil {
		t.Fatalf("live session must not have ended_at")
	}
}

func TestSessionLifecycleAndReuse(t *testing.T) {
	store, ctx := testutil.NewStore(t)
	now := time.Now().UTC()
	if err := store.InsertSession(ctx, model.SessionRecord{SessionID: "s1", ChannelLabels: []string{"C3"}, SamplingRate: 200, CreatedAt: now}); err != nil {
		t.Fatalf("insert: %v", err)
	}
	if err := store.UpdateSessionPhase(ctx, "s1", model.PhaseCalibration, now); err != nil {
		t.Fatalf("update phase: %v", err)
	}
	if err := store.UpsertTrainingRun(ctx, model.TrainingRecord{SessionID: "s1", RunID: "r1", Status: model.TrainingCompleted, Algorithm: "a"}); err != nil {
		t.Fatalf("upsert run: %v", err)
	}

	endedAt := now.Add(time.Minute)
	end := model.SessionRecord{SessionID: "s1", FinalPhase: model.PhaseCalibration, SamplesAccepted: 400, SamplesDropped: 3, LabelsEmitted: 0, EndedAt: &endedAt}
	if err := store.EndSession(ctx, end); err != nil {
		t.Fatalf("end: %v", err)
	}
	if err := store.EndSession(ctx, end); !errors.Is(err, db.ErrNotFound) {
		t.Fatalf("second end should be ErrNotFound, got %v", err)
	}
	if err := store.UpdateSessionPhase(ctx, "s1", model.PhaseTraining, now); !errors.Is(err, db.ErrNotFound) {
		t.Fatalf("phase update on ended row should be ErrNotFound, got %v", err)
	}

	got, err := store.GetSession(ctx, "s1")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.Phase != model.PhaseEnded || got.FinalPhase != model.PhaseCalibration || got.SamplesAccepted != 400 || got.SamplesDropped != 3 {
		t.Fatalf("ended row = %+v", got)
	}
	if got.EndedAt == nil || !got.EndedAt.Equal(endedAt) {
		t.Fatalf("ended_at = %v, want %v", got.EndedAt, endedAt)
	}

	// An ended id can start over; its stale training run is cleared.
	if err := store.InsertSession(ctx, model.SessionRecord{SessionID: "s1", ChannelLabels: []string{"O1", "O2"}, SamplingRate: 500}); err != nil {
		t.Fatalf("reuse ended id: %v", err)
	}
	if _, err := store.GetTrainingRun(ctx, "s1"); !errors.Is(err, db.ErrNotFound) {
		t.Fatalf("stale training run should be cleared, got %v", err)
	}
	got, _ = store.GetSession(ctx, "s1")
	if got.Phase != model.PhaseUnstarted || got.SamplesAccepted != 0 || got.EndedAt != nil || got.SamplingRate != 500 {
		t.Fatalf("reused row = %+v", got)
	}
}

func TestListSessionsFilters(t *testing.T) {
	store, ctx := testutil.NewStore(t)
	base := time.Now().UTC()
	for i, id := range []string{"a", "b", "c"} {
		rec := model.SessionRecord{SessionID: id, ChannelLabels: []string{"C3"}, SamplingRate: 200, CreatedAt: base.Add(time.Duration(i) * time.Second)}
		if err := store.InsertSession(ctx, rec); err != nil {
			t.Fatalf("insert %s: %v", id, err)
		}
	}
	_ = store.UpdateSessionPhase(ctx, "b", model.PhaseClassification, base)
	_ = store.EndSession(ctx, model.SessionRecord{SessionID: "c", FinalPhase: model.PhaseClassification})

	all, err := store.ListSessions(ctx, db.SessionFilter{IncludeLive: true, IncludeEnded: true})
	if err != nil {
		t.Fatalf("list all: %v", err)
	}
	if len(all) != 3 || all[0].SessionID != "c" {
		t.Fatalf("list all = %+v", all)
	}

	live, _ := store.ListSessions(ctx, db.SessionFilter{IncludeLive: true})
	if len(live) != 2 {
		t.Fatalf("live = %d, want 2", len(live))
	}
	ended, _ := store.ListSessions(ctx, db.SessionFilter{IncludeEnded: true})
	if len(ended) != 1 || ended[0].SessionID != "c" {
		t.Fatalf("ended = %+v", ended)
	}
	byPhase, _ := store.ListSessions(ctx, db.SessionFilter{Phase: model.PhaseClassification, IncludeLive: true, IncludeEnded: true})
	if len(byPhase) != 2 {
		t.Fatalf("classification filter should match live b and ended c, got %d", len(byPhase))
	}
	byID, _ := store.ListSessions(ctx, db.SessionFilter{SessionID: "a", IncludeLive: true, IncludeEnded: true})
	if len(byID) != 1 || byID[0].SessionID != "a" {
		t.Fatalf("id filter = %+v", byID)
	}
	limited, _ := store.ListSessions(ctx, db.SessionFilter{IncludeLive: true, IncludeEnded: true, Limit: 1})
	if len(limited) != 1 {
		t.Fatalf("limit ignored: %d rows", len(limited))
	}
}

func TestUpsertTrainingRunNeverRegresses(t *testing.T) {
	store, ctx := testutil.NewStore(t)
	if err := store.InsertSession(ctx, model.SessionRecord{SessionID: "s1", ChannelLabels: []string{"C3"}, SamplingRate: 200}); err != nil {
		t.Fatalf("insert: %v", err)
	}
	steps := []struct {
		status model.TrainingStatus
		want   model.TrainingStatus
	}{
		{model.TrainingInProgress, model.TrainingInProgress},
		{model.TrainingPending, model.TrainingInProgress},
		{model.TrainingFailed, model.TrainingFailed},
		{model.TrainingCompleted, model.TrainingFailed},
		{model.TrainingInProgress, model.TrainingFailed},
	}
	for i, step := range steps {
		msg := ""
		if step.status == model.TrainingFailed {
			msg = "fit diverged"
		}
		if err := store.UpsertTrainingRun(ctx, model.TrainingRecord{SessionID: "s1", RunID: "r1", Status: step.status, Algorithm: "a", Message: msg}); err != nil {
			t.Fatalf("step %d upsert: %v", i, err)
		}
		got, err := store.GetTrainingRun(ctx, "s1")
		if err != nil {
			t.Fatalf("step %d get: %v", i, err)
		}
		if got.Status != step.want {
			t.Fatalf("step %d status = %s, want %s", i, got.Status, step.want)
		}
	}
	got, _ := store.GetTrainingRun(ctx, "s1")
	if got.Message != "fit diverged" {
		t.Fatalf("failure message lost: %q", got.Message)
	}

	// A new run id replaces the terminal row.
	if err := store.UpsertTrainingRun(ctx, model.TrainingRecord{SessionID: "s1", RunID: "r2", Status: model.TrainingPending, Algorithm: "a"}); err != nil {
		t.Fatalf("new run: %v", err)
	}
	got, _ = store.GetTrainingRun(ctx, "s1")
	if got.RunID != "r2" || got.Status != model.TrainingPending {
		t.Fatalf("new run row = %+v", got)
	}

	if err := store.UpsertTrainingRun(ctx, model.TrainingRecord{SessionID: "ghost", RunID: "r", Status: model.TrainingPending}); !errors.Is(err, db.ErrNotFound) {
		t.Fatalf("run for unknown session should be ErrNotFound, got %v", err)
	}
}

func TestPurgeEndedSessionsAndOrphans(t *testing.T) {
	store, ctx := testutil.NewStore(t)
	old := time.Now().UTC().Add(-48 * time.Hour)
	for _, id := range []string{"old", "recent", "live"} {
		if err := store.InsertSession(ctx, model.SessionRecord{SessionID: id, ChannelLabels: []string{"C3"}, SamplingRate: 200}); err != nil {
			t.Fatalf("insert %s: %v", id, err)
		}
	}
	_ = store.UpsertTrainingRun(ctx, model.TrainingRecord{SessionID: "old", RunID: "r", Status: model.TrainingCompleted, Algorithm: "a"})
	_ = store.EndSession(ctx, model.SessionRecord{SessionID: "old", EndedAt: &old})
	_ = store.EndSession(ctx, model.SessionRecord{SessionID: "recent"})

	n, err := store.PurgeEndedSessions(ctx, time.Now().UTC().Add(-24*time.Hour))
	if err != nil {
		t.Fatalf("purge: %v", err)
	}
	if n != 1 {
		t.Fatalf("purged %d rows, want 1", n)
	}
	if _, err := store.GetSession(ctx, "old"); !errors.Is(err, db.ErrNotFound) {
		t.Fatalf("old session should be gone, got %v", err)
	}
	if count, _ := store.CountRows(ctx, "training_runs"); count != 0 {
		t.Fatalf("training run should cascade, count=%d", count)
	}

	orphans, err := store.MarkOrphanedSessionsEnded(ctx, time.Now().UTC())
	if err != nil {
		t.Fatalf("mark orphans: %v", err)
	}
	if orphans != 1 {
		t.Fatalf("orphans = %d, want 1", orphans)
	}
	got, _ := store.GetSession(ctx, "live")
	if got.Phase != model.PhaseEnded || got.FinalPhase != model.PhaseUnstarted || got.EndedAt == nil {
		t.Fatalf("orphan row = %+v", got)
	}
}
