package session

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/g960059/neurolink/internal/artifact"
	"github.com/g960059/neurolink/internal/db"
	"github.com/g960059/neurolink/internal/model"
	"github.com/g960059/neurolink/internal/protocol"
	"github.com/g960059/neurolink/internal/testutil"
	"github.com/g960059/neurolink/internal/training"
	"github.com/g960059/neurolink/internal/training/csp"
)

const (
	testRate     = 200.0
	testChannels = 8
	referenceKey = "source_domain"
)

type harness struct {
	mgr    *Manager
	orch   *training.Orchestrator
	store  *artifact.LocalStore
	ledger *db.Store
	pub    *recordingPublisher
}

type recordingPublisher struct {
	labels []model.Label
}

func (p *recordingPublisher) PublishLabels(ctx context.Context, sessionID string, labels []model.Label) {
	p.labels = append(p.labels, labels...)
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	ledger, ctx := testutil.NewStore(t)
	store, err := artifact.NewLocalStore(t.TempDir())
	if err != nil {
		t.Fatalf("local store: %v", err)
	}
	if err := training.SaveReference(ctx, store, referenceKey, training.Dataset{Name: "empty"}); err != nil {
		t.Fatalf("save reference: %v", err)
	}
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	orch := training.New(csp.NewFitter(), store, training.Options{
		Workers:      2,
		Timeout:      10 * time.Second,
		ReferenceKey: referenceKey,
		Ledger:       ledger,
		Logger:       logger,
	})
	t.Cleanup(orch.Wait)
	pub := &recordingPublisher{}
	mgr := NewManager(orch, store, Options{
		Settings:  Settings{EpochSeconds: 1, PreMargin: 0, OverlapRatio: 0},
		Ledger:    ledger,
		Publisher: pub,
		Logger:    logger,
	})
	orch.OnResult(mgr.HandleTrainingResult)
	return &harness{mgr: mgr, orch: orch, store: store, ledger: ledger, pub: pub}
}

func testInfo() model.SessionInfo {
	return model.SessionInfo{ChannelLabels: testutil.ChannelLabels(testChannels), SamplingRate: testRate}
}

// motorImagery makes channel 0 loud during "left" cues and channel 1 during
// "right" cues of the default protocol.
func motorImagery(t float64) int {
	if t < 2 {
		return -1
	}
	if int((t-2)/2)%2 == 0 {
		return 0
	}
	return 1
}

func feed(t *testing.T, s *Session, start, total, step int, loud func(float64) int) []ChunkResult {
	t.Helper()
	var out []ChunkResult
	for i := start; i < start+total; i += step {
		n := step
		if i+n > start+total {
			n = start + total - i
		}
		res, err := s.HandleChunk(context.Background(), testutil.SyntheticChunk(i, n, testChannels, testRate, loud))
		if err != nil {
			t.Fatalf("chunk at %d: %v", i, err)
		}
		out = append(out, res)
	}
	return out
}

func waitPhase(t *testing.T, s *Session, want model.Phase) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if s.Phase() == want {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("session %s stuck in %s, want %s", s.ID(), s.Phase(), want)
}

func TestSessionHappyPath(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	s, err := h.mgr.Create(ctx, "alice", testInfo())
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	start, err := s.StartCalibration(ctx, protocol.Default())
	if err != nil {
		t.Fatalf("start calibration: %v", err)
	}
	if start.DurationSeconds != 10 {
		t.Fatalf("duration = %v, want 10", start.DurationSeconds)
	}

	results := feed(t, s, 0, 2000, 100, motorImagery)
	last := results[len(results)-1]
	if last.Phase != model.PhaseTraining {
		t.Fatalf("phase after last calibration chunk = %s, want TRAINING", last.Phase)
	}
	for _, r := range results[:len(results)-1] {
		if r.Phase != model.PhaseCalibration {
			t.Fatalf("calibration left early: %+v", r)
		}
	}
	waitPhase(t, s, model.PhaseClassification)

	if _, err := h.store.Load(ctx, model.ModelKey("alice")); err != nil {
		t.Fatalf("model artifact missing: %v", err)
	}
	if _, err := h.store.Load(ctx, model.CalibrationRawKey("alice")); err != nil {
		t.Fatalf("raw capture missing: %v", err)
	}

	left := func(float64) int { return 0 }
	results = feed(t, s, 2000, 200, 100, left)
	var labels []model.Label
	for _, r := range results {
		labels = append(labels, r.Labels...)
	}
	if len(labels) != 1 {
		t.Fatalf("labels = %d, want 1", len(labels))
	}
	if labels[0].Label != "left" {
		t.Fatalf("label = %q, want left", labels[0].Label)
	}
	if len(h.pub.labels) != 1 {
		t.Fatalf("published %d labels, want 1", len(h.pub.labels))
	}
	if got, ok := s.LatestLabel(); !ok || got.Label != "left" {
		t.Fatalf("latest label = %+v %v", got, ok)
	}

	summary := h.mgr.End(ctx, "alice")
	if !summary.Found || summary.FinalPhase != model.PhaseClassification {
		t.Fatalf("summary = %+v", summary)
	}
	if summary.SamplesAccepted != 2200 || summary.LabelsEmitted != 1 {
		t.Fatalf("summary counters = %+v", summary)
	}
	if summary.TrainingStatus != model.TrainingCompleted {
		t.Fatalf("training status = %s", summary.TrainingStatus)
	}

	rec, err := h.ledger.GetSession(ctx, "alice")
	if err != nil {
		t.Fatalf("ledger session: %v", err)
	}
	if rec.Phase != model.PhaseEnded || rec.FinalPhase != model.PhaseClassification || rec.LabelsEmitted != 1 {
		t.Fatalf("ledger row = %+v", rec)
	}
}

func TestCreateRejectsDuplicateAndBadInput(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	if _, err := h.mgr.Create(ctx, "dup", testInfo()); err != nil {
		t.Fatalf("create: %v", err)
	}
	if _, err := h.mgr.Create(ctx, "dup", testInfo()); !errors.Is(err, model.ErrDuplicateSession) {
		t.Fatalf("duplicate create err = %v", err)
	}
	if _, err := h.mgr.Create(ctx, "../escape", testInfo()); err == nil {
		t.Fatalf("expected invalid id error")
	}
	if _, err := h.mgr.Create(ctx, "norate", model.SessionInfo{ChannelLabels: []string{"C3"}}); err == nil {
		t.Fatalf("expected invalid info error")
	}

	s, err := h.mgr.Create(ctx, "", testInfo())
	if err != nil {
		t.Fatalf("create with generated id: %v", err)
	}
	if s.ID() == "" {
		t.Fatalf("generated id is empty")
	}
	if h.mgr.Len() != 2 {
		t.Fatalf("len = %d, want 2", h.mgr.Len())
	}
}

func TestEndIsIdempotentAndFlushesCalibration(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	s, err := h.mgr.Create(ctx, "bob", testInfo())
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if _, err := s.StartCalibration(ctx, protocol.Default()); err != nil {
		t.Fatalf("start calibration: %v", err)
	}
	feed(t, s, 0, 500, 100, motorImagery)

	summary := h.mgr.End(ctx, "bob")
	if !summary.Found || summary.FinalPhase != model.PhaseCalibration || summary.SamplesAccepted != 500 {
		t.Fatalf("summary = %+v", summary)
	}
	if _, ok := h.mgr.Get("bob"); ok {
		t.Fatalf("session still registered after End")
	}
	if _, err := h.store.Load(ctx, model.CalibrationRawKey("bob")); err != nil {
		t.Fatalf("partial raw capture missing: %v", err)
	}
	if _, err := s.HandleChunk(ctx, testutil.SyntheticChunk(500, 10, testChannels, testRate, nil)); !errors.Is(err, model.ErrSessionEnded) {
		t.Fatalf("chunk after end err = %v", err)
	}

	again := h.mgr.End(ctx, "bob")
	if again.Found {
		t.Fatalf("second End reported found: %+v", again)
	}
	if missing := h.mgr.End(ctx, "nobody"); missing.Found {
		t.Fatalf("End of unknown id reported found")
	}

	// the id is free again once ended
	if _, err := h.mgr.Create(ctx, "bob", testInfo()); err != nil {
		t.Fatalf("recreate ended id: %v", err)
	}
}

func TestListLiveAndEnded(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	for _, id := range []string{"a", "b", "c"} {
		if _, err := h.mgr.Create(ctx, id, testInfo()); err != nil {
			t.Fatalf("create %s: %v", id, err)
		}
	}
	b, _ := h.mgr.Get("b")
	if _, err := b.StartCalibration(ctx, protocol.Default()); err != nil {
		t.Fatalf("start calibration: %v", err)
	}
	h.mgr.End(ctx, "c")

	live, err := h.mgr.List(ctx, Filter{})
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(live) != 2 {
		t.Fatalf("live sessions = %d, want 2", len(live))
	}

	calib, err := h.mgr.List(ctx, Filter{Phase: model.PhaseCalibration})
	if err != nil {
		t.Fatalf("list by phase: %v", err)
	}
	if len(calib) != 1 || calib[0].SessionID != "b" || calib[0].ProtocolName != "motor-imagery-short" {
		t.Fatalf("calibration sessions = %+v", calib)
	}

	all, err := h.mgr.List(ctx, Filter{IncludeEnded: true})
	if err != nil {
		t.Fatalf("list with ended: %v", err)
	}
	if len(all) != 3 {
		t.Fatalf("all sessions = %d, want 3", len(all))
	}
	ended := all[2]
	if ended.SessionID != "c" || ended.Phase != model.PhaseEnded || ended.FinalPhase != model.PhaseUnstarted || ended.EndedAt == nil {
		t.Fatalf("ended view = %+v", ended)
	}

	limited, err := h.mgr.List(ctx, Filter{IncludeEnded: true, Limit: 1})
	if err != nil {
		t.Fatalf("list limited: %v", err)
	}
	if len(limited) != 1 {
		t.Fatalf("limited = %d, want 1", len(limited))
	}
}

func TestShutdownEndsEverySession(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	for _, id := range []string{"x", "y"} {
		if _, err := h.mgr.Create(ctx, id, testInfo()); err != nil {
			t.Fatalf("create %s: %v", id, err)
		}
	}
	h.mgr.Shutdown(ctx)
	if h.mgr.Len() != 0 {
		t.Fatalf("sessions left after shutdown: %d", h.mgr.Len())
	}
	n, err := h.ledger.CountRows(ctx, "sessions")
	if err != nil {
		t.Fatalf("count rows: %v", err)
	}
	if n != 2 {
		t.Fatalf("ledger rows = %d, want 2", n)
	}
	rec, err := h.ledger.GetSession(ctx, "x")
	if err != nil || rec.EndedAt == nil {
		t.Fatalf("ledger row x = %+v err=%v", rec, err)
	}
}
