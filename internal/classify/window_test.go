package classify

import (
	"errors"
	"testing"
	"time"

	"github.com/g960059/neurolink/internal/model"
)

type firstSampleModel struct {
	calls int
	fail  bool
}

func (m *firstSampleModel) Predict(window [][]float64) (string, float64, error) {
	m.calls++
	if m.fail {
		return "", 0, errors.New("boom")
	}
	if window[0][0] < 0 {
		return "left", 0.9, nil
	}
	return "right", 0.8, nil
}

func samples(start, n int) ([]float64, [][]float64) {
	ts := make([]float64, n)
	rows := make([][]float64, n)
	for i := 0; i < n; i++ {
		ts[i] = float64(start + i)
		rows[i] = []float64{float64(start + i), 0}
	}
	return ts, rows
}

func fixedClock() time.Time {
	return time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
}

func TestClassifyRequiresModel(t *testing.T) {
	w, err := NewWindow(4, 2, fixedClock)
	if err != nil {
		t.Fatalf("new window: %v", err)
	}
	ts, rows := samples(0, 8)
	if _, err := w.Classify(nil, ts, rows); !errors.Is(err, model.ErrModelNotLoaded) {
		t.Fatalf("expected ErrModelNotLoaded, got %v", err)
	}
	if w.Len() != 0 {
		t.Fatalf("samples must not be buffered without a model, len=%d", w.Len())
	}
}

func TestClassifyEmitsOneLabelPerEpochStep(t *testing.T) {
	cases := []struct {
		name      string
		epoch     int
		overlap   int
		total     int
		chunk     int
		wantCount int
	}{
		{name: "exactly one epoch", epoch: 200, overlap: 100, total: 200, chunk: 50, wantCount: 1},
		{name: "one short", epoch: 200, overlap: 100, total: 199, chunk: 199, wantCount: 0},
		{name: "half overlap", epoch: 4, overlap: 2, total: 10, chunk: 3, wantCount: 4},
		{name: "no overlap", epoch: 5, overlap: 0, total: 23, chunk: 7, wantCount: 4},
		{name: "single big chunk", epoch: 10, overlap: 5, total: 100, chunk: 100, wantCount: 19},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			w, err := NewWindow(tc.epoch, tc.overlap, fixedClock)
			if err != nil {
				t.Fatalf("new window: %v", err)
			}
			m := &firstSampleModel{}
			var got []model.Label
			for sent := 0; sent < tc.total; {
				n := tc.chunk
				if sent+n > tc.total {
					n = tc.total - sent
				}
				ts, rows := samples(sent, n)
				labels, err := w.Classify(m, ts, rows)
				if err != nil {
					t.Fatalf("classify: %v", err)
				}
				got = append(got, labels...)
				sent += n
			}
			if len(got) != tc.wantCount {
				t.Fatalf("labels = %d, want %d", len(got), tc.wantCount)
			}
			step := tc.epoch - tc.overlap
			for i, l := range got {
				if l.EpochIndex != i {
					t.Fatalf("label %d epoch index = %d", i, l.EpochIndex)
				}
				if l.WindowStart != float64(i*step) || l.WindowEnd != float64(i*step+tc.epoch-1) {
					t.Fatalf("label %d window = [%v,%v]", i, l.WindowStart, l.WindowEnd)
				}
				if !l.EmittedAt.Equal(fixedClock()) {
					t.Fatalf("label %d emitted at %v", i, l.EmittedAt)
				}
			}
			if w.Len() >= tc.epoch {
				t.Fatalf("window kept %d samples, must stay below epoch length %d", w.Len(), tc.epoch)
			}
		})
	}
}

func TestClassifyPredictErrorSkipsEpoch(t *testing.T) {
	w, err := NewWindow(4, 0, fixedClock)
	if err != nil {
		t.Fatalf("new window: %v", err)
	}
	m := &firstSampleModel{fail: true}
	ts, rows := samples(0, 4)
	if _, err := w.Classify(m, ts, rows); err == nil {
		t.Fatalf("expected predict error")
	}
	if w.Len() != 0 {
		t.Fatalf("failing epoch should be skipped, len=%d", w.Len())
	}
	m.fail = false
	ts, rows = samples(4, 4)
	labels, err := w.Classify(m, ts, rows)
	if err != nil || len(labels) != 1 {
		t.Fatalf("labels=%d err=%v", len(labels), err)
	}
	if labels[0].EpochIndex != 1 || labels[0].WindowStart != 4 {
		t.Fatalf("label = %+v, want epoch 1 starting at 4", labels[0])
	}
}

func TestClassifyStaysBoundedWhenModelAlwaysFails(t *testing.T) {
	const epochLength, chunkLen = 100, 100
	w, err := NewWindow(epochLength, 50, fixedClock)
	if err != nil {
		t.Fatalf("new window: %v", err)
	}
	m := &firstSampleModel{fail: true}
	for i := 0; i < 50; i++ {
		ts, rows := samples(i*chunkLen, chunkLen)
		if _, err := w.Classify(m, ts, rows); err == nil {
			t.Fatalf("chunk %d: expected predict error", i)
		}
		if w.Len() >= epochLength+chunkLen {
			t.Fatalf("chunk %d: window holds %d samples", i, w.Len())
		}
	}
	if w.Len() >= epochLength {
		t.Fatalf("pending samples = %d, want fewer than one epoch", w.Len())
	}
}

func TestResetRestartsNumbering(t *testing.T) {
	w, _ := NewWindow(2, 1, fixedClock)
	m := &firstSampleModel{}
	ts, rows := samples(0, 5)
	if _, err := w.Classify(m, ts, rows); err != nil {
		t.Fatalf("classify: %v", err)
	}
	w.Reset()
	if w.Len() != 0 {
		t.Fatalf("reset should clear samples")
	}
	ts, rows = samples(10, 2)
	labels, err := w.Classify(m, ts, rows)
	if err != nil || len(labels) != 1 || labels[0].EpochIndex != 0 {
		t.Fatalf("after reset labels=%+v err=%v", labels, err)
	}
}

func TestNewWindowRejectsBadShape(t *testing.T) {
	if _, err := NewWindow(0, 0, nil); err == nil {
		t.Fatalf("expected error for zero epoch length")
	}
	if _, err := NewWindow(4, 4, nil); err == nil {
		t.Fatalf("expected error for overlap == epoch length")
	}
	if got := OverlapSamples(200, 0.5); got != 100 {
		t.Fatalf("OverlapSamples = %d", got)
	}
}
