// Package classify turns a live sample stream into labels with a sliding
// epoch window over a trained model.
package classify

import (
	"fmt"
	"math"
	"time"

	"github.com/g960059/neurolink/internal/model"
)

// Model predicts one label for a samples x channels window.
type Model interface {
	Predict(window [][]float64) (label string, score float64, err error)
}

// Window is the bounded classification buffer. It never holds more than
// one epoch plus the samples of the chunk being classified.
type Window struct {
	epochLength int
	overlap     int
	now         func() time.Time

	timestamps []float64
	samples    [][]float64
	next       int
}

// OverlapSamples returns floor(epochLength * ratio).
func OverlapSamples(epochLength int, ratio float64) int {
	return int(math.Floor(float64(epochLength) * ratio))
}

func NewWindow(epochLength, overlap int, now func() time.Time) (*Window, error) {
	if epochLength < 1 {
		return nil, fmt.Errorf("epoch length must be >= 1, got %d", epochLength)
	}
	if overlap < 0 || overlap >= epochLength {
		return nil, fmt.Errorf("overlap must be in [0, %d), got %d", epochLength, overlap)
	}
	if now == nil {
		now = time.Now
	}
	return &Window{epochLength: epochLength, overlap: overlap, now: now}, nil
}

func (w *Window) EpochLength() int {
	return w.epochLength
}

func (w *Window) Overlap() int {
	return w.overlap
}

// Len is the number of samples waiting for the next epoch.
func (w *Window) Len() int {
	return len(w.samples)
}

// Reset clears pending samples and restarts epoch numbering.
func (w *Window) Reset() {
	w.timestamps = nil
	w.samples = nil
	w.next = 0
}

// Classify appends samples and emits one label per full epoch. After each
// prediction the window slides forward by epochLength - overlap samples.
// An epoch the model rejects is skipped the same way, so the window stays
// bounded; the first prediction error is returned with the other labels.
func (w *Window) Classify(m Model, timestamps []float64, samples [][]float64) ([]model.Label, error) {
	if m == nil {
		return nil, model.ErrModelNotLoaded
	}
	if len(timestamps) != len(samples) {
		return nil, fmt.Errorf("%w: %d timestamps for %d vectors", model.ErrShapeMismatch, len(timestamps), len(samples))
	}
	w.timestamps = append(w.timestamps, timestamps...)
	w.samples = append(w.samples, samples...)

	step := w.epochLength - w.overlap
	var out []model.Label
	var firstErr error
	for len(w.samples) >= w.epochLength {
		label, score, err := m.Predict(w.samples[:w.epochLength])
		if err != nil {
			if firstErr == nil {
				firstErr = fmt.Errorf("predict epoch %d: %w", w.next, err)
			}
			w.next++
			w.timestamps = shift(w.timestamps, step)
			w.samples = shift(w.samples, step)
			continue
		}
		out = append(out, model.Label{
			Label:       label,
			Score:       score,
			EpochIndex:  w.next,
			WindowStart: w.timestamps[0],
			WindowEnd:   w.timestamps[w.epochLength-1],
			EmittedAt:   w.now().UTC(),
		})
		w.next++
		w.timestamps = shift(w.timestamps, step)
		w.samples = shift(w.samples, step)
	}
	return out, firstErr
}

// shift drops the first n elements and compacts so the backing array does
// not grow without bound.
func shift[T any](s []T, n int) []T {
	rest := len(s) - n
	copy(s, s[n:])
	clear(s[rest:])
	return s[:rest]
}
