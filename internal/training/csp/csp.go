// Package csp is the built-in reference classifier: per-channel log-variance
// features with one centroid per class. Reference-dataset epochs and the
// session's own calibration epochs both contribute to the centroids, the
// calibration epochs with a higher weight.
package csp

import (
	"context"
	"fmt"
	"math"

	"github.com/g960059/neurolink/internal/codec"
	"github.com/g960059/neurolink/internal/model"
	"github.com/g960059/neurolink/internal/training"
)

const Algorithm = "logvar-centroid/v1"

const varianceFloor = 1e-12

type Fitter struct {
	// CalibrationWeight scales calibration epochs relative to reference ones.
	CalibrationWeight float64
}

func NewFitter() *Fitter {
	return &Fitter{CalibrationWeight: 4}
}

func (f *Fitter) Algorithm() string {
	return Algorithm
}

func (f *Fitter) Fit(ctx context.Context, reference training.Dataset, calibration []model.Epoch, meta model.ModelMeta) (training.Model, error) {
	if len(calibration) == 0 || len(calibration[0].Samples) == 0 {
		return nil, fmt.Errorf("%w: no calibration epochs", model.ErrInsufficientData)
	}
	channels := len(calibration[0].Samples[0])
	weight := f.CalibrationWeight
	if !(weight > 0) {
		weight = 1
	}

	acc := newAccumulator(channels)
	for _, ep := range calibration {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		if err := acc.add(ep, weight); err != nil {
			return nil, err
		}
	}
	for _, ep := range reference.Epochs {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		// reference epochs recorded with another montage cannot be mixed in.
		if len(ep.Samples) == 0 || len(ep.Samples[0]) != channels {
			continue
		}
		if err := acc.add(ep, 1); err != nil {
			return nil, err
		}
	}

	w := acc.weights()
	if len(w.Classes) < 2 {
		return nil, fmt.Errorf("need at least two classes, got %v", w.Classes)
	}
	meta.Algorithm = Algorithm
	meta.Classes = append([]string(nil), w.Classes...)
	meta.ChannelCount = channels
	if meta.EpochSamples == 0 {
		meta.EpochSamples = len(calibration[0].Samples)
	}
	w.Meta = meta
	return &Model{w: w}, nil
}

func (f *Fitter) Load(data []byte) (training.Model, error) {
	var w weights
	if err := codec.Unmarshal(data, &w); err != nil {
		return nil, fmt.Errorf("decode %s weights: %w", Algorithm, err)
	}
	if len(w.Classes) == 0 || len(w.Classes) != len(w.Centroids) {
		return nil, fmt.Errorf("corrupt %s weights: %d classes, %d centroids", Algorithm, len(w.Classes), len(w.Centroids))
	}
	return &Model{w: w}, nil
}

type weights struct {
	Meta      model.ModelMeta `cbor:"meta"`
	Classes   []string        `cbor:"classes"`
	Centroids [][]float64     `cbor:"centroids"`
}

// Model predicts the class whose centroid is nearest in log-variance space.
type Model struct {
	w weights
}

func (m *Model) Meta() model.ModelMeta {
	return m.w.Meta
}

func (m *Model) MarshalBinary() ([]byte, error) {
	return codec.Marshal(m.w)
}

// Predict returns the nearest class and its softmax score over negative
// distances.
func (m *Model) Predict(window [][]float64) (string, float64, error) {
	if len(window) < 2 {
		return "", 0, fmt.Errorf("%w: window of %d samples", model.ErrInsufficientData, len(window))
	}
	feat, err := features(window)
	if err != nil {
		return "", 0, err
	}
	if len(feat) != len(m.w.Centroids[0]) {
		return "", 0, fmt.Errorf("%w: window has %d channels, model expects %d", model.ErrShapeMismatch, len(feat), len(m.w.Centroids[0]))
	}

	dists := make([]float64, len(m.w.Centroids))
	best := 0
	for i, c := range m.w.Centroids {
		dists[i] = distance(feat, c)
		if dists[i] < dists[best] {
			best = i
		}
	}
	// softmax(-d) shifted by the minimum distance for stability.
	sum := 0.0
	for _, d := range dists {
		sum += math.Exp(dists[best] - d)
	}
	return m.w.Classes[best], 1 / sum, nil
}

type accumulator struct {
	channels int
	order    []string
	sums     map[string][]float64
	totals   map[string]float64
}

func newAccumulator(channels int) *accumulator {
	return &accumulator{
		channels: channels,
		sums:     map[string][]float64{},
		totals:   map[string]float64{},
	}
}

func (a *accumulator) add(ep model.Epoch, weight float64) error {
	if len(ep.Samples) < 2 {
		return fmt.Errorf("%w: epoch %d has %d samples", model.ErrInsufficientData, ep.Label.Index, len(ep.Samples))
	}
	feat, err := features(ep.Samples)
	if err != nil {
		return fmt.Errorf("epoch %d: %w", ep.Label.Index, err)
	}
	if len(feat) != a.channels {
		return fmt.Errorf("%w: epoch %d has %d channels, want %d", model.ErrShapeMismatch, ep.Label.Index, len(feat), a.channels)
	}
	cue := ep.Label.Cue
	sum, ok := a.sums[cue]
	if !ok {
		sum = make([]float64, a.channels)
		a.sums[cue] = sum
		a.order = append(a.order, cue)
	}
	for i, v := range feat {
		sum[i] += weight * v
	}
	a.totals[cue] += weight
	return nil
}

func (a *accumulator) weights() weights {
	w := weights{Classes: append([]string(nil), a.order...)}
	for _, cue := range a.order {
		c := make([]float64, a.channels)
		for i, v := range a.sums[cue] {
			c[i] = v / a.totals[cue]
		}
		w.Centroids = append(w.Centroids, c)
	}
	return w
}

// features returns log(variance) per channel of a samples x channels window.
func features(window [][]float64) ([]float64, error) {
	channels := len(window[0])
	mean := make([]float64, channels)
	for _, row := range window {
		if len(row) != channels {
			return nil, fmt.Errorf("%w: ragged window", model.ErrShapeMismatch)
		}
		for c, v := range row {
			mean[c] += v
		}
	}
	n := float64(len(window))
	for c := range mean {
		mean[c] /= n
	}
	out := make([]float64, channels)
	for _, row := range window {
		for c, v := range row {
			d := v - mean[c]
			out[c] += d * d
		}
	}
	for c := range out {
		out[c] = math.Log(out[c]/(n-1) + varianceFloor)
	}
	return out, nil
}

func distance(a, b []float64) float64 {
	sum := 0.0
	for i := range a {
		d := a[i] - b[i]
		sum += d * d
	}
	return math.Sqrt(sum)
}
