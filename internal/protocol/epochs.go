package protocol

import (
	"fmt"
	"math"

	"github.com/g960059/neurolink/internal/model"
	"github.com/g960059/neurolink/internal/signal"
)

// EpochSamples is the fixed sample count of a [onset-pre, onset+post] window.
func EpochSamples(pre, post, rate float64) int {
	return int(math.Round((pre + post) * rate))
}

// SliceEpochs cuts one fixed-length epoch per label out of buf. Onsets are
// relative to the first buffered sample. Any window that is not fully
// covered by buffered data fails with model.ErrInsufficientData; windows
// are never truncated.
func SliceEpochs(buf *signal.Buffer, labels []model.EventLabel, pre, post float64) ([]model.Epoch, error) {
	if pre < 0 || post < 0 {
		return nil, fmt.Errorf("epoch margins must be >= 0 (pre=%v post=%v)", pre, post)
	}
	n := EpochSamples(pre, post, buf.SamplingRate())
	if n <= 0 {
		return nil, fmt.Errorf("epoch window of %vs holds no samples at %v Hz", pre+post, buf.SamplingRate())
	}
	start, ok := buf.Start()
	if !ok {
		return nil, fmt.Errorf("%w: buffer is empty", model.ErrInsufficientData)
	}
	// half a sample period absorbs float drift between nominal onsets and
	// device timestamps.
	tolerance := buf.Units(0.5 / buf.SamplingRate())

	out := make([]model.Epoch, 0, len(labels))
	for _, label := range labels {
		offset := label.Onset - pre
		if offset < 0 {
			return nil, fmt.Errorf("%w: epoch %d (%s) starts %.3fs before the first sample", model.ErrInsufficientData, label.Index, label.Cue, -offset)
		}
		from := buf.IndexAtOrAfter(start + buf.Units(offset) - tolerance)
		rows, err := buf.Window(from, n)
		if err != nil {
			return nil, fmt.Errorf("epoch %d (%s): %w", label.Index, label.Cue, err)
		}
		out = append(out, model.Epoch{Label: label, Samples: rows})
	}
	return out, nil
}
