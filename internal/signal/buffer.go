package signal

import (
	"fmt"
	"math"
	"sort"

	"github.com/g960059/neurolink/internal/model"
)

// AppendResult reports how many samples of one chunk were kept.
type AppendResult struct {
	Accepted int
	Dropped  int
}

// Buffer is a strictly time-increasing multichannel series.
//
// Samples whose timestamp is not newer than the last accepted one are
// dropped and counted rather than reordered. The cursor survives Reset,
// so ordering holds across phase changes of the owning session.
// Buffer is not safe for concurrent use; the session serializes access.
type Buffer struct {
	channels   int
	rate       float64
	unitScale  float64
	timestamps []float64
	samples    [][]float64
	lastSeen   float64
	hasLast    bool
	accepted   int64
	dropped    int64
}

func NewBuffer(info model.SessionInfo) *Buffer {
	return &Buffer{
		channels:  info.ChannelCount(),
		rate:      info.SamplingRate,
		unitScale: info.TimestampUnit.Scale(),
	}
}

// Append validates the chunk shape and appends its in-order samples.
// A shape mismatch rejects the whole chunk.
func (b *Buffer) Append(chunk model.Chunk) (AppendResult, error) {
	if len(chunk.Timestamps) != len(chunk.Data) {
		return AppendResult{}, fmt.Errorf("%w: %d timestamps for %d vectors", model.ErrShapeMismatch, len(chunk.Timestamps), len(chunk.Data))
	}
	for i, vec := range chunk.Data {
		if len(vec) != b.channels {
			return AppendResult{}, fmt.Errorf("%w: sample %d has %d channels, want %d", model.ErrShapeMismatch, i, len(vec), b.channels)
		}
	}

	var res AppendResult
	for i, ts := range chunk.Timestamps {
		if math.IsNaN(ts) || math.IsInf(ts, 0) || (b.hasLast && ts <= b.lastSeen) {
			res.Dropped++
			continue
		}
		vec := make([]float64, b.channels)
		copy(vec, chunk.Data[i])
		b.timestamps = append(b.timestamps, ts)
		b.samples = append(b.samples, vec)
		b.lastSeen = ts
		b.hasLast = true
		res.Accepted++
	}
	b.accepted += int64(res.Accepted)
	b.dropped += int64(res.Dropped)
	return res, nil
}

func (b *Buffer) Len() int {
	return len(b.timestamps)
}

func (b *Buffer) Channels() int {
	return b.channels
}

func (b *Buffer) SamplingRate() float64 {
	return b.rate
}

// Accepted and Dropped are lifetime counters; Reset does not clear them.
func (b *Buffer) Accepted() int64 {
	return b.accepted
}

func (b *Buffer) Dropped() int64 {
	return b.dropped
}

// LastSeen returns the newest accepted timestamp.
func (b *Buffer) LastSeen() (float64, bool) {
	return b.lastSeen, b.hasLast
}

// Duration is the covered span in seconds, counting the last sample's period.
func (b *Buffer) Duration() float64 {
	n := len(b.timestamps)
	if n == 0 {
		return 0
	}
	span := (b.timestamps[n-1] - b.timestamps[0]) * b.unitScale
	return span + 1/b.rate
}

// Start returns the first buffered timestamp.
func (b *Buffer) Start() (float64, bool) {
	if len(b.timestamps) == 0 {
		return 0, false
	}
	return b.timestamps[0], true
}

// Seconds converts a timestamp offset in session units to seconds.
func (b *Buffer) Seconds(delta float64) float64 {
	return delta * b.unitScale
}

// Units converts seconds to a timestamp offset in session units.
func (b *Buffer) Units(seconds float64) float64 {
	return seconds / b.unitScale
}

// IndexAtOrAfter returns the index of the first sample with timestamp >= t.
func (b *Buffer) IndexAtOrAfter(t float64) int {
	return sort.SearchFloat64s(b.timestamps, t)
}

// Timestamp returns the timestamp at index i.
func (b *Buffer) Timestamp(i int) float64 {
	return b.timestamps[i]
}

// Window returns samples [from, from+n) as a copy.
func (b *Buffer) Window(from, n int) ([][]float64, error) {
	if from < 0 || n < 0 || from+n > len(b.samples) {
		return nil, fmt.Errorf("%w: window [%d,%d) exceeds %d buffered samples", model.ErrInsufficientData, from, from+n, len(b.samples))
	}
	out := make([][]float64, n)
	for i := 0; i < n; i++ {
		row := make([]float64, b.channels)
		copy(row, b.samples[from+i])
		out[i] = row
	}
	return out, nil
}

// Reset drops buffered samples and keeps the ordering cursor.
func (b *Buffer) Reset() {
	b.timestamps = nil
	b.samples = nil
}

// Snapshot is a frozen copy of the buffer contents.
type Snapshot struct {
	ChannelCount int         `cbor:"channel_count"`
	SamplingRate float64     `cbor:"sampling_rate"`
	Timestamps   []float64   `cbor:"timestamps"`
	Samples      [][]float64 `cbor:"samples"`
}

func (b *Buffer) Snapshot() Snapshot {
	ts := make([]float64, len(b.timestamps))
	copy(ts, b.timestamps)
	rows, _ := b.Window(0, len(b.samples))
	return Snapshot{
		ChannelCount: b.channels,
		SamplingRate: b.rate,
		Timestamps:   ts,
		Samples:      rows,
	}
}
