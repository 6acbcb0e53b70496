package testutil

import (
	"fmt"
	"math"

	"github.com/g960059/neurolink/internal/model"
)

// SyntheticChunk returns n samples starting at sample index start, with
// timestamps in seconds. Every channel carries a 10 Hz sine; the channel
// returned by loud(t) is ten times stronger (-1 for none).
func SyntheticChunk(start, n, channels int, rate float64, loud func(t float64) int) model.Chunk {
	chunk := model.Chunk{
		Timestamps: make([]float64, n),
		Data:       make([][]float64, n),
	}
	for i := 0; i < n; i++ {
		t := float64(start+i) / rate
		hot := -1
		if loud != nil {
			hot = loud(t)
		}
		row := make([]float64, channels)
		for c := range row {
			amp := 1.0
			if c == hot {
				amp = 10
			}
			row[c] = amp * math.Sin(2*math.Pi*10*t+float64(c))
		}
		chunk.Timestamps[i] = t
		chunk.Data[i] = row
	}
	return chunk
}

// ChannelLabels returns n distinct labels ch0..chN-1.
func ChannelLabels(n int) []string {
	out := make([]string, n)
	for i := range out {
		out[i] = fmt.Sprintf("ch%d", i)
	}
	return out
}
