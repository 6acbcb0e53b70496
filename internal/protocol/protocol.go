package protocol

import (
	"fmt"
	"strings"

	"github.com/g960059/neurolink/internal/model"
)

// Action is one timed cue shown to the subject.
type Action struct {
	Duration float64 `json:"duration" yaml:"duration"`
	Cue      string  `json:"cue" yaml:"cue"`
}

// Phase is a block of actions repeated Repeat times.
type Phase struct {
	Name    string   `json:"name" yaml:"name"`
	Repeat  int      `json:"repeat" yaml:"repeat"`
	Actions []Action `json:"actions" yaml:"actions"`
}

// Protocol is the declarative calibration timeline.
type Protocol struct {
	Name   string  `json:"name" yaml:"name"`
	Phases []Phase `json:"phases" yaml:"phases"`
}

func (p Protocol) Validate() error {
	if len(p.Phases) == 0 {
		return fmt.Errorf("protocol %q: at least one phase is required", p.Name)
	}
	for i, ph := range p.Phases {
		if ph.Repeat < 1 {
			return fmt.Errorf("protocol %q: phase %d (%s): repeat must be >= 1", p.Name, i, ph.Name)
		}
		if len(ph.Actions) == 0 {
			return fmt.Errorf("protocol %q: phase %d (%s): at least one action is required", p.Name, i, ph.Name)
		}
		for j, a := range ph.Actions {
			if !(a.Duration > 0) {
				return fmt.Errorf("protocol %q: phase %d action %d: duration must be > 0", p.Name, i, j)
			}
			if strings.TrimSpace(a.Cue) == "" {
				return fmt.Errorf("protocol %q: phase %d action %d: cue is required", p.Name, i, j)
			}
		}
	}
	return nil
}

// ComputeDuration returns the data-collection time in seconds required
// before calibration completes.
func ComputeDuration(p Protocol) float64 {
	total := 0.0
	for _, ph := range p.Phases {
		block := 0.0
		for _, a := range ph.Actions {
			block += a.Duration
		}
		total += float64(ph.Repeat) * block
	}
	return total
}

// GenerateEventLabels walks the timeline in declared order. Every repeat
// of a phase re-emits a label for each of its actions.
func GenerateEventLabels(p Protocol, startIndex int) []model.EventLabel {
	out := make([]model.EventLabel, 0)
	elapsed := 0.0
	index := startIndex
	for _, ph := range p.Phases {
		for r := 0; r < ph.Repeat; r++ {
			for _, a := range ph.Actions {
				out = append(out, model.EventLabel{
					Index:    index,
					Cue:      strings.TrimSpace(a.Cue),
					Onset:    elapsed,
					Duration: a.Duration,
				})
				index++
				elapsed += a.Duration
			}
		}
	}
	return out
}

// Classes returns the distinct cues in first-seen order.
func Classes(p Protocol) []string {
	seen := map[string]struct{}{}
	out := make([]string, 0)
	for _, ph := range p.Phases {
		for _, a := range ph.Actions {
			cue := strings.TrimSpace(a.Cue)
			if _, ok := seen[cue]; ok {
				continue
			}
			seen[cue] = struct{}{}
			out = append(out, cue)
		}
	}
	return out
}

// Default is a short motor-imagery protocol: 10 seconds in total.
func Default() Protocol {
	return Protocol{
		Name: "motor-imagery-short",
		Phases: []Phase{
			{
				Name:   "prepare",
				Repeat: 1,
				Actions: []Action{
					{Duration: 2, Cue: "rest"},
				},
			},
			{
				Name:   "imagery",
				Repeat: 2,
				Actions: []Action{
					{Duration: 2, Cue: "left"},
					{Duration: 2, Cue: "right"},
				},
			},
		},
	}
}
