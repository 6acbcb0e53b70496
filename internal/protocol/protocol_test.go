package protocol

import (
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/g960059/neurolink/internal/model"
	"github.com/g960059/neurolink/internal/signal"
)

func TestComputeDuration(t *testing.T) {
	p := Protocol{
		Name: "p",
		Phases: []Phase{
			{Name: "a", Repeat: 3, Actions: []Action{{Duration: 1.5, Cue: "x"}, {Duration: 0.5, Cue: "y"}}},
			{Name: "b", Repeat: 1, Actions: []Action{{Duration: 4, Cue: "rest"}}},
		},
	}
	if got := ComputeDuration(p); got != 10 {
		t.Fatalf("expected 10s, got %v", got)
	}
	if got := ComputeDuration(Default()); got != 10 {
		t.Fatalf("expected default protocol to last 10s, got %v", got)
	}
}

func TestGenerateEventLabelsRepeatsActions(t *testing.T) {
	p := Protocol{
		Name: "p",
		Phases: []Phase{
			{Name: "prep", Repeat: 1, Actions: []Action{{Duration: 1, Cue: "rest"}}},
			{Name: "mi", Repeat: 2, Actions: []Action{{Duration: 2, Cue: "left"}, {Duration: 3, Cue: "right"}}},
		},
	}
	labels := GenerateEventLabels(p, 5)
	want := []model.EventLabel{
		{Index: 5, Cue: "rest", Onset: 0, Duration: 1},
		{Index: 6, Cue: "left", Onset: 1, Duration: 2},
		{Index: 7, Cue: "right", Onset: 3, Duration: 3},
		{Index: 8, Cue: "left", Onset: 6, Duration: 2},
		{Index: 9, Cue: "right", Onset: 8, Duration: 3},
	}
	if len(labels) != len(want) {
		t.Fatalf("expected %d labels, got %d: %+v", len(want), len(labels), labels)
	}
	for i := range want {
		if labels[i] != want[i] {
			t.Fatalf("label %d: expected %+v, got %+v", i, want[i], labels[i])
		}
	}
	if classes := Classes(p); len(classes) != 3 || classes[0] != "rest" || classes[2] != "right" {
		t.Fatalf("unexpected classes: %v", classes)
	}
}

func TestValidateRejectsBadProtocols(t *testing.T) {
	cases := map[string]Protocol{
		"no phases":   {Name: "x"},
		"zero repeat": {Name: "x", Phases: []Phase{{Repeat: 0, Actions: []Action{{Duration: 1, Cue: "a"}}}}},
		"no actions":  {Name: "x", Phases: []Phase{{Repeat: 1}}},
		"zero dur":    {Name: "x", Phases: []Phase{{Repeat: 1, Actions: []Action{{Duration: 0, Cue: "a"}}}}},
		"empty cue":   {Name: "x", Phases: []Phase{{Repeat: 1, Actions: []Action{{Duration: 1, Cue: " "}}}}},
	}
	for name, p := range cases {
		if err := p.Validate(); err == nil {
			t.Fatalf("%s: expected validation error", name)
		}
	}
	if err := Default().Validate(); err != nil {
		t.Fatalf("default protocol invalid: %v", err)
	}
}

func filledBuffer(t *testing.T, channels int, rate float64, n int) *signal.Buffer {
	t.Helper()
	labels := make([]string, channels)
	for i := range labels {
		labels[i] = string(rune('a' + i))
	}
	buf := signal.NewBuffer(model.SessionInfo{ChannelLabels: labels, SamplingRate: rate})
	ts := make([]float64, n)
	data := make([][]float64, n)
	for i := 0; i < n; i++ {
		ts[i] = 100 + float64(i)/rate
		data[i] = make([]float64, channels)
		data[i][0] = float64(i)
	}
	if _, err := buf.Append(model.Chunk{Timestamps: ts, Data: data}); err != nil {
		t.Fatalf("append: %v", err)
	}
	return buf
}

func TestSliceEpochsFixedLengthWindows(t *testing.T) {
	buf := filledBuffer(t, 2, 100, 1000)
	labels := []model.EventLabel{
		{Index: 0, Cue: "left", Onset: 1},
		{Index: 1, Cue: "right", Onset: 4.5},
	}
	epochs, err := SliceEpochs(buf, labels, 0.5, 1)
	if err != nil {
		t.Fatalf("slice: %v", err)
	}
	if len(epochs) != 2 {
		t.Fatalf("expected 2 epochs, got %d", len(epochs))
	}
	for i, ep := range epochs {
		if len(ep.Samples) != 150 {
			t.Fatalf("epoch %d: expected 150 samples, got %d", i, len(ep.Samples))
		}
	}
	if first := epochs[0].Samples[0][0]; first != 50 {
		t.Fatalf("expected first epoch to start at sample 50, got %v", first)
	}
	if first := epochs[1].Samples[0][0]; first != 400 {
		t.Fatalf("expected second epoch to start at sample 400, got %v", first)
	}
}

func TestSliceEpochsInsufficientData(t *testing.T) {
	buf := filledBuffer(t, 1, 100, 300)
	_, err := SliceEpochs(buf, []model.EventLabel{{Index: 3, Cue: "late", Onset: 2.5}}, 0, 1)
	if !errors.Is(err, model.ErrInsufficientData) {
		t.Fatalf("expected insufficient data past buffer end, got %v", err)
	}
	_, err = SliceEpochs(buf, []model.EventLabel{{Index: 0, Cue: "early", Onset: 0.1}}, 0.5, 0.5)
	if !errors.Is(err, model.ErrInsufficientData) {
		t.Fatalf("expected insufficient data before buffer start, got %v", err)
	}
}

func TestLoadDirParsesYAMLAndJSONC(t *testing.T) {
	dir := t.TempDir()
	yamlBody := `name: feet
phases:
  - name: mi
    repeat: 2
    actions:
      - {duration: 1, cue: feet}
      - {duration: 1, cue: rest}
`
	jsoncBody := `{
  // comments are allowed
  "name": "hands",
  "phases": [{"name": "mi", "repeat": 1, "actions": [{"duration": 3, "cue": "hand"}]}]
}`
	if err := os.WriteFile(filepath.Join(dir, "feet.yaml"), []byte(yamlBody), 0o600); err != nil {
		t.Fatalf("write yaml: %v", err)
	}
	if err := os.WriteFile(filepath.Join(dir, "hands.jsonc"), []byte(jsoncBody), 0o600); err != nil {
		t.Fatalf("write jsonc: %v", err)
	}
	if err := os.WriteFile(filepath.Join(dir, "README.txt"), []byte("ignored"), 0o600); err != nil {
		t.Fatalf("write readme: %v", err)
	}

	catalog, err := LoadDir(dir)
	if err != nil {
		t.Fatalf("load dir: %v", err)
	}
	feet, ok := catalog.Get("feet")
	if !ok || ComputeDuration(feet) != 4 {
		t.Fatalf("unexpected feet protocol: %+v ok=%v", feet, ok)
	}
	hands, ok := catalog.Get("hands")
	if !ok || ComputeDuration(hands) != 3 {
		t.Fatalf("unexpected hands protocol: %+v ok=%v", hands, ok)
	}
	if _, ok := catalog.Get(Default().Name); !ok {
		t.Fatalf("expected built-in default in catalog, names=%v", catalog.Names())
	}
}

func TestLoadDirMissingReturnsDefault(t *testing.T) {
	catalog, err := LoadDir(filepath.Join(t.TempDir(), "missing"))
	if err != nil {
		t.Fatalf("load missing dir: %v", err)
	}
	if names := catalog.Names(); len(names) != 1 {
		t.Fatalf("expected only default protocol, got %v", names)
	}
}
