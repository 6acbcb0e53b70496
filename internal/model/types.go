package model

import (
	"fmt"
	"strings"
	"time"
)

// Phase is the lifecycle state of one BCI session.
type Phase string

const (
	PhaseUnstarted      Phase = "UNSTARTED"
	PhaseCalibration    Phase = "CALIBRATION"
	PhaseTraining       Phase = "TRAINING"
	PhaseClassification Phase = "CLASSIFICATION"
	PhaseFailed         Phase = "FAILED"
	PhaseEnded          Phase = "ENDED"
)

func ParsePhase(raw string) (Phase, error) {
	p := Phase(strings.ToUpper(strings.TrimSpace(raw)))
	switch p {
	case PhaseUnstarted, PhaseCalibration, PhaseTraining, PhaseClassification, PhaseFailed, PhaseEnded:
		return p, nil
	default:
		return "", fmt.Errorf("unknown phase %q", raw)
	}
}

// TrainingStatus advances PENDING -> IN_PROGRESS -> COMPLETED|FAILED and never regresses.
type TrainingStatus string

const (
	TrainingPending    TrainingStatus = "PENDING"
	TrainingInProgress TrainingStatus = "IN_PROGRESS"
	TrainingCompleted  TrainingStatus = "COMPLETED"
	TrainingFailed     TrainingStatus = "FAILED"
	TrainingNotFound   TrainingStatus = "NOT_FOUND"
)

// TrainingRank orders statuses; a lower rank may never overwrite a higher one.
var TrainingRank = map[TrainingStatus]int{
	TrainingNotFound:   0,
	TrainingPending:    1,
	TrainingInProgress: 2,
	TrainingCompleted:  3,
	TrainingFailed:     3,
}

func (s TrainingStatus) Terminal() bool {
	return s == TrainingCompleted || s == TrainingFailed
}

type TimestampUnit string

const (
	UnitSeconds      TimestampUnit = "s"
	UnitMilliseconds TimestampUnit = "ms"
)

// Scale converts a timestamp delta in this unit to seconds.
func (u TimestampUnit) Scale() float64 {
	if u == UnitMilliseconds {
		return 1e-3
	}
	return 1
}

// SessionInfo is fixed at START and defines the channel layout.
type SessionInfo struct {
	ChannelLabels []string
	SamplingRate  float64
	TimestampUnit TimestampUnit
}

func (i SessionInfo) ChannelCount() int {
	return len(i.ChannelLabels)
}

func (i SessionInfo) Validate() error {
	if len(i.ChannelLabels) == 0 {
		return fmt.Errorf("channel_labels is required")
	}
	seen := make(map[string]struct{}, len(i.ChannelLabels))
	for _, label := range i.ChannelLabels {
		v := strings.TrimSpace(label)
		if v == "" {
			return fmt.Errorf("channel label must not be empty")
		}
		if _, ok := seen[v]; ok {
			return fmt.Errorf("duplicate channel label %q", v)
		}
		seen[v] = struct{}{}
	}
	if !(i.SamplingRate > 0) {
		return fmt.Errorf("sampling_rate must be > 0")
	}
	switch i.TimestampUnit {
	case "", UnitSeconds, UnitMilliseconds:
	default:
		return fmt.Errorf("timestamp_unit must be %q or %q", UnitSeconds, UnitMilliseconds)
	}
	return nil
}

// Chunk is one batch of samples. Data[i] is the channel vector at Timestamps[i].
type Chunk struct {
	Timestamps []float64
	Data       [][]float64
}

func (c Chunk) Len() int {
	return len(c.Timestamps)
}

// EventLabel marks one cue occurrence on the calibration timeline.
// Onset and Duration are seconds relative to calibration start.
type EventLabel struct {
	Index    int     `json:"index" cbor:"index"`
	Cue      string  `json:"cue" cbor:"cue"`
	Onset    float64 `json:"onset" cbor:"onset"`
	Duration float64 `json:"duration" cbor:"duration"`
}

// Epoch is a fixed-length window of samples (rows) x channels (columns).
type Epoch struct {
	Label   EventLabel  `cbor:"label"`
	Samples [][]float64 `cbor:"samples"`
}

// Label is one classification result.
type Label struct {
	Label       string    `json:"label"`
	Score       float64   `json:"score"`
	EpochIndex  int       `json:"epoch_index"`
	WindowStart float64   `json:"window_start"`
	WindowEnd   float64   `json:"window_end"`
	EmittedAt   time.Time `json:"emitted_at"`
}

type ModelMeta struct {
	SessionID    string    `cbor:"session_id"`
	TrainedAt    time.Time `cbor:"trained_at"`
	Algorithm    string    `cbor:"algorithm"`
	Classes      []string  `cbor:"classes"`
	ChannelCount int       `cbor:"channel_count"`
	EpochSamples int       `cbor:"epoch_samples"`
}

type TrainingRecord struct {
	SessionID string
	RunID     string
	Status    TrainingStatus
	Algorithm string
	Message   string
	UpdatedAt time.Time
}

type SessionSummary struct {
	SessionID       string         `json:"session_id"`
	Found           bool           `json:"found"`
	FinalPhase      Phase          `json:"final_phase,omitempty"`
	SamplesAccepted int64          `json:"samples_accepted"`
	SamplesDropped  int64          `json:"samples_dropped"`
	LabelsEmitted   int64          `json:"labels_emitted"`
	TrainingStatus  TrainingStatus `json:"training_status,omitempty"`
	StartedAt       *time.Time     `json:"started_at,omitempty"`
	EndedAt         *time.Time     `json:"ended_at,omitempty"`
	DurationSeconds float64        `json:"duration_seconds"`
}

// SessionRecord is the ledger row describing a session, live or ended.
type SessionRecord struct {
	SessionID       string
	Phase           Phase
	FinalPhase      Phase
	ChannelLabels   []string
	SamplingRate    float64
	SamplesAccepted int64
	SamplesDropped  int64
	LabelsEmitted   int64
	CreatedAt       time.Time
	UpdatedAt       time.Time
	EndedAt         *time.Time
}

// Artifact store key layout.
func ModelKey(sessionID string) string {
	return sessionID
}

func CalibrationRawKey(sessionID string) string {
	return "calibration_raw_" + sessionID
}

// Error codes defined by API contract.
const (
	ErrCodeInvalid                = "E_INVALID_REQUEST"
	ErrCodeNotFound               = "E_NOT_FOUND"
	ErrCodeDuplicateSession       = "E_DUPLICATE_SESSION"
	ErrCodeInvalidStateTransition = "E_INVALID_STATE_TRANSITION"
	ErrCodeSessionBusy            = "E_SESSION_BUSY"
	ErrCodeModelNotLoaded         = "E_MODEL_NOT_LOADED"
	ErrCodeShapeMismatch          = "E_SHAPE_MISMATCH"
	ErrCodeInsufficientData       = "E_INSUFFICIENT_DATA"
	ErrCodeTrainingInProgress     = "E_TRAINING_IN_PROGRESS"
	ErrCodeTrainingFailed         = "E_TRAINING_FAILED"
	ErrCodeInternal               = "E_INTERNAL"
)
