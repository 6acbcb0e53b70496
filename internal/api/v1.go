package api

import (
	"time"

	"github.com/g960059/neurolink/internal/model"
	"github.com/g960059/neurolink/internal/protocol"
)

const SchemaVersion = "v1"

type APIError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

type ErrorResponse struct {
	SchemaVersion string    `json:"schema_version"`
	GeneratedAt   time.Time `json:"generated_at"`
	Error         APIError  `json:"error"`
}

type SessionIDResponse struct {
	SchemaVersion string    `json:"schema_version"`
	GeneratedAt   time.Time `json:"generated_at"`
	SessionID     string    `json:"session_id"`
}

type SessionItem struct {
	SessionID          string       `json:"session_id"`
	Phase              string       `json:"phase"`
	FinalPhase         string       `json:"final_phase,omitempty"`
	ChannelLabels      []string     `json:"channel_labels"`
	SamplingRate       float64      `json:"sampling_rate"`
	SamplesAccepted    int64        `json:"samples_accepted"`
	SamplesDropped     int64        `json:"samples_dropped"`
	LabelsEmitted      int64        `json:"labels_emitted"`
	ProtocolName       string       `json:"protocol_name,omitempty"`
	CalibrationSeconds float64      `json:"calibration_seconds,omitempty"`
	BufferedSeconds    float64      `json:"buffered_seconds"`
	ModelKey           string       `json:"model_key,omitempty"`
	TrainingMessage    string       `json:"training_message,omitempty"`
	LatestLabel        *model.Label `json:"latest_label,omitempty"`
	CreatedAt          time.Time    `json:"created_at"`
	EndedAt            *time.Time   `json:"ended_at,omitempty"`
}

type SessionsEnvelope struct {
	SchemaVersion string        `json:"schema_version"`
	GeneratedAt   time.Time     `json:"generated_at"`
	Sessions      []SessionItem `json:"sessions"`
}

type SessionEnvelope struct {
	SchemaVersion string      `json:"schema_version"`
	GeneratedAt   time.Time   `json:"generated_at"`
	Session       SessionItem `json:"session"`
}

// StartCalibrationRequest carries either an inline protocol or the name of
// a catalogued one. An empty request uses the built-in default protocol.
type StartCalibrationRequest struct {
	Protocol     *protocol.Protocol `json:"protocol,omitempty"`
	ProtocolName string             `json:"protocol_name,omitempty"`
}

type CalibrationResponse struct {
	SchemaVersion    string            `json:"schema_version"`
	GeneratedAt      time.Time         `json:"generated_at"`
	SessionID        string            `json:"session_id"`
	Protocol         protocol.Protocol `json:"protocol"`
	DurationSeconds  float64           `json:"duration_seconds"`
	NominalStartTime time.Time         `json:"nominal_start_time"`
}

type StartClassificationRequest struct {
	ModelRef string `json:"model_ref,omitempty"`
}

type ClassificationResponse struct {
	SchemaVersion string    `json:"schema_version"`
	GeneratedAt   time.Time `json:"generated_at"`
	SessionID     string    `json:"session_id"`
	Phase         string    `json:"phase"`
	ModelKey      string    `json:"model_key"`
}

type ResultResponse struct {
	SchemaVersion string      `json:"schema_version"`
	GeneratedAt   time.Time   `json:"generated_at"`
	SessionID     string      `json:"session_id"`
	Label         model.Label `json:"label"`
}

type TrainingResponse struct {
	SchemaVersion string    `json:"schema_version"`
	GeneratedAt   time.Time `json:"generated_at"`
	SessionID     string    `json:"session_id"`
	RunID         string    `json:"run_id,omitempty"`
	Status        string    `json:"status"`
	Algorithm     string    `json:"algorithm,omitempty"`
	Message       string    `json:"message,omitempty"`
	UpdatedAt     time.Time `json:"updated_at,omitzero"`
}

type EndResponse struct {
	SchemaVersion string               `json:"schema_version"`
	GeneratedAt   time.Time            `json:"generated_at"`
	Summary       model.SessionSummary `json:"summary"`
}

type ProtocolsEnvelope struct {
	SchemaVersion string    `json:"schema_version"`
	GeneratedAt   time.Time `json:"generated_at"`
	Protocols     []string  `json:"protocols"`
}
