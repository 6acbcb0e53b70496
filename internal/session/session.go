package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/g960059/neurolink/internal/artifact"
	"github.com/g960059/neurolink/internal/classify"
	"github.com/g960059/neurolink/internal/model"
	"github.com/g960059/neurolink/internal/protocol"
	"github.com/g960059/neurolink/internal/signal"
	"github.com/g960059/neurolink/internal/training"
)

// gateTolerance absorbs float error when summing sample periods.
const gateTolerance = 1e-6

// CalibrationStart is returned when calibration begins.
type CalibrationStart struct {
	Protocol        protocol.Protocol
	DurationSeconds float64
	NominalStart    time.Time
}

// ChunkResult describes how one inbound chunk was handled.
type ChunkResult struct {
	Accepted int
	Dropped  int
	Labels   []model.Label
	Phase    model.Phase
}

// View is a point-in-time copy of session state for the control surface.
type View struct {
	SessionID          string
	Phase              model.Phase
	FinalPhase         model.Phase
	ChannelLabels      []string
	SamplingRate       float64
	SamplesAccepted    int64
	SamplesDropped     int64
	LabelsEmitted      int64
	ProtocolName       string
	CalibrationSeconds float64
	BufferedSeconds    float64
	ModelKey           string
	TrainingMessage    string
	LatestLabel        *model.Label
	CreatedAt          time.Time
	EndedAt            *time.Time
}

// Session is one BCI session. All methods serialize on the session mutex,
// so chunks and phase transitions of a session never run concurrently.
type Session struct {
	id      string
	info    model.SessionInfo
	deps    *deps
	created time.Time

	mu                 sync.Mutex
	phase              model.Phase
	raw                *signal.Buffer
	protocol           *protocol.Protocol
	calibrationSeconds float64
	events             []model.EventLabel
	rawSaved           bool
	model              training.Model
	modelKey           string
	trainingMessage    string
	window             *classify.Window
	labelsEmitted      int64
	latest             *model.Label
	ended              *time.Time
}

func newSession(id string, info model.SessionInfo, d *deps) *Session {
	if info.TimestampUnit == "" {
		info.TimestampUnit = model.UnitSeconds
	}
	return &Session{
		id:      id,
		info:    info,
		deps:    d,
		created: d.now().UTC(),
		phase:   model.PhaseUnstarted,
		raw:     signal.NewBuffer(info),
	}
}

func (s *Session) ID() string {
	return s.id
}

func (s *Session) Info() model.SessionInfo {
	return s.info
}

func (s *Session) Phase() model.Phase {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.phase
}

// LatestLabel returns the most recent classification label.
func (s *Session) LatestLabel() (model.Label, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.latest == nil {
		return model.Label{}, false
	}
	return *s.latest, true
}

func (s *Session) View() View {
	s.mu.Lock()
	defer s.mu.Unlock()
	v := View{
		SessionID:          s.id,
		Phase:              s.phase,
		ChannelLabels:      append([]string(nil), s.info.ChannelLabels...),
		SamplingRate:       s.info.SamplingRate,
		SamplesAccepted:    s.raw.Accepted(),
		SamplesDropped:     s.raw.Dropped(),
		LabelsEmitted:      s.labelsEmitted,
		CalibrationSeconds: s.calibrationSeconds,
		BufferedSeconds:    s.raw.Duration(),
		ModelKey:           s.modelKey,
		TrainingMessage:    s.trainingMessage,
		CreatedAt:          s.created,
		EndedAt:            s.ended,
	}
	if s.protocol != nil {
		v.ProtocolName = s.protocol.Name
	}
	if s.latest != nil {
		l := *s.latest
		v.LatestLabel = &l
	}
	return v
}

// StartCalibration moves UNSTARTED -> CALIBRATION. Samples buffered before
// this point are discarded; the ordering cursor is kept.
func (s *Session) StartCalibration(ctx context.Context, p protocol.Protocol) (CalibrationStart, error) {
	if err := p.Validate(); err != nil {
		return CalibrationStart{}, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := checkTransition(s.phase, model.PhaseCalibration); err != nil {
		return CalibrationStart{}, err
	}
	st := s.deps.settings
	duration := protocol.ComputeDuration(p)
	events := epochEvents(protocol.GenerateEventLabels(p, 0), st.PreMargin, st.EpochSeconds-st.PreMargin, duration)
	if len(events) == 0 {
		return CalibrationStart{}, fmt.Errorf("%w: protocol %q has no cue whose %.3fs epoch fits inside its %.3fs duration", model.ErrInsufficientData, p.Name, st.EpochSeconds, duration)
	}
	s.raw.Reset()
	s.protocol = &p
	s.calibrationSeconds = duration
	s.events = events
	s.setPhase(ctx, model.PhaseCalibration)
	s.deps.log.Info("calibration started",
		"session_id", s.id,
		"protocol", p.Name,
		"duration_seconds", s.calibrationSeconds,
		"events", len(s.events),
	)
	return CalibrationStart{
		Protocol:        p,
		DurationSeconds: s.calibrationSeconds,
		NominalStart:    s.deps.now().UTC(),
	}, nil
}

// epochEvents keeps the cues whose whole epoch lies inside the calibration
// run: starting no earlier than its first sample and ending by duration.
func epochEvents(events []model.EventLabel, pre, post, duration float64) []model.EventLabel {
	out := events[:0]
	for _, ev := range events {
		if ev.Onset < pre || ev.Onset+post > duration+gateTolerance {
			continue
		}
		out = append(out, ev)
	}
	return out
}

// HandleChunk routes one chunk according to the current phase.
func (s *Session) HandleChunk(ctx context.Context, chunk model.Chunk) (ChunkResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	switch s.phase {
	case model.PhaseUnstarted:
		res, err := s.raw.Append(chunk)
		return s.result(res, nil), err
	case model.PhaseCalibration:
		return s.handleCalibrationChunk(ctx, chunk)
	case model.PhaseClassification:
		return s.handleClassificationChunk(ctx, chunk)
	case model.PhaseTraining:
		return ChunkResult{Phase: s.phase}, fmt.Errorf("%w: training in progress", model.ErrSessionBusy)
	case model.PhaseFailed:
		return ChunkResult{Phase: s.phase}, fmt.Errorf("%w: training failed: %s", model.ErrSessionBusy, s.trainingMessage)
	default:
		return ChunkResult{Phase: s.phase}, model.ErrSessionEnded
	}
}

func (s *Session) result(res signal.AppendResult, labels []model.Label) ChunkResult {
	return ChunkResult{Accepted: res.Accepted, Dropped: res.Dropped, Labels: labels, Phase: s.phase}
}

// handleCalibrationChunk accumulates the chunk first and then checks the
// duration gate, so a boundary chunk always belongs to calibration.
func (s *Session) handleCalibrationChunk(ctx context.Context, chunk model.Chunk) (ChunkResult, error) {
	res, err := s.raw.Append(chunk)
	if err != nil {
		return s.result(res, nil), err
	}
	if s.raw.Duration()+gateTolerance < s.calibrationSeconds {
		return s.result(res, nil), nil
	}
	st := s.deps.settings
	epochs := make([]model.Epoch, 0, len(s.events))
	for _, ev := range s.events {
		ep, err := protocol.SliceEpochs(s.raw, []model.EventLabel{ev}, st.PreMargin, st.EpochSeconds-st.PreMargin)
		switch {
		case errors.Is(err, model.ErrInsufficientData):
			// sparse device timestamps can leave a window short
			s.deps.log.Warn("calibration epoch skipped", "session_id", s.id, "cue", ev.Cue, "onset", ev.Onset, "err", err)
			continue
		case err != nil:
			return s.result(res, nil), err
		}
		epochs = append(epochs, ep...)
	}
	if len(epochs) == 0 {
		s.deps.log.Debug("calibration gate waiting for data", "session_id", s.id)
		return s.result(res, nil), nil
	}
	s.finishCalibration(ctx, epochs)
	return s.result(res, nil), nil
}

func (s *Session) finishCalibration(ctx context.Context, epochs []model.Epoch) {
	s.saveRawCapture(ctx)
	s.raw.Reset()
	s.setPhase(ctx, model.PhaseTraining)

	meta := model.ModelMeta{
		SessionID:    s.id,
		ChannelCount: s.info.ChannelCount(),
		EpochSamples: len(epochs[0].Samples),
	}
	if len(s.protocol.Phases) > 0 {
		meta.Classes = protocol.Classes(*s.protocol)
	}

	// A session id that already trained in this process reuses the result.
	switch prior := s.deps.trainer.Status(ctx, s.id); prior.Status {
	case model.TrainingCompleted:
		m, err := s.deps.trainer.LoadModel(ctx, model.ModelKey(s.id))
		if err != nil {
			s.applyTrainingResult(ctx, model.TrainingRecord{SessionID: s.id, Status: model.TrainingFailed, Message: err.Error()}, nil)
			return
		}
		s.applyTrainingResult(ctx, prior, m)
		return
	case model.TrainingFailed:
		s.applyTrainingResult(ctx, prior, nil)
		return
	}

	err := s.deps.trainer.Submit(s.id, epochs, meta)
	switch {
	case err == nil:
		s.deps.log.Info("training submitted", "session_id", s.id, "epochs", len(epochs))
	case errors.Is(err, model.ErrTrainingAlreadyInProgress):
		s.deps.log.Info("training already running", "session_id", s.id)
	default:
		s.applyTrainingResult(ctx, model.TrainingRecord{SessionID: s.id, Status: model.TrainingFailed, Message: err.Error()}, nil)
	}
}

func (s *Session) handleClassificationChunk(ctx context.Context, chunk model.Chunk) (ChunkResult, error) {
	res, err := s.raw.Append(chunk)
	if err != nil {
		return s.result(res, nil), err
	}
	n := s.raw.Len()
	rows, err := s.raw.Window(0, n)
	if err != nil {
		return s.result(res, nil), err
	}
	ts := make([]float64, n)
	for i := range ts {
		ts[i] = s.raw.Timestamp(i)
	}
	s.raw.Reset()

	labels, err := s.window.Classify(s.model, ts, rows)
	if len(labels) > 0 {
		s.labelsEmitted += int64(len(labels))
		latest := labels[len(labels)-1]
		s.latest = &latest
		if s.deps.publisher != nil {
			s.deps.publisher.PublishLabels(ctx, s.id, labels)
		}
	}
	return s.result(res, labels), err
}

// OnTrainingResult applies a finished training run. Results for a session
// that already left TRAINING are ignored.
func (s *Session) OnTrainingResult(ctx context.Context, rec model.TrainingRecord, m training.Model) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.phase != model.PhaseTraining {
		return fmt.Errorf("%w: training result in phase %s", model.ErrInvalidStateTransition, s.phase)
	}
	s.applyTrainingResult(ctx, rec, m)
	return nil
}

func (s *Session) applyTrainingResult(ctx context.Context, rec model.TrainingRecord, m training.Model) {
	if rec.Status == model.TrainingCompleted && m != nil {
		if err := s.loadModel(m, model.ModelKey(s.id)); err != nil {
			rec = model.TrainingRecord{Status: model.TrainingFailed, Message: err.Error()}
		} else {
			s.setPhase(ctx, model.PhaseClassification)
			return
		}
	}
	s.trainingMessage = rec.Message
	if s.trainingMessage == "" {
		s.trainingMessage = fmt.Sprintf("training finished with status %s", rec.Status)
	}
	s.setPhase(ctx, model.PhaseFailed)
}

// StartClassification re-arms classification, optionally switching to the
// model stored under modelRef. It is only legal once training completed.
func (s *Session) StartClassification(ctx context.Context, modelRef string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.phase != model.PhaseClassification {
		return fmt.Errorf("%w: start classification in phase %s", model.ErrInvalidStateTransition, s.phase)
	}
	if modelRef == "" || modelRef == s.modelKey {
		s.window.Reset()
		return nil
	}
	if err := artifact.ValidateKey(modelRef); err != nil {
		return fmt.Errorf("%w: %v", model.ErrModelNotLoaded, err)
	}
	m, err := s.deps.trainer.LoadModel(ctx, modelRef)
	if err != nil {
		return fmt.Errorf("%w: %v", model.ErrModelNotLoaded, err)
	}
	return s.loadModel(m, modelRef)
}

func (s *Session) loadModel(m training.Model, key string) error {
	meta := m.Meta()
	if meta.ChannelCount != 0 && meta.ChannelCount != s.info.ChannelCount() {
		return fmt.Errorf("%w: model %s expects %d channels, session has %d", model.ErrShapeMismatch, key, meta.ChannelCount, s.info.ChannelCount())
	}
	epochLength := meta.EpochSamples
	if epochLength <= 0 {
		epochLength = protocol.EpochSamples(0, s.deps.settings.EpochSeconds, s.info.SamplingRate)
	}
	w, err := classify.NewWindow(epochLength, classify.OverlapSamples(epochLength, s.deps.settings.OverlapRatio), s.deps.now)
	if err != nil {
		return err
	}
	s.model = m
	s.modelKey = key
	s.window = w
	s.raw.Reset()
	return nil
}

func (s *Session) saveRawCapture(ctx context.Context) {
	if s.rawSaved || s.raw.Len() == 0 {
		return
	}
	blob, err := artifact.EncodeBlob(artifact.KindCalibrationRaw, s.raw.Snapshot(), artifact.CompressionZstd)
	if err == nil {
		err = s.deps.store.Save(ctx, model.CalibrationRawKey(s.id), blob)
	}
	if err != nil {
		s.deps.log.Warn("save raw calibration capture failed", "session_id", s.id, "err", err)
		return
	}
	s.rawSaved = true
}

// end moves the session to ENDED, flushes an unsaved calibration capture
// and releases buffers.
func (s *Session) end(ctx context.Context) (model.SessionSummary, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := checkTransition(s.phase, model.PhaseEnded); err != nil {
		return model.SessionSummary{SessionID: s.id}, err
	}
	final := s.phase
	if final == model.PhaseCalibration {
		s.saveRawCapture(ctx)
	}
	endedAt := s.deps.now().UTC()
	s.ended = &endedAt
	s.phase = model.PhaseEnded

	started := s.created
	summary := model.SessionSummary{
		SessionID:       s.id,
		Found:           true,
		FinalPhase:      final,
		SamplesAccepted: s.raw.Accepted(),
		SamplesDropped:  s.raw.Dropped(),
		LabelsEmitted:   s.labelsEmitted,
		TrainingStatus:  s.deps.trainer.Status(ctx, s.id).Status,
		StartedAt:       &started,
		EndedAt:         &endedAt,
		DurationSeconds: endedAt.Sub(started).Seconds(),
	}
	s.raw.Reset()
	s.window = nil
	s.model = nil
	s.events = nil
	return summary, nil
}

func (s *Session) setPhase(ctx context.Context, phase model.Phase) {
	from := s.phase
	s.phase = phase
	s.deps.log.Info("session phase changed", "session_id", s.id, "from", from, "to", phase)
	if s.deps.ledger == nil {
		return
	}
	if err := s.deps.ledger.UpdateSessionPhase(ctx, s.id, phase, s.deps.now().UTC()); err != nil {
		s.deps.log.Warn("ledger phase update failed", "session_id", s.id, "phase", phase, "err", err)
	}
}

type deps struct {
	trainer   Trainer
	store     artifact.Store
	ledger    Ledger
	publisher LabelPublisher
	settings  Settings
	log       *slog.Logger
	now       func() time.Time
}
