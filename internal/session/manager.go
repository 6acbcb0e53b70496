// Package session owns live BCI sessions: the per-session phase machine and
// the registry that maps session ids to sessions.
//
// The registry lives as long as the Manager that owns it. Sessions leave
// it on End (client END, disconnect or control-side delete) and all remaining
// sessions are ended by Shutdown.
package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/g960059/neurolink/internal/artifact"
	"github.com/g960059/neurolink/internal/db"
	"github.com/g960059/neurolink/internal/model"
	"github.com/g960059/neurolink/internal/training"
)

// Trainer is the slice of the training orchestrator sessions depend on.
type Trainer interface {
	Submit(sessionID string, epochs []model.Epoch, meta model.ModelMeta) error
	Status(ctx context.Context, sessionID string) model.TrainingRecord
	LoadModel(ctx context.Context, key string) (training.Model, error)
}

// Ledger persists session rows. db.Store implements it.
type Ledger interface {
	InsertSession(ctx context.Context, rec model.SessionRecord) error
	UpdateSessionPhase(ctx context.Context, sessionID string, phase model.Phase, at time.Time) error
	EndSession(ctx context.Context, rec model.SessionRecord) error
	ListSessions(ctx context.Context, filter db.SessionFilter) ([]model.SessionRecord, error)
}

// LabelPublisher fans classification labels out. Implementations must not block.
type LabelPublisher interface {
	PublishLabels(ctx context.Context, sessionID string, labels []model.Label)
}

// Settings are the epoching parameters shared by all sessions.
type Settings struct {
	EpochSeconds float64
	PreMargin    float64
	OverlapRatio float64
}

type Options struct {
	Settings  Settings
	Ledger    Ledger
	Publisher LabelPublisher
	Logger    *slog.Logger
	Now       func() time.Time
}

type Manager struct {
	deps *deps

	mu       sync.RWMutex
	sessions map[string]*Session
}

func NewManager(trainer Trainer, store artifact.Store, opts Options) *Manager {
	log := opts.Logger
	if log == nil {
		log = slog.Default()
	}
	now := opts.Now
	if now == nil {
		now = time.Now
	}
	settings := opts.Settings
	if !(settings.EpochSeconds > 0) {
		settings.EpochSeconds = 1
	}
	return &Manager{
		deps: &deps{
			trainer:   trainer,
			store:     store,
			ledger:    opts.Ledger,
			publisher: opts.Publisher,
			settings:  settings,
			log:       log.With("component", "session"),
			now:       now,
		},
		sessions: map[string]*Session{},
	}
}

// NewSessionID returns a fresh server-generated session id.
func NewSessionID() string {
	return uuid.NewString()
}

// Create registers a new session. An empty id gets a generated one.
func (m *Manager) Create(ctx context.Context, id string, info model.SessionInfo) (*Session, error) {
	id = strings.TrimSpace(id)
	if id == "" {
		id = NewSessionID()
	}
	if err := artifact.ValidateKey(id); err != nil {
		return nil, fmt.Errorf("invalid session id: %w", err)
	}
	if err := info.Validate(); err != nil {
		return nil, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.sessions[id]; ok {
		return nil, fmt.Errorf("%w: %s", model.ErrDuplicateSession, id)
	}
	s := newSession(id, info, m.deps)
	if m.deps.ledger != nil {
		err := m.deps.ledger.InsertSession(ctx, model.SessionRecord{
			SessionID:     id,
			Phase:         model.PhaseUnstarted,
			ChannelLabels: info.ChannelLabels,
			SamplingRate:  info.SamplingRate,
			CreatedAt:     s.created,
		})
		switch {
		case errors.Is(err, db.ErrDuplicate):
			return nil, fmt.Errorf("%w: %s", model.ErrDuplicateSession, id)
		case err != nil:
			return nil, fmt.Errorf("record session: %w", err)
		}
	}
	m.sessions[id] = s
	m.deps.log.Info("session created", "session_id", id, "channels", info.ChannelCount(), "sampling_rate", info.SamplingRate)
	return s, nil
}

func (m *Manager) Get(id string) (*Session, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	s, ok := m.sessions[id]
	return s, ok
}

func (m *Manager) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.sessions)
}

// End ends and evicts a session. It is idempotent: an unknown or already
// ended id yields a summary with Found=false.
func (m *Manager) End(ctx context.Context, id string) model.SessionSummary {
	m.mu.Lock()
	s, ok := m.sessions[id]
	delete(m.sessions, id)
	m.mu.Unlock()
	if !ok {
		return model.SessionSummary{SessionID: id, Found: false}
	}

	summary, err := s.end(ctx)
	if err != nil {
		return model.SessionSummary{SessionID: id, Found: false}
	}
	if m.deps.ledger != nil {
		err := m.deps.ledger.EndSession(ctx, model.SessionRecord{
			SessionID:       id,
			FinalPhase:      summary.FinalPhase,
			SamplesAccepted: summary.SamplesAccepted,
			SamplesDropped:  summary.SamplesDropped,
			LabelsEmitted:   summary.LabelsEmitted,
			EndedAt:         summary.EndedAt,
		})
		if err != nil {
			m.deps.log.Warn("ledger end session failed", "session_id", id, "err", err)
		}
	}
	m.deps.log.Info("session ended",
		"session_id", id,
		"final_phase", summary.FinalPhase,
		"samples_accepted", summary.SamplesAccepted,
		"samples_dropped", summary.SamplesDropped,
		"labels_emitted", summary.LabelsEmitted,
	)
	return summary
}

// HandleTrainingResult routes a finished training run to its live session.
// Results for sessions that are gone are dropped; the model artifact stays.
func (m *Manager) HandleTrainingResult(sessionID string, rec model.TrainingRecord, tm training.Model) {
	s, ok := m.Get(sessionID)
	if !ok {
		m.deps.log.Info("training result for evicted session", "session_id", sessionID, "status", rec.Status)
		return
	}
	if err := s.OnTrainingResult(context.Background(), rec, tm); err != nil {
		m.deps.log.Info("training result ignored", "session_id", sessionID, "status", rec.Status, "err", err)
	}
}

// Filter selects sessions for List. Zero values match everything live.
type Filter struct {
	SessionID    string
	Phase        model.Phase
	IncludeEnded bool
	Limit        int
}

// List returns live sessions matching f, followed by ended ones from the
// ledger when f.IncludeEnded is set.
func (m *Manager) List(ctx context.Context, f Filter) ([]View, error) {
	m.mu.RLock()
	live := make([]*Session, 0, len(m.sessions))
	for id, s := range m.sessions {
		if f.SessionID != "" && id != f.SessionID {
			continue
		}
		live = append(live, s)
	}
	m.mu.RUnlock()

	out := make([]View, 0, len(live))
	for _, s := range live {
		v := s.View()
		if f.Phase != "" && v.Phase != f.Phase {
			continue
		}
		out = append(out, v)
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.After(out[j].CreatedAt)
		}
		return out[i].SessionID < out[j].SessionID
	})

	if f.IncludeEnded && m.deps.ledger != nil && (f.Phase == "" || f.Phase == model.PhaseEnded) {
		rows, err := m.deps.ledger.ListSessions(ctx, db.SessionFilter{SessionID: f.SessionID, IncludeEnded: true})
		if err != nil {
			return nil, err
		}
		for _, rec := range rows {
			out = append(out, viewFromRecord(rec))
		}
	}
	if f.Limit > 0 && len(out) > f.Limit {
		out = out[:f.Limit]
	}
	return out, nil
}

// Shutdown ends every live session.
func (m *Manager) Shutdown(ctx context.Context) {
	m.mu.RLock()
	ids := make([]string, 0, len(m.sessions))
	for id := range m.sessions {
		ids = append(ids, id)
	}
	m.mu.RUnlock()
	for _, id := range ids {
		m.End(ctx, id)
	}
}

func viewFromRecord(rec model.SessionRecord) View {
	return View{
		SessionID:       rec.SessionID,
		Phase:           rec.Phase,
		FinalPhase:      rec.FinalPhase,
		ChannelLabels:   rec.ChannelLabels,
		SamplingRate:    rec.SamplingRate,
		SamplesAccepted: rec.SamplesAccepted,
		SamplesDropped:  rec.SamplesDropped,
		LabelsEmitted:   rec.LabelsEmitted,
		CreatedAt:       rec.CreatedAt,
		EndedAt:         rec.EndedAt,
	}
}
