package training

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"runtime/debug"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/sourcegraph/conc/pool"

	"github.com/g960059/neurolink/internal/artifact"
	"github.com/g960059/neurolink/internal/model"
	"github.com/g960059/neurolink/internal/security"
)

var ErrClosed = errors.New("training orchestrator is closed")

// Ledger mirrors training status transitions to durable storage.
type Ledger interface {
	UpsertTrainingRun(ctx context.Context, rec model.TrainingRecord) error
	GetTrainingRun(ctx context.Context, sessionID string) (model.TrainingRecord, error)
}

// ResultFunc is called once per job after its status became terminal.
// m is nil when training failed.
type ResultFunc func(sessionID string, rec model.TrainingRecord, m Model)

type Options struct {
	Workers      int
	Timeout      time.Duration
	ReferenceKey string
	Ledger       Ledger
	Logger       *slog.Logger
	Now          func() time.Time
}

type Orchestrator struct {
	fitter       Fitter
	store        artifact.Store
	ledger       Ledger
	log          *slog.Logger
	now          func() time.Time
	timeout      time.Duration
	referenceKey string

	pool     *pool.Pool
	queued   sync.WaitGroup
	waitOnce sync.Once
	baseCtx  context.Context
	cancel   context.CancelFunc

	mu       sync.Mutex
	runs     map[string]model.TrainingRecord
	onResult ResultFunc
	closed   bool
}

type job struct {
	sessionID string
	runID     string
	epochs    []model.Epoch
	meta      model.ModelMeta
}

func New(fitter Fitter, store artifact.Store, opts Options) *Orchestrator {
	workers := opts.Workers
	if workers < 1 {
		workers = 1
	}
	log := opts.Logger
	if log == nil {
		log = slog.Default()
	}
	now := opts.Now
	if now == nil {
		now = time.Now
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Orchestrator{
		fitter:       fitter,
		store:        store,
		ledger:       opts.Ledger,
		log:          log.With("component", "training"),
		now:          now,
		timeout:      opts.Timeout,
		referenceKey: opts.ReferenceKey,
		pool:         pool.New().WithMaxGoroutines(workers),
		baseCtx:      ctx,
		cancel:       cancel,
		runs:         map[string]model.TrainingRecord{},
	}
}

// OnResult installs the completion callback. It must be set before the
// first Submit.
func (o *Orchestrator) OnResult(fn ResultFunc) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.onResult = fn
}

// Fitter exposes the capability used to rebuild persisted models.
func (o *Orchestrator) Fitter() Fitter {
	return o.fitter
}

// Submit enqueues one training run for sessionID. A session trains at
// most once per process: a pending or running job yields
// model.ErrTrainingAlreadyInProgress, a completed one is a no-op and a
// failed one yields model.ErrTrainingFailed.
func (o *Orchestrator) Submit(sessionID string, epochs []model.Epoch, meta model.ModelMeta) error {
	if sessionID == "" {
		return fmt.Errorf("session id is required")
	}
	if len(epochs) == 0 {
		return fmt.Errorf("%w: no calibration epochs for %s", model.ErrInsufficientData, sessionID)
	}

	o.mu.Lock()
	if o.closed {
		o.mu.Unlock()
		return ErrClosed
	}
	if rec, ok := o.runs[sessionID]; ok {
		o.mu.Unlock()
		switch rec.Status {
		case model.TrainingCompleted:
			return nil
		case model.TrainingFailed:
			return fmt.Errorf("%w: %s", model.ErrTrainingFailed, rec.Message)
		default:
			return model.ErrTrainingAlreadyInProgress
		}
	}
	j := job{sessionID: sessionID, runID: uuid.NewString(), epochs: epochs, meta: meta}
	rec := model.TrainingRecord{
		SessionID: sessionID,
		RunID:     j.runID,
		Status:    model.TrainingPending,
		Algorithm: o.fitter.Algorithm(),
		UpdatedAt: o.now().UTC(),
	}
	o.runs[sessionID] = rec
	o.queued.Add(1)
	o.mu.Unlock()

	o.mirror(rec)
	// pool.Go blocks while all workers are busy; hand off so callers never wait.
	go func() {
		defer o.queued.Done()
		o.pool.Go(func() { o.run(j) })
	}()
	return nil
}

// Status reports the in-memory record first, then the ledger.
func (o *Orchestrator) Status(ctx context.Context, sessionID string) model.TrainingRecord {
	o.mu.Lock()
	rec, ok := o.runs[sessionID]
	o.mu.Unlock()
	if ok {
		return rec
	}
	if o.ledger != nil {
		if rec, err := o.ledger.GetTrainingRun(ctx, sessionID); err == nil {
			return rec
		}
	}
	return model.TrainingRecord{SessionID: sessionID, Status: model.TrainingNotFound}
}

// LoadModel rebuilds the model persisted under key.
func (o *Orchestrator) LoadModel(ctx context.Context, key string) (Model, error) {
	return LoadModel(ctx, o.store, o.fitter, key)
}

// Wait stops accepting work and blocks until queued and running jobs finish.
func (o *Orchestrator) Wait() {
	o.mu.Lock()
	o.closed = true
	o.mu.Unlock()
	o.waitOnce.Do(func() {
		o.queued.Wait()
		o.pool.Wait()
		o.cancel()
	})
}

func (o *Orchestrator) run(j job) {
	ctx := o.baseCtx
	if o.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, o.timeout)
		defer cancel()
	}
	o.advance(j.sessionID, model.TrainingInProgress, "")
	started := o.now()

	m, err := o.fit(ctx, j)
	if err != nil {
		msg := security.RedactMessage(err.Error())
		rec := o.advance(j.sessionID, model.TrainingFailed, msg)
		o.log.Warn("training failed", "session_id", j.sessionID, "run_id", j.runID, "err", msg)
		o.deliver(j.sessionID, rec, nil)
		return
	}
	rec := o.advance(j.sessionID, model.TrainingCompleted, "")
	o.log.Info("training completed",
		"session_id", j.sessionID,
		"run_id", j.runID,
		"epochs", len(j.epochs),
		"elapsed_ms", o.now().Sub(started).Milliseconds(),
	)
	o.deliver(j.sessionID, rec, m)
}

func (o *Orchestrator) fit(ctx context.Context, j job) (m Model, err error) {
	defer func() {
		if r := recover(); r != nil {
			m = nil
			err = fmt.Errorf("fitter panic: %v", r)
			o.log.Error("training panic", "session_id", j.sessionID, "panic", fmt.Sprint(r), "stack", string(debug.Stack()))
		}
	}()
	reference, err := LoadReference(ctx, o.store, o.referenceKey)
	if err != nil {
		return nil, err
	}
	meta := j.meta
	meta.SessionID = j.sessionID
	meta.Algorithm = o.fitter.Algorithm()
	meta.TrainedAt = o.now().UTC()
	m, err = o.fitter.Fit(ctx, reference, j.epochs, meta)
	if err != nil {
		return nil, fmt.Errorf("fit: %w", err)
	}
	if err := SaveModel(ctx, o.store, model.ModelKey(j.sessionID), m); err != nil {
		return nil, err
	}
	return m, nil
}

// advance moves the record forward; a lower rank never overwrites a higher one.
func (o *Orchestrator) advance(sessionID string, status model.TrainingStatus, message string) model.TrainingRecord {
	o.mu.Lock()
	rec := o.runs[sessionID]
	if model.TrainingRank[status] < model.TrainingRank[rec.Status] || rec.Status.Terminal() {
		o.mu.Unlock()
		return rec
	}
	rec.Status = status
	rec.Message = message
	rec.UpdatedAt = o.now().UTC()
	o.runs[sessionID] = rec
	o.mu.Unlock()
	o.mirror(rec)
	return rec
}

func (o *Orchestrator) mirror(rec model.TrainingRecord) {
	if o.ledger == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := o.ledger.UpsertTrainingRun(ctx, rec); err != nil {
		o.log.Warn("training ledger write failed", "session_id", rec.SessionID, "status", rec.Status, "err", err)
	}
}

func (o *Orchestrator) deliver(sessionID string, rec model.TrainingRecord, m Model) {
	o.mu.Lock()
	fn := o.onResult
	o.mu.Unlock()
	if fn != nil {
		fn(sessionID, rec, m)
	}
}
