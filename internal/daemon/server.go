package daemon

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/g960059/neurolink/internal/api"
	"github.com/g960059/neurolink/internal/config"
	"github.com/g960059/neurolink/internal/model"
	"github.com/g960059/neurolink/internal/protocol"
	"github.com/g960059/neurolink/internal/session"
)

const maxControlBodyBytes = 1 << 20

// TrainingStatus reports the training run of a session, live or ended.
type TrainingStatus interface {
	Status(ctx context.Context, sessionID string) model.TrainingRecord
}

type Deps struct {
	Sessions *session.Manager
	Training TrainingStatus
	Catalog  *protocol.Catalog
	Logger   *slog.Logger
}

type Server struct {
	cfg      config.Config
	sessions *session.Manager
	training TrainingStatus
	catalog  *protocol.Catalog
	log      *slog.Logger
	upgrader websocket.Upgrader
	httpSrv  *http.Server

	mu        sync.Mutex
	listeners []net.Listener
	lockFile  *os.File
	conns     map[*websocket.Conn]struct{}
	closing   bool
	streams   sync.WaitGroup

	shutdown    sync.Once
	shutdownErr error
}

func NewServer(cfg config.Config, deps Deps) *Server {
	log := deps.Logger
	if log == nil {
		log = slog.Default()
	}
	catalog := deps.Catalog
	if catalog == nil {
		catalog = protocol.NewCatalog(protocol.Default())
	}
	mux := http.NewServeMux()
	s := &Server{
		cfg:      cfg,
		sessions: deps.Sessions,
		training: deps.Training,
		catalog:  catalog,
		log:      log.With("component", "daemon"),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  64 << 10,
			WriteBufferSize: 16 << 10,
			// device bridges connect from arbitrary local origins
			CheckOrigin: func(*http.Request) bool { return true },
		},
		conns: map[*websocket.Conn]struct{}{},
		httpSrv: &http.Server{
			Handler:           mux,
			ReadHeaderTimeout: 5 * time.Second,
		},
	}

	mux.HandleFunc("/v1/health", s.healthHandler)
	mux.HandleFunc("/v1/protocols", s.protocolsHandler)
	mux.HandleFunc("/v1/sessions", s.sessionsHandler)
	mux.HandleFunc("/v1/sessions/", s.sessionByIDHandler)
	mux.HandleFunc("/v1/stream", s.streamHandler)
	return s
}

// Handler exposes the routes without listeners, for tests and embedding.
func (s *Server) Handler() http.Handler {
	return s.httpSrv.Handler
}

// Start listens on the configured TCP address and unix socket (either may
// be empty, not both) and serves until ctx is done.
func (s *Server) Start(ctx context.Context) error {
	if s.cfg.ListenAddr == "" && s.cfg.SocketPath == "" {
		return fmt.Errorf("no listen address or socket path configured")
	}
	var listeners []net.Listener
	if s.cfg.SocketPath != "" {
		ln, err := s.listenUnix()
		if err != nil {
			return err
		}
		listeners = append(listeners, ln)
	}
	if s.cfg.ListenAddr != "" {
		ln, err := net.Listen("tcp", s.cfg.ListenAddr)
		if err != nil {
			for _, l := range listeners {
				l.Close() //nolint:errcheck
			}
			s.releaseLock() //nolint:errcheck
			return fmt.Errorf("listen tcp: %w", err)
		}
		listeners = append(listeners, ln)
	}
	s.mu.Lock()
	s.listeners = listeners
	s.mu.Unlock()

	errCh := make(chan error, len(listeners))
	for _, ln := range listeners {
		s.log.Info("listening", "network", ln.Addr().Network(), "addr", ln.Addr().String())
		go func(ln net.Listener) {
			if err := s.httpSrv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
				errCh <- fmt.Errorf("serve %s: %w", ln.Addr().Network(), err)
			}
		}(ln)
	}

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = s.Shutdown(shutdownCtx)
		return ctx.Err()
	case err := <-errCh:
		_ = s.Shutdown(context.Background())
		return err
	}
}

// Addr returns the address of the first bound listener of the given network.
func (s *Server) Addr(network string) net.Addr {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, ln := range s.listeners {
		if ln.Addr().Network() == network {
			return ln.Addr()
		}
	}
	return nil
}

func (s *Server) listenUnix() (net.Listener, error) {
	if err := os.MkdirAll(filepath.Dir(s.cfg.SocketPath), 0o755); err != nil {
		return nil, fmt.Errorf("create socket dir: %w", err)
	}
	if err := s.acquireLock(); err != nil {
		return nil, err
	}
	if st, err := os.Lstat(s.cfg.SocketPath); err == nil {
		if st.Mode()&os.ModeSocket == 0 {
			s.releaseLock() //nolint:errcheck
			return nil, fmt.Errorf("socket path exists and is not unix socket: %s", s.cfg.SocketPath)
		}
		if err := os.Remove(s.cfg.SocketPath); err != nil {
			s.releaseLock() //nolint:errcheck
			return nil, fmt.Errorf("remove stale socket: %w", err)
		}
	} else if !errors.Is(err, os.ErrNotExist) {
		s.releaseLock() //nolint:errcheck
		return nil, fmt.Errorf("stat socket path: %w", err)
	}
	ln, err := net.Listen("unix", s.cfg.SocketPath)
	if err != nil {
		s.releaseLock() //nolint:errcheck
		return nil, fmt.Errorf("listen uds: %w", err)
	}
	if err := os.Chmod(s.cfg.SocketPath, 0o600); err != nil {
		ln.Close()      //nolint:errcheck
		s.releaseLock() //nolint:errcheck
		return nil, fmt.Errorf("chmod socket: %w", err)
	}
	return ln, nil
}

// Shutdown stops accepting requests, closes open streams (which ends their
// sessions) and releases the socket lock.
func (s *Server) Shutdown(ctx context.Context) error {
	s.shutdown.Do(func() {
		var errs []error
		if err := s.httpSrv.Shutdown(ctx); err != nil {
			errs = append(errs, err)
		}

		s.mu.Lock()
		s.closing = true
		conns := make([]*websocket.Conn, 0, len(s.conns))
		for c := range s.conns {
			conns = append(conns, c)
		}
		s.listeners = nil
		s.mu.Unlock()
		for _, c := range conns {
			_ = c.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseGoingAway, "server shutting down"),
				time.Now().Add(time.Second))
			c.Close() //nolint:errcheck
		}
		done := make(chan struct{})
		go func() {
			s.streams.Wait()
			close(done)
		}()
		select {
		case <-done:
		case <-ctx.Done():
			errs = append(errs, fmt.Errorf("wait for streams: %w", ctx.Err()))
		}

		if s.cfg.SocketPath != "" {
			if err := os.Remove(s.cfg.SocketPath); err != nil && !errors.Is(err, os.ErrNotExist) {
				errs = append(errs, err)
			}
		}
		if err := s.releaseLock(); err != nil {
			errs = append(errs, err)
		}
		if len(errs) > 0 {
			s.shutdownErr = fmt.Errorf("shutdown errors: %v", errs)
		}
	})
	return s.shutdownErr
}

func (s *Server) healthHandler(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		s.methodNotAllowed(w, http.MethodGet)
		return
	}
	s.writeJSON(w, http.StatusOK, api.HealthResponse{
		SchemaVersion: api.SchemaVersion,
		GeneratedAt:   time.Now().UTC(),
		Status:        "ok",
		LiveSessions:  s.sessions.Len(),
	})
}

func (s *Server) protocolsHandler(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		s.methodNotAllowed(w, http.MethodGet)
		return
	}
	s.writeJSON(w, http.StatusOK, api.ProtocolsEnvelope{
		SchemaVersion: api.SchemaVersion,
		GeneratedAt:   time.Now().UTC(),
		Protocols:     s.catalog.Names(),
	})
}

func (s *Server) sessionsHandler(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		s.listSessions(w, r)
	case http.MethodPost:
		s.writeJSON(w, http.StatusCreated, api.SessionIDResponse{
			SchemaVersion: api.SchemaVersion,
			GeneratedAt:   time.Now().UTC(),
			SessionID:     session.NewSessionID(),
		})
	default:
		s.methodNotAllowed(w, http.MethodGet, http.MethodPost)
	}
}

func (s *Server) listSessions(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	filter := session.Filter{SessionID: strings.TrimSpace(q.Get("session_id"))}
	if raw := strings.TrimSpace(q.Get("phase")); raw != "" {
		phase, err := model.ParsePhase(raw)
		if err != nil {
			s.writeError(w, http.StatusBadRequest, model.ErrCodeInvalid, err.Error())
			return
		}
		filter.Phase = phase
	}
	if raw := strings.TrimSpace(q.Get("include_ended")); raw != "" {
		v, err := strconv.ParseBool(raw)
		if err != nil {
			s.writeError(w, http.StatusBadRequest, model.ErrCodeInvalid, "include_ended must be a boolean")
			return
		}
		filter.IncludeEnded = v
	}
	if raw := strings.TrimSpace(q.Get("limit")); raw != "" {
		v, err := strconv.Atoi(raw)
		if err != nil || v < 0 {
			s.writeError(w, http.StatusBadRequest, model.ErrCodeInvalid, "limit must be a non-negative integer")
			return
		}
		filter.Limit = v
	}
	views, err := s.sessions.List(r.Context(), filter)
	if err != nil {
		s.log.Error("list sessions failed", "err", err)
		s.writeError(w, http.StatusInternalServerError, model.ErrCodeInternal, "failed to list sessions")
		return
	}
	items := make([]api.SessionItem, 0, len(views))
	for _, v := range views {
		items = append(items, toSessionItem(v))
	}
	s.writeJSON(w, http.StatusOK, api.SessionsEnvelope{
		SchemaVersion: api.SchemaVersion,
		GeneratedAt:   time.Now().UTC(),
		Sessions:      items,
	})
}

func (s *Server) sessionByIDHandler(w http.ResponseWriter, r *http.Request) {
	tail := strings.TrimPrefix(r.URL.Path, "/v1/sessions/")
	parts := strings.Split(strings.Trim(tail, "/"), "/")
	if len(parts) == 0 || parts[0] == "" || len(parts) > 2 {
		s.writeError(w, http.StatusNotFound, model.ErrCodeNotFound, "session route not found")
		return
	}
	id, err := url.PathUnescape(parts[0])
	if err != nil || strings.TrimSpace(id) == "" {
		s.writeError(w, http.StatusBadRequest, model.ErrCodeInvalid, "invalid session id encoding")
		return
	}
	id = strings.TrimSpace(id)

	if len(parts) == 1 {
		switch r.Method {
		case http.MethodGet:
			s.getSession(w, r, id)
		case http.MethodDelete:
			s.endSession(w, r, id)
		default:
			s.methodNotAllowed(w, http.MethodGet, http.MethodDelete)
		}
		return
	}

	switch parts[1] {
	case "calibration":
		if r.Method != http.MethodPost {
			s.methodNotAllowed(w, http.MethodPost)
			return
		}
		s.startCalibration(w, r, id)
	case "classification":
		if r.Method != http.MethodPost {
			s.methodNotAllowed(w, http.MethodPost)
			return
		}
		s.startClassification(w, r, id)
	case "result":
		if r.Method != http.MethodGet {
			s.methodNotAllowed(w, http.MethodGet)
			return
		}
		s.latestResult(w, id)
	case "training":
		if r.Method != http.MethodGet {
			s.methodNotAllowed(w, http.MethodGet)
			return
		}
		s.trainingStatus(w, r, id)
	default:
		s.writeError(w, http.StatusNotFound, model.ErrCodeNotFound, "session route not found")
	}
}

func (s *Server) getSession(w http.ResponseWriter, r *http.Request, id string) {
	views, err := s.sessions.List(r.Context(), session.Filter{SessionID: id, IncludeEnded: true, Limit: 1})
	if err != nil {
		s.log.Error("get session failed", "session_id", id, "err", err)
		s.writeError(w, http.StatusInternalServerError, model.ErrCodeInternal, "failed to load session")
		return
	}
	if len(views) == 0 {
		s.writeError(w, http.StatusNotFound, model.ErrCodeNotFound, "session not found")
		return
	}
	s.writeJSON(w, http.StatusOK, api.SessionEnvelope{
		SchemaVersion: api.SchemaVersion,
		GeneratedAt:   time.Now().UTC(),
		Session:       toSessionItem(views[0]),
	})
}

func (s *Server) endSession(w http.ResponseWriter, r *http.Request, id string) {
	summary := s.sessions.End(r.Context(), id)
	if !summary.Found {
		s.writeError(w, http.StatusNotFound, model.ErrCodeNotFound, "session not found")
		return
	}
	s.writeJSON(w, http.StatusOK, api.EndResponse{
		SchemaVersion: api.SchemaVersion,
		GeneratedAt:   time.Now().UTC(),
		Summary:       summary,
	})
}

func (s *Server) startCalibration(w http.ResponseWriter, r *http.Request, id string) {
	sess, ok := s.sessions.Get(id)
	if !ok {
		s.writeError(w, http.StatusNotFound, model.ErrCodeNotFound, "session not found")
		return
	}
	var req api.StartCalibrationRequest
	if !s.decodeOptionalBody(w, r, &req) {
		return
	}
	var p protocol.Protocol
	switch {
	case req.Protocol != nil && strings.TrimSpace(req.ProtocolName) != "":
		s.writeError(w, http.StatusBadRequest, model.ErrCodeInvalid, "protocol and protocol_name are mutually exclusive")
		return
	case req.Protocol != nil:
		p = *req.Protocol
		if err := p.Validate(); err != nil {
			s.writeError(w, http.StatusBadRequest, model.ErrCodeInvalid, err.Error())
			return
		}
	case strings.TrimSpace(req.ProtocolName) != "":
		named, ok := s.catalog.Get(req.ProtocolName)
		if !ok {
			s.writeError(w, http.StatusNotFound, model.ErrCodeNotFound, fmt.Sprintf("protocol %q not found", strings.TrimSpace(req.ProtocolName)))
			return
		}
		p = named
	default:
		p = protocol.Default()
	}

	start, err := sess.StartCalibration(r.Context(), p)
	if err != nil {
		s.writeSessionError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, api.CalibrationResponse{
		SchemaVersion:    api.SchemaVersion,
		GeneratedAt:      time.Now().UTC(),
		SessionID:        id,
		Protocol:         start.Protocol,
		DurationSeconds:  start.DurationSeconds,
		NominalStartTime: start.NominalStart,
	})
}

func (s *Server) startClassification(w http.ResponseWriter, r *http.Request, id string) {
	sess, ok := s.sessions.Get(id)
	if !ok {
		s.writeError(w, http.StatusNotFound, model.ErrCodeNotFound, "session not found")
		return
	}
	var req api.StartClassificationRequest
	if !s.decodeOptionalBody(w, r, &req) {
		return
	}
	if err := sess.StartClassification(r.Context(), strings.TrimSpace(req.ModelRef)); err != nil {
		s.writeSessionError(w, err)
		return
	}
	v := sess.View()
	s.writeJSON(w, http.StatusOK, api.ClassificationResponse{
		SchemaVersion: api.SchemaVersion,
		GeneratedAt:   time.Now().UTC(),
		SessionID:     id,
		Phase:         string(v.Phase),
		ModelKey:      v.ModelKey,
	})
}

func (s *Server) latestResult(w http.ResponseWriter, id string) {
	sess, ok := s.sessions.Get(id)
	if !ok {
		s.writeError(w, http.StatusNotFound, model.ErrCodeNotFound, "session not found")
		return
	}
	label, ok := sess.LatestLabel()
	if !ok {
		s.writeError(w, http.StatusNotFound, model.ErrCodeNotFound, "no classification result yet")
		return
	}
	s.writeJSON(w, http.StatusOK, api.ResultResponse{
		SchemaVersion: api.SchemaVersion,
		GeneratedAt:   time.Now().UTC(),
		SessionID:     id,
		Label:         label,
	})
}

func (s *Server) trainingStatus(w http.ResponseWriter, r *http.Request, id string) {
	rec := s.training.Status(r.Context(), id)
	if rec.Status == model.TrainingNotFound {
		s.writeError(w, http.StatusNotFound, model.ErrCodeNotFound, "no training run for session")
		return
	}
	s.writeJSON(w, http.StatusOK, api.TrainingResponse{
		SchemaVersion: api.SchemaVersion,
		GeneratedAt:   time.Now().UTC(),
		SessionID:     id,
		RunID:         rec.RunID,
		Status:        string(rec.Status),
		Algorithm:     rec.Algorithm,
		Message:       rec.Message,
		UpdatedAt:     rec.UpdatedAt,
	})
}

// decodeOptionalBody decodes a JSON body into dst. An empty body leaves dst
// untouched.
func (s *Server) decodeOptionalBody(w http.ResponseWriter, r *http.Request, dst any) bool {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxControlBodyBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil && !errors.Is(err, io.EOF) {
		s.writeError(w, http.StatusBadRequest, model.ErrCodeInvalid, "invalid request body")
		return false
	}
	return true
}

func toSessionItem(v session.View) api.SessionItem {
	return api.SessionItem{
		SessionID:          v.SessionID,
		Phase:              string(v.Phase),
		FinalPhase:         string(v.FinalPhase),
		ChannelLabels:      v.ChannelLabels,
		SamplingRate:       v.SamplingRate,
		SamplesAccepted:    v.SamplesAccepted,
		SamplesDropped:     v.SamplesDropped,
		LabelsEmitted:      v.LabelsEmitted,
		ProtocolName:       v.ProtocolName,
		CalibrationSeconds: v.CalibrationSeconds,
		BufferedSeconds:    v.BufferedSeconds,
		ModelKey:           v.ModelKey,
		TrainingMessage:    v.TrainingMessage,
		LatestLabel:        v.LatestLabel,
		CreatedAt:          v.CreatedAt,
		EndedAt:            v.EndedAt,
	}
}

func statusForCode(code string) int {
	switch code {
	case model.ErrCodeInvalid:
		return http.StatusBadRequest
	case model.ErrCodeNotFound:
		return http.StatusNotFound
	case model.ErrCodeDuplicateSession, model.ErrCodeInvalidStateTransition,
		model.ErrCodeSessionBusy, model.ErrCodeTrainingInProgress, model.ErrCodeTrainingFailed:
		return http.StatusConflict
	case model.ErrCodeModelNotLoaded, model.ErrCodeShapeMismatch, model.ErrCodeInsufficientData:
		return http.StatusUnprocessableEntity
	default:
		return http.StatusInternalServerError
	}
}

func (s *Server) writeSessionError(w http.ResponseWriter, err error) {
	code := model.ErrorCode(err)
	status := statusForCode(code)
	if status == http.StatusInternalServerError {
		s.log.Error("control request failed", "err", err)
	}
	s.writeError(w, status, code, err.Error())
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func (s *Server) writeError(w http.ResponseWriter, status int, code, msg string) {
	resp := api.ErrorResponse{
		SchemaVersion: api.SchemaVersion,
		GeneratedAt:   time.Now().UTC(),
		Error: api.APIError{
			Code:    code,
			Message: msg,
		},
	}
	s.writeJSON(w, status, resp)
}

func (s *Server) methodNotAllowed(w http.ResponseWriter, allow ...string) {
	if len(allow) > 0 {
		w.Header().Set("Allow", strings.Join(allow, ", "))
	}
	s.writeError(w, http.StatusMethodNotAllowed, model.ErrCodeInvalid, "method not allowed")
}
