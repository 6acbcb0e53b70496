package daemon

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/gorilla/websocket"

	"github.com/g960059/neurolink/internal/model"
)

const (
	msgStart   = "START"
	msgEEGData = "EEG_DATA"
	msgEnd     = "END"

	frameSessionCreated = "SESSION_CREATED"
	frameClassification = "CLASSIFICATION"

	ackText   = "ACK"
	endedText = "Session ended"

	endTimeout = 10 * time.Second
)

type streamMessage struct {
	Type          string      `json:"type"`
	SessionID     string      `json:"session_id,omitempty"`
	ChannelLabels []string    `json:"channel_labels,omitempty"`
	SamplingRate  float64     `json:"sampling_rate,omitempty"`
	TimestampUnit string      `json:"timestamp_unit,omitempty"`
	Timestamps    []float64   `json:"timestamps,omitempty"`
	Data          [][]float64 `json:"data,omitempty"`
}

type sessionCreatedFrame struct {
	Type      string      `json:"type"`
	SessionID string      `json:"session_id"`
	Phase     model.Phase `json:"phase"`
}

type classificationFrame struct {
	Type      string        `json:"type"`
	SessionID string        `json:"session_id"`
	Labels    []model.Label `json:"labels"`
}

type errorFrame struct {
	Error string `json:"error"`
}

// stream is one websocket connection. It owns at most one session, which is
// ended when the connection goes away for any reason.
type stream struct {
	srv       *Server
	conn      *websocket.Conn
	ctx       context.Context
	log       *slog.Logger
	sessionID string
}

func (s *Server) streamHandler(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		s.methodNotAllowed(w, http.MethodGet)
		return
	}
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.Warn("websocket upgrade failed", "remote", r.RemoteAddr, "err", err)
		return
	}
	if !s.track(conn) {
		conn.Close() //nolint:errcheck
		return
	}
	defer s.untrack(conn)

	st := &stream{
		srv:  s,
		conn: conn,
		ctx:  r.Context(),
		log:  s.log.With("remote", r.RemoteAddr),
	}
	st.serve()
}

func (s *Server) track(conn *websocket.Conn) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closing {
		return false
	}
	s.conns[conn] = struct{}{}
	s.streams.Add(1)
	return true
}

func (s *Server) untrack(conn *websocket.Conn) {
	s.mu.Lock()
	delete(s.conns, conn)
	s.mu.Unlock()
	s.streams.Done()
}

func (st *stream) serve() {
	defer st.conn.Close() //nolint:errcheck
	defer st.endBound()

	cfg := st.srv.cfg
	if cfg.MaxFrameBytes > 0 {
		st.conn.SetReadLimit(cfg.MaxFrameBytes)
	}
	st.extendReadDeadline()
	st.conn.SetPongHandler(func(string) error {
		st.extendReadDeadline()
		return nil
	})

	stop := make(chan struct{})
	defer close(stop)
	if cfg.PingInterval > 0 {
		go st.pingLoop(cfg.PingInterval, stop)
	}

	for {
		_, data, err := st.conn.ReadMessage()
		if err != nil {
			switch {
			case errors.Is(err, websocket.ErrReadLimit):
				st.log.Warn("stream frame too large", "session_id", st.sessionID, "limit", cfg.MaxFrameBytes)
			case websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway):
				st.log.Info("stream closed", "session_id", st.sessionID, "err", err)
			}
			return
		}
		st.extendReadDeadline()
		if done := st.handle(data); done {
			return
		}
	}
}

func (st *stream) extendReadDeadline() {
	if d := st.srv.cfg.ReadTimeout; d > 0 {
		_ = st.conn.SetReadDeadline(time.Now().Add(d))
	}
}

func (st *stream) pingLoop(interval time.Duration, stop <-chan struct{}) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			if err := st.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(st.writeTimeout())); err != nil {
				return
			}
		}
	}
}

// handle processes one inbound frame and reports whether the connection
// should close.
func (st *stream) handle(data []byte) bool {
	var msg streamMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		return st.writeError("Unknown message type")
	}
	switch msg.Type {
	case msgStart:
		return st.start(msg)
	case msgEEGData:
		return st.eegData(msg)
	case msgEnd:
		st.end(msg)
		return true
	default:
		return st.writeError("Unknown message type")
	}
}

func (st *stream) start(msg streamMessage) bool {
	if st.sessionID != "" {
		return st.writeError("session " + st.sessionID + " already started on this connection")
	}
	info := model.SessionInfo{
		ChannelLabels: msg.ChannelLabels,
		SamplingRate:  msg.SamplingRate,
		TimestampUnit: model.TimestampUnit(msg.TimestampUnit),
	}
	sess, err := st.srv.sessions.Create(st.ctx, msg.SessionID, info)
	if err != nil {
		return st.writeError(err.Error())
	}
	st.sessionID = sess.ID()
	st.log.Info("stream session started", "session_id", st.sessionID)
	return st.writeJSON(sessionCreatedFrame{
		Type:      frameSessionCreated,
		SessionID: st.sessionID,
		Phase:     sess.Phase(),
	})
}

// eegData answers every chunk of a started session with ACK, after the
// labels it produced or the error it caused.
func (st *stream) eegData(msg streamMessage) bool {
	if st.sessionID == "" {
		return st.writeError("no active session; send START first")
	}
	sess, ok := st.srv.sessions.Get(st.sessionID)
	if !ok {
		st.sessionID = ""
		if st.writeError(model.ErrSessionNotFound.Error()) {
			return true
		}
		return st.writeText(ackText)
	}
	res, err := sess.HandleChunk(st.ctx, model.Chunk{Timestamps: msg.Timestamps, Data: msg.Data})
	if len(res.Labels) > 0 {
		if st.writeJSON(classificationFrame{Type: frameClassification, SessionID: st.sessionID, Labels: res.Labels}) {
			return true
		}
	}
	if err != nil {
		st.log.Debug("chunk rejected", "session_id", st.sessionID, "phase", res.Phase, "err", err)
		if st.writeError(err.Error()) {
			return true
		}
	}
	return st.writeText(ackText)
}

func (st *stream) end(msg streamMessage) {
	id := st.sessionID
	if id == "" {
		id = msg.SessionID
	}
	st.sessionID = ""
	ctx, cancel := context.WithTimeout(context.WithoutCancel(st.ctx), endTimeout)
	summary := st.srv.sessions.End(ctx, id)
	cancel()
	if st.writeJSON(summary) {
		return
	}
	if st.writeText(endedText) {
		return
	}
	_ = st.conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, endedText),
		time.Now().Add(st.writeTimeout()))
}

// endBound ends the connection's session if the client never sent END.
func (st *stream) endBound() {
	if st.sessionID == "" {
		return
	}
	id := st.sessionID
	st.sessionID = ""
	ctx, cancel := context.WithTimeout(context.WithoutCancel(st.ctx), endTimeout)
	defer cancel()
	summary := st.srv.sessions.End(ctx, id)
	st.log.Info("stream disconnected; session evicted", "session_id", id, "found", summary.Found, "final_phase", summary.FinalPhase)
}

func (st *stream) writeTimeout() time.Duration {
	if d := st.srv.cfg.WriteTimeout; d > 0 {
		return d
	}
	return 5 * time.Second
}

// writeJSON, writeText and writeError report true when the write failed and
// the connection is unusable.
func (st *stream) writeJSON(v any) bool {
	_ = st.conn.SetWriteDeadline(time.Now().Add(st.writeTimeout()))
	if err := st.conn.WriteJSON(v); err != nil {
		st.log.Info("stream write failed", "session_id", st.sessionID, "err", err)
		return true
	}
	return false
}

func (st *stream) writeText(text string) bool {
	_ = st.conn.SetWriteDeadline(time.Now().Add(st.writeTimeout()))
	if err := st.conn.WriteMessage(websocket.TextMessage, []byte(text)); err != nil {
		st.log.Info("stream write failed", "session_id", st.sessionID, "err", err)
		return true
	}
	return false
}

func (st *stream) writeError(msg string) bool {
	return st.writeJSON(errorFrame{Error: msg})
}
