package db

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	"github.com/g960059/neurolink/internal/model"
)

var (
	ErrDuplicate = errors.New("duplicate")
	ErrNotFound  = errors.New("not found")
)

type Store struct {
	db *sql.DB
}

func Open(ctx context.Context, path string) (*Store, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return nil, fmt.Errorf("create db dir: %w", err)
	}
	dsn := fmt.Sprintf("file:%s?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)&_pragma=foreign_keys(1)", path)
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	db.SetMaxOpenConns(1)
	if err := db.PingContext(ctx); err != nil {
		return nil, fmt.Errorf("ping sqlite: %w", err)
	}
	if err := os.Chmod(path, 0o600); err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("chmod db path: %w", err)
	}
	return &Store{db: db}, nil
}

func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func (s *Store) DB() *sql.DB {
	return s.db
}

// InsertSession records a new live session. An ended row with the same id
// is replaced; a live one yields ErrDuplicate.
func (s *Store) InsertSession(ctx context.Context, rec model.SessionRecord) error {
	if strings.TrimSpace(rec.SessionID) == "" {
		return fmt.Errorf("session_id is required")
	}
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = time.Now().UTC()
	}
	if rec.UpdatedAt.IsZero() {
		rec.UpdatedAt = rec.CreatedAt
	}
	if rec.Phase == "" {
		rec.Phase = model.PhaseUnstarted
	}
	labels, err := json.Marshal(rec.ChannelLabels)
	if err != nil {
		return fmt.Errorf("marshal channel labels: %w", err)
	}
	res, err := s.db.ExecContext(ctx, `
INSERT INTO sessions(session_id, phase, final_phase, channel_labels, sampling_rate, samples_accepted, samples_dropped, labels_emitted, created_at, updated_at, ended_at)
VALUES (?, ?, NULL, ?, ?, 0, 0, 0, ?, ?, NULL)
ON CONFLICT(session_id) DO UPDATE SET
	phase=excluded.phase,
	final_phase=NULL,
	channel_labels=excluded.channel_labels,
	sampling_rate=excluded.sampling_rate,
	samples_accepted=0,
	samples_dropped=0,
	labels_emitted=0,
	created_at=excluded.created_at,
	updated_at=excluded.updated_at,
	ended_at=NULL
WHERE sessions.ended_at IS NOT NULL
`, rec.SessionID, string(rec.Phase), string(labels), rec.SamplingRate, ts(rec.CreatedAt), ts(rec.UpdatedAt))
	if err != nil {
		return fmt.Errorf("insert session: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("insert session rows affected: %w", err)
	}
	if affected == 0 {
		return ErrDuplicate
	}
	if _, err := s.db.ExecContext(ctx, `DELETE FROM training_runs WHERE session_id = ?`, rec.SessionID); err != nil {
		return fmt.Errorf("clear stale training run: %w", err)
	}
	return nil
}

func (s *Store) UpdateSessionPhase(ctx context.Context, sessionID string, phase model.Phase, at time.Time) error {
	if phase == model.PhaseEnded {
		return fmt.Errorf("use EndSession to end a session")
	}
	res, err := s.db.ExecContext(ctx, `
UPDATE sessions SET phase = ?, updated_at = ?
WHERE session_id = ? AND ended_at IS NULL
`, string(phase), ts(at), sessionID)
	if err != nil {
		return fmt.Errorf("update session phase: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("update session phase rows affected: %w", err)
	}
	if affected == 0 {
		return ErrNotFound
	}
	return nil
}

// EndSession stores the final counters and marks the row ENDED. Ending an
// already ended row is ErrNotFound.
func (s *Store) EndSession(ctx context.Context, rec model.SessionRecord) error {
	endedAt := time.Now().UTC()
	if rec.EndedAt != nil {
		endedAt = rec.EndedAt.UTC()
	}
	res, err := s.db.ExecContext(ctx, `
UPDATE sessions SET
	phase = 'ENDED',
	final_phase = ?,
	samples_accepted = ?,
	samples_dropped = ?,
	labels_emitted = ?,
	updated_at = ?,
	ended_at = ?
WHERE session_id = ? AND ended_at IS NULL
`, nullIfEmpty(string(rec.FinalPhase)), rec.SamplesAccepted, rec.SamplesDropped, rec.LabelsEmitted, ts(endedAt), ts(endedAt), rec.SessionID)
	if err != nil {
		return fmt.Errorf("end session: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("end session rows affected: %w", err)
	}
	if affected == 0 {
		return ErrNotFound
	}
	return nil
}

// MarkOrphanedSessionsEnded closes rows left live by a previous process.
func (s *Store) MarkOrphanedSessionsEnded(ctx context.Context, at time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx, `
UPDATE sessions SET final_phase = phase, phase = 'ENDED', updated_at = ?, ended_at = ?
WHERE ended_at IS NULL
`, ts(at), ts(at))
	if err != nil {
		return 0, fmt.Errorf("mark orphaned sessions: %w", err)
	}
	return res.RowsAffected()
}

func (s *Store) GetSession(ctx context.Context, sessionID string) (model.SessionRecord, error) {
	row := s.db.QueryRowContext(ctx, `
SELECT session_id, phase, final_phase, channel_labels, sampling_rate, samples_accepted, samples_dropped, labels_emitted, created_at, updated_at, ended_at
FROM sessions WHERE session_id = ?
`, sessionID)
	rec, err := scanSession(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return model.SessionRecord{}, ErrNotFound
		}
		return model.SessionRecord{}, err
	}
	return rec, nil
}

type SessionFilter struct {
	SessionID    string
	Phase        model.Phase
	IncludeLive  bool
	IncludeEnded bool
	Limit        int
}

func (s *Store) ListSessions(ctx context.Context, filter SessionFilter) ([]model.SessionRecord, error) {
	var (
		where []string
		args  []any
	)
	if filter.SessionID != "" {
		where = append(where, "session_id = ?")
		args = append(args, filter.SessionID)
	}
	if filter.Phase != "" {
		where = append(where, "(phase = ? OR final_phase = ?)")
		args = append(args, string(filter.Phase), string(filter.Phase))
	}
	switch {
	case filter.IncludeLive && !filter.IncludeEnded:
		where = append(where, "ended_at IS NULL")
	case !filter.IncludeLive && filter.IncludeEnded:
		where = append(where, "ended_at IS NOT NULL")
	case !filter.IncludeLive && !filter.IncludeEnded:
		return []model.SessionRecord{}, nil
	}
	query := `
SELECT session_id, phase, final_phase, channel_labels, sampling_rate, samples_accepted, samples_dropped, labels_emitted, created_at, updated_at, ended_at
FROM sessions`
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY created_at DESC, session_id ASC"
	if filter.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, filter.Limit)
	}
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list sessions: %w", err)
	}
	defer rows.Close() //nolint:errcheck

	out := []model.SessionRecord{}
	for rows.Next() {
		rec, err := scanSession(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate sessions: %w", err)
	}
	return out, nil
}

// PurgeEndedSessions deletes sessions that ended before cutoff along with
// their training runs.
func (s *Store) PurgeEndedSessions(ctx context.Context, cutoff time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM sessions WHERE ended_at IS NOT NULL AND ended_at < ?`, ts(cutoff))
	if err != nil {
		return 0, fmt.Errorf("purge ended sessions: %w", err)
	}
	return res.RowsAffected()
}

// UpsertTrainingRun stores rec unless it would move the same run backwards
// or overwrite a terminal status. A different run id replaces the row.
func (s *Store) UpsertTrainingRun(ctx context.Context, rec model.TrainingRecord) error {
	if rec.Status == model.TrainingNotFound || rec.Status == "" {
		return fmt.Errorf("training status %q cannot be stored", rec.Status)
	}
	if rec.UpdatedAt.IsZero() {
		rec.UpdatedAt = time.Now().UTC()
	}
	_, err := s.db.ExecContext(ctx, `
INSERT INTO training_runs(session_id, run_id, status, algorithm, message, updated_at)
VALUES (?, ?, ?, ?, ?, ?)
ON CONFLICT(session_id) DO UPDATE SET
	run_id=excluded.run_id,
	status=excluded.status,
	algorithm=excluded.algorithm,
	message=excluded.message,
	updated_at=excluded.updated_at
WHERE training_runs.run_id != excluded.run_id
	OR (training_runs.status NOT IN ('COMPLETED','FAILED')
		AND `+statusRankSQL("excluded.status")+` >= `+statusRankSQL("training_runs.status")+`)
`, rec.SessionID, rec.RunID, string(rec.Status), rec.Algorithm, rec.Message, ts(rec.UpdatedAt))
	if err != nil {
		if isForeignKeyErr(err) {
			return fmt.Errorf("%w: session %s", ErrNotFound, rec.SessionID)
		}
		return fmt.Errorf("upsert training run: %w", err)
	}
	return nil
}

func (s *Store) GetTrainingRun(ctx context.Context, sessionID string) (model.TrainingRecord, error) {
	row := s.db.QueryRowContext(ctx, `
SELECT session_id, run_id, status, algorithm, message, updated_at
FROM training_runs WHERE session_id = ?
`, sessionID)
	var (
		rec       model.TrainingRecord
		status    string
		updatedAt string
	)
	if err := row.Scan(&rec.SessionID, &rec.RunID, &status, &rec.Algorithm, &rec.Message, &updatedAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return model.TrainingRecord{}, ErrNotFound
		}
		return model.TrainingRecord{}, fmt.Errorf("get training run: %w", err)
	}
	rec.Status = model.TrainingStatus(status)
	t, err := parseTS(updatedAt)
	if err != nil {
		return model.TrainingRecord{}, fmt.Errorf("parse training updated_at: %w", err)
	}
	rec.UpdatedAt = t
	return rec, nil
}

func (s *Store) CountRows(ctx context.Context, table string) (int64, error) {
	switch table {
	case "sessions", "training_runs":
	default:
		return 0, fmt.Errorf("unknown table %q", table)
	}
	row := s.db.QueryRowContext(ctx, fmt.Sprintf(`SELECT COUNT(*) FROM %s`, table))
	var count int64
	if err := row.Scan(&count); err != nil {
		return 0, fmt.Errorf("count rows %s: %w", table, err)
	}
	return count, nil
}

func statusRankSQL(col string) string {
	return fmt.Sprintf("(CASE %s WHEN 'PENDING' THEN 1 WHEN 'IN_PROGRESS' THEN 2 ELSE 3 END)", col)
}

func scanSession(scanner interface{ Scan(dest ...any) error }) (model.SessionRecord, error) {
	var (
		rec        model.SessionRecord
		phase      string
		finalPhase sql.NullString
		labels     string
		createdAt  string
		updatedAt  string
		endedAt    sql.NullString
	)
	if err := scanner.Scan(
		&rec.SessionID,
		&phase,
		&finalPhase,
		&labels,
		&rec.SamplingRate,
		&rec.SamplesAccepted,
		&rec.SamplesDropped,
		&rec.LabelsEmitted,
		&createdAt,
		&updatedAt,
		&endedAt,
	); err != nil {
		return model.SessionRecord{}, err
	}
	rec.Phase = model.Phase(phase)
	if finalPhase.Valid {
		rec.FinalPhase = model.Phase(finalPhase.String)
	}
	if err := json.Unmarshal([]byte(labels), &rec.ChannelLabels); err != nil {
		return model.SessionRecord{}, fmt.Errorf("unmarshal channel labels: %w", err)
	}
	var err error
	if rec.CreatedAt, err = parseTS(createdAt); err != nil {
		return model.SessionRecord{}, fmt.Errorf("parse created_at: %w", err)
	}
	if rec.UpdatedAt, err = parseTS(updatedAt); err != nil {
		return model.SessionRecord{}, fmt.Errorf("parse updated_at: %w", err)
	}
	if endedAt.Valid {
		v, err := parseTS(endedAt.String)
		if err != nil {
			return model.SessionRecord{}, fmt.Errorf("parse ended_at: %w", err)
		}
		rec.EndedAt = &v
	}
	return rec, nil
}

func nullIfEmpty(v string) any {
	if v == "" {
		return nil
	}
	return v
}

// tsLayout is fixed width so stored timestamps compare correctly as text.
const tsLayout = "2006-01-02T15:04:05.000000000Z07:00"

func ts(t time.Time) string {
	return t.UTC().Format(tsLayout)
}

func parseTS(s string) (time.Time, error) {
	return time.Parse(time.RFC3339Nano, s)
}

func isForeignKeyErr(err error) bool {
	if err == nil {
		return false
	}
	msg := err.Error()
	return containsAny(msg,
		"FOREIGN KEY constraint failed",
		"constraint failed: FOREIGN KEY",
	)
}

func containsAny(s string, patterns ...string) bool {
	for _, p := range patterns {
		if p != "" && strings.Contains(s, p) {
			return true
		}
	}
	return false
}
