package db

import (
	"context"
	"database/sql"
	"path/filepath"
	"testing"
	"time"

	_ "modernc.org/sqlite"
)

func openTempDB(t *testing.T) (*sql.DB, context.Context) {
	t.Helper()
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "test.db")
	db, err := sql.Open("sqlite", "file:"+path+"?_pragma=foreign_keys(1)")
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	t.Cleanup(func() {
		_ = db.Close()
	})
	return db, ctx
}

func TestApplyAndRollbackMigrations(t *testing.T) {
	db, ctx := openTempDB(t)
	if err := ApplyMigrations(ctx, db); err != nil {
		t.Fatalf("apply migrations: %v", err)
	}
	if err := ApplyMigrations(ctx, db); err != nil {
		t.Fatalf("re-apply migrations should be a no-op: %v", err)
	}

	mustExist := []string{"sessions", "training_runs"}
	for _, table := range mustExist {
		var name string
		if err := db.QueryRowContext(ctx, `SELECT name FROM sqlite_master WHERE type = 'table' AND name = ?`, table).Scan(&name); err != nil {
			t.Fatalf("expected table %s to exist: %v", table, err)
		}
	}

	if err := RollbackAll(ctx, db); err != nil {
		t.Fatalf("rollback migrations: %v", err)
	}

	for _, table := range mustExist {
		var count int
		if err := db.QueryRowContext(ctx, `SELECT COUNT(*) FROM sqlite_master WHERE type = 'table' AND name = ?`, table).Scan(&count); err != nil {
			t.Fatalf("count table %s: %v", table, err)
		}
		if count != 0 {
			t.Fatalf("table %s still exists after rollback", table)
		}
	}
	if err := ApplyMigrations(ctx, db); err != nil {
		t.Fatalf("apply after rollback: %v", err)
	}
}

func TestCoreConstraints(t *testing.T) {
	db, ctx := openTempDB(t)
	if err := ApplyMigrations(ctx, db); err != nil {
		t.Fatalf("apply migrations: %v", err)
	}

	now := time.Now().UTC().Format(time.RFC3339Nano)
	_, err := db.ExecContext(ctx, `INSERT INTO sessions(session_id, phase, channel_labels, sampling_rate, created_at, updated_at) VALUES('s1','UNSTARTED','["C3"]',250,?,?)`, now, now)
	if err != nil {
		t.Fatalf("insert session: %v", err)
	}
	_, err = db.ExecContext(ctx, `INSERT INTO sessions(session_id, phase, channel_labels, sampling_rate, created_at, updated_at) VALUES('s2','SLEEPING','["C3"]',250,?,?)`, now, now)
	if err == nil {
		t.Fatalf("expected phase check constraint failure")
	}
	_, err = db.ExecContext(ctx, `INSERT INTO sessions(session_id, phase, channel_labels, sampling_rate, created_at, updated_at) VALUES('s3','UNSTARTED','["C3"]',0,?,?)`, now, now)
	if err == nil {
		t.Fatalf("expected sampling_rate check constraint failure")
	}
	_, err = db.ExecContext(ctx, `INSERT INTO training_runs(session_id, run_id, status, algorithm, updated_at) VALUES('missing','r1','PENDING','x',?)`, now)
	if err == nil {
		t.Fatalf("expected FK violation for missing session")
	}
	_, err = db.ExecContext(ctx, `INSERT INTO training_runs(session_id, run_id, status, algorithm, updated_at) VALUES('s1','r1','NOT_FOUND','x',?)`, now)
	if err == nil {
		t.Fatalf("expected status check constraint failure")
	}
}
