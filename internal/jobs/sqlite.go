package jobs

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	_ "modernc.org/sqlite"

	"github.com/johnswift/contentbridge/internal/migrate"
)

const statusSchema = `
	CREATE TABLE IF NOT EXISTS processes (
		id TEXT PRIMARY KEY,
		kind TEXT NOT NULL,
		state TEXT NOT NULL,
		progress REAL NOT NULL DEFAULT 0,
		submitted_at INTEGER NOT NULL,
		started_at INTEGER,
		completed_at INTEGER,
		message TEXT NOT NULL DEFAULT '',
		artifact_path TEXT NOT NULL DEFAULT '',
		download_url TEXT NOT NULL DEFAULT '',
		cancel_requested INTEGER NOT NULL DEFAULT 0,
		result TEXT
	);
	CREATE INDEX IF NOT EXISTS idx_processes_state ON processes(state);
	CREATE INDEX IF NOT EXISTS idx_processes_completed ON processes(completed_at);
`

// SQLiteStatusStore persists statuses in a SQLite table so finished processes
// stay pollable across restarts.
type SQLiteStatusStore struct {
	db *sql.DB
}

// OpenSQLite opens (or creates) a status database at path. ":memory:" is
// accepted; the pool is pinned to one connection so it sees a single database.
func OpenSQLite(ctx context.Context, path string) (*SQLiteStatusStore, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open status db: %w", err)
	}
	db.SetMaxOpenConns(1)
	if _, err := db.ExecContext(ctx, "PRAGMA busy_timeout = 5000"); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("configure status db: %w", err)
	}
	s, err := NewSQLiteStatusStore(ctx, db)
	if err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

// NewSQLiteStatusStore creates the schema on db if needed.
func NewSQLiteStatusStore(ctx context.Context, db *sql.DB) (*SQLiteStatusStore, error) {
	if _, err := db.ExecContext(ctx, statusSchema); err != nil {
		return nil, fmt.Errorf("create status schema: %w", err)
	}
	return &SQLiteStatusStore{db: db}, nil
}

func toMillis(t *time.Time) any {
	if t == nil {
		return nil
	}
	return t.UnixMilli()
}

func fromMillis(v sql.NullInt64) *time.Time {
	if !v.Valid {
		return nil
	}
	t := time.UnixMilli(v.Int64).UTC()
	return &t
}

func (s *SQLiteStatusStore) Save(ctx context.Context, st Status) error {
	var result any
	if st.Result != nil {
		data, err := json.Marshal(st.Result)
		if err != nil {
			return fmt.Errorf("marshal result: %w", err)
		}
		result = string(data)
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO processes (id, kind, state, progress, submitted_at, started_at, completed_at,
			message, artifact_path, download_url, cancel_requested, result)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			state = excluded.state,
			progress = excluded.progress,
			started_at = excluded.started_at,
			completed_at = excluded.completed_at,
			message = excluded.message,
			artifact_path = excluded.artifact_path,
			download_url = excluded.download_url,
			cancel_requested = excluded.cancel_requested,
			result = excluded.result
	`, st.ProcessID, st.Kind, string(st.State), st.Progress, st.SubmittedAt.UnixMilli(),
		toMillis(st.StartedAt), toMillis(st.CompletionTime), st.Message, st.ArtifactPath,
		st.DownloadURL, st.CancelRequested, result)
	if err != nil {
		return fmt.Errorf("save status %s: %w", st.ProcessID, err)
	}
	return nil
}

const selectStatus = `
	SELECT id, kind, state, progress, submitted_at, started_at, completed_at,
		message, artifact_path, download_url, cancel_requested, result
	FROM processes`

func scanStatus(row interface{ Scan(dest ...any) error }) (Status, error) {
	var (
		st                 Status
		state              string
		submitted          int64
		started, completed sql.NullInt64
		result             sql.NullString
	)
	err := row.Scan(&st.ProcessID, &st.Kind, &state, &st.Progress, &submitted, &started, &completed,
		&st.Message, &st.ArtifactPath, &st.DownloadURL, &st.CancelRequested, &result)
	if err != nil {
		return Status{}, err
	}
	st.State = State(state)
	st.SubmittedAt = time.UnixMilli(submitted).UTC()
	st.StartedAt = fromMillis(started)
	st.CompletionTime = fromMillis(completed)
	if result.Valid && result.String != "" {
		var r migrate.Result
		if err := json.Unmarshal([]byte(result.String), &r); err != nil {
			return Status{}, fmt.Errorf("decode result of %s: %w", st.ProcessID, err)
		}
		st.Result = &r
	}
	return st, nil
}

func (s *SQLiteStatusStore) Load(ctx context.Context, id string) (Status, error) {
	st, err := scanStatus(s.db.QueryRowContext(ctx, selectStatus+` WHERE id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return Status{}, ErrProcessNotFound
	}
	if err != nil {
		return Status{}, fmt.Errorf("load status %s: %w", id, err)
	}
	return st, nil
}

func (s *SQLiteStatusStore) List(ctx context.Context) ([]Status, error) {
	rows, err := s.db.QueryContext(ctx, selectStatus+` ORDER BY submitted_at, id`)
	if err != nil {
		return nil, fmt.Errorf("list statuses: %w", err)
	}
	defer rows.Close()

	var out []Status
	for rows.Next() {
		st, err := scanStatus(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, st)
	}
	return out, rows.Err()
}

func (s *SQLiteStatusStore) DeleteFinishedBefore(ctx context.Context, t time.Time) (int, error) {
	res, err := s.db.ExecContext(ctx, `
		DELETE FROM processes
		WHERE state IN (?, ?) AND completed_at IS NOT NULL AND completed_at < ?
	`, string(StateSucceeded), string(StateFailed), t.UnixMilli())
	if err != nil {
		return 0, fmt.Errorf("delete finished statuses: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, err
	}
	return int(n), nil
}

func (s *SQLiteStatusStore) Close() error {
	return s.db.Close()
}
