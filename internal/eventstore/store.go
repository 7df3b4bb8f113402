package eventstore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/loqalabs/cursor-bridge/internal/config"
	_ "modernc.org/sqlite"
)

// Submission is one request forwarded to the agent backend.
type Submission struct {
	ID        string
	Endpoint  string
	Mode      string
	Message   string
	CreatedAt time.Time
}

// Event represents a recorded timeline entry for a submission.
type Event struct {
	ID           int64
	SubmissionID string
	TraceID      string
	Type         string
	Payload      []byte
	CreatedAt    time.Time
}

// Store wraps a SQLite-backed submission timeline and the preferences table
// that stands in for browser local storage.
type Store struct {
	db    *sql.DB
	cfg   config.EventStoreConfig
	log   *slog.Logger
	clock func() time.Time

	// ephemeral mode keeps preferences in memory only
	prefMu sync.Mutex
	prefs  map[string]string
}

// Open initializes the event store according to config.
func Open(ctx context.Context, cfg config.EventStoreConfig, log *slog.Logger) (*Store, error) {
	if cfg.RetentionMode == "ephemeral" {
		return &Store{cfg: cfg, log: log, clock: time.Now, prefs: make(map[string]string)}, nil
	}

	dir := filepath.Dir(cfg.Path)
	if dir != "." && dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create data dir: %w", err)
		}
	}

	dsn := fmt.Sprintf("file:%s?_pragma=journal_mode(WAL)&_pragma=foreign_keys(ON)&_pragma=busy_timeout(5000)", cfg.Path)
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping sqlite: %w", err)
	}

	s := &Store{db: db, cfg: cfg, log: log, clock: time.Now}

	if err := s.initSchema(ctx); err != nil {
		db.Close()
		return nil, err
	}

	if cfg.VacuumOnStart {
		if err := s.vacuum(ctx); err != nil {
			log.Warn("event store vacuum failed", slog.String("error", err.Error()))
		}
	}

	if err := s.Prune(ctx); err != nil {
		log.Warn("event store prune on start failed", slog.String("error", err.Error()))
	}

	return s, nil
}

func (s *Store) initSchema(ctx context.Context) error {
	if s.db == nil {
		return nil
	}
	ddl := `
CREATE TABLE IF NOT EXISTS submissions (
    submission_id TEXT PRIMARY KEY,
    endpoint TEXT,
    mode TEXT,
    message TEXT,
    created_at INTEGER NOT NULL
);
CREATE TABLE IF NOT EXISTS events (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    submission_id TEXT NOT NULL,
    trace_id TEXT,
    event_type TEXT,
    payload BLOB,
    created_at INTEGER NOT NULL,
    FOREIGN KEY(submission_id) REFERENCES submissions(submission_id) ON DELETE CASCADE
);
CREATE INDEX IF NOT EXISTS idx_events_submission ON events(submission_id, id);
CREATE TABLE IF NOT EXISTS preferences (
    key TEXT PRIMARY KEY,
    value TEXT NOT NULL,
    updated_at INTEGER NOT NULL
);
`
	_, err := s.db.ExecContext(ctx, ddl)
	return err
}

func (s *Store) vacuum(ctx context.Context) error {
	if s.db == nil {
		return nil
	}
	_, err := s.db.ExecContext(ctx, "VACUUM")
	return err
}

// Close releases underlying resources.
func (s *Store) Close() error {
	if s.db == nil {
		return nil
	}
	return s.db.Close()
}

func (s *Store) persistent() bool {
	return s.cfg.RetentionMode != "ephemeral" && s.db != nil
}

// AppendSubmission records a submission row; repeated ids are ignored.
func (s *Store) AppendSubmission(ctx context.Context, sub Submission) error {
	if !s.persistent() {
		return nil
	}
	if sub.CreatedAt.IsZero() {
		sub.CreatedAt = s.clock().UTC()
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO submissions(submission_id, endpoint, mode, message, created_at)
		 VALUES(?, ?, ?, ?, ?)
		 ON CONFLICT(submission_id) DO NOTHING`,
		sub.ID, sub.Endpoint, sub.Mode, sub.Message, sub.CreatedAt.UnixNano())
	return err
}

// DeleteSubmission removes a submission and, through the cascade, its events.
func (s *Store) DeleteSubmission(ctx context.Context, id string) error {
	if !s.persistent() {
		return nil
	}
	_, err := s.db.ExecContext(ctx, `DELETE FROM submissions WHERE submission_id = ?`, id)
	return err
}

// AppendEvent writes an event into the store.
func (s *Store) AppendEvent(ctx context.Context, evt Event) error {
	if !s.persistent() {
		return nil
	}
	if evt.CreatedAt.IsZero() {
		evt.CreatedAt = s.clock().UTC()
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO events(submission_id, trace_id, event_type, payload, created_at)
		 VALUES(?, ?, ?, ?, ?)`,
		evt.SubmissionID, evt.TraceID, evt.Type, evt.Payload, evt.CreatedAt.UnixNano())
	return err
}

// ListSubmissionEvents retrieves up to limit events for a submission in arrival order.
func (s *Store) ListSubmissionEvents(ctx context.Context, submissionID string, limit int) ([]Event, error) {
	if !s.persistent() {
		return nil, nil
	}
	if limit <= 0 {
		limit = 500
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, submission_id, trace_id, event_type, payload, created_at
		 FROM events WHERE submission_id = ? ORDER BY id ASC LIMIT ?`, submissionID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var events []Event
	for rows.Next() {
		var e Event
		var traceID sql.NullString
		var created int64
		if err := rows.Scan(&e.ID, &e.SubmissionID, &traceID, &e.Type, &e.Payload, &created); err != nil {
			return nil, err
		}
		e.TraceID = traceID.String
		e.CreatedAt = time.Unix(0, created).UTC()
		events = append(events, e)
	}
	return events, rows.Err()
}

// ListSubmissions returns the most recent submissions, newest first.
func (s *Store) ListSubmissions(ctx context.Context, limit int) ([]Submission, error) {
	if !s.persistent() {
		return nil, nil
	}
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT submission_id, endpoint, mode, message, created_at
		 FROM submissions ORDER BY created_at DESC LIMIT ?`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var subs []Submission
	for rows.Next() {
		var sub Submission
		var created int64
		if err := rows.Scan(&sub.ID, &sub.Endpoint, &sub.Mode, &sub.Message, &created); err != nil {
			return nil, err
		}
		sub.CreatedAt = time.Unix(0, created).UTC()
		subs = append(subs, sub)
	}
	return subs, rows.Err()
}

// Prune applies configured retention (called on startup and can be scheduled).
func (s *Store) Prune(ctx context.Context) (err error) {
	if !s.persistent() {
		return nil
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback()
		}
	}()

	if s.cfg.RetentionDays > 0 {
		cutoff := s.clock().Add(-time.Duration(s.cfg.RetentionDays) * 24 * time.Hour).UnixNano()
		if _, err = tx.ExecContext(ctx, `DELETE FROM events WHERE created_at < ?`, cutoff); err != nil {
			return err
		}
		if _, err = tx.ExecContext(ctx, `DELETE FROM submissions WHERE created_at < ?`, cutoff); err != nil {
			return err
		}
	}
	if s.cfg.MaxSubmissions > 0 {
		_, err = tx.ExecContext(ctx, `DELETE FROM submissions WHERE submission_id IN (
			SELECT submission_id FROM submissions ORDER BY created_at DESC LIMIT -1 OFFSET ?
		)`, s.cfg.MaxSubmissions)
		if err != nil {
			return err
		}
	}
	err = tx.Commit()
	return err
}

// Ensure checks the store matches its retention mode.
func (s *Store) Ensure() error {
	if s.cfg.RetentionMode == "ephemeral" && s.db != nil {
		return errors.New("ephemeral store should not have database connection")
	}
	return nil
}
