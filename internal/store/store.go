// Package store persists tutoring sessions, transcripts and suspensions.
package store

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"io/fs"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	_ "github.com/jackc/pgx/v5/stdlib"
	_ "github.com/mattn/go-sqlite3"
	"github.com/pressly/goose/v3"
	"github.com/rs/zerolog"

	"github.com/lexiqai/tutor-gateway/internal/observability"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// Session statuses.
const (
	StatusPending = "pending"
	StatusActive  = "active"
	StatusEnded   = "ended"
)

var (
	ErrSessionNotFound = errors.New("session not found")
	ErrSessionNotOwned = errors.New("session belongs to another user")
	ErrSessionEnded    = errors.New("session already ended")
	ErrUserSuspended   = errors.New("user is suspended")
	ErrClosed          = errors.New("store is closed")
)

// Session is a tutoring session row.
type Session struct {
	ID              string
	UserID          string
	GradeBand       string
	Status          string
	CreatedAt       time.Time
	StartedAt       sql.NullTime
	EndedAt         sql.NullTime
	EndReason       string
	DurationSeconds int
	TurnCount       int
}

// Entry is one persisted transcript line.
type Entry struct {
	ID        string
	Speaker   string
	Text      string
	Timestamp time.Time
}

// Summary is the accounting written when a session ends.
type Summary struct {
	Reason   string
	EndedAt  time.Time
	Duration time.Duration
	Turns    int
}

// Suspension blocks a user after a content violation.
type Suspension struct {
	ID         string
	UserID     string
	SessionID  string
	Reason     string
	Categories []string
	CreatedAt  time.Time
}

// Store is the persistence used by tutoring sessions.
type Store interface {
	ValidateSession(ctx context.Context, sessionID, userID string) (*Session, error)
	SaveTranscript(ctx context.Context, sessionID string, entries []Entry) error
	FinalizeSession(ctx context.Context, sessionID string, summary Summary) error
	RecordSuspension(ctx context.Context, s Suspension) error
	Ping(ctx context.Context) error
	Close() error
}

// SQLStore implements Store on database/sql. All writes go through a single
// writer goroutine so SQLite never sees concurrent writers.
type SQLStore struct {
	db       *sql.DB
	postgres bool
	logger   zerolog.Logger

	writeChannel chan writeOperation
	shutdown     chan struct{}
	wg           sync.WaitGroup
	mu           sync.RWMutex
	closed       bool
}

type writeOperation struct {
	ctx       context.Context
	operation func(context.Context, *sql.DB) error
	result    chan error
}

// Open connects to driver ("sqlite3" or "pgx"), applies migrations and
// starts the writer.
func Open(ctx context.Context, driver, dsn string) (*SQLStore, error) {
	var dialect goose.Dialect
	switch driver {
	case "sqlite3":
		dialect = goose.DialectSQLite3
		if !strings.Contains(dsn, "?") {
			dsn += "?_busy_timeout=5000&_journal_mode=WAL&_foreign_keys=on"
		}
	case "pgx":
		dialect = goose.DialectPostgres
	default:
		return nil, fmt.Errorf("unsupported store driver %q", driver)
	}

	db, err := sql.Open(driver, dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	db.SetConnMaxIdleTime(5 * time.Minute)
	if driver == "sqlite3" {
		db.SetMaxOpenConns(4)
	}

	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}
	if err := migrate(ctx, db, dialect); err != nil {
		_ = db.Close()
		return nil, err
	}

	s := &SQLStore{
		db:           db,
		postgres:     driver == "pgx",
		logger:       observability.ComponentLogger("store"),
		writeChannel: make(chan writeOperation, 100),
		shutdown:     make(chan struct{}),
	}
	s.wg.Add(1)
	go s.writeLoop()
	return s, nil
}

func migrate(ctx context.Context, db *sql.DB, dialect goose.Dialect) error {
	fsys, err := fs.Sub(migrationsFS, "migrations")
	if err != nil {
		return err
	}
	provider, err := goose.NewProvider(dialect, db, fsys)
	if err != nil {
		return fmt.Errorf("failed to create migration provider: %w", err)
	}
	if _, err := provider.Up(ctx); err != nil {
		return fmt.Errorf("failed to apply migrations: %w", err)
	}
	return nil
}

// writeLoop processes all write operations in a single goroutine
func (s *SQLStore) writeLoop() {
	defer s.wg.Done()
	for {
		select {
		case op := <-s.writeChannel:
			err := op.operation(op.ctx, s.db)
			if err != nil && op.ctx.Err() == nil && isBusy(err) {
				s.logger.Warn().Err(err).Msg("Database write failed, retrying once")
				time.Sleep(100 * time.Millisecond)
				err = op.operation(op.ctx, s.db)
			}
			op.result <- err
		case <-s.shutdown:
			return
		}
	}
}

func isBusy(err error) bool {
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "database is locked") || strings.Contains(msg, "busy")
}

// executeWrite queues a write operation and waits for completion
func (s *SQLStore) executeWrite(ctx context.Context, operation func(context.Context, *sql.DB) error) error {
	s.mu.RLock()
	closed := s.closed
	s.mu.RUnlock()
	if closed {
		return ErrClosed
	}

	result := make(chan error, 1)
	select {
	case s.writeChannel <- writeOperation{ctx: ctx, operation: operation, result: result}:
	case <-ctx.Done():
		return ctx.Err()
	case <-s.shutdown:
		return ErrClosed
	}
	select {
	case err := <-result:
		return err
	case <-s.shutdown:
		return ErrClosed
	}
}

// rebind rewrites ? placeholders to $n for postgres.
func (s *SQLStore) rebind(query string) string {
	if !s.postgres {
		return query
	}
	var b strings.Builder
	n := 0
	for _, r := range query {
		if r == '?' {
			n++
			b.WriteString("$" + strconv.Itoa(n))
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

// CreateSession inserts a pending session
func (s *SQLStore) CreateSession(ctx context.Context, sess Session) error {
	if sess.CreatedAt.IsZero() {
		sess.CreatedAt = time.Now().UTC()
	}
	if sess.Status == "" {
		sess.Status = StatusPending
	}
	return s.executeWrite(ctx, func(ctx context.Context, db *sql.DB) error {
		_, err := db.ExecContext(ctx, s.rebind(`
			INSERT INTO tutoring_sessions (id, user_id, grade_band, status, created_at)
			VALUES (?, ?, ?, ?, ?)`),
			sess.ID, sess.UserID, sess.GradeBand, sess.Status, sess.CreatedAt)
		if err != nil {
			return fmt.Errorf("failed to insert session: %w", err)
		}
		return nil
	})
}

// GetSession retrieves a session by ID
func (s *SQLStore) GetSession(ctx context.Context, sessionID string) (*Session, error) {
	row := s.db.QueryRowContext(ctx, s.rebind(`
		SELECT id, user_id, grade_band, status, created_at, started_at, ended_at, end_reason, duration_seconds, turn_count
		FROM tutoring_sessions
		WHERE id = ?`), sessionID)

	var sess Session
	err := row.Scan(&sess.ID, &sess.UserID, &sess.GradeBand, &sess.Status, &sess.CreatedAt,
		&sess.StartedAt, &sess.EndedAt, &sess.EndReason, &sess.DurationSeconds, &sess.TurnCount)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrSessionNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to query session: %w", err)
	}
	return &sess, nil
}

// ValidateSession checks that the session exists, belongs to userID, has not
// ended and that the user is not suspended, then marks it active.
func (s *SQLStore) ValidateSession(ctx context.Context, sessionID, userID string) (*Session, error) {
	sess, err := s.GetSession(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	if sess.UserID != userID {
		return nil, ErrSessionNotOwned
	}
	if sess.Status == StatusEnded {
		return nil, ErrSessionEnded
	}

	var suspended int
	err = s.db.QueryRowContext(ctx, s.rebind(`SELECT COUNT(*) FROM suspensions WHERE user_id = ?`), userID).Scan(&suspended)
	if err != nil {
		return nil, fmt.Errorf("failed to query suspensions: %w", err)
	}
	if suspended > 0 {
		return nil, ErrUserSuspended
	}

	now := time.Now().UTC()
	err = s.executeWrite(ctx, func(ctx context.Context, db *sql.DB) error {
		_, err := db.ExecContext(ctx, s.rebind(`
			UPDATE tutoring_sessions
			SET status = ?, started_at = COALESCE(started_at, ?)
			WHERE id = ? AND status <> ?`),
			StatusActive, now, sessionID, StatusEnded)
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("failed to activate session: %w", err)
	}
	sess.Status = StatusActive
	if !sess.StartedAt.Valid {
		sess.StartedAt = sql.NullTime{Time: now, Valid: true}
	}
	return sess, nil
}

// SaveTranscript replaces the stored transcript with entries
func (s *SQLStore) SaveTranscript(ctx context.Context, sessionID string, entries []Entry) error {
	return s.executeWrite(ctx, func(ctx context.Context, db *sql.DB) error {
		tx, err := db.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("failed to begin transaction: %w", err)
		}
		defer func() { _ = tx.Rollback() }()

		if _, err := tx.ExecContext(ctx, s.rebind(`DELETE FROM transcript_entries WHERE session_id = ?`), sessionID); err != nil {
			return fmt.Errorf("failed to clear transcript: %w", err)
		}
		insert := s.rebind(`
			INSERT INTO transcript_entries (id, session_id, seq, speaker, text, created_at)
			VALUES (?, ?, ?, ?, ?, ?)`)
		for i, e := range entries {
			if e.ID == "" {
				e.ID = uuid.NewString()
			}
			if _, err := tx.ExecContext(ctx, insert, e.ID, sessionID, i, e.Speaker, e.Text, e.Timestamp.UTC()); err != nil {
				return fmt.Errorf("failed to insert transcript entry: %w", err)
			}
		}
		if err := tx.Commit(); err != nil {
			return fmt.Errorf("failed to commit transcript: %w", err)
		}
		return nil
	})
}

// Transcript returns the stored transcript in order
func (s *SQLStore) Transcript(ctx context.Context, sessionID string) ([]Entry, error) {
	rows, err := s.db.QueryContext(ctx, s.rebind(`
		SELECT id, speaker, text, created_at
		FROM transcript_entries
		WHERE session_id = ?
		ORDER BY seq`), sessionID)
	if err != nil {
		return nil, fmt.Errorf("failed to query transcript: %w", err)
	}
	defer rows.Close()

	var entries []Entry
	for rows.Next() {
		var e Entry
		if err := rows.Scan(&e.ID, &e.Speaker, &e.Text, &e.Timestamp); err != nil {
			return nil, fmt.Errorf("failed to scan transcript entry: %w", err)
		}
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

// FinalizeSession records the end of a session. Only the first call for a
// session has an effect.
func (s *SQLStore) FinalizeSession(ctx context.Context, sessionID string, summary Summary) error {
	if summary.EndedAt.IsZero() {
		summary.EndedAt = time.Now()
	}
	return s.executeWrite(ctx, func(ctx context.Context, db *sql.DB) error {
		res, err := db.ExecContext(ctx, s.rebind(`
			UPDATE tutoring_sessions
			SET status = ?, ended_at = ?, end_reason = ?, duration_seconds = ?, turn_count = ?
			WHERE id = ? AND status <> ?`),
			StatusEnded, summary.EndedAt.UTC(), summary.Reason, int(summary.Duration.Seconds()), summary.Turns,
			sessionID, StatusEnded)
		if err != nil {
			return fmt.Errorf("failed to finalize session: %w", err)
		}
		if n, _ := res.RowsAffected(); n == 0 {
			s.logger.Debug().Str("session_id", sessionID).Msg("Session already finalized")
		}
		return nil
	})
}

// RecordSuspension stores a suspension
func (s *SQLStore) RecordSuspension(ctx context.Context, sus Suspension) error {
	if sus.CreatedAt.IsZero() {
		sus.CreatedAt = time.Now()
	}
	if sus.ID == "" {
		sus.ID = uuid.NewString()
	}
	return s.executeWrite(ctx, func(ctx context.Context, db *sql.DB) error {
		_, err := db.ExecContext(ctx, s.rebind(`
			INSERT INTO suspensions (id, user_id, session_id, reason, categories, created_at)
			VALUES (?, ?, ?, ?, ?, ?)`),
			sus.ID, sus.UserID, sus.SessionID, sus.Reason, strings.Join(sus.Categories, ","), sus.CreatedAt.UTC())
		if err != nil {
			return fmt.Errorf("failed to insert suspension: %w", err)
		}
		return nil
	})
}

// Ping checks the database connection
func (s *SQLStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// Close stops the writer and closes the database
func (s *SQLStore) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	s.mu.Unlock()

	close(s.shutdown)
	s.wg.Wait()
	return s.db.Close()
}
