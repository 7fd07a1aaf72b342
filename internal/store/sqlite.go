package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"

	"deskchat/internal/domain"
)

// SQLiteStore keeps sessions in a local database. It mints session ids
// itself, like the remote backend does.
type SQLiteStore struct {
	db     *sql.DB
	logger *slog.Logger
	now    func() time.Time
}

func NewSQLiteStore(dbPath string, logger *slog.Logger) (*SQLiteStore, error) {
	if logger == nil {
		logger = slog.Default()
	}
	dir := filepath.Dir(dbPath)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("cannot create database directory %s: %w", dir, err)
	}

	dsn := dbPath + "?_pragma=foreign_keys(1)&_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)"
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("cannot open database: %w", err)
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	s := &SQLiteStore{db: db, logger: logger.With("component", "store.sqlite"), now: time.Now}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("database migration failed: %w", err)
	}
	return s, nil
}

func (s *SQLiteStore) Close() error { return s.db.Close() }

func (s *SQLiteStore) migrate() error {
	_, err := s.db.Exec(`
	CREATE TABLE IF NOT EXISTS sessions (
		id            TEXT PRIMARY KEY,
		title         TEXT,
		user_email    TEXT NOT NULL,
		created_at    TEXT NOT NULL,
		last_activity TEXT,
		active        INTEGER NOT NULL DEFAULT 1
	);
	CREATE INDEX IF NOT EXISTS idx_sessions_user ON sessions(user_email);

	CREATE TABLE IF NOT EXISTS messages (
		id         INTEGER PRIMARY KEY AUTOINCREMENT,
		session_id TEXT NOT NULL REFERENCES sessions(id) ON DELETE CASCADE,
		sender     TEXT NOT NULL,
		type       TEXT NOT NULL,
		content    TEXT NOT NULL,
		sent_at    TEXT NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_messages_session ON messages(session_id, id);
	`)
	return err
}

func formatTime(t time.Time) string { return t.UTC().Format(time.RFC3339Nano) }

func parseTime(s string) time.Time {
	t, _ := time.Parse(time.RFC3339Nano, s)
	return t
}

func (s *SQLiteStore) ListSessions(ctx context.Context, email string) ([]domain.SessionSummary, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, title, user_email, created_at, last_activity, active
		 FROM sessions WHERE user_email = ?
		 ORDER BY COALESCE(last_activity, created_at) DESC, id`, email)
	if err != nil {
		return nil, fmt.Errorf("list sessions: %w", err)
	}
	defer rows.Close()

	var out []domain.SessionSummary
	for rows.Next() {
		var (
			sum         domain.SessionSummary
			title, last sql.NullString
			created     string
		)
		if err := rows.Scan(&sum.ID, &title, &sum.OwnerEmail, &created, &last, &sum.Active); err != nil {
			return nil, fmt.Errorf("list sessions: %w", err)
		}
		sum.CreatedAt = parseTime(created)
		if title.Valid {
			sum.Title = &title.String
		}
		if last.Valid {
			t := parseTime(last.String)
			sum.LastActivityAt = &t
		}
		out = append(out, sum)
	}
	return out, rows.Err()
}

func (s *SQLiteStore) LoadHistory(ctx context.Context, id string) (domain.History, error) {
	var h domain.History
	err := s.db.QueryRowContext(ctx, `SELECT active FROM sessions WHERE id = ?`, id).Scan(&h.Active)
	if errors.Is(err, sql.ErrNoRows) {
		return domain.History{}, domain.ErrSessionNotFound
	}
	if err != nil {
		return domain.History{}, fmt.Errorf("load history: %w", err)
	}

	rows, err := s.db.QueryContext(ctx,
		`SELECT sender, type, content, sent_at FROM messages WHERE session_id = ? ORDER BY id`, id)
	if err != nil {
		return domain.History{}, fmt.Errorf("load history: %w", err)
	}
	defer rows.Close()

	h.Messages = []domain.PersistedMessage{}
	for rows.Next() {
		var (
			pm              domain.PersistedMessage
			content, sentAt string
		)
		if err := rows.Scan(&pm.Sender, &pm.Type, &content, &sentAt); err != nil {
			return domain.History{}, fmt.Errorf("load history: %w", err)
		}
		if err := json.Unmarshal([]byte(content), &pm.Content); err != nil {
			s.logger.Warn("skipping unreadable message content", "session", id, "error", err)
			continue
		}
		pm.Timestamp = parseTime(sentAt)
		h.Messages = append(h.Messages, pm)
	}
	return h, rows.Err()
}

// SaveMessage appends msg; an empty id creates a session owned by email.
func (s *SQLiteStore) SaveMessage(ctx context.Context, id, email string, msg domain.PersistedMessage) (string, error) {
	content, err := json.Marshal(msg.Content)
	if err != nil {
		return "", fmt.Errorf("save message: encode content: %w", err)
	}
	now := s.now()
	sentAt := msg.Timestamp
	if sentAt.IsZero() {
		sentAt = now
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return "", fmt.Errorf("save message: %w", err)
	}
	defer tx.Rollback()

	if id == "" {
		id = uuid.NewString()
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO sessions (id, user_email, created_at, last_activity, active) VALUES (?, ?, ?, ?, 1)`,
			id, email, formatTime(now), formatTime(now)); err != nil {
			return "", fmt.Errorf("save message: create session: %w", err)
		}
		s.logger.Debug("session created", "session", id)
	} else {
		res, err := tx.ExecContext(ctx, `UPDATE sessions SET last_activity = ? WHERE id = ?`, formatTime(now), id)
		if err != nil {
			return "", fmt.Errorf("save message: %w", err)
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return "", fmt.Errorf("save message: %w", domain.ErrSessionNotFound)
		}
	}

	if _, err := tx.ExecContext(ctx,
		`INSERT INTO messages (session_id, sender, type, content, sent_at) VALUES (?, ?, ?, ?, ?)`,
		id, string(msg.Sender), msg.Type, string(content), formatTime(sentAt)); err != nil {
		return "", fmt.Errorf("save message: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return "", fmt.Errorf("save message: %w", err)
	}
	return id, nil
}

// CloseSession is idempotent: closing a closed session succeeds.
func (s *SQLiteStore) CloseSession(ctx context.Context, id string) error {
	return s.updateOne(ctx, "close session", `UPDATE sessions SET active = 0 WHERE id = ?`, id)
}

func (s *SQLiteStore) RenameSession(ctx context.Context, id, title string) error {
	return s.updateOne(ctx, "rename session", `UPDATE sessions SET title = ? WHERE id = ?`, title, id)
}

// DeleteSession removes the session and, by cascade, its messages.
func (s *SQLiteStore) DeleteSession(ctx context.Context, id string) error {
	return s.updateOne(ctx, "delete session", `DELETE FROM sessions WHERE id = ?`, id)
}

func (s *SQLiteStore) updateOne(ctx context.Context, op, query string, args ...any) error {
	res, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("%s: %w", op, domain.ErrSessionNotFound)
	}
	return nil
}
