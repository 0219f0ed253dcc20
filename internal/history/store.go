package history

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

	"github.com/loqalabs/loqa-prompt/internal/config"
	"github.com/loqalabs/loqa-prompt/internal/prompt"
	_ "modernc.org/sqlite"
)

// Session describes a stored conversation.
type Session struct {
	ID        string
	Model     string
	CreatedAt time.Time
}

// Store keeps conversation turns per session. In ephemeral mode turns live in
// memory only; otherwise they are written to SQLite.
type Store struct {
	db    *sql.DB
	cfg   config.HistoryConfig
	log   *slog.Logger
	clock func() time.Time

	mu       sync.Mutex
	sessions map[string]Session
	turns    map[string][]prompt.Turn
}

// Open initializes the history store according to config.
func Open(ctx context.Context, cfg config.HistoryConfig, log *slog.Logger) (*Store, error) {
	s := &Store{cfg: cfg, log: log, clock: time.Now}
	if cfg.RetentionMode == "ephemeral" {
		s.sessions = make(map[string]Session)
		s.turns = make(map[string][]prompt.Turn)
		return s, nil
	}

	dir := filepath.Dir(cfg.Path)
	if dir != "." && dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create data dir: %w", err)
		}
	}

	dsn := fmt.Sprintf("file:%s?_pragma=journal_mode(WAL)&_pragma=foreign_keys(ON)", cfg.Path)
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping sqlite: %w", err)
	}
	s.db = db

	if err := s.initSchema(ctx); err != nil {
		db.Close()
		return nil, err
	}

	if cfg.VacuumOnStart {
		if _, err := db.ExecContext(ctx, "VACUUM"); err != nil {
			log.Warn("history vacuum failed", slog.String("error", err.Error()))
		}
	}

	if err := s.Prune(ctx); err != nil {
		log.Warn("history prune on start failed", slog.String("error", err.Error()))
	}

	return s, nil
}

func (s *Store) initSchema(ctx context.Context) error {
	ddl := `
CREATE TABLE IF NOT EXISTS sessions (
    session_id TEXT PRIMARY KEY,
    model TEXT,
    created_at TIMESTAMP NOT NULL
);
CREATE TABLE IF NOT EXISTS turns (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    session_id TEXT NOT NULL,
    role TEXT NOT NULL,
    content TEXT NOT NULL,
    created_at TIMESTAMP NOT NULL,
    FOREIGN KEY(session_id) REFERENCES sessions(session_id) ON DELETE CASCADE
);
CREATE INDEX IF NOT EXISTS idx_turns_session ON turns(session_id, id);
`
	if _, err := s.db.ExecContext(ctx, ddl); err != nil {
		return fmt.Errorf("init history schema: %w", err)
	}
	return nil
}

// Close releases underlying resources.
func (s *Store) Close() error {
	if s.db == nil {
		return nil
	}
	return s.db.Close()
}

// AppendSession ensures a session row exists.
func (s *Store) AppendSession(ctx context.Context, sessionID, model string) error {
	if s.db == nil {
		s.mu.Lock()
		defer s.mu.Unlock()
		if existing, ok := s.sessions[sessionID]; ok {
			existing.Model = model
			s.sessions[sessionID] = existing
			return nil
		}
		s.sessions[sessionID] = Session{ID: sessionID, Model: model, CreatedAt: s.clock().UTC()}
		return nil
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO sessions(session_id, model, created_at)
		 VALUES(?, ?, ?)
		 ON CONFLICT(session_id) DO UPDATE SET model=excluded.model`,
		sessionID, model, s.clock().UTC())
	return err
}

// AppendTurns adds turns to the end of a session in a single transaction.
func (s *Store) AppendTurns(ctx context.Context, sessionID string, turns ...prompt.Turn) error {
	if len(turns) == 0 {
		return nil
	}
	if s.db == nil {
		s.mu.Lock()
		defer s.mu.Unlock()
		if _, ok := s.sessions[sessionID]; !ok {
			return fmt.Errorf("unknown session %q", sessionID)
		}
		s.turns[sessionID] = append(s.turns[sessionID], turns...)
		return nil
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	now := s.clock().UTC()
	for _, t := range turns {
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO turns(session_id, role, content, created_at) VALUES(?, ?, ?, ?)`,
			sessionID, string(t.Role), t.Content, now); err != nil {
			tx.Rollback()
			return err
		}
	}
	return tx.Commit()
}

// Turns returns up to limit of the most recent turns of a session in
// chronological order. A non-positive limit falls back to the configured
// maximum.
func (s *Store) Turns(ctx context.Context, sessionID string, limit int) ([]prompt.Turn, error) {
	if limit <= 0 {
		limit = s.cfg.MaxTurns
	}
	if limit <= 0 {
		limit = 200
	}
	if s.db == nil {
		s.mu.Lock()
		defer s.mu.Unlock()
		all := s.turns[sessionID]
		if len(all) > limit {
			all = all[len(all)-limit:]
		}
		return append([]prompt.Turn(nil), all...), nil
	}

	rows, err := s.db.QueryContext(ctx,
		`SELECT role, content FROM (
		     SELECT id, role, content FROM turns WHERE session_id = ? ORDER BY id DESC LIMIT ?
		 ) ORDER BY id ASC`, sessionID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var turns []prompt.Turn
	for rows.Next() {
		var role, content string
		if err := rows.Scan(&role, &content); err != nil {
			return nil, err
		}
		turns = append(turns, prompt.Turn{Role: prompt.Role(role), Content: content})
	}
	return turns, rows.Err()
}

// SystemTurn returns the first turn of a session when it is a system turn.
func (s *Store) SystemTurn(ctx context.Context, sessionID string) (prompt.Turn, bool, error) {
	if s.db == nil {
		s.mu.Lock()
		defer s.mu.Unlock()
		all := s.turns[sessionID]
		if len(all) == 0 || all[0].Role != prompt.RoleSystem {
			return prompt.Turn{}, false, nil
		}
		return all[0], true, nil
	}

	var role, content string
	err := s.db.QueryRowContext(ctx,
		`SELECT role, content FROM turns WHERE session_id = ? ORDER BY id ASC LIMIT 1`,
		sessionID).Scan(&role, &content)
	if errors.Is(err, sql.ErrNoRows) {
		return prompt.Turn{}, false, nil
	}
	if err != nil {
		return prompt.Turn{}, false, err
	}
	if prompt.Role(role) != prompt.RoleSystem {
		return prompt.Turn{}, false, nil
	}
	return prompt.Turn{Role: prompt.RoleSystem, Content: content}, true, nil
}

// Clear removes a session and its turns.
func (s *Store) Clear(ctx context.Context, sessionID string) error {
	if s.db == nil {
		s.mu.Lock()
		defer s.mu.Unlock()
		delete(s.sessions, sessionID)
		delete(s.turns, sessionID)
		return nil
	}
	_, err := s.db.ExecContext(ctx, `DELETE FROM sessions WHERE session_id = ?`, sessionID)
	return err
}

// Prune applies configured retention (called on startup and can be scheduled).
func (s *Store) Prune(ctx context.Context) (err error) {
	if s.db == nil || s.cfg.RetentionMode == "ephemeral" {
		return nil
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() {
		if err != nil {
			tx.Rollback()
		}
	}()

	if s.cfg.RetentionDays > 0 {
		cutoff := s.clock().Add(-time.Duration(s.cfg.RetentionDays) * 24 * time.Hour)
		if _, err = tx.ExecContext(ctx, `DELETE FROM sessions WHERE created_at < ?`, cutoff.UTC()); err != nil {
			return err
		}
	}
	if s.cfg.MaxSessions > 0 {
		_, err = tx.ExecContext(ctx, `DELETE FROM sessions WHERE session_id IN (
			SELECT session_id FROM sessions ORDER BY created_at DESC LIMIT -1 OFFSET ?
		)`, s.cfg.MaxSessions)
		if err != nil {
			return err
		}
	}
	return tx.Commit()
}
