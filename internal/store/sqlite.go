package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	_ "github.com/mattn/go-sqlite3" // SQLite driver
)

// ErrSessionNotFound is returned by mutations that target a session the
// caller does not own or that no longer exists.
var ErrSessionNotFound = errors.New("session not found")

type SQLiteStore struct {
	db  *sql.DB
	now func() time.Time
}

func NewSQLiteStore(dataSourceName string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite3", dataSourceName)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	// A single connection serializes writers and keeps ":memory:" databases
	// alive for the lifetime of the pool.
	db.SetMaxOpenConns(1)
	if err = db.Ping(); err != nil {
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	store := &SQLiteStore{db: db, now: func() time.Time { return time.Now().UTC() }}
	if err = store.initSchema(); err != nil {
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}
	return store, nil
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

func (s *SQLiteStore) initSchema() error {
	schema := `
    PRAGMA foreign_keys = ON;

    CREATE TABLE IF NOT EXISTS sessions (
        id TEXT PRIMARY KEY, -- UUID
        user_id TEXT NOT NULL,
        title TEXT NOT NULL,
        source_filter TEXT,
        message_count INTEGER NOT NULL DEFAULT 0,
        created_at DATETIME NOT NULL,
        updated_at DATETIME NOT NULL
    );
    CREATE INDEX IF NOT EXISTS idx_sessions_user ON sessions (user_id, updated_at);

    CREATE TABLE IF NOT EXISTS messages (
        id TEXT PRIMARY KEY, -- UUID
        session_id TEXT NOT NULL,
        user_id TEXT NOT NULL,
        role TEXT NOT NULL CHECK (role IN ('user', 'assistant')),
        content TEXT NOT NULL,
        retrieval_context TEXT, -- JSON, assistant turns only
        input_tokens INTEGER,
        output_tokens INTEGER,
        created_at DATETIME NOT NULL,
        FOREIGN KEY (session_id) REFERENCES sessions (id) ON DELETE CASCADE
    );
    CREATE INDEX IF NOT EXISTS idx_messages_session ON messages (session_id, created_at);

    CREATE TABLE IF NOT EXISTS passages (
        id TEXT PRIMARY KEY,
        source TEXT NOT NULL,
        filename TEXT NOT NULL,
        text TEXT NOT NULL,
        embedding_json TEXT -- JSON array of float32
    );
    CREATE INDEX IF NOT EXISTS idx_passages_source ON passages (source);
    `
	_, err := s.db.Exec(schema)
	return err
}

// Session methods

func (s *SQLiteStore) CreateSession(ctx context.Context, userID, title string, sourceFilter *string) (*Session, error) {
	if title == "" {
		title = DefaultSessionTitle
	}
	now := s.now()
	session := &Session{
		ID:           uuid.NewString(),
		UserID:       userID,
		Title:        title,
		SourceFilter: sourceFilter,
		CreatedAt:    now,
		UpdatedAt:    now,
	}

	_, err := s.db.ExecContext(ctx,
		"INSERT INTO sessions (id, user_id, title, source_filter, message_count, created_at, updated_at) VALUES (?, ?, ?, ?, 0, ?, ?)",
		session.ID, session.UserID, session.Title, sourceFilter, now, now)
	if err != nil {
		return nil, fmt.Errorf("failed to insert session: %w", err)
	}
	return session, nil
}

// GetSession returns nil, nil when the session does not exist or belongs to another user.
func (s *SQLiteStore) GetSession(ctx context.Context, sessionID, userID string) (*Session, error) {
	return getSession(ctx, s.db, sessionID, userID)
}

type queryRower interface {
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

func getSession(ctx context.Context, q queryRower, sessionID, userID string) (*Session, error) {
	row := q.QueryRowContext(ctx,
		"SELECT id, user_id, title, source_filter, message_count, created_at, updated_at FROM sessions WHERE id = ? AND user_id = ?",
		sessionID, userID)
	session, err := scanSession(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil // Not found
		}
		return nil, fmt.Errorf("failed to get session: %w", err)
	}
	return session, nil
}

type scanner interface {
	Scan(dest ...any) error
}

func scanSession(row scanner) (*Session, error) {
	var session Session
	var filter sql.NullString
	if err := row.Scan(&session.ID, &session.UserID, &session.Title, &filter, &session.MessageCount, &session.CreatedAt, &session.UpdatedAt); err != nil {
		return nil, err
	}
	if filter.Valid {
		session.SourceFilter = &filter.String
	}
	return &session, nil
}

func (s *SQLiteStore) ListSessions(ctx context.Context, userID string) ([]Session, error) {
	rows, err := s.db.QueryContext(ctx,
		"SELECT id, user_id, title, source_filter, message_count, created_at, updated_at FROM sessions WHERE user_id = ? ORDER BY updated_at DESC",
		userID)
	if err != nil {
		return nil, fmt.Errorf("failed to query sessions: %w", err)
	}
	defer rows.Close()

	sessions := []Session{}
	for rows.Next() {
		session, err := scanSession(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan session row: %w", err)
		}
		sessions = append(sessions, *session)
	}
	return sessions, rows.Err()
}

func (s *SQLiteStore) RenameSession(ctx context.Context, sessionID, userID, title string) (*Session, error) {
	res, err := s.db.ExecContext(ctx,
		"UPDATE sessions SET title = ?, updated_at = MAX(updated_at, ?) WHERE id = ? AND user_id = ?",
		title, s.now(), sessionID, userID)
	if err != nil {
		return nil, fmt.Errorf("failed to execute session title update: %w", err)
	}
	if affected, _ := res.RowsAffected(); affected == 0 {
		return nil, ErrSessionNotFound
	}
	return s.GetSession(ctx, sessionID, userID)
}

// DeleteSession removes the session and every message that references it.
func (s *SQLiteStore) DeleteSession(ctx context.Context, sessionID, userID string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin delete transaction: %w", err)
	}
	defer tx.Rollback()

	res, err := tx.ExecContext(ctx, "DELETE FROM sessions WHERE id = ? AND user_id = ?", sessionID, userID)
	if err != nil {
		return fmt.Errorf("failed to delete session: %w", err)
	}
	if affected, _ := res.RowsAffected(); affected == 0 {
		return ErrSessionNotFound
	}
	if _, err := tx.ExecContext(ctx, "DELETE FROM messages WHERE session_id = ?", sessionID); err != nil {
		return fmt.Errorf("failed to delete session messages: %w", err)
	}
	return tx.Commit()
}

// Message methods

// CreateMessage stores a user turn. The session counters are only touched by
// ApplyExchange.
func (s *SQLiteStore) CreateMessage(ctx context.Context, msg *Message) error {
	msg.ID = uuid.NewString()
	msg.CreatedAt = s.now()
	return insertMessage(ctx, s.db, msg)
}

type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

func insertMessage(ctx context.Context, ex execer, msg *Message) error {
	var contextJSON sql.NullString
	if msg.Context != nil {
		b, err := json.Marshal(msg.Context)
		if err != nil {
			return fmt.Errorf("failed to marshal retrieval context: %w", err)
		}
		contextJSON = sql.NullString{String: string(b), Valid: true}
	}
	var inputTokens, outputTokens sql.NullInt64
	if msg.Usage != nil {
		inputTokens = sql.NullInt64{Int64: int64(msg.Usage.InputTokens), Valid: true}
		outputTokens = sql.NullInt64{Int64: int64(msg.Usage.OutputTokens), Valid: true}
	}

	_, err := ex.ExecContext(ctx,
		"INSERT INTO messages (id, session_id, user_id, role, content, retrieval_context, input_tokens, output_tokens, created_at) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)",
		msg.ID, msg.SessionID, msg.UserID, msg.Role, msg.Content, contextJSON, inputTokens, outputTokens, msg.CreatedAt)
	if err != nil {
		return fmt.Errorf("failed to execute message insert: %w", err)
	}
	return nil
}

const messageColumns = "id, session_id, user_id, role, content, retrieval_context, input_tokens, output_tokens, created_at"

func (s *SQLiteStore) ListMessages(ctx context.Context, sessionID string, limit, offset int) ([]Message, error) {
	query := "SELECT " + messageColumns + " FROM messages WHERE session_id = ? ORDER BY created_at ASC, rowid ASC LIMIT ? OFFSET ?"
	return s.queryMessages(ctx, query, sessionID, limit, offset)
}

// RecentMessages returns the last n messages of a session in chronological order.
func (s *SQLiteStore) RecentMessages(ctx context.Context, sessionID string, n int) ([]Message, error) {
	query := `
        SELECT ` + messageColumns + ` FROM (
            SELECT rowid AS seq, ` + messageColumns + `
            FROM messages
            WHERE session_id = ?
            ORDER BY created_at DESC, rowid DESC
            LIMIT ?
        ) ORDER BY created_at ASC, seq ASC
    `
	return s.queryMessages(ctx, query, sessionID, n)
}

func (s *SQLiteStore) queryMessages(ctx context.Context, query string, args ...any) ([]Message, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query messages: %w", err)
	}
	defer rows.Close()

	messages := []Message{}
	for rows.Next() {
		var msg Message
		var contextJSON sql.NullString
		var inputTokens, outputTokens sql.NullInt64
		if err := rows.Scan(&msg.ID, &msg.SessionID, &msg.UserID, &msg.Role, &msg.Content, &contextJSON, &inputTokens, &outputTokens, &msg.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan message row: %w", err)
		}
		if contextJSON.Valid && contextJSON.String != "" {
			var rc RetrievalContext
			if err := json.Unmarshal([]byte(contextJSON.String), &rc); err != nil {
				return nil, fmt.Errorf("failed to unmarshal retrieval context for message %s: %w", msg.ID, err)
			}
			msg.Context = &rc
		}
		if inputTokens.Valid || outputTokens.Valid {
			msg.Usage = &TokenUsage{InputTokens: int(inputTokens.Int64), OutputTokens: int(outputTokens.Int64)}
		}
		messages = append(messages, msg)
	}
	return messages, rows.Err()
}

// ApplyExchange persists the assistant turn and advances the session in one
// transaction. The session row is changed by a single UPDATE so concurrent
// exchanges on the same session never lose an increment.
func (s *SQLiteStore) ApplyExchange(ctx context.Context, ex Exchange) (*Message, *Session, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to begin exchange transaction: %w", err)
	}
	defer tx.Rollback()

	now := s.now()
	rc := ex.Context
	usage := ex.Usage
	msg := &Message{
		ID:        uuid.NewString(),
		SessionID: ex.SessionID,
		UserID:    ex.UserID,
		Role:      RoleAssistant,
		Content:   ex.Answer,
		Context:   &rc,
		Usage:     &usage,
		CreatedAt: now,
	}

	res, err := tx.ExecContext(ctx, `
        UPDATE sessions SET
            message_count = message_count + 2,
            updated_at = MAX(updated_at, ?),
            title = CASE WHEN message_count = 0 AND title = ? THEN ? ELSE title END
        WHERE id = ? AND user_id = ?`,
		now, DefaultSessionTitle, DeriveTitle(ex.Question), ex.SessionID, ex.UserID)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to apply exchange to session: %w", err)
	}
	if affected, _ := res.RowsAffected(); affected == 0 {
		return nil, nil, ErrSessionNotFound
	}

	if err := insertMessage(ctx, tx, msg); err != nil {
		return nil, nil, err
	}

	session, err := getSession(ctx, tx, ex.SessionID, ex.UserID)
	if err != nil {
		return nil, nil, err
	}
	if err := tx.Commit(); err != nil {
		return nil, nil, fmt.Errorf("failed to commit exchange: %w", err)
	}
	return msg, session, nil
}
