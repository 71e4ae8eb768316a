package storage

import (
	"database/sql"
	"fmt"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"
)

// SessionMessageMatch is a search hit across all sessions.
type SessionMessageMatch struct {
	SessionID    string
	SessionName  string
	MessageIndex int
	Role         string
	Content      string
	Preview      string
	Timestamp    time.Time
}

// SearchIndex is a sqlite-backed full-history index over persisted sessions.
// It is derived data: sessions remain the source of truth and the index is
// rebuilt per session on save.
type SearchIndex struct {
	db *sql.DB
}

// NewSearchIndex opens (or creates) the index database under dataDir.
func NewSearchIndex(dataDir string) (*SearchIndex, error) {
	dbPath := filepath.Join(dataDir, "search.db")

	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	if err := db.Ping(); err != nil {
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	idx := &SearchIndex{db: db}

	if err := idx.initialize(); err != nil {
		return nil, fmt.Errorf("failed to initialize database: %w", err)
	}

	return idx, nil
}

func (si *SearchIndex) initialize() error {
	schema := `
	CREATE TABLE IF NOT EXISTS messages (
		session_id TEXT NOT NULL,
		session_name TEXT NOT NULL,
		msg_idx INTEGER NOT NULL,
		role TEXT NOT NULL,
		content TEXT NOT NULL,
		created_at DATETIME NOT NULL,
		PRIMARY KEY (session_id, msg_idx)
	);
	CREATE INDEX IF NOT EXISTS idx_messages_content ON messages(content);
	`

	_, err := si.db.Exec(schema)
	return err
}

// IndexSession replaces the indexed rows for one session.
func (si *SearchIndex) IndexSession(session *Session) error {
	tx, err := si.db.Begin()
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.Exec(`DELETE FROM messages WHERE session_id = ?`, session.ID); err != nil {
		return fmt.Errorf("failed to clear session rows: %w", err)
	}

	stmt, err := tx.Prepare(`
		INSERT INTO messages (session_id, session_name, msg_idx, role, content, created_at)
		VALUES (?, ?, ?, ?, ?, ?)`)
	if err != nil {
		return fmt.Errorf("failed to prepare insert: %w", err)
	}
	defer stmt.Close()

	for i, msg := range session.Messages {
		if msg.Role == "system" {
			continue
		}
		if _, err := stmt.Exec(session.ID, session.Name, i, msg.Role, msg.Content, msg.Timestamp); err != nil {
			return fmt.Errorf("failed to insert message row: %w", err)
		}
	}

	return tx.Commit()
}

// RemoveSession drops a session's rows from the index.
func (si *SearchIndex) RemoveSession(sessionID string) error {
	_, err := si.db.Exec(`DELETE FROM messages WHERE session_id = ?`, sessionID)
	return err
}

// Search returns matches across all indexed sessions, newest first.
func (si *SearchIndex) Search(query string) ([]SessionMessageMatch, error) {
	if query == "" {
		return []SessionMessageMatch{}, nil
	}

	rows, err := si.db.Query(`
		SELECT session_id, session_name, msg_idx, role, content, created_at
		FROM messages
		WHERE content LIKE '%' || ? || '%'
		ORDER BY created_at DESC`, query)
	if err != nil {
		return nil, fmt.Errorf("failed to query index: %w", err)
	}
	defer rows.Close()

	var matches []SessionMessageMatch
	for rows.Next() {
		var m SessionMessageMatch
		if err := rows.Scan(&m.SessionID, &m.SessionName, &m.MessageIndex, &m.Role, &m.Content, &m.Timestamp); err != nil {
			return nil, fmt.Errorf("failed to scan row: %w", err)
		}

		m.Preview = m.Content
		if len(m.Preview) > 100 {
			m.Preview = m.Preview[:100] + "..."
		}
		matches = append(matches, m)
	}

	return matches, rows.Err()
}

// Close releases the underlying database handle.
func (si *SearchIndex) Close() error {
	return si.db.Close()
}
