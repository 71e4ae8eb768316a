package storage

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
)

// Message is the persisted form of a chat message.
type Message struct {
	Role       string    `json:"role"`
	Content    string    `json:"content"`
	Channel    string    `json:"channel,omitempty"`
	Modality   string    `json:"modality,omitempty"`
	ToolCallID string    `json:"tool_call_id,omitempty"`
	Timestamp  time.Time `json:"timestamp"`
}

// Session is the persisted session record shared between channels. The
// ConversationID field binds the local record to a remote conversation on
// the stateful backend; at most one id is current at any time and rebinding
// is last-writer-wins.
type Session struct {
	ID             string    `json:"id"`
	Name           string    `json:"name"`
	Provider       string    `json:"provider"`
	Model          string    `json:"model"`
	CreatedAt      time.Time `json:"created_at"`
	LastUsedAt     time.Time `json:"last_used_at"`
	Archived       bool      `json:"archived,omitempty"`
	Messages       []Message `json:"messages"`
	SystemPrompt   string    `json:"system_prompt,omitempty"`
	ConversationID string    `json:"conversation_id,omitempty"`
}

// SessionMetadata is a lightweight version of Session for listing.
type SessionMetadata struct {
	ID           string    `json:"id"`
	Name         string    `json:"name"`
	Provider     string    `json:"provider"`
	Model        string    `json:"model"`
	CreatedAt    time.Time `json:"created_at"`
	LastUsedAt   time.Time `json:"last_used_at"`
	Archived     bool      `json:"archived,omitempty"`
	MessageCount int       `json:"message_count"`
}

// SessionStorage handles session persistence as one JSON file per session.
//
// OnChange, when set, is invoked with the session id after every Save. The
// reconciliation path uses SaveSilent instead, which skips the notification
// so a second channel cannot observe a half-updated conversation binding and
// start a conflicting resume of its own.
type SessionStorage struct {
	sessionsDir string
	OnChange    func(sessionID string)
}

// NewSessionStorage creates a session store rooted under dataDir.
func NewSessionStorage(dataDir string) (*SessionStorage, error) {
	sessionsDir := filepath.Join(dataDir, "sessions")

	// 0700 - user-only access
	if err := os.MkdirAll(sessionsDir, 0700); err != nil {
		return nil, fmt.Errorf("failed to create sessions directory: %w", err)
	}

	return &SessionStorage{sessionsDir: sessionsDir}, nil
}

// Save persists the session and fires the change notification.
func (s *SessionStorage) Save(session *Session) error {
	if err := s.write(session); err != nil {
		return err
	}
	if s.OnChange != nil {
		s.OnChange(session.ID)
	}
	return nil
}

// SaveSilent persists the session without firing the change notification.
// Used mid-reconciliation so other channels do not react to a binding that
// is still being updated.
func (s *SessionStorage) SaveSilent(session *Session) error {
	return s.write(session)
}

func (s *SessionStorage) write(session *Session) error {
	if session.ID == "" {
		session.ID = uuid.New().String()
	}

	session.LastUsedAt = time.Now()
	if session.CreatedAt.IsZero() {
		session.CreatedAt = session.LastUsedAt
	}

	data, err := json.MarshalIndent(session, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal session: %w", err)
	}

	path := filepath.Join(s.sessionsDir, session.ID+".json")
	// 0600 - session files contain conversation history
	if err := os.WriteFile(path, data, 0600); err != nil {
		return fmt.Errorf("failed to write session file: %w", err)
	}

	return nil
}

// Load reads a session from disk.
func (s *SessionStorage) Load(id string) (*Session, error) {
	path := filepath.Join(s.sessionsDir, id+".json")

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read session file: %w", err)
	}

	var session Session
	if err := json.Unmarshal(data, &session); err != nil {
		return nil, fmt.Errorf("failed to unmarshal session: %w", err)
	}

	return &session, nil
}

// List returns metadata for all sessions, most recently used first.
func (s *SessionStorage) List() ([]SessionMetadata, error) {
	entries, err := os.ReadDir(s.sessionsDir)
	if err != nil {
		return nil, fmt.Errorf("failed to read sessions directory: %w", err)
	}

	var sessions []SessionMetadata

	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".json") {
			continue
		}

		data, err := os.ReadFile(filepath.Join(s.sessionsDir, entry.Name()))
		if err != nil {
			continue // skip corrupted files
		}

		var session Session
		if err := json.Unmarshal(data, &session); err != nil {
			continue // skip corrupted files
		}

		sessions = append(sessions, SessionMetadata{
			ID:           session.ID,
			Name:         session.Name,
			Provider:     session.Provider,
			Model:        session.Model,
			CreatedAt:    session.CreatedAt,
			LastUsedAt:   session.LastUsedAt,
			Archived:     session.Archived,
			MessageCount: len(session.Messages),
		})
	}

	sort.Slice(sessions, func(i, j int) bool {
		return sessions[i].LastUsedAt.After(sessions[j].LastUsedAt)
	})

	return sessions, nil
}

// Delete removes a session from disk.
func (s *SessionStorage) Delete(id string) error {
	if err := os.Remove(filepath.Join(s.sessionsDir, id+".json")); err != nil {
		return fmt.Errorf("failed to delete session file: %w", err)
	}
	return nil
}

// Rename updates the name of a session.
func (s *SessionStorage) Rename(id string, newName string) error {
	session, err := s.Load(id)
	if err != nil {
		return fmt.Errorf("failed to load session: %w", err)
	}

	session.Name = newName

	if err := s.Save(session); err != nil {
		return fmt.Errorf("failed to save renamed session: %w", err)
	}

	return nil
}

// SetArchived flips the archive flag on a session.
func (s *SessionStorage) SetArchived(id string, archived bool) error {
	session, err := s.Load(id)
	if err != nil {
		return fmt.Errorf("failed to load session: %w", err)
	}

	session.Archived = archived
	return s.Save(session)
}

// ExportToJSON writes a session to a standalone JSON file at exportPath.
func (s *SessionStorage) ExportToJSON(id string, exportPath string) error {
	session, err := s.Load(id)
	if err != nil {
		return fmt.Errorf("failed to load session: %w", err)
	}

	data, err := json.MarshalIndent(session, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal session: %w", err)
	}

	if err := os.MkdirAll(filepath.Dir(exportPath), 0700); err != nil {
		return fmt.Errorf("failed to create directory: %w", err)
	}

	if err := os.WriteFile(exportPath, data, 0600); err != nil {
		return fmt.Errorf("failed to write file: %w", err)
	}

	return nil
}

// GenerateSessionName derives a session name from the first user message.
func GenerateSessionName(firstMessage string) string {
	if firstMessage == "" {
		return fmt.Sprintf("Session %s", time.Now().Format("Jan 2, 3:04 PM"))
	}

	name := firstMessage
	if len(name) > 30 {
		name = name[:30] + "..."
	}

	name = strings.ReplaceAll(name, "\n", " ")
	name = strings.ReplaceAll(name, "\r", " ")
	name = strings.TrimSpace(name)

	if name == "" {
		return fmt.Sprintf("Session %s", time.Now().Format("Jan 2, 3:04 PM"))
	}

	return name
}

// MessageMatch represents a search result within a session.
type MessageMatch struct {
	MessageIndex int
	Role         string
	Content      string
	Preview      string
	Timestamp    time.Time
}

// SearchMessages searches messages in one session by substring.
func SearchMessages(messages []Message, query string) []MessageMatch {
	if query == "" {
		return []MessageMatch{}
	}

	queryLower := strings.ToLower(query)
	var matches []MessageMatch

	for i, msg := range messages {
		if msg.Role == "system" {
			continue
		}

		if strings.Contains(strings.ToLower(msg.Content), queryLower) {
			preview := msg.Content
			if len(preview) > 100 {
				preview = preview[:100] + "..."
			}

			matches = append(matches, MessageMatch{
				MessageIndex: i,
				Role:         msg.Role,
				Content:      msg.Content,
				Preview:      preview,
				Timestamp:    msg.Timestamp,
			})
		}
	}

	return matches
}

// LockSession creates a lock file marking a session as in use by this
// process. Lock content is the holder's PID.
func (s *SessionStorage) LockSession(sessionID string) error {
	lockPath := filepath.Join(s.sessionsDir, sessionID+".lock")
	return os.WriteFile(lockPath, []byte(fmt.Sprintf("%d", os.Getpid())), 0600)
}

// UnlockSession removes the lock file for a session.
func (s *SessionStorage) UnlockSession(sessionID string) error {
	err := os.Remove(filepath.Join(s.sessionsDir, sessionID+".lock"))
	if os.IsNotExist(err) {
		return nil
	}
	return err
}

// CheckSessionLock reports whether a session is locked by another process.
func (s *SessionStorage) CheckSessionLock(sessionID string) (bool, error) {
	lockPath := filepath.Join(s.sessionsDir, sessionID+".lock")

	data, err := os.ReadFile(lockPath)
	if os.IsNotExist(err) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("failed to read lock file: %w", err)
	}

	var pid int
	if _, err := fmt.Sscanf(string(data), "%d", &pid); err != nil {
		// Invalid lock file, clean it up
		_ = os.Remove(lockPath)
		return false, nil
	}

	// FindProcess always succeeds on Unix; good enough as a liveness check
	// for a cooperative lock.
	if _, err := os.FindProcess(pid); err != nil {
		_ = os.Remove(lockPath)
		return false, nil
	}

	return true, nil
}
