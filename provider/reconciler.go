package provider

import (
	"context"
	"fmt"
	"sync"

	"vaultpilot/config"
	"vaultpilot/storage"
)

// ConversationBackend is the slice of a stateful backend the reconciler
// needs: the currently bound conversation plus the ability to create or
// resume one.
type ConversationBackend interface {
	// ConversationID returns the backend conversation id currently in use,
	// or "" when none is bound.
	ConversationID() string

	// CreateConversation starts a fresh backend conversation, optionally
	// hinting the id to assign, and returns the id actually assigned.
	CreateConversation(ctx context.Context, hintID string) (string, error)

	// ResumeConversation re-attaches to an existing backend conversation.
	ResumeConversation(ctx context.Context, id string) error
}

// ConversationReconciler keeps a persisted session record and a live backend
// conversation pointing at each other. Before every send it ensures the
// session's stored conversation id matches the backend's active
// conversation, creating or resuming as needed, and persists any new
// binding without announcing a change.
type ConversationReconciler struct {
	mu      sync.Mutex
	backend ConversationBackend
	store   *storage.SessionStorage
}

// NewConversationReconciler binds a backend to a session store. The store
// may be nil for sessions that are not persisted; bindings then live only in
// the backend.
func NewConversationReconciler(backend ConversationBackend, store *storage.SessionStorage) *ConversationReconciler {
	return &ConversationReconciler{backend: backend, store: store}
}

// Ensure makes the session's conversation binding valid and current,
// returning the backend conversation id to use for the next send. It is
// safe for concurrent callers; overlapping sends serialize here so only one
// of them creates a conversation.
//
// Resolution order:
//   - session has no binding: adopt the backend's active conversation, or
//     create one when the backend has none
//   - binding matches the backend: nothing to do
//   - binding differs: resume the persisted conversation; when resume
//     fails, create a replacement and rebind
func (r *ConversationReconciler) Ensure(ctx context.Context, session *storage.Session) (string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	active := r.backend.ConversationID()

	if session.ConversationID == "" {
		if active == "" {
			id, err := r.backend.CreateConversation(ctx, session.ID)
			if err != nil {
				return "", fmt.Errorf("creating conversation: %w", err)
			}
			active = id
		}
		session.ConversationID = active
		r.persist(session)
		return active, nil
	}

	if session.ConversationID == active {
		return active, nil
	}

	if err := r.backend.ResumeConversation(ctx, session.ConversationID); err != nil {
		config.DebugLog.Printf("reconciler: resume of %s failed (%v), creating replacement", session.ConversationID, err)
		id, createErr := r.backend.CreateConversation(ctx, session.ID)
		if createErr != nil {
			return "", fmt.Errorf("recreating conversation after failed resume: %w", createErr)
		}
		session.ConversationID = id
		r.persist(session)
		return id, nil
	}
	return session.ConversationID, nil
}

// Rebind replaces the session's binding with a freshly created backend
// conversation. Used after staleness recreation.
func (r *ConversationReconciler) Rebind(ctx context.Context, session *storage.Session) (string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	id, err := r.backend.CreateConversation(ctx, session.ID)
	if err != nil {
		return "", fmt.Errorf("rebinding conversation: %w", err)
	}
	session.ConversationID = id
	r.persist(session)
	return id, nil
}

// persist saves the updated binding without firing change notifications;
// reconciliation is bookkeeping, not user-visible activity.
func (r *ConversationReconciler) persist(session *storage.Session) {
	if r.store == nil {
		return
	}
	if err := r.store.SaveSilent(session); err != nil {
		config.DebugLog.Printf("reconciler: persisting binding for %s failed: %v", session.ID, err)
	}
}
