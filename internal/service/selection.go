package service

import (
	"sync"

	"github.com/and161185/chatsync/internal/model"
)

// SelectionState holds the active conversation.
type SelectionState struct {
	mu     sync.RWMutex
	cur    model.Selection
	unread *UnreadTracker
}

// NewSelectionState starts on the public channel.
func NewSelectionState(unread *UnreadTracker) *SelectionState {
	return &SelectionState{unread: unread}
}

// Set makes sel active and clears its unread flag. A group wins over a user
// when both are given. It returns the normalized selection.
func (s *SelectionState) Set(sel model.Selection) model.Selection {
	if sel.GroupID != "" {
		sel.UserID = ""
	}
	s.mu.Lock()
	s.cur = sel
	s.mu.Unlock()
	if s.unread != nil {
		s.unread.Clear(sel.Key())
	}
	return sel
}

// Current returns the active selection.
func (s *SelectionState) Current() model.Selection {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.cur
}

// IsActive reports whether key is the active conversation.
func (s *SelectionState) IsActive(key model.ConversationKey) bool {
	return s.Current().Key() == key
}

// ClearGroup falls back to the public channel when groupID is selected.
func (s *SelectionState) ClearGroup(groupID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cur.GroupID == "" || s.cur.GroupID != groupID {
		return false
	}
	s.cur = model.Selection{}
	return true
}

// Reset selects the public channel.
func (s *SelectionState) Reset() {
	s.mu.Lock()
	s.cur = model.Selection{}
	s.mu.Unlock()
}
