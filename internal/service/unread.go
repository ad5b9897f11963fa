package service

import (
	"sort"
	"sync"

	"github.com/and161185/chatsync/internal/model"
)

// UnreadTracker marks conversations with activity the user has not seen.
type UnreadTracker struct {
	mu     sync.RWMutex
	users  map[string]struct{}
	groups map[string]struct{}
}

// NewUnreadTracker constructs an empty tracker.
func NewUnreadTracker() *UnreadTracker {
	return &UnreadTracker{users: make(map[string]struct{}), groups: make(map[string]struct{})}
}

// MarkUser flags the private conversation with userID.
func (u *UnreadTracker) MarkUser(userID string) {
	if userID == "" {
		return
	}
	u.mu.Lock()
	u.users[userID] = struct{}{}
	u.mu.Unlock()
}

// MarkGroup flags a group conversation.
func (u *UnreadTracker) MarkGroup(groupID string) {
	if groupID == "" {
		return
	}
	u.mu.Lock()
	u.groups[groupID] = struct{}{}
	u.mu.Unlock()
}

// Clear removes the flag of the conversation identified by key.
func (u *UnreadTracker) Clear(key model.ConversationKey) {
	u.mu.Lock()
	defer u.mu.Unlock()
	switch key.Kind {
	case model.Private:
		delete(u.users, key.ID)
	case model.Group:
		delete(u.groups, key.ID)
	}
}

// HasUser reports whether the private conversation with userID is flagged.
func (u *UnreadTracker) HasUser(userID string) bool {
	u.mu.RLock()
	defer u.mu.RUnlock()
	_, ok := u.users[userID]
	return ok
}

// HasGroup reports whether the group conversation is flagged.
func (u *UnreadTracker) HasGroup(groupID string) bool {
	u.mu.RLock()
	defer u.mu.RUnlock()
	_, ok := u.groups[groupID]
	return ok
}

// Users returns the flagged user ids, sorted.
func (u *UnreadTracker) Users() []string {
	u.mu.RLock()
	defer u.mu.RUnlock()
	return sortedKeys(u.users)
}

// Groups returns the flagged group ids, sorted.
func (u *UnreadTracker) Groups() []string {
	u.mu.RLock()
	defer u.mu.RUnlock()
	return sortedKeys(u.groups)
}

// Reset clears every flag.
func (u *UnreadTracker) Reset() {
	u.mu.Lock()
	u.users = make(map[string]struct{})
	u.groups = make(map[string]struct{})
	u.mu.Unlock()
}

func sortedKeys(m map[string]struct{}) []string {
	out := make([]string, 0, len(m))
	for k := range m {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}
