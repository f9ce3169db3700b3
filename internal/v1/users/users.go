// Package users defines the account lookup contract the room engine depends
// on. Account storage itself lives in another service; rooms only ever read.
package users

import (
	"context"
	"errors"
	"sync"
)

// ErrUserNotFound is returned when no account exists for an id.
var ErrUserNotFound = errors.New("user not found")

// User is the slice of an account the coordination core cares about.
type User struct {
	ID       int64  `json:"id"`
	Username string `json:"username"`
}

// Store resolves registered account ids to users.
type Store interface {
	GetByID(ctx context.Context, id int64) (*User, error)
}

// MemoryStore is an in-process Store used in development mode and tests.
type MemoryStore struct {
	mu    sync.RWMutex
	users map[int64]*User
}

// NewMemoryStore returns an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{users: make(map[int64]*User)}
}

// Put inserts or replaces a user.
func (s *MemoryStore) Put(u *User) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.users[u.ID] = u
}

// GetByID implements Store.
func (s *MemoryStore) GetByID(_ context.Context, id int64) (*User, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	u, ok := s.users[id]
	if !ok {
		return nil, ErrUserNotFound
	}
	cp := *u
	return &cp, nil
}
