package auth

import (
	"context"
	"sync"

	"autoreply_worker/core/port/out"

	"golang.org/x/oauth2"
)

// MemoryTokenStore keeps the token for the lifetime of the process.
type MemoryTokenStore struct {
	mu    sync.RWMutex
	token *oauth2.Token
	saves int
}

func NewMemoryTokenStore() *MemoryTokenStore {
	return &MemoryTokenStore{}
}

func (s *MemoryTokenStore) Load(context.Context) (*oauth2.Token, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.token == nil {
		return nil, out.ErrTokenNotFound
	}
	clone := *s.token
	return &clone, nil
}

func (s *MemoryTokenStore) Save(_ context.Context, token *oauth2.Token) error {
	clone := *token

	s.mu.Lock()
	s.token = &clone
	s.saves++
	s.mu.Unlock()
	return nil
}

// Saves returns how many times Save was called.
func (s *MemoryTokenStore) Saves() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.saves
}

var _ out.TokenStore = (*MemoryTokenStore)(nil)
