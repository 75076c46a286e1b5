package session

import "sync"

// TokenStore holds the active bearer token. It is the single piece of state
// shared between the REST path and the event-stream path, so reads always
// return a consistent snapshot taken under the lock.
type TokenStore struct {
	mu    sync.RWMutex
	token string
}

// NewTokenStore creates an empty TokenStore.
func NewTokenStore() *TokenStore {
	return &TokenStore{}
}

// CurrentToken returns the active token and true, or "" and false when no
// session is active. Implements transport.TokenSource.
func (s *TokenStore) CurrentToken() (string, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.token, s.token != ""
}

func (s *TokenStore) set(token string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.token = token
}

func (s *TokenStore) clear() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.token = ""
}
