// Package session owns the authentication token lifecycle for the
// multiplayer client: register, login, logout, and invalidation.
package session

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/darkace1998/x4-multiplayer-client/internal/transport"
)

// ErrInvalidCredentials is returned when login is rejected by the server.
var ErrInvalidCredentials = errors.New("invalid credentials")

// ErrConflict is returned when registration fails because the username is taken.
var ErrConflict = errors.New("username already taken")

// Session is a read-only snapshot of the authenticated state.
type Session struct {
	// Username is the account the session was opened for.
	Username string
	// Token is the opaque bearer token issued at login.
	Token string
	// ConnectedSince is the time the login succeeded.
	ConnectedSince time.Time
}

// Caller is the REST surface the manager needs. Satisfied by *transport.Client.
type Caller interface {
	Call(ctx context.Context, method, path string, body, out any, requiresAuth bool) error
}

// Manager owns the single active Session per client instance.
// All methods are safe for concurrent use.
type Manager struct {
	rest   Caller
	store  *TokenStore
	logger *zap.Logger

	mu             sync.Mutex
	username       string
	connectedSince time.Time
	invalidate     []func()
}

// NewManager creates a Manager that authenticates through rest and publishes
// the active token via store.
//
// Precondition: rest, store, and logger must be non-nil.
func NewManager(rest Caller, store *TokenStore, logger *zap.Logger) *Manager {
	return &Manager{
		rest:   rest,
		store:  store,
		logger: logger,
	}
}

type credentials struct {
	Username string `json:"username"`
	Password string `json:"password"`
	Email    string `json:"email,omitempty"`
}

type authResponse struct {
	Success bool   `json:"success"`
	Token   string `json:"token"`
	Error   string `json:"error"`
}

// Register creates a new account. The session state is not changed.
//
// Postcondition: Returns nil on success, ErrConflict when the username is
// taken, or a transport-layer error.
func (m *Manager) Register(ctx context.Context, username, password, email string) error {
	var resp authResponse
	err := m.rest.Call(ctx, http.MethodPost, "/auth/register",
		credentials{Username: username, Password: password, Email: email}, &resp, false)
	if err != nil {
		var serverErr *transport.ServerError
		if errors.As(err, &serverErr) &&
			(serverErr.Status == http.StatusBadRequest || serverErr.Status == http.StatusConflict) {
			return fmt.Errorf("registering %q: %w", username, ErrConflict)
		}
		return fmt.Errorf("registering %q: %w", username, err)
	}
	if !resp.Success {
		return fmt.Errorf("registering %q: %w", username, ErrConflict)
	}

	m.logger.Info("account registered", zap.String("username", username))
	return nil
}

// Login authenticates and stores the issued token. A previous session, if
// any, is logged out first; its failure is logged but never blocks the new
// login.
//
// Postcondition: On success the returned Session carries a non-empty token
// and CurrentToken reports it. On failure the local state is unchanged only
// if no previous session existed; a previous session is always cleared.
func (m *Manager) Login(ctx context.Context, username, password string) (Session, error) {
	if _, ok := m.store.CurrentToken(); ok {
		if err := m.Logout(ctx); err != nil {
			m.logger.Warn("implicit logout before login failed", zap.Error(err))
		}
	}

	start := time.Now()
	var resp authResponse
	err := m.rest.Call(ctx, http.MethodPost, "/auth/login",
		credentials{Username: username, Password: password}, &resp, false)
	if err != nil {
		var serverErr *transport.ServerError
		if errors.As(err, &serverErr) && serverErr.Status == http.StatusUnauthorized {
			return Session{}, fmt.Errorf("logging in %q: %w", username, ErrInvalidCredentials)
		}
		return Session{}, fmt.Errorf("logging in %q: %w", username, err)
	}
	if !resp.Success || resp.Token == "" {
		return Session{}, fmt.Errorf("logging in %q: %w", username, ErrInvalidCredentials)
	}

	m.mu.Lock()
	m.username = username
	m.connectedSince = time.Now()
	sess := Session{Username: username, Token: resp.Token, ConnectedSince: m.connectedSince}
	m.mu.Unlock()
	m.store.set(resp.Token)

	m.logger.Info("logged in",
		zap.String("username", username),
		zap.Duration("elapsed", time.Since(start)),
	)
	return sess, nil
}

// Logout revokes the active token. With no active session it is a no-op
// success and performs no network call. The local session state is always
// cleared, even when the remote revoke fails; the remote error is still
// returned so callers can report it.
func (m *Manager) Logout(ctx context.Context) error {
	if _, ok := m.store.CurrentToken(); !ok {
		return nil
	}

	err := m.rest.Call(ctx, http.MethodPost, "/auth/logout", nil, nil, true)

	m.clear()

	if err != nil {
		return fmt.Errorf("revoking token: %w", err)
	}
	m.logger.Info("logged out")
	return nil
}

// Invalidate clears the local session without a network call. Used when the
// server has already rejected the token (stream auth rejection, 401).
func (m *Manager) Invalidate() {
	m.clear()
	m.logger.Info("session invalidated")
}

// Current returns a snapshot of the active session.
//
// Postcondition: Returns (session, true) when logged in, or (Session{}, false).
func (m *Manager) Current() (Session, bool) {
	token, ok := m.store.CurrentToken()
	if !ok {
		return Session{}, false
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	return Session{Username: m.username, Token: token, ConnectedSince: m.connectedSince}, true
}

// CurrentToken returns the active token. Implements transport.TokenSource,
// delegating to the shared store.
func (m *Manager) CurrentToken() (string, bool) {
	return m.store.CurrentToken()
}

// OnInvalidate registers fn to run whenever the session token stops being
// valid (logout or invalidation). Listeners must not block.
func (m *Manager) OnInvalidate(fn func()) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.invalidate = append(m.invalidate, fn)
}

func (m *Manager) clear() {
	m.store.clear()

	m.mu.Lock()
	m.username = ""
	m.connectedSince = time.Time{}
	listeners := make([]func(), len(m.invalidate))
	copy(listeners, m.invalidate)
	m.mu.Unlock()

	for _, fn := range listeners {
		fn()
	}
}
