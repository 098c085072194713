// Package session holds the signed-in user of the remote store.
package session

import (
	"context"
	"errors"
	"strings"
	"sync"
	"time"

	"github.com/albinc92/grok-bud/internal/usertoken"
)

var ErrNoVerifier = errors.New("remote sign-in not configured")

// Session is an authenticated remote-store identity.
type Session struct {
	UserID      string
	Email       string
	AccessToken string
	ExpiresAt   time.Time
}

// TokenVerifier validates access tokens.
type TokenVerifier interface {
	Verify(ctx context.Context, token string) (usertoken.Identity, error)
}

// Manager is safe for concurrent use.
type Manager struct {
	verifier TokenVerifier
	now      func() time.Time

	mu      sync.RWMutex
	current *Session
}

// NewManager returns a manager; a nil verifier disables SignIn.
func NewManager(verifier TokenVerifier) *Manager {
	return &Manager{verifier: verifier, now: time.Now}
}

// SignIn verifies token and makes it the current session.
func (m *Manager) SignIn(ctx context.Context, token string) (Session, error) {
	if m.verifier == nil {
		return Session{}, ErrNoVerifier
	}
	id, err := m.verifier.Verify(ctx, token)
	if err != nil {
		return Session{}, err
	}
	s := Session{
		UserID:      id.UserID,
		Email:       id.Email,
		AccessToken: strings.TrimSpace(token),
		ExpiresAt:   id.ExpiresAt,
	}
	m.mu.Lock()
	m.current = &s
	m.mu.Unlock()
	return s, nil
}

func (m *Manager) SignOut() {
	m.mu.Lock()
	m.current = nil
	m.mu.Unlock()
}

// Current returns the active session. Expired sessions read as absent.
func (m *Manager) Current() (Session, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.current == nil {
		return Session{}, false
	}
	if !m.current.ExpiresAt.IsZero() && !m.now().Before(m.current.ExpiresAt) {
		return Session{}, false
	}
	return *m.current, true
}

// UserID returns the current user id, or "" without a session.
func (m *Manager) UserID() string {
	s, ok := m.Current()
	if !ok {
		return ""
	}
	return s.UserID
}
