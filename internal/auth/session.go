package auth

import (
	"context"
	"sync"
	"time"
)

// Session is the opaque credential set issued by the hosted auth platform.
// It is replaced wholesale on sign-in, sign-out and refresh; consumers only
// observe it, they never mutate it.
type Session struct {
	AccessToken  string
	RefreshToken string
	UserID       string
	Email        string
	ExpiresAt    time.Time
}

// Expired reports whether the access token is past (or within skew of) expiry.
func (s *Session) Expired(skew time.Duration) bool {
	if s == nil {
		return true
	}
	if s.ExpiresAt.IsZero() {
		return false
	}
	return time.Now().Add(skew).After(s.ExpiresAt)
}

// Provider supplies the current session and change notifications.
// A nil session delivered to OnChange callbacks means signed out.
type Provider interface {
	Session(ctx context.Context) (*Session, error)
	OnChange(fn func(*Session)) (unsubscribe func())
}

// Token returns the current bearer token from a provider, or "" when there is
// no session.
func Token(ctx context.Context, p Provider) (string, error) {
	sess, err := p.Session(ctx)
	if err != nil {
		return "", err
	}
	if sess == nil {
		return "", nil
	}
	return sess.AccessToken, nil
}

// Static is a Provider with a fixed token, for development and tests.
type Static struct {
	mu      sync.Mutex
	session *Session
	subs    map[int]func(*Session)
	nextSub int
}

// NewStatic creates a static provider carrying the given bearer token.
func NewStatic(token string) *Static {
	return &Static{
		session: &Session{AccessToken: token, UserID: "local"},
		subs:    make(map[int]func(*Session)),
	}
}

// Session returns the fixed session.
func (s *Static) Session(ctx context.Context) (*Session, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.session, nil
}

// OnChange registers a session-change callback.
func (s *Static) OnChange(fn func(*Session)) func() {
	s.mu.Lock()
	id := s.nextSub
	s.nextSub++
	s.subs[id] = fn
	s.mu.Unlock()

	return func() {
		s.mu.Lock()
		delete(s.subs, id)
		s.mu.Unlock()
	}
}

// Replace swaps the session and notifies subscribers. Tests use this to
// simulate sign-in/sign-out in another tab.
func (s *Static) Replace(sess *Session) {
	s.mu.Lock()
	s.session = sess
	subs := make([]func(*Session), 0, len(s.subs))
	for _, fn := range s.subs {
		subs = append(subs, fn)
	}
	s.mu.Unlock()

	for _, fn := range subs {
		fn(sess)
	}
}
