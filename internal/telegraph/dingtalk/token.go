package dingtalk

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/oauth2"
)

// refreshLead is how long before expiry a scheduled refresh fires.
const refreshLead = time.Second

// TokenManager owns the session's access token. After each successful
// acquisition it schedules its own refresh shortly before expiry. It
// implements oauth2.TokenSource so REST calls can authenticate through
// an oauth2.Transport.
type TokenManager struct {
	fetch   func(ctx context.Context) (tokenResponse, error)
	logger  *zap.Logger
	rec     Recorder
	timeout time.Duration
	now     func() time.Time

	acquireMu sync.Mutex // serializes on-demand acquisition in Token

	mu      sync.RWMutex
	token   *oauth2.Token
	timer   *time.Timer
	stopped bool
}

func newTokenManager(fetch func(context.Context) (tokenResponse, error), logger *zap.Logger, rec Recorder, timeout time.Duration) *TokenManager {
	return &TokenManager{
		fetch:   fetch,
		logger:  logger,
		rec:     rec,
		timeout: timeout,
		now:     time.Now,
	}
}

// Acquire fetches a fresh token, stores it, and schedules the next refresh.
// It fails with *AuthError when the endpoint rejects the credentials or
// answers with a malformed body.
func (m *TokenManager) Acquire(ctx context.Context) (*oauth2.Token, error) {
	tr, err := m.fetch(ctx)
	m.rec.TokenRefreshed(err)
	if err != nil {
		return nil, err
	}
	tok := &oauth2.Token{
		AccessToken: tr.AccessToken,
		TokenType:   "Bot",
		Expiry:      m.now().Add(time.Duration(tr.ExpiresIn) * time.Second),
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.stopped {
		return tok, nil
	}
	m.token = tok
	if m.timer != nil {
		m.timer.Stop()
	}
	delay := time.Duration(tr.ExpiresIn)*time.Second - refreshLead
	if delay < 0 {
		delay = 0
	}
	m.timer = time.AfterFunc(delay, m.refresh)
	m.logger.Debug("access token acquired", zap.Time("expiry", tok.Expiry))
	return tok, nil
}

// refresh runs from the timer. A failed attempt is retried immediately and
// then continuously until one succeeds or the manager is stopped.
func (m *TokenManager) refresh() {
	for attempt := 1; ; attempt++ {
		if m.isStopped() {
			return
		}
		ctx, cancel := context.WithTimeout(context.Background(), m.timeout)
		_, err := m.Acquire(ctx)
		cancel()
		if err == nil {
			return
		}
		m.logger.Warn("access token refresh failed", zap.Int("attempt", attempt), zap.Error(err))
	}
}

// Token returns the current token, acquiring a new one when none is held or
// the held one has expired.
func (m *TokenManager) Token() (*oauth2.Token, error) {
	if tok := m.current(); tok != nil {
		return tok, nil
	}
	m.acquireMu.Lock()
	defer m.acquireMu.Unlock()
	if tok := m.current(); tok != nil {
		return tok, nil
	}
	if m.isStopped() {
		return nil, ErrClosed
	}
	ctx, cancel := context.WithTimeout(context.Background(), m.timeout)
	defer cancel()
	return m.Acquire(ctx)
}

// AccessToken returns the raw token string, or "" if none is valid.
func (m *TokenManager) AccessToken() string {
	if tok := m.current(); tok != nil {
		return tok.AccessToken
	}
	return ""
}

func (m *TokenManager) current() *oauth2.Token {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.token == nil || !m.now().Before(m.token.Expiry) {
		return nil
	}
	return m.token
}

func (m *TokenManager) isStopped() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.stopped
}

// Stop cancels the scheduled refresh and discards the token.
func (m *TokenManager) Stop() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.stopped = true
	m.token = nil
	if m.timer != nil {
		m.timer.Stop()
		m.timer = nil
	}
}
