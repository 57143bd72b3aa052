package client

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/oauth2"
	"k8s.io/apimachinery/pkg/util/wait"

	"xcat_ctl/pkg/config"
)

// Credentials are held only in memory and never persisted.
type Credentials struct {
	Username string
	Password string
}

// Session is the authenticated state against one xCat endpoint. It is
// read-mostly after acquisition; only the token manager's refresh path
// replaces it, atomically under the manager's lock.
type Session struct {
	BaseURL   string
	Token     string
	ExpiresAt time.Time
}

// Valid reports whether the session still has at least skew left.
func (s *Session) Valid(skew time.Duration) bool {
	return s != nil && time.Now().Before(s.ExpiresAt.Add(-skew))
}

// TokenManager owns the authentication lifecycle: it acquires a
// session and refreshes it transparently before expiry. It implements
// oauth2.TokenSource so the client can inject bearer tokens per call.
type TokenManager struct {
	client *XCatClient
	creds  Credentials
	skew   time.Duration
	// retries bounds backoff retries of the auth call on transient
	// transport failures only. Rejected credentials are a stable
	// failure and surface immediately.
	retries int

	mu      sync.Mutex
	session *Session
}

const defaultTokenTTL = 1 * time.Hour

func NewTokenManager(client *XCatClient, creds Credentials, cfg *config.Config) *TokenManager {
	return &TokenManager{
		client:  client,
		creds:   creds,
		skew:    cfg.AuthSkew.Std(),
		retries: *cfg.AuthRetries,
	}
}

// Acquire authenticates and replaces the cached session.
func (tm *TokenManager) Acquire(ctx context.Context) (*Session, error) {
	session, err := tm.authenticate(ctx)
	if err != nil {
		return nil, err
	}
	tm.mu.Lock()
	tm.session = session
	tm.mu.Unlock()
	return session, nil
}

// EnsureValid returns the given session unchanged while it has more
// than the configured skew left, and re-authenticates with the
// in-memory credentials otherwise. Refresh is single-writer: concurrent
// callers observe either the old or the new session, never a partial
// one.
func (tm *TokenManager) EnsureValid(ctx context.Context, session *Session) (*Session, error) {
	if session.Valid(tm.skew) {
		return session, nil
	}
	tm.mu.Lock()
	defer tm.mu.Unlock()
	if tm.session.Valid(tm.skew) {
		return tm.session, nil
	}
	slog.Info("session expired, issuing new token", "endpoint", tm.client.Endpoint)
	refreshed, err := tm.authenticate(ctx)
	if err != nil {
		return nil, err
	}
	tm.session = refreshed
	return refreshed, nil
}

// Invalidate forgets the cached session, forcing re-authentication on
// the next call.
func (tm *TokenManager) Invalidate() {
	tm.mu.Lock()
	tm.session = nil
	tm.mu.Unlock()
}

// Token implements oauth2.TokenSource.
func (tm *TokenManager) Token() (*oauth2.Token, error) {
	tm.mu.Lock()
	current := tm.session
	tm.mu.Unlock()
	session, err := tm.EnsureValid(context.Background(), current)
	if err != nil {
		return nil, err
	}
	return &oauth2.Token{
		AccessToken: session.Token,
		TokenType:   "Bearer",
		Expiry:      session.ExpiresAt,
	}, nil
}

func (tm *TokenManager) authenticate(ctx context.Context) (*Session, error) {
	backoff := wait.Backoff{
		Duration: 200 * time.Millisecond,
		Factor:   2.0,
		Steps:    tm.retries + 1,
		Cap:      5 * time.Second,
	}
	var token *XCatToken
	var lastTransport error
	err := wait.ExponentialBackoffWithContext(ctx, backoff, func(ctx context.Context) (bool, error) {
		t, err := tm.client.GetToken(ctx, tm.creds)
		if err != nil {
			if IsTransport(err) {
				slog.Warn("auth endpoint unreachable, retrying", "error", err)
				lastTransport = err
				return false, nil
			}
			return false, err
		}
		token = t
		return true, nil
	})
	if err != nil {
		if wait.Interrupted(err) && lastTransport != nil {
			return nil, &AuthError{Endpoint: tm.client.Endpoint, Message: "auth endpoint unreachable", Err: lastTransport}
		}
		if IsAuthError(err) {
			return nil, err
		}
		return nil, &AuthError{Endpoint: tm.client.Endpoint, Err: err}
	}

	expiresAt := parseExpire(token.Token.Expire)
	slog.Info("new token is successfully issued", "expiresAt", expiresAt)
	return &Session{
		BaseURL:   tm.client.Endpoint,
		Token:     token.Token.ID,
		ExpiresAt: expiresAt,
	}, nil
}

// expireLayouts covers the formats xCat has been seen reporting.
var expireLayouts = []string{
	time.RFC3339,
	"2006-01-02 15:04:05",
	"2006-1-2 15:04:05",
}

func parseExpire(value string) time.Time {
	for _, layout := range expireLayouts {
		if t, err := time.Parse(layout, value); err == nil {
			return t
		}
	}
	slog.Warn("could not parse token expiry, assuming default TTL", "expire", value, "ttl", defaultTokenTTL)
	return time.Now().Add(defaultTokenTTL)
}
