package client

import (
	"context"
	"testing"
	"time"

	"k8s.io/utils/ptr"

	"xcat_ctl/pkg/config"
	"xcat_ctl/pkg/test_utils"
)

func newTestTokenManager(t *testing.T, fake *test_utils.FakeXCat, creds Credentials) *TokenManager {
	t.Helper()
	server := fake.Server()
	t.Cleanup(server.Close)
	cfg := config.Default(test_utils.Endpoint(server))
	cfg.AuthRetries = ptr.To(2)
	c, err := BuildXCatClient(cfg)
	if err != nil {
		t.Fatalf("failed to build client: %v", err)
	}
	tm := NewTokenManager(c, creds, cfg)
	c.TokenSource = tm
	return tm
}

func defaultCreds() Credentials {
	return Credentials{Username: test_utils.DefaultUsername, Password: test_utils.DefaultPassword}
}

func TestAcquire(t *testing.T) {
	fake := test_utils.NewFakeXCat()
	tm := newTestTokenManager(t, fake, defaultCreds())

	session, err := tm.Acquire(context.Background())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if session.Token != "token-1" {
		t.Errorf("expected token-1, got %q", session.Token)
	}
	if !session.Valid(30 * time.Second) {
		t.Error("expected a fresh session to be valid")
	}
	if fake.AuthCalls() != 1 {
		t.Errorf("expected 1 auth call, got %d", fake.AuthCalls())
	}
}

func TestAcquireRejectedCredentials(t *testing.T) {
	fake := test_utils.NewFakeXCat()
	tm := newTestTokenManager(t, fake, Credentials{Username: "xcat_user", Password: "wrong"})

	_, err := tm.Acquire(context.Background())
	if !IsAuthError(err) {
		t.Fatalf("expected AuthError, got %v", err)
	}
	// Rejected credentials are a stable failure and must not be retried.
	if fake.AuthCalls() != 1 {
		t.Errorf("expected exactly 1 auth call, got %d", fake.AuthCalls())
	}
}

func TestAcquireRetriesTransientFailures(t *testing.T) {
	fake := test_utils.NewFakeXCat()
	fake.FailNextTokens(2)
	tm := newTestTokenManager(t, fake, defaultCreds())

	session, err := tm.Acquire(context.Background())
	if err != nil {
		t.Fatalf("expected retries to succeed, got %v", err)
	}
	if session.Token != "token-1" {
		t.Errorf("expected token-1, got %q", session.Token)
	}
}

func TestAcquireExhaustsRetries(t *testing.T) {
	fake := test_utils.NewFakeXCat()
	fake.FailNextTokens(10)
	tm := newTestTokenManager(t, fake, defaultCreds())

	_, err := tm.Acquire(context.Background())
	if !IsAuthError(err) {
		t.Fatalf("expected AuthError after exhausted retries, got %v", err)
	}
	if fake.AuthCalls() != 0 {
		t.Errorf("expected no successful auth, got %d calls", fake.AuthCalls())
	}
}

// Ten consecutive calls with a forced mid-sequence expiry must
// re-authenticate exactly once and never surface an auth failure.
func TestTransparentRefresh(t *testing.T) {
	fake := test_utils.NewFakeXCat()
	fake.SetResource("nodes", "node1", map[string]any{"power": "on"})
	tm := newTestTokenManager(t, fake, defaultCreds())
	c := tm.client

	for i := 0; i < 10; i++ {
		if i == 5 {
			tm.mu.Lock()
			tm.session.ExpiresAt = time.Now().Add(-time.Minute)
			tm.mu.Unlock()
		}
		if _, err := c.Get(context.Background(), KindNode, "node1"); err != nil {
			t.Fatalf("call %d failed: %v", i, err)
		}
	}
	if fake.AuthCalls() != 2 {
		t.Errorf("expected 2 auth calls, got %d", fake.AuthCalls())
	}
}

func TestInvalidate(t *testing.T) {
	fake := test_utils.NewFakeXCat()
	tm := newTestTokenManager(t, fake, defaultCreds())

	if _, err := tm.Acquire(context.Background()); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	tm.Invalidate()
	token, err := tm.Token()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if token.AccessToken != "token-2" {
		t.Errorf("expected a fresh token after invalidation, got %q", token.AccessToken)
	}
	if fake.AuthCalls() != 2 {
		t.Errorf("expected 2 auth calls, got %d", fake.AuthCalls())
	}
}

func TestParseExpire(t *testing.T) {
	testCases := []struct {
		name  string
		value string
		want  time.Time
	}{
		{
			name:  "When the expiry is RFC3339",
			value: "2026-08-26T10:00:00Z",
			want:  time.Date(2026, 8, 26, 10, 0, 0, 0, time.UTC),
		},
		{
			name:  "When the expiry is the xcatd format",
			value: "2026-08-26 10:00:00",
			want:  time.Date(2026, 8, 26, 10, 0, 0, 0, time.UTC),
		},
		{
			name:  "When the expiry omits zero padding",
			value: "2026-8-6 9:04:05",
			want:  time.Date(2026, 8, 6, 9, 4, 5, 0, time.UTC),
		},
	}
	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			got := parseExpire(tc.value)
			if !got.Equal(tc.want) {
				t.Errorf("expected %v, got %v", tc.want, got)
			}
		})
	}

	t.Run("When the expiry is unparseable", func(t *testing.T) {
		got := parseExpire("soon")
		if time.Until(got) < 30*time.Minute {
			t.Errorf("expected fallback TTL, got %v", got)
		}
	})
}
