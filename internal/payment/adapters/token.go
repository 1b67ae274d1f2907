package adapters

import (
	"context"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"
)

// FetchTokenFunc performs one token request against the provider's OAuth
// endpoint and returns the bearer token with its lifetime.
type FetchTokenFunc func(ctx context.Context) (token string, expiresIn time.Duration, err error)

// TokenSource caches a provider access token and refreshes it lazily.
// Concurrent refreshes collapse to a single in-flight request.
type TokenSource struct {
	fetch FetchTokenFunc
	slack time.Duration
	now   func() time.Time

	group singleflight.Group

	mu     sync.Mutex
	token  string
	expiry time.Time
}

func NewTokenSource(fetch FetchTokenFunc, slack time.Duration) *TokenSource {
	if slack < 0 {
		slack = 0
	}
	return &TokenSource{
		fetch: fetch,
		slack: slack,
		now:   time.Now,
	}
}

// Token returns a cached token while it remains valid past the configured
// slack, otherwise fetches a fresh one.
func (t *TokenSource) Token(ctx context.Context) (string, error) {
	if token, ok := t.cached(); ok {
		return token, nil
	}

	value, err, _ := t.group.Do("token", func() (any, error) {
		// A caller queued behind the winning refresh sees the fresh token here.
		if token, ok := t.cached(); ok {
			return token, nil
		}

		token, expiresIn, err := t.fetch(ctx)
		if err != nil {
			return "", err
		}

		t.mu.Lock()
		t.token = token
		t.expiry = t.now().Add(expiresIn)
		t.mu.Unlock()
		return token, nil
	})
	if err != nil {
		return "", err
	}
	return value.(string), nil
}

// Invalidate drops the cached token, forcing the next caller to refresh.
func (t *TokenSource) Invalidate() {
	t.mu.Lock()
	t.token = ""
	t.expiry = time.Time{}
	t.mu.Unlock()
}

func (t *TokenSource) cached() (string, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.token == "" {
		return "", false
	}
	if !t.now().Add(t.slack).Before(t.expiry) {
		return "", false
	}
	return t.token, true
}
