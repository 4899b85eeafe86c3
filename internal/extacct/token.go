package extacct

import (
	"context"
	"sync"

	"golang.org/x/sync/singleflight"
)

// TokenSource caches the service-account bearer token. The external contract
// states tokens do not expire, so the cache has no TTL; Invalidate is called
// when the remote side answers 401.
type TokenSource struct {
	mu     sync.RWMutex
	token  string
	flight singleflight.Group
	login  func(ctx context.Context) (string, error)
}

// NewTokenSource wraps a login function with caching and single-flight.
func NewTokenSource(login func(ctx context.Context) (string, error)) *TokenSource {
	return &TokenSource{login: login}
}

// Token returns the cached token, performing at most one concurrent login
// when the cache is empty.
func (t *TokenSource) Token(ctx context.Context) (string, error) {
	t.mu.RLock()
	token := t.token
	t.mu.RUnlock()
	if token != "" {
		return token, nil
	}

	resultChan := t.flight.DoChan("login", func() (interface{}, error) {
		t.mu.RLock()
		cached := t.token
		t.mu.RUnlock()
		if cached != "" {
			return cached, nil
		}
		fresh, err := t.login(context.WithoutCancel(ctx))
		if err != nil {
			return "", err
		}
		t.mu.Lock()
		t.token = fresh
		t.mu.Unlock()
		return fresh, nil
	})
	select {
	case <-ctx.Done():
		return "", ctx.Err()
	case res := <-resultChan:
		if res.Err != nil {
			return "", res.Err
		}
		return res.Val.(string), nil
	}
}

// Invalidate clears the cache; the next Token call re-authenticates.
func (t *TokenSource) Invalidate() {
	t.mu.Lock()
	t.token = ""
	t.mu.Unlock()
}
