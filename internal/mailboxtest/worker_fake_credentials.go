package mailboxtest

import (
	"context"
	"sync"

	"autoreply_worker/core/port/out"

	"golang.org/x/oauth2"
)

// Credentials is a switchable out.CredentialProvider.
type Credentials struct {
	mu            sync.Mutex
	ready         bool
	invalidations int
}

// NewCredentials returns a provider that is ready.
func NewCredentials() *Credentials {
	return &Credentials{ready: true}
}

// SetReady toggles whether a usable credential exists.
func (c *Credentials) SetReady(ready bool) {
	c.mu.Lock()
	c.ready = ready
	c.mu.Unlock()
}

func (c *Credentials) TokenSource(ctx context.Context) (oauth2.TokenSource, error) {
	if !c.Ready(ctx) {
		return nil, out.ErrUnauthenticated
	}
	return oauth2.StaticTokenSource(&oauth2.Token{AccessToken: "test"}), nil
}

func (c *Credentials) Ready(context.Context) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.ready
}

func (c *Credentials) Invalidate(context.Context) {
	c.mu.Lock()
	c.invalidations++
	c.mu.Unlock()
}

// Invalidations returns how many times Invalidate was called.
func (c *Credentials) Invalidations() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.invalidations
}

var _ out.CredentialProvider = (*Credentials)(nil)
