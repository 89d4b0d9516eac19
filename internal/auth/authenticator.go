// Package auth verifies logins and issues the session tokens that carry a
// user's unwrapped private key between requests.
package auth

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/org/pwsafe/internal/crypto"
	"github.com/org/pwsafe/pkg/models"
)

// LocalSource is the auth source of accounts verified against their stored
// password hash.
const LocalSource = "local"

// Authenticator checks a password for an account of its auth source.
type Authenticator interface {
	Authenticate(ctx context.Context, u *models.User, password string) (bool, error)
}

// AuthenticatorFunc adapts a function to Authenticator.
type AuthenticatorFunc func(ctx context.Context, u *models.User, password string) (bool, error)

func (f AuthenticatorFunc) Authenticate(ctx context.Context, u *models.User, password string) (bool, error) {
	return f(ctx, u, password)
}

// Local verifies the argon2id hash on the account.
type Local struct{}

func (Local) Authenticate(_ context.Context, u *models.User, password string) (bool, error) {
	return crypto.CheckPassword(u.PasswordHash, password)
}

// Registry maps auth source ids to authenticators. It starts with Local.
type Registry struct {
	mu      sync.RWMutex
	sources map[string]Authenticator
}

// NewRegistry returns a registry holding the local authenticator.
func NewRegistry() *Registry {
	return &Registry{sources: map[string]Authenticator{LocalSource: Local{}}}
}

// Register adds or replaces the authenticator for source.
func (r *Registry) Register(source string, a Authenticator) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sources[source] = a
}

// Get returns the authenticator for source. An empty source means local.
func (r *Registry) Get(source string) (Authenticator, error) {
	if source == "" {
		source = LocalSource
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	a, ok := r.sources[source]
	if !ok {
		return nil, fmt.Errorf("unknown auth source %q", source)
	}
	return a, nil
}

// Sources lists the registered source ids.
func (r *Registry) Sources() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.sources))
	for k := range r.sources {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}
