// Package credential supplies the bearer credential each remote attempt
// runs with.
//
// The engine only needs "a valid credential or fail": Acquire asks the
// provider once and, on ErrAuth, refreshes exactly once.
package credential

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// ErrAuth marks a credential that is missing, expired or rejected.
var ErrAuth = errors.New("credential expired or invalid")

// Credential is a bearer token and its expiry. A zero ExpiresAt never expires.
type Credential struct {
	Token     string
	ExpiresAt time.Time
}

// Expired reports whether c is expired at now, treating anything within
// skew of the expiry as already expired.
func (c Credential) Expired(now time.Time, skew time.Duration) bool {
	if c.ExpiresAt.IsZero() {
		return false
	}
	return !now.Add(skew).Before(c.ExpiresAt)
}

// Provider hands out credentials.
type Provider interface {
	// Credential returns the current credential, or an error wrapping
	// ErrAuth when it is no longer valid.
	Credential(ctx context.Context) (Credential, error)

	// Refresh obtains a new credential.
	Refresh(ctx context.Context) (Credential, error)
}

// Acquire returns a valid credential from p, refreshing at most once.
func Acquire(ctx context.Context, p Provider) (Credential, error) {
	c, err := p.Credential(ctx)
	if err == nil {
		return c, nil
	}
	if !errors.Is(err, ErrAuth) {
		return Credential{}, err
	}

	c, err = p.Refresh(ctx)
	if err != nil {
		return Credential{}, fmt.Errorf("refresh credential: %w", err)
	}
	return c, nil
}

type contextKey struct{}

// NewContext returns a copy of ctx carrying c.
func NewContext(ctx context.Context, c Credential) context.Context {
	return context.WithValue(ctx, contextKey{}, c)
}

// FromContext returns the credential stored by NewContext.
func FromContext(ctx context.Context) (Credential, bool) {
	c, ok := ctx.Value(contextKey{}).(Credential)
	return c, ok
}

// Static is a Provider with a fixed credential that never needs refresh.
type Static Credential

// Credential returns the fixed credential.
func (s Static) Credential(context.Context) (Credential, error) {
	return Credential(s), nil
}

// Refresh returns the fixed credential.
func (s Static) Refresh(context.Context) (Credential, error) {
	return Credential(s), nil
}
