package credential

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// RefreshFunc fetches a new signed token.
type RefreshFunc func(ctx context.Context) (string, error)

// JWTProvider serves a JWT bearer token and replaces it through a
// RefreshFunc once it is within the skew of its exp claim.
//
// The token is decoded without signature verification: the remote end
// verifies it, the client only needs to know when it runs out.
type JWTProvider struct {
	mu      sync.Mutex
	current Credential
	refresh RefreshFunc
	skew    time.Duration
	now     func() time.Time
	parser  *jwt.Parser
}

// JWTOption configures a JWTProvider.
type JWTOption func(*JWTProvider)

// WithSkew treats tokens expiring within d as expired. Default 30s.
func WithSkew(d time.Duration) JWTOption {
	return func(p *JWTProvider) {
		p.skew = d
	}
}

// WithClock sets the time source.
func WithClock(now func() time.Time) JWTOption {
	return func(p *JWTProvider) {
		p.now = now
	}
}

// NewJWTProvider creates a provider seeded with token, which may be empty.
func NewJWTProvider(token string, refresh RefreshFunc, opts ...JWTOption) *JWTProvider {
	p := &JWTProvider{
		refresh: refresh,
		skew:    30 * time.Second,
		now:     time.Now,
		parser:  jwt.NewParser(),
	}
	for _, opt := range opts {
		opt(p)
	}
	if token != "" {
		if c, err := p.decode(token); err == nil {
			p.current = c
		}
	}
	return p
}

// Credential returns the current token unless it is missing or expiring.
func (p *JWTProvider) Credential(context.Context) (Credential, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.current.Token == "" {
		return Credential{}, fmt.Errorf("no token: %w", ErrAuth)
	}
	if p.current.Expired(p.now(), p.skew) {
		return Credential{}, fmt.Errorf("token expired at %s: %w", p.current.ExpiresAt.Format(time.RFC3339), ErrAuth)
	}
	return p.current, nil
}

// Refresh fetches and installs a new token.
func (p *JWTProvider) Refresh(ctx context.Context) (Credential, error) {
	if p.refresh == nil {
		return Credential{}, fmt.Errorf("no refresher configured: %w", ErrAuth)
	}
	token, err := p.refresh(ctx)
	if err != nil {
		return Credential{}, err
	}
	c, err := p.decode(token)
	if err != nil {
		return Credential{}, err
	}
	if c.Expired(p.now(), p.skew) {
		return Credential{}, fmt.Errorf("refreshed token already expired: %w", ErrAuth)
	}

	p.mu.Lock()
	p.current = c
	p.mu.Unlock()
	return c, nil
}

func (p *JWTProvider) decode(token string) (Credential, error) {
	claims := jwt.MapClaims{}
	if _, _, err := p.parser.ParseUnverified(token, claims); err != nil {
		return Credential{}, fmt.Errorf("decode token: %v: %w", err, ErrAuth)
	}
	c := Credential{Token: token}
	exp, err := claims.GetExpirationTime()
	if err != nil {
		return Credential{}, fmt.Errorf("decode token exp: %v: %w", err, ErrAuth)
	}
	if exp != nil {
		c.ExpiresAt = exp.Time
	}
	return c, nil
}
