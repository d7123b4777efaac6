// Package session defines the vendor session surface the feed engine
// consumes. Issuing a session (login, refresh, credential storage) is an
// external collaborator's job; this package carries the credential record,
// a TOTP helper for issuers that need one, and a caching wrapper that
// avoids redundant logins while the cached feed token is still valid.
package session

import (
	"context"
	"fmt"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/pquerna/otp/totp"
)

// Credentials is everything a streaming connection needs to dial and
// authenticate: the bearer JWT plus the vendor's extra handshake headers.
type Credentials struct {
	JWT        string
	FeedToken  string
	APIKey     string
	ClientCode string
}

// TokenProvider issues vendor sessions. Implementations are expected to
// perform the vendor login (API key + TOTP) or fetch a stored session.
type TokenProvider interface {
	Session(ctx context.Context) (Credentials, error)
}

// TOTPCode computes the current one-time code from either a raw base32 seed
// or a full otpauth:// URI.
func TOTPCode(secretOrURI string, at time.Time) (string, error) {
	secret := secretOrURI
	if strings.HasPrefix(secretOrURI, "otpauth://") {
		u, err := url.Parse(secretOrURI)
		if err != nil {
			return "", fmt.Errorf("parse otpauth uri: %w", err)
		}
		secret = u.Query().Get("secret")
		if secret == "" {
			return "", fmt.Errorf("otpauth uri has no secret parameter")
		}
	}
	code, err := totp.GenerateCode(strings.ToUpper(secret), at)
	if err != nil {
		return "", fmt.Errorf("generate totp: %w", err)
	}
	return code, nil
}

// Expired reports whether a JWT expires within the given margin. Signature
// verification belongs to the vendor; only the exp claim is inspected, and
// tokens that cannot be parsed are treated as expired.
func Expired(raw string, margin time.Duration, now time.Time) bool {
	token, _, err := jwt.NewParser().ParseUnverified(raw, jwt.MapClaims{})
	if err != nil {
		return true
	}
	exp, err := token.Claims.GetExpirationTime()
	if err != nil || exp == nil {
		return true
	}
	return now.Add(margin).After(exp.Time)
}

// CachingProvider wraps a TokenProvider and reuses the last session until
// its JWT is within the refresh margin of expiry.
type CachingProvider struct {
	inner  TokenProvider
	margin time.Duration

	mu     sync.Mutex
	cached Credentials
	have   bool
}

// NewCachingProvider wraps inner with a refresh margin. A zero margin
// defaults to one minute.
func NewCachingProvider(inner TokenProvider, margin time.Duration) *CachingProvider {
	if margin <= 0 {
		margin = time.Minute
	}
	return &CachingProvider{inner: inner, margin: margin}
}

// Session returns the cached credentials when still valid, otherwise asks
// the inner provider for a fresh session.
func (p *CachingProvider) Session(ctx context.Context) (Credentials, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.have && !Expired(p.cached.JWT, p.margin, time.Now()) {
		return p.cached, nil
	}

	creds, err := p.inner.Session(ctx)
	if err != nil {
		return Credentials{}, err
	}
	p.cached = creds
	p.have = true
	return creds, nil
}

// LoginFunc performs the vendor login with a fresh one-time code and
// returns the issued session.
type LoginFunc func(ctx context.Context, code string) (Credentials, error)

// LoginProvider issues sessions by driving a vendor login with the
// configured TOTP seed. The login call itself is injected because each
// deployment reaches the vendor through its own REST surface; wrap the
// provider in a CachingProvider to avoid logging in on every dial.
type LoginProvider struct {
	TOTPSecret string
	Login      LoginFunc

	now func() time.Time
}

// NewLoginProvider builds a provider from a base32 seed or otpauth URI
// and the deployment's login call.
func NewLoginProvider(totpSecret string, login LoginFunc) *LoginProvider {
	return &LoginProvider{TOTPSecret: totpSecret, Login: login, now: time.Now}
}

// Session computes the current one-time code and performs the login.
func (p *LoginProvider) Session(ctx context.Context) (Credentials, error) {
	now := p.now
	if now == nil {
		now = time.Now
	}
	code, err := TOTPCode(p.TOTPSecret, now())
	if err != nil {
		return Credentials{}, err
	}
	return p.Login(ctx, code)
}

// Static is a fixed-credential provider, used in tests and for deployments
// where an external process refreshes tokens out of band.
type Static struct {
	Creds Credentials
}

// Session returns the fixed credentials.
func (s Static) Session(context.Context) (Credentials, error) {
	return s.Creds, nil
}
