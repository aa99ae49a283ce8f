// Package bearerauth validates JWT bearer tokens against a JWKS, either
// statically configured or obtained through OIDC discovery. Discovery-built
// authenticators enforce the RFC 9068 access-token profile (at+jwt typ);
// statically configured ones accept plain JWTs for self-managed issuers.
package bearerauth

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	keyfunc "github.com/MicahParks/keyfunc/v3"
	"github.com/coreos/go-oidc/v3/oidc"
	"github.com/golang-jwt/jwt/v5"

	"github.com/toolwire/toolwire/auth"
)

const (
	defaultLeeway = 60 * time.Second
)

type config struct {
	audiences      []string
	requiredScopes []string
	scopeModeAny   bool
	allowedAlgs    []string
	leeway         time.Duration
}

// Option adjusts token validation policy.
type Option func(*config)

// WithAudiences accepts any of the given audiences in addition to the
// primary one passed to the constructor.
func WithAudiences(audiences ...string) Option {
	return func(c *config) {
		c.audiences = append(c.audiences, audiences...)
	}
}

// WithRequiredScopes requires all of the provided scopes to be present in
// the space-delimited "scope" claim.
func WithRequiredScopes(scopes ...string) Option {
	return func(c *config) {
		c.requiredScopes = append([]string(nil), scopes...)
		c.scopeModeAny = false
	}
}

// WithAnyRequiredScope requires at least one of the provided scopes.
func WithAnyRequiredScope(scopes ...string) Option {
	return func(c *config) {
		c.requiredScopes = append([]string(nil), scopes...)
		c.scopeModeAny = true
	}
}

// WithAllowedAlgs restricts accepted JWS algorithms. Defaults to RS256.
func WithAllowedAlgs(algs ...string) Option {
	return func(c *config) {
		c.allowedAlgs = append([]string(nil), algs...)
	}
}

// WithLeeway sets clock-skew tolerance for time-based claims.
func WithLeeway(d time.Duration) Option {
	return func(c *config) {
		c.leeway = d
	}
}

// Authenticator validates bearer tokens against a JWKS.
type Authenticator struct {
	cfg          config
	issuer       string
	keyfunc      jwt.Keyfunc
	requireATJWT bool
}

var _ auth.Authenticator = (*Authenticator)(nil)

// NewFromDiscovery resolves the issuer's OIDC discovery document, wires an
// auto-refreshing JWKS, and returns an authenticator enforcing the RFC 9068
// access-token profile for the given audience.
func NewFromDiscovery(ctx context.Context, issuer, audience string, opts ...Option) (*Authenticator, error) {
	if issuer == "" {
		return nil, errors.New("bearerauth: issuer is required")
	}
	if audience == "" {
		return nil, errors.New("bearerauth: audience is required")
	}

	provider, err := oidc.NewProvider(ctx, issuer)
	if err != nil {
		return nil, fmt.Errorf("bearerauth: oidc discovery failed: %w", err)
	}
	var meta struct {
		Issuer  string `json:"issuer"`
		JwksURI string `json:"jwks_uri"`
	}
	if err := provider.Claims(&meta); err != nil {
		return nil, fmt.Errorf("bearerauth: invalid discovery metadata: %w", err)
	}
	if meta.JwksURI == "" {
		return nil, errors.New("bearerauth: discovery metadata has no jwks_uri")
	}

	a, err := build(ctx, meta.Issuer, meta.JwksURI, audience, opts)
	if err != nil {
		return nil, err
	}
	a.requireATJWT = true
	return a, nil
}

// NewStatic builds an authenticator from an explicitly configured issuer
// and JWKS URI, skipping discovery. Plain JWTs are accepted.
func NewStatic(ctx context.Context, issuer, jwksURI, audience string, opts ...Option) (*Authenticator, error) {
	if issuer == "" {
		return nil, errors.New("bearerauth: issuer is required")
	}
	if jwksURI == "" {
		return nil, errors.New("bearerauth: jwks uri is required")
	}
	if audience == "" {
		return nil, errors.New("bearerauth: audience is required")
	}
	return build(ctx, issuer, jwksURI, audience, opts)
}

func build(ctx context.Context, issuer, jwksURI, audience string, opts []Option) (*Authenticator, error) {
	cfg := config{
		audiences:   []string{audience},
		allowedAlgs: []string{"RS256"},
		leeway:      defaultLeeway,
	}
	for _, opt := range opts {
		opt(&cfg)
	}
	if len(cfg.allowedAlgs) == 0 {
		cfg.allowedAlgs = []string{"RS256"}
	}

	kf, err := keyfunc.NewDefaultCtx(ctx, []string{jwksURI})
	if err != nil {
		return nil, fmt.Errorf("bearerauth: jwks init failed: %w", err)
	}

	allowed := make(map[string]struct{}, len(cfg.allowedAlgs))
	for _, alg := range cfg.allowedAlgs {
		allowed[alg] = struct{}{}
	}

	return &Authenticator{
		cfg:    cfg,
		issuer: issuer,
		keyfunc: func(t *jwt.Token) (any, error) {
			if _, ok := allowed[t.Method.Alg()]; !ok {
				return nil, fmt.Errorf("disallowed alg: %s", t.Method.Alg())
			}
			return kf.Keyfunc(t)
		},
	}, nil
}

// CheckAuthentication implements auth.Authenticator.
func (a *Authenticator) CheckAuthentication(ctx context.Context, tok string) (auth.UserInfo, error) {
	if tok == "" {
		return nil, fmt.Errorf("%w: empty token", auth.ErrUnauthorized)
	}

	parser := jwt.NewParser(
		jwt.WithValidMethods(a.cfg.allowedAlgs),
		jwt.WithExpirationRequired(),
		jwt.WithIssuer(a.issuer),
		jwt.WithLeeway(a.cfg.leeway),
	)
	parsed, err := parser.Parse(tok, a.keyfunc)
	if err != nil {
		return nil, fmt.Errorf("%w: token parse/verify failed: %v", auth.ErrUnauthorized, err)
	}

	if a.requireATJWT {
		if typ, _ := parsed.Header["typ"].(string); typ != "at+jwt" && typ != "application/at+jwt" {
			return nil, fmt.Errorf("%w: invalid typ; want at+jwt", auth.ErrUnauthorized)
		}
	}

	claims, ok := parsed.Claims.(jwt.MapClaims)
	if !ok {
		return nil, fmt.Errorf("%w: invalid claims type", auth.ErrUnauthorized)
	}

	if !audIntersects(claims["aud"], a.cfg.audiences) {
		return nil, fmt.Errorf("%w: audience mismatch", auth.ErrUnauthorized)
	}

	if iatf, ok := claims["iat"].(float64); ok {
		iat := time.Unix(int64(iatf), 0)
		if iat.After(time.Now().Add(a.cfg.leeway + 5*time.Minute)) {
			return nil, fmt.Errorf("%w: iat too far in future", auth.ErrUnauthorized)
		}
	}

	if len(a.cfg.requiredScopes) > 0 {
		scopeStr, _ := claims["scope"].(string)
		have := make(map[string]bool)
		for _, s := range strings.Fields(scopeStr) {
			have[s] = true
		}
		if a.cfg.scopeModeAny {
			matched := false
			for _, want := range a.cfg.requiredScopes {
				if have[want] {
					matched = true
					break
				}
			}
			if !matched {
				return nil, auth.ErrInsufficientScope
			}
		} else {
			for _, want := range a.cfg.requiredScopes {
				if !have[want] {
					return nil, auth.ErrInsufficientScope
				}
			}
		}
	}

	sub, _ := claims["sub"].(string)
	if sub == "" {
		return nil, fmt.Errorf("%w: missing sub", auth.ErrUnauthorized)
	}

	return &userInfo{sub: sub, claims: claims}, nil
}

type userInfo struct {
	sub    string
	claims map[string]any
}

func (u *userInfo) UserID() string { return u.sub }

func (u *userInfo) Claims(ref any) error {
	b, err := json.Marshal(u.claims)
	if err != nil {
		return err
	}
	return json.Unmarshal(b, ref)
}

func audIntersects(aud any, wants []string) bool {
	wantSet := make(map[string]struct{}, len(wants))
	for _, w := range wants {
		wantSet[w] = struct{}{}
	}
	switch v := aud.(type) {
	case string:
		_, ok := wantSet[v]
		return ok
	case []any:
		for _, e := range v {
			if s, ok := e.(string); ok {
				if _, ok2 := wantSet[s]; ok2 {
					return true
				}
			}
		}
	case []string:
		for _, s := range v {
			if _, ok := wantSet[s]; ok {
				return true
			}
		}
	}
	return false
}
