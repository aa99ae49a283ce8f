package bearerauth

import (
	"context"
	"crypto/rand"
	"crypto/rsa"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	jose "github.com/go-jose/go-jose/v4"
	"github.com/golang-jwt/jwt/v5"

	"github.com/toolwire/toolwire/auth"
)

type mockIssuer struct {
	srv      *httptest.Server
	issuer   string
	jwksPath string
}

func newMockIssuer(t *testing.T, keysJSON []byte) *mockIssuer {
	t.Helper()
	m := &mockIssuer{jwksPath: "/keys"}
	handler := http.NewServeMux()
	handler.HandleFunc("/.well-known/openid-configuration", func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(map[string]any{
			"issuer":   m.issuer,
			"jwks_uri": m.issuer + m.jwksPath,
		})
	})
	handler.HandleFunc(m.jwksPath, func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write(keysJSON)
	})
	m.srv = httptest.NewServer(handler)
	m.issuer = m.srv.URL
	t.Cleanup(m.srv.Close)
	return m
}

func genRSA(t *testing.T) (*rsa.PrivateKey, string, []byte) {
	t.Helper()
	pk, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		t.Fatalf("gen key: %v", err)
	}
	kid := "test-key"
	jwk := jose.JSONWebKey{Key: &pk.PublicKey, KeyID: kid, Algorithm: "RS256", Use: "sig"}
	set := struct {
		Keys []jose.JSONWebKey `json:"keys"`
	}{Keys: []jose.JSONWebKey{jwk}}
	b, err := json.Marshal(set)
	if err != nil {
		t.Fatalf("marshal jwks: %v", err)
	}
	return pk, kid, b
}

func signToken(t *testing.T, pk *rsa.PrivateKey, kid, headerTyp string, claims jwt.MapClaims) string {
	t.Helper()
	tok := jwt.NewWithClaims(jwt.SigningMethodRS256, claims)
	tok.Header["kid"] = kid
	if headerTyp != "" {
		tok.Header["typ"] = headerTyp
	}
	s, err := tok.SignedString(pk)
	if err != nil {
		t.Fatalf("sign: %v", err)
	}
	return s
}

func baseClaims(issuer, aud string) jwt.MapClaims {
	now := time.Now()
	return jwt.MapClaims{
		"iss": issuer,
		"sub": "user-123",
		"aud": aud,
		"exp": now.Add(time.Hour).Unix(),
		"iat": now.Unix(),
	}
}

func TestDiscoveryHappyPath(t *testing.T) {
	pk, kid, jwks := genRSA(t)
	iss := newMockIssuer(t, jwks)

	aud := "https://api.example.com/tools"
	a, err := NewFromDiscovery(context.Background(), iss.issuer, aud, WithLeeway(0))
	if err != nil {
		t.Fatalf("NewFromDiscovery: %v", err)
	}

	claims := baseClaims(iss.issuer, aud)
	claims["scope"] = "tools:read tools:write"
	tok := signToken(t, pk, kid, "at+jwt", claims)

	ui, err := a.CheckAuthentication(context.Background(), tok)
	if err != nil {
		t.Fatalf("CheckAuthentication: %v", err)
	}
	if ui.UserID() != "user-123" {
		t.Fatalf("sub = %q, want user-123", ui.UserID())
	}

	var out struct {
		Scope string `json:"scope"`
	}
	if err := ui.Claims(&out); err != nil {
		t.Fatalf("Claims: %v", err)
	}
	if out.Scope != "tools:read tools:write" {
		t.Fatalf("scope round trip = %q", out.Scope)
	}
}

func TestDiscoveryRequiresATJWTTyp(t *testing.T) {
	pk, kid, jwks := genRSA(t)
	iss := newMockIssuer(t, jwks)

	aud := "https://api.example.com/tools"
	a, err := NewFromDiscovery(context.Background(), iss.issuer, aud)
	if err != nil {
		t.Fatalf("NewFromDiscovery: %v", err)
	}

	tok := signToken(t, pk, kid, "JWT", baseClaims(iss.issuer, aud))
	if _, err := a.CheckAuthentication(context.Background(), tok); !errors.Is(err, auth.ErrUnauthorized) {
		t.Fatalf("plain JWT against discovery authenticator: err = %v, want unauthorized", err)
	}
}

func TestStaticAcceptsPlainJWT(t *testing.T) {
	pk, kid, jwks := genRSA(t)
	iss := newMockIssuer(t, jwks)

	aud := "https://api.example.com/tools"
	a, err := NewStatic(context.Background(), iss.issuer, iss.issuer+"/keys", aud)
	if err != nil {
		t.Fatalf("NewStatic: %v", err)
	}

	tok := signToken(t, pk, kid, "JWT", baseClaims(iss.issuer, aud))
	ui, err := a.CheckAuthentication(context.Background(), tok)
	if err != nil {
		t.Fatalf("CheckAuthentication: %v", err)
	}
	if ui.UserID() != "user-123" {
		t.Fatalf("sub = %q", ui.UserID())
	}
}

func TestAudienceArrayAndExtras(t *testing.T) {
	pk, kid, jwks := genRSA(t)
	iss := newMockIssuer(t, jwks)

	primary := "https://api.example.com/tools"
	extra := "http://localhost:8080/tools"
	a, err := NewStatic(context.Background(), iss.issuer, iss.issuer+"/keys", primary, WithAudiences(extra))
	if err != nil {
		t.Fatalf("NewStatic: %v", err)
	}

	claims := baseClaims(iss.issuer, "")
	claims["aud"] = []string{"https://other", extra}
	tok := signToken(t, pk, kid, "", claims)
	if _, err := a.CheckAuthentication(context.Background(), tok); err != nil {
		t.Fatalf("extra audience rejected: %v", err)
	}

	claims["aud"] = "https://unknown"
	tok = signToken(t, pk, kid, "", claims)
	if _, err := a.CheckAuthentication(context.Background(), tok); !errors.Is(err, auth.ErrUnauthorized) {
		t.Fatalf("unknown audience err = %v, want unauthorized", err)
	}
}

func TestRequiredScopes(t *testing.T) {
	pk, kid, jwks := genRSA(t)
	iss := newMockIssuer(t, jwks)

	aud := "https://api.example.com/tools"
	a, err := NewStatic(context.Background(), iss.issuer, iss.issuer+"/keys", aud,
		WithRequiredScopes("tools:write", "tools:admin"))
	if err != nil {
		t.Fatalf("NewStatic: %v", err)
	}

	claims := baseClaims(iss.issuer, aud)
	claims["scope"] = "tools:write"
	tok := signToken(t, pk, kid, "", claims)
	if _, err := a.CheckAuthentication(context.Background(), tok); !errors.Is(err, auth.ErrInsufficientScope) {
		t.Fatalf("missing scope err = %v, want insufficient scope", err)
	}

	claims["scope"] = "tools:write tools:admin"
	tok = signToken(t, pk, kid, "", claims)
	if _, err := a.CheckAuthentication(context.Background(), tok); err != nil {
		t.Fatalf("full scopes rejected: %v", err)
	}
}

func TestAnyScopeMode(t *testing.T) {
	pk, kid, jwks := genRSA(t)
	iss := newMockIssuer(t, jwks)

	aud := "https://api.example.com/tools"
	a, err := NewStatic(context.Background(), iss.issuer, iss.issuer+"/keys", aud,
		WithAnyRequiredScope("tools:read", "tools:write"))
	if err != nil {
		t.Fatalf("NewStatic: %v", err)
	}

	claims := baseClaims(iss.issuer, aud)
	claims["scope"] = "tools:read"
	tok := signToken(t, pk, kid, "", claims)
	if _, err := a.CheckAuthentication(context.Background(), tok); err != nil {
		t.Fatalf("any-mode single scope rejected: %v", err)
	}
}

func TestExpiredTokenRejected(t *testing.T) {
	pk, kid, jwks := genRSA(t)
	iss := newMockIssuer(t, jwks)

	aud := "https://api.example.com/tools"
	a, err := NewStatic(context.Background(), iss.issuer, iss.issuer+"/keys", aud, WithLeeway(0))
	if err != nil {
		t.Fatalf("NewStatic: %v", err)
	}

	claims := baseClaims(iss.issuer, aud)
	claims["exp"] = time.Now().Add(-time.Hour).Unix()
	tok := signToken(t, pk, kid, "", claims)
	if _, err := a.CheckAuthentication(context.Background(), tok); !errors.Is(err, auth.ErrUnauthorized) {
		t.Fatalf("expired token err = %v, want unauthorized", err)
	}
}

func TestMissingSubRejected(t *testing.T) {
	pk, kid, jwks := genRSA(t)
	iss := newMockIssuer(t, jwks)

	aud := "https://api.example.com/tools"
	a, err := NewStatic(context.Background(), iss.issuer, iss.issuer+"/keys", aud)
	if err != nil {
		t.Fatalf("NewStatic: %v", err)
	}

	claims := baseClaims(iss.issuer, aud)
	delete(claims, "sub")
	tok := signToken(t, pk, kid, "", claims)
	if _, err := a.CheckAuthentication(context.Background(), tok); !errors.Is(err, auth.ErrUnauthorized) {
		t.Fatalf("missing sub err = %v, want unauthorized", err)
	}
}
