// Package sessiontoken issues and verifies the transport-safe tokens that
// carry session identity over the wire. A token either is the raw session
// ID (plain mode) or wraps it in a compact Ed25519 JWS so the server can
// reject forged or tampered IDs without a table lookup.
package sessiontoken

import (
	"crypto/ed25519"
	"crypto/rand"
	"encoding/json"
	"fmt"
	"time"

	jose "github.com/go-jose/go-jose/v4"
)

// Codec converts session IDs to wire tokens and back.
type Codec interface {
	// Issue returns the wire token for a session ID.
	Issue(sessionID string) (string, error)
	// Parse validates a wire token and returns the session ID it carries.
	Parse(token string) (string, error)
}

// Plain passes session IDs through unchanged. Suitable for stdio and
// other single-tenant transports where the peer is already trusted.
type Plain struct{}

var _ Codec = Plain{}

func (Plain) Issue(sessionID string) (string, error) {
	if sessionID == "" {
		return "", fmt.Errorf("empty session id")
	}
	return sessionID, nil
}

func (Plain) Parse(token string) (string, error) {
	if token == "" {
		return "", fmt.Errorf("empty token")
	}
	return token, nil
}

// claims is the JWS payload. iat is informational; token lifetime is
// governed by the session table, not the token.
type claims struct {
	SessionID string `json:"sid"`
	IssuedAt  int64  `json:"iat"`
}

// Signed implements Codec using an in-memory set of Ed25519 keys with a
// designated active key for signing. Older keys stay registered so tokens
// they signed keep verifying across key rotation.
type Signed struct {
	activeKid string
	privKeys  map[string]ed25519.PrivateKey
	pubKeys   map[string]ed25519.PublicKey
	now       func() time.Time
}

var _ Codec = (*Signed)(nil)

func NewSigned() *Signed {
	return &Signed{
		privKeys: make(map[string]ed25519.PrivateKey),
		pubKeys:  make(map[string]ed25519.PublicKey),
		now:      time.Now,
	}
}

// AddEd25519Key registers a key pair under kid. The active key is
// unchanged.
func (s *Signed) AddEd25519Key(kid string, priv ed25519.PrivateKey) {
	s.privKeys[kid] = priv
	s.pubKeys[kid] = priv.Public().(ed25519.PublicKey)
}

// GenerateKey creates a fresh Ed25519 key pair, registers it under kid,
// and makes it the active signing key.
func (s *Signed) GenerateKey(kid string) error {
	_, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return fmt.Errorf("generate ed25519 key: %w", err)
	}
	s.AddEd25519Key(kid, priv)
	return s.SetActive(kid)
}

// SetActive selects the key used for signing.
func (s *Signed) SetActive(kid string) error {
	if _, ok := s.privKeys[kid]; !ok {
		return fmt.Errorf("unknown kid: %s", kid)
	}
	s.activeKid = kid
	return nil
}

func (s *Signed) ActiveKID() string { return s.activeKid }

func (s *Signed) Issue(sessionID string) (string, error) {
	if sessionID == "" {
		return "", fmt.Errorf("empty session id")
	}
	if s.activeKid == "" {
		return "", fmt.Errorf("no active kid configured")
	}
	priv, ok := s.privKeys[s.activeKid]
	if !ok {
		return "", fmt.Errorf("active kid not found: %s", s.activeKid)
	}

	payload, err := json.Marshal(claims{SessionID: sessionID, IssuedAt: s.now().Unix()})
	if err != nil {
		return "", fmt.Errorf("marshal claims: %w", err)
	}

	opts := (&jose.SignerOptions{}).WithType("JWT").WithHeader("kid", s.activeKid)
	signer, err := jose.NewSigner(jose.SigningKey{Algorithm: jose.EdDSA, Key: priv}, opts)
	if err != nil {
		return "", fmt.Errorf("failed to create signer: %w", err)
	}
	jws, err := signer.Sign(payload)
	if err != nil {
		return "", fmt.Errorf("failed to sign payload: %w", err)
	}
	compact, err := jws.CompactSerialize()
	if err != nil {
		return "", fmt.Errorf("failed to serialize jws: %w", err)
	}
	return compact, nil
}

func (s *Signed) Parse(token string) (string, error) {
	jws, err := jose.ParseSigned(token, []jose.SignatureAlgorithm{jose.EdDSA})
	if err != nil {
		return "", fmt.Errorf("failed to parse jws: %w", err)
	}
	if len(jws.Signatures) != 1 {
		return "", fmt.Errorf("unexpected signatures: %d", len(jws.Signatures))
	}
	kid := jws.Signatures[0].Protected.KeyID
	pub, ok := s.pubKeys[kid]
	if !ok {
		return "", fmt.Errorf("unknown kid: %s", kid)
	}
	payload, err := jws.Verify(pub)
	if err != nil {
		return "", fmt.Errorf("signature verification failed: %w", err)
	}

	var c claims
	if err := json.Unmarshal(payload, &c); err != nil {
		return "", fmt.Errorf("unmarshal claims: %w", err)
	}
	if c.SessionID == "" {
		return "", fmt.Errorf("token carries no session id")
	}
	return c.SessionID, nil
}
