// Package authtest provides trivial Authenticator implementations for tests
// and closed development environments.
package authtest

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/toolwire/toolwire/auth"
)

// Static authenticates against a fixed token-to-user table.
type Static struct {
	mu     sync.RWMutex
	byTok  map[string]string
	claims map[string]map[string]any
}

var _ auth.Authenticator = (*Static)(nil)

// NewStatic builds an empty static authenticator. Populate it with Allow.
func NewStatic() *Static {
	return &Static{
		byTok:  make(map[string]string),
		claims: make(map[string]map[string]any),
	}
}

// Allow registers a token for the given user id with optional extra claims.
func (s *Static) Allow(token, userID string, claims map[string]any) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.byTok[token] = userID
	if claims != nil {
		s.claims[token] = claims
	}
}

// CheckAuthentication implements auth.Authenticator.
func (s *Static) CheckAuthentication(ctx context.Context, tok string) (auth.UserInfo, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	userID, ok := s.byTok[tok]
	if !ok {
		return nil, fmt.Errorf("%w: unknown token", auth.ErrUnauthorized)
	}
	return &staticUser{id: userID, claims: s.claims[tok]}, nil
}

type staticUser struct {
	id     string
	claims map[string]any
}

func (u *staticUser) UserID() string { return u.id }

func (u *staticUser) Claims(ref any) error {
	if u.claims == nil {
		return nil
	}
	b, err := json.Marshal(u.claims)
	if err != nil {
		return err
	}
	return json.Unmarshal(b, ref)
}
