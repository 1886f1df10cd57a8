// Package credential holds the OAuth token pair used to authenticate against the Fleet API.
//
// A [Store] is owned by a single fleet client and is only mutated by that client's refresh flow.
// Tokens are never partially updated: a failed refresh clears the whole [Credential] so stale
// tokens cannot linger.
package credential

import (
	"errors"
	"strings"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"k8s.io/utils/clock"
)

var ErrNoTokens = errors.New("credential requires an access token or a refresh token")

// Credential is an access/refresh token pair with the instant at which the access token expires.
type Credential struct {
	AccessToken  string    `json:"access_token"`
	RefreshToken string    `json:"refresh_token"`
	ExpiresAt    time.Time `json:"expires_at"`
}

// Empty returns true if c holds no tokens at all.
func (c Credential) Empty() bool {
	return c.AccessToken == "" && c.RefreshToken == ""
}

// ValidAt returns true if both tokens are present and the access token has not expired at now.
func (c Credential) ValidAt(now time.Time) bool {
	return c.AccessToken != "" && c.RefreshToken != "" && now.Before(c.ExpiresAt)
}

// Claims are the parts of a Fleet API access token this package cares about. The token signature
// is not verified; the Fleet API does that.
type Claims struct {
	jwt.RegisteredClaims
	OUCode string `json:"ou_code"`
}

// ParseClaims decodes the payload of a JWT access token without verifying it.
func ParseClaims(accessToken string) (*Claims, error) {
	var claims Claims
	if _, _, err := jwt.NewParser().ParseUnverified(strings.TrimSpace(accessToken), &claims); err != nil {
		return nil, err
	}
	return &claims, nil
}

// Store is the process-wide holder of the current Credential.
type Store struct {
	clock   clock.PassiveClock
	lock    sync.Mutex
	current Credential
}

// NewStore returns an empty Store. A nil clk uses the system clock.
func NewStore(clk clock.PassiveClock) *Store {
	if clk == nil {
		clk = clock.RealClock{}
	}
	return &Store{clock: clk}
}

// Get returns a copy of the current Credential.
func (s *Store) Get() Credential {
	s.lock.Lock()
	defer s.lock.Unlock()
	return s.current
}

// Set replaces both tokens and sets the expiry to now + expiresIn.
func (s *Store) Set(accessToken, refreshToken string, expiresIn time.Duration) {
	s.lock.Lock()
	defer s.lock.Unlock()
	s.current = Credential{
		AccessToken:  accessToken,
		RefreshToken: refreshToken,
		ExpiresAt:    s.clock.Now().Add(expiresIn),
	}
}

// Restore replaces the current Credential with c, e.g. when loading a saved pair from a keyring.
func (s *Store) Restore(c Credential) {
	s.lock.Lock()
	defer s.lock.Unlock()
	s.current = c
}

// Bootstrap stores a token pair whose lifetime is unknown. The expiry is taken from the access
// token's exp claim; opaque or expiry-less access tokens are treated as already expired, which
// forces a refresh before the first request.
func (s *Store) Bootstrap(accessToken, refreshToken string) error {
	accessToken = strings.TrimSpace(accessToken)
	refreshToken = strings.TrimSpace(refreshToken)
	if accessToken == "" && refreshToken == "" {
		return ErrNoTokens
	}
	var expiresAt time.Time
	if accessToken != "" {
		if claims, err := ParseClaims(accessToken); err == nil && claims.ExpiresAt != nil {
			expiresAt = claims.ExpiresAt.Time
		}
	}
	s.Restore(Credential{AccessToken: accessToken, RefreshToken: refreshToken, ExpiresAt: expiresAt})
	return nil
}

// Clear discards both tokens.
func (s *Store) Clear() {
	s.lock.Lock()
	defer s.lock.Unlock()
	s.current = Credential{}
}

// IsValid returns true if both tokens are present and the access token has not yet expired.
func (s *Store) IsValid() bool {
	s.lock.Lock()
	defer s.lock.Unlock()
	return s.current.ValidAt(s.clock.Now())
}

// ExpiresWithin returns true if the access token expires less than d from now (or is already
// expired).
func (s *Store) ExpiresWithin(d time.Duration) bool {
	s.lock.Lock()
	defer s.lock.Unlock()
	return s.current.ExpiresAt.Sub(s.clock.Now()) < d
}
