// Copyright 2025 Tom Barlow
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package supervisoripc

import (
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/zalando/go-keyring"
)

// Keyring location of the bearer-token signing key. No transport calls the
// Authenticator: neither the stdio stream nor the Unix socket authenticates
// its peer.
const (
	keyringService = "foreman-core"
	keyringAccount = "supervisoripc-signing-key"
)

var (
	// ErrAuthenticationFailed is returned when a bearer token fails to
	// verify against the supervisor's signing key.
	ErrAuthenticationFailed = errors.New("supervisoripc: authentication failed")

	// ErrRateLimitExceeded is returned when a peer has failed
	// authentication too many times within the rate-limit window.
	ErrRateLimitExceeded = errors.New("supervisoripc: authentication rate limit exceeded")
)

const (
	maxFailedAttempts = 5
	rateLimitWindow   = time.Minute
	rateLimitLockout  = 60 * time.Second
)

// LoadOrCreateSigningKey returns the HMAC signing key stored in the OS
// keychain under keyringService/keyringAccount, generating and persisting
// a fresh 32-byte key on first use.
func LoadOrCreateSigningKey() ([]byte, error) {
	encoded, err := keyring.Get(keyringService, keyringAccount)
	if err == nil {
		return base64.StdEncoding.DecodeString(encoded)
	}
	if !errors.Is(err, keyring.ErrNotFound) {
		return nil, fmt.Errorf("supervisoripc: reading signing key from keychain: %w", err)
	}

	key := make([]byte, 32)
	if _, err := rand.Read(key); err != nil {
		return nil, fmt.Errorf("supervisoripc: generating signing key: %w", err)
	}
	encoded = base64.StdEncoding.EncodeToString(key)
	if err := keyring.Set(keyringService, keyringAccount, encoded); err != nil {
		return nil, fmt.Errorf("supervisoripc: storing signing key in keychain: %w", err)
	}
	return key, nil
}

// IssueToken mints an HS256 bearer token for subject, valid for ttl, signed
// with key. Intended for the scheduler peer that will dial the socket.
func IssueToken(key []byte, subject string, ttl time.Duration) (string, error) {
	claims := jwt.RegisteredClaims{
		Subject:   subject,
		IssuedAt:  jwt.NewNumericDate(time.Now()),
		ExpiresAt: jwt.NewNumericDate(time.Now().Add(ttl)),
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(key)
}

// rateLimitEntry tracks failed authentication attempts from one peer.
type rateLimitEntry struct {
	count       int
	firstFail   time.Time
	lockedUntil time.Time
}

// Authenticator validates bearer tokens against a shared signing key and
// rate-limits repeated failures per peer identifier, matching the teacher
// RPC server's token-validator shape but swapping constant-time string
// comparison for JWT verification.
type Authenticator struct {
	key []byte

	mu      sync.Mutex
	attempts map[string]*rateLimitEntry
}

// NewAuthenticator constructs an Authenticator around key (see
// LoadOrCreateSigningKey).
func NewAuthenticator(key []byte) *Authenticator {
	return &Authenticator{key: key, attempts: make(map[string]*rateLimitEntry)}
}

// Validate verifies token was signed by a.key and has not expired. peerID
// identifies the connecting peer (e.g. socket peer credentials or a
// connection-local string) for rate-limit bookkeeping.
func (a *Authenticator) Validate(token, peerID string) error {
	a.mu.Lock()
	entry, locked := a.attempts[peerID]
	if locked && time.Now().Before(entry.lockedUntil) {
		a.mu.Unlock()
		return ErrRateLimitExceeded
	}
	a.mu.Unlock()

	_, err := jwt.Parse(token, func(t *jwt.Token) (any, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", t.Header["alg"])
		}
		return a.key, nil
	}, jwt.WithValidMethods([]string{"HS256"}))

	if err != nil {
		a.recordFailure(peerID)
		return fmt.Errorf("%w: %v", ErrAuthenticationFailed, err)
	}

	a.mu.Lock()
	delete(a.attempts, peerID)
	a.mu.Unlock()
	return nil
}

func (a *Authenticator) recordFailure(peerID string) {
	a.mu.Lock()
	defer a.mu.Unlock()

	now := time.Now()
	entry, ok := a.attempts[peerID]
	if !ok || now.Sub(entry.firstFail) > rateLimitWindow {
		a.attempts[peerID] = &rateLimitEntry{count: 1, firstFail: now}
		return
	}

	entry.count++
	if entry.count >= maxFailedAttempts {
		entry.lockedUntil = now.Add(rateLimitLockout)
	}
}

// IsLockedOut reports whether peerID is currently locked out, for tests.
func (a *Authenticator) IsLockedOut(peerID string) bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	entry, ok := a.attempts[peerID]
	if !ok {
		return false
	}
	return time.Now().Before(entry.lockedUntil)
}
