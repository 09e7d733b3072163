// Package token implements LSNP capability tokens: "user_id|expires|scope"
// strings granting a sender one scope of operation until an absolute
// wall-clock expiry. Tokens are cooperative tags, not credentials.
package token

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"
)

var (
	ErrMalformed     = errors.New("malformed token")
	ErrExpired       = errors.New("token expired")
	ErrScopeMismatch = errors.New("token scope mismatch")
	ErrWrongSender   = errors.New("token user does not match sender")
	ErrRevoked       = errors.New("token revoked")
)

// Token is the parsed form of "user_id|expires_epoch|scope".
type Token struct {
	UserID    string
	ExpiresAt int64
	Scope     string
}

// Mint issues a token for userID valid for ttl from now.
func Mint(userID, scope string, ttl time.Duration, now time.Time) Token {
	return Token{
		UserID:    userID,
		ExpiresAt: now.Add(ttl).Unix(),
		Scope:     scope,
	}
}

// Parse splits a wire token. The user id may itself contain no pipe, so a
// plain three-way split is exact.
func Parse(raw string) (Token, error) {
	parts := strings.Split(raw, "|")
	if len(parts) != 3 || parts[0] == "" || parts[2] == "" {
		return Token{}, fmt.Errorf("%w: %q", ErrMalformed, raw)
	}
	exp, err := strconv.ParseInt(parts[1], 10, 64)
	if err != nil {
		return Token{}, fmt.Errorf("%w: bad expiry in %q", ErrMalformed, raw)
	}
	return Token{UserID: parts[0], ExpiresAt: exp, Scope: parts[2]}, nil
}

func (t Token) String() string {
	return fmt.Sprintf("%s|%d|%s", t.UserID, t.ExpiresAt, t.Scope)
}

// Expired reports whether the token is past its expiry. The boundary
// instant itself is still valid.
func (t Token) Expired(now time.Time) bool {
	return now.Unix() > t.ExpiresAt
}

// Verifier validates tokens against scope, expiry, claimed sender and the
// revocation set. It is safe for concurrent use.
type Verifier struct {
	ttl time.Duration

	mu      sync.Mutex
	revoked map[string]time.Time
}

// NewVerifier returns a Verifier. ttl must match the token_ttl the LAN
// operates with; it bounds how long revocations are honored and is used
// to estimate a token's mint time from its expiry.
func NewVerifier(ttl time.Duration) *Verifier {
	return &Verifier{ttl: ttl, revoked: make(map[string]time.Time)}
}

// Check validates a raw token for wantScope claimed by sender. Failure
// order: malformed, expired, scope mismatch, sender mismatch, revoked.
// A sender of "" skips the sender match (types whose only identity is
// the token itself).
func (v *Verifier) Check(raw, wantScope, sender string, now time.Time) error {
	t, err := Parse(raw)
	if err != nil {
		return err
	}
	if t.Expired(now) {
		return fmt.Errorf("%w: at %d", ErrExpired, t.ExpiresAt)
	}
	if t.Scope != wantScope {
		return fmt.Errorf("%w: have %q want %q", ErrScopeMismatch, t.Scope, wantScope)
	}
	if sender != "" && t.UserID != sender {
		return fmt.Errorf("%w: token %q sender %q", ErrWrongSender, t.UserID, sender)
	}
	if v.isRevoked(t, now) {
		return fmt.Errorf("%w: %s", ErrRevoked, t.UserID)
	}
	return nil
}

// Revoke records that userID revoked its tokens at the given instant.
// Tokens minted at or before that instant are rejected from then on;
// tokens minted later (a genuine rejoin) pass. Entries lapse after ttl,
// when every token they could invalidate has expired anyway.
func (v *Verifier) Revoke(userID string, at time.Time) {
	v.mu.Lock()
	defer v.mu.Unlock()
	if prev, ok := v.revoked[userID]; ok && prev.After(at) {
		return
	}
	v.revoked[userID] = at
}

// Revoked reports whether userID currently has a live revocation entry.
func (v *Verifier) Revoked(userID string, now time.Time) bool {
	v.mu.Lock()
	defer v.mu.Unlock()
	at, ok := v.revoked[userID]
	if !ok {
		return false
	}
	if now.Sub(at) > v.ttl {
		delete(v.revoked, userID)
		return false
	}
	return true
}

func (v *Verifier) isRevoked(t Token, now time.Time) bool {
	v.mu.Lock()
	defer v.mu.Unlock()
	at, ok := v.revoked[t.UserID]
	if !ok {
		return false
	}
	if now.Sub(at) > v.ttl {
		delete(v.revoked, t.UserID)
		return false
	}
	// Mint time is reconstructed from the expiry; only tokens that
	// already existed when the REVOKE arrived are dead.
	minted := time.Unix(t.ExpiresAt, 0).Add(-v.ttl)
	return !minted.After(at)
}
