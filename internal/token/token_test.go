package token

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const ttl = time.Hour

func TestMintParseRoundTrip(t *testing.T) {
	now := time.Unix(1_700_000_000, 0)
	tok := Mint("alice@192.168.1.10", "chat", ttl, now)
	require.Equal(t, "alice@192.168.1.10|1700003600|chat", tok.String())

	parsed, err := Parse(tok.String())
	require.NoError(t, err)
	assert.Equal(t, tok, parsed)
}

func TestParseRejectsMalformed(t *testing.T) {
	for _, raw := range []string{
		"",
		"alice@1.2.3.4",
		"alice@1.2.3.4|123",
		"alice@1.2.3.4|notanumber|chat",
		"|123|chat",
		"alice@1.2.3.4|123|",
		"a|b|c|d",
	} {
		_, err := Parse(raw)
		assert.ErrorIs(t, err, ErrMalformed, "raw=%q", raw)
	}
}

func TestCheckFailureOrder(t *testing.T) {
	now := time.Unix(1_700_000_000, 0)
	v := NewVerifier(ttl)
	alice := "alice@192.168.1.10"
	good := Mint(alice, "chat", ttl, now).String()

	cases := []struct {
		name   string
		raw    string
		scope  string
		sender string
		at     time.Time
		want   error
	}{
		{"valid", good, "chat", alice, now, nil},
		{"valid at boundary", good, "chat", alice, now.Add(ttl), nil},
		{"malformed", "garbage", "chat", alice, now, ErrMalformed},
		{"expired", good, "chat", alice, now.Add(ttl + time.Second), ErrExpired},
		{"scope mismatch", good, "file", alice, now, ErrScopeMismatch},
		{"wrong sender", good, "chat", "mallory@192.168.1.66", now, ErrWrongSender},
		{"sender skipped", good, "chat", "", now, nil},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			err := v.Check(tc.raw, tc.scope, tc.sender, tc.at)
			if tc.want == nil {
				assert.NoError(t, err)
			} else {
				assert.ErrorIs(t, err, tc.want)
			}
		})
	}
}

func TestRevocation(t *testing.T) {
	now := time.Unix(1_700_000_000, 0)
	v := NewVerifier(ttl)
	alice := "alice@192.168.1.10"
	old := Mint(alice, "presence", ttl, now).String()

	require.NoError(t, v.Check(old, "presence", alice, now))

	v.Revoke(alice, now.Add(time.Minute))

	// The pre-revoke token is dead even though not expired.
	err := v.Check(old, "presence", alice, now.Add(2*time.Minute))
	assert.ErrorIs(t, err, ErrRevoked)
	assert.True(t, v.Revoked(alice, now.Add(2*time.Minute)))

	// A token minted after the revoke is a genuine rejoin and passes.
	fresh := Mint(alice, "presence", ttl, now.Add(5*time.Minute)).String()
	assert.NoError(t, v.Check(fresh, "presence", alice, now.Add(6*time.Minute)))

	// The entry lapses after ttl.
	assert.False(t, v.Revoked(alice, now.Add(time.Minute).Add(ttl+time.Second)))
}

func TestRevokeKeepsLatestInstant(t *testing.T) {
	now := time.Unix(1_700_000_000, 0)
	v := NewVerifier(ttl)
	v.Revoke("bob@10.0.0.2", now.Add(time.Minute))
	v.Revoke("bob@10.0.0.2", now) // older, ignored

	tok := Mint("bob@10.0.0.2", "chat", ttl, now.Add(30*time.Second)).String()
	err := v.Check(tok, "chat", "bob@10.0.0.2", now.Add(2*time.Minute))
	assert.ErrorIs(t, err, ErrRevoked)
}
