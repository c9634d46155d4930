package api

import (
	"net/http"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hivelabs/hive/pkg/config"
)

func requestWithToken(token string) *http.Request {
	r, _ := http.NewRequest(http.MethodGet, "/", nil)
	if token != "" {
		r.Header.Set("Authorization", "Bearer "+token)
	}
	return r
}

func TestAuthenticatorOpenMode(t *testing.T) {
	a := NewAuthenticator(config.Auth{})
	assert.Equal(t, RoleAdmin, a.RoleOf(requestWithToken("")),
		"with no tokens configured everyone is admin")
	assert.Equal(t, RoleAdmin, a.RoleOf(requestWithToken("anything")))
}

func TestAuthenticatorRoles(t *testing.T) {
	a := NewAuthenticator(config.Auth{
		BotTokens:   []string{"b1", "b2"},
		UserTokens:  []string{"u1"},
		AdminTokens: []string{"a1"},
	})

	tests := []struct {
		token string
		want  Role
	}{
		{"a1", RoleAdmin},
		{"u1", RoleUser},
		{"b1", RoleBot},
		{"b2", RoleBot},
		{"nope", RoleAnonymous},
		{"", RoleAnonymous},
	}
	for _, tc := range tests {
		assert.Equal(t, tc.want, a.RoleOf(requestWithToken(tc.token)), "token %q", tc.token)
	}
}

func TestAuthenticatorIgnoresEmptyConfiguredTokens(t *testing.T) {
	a := NewAuthenticator(config.Auth{UserTokens: []string{""}})
	assert.Equal(t, RoleAnonymous, a.RoleOf(requestWithToken("")),
		"an empty configured token must not grant the empty bearer a role")
}

func TestTokenManagerIssueAndValidate(t *testing.T) {
	tm := NewTokenManager()
	token, err := tm.Generate("bot-1")
	require.NoError(t, err)
	require.NotEmpty(t, token)

	assert.True(t, tm.Validate(token, "bot-1"))
	assert.False(t, tm.Validate(token, "bot-2"), "tokens are bound to one bot id")
	assert.False(t, tm.Validate("forged", "bot-1"))

	other, err := tm.Generate("bot-1")
	require.NoError(t, err)
	assert.NotEqual(t, token, other, "every handshake gets a fresh token")
	assert.True(t, tm.Validate(token, "bot-1"), "older tokens stay valid until they expire")
}

func TestTokenManagerExpiry(t *testing.T) {
	tm := NewTokenManager()
	now := time.Date(2026, 8, 24, 12, 0, 0, 0, time.UTC)
	tm.now = func() time.Time { return now }

	token, err := tm.Generate("bot-1")
	require.NoError(t, err)
	assert.True(t, tm.Validate(token, "bot-1"))

	now = now.Add(xsrfTokenTTL + time.Second)
	assert.False(t, tm.Validate(token, "bot-1"), "expired tokens force a re-handshake")

	tm.CleanupExpired()
	tm.mu.RLock()
	remaining := len(tm.tokens)
	tm.mu.RUnlock()
	assert.Zero(t, remaining)
}
