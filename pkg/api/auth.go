package api

import (
	"crypto/rand"
	"encoding/hex"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/hivelabs/hive/pkg/config"
)

// Role is the privilege level of an authenticated caller.
type Role int

const (
	RoleAnonymous Role = iota
	RoleUser
	RoleAdmin
	RoleBot
)

// Authenticator resolves bearer tokens to roles. With no tokens configured
// at all, every caller is treated as an admin; that is the single-machine
// development mode.
type Authenticator struct {
	bot   map[string]bool
	user  map[string]bool
	admin map[string]bool
	open  bool
}

// NewAuthenticator builds an authenticator from the configured token lists.
func NewAuthenticator(auth config.Auth) *Authenticator {
	a := &Authenticator{
		bot:   toSet(auth.BotTokens),
		user:  toSet(auth.UserTokens),
		admin: toSet(auth.AdminTokens),
	}
	a.open = len(a.bot) == 0 && len(a.user) == 0 && len(a.admin) == 0
	return a
}

func toSet(tokens []string) map[string]bool {
	m := make(map[string]bool, len(tokens))
	for _, t := range tokens {
		if t != "" {
			m[t] = true
		}
	}
	return m
}

// RoleOf resolves the request's bearer token.
func (a *Authenticator) RoleOf(r *http.Request) Role {
	if a.open {
		return RoleAdmin
	}
	token := strings.TrimPrefix(r.Header.Get("Authorization"), "Bearer ")
	switch {
	case a.admin[token]:
		return RoleAdmin
	case a.user[token]:
		return RoleUser
	case a.bot[token]:
		return RoleBot
	default:
		return RoleAnonymous
	}
}

// xsrfTokenTTL is how long a handshake token stays valid; bots re-handshake
// when the server starts rejecting theirs.
const xsrfTokenTTL = 4 * time.Hour

// XSRFHeader carries the handshake token on bot calls.
const XSRFHeader = "X-XSRF-Token"

type xsrfToken struct {
	botID     string
	expiresAt time.Time
}

// TokenManager issues and validates the per-bot XSRF tokens handed out by
// the handshake.
type TokenManager struct {
	mu     sync.RWMutex
	tokens map[string]xsrfToken

	// now is replaceable in tests.
	now func() time.Time
}

// NewTokenManager creates an empty token manager.
func NewTokenManager() *TokenManager {
	return &TokenManager{
		tokens: make(map[string]xsrfToken),
		now:    time.Now,
	}
}

// Generate issues a fresh token bound to the bot id.
func (tm *TokenManager) Generate(botID string) (string, error) {
	raw := make([]byte, 16)
	if _, err := rand.Read(raw); err != nil {
		return "", err
	}
	token := hex.EncodeToString(raw)
	tm.mu.Lock()
	tm.tokens[token] = xsrfToken{botID: botID, expiresAt: tm.now().Add(xsrfTokenTTL)}
	tm.mu.Unlock()
	return token, nil
}

// Validate reports whether the token was issued to the bot and is current.
func (tm *TokenManager) Validate(token, botID string) bool {
	tm.mu.RLock()
	t, ok := tm.tokens[token]
	tm.mu.RUnlock()
	return ok && t.botID == botID && tm.now().Before(t.expiresAt)
}

// CleanupExpired drops stale tokens; called opportunistically on Generate
// pressure or by the owner on a timer.
func (tm *TokenManager) CleanupExpired() {
	now := tm.now()
	tm.mu.Lock()
	for token, t := range tm.tokens {
		if !now.Before(t.expiresAt) {
			delete(tm.tokens, token)
		}
	}
	tm.mu.Unlock()
}
