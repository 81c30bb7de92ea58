package gateway

import (
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
)

const (
	maxAuthAttempts = 3
	defaultTokenTTL = 12 * time.Hour
)

// AuthHandler manages challenge-response authentication
type AuthHandler struct {
	sharedSecret string
	tokens       *TokenStore
}

// NewAuthHandler creates a new authentication handler
func NewAuthHandler(sharedSecret string, tokens *TokenStore) *AuthHandler {
	return &AuthHandler{
		sharedSecret: sharedSecret,
		tokens:       tokens,
	}
}

// GenerateChallenge generates a cryptographically random 32-byte challenge
func (a *AuthHandler) GenerateChallenge() (string, error) {
	challenge := make([]byte, 32)
	if _, err := rand.Read(challenge); err != nil {
		return "", fmt.Errorf("failed to generate challenge: %w", err)
	}
	return hex.EncodeToString(challenge), nil
}

// Sign returns the hex HMAC-SHA256 of challenge under secret.
func Sign(secret, challenge string) string {
	h := hmac.New(sha256.New, []byte(secret))
	h.Write([]byte(challenge))
	return hex.EncodeToString(h.Sum(nil))
}

// VerifySignature verifies an HMAC-SHA256 signature against a challenge
func (a *AuthHandler) VerifySignature(challenge, signature string) bool {
	expected := Sign(a.sharedSecret, challenge)
	return subtle.ConstantTimeCompare([]byte(expected), []byte(signature)) == 1
}

// VerifySecret compares a presented shared secret in constant time
func (a *AuthHandler) VerifySecret(secret string) bool {
	return secret != "" && subtle.ConstantTimeCompare([]byte(a.sharedSecret), []byte(secret)) == 1
}

// Issue prepares a challenge for a newly connected client
func (a *AuthHandler) Issue(client *Client) (string, error) {
	challenge, err := a.GenerateChallenge()
	if err != nil {
		return "", err
	}
	client.mu.Lock()
	client.challenge = challenge
	client.state = StateAuthenticating
	client.mu.Unlock()
	return challenge, nil
}

// HandleAuthResponse processes an authentication response from a client
func (a *AuthHandler) HandleAuthResponse(client *Client, signature string) AuthResult {
	client.mu.Lock()
	defer client.mu.Unlock()

	if client.challenge == "" {
		return AuthResult{Event: "auth.failure", Message: "No challenge found"}
	}

	if !a.VerifySignature(client.challenge, signature) {
		client.authAttempts++
		if client.authAttempts >= maxAuthAttempts {
			return AuthResult{Event: "auth.failure", Message: "Too many failed attempts"}
		}
		return AuthResult{Event: "auth.failure", Message: "Invalid signature"}
	}

	client.authenticated = true
	client.state = StateAuthenticated
	client.authAttempts = 0
	client.challenge = ""

	result := AuthResult{Event: "auth.success", Success: true}
	if a.tokens != nil {
		result.Token = a.tokens.Issue(client.ID)
	}
	return result
}

// attempts returns the failed attempt count
func (c *Client) attempts() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.authAttempts
}

type tokenEntry struct {
	clientID  string
	expiresAt time.Time
}

// TokenStore holds bearer tokens issued after a websocket handshake.
type TokenStore struct {
	mu     sync.Mutex
	ttl    time.Duration
	tokens map[string]tokenEntry
	now    func() time.Time
}

// NewTokenStore creates a token store; ttl <= 0 uses 12 hours.
func NewTokenStore(ttl time.Duration) *TokenStore {
	if ttl <= 0 {
		ttl = defaultTokenTTL
	}
	return &TokenStore{
		ttl:    ttl,
		tokens: make(map[string]tokenEntry),
		now:    time.Now,
	}
}

// Issue creates a token bound to clientID
func (t *TokenStore) Issue(clientID string) string {
	token := uuid.NewString()

	t.mu.Lock()
	defer t.mu.Unlock()
	now := t.now()
	for key, entry := range t.tokens {
		if now.After(entry.expiresAt) {
			delete(t.tokens, key)
		}
	}
	t.tokens[token] = tokenEntry{clientID: clientID, expiresAt: now.Add(t.ttl)}
	return token
}

// Validate returns the client a token was issued to
func (t *TokenStore) Validate(token string) (string, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()

	entry, ok := t.tokens[token]
	if !ok {
		return "", false
	}
	if t.now().After(entry.expiresAt) {
		delete(t.tokens, token)
		return "", false
	}
	return entry.clientID, true
}

// Revoke removes every token of clientID
func (t *TokenStore) Revoke(clientID string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	for key, entry := range t.tokens {
		if entry.clientID == clientID {
			delete(t.tokens, key)
		}
	}
}
