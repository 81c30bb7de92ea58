package gateway

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func computeHMAC(challenge, secret string) string {
	h := hmac.New(sha256.New, []byte(secret))
	h.Write([]byte(challenge))
	return hex.EncodeToString(h.Sum(nil))
}

func TestAuthHandler_GenerateChallenge(t *testing.T) {
	auth := NewAuthHandler("test-secret", nil)

	t.Run("should generate 32-byte challenge as hex", func(t *testing.T) {
		challenge, err := auth.GenerateChallenge()
		require.NoError(t, err)
		assert.Len(t, challenge, 64)
	})

	t.Run("should generate unique challenges", func(t *testing.T) {
		challenge1, err1 := auth.GenerateChallenge()
		challenge2, err2 := auth.GenerateChallenge()

		require.NoError(t, err1)
		require.NoError(t, err2)
		assert.NotEqual(t, challenge1, challenge2)
	})
}

func TestAuthHandler_VerifySignature(t *testing.T) {
	auth := NewAuthHandler("test-secret", nil)

	t.Run("should verify valid signature", func(t *testing.T) {
		challenge, err := auth.GenerateChallenge()
		require.NoError(t, err)

		assert.True(t, auth.VerifySignature(challenge, computeHMAC(challenge, "test-secret")))
		assert.Equal(t, computeHMAC(challenge, "test-secret"), Sign("test-secret", challenge))
	})

	t.Run("should reject invalid signature", func(t *testing.T) {
		challenge, err := auth.GenerateChallenge()
		require.NoError(t, err)

		assert.False(t, auth.VerifySignature(challenge, "invalid-signature"))
	})

	t.Run("should reject signature with wrong secret", func(t *testing.T) {
		challenge, err := auth.GenerateChallenge()
		require.NoError(t, err)

		assert.False(t, auth.VerifySignature(challenge, computeHMAC(challenge, "wrong-secret")))
	})
}

func TestAuthHandler_VerifySecret(t *testing.T) {
	auth := NewAuthHandler("test-secret", nil)

	assert.True(t, auth.VerifySecret("test-secret"))
	assert.False(t, auth.VerifySecret("other"))
	assert.False(t, auth.VerifySecret(""))
}

func TestAuthHandler_HandleAuthResponse(t *testing.T) {
	t.Run("should authenticate and issue token", func(t *testing.T) {
		tokens := NewTokenStore(time.Hour)
		auth := NewAuthHandler("test-secret", tokens)
		client := NewClient("client-1", nil, "127.0.0.1", nil)

		challenge, err := auth.Issue(client)
		require.NoError(t, err)
		assert.Equal(t, StateAuthenticating, client.State())

		result := auth.HandleAuthResponse(client, Sign("test-secret", challenge))
		assert.True(t, result.Success)
		assert.Equal(t, "auth.success", result.Event)
		require.NotEmpty(t, result.Token)
		assert.True(t, client.IsAuthenticated())
		assert.Equal(t, StateAuthenticated, client.State())

		clientID, ok := tokens.Validate(result.Token)
		assert.True(t, ok)
		assert.Equal(t, "client-1", clientID)
	})

	t.Run("should fail without challenge", func(t *testing.T) {
		auth := NewAuthHandler("test-secret", nil)
		client := NewClient("client-2", nil, "127.0.0.1", nil)

		result := auth.HandleAuthResponse(client, "whatever")
		assert.False(t, result.Success)
		assert.Equal(t, "No challenge found", result.Message)
	})

	t.Run("should count failed attempts", func(t *testing.T) {
		auth := NewAuthHandler("test-secret", nil)
		client := NewClient("client-3", nil, "127.0.0.1", nil)
		_, err := auth.Issue(client)
		require.NoError(t, err)

		for i := 1; i < maxAuthAttempts; i++ {
			result := auth.HandleAuthResponse(client, "bad")
			assert.False(t, result.Success)
			assert.Equal(t, "Invalid signature", result.Message)
			assert.Equal(t, i, client.attempts())
		}

		result := auth.HandleAuthResponse(client, "bad")
		assert.Equal(t, "Too many failed attempts", result.Message)
		assert.Equal(t, maxAuthAttempts, client.attempts())
		assert.False(t, client.IsAuthenticated())
	})

	t.Run("should not reuse a consumed challenge", func(t *testing.T) {
		auth := NewAuthHandler("test-secret", nil)
		client := NewClient("client-4", nil, "127.0.0.1", nil)
		challenge, err := auth.Issue(client)
		require.NoError(t, err)

		require.True(t, auth.HandleAuthResponse(client, Sign("test-secret", challenge)).Success)
		result := auth.HandleAuthResponse(client, Sign("test-secret", challenge))
		assert.False(t, result.Success)
	})
}

func TestTokenStore(t *testing.T) {
	t.Run("should expire tokens after ttl", func(t *testing.T) {
		store := NewTokenStore(time.Minute)
		now := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)
		store.now = func() time.Time { return now }

		token := store.Issue("client-1")
		_, ok := store.Validate(token)
		assert.True(t, ok)

		now = now.Add(2 * time.Minute)
		_, ok = store.Validate(token)
		assert.False(t, ok)
	})

	t.Run("should revoke all tokens of a client", func(t *testing.T) {
		store := NewTokenStore(0)
		t1 := store.Issue("client-1")
		t2 := store.Issue("client-1")
		t3 := store.Issue("client-2")

		store.Revoke("client-1")

		_, ok := store.Validate(t1)
		assert.False(t, ok)
		_, ok = store.Validate(t2)
		assert.False(t, ok)
		_, ok = store.Validate(t3)
		assert.True(t, ok)
	})

	t.Run("should reject unknown tokens", func(t *testing.T) {
		store := NewTokenStore(0)
		_, ok := store.Validate("nope")
		assert.False(t, ok)
	})
}
