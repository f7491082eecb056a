package auth

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/flylive/msab/internal/v1/types"
)

func newTestRedis(t *testing.T) (*miniredis.Miniredis, *redis.Client) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })
	return mr, client
}

func newAuthServer(t *testing.T, handler http.HandlerFunc) *httptest.Server {
	t.Helper()
	server := httptest.NewServer(handler)
	t.Cleanup(server.Close)
	return server
}

func okProfileHandler(calls *atomic.Int64) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if calls != nil {
			calls.Add(1)
		}
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]any{
			"id":         7,
			"name":       "Bob",
			"email":      "bob@example.com",
			"avatar_url": "https://cdn.example.com/bob.png",
			"role":       "user",
		})
	}
}

func TestValidateToken_MissingToken(t *testing.T) {
	_, client := newTestRedis(t)
	svc := NewService(client, "http://unused", "internal-key-0123456789")

	_, err := svc.ValidateToken(context.Background(), "")
	assert.ErrorIs(t, err, ErrAuthenticationRequired)
}

func TestValidateToken_Revoked(t *testing.T) {
	mr, client := newTestRedis(t)
	var calls atomic.Int64
	server := newAuthServer(t, okProfileHandler(&calls))
	svc := NewService(client, server.URL, "internal-key-0123456789")

	token := "revoked-token"
	mr.Set(revokedKey(hashToken(token)), "1")

	_, err := svc.ValidateToken(context.Background(), token)
	assert.ErrorIs(t, err, ErrInvalidCredentials)
	assert.Equal(t, int64(0), calls.Load(), "revoked token must never reach the auth service")
}

func TestValidateToken_CacheHit(t *testing.T) {
	mr, client := newTestRedis(t)
	var calls atomic.Int64
	server := newAuthServer(t, okProfileHandler(&calls))
	svc := NewService(client, server.URL, "internal-key-0123456789")

	token := "cached-token"
	cached, err := json.Marshal(types.UserProfile{ID: 42, Name: "Alice"})
	require.NoError(t, err)
	mr.Set(tokenKey(hashToken(token)), string(cached))

	profile, err := svc.ValidateToken(context.Background(), token)
	require.NoError(t, err)
	assert.Equal(t, types.UserIDType(42), profile.ID)
	assert.Equal(t, "Alice", profile.Name)
	assert.Equal(t, int64(0), calls.Load(), "cache hit must not call the auth service")
}

func TestValidateToken_CorruptCacheFallsThrough(t *testing.T) {
	mr, client := newTestRedis(t)
	var calls atomic.Int64
	server := newAuthServer(t, okProfileHandler(&calls))
	svc := NewService(client, server.URL, "internal-key-0123456789")

	token := "corrupt-cache-token"
	mr.Set(tokenKey(hashToken(token)), "{not json")

	profile, err := svc.ValidateToken(context.Background(), token)
	require.NoError(t, err)
	assert.Equal(t, types.UserIDType(7), profile.ID)
	assert.Equal(t, int64(1), calls.Load())
}

func TestValidateToken_ValidatesAndCaches(t *testing.T) {
	mr, client := newTestRedis(t)
	var calls atomic.Int64
	server := newAuthServer(t, okProfileHandler(&calls))
	svc := NewService(client, server.URL, "internal-key-0123456789")

	token := "fresh-token"
	profile, err := svc.ValidateToken(context.Background(), token)
	require.NoError(t, err)
	assert.Equal(t, types.UserIDType(7), profile.ID)
	assert.Equal(t, "Bob", profile.Name)
	assert.Equal(t, "https://cdn.example.com/bob.png", profile.Avatar)

	key := tokenKey(hashToken(token))
	assert.True(t, mr.Exists(key), "validated profile should be cached")
	assert.Equal(t, tokenCacheTTL, mr.TTL(key))

	// Second connect with the same token is served from cache.
	_, err = svc.ValidateToken(context.Background(), token)
	require.NoError(t, err)
	assert.Equal(t, int64(1), calls.Load())
}

func TestValidateToken_SendsInternalHeaders(t *testing.T) {
	_, client := newTestRedis(t)
	server := newAuthServer(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "Bearer header-token", r.Header.Get("Authorization"))
		assert.Equal(t, "internal-key-0123456789", r.Header.Get("X-Internal-Key"))
		assert.Equal(t, http.MethodPost, r.Method)
		okProfileHandler(nil)(w, r)
	})
	svc := NewService(client, server.URL, "internal-key-0123456789")

	_, err := svc.ValidateToken(context.Background(), "header-token")
	require.NoError(t, err)
}

func TestValidateToken_Unauthorized(t *testing.T) {
	_, client := newTestRedis(t)
	for _, status := range []int{http.StatusUnauthorized, http.StatusForbidden} {
		server := newAuthServer(t, func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(status)
		})
		svc := NewService(client, server.URL, "internal-key-0123456789")

		_, err := svc.ValidateToken(context.Background(), "bad-token")
		assert.ErrorIs(t, err, ErrInvalidCredentials, "status %d", status)
	}
}

func TestValidateToken_ServerError(t *testing.T) {
	_, client := newTestRedis(t)
	server := newAuthServer(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	})
	svc := NewService(client, server.URL, "internal-key-0123456789")

	_, err := svc.ValidateToken(context.Background(), "any-token")
	assert.ErrorIs(t, err, ErrAuthenticationFailed)
}

func TestValidateToken_NetworkError(t *testing.T) {
	_, client := newTestRedis(t)
	server := httptest.NewServer(okProfileHandler(nil))
	svc := NewService(client, server.URL, "internal-key-0123456789")
	server.Close()

	_, err := svc.ValidateToken(context.Background(), "any-token")
	assert.ErrorIs(t, err, ErrAuthenticationFailed)
}

func TestValidateToken_InvalidBody(t *testing.T) {
	_, client := newTestRedis(t)
	server := newAuthServer(t, func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("not json at all"))
	})
	svc := NewService(client, server.URL, "internal-key-0123456789")

	_, err := svc.ValidateToken(context.Background(), "any-token")
	assert.ErrorIs(t, err, ErrAuthenticationFailed)
}

func TestValidateToken_MissingUserID(t *testing.T) {
	_, client := newTestRedis(t)
	server := newAuthServer(t, func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]any{"name": "No ID"})
	})
	svc := NewService(client, server.URL, "internal-key-0123456789")

	_, err := svc.ValidateToken(context.Background(), "any-token")
	assert.ErrorIs(t, err, ErrAuthenticationFailed)
}

func TestValidateToken_WithoutRedis(t *testing.T) {
	var calls atomic.Int64
	server := newAuthServer(t, okProfileHandler(&calls))
	svc := NewService(nil, server.URL, "internal-key-0123456789")

	profile, err := svc.ValidateToken(context.Background(), "some-token")
	require.NoError(t, err)
	assert.Equal(t, types.UserIDType(7), profile.ID)

	// No cache without redis, so every call validates remotely.
	_, err = svc.ValidateToken(context.Background(), "some-token")
	require.NoError(t, err)
	assert.Equal(t, int64(2), calls.Load())
}

func TestValidateToken_RedisDownFallsThrough(t *testing.T) {
	mr, client := newTestRedis(t)
	var calls atomic.Int64
	server := newAuthServer(t, okProfileHandler(&calls))
	svc := NewService(client, server.URL, "internal-key-0123456789")

	mr.Close()

	profile, err := svc.ValidateToken(context.Background(), "some-token")
	require.NoError(t, err)
	assert.Equal(t, types.UserIDType(7), profile.ID)
	assert.Equal(t, int64(1), calls.Load())
}

func TestHashToken_Stable(t *testing.T) {
	a := hashToken("token-a")
	b := hashToken("token-a")
	c := hashToken("token-b")

	assert.Equal(t, a, b)
	assert.NotEqual(t, a, c)
	assert.Len(t, a, 64)
}

// fakeJWT builds an unsigned header.payload.signature token for validator tests.
func fakeJWT(t *testing.T, claims map[string]any) string {
	t.Helper()
	payload, err := json.Marshal(claims)
	require.NoError(t, err)
	header := base64.RawURLEncoding.EncodeToString([]byte(`{"alg":"HS256","typ":"JWT"}`))
	return header + "." + base64.RawURLEncoding.EncodeToString(payload) + ".fake-signature"
}

func TestValidateToken_ContextTimeout(t *testing.T) {
	_, client := newTestRedis(t)
	server := newAuthServer(t, func(w http.ResponseWriter, r *http.Request) {
		time.Sleep(200 * time.Millisecond)
		okProfileHandler(nil)(w, r)
	})
	svc := NewService(client, server.URL, "internal-key-0123456789")

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	_, err := svc.ValidateToken(ctx, "slow-token")
	assert.ErrorIs(t, err, ErrAuthenticationFailed)
}
