// Package auth validates bearer tokens presented on socket connect. The
// production path hashes the token, honors revocation markers, serves
// repeat connects from a short-lived profile cache, and falls through to
// the auth service's validate endpoint. A development validator decodes
// unsigned JWTs so local frontends can connect without the auth service.
package auth

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/flylive/msab/internal/v1/logging"
	"github.com/flylive/msab/internal/v1/metrics"
	"github.com/flylive/msab/internal/v1/types"
)

// Connection-refusal reasons. These exact strings reach clients in the
// handshake response, so they are part of the wire contract.
var (
	ErrAuthenticationRequired = errors.New("Authentication required")
	ErrInvalidCredentials     = errors.New("Invalid credentials")
	ErrAuthenticationFailed   = errors.New("Authentication failed")
)

const (
	// tokenCacheTTL bounds how long a validated profile is reused without
	// consulting the auth service again.
	tokenCacheTTL = 5 * time.Minute

	requestTimeout   = 10 * time.Second
	maxResponseBytes = 1 << 20
)

// Service validates tokens against the external auth service, with a
// redis-backed revocation check and profile cache in front. A nil redis
// client disables both and every connect hits the auth service.
type Service struct {
	redis       *redis.Client
	http        *http.Client
	validateURL string
	internalKey string
	cacheTTL    time.Duration
}

func NewService(rdb *redis.Client, baseURL, internalKey string) *Service {
	return &Service{
		redis:       rdb,
		http:        &http.Client{Timeout: requestTimeout},
		validateURL: strings.TrimRight(baseURL, "/") + "/api/v1/internal/auth/validate",
		internalKey: internalKey,
		cacheTTL:    tokenCacheTTL,
	}
}

// ValidateToken resolves a bearer token to a user profile.
//
// Order matters: revocation is checked before the cache so a revoked token
// cannot ride out its cache entry, and the cache is checked before the auth
// service so reconnect storms do not become validate-endpoint storms.
func (s *Service) ValidateToken(ctx context.Context, token string) (*types.UserProfile, error) {
	if token == "" {
		metrics.AuthAttempts.WithLabelValues("missing").Inc()
		return nil, ErrAuthenticationRequired
	}

	hash := hashToken(token)

	if s.redis != nil {
		revoked, err := s.redis.Exists(ctx, revokedKey(hash)).Result()
		if err != nil {
			logging.Warn(ctx, "Revocation check unavailable, falling through to validation", zap.Error(err))
		} else if revoked > 0 {
			metrics.AuthAttempts.WithLabelValues("revoked").Inc()
			return nil, ErrInvalidCredentials
		}

		if cached, err := s.redis.Get(ctx, tokenKey(hash)).Result(); err == nil {
			var profile types.UserProfile
			if jsonErr := json.Unmarshal([]byte(cached), &profile); jsonErr == nil && profile.ID > 0 {
				metrics.AuthAttempts.WithLabelValues("cache_hit").Inc()
				return &profile, nil
			}
			// Corrupt cache entries are dropped so the next connect repairs them.
			logging.Warn(ctx, "Dropping corrupt cached profile",
				zap.String("token", logging.RedactToken(token)))
			s.redis.Del(ctx, tokenKey(hash))
		} else if !errors.Is(err, redis.Nil) {
			logging.Warn(ctx, "Token cache unavailable", zap.Error(err))
		}
	}

	profile, err := s.validateRemote(ctx, token)
	if err != nil {
		return nil, err
	}

	if s.redis != nil {
		if raw, marshalErr := json.Marshal(profile); marshalErr == nil {
			if setErr := s.redis.Set(ctx, tokenKey(hash), raw, s.cacheTTL).Err(); setErr != nil {
				logging.Warn(ctx, "Failed to cache validated profile", zap.Error(setErr))
			}
		}
	}

	metrics.AuthAttempts.WithLabelValues("validated").Inc()
	return profile, nil
}

// validateResponse is the auth service's validate body. Field names follow
// its API, not the client wire shape.
type validateResponse struct {
	ID          int64  `json:"id"`
	Name        string `json:"name"`
	Email       string `json:"email"`
	AvatarURL   string `json:"avatar_url"`
	Signature   string `json:"signature"`
	Frame       string `json:"frame"`
	Gender      string `json:"gender"`
	Country     string `json:"country"`
	Phone       string `json:"phone"`
	DateOfBirth string `json:"date_of_birth"`
	WealthXP    int64  `json:"wealth_xp"`
	CharmXP     int64  `json:"charm_xp"`
	Role        string `json:"role"`
}

func (r validateResponse) toProfile() *types.UserProfile {
	return &types.UserProfile{
		ID:          types.UserIDType(r.ID),
		Name:        r.Name,
		Email:       r.Email,
		Avatar:      r.AvatarURL,
		Signature:   r.Signature,
		Frame:       r.Frame,
		Gender:      r.Gender,
		Country:     r.Country,
		Phone:       r.Phone,
		DateOfBirth: r.DateOfBirth,
		WealthXP:    r.WealthXP,
		CharmXP:     r.CharmXP,
		Role:        r.Role,
	}
}

func (s *Service) validateRemote(ctx context.Context, token string) (*types.UserProfile, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.validateURL, nil)
	if err != nil {
		metrics.AuthAttempts.WithLabelValues("error").Inc()
		return nil, ErrAuthenticationFailed
	}
	req.Header.Set("Authorization", "Bearer "+token)
	req.Header.Set("X-Internal-Key", s.internalKey)

	resp, err := s.http.Do(req)
	if err != nil {
		metrics.AuthAttempts.WithLabelValues("error").Inc()
		logging.Error(ctx, "Auth service unreachable", zap.Error(err))
		return nil, ErrAuthenticationFailed
	}
	defer resp.Body.Close()

	switch resp.StatusCode {
	case http.StatusOK:
		// fall through to decode
	case http.StatusUnauthorized, http.StatusForbidden:
		metrics.AuthAttempts.WithLabelValues("invalid").Inc()
		return nil, ErrInvalidCredentials
	default:
		metrics.AuthAttempts.WithLabelValues("error").Inc()
		logging.Error(ctx, "Auth service returned unexpected status",
			zap.Int("status", resp.StatusCode))
		return nil, ErrAuthenticationFailed
	}

	var body validateResponse
	if err := json.NewDecoder(io.LimitReader(resp.Body, maxResponseBytes)).Decode(&body); err != nil {
		metrics.AuthAttempts.WithLabelValues("error").Inc()
		logging.Error(ctx, "Auth service returned unparseable body", zap.Error(err))
		return nil, ErrAuthenticationFailed
	}
	if body.ID <= 0 {
		metrics.AuthAttempts.WithLabelValues("error").Inc()
		logging.Error(ctx, "Auth service returned profile without a user id")
		return nil, ErrAuthenticationFailed
	}

	return body.toProfile(), nil
}

func hashToken(token string) string {
	sum := sha256.Sum256([]byte(token))
	return hex.EncodeToString(sum[:])
}

func tokenKey(hash string) string   { return "auth:token:" + hash }
func revokedKey(hash string) string { return "auth:revoked:" + hash }
