// Package token issues and validates the capability tokens that gate the
// query service.
//
// An access token maps to a user ID. A query token maps to the access token
// it was issued under and is only valid when presented together with it.
package token

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// Common errors.
var (
	ErrUnauthorized   = errors.New("unauthorized access")
	ErrInvalidRequest = errors.New("invalid token request")
)

// Default lifetimes.
const (
	AccessTTL = time.Hour
	QueryTTL  = 10 * time.Minute
)

const (
	accessPrefix = "phe:access:"
	queryPrefix  = "phe:query:"
	tokenBytes   = 32
)

// Manager stores tokens in Redis with expiry.
type Manager struct {
	client    *redis.Client
	accessTTL time.Duration
	queryTTL  time.Duration
	owned     bool
}

// RedisConfig holds Redis connection settings.
type RedisConfig struct {
	Addr     string
	Password string
	DB       int
}

// NewManager dials Redis and verifies the connection.
func NewManager(cfg RedisConfig) (*Manager, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("redis ping: %w", err)
	}

	m := NewManagerFromClient(client)
	m.owned = true
	return m, nil
}

// NewManagerFromClient shares an existing client. Close leaves it open.
func NewManagerFromClient(client *redis.Client) *Manager {
	return &Manager{client: client, accessTTL: AccessTTL, queryTTL: QueryTTL}
}

// Client exposes the underlying connection for sharing with other stores.
func (m *Manager) Client() *redis.Client { return m.client }

// GenerateAccessToken issues a token for userID valid for one hour.
func (m *Manager) GenerateAccessToken(ctx context.Context, userID string) (string, error) {
	if userID == "" {
		return "", fmt.Errorf("%w: missing user_id", ErrInvalidRequest)
	}
	tok, err := newToken()
	if err != nil {
		return "", err
	}
	if err := m.client.Set(ctx, accessPrefix+tok, userID, m.accessTTL).Err(); err != nil {
		return "", fmt.Errorf("store access token: %w", err)
	}
	return tok, nil
}

// ValidateAccessToken reports whether tok is a live access token.
func (m *Manager) ValidateAccessToken(ctx context.Context, tok string) (bool, error) {
	if tok == "" {
		return false, nil
	}
	n, err := m.client.Exists(ctx, accessPrefix+tok).Result()
	if err != nil {
		return false, fmt.Errorf("validate access token: %w", err)
	}
	return n == 1, nil
}

// GenerateQueryToken issues a short-lived token bound to accessToken.
// The query text is required but not stored.
func (m *Manager) GenerateQueryToken(ctx context.Context, accessToken, query string) (string, error) {
	ok, err := m.ValidateAccessToken(ctx, accessToken)
	if err != nil {
		return "", err
	}
	if !ok {
		return "", ErrUnauthorized
	}
	if query == "" {
		return "", fmt.Errorf("%w: query is required", ErrInvalidRequest)
	}
	tok, err := newToken()
	if err != nil {
		return "", err
	}
	if err := m.client.Set(ctx, queryPrefix+tok, accessToken, m.queryTTL).Err(); err != nil {
		return "", fmt.Errorf("store query token: %w", err)
	}
	return tok, nil
}

// ValidateQueryToken reports whether queryToken was issued under
// accessToken and has not expired.
func (m *Manager) ValidateQueryToken(ctx context.Context, accessToken, queryToken string) (bool, error) {
	if accessToken == "" || queryToken == "" {
		return false, nil
	}
	stored, err := m.client.Get(ctx, queryPrefix+queryToken).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return false, nil
		}
		return false, fmt.Errorf("validate query token: %w", err)
	}
	return stored == accessToken, nil
}

// RevokeQueryToken deletes a query token. Unknown tokens are ignored.
func (m *Manager) RevokeQueryToken(ctx context.Context, queryToken string) error {
	if err := m.client.Del(ctx, queryPrefix+queryToken).Err(); err != nil {
		return fmt.Errorf("revoke query token: %w", err)
	}
	return nil
}

// RevokeTokensForUser deletes every access token issued to userID together
// with the query tokens issued under them. It returns the number of keys
// removed.
func (m *Manager) RevokeTokensForUser(ctx context.Context, userID string) (int, error) {
	revoked := make(map[string]bool)
	var doomed []string

	err := m.scan(ctx, accessPrefix+"*", func(key, value string) {
		if value == userID {
			revoked[key[len(accessPrefix):]] = true
			doomed = append(doomed, key)
		}
	})
	if err != nil {
		return 0, err
	}
	if len(revoked) == 0 {
		return 0, nil
	}
	err = m.scan(ctx, queryPrefix+"*", func(key, value string) {
		if revoked[value] {
			doomed = append(doomed, key)
		}
	})
	if err != nil {
		return 0, err
	}

	n, err := m.client.Del(ctx, doomed...).Result()
	if err != nil {
		return 0, fmt.Errorf("revoke tokens: %w", err)
	}
	return int(n), nil
}

func (m *Manager) scan(ctx context.Context, match string, fn func(key, value string)) error {
	iter := m.client.Scan(ctx, 0, match, 100).Iterator()
	for iter.Next(ctx) {
		key := iter.Val()
		value, err := m.client.Get(ctx, key).Result()
		if errors.Is(err, redis.Nil) {
			continue // expired mid-scan
		}
		if err != nil {
			return fmt.Errorf("read %s: %w", key, err)
		}
		fn(key, value)
	}
	if err := iter.Err(); err != nil {
		return fmt.Errorf("scan %s: %w", match, err)
	}
	return nil
}

// Close closes the Redis connection if the manager opened it.
func (m *Manager) Close() error {
	if !m.owned {
		return nil
	}
	return m.client.Close()
}

func newToken() (string, error) {
	b := make([]byte, tokenBytes)
	if _, err := rand.Read(b); err != nil {
		return "", fmt.Errorf("generate token: %w", err)
	}
	return hex.EncodeToString(b), nil
}
