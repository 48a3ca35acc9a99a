package middleware

import (
	"context"
	"fmt"

	"callsignal-backend/internal/database"
	"callsignal-backend/pkg/jwt"
)

// RedisRevocationChecker implements RevocationChecker using the blacklist
// keys written by the auth service
type RedisRevocationChecker struct {
	client *database.RedisClient
}

// NewRedisRevocationChecker creates a new RedisRevocationChecker
func NewRedisRevocationChecker(client *database.RedisClient) *RedisRevocationChecker {
	return &RedisRevocationChecker{client: client}
}

// IsTokenRevoked checks if a token is in the Redis blacklist
func (c *RedisRevocationChecker) IsTokenRevoked(ctx context.Context, tokenString string) (bool, error) {
	tokenID, err := jwt.TokenID(tokenString)
	if err != nil {
		return false, err
	}
	if tokenID == "" {
		return false, nil
	}

	exists, err := c.client.SafeExists(ctx, fmt.Sprintf("blacklist:%s", tokenID)).Result()
	if err != nil {
		return false, fmt.Errorf("failed to check blacklist in redis: %w", err)
	}

	return exists > 0, nil
}
