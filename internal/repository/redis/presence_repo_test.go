package redis

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"callsignal-backend/internal/database"
	"callsignal-backend/pkg/metrics"
)

func degradedRepo(t *testing.T) *PresenceRepository {
	t.Helper()
	client, err := database.NewRedisDB(&database.RedisConfig{
		Host:     "127.0.0.1",
		Port:     1,
		PoolSize: 1,
		Timeout:  200 * time.Millisecond,
	}, metrics.NewMetrics("test"))
	require.NoError(t, err)
	t.Cleanup(func() { client.Close() })

	require.Error(t, client.HealthCheck(context.Background()))
	return NewPresenceRepository(client)
}

func TestPresenceRepository_DegradedReportsErrors(t *testing.T) {
	repo := degradedRepo(t)
	ctx := context.Background()
	userID := uuid.New()

	assert.True(t, repo.IsDegraded())
	assert.ErrorContains(t, repo.SetUserOnline(ctx, userID), "failed to set user online")
	assert.ErrorContains(t, repo.SetUserOffline(ctx, userID), "failed to delete presence")
	assert.ErrorContains(t, repo.RefreshPresence(ctx, userID), "failed to refresh presence")

	online, err := repo.IsUserOnline(ctx, userID)
	assert.Error(t, err)
	assert.False(t, online)

	count, err := repo.GetOnlineCount(ctx)
	assert.Error(t, err)
	assert.Zero(t, count)
}

func TestPresenceKey(t *testing.T) {
	userID := uuid.MustParse("6f1c2b9e-3a41-4c8e-9d7f-0b5a2e8c4d13")
	assert.Equal(t, "presence:6f1c2b9e-3a41-4c8e-9d7f-0b5a2e8c4d13", presenceKey(userID))
}
