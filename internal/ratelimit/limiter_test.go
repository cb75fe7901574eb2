package ratelimit

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/go-redis/redismock/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sentinel/fraud-engine/internal/cache"
	"github.com/sentinel/fraud-engine/internal/clock"
	"github.com/sentinel/fraud-engine/internal/models"
)

func expectIncr(mock redismock.ClientMock, key string, val int64) {
	mock.ExpectTxPipeline()
	mock.ExpectIncr(key).SetVal(val)
	mock.ExpectExpireNX(key, time.Minute).SetVal(val == 1)
	mock.ExpectTxPipelineExec()
}

func TestAllowWithinLimit(t *testing.T) {
	rdb, mock := redismock.NewClientMock()
	now := time.Date(2026, 3, 10, 12, 30, 15, 0, time.UTC)
	limiter := NewLimiter(cache.NewFromClient(rdb), clock.NewFake(now), 10_000)

	tenant := &models.Tenant{TenantID: "tenant-1", RateLimitPerMinute: 5}
	key := fmt.Sprintf("ratelimit:tenant-1:%d", now.Unix()/60)
	expectIncr(mock, key, 1)

	res := limiter.Allow(context.Background(), tenant)

	assert.True(t, res.Allowed)
	assert.Equal(t, 5, res.Limit)
	assert.Equal(t, 4, res.Remaining)
	assert.Equal(t, time.Unix((now.Unix()/60+1)*60, 0).UTC(), res.Reset)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestRejectOverLimit(t *testing.T) {
	rdb, mock := redismock.NewClientMock()
	now := time.Date(2026, 3, 10, 12, 30, 15, 0, time.UTC)
	limiter := NewLimiter(cache.NewFromClient(rdb), clock.NewFake(now), 10_000)

	tenant := &models.Tenant{TenantID: "tenant-1", RateLimitPerMinute: 5}
	key := fmt.Sprintf("ratelimit:tenant-1:%d", now.Unix()/60)
	expectIncr(mock, key, 6)

	res := limiter.Allow(context.Background(), tenant)

	assert.False(t, res.Allowed)
	assert.Zero(t, res.Remaining)
}

func TestDefaultLimitApplies(t *testing.T) {
	rdb, mock := redismock.NewClientMock()
	now := time.Date(2026, 3, 10, 12, 30, 15, 0, time.UTC)
	limiter := NewLimiter(cache.NewFromClient(rdb), clock.NewFake(now), 100)

	tenant := &models.Tenant{TenantID: "tenant-2"}
	key := fmt.Sprintf("ratelimit:tenant-2:%d", now.Unix()/60)
	expectIncr(mock, key, 7)

	res := limiter.Allow(context.Background(), tenant)

	assert.True(t, res.Allowed)
	assert.Equal(t, 100, res.Limit)
	assert.Equal(t, 93, res.Remaining)
}

func TestFailsOpenOnRedisError(t *testing.T) {
	rdb, mock := redismock.NewClientMock()
	now := time.Date(2026, 3, 10, 12, 30, 15, 0, time.UTC)
	limiter := NewLimiter(cache.NewFromClient(rdb), clock.NewFake(now), 100)

	tenant := &models.Tenant{TenantID: "tenant-3", RateLimitPerMinute: 5}
	mock.ExpectTxPipeline()
	mock.ExpectIncr(fmt.Sprintf("ratelimit:tenant-3:%d", now.Unix()/60)).SetErr(assert.AnError)

	res := limiter.Allow(context.Background(), tenant)

	assert.True(t, res.Allowed)
}
