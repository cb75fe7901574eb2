package velocity

import (
	"context"
	"testing"
	"time"

	"github.com/go-redis/redismock/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sentinel/fraud-engine/internal/cache"
)

func TestBumpIncrementsEveryWindow(t *testing.T) {
	rdb, mock := redismock.NewClientMock()
	tracker := NewTracker(cache.NewFromClient(rdb))

	key := DeviceKey("abc123")

	expectCounter := func(label string, ttl time.Duration) {
		mock.ExpectTxPipeline()
		mock.ExpectIncr("velocity:" + key + ":" + label).SetVal(1)
		mock.ExpectExpireNX("velocity:"+key+":"+label, ttl).SetVal(true)
		mock.ExpectTxPipelineExec()
	}
	expectAmount := func(label string, ttl time.Duration, sum float64) {
		mock.ExpectTxPipeline()
		mock.ExpectIncrByFloat("velocity:"+key+":"+label+":amount", 2500).SetVal(sum)
		mock.ExpectExpireNX("velocity:"+key+":"+label+":amount", ttl).SetVal(true)
		mock.ExpectTxPipelineExec()
	}

	expectCounter("1m", time.Minute)
	expectCounter("10m", 10*time.Minute)
	expectCounter("1h", time.Hour)
	expectAmount("1h", time.Hour, 2500)
	expectCounter("24h", 24*time.Hour)
	expectAmount("24h", 24*time.Hour, 2500)

	tracker.Bump(context.Background(), key, 2500)

	require.NoError(t, mock.ExpectationsWereMet())
}

func TestBumpSkipsAmountWhenZero(t *testing.T) {
	rdb, mock := redismock.NewClientMock()
	tracker := NewTracker(cache.NewFromClient(rdb))

	key := PhoneKey("def456")
	for _, w := range []struct {
		label string
		ttl   time.Duration
	}{
		{"1m", time.Minute},
		{"10m", 10 * time.Minute},
		{"1h", time.Hour},
		{"24h", 24 * time.Hour},
	} {
		mock.ExpectTxPipeline()
		mock.ExpectIncr("velocity:" + key + ":" + w.label).SetVal(2)
		mock.ExpectExpireNX("velocity:"+key+":"+w.label, w.ttl).SetVal(false)
		mock.ExpectTxPipelineExec()
	}

	tracker.Bump(context.Background(), key, 0)

	require.NoError(t, mock.ExpectationsWereMet())
}

func TestBumpEmptyKeyIsNoop(t *testing.T) {
	rdb, mock := redismock.NewClientMock()
	tracker := NewTracker(cache.NewFromClient(rdb))

	tracker.Bump(context.Background(), "", 100)

	require.NoError(t, mock.ExpectationsWereMet())
}

func TestReadReturnsCountsAndSums(t *testing.T) {
	rdb, mock := redismock.NewClientMock()
	tracker := NewTracker(cache.NewFromClient(rdb))

	key := DeviceKey("abc123")
	mock.ExpectMGet(
		"velocity:"+key+":1m",
		"velocity:"+key+":10m",
		"velocity:"+key+":1h",
		"velocity:"+key+":24h",
	).SetVal([]interface{}{"1", "3", "11", nil})
	mock.ExpectGet("velocity:" + key + ":1h:amount").SetVal("150000.5")
	mock.ExpectGet("velocity:" + key + ":24h:amount").RedisNil()

	counts := tracker.Read(context.Background(), key)

	assert.EqualValues(t, 1, counts.Count1m)
	assert.EqualValues(t, 3, counts.Count10m)
	assert.EqualValues(t, 11, counts.Count1h)
	assert.EqualValues(t, 0, counts.Count24h)
	assert.InDelta(t, 150000.5, counts.Amount1h, 0.001)
	assert.Zero(t, counts.Amount24h)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestReadDegradesOnRedisError(t *testing.T) {
	rdb, mock := redismock.NewClientMock()
	tracker := NewTracker(cache.NewFromClient(rdb))

	key := IPKey("197.210.1.1")
	mock.ExpectMGet(
		"velocity:"+key+":1m",
		"velocity:"+key+":10m",
		"velocity:"+key+":1h",
		"velocity:"+key+":24h",
	).SetErr(assert.AnError)

	counts := tracker.Read(context.Background(), key)

	assert.Zero(t, counts.Count1h)
	assert.Zero(t, counts.Amount24h)
}
