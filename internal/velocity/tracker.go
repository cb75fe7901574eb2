// Package velocity maintains the multi-window counters the rule engine and ML
// features read. Counters live in Redis with lazy TTLs: each window is its own
// key, and the first increment after expiry re-arms the window.
package velocity

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/sentinel/fraud-engine/internal/cache"
	"github.com/sentinel/fraud-engine/internal/models"
)

// windows, shortest first. Amount sums are tracked for the 1h and 24h windows.
var windows = []struct {
	label      string
	ttl        time.Duration
	withAmount bool
}{
	{"1m", time.Minute, false},
	{"10m", 10 * time.Minute, false},
	{"1h", time.Hour, true},
	{"24h", 24 * time.Hour, true},
}

// Tracker bumps and reads per-identifier velocity counters.
type Tracker struct {
	cache *cache.Client
}

// NewTracker creates a velocity tracker on top of the cache client.
func NewTracker(c *cache.Client) *Tracker {
	return &Tracker{cache: c}
}

// DeviceKey and friends build the namespaced counter keys. Callers pass the
// result of these to Bump and Read so raw identifiers never reach Redis.
func DeviceKey(hash string) string { return "device:" + hash }
func PhoneKey(hash string) string  { return "phone:" + hash }
func EmailKey(hash string) string  { return "email:" + hash }
func BVNKey(hash string) string    { return "bvn:" + hash }
func IPKey(ip string) string       { return "ip:" + ip }

func counterKey(identifierKey, label string) string {
	return fmt.Sprintf("velocity:%s:%s", identifierKey, label)
}

func amountKey(identifierKey, label string) string {
	return fmt.Sprintf("velocity:%s:%s:amount", identifierKey, label)
}

// Bump increments every window counter for the identifier, plus the amount
// sums for the 1h and 24h windows when amount > 0. Redis errors are logged and
// swallowed: a missed bump is acceptable, a failed request is not.
func (t *Tracker) Bump(ctx context.Context, identifierKey string, amount float64) {
	if identifierKey == "" {
		return
	}

	for _, w := range windows {
		if _, err := t.cache.IncrWithTTL(ctx, counterKey(identifierKey, w.label), w.ttl); err != nil {
			log.Warn().Err(err).
				Str("key", identifierKey).
				Str("window", w.label).
				Msg("velocity bump failed")
			continue
		}
		if w.withAmount && amount > 0 {
			if _, err := t.cache.IncrByFloatWithTTL(ctx, amountKey(identifierKey, w.label), amount, w.ttl); err != nil {
				log.Warn().Err(err).
					Str("key", identifierKey).
					Str("window", w.label).
					Msg("velocity amount bump failed")
			}
		}
	}
}

// Read returns the window counts and amount sums for one identifier. Absent
// keys read as zero; Redis errors degrade to zero counts with a log line so
// scoring can continue without the signal.
func (t *Tracker) Read(ctx context.Context, identifierKey string) models.VelocityCounts {
	var counts models.VelocityCounts
	if identifierKey == "" {
		return counts
	}

	keys := make([]string, 0, len(windows))
	for _, w := range windows {
		keys = append(keys, counterKey(identifierKey, w.label))
	}

	vals, err := t.cache.MGetInt64(ctx, keys...)
	if err != nil {
		log.Warn().Err(err).Str("key", identifierKey).Msg("velocity read failed")
		return counts
	}
	counts.Count1m = nonNegative(vals[0])
	counts.Count10m = nonNegative(vals[1])
	counts.Count1h = nonNegative(vals[2])
	counts.Count24h = nonNegative(vals[3])

	if v, err := t.cache.GetFloat64(ctx, amountKey(identifierKey, "1h")); err == nil {
		counts.Amount1h = v
	} else {
		log.Warn().Err(err).Str("key", identifierKey).Msg("velocity amount read failed")
	}
	if v, err := t.cache.GetFloat64(ctx, amountKey(identifierKey, "24h")); err == nil {
		counts.Amount24h = v
	} else {
		log.Warn().Err(err).Str("key", identifierKey).Msg("velocity amount read failed")
	}
	return counts
}

func nonNegative(v int64) int64 {
	if v < 0 {
		return 0
	}
	return v
}
