package gatekeeper

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"smallbiznis-gatekeeper/pkg/rediskey"
	"smallbiznis-gatekeeper/services/fraud"
)

const (
	velocityWindow = time.Hour
	historyLength  = 50
)

// SignalSource feeds the fraud scorer its history-dependent inputs: the
// caller's hourly request count and a short recent-request ring. Signals are
// advisory; a source failure degrades scoring, it never blocks admission on
// its own.
type SignalSource interface {
	RecentRequestCount(ctx context.Context, keyID string) (int, error)
	RecentHistory(ctx context.Context, keyID string) ([]fraud.RequestSample, error)
	RecordRequest(ctx context.Context, keyID string, sample fraud.RequestSample) error
}

// RedisSignals keeps the velocity counter and history ring in the shared
// cache so every gatekeeper instance sees the same view.
type RedisSignals struct {
	rdb *redis.Client
}

func NewRedisSignals(rdb *redis.Client) *RedisSignals {
	return &RedisSignals{rdb: rdb}
}

func (s *RedisSignals) RecentRequestCount(ctx context.Context, keyID string) (int, error) {
	val, err := s.rdb.Get(ctx, rediskey.BuildVelocityKey(keyID)).Result()
	if err == redis.Nil {
		return 0, nil
	}
	if err != nil {
		return 0, err
	}
	count, err := strconv.Atoi(val)
	if err != nil {
		return 0, err
	}
	return count, nil
}

func (s *RedisSignals) RecentHistory(ctx context.Context, keyID string) ([]fraud.RequestSample, error) {
	raw, err := s.rdb.LRange(ctx, rediskey.BuildHistoryKey(keyID), 0, historyLength-1).Result()
	if err != nil {
		return nil, err
	}

	samples := make([]fraud.RequestSample, 0, len(raw))
	for _, item := range raw {
		if sample, ok := decodeSample(item); ok {
			samples = append(samples, sample)
		}
	}
	return samples, nil
}

func (s *RedisSignals) RecordRequest(ctx context.Context, keyID string, sample fraud.RequestSample) error {
	velocityKey := rediskey.BuildVelocityKey(keyID)
	historyKey := rediskey.BuildHistoryKey(keyID)

	pipe := s.rdb.TxPipeline()
	// The velocity counter is a fixed one-hour bucket, not a rolling window:
	// the expiry is set on the first increment and the count drops to zero
	// when the bucket lapses.
	pipe.Incr(ctx, velocityKey)
	pipe.ExpireNX(ctx, velocityKey, velocityWindow)
	pipe.LPush(ctx, historyKey, encodeSample(sample))
	pipe.LTrim(ctx, historyKey, 0, historyLength-1)
	pipe.Expire(ctx, historyKey, velocityWindow)
	_, err := pipe.Exec(ctx)
	return err
}

func encodeSample(s fraud.RequestSample) string {
	return fmt.Sprintf("%s|%d|%d", s.Endpoint, s.StatusCode, s.Timestamp.UnixMilli())
}

func decodeSample(raw string) (fraud.RequestSample, bool) {
	parts := strings.SplitN(raw, "|", 3)
	if len(parts) != 3 {
		return fraud.RequestSample{}, false
	}
	status, err := strconv.Atoi(parts[1])
	if err != nil {
		return fraud.RequestSample{}, false
	}
	ms, err := strconv.ParseInt(parts[2], 10, 64)
	if err != nil {
		return fraud.RequestSample{}, false
	}
	return fraud.RequestSample{Endpoint: parts[0], StatusCode: status, Timestamp: time.UnixMilli(ms)}, true
}

// MemorySignals is the process-local SignalSource for single-node use and
// tests. Velocity lives in its own per-key bucket; the history ring is
// truncated far below the velocity threshold and cannot stand in for it.
type MemorySignals struct {
	mu       sync.Mutex
	velocity map[string]velocityBucket
	history  map[string][]fraud.RequestSample
}

// velocityBucket mirrors the fixed one-hour counter kept in the shared
// cache: the window starts at the first increment and the count resets when
// it lapses.
type velocityBucket struct {
	count   int
	resetAt time.Time
}

func NewMemorySignals() *MemorySignals {
	return &MemorySignals{
		velocity: make(map[string]velocityBucket),
		history:  make(map[string][]fraud.RequestSample),
	}
}

func (s *MemorySignals) RecentRequestCount(ctx context.Context, keyID string) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	bucket, ok := s.velocity[keyID]
	if !ok || time.Now().After(bucket.resetAt) {
		return 0, nil
	}
	return bucket.count, nil
}

func (s *MemorySignals) RecentHistory(ctx context.Context, keyID string) ([]fraud.RequestSample, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	samples := s.history[keyID]
	out := make([]fraud.RequestSample, len(samples))
	copy(out, samples)
	return out, nil
}

func (s *MemorySignals) RecordRequest(ctx context.Context, keyID string, sample fraud.RequestSample) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now()
	bucket, ok := s.velocity[keyID]
	if !ok || now.After(bucket.resetAt) {
		bucket = velocityBucket{resetAt: now.Add(velocityWindow)}
	}
	bucket.count++
	s.velocity[keyID] = bucket

	samples := append([]fraud.RequestSample{sample}, s.history[keyID]...)
	if len(samples) > historyLength {
		samples = samples[:historyLength]
	}
	s.history[keyID] = samples
	return nil
}

var _ SignalSource = (*RedisSignals)(nil)
var _ SignalSource = (*MemorySignals)(nil)

func logSignalError(keyID string, err error) {
	zap.L().Warn("fraud signal source unavailable", zap.String("key_id", keyID), zap.Error(err))
}
