package ratelimit

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/shopspring/decimal"
)

const snapshotKey = "bridgegate:ratelimit:buckets"

// RateLimitExceededError is returned when a consume would push a bucket
// below zero. It carries the numbers the caller needs to decide what to
// do next (request an override, retry later, give up).
type RateLimitExceededError struct {
	Edge      uint32
	Requested decimal.Decimal
	Available decimal.Decimal
}

func (e *RateLimitExceededError) Error() string {
	return fmt.Sprintf("rate limit exceeded on edge %d: requested %s, available %s",
		e.Edge, e.Requested.String(), e.Available.String())
}

// LimitConfig is one edge's quota configuration.
type LimitConfig struct {
	Edge          uint32          `json:"edge"`
	Capacity      decimal.Decimal `json:"capacity"`
	WindowSeconds uint64          `json:"window_seconds"`
}

// BucketState is a read-only snapshot of one edge's bucket.
type BucketState struct {
	Edge          uint32          `json:"edge"`
	Capacity      decimal.Decimal `json:"capacity"`
	WindowSeconds uint64          `json:"window_seconds"`
	Level         decimal.Decimal `json:"level"`
	LastRefill    time.Time       `json:"last_refill"`
}

type bucket struct {
	mu            sync.Mutex
	capacity      decimal.Decimal
	windowSeconds uint64
	level         decimal.Decimal
	lastRefill    time.Time
}

// refreshed returns the level after folding in the linear refill for the
// time elapsed since lastRefill. It does not mutate the bucket; callers
// commit the result only when the whole operation succeeds.
func (b *bucket) refreshed(now time.Time) decimal.Decimal {
	if b.windowSeconds == 0 || b.capacity.IsZero() {
		return b.level
	}
	elapsed := now.Sub(b.lastRefill)
	if elapsed <= 0 {
		return b.level
	}
	refill := b.capacity.
		Mul(decimal.NewFromFloat(elapsed.Seconds())).
		Div(decimal.NewFromInt(int64(b.windowSeconds)))
	level := b.level.Add(refill)
	if level.GreaterThan(b.capacity) {
		level = b.capacity
	}
	return level
}

// Store holds per-edge token buckets. Each bucket is serialized by its own
// mutex; operations on different edges do not contend. An optional redis
// client persists bucket snapshots so levels survive restarts.
type Store struct {
	mu      sync.RWMutex
	buckets map[uint32]*bucket
	rdb     *redis.Client

	now func() time.Time
}

// NewStore creates a bucket store. rdb may be nil to disable persistence.
func NewStore(rdb *redis.Client) *Store {
	return &Store{
		buckets: make(map[uint32]*bucket),
		rdb:     rdb,
		now:     time.Now,
	}
}

// SetLimits replaces capacity and window for each listed edge. The current
// level carries over (clamped to the new capacity) so in-flight usage still
// counts against the new quota. Missing edges are created empty, at full
// capacity.
func (s *Store) SetLimits(ctx context.Context, configs []LimitConfig) {
	now := s.now()
	for _, cfg := range configs {
		b := s.getOrCreate(cfg.Edge)

		b.mu.Lock()
		level := b.refreshed(now)
		if b.capacity.IsZero() && b.level.IsZero() && b.lastRefill.IsZero() {
			// Fresh bucket: start full.
			level = cfg.Capacity
		}
		b.capacity = cfg.Capacity
		b.windowSeconds = cfg.WindowSeconds
		if level.GreaterThan(cfg.Capacity) {
			level = cfg.Capacity
		}
		b.level = level
		b.lastRefill = now
		b.mu.Unlock()

		s.persist(ctx, cfg.Edge, b)
	}
}

// Consume subtracts amount from the edge's bucket after refilling it.
// On failure the bucket is left untouched.
func (s *Store) Consume(ctx context.Context, edge uint32, amount decimal.Decimal) error {
	s.mu.RLock()
	b, ok := s.buckets[edge]
	s.mu.RUnlock()
	if !ok {
		// Unconfigured edges behave as zero-capacity buckets.
		return &RateLimitExceededError{Edge: edge, Requested: amount, Available: decimal.Zero}
	}

	now := s.now()

	b.mu.Lock()
	level := b.refreshed(now)
	if amount.GreaterThan(level) {
		b.mu.Unlock()
		return &RateLimitExceededError{Edge: edge, Requested: amount, Available: level}
	}
	b.level = level.Sub(amount)
	b.lastRefill = now
	b.mu.Unlock()

	s.persist(ctx, edge, b)
	return nil
}

// Replenish adds amount to the edge's bucket, capped at capacity. It never
// fails: replenishment models capacity being freed, not value asserted
// against a ceiling, so overshoot is silently discarded.
func (s *Store) Replenish(ctx context.Context, edge uint32, amount decimal.Decimal) {
	s.mu.RLock()
	b, ok := s.buckets[edge]
	s.mu.RUnlock()
	if !ok {
		return
	}

	now := s.now()

	b.mu.Lock()
	level := b.refreshed(now).Add(amount)
	if level.GreaterThan(b.capacity) {
		level = b.capacity
	}
	b.level = level
	b.lastRefill = now
	b.mu.Unlock()

	s.persist(ctx, edge, b)
}

// State returns the refreshed snapshot of one edge's bucket.
func (s *Store) State(edge uint32) (BucketState, bool) {
	s.mu.RLock()
	b, ok := s.buckets[edge]
	s.mu.RUnlock()
	if !ok {
		return BucketState{}, false
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	return BucketState{
		Edge:          edge,
		Capacity:      b.capacity,
		WindowSeconds: b.windowSeconds,
		Level:         b.refreshed(s.now()),
		LastRefill:    b.lastRefill,
	}, true
}

// States returns refreshed snapshots for every configured edge.
func (s *Store) States() []BucketState {
	s.mu.RLock()
	edges := make([]uint32, 0, len(s.buckets))
	for edge := range s.buckets {
		edges = append(edges, edge)
	}
	s.mu.RUnlock()

	states := make([]BucketState, 0, len(edges))
	for _, edge := range edges {
		if st, ok := s.State(edge); ok {
			states = append(states, st)
		}
	}
	return states
}

func (s *Store) getOrCreate(edge uint32) *bucket {
	s.mu.RLock()
	b, ok := s.buckets[edge]
	s.mu.RUnlock()
	if ok {
		return b
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if b, ok = s.buckets[edge]; ok {
		return b
	}
	b = &bucket{capacity: decimal.Zero, level: decimal.Zero}
	s.buckets[edge] = b
	return b
}

type bucketSnapshot struct {
	Capacity      string    `json:"capacity"`
	WindowSeconds uint64    `json:"window_seconds"`
	Level         string    `json:"level"`
	LastRefill    time.Time `json:"last_refill"`
}

// persist writes the bucket to redis, best effort. A lost snapshot costs a
// restart its level, nothing more.
func (s *Store) persist(ctx context.Context, edge uint32, b *bucket) {
	if s.rdb == nil {
		return
	}

	b.mu.Lock()
	snap := bucketSnapshot{
		Capacity:      b.capacity.String(),
		WindowSeconds: b.windowSeconds,
		Level:         b.level.String(),
		LastRefill:    b.lastRefill,
	}
	b.mu.Unlock()

	payload, err := json.Marshal(snap)
	if err != nil {
		return
	}
	s.rdb.HSet(ctx, snapshotKey, strconv.FormatUint(uint64(edge), 10), payload)
}

// Restore loads persisted bucket snapshots from redis. Called once at boot,
// before the store is shared.
func (s *Store) Restore(ctx context.Context) error {
	if s.rdb == nil {
		return nil
	}

	entries, err := s.rdb.HGetAll(ctx, snapshotKey).Result()
	if err != nil {
		return fmt.Errorf("failed to load bucket snapshots: %w", err)
	}

	for field, payload := range entries {
		edge, err := strconv.ParseUint(field, 10, 32)
		if err != nil {
			continue
		}
		var snap bucketSnapshot
		if err := json.Unmarshal([]byte(payload), &snap); err != nil {
			continue
		}
		capacity, err := decimal.NewFromString(snap.Capacity)
		if err != nil {
			continue
		}
		level, err := decimal.NewFromString(snap.Level)
		if err != nil {
			continue
		}

		s.mu.Lock()
		s.buckets[uint32(edge)] = &bucket{
			capacity:      capacity,
			windowSeconds: snap.WindowSeconds,
			level:         level,
			lastRefill:    snap.LastRefill,
		}
		s.mu.Unlock()
	}
	return nil
}
