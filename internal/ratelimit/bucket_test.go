package ratelimit

import (
	"context"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestStore() (*Store, *time.Time) {
	s := NewStore(nil)
	now := time.Unix(1_700_000_000, 0)
	s.now = func() time.Time { return now }
	return s, &now
}

func configure(t *testing.T, s *Store, edge uint32, capacity int64, window uint64) {
	t.Helper()
	s.SetLimits(context.Background(), []LimitConfig{{
		Edge:          edge,
		Capacity:      decimal.NewFromInt(capacity),
		WindowSeconds: window,
	}})
}

func TestStoreConsume(t *testing.T) {
	ctx := context.Background()

	t.Run("should start a fresh bucket at full capacity", func(t *testing.T) {
		s, _ := newTestStore()
		configure(t, s, 1, 100, 1000)

		st, ok := s.State(1)
		require.True(t, ok)
		assert.True(t, st.Level.Equal(decimal.NewFromInt(100)))
	})

	t.Run("should reject a consume larger than the available level", func(t *testing.T) {
		s, _ := newTestStore()
		configure(t, s, 1, 100, 1000)

		err := s.Consume(ctx, 1, decimal.NewFromInt(150))
		var rateErr *RateLimitExceededError
		require.ErrorAs(t, err, &rateErr)
		assert.Equal(t, uint32(1), rateErr.Edge)
		assert.True(t, rateErr.Requested.Equal(decimal.NewFromInt(150)))
		assert.True(t, rateErr.Available.Equal(decimal.NewFromInt(100)))
	})

	t.Run("should leave the level untouched after a failed consume", func(t *testing.T) {
		s, _ := newTestStore()
		configure(t, s, 1, 100, 1000)

		require.Error(t, s.Consume(ctx, 1, decimal.NewFromInt(150)))

		st, _ := s.State(1)
		assert.True(t, st.Level.Equal(decimal.NewFromInt(100)))
	})

	t.Run("should subtract the amount on success", func(t *testing.T) {
		s, _ := newTestStore()
		configure(t, s, 1, 100, 1000)

		require.NoError(t, s.Consume(ctx, 1, decimal.NewFromInt(60)))

		st, _ := s.State(1)
		assert.True(t, st.Level.Equal(decimal.NewFromInt(40)))
	})

	t.Run("should treat an unconfigured edge as zero capacity", func(t *testing.T) {
		s, _ := newTestStore()

		err := s.Consume(ctx, 99, decimal.NewFromInt(1))
		var rateErr *RateLimitExceededError
		require.ErrorAs(t, err, &rateErr)
		assert.True(t, rateErr.Available.IsZero())
	})
}

func TestStoreReplenish(t *testing.T) {
	ctx := context.Background()

	t.Run("should add the amount back up to capacity", func(t *testing.T) {
		s, _ := newTestStore()
		configure(t, s, 1, 100, 1000)

		require.NoError(t, s.Consume(ctx, 1, decimal.NewFromInt(60)))
		s.Replenish(ctx, 1, decimal.NewFromInt(60))

		st, _ := s.State(1)
		assert.True(t, st.Level.Equal(decimal.NewFromInt(100)))
	})

	t.Run("should discard overshoot above capacity", func(t *testing.T) {
		s, _ := newTestStore()
		configure(t, s, 1, 100, 1000)

		s.Replenish(ctx, 1, decimal.NewFromInt(500))

		st, _ := s.State(1)
		assert.True(t, st.Level.Equal(decimal.NewFromInt(100)))
	})

	t.Run("should ignore an unconfigured edge", func(t *testing.T) {
		s, _ := newTestStore()
		s.Replenish(ctx, 42, decimal.NewFromInt(10))

		_, ok := s.State(42)
		assert.False(t, ok)
	})
}

func TestStoreRefill(t *testing.T) {
	ctx := context.Background()

	t.Run("should refill linearly with elapsed time", func(t *testing.T) {
		s, now := newTestStore()
		configure(t, s, 1, 100, 1000)

		require.NoError(t, s.Consume(ctx, 1, decimal.NewFromInt(100)))

		// A quarter of the window restores a quarter of the capacity.
		*now = now.Add(250 * time.Second)
		st, _ := s.State(1)
		assert.True(t, st.Level.Equal(decimal.NewFromInt(25)), "got %s", st.Level)
	})

	t.Run("should cap the refill at capacity", func(t *testing.T) {
		s, now := newTestStore()
		configure(t, s, 1, 100, 1000)

		require.NoError(t, s.Consume(ctx, 1, decimal.NewFromInt(50)))

		*now = now.Add(5000 * time.Second)
		st, _ := s.State(1)
		assert.True(t, st.Level.Equal(decimal.NewFromInt(100)))
	})

	t.Run("should allow a consume that only fits after the refill", func(t *testing.T) {
		s, now := newTestStore()
		configure(t, s, 1, 100, 1000)

		require.NoError(t, s.Consume(ctx, 1, decimal.NewFromInt(100)))
		require.Error(t, s.Consume(ctx, 1, decimal.NewFromInt(10)))

		*now = now.Add(100 * time.Second)
		require.NoError(t, s.Consume(ctx, 1, decimal.NewFromInt(10)))
	})
}

func TestStoreSetLimits(t *testing.T) {
	ctx := context.Background()

	t.Run("should carry the level over when the limit changes", func(t *testing.T) {
		s, _ := newTestStore()
		configure(t, s, 1, 100, 1000)
		require.NoError(t, s.Consume(ctx, 1, decimal.NewFromInt(70)))

		configure(t, s, 1, 200, 1000)

		st, _ := s.State(1)
		assert.True(t, st.Level.Equal(decimal.NewFromInt(30)))
	})

	t.Run("should clamp the carried level to a lowered capacity", func(t *testing.T) {
		s, _ := newTestStore()
		configure(t, s, 1, 100, 1000)

		configure(t, s, 1, 20, 1000)

		st, _ := s.State(1)
		assert.True(t, st.Level.Equal(decimal.NewFromInt(20)))
	})
}

func TestLimiterDirection(t *testing.T) {
	ctx := context.Background()

	t.Run("should charge the quota on inbound and free it on outbound", func(t *testing.T) {
		s, _ := newTestStore()
		configure(t, s, 1, 100, 1000)
		l := NewLimiter(s)

		require.NoError(t, l.Inbound(ctx, 1, decimal.NewFromInt(80)))
		st, _ := s.State(1)
		require.True(t, st.Level.Equal(decimal.NewFromInt(20)))

		l.Outbound(ctx, 1, decimal.NewFromInt(80))
		st, _ = s.State(1)
		assert.True(t, st.Level.Equal(decimal.NewFromInt(100)))
	})

	t.Run("should never fail an outbound movement", func(t *testing.T) {
		s, _ := newTestStore()
		l := NewLimiter(s)

		// Unconfigured edge, huge amount: still a no-op, not a panic.
		l.Outbound(ctx, 7, decimal.NewFromInt(1_000_000))
	})

	t.Run("should surface quota exhaustion on inbound", func(t *testing.T) {
		s, _ := newTestStore()
		configure(t, s, 1, 10, 1000)
		l := NewLimiter(s)

		err := l.Inbound(ctx, 1, decimal.NewFromInt(11))
		var rateErr *RateLimitExceededError
		assert.ErrorAs(t, err, &rateErr)
	})
}
