package ratelimit

import (
	"context"

	"github.com/shopspring/decimal"
)

// Limiter maps transfer direction onto the bucket primitives for an
// inbound quota. The mapping is deliberately inverted relative to a
// classic outbound limiter: sending value out of the local domain frees
// inbound capacity (Replenish), receiving value from a remote domain
// spends it (Consume). Both call sites go through this type so the two
// halves of the inversion cannot be swapped independently.
type Limiter struct {
	store *Store
}

// NewLimiter wraps a bucket store with the directional mapping.
func NewLimiter(store *Store) *Limiter {
	return &Limiter{store: store}
}

// Outbound records value leaving the local domain over the given edge.
// It never fails; an outbound send must not be blocked by inbound
// bucket capping.
func (l *Limiter) Outbound(ctx context.Context, edge uint32, amount decimal.Decimal) {
	l.store.Replenish(ctx, edge, amount)
}

// Inbound records value entering the local domain over the given edge.
// Returns *RateLimitExceededError when the edge's quota is exhausted.
func (l *Limiter) Inbound(ctx context.Context, edge uint32, amount decimal.Decimal) error {
	return l.store.Consume(ctx, edge, amount)
}

// Store exposes the underlying bucket store for configuration and reads.
func (l *Limiter) Store() *Store {
	return l.store
}
