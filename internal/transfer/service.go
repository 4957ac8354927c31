// Package transfer implements the two accounting paths of the gateway:
// the fee-aware debit path for outbound value and the overridable credit
// path for inbound value.
package transfer

import (
	"context"
	"fmt"
	"strconv"
	"sync/atomic"

	"github.com/shopspring/decimal"

	"github.com/terminal-bench/bridgegate/internal/fees"
	"github.com/terminal-bench/bridgegate/internal/ratelimit"
	"github.com/terminal-bench/bridgegate/internal/registry"
	"github.com/terminal-bench/bridgegate/pkg/circuit"
	"github.com/terminal-bench/bridgegate/pkg/locker"
	"github.com/terminal-bench/bridgegate/pkg/messaging"
)

// Settlement moves value. Each call is atomic: it either fully applies or
// leaves no trace.
type Settlement interface {
	// SettleDebit burns (or locks) the settled amount from the sender and
	// credits the fee portion to fee custody, as one unit.
	SettleDebit(ctx context.Context, from string, settled, fee decimal.Decimal, reference string) error
	// SettleCredit mints (or releases) the amount to the recipient.
	SettleCredit(ctx context.Context, to string, amount decimal.Decimal, reference string) error
}

// Publisher emits accounting events. Satisfied by *messaging.Client.
type Publisher interface {
	Publish(ctx context.Context, subject string, data interface{}) error
}

// Recorder captures flow and fee measurements. Satisfied by
// *telemetry.Recorder.
type Recorder interface {
	RecordFlow(edge uint32, direction string, amount, level decimal.Decimal)
	RecordFee(edge uint32, fee decimal.Decimal)
}

// ErrGatewayPaused rejects transfers while the gateway is paused.
var ErrGatewayPaused = fmt.Errorf("gateway is paused")

// SlippageExceededError reports a debit whose receivable amount fell below
// the caller's floor after fees and dust removal.
type SlippageExceededError struct {
	Received     decimal.Decimal
	MinAmountOut decimal.Decimal
}

func (e *SlippageExceededError) Error() string {
	return fmt.Sprintf("slippage exceeded: would receive %s, minimum %s",
		e.Received.String(), e.MinAmountOut.String())
}

// Config holds transfer service policy.
type Config struct {
	// OverrideSingleUse revokes a transfer-GUID override once exercised,
	// so a later transfer reusing the id is rate-limited again.
	OverrideSingleUse bool
	// Source tags emitted events.
	Source string
	// Breaker guards the settlement backend.
	Breaker circuit.Config
}

// Service wires the limiter, override registry, fee arithmetic and
// settlement into the credit and debit paths.
type Service struct {
	limiter    *ratelimit.Limiter
	registry   *registry.Registry
	fees       *fees.Calculator
	settlement Settlement

	publisher Publisher
	recorder  Recorder
	locks     locker.Locker
	breaker   *circuit.Breaker
	cfg       Config

	paused atomic.Bool
}

// NewService creates the transfer service. publisher, recorder and locks
// may be nil; a nil locks falls back to in-process per-edge locking.
func NewService(
	limiter *ratelimit.Limiter,
	reg *registry.Registry,
	calc *fees.Calculator,
	settlement Settlement,
	publisher Publisher,
	recorder Recorder,
	locks locker.Locker,
	cfg Config,
) *Service {
	if locks == nil {
		locks = locker.NewLocal()
	}
	if cfg.Source == "" {
		cfg.Source = "bridgegate"
	}
	return &Service{
		limiter:    limiter,
		registry:   reg,
		fees:       calc,
		settlement: settlement,
		publisher:  publisher,
		recorder:   recorder,
		locks:      locks,
		breaker:    circuit.NewBreaker(cfg.Breaker),
		cfg:        cfg,
	}
}

type overrideKind int

const (
	overrideNone overrideKind = iota
	overrideIdentity
	overrideTransfer
)

// resolveOverride decides, once per credit, which of the two independent
// override axes applies. Identity exemption is the standing policy and
// wins over the one-shot transfer override.
func (s *Service) resolveOverride(guid registry.GUID, recipient string) overrideKind {
	if s.registry.IsExempt(recipient) {
		return overrideIdentity
	}
	if s.registry.CanOverride(guid) {
		return overrideTransfer
	}
	return overrideNone
}

// Credit handles one verified inbound delivery. It consults the override
// registry, charges the edge's inbound quota unless overridden, settles
// the mint/release and returns the settled amount.
func (s *Service) Credit(ctx context.Context, guid registry.GUID, recipient string, amount decimal.Decimal, srcEdge uint32) (decimal.Decimal, error) {
	if s.paused.Load() {
		return decimal.Zero, ErrGatewayPaused
	}

	unlock, err := s.locks.Lock(ctx, edgeKey(srcEdge))
	if err != nil {
		return decimal.Zero, fmt.Errorf("failed to lock edge %d: %w", srcEdge, err)
	}
	defer unlock()

	kind := s.resolveOverride(guid, recipient)
	if kind == overrideNone {
		if err := s.limiter.Inbound(ctx, srcEdge, amount); err != nil {
			return decimal.Zero, err
		}
	}

	err = s.breaker.Execute(ctx, func() error {
		return s.settlement.SettleCredit(ctx, recipient, amount, guid.String())
	})
	if err != nil {
		if kind == overrideNone {
			// The quota was already charged; give it back so a settlement
			// failure does not consume capacity.
			s.limiter.Outbound(ctx, srcEdge, amount)
		}
		return decimal.Zero, fmt.Errorf("settlement failed: %w", err)
	}

	switch kind {
	case overrideIdentity:
		s.publish(ctx, messaging.EventTypeLimitOverridden, messaging.LimitOverriddenEvent{
			Identity: recipient,
			Amount:   amount.String(),
		})
	case overrideTransfer:
		if s.cfg.OverrideSingleUse {
			s.registry.RevokeOverride(guid)
		}
		s.publish(ctx, messaging.EventTypeLimitOverriddenByGUID, messaging.LimitOverriddenByGUIDEvent{
			GUID:   guid.String(),
			Amount: amount.String(),
		})
	}

	s.publish(ctx, messaging.EventTypeTransferReceived, messaging.TransferReceivedEvent{
		GUID:           guid.String(),
		SrcEdge:        srcEdge,
		To:             recipient,
		AmountReceived: amount.String(),
	})
	s.recordFlow(srcEdge, "inbound", amount)

	return amount, nil
}

// Debit handles one outbound transfer request. It quotes fee and dust,
// enforces the slippage floor, settles the burn/lock and replenishes the
// edge's inbound quota by the receivable amount.
func (s *Service) Debit(ctx context.Context, sender string, amount, minAmountOut decimal.Decimal, dstEdge uint32) (settled, received decimal.Decimal, err error) {
	if s.paused.Load() {
		return decimal.Zero, decimal.Zero, ErrGatewayPaused
	}

	quote := s.fees.QuoteDebit(dstEdge, amount)
	if quote.Received.LessThan(minAmountOut) {
		return decimal.Zero, decimal.Zero, &SlippageExceededError{
			Received:     quote.Received,
			MinAmountOut: minAmountOut,
		}
	}

	unlock, err := s.locks.Lock(ctx, edgeKey(dstEdge))
	if err != nil {
		return decimal.Zero, decimal.Zero, fmt.Errorf("failed to lock edge %d: %w", dstEdge, err)
	}
	defer unlock()

	err = s.breaker.Execute(ctx, func() error {
		return s.settlement.SettleDebit(ctx, sender, quote.Settled, quote.Fee, "outbound transfer")
	})
	if err != nil {
		return decimal.Zero, decimal.Zero, fmt.Errorf("settlement failed: %w", err)
	}

	// The fee never crosses the edge, so only the receivable amount frees
	// inbound capacity. Exempt senders stay out of the accounting entirely.
	if !s.registry.IsExempt(sender) {
		s.limiter.Outbound(ctx, dstEdge, quote.Received)
	}

	s.publish(ctx, messaging.EventTypeTransferSent, messaging.TransferSentEvent{
		DstEdge:        dstEdge,
		From:           sender,
		AmountSettled:  quote.Settled.String(),
		AmountReceived: quote.Received.String(),
		Fee:            quote.Fee.String(),
	})
	s.recordFlow(dstEdge, "outbound", quote.Received)
	if s.recorder != nil && quote.Fee.IsPositive() {
		s.recorder.RecordFee(dstEdge, quote.Fee)
	}

	return quote.Settled, quote.Received, nil
}

// Pause rejects both transfer paths until Unpause. Configuration and read
// operations are unaffected.
func (s *Service) Pause(ctx context.Context) {
	if s.paused.CompareAndSwap(false, true) {
		s.publish(ctx, messaging.EventTypeGatewayPaused, struct{}{})
	}
}

// Unpause re-enables the transfer paths.
func (s *Service) Unpause(ctx context.Context) {
	if s.paused.CompareAndSwap(true, false) {
		s.publish(ctx, messaging.EventTypeGatewayUnpaused, struct{}{})
	}
}

// Paused reports whether transfers are currently rejected.
func (s *Service) Paused() bool {
	return s.paused.Load()
}

func (s *Service) publish(ctx context.Context, eventType string, data interface{}) {
	if s.publisher == nil {
		return
	}
	event, err := messaging.NewEvent(eventType, s.cfg.Source, data)
	if err != nil {
		return
	}
	// Event delivery is observability, not accounting: a failed publish
	// must not fail the transfer.
	s.publisher.Publish(ctx, eventType, event)
}

func (s *Service) recordFlow(edge uint32, direction string, amount decimal.Decimal) {
	if s.recorder == nil {
		return
	}
	level := decimal.Zero
	if st, ok := s.limiter.Store().State(edge); ok {
		level = st.Level
	}
	s.recorder.RecordFlow(edge, direction, amount, level)
}

func edgeKey(edge uint32) string {
	return "edge-" + strconv.FormatUint(uint64(edge), 10)
}
