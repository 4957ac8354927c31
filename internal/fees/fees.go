// Package fees computes the fee and dust arithmetic applied on the debit
// path. Amounts move across domains at a fixed granularity; anything below
// it is dust and stays with the sender.
package fees

import (
	"sync"

	"github.com/shopspring/decimal"
)

var bpsDivisor = decimal.NewFromInt(10000)

// Quote is the result of the debit arithmetic for one transfer.
//
// Settled is what actually leaves the sender (burned or locked locally),
// Received is what arrives on the remote domain, and Fee is the difference.
// Settled == Fee + Received always; the sender keeps amount - Settled.
type Quote struct {
	Fee      decimal.Decimal
	Received decimal.Decimal
	Settled  decimal.Decimal
}

// Calculator holds the transfer granularity and the basis-point fee
// schedule. Per-edge rates override the default.
type Calculator struct {
	granularity decimal.Decimal

	mu         sync.RWMutex
	defaultBps int64
	edgeBps    map[uint32]int64
}

// NewCalculator creates a calculator. granularity must be positive; a
// granularity of 1 disables dust removal for integer amounts.
func NewCalculator(granularity decimal.Decimal, defaultBps int64) *Calculator {
	return &Calculator{
		granularity: granularity,
		defaultBps:  defaultBps,
		edgeBps:     make(map[uint32]int64),
	}
}

// SetEdgeFee sets a per-edge fee rate in basis points. A negative bps
// removes the override, falling back to the default.
func (c *Calculator) SetEdgeFee(edge uint32, bps int64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if bps < 0 {
		delete(c.edgeBps, edge)
		return
	}
	c.edgeBps[edge] = bps
}

// RemoveDust truncates an amount to the transfer granularity. Idempotent:
// RemoveDust(RemoveDust(x)) == RemoveDust(x).
func (c *Calculator) RemoveDust(amount decimal.Decimal) decimal.Decimal {
	if c.granularity.IsZero() {
		return amount
	}
	return amount.Sub(amount.Mod(c.granularity))
}

// FeeFor returns the fee charged on a dust-free amount for the given edge.
// The fee is not dust-truncated: it never crosses domains, so it does not
// have to sit on the transfer grid.
func (c *Calculator) FeeFor(edge uint32, amount decimal.Decimal) decimal.Decimal {
	c.mu.RLock()
	bps, ok := c.edgeBps[edge]
	if !ok {
		bps = c.defaultBps
	}
	c.mu.RUnlock()

	if bps == 0 {
		return decimal.Zero
	}
	return amount.Mul(decimal.NewFromInt(bps)).Div(bpsDivisor)
}

// QuoteDebit runs the debit arithmetic:
//
//	fee      = FeeFor(edge, RemoveDust(amount))
//	received = RemoveDust(amount - fee)
//	settled  = fee + received
func (c *Calculator) QuoteDebit(edge uint32, amount decimal.Decimal) Quote {
	fee := c.FeeFor(edge, c.RemoveDust(amount))
	received := c.RemoveDust(amount.Sub(fee))
	return Quote{
		Fee:      fee,
		Received: received,
		Settled:  fee.Add(received),
	}
}
