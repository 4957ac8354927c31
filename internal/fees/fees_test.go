package fees

import (
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
)

func TestRemoveDust(t *testing.T) {
	t.Run("should truncate to the granularity", func(t *testing.T) {
		c := NewCalculator(decimal.NewFromInt(10), 0)
		assert.True(t, c.RemoveDust(decimal.NewFromInt(106)).Equal(decimal.NewFromInt(100)))
	})

	t.Run("should be idempotent", func(t *testing.T) {
		c := NewCalculator(decimal.NewFromInt(10), 0)
		once := c.RemoveDust(decimal.NewFromInt(123))
		assert.True(t, c.RemoveDust(once).Equal(once))
	})

	t.Run("should pass amounts through at zero granularity", func(t *testing.T) {
		c := NewCalculator(decimal.Zero, 0)
		amount := decimal.RequireFromString("123.456")
		assert.True(t, c.RemoveDust(amount).Equal(amount))
	})

	t.Run("should never increase the amount", func(t *testing.T) {
		c := NewCalculator(decimal.NewFromInt(7), 0)
		for _, raw := range []int64{0, 1, 6, 7, 8, 48, 49, 50, 699} {
			amount := decimal.NewFromInt(raw)
			assert.True(t, c.RemoveDust(amount).LessThanOrEqual(amount))
		}
	})
}

func TestFeeFor(t *testing.T) {
	t.Run("should apply the default rate in basis points", func(t *testing.T) {
		c := NewCalculator(decimal.NewFromInt(1), 250)
		fee := c.FeeFor(1, decimal.NewFromInt(10000))
		assert.True(t, fee.Equal(decimal.NewFromInt(250)))
	})

	t.Run("should prefer a per-edge rate over the default", func(t *testing.T) {
		c := NewCalculator(decimal.NewFromInt(1), 250)
		c.SetEdgeFee(7, 100)

		assert.True(t, c.FeeFor(7, decimal.NewFromInt(10000)).Equal(decimal.NewFromInt(100)))
		assert.True(t, c.FeeFor(8, decimal.NewFromInt(10000)).Equal(decimal.NewFromInt(250)))
	})

	t.Run("should fall back to the default after removing an override", func(t *testing.T) {
		c := NewCalculator(decimal.NewFromInt(1), 250)
		c.SetEdgeFee(7, 100)
		c.SetEdgeFee(7, -1)

		assert.True(t, c.FeeFor(7, decimal.NewFromInt(10000)).Equal(decimal.NewFromInt(250)))
	})

	t.Run("should not truncate the fee to the granularity", func(t *testing.T) {
		// fee = 1 sits below a granularity of 10 and must survive.
		c := NewCalculator(decimal.NewFromInt(10), 100)
		fee := c.FeeFor(1, decimal.NewFromInt(100))
		assert.True(t, fee.Equal(decimal.NewFromInt(1)))
	})
}

func TestQuoteDebit(t *testing.T) {
	t.Run("should conserve value: settled equals fee plus received", func(t *testing.T) {
		c := NewCalculator(decimal.NewFromInt(10), 100)
		for _, raw := range []int64{106, 1000, 999, 10, 55} {
			q := c.QuoteDebit(1, decimal.NewFromInt(raw))
			assert.True(t, q.Settled.Equal(q.Fee.Add(q.Received)), "amount %d", raw)
		}
	})

	t.Run("should quote 106 at 100 bps on a grid of 10 as fee 1, received 100", func(t *testing.T) {
		c := NewCalculator(decimal.NewFromInt(10), 100)
		q := c.QuoteDebit(1, decimal.NewFromInt(106))

		assert.True(t, q.Fee.Equal(decimal.NewFromInt(1)), "fee %s", q.Fee)
		assert.True(t, q.Received.Equal(decimal.NewFromInt(100)), "received %s", q.Received)
		assert.True(t, q.Settled.Equal(decimal.NewFromInt(101)), "settled %s", q.Settled)
	})

	t.Run("should leave the dust with the sender", func(t *testing.T) {
		c := NewCalculator(decimal.NewFromInt(10), 100)
		amount := decimal.NewFromInt(106)
		q := c.QuoteDebit(1, amount)

		kept := amount.Sub(q.Settled)
		assert.True(t, kept.Equal(decimal.NewFromInt(5)), "kept %s", kept)
	})

	t.Run("should settle the full dust-free amount at zero fee", func(t *testing.T) {
		c := NewCalculator(decimal.NewFromInt(10), 0)
		q := c.QuoteDebit(1, decimal.NewFromInt(106))

		assert.True(t, q.Fee.IsZero())
		assert.True(t, q.Received.Equal(decimal.NewFromInt(100)))
		assert.True(t, q.Settled.Equal(decimal.NewFromInt(100)))
	})
}
