// Package settlement executes the value-moving half of a transfer: mint
// and burn in native mode, lock and release against an escrow account in
// escrow mode, plus custody of the accrued fee balance.
package settlement

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// Mode selects how value is settled locally.
type Mode string

const (
	// ModeNative mints and burns supply directly.
	ModeNative Mode = "native"
	// ModeEscrow locks value into and releases it from an escrow account,
	// tracking total value locked.
	ModeEscrow Mode = "escrow"
)

// Reserved ledger identities. Real identities come from the transport and
// never start with "$".
const (
	escrowAccount = "$escrow"
	feeAccount    = "$fees"
)

var (
	ErrZeroAddress         = errors.New("withdraw destination is empty")
	ErrZeroAmount          = errors.New("amount must be positive")
	ErrInsufficientBalance = errors.New("insufficient balance")
)

// FeeExceededError reports a withdrawal larger than the accrued fee.
type FeeExceededError struct {
	Requested decimal.Decimal
	Available decimal.Decimal
}

func (e *FeeExceededError) Error() string {
	return fmt.Sprintf("withdrawal exceeds accrued fee: requested %s, available %s",
		e.Requested.String(), e.Available.String())
}

// Entry is one audit row written for every balance movement.
type Entry struct {
	ID        uuid.UUID
	Identity  string
	Type      string // "mint", "burn", "lock", "release", "fee", "withdraw"
	Amount    decimal.Decimal
	Balance   decimal.Decimal
	Reference string
	CreatedAt time.Time
}

// Ledger is the postgres-backed settlement store. Every operation runs in
// a single transaction with row locks, so a failed call leaves no partial
// state behind.
type Ledger struct {
	db   *sql.DB
	mode Mode
}

// NewLedger creates a settlement ledger in the given mode.
func NewLedger(db *sql.DB, mode Mode) *Ledger {
	return &Ledger{db: db, mode: mode}
}

// Mode returns the configured settlement mode.
func (l *Ledger) Mode() Mode {
	return l.mode
}

// Burn removes settled value from the sender. In native mode the supply
// shrinks; in escrow mode the value moves into the escrow account instead.
func (l *Ledger) Burn(ctx context.Context, from string, amount decimal.Decimal, reference string) error {
	if l.mode == ModeEscrow {
		return l.withTx(ctx, func(tx *sql.Tx) error {
			if err := l.debit(ctx, tx, from, amount, "lock", reference); err != nil {
				return err
			}
			return l.credit(ctx, tx, escrowAccount, amount, "lock", reference)
		})
	}
	return l.withTx(ctx, func(tx *sql.Tx) error {
		return l.debit(ctx, tx, from, amount, "burn", reference)
	})
}

// Mint credits received value to the recipient. In escrow mode the value
// is released from escrow; the release fails if escrow would go negative,
// which would mean more value leaving than was ever locked.
func (l *Ledger) Mint(ctx context.Context, to string, amount decimal.Decimal, reference string) error {
	if l.mode == ModeEscrow {
		return l.withTx(ctx, func(tx *sql.Tx) error {
			if err := l.debit(ctx, tx, escrowAccount, amount, "release", reference); err != nil {
				return err
			}
			return l.credit(ctx, tx, to, amount, "release", reference)
		})
	}
	return l.withTx(ctx, func(tx *sql.Tx) error {
		return l.credit(ctx, tx, to, amount, "mint", reference)
	})
}

// CollectFee credits a debit's fee to the accrued fee balance. In escrow
// mode the fee portion moves out of escrow into fee custody; in native
// mode it is minted into fee custody (the settled burn already removed it
// from the sender).
func (l *Ledger) CollectFee(ctx context.Context, fee decimal.Decimal, reference string) error {
	if fee.LessThanOrEqual(decimal.Zero) {
		return nil
	}
	if l.mode == ModeEscrow {
		return l.withTx(ctx, func(tx *sql.Tx) error {
			if err := l.debit(ctx, tx, escrowAccount, fee, "fee", reference); err != nil {
				return err
			}
			return l.credit(ctx, tx, feeAccount, fee, "fee", reference)
		})
	}
	return l.withTx(ctx, func(tx *sql.Tx) error {
		return l.credit(ctx, tx, feeAccount, fee, "fee", reference)
	})
}

// SettleDebit applies one outbound debit as a single transaction: the
// settled amount leaves the sender and the fee portion lands in fee
// custody. Nothing is committed if any leg fails.
func (l *Ledger) SettleDebit(ctx context.Context, from string, settled, fee decimal.Decimal, reference string) error {
	return l.withTx(ctx, func(tx *sql.Tx) error {
		if l.mode == ModeEscrow {
			if err := l.debit(ctx, tx, from, settled, "lock", reference); err != nil {
				return err
			}
			if err := l.credit(ctx, tx, escrowAccount, settled, "lock", reference); err != nil {
				return err
			}
			if fee.IsPositive() {
				if err := l.debit(ctx, tx, escrowAccount, fee, "fee", reference); err != nil {
					return err
				}
				return l.credit(ctx, tx, feeAccount, fee, "fee", reference)
			}
			return nil
		}

		if err := l.debit(ctx, tx, from, settled, "burn", reference); err != nil {
			return err
		}
		if fee.IsPositive() {
			return l.credit(ctx, tx, feeAccount, fee, "fee", reference)
		}
		return nil
	})
}

// SettleCredit applies one inbound credit.
func (l *Ledger) SettleCredit(ctx context.Context, to string, amount decimal.Decimal, reference string) error {
	return l.Mint(ctx, to, amount, reference)
}

// AccruedFee returns the withdrawable fee balance.
func (l *Ledger) AccruedFee(ctx context.Context) (decimal.Decimal, error) {
	return l.Balance(ctx, feeAccount)
}

// TVL returns the escrow balance. Always zero in native mode.
func (l *Ledger) TVL(ctx context.Context) (decimal.Decimal, error) {
	return l.Balance(ctx, escrowAccount)
}

// Balance returns one identity's current balance.
func (l *Ledger) Balance(ctx context.Context, identity string) (decimal.Decimal, error) {
	var raw string
	err := l.db.QueryRowContext(ctx,
		`SELECT balance FROM balances WHERE identity = $1`, identity,
	).Scan(&raw)
	if err == sql.ErrNoRows {
		return decimal.Zero, nil
	}
	if err != nil {
		return decimal.Zero, fmt.Errorf("failed to read balance: %w", err)
	}
	balance, err := decimal.NewFromString(raw)
	if err != nil {
		return decimal.Zero, fmt.Errorf("failed to parse balance: %w", err)
	}
	return balance, nil
}

// WithdrawFee transfers accrued fees out to the given identity.
func (l *Ledger) WithdrawFee(ctx context.Context, to string, amount decimal.Decimal) error {
	if to == "" {
		return ErrZeroAddress
	}
	if amount.LessThanOrEqual(decimal.Zero) {
		return ErrZeroAmount
	}

	return l.withTx(ctx, func(tx *sql.Tx) error {
		available, err := l.lockBalance(ctx, tx, feeAccount)
		if err != nil {
			return err
		}
		if amount.GreaterThan(available) {
			return &FeeExceededError{Requested: amount, Available: available}
		}
		remaining := available.Sub(amount)
		if err := l.update(ctx, tx, feeAccount, remaining); err != nil {
			return err
		}
		if err := l.insertEntry(ctx, tx, feeAccount, "withdraw", amount.Neg(), remaining, "fee withdrawal"); err != nil {
			return err
		}
		return l.credit(ctx, tx, to, amount, "withdraw", "fee withdrawal")
	})
}

// Entries returns the most recent audit entries for an identity.
func (l *Ledger) Entries(ctx context.Context, identity string, limit int) ([]Entry, error) {
	rows, err := l.db.QueryContext(ctx,
		`SELECT id, identity, type, amount, balance, reference, created_at
		 FROM entries WHERE identity = $1 ORDER BY created_at DESC LIMIT $2`,
		identity, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to query entries: %w", err)
	}
	defer rows.Close()

	var entries []Entry
	for rows.Next() {
		var e Entry
		var amount, balance string
		if err := rows.Scan(&e.ID, &e.Identity, &e.Type, &amount, &balance, &e.Reference, &e.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan entry: %w", err)
		}
		if e.Amount, err = decimal.NewFromString(amount); err != nil {
			return nil, fmt.Errorf("failed to parse entry amount: %w", err)
		}
		if e.Balance, err = decimal.NewFromString(balance); err != nil {
			return nil, fmt.Errorf("failed to parse entry balance: %w", err)
		}
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

func (l *Ledger) withTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := l.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	if err := fn(tx); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit: %w", err)
	}
	return nil
}

// lockBalance reads an identity's balance under FOR UPDATE, creating the
// row at zero if missing so later updates have something to lock.
func (l *Ledger) lockBalance(ctx context.Context, tx *sql.Tx, identity string) (decimal.Decimal, error) {
	_, err := tx.ExecContext(ctx,
		`INSERT INTO balances (identity, balance, updated_at) VALUES ($1, 0, $2)
		 ON CONFLICT (identity) DO NOTHING`,
		identity, time.Now(),
	)
	if err != nil {
		return decimal.Zero, fmt.Errorf("failed to ensure balance row: %w", err)
	}

	var raw string
	err = tx.QueryRowContext(ctx,
		`SELECT balance FROM balances WHERE identity = $1 FOR UPDATE`, identity,
	).Scan(&raw)
	if err != nil {
		return decimal.Zero, fmt.Errorf("failed to lock balance: %w", err)
	}
	balance, err := decimal.NewFromString(raw)
	if err != nil {
		return decimal.Zero, fmt.Errorf("failed to parse balance: %w", err)
	}
	return balance, nil
}

func (l *Ledger) debit(ctx context.Context, tx *sql.Tx, identity string, amount decimal.Decimal, entryType, reference string) error {
	balance, err := l.lockBalance(ctx, tx, identity)
	if err != nil {
		return err
	}
	newBalance := balance.Sub(amount)
	if newBalance.IsNegative() {
		return ErrInsufficientBalance
	}
	if err := l.update(ctx, tx, identity, newBalance); err != nil {
		return err
	}
	return l.insertEntry(ctx, tx, identity, entryType, amount.Neg(), newBalance, reference)
}

func (l *Ledger) credit(ctx context.Context, tx *sql.Tx, identity string, amount decimal.Decimal, entryType, reference string) error {
	balance, err := l.lockBalance(ctx, tx, identity)
	if err != nil {
		return err
	}
	newBalance := balance.Add(amount)
	if err := l.update(ctx, tx, identity, newBalance); err != nil {
		return err
	}
	return l.insertEntry(ctx, tx, identity, entryType, amount, newBalance, reference)
}

func (l *Ledger) update(ctx context.Context, tx *sql.Tx, identity string, balance decimal.Decimal) error {
	_, err := tx.ExecContext(ctx,
		`UPDATE balances SET balance = $1, updated_at = $2 WHERE identity = $3`,
		balance.String(), time.Now(), identity,
	)
	if err != nil {
		return fmt.Errorf("failed to update balance: %w", err)
	}
	return nil
}

func (l *Ledger) insertEntry(ctx context.Context, tx *sql.Tx, identity, entryType string, amount, balance decimal.Decimal, reference string) error {
	_, err := tx.ExecContext(ctx,
		`INSERT INTO entries (id, identity, type, amount, balance, reference, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		uuid.New(), identity, entryType, amount.String(), balance.String(), reference, time.Now(),
	)
	if err != nil {
		return fmt.Errorf("failed to insert entry: %w", err)
	}
	return nil
}
