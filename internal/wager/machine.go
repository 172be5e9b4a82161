package wager

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"

	"pricegrid/internal/metrics"
	"pricegrid/internal/model"

	"github.com/shopspring/decimal"
)

// DefaultInitialBalance is the play-money balance of a fresh or reset wallet.
const DefaultInitialBalance = 100.0

var (
	ErrInvalidAmount       = errors.New("wager: amount must be positive")
	ErrInvalidBoxKey       = errors.New("wager: invalid box key")
	ErrInsufficientBalance = errors.New("wager: insufficient balance")
	ErrStakeNotFound       = errors.New("wager: stake not found")
	ErrStakeNotPending     = errors.New("wager: stake is not pending")
)

var (
	baseMultiplier = decimal.RequireFromString("1.5")
	stepMultiplier = decimal.RequireFromString("0.5")
)

// Multiplier returns the payout odds for a cell at boxPriceIndex staked while
// the price sits in currentPriceIndex: 1.5 + 0.5 per index of distance.
func Multiplier(boxPriceIndex, currentPriceIndex int64) float64 {
	d := boxPriceIndex - currentPriceIndex
	if d < 0 {
		d = -d
	}
	return baseMultiplier.Add(stepMultiplier.Mul(decimal.NewFromInt(d))).InexactFloat64()
}

// Machine moves stakes through their settlement states against a Store.
//
//	pending --Settle(won)--> settling-won  --FinishSettle--> won   (+amount*multiplier)
//	pending --Settle(lost)-> settling-lost --FinishSettle--> lost
//
// CreateStake debits and FinishSettle credits; both happen inside one
// Store.Apply so a failure can never leave a half-applied wager.
type Machine struct {
	store   Store
	initial decimal.Decimal
	metrics *metrics.Metrics
	log     *slog.Logger
}

// Option configures a Machine.
type Option func(*Machine)

// WithMetrics records stake transitions and the balance.
func WithMetrics(m *metrics.Metrics) Option {
	return func(mc *Machine) { mc.metrics = m }
}

// WithLogger sets the logger. Defaults to slog.Default().
func WithLogger(l *slog.Logger) Option {
	return func(mc *Machine) { mc.log = l }
}

// NewMachine wraps store. initialBalance is what Reset restores.
func NewMachine(store Store, initialBalance float64, opts ...Option) *Machine {
	m := &Machine{
		store:   store,
		initial: decimal.NewFromFloat(initialBalance),
		log:     slog.Default(),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// CreateStake places amount on boxKey. An existing stake for the key makes the
// call a no-op that returns the existing stake with created=false.
func (m *Machine) CreateStake(ctx context.Context, boxKey string, amount float64, currentPriceIndex int64) (model.Stake, bool, error) {
	if amount <= 0 || math.IsNaN(amount) || math.IsInf(amount, 0) {
		return model.Stake{}, false, ErrInvalidAmount
	}
	priceIndex, _, err := model.ParseBoxKey(boxKey)
	if err != nil {
		return model.Stake{}, false, fmt.Errorf("%w: %v", ErrInvalidBoxKey, err)
	}
	amt := decimal.NewFromFloat(amount)
	multiplier := Multiplier(priceIndex, currentPriceIndex)

	var created bool
	rec, err := m.store.Apply(ctx, boxKey, func(cur Record) (Record, error) {
		created = false
		if cur.Stake != nil {
			return cur, errSkip
		}
		if amt.GreaterThan(cur.Balance) {
			return cur, ErrInsufficientBalance
		}
		created = true
		return Record{
			Balance: cur.Balance.Sub(amt),
			Stake: &model.Stake{
				BoxKey:     boxKey,
				Amount:     amount,
				Multiplier: multiplier,
				Status:     model.StakePending,
			},
		}, nil
	})
	if err != nil {
		return model.Stake{}, false, err
	}
	if rec.Stake == nil {
		return model.Stake{}, false, fmt.Errorf("wager: store returned no stake for %s", boxKey)
	}
	if created {
		m.metrics.StakeTransition(string(model.StakePending))
		m.metrics.SetBalance(rec.Balance.InexactFloat64())
		m.log.Info("stake placed", "box", boxKey, "amount", amount, "multiplier", multiplier,
			"balance", rec.Balance.String())
	}
	return *rec.Stake, created, nil
}

// Settle decides a pending stake. The balance is not touched.
func (m *Machine) Settle(ctx context.Context, boxKey string, won bool) (model.Stake, error) {
	rec, err := m.store.Apply(ctx, boxKey, func(cur Record) (Record, error) {
		if cur.Stake == nil {
			return cur, ErrStakeNotFound
		}
		if cur.Stake.Status != model.StakePending {
			return cur, ErrStakeNotPending
		}
		next := *cur.Stake
		if won {
			next.Status = model.StakeSettlingWon
		} else {
			next.Status = model.StakeSettlingLost
		}
		return Record{Balance: cur.Balance, Stake: &next}, nil
	})
	if err != nil {
		return model.Stake{}, err
	}
	m.metrics.StakeTransition(string(rec.Stake.Status))
	m.log.Debug("stake settled", "box", boxKey, "status", rec.Stake.Status)
	return *rec.Stake, nil
}

// FinishSettle finalizes a settling stake and credits a win. Any other status
// is left alone (applied=false), so repeated calls credit at most once.
func (m *Machine) FinishSettle(ctx context.Context, boxKey string) (model.Stake, bool, error) {
	var applied bool
	rec, err := m.store.Apply(ctx, boxKey, func(cur Record) (Record, error) {
		applied = false
		if cur.Stake == nil {
			return cur, ErrStakeNotFound
		}
		next := *cur.Stake
		balance := cur.Balance
		switch next.Status {
		case model.StakeSettlingWon:
			next.Status = model.StakeWon
			payout := decimal.NewFromFloat(next.Amount).Mul(decimal.NewFromFloat(next.Multiplier))
			balance = balance.Add(payout)
		case model.StakeSettlingLost:
			next.Status = model.StakeLost
		default:
			return cur, errSkip
		}
		applied = true
		return Record{Balance: balance, Stake: &next}, nil
	})
	if err != nil {
		return model.Stake{}, false, err
	}
	if applied {
		m.metrics.StakeTransition(string(rec.Stake.Status))
		m.metrics.SetBalance(rec.Balance.InexactFloat64())
		m.log.Info("stake finished", "box", boxKey, "status", rec.Stake.Status, "balance", rec.Balance.String())
	}
	return *rec.Stake, applied, nil
}

// Reset clears all stakes and restores the initial balance.
func (m *Machine) Reset(ctx context.Context) error {
	if err := m.store.Reset(ctx, m.initial); err != nil {
		return fmt.Errorf("wager reset: %w", err)
	}
	m.metrics.SetBalance(m.initial.InexactFloat64())
	m.log.Info("wallet reset", "balance", m.initial.String())
	return nil
}

// State returns the balance and every stake ordered by ID.
func (m *Machine) State(ctx context.Context) (model.WalletState, error) {
	return m.store.Snapshot(ctx)
}

// Close releases the store.
func (m *Machine) Close() error {
	return m.store.Close()
}
