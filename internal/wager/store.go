package wager

import (
	"context"
	"errors"
	"sort"

	"pricegrid/internal/model"

	"github.com/shopspring/decimal"
)

// Record is the slice of wallet state one mutation reads and writes:
// the balance plus the stake (if any) for a single box key.
type Record struct {
	Balance decimal.Decimal
	Stake   *model.Stake
}

// Mutation computes the next Record from the current one. Returning an error
// aborts the write. A Mutation may be invoked more than once when a store
// retries an optimistic transaction, so it must not have side effects.
type Mutation func(cur Record) (Record, error)

// errSkip aborts a mutation without an error: Apply returns the current record.
var errSkip = errors.New("wager: no change")

// Store is the persistence capability behind the Machine.
//
// Apply must be atomic: the balance change and the stake write land together
// or not at all. A new stake is written with ID 0 and receives its ID from the
// store.
type Store interface {
	Apply(ctx context.Context, boxKey string, fn Mutation) (Record, error)
	Snapshot(ctx context.Context) (model.WalletState, error)
	Reset(ctx context.Context, balance decimal.Decimal) error
	Close() error
}

// runMutation applies fn and classifies the outcome.
// write=false means the store must leave everything untouched.
func runMutation(fn Mutation, cur Record) (next Record, write bool, err error) {
	next, err = fn(cur)
	if errors.Is(err, errSkip) {
		return cur, false, nil
	}
	if err != nil {
		return Record{}, false, err
	}
	return next, true, nil
}

func sortStakes(stakes []model.Stake) {
	sort.Slice(stakes, func(i, j int) bool { return stakes[i].ID < stakes[j].ID })
}

func cloneStake(s *model.Stake) *model.Stake {
	if s == nil {
		return nil
	}
	c := *s
	return &c
}
