package wager

import (
	"context"
	"sync"

	"pricegrid/internal/model"

	"github.com/shopspring/decimal"
)

// MemoryStore keeps the wallet in process memory. It is the default store and
// the fallback when no backend is configured.
type MemoryStore struct {
	mu      sync.Mutex
	balance decimal.Decimal
	stakes  map[string]model.Stake
	nextID  int64
}

// NewMemoryStore creates a wallet holding initial.
func NewMemoryStore(initial float64) *MemoryStore {
	return &MemoryStore{
		balance: decimal.NewFromFloat(initial),
		stakes:  make(map[string]model.Stake),
	}
}

func (s *MemoryStore) Apply(_ context.Context, boxKey string, fn Mutation) (Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	cur := Record{Balance: s.balance}
	if st, ok := s.stakes[boxKey]; ok {
		cur.Stake = &st
	}

	next, write, err := runMutation(fn, cur)
	if err != nil || !write {
		return next, err
	}

	// staged result is committed in one step under the lock
	if next.Stake != nil {
		st := *next.Stake
		st.BoxKey = boxKey
		if st.ID == 0 {
			s.nextID++
			st.ID = s.nextID
		}
		s.stakes[boxKey] = st
		next.Stake = &st
	}
	s.balance = next.Balance
	return Record{Balance: next.Balance, Stake: cloneStake(next.Stake)}, nil
}

func (s *MemoryStore) Snapshot(_ context.Context) (model.WalletState, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	stakes := make([]model.Stake, 0, len(s.stakes))
	for _, st := range s.stakes {
		stakes = append(stakes, st)
	}
	sortStakes(stakes)
	return model.WalletState{Balance: s.balance.InexactFloat64(), Stakes: stakes}, nil
}

func (s *MemoryStore) Reset(_ context.Context, balance decimal.Decimal) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.balance = balance
	clear(s.stakes)
	return nil
}

func (s *MemoryStore) Close() error { return nil }
