package model

// StakeStatus is the settlement state of a wager.
//
//	pending --activated--> settling-won  --finish--> won
//	pending --expired----> settling-lost --finish--> lost
type StakeStatus string

const (
	StakePending      StakeStatus = "pending"
	StakeSettlingWon  StakeStatus = "settling-won"
	StakeSettlingLost StakeStatus = "settling-lost"
	StakeWon          StakeStatus = "won"
	StakeLost         StakeStatus = "lost"
)

// IsSettling reports whether the outcome is decided but not yet paid out.
func (s StakeStatus) IsSettling() bool {
	return s == StakeSettlingWon || s == StakeSettlingLost
}

// IsFinal reports whether the stake reached a terminal state.
func (s StakeStatus) IsFinal() bool {
	return s == StakeWon || s == StakeLost
}

// Valid reports whether s is one of the known statuses.
func (s StakeStatus) Valid() bool {
	switch s {
	case StakePending, StakeSettlingWon, StakeSettlingLost, StakeWon, StakeLost:
		return true
	}
	return false
}

// Stake is a wager on a single cell. At most one exists per BoxKey.
type Stake struct {
	ID         int64       `json:"id"`
	BoxKey     string      `json:"boxKey"`
	Amount     float64     `json:"amount"`
	Multiplier float64     `json:"multiplier"`
	Status     StakeStatus `json:"status"`
}

// Payout is what a won stake credits to the wallet.
func (s Stake) Payout() float64 {
	return s.Amount * s.Multiplier
}

// WalletState is the full-state read of the wager store.
type WalletState struct {
	Balance float64 `json:"balance"`
	Stakes  []Stake `json:"stakes"`
}
