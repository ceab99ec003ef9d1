package meta

import (
	"math/big"

	"github.com/ethereum/go-ethereum/common"
)

// Campaign is one crowdfunding record. Creator, Title, Description,
// TargetAmount and Deadline are fixed at creation; AmountRaised and
// Withdrawn change through contribute / withdraw.
// Per-contributor amounts are stored next to the campaign, not inside it.
type Campaign struct {
	ID           uint64         `json:"id"`
	Creator      common.Address `json:"creator"`
	Title        string         `json:"title"`
	Description  string         `json:"description"`
	TargetAmount *big.Int       `json:"target_amount"` // wei
	Deadline     int64          `json:"deadline"`      // unix seconds
	AmountRaised *big.Int       `json:"amount_raised"` // wei
	Withdrawn    bool           `json:"withdrawn"`
}

// Copy returns a deep copy so callers never share big.Int values with the ledger.
func (c Campaign) Copy() Campaign {
	c.TargetAmount = new(big.Int).Set(bigOrZero(c.TargetAmount))
	c.AmountRaised = new(big.Int).Set(bigOrZero(c.AmountRaised))
	return c
}

// GoalReached reports whether the raised amount covers the target.
func (c Campaign) GoalReached() bool {
	return bigOrZero(c.AmountRaised).Cmp(bigOrZero(c.TargetAmount)) >= 0
}

func bigOrZero(v *big.Int) *big.Int {
	if v == nil {
		return new(big.Int)
	}
	return v
}
