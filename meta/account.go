package meta

import (
	"math/big"

	"github.com/ethereum/go-ethereum/common"
)

//账户
type Account struct {
	Address common.Address `json:"address"`
	Balance *big.Int       `json:"balance"` // wei
}
