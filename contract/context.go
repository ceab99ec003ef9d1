package contract

import (
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum/common"
)

// Context carries what the host knows about one call into a contract.
type Context struct {
	Caller common.Address // 调用者地址
	Value  *big.Int       // 调用合约时的转账金额 (wei)
	Time   time.Time      // 执行时间（区块时间）
}

func NewContext(caller common.Address, value *big.Int, now time.Time) Context {
	return Context{Caller: caller, Value: value, Time: now}
}

// Amount returns the attached value, zero if none was sent.
func (c Context) Amount() *big.Int {
	if c.Value == nil {
		return new(big.Int)
	}
	return new(big.Int).Set(c.Value)
}
