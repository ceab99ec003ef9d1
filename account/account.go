package account

import (
	"encoding/json"
	"math/big"
	"sync"

	"github.com/cloudflare/cfssl/log"
	commonconst "github.com/crowdfund/common"
	"github.com/crowdfund/meta"
	"github.com/ethereum/go-ethereum/common"
	"github.com/pkg/errors"
)

/* 账户余额（原生货币，单位 wei）
 * 所有修改都在 store.Update 中完成，转账的扣款和入账一起提交
 */

var (
	ErrAccountExists       = meta.NewError(meta.KindAlreadyExists, "Account already registered")
	ErrInsufficientBalance = meta.NewError(meta.KindPreconditionFailed, "Insufficient balance")
)

type State struct {
	mu             sync.Mutex
	store          meta.Store
	initialBalance *big.Int // 注册时赠送的余额
}

func NewState(store meta.Store, initialBalance *big.Int) *State {
	if initialBalance == nil {
		initialBalance = new(big.Int)
	}
	return &State{store: store, initialBalance: new(big.Int).Set(initialBalance)}
}

// Register creates an account holding the configured initial balance.
func (s *State) Register(address common.Address) (meta.Account, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var created meta.Account
	err := s.store.Update(func(kv meta.KV) error {
		_, ok, err := getAccount(kv, address)
		if err != nil {
			return err
		}
		if ok {
			return ErrAccountExists
		}
		created = meta.Account{Address: address, Balance: new(big.Int).Set(s.initialBalance)}
		return putAccount(kv, created)
	})
	if err != nil {
		return meta.Account{}, err
	}
	log.Infof("registered account %s with balance %s", address.Hex(), created.Balance)
	return created, nil
}

// GetAccount returns the account, or a zero-balance account if it is unknown.
func (s *State) GetAccount(address common.Address) (meta.Account, error) {
	var acc meta.Account
	err := s.store.View(func(kv meta.KV) error {
		var err error
		acc, _, err = getAccount(kv, address)
		return err
	})
	return acc, err
}

func (s *State) Balance(address common.Address) (*big.Int, error) {
	acc, err := s.GetAccount(address)
	if err != nil {
		return nil, err
	}
	return acc.Balance, nil
}

// Contains reports whether the address was ever registered or credited.
func (s *State) Contains(address common.Address) (bool, error) {
	var ok bool
	err := s.store.View(func(kv meta.KV) error {
		var err error
		_, ok, err = getAccount(kv, address)
		return err
	})
	return ok, err
}

// Credit adds amount to an account, creating it if needed.
func (s *State) Credit(to common.Address, amount *big.Int) error {
	if amount == nil || amount.Sign() <= 0 {
		return nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.store.Update(func(kv meta.KV) error {
		return addBalance(kv, to, amount)
	})
}

// Transfer moves amount from one account to another. Non-positive amounts
// are a no-op.
func (s *State) Transfer(from, to common.Address, amount *big.Int) error {
	if amount == nil || amount.Sign() <= 0 {
		return nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.store.Update(func(kv meta.KV) error {
		ok, err := canTransfer(kv, from, amount)
		if err != nil {
			return err
		}
		if !ok {
			return ErrInsufficientBalance
		}
		if err := subBalance(kv, from, amount); err != nil {
			return err
		}
		return addBalance(kv, to, amount)
	})
}

// 判断交易发起方是否有足够余额
func canTransfer(kv meta.KV, sender common.Address, amount *big.Int) (bool, error) {
	acc, _, err := getAccount(kv, sender)
	if err != nil {
		return false, err
	}
	if acc.Balance.Cmp(amount) < 0 {
		log.Infof("[CanTransfer]: Insufficient balance.")
		return false, nil
	}
	return true, nil
}

func subBalance(kv meta.KV, sender common.Address, amount *big.Int) error {
	acc, _, err := getAccount(kv, sender)
	if err != nil {
		return err
	}
	acc.Balance.Sub(acc.Balance, amount)
	return putAccount(kv, acc)
}

func addBalance(kv meta.KV, receiver common.Address, amount *big.Int) error {
	acc, _, err := getAccount(kv, receiver)
	if err != nil {
		return err
	}
	acc.Balance.Add(acc.Balance, amount)
	return putAccount(kv, acc)
}

func accountKey(address common.Address) string {
	return commonconst.AccountKeyPrefix + address.Hex()
}

func getAccount(kv meta.KV, address common.Address) (meta.Account, bool, error) {
	data, err := kv.GetState(accountKey(address))
	if err != nil {
		return meta.Account{}, false, errors.Wrap(err, "load account")
	}
	if data == nil {
		return meta.Account{Address: address, Balance: new(big.Int)}, false, nil
	}
	var acc meta.Account
	if err := json.Unmarshal(data, &acc); err != nil {
		return meta.Account{}, false, errors.Wrapf(err, "decode account %s", address.Hex())
	}
	if acc.Balance == nil {
		acc.Balance = new(big.Int)
	}
	return acc, true, nil
}

func putAccount(kv meta.KV, acc meta.Account) error {
	data, err := json.Marshal(acc)
	if err != nil {
		return errors.Wrap(err, "encode account")
	}
	return kv.PutState(accountKey(acc.Address), data)
}
