package account

import (
	"math/big"
	"testing"

	"github.com/crowdfund/levelDB"
	"github.com/crowdfund/meta"
	"github.com/ethereum/go-ethereum/common"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/require"
)

var (
	alice = common.HexToAddress("0x00000000000000000000000000000000000a11ce")
	bob   = common.HexToAddress("0x0000000000000000000000000000000000000b0b")
)

func newState(t *testing.T, initial int64) *State {
	t.Helper()
	db, err := levelDB.OpenMem()
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	return NewState(db, big.NewInt(initial))
}

func TestRegister(t *testing.T) {
	s := newState(t, 100)

	acc, err := s.Register(alice)
	require.NoError(t, err)
	require.Equal(t, alice, acc.Address)
	require.Equal(t, "100", acc.Balance.String())

	_, err = s.Register(alice)
	require.True(t, errors.Is(err, ErrAccountExists))
	require.Equal(t, meta.KindAlreadyExists, meta.KindOf(err))

	ok, err := s.Contains(alice)
	require.NoError(t, err)
	require.True(t, ok)
}

func TestUnknownAccountHasZeroBalance(t *testing.T) {
	s := newState(t, 100)
	bal, err := s.Balance(bob)
	require.NoError(t, err)
	require.Equal(t, 0, bal.Sign())

	ok, err := s.Contains(bob)
	require.NoError(t, err)
	require.False(t, ok)
}

func TestTransfer(t *testing.T) {
	s := newState(t, 100)
	_, err := s.Register(alice)
	require.NoError(t, err)

	require.NoError(t, s.Transfer(alice, bob, big.NewInt(40)))

	a, _ := s.Balance(alice)
	b, _ := s.Balance(bob)
	require.Equal(t, "60", a.String())
	require.Equal(t, "40", b.String())
}

func TestTransferInsufficientBalance(t *testing.T) {
	s := newState(t, 10)
	_, err := s.Register(alice)
	require.NoError(t, err)

	err = s.Transfer(alice, bob, big.NewInt(11))
	require.True(t, errors.Is(err, ErrInsufficientBalance))

	a, _ := s.Balance(alice)
	b, _ := s.Balance(bob)
	require.Equal(t, "10", a.String())
	require.Equal(t, "0", b.String())
}

func TestTransferNonPositiveIsNoop(t *testing.T) {
	s := newState(t, 0)
	require.NoError(t, s.Transfer(alice, bob, big.NewInt(0)))
	require.NoError(t, s.Transfer(alice, bob, nil))
}

func TestCredit(t *testing.T) {
	s := newState(t, 0)
	require.NoError(t, s.Credit(bob, big.NewInt(7)))
	require.NoError(t, s.Credit(bob, big.NewInt(3)))
	b, _ := s.Balance(bob)
	require.Equal(t, "10", b.String())
}
