package crowdfunding

import (
	"math/big"
	"sync"
	"testing"
	"time"

	"github.com/crowdfund/account"
	"github.com/crowdfund/contract"
	"github.com/crowdfund/event"
	"github.com/crowdfund/levelDB"
	"github.com/crowdfund/meta"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/params"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/require"
)

var (
	creator      = common.HexToAddress("0x1000000000000000000000000000000000000001")
	contributor1 = common.HexToAddress("0x2000000000000000000000000000000000000002")
	contributor2 = common.HexToAddress("0x3000000000000000000000000000000000000003")

	now = time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)
)

// ether converts an amount with at most one decimal place to wei.
func ether(f float64) *big.Int {
	tenths := big.NewInt(int64(f*10 + 0.5))
	v := new(big.Int).Mul(tenths, big.NewInt(params.Ether))
	return v.Div(v, big.NewInt(10))
}

// recorder keeps published events. A non-nil failRecord makes Record
// fail, as a full disk would.
type recorder struct {
	mu         sync.Mutex
	events     []meta.Event
	failRecord error
}

func (r *recorder) Record(_ meta.KV, ev meta.Event) (meta.Event, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return ev, r.failRecord
}

func (r *recorder) Retract(meta.KV, meta.Event) error {
	return nil
}

func (r *recorder) Publish(ev meta.Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, ev)
}

func (r *recorder) last() meta.Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.events[len(r.events)-1]
}

func (r *recorder) len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.events)
}

type fixture struct {
	db     *levelDB.DB
	bank   *account.State
	events *recorder
	ledger *Ledger
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	db, err := levelDB.OpenMem()
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })

	bank := account.NewState(db, ether(100))
	for _, a := range []common.Address{creator, contributor1, contributor2} {
		_, err := bank.Register(a)
		require.NoError(t, err)
	}
	events := &recorder{}
	return &fixture{db: db, bank: bank, events: events, ledger: New(db, bank, events, common.Address{})}
}

func call(from common.Address) contract.Context {
	return contract.NewContext(from, nil, now)
}

func pay(from common.Address, value *big.Int) contract.Context {
	return contract.NewContext(from, value, now)
}

func (f *fixture) create(t *testing.T) uint64 {
	t.Helper()
	id, err := f.ledger.CreateCampaign(call(creator), "Web3 Learning Fund", "Help students learn Web3", ether(5), 30)
	require.NoError(t, err)
	return id
}

func (f *fixture) balance(t *testing.T, a common.Address) *big.Int {
	t.Helper()
	b, err := f.bank.Balance(a)
	require.NoError(t, err)
	return b
}

func TestCreateCampaign(t *testing.T) {
	f := newFixture(t)

	id := f.create(t)
	require.Equal(t, uint64(0), id)

	count, err := f.ledger.CampaignCount()
	require.NoError(t, err)
	require.Equal(t, uint64(1), count)

	ev := f.events.last()
	require.Equal(t, meta.CampaignCreated, ev.Name)
	require.Equal(t, crypto.Keccak256Hash([]byte("CampaignCreated(uint256,address,string)")), ev.Topic)
	require.Equal(t, uint64(0), ev.CampaignID)
	require.Equal(t, creator, ev.Address)
	require.Equal(t, "Web3 Learning Fund", ev.Title)

	c, err := f.ledger.GetCampaignDetails(id)
	require.NoError(t, err)
	require.Equal(t, creator, c.Creator)
	require.Equal(t, "Web3 Learning Fund", c.Title)
	require.Equal(t, "Help students learn Web3", c.Description)
	require.Equal(t, ether(5).String(), c.TargetAmount.String())
	require.Equal(t, now.Unix()+30*86400, c.Deadline)
	require.Equal(t, "0", c.AmountRaised.String())
	require.False(t, c.Withdrawn)
}

func TestCreateCampaignIdsAreSequential(t *testing.T) {
	f := newFixture(t)
	for want := uint64(0); want < 3; want++ {
		require.Equal(t, want, f.create(t))
	}
	count, err := f.ledger.CampaignCount()
	require.NoError(t, err)
	require.Equal(t, uint64(3), count)
}

func TestCreateCampaignRejectsInvalidArguments(t *testing.T) {
	f := newFixture(t)

	cases := []struct {
		name   string
		target *big.Int
		days   int64
		want   error
	}{
		{"zero target", big.NewInt(0), 30, ErrInvalidTarget},
		{"negative target", big.NewInt(-1), 30, ErrInvalidTarget},
		{"nil target", nil, 30, ErrInvalidTarget},
		{"zero duration", ether(5), 0, ErrInvalidDuration},
		{"negative duration", ether(5), -3, ErrInvalidDuration},
		{"overflowing duration", ether(5), 1 << 62, ErrDurationTooLong},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := f.ledger.CreateCampaign(call(creator), "Test", "Test", tc.target, tc.days)
			require.Equal(t, tc.want, err)
			require.Equal(t, meta.KindInvalidArgument, meta.KindOf(err))

			count, err := f.ledger.CampaignCount()
			require.NoError(t, err)
			require.Equal(t, uint64(0), count)
		})
	}
	require.Equal(t, 0, f.events.len())
}

func TestContribute(t *testing.T) {
	f := newFixture(t)
	id := f.create(t)

	require.NoError(t, f.ledger.Contribute(pay(contributor1, ether(2)), id))

	ev := f.events.last()
	require.Equal(t, meta.ContributionMade, ev.Name)
	require.Equal(t, id, ev.CampaignID)
	require.Equal(t, contributor1, ev.Address)
	require.Equal(t, ether(2).String(), ev.Amount.String())

	amount, err := f.ledger.GetContributorAmount(id, contributor1)
	require.NoError(t, err)
	require.Equal(t, ether(2).String(), amount.String())

	require.Equal(t, ether(98).String(), f.balance(t, contributor1).String())
	require.Equal(t, ether(2).String(), f.balance(t, f.ledger.Escrow()).String())
}

func TestContributeAccumulates(t *testing.T) {
	f := newFixture(t)
	id := f.create(t)

	require.NoError(t, f.ledger.Contribute(pay(contributor1, ether(1)), id))
	require.NoError(t, f.ledger.Contribute(pay(contributor1, ether(1.5)), id))
	require.NoError(t, f.ledger.Contribute(pay(contributor2, ether(0.5)), id))

	a1, err := f.ledger.GetContributorAmount(id, contributor1)
	require.NoError(t, err)
	require.Equal(t, ether(2.5).String(), a1.String())

	c, err := f.ledger.GetCampaignDetails(id)
	require.NoError(t, err)
	require.Equal(t, ether(3).String(), c.AmountRaised.String())
}

func TestContributeRejectsZero(t *testing.T) {
	f := newFixture(t)
	id := f.create(t)

	err := f.ledger.Contribute(pay(contributor1, big.NewInt(0)), id)
	require.Equal(t, ErrInvalidContribution, err)
	require.Equal(t, "Contribution must be greater than 0", err.Error())

	err = f.ledger.Contribute(call(contributor1), id)
	require.Equal(t, ErrInvalidContribution, err)

	c, _ := f.ledger.GetCampaignDetails(id)
	require.Equal(t, "0", c.AmountRaised.String())
	require.Equal(t, ether(100).String(), f.balance(t, contributor1).String())
}

func TestContributeRejectsUnknownCampaign(t *testing.T) {
	f := newFixture(t)
	f.create(t)

	err := f.ledger.Contribute(pay(contributor1, ether(1)), 999)
	require.Equal(t, ErrCampaignNotFound, err)
	require.Equal(t, meta.KindNotFound, meta.KindOf(err))
	require.Equal(t, ether(100).String(), f.balance(t, contributor1).String())
}

func TestCampaignExistsReadsKeyOnly(t *testing.T) {
	f := newFixture(t)
	id := f.create(t)
	require.NoError(t, f.db.Update(func(kv meta.KV) error {
		return kv.PutState(campaignKey(id+1), []byte("not json"))
	}))

	require.NoError(t, f.db.View(func(kv meta.KV) error {
		require.NoError(t, campaignExists(kv, id))
		require.NoError(t, campaignExists(kv, id+1))
		require.Equal(t, ErrCampaignNotFound, campaignExists(kv, id+2))
		return nil
	}))
}

func TestContributeWithoutFunds(t *testing.T) {
	f := newFixture(t)
	id := f.create(t)
	broke := common.HexToAddress("0x4000000000000000000000000000000000000004")

	err := f.ledger.Contribute(pay(broke, ether(1)), id)
	require.True(t, errors.Is(err, account.ErrInsufficientBalance))
	require.Equal(t, meta.KindPreconditionFailed, meta.KindOf(err))

	c, _ := f.ledger.GetCampaignDetails(id)
	require.Equal(t, "0", c.AmountRaised.String())
	require.Equal(t, 1, f.events.len())
}

func TestContributeAfterDeadlineAndTarget(t *testing.T) {
	f := newFixture(t)
	id := f.create(t)

	late := contract.NewContext(contributor1, ether(6), now.Add(60*24*time.Hour))
	require.NoError(t, f.ledger.Contribute(late, id))
	require.NoError(t, f.ledger.Contribute(pay(contributor2, ether(1)), id))

	c, _ := f.ledger.GetCampaignDetails(id)
	require.Equal(t, ether(7).String(), c.AmountRaised.String())
}

func TestWithdrawAfterGoalReached(t *testing.T) {
	f := newFixture(t)
	id := f.create(t)

	require.NoError(t, f.ledger.Contribute(pay(contributor1, ether(3)), id))
	require.NoError(t, f.ledger.Contribute(pay(contributor2, ether(2.5)), id))

	c, _ := f.ledger.GetCampaignDetails(id)
	require.Equal(t, ether(5.5).String(), c.AmountRaised.String())

	require.NoError(t, f.ledger.WithdrawFunds(call(creator), id))

	ev := f.events.last()
	require.Equal(t, meta.FundsWithdrawn, ev.Name)
	require.Equal(t, id, ev.CampaignID)
	require.Equal(t, creator, ev.Address)
	require.Equal(t, ether(5.5).String(), ev.Amount.String())

	c, _ = f.ledger.GetCampaignDetails(id)
	require.True(t, c.Withdrawn)
	require.Equal(t, ether(105.5).String(), f.balance(t, creator).String())
	require.Equal(t, "0", f.balance(t, f.ledger.Escrow()).String())

	err := f.ledger.WithdrawFunds(call(creator), id)
	require.Equal(t, ErrAlreadyWithdrawn, err)
	require.Equal(t, ether(105.5).String(), f.balance(t, creator).String())
}

func TestWithdrawByNonCreator(t *testing.T) {
	f := newFixture(t)
	id := f.create(t)
	require.NoError(t, f.ledger.Contribute(pay(contributor1, ether(5)), id))

	err := f.ledger.WithdrawFunds(call(contributor1), id)
	require.Equal(t, ErrNotCreator, err)
	require.Equal(t, meta.KindUnauthorized, meta.KindOf(err))

	c, _ := f.ledger.GetCampaignDetails(id)
	require.False(t, c.Withdrawn)
}

func TestWithdrawBeforeGoal(t *testing.T) {
	f := newFixture(t)
	id := f.create(t)
	require.NoError(t, f.ledger.Contribute(pay(contributor1, ether(2)), id))

	err := f.ledger.WithdrawFunds(call(creator), id)
	require.Equal(t, ErrTargetNotReached, err)
	require.Equal(t, "Target amount not reached", err.Error())
}

func TestWithdrawUnknownCampaign(t *testing.T) {
	f := newFixture(t)
	err := f.ledger.WithdrawFunds(call(creator), 3)
	require.Equal(t, ErrCampaignNotFound, err)
}

func TestGetCampaignDetailsUnknown(t *testing.T) {
	f := newFixture(t)
	_, err := f.ledger.GetCampaignDetails(999)
	require.Equal(t, ErrCampaignNotFound, err)
	require.Equal(t, "Campaign does not exist", err.Error())
}

func TestGetContributorAmountDefaultsToZero(t *testing.T) {
	f := newFixture(t)
	id := f.create(t)

	amount, err := f.ledger.GetContributorAmount(id, contributor2)
	require.NoError(t, err)
	require.Equal(t, 0, amount.Sign())

	amount, err = f.ledger.GetContributorAmount(42, contributor2)
	require.NoError(t, err)
	require.Equal(t, 0, amount.Sign())
}

func TestDetailsAreCopies(t *testing.T) {
	f := newFixture(t)
	id := f.create(t)

	c, _ := f.ledger.GetCampaignDetails(id)
	c.AmountRaised.SetInt64(1000)
	c.TargetAmount.SetInt64(1)

	again, _ := f.ledger.GetCampaignDetails(id)
	require.Equal(t, "0", again.AmountRaised.String())
	require.Equal(t, ether(5).String(), again.TargetAmount.String())
}

func TestListCampaigns(t *testing.T) {
	f := newFixture(t)
	for i := 0; i < 5; i++ {
		f.create(t)
	}

	all, err := f.ledger.ListCampaigns(0, 100)
	require.NoError(t, err)
	require.Len(t, all, 5)
	for i, c := range all {
		require.Equal(t, uint64(i), c.ID)
	}

	page, err := f.ledger.ListCampaigns(3, 10)
	require.NoError(t, err)
	require.Len(t, page, 2)
	require.Equal(t, uint64(3), page[0].ID)

	page, err = f.ledger.ListCampaigns(1, 2)
	require.NoError(t, err)
	require.Len(t, page, 2)
	require.Equal(t, uint64(2), page[1].ID)

	page, err = f.ledger.ListCampaigns(9, 10)
	require.NoError(t, err)
	require.Empty(t, page)
}

func TestLedgerReopensFromStore(t *testing.T) {
	f := newFixture(t)
	id := f.create(t)
	require.NoError(t, f.ledger.Contribute(pay(contributor1, ether(1)), id))

	reopened := New(f.db, f.bank, nil, f.ledger.Escrow())
	count, err := reopened.CampaignCount()
	require.NoError(t, err)
	require.Equal(t, uint64(1), count)

	amount, err := reopened.GetContributorAmount(id, contributor1)
	require.NoError(t, err)
	require.Equal(t, ether(1).String(), amount.String())
	require.Equal(t, uint64(1), mustCreate(t, reopened))
}

func mustCreate(t *testing.T, l *Ledger) uint64 {
	t.Helper()
	id, err := l.CreateCampaign(call(creator), "again", "", big.NewInt(1), 1)
	require.NoError(t, err)
	return id
}

// reentrantBank calls back into the ledger while paying out, the way a
// malicious receiver would.
type reentrantBank struct {
	*account.State
	ledger  *Ledger
	id      uint64
	fired   bool
	reentry error
}

func (b *reentrantBank) Transfer(from, to common.Address, amount *big.Int) error {
	if from == b.ledger.Escrow() && !b.fired {
		b.fired = true
		b.reentry = b.ledger.WithdrawFunds(call(creator), b.id)
	}
	return b.State.Transfer(from, to, amount)
}

func TestWithdrawReentrancyPaysOnce(t *testing.T) {
	f := newFixture(t)
	bank := &reentrantBank{State: f.bank}
	ledger := New(f.db, bank, f.events, common.Address{})
	bank.ledger = ledger

	id, err := ledger.CreateCampaign(call(creator), "t", "d", ether(5), 30)
	require.NoError(t, err)
	bank.id = id
	require.NoError(t, ledger.Contribute(pay(contributor1, ether(5)), id))

	require.NoError(t, ledger.WithdrawFunds(call(creator), id))
	require.True(t, bank.fired)
	require.Equal(t, ErrAlreadyWithdrawn, bank.reentry)
	require.Equal(t, ether(105).String(), f.balance(t, creator).String())
}

type failingBank struct {
	*account.State
	escrow common.Address
	fail   bool
}

func (b *failingBank) Transfer(from, to common.Address, amount *big.Int) error {
	if b.fail && from == b.escrow {
		return errors.New("payout rail down")
	}
	return b.State.Transfer(from, to, amount)
}

func TestWithdrawRollsBackOnPayoutFailure(t *testing.T) {
	f := newFixture(t)
	bank := &failingBank{State: f.bank, escrow: DefaultEscrow}
	ledger := New(f.db, bank, f.events, DefaultEscrow)

	id, err := ledger.CreateCampaign(call(creator), "t", "d", ether(1), 1)
	require.NoError(t, err)
	require.NoError(t, ledger.Contribute(pay(contributor1, ether(1)), id))

	bank.fail = true
	before := f.events.len()
	require.Error(t, ledger.WithdrawFunds(call(creator), id))
	require.Equal(t, before, f.events.len())

	c, _ := ledger.GetCampaignDetails(id)
	require.False(t, c.Withdrawn)
	require.Equal(t, ether(100).String(), f.balance(t, creator).String())

	bank.fail = false
	require.NoError(t, ledger.WithdrawFunds(call(creator), id))
	require.Equal(t, ether(101).String(), f.balance(t, creator).String())
}

func TestConcurrentWithdrawalsPayOnce(t *testing.T) {
	f := newFixture(t)
	id := f.create(t)
	require.NoError(t, f.ledger.Contribute(pay(contributor1, ether(5)), id))

	var (
		wg        sync.WaitGroup
		mu        sync.Mutex
		successes int
	)
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if f.ledger.WithdrawFunds(call(creator), id) == nil {
				mu.Lock()
				successes++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	require.Equal(t, 1, successes)
	require.Equal(t, ether(105).String(), f.balance(t, creator).String())
}

func TestScenarioGoalNotReached(t *testing.T) {
	f := newFixture(t)
	id := f.create(t)
	require.NoError(t, f.ledger.Contribute(pay(contributor1, ether(2)), id))
	require.Equal(t, ErrTargetNotReached, f.ledger.WithdrawFunds(call(creator), id))

	c, _ := f.ledger.GetCampaignDetails(id)
	require.False(t, c.Withdrawn)
	require.Equal(t, ether(2).String(), c.AmountRaised.String())
}

func TestCreateCampaignFailsWhenEventCannotBeRecorded(t *testing.T) {
	f := newFixture(t)
	f.events.failRecord = errors.New("disk full")

	_, err := f.ledger.CreateCampaign(call(creator), "t", "d", ether(1), 1)
	require.Error(t, err)

	count, err := f.ledger.CampaignCount()
	require.NoError(t, err)
	require.Equal(t, uint64(0), count)
	_, err = f.ledger.GetCampaignDetails(0)
	require.Equal(t, ErrCampaignNotFound, err)
	require.Equal(t, 0, f.events.len())
}

func TestContributeRollsBackWhenEventCannotBeRecorded(t *testing.T) {
	f := newFixture(t)
	id := f.create(t)
	f.events.failRecord = errors.New("disk full")

	require.Error(t, f.ledger.Contribute(pay(contributor1, ether(2)), id))

	c, err := f.ledger.GetCampaignDetails(id)
	require.NoError(t, err)
	require.Equal(t, "0", c.AmountRaised.String())
	amount, err := f.ledger.GetContributorAmount(id, contributor1)
	require.NoError(t, err)
	require.Equal(t, "0", amount.String())
	require.Equal(t, ether(100).String(), f.balance(t, contributor1).String())
	require.Equal(t, "0", f.balance(t, f.ledger.Escrow()).String())
}

func TestWithdrawFailsWhenEventCannotBeRecorded(t *testing.T) {
	f := newFixture(t)
	id := f.create(t)
	require.NoError(t, f.ledger.Contribute(pay(contributor1, ether(5)), id))
	f.events.failRecord = errors.New("disk full")

	require.Error(t, f.ledger.WithdrawFunds(call(creator), id))
	c, _ := f.ledger.GetCampaignDetails(id)
	require.False(t, c.Withdrawn)
	require.Equal(t, ether(100).String(), f.balance(t, creator).String())
}

func TestEventLogCommitsWithState(t *testing.T) {
	f := newFixture(t)
	evlog := event.NewLog(f.db)
	bus := event.NewBus(evlog)
	bank := &failingBank{State: f.bank, escrow: DefaultEscrow}
	ledger := New(f.db, bank, bus, DefaultEscrow)

	id, err := ledger.CreateCampaign(call(creator), "t", "d", ether(1), 1)
	require.NoError(t, err)
	require.NoError(t, ledger.Contribute(pay(contributor1, ether(1)), id))

	bank.fail = true
	require.Error(t, ledger.WithdrawFunds(call(creator), id))
	evs, err := evlog.Since(0, 0)
	require.NoError(t, err)
	require.Len(t, evs, 2)
	require.Equal(t, meta.CampaignCreated, evs[0].Name)
	require.Equal(t, meta.ContributionMade, evs[1].Name)

	bank.fail = false
	require.NoError(t, ledger.WithdrawFunds(call(creator), id))
	evs, err = evlog.Since(0, 0)
	require.NoError(t, err)
	require.Len(t, evs, 3)
	require.Equal(t, meta.FundsWithdrawn, evs[2].Name)
	require.Equal(t, ether(1).String(), evs[2].Amount.String())
	// the retracted attempt used seq 3
	require.Equal(t, uint64(4), evs[2].Seq)

	seq, err := evlog.LastSeq()
	require.NoError(t, err)
	require.Equal(t, uint64(4), seq)
}
