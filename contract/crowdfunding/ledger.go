// Package crowdfunding implements the campaign ledger: sequentially numbered
// campaigns that collect native currency into an escrow account and pay it
// out to the creator once the target is reached.
//
// State lives in a meta.Store, so the same ledger runs over LevelDB in the
// node and over the world state in chaincode. Money moves through a Bank.
package crowdfunding

import (
	"math"
	"math/big"
	"sync"

	"github.com/cloudflare/cfssl/log"
	"github.com/crowdfund/contract"
	"github.com/crowdfund/meta"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/pkg/errors"
)

const secondsPerDay = 86400

// DefaultEscrow is the account that holds contributed funds until they are withdrawn.
var DefaultEscrow = common.BytesToAddress(crypto.Keccak256([]byte("crowdfund/escrow"))[12:])

// Bank moves native currency between accounts.
type Bank interface {
	Transfer(from, to common.Address, amount *big.Int) error
}

type Ledger struct {
	mu     sync.Mutex // serializes state transitions, never held across Bank calls
	store  meta.Store
	bank   Bank
	events Emitter
	escrow common.Address
}

// New returns a ledger over store. A nil events discards events; a zero
// escrow uses DefaultEscrow.
func New(store meta.Store, bank Bank, events Emitter, escrow common.Address) *Ledger {
	if events == nil {
		events = discard{}
	}
	if escrow == (common.Address{}) {
		escrow = DefaultEscrow
	}
	return &Ledger{store: store, bank: bank, events: events, escrow: escrow}
}

func (l *Ledger) Escrow() common.Address {
	return l.escrow
}

// CreateCampaign registers a campaign owned by the caller and returns its id.
func (l *Ledger) CreateCampaign(call contract.Context, title, description string, targetAmount *big.Int, durationDays int64) (uint64, error) {
	if targetAmount == nil || targetAmount.Sign() <= 0 {
		return 0, ErrInvalidTarget
	}
	if durationDays <= 0 {
		return 0, ErrInvalidDuration
	}
	now := call.Time.Unix()
	if durationDays > (math.MaxInt64-now)/secondsPerDay {
		return 0, ErrDurationTooLong
	}

	c := meta.Campaign{
		Creator:      call.Caller,
		Title:        title,
		Description:  description,
		TargetAmount: new(big.Int).Set(targetAmount),
		Deadline:     now + durationDays*secondsPerDay,
		AmountRaised: new(big.Int),
	}

	var ev meta.Event
	l.mu.Lock()
	err := l.store.Update(func(kv meta.KV) error {
		count, err := readCount(kv)
		if err != nil {
			return err
		}
		c.ID = count
		if err := writeCampaign(kv, c); err != nil {
			return err
		}
		if err := writeCount(kv, count+1); err != nil {
			return err
		}
		ev = newEvent(meta.CampaignCreated, c.ID, c.Creator, nil, call.Time)
		ev.Title = c.Title
		ev, err = l.events.Record(kv, ev)
		return err
	})
	l.mu.Unlock()
	if err != nil {
		return 0, errors.Wrap(err, "create campaign")
	}

	log.Infof("campaign %d created by %s: %q target=%s deadline=%d", c.ID, c.Creator.Hex(), c.Title, c.TargetAmount, c.Deadline)
	l.events.Publish(ev)
	return c.ID, nil
}

// Contribute adds the value attached to call to campaign id. Deadline and
// target are not checked: late contributions and overfunding are accepted.
func (l *Ledger) Contribute(call contract.Context, id uint64) error {
	if err := l.store.View(func(kv meta.KV) error {
		return campaignExists(kv, id)
	}); err != nil {
		return err
	}
	amount := call.Amount()
	if amount.Sign() <= 0 {
		return ErrInvalidContribution
	}

	if err := l.bank.Transfer(call.Caller, l.escrow, amount); err != nil {
		return err
	}

	var ev meta.Event
	l.mu.Lock()
	err := l.store.Update(func(kv meta.KV) error {
		c, err := readCampaign(kv, id)
		if err != nil {
			return err
		}
		prev, err := readContribution(kv, id, call.Caller)
		if err != nil {
			return err
		}
		c.AmountRaised.Add(c.AmountRaised, amount)
		if err := writeCampaign(kv, c); err != nil {
			return err
		}
		if err := writeContribution(kv, id, call.Caller, prev.Add(prev, amount)); err != nil {
			return err
		}
		ev, err = l.events.Record(kv, newEvent(meta.ContributionMade, id, call.Caller, amount, call.Time))
		return err
	})
	l.mu.Unlock()
	if err != nil {
		// bookkeeping failed after the funds moved, hand them back
		if rerr := l.bank.Transfer(l.escrow, call.Caller, amount); rerr != nil {
			log.Criticalf("refund of %s to %s for campaign %d failed: %v", amount, call.Caller.Hex(), id, rerr)
		}
		return errors.Wrapf(err, "contribute to campaign %d", id)
	}

	log.Infof("campaign %d: %s contributed %s", id, call.Caller.Hex(), amount)
	l.events.Publish(ev)
	return nil
}

// WithdrawFunds pays everything raised by campaign id to its creator, once.
//
// The withdrawn flag and the FundsWithdrawn event are committed before the
// payout runs, and the payout runs without the ledger lock. A withdrawal
// re-entering from inside the payout, or racing with it, sees
// withdrawn = true and fails. A failed payout clears the flag and retracts
// the event again; the event is published only after the payout.
func (l *Ledger) WithdrawFunds(call contract.Context, id uint64) error {
	var (
		c  meta.Campaign
		ev meta.Event
	)

	l.mu.Lock()
	err := l.store.Update(func(kv meta.KV) error {
		var err error
		c, err = readCampaign(kv, id)
		if err != nil {
			return err
		}
		if call.Caller != c.Creator {
			return ErrNotCreator
		}
		if !c.GoalReached() {
			return ErrTargetNotReached
		}
		if c.Withdrawn {
			return ErrAlreadyWithdrawn
		}
		c.Withdrawn = true
		if err := writeCampaign(kv, c); err != nil {
			return err
		}
		ev, err = l.events.Record(kv, newEvent(meta.FundsWithdrawn, id, c.Creator, c.AmountRaised, call.Time))
		return err
	})
	l.mu.Unlock()
	if err != nil {
		return err
	}

	amount := new(big.Int).Set(c.AmountRaised)
	if err := l.bank.Transfer(l.escrow, c.Creator, amount); err != nil {
		log.Errorf("campaign %d: payout of %s to %s failed: %v", id, amount, c.Creator.Hex(), err)
		if rerr := l.rollbackWithdrawal(ev); rerr != nil {
			log.Criticalf("campaign %d: clearing withdrawn flag failed: %v", id, rerr)
		}
		return err
	}

	log.Infof("campaign %d: %s withdrew %s", id, c.Creator.Hex(), amount)
	l.events.Publish(ev)
	return nil
}

func (l *Ledger) rollbackWithdrawal(ev meta.Event) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.store.Update(func(kv meta.KV) error {
		c, err := readCampaign(kv, ev.CampaignID)
		if err != nil {
			return err
		}
		c.Withdrawn = false
		if err := writeCampaign(kv, c); err != nil {
			return err
		}
		return l.events.Retract(kv, ev)
	})
}

// GetCampaignDetails returns a copy of campaign id.
func (l *Ledger) GetCampaignDetails(id uint64) (meta.Campaign, error) {
	var c meta.Campaign
	err := l.store.View(func(kv meta.KV) error {
		var err error
		c, err = readCampaign(kv, id)
		return err
	})
	return c, err
}

// GetContributorAmount returns what who has contributed to campaign id in
// total. Unknown campaigns and addresses yield 0.
func (l *Ledger) GetContributorAmount(id uint64, who common.Address) (*big.Int, error) {
	var amount *big.Int
	err := l.store.View(func(kv meta.KV) error {
		var err error
		amount, err = readContribution(kv, id, who)
		return err
	})
	return amount, err
}

// CampaignCount is the number of campaigns ever created.
func (l *Ledger) CampaignCount() (uint64, error) {
	var n uint64
	err := l.store.View(func(kv meta.KV) error {
		var err error
		n, err = readCount(kv)
		return err
	})
	return n, err
}

// ListCampaigns returns campaigns with ids in [offset, offset+limit),
// clipped to the campaign count.
func (l *Ledger) ListCampaigns(offset, limit uint64) ([]meta.Campaign, error) {
	out := []meta.Campaign{}
	err := l.store.View(func(kv meta.KV) error {
		count, err := readCount(kv)
		if err != nil {
			return err
		}
		end := count
		if limit < count-minUint64(offset, count) {
			end = offset + limit
		}
		for id := offset; id < end; id++ {
			c, err := readCampaign(kv, id)
			if err != nil {
				return err
			}
			out = append(out, c)
		}
		return nil
	})
	return out, err
}

func minUint64(a, b uint64) uint64 {
	if a < b {
		return a
	}
	return b
}
