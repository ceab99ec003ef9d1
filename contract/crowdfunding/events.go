package crowdfunding

import (
	"math/big"
	"time"

	"github.com/crowdfund/meta"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
)

// Emitter carries ledger events. Record runs inside the transaction that
// makes the state change, so the event commits or is discarded with it,
// and may assign ev.Seq. Retract undoes a recorded event inside a
// compensating transaction. Publish runs after the commit.
type Emitter interface {
	Record(kv meta.KV, ev meta.Event) (meta.Event, error)
	Retract(kv meta.KV, ev meta.Event) error
	Publish(ev meta.Event)
}

type discard struct{}

func (discard) Record(_ meta.KV, ev meta.Event) (meta.Event, error) { return ev, nil }
func (discard) Retract(meta.KV, meta.Event) error { return nil }
func (discard) Publish(meta.Event) {}

var topics = map[string]common.Hash{
	meta.CampaignCreated:  crypto.Keccak256Hash([]byte(meta.EventSignature(meta.CampaignCreated))),
	meta.ContributionMade: crypto.Keccak256Hash([]byte(meta.EventSignature(meta.ContributionMade))),
	meta.FundsWithdrawn:   crypto.Keccak256Hash([]byte(meta.EventSignature(meta.FundsWithdrawn))),
}

func newEvent(name string, id uint64, who common.Address, amount *big.Int, now time.Time) meta.Event {
	ev := meta.Event{
		Name:       name,
		Topic:      topics[name],
		CampaignID: id,
		Address:    who,
		Timestamp:  now.Unix(),
	}
	if amount != nil {
		ev.Amount = new(big.Int).Set(amount)
	}
	return ev
}
