package meta

import (
	"math/big"

	"github.com/ethereum/go-ethereum/common"
)

// Ledger event names. Topic is keccak256 of the matching signature so
// listeners used to contract logs can filter the same way.
const (
	CampaignCreated  = "CampaignCreated"
	ContributionMade = "ContributionMade"
	FundsWithdrawn   = "FundsWithdrawn"
)

var eventSignatures = map[string]string{
	CampaignCreated:  "CampaignCreated(uint256,address,string)",
	ContributionMade: "ContributionMade(uint256,address,uint256)",
	FundsWithdrawn:   "FundsWithdrawn(uint256,address,uint256)",
}

// EventSignature returns the log signature of a ledger event name.
func EventSignature(name string) string {
	return eventSignatures[name]
}

type Event struct {
	Seq        uint64         `json:"seq"` // assigned by the event log
	Name       string         `json:"name"`
	Topic      common.Hash    `json:"topic"`
	CampaignID uint64         `json:"campaign_id"`
	Address    common.Address `json:"address"` // creator or contributor
	Title      string         `json:"title,omitempty"`
	Amount     *big.Int       `json:"amount,omitempty"`
	Timestamp  int64          `json:"timestamp"`
}
