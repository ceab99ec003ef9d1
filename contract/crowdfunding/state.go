package crowdfunding

import (
	"encoding/json"
	"math/big"
	"strconv"

	commonconst "github.com/crowdfund/common"
	"github.com/crowdfund/meta"
	"github.com/ethereum/go-ethereum/common"
	"github.com/pkg/errors"
)

func campaignKey(id uint64) string {
	return commonconst.CampaignKeyPrefix + strconv.FormatUint(id, 10)
}

func contributionKey(id uint64, who common.Address) string {
	return commonconst.ContributionKeyPrefix + strconv.FormatUint(id, 10) + "/" + who.Hex()
}

func readCount(kv meta.KV) (uint64, error) {
	data, err := kv.GetState(commonconst.CampaignCountKey)
	if err != nil {
		return 0, errors.Wrap(err, "load campaign count")
	}
	if data == nil {
		return 0, nil
	}
	n, err := strconv.ParseUint(string(data), 10, 64)
	return n, errors.Wrap(err, "decode campaign count")
}

func writeCount(kv meta.KV, n uint64) error {
	return kv.PutState(commonconst.CampaignCountKey, []byte(strconv.FormatUint(n, 10)))
}

// readCampaign loads a campaign, ErrCampaignNotFound if the id was never allocated.
func readCampaign(kv meta.KV, id uint64) (meta.Campaign, error) {
	data, err := kv.GetState(campaignKey(id))
	if err != nil {
		return meta.Campaign{}, errors.Wrapf(err, "load campaign %d", id)
	}
	if data == nil {
		return meta.Campaign{}, ErrCampaignNotFound
	}
	var c meta.Campaign
	if err := json.Unmarshal(data, &c); err != nil {
		return meta.Campaign{}, errors.Wrapf(err, "decode campaign %d", id)
	}
	return c.Copy(), nil
}

// campaignExists checks the key only, without decoding the campaign.
func campaignExists(kv meta.KV, id uint64) error {
	data, err := kv.GetState(campaignKey(id))
	if err != nil {
		return errors.Wrapf(err, "load campaign %d", id)
	}
	if data == nil {
		return ErrCampaignNotFound
	}
	return nil
}

func writeCampaign(kv meta.KV, c meta.Campaign) error {
	data, err := json.Marshal(c)
	if err != nil {
		return errors.Wrap(err, "encode campaign")
	}
	return kv.PutState(campaignKey(c.ID), data)
}

func readContribution(kv meta.KV, id uint64, who common.Address) (*big.Int, error) {
	data, err := kv.GetState(contributionKey(id, who))
	if err != nil {
		return nil, errors.Wrap(err, "load contribution")
	}
	amount := new(big.Int)
	if data == nil {
		return amount, nil
	}
	if _, ok := amount.SetString(string(data), 10); !ok {
		return nil, errors.Errorf("decode contribution %q", data)
	}
	return amount, nil
}

func writeContribution(kv meta.KV, id uint64, who common.Address, amount *big.Int) error {
	return kv.PutState(contributionKey(id, who), []byte(amount.String()))
}
