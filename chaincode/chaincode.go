// Package chaincode runs the campaign ledger as Hyperledger Fabric chaincode.
// World state replaces LevelDB, the transaction creator is the caller and
// ledger events become chaincode events.
package chaincode

import (
	"encoding/json"
	"math/big"
	"strconv"
	"strings"
	"time"

	"github.com/cloudflare/cfssl/log"
	"github.com/crowdfund/account"
	commonconst "github.com/crowdfund/common"
	"github.com/crowdfund/contract"
	"github.com/crowdfund/contract/crowdfunding"
	"github.com/crowdfund/meta"
	"github.com/crowdfund/util"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/golang/protobuf/proto"
	"github.com/hyperledger/fabric-chaincode-go/shim"
	"github.com/hyperledger/fabric-protos-go/msp"
	pb "github.com/hyperledger/fabric-protos-go/peer"
	"github.com/pkg/errors"
)

var errArgs = meta.NewError(meta.KindInvalidArgument, "Incorrect number of arguments")

// Crowdfunding is the chaincode entry point.
type Crowdfunding struct{}

// Init optionally takes the balance credited to newly registered accounts,
// e.g. "100 ether", followed by genesis allocations "0xaddr=amount".
func (cc *Crowdfunding) Init(stub shim.ChaincodeStubInterface) pb.Response {
	_, args := stub.GetFunctionAndParameters()
	if len(args) == 0 {
		return shim.Success(nil)
	}
	v, err := util.ParseAmount(args[0])
	if err != nil || v.Sign() < 0 {
		return shim.Error("Invalid initial balance")
	}
	if err := stub.PutState(commonconst.InitialBalanceKey, []byte(v.String())); err != nil {
		return shim.Error(err.Error())
	}

	bank := account.NewState(newStubStore(stub), v)
	for _, alloc := range args[1:] {
		who, amount, err := parseAllocation(alloc)
		if err != nil {
			return shim.Error(reason(err))
		}
		if err := bank.Credit(who, amount); err != nil {
			return shim.Error(err.Error())
		}
		log.Infof("genesis: %s credited %s wei", who.Hex(), amount)
	}
	return shim.Success(nil)
}

var errAllocation = meta.NewError(meta.KindInvalidArgument, "Invalid genesis allocation")

// parseAllocation reads "0xaddr=amount".
func parseAllocation(s string) (common.Address, *big.Int, error) {
	addr, amount, ok := strings.Cut(s, "=")
	if !ok || !common.IsHexAddress(addr) {
		return common.Address{}, nil, errAllocation
	}
	v, err := util.ParseAmount(amount)
	if err != nil || v.Sign() <= 0 {
		return common.Address{}, nil, errAllocation
	}
	return common.HexToAddress(addr), v, nil
}

func (cc *Crowdfunding) Invoke(stub shim.ChaincodeStubInterface) pb.Response {
	fn, args := stub.GetFunctionAndParameters()
	inv, err := newInvocation(stub)
	if err != nil {
		log.Errorf("chaincode %s: %v", fn, err)
		return shim.Error(err.Error())
	}

	var payload []byte
	switch fn {
	case "createCampaign":
		payload, err = inv.createCampaign(args)
	case "contribute":
		payload, err = inv.contribute(args)
	case "withdrawFunds":
		payload, err = inv.withdrawFunds(args)
	case "getCampaignDetails":
		payload, err = inv.getCampaignDetails(args)
	case "getContributorAmount":
		payload, err = inv.getContributorAmount(args)
	case "campaignCount":
		payload, err = inv.campaignCount()
	case "listCampaigns":
		payload, err = inv.listCampaigns(args)
	case "register":
		payload, err = inv.register()
	case "balanceOf":
		payload, err = inv.balanceOf(args)
	default:
		return shim.Error("Unknown function " + fn)
	}
	if err != nil {
		return shim.Error(reason(err))
	}
	return shim.Success(payload)
}

// invocation holds what one transaction needs: its caller, its time and
// a ledger over its world state.
type invocation struct {
	caller common.Address
	now    time.Time
	bank   *account.State
	ledger *crowdfunding.Ledger
}

func newInvocation(stub shim.ChaincodeStubInterface) (*invocation, error) {
	caller, err := callerAddress(stub)
	if err != nil {
		return nil, err
	}
	now := time.Unix(0, 0)
	ts, err := stub.GetTxTimestamp()
	if err != nil {
		return nil, errors.Wrap(err, "tx timestamp")
	}
	if ts != nil {
		now = ts.AsTime()
	}

	store := newStubStore(stub)
	initial, err := initialBalance(store)
	if err != nil {
		return nil, err
	}
	bank := account.NewState(store, initial)
	return &invocation{
		caller: caller,
		now:    now,
		bank:   bank,
		ledger: crowdfunding.New(store, bank, stubEmitter{stub: stub}, common.Address{}),
	}, nil
}

// callerAddress derives an address from the creator identity:
// keccak256(mspid || id bytes), last 20 bytes.
func callerAddress(stub shim.ChaincodeStubInterface) (common.Address, error) {
	creator, err := stub.GetCreator()
	if err != nil {
		return common.Address{}, errors.Wrap(err, "get creator")
	}
	id := &msp.SerializedIdentity{}
	if err := proto.Unmarshal(creator, id); err != nil {
		return common.Address{}, errors.Wrap(err, "decode creator")
	}
	return common.BytesToAddress(crypto.Keccak256([]byte(id.Mspid), id.IdBytes)[12:]), nil
}

func initialBalance(kv meta.KV) (*big.Int, error) {
	raw, err := kv.GetState(commonconst.InitialBalanceKey)
	if err != nil {
		return nil, err
	}
	if raw == nil {
		return new(big.Int), nil
	}
	v, ok := new(big.Int).SetString(string(raw), 10)
	if !ok {
		return nil, errors.Errorf("corrupt initial balance %q", raw)
	}
	return v, nil
}

func (inv *invocation) call(value *big.Int) contract.Context {
	return contract.NewContext(inv.caller, value, inv.now)
}

// createCampaign(title, description, targetAmount, durationDays)
func (inv *invocation) createCampaign(args []string) ([]byte, error) {
	if len(args) != 4 {
		return nil, errArgs
	}
	target, err := parseAmount(args[2])
	if err != nil {
		return nil, err
	}
	days, err := strconv.ParseInt(args[3], 10, 64)
	if err != nil {
		return nil, meta.NewError(meta.KindInvalidArgument, "Invalid duration")
	}
	id, err := inv.ledger.CreateCampaign(inv.call(nil), args[0], args[1], target, days)
	if err != nil {
		return nil, err
	}
	return []byte(strconv.FormatUint(id, 10)), nil
}

// contribute(id, amount)
func (inv *invocation) contribute(args []string) ([]byte, error) {
	if len(args) != 2 {
		return nil, errArgs
	}
	id, err := parseID(args[0])
	if err != nil {
		return nil, err
	}
	amount, err := parseAmount(args[1])
	if err != nil {
		return nil, err
	}
	return nil, inv.ledger.Contribute(inv.call(amount), id)
}

// withdrawFunds(id)
func (inv *invocation) withdrawFunds(args []string) ([]byte, error) {
	if len(args) != 1 {
		return nil, errArgs
	}
	id, err := parseID(args[0])
	if err != nil {
		return nil, err
	}
	return nil, inv.ledger.WithdrawFunds(inv.call(nil), id)
}

// getCampaignDetails(id)
func (inv *invocation) getCampaignDetails(args []string) ([]byte, error) {
	if len(args) != 1 {
		return nil, errArgs
	}
	id, err := parseID(args[0])
	if err != nil {
		return nil, err
	}
	c, err := inv.ledger.GetCampaignDetails(id)
	if err != nil {
		return nil, err
	}
	return json.Marshal(c)
}

// getContributorAmount(id, address)
func (inv *invocation) getContributorAmount(args []string) ([]byte, error) {
	if len(args) != 2 {
		return nil, errArgs
	}
	id, err := parseID(args[0])
	if err != nil {
		return nil, err
	}
	who, err := parseAddress(args[1])
	if err != nil {
		return nil, err
	}
	amount, err := inv.ledger.GetContributorAmount(id, who)
	if err != nil {
		return nil, err
	}
	return []byte(amount.String()), nil
}

func (inv *invocation) campaignCount() ([]byte, error) {
	n, err := inv.ledger.CampaignCount()
	if err != nil {
		return nil, err
	}
	return []byte(strconv.FormatUint(n, 10)), nil
}

// listCampaigns(offset, limit)
func (inv *invocation) listCampaigns(args []string) ([]byte, error) {
	if len(args) != 2 {
		return nil, errArgs
	}
	offset, err := strconv.ParseUint(args[0], 10, 64)
	if err != nil {
		return nil, meta.NewError(meta.KindInvalidArgument, "Invalid offset")
	}
	limit, err := strconv.ParseUint(args[1], 10, 64)
	if err != nil {
		return nil, meta.NewError(meta.KindInvalidArgument, "Invalid limit")
	}
	cs, err := inv.ledger.ListCampaigns(offset, limit)
	if err != nil {
		return nil, err
	}
	return json.Marshal(cs)
}

// register() opens an account for the caller.
func (inv *invocation) register() ([]byte, error) {
	acc, err := inv.bank.Register(inv.caller)
	if err != nil {
		return nil, err
	}
	return json.Marshal(acc)
}

// balanceOf(address)
func (inv *invocation) balanceOf(args []string) ([]byte, error) {
	if len(args) != 1 {
		return nil, errArgs
	}
	who, err := parseAddress(args[0])
	if err != nil {
		return nil, err
	}
	bal, err := inv.bank.Balance(who)
	if err != nil {
		return nil, err
	}
	return []byte(bal.String()), nil
}

func parseID(s string) (uint64, error) {
	id, err := strconv.ParseUint(s, 10, 64)
	if err != nil {
		return 0, meta.NewError(meta.KindInvalidArgument, "Invalid campaign id")
	}
	return id, nil
}

func parseAmount(s string) (*big.Int, error) {
	v, err := util.ParseAmount(s)
	if err != nil {
		return nil, meta.NewError(meta.KindInvalidArgument, "Invalid amount: "+err.Error())
	}
	return v, nil
}

func parseAddress(s string) (common.Address, error) {
	if !common.IsHexAddress(s) {
		return common.Address{}, meta.NewError(meta.KindInvalidArgument, "Invalid address")
	}
	return common.HexToAddress(s), nil
}

// reason is the message returned to the client: the rejection reason for
// ledger errors, the full error otherwise.
func reason(err error) string {
	var me *meta.Error
	if errors.As(err, &me) {
		return me.Reason
	}
	return err.Error()
}

// stubEmitter publishes ledger events as chaincode events. The world state
// commits with the transaction, so nothing is recorded separately.
type stubEmitter struct {
	stub shim.ChaincodeStubInterface
}

func (e stubEmitter) Record(_ meta.KV, ev meta.Event) (meta.Event, error) {
	return ev, nil
}

func (e stubEmitter) Retract(meta.KV, meta.Event) error {
	return nil
}

func (e stubEmitter) Publish(ev meta.Event) {
	data, err := json.Marshal(ev)
	if err != nil {
		log.Errorf("encode event %s: %v", ev.Name, err)
		return
	}
	if err := e.stub.SetEvent(ev.Name, data); err != nil {
		log.Errorf("set event %s: %v", ev.Name, err)
	}
}
