package client

import (
	"encoding/json"
	"math/big"
	"net/http"
	"strconv"
	"strings"

	"github.com/cloudflare/cfssl/log"
	"github.com/crowdfund/contract"
	"github.com/crowdfund/meta"
	"github.com/crowdfund/util"
	"github.com/ethereum/go-ethereum/common"
	"github.com/gin-gonic/gin"
	"github.com/pkg/errors"
)

const (
	defaultPageSize  = 20
	maxPageSize      = 100
	defaultEventPage = 100
	maxEventPage     = 1000
)

var (
	errBadBody    = meta.NewError(meta.KindInvalidArgument, "Malformed request body")
	errBadID      = meta.NewError(meta.KindInvalidArgument, "Invalid campaign id")
	errBadAddress = meta.NewError(meta.KindInvalidArgument, "Invalid address")
	errBadQuery   = meta.NewError(meta.KindInvalidArgument, "Invalid query parameter")
)

// amountParam accepts a JSON number (wei) or a string such as "2.5 ether".
type amountParam string

func (a *amountParam) UnmarshalJSON(b []byte) error {
	if string(b) == "null" {
		return nil
	}
	if len(b) > 0 && b[0] == '"' {
		var s string
		if err := json.Unmarshal(b, &s); err != nil {
			return err
		}
		*a = amountParam(s)
		return nil
	}
	*a = amountParam(b)
	return nil
}

// wei parses the amount; a missing amount is zero.
func (a amountParam) wei() (*big.Int, error) {
	if strings.TrimSpace(string(a)) == "" {
		return new(big.Int), nil
	}
	v, err := util.ParseAmount(string(a))
	if err != nil {
		return nil, meta.NewError(meta.KindInvalidArgument, "Invalid amount: "+err.Error())
	}
	return v, nil
}

type createCampaignRequest struct {
	Title        string      `json:"title"`
	Description  string      `json:"description"`
	TargetAmount amountParam `json:"target_amount"`
	DurationDays int64       `json:"duration_days"`
}

type contributeRequest struct {
	Amount amountParam `json:"amount"`
}

type campaignView struct {
	ID                uint64         `json:"id"`
	Creator           common.Address `json:"creator"`
	Title             string         `json:"title"`
	Description       string         `json:"description"`
	TargetAmount      string         `json:"target_amount"`
	TargetAmountEther string         `json:"target_amount_ether"`
	Deadline          int64          `json:"deadline"`
	AmountRaised      string         `json:"amount_raised"`
	AmountRaisedEther string         `json:"amount_raised_ether"`
	Withdrawn         bool           `json:"withdrawn"`
	GoalReached       bool           `json:"goal_reached"`
}

func newCampaignView(c meta.Campaign) campaignView {
	return campaignView{
		ID:                c.ID,
		Creator:           c.Creator,
		Title:             c.Title,
		Description:       c.Description,
		TargetAmount:      c.TargetAmount.String(),
		TargetAmountEther: util.FormatEther(c.TargetAmount),
		Deadline:          c.Deadline,
		AmountRaised:      c.AmountRaised.String(),
		AmountRaisedEther: util.FormatEther(c.AmountRaised),
		Withdrawn:         c.Withdrawn,
		GoalReached:       c.GoalReached(),
	}
}

type accountView struct {
	Address      common.Address `json:"address"`
	Registered   bool           `json:"registered"`
	Balance      string         `json:"balance"`
	BalanceEther string         `json:"balance_ether"`
}

func newAccountView(acc meta.Account, registered bool) accountView {
	return accountView{
		Address:      acc.Address,
		Registered:   registered,
		Balance:      acc.Balance.String(),
		BalanceEther: util.FormatEther(acc.Balance),
	}
}

// 发起众筹
func (s *Server) createCampaign(ctx *gin.Context) {
	req := createCampaignRequest{}
	if err := ctx.ShouldBindJSON(&req); err != nil {
		s.fail(ctx, "createCampaign", errBadBody)
		return
	}
	target, err := req.TargetAmount.wei()
	if err != nil {
		s.fail(ctx, "createCampaign", err)
		return
	}

	call := contract.NewContext(callerOf(ctx), nil, s.now())
	id, err := s.ledger.CreateCampaign(call, req.Title, req.Description, target, req.DurationDays)
	if err != nil {
		s.fail(ctx, "createCampaign", err)
		return
	}
	c, err := s.ledger.GetCampaignDetails(id)
	if err != nil {
		s.fail(ctx, "createCampaign", err)
		return
	}
	ctx.JSON(http.StatusCreated, goodResponse(newCampaignView(c), http.StatusCreated))
}

// 参与众筹，金额从调用者账户转入托管账户
func (s *Server) contribute(ctx *gin.Context) {
	id, ok := s.campaignID(ctx, "contribute")
	if !ok {
		return
	}
	req := contributeRequest{}
	if err := ctx.ShouldBindJSON(&req); err != nil {
		s.fail(ctx, "contribute", errBadBody)
		return
	}
	amount, err := req.Amount.wei()
	if err != nil {
		s.fail(ctx, "contribute", err)
		return
	}

	caller := callerOf(ctx)
	if err := s.ledger.Contribute(contract.NewContext(caller, amount, s.now()), id); err != nil {
		s.fail(ctx, "contribute", err)
		return
	}
	total, err := s.ledger.GetContributorAmount(id, caller)
	if err != nil {
		s.fail(ctx, "contribute", err)
		return
	}
	ctx.JSON(http.StatusOK, goodResponse(gin.H{
		"campaign_id": id,
		"contributor": caller,
		"amount":      amount.String(),
		"total":       total.String(),
	}, http.StatusOK))
}

// 众筹成功后由发起人提取资金
func (s *Server) withdrawFunds(ctx *gin.Context) {
	id, ok := s.campaignID(ctx, "withdrawFunds")
	if !ok {
		return
	}
	if err := s.ledger.WithdrawFunds(contract.NewContext(callerOf(ctx), nil, s.now()), id); err != nil {
		s.fail(ctx, "withdrawFunds", err)
		return
	}
	c, err := s.ledger.GetCampaignDetails(id)
	if err != nil {
		s.fail(ctx, "withdrawFunds", err)
		return
	}
	ctx.JSON(http.StatusOK, goodResponse(newCampaignView(c), http.StatusOK))
}

func (s *Server) getCampaignDetails(ctx *gin.Context) {
	id, ok := s.campaignID(ctx, "getCampaignDetails")
	if !ok {
		return
	}
	c, err := s.ledger.GetCampaignDetails(id)
	if err != nil {
		s.fail(ctx, "getCampaignDetails", err)
		return
	}
	ctx.JSON(http.StatusOK, goodResponse(newCampaignView(c), http.StatusOK))
}

func (s *Server) getContributor(ctx *gin.Context) {
	id, ok := s.campaignID(ctx, "getContributorAmount")
	if !ok {
		return
	}
	addr, ok := s.address(ctx, "getContributorAmount")
	if !ok {
		return
	}
	amount, err := s.ledger.GetContributorAmount(id, addr)
	if err != nil {
		s.fail(ctx, "getContributorAmount", err)
		return
	}
	ctx.JSON(http.StatusOK, goodResponse(gin.H{
		"campaign_id":  id,
		"contributor":  addr,
		"amount":       amount.String(),
		"amount_ether": util.FormatEther(amount),
	}, http.StatusOK))
}

func (s *Server) campaignCount(ctx *gin.Context) {
	n, err := s.ledger.CampaignCount()
	if err != nil {
		s.fail(ctx, "campaignCount", err)
		return
	}
	ctx.JSON(http.StatusOK, goodResponse(gin.H{"count": n}, http.StatusOK))
}

func (s *Server) listCampaigns(ctx *gin.Context) {
	offset, err := queryUint(ctx, "offset", 0)
	if err != nil {
		s.fail(ctx, "listCampaigns", err)
		return
	}
	limit, err := queryUint(ctx, "limit", defaultPageSize)
	if err != nil {
		s.fail(ctx, "listCampaigns", err)
		return
	}
	if limit > maxPageSize {
		limit = maxPageSize
	}
	cs, err := s.ledger.ListCampaigns(offset, limit)
	if err != nil {
		s.fail(ctx, "listCampaigns", err)
		return
	}
	views := make([]campaignView, 0, len(cs))
	for _, c := range cs {
		views = append(views, newCampaignView(c))
	}
	ctx.JSON(http.StatusOK, goodResponse(views, http.StatusOK))
}

// 账户注册，地址由请求签名确定
func (s *Server) registerAccount(ctx *gin.Context) {
	acc, err := s.bank.Register(callerOf(ctx))
	if err != nil {
		s.fail(ctx, "register", err)
		return
	}
	ctx.JSON(http.StatusCreated, goodResponse(newAccountView(acc, true), http.StatusCreated))
}

func (s *Server) getAccount(ctx *gin.Context) {
	addr, ok := s.address(ctx, "balanceOf")
	if !ok {
		return
	}
	acc, err := s.bank.GetAccount(addr)
	if err != nil {
		s.fail(ctx, "balanceOf", err)
		return
	}
	registered, err := s.bank.Contains(addr)
	if err != nil {
		s.fail(ctx, "balanceOf", err)
		return
	}
	ctx.JSON(http.StatusOK, goodResponse(newAccountView(acc, registered), http.StatusOK))
}

// 按序号增量拉取事件日志
func (s *Server) getEvents(ctx *gin.Context) {
	after, err := queryUint(ctx, "after", 0)
	if err != nil {
		s.fail(ctx, "events", err)
		return
	}
	limit, err := queryUint(ctx, "limit", defaultEventPage)
	if err != nil {
		s.fail(ctx, "events", err)
		return
	}
	if limit == 0 || limit > maxEventPage {
		limit = maxEventPage
	}
	evs, err := s.events.Since(after, int(limit))
	if err != nil {
		s.fail(ctx, "events", err)
		return
	}
	ctx.JSON(http.StatusOK, goodResponse(evs, http.StatusOK))
}

// Redis 中镜像的最新事件，不依赖本地日志
func (s *Server) getRecentEvents(ctx *gin.Context) {
	n, err := queryUint(ctx, "limit", defaultEventPage)
	if err != nil {
		s.fail(ctx, "recentEvents", err)
		return
	}
	if n == 0 || n > maxEventPage {
		n = maxEventPage
	}
	evs, err := s.recent.Recent(ctx.Request.Context(), int64(n))
	if err != nil {
		s.fail(ctx, "recentEvents", err)
		return
	}
	ctx.JSON(http.StatusOK, goodResponse(evs, http.StatusOK))
}

func (s *Server) campaignID(ctx *gin.Context, op string) (uint64, bool) {
	id, err := strconv.ParseUint(ctx.Param("id"), 10, 64)
	if err != nil {
		s.fail(ctx, op, errBadID)
		return 0, false
	}
	return id, true
}

func (s *Server) address(ctx *gin.Context, op string) (common.Address, bool) {
	raw := ctx.Param("address")
	if !common.IsHexAddress(raw) {
		s.fail(ctx, op, errBadAddress)
		return common.Address{}, false
	}
	return common.HexToAddress(raw), true
}

func queryUint(ctx *gin.Context, key string, def uint64) (uint64, error) {
	raw := ctx.Query(key)
	if raw == "" {
		return def, nil
	}
	v, err := strconv.ParseUint(raw, 10, 64)
	if err != nil {
		return 0, errBadQuery
	}
	return v, nil
}

// fail writes the error response for err and counts the rejection.
// Internal errors are logged but not shown to the caller.
func (s *Server) fail(ctx *gin.Context, op string, err error) {
	if s.metrics != nil {
		s.metrics.Reject(op, err)
	}
	kind := meta.KindOf(err)
	status := statusOf(kind)

	msg := "Internal error"
	var me *meta.Error
	if kind != meta.KindInternal && errors.As(err, &me) {
		msg = me.Reason
		log.Infof("%s rejected: %s", op, msg)
	} else {
		log.Errorf("%s failed: %v", op, err)
	}
	ctx.AbortWithStatusJSON(status, errResponse(msg, status))
}

func statusOf(kind meta.ErrorKind) int {
	switch kind {
	case meta.KindInvalidArgument:
		return http.StatusBadRequest
	case meta.KindUnauthenticated:
		return http.StatusUnauthorized
	case meta.KindUnauthorized:
		return http.StatusForbidden
	case meta.KindNotFound:
		return http.StatusNotFound
	case meta.KindPreconditionFailed, meta.KindAlreadyExists:
		return http.StatusConflict
	default:
		return http.StatusInternalServerError
	}
}

// 请求成功，返回数据
func goodResponse(data interface{}, code int) meta.HttpResponse {
	res := meta.HttpResponse{
		Data: data,
		Code: code,
	}
	return res
}

// 出现异常，返回异常信息
func errResponse(errMsg string, code int) meta.HttpResponse {
	res := meta.HttpResponse{
		Error: errMsg,
		Data:  "",
		Code:  code,
	}
	return res
}
