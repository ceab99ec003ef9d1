package client

import (
	"bytes"
	"crypto/ecdsa"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/crowdfund/meta"
	"github.com/crowdfund/util"
	"github.com/ethereum/go-ethereum/accounts"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/gin-gonic/gin"
	"github.com/pkg/errors"
)

// Request headers carrying the caller's signature.
const (
	HeaderAddress   = "X-Crowdfund-Address"
	HeaderTimestamp = "X-Crowdfund-Timestamp"
	HeaderSignature = "X-Crowdfund-Signature"
)

const callerKey = "crowdfund.caller"

var (
	errMissingAuth  = meta.NewError(meta.KindUnauthenticated, "Missing or malformed signature headers")
	errExpired      = meta.NewError(meta.KindUnauthenticated, "Signature timestamp outside the allowed window")
	errBadSignature = meta.NewError(meta.KindUnauthenticated, "Signature does not match address")
)

// SigningMessage is the text a caller signs (EIP-191 personal message) to
// authenticate one request.
func SigningMessage(method, path string, timestamp int64, body []byte) string {
	return fmt.Sprintf("%s %s\n%d\n%s", method, path, timestamp, util.BodyDigest(body))
}

// Sign produces the X-Crowdfund-Signature value for msg, the same
// signature a wallet's personal_sign returns.
func Sign(key *ecdsa.PrivateKey, msg string) (string, error) {
	sig, err := crypto.Sign(accounts.TextHash([]byte(msg)), key)
	if err != nil {
		return "", err
	}
	sig[crypto.RecoveryIDOffset] += 27
	return hexutil.Encode(sig), nil
}

// Authenticator recovers the caller of a request from its signature and
// accepts each signed request once.
type Authenticator struct {
	maxSkew time.Duration
	now     func() time.Time
	replay  *ReplayGuard
}

func NewAuthenticator(maxSkew time.Duration, now func() time.Time, replay *ReplayGuard) *Authenticator {
	if now == nil {
		now = time.Now
	}
	return &Authenticator{maxSkew: maxSkew, now: now, replay: replay}
}

// Verify checks the signature headers of r against body, spends the
// request in the replay guard and returns the caller.
func (a *Authenticator) Verify(r *http.Request, body []byte) (common.Address, error) {
	addrHex := r.Header.Get(HeaderAddress)
	if !common.IsHexAddress(addrHex) {
		return common.Address{}, errMissingAuth
	}
	claimed := common.HexToAddress(addrHex)

	ts, err := strconv.ParseInt(r.Header.Get(HeaderTimestamp), 10, 64)
	if err != nil {
		return common.Address{}, errMissingAuth
	}
	skew := a.now().Sub(time.Unix(ts, 0))
	if skew < 0 {
		skew = -skew
	}
	if skew > a.maxSkew {
		return common.Address{}, errExpired
	}

	sig := common.FromHex(r.Header.Get(HeaderSignature))
	if len(sig) != crypto.SignatureLength {
		return common.Address{}, errMissingAuth
	}
	// wallets return v as 27/28
	if sig[crypto.RecoveryIDOffset] >= 27 {
		sig[crypto.RecoveryIDOffset] -= 27
	}

	hash := accounts.TextHash([]byte(SigningMessage(r.Method, r.URL.Path, ts, body)))
	pub, err := crypto.SigToPub(hash, sig)
	if err != nil {
		return common.Address{}, errBadSignature
	}
	if crypto.PubkeyToAddress(*pub) != claimed {
		return common.Address{}, errBadSignature
	}

	// keyed by signer and message, not signature bytes, which are malleable
	if err := a.replay.Use(crypto.Keccak256Hash(claimed.Bytes(), hash), ts); err != nil {
		return common.Address{}, err
	}
	return claimed, nil
}

// Middleware rejects unsigned requests and stores the caller in the gin context.
func (a *Authenticator) Middleware(fail func(*gin.Context, string, error)) gin.HandlerFunc {
	return func(ctx *gin.Context) {
		body, err := io.ReadAll(ctx.Request.Body)
		if err != nil {
			fail(ctx, "auth", errors.Wrap(err, "read body"))
			return
		}
		ctx.Request.Body = io.NopCloser(bytes.NewReader(body))

		caller, err := a.Verify(ctx.Request, body)
		if err != nil {
			fail(ctx, "auth", err)
			return
		}
		ctx.Set(callerKey, caller)
		ctx.Next()
	}
}

func callerOf(ctx *gin.Context) common.Address {
	v, _ := ctx.Get(callerKey)
	addr, _ := v.(common.Address)
	return addr
}
