package util

import (
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/crypto"
)

// BodyDigest returns the 0x-prefixed keccak256 of a request body, the form
// signed by callers.
func BodyDigest(body []byte) string {
	return hexutil.Encode(crypto.Keccak256(body))
}
