package util

import (
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum/params"
	"github.com/pkg/errors"
)

var units = map[string]*big.Int{
	"":      big.NewInt(params.Wei),
	"wei":   big.NewInt(params.Wei),
	"gwei":  big.NewInt(params.GWei),
	"eth":   big.NewInt(params.Ether),
	"ether": big.NewInt(params.Ether),
}

// ParseAmount parses an amount into wei. Accepted forms are a plain integer
// (wei) or a decimal with a unit suffix: "2.5 ether", "3eth", "10 gwei",
// "1000 wei". The result must be a whole number of wei.
func ParseAmount(s string) (*big.Int, error) {
	s = strings.ToLower(strings.TrimSpace(s))
	if s == "" {
		return nil, errors.New("empty amount")
	}
	i := strings.IndexFunc(s, func(r rune) bool { return r >= 'a' && r <= 'z' })
	num, unit := s, ""
	if i >= 0 {
		num, unit = strings.TrimSpace(s[:i]), s[i:]
	}
	mul, ok := units[unit]
	if !ok {
		return nil, errors.Errorf("unknown unit %q", unit)
	}
	r, ok := new(big.Rat).SetString(num)
	if !ok || strings.ContainsAny(num, "/eE") {
		return nil, errors.Errorf("invalid amount %q", num)
	}
	r.Mul(r, new(big.Rat).SetInt(mul))
	if !r.IsInt() {
		return nil, errors.Errorf("amount %q is not a whole number of wei", s)
	}
	return new(big.Int).Set(r.Num()), nil
}

// FormatEther renders wei as ether the way ethers.formatEther does:
// "5.5", "5.0", "0.000000000000000001".
func FormatEther(wei *big.Int) string {
	if wei == nil {
		return "0.0"
	}
	abs := new(big.Int).Abs(wei)
	q, r := new(big.Int).QuoRem(abs, big.NewInt(params.Ether), new(big.Int))

	frac := strings.TrimRight(padLeft(r.String(), 18), "0")
	if frac == "" {
		frac = "0"
	}
	out := q.String() + "." + frac
	if wei.Sign() < 0 {
		out = "-" + out
	}
	return out
}

// EtherFloat approximates wei in ether, for metrics.
func EtherFloat(wei *big.Int) float64 {
	if wei == nil {
		return 0
	}
	f, _ := new(big.Rat).SetFrac(wei, big.NewInt(params.Ether)).Float64()
	return f
}

func padLeft(s string, n int) string {
	if len(s) >= n {
		return s
	}
	return strings.Repeat("0", n-len(s)) + s
}
