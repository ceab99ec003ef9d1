package client

import (
	"context"
	"math"
	"strconv"
	"time"

	"github.com/cloudflare/cfssl/log"
	commonconst "github.com/crowdfund/common"
	"github.com/crowdfund/levelDB"
	"github.com/crowdfund/meta"
	"github.com/ethereum/go-ethereum/common"
	"github.com/pkg/errors"
)

var errReplayed = meta.NewError(meta.KindUnauthenticated, "Signed request already used")

// ReplayGuard remembers every accepted signed request until its timestamp
// falls out of the allowed skew, so a captured request cannot be resent.
type ReplayGuard struct {
	db     *levelDB.DB
	window time.Duration
}

func NewReplayGuard(db *levelDB.DB, window time.Duration) *ReplayGuard {
	return &ReplayGuard{db: db, window: window}
}

func replayKey(id common.Hash) string {
	return commonconst.ReplayKeyPrefix + id.Hex()
}

// Use marks request id (signed at ts) as spent. It fails with errReplayed
// if the request was accepted before.
func (g *ReplayGuard) Use(id common.Hash, ts int64) error {
	expires := ts + int64(math.Ceil(g.window.Seconds()))
	return g.db.Update(func(kv meta.KV) error {
		seen, err := kv.GetState(replayKey(id))
		if err != nil {
			return err
		}
		if seen != nil {
			return errReplayed
		}
		return kv.PutState(replayKey(id), []byte(strconv.FormatInt(expires, 10)))
	})
}

// Prune forgets requests whose timestamp can no longer pass the skew check
// and returns how many were removed.
func (g *ReplayGuard) Prune(now time.Time) (int, error) {
	var expired []string
	err := g.db.Scan(commonconst.ReplayKeyPrefix, "", 0, func(key string, value []byte) bool {
		exp, err := strconv.ParseInt(string(value), 10, 64)
		if err != nil || exp < now.Unix() {
			expired = append(expired, key)
		}
		return true
	})
	if err != nil || len(expired) == 0 {
		return 0, err
	}
	err = g.db.Update(func(kv meta.KV) error {
		for _, key := range expired {
			if err := kv.DelState(key); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return 0, errors.Wrap(err, "prune replay guard")
	}
	return len(expired), nil
}

// Run prunes every interval until ctx is done.
func (g *ReplayGuard) Run(ctx context.Context, interval time.Duration, now func() time.Time) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			n, err := g.Prune(now())
			if err != nil {
				log.Errorf("replay guard: %v", err)
			} else if n > 0 {
				log.Debugf("replay guard: pruned %d spent requests", n)
			}
		}
	}
}
