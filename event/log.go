package event

import (
	"encoding/json"
	"fmt"
	"strconv"

	commonconst "github.com/crowdfund/common"
	"github.com/crowdfund/levelDB"
	"github.com/crowdfund/meta"
	"github.com/pkg/errors"
)

// Log is the durable, ordered record of ledger events kept in LevelDB.
type Log struct {
	db *levelDB.DB
}

func NewLog(db *levelDB.DB) *Log {
	return &Log{db: db}
}

func eventKey(seq uint64) string {
	// zero padded so LevelDB key order is sequence order
	return fmt.Sprintf("%s%020d", commonconst.EventKeyPrefix, seq)
}

// Record assigns the next sequence number (starting at 1) to ev and writes
// it through kv, inside the caller's transaction. kv must belong to the
// same database as the log.
func (l *Log) Record(kv meta.KV, ev meta.Event) (meta.Event, error) {
	seq, err := lastSeq(kv)
	if err != nil {
		return ev, err
	}
	ev.Seq = seq + 1
	data, err := json.Marshal(ev)
	if err != nil {
		return ev, errors.Wrap(err, "encode event")
	}
	if err := kv.PutState(eventKey(ev.Seq), data); err != nil {
		return ev, err
	}
	return ev, kv.PutState(commonconst.EventSeqKey, []byte(strconv.FormatUint(ev.Seq, 10)))
}

// Retract removes a recorded event. Its sequence number is not reused.
func (l *Log) Retract(kv meta.KV, ev meta.Event) error {
	if ev.Seq == 0 {
		return nil
	}
	return kv.DelState(eventKey(ev.Seq))
}

// Since returns up to limit events with a sequence number greater than after.
func (l *Log) Since(after uint64, limit int) ([]meta.Event, error) {
	out := []meta.Event{}
	var decodeErr error
	err := l.db.Scan(commonconst.EventKeyPrefix, eventKey(after+1), limit, func(key string, value []byte) bool {
		var ev meta.Event
		if err := json.Unmarshal(value, &ev); err != nil {
			decodeErr = errors.Wrapf(err, "decode %s", key)
			return false
		}
		out = append(out, ev)
		return true
	})
	if err != nil {
		return nil, err
	}
	return out, decodeErr
}

// LastSeq is the sequence number of the newest event, 0 if the log is empty.
func (l *Log) LastSeq() (uint64, error) {
	var seq uint64
	err := l.db.View(func(kv meta.KV) error {
		var err error
		seq, err = lastSeq(kv)
		return err
	})
	return seq, err
}

func lastSeq(kv meta.KV) (uint64, error) {
	data, err := kv.GetState(commonconst.EventSeqKey)
	if err != nil || data == nil {
		return 0, err
	}
	seq, err := strconv.ParseUint(string(data), 10, 64)
	return seq, errors.Wrap(err, "decode event seq")
}
