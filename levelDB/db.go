package levelDB

import (
	"strings"
	"sync"

	"github.com/cloudflare/cfssl/log"
	"github.com/crowdfund/meta"
	"github.com/pkg/errors"
	"github.com/syndtr/goleveldb/leveldb"
	"github.com/syndtr/goleveldb/leveldb/storage"
	lvlutil "github.com/syndtr/goleveldb/leveldb/util"
)

// ErrReadOnly is returned by writes inside View.
var ErrReadOnly = errors.New("levelDB: write in read-only view")

// DB wraps a goleveldb handle. Update calls are serialized and each one is
// written as a single batch.
type DB struct {
	db *leveldb.DB
	mu sync.Mutex
}

// Open opens (or creates) the database at path.
func Open(path string) (*DB, error) {
	db, err := leveldb.OpenFile(path, nil)
	if err != nil {
		log.Error("db init err:", err)
		return nil, errors.Wrapf(err, "open leveldb %s", path)
	}
	return &DB{db: db}, nil
}

// OpenMem opens a database backed by memory, for tests and dry runs.
func OpenMem() (*DB, error) {
	db, err := leveldb.Open(storage.NewMemStorage(), nil)
	if err != nil {
		return nil, errors.Wrap(err, "open in-memory leveldb")
	}
	return &DB{db: db}, nil
}

func (d *DB) Close() error {
	return d.db.Close()
}

func (d *DB) GetState(key string) ([]byte, error) {
	data, err := d.db.Get([]byte(key), nil)
	if err == leveldb.ErrNotFound {
		return nil, nil
	}
	if err != nil {
		log.Error("db get err:", err)
		return nil, errors.Wrapf(err, "get %s", key)
	}
	return data, nil
}

// Update runs fn against a transaction view. Reads inside fn see its own
// pending writes; the writes hit disk as one batch only if fn succeeds.
func (d *DB) Update(fn func(kv meta.KV) error) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	txn := &Txn{db: d.db, batch: new(leveldb.Batch), pending: map[string][]byte{}}
	if err := fn(txn); err != nil {
		return err
	}
	if txn.batch.Len() == 0 {
		return nil
	}
	if err := d.db.Write(txn.batch, nil); err != nil {
		log.Error("db batch write err:", err)
		return errors.Wrap(err, "write batch")
	}
	return nil
}

// View runs fn against the committed state. Writes are rejected.
func (d *DB) View(fn func(kv meta.KV) error) error {
	return fn(readOnly{d})
}

// Scan calls fn for every key with the given prefix that sorts at or after
// from, in key order, until fn returns false or limit keys were visited.
// limit <= 0 means no limit.
func (d *DB) Scan(prefix, from string, limit int, fn func(key string, value []byte) bool) error {
	rng := lvlutil.BytesPrefix([]byte(prefix))
	if from != "" && strings.HasPrefix(from, prefix) {
		rng.Start = []byte(from)
	}
	iter := d.db.NewIterator(rng, nil)
	defer iter.Release()

	n := 0
	for iter.Next() {
		if limit > 0 && n >= limit {
			break
		}
		n++
		// iterator buffers are reused, hand out copies
		value := append([]byte(nil), iter.Value()...)
		if !fn(string(iter.Key()), value) {
			break
		}
	}
	return errors.Wrap(iter.Error(), "scan "+prefix)
}

// Txn is the view handed to Update callbacks.
type Txn struct {
	db      *leveldb.DB
	batch   *leveldb.Batch
	pending map[string][]byte
}

func (t *Txn) GetState(key string) ([]byte, error) {
	if v, ok := t.pending[key]; ok {
		return v, nil
	}
	data, err := t.db.Get([]byte(key), nil)
	if err == leveldb.ErrNotFound {
		return nil, nil
	}
	if err != nil {
		return nil, errors.Wrapf(err, "get %s", key)
	}
	return data, nil
}

func (t *Txn) PutState(key string, value []byte) error {
	t.pending[key] = value
	t.batch.Put([]byte(key), value)
	return nil
}

// DelState removes key when the transaction commits. Later reads in the
// same transaction see it as absent.
func (t *Txn) DelState(key string) error {
	t.pending[key] = nil
	t.batch.Delete([]byte(key))
	return nil
}

type readOnly struct {
	d *DB
}

func (r readOnly) GetState(key string) ([]byte, error) {
	return r.d.GetState(key)
}

func (r readOnly) PutState(string, []byte) error {
	return ErrReadOnly
}

func (r readOnly) DelState(string) error {
	return ErrReadOnly
}
