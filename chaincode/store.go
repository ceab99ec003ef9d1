package chaincode

import (
	"sort"

	"github.com/crowdfund/meta"
	"github.com/hyperledger/fabric-chaincode-go/shim"
	"github.com/pkg/errors"
)

// stubStore adapts the world state of one transaction to meta.Store.
// Fabric's GetState does not see writes made earlier in the same
// transaction, so those are cached in written.
type stubStore struct {
	stub    shim.ChaincodeStubInterface
	written map[string][]byte
}

func newStubStore(stub shim.ChaincodeStubInterface) *stubStore {
	return &stubStore{stub: stub, written: map[string][]byte{}}
}

func (s *stubStore) GetState(key string) ([]byte, error) {
	if v, ok := s.written[key]; ok {
		return v, nil
	}
	v, err := s.stub.GetState(key)
	if err != nil {
		return nil, errors.Wrapf(err, "get state %s", key)
	}
	if len(v) == 0 {
		return nil, nil
	}
	return v, nil
}

func (s *stubStore) PutState(key string, value []byte) error {
	if err := s.stub.PutState(key, value); err != nil {
		return errors.Wrapf(err, "put state %s", key)
	}
	s.written[key] = value
	return nil
}

func (s *stubStore) DelState(key string) error {
	if err := s.stub.DelState(key); err != nil {
		return errors.Wrapf(err, "delete state %s", key)
	}
	s.written[key] = nil
	return nil
}

// Update buffers the writes of fn and hands them to the stub only if fn
// succeeds.
func (s *stubStore) Update(fn func(kv meta.KV) error) error {
	t := &stubTxn{store: s, pending: map[string][]byte{}, deleted: map[string]bool{}}
	if err := fn(t); err != nil {
		return err
	}
	keys := make([]string, 0, len(t.pending))
	for k := range t.pending {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		var err error
		if t.deleted[k] {
			err = s.DelState(k)
		} else {
			err = s.PutState(k, t.pending[k])
		}
		if err != nil {
			return err
		}
	}
	return nil
}

func (s *stubStore) View(fn func(kv meta.KV) error) error {
	return fn(readOnly{s})
}

type stubTxn struct {
	store   *stubStore
	pending map[string][]byte
	deleted map[string]bool
}

func (t *stubTxn) GetState(key string) ([]byte, error) {
	if v, ok := t.pending[key]; ok {
		return v, nil
	}
	return t.store.GetState(key)
}

func (t *stubTxn) PutState(key string, value []byte) error {
	t.pending[key] = append([]byte(nil), value...)
	delete(t.deleted, key)
	return nil
}

func (t *stubTxn) DelState(key string) error {
	t.pending[key] = nil
	t.deleted[key] = true
	return nil
}

type readOnly struct {
	store *stubStore
}

func (r readOnly) GetState(key string) ([]byte, error) {
	return r.store.GetState(key)
}

func (r readOnly) PutState(key string, _ []byte) error {
	return errors.Errorf("chaincode: write %s in read-only view", key)
}

func (r readOnly) DelState(key string) error {
	return errors.Errorf("chaincode: delete %s in read-only view", key)
}
