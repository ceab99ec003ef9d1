package meta

// KV is the key-value view a contract executes against. Both the LevelDB
// store and a Fabric chaincode stub satisfy it.
type KV interface {
	GetState(key string) ([]byte, error) // nil, nil when the key is absent
	PutState(key string, value []byte) error
	DelState(key string) error
}

// Store runs functions against a KV. Writes made inside Update are applied
// atomically when fn returns nil and discarded otherwise.
type Store interface {
	Update(fn func(kv KV) error) error
	View(fn func(kv KV) error) error
}
