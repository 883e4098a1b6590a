package txn

import (
	"encoding/json"
	"fmt"
	"sync"

	"github.com/arkeep/arkeep/internal/logger"
	"github.com/arkeep/arkeep/internal/storage"
)

const kvPrefix = "kv:"

// versionedValue is a committed value tagged with the commit timestamp
// of the transaction that wrote it.
type versionedValue struct {
	Value   []byte `json:"value"`
	Version int64  `json:"version"`
}

// keyspace holds the committed, versioned key/value data the transaction
// manager serves. Reads see only committed versions; uncommitted writes
// live in each transaction's write-set until commit.
type keyspace struct {
	mu    sync.RWMutex
	data  map[string]versionedValue
	store storage.Store
	log   logger.Logger
}

func newKeyspace(store storage.Store, log logger.Logger) (*keyspace, error) {
	ks := &keyspace{
		data:  make(map[string]versionedValue),
		store: store,
		log:   log,
	}
	if err := ks.load(); err != nil {
		return nil, err
	}
	return ks, nil
}

func (ks *keyspace) load() error {
	keys, err := ks.store.List(kvPrefix)
	if err != nil {
		return fmt.Errorf("failed to list keyspace: %w", err)
	}
	for _, storeKey := range keys {
		raw, err := ks.store.Get(storeKey)
		if err != nil {
			ks.log.Warn("Failed to load key from storage",
				logger.String("key", storeKey),
				logger.Error(err))
			continue
		}
		var vv versionedValue
		if err := json.Unmarshal(raw, &vv); err != nil {
			ks.log.Warn("Skipping undecodable keyspace entry",
				logger.String("key", storeKey),
				logger.Error(err))
			continue
		}
		ks.data[storeKey[len(kvPrefix):]] = vv
	}
	if len(keys) > 0 {
		ks.log.Info("Loaded keyspace from storage", logger.Int("keys", len(keys)))
	}
	return nil
}

// get returns the committed value and version for key.
func (ks *keyspace) get(key string) ([]byte, int64, bool) {
	ks.mu.RLock()
	defer ks.mu.RUnlock()
	vv, ok := ks.data[key]
	if !ok {
		return nil, 0, false
	}
	return vv.Value, vv.Version, true
}

// version returns the committed version for key, 0 if absent.
func (ks *keyspace) version(key string) int64 {
	ks.mu.RLock()
	defer ks.mu.RUnlock()
	return ks.data[key].Version
}

// apply installs a transaction's write-set at the given commit
// timestamp. Applying the same write-set twice at the same timestamp is
// idempotent, which is what commit replay after a crash relies on.
func (ks *keyspace) apply(writes []Mutation, commitTS int64) error {
	ks.mu.Lock()
	defer ks.mu.Unlock()

	for _, m := range writes {
		if m.Tombstone {
			delete(ks.data, m.Key)
			if err := ks.store.Delete(kvPrefix + m.Key); err != nil {
				return fmt.Errorf("failed to delete key %q: %w", m.Key, err)
			}
			continue
		}
		vv := versionedValue{Value: m.Value, Version: commitTS}
		raw, err := json.Marshal(vv)
		if err != nil {
			return fmt.Errorf("failed to encode value for key %q: %w", m.Key, err)
		}
		if err := ks.store.Put(kvPrefix+m.Key, raw); err != nil {
			return fmt.Errorf("failed to persist key %q: %w", m.Key, err)
		}
		ks.data[m.Key] = vv
	}
	return nil
}
