package storage

import (
	"errors"
	"fmt"
	"os"
	"time"

	badger "github.com/dgraph-io/badger/v4"

	"github.com/arkeep/arkeep/internal/logger"
)

// BadgerStore implements Store using BadgerDB
type BadgerStore struct {
	db   *badger.DB
	log  logger.Logger
	stop chan struct{}
}

// NewBadgerStore opens a BadgerDB-backed store at dataDir.
func NewBadgerStore(dataDir string, syncWrites bool, log logger.Logger) (*BadgerStore, error) {
	if err := os.MkdirAll(dataDir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create data directory: %w", err)
	}

	opts := badger.DefaultOptions(dataDir)
	opts.SyncWrites = syncWrites
	opts.Logger = nil

	// Chunk bodies dominate the value log, so size it generously.
	opts.ValueLogFileSize = 256 << 20
	opts.MemTableSize = 64 << 20
	opts.NumMemtables = 5
	opts.NumLevelZeroTables = 5
	opts.NumLevelZeroTablesStall = 10

	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("failed to open BadgerDB: %w", err)
	}

	store := &BadgerStore{
		db:   db,
		log:  log,
		stop: make(chan struct{}),
	}

	go store.runGarbageCollection()

	log.Info("BadgerDB store opened",
		logger.String("data_dir", dataDir),
		logger.Bool("sync_writes", syncWrites))

	return store, nil
}

func (b *BadgerStore) runGarbageCollection() {
	ticker := time.NewTicker(5 * time.Minute)
	defer ticker.Stop()

	for {
		select {
		case <-b.stop:
			return
		case <-ticker.C:
			err := b.db.RunValueLogGC(0.5)
			if err != nil && !errors.Is(err, badger.ErrNoRewrite) {
				b.log.Warn("BadgerDB garbage collection failed", logger.Error(err))
			}
		}
	}
}

func (b *BadgerStore) Get(key string) ([]byte, error) {
	var value []byte
	err := b.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get([]byte(key))
		if err != nil {
			return err
		}
		value, err = item.ValueCopy(nil)
		return err
	})
	if errors.Is(err, badger.ErrKeyNotFound) {
		return nil, ErrNotFound
	}
	return value, err
}

func (b *BadgerStore) Put(key string, value []byte) error {
	return b.db.Update(func(txn *badger.Txn) error {
		return txn.Set([]byte(key), value)
	})
}

func (b *BadgerStore) Delete(key string) error {
	return b.db.Update(func(txn *badger.Txn) error {
		return txn.Delete([]byte(key))
	})
}

func (b *BadgerStore) List(prefix string) ([]string, error) {
	var keys []string
	err := b.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.PrefetchValues = false
		it := txn.NewIterator(opts)
		defer it.Close()

		prefixBytes := []byte(prefix)
		for it.Seek(prefixBytes); it.ValidForPrefix(prefixBytes); it.Next() {
			keys = append(keys, string(it.Item().Key()))
		}
		return nil
	})
	return keys, err
}

func (b *BadgerStore) Close() error {
	close(b.stop)
	return b.db.Close()
}
