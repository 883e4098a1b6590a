package storage

import "errors"

// ErrNotFound is returned when a key has no value in the store.
var ErrNotFound = errors.New("key not found")

// Store is the durable key/blob store the core runs on. Implementations
// must provide single-writer-at-a-time durability per key.
type Store interface {
	Get(key string) ([]byte, error)
	Put(key string, value []byte) error
	Delete(key string) error

	// List returns all keys with the given prefix.
	List(prefix string) ([]string, error)

	Close() error
}

// Config holds storage configuration
type Config struct {
	Type       string // "memory", "badger"
	DataDir    string
	SyncWrites bool
}
