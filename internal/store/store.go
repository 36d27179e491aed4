// Package store persists cache generations in a local key/value area.
package store

import "fmt"

// Store is a byte-transparent key/value area scoped by cache generation.
// Get must return exactly the bytes previously passed to Put for the same
// generation and key.
type Store interface {
	// stores data under a generation and key, overwriting any previous value
	Put(generation, key string, data []byte) error
	// retrieves stored data. returns nil, nil when the entry does not exist
	Get(generation, key string) ([]byte, error)
	// lists the tags of every stored generation, sorted
	Generations() ([]string, error)
	// removes a generation and every entry in it
	DropGeneration(generation string) error
	Close() error
}

// Open creates a store of the given backend at path.
func Open(backend, path string) (Store, error) {
	switch backend {
	case "leveldb":
		return OpenLevelDB(path)
	case "sqlite":
		return OpenSQLite(path)
	default:
		return nil, fmt.Errorf("unknown cache backend: %q", backend)
	}
}
