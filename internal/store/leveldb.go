package store

import (
	"bytes"
	"fmt"
	"sort"

	"github.com/syndtr/goleveldb/leveldb"
	"github.com/syndtr/goleveldb/leveldb/util"
)

// Keys are laid out as <generation> 0x00 <entry key>, so a whole generation
// can be enumerated and dropped with a single prefix iterator. Entry keys are
// URLs and can never contain a NUL byte.
const genSep = "\x00"

// LevelDBStore implements Store on top of a LevelDB database.
type LevelDBStore struct {
	db *leveldb.DB
}

// OpenLevelDB opens (or creates) a LevelDB store at path.
func OpenLevelDB(path string) (*LevelDBStore, error) {
	db, err := leveldb.OpenFile(path, nil)
	if err != nil {
		return nil, fmt.Errorf("opening leveldb at %s: %w", path, err)
	}
	return &LevelDBStore{db: db}, nil
}

func (s *LevelDBStore) Put(generation, key string, data []byte) error {
	return s.db.Put([]byte(generation+genSep+key), data, nil)
}

func (s *LevelDBStore) Get(generation, key string) ([]byte, error) {
	data, err := s.db.Get([]byte(generation+genSep+key), nil)
	if err == leveldb.ErrNotFound {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("reading %s from generation %s: %w", key, generation, err)
	}
	return data, nil
}

func (s *LevelDBStore) Generations() ([]string, error) {
	it := s.db.NewIterator(nil, nil)
	defer it.Release()

	seen := map[string]struct{}{}
	for it.Next() {
		if i := bytes.IndexByte(it.Key(), 0); i >= 0 {
			seen[string(it.Key()[:i])] = struct{}{}
		}
	}
	if err := it.Error(); err != nil {
		return nil, fmt.Errorf("enumerating generations: %w", err)
	}

	out := make([]string, 0, len(seen))
	for g := range seen {
		out = append(out, g)
	}
	sort.Strings(out)
	return out, nil
}

func (s *LevelDBStore) DropGeneration(generation string) error {
	it := s.db.NewIterator(util.BytesPrefix([]byte(generation+genSep)), nil)
	defer it.Release()

	batch := new(leveldb.Batch)
	for it.Next() {
		batch.Delete(append([]byte(nil), it.Key()...))
	}
	if err := it.Error(); err != nil {
		return fmt.Errorf("enumerating generation %s: %w", generation, err)
	}
	if err := s.db.Write(batch, nil); err != nil {
		return fmt.Errorf("dropping generation %s: %w", generation, err)
	}
	return nil
}

func (s *LevelDBStore) Close() error {
	return s.db.Close()
}
