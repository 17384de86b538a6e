package artifact

import (
	"errors"
	"fmt"

	"github.com/dgraph-io/badger/v4"

	"TrustMesh/internal/export"
	"TrustMesh/internal/types"
)

// Key prefixes for badger.
var (
	prefixData   = []byte("d:") // d:<cid> -> compressed document
	prefixLatest = []byte("l:") // l:<schema> -> cid of the newest document
)

// Store is a local content-addressed store for exported documents.
type Store struct {
	db *badger.DB
}

// Open opens (or creates) a store in dir.
func Open(dir string) (*Store, error) {
	opts := badger.DefaultOptions(dir)
	opts.Logger = nil
	opts.SyncWrites = false

	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("open artifact store:\n%w", err)
	}

	return &Store{db: db}, nil
}

// Put stores an artifact under its CID and records it as the newest
// document of its schema. Storing the same artifact twice is a no-op.
func (s *Store) Put(art *export.Artifact) error {
	if art.CID != export.CID(art.Data) {
		return fmt.Errorf("artifact %s does not match its content", art.CID)
	}

	err := s.db.Update(func(txn *badger.Txn) error {
		if err := txn.Set(dataKey(art.CID), art.Data); err != nil {
			return err
		}
		return txn.Set(append(append([]byte{}, prefixLatest...), art.Schema...), []byte(art.CID))
	})
	if err != nil {
		return fmt.Errorf("%w: put artifact:\n%w", types.ErrStoreUnavailable, err)
	}

	return nil
}

// Get returns the document stored under cid or types.ErrNotFound.
func (s *Store) Get(cid string) ([]byte, error) {
	var value []byte

	err := s.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(dataKey(cid))
		if err != nil {
			return err
		}
		value, err = item.ValueCopy(nil)
		return err
	})

	if errors.Is(err, badger.ErrKeyNotFound) {
		return nil, types.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("%w: read artifact %s:\n%w", types.ErrStoreUnavailable, cid, err)
	}

	return value, nil
}

// Has reports whether cid is stored.
func (s *Store) Has(cid string) (bool, error) {
	err := s.db.View(func(txn *badger.Txn) error {
		_, err := txn.Get(dataKey(cid))
		return err
	})

	if errors.Is(err, badger.ErrKeyNotFound) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("%w: check artifact %s:\n%w", types.ErrStoreUnavailable, cid, err)
	}

	return true, nil
}

// Latest returns the CID of the newest document of schema, or "" if none.
func (s *Store) Latest(schema string) (string, error) {
	var cid string

	err := s.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(append(append([]byte{}, prefixLatest...), schema...))
		if err != nil {
			return err
		}
		return item.Value(func(v []byte) error {
			cid = string(v)
			return nil
		})
	})

	if errors.Is(err, badger.ErrKeyNotFound) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("%w: read latest %s:\n%w", types.ErrStoreUnavailable, schema, err)
	}

	return cid, nil
}

// Count returns the number of stored documents.
func (s *Store) Count() (int, error) {
	n := 0

	err := s.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.PrefetchValues = false
		it := txn.NewIterator(opts)
		defer it.Close()

		for it.Seek(prefixData); it.ValidForPrefix(prefixData); it.Next() {
			n++
		}
		return nil
	})

	return n, err
}

// Close syncs and closes the database.
func (s *Store) Close() error {
	if err := s.db.Sync(); err != nil {
		return fmt.Errorf("sync artifact store:\n%w", err)
	}
	return s.db.Close()
}

// dataKey returns d:<cid>.
func dataKey(cid string) []byte {
	return append(append([]byte{}, prefixData...), cid...)
}
