package store

import (
	"encoding/json"
	"fmt"
	"hash/maphash"
	"sync"
	"sync/atomic"
	"time"

	"github.com/bits-and-blooms/bloom/v3"

	"TrustMesh/internal/logger"
	"TrustMesh/internal/storage"
	"TrustMesh/internal/types"
)

const (
	// numStripes is the number of per-hash insert locks.
	numStripes = 256

	// bloomCapacity and bloomFalsePositive size the existence filter.
	bloomCapacity      = 1_000_000
	bloomFalsePositive = 0.001
)

// EventKind distinguishes store notifications.
type EventKind int

const (
	// Inserted is emitted after a new statement is durable.
	Inserted EventKind = iota

	// Deleted is emitted after a statement was removed.
	Deleted
)

// Event is delivered to listeners for every accepted insert or delete.
type Event struct {
	Kind      EventKind        // Kind is Inserted or Deleted
	Statement *types.Statement // Statement is the affected statement
	Origin    types.Origin     // Origin is how the statement arrived (inserts only)
}

// Listener observes store mutations. Listeners run synchronously.
type Listener func(Event)

// InsertResult reports the outcome of Insert.
type InsertResult struct {
	Created bool // Created is false when the hash was already stored
}

// record is the persisted form of a statement.
type record struct {
	Hash        string        `json:"hash"`
	Envelope    string        `json:"jws"`
	Payload     types.Payload `json:"signedData"`
	SignerKeyID string        `json:"signerKeyID"`
	ReceivedAt  time.Time     `json:"receivedAt"`
	Origin      types.Origin  `json:"origin"`
}

// statement converts the record to its public form.
func (r *record) statement() *types.Statement {
	return &types.Statement{
		Hash:        r.Hash,
		Envelope:    r.Envelope,
		Payload:     r.Payload,
		SignerKeyID: r.SignerKeyID,
	}
}

// Store is the content-addressed statement ledger.
// Inserts of the same hash are serialized; distinct hashes proceed concurrently.
type Store struct {
	db *storage.Storage

	stripes [numStripes]sync.Mutex // stripes serialize check-then-insert per hash
	seed    maphash.Seed           // seed maps hashes to stripes

	bloomMu sync.RWMutex
	seen    *bloom.BloomFilter // seen holds every hash ever stored (no false negatives)

	count atomic.Int64 // count is the number of stored statements

	listenersMu sync.RWMutex
	listeners   []Listener
}

// New opens a store over db and loads its existence filter.
func New(db *storage.Storage) (*Store, error) {
	s := &Store{
		db:   db,
		seed: maphash.MakeSeed(),
		seen: bloom.NewWithEstimates(bloomCapacity, bloomFalsePositive),
	}

	start := time.Now()

	err := db.IteratePrefix(prefixMessage, func(key, _ []byte) error {
		s.seen.AddString(string(key[len(prefixMessage):]))
		s.count.Add(1)
		return nil
	})
	if err != nil {
		return nil, unavailable("load message index", err)
	}

	logger.Debug("store loaded", "messages", s.count.Load(), logger.Timed(start))

	return s, nil
}

// Subscribe registers a listener. Listeners run in registration order.
func (s *Store) Subscribe(l Listener) {
	s.listenersMu.Lock()
	defer s.listenersMu.Unlock()

	s.listeners = append(s.listeners, l)
}

// Exists reports whether hash is stored.
func (s *Store) Exists(hash string) (bool, error) {
	s.bloomMu.RLock()
	maybe := s.seen.TestString(hash)
	s.bloomMu.RUnlock()

	if !maybe {
		return false, nil
	}

	ok, err := s.db.Has(makeMessageKey(hash))
	if err != nil {
		return false, unavailable("check message", err)
	}

	return ok, nil
}

// Insert stores a verified statement. The first writer of a hash observes
// Created=true; every later insert of the same hash is a no-op.
// Listeners are notified before Insert returns.
func (s *Store) Insert(st *types.Statement, origin types.Origin) (InsertResult, error) {
	if st.Hash == "" {
		return InsertResult{}, fmt.Errorf("%w: missing hash", types.ErrMalformedStatement)
	}

	mu := s.stripe(st.Hash)
	mu.Lock()
	defer mu.Unlock()

	exists, err := s.Exists(st.Hash)
	if err != nil {
		return InsertResult{}, err
	}

	if exists {
		return InsertResult{Created: false}, nil
	}

	rec := record{
		Hash:        st.Hash,
		Envelope:    st.Envelope,
		Payload:     st.Payload,
		SignerKeyID: st.SignerKeyID,
		ReceivedAt:  time.Now().UTC(),
		Origin:      origin,
	}

	data, err := json.Marshal(&rec)
	if err != nil {
		return InsertResult{}, fmt.Errorf("encode record:\n%w", err)
	}

	ops := indexOps(&rec.Payload, st.Hash, false)
	ops = append(ops, storage.Op{Key: makeMessageKey(st.Hash), Value: data})

	if err := s.db.Apply(ops); err != nil {
		return InsertResult{}, unavailable("insert message", err)
	}

	s.bloomMu.Lock()
	s.seen.AddString(st.Hash)
	s.bloomMu.Unlock()

	s.count.Add(1)

	s.notify(Event{Kind: Inserted, Statement: rec.statement(), Origin: origin})

	return InsertResult{Created: true}, nil
}

// Get returns the statement stored under hash or types.ErrNotFound.
func (s *Store) Get(hash string) (*types.Statement, error) {
	rec, err := s.load(hash)
	if err != nil {
		return nil, err
	}

	if rec == nil {
		return nil, types.ErrNotFound
	}

	return rec.statement(), nil
}

// Delete removes a statement. Returns false when hash is not stored.
func (s *Store) Delete(hash string) (bool, error) {
	mu := s.stripe(hash)
	mu.Lock()
	defer mu.Unlock()

	rec, err := s.load(hash)
	if err != nil || rec == nil {
		return false, err
	}

	ops := indexOps(&rec.Payload, hash, true)
	ops = append(ops, storage.Op{Key: makeMessageKey(hash), Delete: true})

	if err := s.db.Apply(ops); err != nil {
		return false, unavailable("delete message", err)
	}

	s.count.Add(-1)

	s.notify(Event{Kind: Deleted, Statement: rec.statement()})

	return true, nil
}

// Count returns the number of stored statements.
func (s *Store) Count() int {
	return int(s.count.Load())
}

// All calls fn for every stored statement in hash order.
// Returning storage.ErrStop from fn ends the walk early.
func (s *Store) All(fn func(*types.Statement) error) error {
	err := s.db.IteratePrefix(prefixMessage, func(_, value []byte) error {
		var rec record
		if err := json.Unmarshal(value, &rec); err != nil {
			return fmt.Errorf("decode record:\n%w", err)
		}
		return fn(rec.statement())
	})

	return err
}

// Mentioning returns every statement naming p as author or recipient.
func (s *Store) Mentioning(p types.Pointer) ([]*types.Statement, error) {
	seen := make(map[string]bool)
	var out []*types.Statement

	for _, prefix := range [][]byte{prefixAuthor, prefixRecipient} {
		hashes, err := s.hashesFor(prefix, p)
		if err != nil {
			return nil, err
		}

		for _, h := range hashes {
			if seen[h] {
				continue
			}
			seen[h] = true

			rec, err := s.load(h)
			if err != nil {
				return nil, err
			}
			if rec != nil {
				out = append(out, rec.statement())
			}
		}
	}

	return out, nil
}

// hashesFor lists the hashes indexed under p for the given index prefix.
func (s *Store) hashesFor(prefix []byte, p types.Pointer) ([]string, error) {
	pp := pointerPrefix(prefix, p)

	var hashes []string
	err := s.db.IteratePrefix(pp, func(key, _ []byte) error {
		hashes = append(hashes, hashFromIndexKey(len(pp), key))
		return nil
	})
	if err != nil {
		return nil, unavailable("scan pointer index", err)
	}

	return hashes, nil
}

// load reads a record, returning nil when absent.
func (s *Store) load(hash string) (*record, error) {
	data, err := s.db.Get(makeMessageKey(hash))
	if err != nil {
		return nil, unavailable("read message", err)
	}

	if data == nil {
		return nil, nil
	}

	var rec record
	if err := json.Unmarshal(data, &rec); err != nil {
		return nil, fmt.Errorf("decode record %s:\n%w", hash, err)
	}

	return &rec, nil
}

// stripe returns the lock guarding hash.
func (s *Store) stripe(hash string) *sync.Mutex {
	return &s.stripes[maphash.String(s.seed, hash)%numStripes]
}

// notify delivers ev to every listener in registration order.
func (s *Store) notify(ev Event) {
	s.listenersMu.RLock()
	listeners := s.listeners
	s.listenersMu.RUnlock()

	for _, l := range listeners {
		l(ev)
	}
}

// indexOps builds the secondary index writes (or deletes) for a payload.
func indexOps(p *types.Payload, hash string, del bool) []storage.Op {
	ops := make([]storage.Op, 0, len(p.Author)+len(p.Recipient)+1)

	for _, a := range p.Author {
		ops = append(ops, storage.Op{Key: makePointerKey(prefixAuthor, a, hash), Delete: del})
	}

	for _, r := range p.Recipient {
		ops = append(ops, storage.Op{Key: makePointerKey(prefixRecipient, r, hash), Delete: del})
	}

	ops = append(ops, storage.Op{Key: makeTimeKey(p.Timestamp, hash), Delete: del})

	return ops
}

// unavailable wraps a persistence failure as types.ErrStoreUnavailable.
func unavailable(op string, err error) error {
	return fmt.Errorf("%s: %w:\n%w", op, types.ErrStoreUnavailable, err)
}
