package store

import (
	"encoding/binary"
	"time"

	"TrustMesh/internal/types"
)

// Key prefixes for storage.
var (
	prefixMessage   = []byte("m:") // m:<hash> -> record json
	prefixAuthor    = []byte("a:") // a:<type>\x00<value>\x00<hash> -> nil
	prefixRecipient = []byte("r:") // r:<type>\x00<value>\x00<hash> -> nil
	prefixTime      = []byte("t:") // t:<unix ms BE><hash> -> nil
)

// makeMessageKey returns m:<hash>.
func makeMessageKey(hash string) []byte {
	return append(append([]byte{}, prefixMessage...), hash...)
}

// pointerPrefix returns <prefix><type>\x00<value>\x00.
func pointerPrefix(prefix []byte, p types.Pointer) []byte {
	key := append([]byte{}, prefix...)
	key = append(key, p.Key()...)
	return append(key, 0)
}

// makePointerKey returns the author or recipient index key for hash.
func makePointerKey(prefix []byte, p types.Pointer, hash string) []byte {
	return append(pointerPrefix(prefix, p), hash...)
}

// makeTimeKey returns t:<unix ms BE><hash>.
func makeTimeKey(ts time.Time, hash string) []byte {
	key := append([]byte{}, prefixTime...)
	key = binary.BigEndian.AppendUint64(key, uint64(ts.UnixMilli()))
	return append(key, hash...)
}

// hashFromIndexKey extracts the trailing hash of an index key.
func hashFromIndexKey(prefixLen int, key []byte) string {
	return string(key[prefixLen:])
}
