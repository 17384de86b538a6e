package export

import (
	"encoding/hex"
	"encoding/json"
	"fmt"
	"slices"
	"strings"

	"github.com/klauspost/compress/zstd"
	"github.com/zeebo/blake3"

	"TrustMesh/internal/types"
)

// Schema names and the current document version.
const (
	SchemaIdentityIndex = "trustmesh/identity-index"
	SchemaStatements    = "trustmesh/statements"
	Version             = 1
)

// Artifact is a compressed, content-addressed export document.
type Artifact struct {
	CID     string // CID is hex(blake3(Data))
	Schema  string // Schema names the document type
	Entries int    // Entries counts the top-level records
	Data    []byte // Data is the zstd-compressed canonical JSON
}

// Header is the part shared by every document.
type Header struct {
	Schema  string `json:"schema"`
	Version int    `json:"version"`
}

// Distance is one reached pointer of an identity index.
type Distance struct {
	Pointer  types.Pointer `json:"pointer"`
	Distance int           `json:"distance"`
}

// IdentityIndexDoc describes an identity and its trust neighborhood.
type IdentityIndexDoc struct {
	Header
	Root         types.Pointer   `json:"root"`
	TrustedKeyID string          `json:"trustedKeyID,omitempty"`
	Depth        int             `json:"depth"`
	Identity     []types.Pointer `json:"identity"`
	Reachable    []Distance      `json:"reachable"`
}

// StatementEntry is one statement of a store export.
type StatementEntry struct {
	Hash     string `json:"hash"`
	Envelope string `json:"jws"`
}

// StatementsDoc is a whole-store export.
type StatementsDoc struct {
	Header
	Count      int              `json:"count"`
	Statements []StatementEntry `json:"statements"`
}

// IdentityIndex builds the export of an identity cluster and its reachable
// pointers. Inputs are sorted, so equal inputs yield the same artifact.
func IdentityIndex(root types.Pointer, trustedKeyID string, depth int, identity []types.Pointer, reachable []Distance) (*Artifact, error) {
	ids := slices.Clone(identity)
	slices.SortFunc(ids, comparePointers)

	reach := slices.Clone(reachable)
	slices.SortFunc(reach, func(a, b Distance) int {
		if a.Distance != b.Distance {
			return a.Distance - b.Distance
		}
		return comparePointers(a.Pointer, b.Pointer)
	})

	doc := IdentityIndexDoc{
		Header:       Header{Schema: SchemaIdentityIndex, Version: Version},
		Root:         root,
		TrustedKeyID: trustedKeyID,
		Depth:        depth,
		Identity:     ids,
		Reachable:    reach,
	}

	return seal(SchemaIdentityIndex, len(reach), &doc)
}

// Statements exports every statement walked by all, ordered by hash.
func Statements(all func(fn func(*types.Statement) error) error) (*Artifact, error) {
	var entries []StatementEntry

	err := all(func(st *types.Statement) error {
		entries = append(entries, StatementEntry{Hash: st.Hash, Envelope: st.Envelope})
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("collect statements:\n%w", err)
	}

	slices.SortFunc(entries, func(a, b StatementEntry) int { return strings.Compare(a.Hash, b.Hash) })

	doc := StatementsDoc{
		Header:     Header{Schema: SchemaStatements, Version: Version},
		Count:      len(entries),
		Statements: entries,
	}
	if doc.Statements == nil {
		doc.Statements = []StatementEntry{}
	}

	return seal(SchemaStatements, len(entries), &doc)
}

// seal encodes, compresses and addresses a document.
func seal(schema string, entries int, doc any) (*Artifact, error) {
	raw, err := json.Marshal(doc)
	if err != nil {
		return nil, fmt.Errorf("encode %s:\n%w", schema, err)
	}

	data, err := Compress(raw)
	if err != nil {
		return nil, err
	}

	return &Artifact{CID: CID(data), Schema: schema, Entries: entries, Data: data}, nil
}

// CID returns hex(blake3(data)).
func CID(data []byte) string {
	sum := blake3.Sum256(data)
	return hex.EncodeToString(sum[:])
}

// Compress compresses data using zstd.
func Compress(data []byte) ([]byte, error) {
	encoder, err := zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedDefault))
	if err != nil {
		return nil, fmt.Errorf("create encoder:\n%w", err)
	}
	defer encoder.Close()

	return encoder.EncodeAll(data, nil), nil
}

// Decompress reverses Compress.
func Decompress(data []byte) ([]byte, error) {
	decoder, err := zstd.NewReader(nil)
	if err != nil {
		return nil, fmt.Errorf("create decoder:\n%w", err)
	}
	defer decoder.Close()

	return decoder.DecodeAll(data, nil)
}

// Open decompresses an artifact and decodes it into doc after checking
// that its header matches schema.
func Open(data []byte, schema string, doc any) error {
	raw, err := Decompress(data)
	if err != nil {
		return fmt.Errorf("decompress:\n%w", err)
	}

	var hdr Header
	if err := json.Unmarshal(raw, &hdr); err != nil {
		return fmt.Errorf("decode header:\n%w", err)
	}

	if hdr.Schema != schema || hdr.Version != Version {
		return fmt.Errorf("unexpected document %s v%d", hdr.Schema, hdr.Version)
	}

	return json.Unmarshal(raw, doc)
}

// comparePointers orders pointers by type, then value.
func comparePointers(a, b types.Pointer) int {
	switch {
	case a.Less(b):
		return -1
	case b.Less(a):
		return 1
	default:
		return 0
	}
}
