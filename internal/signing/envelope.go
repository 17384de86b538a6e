package signing

import (
	"bytes"
	"crypto/ed25519"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/zeebo/blake3"

	"TrustMesh/internal/types"
)

// algorithm is the only signature algorithm accepted in envelope headers.
const algorithm = "EdDSA"

var b64 = base64.RawURLEncoding.Strict()

// header is the first envelope segment.
type header struct {
	Alg string `json:"alg"` // Alg is always EdDSA
	Key string `json:"key"` // Key is the base64url public key
}

// Canonicalize normalizes the timestamp to UTC milliseconds and returns the
// deterministic JSON encoding of the payload.
func Canonicalize(p *types.Payload) ([]byte, error) {
	p.Timestamp = p.Timestamp.UTC().Truncate(time.Millisecond)
	return json.Marshal(p)
}

// Sign adds the key's pointer to the authors when missing, canonicalizes the
// payload and returns the signed statement. The caller owns the timestamp.
func Sign(p types.Payload, key *Key) (*types.Statement, error) {
	p.Author = append([]types.Pointer(nil), p.Author...)
	if !types.ContainsPointer(p.Author, key.Pointer()) {
		p.Author = append(p.Author, key.Pointer())
	}

	body, err := Canonicalize(&p)
	if err != nil {
		return nil, fmt.Errorf("encode payload:\n%w", err)
	}

	if err := p.Validate(); err != nil {
		return nil, err
	}

	hdr, err := json.Marshal(header{Alg: algorithm, Key: b64.EncodeToString(key.Public())})
	if err != nil {
		return nil, fmt.Errorf("encode header:\n%w", err)
	}

	input := b64.EncodeToString(hdr) + "." + b64.EncodeToString(body)
	envelope := input + "." + b64.EncodeToString(key.sign([]byte(input)))

	return &types.Statement{
		Hash:        HashEnvelope(envelope),
		Envelope:    envelope,
		Payload:     p,
		SignerKeyID: key.KeyID(),
	}, nil
}

// HashEnvelope returns hex(blake3(envelope)).
func HashEnvelope(envelope string) string {
	sum := blake3.Sum256([]byte(envelope))
	return hex.EncodeToString(sum[:])
}

// ParseEnvelope decodes and verifies a compact envelope and returns the
// statement it carries, with its hash computed.
func ParseEnvelope(envelope string) (*types.Statement, error) {
	parts := strings.Split(envelope, ".")
	if len(parts) != 3 {
		return nil, fmt.Errorf("%w: envelope has %d segments", types.ErrMalformedStatement, len(parts))
	}

	rawHeader, err := b64.DecodeString(parts[0])
	if err != nil {
		return nil, fmt.Errorf("%w: header encoding", types.ErrMalformedStatement)
	}

	body, err := b64.DecodeString(parts[1])
	if err != nil {
		return nil, fmt.Errorf("%w: payload encoding", types.ErrMalformedStatement)
	}

	sig, err := b64.DecodeString(parts[2])
	if err != nil {
		return nil, fmt.Errorf("%w: signature encoding", types.ErrInvalidSignature)
	}

	var hdr header
	if err := json.Unmarshal(rawHeader, &hdr); err != nil {
		return nil, fmt.Errorf("%w: header json", types.ErrMalformedStatement)
	}

	pub, err := b64.DecodeString(hdr.Key)
	if hdr.Alg != algorithm || err != nil || len(pub) != ed25519.PublicKeySize {
		return nil, fmt.Errorf("%w: unusable header key", types.ErrInvalidSignature)
	}

	var p types.Payload
	if err := json.Unmarshal(body, &p); err != nil {
		return nil, fmt.Errorf("%w: payload json", types.ErrMalformedStatement)
	}

	canonical, err := Canonicalize(&p)
	if err != nil || !bytes.Equal(canonical, body) {
		return nil, fmt.Errorf("%w: payload is not canonical", types.ErrMalformedStatement)
	}

	if err := p.Validate(); err != nil {
		return nil, err
	}

	keyID := KeyIDOf(pub)
	if !types.ContainsPointer(p.Author, types.KeyIDPointer(keyID)) {
		return nil, fmt.Errorf("%w: no author pointer matches signing key", types.ErrInvalidSignature)
	}

	if !ed25519.Verify(pub, []byte(parts[0]+"."+parts[1]), sig) {
		return nil, types.ErrInvalidSignature
	}

	return &types.Statement{
		Hash:        HashEnvelope(envelope),
		Envelope:    envelope,
		Payload:     p,
		SignerKeyID: keyID,
	}, nil
}

// Verify checks a statement received with a claimed hash. On success the
// statement's payload and signer are replaced with the verified values.
func Verify(st *types.Statement) error {
	if st.Hash == "" {
		return fmt.Errorf("%w: missing hash", types.ErrMalformedStatement)
	}

	parsed, err := ParseEnvelope(st.Envelope)
	if err != nil {
		return err
	}

	if parsed.Hash != st.Hash {
		return fmt.Errorf("%w: hash mismatch", types.ErrInvalidSignature)
	}

	*st = *parsed

	return nil
}
