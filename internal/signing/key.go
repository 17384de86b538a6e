package signing

import (
	"crypto"
	"crypto/ed25519"
	"crypto/rand"
	"encoding/base64"
	"fmt"
	"os"

	"github.com/zeebo/blake3"

	"TrustMesh/internal/types"
)

// Key is the node's signing identity. It is created once at startup and
// never mutated; components receive it explicitly at construction.
type Key struct {
	priv ed25519.PrivateKey // priv signs envelopes and credentials
	pub  ed25519.PublicKey  // pub is the verification key
	id   string             // id is the KeyID derived from pub
}

// NewKey wraps an existing ed25519 private key.
func NewKey(priv ed25519.PrivateKey) (*Key, error) {
	if len(priv) != ed25519.PrivateKeySize {
		return nil, fmt.Errorf("invalid key size: got %d, want %d", len(priv), ed25519.PrivateKeySize)
	}

	pub := priv.Public().(ed25519.PublicKey)

	return &Key{priv: priv, pub: pub, id: KeyIDOf(pub)}, nil
}

// GenerateKey creates a fresh random key.
func GenerateKey() (*Key, error) {
	_, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("generate key:\n%w", err)
	}

	return NewKey(priv)
}

// LoadOrGenerate reads the raw private key stored at path, creating and
// saving a new one when the file does not exist. An empty path yields an
// ephemeral key.
func LoadOrGenerate(path string) (*Key, error) {
	if path == "" {
		return GenerateKey()
	}

	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		key, err := GenerateKey()
		if err != nil {
			return nil, err
		}

		if err := os.WriteFile(path, key.priv, 0600); err != nil {
			return nil, fmt.Errorf("save key to %s:\n%w", path, err)
		}

		return key, nil
	}

	if err != nil {
		return nil, fmt.Errorf("read key file:\n%w", err)
	}

	return NewKey(ed25519.PrivateKey(data))
}

// KeyID returns the key fingerprint.
func (k *Key) KeyID() string { return k.id }

// Public returns the verification key.
func (k *Key) Public() ed25519.PublicKey { return k.pub }

// Pointer returns the keyID pointer naming this key.
func (k *Key) Pointer() types.Pointer { return types.KeyIDPointer(k.id) }

// Signer exposes the private key for transport authentication (TLS).
func (k *Key) Signer() crypto.Signer { return k.priv }

// sign signs msg with the private key.
func (k *Key) sign(msg []byte) []byte {
	return ed25519.Sign(k.priv, msg)
}

// KeyIDOf computes base64url(blake3(pub)).
func KeyIDOf(pub ed25519.PublicKey) string {
	sum := blake3.Sum256(pub)
	return base64.RawURLEncoding.EncodeToString(sum[:])
}
