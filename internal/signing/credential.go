package signing

import (
	"crypto/ed25519"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"TrustMesh/internal/types"
)

// CredentialLifetime is how long an issued bearer credential stays valid.
const CredentialLifetime = 365 * 24 * time.Hour

// Claims is the body of a bearer credential.
type Claims struct {
	Issuer    string        `json:"iss"`  // Issuer is the signing node's KeyID
	Subject   types.Pointer `json:"sub"`  // Subject is the caller's pointer
	Name      string        `json:"name"` // Name is the caller's display name
	IssuedAt  int64         `json:"iat"`  // IssuedAt is a unix timestamp
	ExpiresAt int64         `json:"exp"`  // ExpiresAt is a unix timestamp
	TokenID   string        `json:"jti"`  // TokenID is a random identifier
}

// IssueCredential signs a credential asserting subject, valid for
// CredentialLifetime from now.
func IssueCredential(key *Key, subject types.Pointer, name string, now time.Time) (string, error) {
	claims := Claims{
		Issuer:    key.KeyID(),
		Subject:   subject,
		Name:      name,
		IssuedAt:  now.Unix(),
		ExpiresAt: now.Add(CredentialLifetime).Unix(),
		TokenID:   uuid.NewString(),
	}

	body, err := json.Marshal(claims)
	if err != nil {
		return "", fmt.Errorf("encode claims:\n%w", err)
	}

	return b64.EncodeToString(body) + "." + b64.EncodeToString(key.sign(body)), nil
}

// VerifyCredential checks a credential against pub and returns its claims.
// Every failure wraps types.ErrUnauthorized.
func VerifyCredential(pub ed25519.PublicKey, token string, now time.Time) (*Claims, error) {
	bodyB64, sigB64, ok := strings.Cut(strings.TrimSpace(token), ".")
	if !ok || bodyB64 == "" || sigB64 == "" {
		return nil, fmt.Errorf("%w: invalid credential format", types.ErrUnauthorized)
	}

	body, err := b64.DecodeString(bodyB64)
	if err != nil {
		return nil, fmt.Errorf("%w: invalid claims encoding", types.ErrUnauthorized)
	}

	sig, err := b64.DecodeString(sigB64)
	if err != nil {
		return nil, fmt.Errorf("%w: invalid signature encoding", types.ErrUnauthorized)
	}

	if !ed25519.Verify(pub, body, sig) {
		return nil, fmt.Errorf("%w: credential signature mismatch", types.ErrUnauthorized)
	}

	var claims Claims
	if err := json.Unmarshal(body, &claims); err != nil {
		return nil, fmt.Errorf("%w: invalid claims json", types.ErrUnauthorized)
	}

	if now.Unix() >= claims.ExpiresAt {
		return nil, fmt.Errorf("%w: credential expired", types.ErrUnauthorized)
	}

	if !claims.Subject.Valid() {
		return nil, fmt.Errorf("%w: credential has no subject", types.ErrUnauthorized)
	}

	return &claims, nil
}

// Providers whose profiles are identified by a public URL.
var urlProviders = map[string]string{
	"facebook": "https://www.facebook.com/",
	"twitter":  "https://twitter.com/",
	"google":   "https://plus.google.com/",
}

// PointerForLogin maps a federated login to a caller pointer. Providers with
// public profile pages map to a url pointer, others to account id@provider.
func PointerForLogin(provider, externalID string) types.Pointer {
	provider = strings.ToLower(strings.TrimSpace(provider))
	externalID = strings.TrimSpace(externalID)

	if base, ok := urlProviders[provider]; ok {
		return types.NewPointer(types.PointerURL, base+externalID)
	}

	return types.NewPointer(types.PointerAccount, externalID+"@"+provider)
}
