package client

import (
	"time"

	"TrustMesh/internal/signing"
	"TrustMesh/internal/types"
)

// Rate signs a public rating from key to the recipients on the default scale.
func Rate(key *signing.Key, rating int, comment string, to ...types.Pointer) (*types.Statement, error) {
	return signing.Sign(types.Payload{
		Recipient: to,
		Type:      types.TypeRating,
		Rating:    rating,
		MinRating: types.DefaultMinRating,
		MaxRating: types.DefaultMaxRating,
		Comment:   comment,
		Timestamp: time.Now(),
		Public:    true,
	}, key)
}

// VerifyIdentity signs a public claim that the pointers denote one entity.
func VerifyIdentity(key *signing.Key, same ...types.Pointer) (*types.Statement, error) {
	return signing.Sign(types.Payload{
		Recipient: same,
		Type:      types.TypeVerifyIdentity,
		Timestamp: time.Now(),
		Public:    true,
	}, key)
}
