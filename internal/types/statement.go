package types

import (
	"fmt"
	"time"
)

// StatementType names the kind of assertion a statement makes.
type StatementType string

const (
	// TypeRating rates the recipients on an integer scale.
	TypeRating StatementType = "rating"

	// TypeVerifyIdentity claims that all recipients denote the same entity.
	TypeVerifyIdentity StatementType = "verify_identity"

	// TypeUnverifyIdentity refutes that the recipients denote the same entity.
	TypeUnverifyIdentity StatementType = "unverify_identity"

	// TypeConnection links recipients without claiming equivalence (e.g. a contact entry).
	TypeConnection StatementType = "connection"
)

// Default rating scale.
const (
	DefaultMinRating = -3
	DefaultMaxRating = 3
)

// Valid reports whether t is a known statement type.
func (t StatementType) Valid() bool {
	switch t {
	case TypeRating, TypeVerifyIdentity, TypeUnverifyIdentity, TypeConnection:
		return true
	default:
		return false
	}
}

// Sign is the direction of a rating relative to the midpoint of its scale.
type Sign int

const (
	Negative Sign = -1
	Neutral  Sign = 0
	Positive Sign = 1
)

// String returns "positive", "neutral" or "negative".
func (s Sign) String() string {
	switch s {
	case Positive:
		return "positive"
	case Negative:
		return "negative"
	default:
		return "neutral"
	}
}

// ParseSign is the inverse of Sign.String.
func ParseSign(s string) (Sign, error) {
	switch s {
	case "positive":
		return Positive, nil
	case "neutral":
		return Neutral, nil
	case "negative":
		return Negative, nil
	default:
		return Neutral, fmt.Errorf("unknown rating sign %q", s)
	}
}

// Payload is the signed body of a statement. Field order is the canonical
// encoding order and must not change.
type Payload struct {
	Author    []Pointer     `json:"author"`
	Recipient []Pointer     `json:"recipient"`
	Type      StatementType `json:"type"`
	Rating    int           `json:"rating"`
	MaxRating int           `json:"max_rating"`
	MinRating int           `json:"min_rating"`
	Comment   string        `json:"comment,omitempty"`
	Timestamp time.Time     `json:"timestamp"`
	Public    bool          `json:"public"`
}

// Sign returns the rating direction. Non-rating statements are neutral.
func (p *Payload) Sign() Sign {
	if p.Type != TypeRating {
		return Neutral
	}

	// Compare 2*rating against max+min to avoid integer division.
	doubled := 2 * p.Rating
	mid := p.MaxRating + p.MinRating

	switch {
	case doubled > mid:
		return Positive
	case doubled < mid:
		return Negative
	default:
		return Neutral
	}
}

// Validate checks structural requirements independent of the signature.
func (p *Payload) Validate() error {
	if len(p.Author) == 0 {
		return fmt.Errorf("%w: no author", ErrMalformedStatement)
	}

	if len(p.Recipient) == 0 {
		return fmt.Errorf("%w: no recipient", ErrMalformedStatement)
	}

	for _, ptr := range p.Author {
		if !ptr.Valid() {
			return fmt.Errorf("%w: invalid author pointer %q", ErrMalformedStatement, ptr.String())
		}
	}

	for _, ptr := range p.Recipient {
		if !ptr.Valid() {
			return fmt.Errorf("%w: invalid recipient pointer %q", ErrMalformedStatement, ptr.String())
		}
	}

	if !p.Type.Valid() {
		return fmt.Errorf("%w: unknown type %q", ErrMalformedStatement, p.Type)
	}

	if p.Timestamp.IsZero() {
		return fmt.Errorf("%w: missing timestamp", ErrMalformedStatement)
	}

	if p.Type == TypeRating {
		if p.MinRating >= p.MaxRating {
			return fmt.Errorf("%w: rating scale [%d, %d] is empty", ErrMalformedStatement, p.MinRating, p.MaxRating)
		}
		if p.Rating < p.MinRating || p.Rating > p.MaxRating {
			return fmt.Errorf("%w: rating %d outside [%d, %d]", ErrMalformedStatement, p.Rating, p.MinRating, p.MaxRating)
		}
	}

	return nil
}

// Statement is a verified, content-addressed trust statement.
type Statement struct {
	Hash        string  `json:"hash"`        // Hash is hex(blake3(Envelope))
	Envelope    string  `json:"jws"`         // Envelope is the compact signed form
	Payload     Payload `json:"signedData"`  // Payload is the decoded signed body
	SignerKeyID string  `json:"signerKeyID"` // SignerKeyID is the KeyID of the signing key
}

// Origin tags how a statement reached the node.
type Origin string

const (
	OriginAPI    Origin = "api"    // OriginAPI is a submission through the routing layer
	OriginLocal  Origin = "local"  // OriginLocal is a statement produced by the node itself
	OriginGossip Origin = "gossip" // OriginGossip is a statement ingested from the transport
)

// Caller is an authenticated identity handed over by the routing layer.
type Caller struct {
	Pointer Pointer // Pointer identifies the caller
	Name    string  // Name is the display name
	Admin   bool    // Admin grants administrative operations
}
