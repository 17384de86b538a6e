package types

import (
	"encoding/json"
	"fmt"
	"strings"
)

// Well-known pointer types.
const (
	PointerKeyID    = "keyID"    // PointerKeyID is a public-key fingerprint
	PointerEmail    = "email"    // PointerEmail is an email address
	PointerURL      = "url"      // PointerURL is a profile URL
	PointerAccount  = "account"  // PointerAccount is a provider account (id@provider)
	PointerName     = "name"     // PointerName is a display name
	PointerNickname = "nickname" // PointerNickname is a nickname
)

// keySeparator separates type and value in the key form of a pointer.
const keySeparator = "\x00"

// Pointer is a typed attribute pointer such as (email, a@b.com).
// Pointers are compared by value and used as graph vertex identifiers.
type Pointer struct {
	Type  string // Type is the attribute type
	Value string // Value is the attribute value
}

// NewPointer returns a pointer with surrounding whitespace trimmed.
func NewPointer(typ, value string) Pointer {
	return Pointer{Type: strings.TrimSpace(typ), Value: strings.TrimSpace(value)}
}

// KeyIDPointer returns the keyID pointer for a key fingerprint.
func KeyIDPointer(keyID string) Pointer {
	return Pointer{Type: PointerKeyID, Value: keyID}
}

// IsZero reports whether the pointer is unset.
func (p Pointer) IsZero() bool {
	return p.Type == "" && p.Value == ""
}

// Valid reports whether both type and value are present and free of the
// key separator.
func (p Pointer) Valid() bool {
	return p.Type != "" && p.Value != "" && !strings.Contains(p.Type+p.Value, keySeparator)
}

// Key returns the storage key form "type\x00value".
func (p Pointer) Key() string {
	return p.Type + keySeparator + p.Value
}

// String returns "type:value".
func (p Pointer) String() string {
	return p.Type + ":" + p.Value
}

// Less orders pointers by type, then value.
func (p Pointer) Less(o Pointer) bool {
	if p.Type != o.Type {
		return p.Type < o.Type
	}
	return p.Value < o.Value
}

// ParsePointerKey is the inverse of Key.
func ParsePointerKey(key string) (Pointer, error) {
	typ, value, ok := strings.Cut(key, keySeparator)
	if !ok {
		return Pointer{}, fmt.Errorf("invalid pointer key %q", key)
	}
	return Pointer{Type: typ, Value: value}, nil
}

// MarshalJSON encodes the pointer as a two-element array ["type","value"].
func (p Pointer) MarshalJSON() ([]byte, error) {
	return json.Marshal([2]string{p.Type, p.Value})
}

// UnmarshalJSON decodes a two-element array ["type","value"].
func (p *Pointer) UnmarshalJSON(data []byte) error {
	var pair []string
	if err := json.Unmarshal(data, &pair); err != nil {
		return fmt.Errorf("pointer must be a [type, value] array: %w", err)
	}
	if len(pair) != 2 {
		return fmt.Errorf("pointer must have 2 elements, got %d", len(pair))
	}

	p.Type, p.Value = pair[0], pair[1]

	return nil
}

// ContainsPointer reports whether p is in list.
func ContainsPointer(list []Pointer, p Pointer) bool {
	for _, q := range list {
		if q == p {
			return true
		}
	}
	return false
}

// DistanceFunc reports the trust distance of a pointer from a fixed viewpoint.
// The second result is false when the pointer lies outside the window.
type DistanceFunc func(Pointer) (int, bool)
