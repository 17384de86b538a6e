package store

import (
	"cmp"
	"encoding/binary"
	"errors"
	"fmt"
	"slices"
	"strings"
	"time"

	"TrustMesh/internal/storage"
	"TrustMesh/internal/types"
)

// Pagination and distance defaults.
const (
	DefaultLimit  = 100
	MaxLimit      = 1000
	NoMaxDistance = -1
)

// ErrInvalidFilter is returned for filters that cannot be evaluated.
var ErrInvalidFilter = errors.New("invalid filter")

// OrderBy names the sort field of a query.
type OrderBy string

const (
	OrderTimestamp OrderBy = "timestamp"
	OrderHash      OrderBy = "hash"
	OrderType      OrderBy = "type"
	OrderRating    OrderBy = "rating"
)

// Direction is the sort direction of a query.
type Direction string

const (
	Asc  Direction = "asc"
	Desc Direction = "desc"
)

// Filter selects statements. Every field is optional; set fields are
// combined with logical AND. Use NewFilter for the defaults.
type Filter struct {
	PublicOnly     bool                // PublicOnly hides non-public statements
	Type           types.StatementType // Type restricts the statement type
	RatingSign     *types.Sign         // RatingSign restricts ratings to one sign
	Author         types.Pointer       // Author must be one of the authors
	Recipient      types.Pointer       // Recipient must be one of the recipients
	TimestampGTE   time.Time           // TimestampGTE is the inclusive lower time bound
	TimestampLTE   time.Time           // TimestampLTE is the inclusive upper time bound
	Viewpoint      types.Pointer       // Viewpoint is the trust root for MaxDistance
	MaxDistance    int                 // MaxDistance limits author distance; NoMaxDistance disables
	OrderBy        OrderBy             // OrderBy is the sort field
	Direction      Direction           // Direction is the sort direction
	DistinctAuthor bool                // DistinctAuthor keeps the first statement per author
	Limit          int                 // Limit caps the result size
	Offset         int                 // Offset skips leading results
}

// NewFilter returns a filter with the default ordering, limit and no
// distance restriction.
func NewFilter() Filter {
	return Filter{
		MaxDistance: NoMaxDistance,
		OrderBy:     OrderTimestamp,
		Direction:   Desc,
		Limit:       DefaultLimit,
	}
}

// DistanceLimited reports whether the filter restricts trust distance.
func (f *Filter) DistanceLimited() bool {
	return f.MaxDistance >= 0
}

// Normalize fills defaults and rejects impossible values.
func (f *Filter) Normalize() error {
	switch f.OrderBy {
	case "":
		f.OrderBy = OrderTimestamp
	case OrderTimestamp, OrderHash, OrderType, OrderRating:
	default:
		return fmt.Errorf("%w: unknown order_by %q", ErrInvalidFilter, f.OrderBy)
	}

	switch f.Direction {
	case "":
		f.Direction = Desc
	case Asc, Desc:
	default:
		return fmt.Errorf("%w: unknown direction %q", ErrInvalidFilter, f.Direction)
	}

	if f.Type != "" && !f.Type.Valid() {
		return fmt.Errorf("%w: unknown type %q", ErrInvalidFilter, f.Type)
	}

	if f.Offset < 0 {
		return fmt.Errorf("%w: negative offset", ErrInvalidFilter)
	}

	if f.Limit <= 0 {
		f.Limit = DefaultLimit
	}
	f.Limit = min(f.Limit, MaxLimit)

	return nil
}

// match applies every predicate except ordering and pagination.
func (f *Filter) match(p *types.Payload, within types.DistanceFunc) bool {
	if f.PublicOnly && !p.Public {
		return false
	}

	if f.Type != "" && p.Type != f.Type {
		return false
	}

	if f.RatingSign != nil && (p.Type != types.TypeRating || p.Sign() != *f.RatingSign) {
		return false
	}

	if !f.Author.IsZero() && !types.ContainsPointer(p.Author, f.Author) {
		return false
	}

	if !f.Recipient.IsZero() && !types.ContainsPointer(p.Recipient, f.Recipient) {
		return false
	}

	if !f.TimestampGTE.IsZero() && p.Timestamp.Before(f.TimestampGTE) {
		return false
	}

	if !f.TimestampLTE.IsZero() && p.Timestamp.After(f.TimestampLTE) {
		return false
	}

	if within != nil && !anyWithin(p.Author, within) {
		return false
	}

	return true
}

// anyWithin reports whether any pointer lies inside the distance window.
func anyWithin(ptrs []types.Pointer, within types.DistanceFunc) bool {
	for _, p := range ptrs {
		if _, ok := within(p); ok {
			return true
		}
	}
	return false
}

// Query returns the statements matching f. within restricts statement
// authors to a trust window and may be nil.
func (s *Store) Query(f Filter, within types.DistanceFunc) ([]*types.Statement, error) {
	if err := f.Normalize(); err != nil {
		return nil, err
	}

	if f.OrderBy == OrderTimestamp && f.Author.IsZero() && f.Recipient.IsZero() {
		return s.queryByTime(&f, within)
	}

	var hashes []string
	var err error

	switch {
	case !f.Author.IsZero():
		hashes, err = s.hashesFor(prefixAuthor, f.Author)
	case !f.Recipient.IsZero():
		hashes, err = s.hashesFor(prefixRecipient, f.Recipient)
	default:
		hashes, err = s.allHashes()
	}
	if err != nil {
		return nil, err
	}

	var matches []*types.Statement
	for _, h := range hashes {
		rec, err := s.load(h)
		if err != nil {
			return nil, err
		}

		if rec != nil && f.match(&rec.Payload, within) {
			matches = append(matches, rec.statement())
		}
	}

	slices.SortFunc(matches, func(a, b *types.Statement) int {
		c := compareBy(f.OrderBy, a, b)
		if f.Direction == Desc {
			return -c
		}
		return c
	})

	if f.DistinctAuthor {
		matches = distinctByAuthor(matches)
	}

	return page(matches, f.Offset, f.Limit), nil
}

// queryByTime walks the time index in the requested direction and stops as
// soon as the page is full or the time range is exhausted.
func (s *Store) queryByTime(f *Filter, within types.DistanceFunc) ([]*types.Statement, error) {
	want := f.Offset + f.Limit
	authors := make(map[types.Pointer]bool)
	var out []*types.Statement

	visit := func(key, _ []byte) error {
		ms := int64(binary.BigEndian.Uint64(key[len(prefixTime):]))
		ts := time.UnixMilli(ms)

		if f.Direction == Desc && !f.TimestampGTE.IsZero() && ts.Before(f.TimestampGTE) {
			return storage.ErrStop
		}
		if f.Direction == Asc && !f.TimestampLTE.IsZero() && ts.After(f.TimestampLTE) {
			return storage.ErrStop
		}

		rec, err := s.load(hashFromIndexKey(len(prefixTime)+8, key))
		if err != nil {
			return err
		}

		if rec == nil || !f.match(&rec.Payload, within) {
			return nil
		}

		if f.DistinctAuthor {
			a := rec.Payload.Author[0]
			if authors[a] {
				return nil
			}
			authors[a] = true
		}

		out = append(out, rec.statement())
		if len(out) >= want {
			return storage.ErrStop
		}

		return nil
	}

	var err error
	if f.Direction == Desc {
		err = s.db.IteratePrefixReverse(prefixTime, visit)
	} else {
		err = s.db.IteratePrefix(prefixTime, visit)
	}
	if err != nil {
		return nil, err
	}

	return page(out, f.Offset, f.Limit), nil
}

// allHashes lists every stored hash.
func (s *Store) allHashes() ([]string, error) {
	var hashes []string
	err := s.db.IteratePrefix(prefixMessage, func(key, _ []byte) error {
		hashes = append(hashes, string(key[len(prefixMessage):]))
		return nil
	})
	if err != nil {
		return nil, unavailable("scan messages", err)
	}
	return hashes, nil
}

// compareBy orders two statements ascending by field, then timestamp, then hash.
func compareBy(field OrderBy, a, b *types.Statement) int {
	var c int

	switch field {
	case OrderHash:
		return strings.Compare(a.Hash, b.Hash)
	case OrderType:
		c = strings.Compare(string(a.Payload.Type), string(b.Payload.Type))
	case OrderRating:
		c = cmp.Compare(a.Payload.Rating, b.Payload.Rating)
	}

	if c != 0 {
		return c
	}

	if c = a.Payload.Timestamp.Compare(b.Payload.Timestamp); c != 0 {
		return c
	}

	return strings.Compare(a.Hash, b.Hash)
}

// distinctByAuthor keeps the first statement of each primary author.
func distinctByAuthor(list []*types.Statement) []*types.Statement {
	seen := make(map[types.Pointer]bool)
	out := list[:0]

	for _, st := range list {
		a := st.Payload.Author[0]
		if seen[a] {
			continue
		}
		seen[a] = true
		out = append(out, st)
	}

	return out
}

// page applies offset and limit.
func page(list []*types.Statement, offset, limit int) []*types.Statement {
	if offset >= len(list) {
		return []*types.Statement{}
	}

	list = list[offset:]
	if len(list) > limit {
		list = list[:limit]
	}

	return list
}

// Stats aggregates rating counts for a pointer.
type Stats struct {
	ReceivedPositive int        `json:"received_positive"`
	ReceivedNeutral  int        `json:"received_neutral"`
	ReceivedNegative int        `json:"received_negative"`
	SentPositive     int        `json:"sent_positive"`
	SentNeutral      int        `json:"sent_neutral"`
	SentNegative     int        `json:"sent_negative"`
	FirstSeen        *time.Time `json:"first_seen,omitempty"`
}

// Stats counts ratings received and sent by p, and the earliest statement
// mentioning it. When within is set, received ratings count only if an
// author is inside the window and sent ratings only if a recipient is.
func (s *Store) Stats(p types.Pointer, within types.DistanceFunc) (*Stats, error) {
	stats := &Stats{}

	observe := func(ts time.Time) {
		if stats.FirstSeen == nil || ts.Before(*stats.FirstSeen) {
			t := ts
			stats.FirstSeen = &t
		}
	}

	for _, dir := range []struct {
		prefix        []byte
		counterpart   func(*types.Payload) []types.Pointer
		pos, neu, neg *int
	}{
		{prefixRecipient, func(pl *types.Payload) []types.Pointer { return pl.Author },
			&stats.ReceivedPositive, &stats.ReceivedNeutral, &stats.ReceivedNegative},
		{prefixAuthor, func(pl *types.Payload) []types.Pointer { return pl.Recipient },
			&stats.SentPositive, &stats.SentNeutral, &stats.SentNegative},
	} {
		hashes, err := s.hashesFor(dir.prefix, p)
		if err != nil {
			return nil, err
		}

		for _, h := range hashes {
			rec, err := s.load(h)
			if err != nil {
				return nil, err
			}

			if rec == nil {
				continue
			}

			pl := &rec.Payload
			if within != nil && !anyWithin(dir.counterpart(pl), within) {
				continue
			}

			observe(pl.Timestamp)

			if pl.Type != types.TypeRating {
				continue
			}

			switch pl.Sign() {
			case types.Positive:
				*dir.pos++
			case types.Negative:
				*dir.neg++
			default:
				*dir.neu++
			}
		}
	}

	return stats, nil
}
