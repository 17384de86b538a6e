package api

import (
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"TrustMesh/internal/core"
	"TrustMesh/internal/store"
	"TrustMesh/internal/trustgraph"
	"TrustMesh/internal/types"
)

// errBadQuery marks unparsable query parameters.
var errBadQuery = errors.New("invalid query")

// parseFilter reads the message query parameters:
//
//	type             rating, rating:positive|neutral|negative, verify_identity, ...
//	author_name      with author_value, an author pointer
//	recipient_name   with recipient_value, a recipient pointer
//	viewpoint_name   with viewpoint_value, the root of max_distance
//	max_distance     hops from the viewpoint, absent or negative for none
//	timestamp_gte    RFC 3339, inclusive
//	timestamp_lte    RFC 3339, inclusive
//	order_by         timestamp|hash|type|rating
//	direction        asc|desc
//	distinct_author  true keeps one statement per author
//	limit, offset    pagination
func parseFilter(q url.Values) (store.Filter, error) {
	f := store.NewFilter()

	if t := q.Get("type"); t != "" {
		name, sign, hasSign := strings.Cut(t, ":")
		f.Type = types.StatementType(name)

		if hasSign {
			if f.Type != types.TypeRating {
				return f, fmt.Errorf("%w: sign qualifier on type %q", errBadQuery, name)
			}
			s, err := types.ParseSign(sign)
			if err != nil {
				return f, fmt.Errorf("%w: %v", errBadQuery, err)
			}
			f.RatingSign = &s
		}
	}

	var err error

	if f.Author, err = optionalPointer(q, "author_name", "author_value"); err != nil {
		return f, err
	}
	if f.Recipient, err = optionalPointer(q, "recipient_name", "recipient_value"); err != nil {
		return f, err
	}
	if f.Viewpoint, err = optionalPointer(q, "viewpoint_name", "viewpoint_value"); err != nil {
		return f, err
	}
	if f.MaxDistance, err = intParam(q, "max_distance", store.NoMaxDistance); err != nil {
		return f, err
	}
	if f.TimestampGTE, err = timeParam(q, "timestamp_gte"); err != nil {
		return f, err
	}
	if f.TimestampLTE, err = timeParam(q, "timestamp_lte"); err != nil {
		return f, err
	}

	if v := q.Get("order_by"); v != "" {
		f.OrderBy = store.OrderBy(v)
	}
	if v := q.Get("direction"); v != "" {
		f.Direction = store.Direction(v)
	}
	if f.DistinctAuthor, err = boolParam(q, "distinct_author"); err != nil {
		return f, err
	}
	if f.Limit, err = intParam(q, "limit", store.DefaultLimit); err != nil {
		return f, err
	}
	if f.Offset, err = intParam(q, "offset", 0); err != nil {
		return f, err
	}

	return f, nil
}

// parseWindow reads viewpoint_name, viewpoint_value and max_distance.
func parseWindow(q url.Values) (core.Window, error) {
	vp, err := optionalPointer(q, "viewpoint_name", "viewpoint_value")
	if err != nil {
		return core.Window{}, err
	}

	maxDistance, err := intParam(q, "max_distance", store.NoMaxDistance)
	if err != nil {
		return core.Window{}, err
	}

	return core.Window{Viewpoint: vp, MaxDistance: maxDistance}, nil
}

// parseIdentityQuery reads the identity listing parameters: the window,
// attr_name, search_value, limit and offset.
func parseIdentityQuery(q url.Values) (core.IdentityQuery, error) {
	win, err := parseWindow(q)
	if err != nil {
		return core.IdentityQuery{}, err
	}

	iq := core.IdentityQuery{
		Window:      win,
		SearchValue: q.Get("search_value"),
		AttrType:    q.Get("attr_name"),
	}

	if iq.Limit, err = intParam(q, "limit", 0); err != nil {
		return iq, err
	}
	if iq.Offset, err = intParam(q, "offset", 0); err != nil {
		return iq, err
	}
	if iq.Offset < 0 {
		return iq, fmt.Errorf("%w: negative offset", errBadQuery)
	}

	return iq, nil
}

// parseWotOptions reads depth, maintain and trusted_keyid.
func parseWotOptions(q url.Values) (core.WotOptions, error) {
	depth, err := intParam(q, "depth", 0)
	if err != nil {
		return core.WotOptions{}, err
	}

	maintain, err := boolParam(q, "maintain")
	if err != nil {
		return core.WotOptions{}, err
	}

	return core.WotOptions{
		Depth:        depth,
		Maintain:     maintain,
		TrustedKeyID: q.Get("trusted_keyid"),
	}, nil
}

// pathPointer reads the {type}/{value} path segments.
func pathPointer(r *http.Request) (types.Pointer, error) {
	p := types.NewPointer(r.PathValue("type"), r.PathValue("value"))
	if !p.Valid() {
		return p, fmt.Errorf("%w: invalid pointer %q", errBadQuery, p.String())
	}
	return p, nil
}

// pointerAndWindow reads the path pointer and the window parameters.
func pointerAndWindow(r *http.Request) (types.Pointer, core.Window, error) {
	p, err := pathPointer(r)
	if err != nil {
		return p, core.Window{}, err
	}

	win, err := parseWindow(r.URL.Query())
	return p, win, err
}

// optionalPointer reads a pointer from a type/value parameter pair. Both
// or neither must be present.
func optionalPointer(q url.Values, typeKey, valueKey string) (types.Pointer, error) {
	typ, value := q.Get(typeKey), q.Get(valueKey)
	if typ == "" && value == "" {
		return types.Pointer{}, nil
	}

	p := types.NewPointer(typ, value)
	if !p.Valid() {
		return p, fmt.Errorf("%w: %s and %s must both be set", errBadQuery, typeKey, valueKey)
	}

	return p, nil
}

func intParam(q url.Values, key string, def int) (int, error) {
	v := q.Get(key)
	if v == "" {
		return def, nil
	}

	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, fmt.Errorf("%w: %s is not an integer", errBadQuery, key)
	}

	return n, nil
}

// boolParam accepts 1/0 and true/false.
func boolParam(q url.Values, key string) (bool, error) {
	v := q.Get(key)
	if v == "" {
		return false, nil
	}

	b, err := strconv.ParseBool(v)
	if err != nil {
		return false, fmt.Errorf("%w: %s is not a boolean", errBadQuery, key)
	}

	return b, nil
}

func timeParam(q url.Values, key string) (time.Time, error) {
	v := q.Get(key)
	if v == "" {
		return time.Time{}, nil
	}

	t, err := time.Parse(time.RFC3339, v)
	if err != nil {
		return time.Time{}, fmt.Errorf("%w: %s is not an RFC 3339 time", errBadQuery, key)
	}

	return t, nil
}

// bearerToken extracts the credential from the Authorization header.
func bearerToken(r *http.Request) (string, bool) {
	h := r.Header.Get("Authorization")
	if h == "" {
		return "", false
	}

	scheme, token, _ := strings.Cut(h, " ")
	if !strings.EqualFold(scheme, "Bearer") {
		return h, true
	}

	return strings.TrimSpace(token), true
}

// statusFor maps core errors to HTTP status codes.
func statusFor(err error) int {
	switch {
	case errors.Is(err, errBadQuery),
		errors.Is(err, store.ErrInvalidFilter),
		errors.Is(err, types.ErrMalformedStatement),
		errors.Is(err, types.ErrInvalidSignature):
		return http.StatusBadRequest
	case errors.Is(err, types.ErrUnauthorized):
		return http.StatusUnauthorized
	case errors.Is(err, types.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, types.ErrIndexStale),
		errors.Is(err, trustgraph.ErrNotReady):
		return http.StatusConflict
	case errors.Is(err, core.ErrArtifactsDisabled):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}
