package client

import (
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"TrustMesh/internal/core"
	"TrustMesh/internal/identity"
	"TrustMesh/internal/store"
	"TrustMesh/internal/types"
)

// Client connects to a TrustMesh node via HTTP.
type Client struct {
	base    string            // base is the node URL (e.g. "http://127.0.0.1:8080")
	http    *http.Client      // http sends every request
	token   string            // token is the bearer credential, if any
	headers map[string]string // headers are added to every request
	keyID   string            // keyID is the node key fingerprint
}

// Option configures a Client.
type Option func(*Client)

// WithToken authenticates requests with a bearer credential.
func WithToken(token string) Option {
	return func(c *Client) { c.token = token }
}

// WithHTTPClient replaces the default HTTP client.
func WithHTTPClient(h *http.Client) Option {
	return func(c *Client) { c.http = h }
}

// NewClient creates a client connected to a node.
// It fetches the node key from GET /api.
func NewClient(nodeAddr string, opts ...Option) (*Client, error) {
	c := &Client{
		base: "http://" + nodeAddr,
		http: &http.Client{Timeout: 30 * time.Second},
	}

	for _, opt := range opts {
		opt(c)
	}

	info, err := c.Info()
	if err != nil {
		return nil, fmt.Errorf("get info:\n%w", err)
	}

	c.keyID = info.KeyID

	return c, nil
}

// WithCredential returns a copy of c authenticated as token.
func (c *Client) WithCredential(token string) *Client {
	cp := *c
	cp.token = token
	return &cp
}

// KeyID returns the node key fingerprint.
func (c *Client) KeyID() string { return c.keyID }

// NodePointer returns the keyID pointer of the node.
func (c *Client) NodePointer() types.Pointer { return types.KeyIDPointer(c.keyID) }

// Info returns GET /api.
func (c *Client) Info() (*core.Info, error) {
	var info core.Info
	if _, err := c.do(http.MethodGet, "/api", nil, &info); err != nil {
		return nil, err
	}
	return &info, nil
}

// Health returns nil when GET /health answers ok.
func (c *Client) Health() error {
	var resp map[string]string
	if _, err := c.do(http.MethodGet, "/health", nil, &resp); err != nil {
		return err
	}
	if resp["status"] != "ok" {
		return fmt.Errorf("health: status %q", resp["status"])
	}
	return nil
}

// Submit posts a signed statement. created is false for a statement the
// node already had.
func (c *Client) Submit(st *types.Statement) (created bool, err error) {
	body := map[string]string{"hash": st.Hash, "jws": st.Envelope}

	status, err := c.do(http.MethodPost, "/api/messages", body, nil)
	if err != nil {
		return false, err
	}

	return status == http.StatusCreated, nil
}

// SubmitDraft posts an unsigned payload for the node to sign on behalf of
// the authenticated caller.
func (c *Client) SubmitDraft(p types.Payload) (*types.Statement, error) {
	var st types.Statement
	if _, err := c.do(http.MethodPost, "/api/messages", map[string]any{"signedData": p}, &st); err != nil {
		return nil, err
	}
	return &st, nil
}

// Message returns GET /api/messages/{hash}.
func (c *Client) Message(hash string) (*types.Statement, error) {
	var st types.Statement
	if _, err := c.do(http.MethodGet, "/api/messages/"+url.PathEscape(hash), nil, &st); err != nil {
		return nil, err
	}
	return &st, nil
}

// Delete removes a statement. It needs an administrator credential.
func (c *Client) Delete(hash string) error {
	_, err := c.do(http.MethodDelete, "/api/messages/"+url.PathEscape(hash), nil, nil)
	return err
}

// Query is the set of message query parameters. Zero fields are omitted.
type Query struct {
	Type           string        // Type is e.g. "rating" or "rating:positive"
	Author         types.Pointer // Author restricts authors
	Recipient      types.Pointer // Recipient restricts recipients
	Viewpoint      types.Pointer // Viewpoint is the distance root, node key by default
	MaxDistance    *int          // MaxDistance limits author distance when set
	OrderBy        string
	Direction      string
	DistinctAuthor bool
	Limit          int
	Offset         int
}

// Distance returns a pointer to d for Query.MaxDistance.
func Distance(d int) *int { return &d }

// values encodes q as query parameters.
func (q Query) values() url.Values {
	v := url.Values{}

	set := func(key, value string) {
		if value != "" {
			v.Set(key, value)
		}
	}
	setPointer := func(prefix string, p types.Pointer) {
		if !p.IsZero() {
			v.Set(prefix+"_name", p.Type)
			v.Set(prefix+"_value", p.Value)
		}
	}

	set("type", q.Type)
	setPointer("author", q.Author)
	setPointer("recipient", q.Recipient)
	setPointer("viewpoint", q.Viewpoint)
	if q.MaxDistance != nil {
		v.Set("max_distance", strconv.Itoa(*q.MaxDistance))
	}
	set("order_by", q.OrderBy)
	set("direction", q.Direction)
	if q.DistinctAuthor {
		v.Set("distinct_author", "true")
	}
	if q.Limit > 0 {
		v.Set("limit", strconv.Itoa(q.Limit))
	}
	if q.Offset > 0 {
		v.Set("offset", strconv.Itoa(q.Offset))
	}

	return v
}

// withQuery appends encoded parameters to path.
func withQuery(path string, v url.Values) string {
	if len(v) == 0 {
		return path
	}
	return path + "?" + v.Encode()
}

// Messages returns GET /api/messages.
func (c *Client) Messages(q Query) ([]*types.Statement, error) {
	var list []*types.Statement
	if _, err := c.do(http.MethodGet, withQuery("/api/messages", q.values()), nil, &list); err != nil {
		return nil, err
	}
	return list, nil
}

// identityPath returns the identity route for p.
func identityPath(p types.Pointer, suffix string) string {
	return "/api/identities/" + url.PathEscape(p.Type) + "/" + url.PathEscape(p.Value) + suffix
}

// Sent returns statements authored by p.
func (c *Client) Sent(p types.Pointer, q Query) ([]*types.Statement, error) {
	var list []*types.Statement
	if _, err := c.do(http.MethodGet, withQuery(identityPath(p, "/sent"), q.values()), nil, &list); err != nil {
		return nil, err
	}
	return list, nil
}

// Received returns statements addressed to p.
func (c *Client) Received(p types.Pointer, q Query) ([]*types.Statement, error) {
	var list []*types.Statement
	if _, err := c.do(http.MethodGet, withQuery(identityPath(p, "/received"), q.values()), nil, &list); err != nil {
		return nil, err
	}
	return list, nil
}

// Identity returns the attributes linked to p, optionally of one type.
func (c *Client) Identity(p types.Pointer, attrType string) ([]identity.Attribute, error) {
	v := url.Values{}
	if attrType != "" {
		v.Set("type", attrType)
	}

	var attrs []identity.Attribute
	if _, err := c.do(http.MethodGet, withQuery(identityPath(p, ""), v), nil, &attrs); err != nil {
		return nil, err
	}
	return attrs, nil
}

// Identities lists identity clusters matching search.
func (c *Client) Identities(search string) ([][]identity.Attribute, error) {
	v := url.Values{}
	if search != "" {
		v.Set("search_value", search)
	}

	var list [][]identity.Attribute
	if _, err := c.do(http.MethodGet, withQuery("/api/identities", v), nil, &list); err != nil {
		return nil, err
	}
	return list, nil
}

// Stats returns rating counts for p.
func (c *Client) Stats(p types.Pointer) (*store.Stats, error) {
	var stats store.Stats
	if _, err := c.do(http.MethodGet, identityPath(p, "/stats"), nil, &stats); err != nil {
		return nil, err
	}
	return &stats, nil
}

// DistanceResult is the answer of the distance route.
type DistanceResult struct {
	Root      types.Pointer `json:"root"`
	Pointer   types.Pointer `json:"pointer"`
	Reachable bool          `json:"reachable"`
	Distance  int           `json:"distance"`
}

// DistanceTo returns the distance of p from the node key.
func (c *Client) DistanceTo(p types.Pointer) (*DistanceResult, error) {
	var res DistanceResult
	if _, err := c.do(http.MethodGet, identityPath(p, "/distance"), nil, &res); err != nil {
		return nil, err
	}
	return &res, nil
}

// GenerateIndex builds and publishes the trust index rooted at p.
// It needs an administrator credential.
func (c *Client) GenerateIndex(p types.Pointer, depth int, maintain bool) (*core.WotResult, error) {
	v := url.Values{}
	if depth > 0 {
		v.Set("depth", strconv.Itoa(depth))
	}
	if maintain {
		v.Set("maintain", "1")
	}

	var res core.WotResult
	if _, err := c.do(http.MethodGet, withQuery(identityPath(p, "/generatewotindex"), v), nil, &res); err != nil {
		return nil, err
	}
	return &res, nil
}

// Reindex exports the whole store. It needs an administrator credential.
func (c *Client) Reindex() (*core.ReindexResult, error) {
	var res core.ReindexResult
	if _, err := c.do(http.MethodGet, "/api/reindex", nil, &res); err != nil {
		return nil, err
	}
	return &res, nil
}

// Artifact returns the compressed artifact stored under cid.
func (c *Client) Artifact(cid string) ([]byte, error) {
	var data []byte
	if _, err := c.do(http.MethodGet, "/artifacts/"+url.PathEscape(cid), nil, &data); err != nil {
		return nil, err
	}
	return data, nil
}

// Login asks the node for a credential as a login front end holding
// secret would.
func (c *Client) Login(secret, provider, externalID, name string) (*core.Login, error) {
	cp := *c
	cp.headers = map[string]string{"X-Login-Secret": secret}

	body := map[string]string{"provider": provider, "id": externalID, "name": name}

	var login core.Login
	if _, err := cp.do(http.MethodPost, "/api/login", body, &login); err != nil {
		return nil, err
	}
	return &login, nil
}
