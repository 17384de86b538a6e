package api

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"net/url"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"TrustMesh/internal/artifact"
	"TrustMesh/internal/core"
	"TrustMesh/internal/export"
	"TrustMesh/internal/signing"
	"TrustMesh/internal/storage"
	"TrustMesh/internal/store"
	"TrustMesh/internal/types"
)

const testSecret = "front-end-secret"

var baseTime = time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)

type testServer struct {
	*httptest.Server
	svc *core.Service
}

// newTestServer serves a fresh core. adminPtr is granted admin rights.
func newTestServer(t *testing.T, withArtifacts bool, adminPtr types.Pointer) *testServer {
	t.Helper()

	db, err := storage.New(filepath.Join(t.TempDir(), "db"))
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	st, err := store.New(db)
	require.NoError(t, err)

	key, err := signing.GenerateKey()
	require.NoError(t, err)

	opts := []core.Option{core.WithAdmins(adminPtr), core.WithClock(func() time.Time { return baseTime })}
	if withArtifacts {
		arts, err := artifact.Open(filepath.Join(t.TempDir(), "artifacts"))
		require.NoError(t, err)
		t.Cleanup(func() { arts.Close() })
		opts = append(opts, core.WithArtifacts(arts))
	}

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)

	svc, err := core.New(ctx, key, st, opts...)
	require.NoError(t, err)

	srv := httptest.NewServer(New(":0", svc, WithLoginSecret(testSecret)).Handler())
	t.Cleanup(srv.Close)

	return &testServer{Server: srv, svc: svc}
}

// do sends a request and decodes a JSON response into out when non-nil.
func (ts *testServer) do(t *testing.T, method, path, token string, body any, out any) int {
	t.Helper()

	var reader *bytes.Reader
	if body != nil {
		data, err := json.Marshal(body)
		require.NoError(t, err)
		reader = bytes.NewReader(data)
	} else {
		reader = bytes.NewReader(nil)
	}

	req, err := http.NewRequest(method, ts.URL+path, reader)
	require.NoError(t, err)
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}

	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()

	if out != nil {
		require.NoError(t, json.NewDecoder(resp.Body).Decode(out))
	}

	return resp.StatusCode
}

// login issues a credential through the login route.
func (ts *testServer) login(t *testing.T, provider, id, name string) core.Login {
	t.Helper()

	data, err := json.Marshal(loginRequest{Provider: provider, ExternalID: id, Name: name})
	require.NoError(t, err)

	req, err := http.NewRequest(http.MethodPost, ts.URL+"/api/login", bytes.NewReader(data))
	require.NoError(t, err)
	req.Header.Set(loginSecretHeader, testSecret)

	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var login core.Login
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&login))

	return login
}

// signed returns a public rating signed by a fresh key.
func signed(t *testing.T, to types.Pointer, rating int, public bool) (*types.Statement, *signing.Key) {
	t.Helper()

	key, err := signing.GenerateKey()
	require.NoError(t, err)

	st, err := signing.Sign(types.Payload{
		Recipient: []types.Pointer{to},
		Type:      types.TypeRating,
		Rating:    rating,
		MinRating: types.DefaultMinRating,
		MaxRating: types.DefaultMaxRating,
		Timestamp: baseTime,
		Public:    public,
	}, key)
	require.NoError(t, err)

	return st, key
}

var adminLogin = signing.PointerForLogin("github", "1")

func TestHealthAndInfo(t *testing.T) {
	ts := newTestServer(t, true, adminLogin)

	var health map[string]string
	assert.Equal(t, http.StatusOK, ts.do(t, http.MethodGet, "/health", "", nil, &health))
	assert.Equal(t, "ok", health["status"])

	var info core.Info
	require.Equal(t, http.StatusOK, ts.do(t, http.MethodGet, "/api", "", nil, &info))
	assert.Equal(t, "TrustMesh API", info.Message)
	assert.Equal(t, ts.svc.Key().KeyID(), info.KeyID)
	assert.Equal(t, 0, info.MsgCount)
	assert.Equal(t, "unavailable", info.Transport)
}

func TestSubmitSignedStatement(t *testing.T) {
	ts := newTestServer(t, true, adminLogin)
	st, _ := signed(t, types.NewPointer(types.PointerEmail, "bob@example.com"), 2, true)

	body := map[string]string{"hash": st.Hash, "jws": st.Envelope}

	var got types.Statement
	require.Equal(t, http.StatusCreated, ts.do(t, http.MethodPost, "/api/messages", "", body, &got))
	assert.Equal(t, st.Hash, got.Hash)

	assert.Equal(t, http.StatusOK, ts.do(t, http.MethodPost, "/api/messages", "", body, nil))

	var fetched types.Statement
	require.Equal(t, http.StatusOK, ts.do(t, http.MethodGet, "/api/messages/"+st.Hash, "", nil, &fetched))
	assert.Equal(t, st.Envelope, fetched.Envelope)
}

func TestSubmitRejectsInvalid(t *testing.T) {
	ts := newTestServer(t, true, adminLogin)
	st, _ := signed(t, types.NewPointer(types.PointerEmail, "bob@example.com"), 2, true)

	tests := []struct {
		name  string
		token string
		body  any
		want  int
	}{
		{"hash mismatch", "", map[string]string{"hash": "00", "jws": st.Envelope}, http.StatusBadRequest},
		{"tampered", "", map[string]string{"jws": st.Envelope[:len(st.Envelope)-4] + "AAAA"}, http.StatusBadRequest},
		{"empty", "", map[string]string{}, http.StatusBadRequest},
		{"draft anonymous", "", map[string]any{"signedData": map[string]any{"recipient": [][]string{{"email", "x@y.z"}}, "type": "rating", "rating": 1}}, http.StatusUnauthorized},
		{"bad token", "nope", map[string]string{"jws": st.Envelope}, http.StatusUnauthorized},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var resp map[string]string
			assert.Equal(t, tt.want, ts.do(t, http.MethodPost, "/api/messages", tt.token, tt.body, &resp))
			assert.NotEmpty(t, resp["error"])
		})
	}
}

func TestSubmitDraftWithCredential(t *testing.T) {
	ts := newTestServer(t, true, adminLogin)
	login := ts.login(t, "github", "42", "Octo")

	body := map[string]any{
		"signedData": map[string]any{
			"recipient": [][]string{{"email", "bob@example.com"}},
			"type":      "rating",
			"rating":    3,
			"comment":   "great",
		},
	}

	var got types.Statement
	require.Equal(t, http.StatusCreated, ts.do(t, http.MethodPost, "/api/messages", login.Token, body, &got))

	assert.True(t, got.Payload.Public, "drafts default to public")
	assert.True(t, types.ContainsPointer(got.Payload.Author, login.Pointer))
	assert.Equal(t, ts.svc.Key().KeyID(), got.SignerKeyID)

	var sent []types.Statement
	path := "/api/identities/" + login.Pointer.Type + "/" + url.PathEscape(login.Pointer.Value) + "/sent"
	require.Equal(t, http.StatusOK, ts.do(t, http.MethodGet, path, "", nil, &sent))
	assert.Len(t, sent, 1)
}

func TestLoginRequiresSecret(t *testing.T) {
	ts := newTestServer(t, true, adminLogin)

	req, err := http.NewRequest(http.MethodPost, ts.URL+"/api/login", bytes.NewReader([]byte(`{"provider":"github","id":"1"}`)))
	require.NoError(t, err)
	req.Header.Set(loginSecretHeader, "wrong")

	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	resp.Body.Close()

	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
}

func TestMessageQueries(t *testing.T) {
	ts := newTestServer(t, true, adminLogin)
	bob := types.NewPointer(types.PointerEmail, "bob@example.com")

	for _, r := range []struct {
		rating int
		public bool
	}{{3, true}, {-2, true}, {1, false}} {
		st, _ := signed(t, bob, r.rating, r.public)
		require.Equal(t, http.StatusCreated, ts.do(t, http.MethodPost, "/api/messages", "", map[string]string{"jws": st.Envelope}, nil))
	}

	tests := []struct {
		query string
		want  int
	}{
		{"", 2},
		{"?type=rating:positive", 1},
		{"?type=rating:negative", 1},
		{"?recipient_name=email&recipient_value=bob@example.com", 2},
		{"?limit=1", 1},
		{"?offset=5", 0},
	}

	for _, tt := range tests {
		var list []types.Statement
		require.Equal(t, http.StatusOK, ts.do(t, http.MethodGet, "/api/messages"+tt.query, "", nil, &list), tt.query)
		assert.Len(t, list, tt.want, tt.query)
	}

	admin := ts.login(t, "github", "1", "Admin")
	var all []types.Statement
	require.Equal(t, http.StatusOK, ts.do(t, http.MethodGet, "/api/messages", admin.Token, nil, &all))
	assert.Len(t, all, 3)

	for _, bad := range []string{"?type=bogus", "?type=connection:positive", "?order_by=nope", "?limit=x", "?viewpoint_name=email", "?timestamp_gte=yesterday"} {
		assert.Equal(t, http.StatusBadRequest, ts.do(t, http.MethodGet, "/api/messages"+bad, "", nil, nil), bad)
	}
}

func TestDeleteMessage(t *testing.T) {
	ts := newTestServer(t, true, adminLogin)
	st, _ := signed(t, types.NewPointer(types.PointerEmail, "bob@example.com"), 2, true)
	require.Equal(t, http.StatusCreated, ts.do(t, http.MethodPost, "/api/messages", "", map[string]string{"jws": st.Envelope}, nil))

	user := ts.login(t, "github", "2", "User")
	admin := ts.login(t, "github", "1", "Admin")

	assert.Equal(t, http.StatusUnauthorized, ts.do(t, http.MethodDelete, "/api/messages/"+st.Hash, "", nil, nil))
	assert.Equal(t, http.StatusUnauthorized, ts.do(t, http.MethodDelete, "/api/messages/"+st.Hash, user.Token, nil, nil))
	assert.Equal(t, http.StatusOK, ts.do(t, http.MethodDelete, "/api/messages/"+st.Hash, admin.Token, nil, nil))
	assert.Equal(t, http.StatusNotFound, ts.do(t, http.MethodDelete, "/api/messages/"+st.Hash, admin.Token, nil, nil))
	assert.Equal(t, http.StatusNotFound, ts.do(t, http.MethodGet, "/api/messages/"+st.Hash, "", nil, nil))
}

func TestIdentityRoutes(t *testing.T) {
	ts := newTestServer(t, true, adminLogin)
	alice := types.NewPointer(types.PointerEmail, "alice@example.com")
	site := types.NewPointer(types.PointerURL, "https://alice.example.com")

	key, err := signing.GenerateKey()
	require.NoError(t, err)
	link, err := signing.Sign(types.Payload{
		Recipient: []types.Pointer{alice, site},
		Type:      types.TypeVerifyIdentity,
		Timestamp: baseTime,
		Public:    true,
	}, key)
	require.NoError(t, err)
	require.Equal(t, http.StatusCreated, ts.do(t, http.MethodPost, "/api/messages", "", map[string]string{"jws": link.Envelope}, nil))

	rating, _ := signed(t, alice, 3, true)
	require.Equal(t, http.StatusCreated, ts.do(t, http.MethodPost, "/api/messages", "", map[string]string{"jws": rating.Envelope}, nil))

	var list [][]map[string]any
	require.Equal(t, http.StatusOK, ts.do(t, http.MethodGet, "/api/identities?search_value=alice", "", nil, &list))
	assert.Len(t, list, 1)

	var attrs []map[string]any
	require.Equal(t, http.StatusOK, ts.do(t, http.MethodGet, "/api/identities/email/alice@example.com?type=url", "", nil, &attrs))
	assert.Len(t, attrs, 1)

	var stats store.Stats
	require.Equal(t, http.StatusOK, ts.do(t, http.MethodGet, "/api/identities/email/alice@example.com/stats", "", nil, &stats))
	assert.Equal(t, 1, stats.ReceivedPositive)

	var received []types.Statement
	require.Equal(t, http.StatusOK, ts.do(t, http.MethodGet, "/api/identities/email/alice@example.com/received?type=rating", "", nil, &received))
	assert.Len(t, received, 1)
}

func TestGenerateIndexAndArtifacts(t *testing.T) {
	ts := newTestServer(t, true, adminLogin)
	admin := ts.login(t, "github", "1", "Admin")

	target := types.NewPointer(types.PointerEmail, "bob@example.com")
	rootPath := "/api/identities/keyID/" + ts.svc.Key().KeyID()

	st, err := signing.Sign(types.Payload{
		Recipient: []types.Pointer{target},
		Type:      types.TypeRating,
		Rating:    3,
		MinRating: types.DefaultMinRating,
		MaxRating: types.DefaultMaxRating,
		Timestamp: baseTime,
		Public:    true,
	}, ts.svc.Key())
	require.NoError(t, err)
	require.Equal(t, http.StatusCreated, ts.do(t, http.MethodPost, "/api/messages", "", map[string]string{"jws": st.Envelope}, nil))

	assert.Equal(t, http.StatusUnauthorized, ts.do(t, http.MethodGet, rootPath+"/generatewotindex", "", nil, nil))

	var res core.WotResult
	require.Equal(t, http.StatusOK, ts.do(t, http.MethodGet, rootPath+"/generatewotindex?depth=2&maintain=1", admin.Token, nil, &res))
	assert.Equal(t, 2, res.Size)
	assert.NotEmpty(t, res.Statements)

	var dist distanceResponse
	require.Equal(t, http.StatusOK, ts.do(t, http.MethodGet, "/api/identities/email/bob@example.com/distance", "", nil, &dist))
	assert.True(t, dist.Reachable)
	assert.Equal(t, 1, dist.Distance)

	resp, err := http.Get(ts.URL + "/artifacts/" + res.IdentityIndex)
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var buf bytes.Buffer
	_, err = buf.ReadFrom(resp.Body)
	require.NoError(t, err)

	var doc export.IdentityIndexDoc
	require.NoError(t, export.Open(buf.Bytes(), export.SchemaIdentityIndex, &doc))

	assert.Equal(t, http.StatusNotFound, ts.do(t, http.MethodGet, "/artifacts/missing", "", nil, nil))

	var reindex core.ReindexResult
	require.Equal(t, http.StatusOK, ts.do(t, http.MethodGet, "/api/reindex", admin.Token, nil, &reindex))
	assert.Equal(t, 1, reindex.Count)

	// Deleting the only edge leaves the maintained index stale.
	require.Equal(t, http.StatusOK, ts.do(t, http.MethodDelete, "/api/messages/"+st.Hash, admin.Token, nil, nil))
	assert.Equal(t, http.StatusConflict, ts.do(t, http.MethodGet, "/api/identities/email/bob@example.com/distance", "", nil, nil))
}

func TestArtifactsDisabled(t *testing.T) {
	ts := newTestServer(t, false, adminLogin)
	assert.Equal(t, http.StatusServiceUnavailable, ts.do(t, http.MethodGet, "/artifacts/abc", "", nil, nil))
}

func TestParseFilter(t *testing.T) {
	q := url.Values{
		"type":            {"rating:neutral"},
		"author_name":     {"email"},
		"author_value":    {"a@b.c"},
		"max_distance":    {"2"},
		"distinct_author": {"1"},
		"direction":       {"asc"},
		"timestamp_gte":   {"2024-01-01T00:00:00Z"},
	}

	f, err := parseFilter(q)
	require.NoError(t, err)

	assert.Equal(t, types.TypeRating, f.Type)
	require.NotNil(t, f.RatingSign)
	assert.Equal(t, types.Neutral, *f.RatingSign)
	assert.Equal(t, types.NewPointer("email", "a@b.c"), f.Author)
	assert.Equal(t, 2, f.MaxDistance)
	assert.True(t, f.DistinctAuthor)
	assert.Equal(t, store.Asc, f.Direction)
	assert.True(t, f.TimestampGTE.Equal(baseTime))

	empty, err := parseFilter(url.Values{})
	require.NoError(t, err)
	assert.Equal(t, store.NoMaxDistance, empty.MaxDistance)
	assert.Equal(t, store.DefaultLimit, empty.Limit)
}
