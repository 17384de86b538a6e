package api

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"TrustMesh/internal/core"
	"TrustMesh/internal/logger"
	"TrustMesh/internal/store"
	"TrustMesh/internal/types"
)

const (
	// maxBodySize is the maximum request body size in bytes.
	maxBodySize = 1 << 20 // 1 MB

	// loginSecretHeader carries the shared secret of the login front end.
	loginSecretHeader = "X-Login-Secret"
)

// Option configures a Server.
type Option func(*Server)

// WithLoginSecret enables POST /api/login for a trusted login front end
// presenting secret. Federated login itself happens in that front end.
func WithLoginSecret(secret string) Option {
	return func(s *Server) { s.loginSecret = secret }
}

// Server is the HTTP API server.
type Server struct {
	addr        string        // addr is the HTTP listen address
	core        *core.Service // core serves every operation
	loginSecret string        // loginSecret enables credential issuance when set
	server      *http.Server  // server is the underlying HTTP server
	log         *slog.Logger
}

// New creates a new HTTP API server.
func New(addr string, svc *core.Service, opts ...Option) *Server {
	s := &Server{
		addr: addr,
		core: svc,
		log:  logger.WithComponent("api"),
	}

	for _, opt := range opts {
		opt(s)
	}

	return s
}

// Handler returns the routed handler.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /health", s.handleHealth)
	mux.HandleFunc("GET /api", s.handleInfo)

	mux.HandleFunc("GET /api/messages", s.handleMessages)
	mux.HandleFunc("POST /api/messages", s.handleSubmit)
	mux.HandleFunc("GET /api/messages/{hash}", s.handleMessage)
	mux.HandleFunc("DELETE /api/messages/{hash}", s.handleDeleteMessage)

	mux.HandleFunc("GET /api/identities", s.handleIdentities)
	mux.HandleFunc("GET /api/identities/{type}/{value}", s.handleIdentity)
	mux.HandleFunc("GET /api/identities/{type}/{value}/stats", s.handleStats)
	mux.HandleFunc("GET /api/identities/{type}/{value}/sent", s.handleSent)
	mux.HandleFunc("GET /api/identities/{type}/{value}/received", s.handleReceived)
	mux.HandleFunc("GET /api/identities/{type}/{value}/distance", s.handleDistance)
	mux.HandleFunc("GET /api/identities/{type}/{value}/generatewotindex", s.handleGenerateIndex)

	mux.HandleFunc("GET /api/reindex", s.handleReindex)
	mux.HandleFunc("GET /artifacts/{cid}", s.handleArtifact)

	if s.loginSecret != "" {
		mux.HandleFunc("POST /api/login", s.handleLogin)
	}

	return mux
}

// Start starts the HTTP server in a goroutine.
func (s *Server) Start() error {
	s.server = &http.Server{
		Addr:         s.addr,
		Handler:      s.Handler(),
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 30 * time.Second,
	}

	go func() {
		s.log.Info("http api started", "addr", s.addr)

		if err := s.server.ListenAndServe(); err != http.ErrServerClosed {
			s.log.Error("http server error", "error", err)
		}
	}()

	return nil
}

// Stop gracefully shuts down the HTTP server.
func (s *Server) Stop() error {
	if s.server == nil {
		return nil
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	return s.server.Shutdown(ctx)
}

// handleHealth handles GET /health requests.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{
		"status": "ok",
	})
}

// handleInfo handles GET /api requests.
func (s *Server) handleInfo(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.core.Info())
}

// submitRequest is the body of POST /api/messages.
type submitRequest struct {
	Hash       string          `json:"hash"`
	Envelope   string          `json:"jws"`
	SignedData json.RawMessage `json:"signedData"`
}

// handleSubmit handles POST /api/messages requests.
func (s *Server) handleSubmit(w http.ResponseWriter, r *http.Request) {
	caller, ok := s.caller(w, r)
	if !ok {
		return
	}

	body, err := io.ReadAll(io.LimitReader(r.Body, maxBodySize))
	if err != nil {
		writeError(w, http.StatusBadRequest, "failed to read body")
		return
	}

	var req submitRequest
	if err := json.Unmarshal(body, &req); err != nil {
		writeError(w, http.StatusBadRequest, fmt.Sprintf("invalid json: %v", err))
		return
	}

	sub := core.Submission{Hash: req.Hash, Envelope: req.Envelope}

	if req.Envelope == "" && len(req.SignedData) > 0 {
		// Drafts are public unless they say otherwise.
		draft := types.Payload{Public: true}
		if err := json.Unmarshal(req.SignedData, &draft); err != nil {
			writeError(w, http.StatusBadRequest, fmt.Sprintf("invalid signedData: %v", err))
			return
		}
		sub.Draft = &draft
	}

	res, err := s.core.SubmitStatement(caller, sub)
	if err != nil {
		s.fail(w, err)
		return
	}

	status := http.StatusOK
	if res.Created {
		status = http.StatusCreated
	}

	writeJSON(w, status, res.Statement)
}

// handleMessages handles GET /api/messages requests.
func (s *Server) handleMessages(w http.ResponseWriter, r *http.Request) {
	caller, ok := s.caller(w, r)
	if !ok {
		return
	}

	f, err := parseFilter(r.URL.Query())
	if err != nil {
		s.fail(w, err)
		return
	}

	list, err := s.core.Messages(r.Context(), caller, f)
	if err != nil {
		s.fail(w, err)
		return
	}

	writeJSON(w, http.StatusOK, nonNil(list))
}

// handleMessage handles GET /api/messages/{hash} requests.
func (s *Server) handleMessage(w http.ResponseWriter, r *http.Request) {
	caller, ok := s.caller(w, r)
	if !ok {
		return
	}

	st, err := s.core.Message(caller, r.PathValue("hash"))
	if err != nil {
		s.fail(w, err)
		return
	}

	writeJSON(w, http.StatusOK, st)
}

// handleDeleteMessage handles DELETE /api/messages/{hash} requests.
func (s *Server) handleDeleteMessage(w http.ResponseWriter, r *http.Request) {
	caller, ok := s.caller(w, r)
	if !ok {
		return
	}

	if err := s.core.DeleteMessage(caller, r.PathValue("hash")); err != nil {
		s.fail(w, err)
		return
	}

	writeJSON(w, http.StatusOK, map[string]string{"status": "OK"})
}

// handleIdentities handles GET /api/identities requests.
func (s *Server) handleIdentities(w http.ResponseWriter, r *http.Request) {
	q, err := parseIdentityQuery(r.URL.Query())
	if err != nil {
		s.fail(w, err)
		return
	}

	list, err := s.core.Identities(r.Context(), q)
	if err != nil {
		s.fail(w, err)
		return
	}

	writeJSON(w, http.StatusOK, list)
}

// handleIdentity handles GET /api/identities/{type}/{value} requests.
func (s *Server) handleIdentity(w http.ResponseWriter, r *http.Request) {
	p, win, err := pointerAndWindow(r)
	if err != nil {
		s.fail(w, err)
		return
	}

	attrs, err := s.core.IdentityAttributes(r.Context(), p, win, r.URL.Query().Get("type"))
	if err != nil {
		s.fail(w, err)
		return
	}

	writeJSON(w, http.StatusOK, attrs)
}

// handleStats handles GET /api/identities/{type}/{value}/stats requests.
func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	p, win, err := pointerAndWindow(r)
	if err != nil {
		s.fail(w, err)
		return
	}

	stats, err := s.core.Stats(r.Context(), p, win)
	if err != nil {
		s.fail(w, err)
		return
	}

	writeJSON(w, http.StatusOK, stats)
}

// handleSent handles GET /api/identities/{type}/{value}/sent requests.
func (s *Server) handleSent(w http.ResponseWriter, r *http.Request) {
	s.handleDirected(w, r, s.core.Sent)
}

// handleReceived handles GET /api/identities/{type}/{value}/received requests.
func (s *Server) handleReceived(w http.ResponseWriter, r *http.Request) {
	s.handleDirected(w, r, s.core.Received)
}

type directedQuery func(ctx context.Context, caller *types.Caller, p types.Pointer, f store.Filter) ([]*types.Statement, error)

// handleDirected serves sent and received listings.
func (s *Server) handleDirected(w http.ResponseWriter, r *http.Request, query directedQuery) {
	caller, ok := s.caller(w, r)
	if !ok {
		return
	}

	p, err := pathPointer(r)
	if err != nil {
		s.fail(w, err)
		return
	}

	f, err := parseFilter(r.URL.Query())
	if err != nil {
		s.fail(w, err)
		return
	}

	list, err := query(r.Context(), caller, p, f)
	if err != nil {
		s.fail(w, err)
		return
	}

	writeJSON(w, http.StatusOK, nonNil(list))
}

// distanceResponse is the body of the distance route.
type distanceResponse struct {
	Root      types.Pointer `json:"root"`
	Pointer   types.Pointer `json:"pointer"`
	Reachable bool          `json:"reachable"`
	Distance  int           `json:"distance,omitempty"`
}

// handleDistance handles GET /api/identities/{type}/{value}/distance requests.
// The root defaults to the node key; trusted_keyid selects the index the
// same way generatewotindex does.
func (s *Server) handleDistance(w http.ResponseWriter, r *http.Request) {
	p, err := pathPointer(r)
	if err != nil {
		s.fail(w, err)
		return
	}

	root, err := optionalPointer(r.URL.Query(), "viewpoint_name", "viewpoint_value")
	if err != nil {
		s.fail(w, err)
		return
	}
	if root.IsZero() {
		root = s.core.Key().Pointer()
	}

	d, ok, err := s.core.Distance(root, r.URL.Query().Get("trusted_keyid"), p)
	if err != nil {
		s.fail(w, err)
		return
	}

	writeJSON(w, http.StatusOK, distanceResponse{Root: root, Pointer: p, Reachable: ok, Distance: d})
}

// handleGenerateIndex handles GET /api/identities/{type}/{value}/generatewotindex requests.
func (s *Server) handleGenerateIndex(w http.ResponseWriter, r *http.Request) {
	caller, ok := s.caller(w, r)
	if !ok {
		return
	}

	p, err := pathPointer(r)
	if err != nil {
		s.fail(w, err)
		return
	}

	opts, err := parseWotOptions(r.URL.Query())
	if err != nil {
		s.fail(w, err)
		return
	}

	res, err := s.core.GenerateWebOfTrustIndex(r.Context(), caller, p, opts)
	if err != nil {
		s.fail(w, err)
		return
	}

	writeJSON(w, http.StatusOK, res)
}

// handleReindex handles GET /api/reindex requests.
func (s *Server) handleReindex(w http.ResponseWriter, r *http.Request) {
	caller, ok := s.caller(w, r)
	if !ok {
		return
	}

	res, err := s.core.Reindex(caller)
	if err != nil {
		s.fail(w, err)
		return
	}

	writeJSON(w, http.StatusOK, res)
}

// handleArtifact handles GET /artifacts/{cid} requests. The body is the
// zstd-compressed artifact document.
func (s *Server) handleArtifact(w http.ResponseWriter, r *http.Request) {
	data, err := s.core.Artifact(r.PathValue("cid"))
	if err != nil {
		s.fail(w, err)
		return
	}

	w.Header().Set("Content-Type", "application/zstd")
	w.WriteHeader(http.StatusOK)
	w.Write(data)
}

// loginRequest is the body of POST /api/login.
type loginRequest struct {
	Provider   string `json:"provider"`
	ExternalID string `json:"id"`
	Name       string `json:"name"`
}

// handleLogin handles POST /api/login requests from the login front end.
func (s *Server) handleLogin(w http.ResponseWriter, r *http.Request) {
	secret := r.Header.Get(loginSecretHeader)
	if subtle.ConstantTimeCompare([]byte(secret), []byte(s.loginSecret)) != 1 {
		writeError(w, http.StatusUnauthorized, "unauthorized")
		return
	}

	var req loginRequest
	if err := json.NewDecoder(io.LimitReader(r.Body, maxBodySize)).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, fmt.Sprintf("invalid json: %v", err))
		return
	}

	login, err := s.core.IssueLoginCredential(req.Provider, req.ExternalID, req.Name)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	writeJSON(w, http.StatusOK, login)
}

// caller authenticates the bearer credential, if any. A present but invalid
// credential is rejected with 401 and ok is false.
func (s *Server) caller(w http.ResponseWriter, r *http.Request) (*types.Caller, bool) {
	token, found := bearerToken(r)
	if !found {
		return nil, true
	}

	caller, err := s.core.Authenticate(token)
	if err != nil {
		s.fail(w, err)
		return nil, false
	}

	return caller, true
}

// fail writes the status mapped from err. Server-side failures are logged.
func (s *Server) fail(w http.ResponseWriter, err error) {
	status := statusFor(err)
	if status >= http.StatusInternalServerError && !errors.Is(err, core.ErrArtifactsDisabled) {
		s.log.Error("request failed", "error", err)
	}

	writeError(w, status, err.Error())
}

// nonNil renders empty results as [] rather than null.
func nonNil(list []*types.Statement) []*types.Statement {
	if list == nil {
		return []*types.Statement{}
	}
	return list
}

// writeJSON writes a JSON response.
func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

// writeError writes an error response.
func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{
		"error": message,
	})
}
