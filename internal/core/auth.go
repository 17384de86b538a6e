package core

import (
	"fmt"

	"TrustMesh/internal/signing"
	"TrustMesh/internal/types"
)

// Login is a credential issued after a federated login.
type Login struct {
	Token   string        `json:"token"`
	Pointer types.Pointer `json:"pointer"`
	Name    string        `json:"name"`
}

// IssueLoginCredential maps a provider identity to a pointer and signs a
// one-year bearer credential for it.
func (s *Service) IssueLoginCredential(provider, externalID, name string) (*Login, error) {
	if provider == "" || externalID == "" {
		return nil, fmt.Errorf("login: provider and external id are required")
	}

	ptr := signing.PointerForLogin(provider, externalID)

	token, err := signing.IssueCredential(s.key, ptr, name, s.now())
	if err != nil {
		return nil, err
	}

	return &Login{Token: token, Pointer: ptr, Name: name}, nil
}

// Authenticate verifies a bearer credential issued by this node and returns
// the caller it asserts. Errors wrap types.ErrUnauthorized.
func (s *Service) Authenticate(token string) (*types.Caller, error) {
	claims, err := signing.VerifyCredential(s.key.Public(), token, s.now())
	if err != nil {
		return nil, err
	}

	caller := &types.Caller{Pointer: claims.Subject, Name: claims.Name}
	caller.Admin = s.isAdmin(caller)

	return caller, nil
}
