package core

import (
	"context"
	"fmt"

	"TrustMesh/internal/signing"
	"TrustMesh/internal/store"
	"TrustMesh/internal/types"
)

// Submission is a statement posted by a client: either a signed envelope
// (optionally with its hash), a bare hash of an already stored statement,
// or an unsigned draft for the node to author on the caller's behalf.
type Submission struct {
	Hash     string         // Hash is the claimed statement hash
	Envelope string         // Envelope is the signed compact form
	Draft    *types.Payload // Draft is signed by the node when Envelope is empty
}

// SubmitResult is the outcome of SubmitStatement.
type SubmitResult struct {
	Statement *types.Statement
	Created   bool // Created is false for a statement that was already stored
}

// SubmitStatement verifies and stores a submission. Signed envelopes are
// accepted from anyone; drafts need an authenticated caller, whose pointer
// and display name become the authors before the node signs.
func (s *Service) SubmitStatement(caller *types.Caller, sub Submission) (*SubmitResult, error) {
	st, err := s.statementFor(caller, sub)
	if err != nil {
		return nil, err
	}

	if st == nil {
		// Hash-only resubmission of a stored statement.
		stored, err := s.store.Get(sub.Hash)
		if err != nil {
			return nil, fmt.Errorf("%w: unknown hash without envelope", types.ErrMalformedStatement)
		}
		return &SubmitResult{Statement: stored}, nil
	}

	res, err := s.store.Insert(st, types.OriginAPI)
	if err != nil {
		return nil, err
	}

	if res.Created {
		s.log.Debug("statement accepted", "hash", st.Hash, "type", st.Payload.Type)
	}

	return &SubmitResult{Statement: st, Created: res.Created}, nil
}

// statementFor turns a submission into a verified statement. It returns
// nil without error for a hash-only submission.
func (s *Service) statementFor(caller *types.Caller, sub Submission) (*types.Statement, error) {
	if sub.Envelope != "" {
		st, err := signing.ParseEnvelope(sub.Envelope)
		if err != nil {
			return nil, err
		}

		if sub.Hash != "" && sub.Hash != st.Hash {
			return nil, fmt.Errorf("%w: hash does not match envelope", types.ErrInvalidSignature)
		}

		return st, nil
	}

	if sub.Hash != "" {
		return nil, nil
	}

	if sub.Draft == nil {
		return nil, fmt.Errorf("%w: empty submission", types.ErrMalformedStatement)
	}

	if caller == nil || caller.Pointer.IsZero() {
		return nil, fmt.Errorf("unsigned statement: %w", types.ErrUnauthorized)
	}

	draft := *sub.Draft
	draft.Author = []types.Pointer{caller.Pointer}
	if caller.Name != "" {
		draft.Author = append(draft.Author, types.NewPointer(types.PointerName, caller.Name))
	}

	if draft.Timestamp.IsZero() {
		draft.Timestamp = s.now()
	}

	if draft.Type == types.TypeRating && draft.MinRating == 0 && draft.MaxRating == 0 {
		draft.MinRating, draft.MaxRating = types.DefaultMinRating, types.DefaultMaxRating
	}

	return signing.Sign(draft, s.key)
}

// Messages runs a filtered query. Only administrators see non-public
// statements. A distance-limited filter without a viewpoint is evaluated
// from the node key.
func (s *Service) Messages(ctx context.Context, caller *types.Caller, f store.Filter) ([]*types.Statement, error) {
	if !s.isAdmin(caller) {
		f.PublicOnly = true
	}

	if err := f.Normalize(); err != nil {
		return nil, err
	}

	within, err := s.window(ctx, f.Viewpoint, f.MaxDistance)
	if err != nil {
		return nil, err
	}

	return s.store.Query(f, within)
}

// Sent lists statements authored by p.
func (s *Service) Sent(ctx context.Context, caller *types.Caller, p types.Pointer, f store.Filter) ([]*types.Statement, error) {
	f.Author = p
	return s.Messages(ctx, caller, f)
}

// Received lists statements addressed to p.
func (s *Service) Received(ctx context.Context, caller *types.Caller, p types.Pointer, f store.Filter) ([]*types.Statement, error) {
	f.Recipient = p
	return s.Messages(ctx, caller, f)
}

// Message returns one statement. Non-public statements are reported as
// not found to everyone but administrators.
func (s *Service) Message(caller *types.Caller, hash string) (*types.Statement, error) {
	st, err := s.store.Get(hash)
	if err != nil {
		return nil, err
	}

	if !st.Payload.Public && !s.isAdmin(caller) {
		return nil, fmt.Errorf("message %s: %w", hash, types.ErrNotFound)
	}

	return st, nil
}

// DeleteMessage removes a statement. Indexes whose edges depended on it
// become stale.
func (s *Service) DeleteMessage(caller *types.Caller, hash string) error {
	if err := s.requireAdmin(caller, "delete message"); err != nil {
		return err
	}

	deleted, err := s.store.Delete(hash)
	if err != nil {
		return err
	}

	if !deleted {
		return fmt.Errorf("message %s: %w", hash, types.ErrNotFound)
	}

	s.log.Info("message deleted", "hash", hash, "by", caller.Pointer.String())

	return nil
}
