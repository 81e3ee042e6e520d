package model

import "errors"

// Sentinel errors shared across layers. Stores and services wrap them with
// fmt.Errorf("...: %w", err) and callers branch with errors.Is.
var (
	// ErrNotFound is returned by stores when the requested row does not
	// exist or is soft-deleted.
	ErrNotFound = errors.New("not found")

	// ErrUnauthenticated means the access token failed verification or its
	// user no longer exists.
	ErrUnauthenticated = errors.New("unauthenticated")

	// ErrPermissionDenied covers missing permissions and dataset ACL
	// failures. Existence-sensitive checks return it for missing targets
	// too, so callers cannot probe for documents they are not allowed to
	// see.
	ErrPermissionDenied = errors.New("permission denied")

	// ErrInsufficientCredits means the ledger debit would have taken the
	// balance negative.
	ErrInsufficientCredits = errors.New("insufficient credits")

	// ErrKeyUnavailable means the master key could not be loaded or is
	// malformed.
	ErrKeyUnavailable = errors.New("key unavailable")

	// ErrKeyCorrupt means a wrapped data key failed to unwrap under the
	// active master version.
	ErrKeyCorrupt = errors.New("key corrupt")

	// ErrAuthenticationFailed is an AEAD open failure: ciphertext, nonce or
	// tag does not match the key.
	ErrAuthenticationFailed = errors.New("authentication failed")

	// ErrIntegrityViolation means decrypted content does not match the
	// stored content hash.
	ErrIntegrityViolation = errors.New("integrity violation")

	// ErrAuditUnavailable aborts any operation whose audit entry could not
	// be written.
	ErrAuditUnavailable = errors.New("audit log unavailable")

	// ErrVectorStoreUnavailable means a dataset query kept failing after
	// the bounded retries.
	ErrVectorStoreUnavailable = errors.New("vector store unavailable")
)
