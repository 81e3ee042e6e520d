package model

import "github.com/google/uuid"

// OperationKind enumerates access-relevant operation kinds.
type OperationKind string

const (
	OperationDocumentUpload OperationKind = "document.upload"
	OperationDocumentRead   OperationKind = "document.read"
	OperationDocumentDelete OperationKind = "document.delete"
	OperationDocumentRekey  OperationKind = "document.rekey"
	OperationDatasetQuery   OperationKind = "dataset.query"
	OperationMasterRotate   OperationKind = "key.rotate"
	OperationCreditGrant    OperationKind = "credit.grant"
	OperationUserSignup     OperationKind = "user.signup"
)

// Operation describes what the caller wants to do and what it costs.
type Operation struct {
	ID         uuid.UUID
	Kind       OperationKind
	Permission Permission
	Cost       int64
}

// TargetRef identifies the document and/or dataset an operation touches.
type TargetRef struct {
	DocumentID *uuid.UUID
	DatasetID  *uuid.UUID
}

// DenyReason is the closed set of denial categories surfaced to callers.
// Existence-sensitive denials never reveal whether the target exists.
type DenyReason string

const (
	DenyUnauthenticated     DenyReason = "unauthenticated"
	DenyPermissionDenied    DenyReason = "permission_denied"
	DenyInsufficientCredits DenyReason = "insufficient_credits"
)

// Decision is the result of a policy evaluation. When Allowed is true and
// the operation was credit-bearing, the debit has already been reserved in
// the ledger under Operation.ID.
type Decision struct {
	Allowed  bool
	Reason   DenyReason
	User     User
	Reserved int64
}

// Err maps a denial to its sentinel error.
func (d Decision) Err() error {
	if d.Allowed {
		return nil
	}
	switch d.Reason {
	case DenyUnauthenticated:
		return ErrUnauthenticated
	case DenyInsufficientCredits:
		return ErrInsufficientCredits
	default:
		return ErrPermissionDenied
	}
}
