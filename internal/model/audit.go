package model

import (
	"context"
	"time"

	"github.com/google/uuid"
)

// AuditStore persists audit entries. Insert is the only mutation; no update
// or delete exists at any layer above the database.
type AuditStore interface {
	Insert(ctx context.Context, entry AuditEntry) error
	Last(ctx context.Context) (AuditEntry, error)
	Range(ctx context.Context, fromSeq, toSeq int64) ([]AuditEntry, error)
}

// AuditOutcome classifies the result of an audited operation.
type AuditOutcome string

const (
	AuditOutcomeAllowed AuditOutcome = "allowed"
	AuditOutcomeDenied  AuditOutcome = "denied"
	AuditOutcomeError   AuditOutcome = "error"
)

// AuditEntry is an immutable record of an access-relevant operation. Hash
// covers PrevHash and the entry fields, chaining entries so truncation or
// edits are detectable from genesis.
type AuditEntry struct {
	ID             uuid.UUID
	Seq            int64
	At             time.Time
	ActorID        uuid.UUID
	Operation      OperationKind
	TargetDocument *uuid.UUID
	TargetDataset  *uuid.UUID
	Outcome        AuditOutcome
	Detail         string
	PrevHash       []byte
	Hash           []byte
}
