package model

import (
	"context"
	"time"

	"github.com/google/uuid"
)

// LedgerStore defines the append-only credit ledger. Balance is always the
// fold of entries, never a mutable column.
type LedgerStore interface {
	// Debit appends a negative entry for operationID if and only if the
	// resulting balance stays non-negative. Returns ErrInsufficientCredits
	// otherwise. Debits for the same user are linearized by the store.
	Debit(ctx context.Context, userID uuid.UUID, amount int64, operationID uuid.UUID, reason string) (CreditLedgerEntry, error)
	// Grant appends a positive entry.
	Grant(ctx context.Context, userID uuid.UUID, amount int64, operationID uuid.UUID, reason string) (CreditLedgerEntry, error)
	// Reverse appends a compensating entry for a previously debited
	// operation. Returns ErrNotFound if no debit exists for operationID.
	Reverse(ctx context.Context, operationID uuid.UUID) (CreditLedgerEntry, error)
	Balance(ctx context.Context, userID uuid.UUID) (int64, error)
	History(ctx context.Context, userID uuid.UUID, from, to time.Time) ([]CreditLedgerEntry, error)
}

// LedgerEntryKind enumerates balance-affecting event kinds.
type LedgerEntryKind string

const (
	LedgerEntryDebit    LedgerEntryKind = "debit"
	LedgerEntryGrant    LedgerEntryKind = "grant"
	LedgerEntryReversal LedgerEntryKind = "reversal"
)

// CreditLedgerEntry is an append-only record of a balance-affecting event,
// linked to the operation that triggered it.
type CreditLedgerEntry struct {
	ID          uuid.UUID
	UserID      uuid.UUID
	Amount      int64
	Kind        LedgerEntryKind
	OperationID uuid.UUID
	Reason      string
	CreatedAt   time.Time
}
