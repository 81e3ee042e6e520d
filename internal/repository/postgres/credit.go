package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/lexvault/lexvault-server/internal/model"
)

var _ model.LedgerStore = (*CreditRepository)(nil)

type CreditRepository struct {
	db *Connection
}

func NewCreditRepository(db *Connection) *CreditRepository {
	return &CreditRepository{
		db: db,
	}
}

const ledgerColumns = `id, user_id, amount, kind, operation_id, reason, created_at`

// Debit appends a negative entry only when the folded balance covers it.
// A per-user advisory lock serializes the read-then-append so concurrent
// debits cannot both observe a sufficient balance.
func (r *CreditRepository) Debit(ctx context.Context, userID uuid.UUID, amount int64, operationID uuid.UUID, reason string) (model.CreditLedgerEntry, error) {
	if amount <= 0 {
		return model.CreditLedgerEntry{}, fmt.Errorf("debit amount must be positive, got %d", amount)
	}

	tx, err := r.db.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return model.CreditLedgerEntry{}, err
	}
	defer tx.Rollback(ctx)

	if _, err := tx.Exec(ctx, `SELECT pg_advisory_xact_lock(hashtextextended($1::text, 0))`, userID); err != nil {
		return model.CreditLedgerEntry{}, err
	}

	var balance int64
	if err := tx.QueryRow(ctx,
		`SELECT COALESCE(SUM(amount), 0) FROM credit_ledger WHERE user_id = $1`, userID,
	).Scan(&balance); err != nil {
		return model.CreditLedgerEntry{}, err
	}
	if balance < amount {
		return model.CreditLedgerEntry{}, model.ErrInsufficientCredits
	}

	entry, err := r.insertEntry(ctx, tx, model.CreditLedgerEntry{
		ID:          uuid.New(),
		UserID:      userID,
		Amount:      -amount,
		Kind:        model.LedgerEntryDebit,
		OperationID: operationID,
		Reason:      reason,
	})
	if err != nil {
		return model.CreditLedgerEntry{}, err
	}

	if err := tx.Commit(ctx); err != nil {
		return model.CreditLedgerEntry{}, err
	}

	return entry, nil
}

func (r *CreditRepository) Grant(ctx context.Context, userID uuid.UUID, amount int64, operationID uuid.UUID, reason string) (model.CreditLedgerEntry, error) {
	if amount <= 0 {
		return model.CreditLedgerEntry{}, fmt.Errorf("grant amount must be positive, got %d", amount)
	}

	return r.insertEntry(ctx, r.db, model.CreditLedgerEntry{
		ID:          uuid.New(),
		UserID:      userID,
		Amount:      amount,
		Kind:        model.LedgerEntryGrant,
		OperationID: operationID,
		Reason:      reason,
	})
}

// Reverse appends a compensating entry mirroring the debit recorded for
// operationID.
func (r *CreditRepository) Reverse(ctx context.Context, operationID uuid.UUID) (model.CreditLedgerEntry, error) {
	const query = `
		SELECT user_id, amount FROM credit_ledger
		WHERE operation_id = $1 AND kind = 'debit'`

	var userID uuid.UUID
	var amount int64
	err := r.db.QueryRow(ctx, query, operationID).Scan(&userID, &amount)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return model.CreditLedgerEntry{}, model.ErrNotFound
		}
		return model.CreditLedgerEntry{}, err
	}

	return r.insertEntry(ctx, r.db, model.CreditLedgerEntry{
		ID:          uuid.New(),
		UserID:      userID,
		Amount:      -amount,
		Kind:        model.LedgerEntryReversal,
		OperationID: operationID,
		Reason:      "compensating reversal",
	})
}

func (r *CreditRepository) Balance(ctx context.Context, userID uuid.UUID) (int64, error) {
	var balance int64
	err := r.db.QueryRow(ctx,
		`SELECT COALESCE(SUM(amount), 0) FROM credit_ledger WHERE user_id = $1`, userID,
	).Scan(&balance)
	if err != nil {
		return 0, err
	}
	return balance, nil
}

func (r *CreditRepository) History(ctx context.Context, userID uuid.UUID, from, to time.Time) ([]model.CreditLedgerEntry, error) {
	query := `
		SELECT ` + ledgerColumns + `
		FROM credit_ledger
		WHERE user_id = $1 AND created_at >= $2 AND created_at <= $3
		ORDER BY created_at ASC`

	rows, err := r.db.Query(ctx, query, userID, from, to)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var entries []model.CreditLedgerEntry
	for rows.Next() {
		var e model.CreditLedgerEntry
		if err := rows.Scan(&e.ID, &e.UserID, &e.Amount, &e.Kind, &e.OperationID, &e.Reason, &e.CreatedAt); err != nil {
			return nil, err
		}
		entries = append(entries, e)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	return entries, nil
}

type execQuerier interface {
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

func (r *CreditRepository) insertEntry(ctx context.Context, q execQuerier, entry model.CreditLedgerEntry) (model.CreditLedgerEntry, error) {
	query := `
		INSERT INTO credit_ledger (id, user_id, amount, kind, operation_id, reason)
		VALUES ($1, $2, $3, $4, $5, $6)
		RETURNING ` + ledgerColumns

	var saved model.CreditLedgerEntry
	err := q.QueryRow(ctx, query,
		entry.ID, entry.UserID, entry.Amount, string(entry.Kind), entry.OperationID, entry.Reason,
	).Scan(&saved.ID, &saved.UserID, &saved.Amount, &saved.Kind, &saved.OperationID, &saved.Reason, &saved.CreatedAt)
	if err != nil {
		return model.CreditLedgerEntry{}, err
	}

	return saved, nil
}
