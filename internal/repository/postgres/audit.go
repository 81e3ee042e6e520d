package postgres

import (
	"context"
	"errors"

	"github.com/jackc/pgx/v5"

	"github.com/lexvault/lexvault-server/internal/model"
)

var _ model.AuditStore = (*AuditRepository)(nil)

// AuditRepository persists audit entries. No update or delete statement
// exists here; the table is insert-only by construction.
type AuditRepository struct {
	db *Connection
}

func NewAuditRepository(db *Connection) *AuditRepository {
	return &AuditRepository{
		db: db,
	}
}

const auditColumns = `seq, id, at, actor_id, operation, target_document, target_dataset, outcome, detail, prev_hash, hash`

func (r *AuditRepository) Insert(ctx context.Context, entry model.AuditEntry) error {
	const query = `
		INSERT INTO audit_entries (seq, id, at, actor_id, operation, target_document, target_dataset, outcome, detail, prev_hash, hash)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)`

	_, err := r.db.Exec(ctx, query,
		entry.Seq, entry.ID, entry.At, entry.ActorID, string(entry.Operation),
		entry.TargetDocument, entry.TargetDataset, string(entry.Outcome),
		entry.Detail, entry.PrevHash, entry.Hash,
	)
	return err
}

func (r *AuditRepository) Last(ctx context.Context) (model.AuditEntry, error) {
	query := `
		SELECT ` + auditColumns + `
		FROM audit_entries
		ORDER BY seq DESC
		LIMIT 1`

	return r.scanEntry(r.db.QueryRow(ctx, query))
}

func (r *AuditRepository) Range(ctx context.Context, fromSeq, toSeq int64) ([]model.AuditEntry, error) {
	query := `
		SELECT ` + auditColumns + `
		FROM audit_entries
		WHERE seq >= $1 AND seq <= $2
		ORDER BY seq ASC`

	rows, err := r.db.Query(ctx, query, fromSeq, toSeq)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var entries []model.AuditEntry
	for rows.Next() {
		entry, err := r.scanEntry(rows)
		if err != nil {
			return nil, err
		}
		entries = append(entries, entry)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	return entries, nil
}

func (r *AuditRepository) scanEntry(row pgx.Row) (model.AuditEntry, error) {
	var entry model.AuditEntry
	err := row.Scan(
		&entry.Seq, &entry.ID, &entry.At, &entry.ActorID, &entry.Operation,
		&entry.TargetDocument, &entry.TargetDataset, &entry.Outcome,
		&entry.Detail, &entry.PrevHash, &entry.Hash,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return model.AuditEntry{}, model.ErrNotFound
		}
		return model.AuditEntry{}, err
	}

	return entry, nil
}
