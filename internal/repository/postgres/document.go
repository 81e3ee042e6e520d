package postgres

import (
	"context"
	"errors"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/lexvault/lexvault-server/internal/model"
)

var _ model.DocumentStore = (*DocumentRepository)(nil)

type DocumentRepository struct {
	db *Connection
}

func NewDocumentRepository(db *Connection) *DocumentRepository {
	return &DocumentRepository{
		db: db,
	}
}

const documentColumns = `id, owner_id, dataset_id, name, object_key, nonce, tag, content_hash, data_key_id, size, created_at, updated_at, deleted_at`

func (r *DocumentRepository) Create(ctx context.Context, document model.Document) (model.Document, error) {
	query := `
		INSERT INTO documents (id, owner_id, dataset_id, name, object_key, nonce, tag, content_hash, data_key_id, size)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
		RETURNING ` + documentColumns

	return r.scanDocument(r.db.QueryRow(ctx, query,
		document.ID, document.OwnerID, document.DatasetID, document.Name,
		document.ObjectKey, document.Nonce, document.Tag, document.ContentHash,
		document.DataKeyID, document.Size,
	))
}

func (r *DocumentRepository) GetByID(ctx context.Context, id uuid.UUID) (model.Document, error) {
	query := `
		SELECT ` + documentColumns + `
		FROM documents
		WHERE id = $1 AND deleted_at IS NULL`

	return r.scanDocument(r.db.QueryRow(ctx, query, id))
}

func (r *DocumentRepository) GetByDataset(ctx context.Context, datasetID uuid.UUID) ([]model.Document, error) {
	query := `
		SELECT ` + documentColumns + `
		FROM documents
		WHERE dataset_id = $1 AND deleted_at IS NULL
		ORDER BY created_at DESC`

	rows, err := r.db.Query(ctx, query, datasetID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var documents []model.Document
	for rows.Next() {
		doc, err := r.scanDocument(rows)
		if err != nil {
			return nil, err
		}
		documents = append(documents, doc)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	return documents, nil
}

// UpdateEncryption swaps a document's ciphertext reference after re-keying.
func (r *DocumentRepository) UpdateEncryption(ctx context.Context, id uuid.UUID, dataKeyID uuid.UUID, objectKey string, nonce, tag []byte) error {
	const query = `
		UPDATE documents
		SET data_key_id = $2, object_key = $3, nonce = $4, tag = $5, updated_at = NOW()
		WHERE id = $1 AND deleted_at IS NULL`

	cmd, err := r.db.Exec(ctx, query, id, dataKeyID, objectKey, nonce, tag)
	if err != nil {
		return err
	}
	if cmd.RowsAffected() == 0 {
		return model.ErrNotFound
	}
	return nil
}

func (r *DocumentRepository) SoftDelete(ctx context.Context, id uuid.UUID) error {
	const query = `UPDATE documents SET deleted_at = NOW(), updated_at = NOW() WHERE id = $1 AND deleted_at IS NULL`
	cmd, err := r.db.Exec(ctx, query, id)
	if err != nil {
		return err
	}
	if cmd.RowsAffected() == 0 {
		return model.ErrNotFound
	}
	return nil
}

func (r *DocumentRepository) scanDocument(row pgx.Row) (model.Document, error) {
	var doc model.Document
	err := row.Scan(
		&doc.ID, &doc.OwnerID, &doc.DatasetID, &doc.Name, &doc.ObjectKey,
		&doc.Nonce, &doc.Tag, &doc.ContentHash, &doc.DataKeyID, &doc.Size,
		&doc.CreatedAt, &doc.UpdatedAt, &doc.DeletedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return model.Document{}, model.ErrNotFound
		}
		return model.Document{}, err
	}

	return doc, nil
}
