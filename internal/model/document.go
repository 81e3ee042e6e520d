package model

import (
	"context"
	"time"

	"github.com/google/uuid"
)

// DocumentStore defines persistence operations for document metadata.
// Ciphertext payloads live in object storage, referenced by ObjectKey.
type DocumentStore interface {
	Create(ctx context.Context, document Document) (Document, error)
	GetByID(ctx context.Context, id uuid.UUID) (Document, error)
	GetByDataset(ctx context.Context, datasetID uuid.UUID) ([]Document, error)
	UpdateEncryption(ctx context.Context, id uuid.UUID, dataKeyID uuid.UUID, objectKey string, nonce, tag []byte) error
	SoftDelete(ctx context.Context, id uuid.UUID) error
}

// Document represents an encrypted document at rest. The ciphertext in
// object storage is the only at-rest representation of the content.
type Document struct {
	ID          uuid.UUID
	OwnerID     uuid.UUID
	DatasetID   uuid.UUID
	Name        string
	ObjectKey   string
	Nonce       []byte
	Tag         []byte
	ContentHash []byte
	DataKeyID   uuid.UUID
	Size        int64
	CreatedAt   time.Time
	UpdatedAt   time.Time
	DeletedAt   *time.Time
}

// CreateDocumentParams contains parameters to upload a document.
type CreateDocumentParams struct {
	DatasetID uuid.UUID
	Name      string
	Content   []byte
}
