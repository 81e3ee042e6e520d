package model

import (
	"context"

	"github.com/google/uuid"
)

// VectorIndex is the boundary to an external vector store. Implementations
// combine vector similarity and lexical match into one ranked sequence; the
// retrieval path treats that ordering as authoritative and only re-filters,
// never re-ranks, based on access decisions made after retrieval.
type VectorIndex interface {
	Query(ctx context.Context, query VectorQuery) ([]VectorMatch, error)
	Upsert(ctx context.Context, record EmbeddingRecord) error
	Delete(ctx context.Context, datasetID, documentID uuid.UUID) error
}

// VectorQuery scopes a hybrid search to one dataset. OwnerFilter pushes a
// metadata filter down to the index where supported; it is defense in depth,
// not a substitute for the per-result access re-check.
type VectorQuery struct {
	DatasetID   uuid.UUID
	Vector      []float32
	Terms       []string
	TopK        int
	OwnerFilter *uuid.UUID
}

// VectorMatch is one ranked hit.
type VectorMatch struct {
	DocumentID uuid.UUID
	DatasetID  uuid.UUID
	Passages   []PassageRange
	Score      float64
}

// PassageRange is a byte offset range into the decrypted document.
type PassageRange struct {
	Start int
	End   int
}

// EmbeddingRecord links a document passage to its vector and lexical
// representation. TermDigests are salted token digests, never raw tokens,
// so the index holds no recoverable plaintext.
type EmbeddingRecord struct {
	DocumentID  uuid.UUID
	DatasetID   uuid.UUID
	OwnerID     uuid.UUID
	Vector      []float32
	Passages    []PassageRange
	TermDigests []string
}
