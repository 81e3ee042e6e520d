package model

import (
	"context"
	"time"

	"github.com/google/uuid"
)

// DatasetStore defines read operations over datasets. Datasets and their
// embedding records are produced by the ingestion pipeline and consumed
// read-only by the retrieval path.
type DatasetStore interface {
	GetByID(ctx context.Context, id uuid.UUID) (Dataset, error)
	List(ctx context.Context) ([]Dataset, error)
}

// Dataset groups documents behind a role-based query policy.
type Dataset struct {
	ID           uuid.UUID
	Name         string
	Description  string
	AllowedRoles []Role
	CreatedAt    time.Time
}

// QueryableBy reports whether any of the user's roles may query the dataset.
func (d Dataset) QueryableBy(u User) bool {
	for _, allowed := range d.AllowedRoles {
		if u.HasRole(allowed) {
			return true
		}
	}
	return false
}
