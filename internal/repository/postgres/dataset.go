package postgres

import (
	"context"
	"errors"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/lexvault/lexvault-server/internal/model"
)

var _ model.DatasetStore = (*DatasetRepository)(nil)

type DatasetRepository struct {
	db *Connection
}

func NewDatasetRepository(db *Connection) *DatasetRepository {
	return &DatasetRepository{
		db: db,
	}
}

func (r *DatasetRepository) GetByID(ctx context.Context, id uuid.UUID) (model.Dataset, error) {
	const query = `
		SELECT id, name, description, allowed_roles, created_at
		FROM datasets
		WHERE id = $1`

	var ds model.Dataset
	var roles []string
	err := r.db.QueryRow(ctx, query, id).Scan(&ds.ID, &ds.Name, &ds.Description, &roles, &ds.CreatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return model.Dataset{}, model.ErrNotFound
		}
		return model.Dataset{}, err
	}
	ds.AllowedRoles = stringsToRoles(roles)

	return ds, nil
}

func (r *DatasetRepository) List(ctx context.Context) ([]model.Dataset, error) {
	const query = `
		SELECT id, name, description, allowed_roles, created_at
		FROM datasets
		ORDER BY name ASC`

	rows, err := r.db.Query(ctx, query)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var datasets []model.Dataset
	for rows.Next() {
		var ds model.Dataset
		var roles []string
		if err := rows.Scan(&ds.ID, &ds.Name, &ds.Description, &roles, &ds.CreatedAt); err != nil {
			return nil, err
		}
		ds.AllowedRoles = stringsToRoles(roles)
		datasets = append(datasets, ds)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	return datasets, nil
}
