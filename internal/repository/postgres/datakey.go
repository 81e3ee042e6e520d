package postgres

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/lexvault/lexvault-server/internal/model"
)

var _ model.KeyStore = (*DataKeyRepository)(nil)

type DataKeyRepository struct {
	db *Connection
}

func NewDataKeyRepository(db *Connection) *DataKeyRepository {
	return &DataKeyRepository{
		db: db,
	}
}

func (r *DataKeyRepository) Put(ctx context.Context, key model.WrappedKey) error {
	const query = `
		INSERT INTO data_keys (id, version, wrapped)
		VALUES ($1, $2, $3)
		ON CONFLICT (id, version) DO UPDATE SET wrapped = EXCLUDED.wrapped`

	if _, err := r.db.Exec(ctx, query, key.ID, key.Version, key.Wrapped); err != nil {
		return err
	}
	return nil
}

// Get returns the wrapped key for the currently active master version.
func (r *DataKeyRepository) Get(ctx context.Context, keyID uuid.UUID) (model.WrappedKey, error) {
	const query = `
		SELECT k.id, k.version, k.wrapped, k.created_at
		FROM data_keys k
		JOIN key_versions v ON v.active_version = k.version
		WHERE k.id = $1`

	var key model.WrappedKey
	err := r.db.QueryRow(ctx, query, keyID).Scan(&key.ID, &key.Version, &key.Wrapped, &key.CreatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return model.WrappedKey{}, model.ErrNotFound
		}
		return model.WrappedKey{}, err
	}

	return key, nil
}

func (r *DataKeyRepository) ListVersion(ctx context.Context, version int) ([]model.WrappedKey, error) {
	const query = `SELECT id, version, wrapped, created_at FROM data_keys WHERE version = $1 ORDER BY created_at ASC`

	rows, err := r.db.Query(ctx, query, version)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var keys []model.WrappedKey
	for rows.Next() {
		var key model.WrappedKey
		if err := rows.Scan(&key.ID, &key.Version, &key.Wrapped, &key.CreatedAt); err != nil {
			return nil, err
		}
		keys = append(keys, key)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	return keys, nil
}

func (r *DataKeyRepository) ActiveVersion(ctx context.Context) (int, error) {
	var version int
	err := r.db.QueryRow(ctx, `SELECT active_version FROM key_versions`).Scan(&version)
	if err != nil {
		return 0, err
	}
	return version, nil
}

// SwapActiveVersion moves the version pointer in one statement. The WHERE
// clause makes the swap a no-op when another rotation won the race, in
// which case the caller's staged keys stay unreferenced.
func (r *DataKeyRepository) SwapActiveVersion(ctx context.Context, old, new int) error {
	const query = `UPDATE key_versions SET active_version = $2, updated_at = NOW() WHERE active_version = $1`

	cmd, err := r.db.Exec(ctx, query, old, new)
	if err != nil {
		return err
	}
	if cmd.RowsAffected() == 0 {
		return fmt.Errorf("active key version is no longer %d", old)
	}
	return nil
}
