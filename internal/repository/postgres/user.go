package postgres

import (
	"context"
	"errors"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/lexvault/lexvault-server/internal/model"
)

var _ model.UserStore = (*UserRepository)(nil)

type UserRepository struct {
	db *Connection
}

func NewUserRepository(db *Connection) *UserRepository {
	return &UserRepository{
		db: db,
	}
}

func (r *UserRepository) Create(ctx context.Context, user model.User) (model.User, error) {
	query := `
		INSERT INTO users (id, email, roles)
		VALUES ($1, $2, $3)
		RETURNING id, email, roles, created_at, updated_at, deleted_at`

	var saved model.User
	var roles []string
	err := r.db.QueryRow(ctx, query, user.ID, user.Email, rolesToStrings(user.Roles)).Scan(
		&saved.ID, &saved.Email, &roles, &saved.CreatedAt, &saved.UpdatedAt, &saved.DeletedAt,
	)
	if err != nil {
		return model.User{}, err
	}
	saved.Roles = stringsToRoles(roles)

	return saved, nil
}

func (r *UserRepository) GetByID(ctx context.Context, id uuid.UUID) (model.User, error) {
	query := `
		SELECT id, email, roles, created_at, updated_at, deleted_at
		FROM users
		WHERE id = $1 AND deleted_at IS NULL`

	return r.scanUser(r.db.QueryRow(ctx, query, id))
}

func (r *UserRepository) GetByEmail(ctx context.Context, email string) (model.User, error) {
	query := `
		SELECT id, email, roles, created_at, updated_at, deleted_at
		FROM users
		WHERE email = $1 AND deleted_at IS NULL`

	return r.scanUser(r.db.QueryRow(ctx, query, email))
}

func (r *UserRepository) scanUser(row pgx.Row) (model.User, error) {
	var user model.User
	var roles []string
	err := row.Scan(&user.ID, &user.Email, &roles, &user.CreatedAt, &user.UpdatedAt, &user.DeletedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return model.User{}, model.ErrNotFound
		}
		return model.User{}, err
	}
	user.Roles = stringsToRoles(roles)

	return user, nil
}

func rolesToStrings(roles []model.Role) []string {
	out := make([]string, len(roles))
	for i, r := range roles {
		out[i] = string(r)
	}
	return out
}

func stringsToRoles(ss []string) []model.Role {
	out := make([]model.Role, len(ss))
	for i, s := range ss {
		out[i] = model.Role(s)
	}
	return out
}
