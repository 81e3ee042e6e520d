package service

import (
	"context"
	"fmt"

	"github.com/google/uuid"

	"github.com/lexvault/lexvault-server/internal/audit"
	"github.com/lexvault/lexvault-server/internal/logger"
	"github.com/lexvault/lexvault-server/internal/model"
)

// User provisions accounts. A signup creates the user, funds it with the
// configured starting balance and issues an access token.
type User struct {
	users       model.UserStore
	ledger      model.LedgerStore
	tokens      model.TokenManager
	logger      *logger.Logger
	signupGrant int64
	auditor
}

// NewUser creates the user provisioning service.
func NewUser(
	users model.UserStore,
	ledger model.LedgerStore,
	tokens model.TokenManager,
	auditLog *audit.Log,
	logger *logger.Logger,
	signupGrant int64,
) *User {
	return &User{
		users:       users,
		ledger:      ledger,
		tokens:      tokens,
		logger:      logger,
		signupGrant: signupGrant,
		auditor:     auditor{log: auditLog},
	}
}

// Signup registers a new account and returns it with a fresh access token.
// Roles default to the user role when none are given.
func (s *User) Signup(ctx context.Context, email string, roles ...model.Role) (model.User, string, error) {
	if email == "" {
		return model.User{}, "", fmt.Errorf("email is empty")
	}
	if len(roles) == 0 {
		roles = []model.Role{model.RoleUser}
	}

	op := model.Operation{
		ID:   uuid.New(),
		Kind: model.OperationUserSignup,
	}
	target := model.TargetRef{}

	user, err := s.users.Create(ctx, model.User{
		ID:    uuid.New(),
		Email: email,
		Roles: roles,
	})
	if err != nil {
		return model.User{}, "", s.auditError(ctx, uuid.Nil, op, target, fmt.Errorf("failed to create user: %w", err))
	}

	if s.signupGrant > 0 {
		if _, err := s.ledger.Grant(ctx, user.ID, s.signupGrant, op.ID, "signup"); err != nil {
			return model.User{}, "", s.auditError(ctx, user.ID, op, target, fmt.Errorf("failed to grant signup credits: %w", err))
		}
	}

	accessToken, err := s.tokens.GenerateAccessToken(user.ID)
	if err != nil {
		return model.User{}, "", s.auditError(ctx, user.ID, op, target, fmt.Errorf("failed to generate access token: %w", err))
	}

	detail := fmt.Sprintf("grant=%d", s.signupGrant)
	if err := s.auditAllowed(ctx, user.ID, op, target, detail); err != nil {
		return model.User{}, "", err
	}

	s.logger.Info("user signed up", "user_id", user.ID)
	return user, accessToken, nil
}
