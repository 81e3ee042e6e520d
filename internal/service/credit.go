package service

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/lexvault/lexvault-server/internal/audit"
	"github.com/lexvault/lexvault-server/internal/logger"
	"github.com/lexvault/lexvault-server/internal/model"
	"github.com/lexvault/lexvault-server/internal/policy"
)

// Credit exposes the credit ledger: balance and history reads for the
// account owner, grants for operators holding user:manage.
type Credit struct {
	ledger model.LedgerStore
	policy *policy.Engine
	logger *logger.Logger
	auditor
}

// NewCredit creates the credit service.
func NewCredit(ledger model.LedgerStore, policy *policy.Engine, auditLog *audit.Log, logger *logger.Logger) *Credit {
	return &Credit{
		ledger:  ledger,
		policy:  policy,
		logger:  logger,
		auditor: auditor{log: auditLog},
	}
}

// Balance folds the ledger into the user's current balance.
func (s *Credit) Balance(ctx context.Context, userID uuid.UUID) (int64, error) {
	balance, err := s.ledger.Balance(ctx, userID)
	if err != nil {
		return 0, fmt.Errorf("failed to get balance: %w", err)
	}
	return balance, nil
}

// History returns the user's ledger entries in the given window, newest first.
func (s *Credit) History(ctx context.Context, userID uuid.UUID, from, to time.Time) ([]model.CreditLedgerEntry, error) {
	entries, err := s.ledger.History(ctx, userID, from, to)
	if err != nil {
		return nil, fmt.Errorf("failed to get history: %w", err)
	}
	return entries, nil
}

// Grant appends a positive ledger entry for userID. Requires user:manage.
func (s *Credit) Grant(ctx context.Context, accessToken string, userID uuid.UUID, amount int64, reason string) error {
	if amount <= 0 {
		return fmt.Errorf("grant amount must be positive")
	}

	op := model.Operation{
		ID:         uuid.New(),
		Kind:       model.OperationCreditGrant,
		Permission: model.PermissionUserManage,
	}
	target := model.TargetRef{}

	decision, err := s.policy.Authorize(ctx, accessToken, op, target)
	if err != nil {
		return s.auditError(ctx, decision.User.ID, op, target, err)
	}
	if !decision.Allowed {
		return s.auditDenial(ctx, decision, op, target)
	}

	if _, err := s.ledger.Grant(ctx, userID, amount, op.ID, reason); err != nil {
		return s.auditError(ctx, decision.User.ID, op, target, fmt.Errorf("failed to grant credits: %w", err))
	}

	detail := fmt.Sprintf("user=%s amount=%d reason=%s", userID, amount, reason)
	return s.auditAllowed(ctx, decision.User.ID, op, target, detail)
}
