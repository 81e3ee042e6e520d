package policy

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"

	"github.com/lexvault/lexvault-server/internal/logger"
	"github.com/lexvault/lexvault-server/internal/model"
)

// Engine evaluates whether an operation may proceed. Evaluation order is
// fixed: authentication, role permission, credit balance. The first failing
// check determines the denial reason. Decisions are never cached across
// calls; role and credit state can change between requests.
type Engine struct {
	users    model.UserStore
	datasets model.DatasetStore
	ledger   model.LedgerStore
	tokens   model.TokenManager
	logger   *logger.Logger
}

// NewEngine creates a policy engine.
func NewEngine(
	users model.UserStore,
	datasets model.DatasetStore,
	ledger model.LedgerStore,
	tokens model.TokenManager,
	logger *logger.Logger,
) *Engine {
	return &Engine{
		users:    users,
		datasets: datasets,
		ledger:   ledger,
		tokens:   tokens,
		logger:   logger,
	}
}

// Authorize evaluates op for the holder of accessToken against target. For
// credit-bearing operations a successful decision has already reserved the
// debit under op.ID, so concurrent callers cannot both observe a sufficient
// balance and overdraw it.
func (e *Engine) Authorize(ctx context.Context, accessToken string, op model.Operation, target model.TargetRef) (model.Decision, error) {
	userID, err := e.tokens.ParseAccessToken(accessToken)
	if err != nil {
		return model.Decision{Reason: model.DenyUnauthenticated}, nil
	}

	user, err := e.users.GetByID(ctx, userID)
	if errors.Is(err, model.ErrNotFound) {
		return model.Decision{Reason: model.DenyUnauthenticated}, nil
	}
	if err != nil {
		return model.Decision{}, fmt.Errorf("failed to get user: %w", err)
	}
	if user.DeletedAt != nil {
		return model.Decision{Reason: model.DenyUnauthenticated}, nil
	}

	if !user.HasPermission(op.Permission) {
		return model.Decision{Reason: model.DenyPermissionDenied, User: user}, nil
	}

	if target.DatasetID != nil {
		ds, err := e.datasets.GetByID(ctx, *target.DatasetID)
		if errors.Is(err, model.ErrNotFound) {
			// Indistinguishable from a role mismatch so dataset existence
			// does not leak.
			return model.Decision{Reason: model.DenyPermissionDenied, User: user}, nil
		}
		if err != nil {
			return model.Decision{}, fmt.Errorf("failed to get dataset: %w", err)
		}
		if !ds.QueryableBy(user) {
			return model.Decision{Reason: model.DenyPermissionDenied, User: user}, nil
		}
	}

	if op.Cost > 0 {
		_, err := e.ledger.Debit(ctx, user.ID, op.Cost, op.ID, string(op.Kind))
		if errors.Is(err, model.ErrInsufficientCredits) {
			return model.Decision{Reason: model.DenyInsufficientCredits, User: user}, nil
		}
		if err != nil {
			return model.Decision{}, fmt.Errorf("failed to reserve credits: %w", err)
		}
	}

	return model.Decision{Allowed: true, User: user, Reserved: op.Cost}, nil
}

// ReleaseReservation reverses the credit debit reserved for operationID.
// Used when an operation fails or is cancelled after authorization so a
// debit never stays reserved without a completed operation.
func (e *Engine) ReleaseReservation(ctx context.Context, operationID uuid.UUID) error {
	if _, err := e.ledger.Reverse(ctx, operationID); err != nil {
		return fmt.Errorf("failed to reverse reservation: %w", err)
	}
	return nil
}

// AllowsDocumentRead is the document-level re-check applied to each
// retrieval candidate after search. A user may be permitted to query a
// dataset without holding read access to every document surfaced from it.
func (e *Engine) AllowsDocumentRead(user model.User, doc model.Document, ds model.Dataset) bool {
	if !user.HasPermission(model.PermissionDocumentRead) {
		return false
	}
	if doc.OwnerID == user.ID {
		return true
	}
	return ds.QueryableBy(user)
}
