package service

import (
	"context"

	"github.com/google/uuid"

	"github.com/lexvault/lexvault-server/internal/audit"
	"github.com/lexvault/lexvault-server/internal/model"
)

// auditor emits the single audit entry every access-relevant operation owes,
// whether it was allowed, denied or failed. An entry that cannot be written
// aborts the operation with ErrAuditUnavailable.
type auditor struct {
	log *audit.Log
}

func (a auditor) auditAllowed(ctx context.Context, actor uuid.UUID, op model.Operation, target model.TargetRef, detail string) error {
	_, err := a.log.Append(ctx, model.AuditEntry{
		ActorID:        actor,
		Operation:      op.Kind,
		TargetDocument: target.DocumentID,
		TargetDataset:  target.DatasetID,
		Outcome:        model.AuditOutcomeAllowed,
		Detail:         detail,
	})
	return err
}

// auditDenial records the denial and returns the denial error, unless the
// audit write itself fails, which takes precedence.
func (a auditor) auditDenial(ctx context.Context, decision model.Decision, op model.Operation, target model.TargetRef) error {
	_, err := a.log.Append(ctx, model.AuditEntry{
		ActorID:        decision.User.ID,
		Operation:      op.Kind,
		TargetDocument: target.DocumentID,
		TargetDataset:  target.DatasetID,
		Outcome:        model.AuditOutcomeDenied,
		Detail:         string(decision.Reason),
	})
	if err != nil {
		return err
	}
	return decision.Err()
}

// auditError records the failure and returns the original error, unless the
// audit write itself fails, which takes precedence.
func (a auditor) auditError(ctx context.Context, actor uuid.UUID, op model.Operation, target model.TargetRef, opErr error) error {
	_, err := a.log.Append(ctx, model.AuditEntry{
		ActorID:        actor,
		Operation:      op.Kind,
		TargetDocument: target.DocumentID,
		TargetDataset:  target.DatasetID,
		Outcome:        model.AuditOutcomeError,
		Detail:         opErr.Error(),
	})
	if err != nil {
		return err
	}
	return opErr
}
