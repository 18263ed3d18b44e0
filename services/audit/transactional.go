package audit

import (
	"context"
	"errors"
	"fmt"

	"github.com/upb/legal-audit/models"
	"github.com/upb/legal-audit/repositories"
	"github.com/upb/legal-audit/services"
	"go.uber.org/zap"
)

// RecordInTransaction runs the business write fn and the audit append in one
// transaction, so neither commits without the other. When the chain head
// moves the whole transaction is rolled back and fn runs again; fn must not
// have effects outside the transaction. A failed append is rerun the same way
// after a backoff, up to MaxPersistRetries times. Errors returned by fn are
// passed through unchanged.
func (r *Recorder) RecordInTransaction(ctx context.Context, tm repositories.TransactionManager, req RecordRequest, fn func(ctx context.Context) error) (*Receipt, error) {
	req.Phase = PhasePreCommit
	req, changes, err := r.prepare(ctx, req)
	if err != nil {
		return nil, err
	}

	var (
		conflicts int
		failures  int
	)
	for {
		var (
			event     *models.AuditEvent
			appendErr error
		)
		err := tm.InTransaction(ctx, func(txCtx context.Context, _ repositories.Transaction) error {
			if err := fn(txCtx); err != nil {
				return err
			}
			event, appendErr = r.appendOnce(txCtx, req, changes)
			return appendErr
		})
		if err == nil {
			return r.recorded(event), nil
		}
		if appendErr == nil {
			// fn failed, or the commit did
			if event == nil {
				return nil, err
			}
			return r.fail(req, services.WrapPersistence("failed to commit audited transaction", err))
		}

		switch {
		case services.IsInternalError(appendErr):
			r.metrics.RecordAudit(string(req.Action), "failed")
			return nil, appendErr
		case errors.Is(appendErr, repositories.ErrChainConflict):
			r.metrics.RecordChainConflict()
			if conflicts < r.cfg.MaxChainRetries {
				conflicts++
				r.logger.Debug("audit chain head moved, retrying transaction",
					zap.String("tenant_scope", req.TenantScope),
					zap.Int("attempt", conflicts))
				continue
			}
			return r.fail(req, services.NewDomainError(services.ErrorTypeChainConflict,
				fmt.Sprintf("chain head kept moving after %d retries", conflicts), appendErr))
		}

		if ctx.Err() != nil || failures >= r.cfg.MaxPersistRetries {
			return r.fail(req, services.WrapPersistence("failed to append audit event", appendErr))
		}

		wait := r.backoff(failures)
		failures++
		r.logger.Warn("audit append failed, retrying transaction",
			zap.String("tenant_scope", req.TenantScope),
			zap.Int("attempt", failures),
			zap.Duration("backoff", wait),
			zap.Error(appendErr))
		if err := r.sleep(ctx, wait); err != nil {
			return r.fail(req, services.WrapPersistence("failed to append audit event", err))
		}
	}
}
