package service

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/jmerrifield20/ReportLedger/internal/authz"
	"github.com/jmerrifield20/ReportLedger/internal/ledger/model"
	"github.com/jmerrifield20/ReportLedger/internal/ledger/store"
	"github.com/jmerrifield20/ReportLedger/internal/retention"
)

// Audit trail actions appended for lifecycle changes.
const (
	AuditHoldPlaced   = "ledger.legal_hold.placed"
	AuditHoldReleased = "ledger.legal_hold.released"
	AuditEntryDeleted = "ledger.entry.deleted"
	AuditArchiveRun   = "ledger.retention.archived"

	// AuditChangeAborted follows an audit entry whose change did not commit.
	AuditChangeAborted = "ledger.lifecycle.aborted"
)

// archiveBatchSize bounds each ListArchivable call during a retention run.
const archiveBatchSize = 200

// auditFunc describes the trail entry recorded for a lifecycle change.
type auditFunc func(e *model.Entry) (action string, payload map[string]any)

// abortTimeout bounds the compensating append written after a failed change.
const abortTimeout = 10 * time.Second

// mutate applies change to the entry under its per-entry lock. See
// mutateLocked.
func (s *Service) mutate(ctx context.Context, tenantID, entryID, actor string, change func(*model.Entry) error, audit auditFunc) (*model.Entry, error) {
	unlock := s.locks.lock(lockKey(tenantID, entryID))
	defer unlock()
	return s.mutateLocked(ctx, tenantID, entryID, actor, change, audit)
}

// mutateLocked applies change to a fresh copy of the entry and stores it with
// a version check, reloading and reapplying on conflict. The caller holds the
// entry's lock. When audit is set, the trail entry is appended once, after
// change first succeeds and before any write; if that append fails nothing
// is written. If the change then never commits, an AuditChangeAborted entry
// referencing the trail entry is appended.
func (s *Service) mutateLocked(ctx context.Context, tenantID, entryID, actor string, change func(*model.Entry) error, audit auditFunc) (*model.Entry, error) {
	var (
		trail   *model.Metadata
		lastErr error
	)
	fail := func(err error) (*model.Entry, error) {
		if trail == nil {
			return nil, err
		}
		if cerr := s.recordAbort(ctx, tenantID, actor, trail, err, nil); cerr != nil {
			return nil, fmt.Errorf("%w (recording abort of audit entry %s failed: %v)", err, trail.ID, cerr)
		}
		return nil, err
	}

	for attempt := 1; attempt <= s.retry.Attempts; attempt++ {
		cur, err := s.store.Get(ctx, tenantID, entryID)
		if err != nil {
			return fail(err)
		}
		next := cur.Clone()
		if err := change(next); err != nil {
			return fail(err)
		}

		if audit != nil && trail == nil {
			action, payload := audit(cur)
			m, err := s.appendAudit(ctx, tenantID, actor, action, payload)
			if err != nil {
				return nil, err
			}
			trail = m
		}

		updated, err := s.store.Update(ctx, next)
		if err == nil {
			return updated, nil
		}
		if !errors.Is(err, store.ErrVersionConflict) {
			return fail(err)
		}
		lastErr = err
		if err := s.backoff(ctx, attempt); err != nil {
			return fail(err)
		}
	}
	return fail(fmt.Errorf("update after %d attempts: %w", s.retry.Attempts, lastErr))
}

// appendAudit records a lifecycle change on the tenant's own chain.
func (s *Service) appendAudit(ctx context.Context, tenantID, actor, action string, payload map[string]any) (*model.Metadata, error) {
	m, err := s.Append(ctx, AppendRequest{
		TenantID:       tenantID,
		Actor:          actor,
		Classification: retention.ClassAuditTrail,
		Action:         action,
		Payload:        payload,
	})
	if err != nil {
		return nil, fmt.Errorf("append audit trail entry %s: %w", action, err)
	}
	return m, nil
}

// recordAbort appends an AuditChangeAborted entry saying the change described
// by trail did not commit. It runs even if ctx is already cancelled.
func (s *Service) recordAbort(ctx context.Context, tenantID, actor string, trail *model.Metadata, cause error, extra map[string]any) error {
	actx, cancel := context.WithTimeout(context.WithoutCancel(ctx), abortTimeout)
	defer cancel()

	payload := map[string]any{
		"aborted_entry_id":       trail.ID,
		"aborted_sequence_index": trail.SequenceIndex,
		"aborted_action":         trail.Action,
		"error":                  cause.Error(),
	}
	for k, v := range extra {
		payload[k] = v
	}
	if _, err := s.appendAudit(actx, tenantID, actor, AuditChangeAborted, payload); err != nil {
		s.logger.Error("audit trail entry left without its change",
			zap.String("tenant_id", tenantID),
			zap.String("audit_entry_id", trail.ID),
			zap.Error(err),
		)
		return err
	}
	s.logger.Warn("lifecycle change aborted after audit",
		zap.String("tenant_id", tenantID),
		zap.String("audit_entry_id", trail.ID),
		zap.String("action", trail.Action),
		zap.Error(cause),
	)
	return nil
}

// PlaceLegalHold puts an entry under legal hold. A GENERATED entry becomes
// QUARANTINED; an ARCHIVED entry keeps its status but gains the hold.
func (s *Service) PlaceLegalHold(ctx context.Context, tenantID, entryID, reason string, r authz.Requester) (*model.Metadata, error) {
	if err := s.Authorize(ctx, r, tenantID, entryID, authz.ActionLegalHold); err != nil {
		return nil, err
	}
	if strings.TrimSpace(reason) == "" {
		return nil, fmt.Errorf("%w: legal hold reason is required", ErrInvalidInput)
	}

	now := s.now().UTC()
	updated, err := s.mutate(ctx, tenantID, entryID, r.ID,
		func(e *model.Entry) error {
			if e.LegalHold.Active {
				return fmt.Errorf("%w: entry %s is already under legal hold", model.ErrInvalidTransition, e.ID)
			}
			switch e.Status {
			case model.StatusGenerated:
				if err := e.Transition(model.StatusQuarantined); err != nil {
					return err
				}
			case model.StatusArchived:
			default:
				return fmt.Errorf("%w: cannot hold entry in status %s", model.ErrInvalidTransition, e.Status)
			}
			e.LegalHold = model.LegalHold{
				Active:   true,
				Reason:   reason,
				PlacedBy: r.ID,
				PlacedAt: &now,
			}
			return nil
		},
		func(e *model.Entry) (string, map[string]any) {
			return AuditHoldPlaced, map[string]any{
				"entry_id":       e.ID,
				"sequence_index": e.SequenceIndex,
				"reason":         reason,
			}
		},
	)
	if err != nil {
		return nil, err
	}

	s.logger.Info("legal hold placed",
		zap.String("tenant_id", tenantID),
		zap.String("entry_id", entryID),
		zap.String("placed_by", r.ID),
	)
	m := updated.Metadata()
	return &m, nil
}

// ReleaseLegalHold lifts an active hold. A QUARANTINED entry returns to
// GENERATED and is archive-eligible at once if already past expiry.
func (s *Service) ReleaseLegalHold(ctx context.Context, tenantID, entryID string, r authz.Requester) (*model.Metadata, error) {
	if err := s.Authorize(ctx, r, tenantID, entryID, authz.ActionLegalHold); err != nil {
		return nil, err
	}

	now := s.now().UTC()
	updated, err := s.mutate(ctx, tenantID, entryID, r.ID,
		func(e *model.Entry) error {
			if !e.LegalHold.Active {
				return fmt.Errorf("%w: entry %s is not under legal hold", model.ErrInvalidTransition, e.ID)
			}
			if e.Status == model.StatusQuarantined {
				if err := e.Transition(model.StatusGenerated); err != nil {
					return err
				}
			}
			e.LegalHold.Active = false
			e.LegalHold.ReleasedBy = r.ID
			e.LegalHold.ReleasedAt = &now
			return nil
		},
		func(e *model.Entry) (string, map[string]any) {
			return AuditHoldReleased, map[string]any{
				"entry_id":       e.ID,
				"sequence_index": e.SequenceIndex,
				"held_since":     e.LegalHold.PlacedAt,
			}
		},
	)
	if err != nil {
		return nil, err
	}

	s.logger.Info("legal hold released",
		zap.String("tenant_id", tenantID),
		zap.String("entry_id", entryID),
		zap.String("released_by", r.ID),
	)
	m := updated.Metadata()
	return &m, nil
}

// DeleteRequest carries the justification for a soft delete.
type DeleteRequest struct {
	Reason      string `json:"reason"`
	SignedOffBy string `json:"signed_off_by,omitempty"`
}

// Delete soft-deletes an entry: its status becomes DELETED and the row is
// kept. Held, unexpired and permanent entries are refused with
// model.ErrRetentionViolation; no request field bypasses that.
func (s *Service) Delete(ctx context.Context, tenantID, entryID string, req DeleteRequest, r authz.Requester) (*model.Metadata, error) {
	if err := s.Authorize(ctx, r, tenantID, entryID, authz.ActionDelete); err != nil {
		return nil, err
	}
	if strings.TrimSpace(req.Reason) == "" {
		return nil, fmt.Errorf("%w: deletion reason is required", ErrInvalidInput)
	}

	now := s.now().UTC()
	updated, err := s.mutate(ctx, tenantID, entryID, r.ID,
		func(e *model.Entry) error {
			d := s.policy.Decide(e, now)
			switch {
			case d.Held:
				return fmt.Errorf("%w: entry %s is under legal hold", model.ErrRetentionViolation, e.ID)
			case d.Permanent:
				return fmt.Errorf("%w: %s entries are never deleted", model.ErrRetentionViolation, e.Classification)
			case !d.Expired:
				return fmt.Errorf("%w: entry %s is retained until %s", model.ErrRetentionViolation, e.ID, e.RetentionExpiry.Format(time.RFC3339))
			case d.NeedsSignOff && strings.TrimSpace(req.SignedOffBy) == "":
				return fmt.Errorf("%w: %s entries need signed_off_by", ErrSignOffRequired, e.Classification)
			}
			if err := e.Transition(model.StatusDeleted); err != nil {
				return err
			}
			e.DeletedAt = &now
			return nil
		},
		func(e *model.Entry) (string, map[string]any) {
			payload := map[string]any{
				"entry_id":       e.ID,
				"sequence_index": e.SequenceIndex,
				"classification": e.Classification,
				"reason":         req.Reason,
			}
			if req.SignedOffBy != "" {
				payload["signed_off_by"] = req.SignedOffBy
			}
			return AuditEntryDeleted, payload
		},
	)
	if err != nil {
		return nil, err
	}

	s.logger.Info("ledger entry soft-deleted",
		zap.String("tenant_id", tenantID),
		zap.String("entry_id", entryID),
		zap.String("deleted_by", r.ID),
	)
	m := updated.Metadata()
	return &m, nil
}

// ArchiveExpired moves every GENERATED, non-held entry past its retention
// expiry to ARCHIVED and returns how many moved. Running it again with no
// newly expired entries moves none. Each non-empty batch is re-checked under
// its entries' locks and recorded on the tenant's chain before any entry in
// it changes.
func (s *Service) ArchiveExpired(ctx context.Context, tenantID string) (int, error) {
	now := s.now().UTC()
	skipped := make(map[string]bool)
	archived := 0

	for {
		if err := ctx.Err(); err != nil {
			return archived, err
		}
		batch, err := s.store.ListArchivable(ctx, tenantID, now, archiveBatchSize+len(skipped))
		if err != nil {
			return archived, fmt.Errorf("list archivable: %w", err)
		}
		var ids []string
		for _, e := range batch {
			if !skipped[e.ID] && s.policy.IsArchivable(e, now) {
				ids = append(ids, e.ID)
			}
		}
		if len(ids) == 0 {
			break
		}

		n, err := s.archiveBatch(ctx, tenantID, ids, now, skipped)
		archived += n
		if err != nil {
			return archived, err
		}
	}

	if archived > 0 {
		s.metrics.ArchivedObserved(archived)
		s.logger.Info("retention run archived entries",
			zap.String("tenant_id", tenantID),
			zap.Int("archived", archived),
		)
	}
	return archived, nil
}

// archiveBatch locks ids, keeps those still archivable, records them and
// transitions them. Entries that turn out not to be archivable are added to
// skipped. Any recorded entry that fails to move is listed in an
// AuditChangeAborted entry.
func (s *Service) archiveBatch(ctx context.Context, tenantID string, ids []string, now time.Time, skipped map[string]bool) (int, error) {
	const actor = "system:retention"

	keys := make([]string, len(ids))
	for i, id := range ids {
		keys[i] = lockKey(tenantID, id)
	}
	unlock := s.locks.lock(keys...)
	defer unlock()

	var todo []*model.Entry
	for _, id := range ids {
		e, err := s.store.Get(ctx, tenantID, id)
		if err != nil {
			return 0, fmt.Errorf("reload entry %s: %w", id, err)
		}
		if e.Status == model.StatusGenerated && s.policy.IsArchivable(e, now) {
			todo = append(todo, e)
		} else {
			skipped[id] = true
		}
	}
	if len(todo) == 0 {
		return 0, nil
	}

	recorded := make([]string, len(todo))
	for i, e := range todo {
		recorded[i] = e.ID
	}
	trail, err := s.appendAudit(ctx, tenantID, actor, AuditArchiveRun, map[string]any{
		"as_of":      now,
		"count":      len(todo),
		"entry_ids":  recorded,
		"from_index": todo[0].SequenceIndex,
		"to_index":   todo[len(todo)-1].SequenceIndex,
	})
	if err != nil {
		return 0, err
	}

	archived := 0
	var (
		failed []string
		runErr error
	)
	for i, e := range todo {
		_, err := s.mutateLocked(ctx, tenantID, e.ID, actor, func(next *model.Entry) error {
			if !s.policy.IsArchivable(next, now) || next.Status != model.StatusGenerated {
				return errNoLongerArchivable
			}
			if err := next.Transition(model.StatusArchived); err != nil {
				return err
			}
			next.ArchivedAt = &now
			return nil
		}, nil)
		if err == nil {
			archived++
			continue
		}
		if errors.Is(err, errNoLongerArchivable) {
			skipped[e.ID] = true
			failed = append(failed, e.ID)
			continue
		}
		runErr = fmt.Errorf("archive entry %s: %w", e.ID, err)
		for _, rest := range todo[i:] {
			failed = append(failed, rest.ID)
		}
		break
	}

	if len(failed) > 0 {
		cause := runErr
		if cause == nil {
			cause = errNoLongerArchivable
		}
		if cerr := s.recordAbort(ctx, tenantID, actor, trail, cause, map[string]any{
			"entry_ids": failed,
			"count":     len(failed),
		}); cerr != nil {
			return archived, fmt.Errorf("archive run recorded %d entries that did not move: %w", len(failed), cerr)
		}
	}
	return archived, runErr
}

var errNoLongerArchivable = errors.New("entry no longer archivable")
