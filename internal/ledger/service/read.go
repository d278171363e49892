package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/jmerrifield20/ReportLedger/internal/authz"
	"github.com/jmerrifield20/ReportLedger/internal/ledger/model"
)

// DecryptedEntry is an entry's metadata together with its opened payload.
type DecryptedEntry struct {
	model.Metadata
	Payload json.RawMessage `json:"payload"`
}

// Read authorises r, decrypts the entry's payload and records the attempt in
// the entry's access sub-trail. Every attempt on an existing entry is
// recorded, whatever its outcome. If the record cannot be written the read
// fails and no plaintext is returned.
func (s *Service) Read(ctx context.Context, tenantID, entryID string, r authz.Requester) (*DecryptedEntry, error) {
	e, err := s.store.Get(ctx, tenantID, entryID)
	if err != nil {
		return nil, err
	}

	ok, authErr := s.authz.Authorize(ctx, r, tenantID, entryID, authz.ActionDecrypt)
	switch {
	case authErr != nil:
		if err := s.recordAccess(ctx, e, r, model.AccessFailed, "authorizer error: "+authErr.Error()); err != nil {
			return nil, err
		}
		return nil, fmt.Errorf("authorize decrypt: %w", authErr)
	case !ok:
		if err := s.recordAccess(ctx, e, r, model.AccessDenied, ""); err != nil {
			return nil, err
		}
		s.logger.Warn("decrypt denied",
			zap.String("tenant_id", tenantID),
			zap.String("entry_id", entryID),
			zap.String("requester_id", r.ID),
			zap.String("role", string(r.Role)),
		)
		return nil, fmt.Errorf("%w: %s may not decrypt entry %s", ErrAccessDenied, r.ID, entryID)
	}

	if e.Status == model.StatusDeleted {
		if err := s.recordAccess(ctx, e, r, model.AccessFailed, "entry deleted"); err != nil {
			return nil, err
		}
		return nil, fmt.Errorf("%w: %s", ErrEntryDeleted, entryID)
	}

	plaintext, err := s.box.Open(&e.Payload, e.AAD())
	if err != nil {
		if recErr := s.recordAccess(ctx, e, r, model.AccessFailed, err.Error()); recErr != nil {
			return nil, errors.Join(err, recErr)
		}
		s.logger.Error("payload decryption failed",
			zap.String("tenant_id", tenantID),
			zap.String("entry_id", entryID),
			zap.Int("key_version", e.Payload.KeyVersion),
			zap.Error(err),
		)
		return nil, fmt.Errorf("open entry %s: %w", entryID, err)
	}

	if err := s.recordAccess(ctx, e, r, model.AccessGranted, ""); err != nil {
		return nil, err
	}
	return &DecryptedEntry{Metadata: e.Metadata(), Payload: json.RawMessage(plaintext)}, nil
}

func (s *Service) recordAccess(ctx context.Context, e *model.Entry, r authz.Requester, outcome model.AccessOutcome, detail string) error {
	s.metrics.DecryptObserved(string(outcome))
	rec := model.AccessRecord{
		ID:          uuid.NewString(),
		TenantID:    e.TenantID,
		EntryID:     e.ID,
		RequesterID: r.ID,
		Role:        string(r.Role),
		Action:      string(authz.ActionDecrypt),
		Outcome:     outcome,
		Detail:      detail,
		At:          s.now().UTC(),
	}
	if err := s.store.RecordAccess(ctx, rec); err != nil {
		return fmt.Errorf("record access: %w", err)
	}
	return nil
}

// AccessLog returns an entry's access sub-trail.
func (s *Service) AccessLog(ctx context.Context, tenantID, entryID string, r authz.Requester) ([]model.AccessRecord, error) {
	if err := s.Authorize(ctx, r, tenantID, entryID, authz.ActionAccessLog); err != nil {
		return nil, err
	}
	return s.store.AccessLog(ctx, tenantID, entryID)
}
