// Package service implements the ledger's business operations: sealed
// appends, authorised reads, chain verification and retention lifecycle.
package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/jmerrifield20/ReportLedger/internal/authz"
	"github.com/jmerrifield20/ReportLedger/internal/cryptobox"
	"github.com/jmerrifield20/ReportLedger/internal/hashchain"
	"github.com/jmerrifield20/ReportLedger/internal/ledger/model"
	"github.com/jmerrifield20/ReportLedger/internal/ledger/store"
	"github.com/jmerrifield20/ReportLedger/internal/retention"
)

var (
	// ErrAccessDenied is returned when the authorizer rejects a request.
	ErrAccessDenied = errors.New("access denied")

	// ErrChainIntegrityViolation is returned by Report.Err for a broken chain.
	ErrChainIntegrityViolation = errors.New("chain integrity violation")

	// ErrSignOffRequired is returned when deleting an entry whose
	// classification needs a named sign-off.
	ErrSignOffRequired = errors.New("deletion requires sign-off")

	// ErrInvalidInput is returned for malformed requests.
	ErrInvalidInput = errors.New("invalid input")

	// ErrEntryDeleted is returned when reading the payload of a soft-deleted entry.
	ErrEntryDeleted = errors.New("ledger entry deleted")
)

// Recorder receives service-level metric events. metrics.Recorder satisfies it.
type Recorder interface {
	AppendObserved(classification, result string)
	AppendRetried()
	DecryptObserved(outcome string)
	BrokenLinksObserved(n int)
	ArchivedObserved(n int)
}

type nopRecorder struct{}

func (nopRecorder) AppendObserved(string, string) {}
func (nopRecorder) AppendRetried()                {}
func (nopRecorder) DecryptObserved(string)        {}
func (nopRecorder) BrokenLinksObserved(int)       {}
func (nopRecorder) ArchivedObserved(int)          {}

// RetryPolicy bounds how often contended writes are retried.
type RetryPolicy struct {
	Attempts int
	Backoff  time.Duration // multiplied by the attempt number
}

// DefaultRetryPolicy is used unless SetRetryPolicy overrides it.
var DefaultRetryPolicy = RetryPolicy{Attempts: 5, Backoff: 10 * time.Millisecond}

// Service is the ledger's entry point. It is safe for concurrent use.
type Service struct {
	store   store.Store
	box     *cryptobox.Box
	chain   *hashchain.Chain
	policy  *retention.Policy
	authz   authz.Authorizer
	metrics Recorder
	retry   RetryPolicy
	now     func() time.Time
	logger  *zap.Logger

	locks entryLocks
}

// New creates a Service from its collaborators.
func New(st store.Store, box *cryptobox.Box, chain *hashchain.Chain, policy *retention.Policy, az authz.Authorizer, logger *zap.Logger) *Service {
	return &Service{
		store:   st,
		box:     box,
		chain:   chain,
		policy:  policy,
		authz:   az,
		metrics: nopRecorder{},
		retry:   DefaultRetryPolicy,
		now:     time.Now,
		logger:  logger,
	}
}

// SetClock replaces the time source.
func (s *Service) SetClock(now func() time.Time) {
	s.now = now
}

// SetRetryPolicy replaces the retry policy for contended appends and updates.
func (s *Service) SetRetryPolicy(p RetryPolicy) {
	if p.Attempts < 1 {
		p.Attempts = 1
	}
	s.retry = p
}

// SetMetrics configures the metrics recorder. nil disables recording.
func (s *Service) SetMetrics(r Recorder) {
	if r == nil {
		r = nopRecorder{}
	}
	s.metrics = r
}

// AppendRequest is the input to Append.
type AppendRequest struct {
	TenantID       string                   `json:"tenant_id"`
	Actor          string                   `json:"actor"`
	Classification retention.Classification `json:"classification"`
	Action         string                   `json:"action"`
	Payload        any                      `json:"payload"`
}

// Append seals req.Payload and appends it to the tenant's chain. It returns
// only public metadata. A failed append leaves no visible entry.
func (s *Service) Append(ctx context.Context, req AppendRequest) (*model.Metadata, error) {
	req, err := normalizeAppend(req)
	if err != nil {
		return nil, err
	}
	plaintext, err := json.Marshal(req.Payload)
	if err != nil {
		return nil, fmt.Errorf("%w: marshal payload: %v", ErrInvalidInput, err)
	}

	e, err := s.appendSealed(ctx, req, plaintext)
	if err != nil {
		s.metrics.AppendObserved(string(req.Classification), "error")
		s.logger.Error("ledger append failed",
			zap.String("tenant_id", req.TenantID),
			zap.String("action", req.Action),
			zap.Error(err),
		)
		return nil, err
	}
	s.metrics.AppendObserved(string(req.Classification), "ok")

	s.logger.Info("ledger entry appended",
		zap.String("tenant_id", e.TenantID),
		zap.String("entry_id", e.ID),
		zap.Int64("sequence_index", e.SequenceIndex),
		zap.String("classification", string(e.Classification)),
		zap.String("action", e.Action),
	)
	m := e.Metadata()
	return &m, nil
}

func normalizeAppend(req AppendRequest) (AppendRequest, error) {
	switch {
	case strings.TrimSpace(req.TenantID) == "":
		return req, fmt.Errorf("%w: tenant_id is required", ErrInvalidInput)
	case strings.TrimSpace(req.Actor) == "":
		return req, fmt.Errorf("%w: actor is required", ErrInvalidInput)
	case strings.TrimSpace(req.Action) == "":
		return req, fmt.Errorf("%w: action is required", ErrInvalidInput)
	}
	c, err := retention.ParseClassification(string(req.Classification))
	if err != nil {
		return req, fmt.Errorf("%w: %v", ErrInvalidInput, err)
	}
	req.Classification = c
	return req, nil
}

// appendSealed encrypts once under a fixed entry id, then retries the chain
// append on contention. Only the link fields change between attempts.
func (s *Service) appendSealed(ctx context.Context, req AppendRequest, plaintext []byte) (*model.Entry, error) {
	id := uuid.NewString()
	createdAt := s.now().UTC().Truncate(time.Microsecond)
	expiry, err := s.policy.ExpiryFor(req.Classification, createdAt)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidInput, err)
	}

	env, err := s.box.Seal(plaintext, model.PayloadAAD(req.TenantID, id))
	if err != nil {
		return nil, fmt.Errorf("seal payload: %w", err)
	}

	build := func(prevHash string, next int64) (*model.Entry, error) {
		if prevHash == "" {
			prevHash = s.chain.Genesis()
		}
		e := &model.Entry{
			ID:              id,
			TenantID:        req.TenantID,
			SequenceIndex:   next,
			Classification:  req.Classification,
			Action:          req.Action,
			Actor:           req.Actor,
			CreatedAt:       createdAt,
			PreviousHash:    prevHash,
			Payload:         *env,
			RetentionExpiry: expiry,
			Status:          model.StatusGenerated,
		}
		h, err := s.chain.LinkHash(e.CanonicalFields(), prevHash)
		if err != nil {
			return nil, err
		}
		e.LinkHash = h
		return e, nil
	}

	var lastErr error
	for attempt := 1; attempt <= s.retry.Attempts; attempt++ {
		e, err := s.store.AppendNext(ctx, req.TenantID, build)
		if err == nil {
			return e, nil
		}
		if !errors.Is(err, store.ErrConcurrentAppend) {
			return nil, err
		}
		lastErr = err
		s.metrics.AppendRetried()
		s.logger.Debug("append contended, retrying",
			zap.String("tenant_id", req.TenantID),
			zap.Int("attempt", attempt),
		)
		if err := s.backoff(ctx, attempt); err != nil {
			return nil, err
		}
	}
	return nil, fmt.Errorf("append after %d attempts: %w", s.retry.Attempts, lastErr)
}

func (s *Service) backoff(ctx context.Context, attempt int) error {
	if s.retry.Backoff <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(time.Duration(attempt) * s.retry.Backoff)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// Get returns an entry's metadata.
func (s *Service) Get(ctx context.Context, tenantID, entryID string) (*model.Metadata, error) {
	e, err := s.store.Get(ctx, tenantID, entryID)
	if err != nil {
		return nil, err
	}
	m := e.Metadata()
	return &m, nil
}

// GetByHash returns the metadata of the entry with the given link hash.
func (s *Service) GetByHash(ctx context.Context, tenantID, linkHash string) (*model.Metadata, error) {
	e, err := s.store.FetchByHash(ctx, tenantID, linkHash)
	if err != nil {
		return nil, err
	}
	m := e.Metadata()
	return &m, nil
}

// Tail returns the metadata of the tenant's newest entry.
func (s *Service) Tail(ctx context.Context, tenantID string) (*model.Metadata, error) {
	e, err := s.store.FetchTail(ctx, tenantID)
	if err != nil {
		return nil, err
	}
	if e == nil {
		return nil, store.ErrNotFound
	}
	m := e.Metadata()
	return &m, nil
}

// MaxListRange caps the number of entries List returns.
const MaxListRange = 500

// List returns metadata for entries with from <= sequence_index <= to.
// A negative to lists up to MaxListRange entries from from.
func (s *Service) List(ctx context.Context, tenantID string, from, to int64) ([]model.Metadata, error) {
	if from < 0 {
		return nil, fmt.Errorf("%w: from must be >= 0", ErrInvalidInput)
	}
	if to < 0 || to-from >= MaxListRange {
		to = from + MaxListRange - 1
	}
	if to < from {
		return nil, fmt.Errorf("%w: to must be >= from", ErrInvalidInput)
	}
	entries, err := s.store.FetchRange(ctx, tenantID, from, to)
	if err != nil {
		return nil, err
	}
	out := make([]model.Metadata, 0, len(entries))
	for _, e := range entries {
		out = append(out, e.Metadata())
	}
	return out, nil
}

// Tenants lists every tenant with an entry.
func (s *Service) Tenants(ctx context.Context) ([]string, error) {
	return s.store.Tenants(ctx)
}

// Authorize checks r against the configured authorizer and returns
// ErrAccessDenied on rejection.
func (s *Service) Authorize(ctx context.Context, r authz.Requester, tenantID, entryID string, action authz.Action) error {
	ok, err := s.authz.Authorize(ctx, r, tenantID, entryID, action)
	if err != nil {
		return fmt.Errorf("authorize %s: %w", action, err)
	}
	if !ok {
		return fmt.Errorf("%w: %s may not %s in tenant %s", ErrAccessDenied, r.ID, action, tenantID)
	}
	return nil
}
