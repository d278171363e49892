// Package store implements append-only persistence for tenant hash chains.
//
// Three implementations of the Store interface are provided:
//   - MemoryStore: in-process, for tests and development.
//   - PostgresStore: durable, multi-instance; appends serialise on a
//     per-tenant advisory lock and a unique (tenant_id, sequence_index) index.
//   - SQLiteStore: durable, single-node.
//
// No implementation ever removes a row. Deletion is a status change.
package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jmerrifield20/ReportLedger/internal/ledger/model"
)

var (
	// ErrNotFound is returned when no entry matches a lookup.
	ErrNotFound = errors.New("ledger entry not found")

	// ErrConcurrentAppend is returned when another append claimed the same
	// sequence index first. The caller should rebuild and retry.
	ErrConcurrentAppend = errors.New("concurrent append conflict")

	// ErrVersionConflict is returned when an entry changed between read and
	// update.
	ErrVersionConflict = errors.New("ledger entry version conflict")
)

// BuildFunc constructs the next entry of a chain. previousHash is the tail's
// link hash, or empty when the tenant has no entries yet. It runs while the
// store holds the tenant's append slot and must not block.
type BuildFunc func(previousHash string, nextIndex int64) (*model.Entry, error)

// Store is the append-only persistence contract for ledger entries.
type Store interface {
	// AppendNext atomically reads the tenant's tail, builds the next entry and
	// persists it. Either the entry becomes visible in full or not at all.
	AppendNext(ctx context.Context, tenantID string, build BuildFunc) (*model.Entry, error)

	// FetchRange returns entries with from <= sequence_index <= to in
	// ascending order. A negative to means "through the tail".
	FetchRange(ctx context.Context, tenantID string, from, to int64) ([]*model.Entry, error)

	// FetchTail returns the highest-indexed entry, or nil if the chain is empty.
	FetchTail(ctx context.Context, tenantID string) (*model.Entry, error)

	// FetchByHash returns the entry whose link hash is linkHash.
	FetchByHash(ctx context.Context, tenantID, linkHash string) (*model.Entry, error)

	// Get returns an entry by id.
	Get(ctx context.Context, tenantID, entryID string) (*model.Entry, error)

	// Update persists the mutable fields of next if the stored version still
	// equals next.Version, and returns the stored result with its new version.
	Update(ctx context.Context, next *model.Entry) (*model.Entry, error)

	// ListArchivable returns up to limit GENERATED, non-held entries whose
	// retention expiry is at or before now.
	ListArchivable(ctx context.Context, tenantID string, now time.Time, limit int) ([]*model.Entry, error)

	// RecordAccess appends to an entry's access sub-trail.
	RecordAccess(ctx context.Context, rec model.AccessRecord) error

	// AccessLog returns an entry's access sub-trail, oldest first.
	AccessLog(ctx context.Context, tenantID, entryID string) ([]model.AccessRecord, error)

	// Tenants lists every tenant with at least one entry.
	Tenants(ctx context.Context) ([]string, error)
}

// checkBuilt validates a builder's output against the slot it was given.
func checkBuilt(e *model.Entry, tenantID, previousHash string, nextIndex int64) error {
	switch {
	case e == nil:
		return fmt.Errorf("builder returned nil entry")
	case e.ID == "":
		return fmt.Errorf("built entry has no id")
	case e.TenantID != tenantID:
		return fmt.Errorf("built entry tenant %q does not match %q", e.TenantID, tenantID)
	case e.SequenceIndex != nextIndex:
		return fmt.Errorf("built entry index %d, want %d", e.SequenceIndex, nextIndex)
	case nextIndex > 0 && e.PreviousHash != previousHash:
		return fmt.Errorf("built entry previous hash does not match tail")
	case e.LinkHash == "":
		return fmt.Errorf("built entry has no link hash")
	case e.Status != model.StatusGenerated:
		return fmt.Errorf("built entry status %s, want %s", e.Status, model.StatusGenerated)
	}
	return nil
}

// timeLayout is fixed-width so that lexical order matches time order in
// stores that keep timestamps as text.
const timeLayout = "2006-01-02T15:04:05.000000000Z"

func formatTime(t time.Time) string { return t.UTC().Format(timeLayout) }

func parseTime(s string) (time.Time, error) { return time.Parse(timeLayout, s) }
