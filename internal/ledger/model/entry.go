package model

import (
	"bytes"
	"errors"
	"fmt"
	"time"

	"github.com/jmerrifield20/ReportLedger/internal/cryptobox"
	"github.com/jmerrifield20/ReportLedger/internal/hashchain"
	"github.com/jmerrifield20/ReportLedger/internal/retention"
)

// Status is the lifecycle state of a ledger entry.
type Status string

const (
	StatusGenerated   Status = "GENERATED"
	StatusArchived    Status = "ARCHIVED"
	StatusQuarantined Status = "QUARANTINED" // legal hold
	StatusDeleted     Status = "DELETED"     // soft
)

var (
	// ErrInvalidTransition is returned for a status change the state machine forbids.
	ErrInvalidTransition = errors.New("invalid status transition")

	// ErrRetentionViolation is returned when a deletion would break retention
	// or legal-hold rules. No caller-supplied flag bypasses it.
	ErrRetentionViolation = errors.New("retention violation")

	// ErrImmutableField is returned when an update would change a hashed or
	// sealed field of a stored entry.
	ErrImmutableField = errors.New("immutable ledger field modified")
)

// transitions is the permitted status graph. ARCHIVED and DELETED are
// terminal for the automated policy; ARCHIVED -> DELETED is the explicit
// soft-delete operation.
var transitions = map[Status][]Status{
	StatusGenerated:   {StatusArchived, StatusQuarantined, StatusDeleted},
	StatusQuarantined: {StatusGenerated, StatusArchived},
	StatusArchived:    {StatusDeleted},
}

// CanTransition reports whether from -> to is allowed.
func CanTransition(from, to Status) bool {
	for _, s := range transitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

// LegalHold blocks deletion and retention-based archival while Active.
type LegalHold struct {
	Active     bool       `json:"active"`
	Reason     string     `json:"reason,omitempty"`
	PlacedBy   string     `json:"placed_by,omitempty"`
	PlacedAt   *time.Time `json:"placed_at,omitempty"`
	ReleasedBy string     `json:"released_by,omitempty"`
	ReleasedAt *time.Time `json:"released_at,omitempty"`
}

// Entry is the immutable unit of a tenant's hash chain. Only Status,
// LegalHold, ArchivedAt, DeletedAt and Version change after creation.
type Entry struct {
	ID              string                   `json:"id"`
	TenantID        string                   `json:"tenant_id"`
	SequenceIndex   int64                    `json:"sequence_index"`
	Classification  retention.Classification `json:"classification"`
	Action          string                   `json:"action"`
	Actor           string                   `json:"actor"`
	CreatedAt       time.Time                `json:"created_at"`
	PreviousHash    string                   `json:"previous_hash"`
	LinkHash        string                   `json:"link_hash"`
	Payload         cryptobox.Envelope       `json:"payload"`
	RetentionExpiry time.Time                `json:"retention_expiry"`
	LegalHold       LegalHold                `json:"legal_hold"`
	Status          Status                   `json:"status"`
	ArchivedAt      *time.Time               `json:"archived_at,omitempty"`
	DeletedAt       *time.Time               `json:"deleted_at,omitempty"`
	Version         int64                    `json:"version"`
}

// CanonicalFields returns the hashed subset of e.
func (e *Entry) CanonicalFields() hashchain.CanonicalFields {
	return hashchain.CanonicalFields{
		EntryID:        e.ID,
		TenantID:       e.TenantID,
		SequenceIndex:  e.SequenceIndex,
		Classification: string(e.Classification),
		Action:         e.Action,
		Actor:          e.Actor,
		CreatedAt:      e.CreatedAt,
	}
}

// RetentionClass implements retention.Subject.
func (e *Entry) RetentionClass() retention.Classification { return e.Classification }

// ExpiresAt implements retention.Subject.
func (e *Entry) ExpiresAt() time.Time { return e.RetentionExpiry }

// OnLegalHold implements retention.Subject.
func (e *Entry) OnLegalHold() bool { return e.LegalHold.Active }

// AAD returns the associated data the payload is sealed against.
func (e *Entry) AAD() []byte {
	return PayloadAAD(e.TenantID, e.ID)
}

// PayloadAAD binds a sealed payload to its tenant and entry.
func PayloadAAD(tenantID, entryID string) []byte {
	return []byte(tenantID + "|" + entryID)
}

// Transition moves e to status to, enforcing the state machine and the
// legal-hold rule.
func (e *Entry) Transition(to Status) error {
	if to == StatusDeleted && e.LegalHold.Active {
		return fmt.Errorf("%w: entry %s is under legal hold", ErrRetentionViolation, e.ID)
	}
	if !CanTransition(e.Status, to) {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, e.Status, to)
	}
	e.Status = to
	return nil
}

// Clone returns a deep copy of e.
func (e *Entry) Clone() *Entry {
	cp := *e
	cp.Payload.Ciphertext = bytes.Clone(e.Payload.Ciphertext)
	cp.Payload.Nonce = bytes.Clone(e.Payload.Nonce)
	cp.Payload.Tag = bytes.Clone(e.Payload.Tag)
	cp.LegalHold.PlacedAt = cloneTime(e.LegalHold.PlacedAt)
	cp.LegalHold.ReleasedAt = cloneTime(e.LegalHold.ReleasedAt)
	cp.ArchivedAt = cloneTime(e.ArchivedAt)
	cp.DeletedAt = cloneTime(e.DeletedAt)
	return &cp
}

func cloneTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	v := *t
	return &v
}

// CheckImmutable returns ErrImmutableField if next differs from prev in any
// field fixed at creation.
func CheckImmutable(prev, next *Entry) error {
	switch {
	case prev.ID != next.ID,
		prev.TenantID != next.TenantID,
		prev.SequenceIndex != next.SequenceIndex,
		prev.Classification != next.Classification,
		prev.Action != next.Action,
		prev.Actor != next.Actor,
		!prev.CreatedAt.Equal(next.CreatedAt),
		prev.PreviousHash != next.PreviousHash,
		prev.LinkHash != next.LinkHash,
		!prev.RetentionExpiry.Equal(next.RetentionExpiry),
		!envelopeEqual(prev.Payload, next.Payload):
		return fmt.Errorf("%w: entry %s", ErrImmutableField, prev.ID)
	}
	if prev.LegalHold.Active && next.Status == StatusDeleted {
		return fmt.Errorf("%w: entry %s is under legal hold", ErrRetentionViolation, prev.ID)
	}
	return nil
}

func envelopeEqual(a, b cryptobox.Envelope) bool {
	return a.Alg == b.Alg && a.KeyVersion == b.KeyVersion &&
		bytes.Equal(a.Ciphertext, b.Ciphertext) &&
		bytes.Equal(a.Nonce, b.Nonce) &&
		bytes.Equal(a.Tag, b.Tag)
}

// Metadata is the public, non-decrypted view of an entry.
type Metadata struct {
	ID              string                   `json:"id"`
	TenantID        string                   `json:"tenant_id"`
	SequenceIndex   int64                    `json:"sequence_index"`
	Classification  retention.Classification `json:"classification"`
	Action          string                   `json:"action"`
	Actor           string                   `json:"actor"`
	CreatedAt       time.Time                `json:"created_at"`
	PreviousHash    string                   `json:"previous_hash"`
	LinkHash        string                   `json:"link_hash"`
	RetentionExpiry time.Time                `json:"retention_expiry"`
	Status          Status                   `json:"status"`
	LegalHold       LegalHold                `json:"legal_hold"`
	Alg             cryptobox.Algorithm      `json:"alg"`
	KeyVersion      int                      `json:"key_version"`
}

// Metadata returns the public view of e.
func (e *Entry) Metadata() Metadata {
	return Metadata{
		ID:              e.ID,
		TenantID:        e.TenantID,
		SequenceIndex:   e.SequenceIndex,
		Classification:  e.Classification,
		Action:          e.Action,
		Actor:           e.Actor,
		CreatedAt:       e.CreatedAt,
		PreviousHash:    e.PreviousHash,
		LinkHash:        e.LinkHash,
		RetentionExpiry: e.RetentionExpiry,
		Status:          e.Status,
		LegalHold:       e.LegalHold,
		Alg:             e.Payload.Alg,
		KeyVersion:      e.Payload.KeyVersion,
	}
}
