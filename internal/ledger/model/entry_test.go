package model

import (
	"errors"
	"testing"
	"time"

	"github.com/jmerrifield20/ReportLedger/internal/cryptobox"
	"github.com/jmerrifield20/ReportLedger/internal/retention"
)

func sampleEntry() *Entry {
	return &Entry{
		ID:              "entry-1",
		TenantID:        "firm-1",
		SequenceIndex:   3,
		Classification:  retention.ClassTax,
		Action:          "tax_record.created",
		Actor:           "user:alice",
		CreatedAt:       time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC),
		PreviousHash:    "aa",
		LinkHash:        "bb",
		Payload:         cryptobox.Envelope{Ciphertext: []byte{1, 2}, Nonce: []byte{3}, Tag: []byte{4}, Alg: cryptobox.AlgAES256GCM, KeyVersion: 1},
		RetentionExpiry: time.Date(2029, 1, 1, 0, 0, 0, 0, time.UTC),
		Status:          StatusGenerated,
	}
}

func TestCanTransition(t *testing.T) {
	tests := []struct {
		from, to Status
		want     bool
	}{
		{StatusGenerated, StatusArchived, true},
		{StatusGenerated, StatusQuarantined, true},
		{StatusGenerated, StatusDeleted, true},
		{StatusQuarantined, StatusGenerated, true},
		{StatusQuarantined, StatusArchived, true},
		{StatusQuarantined, StatusDeleted, false},
		{StatusArchived, StatusGenerated, false},
		{StatusArchived, StatusDeleted, true},
		{StatusDeleted, StatusGenerated, false},
		{StatusDeleted, StatusArchived, false},
	}
	for _, tt := range tests {
		if got := CanTransition(tt.from, tt.to); got != tt.want {
			t.Errorf("%s -> %s: got %v, want %v", tt.from, tt.to, got, tt.want)
		}
	}
}

func TestTransition_legalHoldBlocksDelete(t *testing.T) {
	e := sampleEntry()
	e.LegalHold.Active = true
	if err := e.Transition(StatusDeleted); !errors.Is(err, ErrRetentionViolation) {
		t.Errorf("expected ErrRetentionViolation, got %v", err)
	}
	if e.Status != StatusGenerated {
		t.Errorf("status changed to %s", e.Status)
	}
}

func TestTransition_invalid(t *testing.T) {
	e := sampleEntry()
	e.Status = StatusDeleted
	if err := e.Transition(StatusGenerated); !errors.Is(err, ErrInvalidTransition) {
		t.Errorf("expected ErrInvalidTransition, got %v", err)
	}
}

func TestCheckImmutable(t *testing.T) {
	prev := sampleEntry()

	next := prev.Clone()
	next.Status = StatusArchived
	now := time.Now()
	next.ArchivedAt = &now
	next.Version++
	if err := CheckImmutable(prev, next); err != nil {
		t.Errorf("mutable-only change rejected: %v", err)
	}

	mutations := map[string]func(*Entry){
		"created_at":   func(e *Entry) { e.CreatedAt = e.CreatedAt.Add(time.Second) },
		"link_hash":    func(e *Entry) { e.LinkHash = "cc" },
		"previous":     func(e *Entry) { e.PreviousHash = "cc" },
		"actor":        func(e *Entry) { e.Actor = "user:mallory" },
		"ciphertext":   func(e *Entry) { e.Payload.Ciphertext[0] ^= 1 },
		"key_version":  func(e *Entry) { e.Payload.KeyVersion = 2 },
		"expiry":       func(e *Entry) { e.RetentionExpiry = e.RetentionExpiry.AddDate(1, 0, 0) },
		"sequence_idx": func(e *Entry) { e.SequenceIndex = 9 },
	}
	for name, mutate := range mutations {
		t.Run(name, func(t *testing.T) {
			next := prev.Clone()
			mutate(next)
			if err := CheckImmutable(prev, next); !errors.Is(err, ErrImmutableField) {
				t.Errorf("expected ErrImmutableField, got %v", err)
			}
		})
	}
}

func TestCheckImmutable_heldDelete(t *testing.T) {
	prev := sampleEntry()
	prev.LegalHold.Active = true
	next := prev.Clone()
	next.Status = StatusDeleted
	if err := CheckImmutable(prev, next); !errors.Is(err, ErrRetentionViolation) {
		t.Errorf("expected ErrRetentionViolation, got %v", err)
	}
}

func TestClone_isDeep(t *testing.T) {
	e := sampleEntry()
	placed := time.Now()
	e.LegalHold.PlacedAt = &placed

	cp := e.Clone()
	cp.Payload.Ciphertext[0] = 99
	*cp.LegalHold.PlacedAt = placed.Add(time.Hour)

	if e.Payload.Ciphertext[0] == 99 {
		t.Error("ciphertext shared between clone and original")
	}
	if !e.LegalHold.PlacedAt.Equal(placed) {
		t.Error("placed_at shared between clone and original")
	}
}

func TestMetadata_omitsPayload(t *testing.T) {
	m := sampleEntry().Metadata()
	if m.KeyVersion != 1 || m.Alg != cryptobox.AlgAES256GCM {
		t.Errorf("unexpected envelope metadata: %+v", m)
	}
	if m.LinkHash != "bb" || m.SequenceIndex != 3 {
		t.Errorf("unexpected chain metadata: %+v", m)
	}
}
