package store_test

import (
	"context"
	"database/sql"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/jmerrifield20/ReportLedger/internal/cryptobox"
	"github.com/jmerrifield20/ReportLedger/internal/hashchain"
	"github.com/jmerrifield20/ReportLedger/internal/ledger/model"
	"github.com/jmerrifield20/ReportLedger/internal/ledger/store"
	"github.com/jmerrifield20/ReportLedger/internal/retention"
)

var t0 = time.Date(2024, 3, 1, 10, 0, 0, 0, time.UTC)

// backends returns a fresh instance of every embeddable Store.
func backends(t *testing.T) map[string]store.Store {
	t.Helper()
	sq, err := store.OpenSQLite(context.Background(), ":memory:", zap.NewNop())
	if err != nil {
		t.Fatalf("OpenSQLite: %v", err)
	}
	t.Cleanup(func() { _ = sq.Close() })
	return map[string]store.Store{
		"memory": store.NewMemoryStore(),
		"sqlite": sq,
	}
}

// builder returns a BuildFunc producing a well-formed entry for tenantID.
func builder(t *testing.T, tenantID string, expiry time.Time) store.BuildFunc {
	t.Helper()
	chain, err := hashchain.New(hashchain.GenesisHash)
	if err != nil {
		t.Fatal(err)
	}
	return func(prevHash string, next int64) (*model.Entry, error) {
		if prevHash == "" {
			prevHash = chain.Genesis()
		}
		e := &model.Entry{
			ID:              uuid.NewString(),
			TenantID:        tenantID,
			SequenceIndex:   next,
			Classification:  retention.ClassTax,
			Action:          "tax_record.created",
			Actor:           "user:alice",
			CreatedAt:       t0.Add(time.Duration(next) * time.Minute),
			PreviousHash:    prevHash,
			RetentionExpiry: expiry,
			Status:          model.StatusGenerated,
			Payload: cryptobox.Envelope{
				Ciphertext: []byte("sealed"),
				Nonce:      []byte("nonce-123456"),
				Tag:        []byte("tag-0123456789ab"),
				Alg:        cryptobox.AlgAES256GCM,
				KeyVersion: 1,
			},
		}
		h, err := chain.LinkHash(e.CanonicalFields(), prevHash)
		if err != nil {
			return nil, err
		}
		e.LinkHash = h
		return e, nil
	}
}

func appendN(t *testing.T, s store.Store, tenantID string, n int, expiry time.Time) []*model.Entry {
	t.Helper()
	out := make([]*model.Entry, 0, n)
	for i := 0; i < n; i++ {
		e, err := s.AppendNext(context.Background(), tenantID, builder(t, tenantID, expiry))
		if err != nil {
			t.Fatalf("AppendNext %d: %v", i, err)
		}
		out = append(out, e)
	}
	return out
}

func TestStore_appendAndFetch(t *testing.T) {
	for name, s := range backends(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			entries := appendN(t, s, "firm-a", 3, t0.AddDate(5, 0, 0))

			for i, e := range entries {
				if e.SequenceIndex != int64(i) {
					t.Errorf("entry %d: sequence index %d", i, e.SequenceIndex)
				}
				if e.Version != 1 {
					t.Errorf("entry %d: version %d, want 1", i, e.Version)
				}
			}
			if entries[0].PreviousHash != hashchain.GenesisHash {
				t.Errorf("first entry previous hash = %q", entries[0].PreviousHash)
			}
			for i := 1; i < len(entries); i++ {
				if entries[i].PreviousHash != entries[i-1].LinkHash {
					t.Errorf("entry %d not linked to %d", i, i-1)
				}
			}

			all, err := s.FetchRange(ctx, "firm-a", 0, -1)
			if err != nil {
				t.Fatalf("FetchRange: %v", err)
			}
			if len(all) != 3 {
				t.Fatalf("FetchRange returned %d entries, want 3", len(all))
			}
			if !all[1].CreatedAt.Equal(entries[1].CreatedAt) || all[1].LinkHash != entries[1].LinkHash {
				t.Errorf("round-tripped entry differs: %+v", all[1])
			}

			mid, err := s.FetchRange(ctx, "firm-a", 1, 1)
			if err != nil || len(mid) != 1 || mid[0].SequenceIndex != 1 {
				t.Errorf("FetchRange(1,1) = %v, %v", mid, err)
			}

			tail, err := s.FetchTail(ctx, "firm-a")
			if err != nil || tail == nil || tail.SequenceIndex != 2 {
				t.Errorf("FetchTail = %v, %v", tail, err)
			}

			got, err := s.Get(ctx, "firm-a", entries[2].ID)
			if err != nil || got.LinkHash != entries[2].LinkHash {
				t.Errorf("Get = %v, %v", got, err)
			}
			byHash, err := s.FetchByHash(ctx, "firm-a", entries[0].LinkHash)
			if err != nil || byHash.ID != entries[0].ID {
				t.Errorf("FetchByHash = %v, %v", byHash, err)
			}

			if _, err := s.Get(ctx, "firm-a", "missing"); !errors.Is(err, store.ErrNotFound) {
				t.Errorf("Get(missing): expected ErrNotFound, got %v", err)
			}
			if _, err := s.Get(ctx, "firm-b", entries[0].ID); !errors.Is(err, store.ErrNotFound) {
				t.Errorf("Get across tenants: expected ErrNotFound, got %v", err)
			}
		})
	}
}

func TestStore_emptyTail(t *testing.T) {
	for name, s := range backends(t) {
		t.Run(name, func(t *testing.T) {
			tail, err := s.FetchTail(context.Background(), "nobody")
			if err != nil || tail != nil {
				t.Errorf("FetchTail on empty chain = %v, %v", tail, err)
			}
			got, err := s.FetchRange(context.Background(), "nobody", 0, -1)
			if err != nil || len(got) != 0 {
				t.Errorf("FetchRange on empty chain = %v, %v", got, err)
			}
		})
	}
}

func TestStore_tenantsAreIndependent(t *testing.T) {
	for name, s := range backends(t) {
		t.Run(name, func(t *testing.T) {
			appendN(t, s, "firm-a", 2, t0)
			b := appendN(t, s, "firm-b", 1, t0)
			if b[0].SequenceIndex != 0 || b[0].PreviousHash != hashchain.GenesisHash {
				t.Errorf("second tenant did not start its own chain: %+v", b[0])
			}
			tenants, err := s.Tenants(context.Background())
			if err != nil {
				t.Fatal(err)
			}
			if len(tenants) != 2 || tenants[0] != "firm-a" || tenants[1] != "firm-b" {
				t.Errorf("Tenants = %v", tenants)
			}
		})
	}
}

func TestStore_concurrentAppends(t *testing.T) {
	const n = 25
	for name, s := range backends(t) {
		t.Run(name, func(t *testing.T) {
			build := builder(t, "firm-c", t0)
			var wg sync.WaitGroup
			errs := make(chan error, n)
			for i := 0; i < n; i++ {
				wg.Add(1)
				go func() {
					defer wg.Done()
					if _, err := s.AppendNext(context.Background(), "firm-c", build); err != nil {
						errs <- err
					}
				}()
			}
			wg.Wait()
			close(errs)
			for err := range errs {
				t.Errorf("AppendNext: %v", err)
			}

			all, err := s.FetchRange(context.Background(), "firm-c", 0, -1)
			if err != nil {
				t.Fatal(err)
			}
			if len(all) != n {
				t.Fatalf("got %d entries, want %d", len(all), n)
			}
			for i, e := range all {
				if e.SequenceIndex != int64(i) {
					t.Errorf("position %d has index %d", i, e.SequenceIndex)
				}
				if i > 0 && e.PreviousHash != all[i-1].LinkHash {
					t.Errorf("entry %d not linked to its predecessor", i)
				}
			}
		})
	}
}

func TestStore_builderErrorAppendsNothing(t *testing.T) {
	for name, s := range backends(t) {
		t.Run(name, func(t *testing.T) {
			boom := errors.New("boom")
			_, err := s.AppendNext(context.Background(), "firm-a", func(string, int64) (*model.Entry, error) {
				return nil, boom
			})
			if !errors.Is(err, boom) {
				t.Errorf("expected builder error, got %v", err)
			}
			tail, _ := s.FetchTail(context.Background(), "firm-a")
			if tail != nil {
				t.Errorf("entry persisted after builder failure: %+v", tail)
			}
		})
	}
}

func TestStore_rejectsMisbuiltEntry(t *testing.T) {
	for name, s := range backends(t) {
		t.Run(name, func(t *testing.T) {
			good := builder(t, "firm-a", t0)
			_, err := s.AppendNext(context.Background(), "firm-a", func(prev string, next int64) (*model.Entry, error) {
				e, err := good(prev, next)
				if err != nil {
					return nil, err
				}
				e.SequenceIndex = next + 5
				return e, nil
			})
			if err == nil {
				t.Error("expected error for wrong sequence index")
			}
		})
	}
}

func TestStore_update(t *testing.T) {
	for name, s := range backends(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			e := appendN(t, s, "firm-a", 1, t0)[0]

			next := e.Clone()
			now := t0.AddDate(6, 0, 0)
			next.Status = model.StatusArchived
			next.ArchivedAt = &now
			updated, err := s.Update(ctx, next)
			if err != nil {
				t.Fatalf("Update: %v", err)
			}
			if updated.Version != 2 || updated.Status != model.StatusArchived || updated.ArchivedAt == nil {
				t.Errorf("unexpected updated entry: %+v", updated)
			}

			// Stale version loses.
			stale := e.Clone()
			stale.Status = model.StatusQuarantined
			if _, err := s.Update(ctx, stale); !errors.Is(err, store.ErrVersionConflict) {
				t.Errorf("expected ErrVersionConflict, got %v", err)
			}

			tampered := updated.Clone()
			tampered.Actor = "user:mallory"
			if _, err := s.Update(ctx, tampered); !errors.Is(err, model.ErrImmutableField) {
				t.Errorf("expected ErrImmutableField, got %v", err)
			}

			got, _ := s.Get(ctx, "firm-a", e.ID)
			if got.Actor != "user:alice" || got.Version != 2 {
				t.Errorf("rejected updates leaked into store: %+v", got)
			}
		})
	}
}

func TestStore_updateRejectsHeldDelete(t *testing.T) {
	for name, s := range backends(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			e := appendN(t, s, "firm-a", 1, t0)[0]

			held := e.Clone()
			placed := t0.Add(time.Hour)
			held.Status = model.StatusQuarantined
			held.LegalHold = model.LegalHold{Active: true, Reason: "litigation", PlacedBy: "user:counsel", PlacedAt: &placed}
			held, err := s.Update(ctx, held)
			if err != nil {
				t.Fatalf("place hold: %v", err)
			}
			if !held.LegalHold.Active || held.LegalHold.PlacedAt == nil || !held.LegalHold.PlacedAt.Equal(placed) {
				t.Errorf("hold not persisted: %+v", held.LegalHold)
			}

			del := held.Clone()
			del.Status = model.StatusDeleted
			if _, err := s.Update(ctx, del); !errors.Is(err, model.ErrRetentionViolation) {
				t.Errorf("expected ErrRetentionViolation, got %v", err)
			}
		})
	}
}

func TestStore_listArchivable(t *testing.T) {
	for name, s := range backends(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			past := appendN(t, s, "firm-a", 3, t0.AddDate(1, 0, 0))
			appendN(t, s, "firm-a", 1, t0.AddDate(10, 0, 0))

			held := past[1].Clone()
			held.Status = model.StatusQuarantined
			held.LegalHold.Active = true
			if _, err := s.Update(ctx, held); err != nil {
				t.Fatal(err)
			}

			now := t0.AddDate(2, 0, 0)
			got, err := s.ListArchivable(ctx, "firm-a", now, 100)
			if err != nil {
				t.Fatal(err)
			}
			if len(got) != 2 || got[0].ID != past[0].ID || got[1].ID != past[2].ID {
				t.Errorf("ListArchivable returned %d entries: %+v", len(got), got)
			}

			limited, err := s.ListArchivable(ctx, "firm-a", now, 1)
			if err != nil || len(limited) != 1 {
				t.Errorf("limit not honoured: %d, %v", len(limited), err)
			}
		})
	}
}

func TestStore_accessLog(t *testing.T) {
	for name, s := range backends(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			e := appendN(t, s, "firm-a", 1, t0)[0]

			for i, outcome := range []model.AccessOutcome{model.AccessDenied, model.AccessGranted} {
				rec := model.AccessRecord{
					ID:          uuid.NewString(),
					TenantID:    "firm-a",
					EntryID:     e.ID,
					RequesterID: "user:bob",
					Role:        "auditor",
					Action:      "decrypt",
					Outcome:     outcome,
					At:          t0.Add(time.Duration(i) * time.Second),
				}
				if err := s.RecordAccess(ctx, rec); err != nil {
					t.Fatalf("RecordAccess: %v", err)
				}
			}

			log, err := s.AccessLog(ctx, "firm-a", e.ID)
			if err != nil {
				t.Fatal(err)
			}
			if len(log) != 2 || log[0].Outcome != model.AccessDenied || log[1].Outcome != model.AccessGranted {
				t.Errorf("unexpected access log: %+v", log)
			}

			err = s.RecordAccess(ctx, model.AccessRecord{ID: uuid.NewString(), TenantID: "firm-a", EntryID: "missing", At: t0})
			if !errors.Is(err, store.ErrNotFound) {
				t.Errorf("expected ErrNotFound for unknown entry, got %v", err)
			}
		})
	}
}

func TestSQLiteStore_blocksRowDeletion(t *testing.T) {
	s, err := store.OpenSQLite(context.Background(), ":memory:", zap.NewNop())
	if err != nil {
		t.Fatal(err)
	}
	defer s.Close()

	e := appendN(t, s, "firm-a", 1, t0)[0]
	if _, err := s.DB().Exec(`DELETE FROM ledger_entries WHERE id = ?`, e.ID); err == nil {
		t.Error("expected DELETE to be rejected")
	}
	if _, err := s.Get(context.Background(), "firm-a", e.ID); err != nil {
		t.Errorf("entry gone after rejected delete: %v", err)
	}
}

func TestNewSQLiteStore_capsCallerPool(t *testing.T) {
	db, err := sql.Open("sqlite", ":memory:")
	if err != nil {
		t.Fatal(err)
	}
	defer db.Close()

	s, err := store.NewSQLiteStore(context.Background(), db, zap.NewNop())
	if err != nil {
		t.Fatalf("NewSQLiteStore: %v", err)
	}
	if got := db.Stats().MaxOpenConnections; got != 1 {
		t.Fatalf("MaxOpenConnections = %d, want 1", got)
	}

	// Every connection to :memory: is its own database, so these only see
	// the schema when they share one connection.
	const n = 10
	build := builder(t, "firm-p", t0)
	var wg sync.WaitGroup
	errs := make(chan error, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := s.AppendNext(context.Background(), "firm-p", build); err != nil {
				errs <- err
			}
		}()
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		t.Errorf("AppendNext: %v", err)
	}

	all, err := s.FetchRange(context.Background(), "firm-p", 0, -1)
	if err != nil {
		t.Fatal(err)
	}
	if len(all) != n {
		t.Errorf("got %d entries, want %d", len(all), n)
	}
}
