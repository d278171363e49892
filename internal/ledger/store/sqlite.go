package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"
	"modernc.org/sqlite"
	sqlite3 "modernc.org/sqlite/lib"

	"github.com/jmerrifield20/ReportLedger/internal/cryptobox"
	"github.com/jmerrifield20/ReportLedger/internal/ledger/model"
	"github.com/jmerrifield20/ReportLedger/internal/retention"
)

const sqliteSchema = `
CREATE TABLE IF NOT EXISTS ledger_entries (
	id                     TEXT PRIMARY KEY,
	tenant_id              TEXT NOT NULL,
	sequence_index         INTEGER NOT NULL,
	classification         TEXT NOT NULL,
	action                 TEXT NOT NULL,
	actor                  TEXT NOT NULL,
	created_at             TEXT NOT NULL,
	previous_hash          TEXT NOT NULL,
	link_hash              TEXT NOT NULL,
	ciphertext             BLOB NOT NULL,
	nonce                  BLOB NOT NULL,
	tag                    BLOB NOT NULL,
	alg                    TEXT NOT NULL,
	key_version            INTEGER NOT NULL,
	retention_expiry       TEXT NOT NULL,
	status                 TEXT NOT NULL,
	legal_hold_active      INTEGER NOT NULL DEFAULT 0,
	legal_hold_reason      TEXT NOT NULL DEFAULT '',
	legal_hold_placed_by   TEXT NOT NULL DEFAULT '',
	legal_hold_placed_at   TEXT,
	legal_hold_released_by TEXT NOT NULL DEFAULT '',
	legal_hold_released_at TEXT,
	archived_at            TEXT,
	deleted_at             TEXT,
	version                INTEGER NOT NULL DEFAULT 1,
	UNIQUE (tenant_id, sequence_index),
	UNIQUE (tenant_id, link_hash)
);
CREATE INDEX IF NOT EXISTS ledger_entries_archivable
	ON ledger_entries (tenant_id, status, retention_expiry);
CREATE TRIGGER IF NOT EXISTS ledger_entries_no_delete
	BEFORE DELETE ON ledger_entries
	BEGIN SELECT RAISE(ABORT, 'ledger entries are append-only'); END;
CREATE TABLE IF NOT EXISTS entry_access_log (
	id           TEXT PRIMARY KEY,
	tenant_id    TEXT NOT NULL,
	entry_id     TEXT NOT NULL REFERENCES ledger_entries (id),
	requester_id TEXT NOT NULL,
	role         TEXT NOT NULL,
	action       TEXT NOT NULL,
	outcome      TEXT NOT NULL,
	detail       TEXT NOT NULL DEFAULT '',
	at           TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS entry_access_log_entry ON entry_access_log (tenant_id, entry_id, at);
`

const sqliteEntryColumns = pgEntryColumns

// SQLiteStore persists tenant chains to a single SQLite database. Writes are
// serialised by limiting the pool to one connection; the unique
// (tenant_id, sequence_index) constraint rejects any append that slips past.
type SQLiteStore struct {
	db     *sql.DB
	logger *zap.Logger
}

// OpenSQLite opens (or creates) the database at dsn and applies the schema.
// Use ":memory:" for an ephemeral store.
func OpenSQLite(ctx context.Context, dsn string, logger *zap.Logger) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	s, err := NewSQLiteStore(ctx, db, logger)
	if err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

// NewSQLiteStore wraps an existing handle and applies the schema. The pool is
// capped at one connection: appends read the tail and insert inside one
// transaction, and a second writer would only ever see SQLITE_BUSY.
// A ":memory:" database also exists per connection.
func NewSQLiteStore(ctx context.Context, db *sql.DB, logger *zap.Logger) (*SQLiteStore, error) {
	db.SetMaxOpenConns(1)
	s := &SQLiteStore{db: db, logger: logger}
	if _, err := db.ExecContext(ctx, sqliteSchema); err != nil {
		return nil, fmt.Errorf("migrate sqlite: %w", err)
	}
	return s, nil
}

// DB exposes the underlying handle.
func (s *SQLiteStore) DB() *sql.DB { return s.db }

// Close closes the database.
func (s *SQLiteStore) Close() error { return s.db.Close() }

// AppendNext implements Store.
func (s *SQLiteStore) AppendNext(ctx context.Context, tenantID string, build BuildFunc) (*model.Entry, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	var (
		next     int64
		prevHash string
	)
	err = tx.QueryRowContext(ctx,
		`SELECT sequence_index, link_hash FROM ledger_entries
		 WHERE tenant_id = ? ORDER BY sequence_index DESC LIMIT 1`, tenantID,
	).Scan(&next, &prevHash)
	switch {
	case errors.Is(err, sql.ErrNoRows):
		next, prevHash = 0, ""
	case err != nil:
		return nil, fmt.Errorf("read chain tail: %w", err)
	default:
		next++
	}

	e, err := build(prevHash, next)
	if err != nil {
		return nil, fmt.Errorf("build entry: %w", err)
	}
	if err := checkBuilt(e, tenantID, prevHash, next); err != nil {
		return nil, err
	}
	e = e.Clone()
	e.Version = 1

	if _, err := tx.ExecContext(ctx,
		`INSERT INTO ledger_entries (`+sqliteEntryColumns+`)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		e.ID, e.TenantID, e.SequenceIndex, string(e.Classification), e.Action, e.Actor, formatTime(e.CreatedAt),
		e.PreviousHash, e.LinkHash, e.Payload.Ciphertext, e.Payload.Nonce, e.Payload.Tag,
		string(e.Payload.Alg), e.Payload.KeyVersion, formatTime(e.RetentionExpiry),
		string(e.Status), e.LegalHold.Active, e.LegalHold.Reason, e.LegalHold.PlacedBy, nullTime(e.LegalHold.PlacedAt),
		e.LegalHold.ReleasedBy, nullTime(e.LegalHold.ReleasedAt), nullTime(e.ArchivedAt), nullTime(e.DeletedAt), e.Version,
	); err != nil {
		if isSQLiteConflict(err) {
			return nil, fmt.Errorf("%w: %v", ErrConcurrentAppend, err)
		}
		return nil, fmt.Errorf("insert ledger entry: %w", err)
	}
	if err := tx.Commit(); err != nil {
		if isSQLiteConflict(err) {
			return nil, fmt.Errorf("%w: %v", ErrConcurrentAppend, err)
		}
		return nil, fmt.Errorf("commit ledger tx: %w", err)
	}

	s.logger.Debug("ledger entry appended",
		zap.String("tenant_id", tenantID),
		zap.Int64("sequence_index", e.SequenceIndex),
		zap.String("action", e.Action),
	)
	return e, nil
}

// FetchRange implements Store.
func (s *SQLiteStore) FetchRange(ctx context.Context, tenantID string, from, to int64) ([]*model.Entry, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+sqliteEntryColumns+` FROM ledger_entries
		 WHERE tenant_id = ? AND sequence_index >= ? AND (? < 0 OR sequence_index <= ?)
		 ORDER BY sequence_index ASC`,
		tenantID, from, to, to)
	if err != nil {
		return nil, fmt.Errorf("fetch range: %w", err)
	}
	return collectSQLiteEntries(rows)
}

// FetchTail implements Store.
func (s *SQLiteStore) FetchTail(ctx context.Context, tenantID string) (*model.Entry, error) {
	e, err := s.queryOne(ctx,
		`SELECT `+sqliteEntryColumns+` FROM ledger_entries
		 WHERE tenant_id = ? ORDER BY sequence_index DESC LIMIT 1`, tenantID)
	if errors.Is(err, ErrNotFound) {
		return nil, nil
	}
	return e, err
}

// FetchByHash implements Store.
func (s *SQLiteStore) FetchByHash(ctx context.Context, tenantID, linkHash string) (*model.Entry, error) {
	return s.queryOne(ctx,
		`SELECT `+sqliteEntryColumns+` FROM ledger_entries WHERE tenant_id = ? AND link_hash = ?`,
		tenantID, linkHash)
}

// Get implements Store.
func (s *SQLiteStore) Get(ctx context.Context, tenantID, entryID string) (*model.Entry, error) {
	return s.queryOne(ctx,
		`SELECT `+sqliteEntryColumns+` FROM ledger_entries WHERE tenant_id = ? AND id = ?`,
		tenantID, entryID)
}

// Update implements Store.
func (s *SQLiteStore) Update(ctx context.Context, next *model.Entry) (*model.Entry, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	prev, err := scanSQLiteEntry(tx.QueryRowContext(ctx,
		`SELECT `+sqliteEntryColumns+` FROM ledger_entries WHERE tenant_id = ? AND id = ?`,
		next.TenantID, next.ID))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("read ledger entry: %w", err)
	}
	if prev.Version != next.Version {
		return nil, fmt.Errorf("%w: entry %s at version %d, update from %d", ErrVersionConflict, next.ID, prev.Version, next.Version)
	}
	if err := model.CheckImmutable(prev, next); err != nil {
		return nil, err
	}

	h := next.LegalHold
	res, err := tx.ExecContext(ctx,
		`UPDATE ledger_entries SET
			status = ?, legal_hold_active = ?, legal_hold_reason = ?, legal_hold_placed_by = ?,
			legal_hold_placed_at = ?, legal_hold_released_by = ?, legal_hold_released_at = ?,
			archived_at = ?, deleted_at = ?, version = version + 1
		 WHERE tenant_id = ? AND id = ? AND version = ?`,
		string(next.Status), h.Active, h.Reason, h.PlacedBy, nullTime(h.PlacedAt),
		h.ReleasedBy, nullTime(h.ReleasedAt), nullTime(next.ArchivedAt), nullTime(next.DeletedAt),
		next.TenantID, next.ID, next.Version,
	)
	if err != nil {
		return nil, fmt.Errorf("update ledger entry: %w", err)
	}
	if n, err := res.RowsAffected(); err != nil {
		return nil, fmt.Errorf("check rows affected: %w", err)
	} else if n == 0 {
		return nil, fmt.Errorf("%w: entry %s", ErrVersionConflict, next.ID)
	}

	updated, err := scanSQLiteEntry(tx.QueryRowContext(ctx,
		`SELECT `+sqliteEntryColumns+` FROM ledger_entries WHERE tenant_id = ? AND id = ?`,
		next.TenantID, next.ID))
	if err != nil {
		return nil, fmt.Errorf("reload ledger entry: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit update tx: %w", err)
	}
	return updated, nil
}

// ListArchivable implements Store.
func (s *SQLiteStore) ListArchivable(ctx context.Context, tenantID string, now time.Time, limit int) ([]*model.Entry, error) {
	if limit <= 0 {
		limit = -1
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+sqliteEntryColumns+` FROM ledger_entries
		 WHERE tenant_id = ? AND status = ? AND legal_hold_active = 0 AND retention_expiry <= ?
		 ORDER BY sequence_index ASC LIMIT ?`,
		tenantID, string(model.StatusGenerated), formatTime(now), limit)
	if err != nil {
		return nil, fmt.Errorf("list archivable: %w", err)
	}
	return collectSQLiteEntries(rows)
}

// RecordAccess implements Store.
func (s *SQLiteStore) RecordAccess(ctx context.Context, rec model.AccessRecord) error {
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO entry_access_log (id, tenant_id, entry_id, requester_id, role, action, outcome, detail, at)
		 SELECT ?, ?, ?, ?, ?, ?, ?, ?, ?
		 WHERE EXISTS (SELECT 1 FROM ledger_entries WHERE tenant_id = ? AND id = ?)`,
		rec.ID, rec.TenantID, rec.EntryID, rec.RequesterID, rec.Role, rec.Action,
		string(rec.Outcome), rec.Detail, formatTime(rec.At), rec.TenantID, rec.EntryID,
	)
	if err != nil {
		return fmt.Errorf("record access: %w", err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return ErrNotFound
	}
	return nil
}

// AccessLog implements Store.
func (s *SQLiteStore) AccessLog(ctx context.Context, tenantID, entryID string) ([]model.AccessRecord, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, tenant_id, entry_id, requester_id, role, action, outcome, detail, at
		 FROM entry_access_log WHERE tenant_id = ? AND entry_id = ? ORDER BY at ASC, rowid ASC`,
		tenantID, entryID)
	if err != nil {
		return nil, fmt.Errorf("query access log: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []model.AccessRecord
	for rows.Next() {
		var (
			rec         model.AccessRecord
			outcome, at string
		)
		if err := rows.Scan(&rec.ID, &rec.TenantID, &rec.EntryID, &rec.RequesterID,
			&rec.Role, &rec.Action, &outcome, &rec.Detail, &at); err != nil {
			return nil, fmt.Errorf("scan access record: %w", err)
		}
		rec.Outcome = model.AccessOutcome(outcome)
		if rec.At, err = parseTime(at); err != nil {
			return nil, fmt.Errorf("parse access time: %w", err)
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

// Tenants implements Store.
func (s *SQLiteStore) Tenants(ctx context.Context) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT DISTINCT tenant_id FROM ledger_entries ORDER BY tenant_id`)
	if err != nil {
		return nil, fmt.Errorf("list tenants: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scan tenant: %w", err)
		}
		out = append(out, id)
	}
	return out, rows.Err()
}

func (s *SQLiteStore) queryOne(ctx context.Context, q string, args ...any) (*model.Entry, error) {
	e, err := scanSQLiteEntry(s.db.QueryRowContext(ctx, q, args...))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scan ledger entry: %w", err)
	}
	return e, nil
}

func collectSQLiteEntries(rows *sql.Rows) ([]*model.Entry, error) {
	defer func() { _ = rows.Close() }()
	var out []*model.Entry
	for rows.Next() {
		e, err := scanSQLiteEntry(rows)
		if err != nil {
			return nil, fmt.Errorf("scan ledger row: %w", err)
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanSQLiteEntry(row rowScanner) (*model.Entry, error) {
	var (
		e                     model.Entry
		class, alg, status    string
		createdAt, expiry     string
		placedAt, releasedAt  sql.NullString
		archivedAt, deletedAt sql.NullString
	)
	if err := row.Scan(
		&e.ID, &e.TenantID, &e.SequenceIndex, &class, &e.Action, &e.Actor, &createdAt,
		&e.PreviousHash, &e.LinkHash, &e.Payload.Ciphertext, &e.Payload.Nonce, &e.Payload.Tag,
		&alg, &e.Payload.KeyVersion, &expiry,
		&status, &e.LegalHold.Active, &e.LegalHold.Reason, &e.LegalHold.PlacedBy, &placedAt,
		&e.LegalHold.ReleasedBy, &releasedAt, &archivedAt, &deletedAt, &e.Version,
	); err != nil {
		return nil, err
	}

	var err error
	if e.CreatedAt, err = parseTime(createdAt); err != nil {
		return nil, fmt.Errorf("parse created_at: %w", err)
	}
	if e.RetentionExpiry, err = parseTime(expiry); err != nil {
		return nil, fmt.Errorf("parse retention_expiry: %w", err)
	}
	for _, f := range []struct {
		src sql.NullString
		dst **time.Time
	}{
		{placedAt, &e.LegalHold.PlacedAt},
		{releasedAt, &e.LegalHold.ReleasedAt},
		{archivedAt, &e.ArchivedAt},
		{deletedAt, &e.DeletedAt},
	} {
		if !f.src.Valid {
			continue
		}
		t, err := parseTime(f.src.String)
		if err != nil {
			return nil, fmt.Errorf("parse timestamp: %w", err)
		}
		*f.dst = &t
	}

	e.Classification = retention.Classification(class)
	e.Payload.Alg = cryptobox.Algorithm(alg)
	e.Status = model.Status(status)
	return &e, nil
}

func nullTime(t *time.Time) any {
	if t == nil {
		return nil
	}
	return formatTime(*t)
}

// isSQLiteConflict reports whether err means another writer got there first.
// Extended result codes are on, so busy and locked are matched on the
// primary code.
func isSQLiteConflict(err error) bool {
	var se *sqlite.Error
	if !errors.As(err, &se) {
		return false
	}
	switch se.Code() {
	case sqlite3.SQLITE_CONSTRAINT_UNIQUE, sqlite3.SQLITE_CONSTRAINT_PRIMARYKEY:
		return true
	}
	switch se.Code() & 0xff {
	case sqlite3.SQLITE_BUSY, sqlite3.SQLITE_LOCKED:
		return true
	}
	return false
}
