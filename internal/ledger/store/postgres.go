package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"

	"github.com/jmerrifield20/ReportLedger/internal/cryptobox"
	"github.com/jmerrifield20/ReportLedger/internal/ledger/model"
	"github.com/jmerrifield20/ReportLedger/internal/retention"
)

const pgUniqueViolation = "23505"

const pgEntryColumns = `id, tenant_id, sequence_index, classification, action, actor, created_at,
	previous_hash, link_hash, ciphertext, nonce, tag, alg, key_version, retention_expiry,
	status, legal_hold_active, legal_hold_reason, legal_hold_placed_by, legal_hold_placed_at,
	legal_hold_released_by, legal_hold_released_at, archived_at, deleted_at, version`

// PostgresStore persists tenant chains to PostgreSQL. Concurrent appends for
// the same tenant serialise on a transaction-scoped advisory lock derived from
// the tenant id. The unique (tenant_id, sequence_index) index is the backstop.
type PostgresStore struct {
	pool   *pgxpool.Pool
	logger *zap.Logger
}

// NewPostgresStore creates a PostgresStore backed by the given connection pool.
func NewPostgresStore(pool *pgxpool.Pool, logger *zap.Logger) *PostgresStore {
	return &PostgresStore{pool: pool, logger: logger}
}

// AppendNext implements Store.
func (s *PostgresStore) AppendNext(ctx context.Context, tenantID string, build BuildFunc) (*model.Entry, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback(ctx) //nolint:errcheck

	// Released automatically on commit or rollback.
	if _, err := tx.Exec(ctx, "SELECT pg_advisory_xact_lock(hashtextextended($1, 0))", tenantID); err != nil {
		return nil, fmt.Errorf("acquire tenant lock: %w", err)
	}

	next := int64(0)
	prevHash := ""
	err = tx.QueryRow(ctx,
		`SELECT sequence_index, link_hash FROM ledger_entries
		 WHERE tenant_id = $1 ORDER BY sequence_index DESC LIMIT 1`, tenantID,
	).Scan(&next, &prevHash)
	switch {
	case errors.Is(err, pgx.ErrNoRows):
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

	if _, err := tx.Exec(ctx,
		`INSERT INTO ledger_entries (`+pgEntryColumns+`)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15,
		         $16, $17, $18, $19, $20, $21, $22, $23, $24, $25)`,
		e.ID, e.TenantID, e.SequenceIndex, string(e.Classification), e.Action, e.Actor, e.CreatedAt,
		e.PreviousHash, e.LinkHash, e.Payload.Ciphertext, e.Payload.Nonce, e.Payload.Tag,
		string(e.Payload.Alg), e.Payload.KeyVersion, e.RetentionExpiry,
		string(e.Status), e.LegalHold.Active, e.LegalHold.Reason, e.LegalHold.PlacedBy, e.LegalHold.PlacedAt,
		e.LegalHold.ReleasedBy, e.LegalHold.ReleasedAt, e.ArchivedAt, e.DeletedAt, e.Version,
	); err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == pgUniqueViolation {
			return nil, fmt.Errorf("%w: %s", ErrConcurrentAppend, pgErr.ConstraintName)
		}
		return nil, fmt.Errorf("insert ledger entry: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
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
func (s *PostgresStore) FetchRange(ctx context.Context, tenantID string, from, to int64) ([]*model.Entry, error) {
	q := `SELECT ` + pgEntryColumns + ` FROM ledger_entries
		WHERE tenant_id = $1 AND sequence_index >= $2 AND ($3 < 0 OR sequence_index <= $3)
		ORDER BY sequence_index ASC`
	rows, err := s.pool.Query(ctx, q, tenantID, from, to)
	if err != nil {
		return nil, fmt.Errorf("fetch range: %w", err)
	}
	return collectEntries(rows)
}

// FetchTail implements Store.
func (s *PostgresStore) FetchTail(ctx context.Context, tenantID string) (*model.Entry, error) {
	e, err := s.scanOne(ctx,
		`SELECT `+pgEntryColumns+` FROM ledger_entries
		 WHERE tenant_id = $1 ORDER BY sequence_index DESC LIMIT 1`, tenantID)
	if errors.Is(err, ErrNotFound) {
		return nil, nil
	}
	return e, err
}

// FetchByHash implements Store.
func (s *PostgresStore) FetchByHash(ctx context.Context, tenantID, linkHash string) (*model.Entry, error) {
	return s.scanOne(ctx,
		`SELECT `+pgEntryColumns+` FROM ledger_entries WHERE tenant_id = $1 AND link_hash = $2`,
		tenantID, linkHash)
}

// Get implements Store.
func (s *PostgresStore) Get(ctx context.Context, tenantID, entryID string) (*model.Entry, error) {
	return s.scanOne(ctx,
		`SELECT `+pgEntryColumns+` FROM ledger_entries WHERE tenant_id = $1 AND id = $2`,
		tenantID, entryID)
}

// Update implements Store. The row is locked, compared against next, and only
// mutable columns are written.
func (s *PostgresStore) Update(ctx context.Context, next *model.Entry) (*model.Entry, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback(ctx) //nolint:errcheck

	prev, err := scanEntry(tx.QueryRow(ctx,
		`SELECT `+pgEntryColumns+` FROM ledger_entries WHERE tenant_id = $1 AND id = $2 FOR UPDATE`,
		next.TenantID, next.ID))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("lock ledger entry: %w", err)
	}
	if prev.Version != next.Version {
		return nil, fmt.Errorf("%w: entry %s at version %d, update from %d", ErrVersionConflict, next.ID, prev.Version, next.Version)
	}
	if err := model.CheckImmutable(prev, next); err != nil {
		return nil, err
	}

	h := next.LegalHold
	updated, err := scanEntry(tx.QueryRow(ctx,
		`UPDATE ledger_entries SET
			status = $3, legal_hold_active = $4, legal_hold_reason = $5, legal_hold_placed_by = $6,
			legal_hold_placed_at = $7, legal_hold_released_by = $8, legal_hold_released_at = $9,
			archived_at = $10, deleted_at = $11, version = version + 1
		 WHERE tenant_id = $1 AND id = $2
		 RETURNING `+pgEntryColumns,
		next.TenantID, next.ID, string(next.Status), h.Active, h.Reason, h.PlacedBy,
		h.PlacedAt, h.ReleasedBy, h.ReleasedAt, next.ArchivedAt, next.DeletedAt,
	))
	if err != nil {
		return nil, fmt.Errorf("update ledger entry: %w", err)
	}
	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("commit update tx: %w", err)
	}
	return updated, nil
}

// ListArchivable implements Store.
func (s *PostgresStore) ListArchivable(ctx context.Context, tenantID string, now time.Time, limit int) ([]*model.Entry, error) {
	if limit <= 0 {
		limit = 1000
	}
	rows, err := s.pool.Query(ctx,
		`SELECT `+pgEntryColumns+` FROM ledger_entries
		 WHERE tenant_id = $1 AND status = $2 AND NOT legal_hold_active AND retention_expiry <= $3
		 ORDER BY sequence_index ASC LIMIT $4`,
		tenantID, string(model.StatusGenerated), now, limit)
	if err != nil {
		return nil, fmt.Errorf("list archivable: %w", err)
	}
	return collectEntries(rows)
}

// RecordAccess implements Store.
func (s *PostgresStore) RecordAccess(ctx context.Context, rec model.AccessRecord) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO entry_access_log (id, tenant_id, entry_id, requester_id, role, action, outcome, detail, at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`,
		rec.ID, rec.TenantID, rec.EntryID, rec.RequesterID, rec.Role, rec.Action,
		string(rec.Outcome), rec.Detail, rec.At,
	)
	if err != nil {
		return fmt.Errorf("record access: %w", err)
	}
	return nil
}

// AccessLog implements Store.
func (s *PostgresStore) AccessLog(ctx context.Context, tenantID, entryID string) ([]model.AccessRecord, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT id, tenant_id, entry_id, requester_id, role, action, outcome, detail, at
		 FROM entry_access_log WHERE tenant_id = $1 AND entry_id = $2 ORDER BY at ASC, id ASC`,
		tenantID, entryID)
	if err != nil {
		return nil, fmt.Errorf("query access log: %w", err)
	}
	defer rows.Close()

	var out []model.AccessRecord
	for rows.Next() {
		var rec model.AccessRecord
		var outcome string
		if err := rows.Scan(&rec.ID, &rec.TenantID, &rec.EntryID, &rec.RequesterID,
			&rec.Role, &rec.Action, &outcome, &rec.Detail, &rec.At); err != nil {
			return nil, fmt.Errorf("scan access record: %w", err)
		}
		rec.Outcome = model.AccessOutcome(outcome)
		out = append(out, rec)
	}
	return out, rows.Err()
}

// Tenants implements Store.
func (s *PostgresStore) Tenants(ctx context.Context) ([]string, error) {
	rows, err := s.pool.Query(ctx, `SELECT DISTINCT tenant_id FROM ledger_entries ORDER BY tenant_id`)
	if err != nil {
		return nil, fmt.Errorf("list tenants: %w", err)
	}
	defer rows.Close()

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

func (s *PostgresStore) scanOne(ctx context.Context, q string, args ...any) (*model.Entry, error) {
	e, err := scanEntry(s.pool.QueryRow(ctx, q, args...))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scan ledger entry: %w", err)
	}
	return e, nil
}

func collectEntries(rows pgx.Rows) ([]*model.Entry, error) {
	defer rows.Close()
	var out []*model.Entry
	for rows.Next() {
		e, err := scanEntry(rows)
		if err != nil {
			return nil, fmt.Errorf("scan ledger row: %w", err)
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

func scanEntry(row pgx.Row) (*model.Entry, error) {
	var (
		e                  model.Entry
		class, alg, status string
	)
	if err := row.Scan(
		&e.ID, &e.TenantID, &e.SequenceIndex, &class, &e.Action, &e.Actor, &e.CreatedAt,
		&e.PreviousHash, &e.LinkHash, &e.Payload.Ciphertext, &e.Payload.Nonce, &e.Payload.Tag,
		&alg, &e.Payload.KeyVersion, &e.RetentionExpiry,
		&status, &e.LegalHold.Active, &e.LegalHold.Reason, &e.LegalHold.PlacedBy, &e.LegalHold.PlacedAt,
		&e.LegalHold.ReleasedBy, &e.LegalHold.ReleasedAt, &e.ArchivedAt, &e.DeletedAt, &e.Version,
	); err != nil {
		return nil, err
	}
	e.Classification = retention.Classification(class)
	e.Payload.Alg = cryptobox.Algorithm(alg)
	e.Status = model.Status(status)
	e.CreatedAt = e.CreatedAt.UTC()
	e.RetentionExpiry = e.RetentionExpiry.UTC()
	return &e, nil
}
