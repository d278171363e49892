// Package app assembles a ledger service from configuration. It is shared by
// ledgerd and ledgerctl so both open the same store and keys the same way.
package app

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"

	"github.com/jmerrifield20/ReportLedger/internal/authz"
	"github.com/jmerrifield20/ReportLedger/internal/config"
	"github.com/jmerrifield20/ReportLedger/internal/cryptobox"
	"github.com/jmerrifield20/ReportLedger/internal/hashchain"
	"github.com/jmerrifield20/ReportLedger/internal/identity"
	"github.com/jmerrifield20/ReportLedger/internal/ledger/service"
	"github.com/jmerrifield20/ReportLedger/internal/ledger/store"
	"github.com/jmerrifield20/ReportLedger/internal/metrics"
	"github.com/jmerrifield20/ReportLedger/internal/retention"
)

// App holds the wired ledger components.
type App struct {
	Service *service.Service
	Store   store.Store
	Tokens  *identity.TokenIssuer // nil when identity.enabled is false

	closers []func()
}

// Close releases the store connection.
func (a *App) Close() {
	for i := len(a.closers) - 1; i >= 0; i-- {
		a.closers[i]()
	}
}

// Build opens the configured store and keys and returns a ready service.
func Build(ctx context.Context, cfg *config.Config, logger *zap.Logger) (*App, error) {
	a := &App{}

	st, err := a.openStore(ctx, cfg.Store, logger)
	if err != nil {
		return nil, err
	}
	a.Store = st

	keys, err := cryptobox.LoadKeyFile(cfg.Crypto.KeyFile)
	if err != nil {
		a.Close()
		return nil, fmt.Errorf("load keys (run `ledgerctl keygen` first): %w", err)
	}
	box, err := cryptobox.New(keys, cryptobox.Algorithm(cfg.Crypto.Algorithm))
	if err != nil {
		a.Close()
		return nil, err
	}
	logger.Info("keystore loaded",
		zap.String("key_file", cfg.Crypto.KeyFile),
		zap.Int("active_version", keys.ActiveVersion()),
		zap.String("alg", cfg.Crypto.Algorithm),
	)

	chain, err := hashchain.New(cfg.Chain.Genesis)
	if err != nil {
		a.Close()
		return nil, err
	}

	rc, err := cfg.RetentionPolicy()
	if err != nil {
		a.Close()
		return nil, err
	}
	policy, err := retention.NewPolicy(rc)
	if err != nil {
		a.Close()
		return nil, err
	}

	svc := service.New(st, box, chain, policy, authz.NewRoleAuthorizer(), logger)
	svc.SetRetryPolicy(service.RetryPolicy{Attempts: cfg.Append.RetryAttempts, Backoff: cfg.Append.RetryBackoff})
	svc.SetMetrics(metrics.Recorder{})
	a.Service = svc

	if cfg.Identity.Enabled {
		key, err := identity.LoadOrCreateKey(cfg.Identity.SigningKey)
		if err != nil {
			a.Close()
			return nil, fmt.Errorf("token signing key: %w", err)
		}
		a.Tokens = identity.NewTokenIssuer(key, cfg.IssuerURL(), cfg.Identity.TokenTTL)
	}
	return a, nil
}

func (a *App) openStore(ctx context.Context, cfg config.StoreConfig, logger *zap.Logger) (store.Store, error) {
	switch cfg.Driver {
	case config.DriverMemory:
		logger.Warn("using in-memory ledger store; entries are lost on exit")
		return store.NewMemoryStore(), nil

	case config.DriverSQLite:
		if dir := filepath.Dir(cfg.SQLitePath); dir != "." {
			if err := os.MkdirAll(dir, 0o700); err != nil {
				return nil, fmt.Errorf("create sqlite dir: %w", err)
			}
		}
		st, err := store.OpenSQLite(ctx, cfg.SQLitePath, logger)
		if err != nil {
			return nil, err
		}
		a.closers = append(a.closers, func() { _ = st.Close() })
		logger.Info("opened sqlite ledger", zap.String("path", cfg.SQLitePath))
		return st, nil

	case config.DriverPostgres:
		pool, err := pgxpool.New(ctx, cfg.PostgresURL)
		if err != nil {
			return nil, fmt.Errorf("connect to postgres: %w", err)
		}
		if err := pool.Ping(ctx); err != nil {
			pool.Close()
			return nil, fmt.Errorf("ping postgres: %w", err)
		}
		a.closers = append(a.closers, pool.Close)
		logger.Info("connected to postgres")
		return store.NewPostgresStore(pool, logger), nil

	default:
		return nil, fmt.Errorf("unknown store driver %q", cfg.Driver)
	}
}
