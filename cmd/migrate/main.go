// Command migrate applies the embedded PostgreSQL migrations against the ledger
// database.
//
// Usage:
//
//	go run ./cmd/migrate
//	LEDGER_STORE_POSTGRES_URL=postgres://... go run ./cmd/migrate
//	go run ./cmd/migrate -config configs/ledgerd.yaml
package main

import (
	"context"
	"flag"
	"fmt"
	"os"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/jmerrifield20/ReportLedger/internal/config"
	"github.com/jmerrifield20/ReportLedger/migrations"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "migrate: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	cfgPath := flag.String("config", "", "path to ledgerd.yaml")
	flag.Parse()

	cfg, err := config.Load(*cfgPath)
	if err != nil {
		return err
	}

	ctx := context.Background()
	db, err := pgxpool.New(ctx, cfg.Store.PostgresURL)
	if err != nil {
		return fmt.Errorf("connect: %w", err)
	}
	defer db.Close()

	if err := db.Ping(ctx); err != nil {
		return fmt.Errorf("ping postgres: %w", err)
	}
	fmt.Println("connected to database")

	applied, err := migrations.Apply(ctx, db, os.Stdout)
	if err != nil {
		return err
	}
	if applied == 0 {
		fmt.Println("nothing to migrate, already up to date")
	} else {
		fmt.Printf("applied %d migration(s)\n", applied)
	}
	return nil
}
