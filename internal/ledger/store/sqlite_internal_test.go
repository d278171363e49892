package store

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"go.uber.org/zap"
)

func TestIsSQLiteConflict(t *testing.T) {
	ctx := context.Background()
	s, err := OpenSQLite(ctx, ":memory:", zap.NewNop())
	if err != nil {
		t.Fatal(err)
	}
	defer s.Close()

	if _, err := s.db.ExecContext(ctx, `CREATE TABLE seq (tenant TEXT NOT NULL, n INTEGER, UNIQUE (tenant, n))`); err != nil {
		t.Fatal(err)
	}
	if _, err := s.db.ExecContext(ctx, `CREATE TABLE ids (id TEXT PRIMARY KEY)`); err != nil {
		t.Fatal(err)
	}
	if _, err := s.db.ExecContext(ctx, `INSERT INTO seq VALUES ('firm-a', 0)`); err != nil {
		t.Fatal(err)
	}

	_, dup := s.db.ExecContext(ctx, `INSERT INTO seq VALUES ('firm-a', 0)`)
	_, notNull := s.db.ExecContext(ctx, `INSERT INTO seq VALUES (NULL, 1)`)
	_, syntax := s.db.ExecContext(ctx, `INSERT INTO nowhere VALUES (1)`)
	_, pk := s.db.ExecContext(ctx, `INSERT INTO ids VALUES ('x'), ('x')`)

	cases := []struct {
		name string
		err  error
		want bool
	}{
		{"unique", dup, true},
		{"wrapped unique", fmt.Errorf("insert: %w", dup), true},
		{"primary key", pk, true},
		{"not null", notNull, false},
		{"missing table", syntax, false},
		{"lookalike message", errors.New("UNIQUE constraint failed: database is locked"), false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if tc.err == nil {
				t.Fatal("statement unexpectedly succeeded")
			}
			if got := isSQLiteConflict(tc.err); got != tc.want {
				t.Errorf("isSQLiteConflict(%v) = %v, want %v", tc.err, got, tc.want)
			}
		})
	}
}
