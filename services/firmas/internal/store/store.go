package store

import (
	"context"
	"embed"
	"errors"
	"fmt"
	"io/fs"
	"sort"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

var (
	ErrNotFound = errors.New("not found")
	// ErrActiveProcessExists is returned when an insert or reactivation
	// would leave two active processes for one application.
	ErrActiveProcessExists = errors.New("application already has an active signature process")
	// ErrStateConflict is returned when a conditional update finds the
	// process in a different state than the caller read.
	ErrStateConflict = errors.New("signature process state changed concurrently")
	ErrAppendOnly    = errors.New("audit events are append-only")
)

const uniqueViolation = "23505"

//go:embed migrations/*.sql
var migrations embed.FS

type DB interface {
	Exec(ctx context.Context, sql string, arguments ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Begin(ctx context.Context) (pgx.Tx, error)
}

type Store struct{ DB DB }

func New(db *pgxpool.Pool) *Store { return &Store{DB: db} }

// Migrate applies the embedded schema files in name order. Every statement
// is idempotent.
func (s *Store) Migrate(ctx context.Context) error {
	names, err := fs.Glob(migrations, "migrations/*.sql")
	if err != nil {
		return err
	}
	sort.Strings(names)
	for _, name := range names {
		b, err := migrations.ReadFile(name)
		if err != nil {
			return err
		}
		if _, err := s.DB.Exec(ctx, string(b)); err != nil {
			return fmt.Errorf("apply %s: %w", name, err)
		}
	}
	return nil
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == uniqueViolation
}

func nullable(v string) any {
	if v == "" {
		return nil
	}
	return v
}

func deref(v *string) string {
	if v == nil {
		return ""
	}
	return *v
}
