package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"parishhub-auth/internal/config"

	_ "github.com/jackc/pgx/v5/stdlib"
)

// Store-level sentinel errors. Anything else coming out of a repository is
// a store failure and must be treated as fatal to the request (fail closed).
var (
	ErrNotFound  = errors.New("record not found")
	ErrDuplicate = errors.New("record already exists")
	// ErrConflict signals a lost compare-and-swap race; the caller retries
	// from a fresh read instead of overwriting blindly.
	ErrConflict = errors.New("concurrent modification")
)

// DBTX is the subset of database/sql used by the repositories. Both *sql.DB
// and *sql.Tx satisfy it.
type DBTX interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// Open connects to postgres through the pgx stdlib driver and verifies the
// connection.
func Open(ctx context.Context, cfg config.DatabaseConfig) (*sql.DB, error) {
	db, err := sql.Open("pgx", cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("open postgres: %w", err)
	}

	db.SetMaxOpenConns(cfg.MaxOpenConns)
	db.SetMaxIdleConns(cfg.MaxIdleConns)
	db.SetConnMaxLifetime(cfg.ConnMaxLifetime)

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}

	return db, nil
}

// isUniqueViolation detects a postgres unique constraint violation without
// importing the driver's error type directly.
func isUniqueViolation(err error) bool {
	type sqlState interface{ SQLState() string }
	var pgErr sqlState
	if errors.As(err, &pgErr) {
		return pgErr.SQLState() == "23505"
	}
	return false
}
