package db

import (
	"context"
	"database/sql"
	_ "embed"
	"errors"
	"fmt"
	"strings"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	_ "github.com/jackc/pgx/v5/stdlib"
)

//go:embed schema.sql
var schema string

// Migrate applies the embedded schema. Every statement is idempotent.
func Migrate(ctx context.Context, pool *pgxpool.Pool) error {
	if _, err := pool.Exec(ctx, schema); err != nil {
		return fmt.Errorf("apply schema: %w", err)
	}
	return nil
}

// EnsureDatabase creates the database named in dsn when it does not exist,
// connecting through the cluster's postgres database. It reports whether
// the database was created.
func EnsureDatabase(ctx context.Context, dsn string) (bool, error) {
	name, err := DBName(dsn)
	if err != nil {
		return false, err
	}
	metaDSN, err := WithDBName(dsn, "postgres")
	if err != nil {
		return false, err
	}
	meta, err := sql.Open("pgx", metaDSN)
	if err != nil {
		return false, err
	}
	defer meta.Close()

	exists, err := databaseExists(ctx, meta, name)
	if err != nil {
		return false, err
	}
	if exists {
		return false, nil
	}
	if _, err := meta.ExecContext(ctx, "CREATE DATABASE "+pgx.Identifier{name}.Sanitize()); err != nil {
		return false, fmt.Errorf("create database %s: %w", name, err)
	}
	return true, nil
}

func databaseExists(ctx context.Context, meta *sql.DB, name string) (bool, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return false, fmt.Errorf("database name is required")
	}
	var one int
	err := meta.QueryRowContext(ctx, `SELECT 1 FROM pg_database WHERE datname = $1`, name).Scan(&one)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("look up database %s: %w", name, err)
	}
	return true, nil
}
