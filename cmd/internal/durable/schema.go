package durable

import (
	"context"
	_ "embed"
	"errors"
	"strings"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

//go:embed schema.sql
var schemaSQL string

// SchemaSQL renders the DDL for the given schema.
func SchemaSQL(schema string) (string, error) {
	schema = strings.TrimSpace(schema)
	if !isValidPGIdent(schema) {
		return "", errors.New("durable: invalid schema identifier")
	}
	return strings.ReplaceAll(schemaSQL, "__SCHEMA__", pgx.Identifier{schema}.Sanitize()), nil
}

// EnsureSchema creates the schema, tables and indexes when missing.
func EnsureSchema(ctx context.Context, pool *pgxpool.Pool, schema string) error {
	if pool == nil {
		return errors.New("durable: nil pool")
	}
	ddl, err := SchemaSQL(schema)
	if err != nil {
		return err
	}
	// Simple protocol allows multiple statements per Exec.
	_, err = pool.Exec(ctx, ddl, pgx.QueryExecModeSimpleProtocol)
	return err
}
