package store

import (
	"context"
	_ "embed"
	"fmt"
)

//go:embed schema.sql
var schemaSQL string

// schemaVersion is bumped by hand whenever schema.sql changes in a way
// that isn't purely additive (CREATE TABLE/INDEX IF NOT EXISTS is always
// safe to re-run).
const schemaVersion = "1"

func (s *Store) migrate(ctx context.Context) error {
	if _, err := s.pool.Exec(ctx, schemaSQL); err != nil {
		return fmt.Errorf("apply schema: %w", err)
	}
	_, err := s.pool.Exec(ctx, `
		INSERT INTO schema_state (key, value) VALUES ('schema_version', $1)
		ON CONFLICT (key) DO UPDATE SET value = EXCLUDED.value
	`, schemaVersion)
	if err != nil {
		return fmt.Errorf("record schema version: %w", err)
	}
	return nil
}

// SchemaVersion returns the currently recorded schema_version, mainly for
// operator tooling and tests.
func (s *Store) SchemaVersion(ctx context.Context) (string, error) {
	var v string
	err := s.pool.QueryRow(ctx, `SELECT value FROM schema_state WHERE key = 'schema_version'`).Scan(&v)
	return v, err
}
