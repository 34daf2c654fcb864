// Package registrystore provides Postgres-backed persistence for published
// action manifests (§6.2 Artifact endpoint), adapted from
// flowjs-works/engine/internal/store/process_store.go's ProcessStore: same
// upsert-by-natural-key and scan-row shape, now keyed by
// (namespace, name, version) instead of a single process id.
package registrystore

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"
)

// ActionRecord is a row from the actions table.
type ActionRecord struct {
	Namespace string          `json:"namespace"`
	Name      string          `json:"name"`
	Version   string          `json:"version"`
	Digest    string          `json:"digest"`
	LockFile  json.RawMessage `json:"lock_file"`
	CreatedAt time.Time       `json:"created_at"`
	UpdatedAt time.Time       `json:"updated_at"`
}

// Store persists and retrieves published action manifests.
type Store struct {
	db *sql.DB
}

// New creates a Store backed by db. The caller owns the connection.
func New(db *sql.DB) *Store {
	return &Store{db: db}
}

// Upsert publishes lockFile under (namespace, name, version), replacing any
// existing entry for that exact triple — lock files are otherwise immutable
// once fetched (§3 Lifecycles), so re-publishing the same version is the
// only path that overwrites one.
func (s *Store) Upsert(ctx context.Context, namespace, name, version, digest string, lockFile json.RawMessage) (*ActionRecord, error) {
	const query = `
		INSERT INTO actions (namespace, name, version, digest, lock_file, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, NOW(), NOW())
		ON CONFLICT (namespace, name, version) DO UPDATE
		  SET digest     = EXCLUDED.digest,
		      lock_file  = EXCLUDED.lock_file,
		      updated_at = NOW()
		RETURNING namespace, name, version, digest, lock_file, created_at, updated_at`

	row := s.db.QueryRowContext(ctx, query, namespace, name, version, digest, []byte(lockFile))
	return scanRecord(row)
}

// Get returns the published manifest for namespace/name:version.
func (s *Store) Get(ctx context.Context, namespace, name, version string) (*ActionRecord, error) {
	const query = `
		SELECT namespace, name, version, digest, lock_file, created_at, updated_at
		FROM actions WHERE namespace = $1 AND name = $2 AND version = $3`
	row := s.db.QueryRowContext(ctx, query, namespace, name, version)
	rec, err := scanRecord(row)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, fmt.Errorf("registrystore: %s/%s:%s not found", namespace, name, version)
		}
		return nil, fmt.Errorf("registrystore: get %s/%s:%s: %w", namespace, name, version, err)
	}
	return rec, nil
}

// ListVersions returns every published version of namespace/name, most
// recently updated first.
func (s *Store) ListVersions(ctx context.Context, namespace, name string) ([]string, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT version FROM actions WHERE namespace = $1 AND name = $2 ORDER BY updated_at DESC`,
		namespace, name)
	if err != nil {
		return nil, fmt.Errorf("registrystore: list versions for %s/%s: %w", namespace, name, err)
	}
	defer rows.Close()

	var versions []string
	for rows.Next() {
		var v string
		if err := rows.Scan(&v); err != nil {
			return nil, fmt.Errorf("registrystore: scan version: %w", err)
		}
		versions = append(versions, v)
	}
	return versions, rows.Err()
}

func scanRecord(row *sql.Row) (*ActionRecord, error) {
	var rec ActionRecord
	err := row.Scan(&rec.Namespace, &rec.Name, &rec.Version, &rec.Digest, &rec.LockFile, &rec.CreatedAt, &rec.UpdatedAt)
	if err != nil {
		return nil, err
	}
	return &rec, nil
}
