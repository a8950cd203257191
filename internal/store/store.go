// Package store persists encounter snapshots to SQLite or PostgreSQL.
package store

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "github.com/lib/pq"
	_ "modernc.org/sqlite"

	"github.com/dmforge/encounterd/internal/config"
	"github.com/dmforge/encounterd/internal/encounter"
)

// ErrSnapshotNotFound is returned when an encounter lookup fails.
var ErrSnapshotNotFound = errors.New("snapshot not found")

// Store wraps the database connection and provides snapshot persistence.
type Store struct {
	db      *sql.DB
	dialect Dialect
	qb      *QueryBuilder
}

// SnapshotInfo summarizes a stored encounter without its full state.
type SnapshotInfo struct {
	ID        string
	OwnerID   string
	Status    encounter.State
	UpdatedAt time.Time
}

// Open opens the snapshot store described by the configuration. For SQLite
// the database file and its directory are created on first use.
func Open(cfg config.DatabaseConfig) (*Store, error) {
	dialect := NewDialect(DialectType(cfg.Driver))

	var dsn string
	switch dialect.(type) {
	case *PostgresDialect:
		if cfg.DSN == "" {
			return nil, errors.New("postgres driver requires a dsn")
		}
		dsn = cfg.DSN
	default:
		if cfg.Path == "" {
			return nil, errors.New("sqlite driver requires a path")
		}
		if err := os.MkdirAll(filepath.Dir(cfg.Path), 0755); err != nil {
			return nil, fmt.Errorf("failed to create database directory: %w", err)
		}
		dsn = cfg.Path
	}

	db, err := sql.Open(dialect.DriverName(), dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	for _, stmt := range dialect.InitStatements() {
		if _, err := db.Exec(stmt); err != nil {
			db.Close()
			return nil, fmt.Errorf("failed to initialize database: %w", err)
		}
	}

	s := &Store{db: db, dialect: dialect, qb: NewQueryBuilder(dialect)}

	if err := s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to run migrations: %w", err)
	}

	return s, nil
}

// Close closes the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// migrate creates the snapshot schema if it doesn't exist.
func (s *Store) migrate() error {
	migrations := []string{
		`CREATE TABLE IF NOT EXISTS snapshots (
			id TEXT PRIMARY KEY,
			owner_id TEXT NOT NULL,
			status TEXT NOT NULL,
			data TEXT NOT NULL,
			created_at TIMESTAMP NOT NULL,
			updated_at TIMESTAMP NOT NULL
		)`,

		`CREATE INDEX IF NOT EXISTS idx_snapshots_owner_id ON snapshots(owner_id)`,
	}

	for _, m := range migrations {
		if _, err := s.db.Exec(m); err != nil {
			return fmt.Errorf("migration failed: %w\nSQL: %s", err, m)
		}
	}

	return nil
}

// SaveSnapshot writes the snapshot, replacing any previous state for the
// same encounter id.
func (s *Store) SaveSnapshot(snap *encounter.Snapshot) error {
	if snap == nil || snap.ID == "" {
		return errors.New("snapshot has no encounter id")
	}

	data, err := json.Marshal(snap)
	if err != nil {
		return fmt.Errorf("failed to encode snapshot %s: %w", snap.ID, err)
	}

	now := time.Now().UTC()
	query := s.qb.Build(`INSERT INTO snapshots (id, owner_id, status, data, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT (id) DO UPDATE SET
			owner_id = excluded.owner_id,
			status = excluded.status,
			data = excluded.data,
			updated_at = excluded.updated_at`)

	if _, err := s.db.Exec(query, snap.ID, snap.OwnerID, string(snap.Status), string(data), now, now); err != nil {
		return fmt.Errorf("failed to save snapshot %s: %w", snap.ID, err)
	}

	return nil
}

// LoadSnapshot reads the snapshot for the given encounter id.
func (s *Store) LoadSnapshot(id string) (*encounter.Snapshot, error) {
	query := s.qb.Build("SELECT data FROM snapshots WHERE id = ?")

	var data string
	err := s.db.QueryRow(query, id).Scan(&data)
	if err == sql.ErrNoRows {
		return nil, ErrSnapshotNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load snapshot %s: %w", id, err)
	}

	var snap encounter.Snapshot
	if err := json.Unmarshal([]byte(data), &snap); err != nil {
		return nil, fmt.Errorf("failed to decode snapshot %s: %w", id, err)
	}

	return &snap, nil
}

// DeleteSnapshot removes the stored snapshot. Deleting an unknown id
// returns ErrSnapshotNotFound.
func (s *Store) DeleteSnapshot(id string) error {
	query := s.qb.Build("DELETE FROM snapshots WHERE id = ?")

	result, err := s.db.Exec(query, id)
	if err != nil {
		return fmt.Errorf("failed to delete snapshot %s: %w", id, err)
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to delete snapshot %s: %w", id, err)
	}
	if rows == 0 {
		return ErrSnapshotNotFound
	}

	return nil
}

// ListByOwner returns summaries of every encounter owned by the given
// caller, most recently updated first.
func (s *Store) ListByOwner(ownerID string) ([]SnapshotInfo, error) {
	query := s.qb.Build(`SELECT id, owner_id, status, updated_at
		FROM snapshots WHERE owner_id = ? ORDER BY updated_at DESC`)

	rows, err := s.db.Query(query, ownerID)
	if err != nil {
		return nil, fmt.Errorf("failed to list snapshots for %s: %w", ownerID, err)
	}
	defer rows.Close()

	var infos []SnapshotInfo
	for rows.Next() {
		var info SnapshotInfo
		var status string
		if err := rows.Scan(&info.ID, &info.OwnerID, &status, &info.UpdatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan snapshot row: %w", err)
		}
		info.Status = encounter.State(status)
		infos = append(infos, info)
	}

	return infos, rows.Err()
}
