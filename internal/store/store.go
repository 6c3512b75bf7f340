// Package store persists project snapshots in SQLite so a project can be
// started again from its last accepted tree.
package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	_ "modernc.org/sqlite"

	"github.com/jxucoder/remoterunner/internal/tree"
)

// ErrNotFound is returned when a project has no saved snapshot.
var ErrNotFound = errors.New("snapshot not found")

// Snapshot describes a saved project tree.
type Snapshot struct {
	ProjectID string    `json:"projectId"`
	Files     int       `json:"files"`
	Bytes     int       `json:"bytes"`
	Revision  int       `json:"revision"`
	UpdatedAt time.Time `json:"updatedAt"`
}

// Store manages project snapshots in SQLite.
type Store struct {
	db    *sql.DB
	parse tree.ParseOptions
}

// New opens (or creates) a SQLite database at the given path. Trees are
// decoded on load with opts.
func New(dbPath string, opts tree.ParseOptions) (*Store, error) {
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}

	// Enable WAL mode for better concurrent read/write performance.
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("setting WAL mode: %w", err)
	}
	if _, err := db.Exec("PRAGMA busy_timeout=5000"); err != nil {
		db.Close()
		return nil, fmt.Errorf("setting busy timeout: %w", err)
	}

	if err := migrate(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("running migrations: %w", err)
	}

	return &Store{db: db, parse: opts}, nil
}

func migrate(db *sql.DB) error {
	_, err := db.Exec(`
		CREATE TABLE IF NOT EXISTS snapshots (
			project_id TEXT PRIMARY KEY,
			tree       TEXT NOT NULL,
			files      INTEGER NOT NULL DEFAULT 0,
			bytes      INTEGER NOT NULL DEFAULT 0,
			revision   INTEGER NOT NULL DEFAULT 1,
			updated_at DATETIME NOT NULL DEFAULT (datetime('now'))
		);
	`)
	return err
}

// Close closes the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// SaveSnapshot stores root as the project's latest tree, bumping its
// revision.
func (s *Store) SaveSnapshot(ctx context.Context, projectID string, root *tree.Node) error {
	if projectID == "" {
		return errors.New("project id is required")
	}
	data, err := json.Marshal(root)
	if err != nil {
		return fmt.Errorf("encoding tree: %w", err)
	}
	files, _ := root.Count()
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO snapshots (project_id, tree, files, bytes, revision, updated_at)
		 VALUES (?, ?, ?, ?, 1, ?)
		 ON CONFLICT(project_id) DO UPDATE SET
			tree = excluded.tree,
			files = excluded.files,
			bytes = excluded.bytes,
			revision = snapshots.revision + 1,
			updated_at = excluded.updated_at`,
		projectID, string(data), files, len(data), time.Now().UTC(),
	)
	if err != nil {
		return fmt.Errorf("saving snapshot %s: %w", projectID, err)
	}
	return nil
}

// LoadSnapshot returns the project's latest tree.
func (s *Store) LoadSnapshot(ctx context.Context, projectID string) (*tree.Node, error) {
	var data string
	err := s.db.QueryRowContext(ctx,
		`SELECT tree FROM snapshots WHERE project_id = ?`, projectID,
	).Scan(&data)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, projectID)
	}
	if err != nil {
		return nil, fmt.Errorf("loading snapshot %s: %w", projectID, err)
	}
	root, err := tree.Parse([]byte(data), s.parse)
	if err != nil {
		return nil, fmt.Errorf("decoding snapshot %s: %w", projectID, err)
	}
	return root, nil
}

// GetSnapshot returns snapshot metadata without decoding the tree.
func (s *Store) GetSnapshot(ctx context.Context, projectID string) (*Snapshot, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT project_id, files, bytes, revision, updated_at
		 FROM snapshots WHERE project_id = ?`, projectID,
	)
	snap, err := scanSnapshot(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, projectID)
	}
	return snap, err
}

// ListSnapshots returns snapshot metadata, most recently updated first.
func (s *Store) ListSnapshots(ctx context.Context) ([]*Snapshot, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT project_id, files, bytes, revision, updated_at
		 FROM snapshots ORDER BY updated_at DESC, project_id`,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*Snapshot
	for rows.Next() {
		snap, err := scanSnapshot(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, snap)
	}
	return out, rows.Err()
}

// DeleteSnapshot removes a project's snapshot. Deleting a missing snapshot
// is not an error.
func (s *Store) DeleteSnapshot(ctx context.Context, projectID string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM snapshots WHERE project_id = ?`, projectID)
	return err
}

type scanner interface {
	Scan(dest ...any) error
}

func scanSnapshot(row scanner) (*Snapshot, error) {
	var snap Snapshot
	if err := row.Scan(&snap.ProjectID, &snap.Files, &snap.Bytes, &snap.Revision, &snap.UpdatedAt); err != nil {
		return nil, err
	}
	return &snap, nil
}
