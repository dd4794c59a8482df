// Package storage persists notebooks to SQLite. WAL mode keeps reads
// concurrent with the single writer; the connection pool is pinned to
// one connection because SQLite serializes writers anyway.
package storage

import (
	"context"
	"database/sql"
	_ "embed"
	"encoding/json"
	"errors"
	"fmt"

	_ "github.com/mattn/go-sqlite3"

	"github.com/quillworks/quill/internal/notebook"
)

//go:embed schema.sql
var schemaSQL string

const currentSchemaVersion = 1

// ErrNotFound reports a path with no stored notebook.
var ErrNotFound = errors.New("storage: notebook not found")

// Store is a durable notebook repository backed by SQLite.
type Store struct {
	db *sql.DB
}

// Entry is one row of a notebook listing.
type Entry struct {
	Path    string
	Version notebook.Version
}

// Open creates or opens the database at path, applying pragmas and the
// schema. Idempotent.
func Open(path string) (*Store, error) {
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("connect database: %w", err)
	}

	// One writer avoids SQLITE_BUSY under concurrent saves.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	if err := applyPragmas(db); err != nil {
		db.Close()
		return nil, err
	}
	if err := applySchema(db); err != nil {
		db.Close()
		return nil, err
	}
	return &Store{db: db}, nil
}

// Close closes the database connection.
func (s *Store) Close() error {
	if s.db == nil {
		return nil
	}
	return s.db.Close()
}

func applyPragmas(db *sql.DB) error {
	pragmas := []string{
		"PRAGMA journal_mode = WAL",
		"PRAGMA synchronous = NORMAL",
		"PRAGMA busy_timeout = 5000",
		"PRAGMA foreign_keys = ON",
	}
	for _, pragma := range pragmas {
		if _, err := db.Exec(pragma); err != nil {
			return fmt.Errorf("execute %q: %w", pragma, err)
		}
	}
	return nil
}

func applySchema(db *sql.DB) error {
	if _, err := db.Exec(schemaSQL); err != nil {
		return fmt.Errorf("execute schema: %w", err)
	}
	if _, err := db.Exec(fmt.Sprintf("PRAGMA user_version = %d", currentSchemaVersion)); err != nil {
		return fmt.Errorf("set user_version: %w", err)
	}
	return nil
}

// Save writes a notebook and its version atomically, replacing any
// previous cells wholesale.
func (s *Store) Save(ctx context.Context, nb notebook.Notebook, version notebook.Version) error {
	configJSON, err := json.Marshal(nb.Config)
	if err != nil {
		return fmt.Errorf("save %s: encode config: %w", nb.Path, err)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("save %s: begin: %w", nb.Path, err)
	}
	defer tx.Rollback()

	_, err = tx.ExecContext(ctx, `
		INSERT INTO notebooks (path, version, config)
		VALUES (?, ?, ?)
		ON CONFLICT(path) DO UPDATE SET
			version = excluded.version,
			config = excluded.config,
			updated_at = strftime('%Y-%m-%dT%H:%M:%fZ', 'now')
	`, nb.Path, int64(version), string(configJSON))
	if err != nil {
		return fmt.Errorf("save %s: upsert notebook: %w", nb.Path, err)
	}

	if _, err := tx.ExecContext(ctx, `DELETE FROM cells WHERE notebook_path = ?`, nb.Path); err != nil {
		return fmt.Errorf("save %s: clear cells: %w", nb.Path, err)
	}

	for pos, cell := range nb.Cells {
		metadataJSON, err := json.Marshal(cell.Metadata)
		if err != nil {
			return fmt.Errorf("save %s: encode cell %d metadata: %w", nb.Path, cell.ID, err)
		}
		resultsJSON, err := json.Marshal(cell.Results)
		if err != nil {
			return fmt.Errorf("save %s: encode cell %d results: %w", nb.Path, cell.ID, err)
		}
		_, err = tx.ExecContext(ctx, `
			INSERT INTO cells (notebook_path, position, id, language, content, metadata, results)
			VALUES (?, ?, ?, ?, ?, ?, ?)
		`, nb.Path, pos, int64(cell.ID), cell.Language, cell.Content, string(metadataJSON), string(resultsJSON))
		if err != nil {
			return fmt.Errorf("save %s: insert cell %d: %w", nb.Path, cell.ID, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("save %s: commit: %w", nb.Path, err)
	}
	return nil
}

// Load reads a notebook and the version it was saved at.
func (s *Store) Load(ctx context.Context, path string) (notebook.Notebook, notebook.Version, error) {
	var (
		version    int64
		configJSON string
	)
	err := s.db.QueryRowContext(ctx,
		`SELECT version, config FROM notebooks WHERE path = ?`, path,
	).Scan(&version, &configJSON)
	if errors.Is(err, sql.ErrNoRows) {
		return notebook.Notebook{}, 0, fmt.Errorf("load %s: %w", path, ErrNotFound)
	}
	if err != nil {
		return notebook.Notebook{}, 0, fmt.Errorf("load %s: %w", path, err)
	}

	nb := notebook.Notebook{Path: path}
	if err := json.Unmarshal([]byte(configJSON), &nb.Config); err != nil {
		return notebook.Notebook{}, 0, fmt.Errorf("load %s: decode config: %w", path, err)
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT id, language, content, metadata, results
		FROM cells WHERE notebook_path = ? ORDER BY position
	`, path)
	if err != nil {
		return notebook.Notebook{}, 0, fmt.Errorf("load %s: query cells: %w", path, err)
	}
	defer rows.Close()

	for rows.Next() {
		var (
			id                      int64
			language, content       string
			metadataJSON, resultsJS string
		)
		if err := rows.Scan(&id, &language, &content, &metadataJSON, &resultsJS); err != nil {
			return notebook.Notebook{}, 0, fmt.Errorf("load %s: scan cell: %w", path, err)
		}
		cell := notebook.Cell{ID: notebook.CellID(id), Language: language, Content: content}
		if err := json.Unmarshal([]byte(metadataJSON), &cell.Metadata); err != nil {
			return notebook.Notebook{}, 0, fmt.Errorf("load %s: decode cell %d metadata: %w", path, id, err)
		}
		if err := json.Unmarshal([]byte(resultsJS), &cell.Results); err != nil {
			return notebook.Notebook{}, 0, fmt.Errorf("load %s: decode cell %d results: %w", path, id, err)
		}
		nb.Cells = append(nb.Cells, cell)
	}
	if err := rows.Err(); err != nil {
		return notebook.Notebook{}, 0, fmt.Errorf("load %s: %w", path, err)
	}
	return nb, notebook.Version(version), nil
}

// List returns every stored notebook path with its saved version,
// ordered by path.
func (s *Store) List(ctx context.Context) ([]Entry, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT path, version FROM notebooks ORDER BY path`)
	if err != nil {
		return nil, fmt.Errorf("list notebooks: %w", err)
	}
	defer rows.Close()

	var out []Entry
	for rows.Next() {
		var (
			path    string
			version int64
		)
		if err := rows.Scan(&path, &version); err != nil {
			return nil, fmt.Errorf("list notebooks: scan: %w", err)
		}
		out = append(out, Entry{Path: path, Version: notebook.Version(version)})
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list notebooks: %w", err)
	}
	return out, nil
}

// Delete removes a notebook and its cells. Deleting an absent path is a
// no-op.
func (s *Store) Delete(ctx context.Context, path string) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM notebooks WHERE path = ?`, path); err != nil {
		return fmt.Errorf("delete %s: %w", path, err)
	}
	return nil
}
