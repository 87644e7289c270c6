// Package sqlite is the SQLite-backed implementation of the repository
// store port.
package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/google/uuid"

	// database/sql SQLite driver
	_ "github.com/mattn/go-sqlite3"

	"github.com/keithlinneman/linnemanlabs-assets/internal/repository"
	"github.com/keithlinneman/linnemanlabs-assets/internal/xerrors"
)

var _ repository.Store = (*Store)(nil)

// Store persists repositories and their items. database/sql handles pooling
// and serialization, the type is safe for concurrent use.
type Store struct{ db *sql.DB }

// Open connects to the database at path and initializes the schema.
func Open(path string) (*Store, error) {
	db, err := sql.Open("sqlite3", path+"?_foreign_keys=on&_journal_mode=WAL")
	if err != nil {
		return nil, xerrors.Wrapf(err, "open sqlite db %s", path)
	}
	s := &Store{db: db}
	if err := s.init(); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

func (s *Store) init() error {
	schema := `
CREATE TABLE IF NOT EXISTS repositories (
id TEXT PRIMARY KEY,
title TEXT NOT NULL,
slug TEXT NOT NULL UNIQUE,
created_at INTEGER NOT NULL,
updated_at INTEGER NOT NULL
);
CREATE TABLE IF NOT EXISTS repository_items (
repository_id TEXT NOT NULL REFERENCES repositories(id) ON DELETE CASCADE,
path TEXT NOT NULL,
content BLOB NOT NULL,
size INTEGER NOT NULL,
PRIMARY KEY (repository_id, path)
);`
	_, err := s.db.Exec(schema)
	if err != nil {
		return xerrors.Wrap(err, "init repository schema")
	}
	return nil
}

func (s *Store) Close() error { return s.db.Close() }

// Create inserts the aggregate and any initial items in one transaction.
func (s *Store) Create(ctx context.Context, repo *repository.Repository) error {
	if repo.ID == "" {
		repo.ID = uuid.NewString()
	}
	now := time.Now().UTC()
	if repo.CreatedAt.IsZero() {
		repo.CreatedAt = now
	}
	repo.UpdatedAt = now
	repo.Recompute()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return xerrors.Wrap(err, "begin create repository")
	}
	defer tx.Rollback()

	const q = `INSERT INTO repositories (id, title, slug, created_at, updated_at) VALUES (?,?,?,?,?)`
	if _, err := tx.ExecContext(ctx, q, repo.ID, repo.Title, repo.Slug, repo.CreatedAt.Unix(), repo.UpdatedAt.Unix()); err != nil {
		return xerrors.Wrapf(err, "insert repository %s", repo.Slug)
	}
	if err := upsertItemsTx(ctx, tx, repo.ID, repo.Items); err != nil {
		return err
	}
	return tx.Commit()
}

// Get loads the aggregate with its items. Items come back ordered by path so
// exports are deterministic.
func (s *Store) Get(ctx context.Context, id string) (*repository.Repository, error) {
	const q = `SELECT id, title, slug, created_at, updated_at FROM repositories WHERE id=?`
	var (
		repo             repository.Repository
		created, updated int64
	)
	row := s.db.QueryRowContext(ctx, q, id)
	if err := row.Scan(&repo.ID, &repo.Title, &repo.Slug, &created, &updated); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, repository.ErrNotFound
		}
		return nil, xerrors.Wrapf(err, "load repository %s", id)
	}
	repo.CreatedAt = time.Unix(created, 0).UTC()
	repo.UpdatedAt = time.Unix(updated, 0).UTC()

	const itemsQ = `SELECT path, content, size FROM repository_items WHERE repository_id=? ORDER BY path`
	rows, err := s.db.QueryContext(ctx, itemsQ, id)
	if err != nil {
		return nil, xerrors.Wrapf(err, "load repository items %s", id)
	}
	defer rows.Close()

	for rows.Next() {
		var it repository.Item
		if err := rows.Scan(&it.Path, &it.Content, &it.Size); err != nil {
			return nil, xerrors.Wrap(err, "scan repository item")
		}
		repo.Items = append(repo.Items, it)
	}
	if err := rows.Err(); err != nil {
		return nil, xerrors.Wrap(err, "iterate repository items")
	}

	repo.Recompute()
	return &repo, nil
}

// List returns summaries (no item content) of every repository.
func (s *Store) List(ctx context.Context) ([]repository.Repository, error) {
	const q = `
SELECT r.id, r.title, r.slug, r.created_at, r.updated_at,
COUNT(i.path), COALESCE(SUM(i.size), 0)
FROM repositories r
LEFT JOIN repository_items i ON i.repository_id = r.id
GROUP BY r.id
ORDER BY r.created_at DESC`
	rows, err := s.db.QueryContext(ctx, q)
	if err != nil {
		return nil, xerrors.Wrap(err, "list repositories")
	}
	defer rows.Close()

	var out []repository.Repository
	for rows.Next() {
		var (
			repo             repository.Repository
			created, updated int64
		)
		if err := rows.Scan(&repo.ID, &repo.Title, &repo.Slug, &created, &updated, &repo.ItemCount, &repo.TotalSize); err != nil {
			return nil, xerrors.Wrap(err, "scan repository summary")
		}
		repo.CreatedAt = time.Unix(created, 0).UTC()
		repo.UpdatedAt = time.Unix(updated, 0).UTC()
		out = append(out, repo)
	}
	return out, rows.Err()
}

// UpsertItems commits a batch of items atomically. Colliding paths
// overwrite. Nothing persists if any row fails.
func (s *Store) UpsertItems(ctx context.Context, id string, items []repository.Item) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return xerrors.Wrap(err, "begin upsert items")
	}
	defer tx.Rollback()

	// ensure the repository exists before writing items
	var exists int
	if err := tx.QueryRowContext(ctx, `SELECT 1 FROM repositories WHERE id=?`, id).Scan(&exists); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return repository.ErrNotFound
		}
		return xerrors.Wrapf(err, "check repository %s", id)
	}

	if err := upsertItemsTx(ctx, tx, id, items); err != nil {
		return err
	}

	const touch = `UPDATE repositories SET updated_at=? WHERE id=?`
	if _, err := tx.ExecContext(ctx, touch, time.Now().UTC().Unix(), id); err != nil {
		return xerrors.Wrapf(err, "touch repository %s", id)
	}
	return tx.Commit()
}

func upsertItemsTx(ctx context.Context, tx *sql.Tx, id string, items []repository.Item) error {
	const q = `
INSERT INTO repository_items (repository_id, path, content, size) VALUES (?,?,?,?)
ON CONFLICT (repository_id, path) DO UPDATE SET content=excluded.content, size=excluded.size`
	for _, it := range items {
		content := it.Content
		if content == nil {
			content = []byte{}
		}
		if _, err := tx.ExecContext(ctx, q, id, it.Path, content, it.Size); err != nil {
			return xerrors.Wrapf(err, "upsert item %s", it.Path)
		}
	}
	return nil
}

// Delete removes the aggregate, item rows cascade.
func (s *Store) Delete(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM repositories WHERE id=?`, id)
	if err != nil {
		return xerrors.Wrapf(err, "delete repository %s", id)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return xerrors.Wrap(err, "delete repository rows affected")
	}
	if n == 0 {
		return repository.ErrNotFound
	}
	return nil
}
