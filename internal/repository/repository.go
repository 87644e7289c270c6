// Package repository models an imported code repository as a flat list of
// file items and defines the persistence port for it.
package repository

import (
	"context"
	"path"
	"strings"
	"time"

	"github.com/keithlinneman/linnemanlabs-assets/internal/xerrors"
)

// Item is one file: relative forward-slash path, raw content, size in bytes.
type Item struct {
	Path    string `json:"path"`
	Content []byte `json:"-"`
	Size    int64  `json:"size"`
}

// Repository is the aggregate. ItemCount and TotalSize are derived from
// Items, recomputed on every mutation, never adjusted incrementally.
type Repository struct {
	ID        string    `json:"id"`
	Title     string    `json:"title"`
	Slug      string    `json:"slug"`
	Items     []Item    `json:"items,omitempty"`
	ItemCount int       `json:"itemCount"`
	TotalSize int64     `json:"totalSize"`
	CreatedAt time.Time `json:"createdAt"`
	UpdatedAt time.Time `json:"updatedAt"`
}

// Recompute rederives ItemCount and TotalSize from Items.
func (r *Repository) Recompute() {
	r.ItemCount = len(r.Items)
	var total int64
	for _, it := range r.Items {
		total += it.Size
	}
	r.TotalSize = total
}

// Upsert merges items into the aggregate. Paths are unique within a
// repository, a colliding path overwrites the existing item.
func (r *Repository) Upsert(items ...Item) {
	index := make(map[string]int, len(r.Items))
	for i, it := range r.Items {
		index[it.Path] = i
	}
	for _, it := range items {
		if i, exists := index[it.Path]; exists {
			r.Items[i] = it
			continue
		}
		index[it.Path] = len(r.Items)
		r.Items = append(r.Items, it)
	}
	r.Recompute()
}

// ArchiveName suggests a download filename from the slug, falling back to
// the title.
func (r *Repository) ArchiveName() string {
	name := r.Slug
	if name == "" {
		name = r.Title
	}
	if name == "" {
		name = "repository"
	}
	return name + ".zip"
}

// CleanPath normalizes an item path to the repository namespace: forward
// slashes, no leading slash, no traversal outside the root.
func CleanPath(p string) (string, error) {
	p = strings.ReplaceAll(p, "\\", "/")
	p = strings.TrimPrefix(p, "/")
	cleaned := path.Clean(p)
	if cleaned == "." || cleaned == "" {
		return "", xerrors.Newf("empty path %q", p)
	}
	if cleaned == ".." || strings.HasPrefix(cleaned, "../") {
		return "", xerrors.Newf("path escapes repository root: %q", p)
	}
	if path.IsAbs(cleaned) {
		return "", xerrors.Newf("absolute path not allowed: %q", p)
	}
	return cleaned, nil
}

// ErrNotFound reports a repository id that does not exist.
var ErrNotFound = xerrors.New("repository not found")

// Store is the persistence port. UpsertItems is the single commit point of
// an archive import: either every item lands or none do.
type Store interface {
	Create(ctx context.Context, repo *Repository) error
	Get(ctx context.Context, id string) (*Repository, error)
	List(ctx context.Context) ([]Repository, error)
	UpsertItems(ctx context.Context, id string, items []Item) error
	Delete(ctx context.Context, id string) error
	Close() error
}
