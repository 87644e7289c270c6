// Package resourcehttp exposes signed-URL resolution and repository archive
// transfer over HTTP.
package resourcehttp

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/keithlinneman/linnemanlabs-assets/internal/archive"
	"github.com/keithlinneman/linnemanlabs-assets/internal/keyscan"
	"github.com/keithlinneman/linnemanlabs-assets/internal/log"
	"github.com/keithlinneman/linnemanlabs-assets/internal/objstore"
	"github.com/keithlinneman/linnemanlabs-assets/internal/repository"
)

// KeyResolver resolves a batch of object keys to signed GET URLs.
type KeyResolver interface {
	Resolve(ctx context.Context, keys []string) objstore.BatchResult
}

// PutSigner mints signed upload URLs.
type PutSigner interface {
	SignPut(ctx context.Context, key, contentType string) (objstore.SignResult, error)
}

// Metrics is the archive instrumentation the API reports to.
type Metrics interface {
	AddArchiveImported(files int, bytes int64)
	AddArchiveImportErrors(n int)
	IncArchiveExport()
	ObserveArchiveImportDuration(seconds float64)
}

// Options wires the API handler. Resolver, Signer, and Store are required,
// the rest default sensibly.
type Options struct {
	Resolver KeyResolver
	Signer   PutSigner
	Store    repository.Store
	Logger   log.Logger
	Metrics  Metrics

	// MaxArchiveBytes caps an uploaded archive body. Zero means the
	// importer default.
	MaxArchiveBytes int64
	MaxFileBytes    int64

	// MaxResolveKeys caps the distinct keys a single resolve request may
	// carry. Zero means 64.
	MaxResolveKeys int

	// AuthMW, when set, guards every mutating route.
	AuthMW func(http.Handler) http.Handler
}

// API implements the resource-access endpoints.
type API struct {
	resolver KeyResolver
	signer   PutSigner
	store    repository.Store
	logger   log.Logger
	metrics  Metrics

	maxArchive     int64
	maxFile        int64
	maxResolveKeys int
	authMW         func(http.Handler) http.Handler
}

func NewAPI(opts Options) *API {
	l := opts.Logger
	if l == nil {
		l = log.Nop()
	}
	maxArchive := opts.MaxArchiveBytes
	if maxArchive <= 0 {
		maxArchive = archive.DefaultMaxTotalBytes
	}
	maxKeys := opts.MaxResolveKeys
	if maxKeys <= 0 {
		maxKeys = 64
	}
	return &API{
		resolver:       opts.Resolver,
		signer:         opts.Signer,
		store:          opts.Store,
		logger:         l,
		metrics:        opts.Metrics,
		maxArchive:     maxArchive,
		maxFile:        opts.MaxFileBytes,
		maxResolveKeys: maxKeys,
		authMW:         opts.AuthMW,
	}
}

// RegisterRoutes attaches the resource endpoints to the router. Read routes
// stay open, mutating routes go behind the auth middleware when one is
// configured.
func (api *API) RegisterRoutes(r chi.Router) {
	r.Post("/api/resources/resolve", api.HandleResolve)
	r.Get("/api/repositories", api.HandleListRepositories)
	r.Get("/api/repositories/{id}", api.HandleGetRepository)
	r.Get("/api/repositories/{id}/archive", api.HandleExportArchive)

	r.Group(func(g chi.Router) {
		if api.authMW != nil {
			g.Use(api.authMW)
		}
		g.Post("/api/resources/upload-url", api.HandleUploadURL)
		g.Post("/api/repositories", api.HandleCreateRepository)
		g.Post("/api/repositories/{id}/archive", api.HandleImportArchive)
		g.Delete("/api/repositories/{id}", api.HandleDeleteRepository)
	})
}

// ResolveRequest asks for signed URLs. Keys are resolved as given; Content,
// when present, is additionally scanned for embedded object references.
type ResolveRequest struct {
	Keys    []string `json:"keys"`
	Content string   `json:"content,omitempty"`
}

// ResolveResponse mirrors the resolveSignedUrls contract: resolved keys in
// SignedURLs, failed keys listed with reasons, Success true whenever the
// batch itself ran.
type ResolveResponse struct {
	Success    bool                           `json:"success"`
	SignedURLs map[string]objstore.SignResult `json:"signedUrls"`
	Failed     []objstore.KeyError            `json:"failed,omitempty"`
}

func (api *API) HandleResolve(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	var req ResolveRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		api.writeError(ctx, w, http.StatusBadRequest, "invalid JSON body")
		return
	}

	keys := req.Keys
	if req.Content != "" {
		keys = append(keys, keyscan.Extract(req.Content)...)
	}

	// the cap bounds signing work, so it applies to distinct keys, not to
	// however many times the request repeats them
	distinct := make([]string, 0, len(keys))
	seen := make(map[string]struct{}, len(keys))
	for _, k := range keys {
		if k == "" {
			continue
		}
		if _, dup := seen[k]; dup {
			continue
		}
		seen[k] = struct{}{}
		distinct = append(distinct, k)
	}
	if len(distinct) > api.maxResolveKeys {
		api.writeError(ctx, w, http.StatusBadRequest, "too many keys in one request")
		return
	}

	res := api.resolver.Resolve(ctx, distinct)
	api.writeJSON(ctx, w, http.StatusOK, ResolveResponse{
		Success:    res.Success,
		SignedURLs: res.Signed,
		Failed:     res.Errors,
	})
}

// UploadURLRequest asks for a signed PUT URL for one object key.
type UploadURLRequest struct {
	Key         string `json:"key"`
	ContentType string `json:"contentType,omitempty"`
}

type UploadURLResponse struct {
	Key       string    `json:"key"`
	UploadURL string    `json:"uploadUrl"`
	ExpiresAt time.Time `json:"expiresAt"`
}

func (api *API) HandleUploadURL(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	var req UploadURLRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		api.writeError(ctx, w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	if req.Key == "" {
		api.writeError(ctx, w, http.StatusBadRequest, "key is required")
		return
	}

	res, err := api.signer.SignPut(ctx, req.Key, req.ContentType)
	if err != nil {
		api.logger.Warn(ctx, "sign upload url failed", "object.key", req.Key, "error", err.Error())
		api.writeError(ctx, w, http.StatusBadGateway, "failed to sign upload url")
		return
	}

	api.writeJSON(ctx, w, http.StatusOK, UploadURLResponse{
		Key:       res.Key,
		UploadURL: res.URL,
		ExpiresAt: res.ExpiresAt,
	})
}

// CreateRepositoryRequest creates an empty repository aggregate.
type CreateRepositoryRequest struct {
	Title string `json:"title"`
	Slug  string `json:"slug,omitempty"`
}

func (api *API) HandleCreateRepository(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	var req CreateRepositoryRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		api.writeError(ctx, w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	if req.Title == "" {
		api.writeError(ctx, w, http.StatusBadRequest, "title is required")
		return
	}

	repo := &repository.Repository{Title: req.Title, Slug: req.Slug}
	if err := api.store.Create(ctx, repo); err != nil {
		api.logger.Error(ctx, err, "create repository failed", "repository.title", req.Title)
		api.writeError(ctx, w, http.StatusInternalServerError, "failed to create repository")
		return
	}

	api.logger.Info(ctx, "repository created",
		"repository.id", repo.ID,
		"repository.slug", repo.Slug)
	api.writeJSON(ctx, w, http.StatusCreated, repo)
}

func (api *API) HandleListRepositories(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	repos, err := api.store.List(ctx)
	if err != nil {
		api.logger.Error(ctx, err, "list repositories failed")
		api.writeError(ctx, w, http.StatusInternalServerError, "failed to list repositories")
		return
	}
	if repos == nil {
		repos = []repository.Repository{}
	}
	api.writeJSON(ctx, w, http.StatusOK, repos)
}

func (api *API) HandleGetRepository(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	id := chi.URLParam(r, "id")

	repo, err := api.store.Get(ctx, id)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			api.writeError(ctx, w, http.StatusNotFound, "repository not found")
			return
		}
		api.logger.Error(ctx, err, "get repository failed", "repository.id", id)
		api.writeError(ctx, w, http.StatusInternalServerError, "failed to load repository")
		return
	}
	api.writeJSON(ctx, w, http.StatusOK, repo)
}

func (api *API) HandleDeleteRepository(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	id := chi.URLParam(r, "id")

	if err := api.store.Delete(ctx, id); err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			api.writeError(ctx, w, http.StatusNotFound, "repository not found")
			return
		}
		api.logger.Error(ctx, err, "delete repository failed", "repository.id", id)
		api.writeError(ctx, w, http.StatusInternalServerError, "failed to delete repository")
		return
	}

	api.logger.Info(ctx, "repository deleted", "repository.id", id)
	w.WriteHeader(http.StatusNoContent)
}

// ImportArchiveResponse reports how much of the archive made it in. Imported
// plus the error list always accounts for every candidate entry, a partial
// failure is never collapsed into a bare failure.
type ImportArchiveResponse struct {
	Imported int                  `json:"imported"`
	Total    int                  `json:"total"`
	Bytes    int64                `json:"bytes"`
	Errors   []archive.EntryError `json:"errors,omitempty"`
}

func (api *API) HandleImportArchive(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	id := chi.URLParam(r, "id")
	start := time.Now()

	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, api.maxArchive))
	if err != nil {
		var maxErr *http.MaxBytesError
		if errors.As(err, &maxErr) {
			api.writeError(ctx, w, http.StatusRequestEntityTooLarge, "archive exceeds size limit")
			return
		}
		api.writeError(ctx, w, http.StatusBadRequest, "failed to read request body")
		return
	}

	res, err := archive.Import(body, archive.ImportOptions{
		MaxTotalBytes: api.maxArchive,
		MaxFileBytes:  api.maxFile,
	})
	if err != nil {
		var formatErr *archive.FormatError
		var sizeErr *archive.SizeLimitError
		switch {
		case errors.As(err, &formatErr):
			api.writeError(ctx, w, http.StatusBadRequest, formatErr.Error())
		case errors.As(err, &sizeErr):
			api.writeError(ctx, w, http.StatusRequestEntityTooLarge, sizeErr.Error())
		default:
			api.logger.Error(ctx, err, "archive import failed", "repository.id", id)
			api.writeError(ctx, w, http.StatusInternalServerError, "archive import failed")
		}
		return
	}

	if len(res.Items) > 0 {
		if err := api.store.UpsertItems(ctx, id, res.Items); err != nil {
			if errors.Is(err, repository.ErrNotFound) {
				api.writeError(ctx, w, http.StatusNotFound, "repository not found")
				return
			}
			api.logger.Error(ctx, err, "persist imported items failed", "repository.id", id)
			api.writeError(ctx, w, http.StatusInternalServerError, "failed to persist imported items")
			return
		}
	}

	if api.metrics != nil {
		api.metrics.AddArchiveImported(len(res.Items), res.TotalBytes)
		api.metrics.AddArchiveImportErrors(len(res.Errors))
		api.metrics.ObserveArchiveImportDuration(time.Since(start).Seconds())
	}
	api.logger.Info(ctx, "archive imported",
		"repository.id", id,
		"archive.files", len(res.Items),
		"archive.bytes", res.TotalBytes,
		"archive.entry_errors", len(res.Errors))

	api.writeJSON(ctx, w, http.StatusOK, ImportArchiveResponse{
		Imported: len(res.Items),
		Total:    len(res.Items) + len(res.Errors),
		Bytes:    res.TotalBytes,
		Errors:   res.Errors,
	})
}

func (api *API) HandleExportArchive(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	id := chi.URLParam(r, "id")

	repo, err := api.store.Get(ctx, id)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			api.writeError(ctx, w, http.StatusNotFound, "repository not found")
			return
		}
		api.logger.Error(ctx, err, "get repository failed", "repository.id", id)
		api.writeError(ctx, w, http.StatusInternalServerError, "failed to load repository")
		return
	}

	data, err := archive.Export(repo.Items)
	if err != nil {
		if errors.Is(err, archive.ErrNothingToExport) {
			api.writeError(ctx, w, http.StatusConflict, "repository has no content to export")
			return
		}
		api.logger.Error(ctx, err, "archive export failed", "repository.id", id)
		api.writeError(ctx, w, http.StatusInternalServerError, "archive export failed")
		return
	}

	if api.metrics != nil {
		api.metrics.IncArchiveExport()
	}
	api.logger.Info(ctx, "archive exported",
		"repository.id", id,
		"archive.bytes", len(data))

	w.Header().Set("Content-Type", "application/zip")
	w.Header().Set("Content-Disposition", `attachment; filename="`+repo.ArchiveName()+`"`)
	w.Header().Set("Content-Length", strconv.Itoa(len(data)))
	w.WriteHeader(http.StatusOK)
	w.Write(data)
}

type errorResponse struct {
	Error string `json:"error"`
}

func (api *API) writeError(ctx context.Context, w http.ResponseWriter, status int, msg string) {
	api.writeJSON(ctx, w, status, errorResponse{Error: msg})
}

func (api *API) writeJSON(ctx context.Context, w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.Header().Set("Cache-Control", "no-cache")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		api.logger.Warn(ctx, "failed to encode JSON response", "error", err)
	}
}
