package resourcehttp

import (
	"archive/zip"
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/keithlinneman/linnemanlabs-assets/internal/objstore"
	"github.com/keithlinneman/linnemanlabs-assets/internal/repository"
)

type fakeResolver struct {
	gotKeys []string
	result  objstore.BatchResult
}

func (f *fakeResolver) Resolve(_ context.Context, keys []string) objstore.BatchResult {
	f.gotKeys = keys
	return f.result
}

type fakeSigner struct {
	gotKey         string
	gotContentType string
	result         objstore.SignResult
	err            error
}

func (f *fakeSigner) SignPut(_ context.Context, key, contentType string) (objstore.SignResult, error) {
	f.gotKey = key
	f.gotContentType = contentType
	return f.result, f.err
}

type memStore struct {
	repos map[string]*repository.Repository
}

func newMemStore() *memStore {
	return &memStore{repos: map[string]*repository.Repository{}}
}

func (s *memStore) Create(_ context.Context, repo *repository.Repository) error {
	if repo.ID == "" {
		repo.ID = "generated-id"
	}
	repo.CreatedAt = time.Now()
	repo.UpdatedAt = repo.CreatedAt
	cp := *repo
	s.repos[repo.ID] = &cp
	return nil
}

func (s *memStore) Get(_ context.Context, id string) (*repository.Repository, error) {
	repo, ok := s.repos[id]
	if !ok {
		return nil, repository.ErrNotFound
	}
	cp := *repo
	cp.Recompute()
	return &cp, nil
}

func (s *memStore) List(_ context.Context) ([]repository.Repository, error) {
	out := make([]repository.Repository, 0, len(s.repos))
	for _, repo := range s.repos {
		cp := *repo
		cp.Items = nil
		out = append(out, cp)
	}
	return out, nil
}

func (s *memStore) UpsertItems(_ context.Context, id string, items []repository.Item) error {
	repo, ok := s.repos[id]
	if !ok {
		return repository.ErrNotFound
	}
	repo.Upsert(items...)
	return nil
}

func (s *memStore) Delete(_ context.Context, id string) error {
	if _, ok := s.repos[id]; !ok {
		return repository.ErrNotFound
	}
	delete(s.repos, id)
	return nil
}

func (s *memStore) Close() error { return nil }

type archiveMetrics struct {
	importedFiles int
	importedBytes int64
	entryErrors   int
	exports       int
	durations     int
}

func (m *archiveMetrics) AddArchiveImported(files int, bytes int64) {
	m.importedFiles += files
	m.importedBytes += bytes
}
func (m *archiveMetrics) AddArchiveImportErrors(n int)           { m.entryErrors += n }
func (m *archiveMetrics) IncArchiveExport()                      { m.exports++ }
func (m *archiveMetrics) ObserveArchiveImportDuration(s float64) { m.durations++ }

func newTestRouter(api *API) *chi.Mux {
	r := chi.NewRouter()
	api.RegisterRoutes(r)
	return r
}

func buildZip(t *testing.T, entries map[string][]byte) []byte {
	t.Helper()
	var buf bytes.Buffer
	zw := zip.NewWriter(&buf)
	for name, content := range entries {
		w, err := zw.Create(name)
		if err != nil {
			t.Fatalf("create %q: %v", name, err)
		}
		if _, err := w.Write(content); err != nil {
			t.Fatalf("write %q: %v", name, err)
		}
	}
	if err := zw.Close(); err != nil {
		t.Fatalf("close zip: %v", err)
	}
	return buf.Bytes()
}

func TestHandleResolve(t *testing.T) {
	exp := time.Now().Add(time.Hour).UTC()
	resolver := &fakeResolver{result: objstore.BatchResult{
		Success: true,
		Signed: map[string]objstore.SignResult{
			"img/a.png": {Key: "img/a.png", URL: "https://r2/a", ExpiresAt: exp},
		},
		Errors: []objstore.KeyError{{Key: "img/b.png", Reason: "boom"}},
	}}
	api := NewAPI(Options{Resolver: resolver, Store: newMemStore()})
	router := newTestRouter(api)

	body := `{"keys":["img/a.png","img/b.png"]}`
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/api/resources/resolve", strings.NewReader(body)))

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d body %s", rec.Code, rec.Body.String())
	}
	var resp ResolveResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if !resp.Success {
		t.Fatal("success = false")
	}
	if got := resp.SignedURLs["img/a.png"].URL; got != "https://r2/a" {
		t.Fatalf("signed url = %q", got)
	}
	if len(resp.Failed) != 1 || resp.Failed[0].Key != "img/b.png" {
		t.Fatalf("failed = %+v", resp.Failed)
	}
}

func TestHandleResolve_ScansContentForKeys(t *testing.T) {
	resolver := &fakeResolver{result: objstore.BatchResult{Success: true, Signed: map[string]objstore.SignResult{}}}
	api := NewAPI(Options{Resolver: resolver, Store: newMemStore()})
	router := newTestRouter(api)

	body := `{"content":"<Img r2Key=\"img/a.png\" /> <Img r2Key='img/b.png' />"}`
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/api/resources/resolve", strings.NewReader(body)))

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	if len(resolver.gotKeys) != 2 || resolver.gotKeys[0] != "img/a.png" || resolver.gotKeys[1] != "img/b.png" {
		t.Fatalf("resolver keys = %v", resolver.gotKeys)
	}
}

func TestHandleResolve_TooManyKeys(t *testing.T) {
	api := NewAPI(Options{Resolver: &fakeResolver{}, Store: newMemStore(), MaxResolveKeys: 2})
	router := newTestRouter(api)

	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/api/resources/resolve",
		strings.NewReader(`{"keys":["a","b","c"]}`)))

	if rec.Code != http.StatusBadRequest {
		t.Fatalf("status = %d", rec.Code)
	}
}

func TestHandleResolve_CapCountsDistinctKeys(t *testing.T) {
	resolver := &fakeResolver{result: objstore.BatchResult{Success: true, Signed: map[string]objstore.SignResult{}}}
	api := NewAPI(Options{Resolver: resolver, Store: newMemStore(), MaxResolveKeys: 2})
	router := newTestRouter(api)

	// 6 raw keys but only 2 distinct, plus a repeat smuggled in via content
	body := `{"keys":["a","a","b","b","a",""],"content":"<Img r2Key=\"a\" />"}`
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/api/resources/resolve",
		strings.NewReader(body)))

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want duplicates collapsed under the cap", rec.Code)
	}
	if len(resolver.gotKeys) != 2 || resolver.gotKeys[0] != "a" || resolver.gotKeys[1] != "b" {
		t.Fatalf("resolver keys = %v, want deduped [a b]", resolver.gotKeys)
	}
}

func TestHandleResolve_BadJSON(t *testing.T) {
	api := NewAPI(Options{Resolver: &fakeResolver{}, Store: newMemStore()})
	router := newTestRouter(api)

	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/api/resources/resolve", strings.NewReader("{not json")))

	if rec.Code != http.StatusBadRequest {
		t.Fatalf("status = %d", rec.Code)
	}
}

func TestHandleUploadURL(t *testing.T) {
	exp := time.Now().Add(time.Hour).UTC().Truncate(time.Second)
	signer := &fakeSigner{result: objstore.SignResult{Key: "up/new.png", URL: "https://r2/put", ExpiresAt: exp}}
	api := NewAPI(Options{Signer: signer, Store: newMemStore()})
	router := newTestRouter(api)

	body := `{"key":"up/new.png","contentType":"image/png"}`
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/api/resources/upload-url", strings.NewReader(body)))

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d body %s", rec.Code, rec.Body.String())
	}
	var resp UploadURLResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if resp.UploadURL != "https://r2/put" || resp.Key != "up/new.png" {
		t.Fatalf("resp = %+v", resp)
	}
	if signer.gotContentType != "image/png" {
		t.Fatalf("content type = %q", signer.gotContentType)
	}
}

func TestHandleUploadURL_MissingKey(t *testing.T) {
	api := NewAPI(Options{Signer: &fakeSigner{}, Store: newMemStore()})
	router := newTestRouter(api)

	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/api/resources/upload-url", strings.NewReader(`{}`)))

	if rec.Code != http.StatusBadRequest {
		t.Fatalf("status = %d", rec.Code)
	}
}

func TestRepositoryLifecycle(t *testing.T) {
	store := newMemStore()
	api := NewAPI(Options{Store: store})
	router := newTestRouter(api)

	// create
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/api/repositories",
		strings.NewReader(`{"title":"My Project","slug":"my-project"}`)))
	if rec.Code != http.StatusCreated {
		t.Fatalf("create status = %d body %s", rec.Code, rec.Body.String())
	}
	var created repository.Repository
	if err := json.Unmarshal(rec.Body.Bytes(), &created); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if created.ID == "" || created.Slug != "my-project" {
		t.Fatalf("created = %+v", created)
	}

	// get
	rec = httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/repositories/"+created.ID, nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("get status = %d", rec.Code)
	}

	// list
	rec = httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/repositories", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("list status = %d", rec.Code)
	}

	// delete
	rec = httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodDelete, "/api/repositories/"+created.ID, nil))
	if rec.Code != http.StatusNoContent {
		t.Fatalf("delete status = %d", rec.Code)
	}

	// gone
	rec = httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/repositories/"+created.ID, nil))
	if rec.Code != http.StatusNotFound {
		t.Fatalf("get after delete status = %d", rec.Code)
	}
}

func TestCreateRepository_RequiresTitle(t *testing.T) {
	api := NewAPI(Options{Store: newMemStore()})
	router := newTestRouter(api)

	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/api/repositories", strings.NewReader(`{"slug":"x"}`)))
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("status = %d", rec.Code)
	}
}

func TestHandleImportArchive(t *testing.T) {
	store := newMemStore()
	store.repos["r1"] = &repository.Repository{ID: "r1", Title: "T", Slug: "t"}
	metrics := &archiveMetrics{}
	api := NewAPI(Options{Store: store, Metrics: metrics})
	router := newTestRouter(api)

	data := buildZip(t, map[string][]byte{
		"src/a.ts":       []byte("const a = 1\n"),
		"../../evil.txt": []byte("nope"),
	})

	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/api/repositories/r1/archive", bytes.NewReader(data)))

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d body %s", rec.Code, rec.Body.String())
	}
	var resp ImportArchiveResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if resp.Imported != 1 || resp.Total != 2 || len(resp.Errors) != 1 {
		t.Fatalf("resp = %+v", resp)
	}

	repo, err := store.Get(context.Background(), "r1")
	if err != nil {
		t.Fatal(err)
	}
	if repo.ItemCount != 1 || repo.Items[0].Path != "src/a.ts" {
		t.Fatalf("persisted repo = %+v", repo)
	}
	if metrics.importedFiles != 1 || metrics.entryErrors != 1 || metrics.durations != 1 {
		t.Fatalf("metrics = %+v", metrics)
	}
}

func TestHandleImportArchive_UnknownRepository(t *testing.T) {
	api := NewAPI(Options{Store: newMemStore()})
	router := newTestRouter(api)

	data := buildZip(t, map[string][]byte{"a.txt": []byte("x")})
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/api/repositories/missing/archive", bytes.NewReader(data)))

	if rec.Code != http.StatusNotFound {
		t.Fatalf("status = %d", rec.Code)
	}
}

func TestHandleImportArchive_RejectsNonZip(t *testing.T) {
	store := newMemStore()
	store.repos["r1"] = &repository.Repository{ID: "r1"}
	api := NewAPI(Options{Store: store})
	router := newTestRouter(api)

	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/api/repositories/r1/archive",
		strings.NewReader("Rar!\x1a\x07\x00 definitely not a zip")))

	if rec.Code != http.StatusBadRequest {
		t.Fatalf("status = %d body %s", rec.Code, rec.Body.String())
	}
}

func TestHandleImportArchive_BodyTooLarge(t *testing.T) {
	store := newMemStore()
	store.repos["r1"] = &repository.Repository{ID: "r1"}
	api := NewAPI(Options{Store: store, MaxArchiveBytes: 64})
	router := newTestRouter(api)

	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/api/repositories/r1/archive",
		bytes.NewReader(bytes.Repeat([]byte("x"), 256))))

	if rec.Code != http.StatusRequestEntityTooLarge {
		t.Fatalf("status = %d", rec.Code)
	}
}

func TestHandleExportArchive(t *testing.T) {
	store := newMemStore()
	store.repos["r1"] = &repository.Repository{
		ID:   "r1",
		Slug: "my-project",
		Items: []repository.Item{
			{Path: "src/a.ts", Content: []byte("const a = 1\n"), Size: 12},
		},
	}
	metrics := &archiveMetrics{}
	api := NewAPI(Options{Store: store, Metrics: metrics})
	router := newTestRouter(api)

	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/repositories/r1/archive", nil))

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d body %s", rec.Code, rec.Body.String())
	}
	if ct := rec.Header().Get("Content-Type"); ct != "application/zip" {
		t.Fatalf("content type = %q", ct)
	}
	if cd := rec.Header().Get("Content-Disposition"); cd != `attachment; filename="my-project.zip"` {
		t.Fatalf("content disposition = %q", cd)
	}
	zr, err := zip.NewReader(bytes.NewReader(rec.Body.Bytes()), int64(rec.Body.Len()))
	if err != nil {
		t.Fatalf("read exported zip: %v", err)
	}
	if len(zr.File) != 1 || zr.File[0].Name != "src/a.ts" {
		t.Fatalf("zip entries = %d", len(zr.File))
	}
	if metrics.exports != 1 {
		t.Fatalf("exports = %d", metrics.exports)
	}
}

func TestHandleExportArchive_Empty(t *testing.T) {
	store := newMemStore()
	store.repos["r1"] = &repository.Repository{ID: "r1", Slug: "empty"}
	api := NewAPI(Options{Store: store})
	router := newTestRouter(api)

	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/repositories/r1/archive", nil))

	if rec.Code != http.StatusConflict {
		t.Fatalf("status = %d", rec.Code)
	}
}

func TestAuthMiddlewareGuardsMutatingRoutes(t *testing.T) {
	deny := func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			http.Error(w, "unauthorized", http.StatusUnauthorized)
		})
	}
	resolver := &fakeResolver{result: objstore.BatchResult{Success: true, Signed: map[string]objstore.SignResult{}}}
	api := NewAPI(Options{Resolver: resolver, Store: newMemStore(), AuthMW: deny})
	router := newTestRouter(api)

	// mutating route is blocked
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/api/repositories", strings.NewReader(`{"title":"x"}`)))
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("create status = %d, want 401", rec.Code)
	}

	// read route stays open
	rec = httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/api/resources/resolve", strings.NewReader(`{"keys":[]}`)))
	if rec.Code != http.StatusOK {
		t.Fatalf("resolve status = %d, want 200", rec.Code)
	}
}
