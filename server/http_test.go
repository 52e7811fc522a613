package server

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	docsync "github.com/wolfeidau/doc-sync"
	"github.com/wolfeidau/doc-sync/remote/github"
	"github.com/wolfeidau/doc-sync/store/cachedb"
)

// fakeAPI is a minimal GitHub API stub backing the server tests.
type fakeAPI struct {
	mu       sync.Mutex
	calls    int
	files    map[string][]byte // path -> content on branch main
	branches []string

	srv *httptest.Server
}

func newFakeAPI(t *testing.T) *fakeAPI {
	t.Helper()

	f := &fakeAPI{
		files:    map[string][]byte{},
		branches: []string{"main"},
	}

	mux := http.NewServeMux()
	mux.HandleFunc("GET /repos/acme/docs", func(w http.ResponseWriter, r *http.Request) {
		jsonResponse(w, http.StatusOK, map[string]string{"default_branch": "main"})
	})
	mux.HandleFunc("GET /repos/acme/docs/branches", func(w http.ResponseWriter, r *http.Request) {
		var out []map[string]any
		f.mu.Lock()
		for _, b := range f.branches {
			out = append(out, map[string]any{"name": b})
		}
		f.mu.Unlock()
		jsonResponse(w, http.StatusOK, out)
	})
	mux.HandleFunc("GET /repos/acme/docs/branches/{branch}", func(w http.ResponseWriter, r *http.Request) {
		jsonResponse(w, http.StatusOK, map[string]any{
			"name": r.PathValue("branch"),
			"commit": map[string]any{
				"sha": "tip",
				"commit": map[string]any{
					"tree": map[string]string{"sha": "tree"},
				},
			},
		})
	})
	mux.HandleFunc("POST /repos/acme/docs/git/trees", func(w http.ResponseWriter, r *http.Request) {
		jsonResponse(w, http.StatusCreated, map[string]string{"sha": "new-tree"})
	})
	mux.HandleFunc("POST /repos/acme/docs/git/commits", func(w http.ResponseWriter, r *http.Request) {
		jsonResponse(w, http.StatusCreated, map[string]string{"sha": "new-commit"})
	})
	mux.HandleFunc("PATCH /repos/acme/docs/git/refs/heads/{branch}", func(w http.ResponseWriter, r *http.Request) {
		jsonResponse(w, http.StatusOK, map[string]string{})
	})
	mux.HandleFunc("GET /repos/acme/docs/contents/{path...}", func(w http.ResponseWriter, r *http.Request) {
		f.mu.Lock()
		content, ok := f.files[r.PathValue("path")]
		f.mu.Unlock()
		if !ok {
			jsonResponse(w, http.StatusNotFound, map[string]string{"message": "Not Found"})
			return
		}
		_, _ = w.Write(content)
	})
	mux.HandleFunc("POST /repos/acme/docs/pulls", func(w http.ResponseWriter, r *http.Request) {
		jsonResponse(w, http.StatusCreated, map[string]any{
			"number":   3,
			"html_url": "https://github.com/acme/docs/pull/3",
		})
	})

	f.srv = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		f.mu.Lock()
		f.calls++
		f.mu.Unlock()
		mux.ServeHTTP(w, r)
	}))
	t.Cleanup(f.srv.Close)
	return f
}

func (f *fakeAPI) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

func jsonResponse(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func newTestServer(t *testing.T, cfg Config) (*Server, cachedb.Cache, *fakeAPI) {
	t.Helper()

	cache := cachedb.NewBoltCache(cachedb.WithNoSync(true))
	require.NoError(t, cache.Open(filepath.Join(t.TempDir(), "cache.db")))
	t.Cleanup(func() { _ = cache.Close() })
	require.NoError(t, cache.BindRepository("acme/docs"))

	api := newFakeAPI(t)
	client := github.NewClient(github.WithBaseURL(api.srv.URL))
	client.SetSession(github.Session{
		Owner:      "acme",
		Repository: "docs",
		Branch:     "main",
		Token:      "gh-token",
	})

	cfg.Logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	return New(cfg, cache, client), cache, api
}

func doRequest(t *testing.T, s *Server, method, path string, body []byte) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, bytes.NewReader(body))
	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, req)
	return rec
}

func TestHealth(t *testing.T) {
	s, _, _ := newTestServer(t, Config{})
	rec := doRequest(t, s, "GET", "/health", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"status":"ok"}`, rec.Body.String())
}

func TestFiles(t *testing.T) {
	t.Run("put then get round-trips through the cache", func(t *testing.T) {
		s, _, api := newTestServer(t, Config{})

		rec := doRequest(t, s, "PUT", "/api/files/markdown/guide.md", []byte("# Guide"))
		require.Equal(t, http.StatusOK, rec.Code)
		assert.JSONEq(t, `{"key":"main::guide.md"}`, rec.Body.String())

		rec = doRequest(t, s, "GET", "/api/files/markdown/guide.md", nil)
		require.Equal(t, http.StatusOK, rec.Code)
		assert.Equal(t, "# Guide", rec.Body.String())
		assert.Zero(t, api.callCount())
	})

	t.Run("miss falls back to the remote and caches the result", func(t *testing.T) {
		s, cache, api := newTestServer(t, Config{})
		api.files["intro.md"] = []byte("# Intro")

		rec := doRequest(t, s, "GET", "/api/files/markdown/intro.md", nil)
		require.Equal(t, http.StatusOK, rec.Code)
		assert.Equal(t, "# Intro", rec.Body.String())
		assert.Equal(t, 1, api.callCount())

		// Fetched content lands in the cache under the branch namespace.
		_, ok, err := cache.Load(t.Context(), cachedb.CollectionMarkdown, "main::intro.md")
		require.NoError(t, err)
		assert.True(t, ok)

		rec = doRequest(t, s, "GET", "/api/files/markdown/intro.md", nil)
		require.Equal(t, http.StatusOK, rec.Code)
		assert.Equal(t, 1, api.callCount(), "second read served from cache")
	})

	t.Run("responses carry the content hash as an ETag", func(t *testing.T) {
		s, _, _ := newTestServer(t, Config{})
		want := `"` + docsync.HashBytes([]byte("# Guide")).String() + `"`

		rec := doRequest(t, s, "PUT", "/api/files/markdown/guide.md", []byte("# Guide"))
		require.Equal(t, http.StatusOK, rec.Code)
		assert.Equal(t, want, rec.Header().Get("ETag"))

		rec = doRequest(t, s, "GET", "/api/files/markdown/guide.md", nil)
		require.Equal(t, http.StatusOK, rec.Code)
		assert.Equal(t, want, rec.Header().Get("ETag"))
	})

	t.Run("matching If-None-Match is a 304", func(t *testing.T) {
		s, _, _ := newTestServer(t, Config{})

		rec := doRequest(t, s, "PUT", "/api/files/markdown/guide.md", []byte("# Guide"))
		require.Equal(t, http.StatusOK, rec.Code)
		etag := rec.Header().Get("ETag")
		require.NotEmpty(t, etag)

		req := httptest.NewRequest("GET", "/api/files/markdown/guide.md", nil)
		req.Header.Set("If-None-Match", etag)
		rec = httptest.NewRecorder()
		s.Handler().ServeHTTP(rec, req)
		assert.Equal(t, http.StatusNotModified, rec.Code)
		assert.Empty(t, rec.Body.String())

		// A stale or malformed validator still gets the full document.
		req = httptest.NewRequest("GET", "/api/files/markdown/guide.md", nil)
		req.Header.Set("If-None-Match", `"not-a-hash"`)
		rec = httptest.NewRecorder()
		s.Handler().ServeHTTP(rec, req)
		assert.Equal(t, http.StatusOK, rec.Code)
		assert.Equal(t, "# Guide", rec.Body.String())
	})

	t.Run("missing everywhere is a 404", func(t *testing.T) {
		s, _, _ := newTestServer(t, Config{})
		rec := doRequest(t, s, "GET", "/api/files/markdown/nope.md", nil)
		assert.Equal(t, http.StatusNotFound, rec.Code)
	})

	t.Run("branch query selects the namespace", func(t *testing.T) {
		s, cache, _ := newTestServer(t, Config{})

		rec := doRequest(t, s, "PUT", "/api/files/markdown/guide.md?branch=draft", []byte("draft content"))
		require.Equal(t, http.StatusOK, rec.Code)

		_, ok, err := cache.Load(t.Context(), cachedb.CollectionMarkdown, "draft::guide.md")
		require.NoError(t, err)
		assert.True(t, ok)
	})

	t.Run("traversal in the path is rejected", func(t *testing.T) {
		tests := []struct {
			path string
			ok   bool
		}{
			{"guide.md", true},
			{"sub/dir/guide.md", true},
			{"", false},
			{"/abs.md", false},
			{"../escape.md", false},
			{"sub/../../escape.md", false},
		}
		for _, tt := range tests {
			_, ok := cleanPath(tt.path)
			assert.Equal(t, tt.ok, ok, tt.path)
		}
	})

	t.Run("unknown collection is a 400", func(t *testing.T) {
		s, _, _ := newTestServer(t, Config{})
		rec := doRequest(t, s, "PUT", "/api/files/secrets/guide.md", []byte("x"))
		assert.Equal(t, http.StatusBadRequest, rec.Code)
	})

	t.Run("delete removes the document", func(t *testing.T) {
		s, cache, _ := newTestServer(t, Config{})

		rec := doRequest(t, s, "PUT", "/api/files/markdown/guide.md", []byte("# Guide"))
		require.Equal(t, http.StatusOK, rec.Code)

		rec = doRequest(t, s, "DELETE", "/api/files/markdown/guide.md", nil)
		assert.Equal(t, http.StatusNoContent, rec.Code)

		ok, err := cache.Exists(t.Context(), cachedb.CollectionMarkdown, "main::guide.md")
		require.NoError(t, err)
		assert.False(t, ok)
	})
}

func TestListKeys(t *testing.T) {
	s, _, _ := newTestServer(t, Config{})

	for _, p := range []string{"a.md", "b.md"} {
		rec := doRequest(t, s, "PUT", "/api/files/markdown/"+p, []byte("x"))
		require.Equal(t, http.StatusOK, rec.Code)
	}

	rec := doRequest(t, s, "GET", "/api/keys/markdown", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"keys":["main::a.md","main::b.md"]}`, rec.Body.String())
}

func TestCommitEndpoint(t *testing.T) {
	t.Run("commits cached documents", func(t *testing.T) {
		s, _, _ := newTestServer(t, Config{})

		rec := doRequest(t, s, "PUT", "/api/files/markdown/guide.md", []byte("# Guide"))
		require.Equal(t, http.StatusOK, rec.Code)

		body, _ := json.Marshal(commitRequest{
			Message:    "docs: update guide",
			Collection: "markdown",
			Paths:      []string{"guide.md"},
		})
		rec = doRequest(t, s, "POST", "/api/commit", body)
		require.Equal(t, http.StatusOK, rec.Code)
		assert.Contains(t, rec.Body.String(), "new-commit")
	})

	t.Run("missing documents produce a 409 listing them", func(t *testing.T) {
		s, _, api := newTestServer(t, Config{})

		body, _ := json.Marshal(commitRequest{
			Message:    "msg",
			Collection: "markdown",
			Paths:      []string{"absent.md"},
		})
		rec := doRequest(t, s, "POST", "/api/commit", body)
		require.Equal(t, http.StatusConflict, rec.Code)
		assert.Contains(t, rec.Body.String(), "absent.md")
		assert.Zero(t, api.callCount())
	})

	t.Run("invalid JSON is a 400", func(t *testing.T) {
		s, _, _ := newTestServer(t, Config{})
		rec := doRequest(t, s, "POST", "/api/commit", []byte("{nope"))
		assert.Equal(t, http.StatusBadRequest, rec.Code)
	})
}

func TestStageEndpoint(t *testing.T) {
	s, cache, api := newTestServer(t, Config{})
	api.files["guide.md"] = []byte("remote content")

	body, _ := json.Marshal(stageRequest{
		Collection:   "markdown",
		Paths:        []string{"guide.md"},
		SourceBranch: "main",
		TargetBranch: "draft",
	})
	rec := doRequest(t, s, "POST", "/api/stage", body)
	require.Equal(t, http.StatusOK, rec.Code)

	got, ok, err := cache.Load(t.Context(), cachedb.CollectionMarkdown, "draft::guide.md")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, []byte("remote content"), got)
}

func TestPullRequestEndpoint(t *testing.T) {
	s, _, _ := newTestServer(t, Config{})

	rec := doRequest(t, s, "PUT", "/api/files/markdown/guide.md", []byte("# Guide"))
	require.Equal(t, http.StatusOK, rec.Code)

	body, _ := json.Marshal(pullRequestRequest{
		Title:        "Update guide",
		Message:      "docs: update guide",
		Collection:   "markdown",
		Paths:        []string{"guide.md"},
		SourceBranch: "main",
		TargetBranch: "docs/update",
	})
	rec = doRequest(t, s, "POST", "/api/pull-request", body)
	require.Equal(t, http.StatusCreated, rec.Code)

	var pr github.PullRequest
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &pr))
	assert.Equal(t, 3, pr.Number)
}

func TestBranchesEndpoint(t *testing.T) {
	s, _, api := newTestServer(t, Config{})
	api.branches = append(api.branches, "draft")

	rec := doRequest(t, s, "GET", "/api/branches", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	var resp struct {
		Branches []string `json:"branches"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, []string{"main", "draft"}, resp.Branches)
}

func TestSessionEndpoint(t *testing.T) {
	s, _, _ := newTestServer(t, Config{})

	rec := doRequest(t, s, "GET", "/api/session", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, fmt.Sprintf(`{"owner":%q,"repository":%q,"branch":%q,"cache_repo":%q}`,
		"acme", "docs", "main", "acme/docs"), rec.Body.String())
}
