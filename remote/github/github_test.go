package github

import (
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
)

const testToken = "test-token"

// fakeBranch is a branch tip in the fake API.
type fakeBranch struct {
	commitSHA  string
	treeSHA    string
	parentSHAs []string
}

// fakeGitHub is an in-memory GitHub API for exercising the client. It
// records every call so tests can assert protocol ordering.
type fakeGitHub struct {
	t *testing.T

	mu                sync.Mutex
	calls             []string
	defaultBranch     string
	branches          map[string]fakeBranch
	commitTrees       map[string]string            // commit sha -> tree sha
	files             map[string]map[string][]byte // branch -> path -> content
	failTrees         bool
	seq               int
	lastTreeRequest   treeRequest
	lastCommitRequest commitRequest

	srv *httptest.Server
}

func newFakeGitHub(t *testing.T) *fakeGitHub {
	t.Helper()

	f := &fakeGitHub{
		t:             t,
		defaultBranch: "main",
		branches: map[string]fakeBranch{
			"main": {commitSHA: "abc123", treeSHA: "tree-main"},
		},
		commitTrees: map[string]string{"abc123": "tree-main"},
		files:       map[string]map[string][]byte{},
	}

	mux := http.NewServeMux()
	mux.HandleFunc("GET /repos/{owner}/{repo}", f.handleRepo)
	mux.HandleFunc("GET /repos/{owner}/{repo}/branches", f.handleListBranches)
	mux.HandleFunc("GET /repos/{owner}/{repo}/branches/{branch}", f.handleBranch)
	mux.HandleFunc("POST /repos/{owner}/{repo}/git/refs", f.handleCreateRef)
	mux.HandleFunc("PATCH /repos/{owner}/{repo}/git/refs/heads/{branch}", f.handleUpdateRef)
	mux.HandleFunc("POST /repos/{owner}/{repo}/git/trees", f.handleCreateTree)
	mux.HandleFunc("POST /repos/{owner}/{repo}/git/commits", f.handleCreateCommit)
	mux.HandleFunc("GET /repos/{owner}/{repo}/contents/{path...}", f.handleContents)
	mux.HandleFunc("POST /repos/{owner}/{repo}/pulls", f.handleCreatePull)

	f.srv = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		f.record(r)
		if r.Header.Get("Authorization") != "Bearer "+testToken {
			w.WriteHeader(http.StatusUnauthorized)
			_, _ = w.Write([]byte(`{"message":"Bad credentials"}`))
			return
		}
		mux.ServeHTTP(w, r)
	}))
	t.Cleanup(f.srv.Close)
	return f
}

func (f *fakeGitHub) record(r *http.Request) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, r.Method+" "+r.URL.Path)
}

// Calls returns the recorded "METHOD /path" list.
func (f *fakeGitHub) Calls() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.calls...)
}

func (f *fakeGitHub) nextSHA(prefix string) string {
	f.seq++
	return fmt.Sprintf("%s-%d", prefix, f.seq)
}

func notFound(w http.ResponseWriter) {
	w.WriteHeader(http.StatusNotFound)
	_, _ = w.Write([]byte(`{"message":"Not Found"}`))
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func branchJSON(name string, b fakeBranch) map[string]any {
	parents := make([]map[string]string, 0, len(b.parentSHAs))
	for _, p := range b.parentSHAs {
		parents = append(parents, map[string]string{"sha": p})
	}
	return map[string]any{
		"name": name,
		"commit": map[string]any{
			"sha": b.commitSHA,
			"commit": map[string]any{
				"tree": map[string]string{"sha": b.treeSHA},
			},
			"parents": parents,
		},
	}
}

func (f *fakeGitHub) handleRepo(w http.ResponseWriter, r *http.Request) {
	f.mu.Lock()
	defer f.mu.Unlock()
	writeJSON(w, http.StatusOK, map[string]string{"default_branch": f.defaultBranch})
}

func (f *fakeGitHub) handleListBranches(w http.ResponseWriter, r *http.Request) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []map[string]any
	for name, b := range f.branches {
		out = append(out, branchJSON(name, b))
	}
	writeJSON(w, http.StatusOK, out)
}

func (f *fakeGitHub) handleBranch(w http.ResponseWriter, r *http.Request) {
	f.mu.Lock()
	defer f.mu.Unlock()
	name := r.PathValue("branch")
	b, ok := f.branches[name]
	if !ok {
		notFound(w)
		return
	}
	writeJSON(w, http.StatusOK, branchJSON(name, b))
}

func (f *fakeGitHub) handleCreateRef(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Ref string `json:"ref"`
		SHA string `json:"sha"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeJSON(w, http.StatusUnprocessableEntity, map[string]string{"message": err.Error()})
		return
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	name := strings.TrimPrefix(body.Ref, "refs/heads/")
	tree, ok := f.commitTrees[body.SHA]
	if !ok {
		writeJSON(w, http.StatusUnprocessableEntity, map[string]string{"message": "Object does not exist"})
		return
	}
	f.branches[name] = fakeBranch{commitSHA: body.SHA, treeSHA: tree}
	writeJSON(w, http.StatusCreated, map[string]any{"ref": body.Ref, "object": map[string]string{"sha": body.SHA}})
}

func (f *fakeGitHub) handleUpdateRef(w http.ResponseWriter, r *http.Request) {
	var body struct {
		SHA string `json:"sha"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeJSON(w, http.StatusUnprocessableEntity, map[string]string{"message": err.Error()})
		return
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	name := r.PathValue("branch")
	b, ok := f.branches[name]
	if !ok {
		writeJSON(w, http.StatusUnprocessableEntity, map[string]string{"message": "Reference does not exist"})
		return
	}
	tree, ok := f.commitTrees[body.SHA]
	if !ok {
		writeJSON(w, http.StatusUnprocessableEntity, map[string]string{"message": "Object does not exist"})
		return
	}
	f.branches[name] = fakeBranch{commitSHA: body.SHA, treeSHA: tree, parentSHAs: []string{b.commitSHA}}
	writeJSON(w, http.StatusOK, map[string]any{"object": map[string]string{"sha": body.SHA}})
}

func (f *fakeGitHub) handleCreateTree(w http.ResponseWriter, r *http.Request) {
	f.mu.Lock()
	failTrees := f.failTrees
	f.mu.Unlock()
	if failTrees {
		writeJSON(w, http.StatusInternalServerError, map[string]string{"message": "tree storage unavailable"})
		return
	}

	var body struct {
		BaseTree string `json:"base_tree"`
		Tree     []struct {
			Path    string `json:"path"`
			Mode    string `json:"mode"`
			Type    string `json:"type"`
			Content string `json:"content"`
		} `json:"tree"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeJSON(w, http.StatusUnprocessableEntity, map[string]string{"message": err.Error()})
		return
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	f.lastTreeRequest = treeRequest{baseTree: body.BaseTree}
	for _, e := range body.Tree {
		f.lastTreeRequest.entries = append(f.lastTreeRequest.entries, treeRequestEntry{
			path: e.Path, mode: e.Mode, typ: e.Type, content: e.Content,
		})
	}
	writeJSON(w, http.StatusCreated, map[string]string{"sha": f.nextSHA("tree")})
}

func (f *fakeGitHub) handleCreateCommit(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Message string   `json:"message"`
		Tree    string   `json:"tree"`
		Parents []string `json:"parents"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeJSON(w, http.StatusUnprocessableEntity, map[string]string{"message": err.Error()})
		return
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	sha := f.nextSHA("commit")
	f.commitTrees[sha] = body.Tree
	f.lastCommitRequest = commitRequest{message: body.Message, tree: body.Tree, parents: body.Parents}
	writeJSON(w, http.StatusCreated, map[string]string{"sha": sha})
}

func (f *fakeGitHub) handleContents(w http.ResponseWriter, r *http.Request) {
	f.mu.Lock()
	defer f.mu.Unlock()
	branch := r.URL.Query().Get("ref")
	path := r.PathValue("path")
	content, ok := f.files[branch][path]
	if !ok {
		notFound(w)
		return
	}
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(content)
}

func (f *fakeGitHub) handleCreatePull(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Title string `json:"title"`
		Head  string `json:"head"`
		Base  string `json:"base"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeJSON(w, http.StatusUnprocessableEntity, map[string]string{"message": err.Error()})
		return
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.branches[body.Head]; !ok {
		writeJSON(w, http.StatusUnprocessableEntity, map[string]string{"message": "head branch does not exist"})
		return
	}
	writeJSON(w, http.StatusCreated, map[string]any{
		"number":   42,
		"html_url": fmt.Sprintf("https://github.com/acme/docs/pull/%d", 42),
	})
}

// treeRequest captures the last tree-create request body.
type treeRequest struct {
	baseTree string
	entries  []treeRequestEntry
}

type treeRequestEntry struct {
	path, mode, typ, content string
}

// commitRequest captures the last commit-create request body.
type commitRequest struct {
	message string
	tree    string
	parents []string
}

// newTestClient returns a client pointed at the fake with a ready session.
func newTestClient(t *testing.T, f *fakeGitHub) *Client {
	t.Helper()
	c := NewClient(WithBaseURL(f.srv.URL))
	c.SetSession(Session{
		Owner:      "acme",
		Repository: "docs",
		Branch:     "main",
		Token:      testToken,
	})
	return c
}
