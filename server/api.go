package server

import (
	"bytes"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strings"

	docsync "github.com/wolfeidau/doc-sync"
	"github.com/wolfeidau/doc-sync/remote/github"
	"github.com/wolfeidau/doc-sync/store/cachedb"
	"github.com/wolfeidau/doc-sync/syncer"
	"github.com/wolfeidau/doc-sync/telemetry"
)

// maxRequestBody caps JSON request bodies and uploaded file content.
const maxRequestBody = cachedb.MaxValueSize

func (s *Server) handleSession(w http.ResponseWriter, r *http.Request) {
	telemetry.SetEndpoint(r, "session")

	sess := s.remote.Session()

	writeJSON(w, http.StatusOK, map[string]any{
		"owner":      sess.Owner,
		"repository": sess.Repository,
		"branch":     sess.Branch,
		"cache_repo": s.cache.Repository(),
	})
}

func (s *Server) handleBranches(w http.ResponseWriter, r *http.Request) {
	telemetry.SetEndpoint(r, "branches")

	branches, err := s.remote.ListBranches(r.Context())
	if err != nil {
		s.writeError(w, r, err)
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{"branches": branches})
}

// handleGetFile serves a document from the cache, falling back to the
// remote branch on a miss. Remote content is cached before returning.
func (s *Server) handleGetFile(w http.ResponseWriter, r *http.Request) {
	telemetry.SetEndpoint(r, "files")

	collection := r.PathValue("collection")
	path, ok := cleanPath(r.PathValue("path"))
	if !ok {
		s.writeStatus(w, http.StatusBadRequest, "invalid path")
		return
	}

	branch := s.branchParam(r)
	key := syncer.BranchKey(branch, path)

	value, found, err := s.cache.Load(r.Context(), collection, key)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	if found {
		telemetry.SetCacheResult(r, telemetry.CacheHit)
		s.serveDocument(w, r, value)
		return
	}

	telemetry.SetCacheResult(r, telemetry.CacheMiss)
	value, err = s.remote.FetchFile(r.Context(), path, branch)
	if err != nil {
		s.writeError(w, r, err)
		return
	}

	if err := s.cache.Save(r.Context(), collection, key, value); err != nil {
		s.writeError(w, r, err)
		return
	}

	s.serveDocument(w, r, value)
}

// serveDocument writes document content with its BLAKE3 digest as a strong
// ETag, answering 304 when the client already holds the current revision.
func (s *Server) serveDocument(w http.ResponseWriter, r *http.Request, value []byte) {
	hash := docsync.HashBytes(value)
	w.Header().Set("ETag", etagFor(hash))

	if clientHolds(r, hash) {
		w.WriteHeader(http.StatusNotModified)
		return
	}

	w.Header().Set("Content-Type", "application/octet-stream")
	_, _ = w.Write(value)
}

func etagFor(hash docsync.Hash) string {
	return `"` + hash.String() + `"`
}

// clientHolds reports whether If-None-Match names the given content hash.
func clientHolds(r *http.Request, hash docsync.Hash) bool {
	claimed, err := docsync.ParseHash(strings.Trim(r.Header.Get("If-None-Match"), `"`))
	if err != nil || claimed.IsZero() {
		return false
	}
	return claimed == hash
}

func (s *Server) handlePutFile(w http.ResponseWriter, r *http.Request) {
	telemetry.SetEndpoint(r, "files")

	collection := r.PathValue("collection")
	path, ok := cleanPath(r.PathValue("path"))
	if !ok {
		s.writeStatus(w, http.StatusBadRequest, "invalid path")
		return
	}

	var body bytes.Buffer
	hash, n, err := docsync.HashReader(io.TeeReader(io.LimitReader(r.Body, maxRequestBody+1), &body))
	if err != nil {
		s.writeStatus(w, http.StatusBadRequest, "reading body")
		return
	}
	if n > maxRequestBody {
		s.writeStatus(w, http.StatusRequestEntityTooLarge, "document too large")
		return
	}

	key := syncer.BranchKey(s.branchParam(r), path)
	if err := s.cache.Save(r.Context(), collection, key, body.Bytes()); err != nil {
		s.writeError(w, r, err)
		return
	}

	w.Header().Set("ETag", etagFor(hash))
	writeJSON(w, http.StatusOK, map[string]string{"key": key})
}

func (s *Server) handleDeleteFile(w http.ResponseWriter, r *http.Request) {
	telemetry.SetEndpoint(r, "files")

	collection := r.PathValue("collection")
	path, ok := cleanPath(r.PathValue("path"))
	if !ok {
		s.writeStatus(w, http.StatusBadRequest, "invalid path")
		return
	}

	key := syncer.BranchKey(s.branchParam(r), path)
	if err := s.cache.Delete(r.Context(), collection, key); err != nil {
		s.writeError(w, r, err)
		return
	}

	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleListKeys(w http.ResponseWriter, r *http.Request) {
	telemetry.SetEndpoint(r, "keys")

	collection := r.PathValue("collection")
	keys, err := s.cache.ListKeys(r.Context(), collection)
	if err != nil {
		s.writeError(w, r, err)
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{"keys": keys})
}

type commitRequest struct {
	Message    string   `json:"message"`
	Collection string   `json:"collection"`
	Paths      []string `json:"paths"`
}

func (s *Server) handleCommit(w http.ResponseWriter, r *http.Request) {
	telemetry.SetEndpoint(r, "commit")
	telemetry.SetWorkflow(r, "commit_from_cache")

	var req commitRequest
	if !s.decodeJSON(w, r, &req) {
		return
	}

	result, err := s.coordinator.CommitFromCache(r.Context(), req.Message, req.Collection, req.Paths)
	if err != nil {
		s.writeError(w, r, err)
		return
	}

	writeJSON(w, http.StatusOK, result)
}

type stageRequest struct {
	Collection   string   `json:"collection"`
	Paths        []string `json:"paths"`
	SourceBranch string   `json:"source_branch"`
	TargetBranch string   `json:"target_branch"`
}

func (s *Server) handleStage(w http.ResponseWriter, r *http.Request) {
	telemetry.SetEndpoint(r, "stage")
	telemetry.SetWorkflow(r, "stage_files")

	var req stageRequest
	if !s.decodeJSON(w, r, &req) {
		return
	}

	err := s.coordinator.StageFilesForBranch(r.Context(), req.Collection, req.Paths,
		req.SourceBranch, req.TargetBranch)
	if err != nil {
		s.writeError(w, r, err)
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"staged": len(req.Paths),
		"branch": req.TargetBranch,
	})
}

type pullRequestRequest struct {
	Title        string   `json:"title"`
	Message      string   `json:"message"`
	Collection   string   `json:"collection"`
	Paths        []string `json:"paths"`
	SourceBranch string   `json:"source_branch"`
	TargetBranch string   `json:"target_branch"`
}

func (s *Server) handlePullRequest(w http.ResponseWriter, r *http.Request) {
	telemetry.SetEndpoint(r, "pull_request")
	telemetry.SetWorkflow(r, "stage_and_open_pr")

	var req pullRequestRequest
	if !s.decodeJSON(w, r, &req) {
		return
	}

	pr, err := s.coordinator.StageAndOpenPullRequest(r.Context(), req.Title, req.Message,
		req.Collection, req.Paths, req.SourceBranch, req.TargetBranch)
	if err != nil {
		s.writeError(w, r, err)
		return
	}

	writeJSON(w, http.StatusCreated, pr)
}

func (s *Server) decodeJSON(w http.ResponseWriter, r *http.Request, v any) bool {
	dec := json.NewDecoder(io.LimitReader(r.Body, maxRequestBody))
	if err := dec.Decode(v); err != nil {
		s.writeStatus(w, http.StatusBadRequest, "invalid JSON body")
		return false
	}
	return true
}

// writeError maps domain errors onto HTTP status codes.
func (s *Server) writeError(w http.ResponseWriter, r *http.Request, err error) {
	var (
		missingErr    *syncer.MissingKeysError
		notReadyErr   *github.SessionNotReadyError
		collectionErr *cachedb.InvalidCollectionError
		requestErr    *github.RequestError
	)

	switch {
	case errors.As(err, &missingErr):
		writeJSON(w, http.StatusConflict, map[string]any{
			"error":      "documents missing from cache",
			"collection": missingErr.Collection,
			"missing":    missingErr.Keys,
		})
	case errors.As(err, &notReadyErr):
		writeJSON(w, http.StatusServiceUnavailable, map[string]any{
			"error":   "session not configured",
			"missing": notReadyErr.Missing,
		})
	case errors.As(err, &collectionErr):
		s.writeStatus(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, github.ErrFileNotFound):
		s.writeStatus(w, http.StatusNotFound, "file not found")
	case errors.Is(err, cachedb.ErrNotBound):
		s.writeStatus(w, http.StatusServiceUnavailable, "cache not bound to a repository")
	case errors.Is(err, cachedb.ErrValueTooLarge):
		s.writeStatus(w, http.StatusRequestEntityTooLarge, err.Error())
	case errors.As(err, &requestErr):
		// Surface the upstream status for 4xx, mask 5xx as bad gateway.
		status := http.StatusBadGateway
		if requestErr.Status >= 400 && requestErr.Status < 500 {
			status = requestErr.Status
		}
		s.writeStatus(w, status, requestErr.Message)
	default:
		s.logger.Error("request failed", "error", err, "path", r.URL.Path)
		s.writeStatus(w, http.StatusInternalServerError, "internal error")
	}
}

func (s *Server) writeStatus(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
