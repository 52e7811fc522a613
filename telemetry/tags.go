// Package telemetry provides request tagging and metrics for the
// editing server, the cache, and the GitHub API client.
package telemetry

import (
	"context"
	"net/http"
)

type contextKey string

const (
	// requestTagsKey is the context key for the request tags holder.
	requestTagsKey contextKey = "request_tags"
)

// CacheResult represents the outcome of a cache lookup during a request.
type CacheResult string

const (
	CacheHit    CacheResult = "hit"
	CacheMiss   CacheResult = "miss"
	CacheBypass CacheResult = "bypass"
)

// RequestTags holds mutable request metadata that handlers set for
// logging and metrics.
type RequestTags struct {
	Endpoint    string
	Workflow    string
	CacheResult CacheResult
}

// InjectTags returns a request carrying an empty RequestTags.
// Call this in middleware before handlers run.
func InjectTags(r *http.Request) *http.Request {
	tags := &RequestTags{CacheResult: CacheBypass}
	return r.WithContext(context.WithValue(r.Context(), requestTagsKey, tags))
}

// GetTags retrieves the request tags from context. Returns nil outside
// a tagged request.
func GetTags(r *http.Request) *RequestTags {
	if tags, ok := r.Context().Value(requestTagsKey).(*RequestTags); ok {
		return tags
	}
	return nil
}

// SetEndpoint sets the endpoint tag for logging and metrics.
func SetEndpoint(r *http.Request, endpoint string) {
	if tags := GetTags(r); tags != nil {
		tags.Endpoint = endpoint
	}
}

// SetWorkflow tags the request with the sync workflow it triggered.
func SetWorkflow(r *http.Request, workflow string) {
	if tags := GetTags(r); tags != nil {
		tags.Workflow = workflow
	}
}

// SetCacheResult sets the cache lookup outcome for the request.
func SetCacheResult(r *http.Request, result CacheResult) {
	if tags := GetTags(r); tags != nil {
		tags.CacheResult = result
	}
}
