package telemetry

import (
	"context"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestStatusClass(t *testing.T) {
	tests := []struct {
		status int
		want   string
	}{
		{200, "2xx"},
		{201, "2xx"},
		{301, "3xx"},
		{404, "4xx"},
		{422, "4xx"},
		{500, "5xx"},
		{502, "5xx"},
		{100, "unknown"},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, StatusClass(tt.status))
	}
}

func TestRecordersSafeBeforeInit(t *testing.T) {
	ctx := context.Background()
	r := InjectTags(httptest.NewRequest("POST", "/api/commit", nil))

	// Recording before InitMetrics is a no-op, not a panic.
	RecordHTTP(ctx, r, 200, 128, 5*time.Millisecond)
	RecordCacheOp(ctx, "markdown", "save", "success", time.Millisecond, 1024)
	RecordRemoteCall(ctx, "POST", "success", 50*time.Millisecond, 2048)
	RecordCommit(ctx, "main", 3)
	RecordStagedFiles(ctx, "remote", 2)
	RecordWorkflowAbort(ctx, "commit_from_cache", 1)
}

func TestPrometheusHandlerBeforeInit(t *testing.T) {
	rec := httptest.NewRecorder()
	PrometheusHandler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))
	assert.Equal(t, 404, rec.Code)
}
