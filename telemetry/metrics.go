package telemetry

import (
	"context"
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlpmetric/otlpmetricgrpc"
	promexporter "go.opentelemetry.io/otel/exporters/prometheus"
	"go.opentelemetry.io/otel/metric"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"
	"go.opentelemetry.io/otel/sdk/resource"
	semconv "go.opentelemetry.io/otel/semconv/v1.39.0"
)

const (
	meterName = "github.com/wolfeidau/doc-sync"
)

// MetricsConfig configures the metrics system.
type MetricsConfig struct {
	// ServiceName is the name of the service for resource attributes.
	ServiceName string

	// ServiceVersion is the version of the service.
	ServiceVersion string

	// OTLPEndpoint is the OTLP gRPC endpoint (e.g., "localhost:4317").
	// If empty, OTLP export is disabled.
	OTLPEndpoint string

	// EnablePrometheus enables the Prometheus /metrics endpoint.
	EnablePrometheus bool

	// FlushInterval is how often to export metrics (default: 10s).
	FlushInterval time.Duration
}

// Metrics holds the OpenTelemetry metric instruments.
type Metrics struct {
	requestsTotal      metric.Int64Counter
	requestDuration    metric.Float64Histogram
	responseBytesTotal metric.Int64Counter

	cacheOpsTotal  metric.Int64Counter
	cacheOpSeconds metric.Float64Histogram
	cacheValueSize metric.Float64Histogram

	remoteCallsTotal   metric.Int64Counter
	remoteCallDuration metric.Float64Histogram
	remoteBytesTotal   metric.Int64Counter

	commitsTotal         metric.Int64Counter
	committedFilesTotal  metric.Int64Counter
	stagedFilesTotal     metric.Int64Counter
	workflowAbortedTotal metric.Int64Counter

	meterProvider *sdkmetric.MeterProvider
	promHandler   http.Handler
}

var (
	globalMetrics *Metrics
	initOnce      sync.Once
	initErr       error
)

// InitMetrics initializes the OpenTelemetry metrics system.
// Returns a shutdown function that should be called on application exit.
// Uses sync.Once to ensure single initialisation.
func InitMetrics(ctx context.Context, cfg MetricsConfig) (shutdown func(context.Context) error, err error) {
	initOnce.Do(func() {
		initErr = doInitMetrics(ctx, cfg)
	})

	if initErr != nil {
		return nil, initErr
	}

	return shutdownMetrics, nil
}

func doInitMetrics(ctx context.Context, cfg MetricsConfig) error {
	if cfg.ServiceName == "" {
		cfg.ServiceName = "doc-sync"
	}
	if cfg.FlushInterval == 0 {
		cfg.FlushInterval = 10 * time.Second
	}

	res, err := resource.Merge(
		resource.Default(),
		resource.NewWithAttributes(
			semconv.SchemaURL,
			semconv.ServiceName(cfg.ServiceName),
			semconv.ServiceVersion(cfg.ServiceVersion),
		),
	)
	if err != nil {
		return err
	}

	var readers []sdkmetric.Reader
	var promHandler http.Handler

	if cfg.OTLPEndpoint != "" {
		otlpExporter, err := otlpmetricgrpc.New(ctx,
			otlpmetricgrpc.WithEndpoint(cfg.OTLPEndpoint),
			otlpmetricgrpc.WithInsecure(),
		)
		if err != nil {
			return err
		}
		readers = append(readers, sdkmetric.NewPeriodicReader(otlpExporter,
			sdkmetric.WithInterval(cfg.FlushInterval),
		))
	}

	if cfg.EnablePrometheus {
		promExp, err := promexporter.New()
		if err != nil {
			return err
		}
		readers = append(readers, promExp)
		promHandler = promhttp.Handler()
	}

	// With no exporters configured, collect into a no-op reader so the
	// instruments still work.
	if len(readers) == 0 {
		readers = append(readers, sdkmetric.NewPeriodicReader(noopExporter{},
			sdkmetric.WithInterval(cfg.FlushInterval),
		))
	}

	opts := []sdkmetric.Option{sdkmetric.WithResource(res)}
	for _, r := range readers {
		opts = append(opts, sdkmetric.WithReader(r))
	}

	mp := sdkmetric.NewMeterProvider(opts...)
	otel.SetMeterProvider(mp)

	meter := mp.Meter(meterName)

	requestsTotal, err := meter.Int64Counter(
		"doc_sync_http_requests_total",
		metric.WithDescription("Total number of HTTP requests"),
		metric.WithUnit("{request}"),
	)
	if err != nil {
		return err
	}

	requestDuration, err := meter.Float64Histogram(
		"doc_sync_http_request_duration_seconds",
		metric.WithDescription("HTTP request duration in seconds"),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10),
	)
	if err != nil {
		return err
	}

	responseBytesTotal, err := meter.Int64Counter(
		"doc_sync_http_response_bytes_total",
		metric.WithDescription("Total bytes sent in HTTP responses"),
		metric.WithUnit("By"),
	)
	if err != nil {
		return err
	}

	cacheOpsTotal, err := meter.Int64Counter(
		"doc_sync_cache_ops_total",
		metric.WithDescription("Total cache operations"),
		metric.WithUnit("{operation}"),
	)
	if err != nil {
		return err
	}

	cacheOpSeconds, err := meter.Float64Histogram(
		"doc_sync_cache_op_duration_seconds",
		metric.WithDescription("Duration of cache operations"),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(0.0001, 0.0005, 0.001, 0.0025, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1),
	)
	if err != nil {
		return err
	}

	cacheValueSize, err := meter.Float64Histogram(
		"doc_sync_cache_value_size_bytes",
		metric.WithDescription("Size of values written to the cache"),
		metric.WithUnit("By"),
		metric.WithExplicitBucketBoundaries(128, 512, 1024, 4096, 16384, 65536, 262144, 1048576, 4194304, 10485760),
	)
	if err != nil {
		return err
	}

	remoteCallsTotal, err := meter.Int64Counter(
		"doc_sync_remote_calls_total",
		metric.WithDescription("Total GitHub API calls"),
		metric.WithUnit("{request}"),
	)
	if err != nil {
		return err
	}

	remoteCallDuration, err := meter.Float64Histogram(
		"doc_sync_remote_call_duration_seconds",
		metric.WithDescription("Duration of GitHub API calls"),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 20, 40, 60),
	)
	if err != nil {
		return err
	}

	remoteBytesTotal, err := meter.Int64Counter(
		"doc_sync_remote_bytes_total",
		metric.WithDescription("Total bytes read from GitHub API responses"),
		metric.WithUnit("By"),
	)
	if err != nil {
		return err
	}

	commitsTotal, err := meter.Int64Counter(
		"doc_sync_commits_total",
		metric.WithDescription("Total commit workflows"),
		metric.WithUnit("{commit}"),
	)
	if err != nil {
		return err
	}

	committedFilesTotal, err := meter.Int64Counter(
		"doc_sync_committed_files_total",
		metric.WithDescription("Total files included in commits"),
		metric.WithUnit("{file}"),
	)
	if err != nil {
		return err
	}

	stagedFilesTotal, err := meter.Int64Counter(
		"doc_sync_staged_files_total",
		metric.WithDescription("Total files staged into branch namespaces"),
		metric.WithUnit("{file}"),
	)
	if err != nil {
		return err
	}

	workflowAbortedTotal, err := meter.Int64Counter(
		"doc_sync_workflow_aborted_total",
		metric.WithDescription("Total workflows aborted before any remote mutation"),
		metric.WithUnit("{workflow}"),
	)
	if err != nil {
		return err
	}

	globalMetrics = &Metrics{
		requestsTotal:        requestsTotal,
		requestDuration:      requestDuration,
		responseBytesTotal:   responseBytesTotal,
		cacheOpsTotal:        cacheOpsTotal,
		cacheOpSeconds:       cacheOpSeconds,
		cacheValueSize:       cacheValueSize,
		remoteCallsTotal:     remoteCallsTotal,
		remoteCallDuration:   remoteCallDuration,
		remoteBytesTotal:     remoteBytesTotal,
		commitsTotal:         commitsTotal,
		committedFilesTotal:  committedFilesTotal,
		stagedFilesTotal:     stagedFilesTotal,
		workflowAbortedTotal: workflowAbortedTotal,
		meterProvider:        mp,
		promHandler:          promHandler,
	}

	return nil
}

// shutdownMetrics shuts down the metrics provider and clears the global state.
func shutdownMetrics(ctx context.Context) error {
	if globalMetrics == nil {
		return nil
	}
	err := globalMetrics.meterProvider.Shutdown(ctx)
	globalMetrics = nil
	return err
}

// RecordHTTP records HTTP request metrics.
// Call this from the logging middleware after the request completes.
func RecordHTTP(ctx context.Context, r *http.Request, status int, bytesSent int64, duration time.Duration) {
	if globalMetrics == nil {
		return
	}

	tags := GetTags(r)

	endpoint := ""
	cacheResult := string(CacheBypass)
	if tags != nil {
		endpoint = tags.Endpoint
		if tags.CacheResult != "" {
			cacheResult = string(tags.CacheResult)
		}
	}

	attrs := []attribute.KeyValue{
		attribute.String("endpoint", endpoint),
		attribute.String("status_class", StatusClass(status)),
		attribute.String("cache_result", cacheResult),
	}
	globalMetrics.requestsTotal.Add(ctx, 1, metric.WithAttributes(attrs...))
	globalMetrics.responseBytesTotal.Add(ctx, bytesSent, metric.WithAttributes(attrs...))
	globalMetrics.requestDuration.Record(ctx, duration.Seconds(), metric.WithAttributes(attrs...))
}

// RecordCacheOp records one cache operation against a collection.
func RecordCacheOp(ctx context.Context, collection, op, outcome string, duration time.Duration, bytes int64) {
	if globalMetrics == nil {
		return
	}

	attrs := []attribute.KeyValue{
		attribute.String("collection", collection),
		attribute.String("op", op),
		attribute.String("outcome", outcome),
	}
	globalMetrics.cacheOpsTotal.Add(ctx, 1, metric.WithAttributes(attrs...))
	globalMetrics.cacheOpSeconds.Record(ctx, duration.Seconds(), metric.WithAttributes(attrs...))
	if op == "save" && bytes > 0 {
		globalMetrics.cacheValueSize.Record(ctx, float64(bytes), metric.WithAttributes(attrs...))
	}
}

// RecordRemoteCall records one GitHub API round trip.
func RecordRemoteCall(ctx context.Context, method, outcome string, duration time.Duration, bytesRead int64) {
	if globalMetrics == nil {
		return
	}

	attrs := []attribute.KeyValue{
		attribute.String("method", method),
		attribute.String("outcome", outcome),
	}
	globalMetrics.remoteCallsTotal.Add(ctx, 1, metric.WithAttributes(attrs...))
	globalMetrics.remoteCallDuration.Record(ctx, duration.Seconds(), metric.WithAttributes(attrs...))
	if bytesRead > 0 {
		globalMetrics.remoteBytesTotal.Add(ctx, bytesRead, metric.WithAttributes(attrs...))
	}
}

// RecordCommit records a completed commit workflow and its file count.
func RecordCommit(ctx context.Context, branch string, files int) {
	if globalMetrics == nil {
		return
	}

	attrs := metric.WithAttributes(attribute.String("branch", branch))
	globalMetrics.commitsTotal.Add(ctx, 1, attrs)
	globalMetrics.committedFilesTotal.Add(ctx, int64(files), attrs)
}

// RecordStagedFiles records files staged into a branch namespace, split
// by where each file was resolved from.
func RecordStagedFiles(ctx context.Context, source string, files int) {
	if globalMetrics == nil || files == 0 {
		return
	}

	globalMetrics.stagedFilesTotal.Add(ctx, int64(files),
		metric.WithAttributes(attribute.String("source", source)))
}

// RecordWorkflowAbort records a workflow aborted on missing documents.
func RecordWorkflowAbort(ctx context.Context, workflow string, missing int) {
	if globalMetrics == nil {
		return
	}

	globalMetrics.workflowAbortedTotal.Add(ctx, 1, metric.WithAttributes(
		attribute.String("workflow", workflow),
		attribute.Int("missing", missing),
	))
}

// PrometheusHandler returns the Prometheus metrics HTTP handler.
// Returns a handler that returns 404 if Prometheus export is not enabled,
// allowing safe registration regardless of initialization order.
func PrometheusHandler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if globalMetrics == nil || globalMetrics.promHandler == nil {
			http.NotFound(w, r)
			return
		}
		globalMetrics.promHandler.ServeHTTP(w, r)
	})
}

// StatusClass returns the HTTP status class (2xx, 3xx, 4xx, 5xx).
func StatusClass(status int) string {
	switch {
	case status >= 200 && status < 300:
		return "2xx"
	case status >= 300 && status < 400:
		return "3xx"
	case status >= 400 && status < 500:
		return "4xx"
	case status >= 500:
		return "5xx"
	default:
		return "unknown"
	}
}

// noopExporter is a no-op metrics exporter for when no exporters are configured.
type noopExporter struct{}

func (noopExporter) Temporality(_ sdkmetric.InstrumentKind) metricdata.Temporality {
	return metricdata.CumulativeTemporality
}

func (noopExporter) Aggregation(_ sdkmetric.InstrumentKind) sdkmetric.Aggregation {
	return nil
}

func (noopExporter) Export(_ context.Context, _ *metricdata.ResourceMetrics) error {
	return nil
}

func (noopExporter) ForceFlush(_ context.Context) error {
	return nil
}

func (noopExporter) Shutdown(_ context.Context) error {
	return nil
}
