package instrumentation

import (
	"context"
	"errors"
	"net/http/httptest"
	"strings"
	"testing"

	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"
)

func newTestInstrumentation(t *testing.T) (*Instrumentation, *sdkmetric.ManualReader) {
	t.Helper()
	reader := sdkmetric.NewManualReader()
	inst, err := New(Config{Enabled: true, MetricReader: reader})
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	t.Cleanup(func() { _ = inst.Shutdown(context.Background()) })
	return inst, reader
}

func collect(t *testing.T, reader *sdkmetric.ManualReader) metricdata.ResourceMetrics {
	t.Helper()
	var rm metricdata.ResourceMetrics
	if err := reader.Collect(context.Background(), &rm); err != nil {
		t.Fatalf("Collect() error = %v", err)
	}
	return rm
}

func counterTotal(rm metricdata.ResourceMetrics, name string) int64 {
	var total int64
	for _, sm := range rm.ScopeMetrics {
		for _, m := range sm.Metrics {
			if m.Name != name {
				continue
			}
			if sum, ok := m.Data.(metricdata.Sum[int64]); ok {
				for _, dp := range sum.DataPoints {
					total += dp.Value
				}
			}
		}
	}
	return total
}

func TestNew(t *testing.T) {
	tests := []struct {
		name   string
		config Config
	}{
		{name: "disabled", config: Config{Enabled: false}},
		{name: "enabled with name and version", config: Config{Enabled: true, ServiceName: "test-service", ServiceVersion: "1.0.0"}},
		{name: "enabled with prometheus", config: Config{Enabled: true, PrometheusEnabled: true}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			inst, err := New(tt.config)
			if err != nil {
				t.Fatalf("New() error = %v", err)
			}
			defer func() { _ = inst.Shutdown(context.Background()) }()

			if inst.Metrics() == nil {
				t.Fatal("Metrics() returned nil")
			}
			if inst.Meter("server") == nil {
				t.Error("Meter() returned nil")
			}
			if inst.Tracer("server") == nil {
				t.Error("Tracer() returned nil")
			}
			if inst.config.ServiceName == "" {
				t.Error("ServiceName default not applied")
			}
		})
	}
}

func TestNewNoop(t *testing.T) {
	inst := NewNoop()
	// Recording on no-op providers must not panic
	inst.Metrics().RecordTokenRotated(context.Background(), "client")
	if inst.PrometheusHandler() != nil {
		t.Error("PrometheusHandler() should be nil without the exporter")
	}
}

func TestInstrumentation_ShutdownIsIdempotent(t *testing.T) {
	inst, err := New(Config{Enabled: true})
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	if err := inst.Shutdown(context.Background()); err != nil {
		t.Errorf("first Shutdown() error = %v", err)
	}
	if err := inst.Shutdown(context.Background()); err != nil {
		t.Errorf("second Shutdown() error = %v", err)
	}
}

func TestMetrics_Counters(t *testing.T) {
	inst, reader := newTestInstrumentation(t)
	ctx := context.Background()
	m := inst.Metrics()

	m.RecordCodeIssued(ctx, "client-1")
	m.RecordCodeIssued(ctx, "client-2")
	m.RecordCodeRedeemed(ctx, "client-1", true)
	m.RecordCodeReuseDetected(ctx)
	m.RecordTokenRotated(ctx, "client-1")
	m.RecordTokenReuseDetected(ctx)
	m.RecordFamilyRevoked(ctx, "reuse_detected")
	m.RecordClientAuthFailed(ctx)
	m.RecordPKCEValidationFailed(ctx, "S256")
	m.RecordRateLimitExceeded(ctx, "ip")
	m.RecordHTTPRequest(ctx, "POST", "/oauth/token", 200, 12.5)

	rm := collect(t, reader)

	want := map[string]int64{
		MetricCodesIssued:          2,
		MetricCodesRedeemed:        1,
		MetricCodeReuseDetected:    1,
		MetricTokensRotated:        1,
		MetricTokenReuseDetected:   1,
		MetricFamiliesRevoked:      1,
		MetricClientAuthFailed:     1,
		MetricPKCEValidationFailed: 1,
		MetricRateLimitExceeded:    1,
		MetricHTTPRequestsTotal:    1,
	}
	for name, value := range want {
		if got := counterTotal(rm, name); got != value {
			t.Errorf("%s = %d, want %d", name, got, value)
		}
	}
}

func TestStorageOperation_End(t *testing.T) {
	inst, reader := newTestInstrumentation(t)
	errMiss := errors.New("not found")

	_, op := inst.StartStorageOperation(context.Background(), "memory", "get_client")
	op.End(nil)

	_, op = inst.StartStorageOperation(context.Background(), "memory", "get_client")
	op.End(errMiss, errMiss)

	_, op = inst.StartStorageOperation(context.Background(), "memory", "get_client")
	op.End(errors.New("boom"))

	rm := collect(t, reader)
	if got := counterTotal(rm, MetricStorageOperationTotal); got != 3 {
		t.Errorf("storage operations = %d, want 3", got)
	}
}

func TestPrometheusHandler(t *testing.T) {
	inst, err := New(Config{Enabled: true, PrometheusEnabled: true})
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	defer func() { _ = inst.Shutdown(context.Background()) }()

	inst.Metrics().RecordCodeIssued(context.Background(), "client-1")

	handler := inst.PrometheusHandler()
	if handler == nil {
		t.Fatal("PrometheusHandler() returned nil")
	}

	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))

	if rec.Code != 200 {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	if !strings.Contains(rec.Body.String(), "oauth_code_issued") {
		t.Errorf("metrics output does not contain oauth_code_issued:\n%s", rec.Body.String())
	}
}
