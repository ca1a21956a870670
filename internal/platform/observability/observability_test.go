package observability

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"

	domain "github.com/petalpost/api/internal/domain"
	"github.com/petalpost/api/internal/payments"
	"github.com/petalpost/api/internal/platform/requestctx"
	"github.com/petalpost/api/internal/services"
)

func TestParseCloudTraceContext(t *testing.T) {
	tests := []struct {
		name    string
		header  string
		ok      bool
		sampled bool
		spanHex string
	}{
		{name: "decimal span sampled", header: "105445aa7843bc8bf206b12000100000/1;o=1", ok: true, sampled: true, spanHex: "0000000000000001"},
		{name: "decimal span unsampled", header: "105445aa7843bc8bf206b12000100000/255", ok: true, spanHex: "00000000000000ff"},
		{name: "hex span", header: "105445aa7843bc8bf206b12000100000/00f067aa0ba902b7;o=0", ok: true, spanHex: "00f067aa0ba902b7"},
		{name: "missing span", header: "105445aa7843bc8bf206b12000100000"},
		{name: "short trace", header: "abc/1;o=1"},
		{name: "zero span", header: "105445aa7843bc8bf206b12000100000/0;o=1"},
		{name: "empty", header: ""},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			sc, ok := parseCloudTraceContext(tc.header)
			if ok != tc.ok {
				t.Fatalf("expected ok=%v, got %v", tc.ok, ok)
			}
			if !ok {
				return
			}
			if sc.IsSampled() != tc.sampled {
				t.Fatalf("expected sampled=%v", tc.sampled)
			}
			if sc.SpanID().String() != tc.spanHex {
				t.Fatalf("expected span %s, got %s", tc.spanHex, sc.SpanID())
			}
		})
	}
}

func TestTraceMiddlewareStoresTraceInfo(t *testing.T) {
	var info requestctx.TraceInfo
	handler := TraceMiddleware("petalpost-prod")(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		info, _ = requestctx.Trace(r.Context())
	}))

	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	req.Header.Set(cloudTraceHeader, "105445aa7843bc8bf206b12000100000/1;o=1")
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	if info.TraceID != "105445aa7843bc8bf206b12000100000" || info.ProjectID != "petalpost-prod" {
		t.Fatalf("unexpected trace info %+v", info)
	}
	if got := rec.Header().Get(cloudTraceHeader); !strings.HasPrefix(got, "105445aa7843bc8bf206b12000100000") {
		t.Fatalf("expected trace header echoed, got %q", got)
	}
}

func TestRequestLoggerMiddlewareLogsAndRecordsClientIP(t *testing.T) {
	core, logs := observer.New(zapcore.InfoLevel)
	var ip string
	handler := RequestLoggerMiddleware(zap.New(core))(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ip = requestctx.ClientIP(r.Context())
		FromContext(r.Context()).Info("inside")
		w.WriteHeader(http.StatusTeapot)
	}))

	req := httptest.NewRequest(http.MethodPost, "/api/v1/orders/ord_1/payment:finalize", nil)
	req.Header.Set("X-Forwarded-For", "203.0.113.9, 10.0.0.1")
	handler.ServeHTTP(httptest.NewRecorder(), req)

	if ip != "203.0.113.9" {
		t.Fatalf("expected forwarded client ip, got %q", ip)
	}
	if logs.FilterMessage("inside").Len() != 1 {
		t.Fatalf("expected request logger on context")
	}
	completed := logs.FilterMessage("request completed").All()
	if len(completed) != 1 || completed[0].Level != zapcore.WarnLevel {
		t.Fatalf("expected one warn completion entry, got %+v", completed)
	}
	if completed[0].ContextMap()["status"] != int64(http.StatusTeapot) {
		t.Fatalf("unexpected status field %v", completed[0].ContextMap()["status"])
	}
}

func TestRecoveryMiddlewareWritesJSONError(t *testing.T) {
	core, logs := observer.New(zapcore.ErrorLevel)
	handler := RecoveryMiddleware(zap.New(core))(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {
		panic("boom")
	}))

	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))

	if rec.Code != http.StatusInternalServerError {
		t.Fatalf("expected 500, got %d", rec.Code)
	}
	if !strings.Contains(rec.Body.String(), "internal_server_error") {
		t.Fatalf("unexpected body %s", rec.Body.String())
	}
	if logs.FilterMessage("panic recovered").Len() != 1 {
		t.Fatalf("expected panic to be logged")
	}
}

func TestEventLoggerSeverities(t *testing.T) {
	core, logs := observer.New(zapcore.DebugLevel)
	logEvent := EventLogger(zap.New(core))

	logEvent(context.Background(), "payment.completion.finished", map[string]any{"orderId": "ord_1"})
	logEvent(context.Background(), "payment.completion.gateway_unavailable", nil)
	logEvent(context.Background(), "payment.completion.update_failed", map[string]any{"paymentId": "pay-1"})

	entries := logs.All()
	if len(entries) != 3 {
		t.Fatalf("expected 3 entries, got %d", len(entries))
	}
	want := []zapcore.Level{zapcore.InfoLevel, zapcore.WarnLevel, zapcore.ErrorLevel}
	for i, entry := range entries {
		if entry.Level != want[i] {
			t.Fatalf("entry %d: expected %s, got %s", i, want[i], entry.Level)
		}
	}
	if entries[2].ContextMap()["paymentId"] != "pay-1" || entries[0].ContextMap()["event"] != "payment.completion.finished" {
		t.Fatalf("unexpected fields %v / %v", entries[2].ContextMap(), entries[0].ContextMap())
	}
}

func TestEventLoggerPrefersRequestLogger(t *testing.T) {
	baseCore, baseLogs := observer.New(zapcore.InfoLevel)
	reqCore, reqLogs := observer.New(zapcore.InfoLevel)
	logEvent := EventLogger(zap.New(baseCore))

	ctx := requestctx.WithLogger(context.Background(), zap.New(reqCore))
	logEvent(ctx, "payment.completion.finished", nil)

	if baseLogs.Len() != 0 || reqLogs.Len() != 1 {
		t.Fatalf("expected request logger to be used, got base=%d request=%d", baseLogs.Len(), reqLogs.Len())
	}
}

func TestGatewayResultLabel(t *testing.T) {
	cases := map[string]error{
		"ok":          nil,
		"timeout":     fmt.Errorf("%w: %w", payments.ErrGatewayUnavailable, context.DeadlineExceeded),
		"unavailable": fmt.Errorf("%w: 502", payments.ErrGatewayUnavailable),
		"unsupported": fmt.Errorf("%w: paypal", payments.ErrUnsupportedProvider),
		"error":       errors.New("other"),
	}
	for want, err := range cases {
		if got := gatewayResultLabel(err); got != want {
			t.Fatalf("gatewayResultLabel(%v) = %q, want %q", err, got, want)
		}
	}
}

func TestCompletionMetricsOutcomeLabels(t *testing.T) {
	if got := outcomeLabel(services.CompletionResult{Success: true, AlreadyCompleted: true}); got != "CONFIRMED" {
		t.Fatalf("expected CONFIRMED, got %q", got)
	}
	if got := outcomeLabel(services.CompletionResult{Code: domain.CompletionCodeTokenExpired}); got != "TOKEN_EXPIRED" {
		t.Fatalf("expected TOKEN_EXPIRED, got %q", got)
	}

	// Recording against the global no-op provider must not panic.
	m := NewCompletionMetrics(nil, nil)
	m.RecordCompletion(context.Background(), "client_finalize", services.CompletionResult{Success: true}, 0)
	m.RecordGatewayCall(context.Background(), "iyzico", 0, nil)
	var unset *CompletionMetrics
	unset.RecordGatewayCall(context.Background(), "iyzico", 0, nil)
}
