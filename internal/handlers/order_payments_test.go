package handlers

import (
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	domain "github.com/petalpost/api/internal/domain"
	"github.com/petalpost/api/internal/services"
)

func newOrderPaymentRouter(svc services.PaymentCompletionService, opts ...OrderPaymentOption) http.Handler {
	handlers := NewOrderPaymentHandlers(svc, opts...)
	return NewRouter(WithOrderRoutes(handlers.Routes))
}

func TestFinalizePaymentSuccess(t *testing.T) {
	svc := &stubCompletionService{
		completeFn: func(cmd services.CompletePaymentCommand) services.CompletionResult {
			return services.CompletionResult{
				Success:     true,
				OrderID:     cmd.CorrelationID,
				PaymentID:   "pay-123",
				PaidAmount:  749.9,
				CardLast4:   "0008",
				Installment: 1,
			}
		},
	}
	router := newOrderPaymentRouter(svc)

	req := httptest.NewRequest(http.MethodPost, "/api/v1/orders/ord_1/payment:finalize", strings.NewReader(`{"token":" tok-1 "}`))
	rr := httptest.NewRecorder()
	router.ServeHTTP(rr, req)

	if rr.Code != http.StatusOK {
		t.Fatalf("expected status 200, got %d (%s)", rr.Code, rr.Body.String())
	}
	var body map[string]any
	if err := json.Unmarshal(rr.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if body["success"] != true || body["paymentId"] != "pay-123" || body["orderId"] != "ord_1" {
		t.Fatalf("unexpected body %v", body)
	}
	if _, ok := body["code"]; ok {
		t.Fatalf("expected no code on success, got %v", body["code"])
	}

	cmds := svc.Commands()
	if len(cmds) != 1 || cmds[0].Token != "tok-1" || cmds[0].CorrelationID != "ord_1" || cmds[0].Trigger != services.TriggerClientFinalize {
		t.Fatalf("unexpected commands %+v", cmds)
	}
}

func TestFinalizePaymentWithoutBody(t *testing.T) {
	svc := &stubCompletionService{}
	router := newOrderPaymentRouter(svc)

	req := httptest.NewRequest(http.MethodPost, "/api/v1/orders/ord_1/payment:finalize", nil)
	rr := httptest.NewRecorder()
	router.ServeHTTP(rr, req)

	if rr.Code != http.StatusOK {
		t.Fatalf("expected status 200, got %d", rr.Code)
	}
	if cmds := svc.Commands(); len(cmds) != 1 || cmds[0].Token != "" {
		t.Fatalf("expected completion with stored token, got %+v", cmds)
	}
}

func TestFinalizePaymentStatusMapping(t *testing.T) {
	tests := []struct {
		code      domain.CompletionCode
		status    int
		retryable bool
	}{
		{domain.CompletionCodeOrderNotFound, http.StatusNotFound, false},
		{domain.CompletionCodeTokenExpired, http.StatusGone, false},
		{domain.CompletionCodePaymentFailed, http.StatusPaymentRequired, false},
		{domain.CompletionCodeGatewayError, http.StatusBadGateway, true},
		{domain.CompletionCodeUpdateFailed, http.StatusInternalServerError, true},
		{domain.CompletionCodeUnexpected, http.StatusInternalServerError, true},
	}

	for _, tc := range tests {
		t.Run(string(tc.code), func(t *testing.T) {
			svc := &stubCompletionService{
				completeFn: func(cmd services.CompletePaymentCommand) services.CompletionResult {
					return services.CompletionResult{Code: tc.code, OrderID: cmd.CorrelationID, Error: "message"}
				},
			}
			router := newOrderPaymentRouter(svc)

			req := httptest.NewRequest(http.MethodPost, "/api/v1/orders/ord_1/payment:finalize", strings.NewReader(`{}`))
			rr := httptest.NewRecorder()
			router.ServeHTTP(rr, req)

			if rr.Code != tc.status {
				t.Fatalf("expected status %d, got %d", tc.status, rr.Code)
			}
			var body completionPayload
			if err := json.Unmarshal(rr.Body.Bytes(), &body); err != nil {
				t.Fatalf("decode response: %v", err)
			}
			if body.Success || body.Code != string(tc.code) || body.Retryable != tc.retryable {
				t.Fatalf("unexpected body %+v", body)
			}
		})
	}
}

func TestFinalizePaymentRejectsInvalidJSON(t *testing.T) {
	svc := &stubCompletionService{}
	router := newOrderPaymentRouter(svc)

	req := httptest.NewRequest(http.MethodPost, "/api/v1/orders/ord_1/payment:finalize", strings.NewReader(`{"token":`))
	rr := httptest.NewRecorder()
	router.ServeHTTP(rr, req)

	if rr.Code != http.StatusBadRequest {
		t.Fatalf("expected status 400, got %d", rr.Code)
	}
	if len(svc.Commands()) != 0 {
		t.Fatalf("expected no completion call")
	}
}

func TestFinalizePaymentRateLimited(t *testing.T) {
	now := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	svc := &stubCompletionService{}
	router := newOrderPaymentRouter(svc, WithPaymentRateLimits(2, 0, func() time.Time { return now }))

	codes := make([]int, 0, 3)
	for i := 0; i < 3; i++ {
		req := httptest.NewRequest(http.MethodPost, "/api/v1/orders/ord_1/payment:finalize", nil)
		req.RemoteAddr = "203.0.113.7:5123"
		rr := httptest.NewRecorder()
		router.ServeHTTP(rr, req)
		codes = append(codes, rr.Code)
		if rr.Code == http.StatusTooManyRequests && rr.Header().Get("Retry-After") == "" {
			t.Fatalf("expected Retry-After header")
		}
	}
	if codes[0] != http.StatusOK || codes[1] != http.StatusOK || codes[2] != http.StatusTooManyRequests {
		t.Fatalf("unexpected status sequence %v", codes)
	}

	req := httptest.NewRequest(http.MethodPost, "/api/v1/orders/ord_1/payment:finalize", nil)
	req.RemoteAddr = "198.51.100.2:4000"
	rr := httptest.NewRecorder()
	router.ServeHTTP(rr, req)
	if rr.Code != http.StatusOK {
		t.Fatalf("expected other client unaffected, got %d", rr.Code)
	}
	if len(svc.Commands()) != 3 {
		t.Fatalf("expected throttled call to skip completion, got %d calls", len(svc.Commands()))
	}
}

func TestGetPaymentStatus(t *testing.T) {
	paidAt := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	svc := &stubCompletionService{
		statusFn: func(orderID string) (services.PaymentStatusSummary, error) {
			return services.PaymentStatusSummary{
				OrderID:       orderID,
				OrderNumber:   "PP-1001",
				Status:        domain.OrderStatusConfirmed,
				PaymentStatus: domain.PaymentStatusPaid,
				Provider:      "iyzico",
				TransactionID: "pay-123",
				PaidAmount:    749.9,
				PaidAt:        &paidAt,
			}, nil
		},
	}
	router := newOrderPaymentRouter(svc)

	req := httptest.NewRequest(http.MethodGet, "/api/v1/orders/ord_1/payment", nil)
	rr := httptest.NewRecorder()
	router.ServeHTTP(rr, req)

	if rr.Code != http.StatusOK {
		t.Fatalf("expected status 200, got %d", rr.Code)
	}
	var body paymentStatusPayload
	if err := json.Unmarshal(rr.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if body.OrderID != "ord_1" || body.Status != "confirmed" || body.PaymentStatus != "paid" {
		t.Fatalf("unexpected body %+v", body)
	}
	if body.PaidAt != "2024-05-01T12:00:00Z" {
		t.Fatalf("unexpected paidAt %q", body.PaidAt)
	}
}

func TestGetPaymentStatusErrors(t *testing.T) {
	tests := []struct {
		name   string
		err    error
		status int
		code   string
	}{
		{"not found", services.ErrPaymentOrderNotFound, http.StatusNotFound, "order_not_found"},
		{"unavailable", errors.Join(services.ErrPaymentUnavailable, errors.New("deadline")), http.StatusServiceUnavailable, "payment_status_unavailable"},
		{"unknown", errors.New("boom"), http.StatusInternalServerError, "payment_status_error"},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			svc := &stubCompletionService{
				statusFn: func(string) (services.PaymentStatusSummary, error) {
					return services.PaymentStatusSummary{}, tc.err
				},
			}
			router := newOrderPaymentRouter(svc)

			req := httptest.NewRequest(http.MethodGet, "/api/v1/orders/ord_1/payment", nil)
			rr := httptest.NewRecorder()
			router.ServeHTTP(rr, req)

			if rr.Code != tc.status {
				t.Fatalf("expected status %d, got %d", tc.status, rr.Code)
			}
			var body map[string]any
			if err := json.Unmarshal(rr.Body.Bytes(), &body); err != nil {
				t.Fatalf("decode response: %v", err)
			}
			if body["error"] != tc.code {
				t.Fatalf("expected error %s, got %v", tc.code, body["error"])
			}
		})
	}
}
