package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	domain "github.com/petalpost/api/internal/domain"
	"github.com/petalpost/api/internal/platform/httpx"
	"github.com/petalpost/api/internal/platform/requestctx"
	"github.com/petalpost/api/internal/services"
)

const maxFinalizeBodySize = 4 * 1024

type finalizePaymentRequest struct {
	Token string `json:"token"`
}

// OrderPaymentHandlers lets the storefront finalize and poll an order's payment.
type OrderPaymentHandlers struct {
	completion      services.PaymentCompletionService
	finalizeLimiter rateLimiter
	statusLimiter   rateLimiter
}

// OrderPaymentOption customises OrderPaymentHandlers.
type OrderPaymentOption func(*OrderPaymentHandlers)

// WithPaymentRateLimits throttles finalize and status calls per client IP. Zero
// disables the corresponding limiter.
func WithPaymentRateLimits(finalizePerMinute, statusPerMinute int, clock func() time.Time) OrderPaymentOption {
	return func(h *OrderPaymentHandlers) {
		h.finalizeLimiter = newPerMinuteRateLimiter(finalizePerMinute, clock)
		h.statusLimiter = newPerMinuteRateLimiter(statusPerMinute, clock)
	}
}

// NewOrderPaymentHandlers constructs the order payment endpoints.
func NewOrderPaymentHandlers(completion services.PaymentCompletionService, opts ...OrderPaymentOption) *OrderPaymentHandlers {
	h := &OrderPaymentHandlers{completion: completion}
	for _, opt := range opts {
		if opt != nil {
			opt(h)
		}
	}
	return h
}

// Routes registers the /orders payment endpoints.
func (h *OrderPaymentHandlers) Routes(r chi.Router) {
	if r == nil {
		return
	}
	r.Post("/{orderID}/payment:finalize", h.finalizePayment)
	r.Get("/{orderID}/payment", h.getPaymentStatus)
}

func (h *OrderPaymentHandlers) finalizePayment(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if h.completion == nil {
		httpx.WriteError(ctx, w, httpx.NewError("payment_service_unavailable", "payment service unavailable", http.StatusServiceUnavailable))
		return
	}
	if !allow(h.finalizeLimiter, w, r) {
		return
	}

	orderID := strings.TrimSpace(chi.URLParam(r, "orderID"))
	if orderID == "" {
		httpx.WriteError(ctx, w, httpx.NewError("invalid_request", "order id is required", http.StatusBadRequest))
		return
	}

	var req finalizePaymentRequest
	body, err := readLimitedBody(r, maxFinalizeBodySize)
	switch {
	case errors.Is(err, errEmptyBody):
	case errors.Is(err, errBodyTooLarge):
		httpx.WriteError(ctx, w, httpx.NewError("payload_too_large", "request body exceeds allowed size", http.StatusRequestEntityTooLarge))
		return
	case err != nil:
		httpx.WriteError(ctx, w, httpx.NewError("invalid_request", err.Error(), http.StatusBadRequest))
		return
	default:
		if err := json.Unmarshal(body, &req); err != nil {
			httpx.WriteError(ctx, w, httpx.NewError("invalid_request", "invalid JSON body", http.StatusBadRequest))
			return
		}
	}

	result := h.completion.CompletePayment(ctx, services.CompletePaymentCommand{
		Token:         strings.TrimSpace(req.Token),
		CorrelationID: orderID,
		Trigger:       services.TriggerClientFinalize,
	})
	writeJSONResponse(w, completionStatus(result), buildCompletionPayload(result))
}

func (h *OrderPaymentHandlers) getPaymentStatus(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if h.completion == nil {
		httpx.WriteError(ctx, w, httpx.NewError("payment_service_unavailable", "payment service unavailable", http.StatusServiceUnavailable))
		return
	}
	if !allow(h.statusLimiter, w, r) {
		return
	}

	orderID := strings.TrimSpace(chi.URLParam(r, "orderID"))
	summary, err := h.completion.GetPaymentStatus(ctx, orderID)
	if err != nil {
		writePaymentStatusError(ctx, w, err)
		return
	}
	writeJSONResponse(w, http.StatusOK, buildPaymentStatusPayload(summary))
}

func allow(limiter rateLimiter, w http.ResponseWriter, r *http.Request) bool {
	if limiter == nil || limiter.Allow(rateLimitKey(r)) {
		return true
	}
	w.Header().Set("Retry-After", strconv.Itoa(60))
	httpx.WriteError(r.Context(), w, httpx.NewError("rate_limited", "too many requests", http.StatusTooManyRequests))
	return false
}

// completionStatus maps a completion code onto the HTTP status returned to clients.
func completionStatus(result services.CompletionResult) int {
	if result.Success {
		return http.StatusOK
	}
	switch result.Code {
	case domain.CompletionCodeOrderNotFound:
		return http.StatusNotFound
	case domain.CompletionCodeTokenExpired:
		return http.StatusGone
	case domain.CompletionCodePaymentFailed:
		return http.StatusPaymentRequired
	case domain.CompletionCodeGatewayError:
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

type completionPayload struct {
	Success          bool    `json:"success"`
	Code             string  `json:"code,omitempty"`
	OrderID          string  `json:"orderId,omitempty"`
	PaymentID        string  `json:"paymentId,omitempty"`
	PaidAmount       float64 `json:"paidAmount,omitempty"`
	CardLast4        string  `json:"cardLast4,omitempty"`
	CardType         string  `json:"cardType,omitempty"`
	CardAssociation  string  `json:"cardAssociation,omitempty"`
	Installment      int     `json:"installment,omitempty"`
	Error            string  `json:"error,omitempty"`
	ErrorCode        string  `json:"errorCode,omitempty"`
	AlreadyCompleted bool    `json:"alreadyCompleted,omitempty"`
	Retryable        bool    `json:"retryable,omitempty"`
}

func buildCompletionPayload(result services.CompletionResult) completionPayload {
	payload := completionPayload{
		Success:          result.Success,
		OrderID:          result.OrderID,
		PaymentID:        result.PaymentID,
		PaidAmount:       result.PaidAmount,
		CardLast4:        result.CardLast4,
		CardType:         result.CardType,
		CardAssociation:  result.CardAssociation,
		Installment:      result.Installment,
		Error:            result.Error,
		ErrorCode:        result.ErrorCode,
		AlreadyCompleted: result.AlreadyCompleted,
	}
	if !result.Success {
		payload.Code = string(result.Code)
		payload.Retryable = result.Code.Retryable()
	}
	return payload
}

type paymentStatusPayload struct {
	OrderID              string  `json:"orderId"`
	OrderNumber          string  `json:"orderNumber,omitempty"`
	Status               string  `json:"status"`
	PaymentStatus        string  `json:"paymentStatus"`
	Provider             string  `json:"provider,omitempty"`
	CompletionInProgress bool    `json:"completionInProgress"`
	SessionExpired       bool    `json:"sessionExpired"`
	TransactionID        string  `json:"transactionId,omitempty"`
	PaidAmount           float64 `json:"paidAmount,omitempty"`
	PaidAt               string  `json:"paidAt,omitempty"`
	Error                string  `json:"error,omitempty"`
	ErrorCode            string  `json:"errorCode,omitempty"`
}

func buildPaymentStatusPayload(summary services.PaymentStatusSummary) paymentStatusPayload {
	payload := paymentStatusPayload{
		OrderID:              summary.OrderID,
		OrderNumber:          summary.OrderNumber,
		Status:               string(summary.Status),
		PaymentStatus:        string(summary.PaymentStatus),
		Provider:             summary.Provider,
		CompletionInProgress: summary.CompletionInProgress,
		SessionExpired:       summary.SessionExpired,
		TransactionID:        summary.TransactionID,
		PaidAmount:           summary.PaidAmount,
		Error:                summary.Error,
		ErrorCode:            summary.ErrorCode,
	}
	if summary.PaidAt != nil {
		payload.PaidAt = summary.PaidAt.UTC().Format(time.RFC3339)
	}
	return payload
}

func writePaymentStatusError(ctx context.Context, w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, services.ErrPaymentInvalidInput):
		httpx.WriteError(ctx, w, httpx.NewError("invalid_request", "order id is required", http.StatusBadRequest))
	case errors.Is(err, services.ErrPaymentOrderNotFound):
		httpx.WriteError(ctx, w, httpx.NewError("order_not_found", "order not found", http.StatusNotFound))
	case errors.Is(err, services.ErrPaymentUnavailable):
		requestctx.Logger(ctx).Warn("payment status unavailable", zap.Error(err))
		httpx.WriteError(ctx, w, httpx.NewError("payment_status_unavailable", "payment status temporarily unavailable", http.StatusServiceUnavailable))
	default:
		requestctx.Logger(ctx).Error("payment status failed", zap.Error(err))
		httpx.WriteError(ctx, w, httpx.NewError("payment_status_error", "failed to load payment status", http.StatusInternalServerError))
	}
}
