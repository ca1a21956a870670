package handlers

import (
	"errors"
	"net/http"
	"net/url"
	"strings"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	domain "github.com/petalpost/api/internal/domain"
	"github.com/petalpost/api/internal/payments"
	"github.com/petalpost/api/internal/platform/httpx"
	"github.com/petalpost/api/internal/platform/requestctx"
	"github.com/petalpost/api/internal/services"
)

const (
	maxCallbackBodySize = 16 * 1024
	threeDSPassed       = "1"
)

// StorefrontPages lists where browser callbacks land after completion.
type StorefrontPages struct {
	SuccessURL string
	FailureURL string
}

// PaymentCallbackHandlers receives browser-borne gateway callbacks and redirects the
// shopper back to the storefront.
type PaymentCallbackHandlers struct {
	completion services.PaymentCompletionService
	pages      StorefrontPages
	classifier payments.Classifier
}

// NewPaymentCallbackHandlers constructs callback handlers. locale selects the
// language of messages produced before the orchestrator runs.
func NewPaymentCallbackHandlers(completion services.PaymentCompletionService, pages StorefrontPages, locale string) *PaymentCallbackHandlers {
	return &PaymentCallbackHandlers{
		completion: completion,
		pages:      pages,
		classifier: payments.NewClassifier(locale),
	}
}

// Routes registers the /payments callback endpoints.
func (h *PaymentCallbackHandlers) Routes(r chi.Router) {
	if r == nil {
		return
	}
	r.Post("/iyzico/callback", h.checkoutCallback)
	r.Post("/iyzico/3ds/callback", h.threeDSCallback)
}

func (h *PaymentCallbackHandlers) checkoutCallback(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if h.completion == nil {
		httpx.WriteError(ctx, w, httpx.NewError("payment_service_unavailable", "payment service unavailable", http.StatusServiceUnavailable))
		return
	}

	fields, err := readCallbackFields(w, r, maxCallbackBodySize)
	if err != nil {
		writeCallbackBodyError(w, r, err)
		return
	}

	result := h.completion.CompletePayment(ctx, services.CompletePaymentCommand{
		Token:         fields["token"],
		CorrelationID: fields["conversationId"],
		Trigger:       services.TriggerCheckoutCallback,
	})
	h.redirect(w, r, result)
}

func (h *PaymentCallbackHandlers) threeDSCallback(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if h.completion == nil {
		httpx.WriteError(ctx, w, httpx.NewError("payment_service_unavailable", "payment service unavailable", http.StatusServiceUnavailable))
		return
	}

	fields, err := readCallbackFields(w, r, maxCallbackBodySize)
	if err != nil {
		writeCallbackBodyError(w, r, err)
		return
	}

	orderID := fields["conversationId"]
	if mdStatus := fields["mdStatus"]; mdStatus != threeDSPassed {
		requestctx.Logger(ctx).Warn("3ds verification not passed",
			zap.String("orderId", orderID),
			zap.String("mdStatus", mdStatus),
			zap.String("status", fields["status"]),
		)
		message := h.classifier.Message(payments.MessageSecurity)
		h.redirect(w, r, domain.CompletionResult{
			Code:    domain.CompletionCodePaymentFailed,
			OrderID: orderID,
			Error:   message.Text,
		})
		return
	}

	result := h.completion.CompletePayment(ctx, services.CompletePaymentCommand{
		CorrelationID: orderID,
		Trigger:       services.TriggerThreeDSCallback,
	})
	h.redirect(w, r, result)
}

func (h *PaymentCallbackHandlers) redirect(w http.ResponseWriter, r *http.Request, result services.CompletionResult) {
	params := url.Values{}
	if result.OrderID != "" {
		params.Set("orderId", result.OrderID)
	}

	target := h.pages.SuccessURL
	if !result.Success {
		target = h.pages.FailureURL
		params.Set("code", string(result.Code))
		if result.Error != "" {
			params.Set("message", result.Error)
		}
	}

	location, err := withQuery(target, params)
	if err != nil {
		requestctx.Logger(r.Context()).Error("storefront redirect url invalid", zap.Error(err))
		httpx.WriteError(r.Context(), w, httpx.NewError("redirect_unavailable", "storefront redirect not configured", http.StatusInternalServerError))
		return
	}
	http.Redirect(w, r, location, http.StatusSeeOther)
}

func withQuery(base string, params url.Values) (string, error) {
	base = strings.TrimSpace(base)
	if base == "" {
		return "", errors.New("empty url")
	}
	parsed, err := url.Parse(base)
	if err != nil {
		return "", err
	}
	query := parsed.Query()
	for key, values := range params {
		for _, value := range values {
			query.Set(key, value)
		}
	}
	parsed.RawQuery = query.Encode()
	return parsed.String(), nil
}

func writeCallbackBodyError(w http.ResponseWriter, r *http.Request, err error) {
	var maxErr *http.MaxBytesError
	switch {
	case errors.Is(err, errBodyTooLarge), errors.As(err, &maxErr):
		httpx.WriteError(r.Context(), w, httpx.NewError("payload_too_large", "request body exceeds allowed size", http.StatusRequestEntityTooLarge))
	case errors.Is(err, errEmptyBody):
		httpx.WriteError(r.Context(), w, httpx.NewError("invalid_request", "callback body is required", http.StatusBadRequest))
	default:
		httpx.WriteError(r.Context(), w, httpx.NewError("invalid_request", "invalid callback body", http.StatusBadRequest))
	}
}
