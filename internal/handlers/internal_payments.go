package handlers

import (
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/petalpost/api/internal/platform/auth"
	"github.com/petalpost/api/internal/platform/httpx"
	"github.com/petalpost/api/internal/platform/observability"
	"github.com/petalpost/api/internal/platform/requestctx"
	"github.com/petalpost/api/internal/services"
)

const (
	maxReconcileBodySize = 2 * 1024
	maxReconcileLimit    = 500
)

type reconcileRequest struct {
	MinAge string `json:"minAge"`
	Limit  int    `json:"limit"`
}

type reconcileResponse struct {
	Scanned          int            `json:"scanned"`
	Confirmed        int            `json:"confirmed"`
	AlreadyCompleted int            `json:"alreadyCompleted"`
	StillPending     int            `json:"stillPending"`
	Errors           int            `json:"errors"`
	Outcomes         map[string]int `json:"outcomes,omitempty"`
	StartedAt        string         `json:"startedAt"`
	FinishedAt       string         `json:"finishedAt"`
}

// InternalPaymentHandlers serves scheduler-driven payment maintenance endpoints.
type InternalPaymentHandlers struct {
	reconciliation services.PaymentReconciliationService
	defaults       services.ReconcileCommand
}

// NewInternalPaymentHandlers constructs internal payment handlers. defaults apply
// when the caller omits minAge or limit.
func NewInternalPaymentHandlers(reconciliation services.PaymentReconciliationService, defaults services.ReconcileCommand) *InternalPaymentHandlers {
	return &InternalPaymentHandlers{reconciliation: reconciliation, defaults: defaults}
}

// Routes registers the /internal payment endpoints.
func (h *InternalPaymentHandlers) Routes(r chi.Router) {
	if r == nil {
		return
	}
	r.Post("/payments:reconcile", h.reconcile)
}

func (h *InternalPaymentHandlers) reconcile(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if h.reconciliation == nil {
		httpx.WriteError(ctx, w, httpx.NewError("reconciliation_unavailable", "reconciliation unavailable", http.StatusServiceUnavailable))
		return
	}

	cmd := h.defaults
	body, err := readLimitedBody(r, maxReconcileBodySize)
	switch {
	case errors.Is(err, errEmptyBody):
	case err != nil:
		httpx.WriteError(ctx, w, httpx.NewError("invalid_request", "invalid request body", http.StatusBadRequest))
		return
	default:
		var req reconcileRequest
		if err := json.Unmarshal(body, &req); err != nil {
			httpx.WriteError(ctx, w, httpx.NewError("invalid_request", "invalid JSON body", http.StatusBadRequest))
			return
		}
		if req.MinAge != "" {
			minAge, err := time.ParseDuration(req.MinAge)
			if err != nil || minAge < 0 {
				httpx.WriteError(ctx, w, httpx.NewError("invalid_request", "minAge must be a non-negative duration", http.StatusBadRequest))
				return
			}
			cmd.MinAge = minAge
		}
		if req.Limit < 0 || req.Limit > maxReconcileLimit {
			httpx.WriteError(ctx, w, httpx.NewError("invalid_request", "limit out of range", http.StatusBadRequest))
			return
		}
		if req.Limit > 0 {
			cmd.Limit = req.Limit
		}
	}

	logger := requestctx.Logger(ctx)
	if identity, ok := auth.ServiceIdentityFromContext(ctx); ok {
		logger = logger.With(zap.String("caller", observability.SanitizePrincipal(identity.Email)))
	}

	summary, err := h.reconciliation.Reconcile(ctx, cmd)
	if err != nil {
		logger.Error("payment reconciliation failed", zap.Error(err))
		httpx.WriteError(ctx, w, httpx.NewError("reconciliation_failed", "payment reconciliation failed", http.StatusServiceUnavailable))
		return
	}
	logger.Info("payment reconciliation finished",
		zap.Int("scanned", summary.Scanned),
		zap.Int("confirmed", summary.Confirmed),
		zap.Int("errors", summary.Errors),
	)

	writeJSONResponse(w, http.StatusOK, reconcileResponse{
		Scanned:          summary.Scanned,
		Confirmed:        summary.Confirmed,
		AlreadyCompleted: summary.AlreadyCompleted,
		StillPending:     summary.StillPending,
		Errors:           summary.Errors,
		Outcomes:         summary.Outcomes,
		StartedAt:        summary.StartedAt.UTC().Format(time.RFC3339),
		FinishedAt:       summary.FinishedAt.UTC().Format(time.RFC3339),
	})
}
