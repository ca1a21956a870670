package services

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	domain "github.com/petalpost/api/internal/domain"
	"github.com/petalpost/api/internal/repositories"
)

const (
	defaultReconcileMinAge    = 3 * time.Minute
	defaultReconcileBatchSize = 50
	maxReconcileBatchSize     = 500
	reconcileOutcomeConfirmed = "CONFIRMED"
)

// PaymentReconciliationServiceDeps wires the reconciliation sweep.
type PaymentReconciliationServiceDeps struct {
	Orders     repositories.OrderRepository
	Completion PaymentCompletionService
	Clock      func() time.Time
	Logger     func(ctx context.Context, event string, fields map[string]any)
	TokenTTL   time.Duration
	MinAge     time.Duration
	BatchSize  int
}

type paymentReconciliationService struct {
	orders     repositories.OrderRepository
	completion PaymentCompletionService
	now        func() time.Time
	logger     func(context.Context, string, map[string]any)
	tokenTTL   time.Duration
	minAge     time.Duration
	batchSize  int
}

var _ PaymentReconciliationService = (*paymentReconciliationService)(nil)

// NewPaymentReconciliationService constructs the sweep that completes sessions whose
// callbacks never reached the API.
func NewPaymentReconciliationService(deps PaymentReconciliationServiceDeps) (PaymentReconciliationService, error) {
	if deps.Orders == nil {
		return nil, errors.New("payment reconciliation service: order repository is required")
	}
	if deps.Completion == nil {
		return nil, errors.New("payment reconciliation service: completion service is required")
	}

	clock := deps.Clock
	if clock == nil {
		clock = time.Now
	}
	logger := deps.Logger
	if logger == nil {
		logger = func(context.Context, string, map[string]any) {}
	}
	tokenTTL := durationOrDefault(deps.TokenTTL, defaultPaymentTokenTTL)
	minAge := durationOrDefault(deps.MinAge, defaultReconcileMinAge)
	if minAge >= tokenTTL {
		return nil, fmt.Errorf("payment reconciliation service: min age %s must be shorter than token ttl %s", minAge, tokenTTL)
	}
	batch := deps.BatchSize
	if batch <= 0 {
		batch = defaultReconcileBatchSize
	}

	return &paymentReconciliationService{
		orders:     deps.Orders,
		completion: deps.Completion,
		now: func() time.Time {
			return clock().UTC()
		},
		logger:    logger,
		tokenTTL:  tokenTTL,
		minAge:    minAge,
		batchSize: batch,
	}, nil
}

// Reconcile verifies pending sessions older than MinAge that are still inside the
// session validity window. Gateway-reported failures leave the order pending; the
// shopper may still be on the payment form.
func (s *paymentReconciliationService) Reconcile(ctx context.Context, cmd ReconcileCommand) (ReconcileSummary, error) {
	minAge := cmd.MinAge
	if minAge <= 0 {
		minAge = s.minAge
	}
	if minAge >= s.tokenTTL {
		return ReconcileSummary{}, fmt.Errorf("payment reconciliation: min age %s must be shorter than token ttl %s", minAge, s.tokenTTL)
	}
	limit := cmd.Limit
	if limit <= 0 {
		limit = s.batchSize
	}
	if limit > maxReconcileBatchSize {
		limit = maxReconcileBatchSize
	}

	now := s.now()
	summary := ReconcileSummary{
		Outcomes:  map[string]int{},
		StartedAt: now,
	}

	orders, err := s.orders.ListAwaitingCompletion(ctx, repositories.AwaitingCompletionFilter{
		TokenCreatedFrom:   now.Add(-s.tokenTTL),
		TokenCreatedBefore: now.Add(-minAge),
		Limit:              limit,
	})
	if err != nil {
		return ReconcileSummary{}, fmt.Errorf("payment reconciliation: list orders: %w", err)
	}

	for _, order := range orders {
		if err := ctx.Err(); err != nil {
			summary.FinishedAt = s.now()
			return summary, err
		}
		token := strings.TrimSpace(order.Payment.Token)
		if token == "" {
			continue
		}
		summary.Scanned++

		result := s.completion.CompletePayment(ctx, CompletePaymentCommand{
			Token:         token,
			CorrelationID: order.ID,
			Trigger:       TriggerReconciliation,
			ConfirmOnly:   true,
		})
		summary.tally(result)
	}

	summary.FinishedAt = s.now()
	s.logger(ctx, "payment.reconciliation.finished", map[string]any{
		"scanned":          summary.Scanned,
		"confirmed":        summary.Confirmed,
		"alreadyCompleted": summary.AlreadyCompleted,
		"stillPending":     summary.StillPending,
		"errors":           summary.Errors,
		"durationMs":       summary.FinishedAt.Sub(summary.StartedAt).Milliseconds(),
	})
	return summary, nil
}

func (s *ReconcileSummary) tally(result CompletionResult) {
	switch {
	case result.Success && result.AlreadyCompleted:
		s.AlreadyCompleted++
		s.Outcomes[reconcileOutcomeConfirmed]++
	case result.Success:
		s.Confirmed++
		s.Outcomes[reconcileOutcomeConfirmed]++
	case result.Code == domain.CompletionCodePaymentFailed:
		s.StillPending++
		s.Outcomes[string(result.Code)]++
	default:
		s.Errors++
		s.Outcomes[string(result.Code)]++
	}
}
