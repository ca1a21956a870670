package services

import (
	"context"
	"errors"
	"testing"
	"time"

	domain "github.com/petalpost/api/internal/domain"
	"github.com/petalpost/api/internal/repositories"
	"github.com/petalpost/api/internal/repositories/memory"
)

type stubCompletion struct {
	commands   []CompletePaymentCommand
	completeFn func(ctx context.Context, cmd CompletePaymentCommand) CompletionResult
}

func (s *stubCompletion) CompletePayment(ctx context.Context, cmd CompletePaymentCommand) CompletionResult {
	s.commands = append(s.commands, cmd)
	if s.completeFn != nil {
		return s.completeFn(ctx, cmd)
	}
	return CompletionResult{Success: true, OrderID: cmd.CorrelationID}
}

func (s *stubCompletion) GetPaymentStatus(context.Context, string) (PaymentStatusSummary, error) {
	return PaymentStatusSummary{}, errors.New("not implemented")
}

type listErrOrders struct {
	repositories.OrderRepository
}

func (listErrOrders) ListAwaitingCompletion(context.Context, repositories.AwaitingCompletionFilter) ([]domain.Order, error) {
	return nil, unavailableError{}
}

func seedAgedOrder(repo *memory.OrderRepository, id string, age time.Duration, mutate func(*domain.Order)) {
	seedPendingOrder(repo, func(o *domain.Order) {
		o.ID = id
		o.OrderNumber = "PP-" + id
		o.Payment.Token = "tok-" + id
		o.Payment.TokenCreatedAt = completionNow.Add(-age)
		if mutate != nil {
			mutate(o)
		}
	})
}

func newTestReconciliationService(t *testing.T, deps PaymentReconciliationServiceDeps) PaymentReconciliationService {
	t.Helper()
	if deps.Clock == nil {
		deps.Clock = func() time.Time { return completionNow }
	}
	svc, err := NewPaymentReconciliationService(deps)
	if err != nil {
		t.Fatalf("NewPaymentReconciliationService: %v", err)
	}
	return svc
}

func TestReconcileOnlyTouchesOrdersInsideValidityWindow(t *testing.T) {
	repo := memory.NewOrderRepository(nil)
	seedAgedOrder(repo, "fresh", time.Minute, nil)
	seedAgedOrder(repo, "stuck", 10*time.Minute, nil)
	seedAgedOrder(repo, "older", 20*time.Minute, nil)
	seedAgedOrder(repo, "expired", 40*time.Minute, nil)
	seedAgedOrder(repo, "paid", 10*time.Minute, func(o *domain.Order) {
		o.Status = domain.OrderStatusConfirmed
		o.Payment.Status = domain.PaymentStatusPaid
	})

	completion := &stubCompletion{}
	svc := newTestReconciliationService(t, PaymentReconciliationServiceDeps{
		Orders:     repo,
		Completion: completion,
		TokenTTL:   25 * time.Minute,
		MinAge:     3 * time.Minute,
	})

	summary, err := svc.Reconcile(context.Background(), ReconcileCommand{})
	if err != nil {
		t.Fatalf("Reconcile: %v", err)
	}
	if summary.Scanned != 2 || summary.Confirmed != 2 {
		t.Fatalf("expected two confirmed orders, got %+v", summary)
	}
	if len(completion.commands) != 2 {
		t.Fatalf("expected two completion calls, got %d", len(completion.commands))
	}
	// oldest session first
	if completion.commands[0].CorrelationID != "older" || completion.commands[1].CorrelationID != "stuck" {
		t.Fatalf("unexpected order of completion calls %+v", completion.commands)
	}
	for _, cmd := range completion.commands {
		if cmd.Trigger != TriggerReconciliation || !cmd.ConfirmOnly {
			t.Fatalf("expected confirm-only reconciliation command, got %+v", cmd)
		}
		if cmd.Token != "tok-"+cmd.CorrelationID {
			t.Fatalf("expected stored token, got %+v", cmd)
		}
	}
	if summary.FinishedAt.IsZero() || summary.StartedAt.IsZero() {
		t.Fatalf("expected timestamps, got %+v", summary)
	}
}

func TestReconcileTalliesOutcomes(t *testing.T) {
	repo := memory.NewOrderRepository(nil)
	for _, id := range []string{"a", "b", "c", "d", "e"} {
		seedAgedOrder(repo, id, 5*time.Minute, nil)
	}
	results := map[string]CompletionResult{
		"a": {Success: true},
		"b": {Success: true, AlreadyCompleted: true},
		"c": {Code: domain.CompletionCodePaymentFailed},
		"d": {Code: domain.CompletionCodeGatewayError},
		"e": {Code: domain.CompletionCodeGatewayError},
	}
	completion := &stubCompletion{completeFn: func(_ context.Context, cmd CompletePaymentCommand) CompletionResult {
		return results[cmd.CorrelationID]
	}}
	var logged map[string]any
	svc := newTestReconciliationService(t, PaymentReconciliationServiceDeps{
		Orders:     repo,
		Completion: completion,
		Logger: func(_ context.Context, event string, fields map[string]any) {
			if event == "payment.reconciliation.finished" {
				logged = fields
			}
		},
	})

	summary, err := svc.Reconcile(context.Background(), ReconcileCommand{Limit: 10})
	if err != nil {
		t.Fatalf("Reconcile: %v", err)
	}
	if summary.Confirmed != 1 || summary.AlreadyCompleted != 1 || summary.StillPending != 1 || summary.Errors != 2 {
		t.Fatalf("unexpected summary %+v", summary)
	}
	if summary.Outcomes["CONFIRMED"] != 2 || summary.Outcomes["IYZICO_API_ERROR"] != 2 || summary.Outcomes["PAYMENT_FAILED"] != 1 {
		t.Fatalf("unexpected outcomes %+v", summary.Outcomes)
	}
	if logged == nil || logged["scanned"] != 5 {
		t.Fatalf("expected finished log with scanned count, got %v", logged)
	}
}

func TestReconcileRespectsLimit(t *testing.T) {
	repo := memory.NewOrderRepository(nil)
	for i, id := range []string{"a", "b", "c"} {
		seedAgedOrder(repo, id, time.Duration(5+i)*time.Minute, nil)
	}
	completion := &stubCompletion{}
	svc := newTestReconciliationService(t, PaymentReconciliationServiceDeps{Orders: repo, Completion: completion, BatchSize: 2})

	summary, err := svc.Reconcile(context.Background(), ReconcileCommand{})
	if err != nil {
		t.Fatalf("Reconcile: %v", err)
	}
	if summary.Scanned != 2 {
		t.Fatalf("expected batch size to cap the sweep, got %d", summary.Scanned)
	}
}

func TestReconcileStopsWhenContextEnds(t *testing.T) {
	repo := memory.NewOrderRepository(nil)
	seedAgedOrder(repo, "a", 6*time.Minute, nil)
	seedAgedOrder(repo, "b", 5*time.Minute, nil)

	ctx, cancel := context.WithCancel(context.Background())
	completion := &stubCompletion{completeFn: func(_ context.Context, cmd CompletePaymentCommand) CompletionResult {
		cancel()
		return CompletionResult{Success: true}
	}}
	svc := newTestReconciliationService(t, PaymentReconciliationServiceDeps{Orders: repo, Completion: completion})

	summary, err := svc.Reconcile(ctx, ReconcileCommand{})
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context canceled, got %v", err)
	}
	if summary.Scanned != 1 || len(completion.commands) != 1 {
		t.Fatalf("expected sweep to stop after first order, got %+v", summary)
	}
}

func TestReconcileErrors(t *testing.T) {
	svc := newTestReconciliationService(t, PaymentReconciliationServiceDeps{Orders: listErrOrders{}, Completion: &stubCompletion{}})
	if _, err := svc.Reconcile(context.Background(), ReconcileCommand{}); !repositories.IsUnavailable(err) {
		t.Fatalf("expected wrapped store error, got %v", err)
	}

	svc = newTestReconciliationService(t, PaymentReconciliationServiceDeps{Orders: memory.NewOrderRepository(nil), Completion: &stubCompletion{}})
	if _, err := svc.Reconcile(context.Background(), ReconcileCommand{MinAge: time.Hour}); err == nil {
		t.Fatalf("expected error when min age exceeds token ttl")
	}
}

func TestNewPaymentReconciliationServiceValidation(t *testing.T) {
	cases := []struct {
		name string
		deps PaymentReconciliationServiceDeps
	}{
		{name: "missing orders", deps: PaymentReconciliationServiceDeps{Completion: &stubCompletion{}}},
		{name: "missing completion", deps: PaymentReconciliationServiceDeps{Orders: memory.NewOrderRepository(nil)}},
		{name: "min age beyond ttl", deps: PaymentReconciliationServiceDeps{
			Orders:     memory.NewOrderRepository(nil),
			Completion: &stubCompletion{},
			TokenTTL:   time.Minute,
			MinAge:     2 * time.Minute,
		}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if _, err := NewPaymentReconciliationService(tc.deps); err == nil {
				t.Fatalf("expected validation error")
			}
		})
	}
}
