package services

import (
	"context"
	"time"

	domain "github.com/petalpost/api/internal/domain"
)

// Type aliases expose domain models to the services package without reversing dependency direction.
type (
	Order                    = domain.Order
	CompletionResult         = domain.CompletionResult
	ConfirmationNotification = domain.ConfirmationNotification
	SystemHealthReport       = domain.SystemHealthReport
)

// CompletionTrigger names the inbound path that asked for completion.
type CompletionTrigger string

const (
	TriggerCheckoutCallback CompletionTrigger = "checkout_callback"
	TriggerThreeDSCallback  CompletionTrigger = "threeds_callback"
	TriggerClientFinalize   CompletionTrigger = "client_finalize"
	TriggerReconciliation   CompletionTrigger = "reconciliation"
)

// CompletePaymentCommand is the normalised input of every completion trigger.
type CompletePaymentCommand struct {
	// Token is the gateway session token. When empty the order's stored token is used.
	Token string
	// CorrelationID is the order id echoed back by the gateway, if any.
	CorrelationID string
	Trigger       CompletionTrigger
	// ConfirmOnly leaves the order pending when the gateway reports a failure.
	ConfirmOnly bool
}

// PaymentStatusSummary is the client-facing view of an order's payment.
type PaymentStatusSummary struct {
	OrderID              string
	OrderNumber          string
	Status               domain.OrderStatus
	PaymentStatus        domain.PaymentStatus
	Provider             string
	CompletionInProgress bool
	SessionExpired       bool
	TransactionID        string
	PaidAmount           float64
	PaidAt               *time.Time
	Error                string
	ErrorCode            string
}

// PaymentCompletionService turns gateway callbacks into exactly-once order payment
// transitions.
type PaymentCompletionService interface {
	// CompletePayment never returns an error; every outcome is a CompletionResult.
	CompletePayment(ctx context.Context, cmd CompletePaymentCommand) CompletionResult
	GetPaymentStatus(ctx context.Context, orderID string) (PaymentStatusSummary, error)
}

// ReconcileCommand bounds a reconciliation sweep.
type ReconcileCommand struct {
	MinAge time.Duration
	Limit  int
}

// ReconcileSummary reports what a sweep did.
type ReconcileSummary struct {
	Scanned          int
	Confirmed        int
	AlreadyCompleted int
	StillPending     int
	Errors           int
	Outcomes         map[string]int
	StartedAt        time.Time
	FinishedAt       time.Time
}

// PaymentReconciliationService recovers payments whose callbacks never arrived.
type PaymentReconciliationService interface {
	Reconcile(ctx context.Context, cmd ReconcileCommand) (ReconcileSummary, error)
}

// NotificationDispatcher delivers order confirmations. Implementations may be slow or
// fail; callers treat it as fire-and-forget.
type NotificationDispatcher interface {
	DispatchOrderConfirmation(ctx context.Context, notification ConfirmationNotification) error
}

// CompletionMetrics records completion outcomes and gateway latency.
type CompletionMetrics interface {
	RecordCompletion(ctx context.Context, trigger string, result CompletionResult, duration time.Duration)
	RecordGatewayCall(ctx context.Context, provider string, duration time.Duration, err error)
}

// SystemService exposes health reports.
type SystemService interface {
	HealthReport(ctx context.Context) (SystemHealthReport, error)
}
