package repositories

import (
	"context"
	"time"

	domain "github.com/petalpost/api/internal/domain"
)

// RepositoryError wraps low-level persistence failures with categorisation used by services.
type RepositoryError interface {
	error
	IsNotFound() bool
	IsConflict() bool
	IsUnavailable() bool
}

// OrderRepository is the order record store used by payment completion. It offers
// point reads, field-level partial updates and filter queries, but no multi-document
// transactions.
type OrderRepository interface {
	FindByID(ctx context.Context, orderID string) (domain.Order, error)
	// FindByPaymentToken resolves the order whose nested payment.token equals token.
	FindByPaymentToken(ctx context.Context, token string) (domain.Order, error)
	// ApplyPatch writes only the fields named by the patch. Concurrent writes to other
	// fields are preserved.
	ApplyPatch(ctx context.Context, orderID string, patch OrderPatch) error
	ListAwaitingCompletion(ctx context.Context, filter AwaitingCompletionFilter) ([]domain.Order, error)
}

// OrderPatch lists the order fields to change. Nil pointers are left untouched.
type OrderPatch struct {
	Status         *domain.OrderStatus
	Payment        PaymentPatch
	AppendTimeline []domain.TimelineEntry
	UpdatedAt      time.Time
	// ExpectedUpdateTime, when set, rejects the write with a conflict if the stored
	// record changed since it was read.
	ExpectedUpdateTime *time.Time
}

// PaymentPatch lists nested payment fields to change.
type PaymentPatch struct {
	Status                   *domain.PaymentStatus
	CompletionStartedAt      *time.Time
	ClearCompletionStartedAt bool
	TransactionID            *string
	CardLast4                *string
	CardType                 *string
	CardAssociation          *string
	Installment              *int
	PaidPrice                *float64
	PaidAt                   *time.Time
	ErrorCode                *string
	ErrorMessage             *string
	ErrorGroup               *string
	FailedToken              *string
}

// IsEmpty reports whether the patch would write nothing besides the update timestamp.
func (p OrderPatch) IsEmpty() bool {
	pp := p.Payment
	return p.Status == nil && len(p.AppendTimeline) == 0 &&
		pp.Status == nil && pp.CompletionStartedAt == nil && !pp.ClearCompletionStartedAt &&
		pp.TransactionID == nil && pp.CardLast4 == nil && pp.CardType == nil && pp.CardAssociation == nil &&
		pp.Installment == nil && pp.PaidPrice == nil && pp.PaidAt == nil &&
		pp.ErrorCode == nil && pp.ErrorMessage == nil && pp.ErrorGroup == nil &&
		pp.FailedToken == nil
}

// AwaitingCompletionFilter selects pending_payment orders with a pending payment whose
// session started within [TokenCreatedFrom, TokenCreatedBefore).
type AwaitingCompletionFilter struct {
	TokenCreatedFrom   time.Time
	TokenCreatedBefore time.Time
	Limit              int
}

// HealthRepository exposes status of downstream dependencies for health checks.
type HealthRepository interface {
	Collect(ctx context.Context) (domain.SystemHealthReport, error)
}
