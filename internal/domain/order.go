package domain

import (
	"strings"
	"time"
)

// OrderStatus describes the overall lifecycle of an order.
type OrderStatus string

const (
	// OrderStatusPendingPayment marks an order waiting for the gateway to confirm payment.
	OrderStatusPendingPayment OrderStatus = "pending_payment"
	// OrderStatusConfirmed marks an order whose payment has been captured.
	OrderStatusConfirmed OrderStatus = "confirmed"
	// OrderStatusPaymentFailed marks an order whose payment session was declined.
	OrderStatusPaymentFailed OrderStatus = "payment_failed"
	// OrderStatusProcessing is owned by fulfilment workflows.
	OrderStatusProcessing OrderStatus = "processing"
	// OrderStatusShipped is owned by fulfilment workflows.
	OrderStatusShipped OrderStatus = "shipped"
	// OrderStatusDelivered is owned by fulfilment workflows.
	OrderStatusDelivered OrderStatus = "delivered"
	// OrderStatusCancelled is owned by fulfilment workflows.
	OrderStatusCancelled OrderStatus = "cancelled"
	// OrderStatusRefunded is owned by fulfilment workflows.
	OrderStatusRefunded OrderStatus = "refunded"
)

// PaymentStatus describes the state of the payment attached to an order.
type PaymentStatus string

const (
	PaymentStatusPending PaymentStatus = "pending"
	PaymentStatusPaid    PaymentStatus = "paid"
	PaymentStatusFailed  PaymentStatus = "failed"
)

// Order is the unit of payment reconciliation. Fields other than Payment, Status and
// Timeline are owned by checkout and fulfilment and are read-only here.
type Order struct {
	ID          string
	OrderNumber string
	Status      OrderStatus
	Payment     OrderPayment
	Timeline    []TimelineEntry
	Subtotal    float64
	Discount    float64
	DeliveryFee float64
	Total       float64
	Currency    string
	Customer    OrderCustomer
	Products    []OrderProduct
	Delivery    OrderDelivery
	CreatedAt   time.Time
	// UpdatedAt mirrors the store revision of the record and backs optimistic preconditions.
	UpdatedAt time.Time
}

// OrderPayment captures the gateway session and its recorded outcome.
type OrderPayment struct {
	Method              string
	Provider            string
	Status              PaymentStatus
	Token               string
	TokenCreatedAt      time.Time
	CompletionStartedAt *time.Time
	TransactionID       string
	CardLast4           string
	CardType            string
	CardAssociation     string
	Installment         int
	PaidPrice           float64
	PaidAt              *time.Time
	ErrorCode           string
	ErrorMessage        string
	ErrorGroup          string
	// FailedToken is the session token the gateway declined, if any.
	FailedToken string
}

// IsPaid reports whether the payment has reached the paid terminal state.
func (p OrderPayment) IsPaid() bool {
	return p.Status == PaymentStatusPaid
}

// IsFailed reports whether the gateway declined the current session.
func (p OrderPayment) IsFailed() bool {
	return p.Status == PaymentStatusFailed
}

// DeclinedSession reports whether the gateway already declined the session identified
// by token. Records written before the declined token was kept fall back to the stored
// session token.
func (p OrderPayment) DeclinedSession(token string) bool {
	if !p.IsFailed() {
		return false
	}
	if failed := strings.TrimSpace(p.FailedToken); failed != "" {
		return failed == token
	}
	stored := strings.TrimSpace(p.Token)
	return stored == "" || stored == token
}

// CompletionInProgress reports whether another execution holds the advisory
// completion marker at the provided instant.
func (p OrderPayment) CompletionInProgress(now time.Time, ttl time.Duration) bool {
	if p.CompletionStartedAt == nil || p.CompletionStartedAt.IsZero() {
		return false
	}
	return now.Sub(*p.CompletionStartedAt) < ttl
}

// SessionExpired reports whether the gateway session started more than ttl ago.
// A session without a recorded start time is never considered expired.
func (p OrderPayment) SessionExpired(now time.Time, ttl time.Duration) bool {
	if p.TokenCreatedAt.IsZero() || ttl <= 0 {
		return false
	}
	return now.Sub(p.TokenCreatedAt) > ttl
}

// ProviderOrDefault returns the configured provider falling back to fallback.
func (p OrderPayment) ProviderOrDefault(fallback string) string {
	if provider := strings.TrimSpace(strings.ToLower(p.Provider)); provider != "" {
		return provider
	}
	return fallback
}

// TimelineEntry is an immutable audit record appended on each transition.
type TimelineEntry struct {
	Status    string
	Timestamp time.Time
	Note      string
	Automated bool
}

// OrderCustomer holds contact details supplied during checkout.
type OrderCustomer struct {
	Name  string
	Email string
	Phone string
}

// OrderProduct is a purchased line item snapshot.
type OrderProduct struct {
	ProductID string
	Name      string
	Quantity  int
	UnitPrice float64
}

// OrderDelivery captures where and when the order is delivered.
type OrderDelivery struct {
	Address        string
	District       string
	City           string
	Date           string
	TimeSlot       string
	RecipientName  string
	RecipientPhone string
	Note           string
}
