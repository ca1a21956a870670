package domain

import "time"

// CompletionCode classifies why a payment completion attempt did not succeed.
type CompletionCode string

const (
	// CompletionCodeOrderNotFound means neither the correlation id nor the token resolved an order.
	CompletionCodeOrderNotFound CompletionCode = "ORDER_NOT_FOUND"
	// CompletionCodeTokenExpired means the gateway session outlived its validity window.
	CompletionCodeTokenExpired CompletionCode = "TOKEN_EXPIRED"
	// CompletionCodeGatewayError means the gateway could not be reached. Safe to retry.
	CompletionCodeGatewayError CompletionCode = "IYZICO_API_ERROR"
	// CompletionCodePaymentFailed means the gateway declined the payment.
	CompletionCodePaymentFailed CompletionCode = "PAYMENT_FAILED"
	// CompletionCodeUpdateFailed means the gateway answered but the order could not be persisted.
	CompletionCodeUpdateFailed CompletionCode = "UPDATE_FAILED"
	// CompletionCodeUnexpected covers store outages and recovered panics.
	CompletionCodeUnexpected CompletionCode = "UNEXPECTED_ERROR"
)

// Retryable reports whether calling completion again may change the outcome.
func (c CompletionCode) Retryable() bool {
	switch c {
	case CompletionCodeGatewayError, CompletionCodeUnexpected, CompletionCodeUpdateFailed:
		return true
	default:
		return false
	}
}

// CompletionResult is the uniform outcome of a completion attempt. Every trigger
// renders its own response from this shape.
type CompletionResult struct {
	Success          bool
	Code             CompletionCode
	OrderID          string
	PaymentID        string
	PaidAmount       float64
	CardLast4        string
	CardType         string
	CardAssociation  string
	Installment      int
	Error            string
	ErrorCode        string
	AlreadyCompleted bool
}

// ConfirmationNotification is the payload handed to the notification dispatcher
// after a successful transition.
type ConfirmationNotification struct {
	OrderID         string
	OrderNumber     string
	CustomerEmail   string
	CustomerName    string
	Items           []NotificationItem
	Subtotal        float64
	Discount        float64
	DeliveryFee     float64
	Total           float64
	DeliveryAddress string
	District        string
	DeliveryDate    string
	DeliveryTime    string
	RecipientName   string
	RecipientPhone  string
	PaymentMethod   string
	PaidAt          time.Time
}

// NotificationItem is a line item rendered in confirmation messages.
type NotificationItem struct {
	Name     string
	Quantity int
	Price    float64
}
