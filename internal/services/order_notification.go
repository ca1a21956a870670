package services

import (
	"context"
	"strings"
	"time"

	domain "github.com/petalpost/api/internal/domain"
)

var paymentMethodLabels = map[string]string{
	"credit_card":   "Kredi Kartı",
	"card":          "Kredi Kartı",
	"debit_card":    "Banka Kartı",
	"bank_transfer": "Havale/EFT",
}

// BuildConfirmationNotification composes the confirmation payload from a paid order.
func BuildConfirmationNotification(order domain.Order) ConfirmationNotification {
	items := make([]domain.NotificationItem, 0, len(order.Products))
	for _, product := range order.Products {
		quantity := product.Quantity
		if quantity <= 0 {
			quantity = 1
		}
		items = append(items, domain.NotificationItem{
			Name:     product.Name,
			Quantity: quantity,
			Price:    product.UnitPrice,
		})
	}

	subtotal := order.Subtotal
	if subtotal == 0 {
		for _, item := range items {
			subtotal += item.Price * float64(item.Quantity)
		}
	}

	address := strings.TrimSpace(order.Delivery.Address)
	if city := strings.TrimSpace(order.Delivery.City); city != "" && !strings.Contains(address, city) {
		if address == "" {
			address = city
		} else {
			address += ", " + city
		}
	}

	var paidAt time.Time
	if order.Payment.PaidAt != nil {
		paidAt = order.Payment.PaidAt.UTC()
	}

	return ConfirmationNotification{
		OrderID:         order.ID,
		OrderNumber:     chooseFirstNonEmpty(order.OrderNumber, order.ID),
		CustomerEmail:   strings.TrimSpace(order.Customer.Email),
		CustomerName:    strings.TrimSpace(order.Customer.Name),
		Items:           items,
		Subtotal:        subtotal,
		Discount:        order.Discount,
		DeliveryFee:     order.DeliveryFee,
		Total:           order.Total,
		DeliveryAddress: address,
		District:        order.Delivery.District,
		DeliveryDate:    order.Delivery.Date,
		DeliveryTime:    order.Delivery.TimeSlot,
		RecipientName:   chooseFirstNonEmpty(order.Delivery.RecipientName, order.Customer.Name),
		RecipientPhone:  chooseFirstNonEmpty(order.Delivery.RecipientPhone, order.Customer.Phone),
		PaymentMethod:   paymentMethodLabel(order.Payment.Method),
		PaidAt:          paidAt,
	}
}

func paymentMethodLabel(method string) string {
	key := strings.ToLower(strings.TrimSpace(method))
	if key == "" {
		return paymentMethodLabels["credit_card"]
	}
	if label, ok := paymentMethodLabels[key]; ok {
		return label
	}
	return method
}

// LogDispatcher records confirmations in the log when no delivery channel is configured.
type LogDispatcher struct {
	Logger func(ctx context.Context, event string, fields map[string]any)
}

var _ NotificationDispatcher = LogDispatcher{}

// DispatchOrderConfirmation logs the notification summary.
func (d LogDispatcher) DispatchOrderConfirmation(ctx context.Context, notification ConfirmationNotification) error {
	if d.Logger == nil {
		return nil
	}
	d.Logger(ctx, "notification.order_confirmation.logged", map[string]any{
		"orderId":     notification.OrderID,
		"orderNumber": notification.OrderNumber,
		"email":       maskEmail(notification.CustomerEmail),
		"items":       len(notification.Items),
		"total":       notification.Total,
	})
	return nil
}

func maskEmail(email string) string {
	local, domainPart, ok := strings.Cut(strings.TrimSpace(email), "@")
	if !ok || local == "" {
		return ""
	}
	return local[:1] + "***@" + domainPart
}
