package jobs

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"cloud.google.com/go/pubsub"
	"github.com/oklog/ulid/v2"

	"github.com/petalpost/api/internal/services"
)

// MessageTypeOrderConfirmation tags confirmation jobs for the mail worker.
const MessageTypeOrderConfirmation = "order.confirmation"

// OrderConfirmationJob is the JSON payload consumed by the mail worker.
type OrderConfirmationJob struct {
	MessageID       string                  `json:"messageId"`
	OrderID         string                  `json:"orderId"`
	OrderNumber     string                  `json:"orderNumber"`
	CustomerEmail   string                  `json:"customerEmail"`
	CustomerName    string                  `json:"customerName"`
	Items           []OrderConfirmationItem `json:"items"`
	Subtotal        float64                 `json:"subtotal"`
	Discount        float64                 `json:"discount"`
	DeliveryFee     float64                 `json:"deliveryFee"`
	Total           float64                 `json:"total"`
	DeliveryAddress string                  `json:"deliveryAddress"`
	District        string                  `json:"district,omitempty"`
	DeliveryDate    string                  `json:"deliveryDate,omitempty"`
	DeliveryTime    string                  `json:"deliveryTime,omitempty"`
	RecipientName   string                  `json:"recipientName,omitempty"`
	RecipientPhone  string                  `json:"recipientPhone,omitempty"`
	PaymentMethod   string                  `json:"paymentMethod"`
	PaidAt          *time.Time              `json:"paidAt,omitempty"`
	QueuedAt        time.Time               `json:"queuedAt"`
}

// OrderConfirmationItem is a line item inside OrderConfirmationJob.
type OrderConfirmationItem struct {
	Name     string  `json:"name"`
	Quantity int     `json:"quantity"`
	Price    float64 `json:"price"`
}

// PubSubNotificationPublisher publishes order confirmation jobs to a Pub/Sub topic.
type PubSubNotificationPublisher struct {
	topic   *pubsub.Topic
	marshal func(any) ([]byte, error)
	clock   func() time.Time
	newID   func() string
}

var _ services.NotificationDispatcher = (*PubSubNotificationPublisher)(nil)

// NewPubSubNotificationPublisher constructs a Pub/Sub backed notification dispatcher.
func NewPubSubNotificationPublisher(topic *pubsub.Topic) (*PubSubNotificationPublisher, error) {
	if topic == nil {
		return nil, errors.New("pubsub notification publisher: topic is required")
	}
	return &PubSubNotificationPublisher{
		topic:   topic,
		marshal: json.Marshal,
		clock:   time.Now,
		newID:   func() string { return ulid.Make().String() },
	}, nil
}

// DispatchOrderConfirmation enqueues the confirmation on the configured topic and
// waits for the server acknowledgement.
func (p *PubSubNotificationPublisher) DispatchOrderConfirmation(ctx context.Context, notification services.ConfirmationNotification) error {
	if p == nil || p.topic == nil {
		return errors.New("pubsub notification publisher: not initialised")
	}

	job := newOrderConfirmationJob(notification, p.newID(), p.clock().UTC())
	data, err := p.marshal(job)
	if err != nil {
		return fmt.Errorf("marshal order confirmation: %w", err)
	}

	attrs := map[string]string{"type": MessageTypeOrderConfirmation}
	setAttr(attrs, "messageId", job.MessageID)
	setAttr(attrs, "orderId", job.OrderID)
	setAttr(attrs, "orderNumber", job.OrderNumber)

	result := p.topic.Publish(ctx, &pubsub.Message{
		Data:       data,
		Attributes: attrs,
	})
	if _, err := result.Get(ctx); err != nil {
		return fmt.Errorf("publish order confirmation: %w", err)
	}
	return nil
}

func newOrderConfirmationJob(n services.ConfirmationNotification, messageID string, queuedAt time.Time) OrderConfirmationJob {
	items := make([]OrderConfirmationItem, 0, len(n.Items))
	for _, item := range n.Items {
		items = append(items, OrderConfirmationItem{Name: item.Name, Quantity: item.Quantity, Price: item.Price})
	}
	job := OrderConfirmationJob{
		MessageID:       messageID,
		OrderID:         n.OrderID,
		OrderNumber:     n.OrderNumber,
		CustomerEmail:   n.CustomerEmail,
		CustomerName:    n.CustomerName,
		Items:           items,
		Subtotal:        n.Subtotal,
		Discount:        n.Discount,
		DeliveryFee:     n.DeliveryFee,
		Total:           n.Total,
		DeliveryAddress: n.DeliveryAddress,
		District:        n.District,
		DeliveryDate:    n.DeliveryDate,
		DeliveryTime:    n.DeliveryTime,
		RecipientName:   n.RecipientName,
		RecipientPhone:  n.RecipientPhone,
		PaymentMethod:   n.PaymentMethod,
		QueuedAt:        queuedAt,
	}
	if !n.PaidAt.IsZero() {
		paidAt := n.PaidAt.UTC()
		job.PaidAt = &paidAt
	}
	return job
}

func setAttr(attrs map[string]string, key string, value string) {
	if v := strings.TrimSpace(value); v != "" {
		attrs[key] = v
	}
}
