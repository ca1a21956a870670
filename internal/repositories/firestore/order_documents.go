package firestore

import (
	"time"

	domain "github.com/petalpost/api/internal/domain"
)

type orderDocument struct {
	OrderNumber   string             `firestore:"orderNumber"`
	Status        string             `firestore:"status"`
	Payment       paymentDocument    `firestore:"payment"`
	Timeline      []timelineDocument `firestore:"timeline"`
	Subtotal      float64            `firestore:"subtotal"`
	Discount      float64            `firestore:"discount"`
	DeliveryFee   float64            `firestore:"deliveryFee"`
	Total         float64            `firestore:"total"`
	Currency      string             `firestore:"currency,omitempty"`
	CustomerName  string             `firestore:"customer_name"`
	CustomerEmail string             `firestore:"customer_email"`
	CustomerPhone string             `firestore:"customer_phone"`
	Products      []productDocument  `firestore:"products"`
	Delivery      deliveryDocument   `firestore:"delivery"`
	CreatedAt     time.Time          `firestore:"createdAt"`
	UpdatedAt     time.Time          `firestore:"updatedAt"`
}

type paymentDocument struct {
	Method              string     `firestore:"method"`
	Provider            string     `firestore:"provider,omitempty"`
	Status              string     `firestore:"status"`
	Token               string     `firestore:"token,omitempty"`
	TokenCreatedAt      time.Time  `firestore:"tokenCreatedAt,omitempty"`
	CompletionStartedAt *time.Time `firestore:"completionStartedAt,omitempty"`
	TransactionID       string     `firestore:"transactionId,omitempty"`
	CardLast4           string     `firestore:"cardLast4,omitempty"`
	CardType            string     `firestore:"cardType,omitempty"`
	CardAssociation     string     `firestore:"cardAssociation,omitempty"`
	Installment         int        `firestore:"installment,omitempty"`
	PaidPrice           float64    `firestore:"paidPrice,omitempty"`
	PaidAt              *time.Time `firestore:"paidAt,omitempty"`
	ErrorCode           string     `firestore:"errorCode,omitempty"`
	ErrorMessage        string     `firestore:"errorMessage,omitempty"`
	ErrorGroup          string     `firestore:"errorGroup,omitempty"`
	FailedToken         string     `firestore:"failedToken,omitempty"`
}

type timelineDocument struct {
	Status    string    `firestore:"status"`
	Timestamp time.Time `firestore:"timestamp"`
	Note      string    `firestore:"note"`
	Automated bool      `firestore:"automated"`
}

type productDocument struct {
	ProductID string  `firestore:"productId,omitempty"`
	Name      string  `firestore:"name"`
	Quantity  int     `firestore:"quantity"`
	Price     float64 `firestore:"price"`
}

type deliveryDocument struct {
	Address        string `firestore:"address"`
	District       string `firestore:"district"`
	City           string `firestore:"city,omitempty"`
	Date           string `firestore:"date"`
	TimeSlot       string `firestore:"time"`
	RecipientName  string `firestore:"recipientName"`
	RecipientPhone string `firestore:"recipientPhone"`
	Note           string `firestore:"note,omitempty"`
}

func newOrderDocument(order domain.Order) orderDocument {
	doc := orderDocument{
		OrderNumber:   order.OrderNumber,
		Status:        string(order.Status),
		Subtotal:      order.Subtotal,
		Discount:      order.Discount,
		DeliveryFee:   order.DeliveryFee,
		Total:         order.Total,
		Currency:      order.Currency,
		CustomerName:  order.Customer.Name,
		CustomerEmail: order.Customer.Email,
		CustomerPhone: order.Customer.Phone,
		Delivery: deliveryDocument{
			Address:        order.Delivery.Address,
			District:       order.Delivery.District,
			City:           order.Delivery.City,
			Date:           order.Delivery.Date,
			TimeSlot:       order.Delivery.TimeSlot,
			RecipientName:  order.Delivery.RecipientName,
			RecipientPhone: order.Delivery.RecipientPhone,
			Note:           order.Delivery.Note,
		},
		CreatedAt: order.CreatedAt.UTC(),
		UpdatedAt: order.UpdatedAt.UTC(),
	}

	p := order.Payment
	doc.Payment = paymentDocument{
		Method:              p.Method,
		Provider:            p.Provider,
		Status:              string(p.Status),
		Token:               p.Token,
		TokenCreatedAt:      p.TokenCreatedAt.UTC(),
		CompletionStartedAt: utcPtr(p.CompletionStartedAt),
		TransactionID:       p.TransactionID,
		CardLast4:           p.CardLast4,
		CardType:            p.CardType,
		CardAssociation:     p.CardAssociation,
		Installment:         p.Installment,
		PaidPrice:           p.PaidPrice,
		PaidAt:              utcPtr(p.PaidAt),
		ErrorCode:           p.ErrorCode,
		ErrorMessage:        p.ErrorMessage,
		ErrorGroup:          p.ErrorGroup,
		FailedToken:         p.FailedToken,
	}

	for _, entry := range order.Timeline {
		doc.Timeline = append(doc.Timeline, newTimelineDocument(entry))
	}
	for _, product := range order.Products {
		doc.Products = append(doc.Products, productDocument{
			ProductID: product.ProductID,
			Name:      product.Name,
			Quantity:  product.Quantity,
			Price:     product.UnitPrice,
		})
	}
	return doc
}

func newTimelineDocument(entry domain.TimelineEntry) timelineDocument {
	return timelineDocument{
		Status:    entry.Status,
		Timestamp: entry.Timestamp.UTC(),
		Note:      entry.Note,
		Automated: entry.Automated,
	}
}

func (d orderDocument) toDomain(id string, updateTime time.Time) domain.Order {
	order := domain.Order{
		ID:          id,
		OrderNumber: d.OrderNumber,
		Status:      domain.OrderStatus(d.Status),
		Subtotal:    d.Subtotal,
		Discount:    d.Discount,
		DeliveryFee: d.DeliveryFee,
		Total:       d.Total,
		Currency:    d.Currency,
		Customer: domain.OrderCustomer{
			Name:  d.CustomerName,
			Email: d.CustomerEmail,
			Phone: d.CustomerPhone,
		},
		Delivery: domain.OrderDelivery{
			Address:        d.Delivery.Address,
			District:       d.Delivery.District,
			City:           d.Delivery.City,
			Date:           d.Delivery.Date,
			TimeSlot:       d.Delivery.TimeSlot,
			RecipientName:  d.Delivery.RecipientName,
			RecipientPhone: d.Delivery.RecipientPhone,
			Note:           d.Delivery.Note,
		},
		CreatedAt: d.CreatedAt,
		UpdatedAt: updateTime,
	}

	p := d.Payment
	order.Payment = domain.OrderPayment{
		Method:              p.Method,
		Provider:            p.Provider,
		Status:              domain.PaymentStatus(p.Status),
		Token:               p.Token,
		TokenCreatedAt:      p.TokenCreatedAt,
		CompletionStartedAt: p.CompletionStartedAt,
		TransactionID:       p.TransactionID,
		CardLast4:           p.CardLast4,
		CardType:            p.CardType,
		CardAssociation:     p.CardAssociation,
		Installment:         p.Installment,
		PaidPrice:           p.PaidPrice,
		PaidAt:              p.PaidAt,
		ErrorCode:           p.ErrorCode,
		ErrorMessage:        p.ErrorMessage,
		ErrorGroup:          p.ErrorGroup,
		FailedToken:         p.FailedToken,
	}

	for _, entry := range d.Timeline {
		order.Timeline = append(order.Timeline, domain.TimelineEntry{
			Status:    entry.Status,
			Timestamp: entry.Timestamp,
			Note:      entry.Note,
			Automated: entry.Automated,
		})
	}
	for _, product := range d.Products {
		order.Products = append(order.Products, domain.OrderProduct{
			ProductID: product.ProductID,
			Name:      product.Name,
			Quantity:  product.Quantity,
			UnitPrice: product.Price,
		})
	}
	return order
}

func utcPtr(t *time.Time) *time.Time {
	if t == nil || t.IsZero() {
		return nil
	}
	v := t.UTC()
	return &v
}
