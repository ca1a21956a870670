package firestore

import (
	"context"
	"errors"
	"strings"
	"time"

	"cloud.google.com/go/firestore"

	domain "github.com/petalpost/api/internal/domain"
	pfirestore "github.com/petalpost/api/internal/platform/firestore"
	"github.com/petalpost/api/internal/repositories"
)

const (
	defaultOrdersCollection = "orders"
	maxAwaitingBatch        = 500
)

// OrderRepository stores orders in Firestore. Payment fields live in the nested
// "payment" map and are updated by dotted field path so concurrent writers of sibling
// fields are not clobbered.
type OrderRepository struct {
	base *pfirestore.BaseRepository[orderDocument]
}

var _ repositories.OrderRepository = (*OrderRepository)(nil)

// NewOrderRepository binds the repository to the given collection (defaults to "orders").
func NewOrderRepository(provider *pfirestore.Provider, collection string) (*OrderRepository, error) {
	if provider == nil {
		return nil, errors.New("order repository requires firestore provider")
	}
	if strings.TrimSpace(collection) == "" {
		collection = defaultOrdersCollection
	}
	return &OrderRepository{
		base: pfirestore.NewBaseRepository[orderDocument](provider, collection, nil),
	}, nil
}

// Create persists a new order. Checkout owns order creation; the method exists for
// seeding and local tooling.
func (r *OrderRepository) Create(ctx context.Context, order domain.Order) error {
	if strings.TrimSpace(order.ID) == "" {
		return errors.New("order repository: order id is required")
	}
	_, err := r.base.Create(ctx, order.ID, newOrderDocument(order))
	return err
}

func (r *OrderRepository) FindByID(ctx context.Context, orderID string) (domain.Order, error) {
	doc, err := r.base.Get(ctx, strings.TrimSpace(orderID))
	if err != nil {
		return domain.Order{}, err
	}
	return doc.Data.toDomain(doc.ID, doc.UpdateTime), nil
}

func (r *OrderRepository) FindByPaymentToken(ctx context.Context, token string) (domain.Order, error) {
	token = strings.TrimSpace(token)
	if token == "" {
		return domain.Order{}, pfirestore.NotFound("orders.find_by_token", "payment token is empty")
	}
	doc, err := r.base.First(ctx, func(q firestore.Query) firestore.Query {
		return q.Where("payment.token", "==", token)
	})
	if err != nil {
		return domain.Order{}, err
	}
	return doc.Data.toDomain(doc.ID, doc.UpdateTime), nil
}

func (r *OrderRepository) ApplyPatch(ctx context.Context, orderID string, patch repositories.OrderPatch) error {
	updates := patchUpdates(patch)
	if len(updates) == 0 {
		return nil
	}
	var preconds []firestore.Precondition
	if patch.ExpectedUpdateTime != nil && !patch.ExpectedUpdateTime.IsZero() {
		preconds = append(preconds, firestore.LastUpdateTime(*patch.ExpectedUpdateTime))
	}
	_, err := r.base.Update(ctx, strings.TrimSpace(orderID), updates, preconds...)
	return err
}

func (r *OrderRepository) ListAwaitingCompletion(ctx context.Context, filter repositories.AwaitingCompletionFilter) ([]domain.Order, error) {
	limit := filter.Limit
	if limit <= 0 || limit > maxAwaitingBatch {
		limit = maxAwaitingBatch
	}
	docs, err := r.base.Query(ctx, func(q firestore.Query) firestore.Query {
		q = q.Where("status", "==", string(domain.OrderStatusPendingPayment)).
			Where("payment.status", "==", string(domain.PaymentStatusPending))
		if !filter.TokenCreatedFrom.IsZero() {
			q = q.Where("payment.tokenCreatedAt", ">=", filter.TokenCreatedFrom.UTC())
		}
		if !filter.TokenCreatedBefore.IsZero() {
			q = q.Where("payment.tokenCreatedAt", "<", filter.TokenCreatedBefore.UTC())
		}
		return q.OrderBy("payment.tokenCreatedAt", firestore.Asc).Limit(limit)
	})
	if err != nil {
		return nil, err
	}
	orders := make([]domain.Order, 0, len(docs))
	for _, doc := range docs {
		orders = append(orders, doc.Data.toDomain(doc.ID, doc.UpdateTime))
	}
	return orders, nil
}

func patchUpdates(patch repositories.OrderPatch) []firestore.Update {
	if patch.IsEmpty() {
		return nil
	}
	var updates []firestore.Update
	set := func(path string, value any) {
		updates = append(updates, firestore.Update{Path: path, Value: value})
	}

	if patch.Status != nil {
		set("status", string(*patch.Status))
	}
	p := patch.Payment
	if p.Status != nil {
		set("payment.status", string(*p.Status))
	}
	switch {
	case p.ClearCompletionStartedAt:
		set("payment.completionStartedAt", firestore.Delete)
	case p.CompletionStartedAt != nil:
		set("payment.completionStartedAt", p.CompletionStartedAt.UTC())
	}
	setString := func(path string, value *string) {
		if value != nil {
			set(path, *value)
		}
	}
	setString("payment.transactionId", p.TransactionID)
	setString("payment.cardLast4", p.CardLast4)
	setString("payment.cardType", p.CardType)
	setString("payment.cardAssociation", p.CardAssociation)
	setString("payment.errorCode", p.ErrorCode)
	setString("payment.errorMessage", p.ErrorMessage)
	setString("payment.errorGroup", p.ErrorGroup)
	setString("payment.failedToken", p.FailedToken)
	if p.Installment != nil {
		set("payment.installment", *p.Installment)
	}
	if p.PaidPrice != nil {
		set("payment.paidPrice", *p.PaidPrice)
	}
	if p.PaidAt != nil {
		set("payment.paidAt", p.PaidAt.UTC())
	}
	if len(patch.AppendTimeline) > 0 {
		entries := make([]any, 0, len(patch.AppendTimeline))
		for _, entry := range patch.AppendTimeline {
			entries = append(entries, newTimelineDocument(entry))
		}
		set("timeline", firestore.ArrayUnion(entries...))
	}

	updatedAt := patch.UpdatedAt
	if updatedAt.IsZero() {
		updatedAt = time.Now()
	}
	set("updatedAt", updatedAt.UTC())
	return updates
}
