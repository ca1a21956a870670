// Package memory provides in-process repository implementations used for local
// development and tests.
package memory

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	domain "github.com/petalpost/api/internal/domain"
	"github.com/petalpost/api/internal/repositories"
)

// Error implements repositories.RepositoryError.
type Error struct {
	msg      string
	notFound bool
	conflict bool
}

func (e *Error) Error() string       { return e.msg }
func (e *Error) IsNotFound() bool    { return e.notFound }
func (e *Error) IsConflict() bool    { return e.conflict }
func (e *Error) IsUnavailable() bool { return false }

// OrderRepository keeps orders in a map guarded by a mutex. Every write bumps the
// record revision (UpdatedAt) so preconditions behave like the Firestore store.
type OrderRepository struct {
	mu     sync.Mutex
	orders map[string]domain.Order
	clock  func() time.Time
}

var _ repositories.OrderRepository = (*OrderRepository)(nil)

// NewOrderRepository constructs an empty store. A nil clock defaults to time.Now.
func NewOrderRepository(clock func() time.Time) *OrderRepository {
	if clock == nil {
		clock = time.Now
	}
	return &OrderRepository{orders: make(map[string]domain.Order), clock: clock}
}

// Put inserts or replaces an order and returns the stored copy.
func (r *OrderRepository) Put(order domain.Order) domain.Order {
	r.mu.Lock()
	defer r.mu.Unlock()
	order.UpdatedAt = r.nextRevision(r.orders[order.ID].UpdatedAt)
	r.orders[order.ID] = cloneOrder(order)
	return cloneOrder(order)
}

func (r *OrderRepository) FindByID(_ context.Context, orderID string) (domain.Order, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	order, ok := r.orders[strings.TrimSpace(orderID)]
	if !ok {
		return domain.Order{}, &Error{msg: fmt.Sprintf("orders: %s not found", orderID), notFound: true}
	}
	return cloneOrder(order), nil
}

func (r *OrderRepository) FindByPaymentToken(_ context.Context, token string) (domain.Order, error) {
	token = strings.TrimSpace(token)
	r.mu.Lock()
	defer r.mu.Unlock()
	if token != "" {
		for _, order := range r.orders {
			if order.Payment.Token == token {
				return cloneOrder(order), nil
			}
		}
	}
	return domain.Order{}, &Error{msg: "orders: no order for payment token", notFound: true}
}

func (r *OrderRepository) ApplyPatch(_ context.Context, orderID string, patch repositories.OrderPatch) error {
	if patch.IsEmpty() {
		return nil
	}
	r.mu.Lock()
	defer r.mu.Unlock()

	order, ok := r.orders[orderID]
	if !ok {
		return &Error{msg: fmt.Sprintf("orders: %s not found", orderID), notFound: true}
	}
	if patch.ExpectedUpdateTime != nil && !order.UpdatedAt.Equal(*patch.ExpectedUpdateTime) {
		return &Error{msg: fmt.Sprintf("orders: %s changed since read", orderID), conflict: true}
	}

	if patch.Status != nil {
		order.Status = *patch.Status
	}
	applyPaymentPatch(&order.Payment, patch.Payment)
	order.Timeline = append(append([]domain.TimelineEntry(nil), order.Timeline...), patch.AppendTimeline...)
	order.UpdatedAt = r.nextRevision(order.UpdatedAt)

	r.orders[orderID] = order
	return nil
}

func (r *OrderRepository) ListAwaitingCompletion(_ context.Context, filter repositories.AwaitingCompletionFilter) ([]domain.Order, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	var out []domain.Order
	for _, order := range r.orders {
		if order.Status != domain.OrderStatusPendingPayment || order.Payment.Status != domain.PaymentStatusPending {
			continue
		}
		created := order.Payment.TokenCreatedAt
		if !filter.TokenCreatedFrom.IsZero() && created.Before(filter.TokenCreatedFrom) {
			continue
		}
		if !filter.TokenCreatedBefore.IsZero() && !created.Before(filter.TokenCreatedBefore) {
			continue
		}
		out = append(out, cloneOrder(order))
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].Payment.TokenCreatedAt.Before(out[j].Payment.TokenCreatedAt)
	})
	if filter.Limit > 0 && len(out) > filter.Limit {
		out = out[:filter.Limit]
	}
	return out, nil
}

// Ping satisfies readiness probes.
func (r *OrderRepository) Ping(context.Context) error {
	if r == nil {
		return errors.New("memory order repository not initialised")
	}
	return nil
}

func (r *OrderRepository) nextRevision(prev time.Time) time.Time {
	now := r.clock().UTC()
	if !now.After(prev) {
		now = prev.Add(time.Nanosecond)
	}
	return now
}

func applyPaymentPatch(p *domain.OrderPayment, patch repositories.PaymentPatch) {
	if patch.Status != nil {
		p.Status = *patch.Status
	}
	switch {
	case patch.ClearCompletionStartedAt:
		p.CompletionStartedAt = nil
	case patch.CompletionStartedAt != nil:
		ts := patch.CompletionStartedAt.UTC()
		p.CompletionStartedAt = &ts
	}
	assign := func(dst *string, src *string) {
		if src != nil {
			*dst = *src
		}
	}
	assign(&p.TransactionID, patch.TransactionID)
	assign(&p.CardLast4, patch.CardLast4)
	assign(&p.CardType, patch.CardType)
	assign(&p.CardAssociation, patch.CardAssociation)
	assign(&p.ErrorCode, patch.ErrorCode)
	assign(&p.ErrorMessage, patch.ErrorMessage)
	assign(&p.ErrorGroup, patch.ErrorGroup)
	assign(&p.FailedToken, patch.FailedToken)
	if patch.Installment != nil {
		p.Installment = *patch.Installment
	}
	if patch.PaidPrice != nil {
		p.PaidPrice = *patch.PaidPrice
	}
	if patch.PaidAt != nil {
		ts := patch.PaidAt.UTC()
		p.PaidAt = &ts
	}
}

func cloneOrder(order domain.Order) domain.Order {
	order.Timeline = append([]domain.TimelineEntry(nil), order.Timeline...)
	order.Products = append([]domain.OrderProduct(nil), order.Products...)
	if order.Payment.CompletionStartedAt != nil {
		ts := *order.Payment.CompletionStartedAt
		order.Payment.CompletionStartedAt = &ts
	}
	if order.Payment.PaidAt != nil {
		ts := *order.Payment.PaidAt
		order.Payment.PaidAt = &ts
	}
	return order
}
