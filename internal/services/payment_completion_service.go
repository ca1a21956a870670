package services

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"strings"
	"time"

	domain "github.com/petalpost/api/internal/domain"
	"github.com/petalpost/api/internal/payments"
	"github.com/petalpost/api/internal/repositories"
)

const (
	defaultPaymentTokenTTL          = 25 * time.Minute
	defaultCompletionLockTTL        = 30 * time.Second
	defaultCompletionLockWait       = 2 * time.Second
	defaultGatewayTimeout           = 15 * time.Second
	defaultNotificationTimeout      = 10 * time.Second
	timelineStatusConfirmed         = "confirmed"
	timelineStatusPaymentFailed     = "payment_failed"
	completionEventFinished         = "payment.completion.finished"
	completionEventLockWait         = "payment.completion.lock_wait"
	completionEventLockFailed       = "payment.completion.lock_failed"
	completionEventGatewayFailed    = "payment.completion.gateway_unavailable"
	completionEventUpdateFailed     = "payment.completion.update_failed"
	completionEventStoreFailed      = "payment.completion.store_failed"
	completionEventPanic            = "payment.completion.panic"
	completionEventNotifyFailed     = "payment.completion.notification_failed"
	completionEventLeftPending      = "payment.completion.left_pending"
	completionEventTransitionRetry  = "payment.completion.transition_conflict"
	completionEventUnsupportedRoute = "payment.completion.unsupported_provider"

	completionEventTokenMismatch     = "payment.completion.token_mismatch"
	completionEventReferenceMismatch = "payment.completion.reference_mismatch"
	completionEventAmountMismatch    = "payment.completion.amount_mismatch"
	completionEventStatusKept        = "payment.completion.order_status_kept"

	// amountMismatchErrorCode is recorded when the captured amount does not cover the order.
	amountMismatchErrorCode = "AMOUNT_MISMATCH"
	amountTolerance         = 0.01
)

var (
	// ErrPaymentInvalidInput indicates the caller supplied an unusable order id.
	ErrPaymentInvalidInput = errors.New("payment completion: invalid input")
	// ErrPaymentOrderNotFound indicates the order does not exist.
	ErrPaymentOrderNotFound = errors.New("payment completion: order not found")
	// ErrPaymentUnavailable indicates the order store could not be reached.
	ErrPaymentUnavailable = errors.New("payment completion: unavailable")
)

// paymentVerifier abstracts payments.Manager for easier testing.
type paymentVerifier interface {
	VerifyWith(ctx context.Context, provider string, req payments.VerifyRequest) (payments.VerificationResult, error)
}

// PaymentCompletionServiceDeps wires the dependencies required by the completion service.
type PaymentCompletionServiceDeps struct {
	Orders   repositories.OrderRepository
	Gateway  paymentVerifier
	Notifier NotificationDispatcher
	Metrics  CompletionMetrics
	Clock    func() time.Time
	// Sleep waits for d or until ctx is done.
	Sleep func(ctx context.Context, d time.Duration) error
	// Go runs fire-and-forget work. Defaults to a new goroutine.
	Go     func(func())
	Logger func(ctx context.Context, event string, fields map[string]any)

	TokenTTL            time.Duration
	LockTTL             time.Duration
	LockWait            time.Duration
	GatewayTimeout      time.Duration
	NotificationTimeout time.Duration
	Locale              string
}

type paymentCompletionService struct {
	orders              repositories.OrderRepository
	gateway             paymentVerifier
	notifier            NotificationDispatcher
	metrics             CompletionMetrics
	now                 func() time.Time
	sleep               func(context.Context, time.Duration) error
	spawn               func(func())
	logger              func(context.Context, string, map[string]any)
	classifier          payments.Classifier
	tokenTTL            time.Duration
	lockTTL             time.Duration
	lockWait            time.Duration
	gatewayTimeout      time.Duration
	notificationTimeout time.Duration
	locale              string
}

var _ PaymentCompletionService = (*paymentCompletionService)(nil)

// NewPaymentCompletionService constructs the completion orchestrator.
func NewPaymentCompletionService(deps PaymentCompletionServiceDeps) (PaymentCompletionService, error) {
	if deps.Orders == nil {
		return nil, errors.New("payment completion service: order repository is required")
	}
	if deps.Gateway == nil {
		return nil, errors.New("payment completion service: payment gateway is required")
	}

	clock := deps.Clock
	if clock == nil {
		clock = time.Now
	}
	sleep := deps.Sleep
	if sleep == nil {
		sleep = sleepContext
	}
	spawn := deps.Go
	if spawn == nil {
		spawn = func(fn func()) { go fn() }
	}
	logger := deps.Logger
	if logger == nil {
		logger = func(context.Context, string, map[string]any) {}
	}
	metrics := deps.Metrics
	if metrics == nil {
		metrics = noopCompletionMetrics{}
	}

	lockTTL := durationOrDefault(deps.LockTTL, defaultCompletionLockTTL)
	lockWait := durationOrDefault(deps.LockWait, defaultCompletionLockWait)
	if lockWait >= lockTTL {
		return nil, fmt.Errorf("payment completion service: lock wait %s must be shorter than lock ttl %s", lockWait, lockTTL)
	}

	locale := strings.TrimSpace(deps.Locale)
	if locale == "" {
		locale = "tr"
	}

	return &paymentCompletionService{
		orders:   deps.Orders,
		gateway:  deps.Gateway,
		notifier: deps.Notifier,
		metrics:  metrics,
		now: func() time.Time {
			return clock().UTC()
		},
		sleep:               sleep,
		spawn:               spawn,
		logger:              logger,
		classifier:          payments.NewClassifier(locale),
		tokenTTL:            durationOrDefault(deps.TokenTTL, defaultPaymentTokenTTL),
		lockTTL:             lockTTL,
		lockWait:            lockWait,
		gatewayTimeout:      durationOrDefault(deps.GatewayTimeout, defaultGatewayTimeout),
		notificationTimeout: durationOrDefault(deps.NotificationTimeout, defaultNotificationTimeout),
		locale:              locale,
	}, nil
}

// CompletePayment resolves the order, short-circuits completed or expired sessions,
// takes the advisory completion lock, verifies with the gateway and records the
// terminal transition. Panics are converted into UNEXPECTED_ERROR results.
func (s *paymentCompletionService) CompletePayment(ctx context.Context, cmd CompletePaymentCommand) (result CompletionResult) {
	started := s.now()
	defer func() {
		if r := recover(); r != nil {
			s.logger(ctx, completionEventPanic, map[string]any{
				"panic":   fmt.Sprint(r),
				"stack":   string(debug.Stack()),
				"trigger": string(cmd.Trigger),
			})
			result = s.failure(domain.CompletionCodeUnexpected, result.OrderID, s.classifier.Message(payments.MessageGeneric), "")
		}
		duration := s.now().Sub(started)
		s.metrics.RecordCompletion(ctx, string(cmd.Trigger), result, duration)
		s.logger(ctx, completionEventFinished, map[string]any{
			"orderId":          result.OrderID,
			"trigger":          string(cmd.Trigger),
			"success":          result.Success,
			"code":             string(result.Code),
			"errorCode":        result.ErrorCode,
			"alreadyCompleted": result.AlreadyCompleted,
			"durationMs":       duration.Milliseconds(),
		})
	}()
	return s.complete(ctx, cmd)
}

func (s *paymentCompletionService) complete(ctx context.Context, cmd CompletePaymentCommand) CompletionResult {
	token := strings.TrimSpace(cmd.Token)
	correlationID := strings.TrimSpace(cmd.CorrelationID)

	order, failed := s.resolveOrder(ctx, token, correlationID)
	if failed != nil {
		return *failed
	}

	// A supplied token must be the order's current session; a session opened for
	// another order is never verified or recorded here.
	if stored := strings.TrimSpace(order.Payment.Token); token != "" && stored != "" && stored != token {
		s.logger(ctx, completionEventTokenMismatch, map[string]any{
			"orderId": order.ID,
			"trigger": string(cmd.Trigger),
		})
		return s.failure(domain.CompletionCodeOrderNotFound, "", s.classifier.Message(payments.MessageSessionNotFound), "")
	}

	if order.Payment.IsPaid() {
		return paidResult(order, true)
	}

	sessionToken := token
	if sessionToken == "" {
		sessionToken = strings.TrimSpace(order.Payment.Token)
	}
	if sessionToken == "" {
		return s.failure(domain.CompletionCodeOrderNotFound, order.ID, s.classifier.Message(payments.MessageSessionNotFound), "")
	}
	if order.Payment.DeclinedSession(sessionToken) {
		return s.recordedFailure(order)
	}

	if order.Payment.SessionExpired(s.now(), s.tokenTTL) {
		return s.failure(domain.CompletionCodeTokenExpired, order.ID, s.classifier.Message(payments.MessageSessionExpired), "")
	}

	waited := false
	if order.Payment.CompletionInProgress(s.now(), s.lockTTL) {
		waited = true
		fresh, done := s.awaitConcurrentCompletion(ctx, order, sessionToken, true)
		if done != nil {
			return *done
		}
		order = fresh
	}

	// Once the lock is written the remaining steps run to completion even if the
	// caller goes away, so a captured payment is always recorded.
	work := context.WithoutCancel(ctx)
	if done := s.acquireLock(work, ctx, &order, sessionToken, waited); done != nil {
		return *done
	}

	verification, err := s.verify(work, order, sessionToken)
	if err != nil {
		if errors.Is(err, payments.ErrReferenceMismatch) {
			s.logger(ctx, completionEventReferenceMismatch, map[string]any{
				"orderId": order.ID,
				"error":   err.Error(),
			})
			s.releaseLock(work, order.ID)
			return s.failure(domain.CompletionCodeOrderNotFound, "", s.classifier.Message(payments.MessageSessionNotFound), "")
		}
		if errors.Is(err, payments.ErrUnsupportedProvider) {
			s.logger(ctx, completionEventUnsupportedRoute, map[string]any{
				"orderId":  order.ID,
				"provider": order.Payment.Provider,
			})
			return s.failure(domain.CompletionCodeUnexpected, order.ID, s.classifier.Message(payments.MessageGeneric), "")
		}
		s.logger(ctx, completionEventGatewayFailed, map[string]any{
			"orderId": order.ID,
			"error":   err.Error(),
		})
		return s.failure(domain.CompletionCodeGatewayError, order.ID, s.classifier.Message(payments.MessageTimeout), "")
	}

	if !verification.Succeeded() {
		return s.recordFailure(work, order, sessionToken, verification, cmd.ConfirmOnly)
	}
	return s.recordSuccess(work, order, verification)
}

func (s *paymentCompletionService) resolveOrder(ctx context.Context, token, correlationID string) (domain.Order, *CompletionResult) {
	if correlationID != "" {
		order, err := s.orders.FindByID(ctx, correlationID)
		switch {
		case err == nil:
			return order, nil
		case !repositories.IsNotFound(err):
			return domain.Order{}, s.storeFailure(ctx, correlationID, "find_by_id", err)
		}
	}
	if token != "" {
		order, err := s.orders.FindByPaymentToken(ctx, token)
		switch {
		case err == nil:
			return order, nil
		case !repositories.IsNotFound(err):
			return domain.Order{}, s.storeFailure(ctx, correlationID, "find_by_token", err)
		}
	}
	result := s.failure(domain.CompletionCodeOrderNotFound, "", s.classifier.Message(payments.MessageSessionNotFound), "")
	return domain.Order{}, &result
}

func (s *paymentCompletionService) storeFailure(ctx context.Context, orderID, op string, err error) *CompletionResult {
	s.logger(ctx, completionEventStoreFailed, map[string]any{
		"orderId": orderID,
		"op":      op,
		"error":   err.Error(),
	})
	result := s.failure(domain.CompletionCodeUnexpected, orderID, s.classifier.Message(payments.MessageGeneric), "")
	return &result
}

// awaitConcurrentCompletion backs off once while another execution holds the lock and
// re-reads the order. A non-nil result means the other execution already finished.
func (s *paymentCompletionService) awaitConcurrentCompletion(ctx context.Context, order domain.Order, token string, wait bool) (domain.Order, *CompletionResult) {
	if wait {
		s.logger(ctx, completionEventLockWait, map[string]any{
			"orderId": order.ID,
			"waitMs":  s.lockWait.Milliseconds(),
		})
		if err := s.sleep(ctx, s.lockWait); err != nil {
			result := s.failure(domain.CompletionCodeUnexpected, order.ID, s.classifier.Message(payments.MessageGeneric), "")
			return domain.Order{}, &result
		}
	}
	fresh, err := s.orders.FindByID(ctx, order.ID)
	if err != nil {
		return domain.Order{}, s.storeFailure(ctx, order.ID, "reread", err)
	}
	if fresh.Payment.IsPaid() {
		result := paidResult(fresh, true)
		return fresh, &result
	}
	if fresh.Payment.DeclinedSession(token) {
		result := s.recordedFailure(fresh)
		return fresh, &result
	}
	return fresh, nil
}

// acquireLock writes completionStartedAt guarded by the revision the order was read at.
// A conflict means another execution touched the order first; it is resolved through a
// single wait and re-read. Other write failures are logged and ignored.
func (s *paymentCompletionService) acquireLock(work, ctx context.Context, order *domain.Order, token string, waited bool) *CompletionResult {
	lockAt := s.now()
	patch := repositories.OrderPatch{
		Payment:   repositories.PaymentPatch{CompletionStartedAt: &lockAt},
		UpdatedAt: lockAt,
	}
	if !order.UpdatedAt.IsZero() {
		revision := order.UpdatedAt
		patch.ExpectedUpdateTime = &revision
	}

	err := s.orders.ApplyPatch(work, order.ID, patch)
	if err == nil {
		return nil
	}
	if !repositories.IsConflict(err) {
		s.logger(ctx, completionEventLockFailed, map[string]any{
			"orderId": order.ID,
			"error":   err.Error(),
		})
		return nil
	}

	fresh, done := s.awaitConcurrentCompletion(ctx, *order, token, !waited)
	if done != nil {
		return done
	}
	*order = fresh

	lockAt = s.now()
	patch.Payment.CompletionStartedAt = &lockAt
	patch.UpdatedAt = lockAt
	patch.ExpectedUpdateTime = nil
	if err := s.orders.ApplyPatch(work, order.ID, patch); err != nil {
		s.logger(ctx, completionEventLockFailed, map[string]any{
			"orderId": order.ID,
			"error":   err.Error(),
		})
	}
	return nil
}

func (s *paymentCompletionService) verify(ctx context.Context, order domain.Order, token string) (payments.VerificationResult, error) {
	provider := order.Payment.ProviderOrDefault("")

	gctx, cancel := context.WithTimeout(ctx, s.gatewayTimeout)
	defer cancel()

	started := s.now()
	result, err := s.gateway.VerifyWith(gctx, provider, payments.VerifyRequest{
		Token:          token,
		ConversationID: order.ID,
		Locale:         s.locale,
	})
	s.metrics.RecordGatewayCall(ctx, provider, s.now().Sub(started), err)
	return result, err
}

func (s *paymentCompletionService) recordFailure(ctx context.Context, order domain.Order, token string, v payments.VerificationResult, confirmOnly bool) CompletionResult {
	message := s.classifier.Classify(v.ErrorCode, v.ErrorMessage)

	if confirmOnly {
		s.releaseLock(ctx, order.ID)
		s.logger(ctx, completionEventLeftPending, map[string]any{
			"orderId":   order.ID,
			"errorCode": v.ErrorCode,
		})
		return s.failure(domain.CompletionCodePaymentFailed, order.ID, message, v.ErrorCode)
	}

	now := s.now()
	orderStatus := domain.OrderStatusPaymentFailed
	paymentStatus := domain.PaymentStatusFailed
	errorCode, errorMessage, errorGroup := v.ErrorCode, v.ErrorMessage, v.ErrorGroup
	failedToken := token
	note := "Payment failed"
	if errorMessage != "" {
		note += ": " + errorMessage
	}

	patch := repositories.OrderPatch{
		Status: &orderStatus,
		Payment: repositories.PaymentPatch{
			Status:                   &paymentStatus,
			ClearCompletionStartedAt: true,
			ErrorCode:                &errorCode,
			ErrorMessage:             &errorMessage,
			ErrorGroup:               &errorGroup,
			FailedToken:              &failedToken,
		},
		AppendTimeline: []domain.TimelineEntry{{
			Status:    timelineStatusPaymentFailed,
			Timestamp: now,
			Note:      note,
			Automated: true,
		}},
		UpdatedAt: now,
	}

	current, alreadyPaid, err := s.commitTransition(ctx, order, patch)
	if err != nil {
		s.logger(ctx, completionEventUpdateFailed, map[string]any{
			"orderId":   order.ID,
			"outcome":   "payment_failed",
			"errorCode": errorCode,
			"error":     err.Error(),
		})
		return s.failure(domain.CompletionCodeUpdateFailed, order.ID, s.classifier.Message(payments.MessageGeneric), errorCode)
	}
	if alreadyPaid {
		return paidResult(current, true)
	}
	return s.failure(domain.CompletionCodePaymentFailed, order.ID, message, errorCode)
}

func (s *paymentCompletionService) recordSuccess(ctx context.Context, order domain.Order, v payments.VerificationResult) CompletionResult {
	if !coversOrder(order, v) {
		return s.recordAmountMismatch(ctx, order, v)
	}

	now := s.now()
	orderStatus := domain.OrderStatusConfirmed
	paymentStatus := domain.PaymentStatusPaid
	installment := v.Installment
	if installment <= 0 {
		installment = 1
	}
	paidPrice := v.PaidPrice
	if paidPrice <= 0 {
		paidPrice = order.Total
	}
	paymentID, last4, cardType, association := v.PaymentID, v.LastFourDigits, v.CardType, v.CardAssociation
	var cleared string

	note := "Payment confirmed"
	if paymentID != "" {
		note += " (" + paymentID + ")"
	}

	patch := repositories.OrderPatch{
		Status: &orderStatus,
		Payment: repositories.PaymentPatch{
			Status:                   &paymentStatus,
			ClearCompletionStartedAt: true,
			TransactionID:            &paymentID,
			CardLast4:                &last4,
			CardType:                 &cardType,
			CardAssociation:          &association,
			Installment:              &installment,
			PaidPrice:                &paidPrice,
			PaidAt:                   &now,
			ErrorCode:                &cleared,
			ErrorMessage:             &cleared,
			ErrorGroup:               &cleared,
		},
		AppendTimeline: []domain.TimelineEntry{{
			Status:    timelineStatusConfirmed,
			Timestamp: now,
			Note:      note,
			Automated: true,
		}},
		UpdatedAt: now,
	}

	current, alreadyPaid, err := s.commitTransition(ctx, order, patch)
	if err != nil {
		s.logger(ctx, completionEventUpdateFailed, map[string]any{
			"orderId":   order.ID,
			"outcome":   "confirmed",
			"paymentId": paymentID,
			"paidPrice": paidPrice,
			"error":     err.Error(),
		})
		result := s.failure(domain.CompletionCodeUpdateFailed, order.ID, s.classifier.Message(payments.MessageGeneric), "")
		result.PaymentID = paymentID
		return result
	}
	if alreadyPaid {
		return paidResult(current, true)
	}

	if payableStatus(current.Status) {
		current.Status = orderStatus
	}
	current.Payment.Status = paymentStatus
	current.Payment.TransactionID = paymentID
	current.Payment.PaidPrice = paidPrice
	current.Payment.PaidAt = &now
	s.dispatchConfirmation(ctx, current)

	return CompletionResult{
		Success:         true,
		OrderID:         order.ID,
		PaymentID:       paymentID,
		PaidAmount:      paidPrice,
		CardLast4:       last4,
		CardType:        cardType,
		CardAssociation: association,
		Installment:     installment,
	}
}

// commitTransition re-reads the order and writes the terminal patch guarded by that
// revision. An order found paid is never overwritten, and the order status only moves
// out of pending_payment or payment_failed. A conflicting write is retried
// once against a fresh read before falling back to an unguarded write.
func (s *paymentCompletionService) commitTransition(ctx context.Context, order domain.Order, patch repositories.OrderPatch) (domain.Order, bool, error) {
	target := patch.Status
	current := order
	patch.Status = s.transitionStatus(ctx, current, target)
	for attempt := 0; attempt < 2; attempt++ {
		fresh, err := s.orders.FindByID(ctx, order.ID)
		if err != nil {
			s.logger(ctx, completionEventStoreFailed, map[string]any{
				"orderId": order.ID,
				"op":      "reread_before_commit",
				"error":   err.Error(),
			})
			break
		}
		current = fresh
		if current.Payment.IsPaid() {
			return current, true, nil
		}
		patch.Status = s.transitionStatus(ctx, current, target)
		patch.ExpectedUpdateTime = nil
		if !current.UpdatedAt.IsZero() {
			revision := current.UpdatedAt
			patch.ExpectedUpdateTime = &revision
		}
		err = s.orders.ApplyPatch(ctx, order.ID, patch)
		if err == nil || !repositories.IsConflict(err) {
			return current, false, err
		}
		s.logger(ctx, completionEventTransitionRetry, map[string]any{
			"orderId": order.ID,
			"attempt": attempt + 1,
		})
	}
	patch.ExpectedUpdateTime = nil
	return current, false, s.orders.ApplyPatch(ctx, order.ID, patch)
}

// transitionStatus returns target when the order may still change status here. Orders
// already handed to fulfilment keep their status and only receive payment facts.
func (s *paymentCompletionService) transitionStatus(ctx context.Context, current domain.Order, target *domain.OrderStatus) *domain.OrderStatus {
	if target == nil || payableStatus(current.Status) {
		return target
	}
	s.logger(ctx, completionEventStatusKept, map[string]any{
		"orderId":     current.ID,
		"orderStatus": string(current.Status),
		"wanted":      string(*target),
	})
	return nil
}

func payableStatus(status domain.OrderStatus) bool {
	return status == domain.OrderStatusPendingPayment || status == domain.OrderStatusPaymentFailed
}

// coversOrder reports whether the captured amount and currency match the order. Zero
// amounts and empty currencies are not compared.
func coversOrder(order domain.Order, v payments.VerificationResult) bool {
	if order.Total > 0 && v.PaidPrice > 0 && v.PaidPrice+amountTolerance < order.Total {
		return false
	}
	want, got := strings.TrimSpace(order.Currency), strings.TrimSpace(v.Currency)
	return want == "" || got == "" || strings.EqualFold(want, got)
}

// recordAmountMismatch keeps the order unpaid when the gateway captured less than the
// order total. The payment facts are kept in the error fields for operators.
func (s *paymentCompletionService) recordAmountMismatch(ctx context.Context, order domain.Order, v payments.VerificationResult) CompletionResult {
	s.logger(ctx, completionEventAmountMismatch, map[string]any{
		"orderId":   order.ID,
		"paymentId": v.PaymentID,
		"paidPrice": v.PaidPrice,
		"currency":  v.Currency,
		"total":     order.Total,
	})
	code := amountMismatchErrorCode
	message := fmt.Sprintf("captured %.2f %s for order total %.2f %s (payment %s)", v.PaidPrice, v.Currency, order.Total, order.Currency, v.PaymentID)
	patch := repositories.OrderPatch{
		Payment: repositories.PaymentPatch{
			ClearCompletionStartedAt: true,
			ErrorCode:                &code,
			ErrorMessage:             &message,
		},
		UpdatedAt: s.now(),
	}
	if err := s.orders.ApplyPatch(ctx, order.ID, patch); err != nil {
		s.logger(ctx, completionEventUpdateFailed, map[string]any{
			"orderId":   order.ID,
			"outcome":   "amount_mismatch",
			"paymentId": v.PaymentID,
			"error":     err.Error(),
		})
	}
	result := s.failure(domain.CompletionCodeUpdateFailed, order.ID, s.classifier.Message(payments.MessageGeneric), code)
	result.PaymentID = v.PaymentID
	return result
}

// releaseLock clears the completion marker. Failures are logged; the marker expires on its own.
func (s *paymentCompletionService) releaseLock(ctx context.Context, orderID string) {
	release := repositories.OrderPatch{
		Payment:   repositories.PaymentPatch{ClearCompletionStartedAt: true},
		UpdatedAt: s.now(),
	}
	if err := s.orders.ApplyPatch(ctx, orderID, release); err != nil {
		s.logger(ctx, completionEventLockFailed, map[string]any{
			"orderId": orderID,
			"error":   err.Error(),
		})
	}
}

func (s *paymentCompletionService) dispatchConfirmation(ctx context.Context, order domain.Order) {
	if s.notifier == nil {
		return
	}
	notification := BuildConfirmationNotification(order)
	detached := context.WithoutCancel(ctx)
	s.spawn(func() {
		nctx, cancel := context.WithTimeout(detached, s.notificationTimeout)
		defer cancel()
		defer func() {
			if r := recover(); r != nil {
				s.logger(detached, completionEventNotifyFailed, map[string]any{
					"orderId": order.ID,
					"panic":   fmt.Sprint(r),
				})
			}
		}()
		if err := s.notifier.DispatchOrderConfirmation(nctx, notification); err != nil {
			s.logger(detached, completionEventNotifyFailed, map[string]any{
				"orderId": order.ID,
				"error":   err.Error(),
			})
		}
	})
}

// GetPaymentStatus returns the payment summary polled by clients after a redirect.
func (s *paymentCompletionService) GetPaymentStatus(ctx context.Context, orderID string) (PaymentStatusSummary, error) {
	orderID = strings.TrimSpace(orderID)
	if orderID == "" {
		return PaymentStatusSummary{}, ErrPaymentInvalidInput
	}
	order, err := s.orders.FindByID(ctx, orderID)
	if err != nil {
		if repositories.IsNotFound(err) {
			return PaymentStatusSummary{}, ErrPaymentOrderNotFound
		}
		return PaymentStatusSummary{}, fmt.Errorf("%w: %v", ErrPaymentUnavailable, err)
	}

	now := s.now()
	summary := PaymentStatusSummary{
		OrderID:              order.ID,
		OrderNumber:          order.OrderNumber,
		Status:               order.Status,
		PaymentStatus:        order.Payment.Status,
		Provider:             order.Payment.ProviderOrDefault(payments.ProviderIyzico),
		CompletionInProgress: order.Payment.CompletionInProgress(now, s.lockTTL),
		TransactionID:        order.Payment.TransactionID,
		PaidAt:               order.Payment.PaidAt,
	}
	switch {
	case order.Payment.IsPaid():
		summary.PaidAmount = order.Payment.PaidPrice
	case order.Payment.IsFailed():
		summary.Error = s.classifier.Classify(order.Payment.ErrorCode, order.Payment.ErrorMessage).Text
		summary.ErrorCode = order.Payment.ErrorCode
	default:
		summary.SessionExpired = order.Payment.SessionExpired(now, s.tokenTTL)
	}
	return summary, nil
}

func (s *paymentCompletionService) recordedFailure(order domain.Order) CompletionResult {
	message := s.classifier.Classify(order.Payment.ErrorCode, order.Payment.ErrorMessage)
	return s.failure(domain.CompletionCodePaymentFailed, order.ID, message, order.Payment.ErrorCode)
}

func (s *paymentCompletionService) failure(code domain.CompletionCode, orderID string, message payments.UserMessage, errorCode string) CompletionResult {
	return CompletionResult{
		Success:   false,
		Code:      code,
		OrderID:   orderID,
		Error:     message.Text,
		ErrorCode: errorCode,
	}
}

func paidResult(order domain.Order, alreadyCompleted bool) CompletionResult {
	return CompletionResult{
		Success:          true,
		OrderID:          order.ID,
		PaymentID:        order.Payment.TransactionID,
		PaidAmount:       order.Payment.PaidPrice,
		CardLast4:        order.Payment.CardLast4,
		CardType:         order.Payment.CardType,
		CardAssociation:  order.Payment.CardAssociation,
		Installment:      order.Payment.Installment,
		AlreadyCompleted: alreadyCompleted,
	}
}

func sleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

func durationOrDefault(value, fallback time.Duration) time.Duration {
	if value <= 0 {
		return fallback
	}
	return value
}

type noopCompletionMetrics struct{}

func (noopCompletionMetrics) RecordCompletion(context.Context, string, CompletionResult, time.Duration) {}

func (noopCompletionMetrics) RecordGatewayCall(context.Context, string, time.Duration, error) {}
