package payments

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/stripe/stripe-go/v78"
	"github.com/stripe/stripe-go/v78/client"
)

// ProviderStripe names the Stripe Checkout gateway.
const ProviderStripe = "stripe"

type stripeSessionAPI interface {
	Get(id string, params *stripe.CheckoutSessionParams) (*stripe.CheckoutSession, error)
}

// StripeVerifierConfig configures the StripeVerifier.
type StripeVerifierConfig struct {
	APIKey    string
	AccountID string
	Backends  *stripe.Backends
	Logger    GatewayLogger
	Sessions  stripeSessionAPI
}

// StripeVerifier treats the payment token as a Checkout Session id and reads the
// session back with its payment intent expanded.
type StripeVerifier struct {
	sessions stripeSessionAPI
	account  string
	logger   GatewayLogger
}

var _ Verifier = (*StripeVerifier)(nil)

// NewStripeVerifier constructs a StripeVerifier.
func NewStripeVerifier(cfg StripeVerifierConfig) (*StripeVerifier, error) {
	apiKey := strings.TrimSpace(cfg.APIKey)
	sessions := cfg.Sessions
	if sessions == nil {
		if apiKey == "" {
			return nil, errors.New("stripe: api key is required")
		}
		sessions = client.New(apiKey, cfg.Backends).CheckoutSessions
	}
	logger := cfg.Logger
	if logger == nil {
		logger = func(context.Context, string, map[string]any) {}
	}
	return &StripeVerifier{
		sessions: sessions,
		account:  strings.TrimSpace(cfg.AccountID),
		logger:   logger,
	}, nil
}

// Verify retrieves the checkout session and normalises its payment outcome.
func (v *StripeVerifier) Verify(ctx context.Context, req VerifyRequest) (VerificationResult, error) {
	if v == nil {
		return VerificationResult{}, fmt.Errorf("%w: stripe: verifier is nil", ErrGatewayUnavailable)
	}
	sessionID := strings.TrimSpace(req.Token)
	if sessionID == "" {
		return VerificationResult{}, fmt.Errorf("%w: stripe: session id is required", ErrGatewayUnavailable)
	}

	params := &stripe.CheckoutSessionParams{}
	params.Context = ctx
	params.AddExpand("payment_intent.payment_method")
	if v.account != "" {
		params.SetStripeAccount(v.account)
	}

	session, err := v.sessions.Get(sessionID, params)
	if err != nil {
		var stripeErr *stripe.Error
		if errors.As(err, &stripeErr) && stripeErr.HTTPStatusCode < http.StatusInternalServerError && stripeErr.HTTPStatusCode != 0 {
			v.logger(ctx, "payments.stripe.session.rejected", map[string]any{
				"sessionId": sessionID,
				"code":      string(stripeErr.Code),
			})
			return VerificationResult{
				Status:       GatewayStatusFailure,
				ErrorCode:    string(stripeErr.Code),
				ErrorMessage: stripeSessionErrorMessage(stripeErr),
				ErrorGroup:   string(stripeErr.Type),
			}, nil
		}
		v.logger(ctx, "payments.stripe.request_failed", map[string]any{
			"sessionId": sessionID,
			"error":     err.Error(),
		})
		return VerificationResult{}, fmt.Errorf("%w: stripe: %v", ErrGatewayUnavailable, err)
	}

	if session != nil {
		if err := checkReference(ProviderStripe, req.ConversationID, session.ClientReferenceID); err != nil {
			v.logger(ctx, "payments.stripe.reference_mismatch", map[string]any{
				"sessionId":         sessionID,
				"clientReferenceId": session.ClientReferenceID,
			})
			return VerificationResult{}, err
		}
	}

	result := stripeVerificationResult(session)
	v.logger(ctx, "payments.stripe.verified", map[string]any{
		"sessionId":     sessionID,
		"paymentStatus": result.PaymentStatus,
		"paymentId":     result.PaymentID,
	})
	return result, nil
}

func stripeSessionErrorMessage(err *stripe.Error) string {
	if err.Code == stripe.ErrorCodeResourceMissing {
		return "payment token not found"
	}
	return err.Msg
}

func stripeVerificationResult(session *stripe.CheckoutSession) VerificationResult {
	if session == nil {
		return VerificationResult{Status: GatewayStatusFailure, ErrorMessage: "payment token not found"}
	}

	result := VerificationResult{
		Status:        GatewayStatusSuccess,
		PaymentStatus: strings.ToUpper(string(session.PaymentStatus)),
		PaidPrice:     float64(session.AmountTotal) / 100,
		Currency:      strings.ToUpper(string(session.Currency)),
		Installment:   1,
	}
	if session.PaymentStatus == stripe.CheckoutSessionPaymentStatusPaid {
		result.PaymentStatus = PaymentStatusSuccess
	}

	intent := session.PaymentIntent
	if intent != nil {
		result.PaymentID = intent.ID
		if pm := intent.PaymentMethod; pm != nil && pm.Card != nil {
			result.LastFourDigits = pm.Card.Last4
			result.CardAssociation = strings.ToUpper(string(pm.Card.Brand))
			result.CardType = stripeCardType(pm.Card.Funding)
		}
		if opts := intent.PaymentMethodOptions; opts != nil && opts.Card != nil && opts.Card.Installments != nil &&
			opts.Card.Installments.Plan != nil && opts.Card.Installments.Plan.Count > 0 {
			result.Installment = int(opts.Card.Installments.Plan.Count)
		}
		if perr := intent.LastPaymentError; perr != nil {
			result.ErrorCode = string(perr.Code)
			if perr.DeclineCode != "" {
				result.ErrorCode = string(perr.DeclineCode)
			}
			result.ErrorMessage = perr.Msg
			result.ErrorGroup = string(perr.Type)
		}
	}

	if result.PaymentStatus != PaymentStatusSuccess {
		result.Status = GatewayStatusFailure
		if result.ErrorMessage == "" && session.Status == stripe.CheckoutSessionStatusExpired {
			result.ErrorMessage = "payment token expired"
		}
	}
	return result
}

func stripeCardType(funding stripe.CardFunding) string {
	switch funding {
	case stripe.CardFundingCredit:
		return "CREDIT_CARD"
	case stripe.CardFundingDebit:
		return "DEBIT_CARD"
	case stripe.CardFundingPrepaid:
		return "PREPAID_CARD"
	default:
		return strings.ToUpper(string(funding))
	}
}
