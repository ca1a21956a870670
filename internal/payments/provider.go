package payments

import (
	"context"
	"errors"
	"fmt"
	"strings"
)

const (
	// GatewayStatusSuccess is the request-level success marker returned by gateways.
	GatewayStatusSuccess = "success"
	// GatewayStatusFailure is the request-level failure marker returned by gateways.
	GatewayStatusFailure = "failure"
	// PaymentStatusSuccess is the payment-level success marker, compared case-insensitively.
	PaymentStatusSuccess = "SUCCESS"
)

var (
	// ErrUnsupportedProvider is returned when the manager cannot locate a provider.
	ErrUnsupportedProvider = errors.New("payments: unsupported provider")
	// ErrGatewayUnavailable marks verifications that never reached a gateway answer: the
	// client was not usable, the gateway could not be reached or timed out, or it answered
	// with something that is not a verification result. It never represents a declined
	// payment.
	ErrGatewayUnavailable = errors.New("payments: gateway unavailable")
	// ErrReferenceMismatch is returned when the gateway session echoes an order reference
	// other than the one being completed.
	ErrReferenceMismatch = errors.New("payments: gateway session belongs to another order")
)

// VerifyRequest identifies the gateway session to verify.
type VerifyRequest struct {
	Token          string
	ConversationID string
	Locale         string
}

// VerificationResult is the normalised outcome of a gateway verification call.
type VerificationResult struct {
	Status          string
	PaymentStatus   string
	PaymentID       string
	PaidPrice       float64
	Currency        string
	LastFourDigits  string
	CardType        string
	CardAssociation string
	Installment     int
	ErrorCode       string
	ErrorMessage    string
	ErrorGroup      string
}

// Succeeded reports whether both the request and the payment were successful.
func (r VerificationResult) Succeeded() bool {
	return strings.EqualFold(strings.TrimSpace(r.Status), GatewayStatusSuccess) &&
		strings.EqualFold(strings.TrimSpace(r.PaymentStatus), PaymentStatusSuccess)
}

// checkReference rejects a session whose echoed references name a different order.
// Empty values on either side are not compared.
func checkReference(provider, want string, echoed ...string) error {
	want = strings.TrimSpace(want)
	if want == "" {
		return nil
	}
	for _, ref := range echoed {
		ref = strings.TrimSpace(ref)
		if ref != "" && ref != want {
			return fmt.Errorf("%w: %s: expected %q, got %q", ErrReferenceMismatch, provider, want, ref)
		}
	}
	return nil
}

// Verifier retrieves the authoritative outcome of a gateway session. A non-nil error
// wraps ErrGatewayUnavailable or ErrReferenceMismatch; declines are reported through
// the result.
type Verifier interface {
	Verify(ctx context.Context, req VerifyRequest) (VerificationResult, error)
}

// VerifierFunc adapts plain functions to Verifier.
type VerifierFunc func(ctx context.Context, req VerifyRequest) (VerificationResult, error)

// Verify calls f.
func (f VerifierFunc) Verify(ctx context.Context, req VerifyRequest) (VerificationResult, error) {
	return f(ctx, req)
}

// Manager routes verification calls to the provider that opened the session.
type Manager struct {
	providers       map[string]Verifier
	defaultProvider string
}

// ManagerOption configures optional behaviour when building a Manager.
type ManagerOption func(*Manager)

// WithDefaultProvider overrides the provider used when an order does not name one.
func WithDefaultProvider(provider string) ManagerOption {
	return func(m *Manager) {
		m.defaultProvider = strings.TrimSpace(strings.ToLower(provider))
	}
}

// NewManager constructs a Manager over the supplied providers. iyzico is the default
// provider when registered.
func NewManager(providers map[string]Verifier, opts ...ManagerOption) (*Manager, error) {
	if len(providers) == 0 {
		return nil, errors.New("payments: at least one provider is required")
	}
	registered := make(map[string]Verifier, len(providers))
	for k, v := range providers {
		key := strings.TrimSpace(strings.ToLower(k))
		if key == "" || v == nil {
			return nil, fmt.Errorf("payments: invalid provider registration for key %q", k)
		}
		registered[key] = v
	}
	m := &Manager{providers: registered}
	if _, ok := registered[ProviderIyzico]; ok {
		m.defaultProvider = ProviderIyzico
	}
	for _, opt := range opts {
		opt(m)
	}
	return m, nil
}

// Resolve returns the verifier registered for provider, falling back to the default
// provider and then to the only registered provider.
func (m *Manager) Resolve(provider string) (string, Verifier, error) {
	if m == nil || len(m.providers) == 0 {
		return "", nil, errors.New("payments: no providers registered")
	}
	if key := strings.TrimSpace(strings.ToLower(provider)); key != "" {
		if v, ok := m.providers[key]; ok {
			return key, v, nil
		}
		return "", nil, fmt.Errorf("%w: %s", ErrUnsupportedProvider, key)
	}
	if v, ok := m.providers[m.defaultProvider]; ok {
		return m.defaultProvider, v, nil
	}
	if len(m.providers) == 1 {
		for key, v := range m.providers {
			return key, v, nil
		}
	}
	return "", nil, ErrUnsupportedProvider
}

// VerifyWith verifies the session with the named provider.
func (m *Manager) VerifyWith(ctx context.Context, provider string, req VerifyRequest) (VerificationResult, error) {
	_, verifier, err := m.Resolve(provider)
	if err != nil {
		return VerificationResult{}, err
	}
	return verifier.Verify(ctx, req)
}
