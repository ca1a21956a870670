package payments

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/oklog/ulid/v2"
)

const (
	// ProviderIyzico names the iyzico checkout-form gateway.
	ProviderIyzico = "iyzico"

	iyzicoCheckoutFormDetailPath = "/payment/iyzipos/checkoutform/auth/ecom/detail"
	iyzicoAuthScheme             = "IYZWSv2"
	iyzicoRandomHeader           = "x-iyzi-rnd"
	defaultIyzicoBaseURL         = "https://api.iyzipay.com"
	defaultIyzicoTimeout         = 15 * time.Second
	maxIyzicoResponseBytes       = 1 << 20
)

// GatewayLogger receives structured gateway events.
type GatewayLogger func(ctx context.Context, event string, fields map[string]any)

// HTTPDoer is the subset of *http.Client used by the gateway clients.
type HTTPDoer interface {
	Do(req *http.Request) (*http.Response, error)
}

// IyzicoConfig configures the iyzico checkout-form client.
type IyzicoConfig struct {
	APIKey     string
	SecretKey  string
	BaseURL    string
	Locale     string
	HTTPClient HTTPDoer
	Clock      func() time.Time
	RandomKey  func() string
	Logger     GatewayLogger
}

// IyzicoClient retrieves checkout-form results from iyzico.
type IyzicoClient struct {
	apiKey    string
	secretKey string
	endpoint  string
	path      string
	locale    string
	http      HTTPDoer
	clock     func() time.Time
	randomKey func() string
	logger    GatewayLogger
}

var _ Verifier = (*IyzicoClient)(nil)

// NewIyzicoClient validates configuration and builds a client.
func NewIyzicoClient(cfg IyzicoConfig) (*IyzicoClient, error) {
	apiKey := strings.TrimSpace(cfg.APIKey)
	secretKey := strings.TrimSpace(cfg.SecretKey)
	if apiKey == "" {
		return nil, errors.New("iyzico: api key is required")
	}
	if secretKey == "" {
		return nil, errors.New("iyzico: secret key is required")
	}

	base := strings.TrimRight(strings.TrimSpace(cfg.BaseURL), "/")
	if base == "" {
		base = defaultIyzicoBaseURL
	}
	parsed, err := url.Parse(base)
	if err != nil || parsed.Scheme == "" || parsed.Host == "" {
		return nil, fmt.Errorf("iyzico: invalid base url %q", cfg.BaseURL)
	}
	// The signature covers the request path including any base path prefix.
	path := strings.TrimRight(parsed.Path, "/") + iyzicoCheckoutFormDetailPath

	httpClient := cfg.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{Timeout: defaultIyzicoTimeout}
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	randomKey := cfg.RandomKey
	if randomKey == nil {
		randomKey = func() string { return ulid.Make().String() }
	}
	logger := cfg.Logger
	if logger == nil {
		logger = func(context.Context, string, map[string]any) {}
	}
	locale := strings.ToLower(strings.TrimSpace(cfg.Locale))
	if locale == "" {
		locale = "tr"
	}

	return &IyzicoClient{
		apiKey:    apiKey,
		secretKey: secretKey,
		endpoint:  parsed.Scheme + "://" + parsed.Host + path,
		path:      path,
		locale:    locale,
		http:      httpClient,
		clock:     clock,
		randomKey: randomKey,
		logger:    logger,
	}, nil
}

type iyzicoDetailRequest struct {
	Locale         string `json:"locale"`
	ConversationID string `json:"conversationId,omitempty"`
	Token          string `json:"token"`
}

type iyzicoDetailResponse struct {
	Status          string      `json:"status"`
	ErrorCode       string      `json:"errorCode"`
	ErrorMessage    string      `json:"errorMessage"`
	ErrorGroup      string      `json:"errorGroup"`
	ConversationID  string      `json:"conversationId"`
	BasketID        string      `json:"basketId"`
	Token           string      `json:"token"`
	PaymentStatus   string      `json:"paymentStatus"`
	PaymentID       string      `json:"paymentId"`
	Price           json.Number `json:"price"`
	PaidPrice       json.Number `json:"paidPrice"`
	Currency        string      `json:"currency"`
	Installment     int         `json:"installment"`
	LastFourDigits  string      `json:"lastFourDigits"`
	CardType        string      `json:"cardType"`
	CardAssociation string      `json:"cardAssociation"`
	FraudStatus     int         `json:"fraudStatus"`
}

// Verify retrieves the checkout-form result for the supplied token. Gateway-reported
// failures come back as a result; transport and decoding problems wrap
// ErrGatewayUnavailable. Checkout opens sessions with the order id as both
// conversationId and basketId, so an echo naming another order yields
// ErrReferenceMismatch.
func (c *IyzicoClient) Verify(ctx context.Context, req VerifyRequest) (VerificationResult, error) {
	if c == nil {
		return VerificationResult{}, fmt.Errorf("%w: iyzico: client is nil", ErrGatewayUnavailable)
	}
	token := strings.TrimSpace(req.Token)
	if token == "" {
		return VerificationResult{}, fmt.Errorf("%w: iyzico: token is required", ErrGatewayUnavailable)
	}
	locale := strings.ToLower(strings.TrimSpace(req.Locale))
	if locale == "" {
		locale = c.locale
	}

	body, err := json.Marshal(iyzicoDetailRequest{
		Locale:         locale,
		ConversationID: strings.TrimSpace(req.ConversationID),
		Token:          token,
	})
	if err != nil {
		return VerificationResult{}, fmt.Errorf("iyzico: encode request: %w", err)
	}

	randomKey := c.randomKey()
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint, bytes.NewReader(body))
	if err != nil {
		return VerificationResult{}, fmt.Errorf("iyzico: build request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Accept", "application/json")
	httpReq.Header.Set(iyzicoRandomHeader, randomKey)
	httpReq.Header.Set("Authorization", c.authorization(randomKey, body))

	started := c.clock()
	resp, err := c.http.Do(httpReq)
	if err != nil {
		c.logger(ctx, "payments.iyzico.request_failed", map[string]any{
			"conversationId": req.ConversationID,
			"error":          err.Error(),
		})
		return VerificationResult{}, fmt.Errorf("%w: iyzico: %v", ErrGatewayUnavailable, err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, maxIyzicoResponseBytes))
	if err != nil {
		return VerificationResult{}, fmt.Errorf("%w: iyzico: read response: %v", ErrGatewayUnavailable, err)
	}
	if resp.StatusCode >= http.StatusInternalServerError {
		return VerificationResult{}, fmt.Errorf("%w: iyzico: http status %d", ErrGatewayUnavailable, resp.StatusCode)
	}

	var decoded iyzicoDetailResponse
	if err := json.Unmarshal(raw, &decoded); err != nil {
		return VerificationResult{}, fmt.Errorf("%w: iyzico: decode response (http %d): %v", ErrGatewayUnavailable, resp.StatusCode, err)
	}
	if strings.TrimSpace(decoded.Status) == "" {
		return VerificationResult{}, fmt.Errorf("%w: iyzico: response without status (http %d)", ErrGatewayUnavailable, resp.StatusCode)
	}

	if err := checkReference(ProviderIyzico, req.ConversationID, decoded.ConversationID, decoded.BasketID); err != nil {
		c.logger(ctx, "payments.iyzico.reference_mismatch", map[string]any{
			"conversationId":     req.ConversationID,
			"echoConversationId": decoded.ConversationID,
			"basketId":           decoded.BasketID,
		})
		return VerificationResult{}, err
	}

	result := VerificationResult{
		Status:          strings.ToLower(strings.TrimSpace(decoded.Status)),
		PaymentStatus:   strings.TrimSpace(decoded.PaymentStatus),
		PaymentID:       strings.TrimSpace(decoded.PaymentID),
		PaidPrice:       numberOrZero(decoded.PaidPrice),
		Currency:        strings.TrimSpace(decoded.Currency),
		LastFourDigits:  strings.TrimSpace(decoded.LastFourDigits),
		CardType:        strings.TrimSpace(decoded.CardType),
		CardAssociation: strings.TrimSpace(decoded.CardAssociation),
		Installment:     decoded.Installment,
		ErrorCode:       strings.TrimSpace(decoded.ErrorCode),
		ErrorMessage:    strings.TrimSpace(decoded.ErrorMessage),
		ErrorGroup:      strings.TrimSpace(decoded.ErrorGroup),
	}
	if result.PaidPrice == 0 {
		result.PaidPrice = numberOrZero(decoded.Price)
	}

	c.logger(ctx, "payments.iyzico.verified", map[string]any{
		"conversationId": req.ConversationID,
		"status":         result.Status,
		"paymentStatus":  result.PaymentStatus,
		"paymentId":      result.PaymentID,
		"errorCode":      result.ErrorCode,
		"durationMs":     c.clock().Sub(started).Milliseconds(),
	})
	return result, nil
}

// authorization builds the IYZWSv2 header value for a request body.
func (c *IyzicoClient) authorization(randomKey string, body []byte) string {
	mac := hmac.New(sha256.New, []byte(c.secretKey))
	mac.Write([]byte(randomKey))
	mac.Write([]byte(c.path))
	mac.Write(body)
	signature := hex.EncodeToString(mac.Sum(nil))

	params := "apiKey:" + c.apiKey + "&randomKey:" + randomKey + "&signature:" + signature
	return iyzicoAuthScheme + " " + base64.StdEncoding.EncodeToString([]byte(params))
}

func numberOrZero(n json.Number) float64 {
	if n == "" {
		return 0
	}
	v, err := n.Float64()
	if err != nil {
		return 0
	}
	return v
}
