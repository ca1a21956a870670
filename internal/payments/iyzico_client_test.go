package payments

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
)

func newTestIyzicoClient(t *testing.T, baseURL string) *IyzicoClient {
	t.Helper()
	client, err := NewIyzicoClient(IyzicoConfig{
		APIKey:    "api-key",
		SecretKey: "secret-key",
		BaseURL:   baseURL,
		RandomKey: func() string { return "rnd-1" },
	})
	if err != nil {
		t.Fatalf("new iyzico client: %v", err)
	}
	return client
}

func TestIyzicoClientVerifySuccess(t *testing.T) {
	var gotBody []byte
	var gotAuth, gotRnd, gotPath string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		gotAuth = r.Header.Get("Authorization")
		gotRnd = r.Header.Get("x-iyzi-rnd")
		gotBody, _ = io.ReadAll(r.Body)
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{
			"status": "success",
			"paymentStatus": "SUCCESS",
			"paymentId": "pay-123",
			"paidPrice": 749.9,
			"currency": "TRY",
			"installment": 3,
			"lastFourDigits": "0008",
			"cardType": "CREDIT_CARD",
			"cardAssociation": "MASTER_CARD",
			"token": "tok-1"
		}`))
	}))
	defer srv.Close()

	client := newTestIyzicoClient(t, srv.URL)
	result, err := client.Verify(context.Background(), VerifyRequest{Token: "tok-1", ConversationID: "ord_1"})
	if err != nil {
		t.Fatalf("verify: %v", err)
	}
	if !result.Succeeded() {
		t.Fatalf("expected success, got %+v", result)
	}
	if result.PaymentID != "pay-123" || result.PaidPrice != 749.9 || result.Installment != 3 || result.LastFourDigits != "0008" {
		t.Fatalf("unexpected result %+v", result)
	}
	if gotPath != iyzicoCheckoutFormDetailPath {
		t.Fatalf("unexpected path %q", gotPath)
	}
	if gotRnd != "rnd-1" {
		t.Fatalf("expected random header, got %q", gotRnd)
	}

	var payload map[string]string
	if err := json.Unmarshal(gotBody, &payload); err != nil {
		t.Fatalf("decode request body: %v", err)
	}
	if payload["token"] != "tok-1" || payload["conversationId"] != "ord_1" || payload["locale"] != "tr" {
		t.Fatalf("unexpected request payload %v", payload)
	}

	mac := hmac.New(sha256.New, []byte("secret-key"))
	mac.Write([]byte("rnd-1" + iyzicoCheckoutFormDetailPath + string(gotBody)))
	want := "IYZWSv2 " + base64.StdEncoding.EncodeToString([]byte(
		"apiKey:api-key&randomKey:rnd-1&signature:"+hex.EncodeToString(mac.Sum(nil))))
	if gotAuth != want {
		t.Fatalf("unexpected authorization header\n got: %s\nwant: %s", gotAuth, want)
	}
}

func TestIyzicoClientAuthorizationIsDeterministic(t *testing.T) {
	client := newTestIyzicoClient(t, "https://sandbox-api.iyzipay.com")
	body := []byte(`{"locale":"tr","token":"tok"}`)
	first := client.authorization("rnd", body)
	second := client.authorization("rnd", body)
	if first != second {
		t.Fatalf("expected deterministic signature")
	}
	if first == client.authorization("other", body) {
		t.Fatalf("expected signature to depend on the random key")
	}
	if !strings.HasPrefix(first, "IYZWSv2 ") {
		t.Fatalf("unexpected scheme %q", first)
	}
}

func TestIyzicoClientVerifyGatewayFailureIsResult(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`{"status":"failure","errorCode":"10051","errorMessage":"Kart limiti yetersiz, yetersiz bakiye","errorGroup":"NOT_SUFFICIENT_FUNDS"}`))
	}))
	defer srv.Close()

	result, err := newTestIyzicoClient(t, srv.URL).Verify(context.Background(), VerifyRequest{Token: "tok-1"})
	if err != nil {
		t.Fatalf("expected result, got error %v", err)
	}
	if result.Succeeded() {
		t.Fatalf("expected failure result")
	}
	if result.ErrorCode != "10051" || result.ErrorGroup != "NOT_SUFFICIENT_FUNDS" {
		t.Fatalf("unexpected error fields %+v", result)
	}
}

func TestIyzicoClientVerifyTransportErrors(t *testing.T) {
	tests := []struct {
		name    string
		handler http.HandlerFunc
	}{
		{
			name: "server error",
			handler: func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(http.StatusBadGateway)
			},
		},
		{
			name: "not json",
			handler: func(w http.ResponseWriter, r *http.Request) {
				_, _ = w.Write([]byte("<html>maintenance</html>"))
			},
		},
		{
			name: "missing status",
			handler: func(w http.ResponseWriter, r *http.Request) {
				_, _ = w.Write([]byte(`{}`))
			},
		},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			srv := httptest.NewServer(tc.handler)
			defer srv.Close()
			_, err := newTestIyzicoClient(t, srv.URL).Verify(context.Background(), VerifyRequest{Token: "tok-1"})
			if !errors.Is(err, ErrGatewayUnavailable) {
				t.Fatalf("expected ErrGatewayUnavailable, got %v", err)
			}
		})
	}
}

func TestIyzicoClientVerifyUnreachable(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {}))
	url := srv.URL
	srv.Close()

	_, err := newTestIyzicoClient(t, url).Verify(context.Background(), VerifyRequest{Token: "tok-1"})
	if !errors.Is(err, ErrGatewayUnavailable) {
		t.Fatalf("expected ErrGatewayUnavailable, got %v", err)
	}
}

func TestNewIyzicoClientValidation(t *testing.T) {
	if _, err := NewIyzicoClient(IyzicoConfig{SecretKey: "s"}); err == nil {
		t.Fatalf("expected missing api key error")
	}
	if _, err := NewIyzicoClient(IyzicoConfig{APIKey: "k"}); err == nil {
		t.Fatalf("expected missing secret key error")
	}
	if _, err := NewIyzicoClient(IyzicoConfig{APIKey: "k", SecretKey: "s", BaseURL: "::bad"}); err == nil {
		t.Fatalf("expected invalid base url error")
	}
}

func TestIyzicoClientVerifyRejectsForeignSession(t *testing.T) {
	tests := []struct {
		name string
		body string
		want error
	}{
		{
			name: "basket of another order",
			body: `{"status":"success","paymentStatus":"SUCCESS","paymentId":"pay-9","paidPrice":10,"basketId":"ord_cheap","conversationId":"ord_expensive"}`,
			want: ErrReferenceMismatch,
		},
		{
			name: "conversation of another order",
			body: `{"status":"success","paymentStatus":"SUCCESS","paymentId":"pay-9","paidPrice":10,"conversationId":"ord_cheap"}`,
			want: ErrReferenceMismatch,
		},
		{
			name: "matching references",
			body: `{"status":"success","paymentStatus":"SUCCESS","paymentId":"pay-9","paidPrice":5000,"basketId":"ord_expensive","conversationId":"ord_expensive"}`,
		},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				_, _ = w.Write([]byte(tc.body))
			}))
			defer srv.Close()

			result, err := newTestIyzicoClient(t, srv.URL).Verify(context.Background(), VerifyRequest{Token: "tok-cheap", ConversationID: "ord_expensive"})
			if tc.want != nil {
				if !errors.Is(err, tc.want) {
					t.Fatalf("expected %v, got %v (result %+v)", tc.want, err, result)
				}
				if errors.Is(err, ErrGatewayUnavailable) {
					t.Fatalf("reference mismatch must not look like an outage: %v", err)
				}
				return
			}
			if err != nil || !result.Succeeded() {
				t.Fatalf("expected success, got %+v err %v", result, err)
			}
		})
	}
}

func TestIyzicoClientVerifyGuardsWrapGatewayUnavailable(t *testing.T) {
	var nilClient *IyzicoClient
	if _, err := nilClient.Verify(context.Background(), VerifyRequest{Token: "tok-1"}); !errors.Is(err, ErrGatewayUnavailable) {
		t.Fatalf("expected ErrGatewayUnavailable for nil client, got %v", err)
	}
	client := newTestIyzicoClient(t, "https://sandbox-api.iyzipay.com")
	if _, err := client.Verify(context.Background(), VerifyRequest{Token: "  "}); !errors.Is(err, ErrGatewayUnavailable) {
		t.Fatalf("expected ErrGatewayUnavailable for empty token, got %v", err)
	}
}
