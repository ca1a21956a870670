package secrets

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"cloud.google.com/go/secretmanager/apiv1/secretmanagerpb"
	"github.com/googleapis/gax-go/v2"
	"go.uber.org/zap"
	"google.golang.org/api/option"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

const iyzicoSecretResource = "projects/test/secrets/iyzico_secret_key/versions/latest"

func writeFallbackFile(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), ".secrets.local")
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatalf("failed writing fallback file: %v", err)
	}
	return path
}

func TestResolveCachesRemoteSecret(t *testing.T) {
	ctx := context.Background()
	client := newFakeSecretClient()
	client.values[iyzicoSecretResource] = "remote-secret"

	fetcher, err := NewFetcher(ctx,
		WithSecretManagerClient(client),
		WithDefaultProject("test"),
		WithLogger(zap.NewNop()),
	)
	if err != nil {
		t.Fatalf("NewFetcher returned error: %v", err)
	}
	defer fetcher.Close()

	for i := 0; i < 2; i++ {
		got, err := fetcher.Resolve(ctx, "secret://iyzico_secret_key")
		if err != nil {
			t.Fatalf("Resolve returned error: %v", err)
		}
		if got != "remote-secret" {
			t.Fatalf("expected remote-secret, got %s", got)
		}
	}
	if calls := client.callCount(iyzicoSecretResource); calls != 1 {
		t.Fatalf("expected remote fetch once, got %d", calls)
	}
}

func TestResolveRefetchesAfterCacheTTL(t *testing.T) {
	ctx := context.Background()
	client := newFakeSecretClient()
	client.values[iyzicoSecretResource] = "v1"

	now := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	fetcher, err := NewFetcher(ctx,
		WithSecretManagerClient(client),
		WithDefaultProject("test"),
		WithCacheTTL(time.Minute),
		WithClock(func() time.Time { return now }),
	)
	if err != nil {
		t.Fatalf("NewFetcher returned error: %v", err)
	}

	if _, err := fetcher.Resolve(ctx, "secret://iyzico_secret_key"); err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	client.set(iyzicoSecretResource, "v2")
	now = now.Add(2 * time.Minute)

	got, err := fetcher.Resolve(ctx, "sm://iyzico_secret_key")
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if got != "v2" {
		t.Fatalf("expected rotated value, got %s", got)
	}
}

func TestResolveHonoursVersionAndProject(t *testing.T) {
	ctx := context.Background()
	client := newFakeSecretClient()
	resource := "projects/payments-prod/secrets/stripe_api_key/versions/5"
	client.values[resource] = "version-5"

	fetcher, err := NewFetcher(ctx, WithSecretManagerClient(client), WithDefaultProject("test"))
	if err != nil {
		t.Fatalf("NewFetcher error: %v", err)
	}

	got, err := fetcher.Resolve(ctx, "secret://stripe_api_key?version=5&project=payments-prod")
	if err != nil {
		t.Fatalf("Resolve returned error: %v", err)
	}
	if got != "version-5" || client.callCount(resource) != 1 {
		t.Fatalf("expected pinned version fetch, got %q", got)
	}
}

func TestResolveFallsBackWhenSecretManagerUnavailable(t *testing.T) {
	ctx := context.Background()
	path := writeFallbackFile(t, "# local\nsecret://iyzico_secret_key=local-secret\n")

	client := newFakeSecretClient()
	client.errors[iyzicoSecretResource] = status.Error(codes.PermissionDenied, "denied")

	fetcher, err := NewFetcher(ctx,
		WithSecretManagerClient(client),
		WithDefaultProject("test"),
		WithFallbackFile(path),
	)
	if err != nil {
		t.Fatalf("NewFetcher returned error: %v", err)
	}

	got, err := fetcher.Resolve(ctx, "secret://iyzico_secret_key")
	if err != nil {
		t.Fatalf("Resolve returned error: %v", err)
	}
	if got != "local-secret" {
		t.Fatalf("expected fallback secret, got %s", got)
	}
}

func TestResolveDoesNotFallbackOnNotFound(t *testing.T) {
	ctx := context.Background()
	path := writeFallbackFile(t, "secret://iyzico_secret_key=local-secret\n")

	client := newFakeSecretClient()
	client.errors[iyzicoSecretResource] = status.Error(codes.NotFound, "missing")

	fetcher, err := NewFetcher(ctx,
		WithSecretManagerClient(client),
		WithDefaultProject("test"),
		WithFallbackFile(path),
	)
	if err != nil {
		t.Fatalf("NewFetcher returned error: %v", err)
	}

	if _, err := fetcher.Resolve(ctx, "secret://iyzico_secret_key"); err == nil {
		t.Fatal("expected error when secret is missing")
	}
}

func TestInvalidateForcesRefetch(t *testing.T) {
	ctx := context.Background()
	client := newFakeSecretClient()
	client.values[iyzicoSecretResource] = "remote-secret"

	fetcher, err := NewFetcher(ctx, WithSecretManagerClient(client), WithDefaultProject("test"))
	if err != nil {
		t.Fatalf("NewFetcher error: %v", err)
	}

	if _, err := fetcher.Resolve(ctx, "secret://iyzico_secret_key"); err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	fetcher.Invalidate("secret://iyzico_secret_key")
	if _, err := fetcher.ResolveSecret(ctx, "secret://iyzico_secret_key"); err != nil {
		t.Fatalf("ResolveSecret: %v", err)
	}
	if calls := client.callCount(iyzicoSecretResource); calls != 2 {
		t.Fatalf("expected two remote fetches, got %d", calls)
	}
}

func TestNewFetcherWithoutCredentialsUsesFallback(t *testing.T) {
	ctx := context.Background()

	originalFactory := secretManagerClientFactory
	secretManagerClientFactory = func(context.Context, ...option.ClientOption) (secretManagerClient, error) {
		return nil, errors.New("no credentials")
	}
	t.Cleanup(func() { secretManagerClientFactory = originalFactory })

	path := writeFallbackFile(t, "secret://stripe_api_key=local-secret\n")
	fetcher, err := NewFetcher(ctx, WithDefaultProject("test"), WithFallbackFile(path))
	if err != nil {
		t.Fatalf("NewFetcher returned error: %v", err)
	}
	defer fetcher.Close()

	value, err := fetcher.Resolve(ctx, "secret://stripe_api_key")
	if err != nil {
		t.Fatalf("Resolve returned error: %v", err)
	}
	if value != "local-secret" {
		t.Fatalf("expected local secret, got %s", value)
	}

	if _, err := fetcher.Resolve(ctx, "secret://unknown"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestParseReference(t *testing.T) {
	tests := []struct {
		ref     string
		name    string
		wantErr bool
	}{
		{ref: "secret://iyzico_api_key", name: "iyzico_api_key"},
		{ref: "sm://iyzico_api_key?version=2", name: "iyzico_api_key"},
		{ref: "https://example.com/key", wantErr: true},
		{ref: "secret://", wantErr: true},
		{ref: "  ", wantErr: true},
	}
	for _, tc := range tests {
		parsed, err := parseReference(tc.ref)
		if (err != nil) != tc.wantErr {
			t.Fatalf("parseReference(%q) error = %v, wantErr %v", tc.ref, err, tc.wantErr)
		}
		if err == nil && parsed.name != tc.name {
			t.Fatalf("parseReference(%q) name = %q, want %q", tc.ref, parsed.name, tc.name)
		}
	}
}

type fakeSecretClient struct {
	mu      sync.Mutex
	values  map[string]string
	errors  map[string]error
	counter map[string]int
}

func newFakeSecretClient() *fakeSecretClient {
	return &fakeSecretClient{
		values:  make(map[string]string),
		errors:  make(map[string]error),
		counter: make(map[string]int),
	}
}

func (f *fakeSecretClient) AccessSecretVersion(ctx context.Context, req *secretmanagerpb.AccessSecretVersionRequest, _ ...gax.CallOption) (*secretmanagerpb.AccessSecretVersionResponse, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	name := req.GetName()
	f.counter[name]++

	if err, ok := f.errors[name]; ok && err != nil {
		return nil, err
	}
	if value, ok := f.values[name]; ok {
		return &secretmanagerpb.AccessSecretVersionResponse{
			Payload: &secretmanagerpb.SecretPayload{Data: []byte(value)},
		}, nil
	}
	return nil, status.Error(codes.NotFound, "not found")
}

func (f *fakeSecretClient) set(name, value string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.values[name] = value
}

func (f *fakeSecretClient) Close() error {
	return nil
}

func (f *fakeSecretClient) callCount(name string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.counter[name]
}
