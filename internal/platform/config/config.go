package config

import (
	"context"
	"fmt"
	"net/url"
	"os"
	"strings"
	"time"
)

const (
	defaultEnvFile             = ".env"
	defaultPort                = "8080"
	defaultReadTimeout         = 15 * time.Second
	defaultWriteTimeout        = 30 * time.Second
	defaultIdleTimeout         = 120 * time.Second
	defaultStoreDriver         = StoreDriverFirestore
	defaultOrdersCollection    = "orders"
	defaultPaymentProvider     = "iyzico"
	defaultIyzicoBaseURL       = "https://api.iyzipay.com"
	defaultPaymentLocale       = "tr"
	defaultTokenTTL            = 25 * time.Minute
	defaultCompletionLockTTL   = 30 * time.Second
	defaultCompletionLockWait  = 2 * time.Second
	defaultGatewayTimeout      = 15 * time.Second
	defaultNotificationTimeout = 10 * time.Second
	defaultNotificationTopic   = "order-notifications"
	defaultFinalizePerMinute   = 30
	defaultStatusPerMinute     = 120
	defaultReconcileMinAge     = 3 * time.Minute
	defaultReconcileBatchSize  = 50
	defaultSecurityEnvironment = "local"
	defaultOIDCJWKSURL         = "https://www.googleapis.com/oauth2/v3/certs"
	defaultSecurityIssuer      = "https://accounts.google.com"
)

// Supported order store drivers.
const (
	StoreDriverFirestore = "firestore"
	StoreDriverMemory    = "memory"
)

// Config captures all runtime configuration organised by concern.
type Config struct {
	Server         ServerConfig
	Firestore      FirestoreConfig
	Store          StoreConfig
	PSP            PSPConfig
	Payments       PaymentsConfig
	Notifications  NotificationConfig
	Storefront     StorefrontConfig
	RateLimits     RateLimitConfig
	Reconciliation ReconciliationConfig
	Security       SecurityConfig
}

// ServerConfig configures HTTP server parameters.
type ServerConfig struct {
	Port         string
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
	IdleTimeout  time.Duration
}

// FirestoreConfig stores database parameters.
type FirestoreConfig struct {
	ProjectID    string
	EmulatorHost string
}

// StoreConfig selects the order store backend.
type StoreConfig struct {
	Driver           string
	OrdersCollection string
}

// PSPConfig collects credentials for payment gateways.
type PSPConfig struct {
	DefaultProvider string
	IyzicoAPIKey    string
	IyzicoSecretKey string
	IyzicoBaseURL   string
	StripeAPIKey    string
}

// PaymentsConfig tunes the completion protocol.
type PaymentsConfig struct {
	// TokenTTL is the gateway session validity window measured from tokenCreatedAt.
	TokenTTL time.Duration
	// LockTTL is how long a completion marker blocks concurrent executions.
	LockTTL time.Duration
	// LockWait is the single back-off applied when a live marker is observed.
	LockWait            time.Duration
	GatewayTimeout      time.Duration
	NotificationTimeout time.Duration
	Locale              string
}

// NotificationConfig points at the Pub/Sub topic consumed by the mail worker.
type NotificationConfig struct {
	ProjectID string
	Topic     string
}

// StorefrontConfig lists the pages browser callbacks are redirected to.
type StorefrontConfig struct {
	SuccessURL string
	FailureURL string
}

// RateLimitConfig controls request throttling.
type RateLimitConfig struct {
	FinalizePerMinute int
	StatusPerMinute   int
}

// ReconciliationConfig controls the background sweep over orders awaiting completion.
// A zero Interval disables the in-process ticker; the internal endpoint stays available.
type ReconciliationConfig struct {
	Interval  time.Duration
	MinAge    time.Duration
	BatchSize int
}

// SecurityConfig groups server-to-server authentication settings.
type SecurityConfig struct {
	Environment string
	OIDC        OIDCConfig
}

// OIDCConfig controls Google-signed token verification for internal routes.
type OIDCConfig struct {
	JWKSURL  string
	Audience string
	Issuers  []string
	// ServiceAccounts restricts internal callers by token email when non-empty.
	ServiceAccounts []string
}

// Option customises Load behaviour.
type Option func(*loaderOptions)

type loaderOptions struct {
	envFile               string
	envMap                map[string]string
	useSystemEnv          bool
	secret                SecretResolver
	requiredSecrets       []string
	panicOnMissingSecrets bool
}

// WithEnvFile overrides the .env file path used for local overrides.
func WithEnvFile(path string) Option {
	return func(o *loaderOptions) {
		o.envFile = path
	}
}

// WithEnvMap injects an explicit key/value map for environment lookups. Values in the map
// take precedence over system environment variables.
func WithEnvMap(values map[string]string) Option {
	return func(o *loaderOptions) {
		o.envMap = values
	}
}

// WithoutSystemEnv disables reading from os.Getenv, relying only on provided maps and .env files.
func WithoutSystemEnv() Option {
	return func(o *loaderOptions) {
		o.useSystemEnv = false
	}
}

// WithSecretResolver sets a custom secret resolver used for secret:// and sm:// references.
func WithSecretResolver(resolver SecretResolver) Option {
	return func(o *loaderOptions) {
		o.secret = resolver
	}
}

// WithRequiredSecrets marks the provided secret identifiers as mandatory.
// Identifiers match config field names such as "PSP.IyzicoSecretKey".
func WithRequiredSecrets(names ...string) Option {
	return func(o *loaderOptions) {
		o.requiredSecrets = append(o.requiredSecrets, names...)
	}
}

// WithPanicOnMissingSecrets causes Load to panic when required secrets are missing.
func WithPanicOnMissingSecrets() Option {
	return func(o *loaderOptions) {
		o.panicOnMissingSecrets = true
	}
}

// Load assembles the application configuration by combining defaults, .env overrides,
// environment variables, and optional secret manager lookups.
func Load(ctx context.Context, opts ...Option) (Config, error) {
	options := loaderOptions{
		envFile:      defaultEnvFile,
		useSystemEnv: true,
	}
	for _, opt := range opts {
		opt(&options)
	}

	lookup, err := newLookup(options)
	if err != nil {
		return Config{}, err
	}

	cfg := Config{
		Server: ServerConfig{
			Port:         stringWithDefault(lookup, "API_SERVER_PORT", defaultPort),
			ReadTimeout:  durationWithDefault(lookup, "API_SERVER_READ_TIMEOUT", defaultReadTimeout),
			WriteTimeout: durationWithDefault(lookup, "API_SERVER_WRITE_TIMEOUT", defaultWriteTimeout),
			IdleTimeout:  durationWithDefault(lookup, "API_SERVER_IDLE_TIMEOUT", defaultIdleTimeout),
		},
		Firestore: FirestoreConfig{
			ProjectID:    stringWithDefault(lookup, "API_FIRESTORE_PROJECT_ID", ""),
			EmulatorHost: stringWithDefault(lookup, "API_FIRESTORE_EMULATOR_HOST", ""),
		},
		Store: StoreConfig{
			Driver:           strings.ToLower(stringWithDefault(lookup, "API_STORE_DRIVER", defaultStoreDriver)),
			OrdersCollection: stringWithDefault(lookup, "API_STORE_ORDERS_COLLECTION", defaultOrdersCollection),
		},
		PSP: PSPConfig{
			DefaultProvider: strings.ToLower(stringWithDefault(lookup, "API_PSP_DEFAULT_PROVIDER", defaultPaymentProvider)),
			IyzicoAPIKey:    stringWithDefault(lookup, "API_PSP_IYZICO_API_KEY", ""),
			IyzicoSecretKey: stringWithDefault(lookup, "API_PSP_IYZICO_SECRET_KEY", ""),
			IyzicoBaseURL:   stringWithDefault(lookup, "API_PSP_IYZICO_BASE_URL", defaultIyzicoBaseURL),
			StripeAPIKey:    stringWithDefault(lookup, "API_PSP_STRIPE_API_KEY", ""),
		},
		Payments: PaymentsConfig{
			TokenTTL:            durationWithDefault(lookup, "API_PAYMENTS_TOKEN_TTL", defaultTokenTTL),
			LockTTL:             durationWithDefault(lookup, "API_PAYMENTS_COMPLETION_LOCK_TTL", defaultCompletionLockTTL),
			LockWait:            durationWithDefault(lookup, "API_PAYMENTS_COMPLETION_LOCK_WAIT", defaultCompletionLockWait),
			GatewayTimeout:      durationWithDefault(lookup, "API_PAYMENTS_GATEWAY_TIMEOUT", defaultGatewayTimeout),
			NotificationTimeout: durationWithDefault(lookup, "API_PAYMENTS_NOTIFICATION_TIMEOUT", defaultNotificationTimeout),
			Locale:              strings.ToLower(stringWithDefault(lookup, "API_PAYMENTS_LOCALE", defaultPaymentLocale)),
		},
		Notifications: NotificationConfig{
			ProjectID: stringWithDefault(lookup, "API_NOTIFICATIONS_PROJECT_ID", ""),
			Topic:     stringWithDefault(lookup, "API_NOTIFICATIONS_TOPIC", defaultNotificationTopic),
		},
		Storefront: StorefrontConfig{
			SuccessURL: stringWithDefault(lookup, "API_STOREFRONT_SUCCESS_URL", ""),
			FailureURL: stringWithDefault(lookup, "API_STOREFRONT_FAILURE_URL", ""),
		},
		RateLimits: RateLimitConfig{
			FinalizePerMinute: intWithDefault(lookup, "API_RATELIMIT_FINALIZE_PER_MIN", defaultFinalizePerMinute),
			StatusPerMinute:   intWithDefault(lookup, "API_RATELIMIT_STATUS_PER_MIN", defaultStatusPerMinute),
		},
		Reconciliation: ReconciliationConfig{
			Interval:  durationWithDefault(lookup, "API_RECONCILE_INTERVAL", 0),
			MinAge:    durationWithDefault(lookup, "API_RECONCILE_MIN_AGE", defaultReconcileMinAge),
			BatchSize: intWithDefault(lookup, "API_RECONCILE_BATCH_SIZE", defaultReconcileBatchSize),
		},
		Security: SecurityConfig{
			Environment: strings.ToLower(stringWithDefault(lookup, "API_SECURITY_ENVIRONMENT", defaultSecurityEnvironment)),
			OIDC: OIDCConfig{
				JWKSURL:         stringWithDefault(lookup, "API_SECURITY_OIDC_JWKS_URL", defaultOIDCJWKSURL),
				Audience:        stringWithDefault(lookup, "API_SECURITY_OIDC_AUDIENCE", ""),
				Issuers:         csvWithDefault(lookup, "API_SECURITY_OIDC_ISSUERS"),
				ServiceAccounts: csvWithDefault(lookup, "API_SECURITY_OIDC_SERVICE_ACCOUNTS"),
			},
		},
	}

	if cfg.Notifications.ProjectID == "" {
		cfg.Notifications.ProjectID = cfg.Firestore.ProjectID
	}
	if len(cfg.Security.OIDC.Issuers) == 0 {
		cfg.Security.OIDC.Issuers = []string{defaultSecurityIssuer}
	}

	resolved := make(map[string]string)
	secretFields := []struct {
		name  string
		field *string
	}{
		{"PSP.IyzicoAPIKey", &cfg.PSP.IyzicoAPIKey},
		{"PSP.IyzicoSecretKey", &cfg.PSP.IyzicoSecretKey},
		{"PSP.StripeAPIKey", &cfg.PSP.StripeAPIKey},
	}
	for _, target := range secretFields {
		value, err := resolveSecret(ctx, *target.field, options.secret)
		if err != nil {
			return Config{}, err
		}
		*target.field = value
		resolved[target.name] = strings.TrimSpace(value)
	}

	if err := validateConfig(cfg); err != nil {
		return Config{}, err
	}

	if missing := findMissingSecrets(options.requiredSecrets, resolved); missing != nil {
		if options.panicOnMissingSecrets {
			fmt.Fprintf(os.Stderr, "config: %s\n", missing.Error())
			panic(missing)
		}
		return Config{}, missing
	}

	return cfg, nil
}

func validateConfig(cfg Config) error {
	var missing []string

	if cfg.Server.Port == "" {
		missing = append(missing, "Server.Port")
	}
	switch cfg.Store.Driver {
	case StoreDriverFirestore:
		if cfg.Firestore.ProjectID == "" {
			missing = append(missing, "Firestore.ProjectID")
		}
		if strings.TrimSpace(cfg.Store.OrdersCollection) == "" {
			missing = append(missing, "Store.OrdersCollection")
		}
	case StoreDriverMemory:
	default:
		missing = append(missing, "Store.Driver")
	}
	switch cfg.PSP.DefaultProvider {
	case "iyzico":
		if !validURL(cfg.PSP.IyzicoBaseURL) {
			missing = append(missing, "PSP.IyzicoBaseURL")
		}
	case "stripe":
	default:
		missing = append(missing, "PSP.DefaultProvider")
	}
	if cfg.Payments.TokenTTL <= 0 {
		missing = append(missing, "Payments.TokenTTL")
	}
	if cfg.Payments.LockTTL <= 0 {
		missing = append(missing, "Payments.LockTTL")
	}
	if cfg.Payments.LockWait <= 0 || cfg.Payments.LockWait >= cfg.Payments.LockTTL {
		missing = append(missing, "Payments.LockWait")
	}
	if cfg.Payments.GatewayTimeout <= 0 {
		missing = append(missing, "Payments.GatewayTimeout")
	}
	if !validURL(cfg.Storefront.SuccessURL) {
		missing = append(missing, "Storefront.SuccessURL")
	}
	if !validURL(cfg.Storefront.FailureURL) {
		missing = append(missing, "Storefront.FailureURL")
	}
	if cfg.Reconciliation.Interval < 0 {
		missing = append(missing, "Reconciliation.Interval")
	}
	if cfg.Reconciliation.BatchSize <= 0 {
		missing = append(missing, "Reconciliation.BatchSize")
	}

	if len(missing) > 0 {
		return &ValidationError{fields: missing}
	}
	return nil
}

func validURL(raw string) bool {
	parsed, err := url.Parse(strings.TrimSpace(raw))
	if err != nil {
		return false
	}
	return parsed.Scheme != "" && parsed.Host != ""
}
