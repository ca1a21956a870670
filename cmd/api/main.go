package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"sync"
	"syscall"
	"time"

	"cloud.google.com/go/pubsub"
	"go.uber.org/zap"
	"google.golang.org/api/option"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/petalpost/api/internal/handlers"
	"github.com/petalpost/api/internal/payments"
	"github.com/petalpost/api/internal/platform/auth"
	"github.com/petalpost/api/internal/platform/config"
	pfirestore "github.com/petalpost/api/internal/platform/firestore"
	"github.com/petalpost/api/internal/platform/jobs"
	"github.com/petalpost/api/internal/platform/observability"
	"github.com/petalpost/api/internal/platform/secrets"
	"github.com/petalpost/api/internal/repositories"
	firestoreRepo "github.com/petalpost/api/internal/repositories/firestore"
	"github.com/petalpost/api/internal/repositories/memory"
	"github.com/petalpost/api/internal/services"
)

var bootstrapKeys = []string{
	"LOG_LEVEL",
	"API_BUILD_VERSION",
	"API_BUILD_COMMIT_SHA",
	"API_FIRESTORE_PROJECT_ID",
	"API_PSP_DEFAULT_PROVIDER",
	"API_PSP_STRIPE_API_KEY",
	"API_SECRET_DEFAULT_PROJECT_ID",
	"API_SECRET_FALLBACK_FILE",
	"API_SECRET_CREDENTIALS_FILE",
}

func main() {
	ctx := context.Background()
	startedAt := time.Now().UTC()

	envValues, err := config.EnvironmentValues(bootstrapKeys)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to read environment values: %v\n", err)
		os.Exit(1)
	}

	baseLogger, err := observability.NewLogger(envValues["LOG_LEVEL"])
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to initialise logger: %v\n", err)
		os.Exit(1)
	}
	defer func() {
		_ = baseLogger.Sync()
	}()
	logger := baseLogger.Named("api")

	fetcher, err := newSecretFetcher(ctx, logger, envValues)
	if err != nil {
		logger.Fatal("failed to initialise secret fetcher", zap.Error(err))
	}
	defer func() {
		if err := fetcher.Close(); err != nil {
			logger.Warn("secret fetcher close error", zap.Error(err))
		}
	}()

	cfg, err := config.Load(ctx,
		config.WithSecretResolver(fetcher),
		config.WithRequiredSecrets(requiredSecretNames(envValues)...),
	)
	if err != nil {
		var missing *config.MissingSecretsError
		if errors.As(err, &missing) {
			logger.Fatal("missing required secrets", zap.Strings("secrets", missing.RedactedNames()))
		}
		logger.Fatal("failed to load configuration", zap.Error(err))
	}

	buildInfo := buildInfoFromEnv(envValues, cfg, startedAt)
	checks := make([]repositories.DependencyCheck, 0, 4)

	var orders repositories.OrderRepository
	switch cfg.Store.Driver {
	case config.StoreDriverMemory:
		logger.Warn("using in-memory order store; data is lost on restart")
		orders = memory.NewOrderRepository(time.Now)
	default:
		firestoreProvider := pfirestore.NewProvider(cfg.Firestore)
		if _, err := firestoreProvider.Client(ctx); err != nil {
			logger.Fatal("failed to initialise firestore client", zap.Error(err))
		}
		defer func() {
			closeCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			if err := firestoreProvider.Close(closeCtx); err != nil {
				logger.Warn("firestore close error", zap.Error(err))
			}
		}()
		orderRepo, err := firestoreRepo.NewOrderRepository(firestoreProvider, cfg.Store.OrdersCollection)
		if err != nil {
			logger.Fatal("failed to initialise order repository", zap.Error(err))
		}
		orders = orderRepo
		checks = append(checks, repositories.DependencyCheck{
			Name:     "firestore",
			Timeout:  1500 * time.Millisecond,
			Critical: true,
			Check:    firestoreProvider.Ping,
		})
	}

	paymentManager, err := newPaymentManager(cfg, logger.Named("payments"))
	if err != nil {
		logger.Fatal("failed to initialise payment gateways", zap.Error(err))
	}

	notifier, closeNotifier, notifierCheck, err := newNotifier(ctx, cfg, logger.Named("notifications"))
	if err != nil {
		logger.Fatal("failed to initialise notification publisher", zap.Error(err))
	}
	defer closeNotifier()
	if notifierCheck != nil {
		checks = append(checks, *notifierCheck)
	}

	var background sync.WaitGroup
	completionLogger := logger.Named("completion")
	completionService, err := services.NewPaymentCompletionService(services.PaymentCompletionServiceDeps{
		Orders:   orders,
		Gateway:  paymentManager,
		Notifier: notifier,
		Metrics:  observability.NewCompletionMetrics(nil, completionLogger),
		Clock:    time.Now,
		Go: func(fn func()) {
			background.Add(1)
			go func() {
				defer background.Done()
				fn()
			}()
		},
		Logger:              observability.EventLogger(completionLogger),
		TokenTTL:            cfg.Payments.TokenTTL,
		LockTTL:             cfg.Payments.LockTTL,
		LockWait:            cfg.Payments.LockWait,
		GatewayTimeout:      cfg.Payments.GatewayTimeout,
		NotificationTimeout: cfg.Payments.NotificationTimeout,
		Locale:              cfg.Payments.Locale,
	})
	if err != nil {
		logger.Fatal("failed to initialise payment completion service", zap.Error(err))
	}

	reconciliationService, err := services.NewPaymentReconciliationService(services.PaymentReconciliationServiceDeps{
		Orders:     orders,
		Completion: completionService,
		Clock:      time.Now,
		Logger:     observability.EventLogger(logger.Named("reconciliation")),
		TokenTTL:   cfg.Payments.TokenTTL,
		MinAge:     cfg.Reconciliation.MinAge,
		BatchSize:  cfg.Reconciliation.BatchSize,
	})
	if err != nil {
		logger.Fatal("failed to initialise payment reconciliation service", zap.Error(err))
	}

	if fetcher != nil {
		checks = append(checks, secretManagerCheck(fetcher))
	}
	systemService, err := newSystemService(checks, buildInfo)
	if err != nil {
		logger.Warn("health: system service init failed", zap.Error(err))
	}

	healthOpts := []handlers.HealthOption{handlers.WithHealthBuildInfo(buildInfo)}
	if systemService != nil {
		healthOpts = append(healthOpts, handlers.WithHealthSystemService(systemService))
	}

	callbackHandlers := handlers.NewPaymentCallbackHandlers(completionService, handlers.StorefrontPages{
		SuccessURL: cfg.Storefront.SuccessURL,
		FailureURL: cfg.Storefront.FailureURL,
	}, cfg.Payments.Locale)
	orderPaymentHandlers := handlers.NewOrderPaymentHandlers(completionService,
		handlers.WithPaymentRateLimits(cfg.RateLimits.FinalizePerMinute, cfg.RateLimits.StatusPerMinute, time.Now),
	)
	internalHandlers := handlers.NewInternalPaymentHandlers(reconciliationService, services.ReconcileCommand{
		MinAge: cfg.Reconciliation.MinAge,
		Limit:  cfg.Reconciliation.BatchSize,
	})

	opts := []handlers.Option{
		handlers.WithMiddlewares(
			observability.TraceMiddleware(traceProjectID(cfg)),
			observability.RequestLoggerMiddleware(logger.Named("http")),
			observability.RecoveryMiddleware(logger.Named("http")),
		),
		handlers.WithHealthHandlers(handlers.NewHealthHandlers(healthOpts...)),
		handlers.WithPaymentRoutes(callbackHandlers.Routes),
		handlers.WithOrderRoutes(orderPaymentHandlers.Routes),
		handlers.WithInternalRoutes(internalHandlers.Routes),
	}
	if oidcMiddleware := buildOIDCMiddleware(logger.Named("auth"), cfg); oidcMiddleware != nil {
		opts = append(opts, handlers.WithInternalMiddlewares(oidcMiddleware))
	}

	router := handlers.NewRouter(opts...)
	server := &http.Server{
		Addr:         ":" + cfg.Server.Port,
		Handler:      router,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  cfg.Server.IdleTimeout,
	}

	sweepCtx, sweepCancel := context.WithCancel(context.Background())
	var sweepWG sync.WaitGroup
	if cfg.Reconciliation.Interval > 0 {
		sweepWG.Add(1)
		go func() {
			defer sweepWG.Done()
			runReconciliationLoop(sweepCtx, reconciliationService, cfg.Reconciliation.Interval, logger.Named("reconciliation"))
		}()
	}

	shutdown := make(chan os.Signal, 1)
	signal.Notify(shutdown, syscall.SIGINT, syscall.SIGTERM)

	serverLogger := logger.Named("http").With(zap.String("addr", server.Addr))
	go func() {
		serverLogger.Info("petalpost api listening", zap.String("store", cfg.Store.Driver), zap.String("provider", cfg.PSP.DefaultProvider))
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverLogger.Fatal("http server error", zap.Error(err))
		}
	}()

	<-shutdown
	logger.Info("shutdown signal received; draining requests")

	sweepCancel()
	sweepWG.Wait()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error("graceful shutdown failed", zap.Error(err))
	}

	drained := make(chan struct{})
	go func() {
		background.Wait()
		close(drained)
	}()
	select {
	case <-drained:
	case <-shutdownCtx.Done():
		logger.Warn("notification dispatch still running at shutdown")
	}
}

func runReconciliationLoop(ctx context.Context, svc services.PaymentReconciliationService, interval time.Duration, logger *zap.Logger) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			runCtx, cancel := context.WithTimeout(ctx, interval)
			summary, err := svc.Reconcile(runCtx, services.ReconcileCommand{})
			cancel()
			if err != nil {
				logger.Error("payment reconciliation error", zap.Error(err))
				continue
			}
			if summary.Scanned > 0 {
				logger.Info("payment reconciliation swept orders",
					zap.Int("scanned", summary.Scanned),
					zap.Int("confirmed", summary.Confirmed),
					zap.Int("errors", summary.Errors),
				)
			}
		case <-ctx.Done():
			return
		}
	}
}

func newPaymentManager(cfg config.Config, logger *zap.Logger) (*payments.Manager, error) {
	gatewayLogger := payments.GatewayLogger(observability.EventLogger(logger))
	providers := make(map[string]payments.Verifier, 2)

	if cfg.PSP.IyzicoAPIKey != "" && cfg.PSP.IyzicoSecretKey != "" {
		iyzico, err := payments.NewIyzicoClient(payments.IyzicoConfig{
			APIKey:     cfg.PSP.IyzicoAPIKey,
			SecretKey:  cfg.PSP.IyzicoSecretKey,
			BaseURL:    cfg.PSP.IyzicoBaseURL,
			Locale:     cfg.Payments.Locale,
			HTTPClient: &http.Client{Timeout: cfg.Payments.GatewayTimeout},
			Clock:      time.Now,
			Logger:     gatewayLogger,
		})
		if err != nil {
			return nil, fmt.Errorf("iyzico: %w", err)
		}
		providers[payments.ProviderIyzico] = iyzico
	}
	if strings.TrimSpace(cfg.PSP.StripeAPIKey) != "" {
		stripe, err := payments.NewStripeVerifier(payments.StripeVerifierConfig{
			APIKey: cfg.PSP.StripeAPIKey,
			Logger: gatewayLogger,
		})
		if err != nil {
			return nil, fmt.Errorf("stripe: %w", err)
		}
		providers[payments.ProviderStripe] = stripe
	}
	if len(providers) == 0 {
		return nil, errors.New("no payment gateway credentials configured")
	}
	return payments.NewManager(providers, payments.WithDefaultProvider(cfg.PSP.DefaultProvider))
}

func newNotifier(ctx context.Context, cfg config.Config, logger *zap.Logger) (services.NotificationDispatcher, func(), *repositories.DependencyCheck, error) {
	projectID := strings.TrimSpace(cfg.Notifications.ProjectID)
	topicName := strings.TrimSpace(cfg.Notifications.Topic)
	if projectID == "" || topicName == "" {
		logger.Warn("notification topic not configured; confirmations will only be logged")
		return services.LogDispatcher{Logger: observability.EventLogger(logger)}, func() {}, nil, nil
	}

	client, err := pubsub.NewClient(ctx, projectID)
	if err != nil {
		return nil, nil, nil, err
	}
	topic := client.Topic(topicName)
	publisher, err := jobs.NewPubSubNotificationPublisher(topic)
	if err != nil {
		_ = client.Close()
		return nil, nil, nil, err
	}

	closeFn := func() {
		topic.Stop()
		if err := client.Close(); err != nil {
			logger.Warn("pubsub close error", zap.Error(err))
		}
	}
	check := &repositories.DependencyCheck{
		Name:    "pubsub",
		Timeout: time.Second,
		Check: func(ctx context.Context) error {
			exists, err := topic.Exists(ctx)
			if err != nil {
				return err
			}
			if !exists {
				return fmt.Errorf("topic %s not found", topicName)
			}
			return nil
		},
	}
	return publisher, closeFn, check, nil
}

func secretManagerCheck(fetcher *secrets.Fetcher) repositories.DependencyCheck {
	const secretHealthReference = "secret://system/healthz?version=latest"
	return repositories.DependencyCheck{
		Name:    "secretManager",
		Timeout: time.Second,
		Check: func(ctx context.Context) error {
			_, err := fetcher.Resolve(ctx, secretHealthReference)
			if err == nil || errors.Is(err, secrets.ErrNotFound) {
				return nil
			}
			if st, ok := status.FromError(err); ok && st.Code() == codes.NotFound {
				return nil
			}
			return err
		},
	}
}

func newSystemService(checks []repositories.DependencyCheck, build services.BuildInfo) (services.SystemService, error) {
	if len(checks) == 0 {
		return nil, errors.New("health: no dependency checks configured")
	}
	repo, err := repositories.NewDependencyHealthRepository(checks)
	if err != nil {
		return nil, err
	}
	return services.NewSystemService(services.SystemServiceDeps{
		HealthRepository: repo,
		Clock:            time.Now,
		Build:            build,
	})
}

func buildInfoFromEnv(env map[string]string, cfg config.Config, started time.Time) services.BuildInfo {
	version := strings.TrimSpace(env["API_BUILD_VERSION"])
	if version == "" {
		version = "dev"
	}
	commit := strings.TrimSpace(env["API_BUILD_COMMIT_SHA"])
	if commit == "" {
		commit = "unknown"
	}
	environment := strings.TrimSpace(cfg.Security.Environment)
	if environment == "" {
		environment = "local"
	}
	return services.BuildInfo{
		Version:     version,
		CommitSHA:   commit,
		Environment: environment,
		StartedAt:   started,
	}
}

func buildOIDCMiddleware(logger *zap.Logger, cfg config.Config) func(http.Handler) http.Handler {
	if strings.TrimSpace(cfg.Security.OIDC.JWKSURL) == "" {
		return nil
	}

	adapter := observability.NewPrintfAdapter(logger)
	cache := auth.NewJWKSCache(cfg.Security.OIDC.JWKSURL, auth.WithJWKSLogger(adapter))
	validator := auth.NewOIDCValidator(cache, adapter)

	audience := strings.TrimSpace(cfg.Security.OIDC.Audience)
	if audience == "" {
		logger.Warn("auth: OIDC audience not configured; internal routes will reject requests")
	}

	return validator.RequireServiceToken(auth.ServicePolicy{
		Audience: audience,
		Issuers:  cfg.Security.OIDC.Issuers,
		Emails:   cfg.Security.OIDC.ServiceAccounts,
	})
}

func traceProjectID(cfg config.Config) string {
	if id := strings.TrimSpace(cfg.Firestore.ProjectID); id != "" {
		return id
	}
	return strings.TrimSpace(cfg.Notifications.ProjectID)
}

func newSecretFetcher(ctx context.Context, logger *zap.Logger, env map[string]string) (*secrets.Fetcher, error) {
	lookup := func(key string) string {
		return strings.TrimSpace(env[key])
	}

	defaultProject := lookup("API_SECRET_DEFAULT_PROJECT_ID")
	if defaultProject == "" {
		defaultProject = lookup("API_FIRESTORE_PROJECT_ID")
	}

	opts := []secrets.Option{
		secrets.WithLogger(logger.Named("secrets")),
	}
	if fallbackPath := lookup("API_SECRET_FALLBACK_FILE"); fallbackPath != "" {
		opts = append(opts, secrets.WithFallbackFile(fallbackPath))
	}
	if defaultProject != "" {
		opts = append(opts, secrets.WithDefaultProject(defaultProject))
	}
	if credentialsFile := lookup("API_SECRET_CREDENTIALS_FILE"); credentialsFile != "" {
		opts = append(opts, secrets.WithClientOptions(option.WithCredentialsFile(credentialsFile)))
	}

	return secrets.NewFetcher(ctx, opts...)
}

// requiredSecretNames lists credentials the configured default gateway cannot run without.
func requiredSecretNames(env map[string]string) []string {
	provider := strings.ToLower(strings.TrimSpace(env["API_PSP_DEFAULT_PROVIDER"]))
	required := make([]string, 0, 3)
	if provider == "" || provider == payments.ProviderIyzico {
		required = append(required, "PSP.IyzicoAPIKey", "PSP.IyzicoSecretKey")
	}
	if provider == payments.ProviderStripe || strings.TrimSpace(env["API_PSP_STRIPE_API_KEY"]) != "" {
		required = append(required, "PSP.StripeAPIKey")
	}
	return required
}
