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

	"cloud.google.com/go/firestore"
	"cloud.google.com/go/pubsub"
	"go.uber.org/zap"
	"google.golang.org/api/iterator"

	"github.com/billfree-connect/api/internal/commerce"
	"github.com/billfree-connect/api/internal/handlers"
	"github.com/billfree-connect/api/internal/loyalty"
	"github.com/billfree-connect/api/internal/platform/auth"
	"github.com/billfree-connect/api/internal/platform/config"
	pfirestore "github.com/billfree-connect/api/internal/platform/firestore"
	"github.com/billfree-connect/api/internal/platform/jobs"
	"github.com/billfree-connect/api/internal/platform/observability"
	"github.com/billfree-connect/api/internal/platform/redeemguard"
	"github.com/billfree-connect/api/internal/platform/secrets"
	firestoreRepo "github.com/billfree-connect/api/internal/repositories/firestore"
	"github.com/billfree-connect/api/internal/services"
)

func main() {
	ctx := context.Background()
	startedAt := time.Now().UTC()

	baseLogger, err := observability.NewLogger()
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to initialise logger: %v\n", err)
		os.Exit(1)
	}
	defer func() {
		_ = baseLogger.Sync()
	}()

	logger := baseLogger.Named("api")
	ctx = observability.WithLogger(ctx, logger)

	fetcher, err := secrets.NewFetcher(ctx,
		secrets.WithLogger(logger.Named("secrets")),
		secrets.WithDefaultProject(os.Getenv("BRIDGE_FIRESTORE_PROJECT_ID")),
	)
	if err != nil {
		logger.Fatal("failed to initialise secret fetcher", zap.Error(err))
	}
	defer func() {
		if err := fetcher.Close(); err != nil {
			logger.Warn("secret fetcher close error", zap.Error(err))
		}
	}()

	cfg, err := config.Load(ctx,
		config.WithSecretResolver(config.SecretResolverFunc(fetcher.Resolve)),
	)
	if err != nil {
		var validation *config.ValidationError
		if errors.As(err, &validation) {
			logger.Fatal("configuration incomplete", zap.Strings("fields", validation.Fields()))
		}
		logger.Fatal("failed to load configuration", zap.Error(err))
	}

	firestoreProvider := pfirestore.NewProvider(cfg.Firestore)
	firestoreClient, err := firestoreProvider.Client(ctx)
	if err != nil {
		logger.Fatal("failed to initialise firestore client", zap.Error(err))
	}
	defer func() {
		closeCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := firestoreProvider.Close(closeCtx); err != nil {
			logger.Warn("firestore close error", zap.Error(err))
		}
	}()

	merchantRepo, err := firestoreRepo.NewMerchantConfigRepository(firestoreProvider)
	if err != nil {
		logger.Fatal("failed to initialise merchant config repository", zap.Error(err))
	}

	guardStore := redeemguard.NewFirestoreStore(firestoreClient)

	cleanupCtx, cleanupCancel := context.WithCancel(context.Background())
	var cleanupWG sync.WaitGroup
	var cleanupTicker *time.Ticker
	if cfg.Redemption.CleanupInterval > 0 {
		cleanupTicker = time.NewTicker(cfg.Redemption.CleanupInterval)
		cleanupWG.Add(1)
		go func() {
			defer cleanupWG.Done()
			cleanupLogger := logger.Named("redeemguard")
			for {
				select {
				case <-cleanupTicker.C:
					runCtx, cancel := context.WithTimeout(cleanupCtx, time.Minute)
					removed, err := guardStore.CleanupExpired(runCtx, time.Now().UTC(), cfg.Redemption.CleanupBatchSize)
					cancel()
					if err != nil {
						cleanupLogger.Error("guard cleanup error", zap.Error(err))
						continue
					}
					if removed > 0 {
						cleanupLogger.Info("guard cleanup removed records", zap.Int("count", removed))
					}
				case <-cleanupCtx.Done():
					return
				}
			}
		}()
	}

	var publisher services.EventPublisher
	var pubsubClient *pubsub.Client
	var eventTopic *pubsub.Topic
	if strings.TrimSpace(cfg.Events.Topic) != "" {
		pubsubClient, err = pubsub.NewClient(ctx, cfg.Events.ProjectID)
		if err != nil {
			logger.Fatal("failed to initialise pubsub client", zap.Error(err))
		}
		eventTopic = pubsubClient.Topic(cfg.Events.Topic)
		publisher, err = jobs.NewPubSubRedemptionPublisher(eventTopic)
		if err != nil {
			logger.Fatal("failed to initialise redemption publisher", zap.Error(err))
		}
	}
	defer func() {
		if eventTopic != nil {
			eventTopic.Stop()
		}
		if pubsubClient != nil {
			if err := pubsubClient.Close(); err != nil {
				logger.Warn("pubsub close error", zap.Error(err))
			}
		}
	}()

	loyaltyClient, err := loyalty.NewBillFreeClient(loyalty.BillFreeConfig{
		BaseURL: cfg.Provider.BaseURL,
		Timeout: cfg.Provider.Timeout,
		Logger:  observability.EventLogger(logger.Named("loyalty")),
	})
	if err != nil {
		logger.Fatal("failed to initialise loyalty client", zap.Error(err))
	}

	platformClient, err := commerce.NewGraphQLClient(commerce.GraphQLConfig{
		EndpointTemplate: cfg.Platform.EndpointTemplate,
		APIVersion:       cfg.Platform.APIVersion,
		Timeout:          cfg.Platform.Timeout,
		Logger:           observability.EventLogger(logger.Named("commerce")),
	})
	if err != nil {
		logger.Fatal("failed to initialise platform client", zap.Error(err))
	}

	configResolver, err := services.NewMerchantConfigResolver(services.MerchantConfigResolverDeps{
		Repository:          merchantRepo,
		DefaultDialCode:     cfg.Provider.DialCode,
		DefaultCodeValidity: cfg.Redemption.CodeValidity,
	})
	if err != nil {
		logger.Fatal("failed to initialise config resolver", zap.Error(err))
	}

	redemptionService, err := services.NewRedemptionService(services.RedemptionServiceDeps{
		Configs:        configResolver,
		Loyalty:        loyaltyClient,
		Platform:       platformClient,
		Guard:          guardStore,
		Events:         publisher,
		Clock:          time.Now,
		Logger:         observability.EventLogger(logger.Named("redemption")),
		CheckoutBudget: cfg.Redemption.CheckoutBudget,
		GuardTTL:       cfg.Redemption.GuardTTL,
	})
	if err != nil {
		logger.Fatal("failed to initialise redemption service", zap.Error(err))
	}

	proxyVerifier := auth.NewProxyVerifier(cfg.Auth.AppSecret)
	sessionVerifier := auth.NewSessionVerifier(cfg.Auth.AppSecret)

	storefrontHandlers := handlers.NewStorefrontHandlers(redemptionService)
	checkoutHandlers := handlers.NewCheckoutHandlers(redemptionService, cfg.Features.EnableCheckoutDiscounts)
	adminHandlers := handlers.NewAdminHandlers(merchantRepo)

	healthHandlers := handlers.NewHealthHandlers(
		handlers.WithHealthVersion(buildVersion()),
		handlers.WithHealthStartedAt(startedAt),
		handlers.WithReadinessProbe("firestore", firestoreProbe(firestoreClient)),
	)

	middlewares := []func(http.Handler) http.Handler{
		observability.InjectLoggerMiddleware(logger.Named("http")),
		observability.TraceMiddleware(cfg.Firestore.ProjectID),
		observability.RecoveryMiddleware(logger.Named("http")),
		observability.RequestLoggerMiddleware(),
	}

	router := handlers.NewRouter(
		handlers.WithMiddlewares(middlewares...),
		handlers.WithHealthHandlers(healthHandlers),
		handlers.WithStorefrontRoutes(storefrontHandlers.Routes),
		handlers.WithStorefrontMiddlewares(proxyVerifier.RequireSignature()),
		handlers.WithCheckoutRoutes(checkoutHandlers.Routes),
		handlers.WithCheckoutMiddlewares(auth.RequireCheckoutSecret(cfg.Auth.CheckoutSharedSecret)),
		handlers.WithAdminRoutes(adminHandlers.Routes),
		handlers.WithAdminMiddlewares(sessionVerifier.RequireSession()),
	)

	server := &http.Server{
		Addr:         ":" + cfg.Server.Port,
		Handler:      router,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  cfg.Server.IdleTimeout,
	}

	shutdown := make(chan os.Signal, 1)
	signal.Notify(shutdown, syscall.SIGINT, syscall.SIGTERM)

	serverLogger := logger.Named("http").With(zap.String("addr", server.Addr))
	go func() {
		serverLogger.Info("billfree-connect api listening")
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverLogger.Fatal("http server error", zap.Error(err))
		}
	}()

	<-shutdown
	logger.Info("shutdown signal received; draining requests")

	if cleanupTicker != nil {
		cleanupTicker.Stop()
	}
	cleanupCancel()
	cleanupWG.Wait()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error("graceful shutdown failed", zap.Error(err))
	}
}

func buildVersion() string {
	version := strings.TrimSpace(os.Getenv("BRIDGE_BUILD_VERSION"))
	if version == "" {
		version = "dev"
	}
	return version
}

func firestoreProbe(client *firestore.Client) handlers.ReadinessProbe {
	return func(ctx context.Context) error {
		iter := client.Collections(ctx)
		_, err := iter.Next()
		if errors.Is(err, iterator.Done) {
			return nil
		}
		return err
	}
}
