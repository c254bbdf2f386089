package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"

	"github.com/ericyarmo/buds-relay/internal/authn"
	"github.com/ericyarmo/buds-relay/internal/blob"
	"github.com/ericyarmo/buds-relay/internal/config"
	"github.com/ericyarmo/buds-relay/internal/observability/logging"
	"github.com/ericyarmo/buds-relay/internal/observability/metrics"
	"github.com/ericyarmo/buds-relay/internal/phonecrypt"
	"github.com/ericyarmo/buds-relay/internal/push"
	"github.com/ericyarmo/buds-relay/internal/service"
	"github.com/ericyarmo/buds-relay/internal/store"
	transport "github.com/ericyarmo/buds-relay/internal/transport/http"
)

func main() {
	_ = godotenv.Load()

	cfg, err := config.Load()
	if err != nil {
		slog.Error("configuration invalid", "error", err)
		os.Exit(1)
	}

	logger := logging.NewLogger(logging.Config{
		ServiceName: "relay",
		Environment: cfg.Environment,
		Level:       cfg.LogLevel,
	})
	slog.SetDefault(logger)
	metrics.MustRegister()

	logger.Info("starting relay")

	enc, err := phonecrypt.NewFromBase64(cfg.PhoneEncKey)
	if err != nil {
		logger.Error("phone encryption key invalid", "error", err)
		os.Exit(1)
	}

	db, err := gorm.Open(postgres.Open(cfg.DatabaseURL), &gorm.Config{})
	if err != nil {
		logger.Error("gorm open", "error", err)
		os.Exit(1)
	}
	st := store.New(db)
	if err := st.AutoMigrate(context.Background()); err != nil {
		logger.Error("auto migrate", "error", err)
		os.Exit(1)
	}

	blobs, err := blob.NewS3(context.Background(), cfg.BlobEndpoint, cfg.BlobAccessKey, cfg.BlobSecretKey, cfg.BlobBucket, cfg.BlobUseSSL)
	if err != nil {
		logger.Error("blob store unavailable", "error", err)
		os.Exit(1)
	}

	var pusher *service.PushDispatcher
	if cfg.PushEnabled() {
		apns, err := push.NewClient(cfg.PushKeyPEM, cfg.PushKeyID, cfg.PushTeamID, cfg.PushTopic, cfg.PushEndpoint)
		if err != nil {
			logger.Error("push credentials invalid", "error", err)
			os.Exit(1)
		}
		pusher = service.NewPushDispatcher(apns, st)
	} else {
		logger.Warn("push credentials absent, notifications disabled")
	}

	var auth authn.Validator
	if cfg.AuthHS256Secret != "" {
		logger.Info("using HS256 shared-secret caller authentication")
		auth = authn.NewHMACValidator(cfg.AuthHS256Secret, cfg.AuthIssuer)
	} else {
		logger.Info("using JWKS caller authentication", "jwks_url", cfg.AuthJWKSURL)
		jv, err := authn.NewJWKSValidator(context.Background(), cfg.AuthJWKSURL, cfg.AuthIssuer)
		if err != nil {
			logger.Error("jwks validator init failed", "error", err)
			os.Exit(1)
		}
		auth = jv
	}

	identity := service.NewIdentity(st, enc)
	messages := service.NewMessages(st, blobs, pusher)
	receipts := service.NewReceipts(st)
	cleanup := service.NewCleanup(st, blobs)

	handler := transport.NewRouter(transport.Config{
		Identity:    identity,
		Messages:    messages,
		Receipts:    receipts,
		Store:       st,
		Auth:        auth,
		CORSOrigins: cfg.CORSOrigins,
	})

	// The retention loop is detached from any request lifetime.
	cleanupCtx, stopCleanup := context.WithCancel(context.Background())
	go cleanup.Start(cleanupCtx, cfg.CleanupInterval)

	srv := &http.Server{
		Addr:              cfg.Addr,
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		logger.Info("relay listening", "addr", cfg.Addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("server error", "error", err)
			os.Exit(1)
		}
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, os.Interrupt, syscall.SIGTERM)
	<-stop

	logger.Info("shutting down")
	stopCleanup()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("shutdown", "error", err)
	}
}
