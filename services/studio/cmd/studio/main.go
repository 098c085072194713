package main

import (
	"context"
	"errors"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/albinc92/grok-bud/internal/metrics"
	"github.com/albinc92/grok-bud/internal/ratelimit"
	"github.com/albinc92/grok-bud/internal/session"
	"github.com/albinc92/grok-bud/internal/usertoken"
	"github.com/albinc92/grok-bud/internal/util"
	"github.com/albinc92/grok-bud/pkg/storage"
	"github.com/albinc92/grok-bud/services/studio/internal/app"
	"github.com/albinc92/grok-bud/services/studio/internal/config"
	"github.com/albinc92/grok-bud/services/studio/internal/server"
)

func main() {
	cfg, err := config.Load(config.ConfigPath)
	if err != nil {
		log.Fatalf("failed to load config: %v", err)
	}

	logger := util.InitLogger(cfg.LogLevel)
	m := metrics.New(nil)

	// A nil *Verifier in the interface would look configured.
	var verifier session.TokenVerifier
	if cfg.JWTSecret != "" || cfg.JWKSURL != "" {
		v, err := usertoken.NewVerifier(usertoken.Config{
			Secret:   cfg.JWTSecret,
			JWKSURL:  cfg.JWKSURL,
			Issuer:   cfg.JWTIssuer,
			Audience: cfg.JWTAudience,
		})
		if err != nil {
			log.Fatalf("failed to init token verifier: %v", err)
		}
		verifier = v
	}

	limiter, closeLimiter, err := newLimiter(cfg)
	if err != nil {
		log.Fatalf("failed to init rate limiter: %v", err)
	}
	defer closeLimiter()

	trusted, err := util.NewTrustedProxies(cfg.TrustedProxies)
	if err != nil {
		log.Fatalf("failed to parse trusted proxies: %v", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	appCore, err := app.New(ctx, app.Config{
		LocalBackend:  cfg.LocalStore.Backend,
		LocalPath:     cfg.LocalStore.Path,
		RedisAddr:     cfg.RedisAddr,
		RedisPassword: cfg.RedisPassword,
		DatabaseURL:   cfg.DatabaseURL,
		SyncTimeout:   time.Duration(cfg.SyncTimeoutSeconds) * time.Second,
		XAIBaseURL:    cfg.XAIBaseURL,
		XAIAPIKey:     cfg.XAIAPIKey,
		TokenVerifier: verifier,
		Minio: storage.MinioConfig{
			Endpoint:  cfg.Minio.Endpoint,
			AccessKey: cfg.Minio.AccessKey,
			SecretKey: cfg.Minio.SecretKey,
			Bucket:    cfg.Minio.Bucket,
			UseSSL:    cfg.Minio.UseSSL,
		},
		PresignExpiry: time.Duration(cfg.Minio.PresignExpiryMinutes) * time.Minute,
		AMQPURL:       cfg.AMQP.URL,
		AMQPExchange:  cfg.AMQP.Exchange,
		VideoModel:    cfg.Video.Model,
		PollInterval:  time.Duration(cfg.Video.PollIntervalSeconds) * time.Second,
		MaxAttempts:   cfg.Video.MaxAttempts,
		MaxPollErrors: cfg.Video.MaxPollErrors,
		Metrics:       m,
		Logger:        logger,
	})
	if err != nil {
		log.Fatalf("failed to init app: %v", err)
	}
	defer func() {
		if err := appCore.Close(); err != nil {
			logger.Error("close app", "err", err)
		}
	}()
	appCore.Start(ctx)

	httpServer := server.New(server.Config{
		App:            appCore,
		Metrics:        m,
		Limiter:        limiter,
		TrustedProxies: trusted,
		CORSOrigins:    cfg.CORSOrigins,
		Logger:         logger,
	})

	addr := ":" + cfg.Port
	// No WriteTimeout: the job event stream is long-lived.
	srv := &http.Server{
		Addr:              addr,
		Handler:           httpServer.Router(),
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       15 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		slog.Info("studio server listening", "addr", addr)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("server error", "err", err)
		}
	case <-ctx.Done():
		slog.Info("shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			logger.Error("shutdown", "err", err)
		}
	}
}

// newLimiter builds the generation limiter: Redis-backed when Redis is
// configured, in-process otherwise. A zero limit disables it.
func newLimiter(cfg config.FileConfig) (ratelimit.Limiter, func(), error) {
	limit := cfg.GenerationRateLimitPerMinute
	if limit <= 0 {
		return nil, func() {}, nil
	}
	if cfg.RedisAddr != "" {
		l, err := ratelimit.NewRedisFixedWindow(cfg.RedisAddr, cfg.RedisPassword, ratelimit.DefaultPrefix, limit, time.Minute)
		if err != nil {
			return nil, nil, err
		}
		return l, func() { _ = l.Close() }, nil
	}
	l, err := ratelimit.NewMemoryFixedWindow(limit, time.Minute)
	if err != nil {
		return nil, nil, err
	}
	return l, func() {}, nil
}
