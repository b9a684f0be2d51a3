package main

import (
	"context"
	"errors"
	"log"
	"log/slog"
	"net"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"
	"golang.org/x/net/netutil"
	"golang.org/x/sync/errgroup"

	"nebulaai/internal/app"
	"nebulaai/internal/audit"
	"nebulaai/internal/config"
	"nebulaai/internal/ratelimit"
	"nebulaai/internal/server"
	"nebulaai/internal/util"
	"nebulaai/pkg/ai"
	"nebulaai/pkg/store"
	"nebulaai/pkg/token"
)

func main() {
	cfg, err := config.Load(config.ConfigPath)
	if err != nil {
		log.Fatalf("failed to load config: %v", err)
	}
	logger := util.InitLogger(cfg.LogLevel)

	accessTTL, err := config.ParseDurationOr(cfg.AccessTokenTTL, token.DefaultAccessTTL)
	if err != nil {
		log.Fatalf("failed to parse accessTokenTTL: %v", err)
	}
	refreshTTL, err := config.ParseDurationOr(cfg.RefreshTokenTTL, token.DefaultRefreshTTL)
	if err != nil {
		log.Fatalf("failed to parse refreshTokenTTL: %v", err)
	}
	leeway, err := config.ParseDurationOr(cfg.TokenLeeway, token.DefaultLeeway)
	if err != nil {
		log.Fatalf("failed to parse tokenLeeway: %v", err)
	}
	providerTimeout, err := config.ParseDurationOr(cfg.ProviderTimeout, 60*time.Second)
	if err != nil {
		log.Fatalf("failed to parse providerTimeout: %v", err)
	}

	issuer, err := token.NewIssuer(token.Options{
		AccessSecret:  cfg.AccessTokenSecret,
		RefreshSecret: cfg.RefreshTokenSecret,
		AccessTTL:     accessTTL,
		RefreshTTL:    refreshTTL,
		Leeway:        leeway,
	})
	if err != nil {
		log.Fatalf("failed to init token issuer: %v", err)
	}

	st, err := store.NewGormStore(cfg.DatabaseURL)
	if err != nil {
		log.Fatalf("failed to init store: %v", err)
	}

	trusted, err := util.NewTrustedProxies(cfg.TrustedProxies)
	if err != nil {
		log.Fatalf("failed to parse trustedProxies: %v", err)
	}

	redisClient := redis.NewClient(&redis.Options{
		Addr:     cfg.RedisAddr,
		Password: cfg.RedisPassword,
	})
	defer redisClient.Close()

	globalLimiter, err := newLimiter(redisClient, "global", cfg.GlobalRateLimit, cfg.GlobalRateWindow, 100, 15*time.Minute)
	if err != nil {
		log.Fatalf("failed to init global limiter: %v", err)
	}
	authLimiter, err := newLimiter(redisClient, "auth", cfg.AuthRateLimit, cfg.AuthRateWindow, 5, 15*time.Minute)
	if err != nil {
		log.Fatalf("failed to init auth limiter: %v", err)
	}
	aiLimiter, err := newLimiter(redisClient, "ai", cfg.AIRateLimit, cfg.AIRateWindow, 10, time.Minute)
	if err != nil {
		log.Fatalf("failed to init ai limiter: %v", err)
	}

	var publisher audit.Publisher = audit.NopPublisher{}
	if cfg.AMQPURL != "" {
		amqpPublisher, err := audit.NewAMQPPublisher(cfg.AMQPURL)
		if err != nil {
			log.Fatalf("failed to init audit publisher: %v", err)
		}
		defer amqpPublisher.Close()
		publisher = amqpPublisher
	}

	generator := ai.NewOpenAICompatGenerator(cfg.ProviderBaseURL, cfg.ProviderAPIKey, cfg.ProviderModel, providerTimeout)
	appCore := app.New(st, issuer, generator, publisher, providerTimeout)

	httpServer := server.New(server.Config{
		App:            appCore,
		TrustedProxies: trusted,
		GlobalLimiter:  globalLimiter,
		AuthLimiter:    authLimiter,
		AILimiter:      aiLimiter,
	})

	addr := ":" + cfg.Port
	srv := &http.Server{
		Addr:         addr,
		Handler:      httpServer.Router(),
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 90 * time.Second, // provider calls can take most of a minute
		IdleTimeout:  60 * time.Second,
	}

	listener, err := net.Listen("tcp", addr)
	if err != nil {
		log.Fatalf("failed to listen on %s: %v", addr, err)
	}
	if cfg.MaxConnections > 0 {
		listener = netutil.LimitListener(listener, cfg.MaxConnections)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	group, groupCtx := errgroup.WithContext(ctx)
	group.Go(func() error {
		slog.Info("server listening", "addr", addr)
		if err := srv.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	group.Go(func() error {
		<-groupCtx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()
		slog.Info("shutting down")
		return srv.Shutdown(shutdownCtx)
	})

	if err := group.Wait(); err != nil {
		logger.Error("server error", "err", err)
	}
}

func newLimiter(client *redis.Client, name string, limit int, window string, defaultLimit int, defaultWindow time.Duration) (*ratelimit.FixedWindowLimiter, error) {
	if limit <= 0 {
		limit = defaultLimit
	}
	dur, err := config.ParseDurationOr(window, defaultWindow)
	if err != nil {
		return nil, err
	}
	return ratelimit.NewFixedWindowLimiter(client, "nebula:ratelimit:"+name, limit, dur)
}
