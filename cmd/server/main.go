// cmd/server/main.go
package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jason-s-yu/arcade/internal/auth"
	"github.com/jason-s-yu/arcade/internal/cache"
	"github.com/jason-s-yu/arcade/internal/config"
	"github.com/jason-s-yu/arcade/internal/database"
	"github.com/jason-s-yu/arcade/internal/fanout"
	"github.com/jason-s-yu/arcade/internal/handlers"
	"github.com/jason-s-yu/arcade/internal/lobby"
	"github.com/jason-s-yu/arcade/internal/middleware"
	"github.com/jason-s-yu/arcade/internal/payout"
	_ "github.com/joho/godotenv/autoload"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"
)

const shutdownTimeout = 15 * time.Second

func main() {
	cfg, err := config.Load()
	if err != nil {
		logrus.Fatalf("invalid configuration: %v", err)
	}
	logger := cfg.NewLogger()

	if cfg.AuthPublicKeyPath != "" {
		err = auth.InitFromPath(cfg.AuthPublicKeyPath)
	} else {
		err = auth.Init()
	}
	if err != nil {
		logger.Fatalf("auth: %v", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	notifier, err := payout.NewHTTPNotifier(payout.Config{
		BaseURL:    cfg.PayoutURL,
		Secret:     []byte(cfg.PayoutSecret),
		MaxRetries: cfg.PayoutMaxRetries,
		Timeout:    cfg.PayoutTimeout,
		Logger:     logger,
	})
	if err != nil {
		logger.Fatalf("payout: %v", err)
	}

	opts := lobby.Options{
		DefaultCapacity: cfg.LobbyCapacity,
		MatchTimeout:    cfg.MatchTimeout,
		GracePeriod:     cfg.EndGracePeriod,
		StartCountdown:  cfg.StartCountdown,
		BotFill:         cfg.BotFill,
		BotLifetime:     cfg.BotLifetime,
		Score:           lobby.MostFlaps,
		Broadcaster:     fanout.NewHub(logger),
		Notifier:        notifier,
		Logger:          logger,
	}

	if cfg.RedisAddr != "" {
		rdb, err := cache.ConnectRedis(ctx, cfg.RedisAddr, cfg.RedisDB)
		if err != nil {
			logger.Fatalf("redis: %v", err)
		}
		defer rdb.Close()
		pub := cache.NewActionPublisher(rdb, cfg.HistorianQueueName, logger)
		defer pub.Close()
		opts.Actions = pub
		logger.WithField("queue", cfg.HistorianQueueName).Info("publishing match actions")
	}

	if cfg.DatabaseURL != "" {
		pool, err := database.Connect(ctx, cfg.DatabaseURL)
		if err != nil {
			logger.Fatalf("database: %v", err)
		}
		defer pool.Close()
		if err := database.EnsureSchema(ctx, pool); err != nil {
			logger.Fatalf("database schema: %v", err)
		}
		opts.Recorders = append(opts.Recorders, database.NewMatchRecorder(pool))
		logger.Info("recording match results")
	}

	reg := lobby.NewRegistry(opts)
	ls := handlers.NewLobbyServer(reg, logger)
	ls.RateLimit = rate.Limit(cfg.WSRateLimit)
	ls.RateBurst = cfg.WSRateBurst

	mux := http.NewServeMux()
	ls.Routes(mux)

	srv := &http.Server{
		Addr:              cfg.Addr(),
		Handler:           middleware.LogMiddleware(logger)(mux),
		ReadHeaderTimeout: 10 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		logger.Infof("Running on %s", srv.Addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		logger.Info("shutting down")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()

		// registry first: forfeits caused by closing sockets are not paid
		err := errors.Join(srv.Shutdown(shutdownCtx), reg.Shutdown(shutdownCtx))
		ls.CloseAll()
		return err
	})

	if err := g.Wait(); err != nil {
		logger.Errorf("server exited: %v", err)
		os.Exit(1)
	}
}
