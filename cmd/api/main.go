package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"log/slog"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/potofpie/mailing/internal/app/migrate"
	httpx "github.com/potofpie/mailing/internal/http"
	"github.com/potofpie/mailing/internal/repository/postgres"
	"github.com/potofpie/mailing/internal/service/apikey"
	"github.com/potofpie/mailing/internal/service/auth"
	"github.com/potofpie/mailing/internal/session"
	"github.com/potofpie/mailing/pkg/config"
	"github.com/potofpie/mailing/pkg/logger"
)

func main() {
	cfg := config.LoadAPIConfig()
	log := logger.New("api", slog.LevelInfo)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	pool, err := pgxpool.New(ctx, cfg.DatabaseURL)
	if err != nil {
		log.Error("failed to connect to database", "error", err)
		os.Exit(1)
	}

	runner, err := migrate.New(pool, cfg.DatabaseURL, cfg.MigrationsDir, log)
	if err != nil {
		log.Error("failed to configure migrations", "error", err)
		os.Exit(1)
	}
	defer runner.Close()
	if err := runner.Ping(ctx); err != nil {
		log.Error("database ping failed", "error", err)
		os.Exit(1)
	}
	if err := runner.Ensure(ctx); err != nil {
		log.Error("migrations failed", "error", err)
		os.Exit(1)
	}

	repo := postgres.New(pool)

	store := session.NewMemoryStore()
	if addr := strings.TrimSpace(cfg.SessionRedisAddr); addr != "" {
		redisStore, err := session.NewRedisStore(addr, cfg.SessionRedisPass, cfg.SessionRedisDB, log)
		if err != nil {
			log.Warn("redis session store unavailable, using memory store", "error", err)
		} else {
			store.Close()
			store = redisStore
		}
	}
	sessions := session.NewManager(store, log, cfg.SessionTTL)
	defer sessions.Close()

	keySvc := apikey.New(repo, log)
	authSvc := auth.New(repo, keySvc, sessions, log, cfg)

	router := httpx.NewRouter(log, authSvc, keySvc, cfg, pool.Ping)

	srv := &http.Server{
		Addr:              cfg.Addr,
		Handler:           router,
		ReadHeaderTimeout: 5 * time.Second,
	}

	errorCh := make(chan error, 1)
	go func() {
		log.Info("api server starting", "addr", cfg.Addr)
		errorCh <- srv.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			log.Error("graceful shutdown failed", "error", err)
		}
		log.Info("api server stopped")
	case err := <-errorCh:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error("server error", "error", err)
			os.Exit(1)
		}
	}
}
