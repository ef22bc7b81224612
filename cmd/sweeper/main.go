package main

import (
	"context"
	"errors"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"

	config "github.com/apilens/backend/internal/config/api"
	"github.com/apilens/backend/internal/obs"
	pg "github.com/apilens/backend/internal/repository/postgres"
	"github.com/apilens/backend/internal/services/sweeper"
	"github.com/apilens/backend/internal/session"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	cfg, err := config.Load(os.Getenv("CONFIG_PATH"))
	if err != nil {
		log.Fatal(err)
	}

	l, err := obs.NewLogger(obs.LogConfig{
		Level:  cfg.Log.Level,
		Pretty: cfg.Log.Pretty,
		App:    "sweeper",
		Env:    cfg.App.Env,
		Ver:    cfg.App.Version,
	})
	if err != nil {
		log.Fatal(err)
	}
	defer func() { _ = l.Sync() }()
	l.Info("starting sweeper",
		zap.Duration("interval", cfg.Sweep.Interval),
		zap.String("metrics_addr", cfg.Sweep.MetricsAddr),
	)

	db, err := pg.NewDB(ctx, cfg.DB)
	if err != nil {
		l.Fatal("db connect", zap.Error(err))
	}
	defer db.Close()

	ms := obs.BootstrapMetricsServer(cfg.Sweep.MetricsAddr, func(ctx context.Context) error {
		hctx, cancel := context.WithTimeout(ctx, 500*time.Millisecond)
		defer cancel()
		return db.Pool.Ping(hctx)
	}, l)

	sessions := session.NewManager(
		pg.NewRefreshTokenRepo(db),
		pg.NewMagicLinkRepo(db),
		pg.NewTransactor(db, l),
		nil,
		l,
		session.Config{
			RememberMeTTL: cfg.Auth.RememberMeTTL,
			SessionTTL:    cfg.Auth.SessionTTL,
			TouchDebounce: cfg.Auth.TouchDebounce,
		},
	)
	runner := sweeper.NewRunner(sessions, cfg.Sweep.Interval, l)

	errCh := make(chan error, 1)
	go func() { errCh <- runner.Run(ctx) }()

	select {
	case <-ctx.Done():
	case err = <-errCh:
		if err != nil && !errors.Is(err, context.Canceled) {
			l.Error("runner error", zap.Error(err))
		}
	}

	shCtx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	_ = ms.Shutdown(shCtx)
	l.Info("bye")
}
