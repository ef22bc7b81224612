package main

import (
	"context"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"go.uber.org/zap"

	config "github.com/apilens/backend/internal/config/api"
	"github.com/apilens/backend/internal/geoip"
	"github.com/apilens/backend/internal/magiclink"
	"github.com/apilens/backend/internal/obs"
	pg "github.com/apilens/backend/internal/repository/postgres"
	authhttp "github.com/apilens/backend/internal/services/api/auth"
	"github.com/apilens/backend/internal/services/mailer"
	"github.com/apilens/backend/internal/session"
	"github.com/apilens/backend/internal/token"
)

func buildHTTPServer(cfg *config.Config, logger *zap.Logger, db *pg.DB) (*http.Server, error) {
	refreshRepo := pg.NewRefreshTokenRepo(db)
	linkRepo := pg.NewMagicLinkRepo(db)
	userRepo := pg.NewUserRepo(db)
	tx := pg.NewTransactor(db, logger)

	geo := geoip.NewResolver(geoip.Config{
		BaseURL: cfg.GeoIP.BaseURL,
		Timeout: cfg.GeoIP.Timeout,
	}, logger)

	codec := token.NewCodec(token.Config{
		Secret:    []byte(cfg.Auth.JWTSecret),
		AccessTTL: cfg.Auth.AccessTTL,
	})

	sessions := session.NewManager(refreshRepo, linkRepo, tx, geo, logger, session.Config{
		RememberMeTTL: cfg.Auth.RememberMeTTL,
		SessionTTL:    cfg.Auth.SessionTTL,
		TouchDebounce: cfg.Auth.TouchDebounce,
	})

	links := magiclink.NewIssuer(linkRepo, tx, mailer.New(cfg.SMTP, logger), logger, magiclink.Config{
		TTL:        cfg.MagicLink.TTL,
		RateLimit:  cfg.MagicLink.RateLimit,
		RateWindow: cfg.MagicLink.RateWindow,
		VerifyURL:  cfg.MagicLink.VerifyURL,
	})

	uc := authhttp.NewUsecase(userRepo, sessions, codec, links, logger)
	ctrl := authhttp.NewController(uc, logger)

	r := chi.NewRouter()
	r.Use(chimw.RealIP)
	r.Use(chimw.Recoverer)
	ctrl.Routes(r)

	r.Handle("/metrics", obs.MetricsHandler())
	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		hctx, cancel := context.WithTimeout(context.Background(), 500*time.Millisecond)
		defer cancel()
		if err := db.Pool.Ping(hctx); err != nil {
			http.Error(w, "unhealthy: db", http.StatusServiceUnavailable)
			return
		}
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})

	handler := otelhttp.NewHandler(r, "http.server")

	return &http.Server{
		Addr:              cfg.Server.HTTPAddr,
		Handler:           handler,
		ReadTimeout:       cfg.Server.ReadTimeout,
		ReadHeaderTimeout: 5 * time.Second,
		WriteTimeout:      cfg.Server.WriteTimeout,
		IdleTimeout:       cfg.Server.IdleTimeout,
	}, nil
}

func serveHTTP(srv *http.Server, cfg *config.Config, logger *zap.Logger) error {
	logger.Info("http listening", zap.String("addr", cfg.Server.HTTPAddr))
	return srv.ListenAndServe()
}
