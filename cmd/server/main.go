package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	goredis "github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	oidc "go.pilab.hu/oidc"
	echoapi "go.pilab.hu/oidc/api/echo"
	"go.pilab.hu/oidc/cache"
	redisstore "go.pilab.hu/oidc/cache/redis"
	"go.pilab.hu/oidc/client"
	"go.pilab.hu/oidc/config"
	"go.pilab.hu/oidc/events"
	"go.pilab.hu/oidc/internal/auth"
	"go.pilab.hu/oidc/tracing"
)

func main() {
	cfg, err := config.LoadConfig()
	if err != nil {
		log.Fatal().Err(err).Msg("failed to load configuration")
	}

	initLogger(cfg)
	log.Info().
		Str("http_port", cfg.HTTPPort).
		Str("issuer", cfg.Issuer).
		Str("log_level", cfg.LogLevel).
		Msg("starting oidc server")

	tp, err := tracing.InitTracerProvider(cfg.OtelServiceName)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to initialize tracer provider")
	}
	defer func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := tp.Shutdown(ctx); err != nil {
			log.Warn().Err(err).Msg("tracer provider shutdown failed")
		}
	}()

	// Signing keys and clients are fatal when missing.
	keys, err := oidc.NewKeyManager([]oidc.KeyConfig{{
		Kid:     cfg.SigningKeyID,
		PEM:     cfg.SigningKeyPEM,
		PEMFile: cfg.SigningKeyFile,
	}})
	if err != nil {
		log.Fatal().Err(err).Msg("failed to load signing keys")
	}

	clients, err := cfg.LoadClients()
	if err != nil {
		log.Fatal().Err(err).Msg("failed to load clients")
	}
	registry, err := client.NewRegistry(clients)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to build client registry")
	}
	log.Info().Int("clients", registry.Len()).Msg("client registry loaded")

	var store cache.GrantStore
	if cfg.RedisAddr != "" {
		rdb := goredis.NewClient(&goredis.Options{Addr: cfg.RedisAddr})
		store = redisstore.NewGrantStore(rdb, cfg.RedisPrefix)
		log.Info().Str("addr", cfg.RedisAddr).Msg("using redis grant store")
	} else {
		store = cache.NewMemoryGrantStore()
		log.Info().Msg("using in-memory grant store")
	}
	defer store.Close()

	providerCfg := oidc.NewDefaultConfig(cfg.Issuer)
	providerCfg.AccessTokenTTL = cfg.AccessTokenTTL()
	providerCfg.IDTokenTTL = cfg.IDTokenTTL()
	providerCfg.AuthCodeTTL = cfg.AuthCodeTTL()
	providerCfg.InteractionTTL = cfg.InteractionTTL()
	providerCfg.RefreshTokenTTL = cfg.RefreshTokenTTL()
	providerCfg.IssueRefreshTokens = cfg.IssueRefreshTokens
	providerCfg.RequirePKCEForAll = cfg.RequirePKCEForAll

	reg := prometheus.NewRegistry()
	observer := events.Multi{
		events.LoggingObserver{},
		events.NewMetricsObserver(reg),
	}

	// Development collaborators: a static bcrypt verifier and claims
	// derived from the account ID. Deployments swap these for real ones.
	verifier := auth.NewStaticVerifier(0)
	claims := oidc.ClaimsProviderFunc(func(_ context.Context, accountID string, _ []string) (map[string]any, error) {
		return map[string]any{
			"email":          accountID,
			"email_verified": true,
		}, nil
	})

	provider := oidc.New(providerCfg, registry, keys, store, verifier, claims, observer)

	e := echo.New()
	e.HideBanner = true
	e.Use(middleware.Recover())
	echoapi.NewOIDCApi(provider).RegisterRoutes(e)
	e.GET("/metrics", echo.WrapHandler(promhttp.HandlerFor(reg, promhttp.HandlerOpts{})))

	go func() {
		if err := e.Start(":" + cfg.HTTPPort); err != nil && err != http.ErrServerClosed {
			log.Fatal().Err(err).Msg("http server failed")
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Info().Msg("shutting down")
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := e.Shutdown(ctx); err != nil {
		log.Error().Err(err).Msg("graceful shutdown failed")
	}
}

func initLogger(cfg *config.ServerConfig) {
	level, err := zerolog.ParseLevel(cfg.LogLevel)
	if err != nil {
		level = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(level)
	if cfg.LogPretty {
		log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339})
	}
}
