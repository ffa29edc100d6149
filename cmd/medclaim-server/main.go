package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/labstack/echo/v4"
	echomw "github.com/labstack/echo/v4/middleware"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/medclaim/medclaim/internal/config"
	"github.com/medclaim/medclaim/internal/domain/registry"
	"github.com/medclaim/medclaim/internal/platform/auth"
	"github.com/medclaim/medclaim/internal/platform/contentstore"
	"github.com/medclaim/medclaim/internal/platform/db"
	"github.com/medclaim/medclaim/internal/platform/middleware"
	"github.com/medclaim/medclaim/internal/platform/openapi"
	"github.com/medclaim/medclaim/internal/platform/pubsub"
	"github.com/medclaim/medclaim/internal/platform/telemetry"
	"github.com/medclaim/medclaim/internal/platform/websocket"
	"github.com/medclaim/medclaim/migrations"
)

const version = "0.1.0"

func main() {
	rootCmd := &cobra.Command{
		Use:   "medclaim-server",
		Short: "Medical record and insurance claim registry",
	}

	rootCmd.AddCommand(serveCmd())
	rootCmd.AddCommand(migrateCmd())
	rootCmd.AddCommand(ledgerCmd())
	rootCmd.AddCommand(rosterCmd())
	rootCmd.AddCommand(claimsCmd())

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func serveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Start the registry API server",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServer()
		},
	}
}

func newLogger(cfg *config.Config) zerolog.Logger {
	if cfg != nil && cfg.IsDev() {
		return zerolog.New(zerolog.ConsoleWriter{Out: os.Stdout}).With().Timestamp().Logger()
	}
	return zerolog.New(os.Stdout).With().Timestamp().Logger()
}

func loadConfig() (*config.Config, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

// storage is the opened ledger backend. pool is only set for postgres.
type storage struct {
	journal registry.Journal
	pool    *pgxpool.Pool
}

func (s *storage) Close() {
	if err := s.journal.Close(); err != nil {
		fmt.Fprintf(os.Stderr, "close journal: %v\n", err)
	}
	if s.pool != nil {
		s.pool.Close()
	}
}

// openStorage opens the configured ledger backend. For postgres the schema
// and its migrations are brought up to date first.
func openStorage(ctx context.Context, cfg *config.Config, logger zerolog.Logger) (*storage, error) {
	switch cfg.StorageBackend {
	case config.StorageMemory:
		logger.Warn().Msg("using in-memory ledger; state is lost on restart")
		return &storage{journal: registry.NewMemJournal()}, nil

	case config.StorageLevelDB:
		j, err := registry.OpenLevelDBJournal(cfg.LevelDBPath)
		if err != nil {
			return nil, err
		}
		logger.Info().Str("path", cfg.LevelDBPath).Msg("opened leveldb ledger")
		return &storage{journal: j}, nil

	case config.StoragePostgres:
		pool, err := db.NewPool(ctx, cfg.DatabaseURL, cfg.DBMaxConns, cfg.DBMinConns, cfg.DBSchema)
		if err != nil {
			return nil, err
		}
		applied, err := db.EnsureSchema(ctx, pool, cfg.DBSchema, migrations.FS)
		if err != nil {
			pool.Close()
			return nil, err
		}
		logger.Info().Str("schema", cfg.DBSchema).Int("migrations_applied", applied).Msg("connected to database")
		return &storage{journal: registry.NewPGJournal(pool), pool: pool}, nil
	}
	return nil, fmt.Errorf("unknown storage backend %q", cfg.StorageBackend)
}

func policyFrom(cfg *config.Config) registry.Policy {
	return registry.Policy{
		RejectDuplicateRoles: cfg.PolicyRejectDuplicateRoles,
		MaxRecordsPerPatient: cfg.PolicyMaxRecordsPerPatient,
	}
}

func instanceID() string {
	host, err := os.Hostname()
	if err != nil || host == "" {
		host = "medclaim"
	}
	return host + "-" + uuid.NewString()[:8]
}

func runServer() error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	logger := newLogger(cfg)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	store, err := openStorage(ctx, cfg, logger)
	if err != nil {
		logger.Fatal().Err(err).Str("backend", cfg.StorageBackend).Msg("failed to open ledger")
	}
	defer store.Close()

	// Redis is optional: it backs login nonces and cross-instance sync.
	var rdb *redis.Client
	if cfg.RedisURL != "" {
		rdb, err = db.NewRedisClient(ctx, cfg.RedisURL)
		if err != nil {
			logger.Fatal().Err(err).Msg("failed to connect to redis")
		}
		defer rdb.Close()
		logger.Info().Msg("connected to redis")
	}

	instance := instanceID()
	publisher := pubsub.NewPublisher(rdb, pubsub.DefaultChannel, instance, logger)

	// The hub's topic filter needs the query facade, which only exists once
	// the registry is open, so the feed is created first and started after.
	var hub *websocket.Hub
	feed := registry.NewFeed(websocket.EventPublisherFunc(func(ctx context.Context, evt websocket.Event) error {
		return hub.Publish(ctx, evt)
	}), logger)

	announce := registry.NotifierFunc(func(evt registry.Event) {
		publisher.Enqueue(pubsub.Message{Seq: evt.Seq, Kind: string(evt.Kind), Hash: evt.Hash.Hex(), At: evt.Time})
	})

	metrics := telemetry.New()
	count := registry.NotifierFunc(func(evt registry.Event) {
		metrics.CountCommit(string(evt.Kind))
	})

	reg, err := registry.Open(ctx, store.journal, cfg.Admin(),
		registry.WithLogger(logger),
		registry.WithPolicy(policyFrom(cfg)),
		registry.WithNotifier(feed),
		registry.WithNotifier(announce),
		registry.WithNotifier(count),
		registry.WithSyncNotifier(feed),
	)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to open registry")
	}
	q := reg.Queries()
	hub = websocket.NewHub(registry.TopicFilter(q), logger)

	metrics.RegisterGauge("ledger_height", "Committed ledger events.", func() float64 { return float64(reg.Height()) })
	metrics.RegisterGauge("feed_dropped_events", "Events the live feed could not queue.", func() float64 { return float64(feed.Dropped()) })
	metrics.RegisterGauge("ws_dropped_messages", "Messages dropped for slow websocket clients.", func() float64 { return float64(hub.Dropped()) })
	metrics.RegisterGauge("pubsub_dropped_messages", "Commit announcements the publisher could not queue.", func() float64 { return float64(publisher.Dropped()) })
	if pool := store.pool; pool != nil {
		metrics.RegisterGauge("db_pool_acquired_connections", "Postgres connections in use.", func() float64 { return float64(pool.Stat().AcquiredConns()) })
		metrics.RegisterGauge("db_pool_idle_connections", "Idle Postgres connections.", func() float64 { return float64(pool.Stat().IdleConns()) })
	}

	bg, cancelBG := context.WithCancel(ctx)
	defer cancelBG()
	go feed.Run(bg, q)
	go publisher.Run(bg)
	if rdb != nil {
		sub := pubsub.NewSubscriber(rdb, pubsub.DefaultChannel, instance, logger)
		go func() {
			err := sub.Run(bg, func(ctx context.Context, msg pubsub.Message) error {
				if msg.Seq < reg.Height() {
					return nil
				}
				return reg.Sync(ctx)
			})
			if err != nil {
				logger.Error().Err(err).Msg("ledger subscriber stopped")
			}
		}()
	}

	e := newServer(cfg, logger, reg, hub, metrics, store.pool, rdb)

	go func() {
		addr := ":" + cfg.Port
		logger.Info().Str("addr", addr).Str("instance", instance).Msg("starting server")
		if err := e.Start(addr); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Fatal().Err(err).Msg("server error")
		}
	}()

	<-ctx.Done()

	logger.Info().Msg("shutting down server")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := e.Shutdown(shutdownCtx); err != nil {
		logger.Error().Err(err).Msg("server shutdown failed")
	}
	logger.Info().
		Uint64("height", reg.Height()).
		Uint64("feed_dropped", feed.Dropped()).
		Uint64("ws_dropped", hub.Dropped()).
		Msg("server stopped")
	return nil
}

// newServer builds the echo instance with middleware and every route.
func newServer(cfg *config.Config, logger zerolog.Logger, reg *registry.Registry, hub *websocket.Hub, metrics *telemetry.Metrics, pool *pgxpool.Pool, rdb *redis.Client) *echo.Echo {
	q := reg.Queries()

	e := echo.New()
	e.HideBanner = true
	e.HidePort = true

	e.Use(middleware.Recovery(logger))
	e.Use(middleware.RequestID())
	e.Use(middleware.Logger(logger))
	e.Use(metrics.Middleware())
	e.Use(echomw.CORSWithConfig(echomw.CORSConfig{
		AllowOrigins: cfg.CORSOrigins,
		AllowMethods: []string{http.MethodGet, http.MethodPost},
		AllowHeaders: []string{"Authorization", "Content-Type", "X-Request-ID", auth.WalletHeader},
	}))
	e.Use(middleware.SecurityHeaders(cfg.IsProduction()))
	e.Use(echomw.BodyLimit("1M"))

	if cfg.ResolvedAuthMode() == "development" {
		e.Use(auth.DevAuthMiddleware(q))
	} else {
		e.Use(auth.JWTMiddleware(auth.JWTConfig{
			Issuer:     "medclaim",
			SigningKey: []byte(cfg.JWTSigningKey),
			Roles:      q,
			Optional:   true,
		}))
	}

	e.Use(middleware.Audit(logger))

	apiV1 := e.Group("/api/v1")
	fhirGroup := e.Group("/fhir")

	rateLimitCfg := middleware.DefaultRateLimitConfig()
	if cfg.RateLimitRPS > 0 {
		rateLimitCfg.RequestsPerSecond = cfg.RateLimitRPS
		rateLimitCfg.BurstSize = cfg.RateLimitBurst
	}
	apiV1.Use(middleware.RateLimit(rateLimitCfg))
	fhirGroup.Use(middleware.RateLimit(rateLimitCfg))

	e.GET("/health", func(c echo.Context) error {
		return c.JSON(http.StatusOK, map[string]interface{}{
			"status":  "ok",
			"version": version,
			"height":  reg.Height(),
		})
	})
	var checks []db.Check
	if pool != nil {
		checks = append(checks, db.PostgresCheck(pool))
	}
	if rdb != nil {
		checks = append(checks, db.RedisCheck(rdb))
	}
	e.GET("/health/db", db.HealthHandler(checks...))
	e.GET("/metrics", metrics.Handler())

	if cfg.ResolvedAuthMode() == "wallet" {
		var nonces auth.NonceStore = auth.NewMemoryNonceStore()
		if rdb != nil {
			nonces = auth.NewRedisNonceStore(rdb, "medclaim")
		}
		tokens := auth.NewTokenIssuer([]byte(cfg.JWTSigningKey), "medclaim", cfg.JWTTTL)
		auth.NewLoginHandler(nonces, tokens, q, "medclaim", cfg.NonceTTL, logger).RegisterRoutes(apiV1)
	}

	registry.NewHandler(reg).RegisterRoutes(apiV1, fhirGroup)

	var uploader contentstore.Uploader
	if cfg.PinataJWT != "" {
		uploader = contentstore.NewPinataClient(cfg.PinataJWT, contentstore.WithEndpoint(pinataEndpoint(cfg.PinataAPIURL)))
	} else {
		logger.Warn().Msg("PINATA_JWT not set; uploads are kept in memory")
		uploader = contentstore.NewMemoryStore()
	}
	contentstore.NewHandler(uploader, logger).RegisterRoutes(apiV1, auth.RequireRole(registry.RoleHospital))

	websocket.NewWebSocketHandler(hub, cfg.CORSOrigins).RegisterRoutes(apiV1, auth.RequireCaller())

	openapi.NewGenerator("medclaim registry API", version, "/", e.Routes).RegisterRoutes(apiV1)

	return e
}

// pinataEndpoint turns the configured API base URL into the pinJSONToIPFS
// endpoint. A URL that already names the endpoint is used as is.
func pinataEndpoint(base string) string {
	const path = "/pinning/pinJSONToIPFS"
	if base == "" {
		return contentstore.DefaultPinataURL
	}
	base = strings.TrimRight(base, "/")
	if strings.HasSuffix(base, path) {
		return base
	}
	return base + path
}
