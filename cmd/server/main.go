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

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/jonboulle/clockwork"
	"github.com/pscheid92/trailblazer/internal/adapter/amqp"
	"github.com/pscheid92/trailblazer/internal/adapter/breaker"
	"github.com/pscheid92/trailblazer/internal/adapter/httpserver"
	"github.com/pscheid92/trailblazer/internal/adapter/metrics"
	"github.com/pscheid92/trailblazer/internal/adapter/perkwiki"
	"github.com/pscheid92/trailblazer/internal/adapter/postgres"
	"github.com/pscheid92/trailblazer/internal/adapter/redis"
	"github.com/pscheid92/trailblazer/internal/adapter/s3"
	"github.com/pscheid92/trailblazer/internal/adapter/twitch"
	"github.com/pscheid92/trailblazer/internal/app"
	"github.com/pscheid92/trailblazer/internal/broadcast"
	"github.com/pscheid92/trailblazer/internal/credential"
	"github.com/pscheid92/trailblazer/internal/domain"
	"github.com/pscheid92/trailblazer/internal/platform/config"
	"github.com/pscheid92/trailblazer/internal/platform/crypto"
	"github.com/pscheid92/trailblazer/internal/platform/logging"
	"github.com/pscheid92/trailblazer/internal/platform/telemetry"
	"github.com/pscheid92/trailblazer/internal/platform/version"
	goredis "github.com/redis/go-redis/v9"
)

const (
	serviceName         = "trailblazer"
	startupTimeout      = 30 * time.Second
	shutdownTimeout     = 10 * time.Second
	webhookDrainTimeout = 30 * time.Second
	cacheEvictEvery     = time.Minute
	maxOverlaysPerOwner = 10
)

// closers collects the teardown steps in the order they must run.
type closers struct {
	srv         *httpserver.Server
	gateway     *twitch.Gateway
	relays      []*broadcast.Relay
	listeners   []domain.Subscription
	stopTimers  []func()
	bus         domain.EventBus
	rdb         *goredis.Client
	pool        *pgxpool.Pool
	stopTracing func(context.Context)
}

func runGracefulShutdown(c closers) <-chan struct{} {
	done := make(chan struct{})
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)

	go func() {
		<-sigChan
		slog.Info("Shutdown signal received, cleaning up...")

		// The server stops the overlay registries before it waits for handlers.
		httpCtx, cancelHTTP := context.WithTimeout(context.Background(), shutdownTimeout)
		if err := c.srv.Shutdown(httpCtx); err != nil {
			slog.Error("Server shutdown error", "error", err)
		}
		cancelHTTP()

		// Accepted deliveries were already acknowledged to Twitch, so they get their own budget.
		drainCtx, cancelDrain := context.WithTimeout(context.Background(), webhookDrainTimeout)
		if err := c.gateway.Shutdown(drainCtx); err != nil {
			slog.Error("Webhook dispatch did not drain", "error", err)
		}
		cancelDrain()

		for _, r := range c.relays {
			if err := r.Close(); err != nil {
				slog.Error("Failed to close overlay relay", "error", err)
			}
		}
		for _, l := range c.listeners {
			_ = l.Close()
		}
		for _, stop := range c.stopTimers {
			stop()
		}
		if err := c.bus.Close(); err != nil {
			slog.Error("Failed to close event bus", "error", err)
		}
		if err := c.rdb.Close(); err != nil {
			slog.Error("Failed to close Redis client", "error", err)
		}
		c.pool.Close()

		ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		c.stopTracing(ctx)

		close(done)
	}()

	return done
}

func setupConfig() *config.Config {
	cfg, err := config.Load()
	if err != nil {
		// Use log before slog is initialized
		log.Fatalf("Failed to load config: %v", err)
	}
	return cfg
}

func setupDB(ctx context.Context, cfg *config.Config, m *metrics.DBMetrics) *pgxpool.Pool {
	pool, err := postgres.Connect(ctx, cfg.DatabaseURL, postgres.PoolOptions{
		MaxConns: int32(cfg.DatabaseMaxConns),
		Tracer:   postgres.NewMetricsTracer(m),
	})
	if err != nil {
		slog.Error("Failed to connect to database", "error", err)
		os.Exit(1)
	}

	if err := postgres.RunMigrationsWithLock(ctx, pool); err != nil {
		slog.Error("Failed to run migrations", "error", err)
		os.Exit(1)
	}

	return pool
}

func setupRedis(ctx context.Context, cfg *config.Config, m *metrics.Set) *goredis.Client {
	client, err := redis.NewClient(ctx, cfg.RedisURL, redis.NewMetricsHook(m.Redis), redis.NewCircuitBreakerHook(m.Breaker))
	if err != nil {
		slog.Error("Failed to connect to Redis", "error", err)
		os.Exit(1)
	}
	return client
}

func setupEventBus(ctx context.Context, cfg *config.Config, rdb *goredis.Client) domain.EventBus {
	if cfg.EventBus != config.EventBusAMQP {
		return redis.NewEventBus(rdb)
	}
	bus, err := amqp.Dial(ctx, cfg.AMQPURL, cfg.AMQPExchange)
	if err != nil {
		slog.Error("Failed to connect to AMQP broker", "error", err)
		os.Exit(1)
	}
	return bus
}

func healthChecks(pool *pgxpool.Pool, rdb *goredis.Client, bus domain.EventBus) []httpserver.HealthCheck {
	checks := []httpserver.HealthCheck{
		{Name: "postgres", Check: pool.Ping},
		{Name: "redis", Check: func(ctx context.Context) error { return rdb.Ping(ctx).Err() }},
	}
	// The Redis bus rides on rdb, which is already checked.
	if b, ok := bus.(*amqp.EventBus); ok {
		checks = append(checks, httpserver.HealthCheck{Name: "event_bus", Check: b.Ping})
	}
	return checks
}

// overlayKeys reads the current overlay key of an owner through the config cache.
func overlayKeys[T domain.WidgetConfig](src domain.ConfigSource[T]) broadcast.KeySource {
	return func(ctx context.Context, ownerID uuid.UUID) (string, error) {
		cfg, err := src.GetByOwner(ctx, ownerID)
		if err != nil {
			return "", err
		}
		return cfg.Base().OverlayKey, nil
	}
}

func main() {
	clock := clockwork.NewRealClock()

	cfg := setupConfig()

	logging.InitLogger(cfg.LogLevel, cfg.LogFormat)
	info := version.Get()
	slog.Info("Application starting", "env", cfg.AppEnv, "port", cfg.Port, "version", info.Version, "event_bus", cfg.EventBus)

	stopTracing, err := telemetry.InitTracing(cfg.OTLPEndpoint, serviceName, info.Version)
	if err != nil {
		slog.Error("Failed to initialize tracing", "error", err)
		os.Exit(1)
	}

	reg := metrics.NewRegistry()
	m := metrics.NewSet(reg)

	ctx, cancel := context.WithTimeout(context.Background(), startupTimeout)
	defer cancel()

	pool := setupDB(ctx, cfg, m.DB)
	rdb := setupRedis(ctx, cfg, m)
	bus := setupEventBus(ctx, cfg, rdb)

	cipher, err := crypto.New(cfg.TokenEncryptionKey)
	if err != nil {
		slog.Error("Failed to create crypto service", "error", err)
		os.Exit(1)
	}

	users := postgres.NewUserRepo(pool)
	creds := postgres.NewCredentialRepo(pool, cipher)
	widgets := postgres.NewWidgetRepo(pool)
	firstWordRepo := postgres.NewFirstWordRepo(pool)
	clipRepo := postgres.NewClipShoutoutRepo(pool)
	perkRepo := postgres.NewRandomDbdPerkRepo(pool)

	cacheOpts := redis.ConfigCacheOptions{
		TTL:       cfg.ConfigCacheTTL,
		MemoryTTL: cfg.ConfigMemoryCacheTTL,
		Bus:       bus,
		Clock:     clock,
		Metrics:   m.Cache,
	}
	firstWordCache := redis.NewConfigCache(rdb, domain.KindFirstWord,
		redis.ConfigLoader[*domain.FirstWordConfig]{ByOwner: firstWordRepo.GetByOwner, ByChannel: firstWordRepo.GetByChannel}, cacheOpts)
	clipCache := redis.NewConfigCache(rdb, domain.KindClipShoutout,
		redis.ConfigLoader[*domain.ClipShoutoutConfig]{ByOwner: clipRepo.GetByOwner, ByChannel: clipRepo.GetByChannel}, cacheOpts)
	perkCache := redis.NewConfigCache(rdb, domain.KindRandomDbdPerk,
		redis.ConfigLoader[*domain.RandomDbdPerkConfig]{ByOwner: perkRepo.GetByOwner, ByChannel: perkRepo.GetByChannel}, cacheOpts)

	var listeners []domain.Subscription
	for _, listen := range []func(context.Context) (domain.Subscription, error){
		firstWordCache.ListenInvalidations,
		clipCache.ListenInvalidations,
		perkCache.ListenInvalidations,
	} {
		sub, err := listen(context.Background())
		if err != nil {
			slog.Error("Failed to subscribe to config invalidations", "error", err)
			os.Exit(1)
		}
		listeners = append(listeners, sub)
	}
	stopTimers := []func(){
		firstWordCache.StartEvictionTimer(clock, cacheEvictEvery),
		clipCache.StartEvictionTimer(clock, cacheEvictEvery),
		perkCache.StartEvictionTimer(clock, cacheEvictEvery),
	}

	chatters := redis.NewChatterTracker(rdb, postgres.NewChatterRepo(pool), cfg.ChatterCacheTTL, cfg.TestViewerID, m.Dedup)
	accessTokens := redis.NewAccessTokenCache(rdb)
	refreshTokens := redis.NewRefreshTokenStore(rdb)

	helix := twitch.NewHelixClient(cfg.TwitchClientID, cfg.TwitchClientSecret)
	oauth := twitch.NewOAuth(cfg.TwitchClientID, cfg.TwitchClientSecret, cfg.TwitchRedirectURL)
	subs, err := twitch.NewEventSubManager(cfg.TwitchClientID, cfg.TwitchClientSecret, cfg.Origin, cfg.TwitchWebhookSecret, cfg.TwitchDefaultBotID)
	if err != nil {
		slog.Error("Failed to create EventSub manager", "error", err)
		os.Exit(1)
	}
	clips := twitch.NewGQLClipResolver(cfg.TwitchGQLClientID, cfg.TwitchGQLSHA256Hash, breaker.New[string]("twitch_gql", m.Breaker))
	perks := redis.NewPerkCountCache(rdb, perkwiki.NewClient(breaker.New[int]("perk_wiki", m.Breaker)))

	blobs, err := s3.NewBlobStore(ctx, s3.Options{
		Endpoint:        cfg.S3Endpoint,
		Region:          cfg.S3Region,
		Bucket:          cfg.S3Bucket,
		AccessKeyID:     cfg.S3AccessKeyID,
		SecretAccessKey: cfg.S3SecretAccessKey,
	})
	if err != nil {
		slog.Error("Failed to create blob store", "error", err)
		os.Exit(1)
	}

	broker := credential.NewBroker(users, creds, oauth, accessTokens, refreshTokens, clock, m.Credential)
	sessions := credential.NewSessionIssuer(cfg.JWTSecret, refreshTokens, users, clock)
	evictor := broadcast.NewEvictor(bus)

	userSvc := app.NewUserService(app.UserDeps{
		Users:    users,
		Creds:    creds,
		OAuth:    oauth,
		Twitch:   helix,
		Tokens:   accessTokens,
		Sessions: sessions,
		Logout:   broker,
		Clock:    clock,
	})
	rewardsSvc := app.NewRewardsService(broker, helix)
	firstWordSvc := app.NewFirstWordService(app.FirstWordDeps{
		Repo:     firstWordRepo,
		Widgets:  widgets,
		Configs:  firstWordCache,
		Chatters: chatters,
		Subs:     subs,
		Evictor:  evictor,
		Twitch:   helix,
		Blobs:    blobs,
		Bus:      bus,
		BotID:    cfg.TwitchDefaultBotID,
		AudioTTL: cfg.AudioURLTTL,
	})
	clipSvc := app.NewClipShoutoutService(app.ClipShoutoutDeps{
		Repo:    clipRepo,
		Widgets: widgets,
		Configs: clipCache,
		Subs:    subs,
		Evictor: evictor,
		Twitch:  helix,
		Clips:   clips,
		Broker:  broker,
		Bus:     bus,
	})
	perkSvc := app.NewRandomDbdPerkService(app.RandomDbdPerkDeps{
		Repo:    perkRepo,
		Widgets: widgets,
		Configs: perkCache,
		Subs:    subs,
		Perks:   perks,
		Twitch:  helix,
	})

	firstWordOverlays := broadcast.NewRegistry(domain.KindFirstWord, overlayKeys[*domain.FirstWordConfig](firstWordCache), clock, m.Overlay, maxOverlaysPerOwner)
	clipOverlays := broadcast.NewRegistry(domain.KindClipShoutout, overlayKeys[*domain.ClipShoutoutConfig](clipCache), clock, m.Overlay, maxOverlaysPerOwner)
	relays := []*broadcast.Relay{
		broadcast.NewRelay(bus, firstWordOverlays, domain.TopicFirstWordAudio),
		broadcast.NewRelay(bus, clipOverlays, domain.TopicClipShoutoutClip),
	}
	for _, r := range relays {
		if err := r.Start(context.Background()); err != nil {
			slog.Error("Failed to start overlay relay", "error", err)
			os.Exit(1)
		}
	}

	gateway := twitch.NewGateway(cfg.TwitchWebhookSecret, redis.NewDeliveryDeduper(rdb), clock, m.Webhook)

	srv := httpserver.NewServer(httpserver.Deps{
		Config:        cfg,
		Clock:         clock,
		Users:         userSvc,
		Sessions:      sessions,
		OAuth:         oauth,
		Rewards:       rewardsSvc,
		FirstWord:     firstWordSvc,
		ClipShoutout:  clipSvc,
		RandomDbdPerk: perkSvc,
		Audio:         firstWordSvc,
		Gateway:       gateway,
		Webhooks: []httpserver.Webhook{
			{Topic: domain.TopicChatMessage, Handle: firstWordSvc.GreetNewChatter},
			{Topic: domain.TopicStreamOnline, Handle: firstWordSvc.ResetChatters},
			{Topic: domain.TopicChatNotification, Handle: clipSvc.ShoutoutRaider},
			{Topic: domain.TopicRewardRedemption, Handle: perkSvc.RandomPerk},
		},
		Overlays:       []*broadcast.Registry{firstWordOverlays, clipOverlays},
		Limits:         httpserver.NewConnectionLimits(clock, cfg.MaxOverlayConnections, cfg.MaxConnectionsPerIP, cfg.ConnectionRatePerIP, cfg.ConnectionRateBurst),
		HTTPMetrics:    m.HTTP,
		MetricsHandler: metrics.Handler(reg),
		HealthChecks:   healthChecks(pool, rdb, bus),
	})

	done := runGracefulShutdown(closers{
		srv:         srv,
		gateway:     gateway,
		relays:      relays,
		listeners:   listeners,
		stopTimers:  stopTimers,
		bus:         bus,
		rdb:         rdb,
		pool:        pool,
		stopTracing: stopTracing,
	})

	if err := srv.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		slog.Error("Server error", "error", err)
		os.Exit(1)
	}

	<-done
}
