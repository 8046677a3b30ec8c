package main

import (
	"context"
	stderrors "errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"routerd/internal/core/domain"
	"routerd/internal/core/peer"
	"routerd/internal/core/protocol"
	"routerd/internal/core/services"
	httphandlers "routerd/internal/handlers/http"
	"routerd/internal/infrastructure/distributed"
	"routerd/internal/infrastructure/middleware"
	"routerd/internal/infrastructure/monitoring"
	"routerd/internal/infrastructure/repositories"
	signalinfra "routerd/internal/infrastructure/signal"
	"routerd/pkg/circuitbreaker"
	"routerd/pkg/config"
	lock "routerd/pkg/distributed"
	"routerd/pkg/logger"
	"routerd/pkg/tracing"
	"routerd/pkg/utils"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/pflag"
	"go.uber.org/multierr"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

var version = "dev"

const bootstrapLockKey = "routerd:lock:bootstrap"

func main() {
	configPath := pflag.StringP("config", "c", "configs/config.yaml", "path to the YAML configuration file")
	pflag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "routerd: %v\n", err)
		os.Exit(1)
	}

	zapLogger := logger.NewWithFormat(cfg.Logging.Level, cfg.Logging.Format)
	defer func() { _ = zapLogger.Sync() }()
	log := zapLogger.Sugar()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, log); err != nil {
		log.Errorw("routerd stopped with error", "error", err)
		os.Exit(1)
	}
	log.Info("routerd stopped")
}

func run(ctx context.Context, cfg *config.Config, log *zap.SugaredLogger) error {
	tp, err := tracing.Init(tracing.Config{
		Enabled:     cfg.Tracing.Enabled,
		ServiceName: cfg.Tracing.ServiceName,
		JaegerURL:   cfg.Tracing.JaegerURL,
		Environment: cfg.Tracing.Environment,
		SampleRate:  cfg.Tracing.SampleRate,
	}, version)
	if err != nil {
		return fmt.Errorf("failed to init tracing: %w", err)
	}

	protoVersion, err := protocol.ParseVersion(cfg.Router.ProtocolVersion)
	if err != nil {
		return fmt.Errorf("router.protocol_version: %w", err)
	}

	instanceID := cfg.Router.InstanceID
	if instanceID == "" {
		instanceID = utils.GenerateInstanceID()
	}
	log = log.With("instance_id", instanceID)

	// Storage
	repoFactory := repositories.NewRepositoryFactory(ctx, cfg, log)
	userRepo := repositories.NewGuardedUserRepository(repoFactory.CreateUserRepository(), circuitbreaker.DefaultConfig(), log)

	store := services.NewDirectoryStore(userRepo, services.DirectoryOptions{
		RetainOfflineHosts: cfg.Router.RetainOfflineHosts,
	}, log)
	if err := store.Load(ctx); err != nil {
		return multierr.Append(err, repoFactory.Close())
	}

	// Identity
	tokens := services.NewTokenService(cfg.Auth.JWTSecret, cfg.Auth.Issuer)
	hasher := services.NewHasher(cfg.Auth.BcryptCost)
	users := services.NewUserService(store, hasher, log)

	if err := bootstrapAdmin(ctx, cfg, repoFactory, store, users, log); err != nil {
		return multierr.Append(err, repoFactory.Close())
	}

	// Metrics. Nothing is serving yet, so the store has no concurrent
	// writer and a snapshot followed by Subscribe misses no delta.
	registry := prometheus.NewRegistry()
	registry.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	collector := monitoring.NewPrometheusCollector(registry)
	unwatch := store.Subscribe(collector.ObserveDirectory(store.Snapshot()))
	defer unwatch()

	authenticator := services.NewAuthenticator(
		services.NewCredentialService(store, tokens, hasher),
		services.AuthenticatorConfig{Version: protoVersion, Timeout: cfg.Auth.HandshakeTimeout},
		log,
	)

	// Routing
	peers := peer.NewRegistry()
	router := services.NewSessionRouter(store, peers, services.RouterConfig{
		SetupTimeout:                cfg.Router.SetupTimeout,
		AllowConcurrentHostSessions: cfg.Router.AllowConcurrentHostSessions,
	}, collector, log)

	broker := signalinfra.NewBroker(signalinfra.BrokerDeps{
		Auth:     authenticator,
		Store:    store,
		Router:   router,
		Users:    users,
		Registry: peers,
		Observer: collector,
	}, peer.Options{
		QueueSize:   cfg.Signal.QueueSize,
		CloseLinger: cfg.Signal.CloseLinger,
	}, log)

	wsServer := signalinfra.NewWebSocketServer(broker, signalinfra.ChannelOptions{
		PingInterval:   cfg.Signal.PingInterval,
		PongTimeout:    cfg.Signal.PongTimeout,
		WriteTimeout:   cfg.Signal.WriteTimeout,
		MaxMessageSize: cfg.Signal.MaxMessageSize,
	}, cfg.Signal.AllowedOrigins, log)

	var publisher *distributed.DirectoryPublisher
	if client := repoFactory.RedisClient(); client != nil && cfg.Redis.PublishDeltas {
		publisher = distributed.NewDirectoryPublisher(client, instanceID, cfg.Redis.PublishQueueSize, log)
		publisher.Start(store)
		log.Infow("Publishing directory deltas", "channel", distributed.DirectoryChannel)
	}

	// Health
	health := monitoring.NewHealthChecker()
	health.AddCheck(monitoring.HealthCheck{
		Name:     "user_repository",
		Check:    repoFactory.HealthCheck,
		Critical: cfg.Redis.Enabled,
	})
	health.AddCheck(monitoring.HealthCheck{
		Name: "user_repository_breaker",
		Check: func(context.Context) error {
			if userRepo.State() == circuitbreaker.StateOpen {
				return circuitbreaker.ErrOpen
			}
			return nil
		},
	})

	srv := &http.Server{
		Addr:         cfg.Server.Address,
		Handler:      newEngine(cfg, log, wsServer, health, registry, tokens, store, router),
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
	}

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		log.Infow("Starting routerd", "address", cfg.Server.Address, "version", version, "protocol", protoVersion.String())
		if err := srv.ListenAndServe(); err != nil && !stderrors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})

	if publisher != nil {
		g.Go(func() error {
			err := publisher.Subscribe(gctx, distributed.UserSyncHandler(gctx, store, log))
			if err != nil && !stderrors.Is(err, context.Canceled) {
				log.Warnw("Directory subscription ended", "error", err)
			}
			return nil
		})
	}

	g.Go(func() error {
		<-gctx.Done()
		log.Info("Shutting down routerd")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
		defer cancel()

		var errs error
		errs = multierr.Append(errs, srv.Shutdown(shutdownCtx))
		errs = multierr.Append(errs, broker.Shutdown(shutdownCtx))
		errs = multierr.Append(errs, router.Close())
		if publisher != nil {
			errs = multierr.Append(errs, publisher.Stop(shutdownCtx))
		}
		errs = multierr.Append(errs, tp.Shutdown(shutdownCtx))
		errs = multierr.Append(errs, repoFactory.Close())
		return errs
	})

	return g.Wait()
}

// bootstrapAdmin seeds the first administrator. With redis the check and
// insert run under a cluster-wide lock after reloading the user table.
func bootstrapAdmin(ctx context.Context, cfg *config.Config, factory *repositories.RepositoryFactory, store *services.DirectoryStore, users *services.UserService, log *zap.SugaredLogger) error {
	name := cfg.Auth.BootstrapAdmin.Name
	if name == "" {
		return nil
	}

	if client := factory.RedisClient(); client != nil {
		l := lock.NewLock(client, bootstrapLockKey, 30*time.Second)
		if err := l.Lock(ctx, 10*time.Second); err != nil {
			return fmt.Errorf("failed to take bootstrap lock: %w", err)
		}
		defer func() {
			if err := l.Unlock(context.Background()); err != nil {
				log.Warnw("Failed to release bootstrap lock", "error", err)
			}
		}()
		if err := store.Load(ctx); err != nil {
			return err
		}
	}

	created, err := users.Bootstrap(ctx, name, cfg.Auth.BootstrapAdmin.Secret)
	if err != nil {
		return fmt.Errorf("failed to bootstrap administrator: %w", err)
	}
	if !created {
		log.Debugw("Bootstrap administrator skipped", "user_id", name, "users", len(store.Snapshot(domain.KindUser).Users))
	}
	return nil
}

func newEngine(
	cfg *config.Config,
	log *zap.SugaredLogger,
	wsServer *signalinfra.WebSocketServer,
	health *monitoring.HealthChecker,
	registry *prometheus.Registry,
	tokens *services.TokenService,
	store *services.DirectoryStore,
	router *services.SessionRouter,
) *gin.Engine {
	if cfg.Logging.Level != "debug" {
		gin.SetMode(gin.ReleaseMode)
	}

	engine := gin.New()
	engine.Use(middleware.RecoveryMiddleware(log), middleware.RequestIDMiddleware())
	if cfg.Tracing.Enabled {
		engine.Use(middleware.TracingMiddleware())
	}

	engine.GET(cfg.Signal.Path, middleware.NewWebSocketAdmissionMiddleware(cfg), gin.WrapF(wsServer.HandleWebSocket))

	engine.GET("/health", func(c *gin.Context) {
		status := health.CheckAll(c.Request.Context())
		code := http.StatusOK
		if status.Status == "unhealthy" {
			code = http.StatusServiceUnavailable
		}
		c.JSON(code, status)
	})
	engine.GET("/health/connections", gin.WrapF(wsServer.HealthCheck))
	engine.GET("/ready", func(c *gin.Context) {
		if !health.IsReady(c.Request.Context()) {
			c.JSON(http.StatusServiceUnavailable, gin.H{"status": "not_ready", "timestamp": time.Now()})
			return
		}
		c.JSON(http.StatusOK, gin.H{"status": "ready", "timestamp": time.Now()})
	})

	if cfg.Monitoring.PrometheusEnabled {
		engine.GET(cfg.Monitoring.MetricsPath, gin.WrapH(promhttp.HandlerFor(registry, promhttp.HandlerOpts{})))
	}

	api := engine.Group("/api/v1")
	api.Use(
		middleware.NewHTTPRateLimitMiddleware(cfg),
		middleware.AdminAuthMiddleware(tokens),
		middleware.ErrorHandlerMiddleware(log),
	)
	httphandlers.NewStatusHandler(store, router).SetupRoutes(api)

	return engine
}
