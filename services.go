package main

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"time"

	"go.uber.org/zap"
	"google.golang.org/grpc"
	"gorm.io/gorm"

	"github.com/example/face-pipeline/internal/accounts"
	"github.com/example/face-pipeline/internal/auth"
	"github.com/example/face-pipeline/internal/cache"
	"github.com/example/face-pipeline/internal/config"
	"github.com/example/face-pipeline/internal/handlers"
	"github.com/example/face-pipeline/internal/httpclient"
	"github.com/example/face-pipeline/internal/identity"
	"github.com/example/face-pipeline/internal/imageprocessor"
	"github.com/example/face-pipeline/internal/logging"
	"github.com/example/face-pipeline/internal/metrics"
	"github.com/example/face-pipeline/internal/modelrpc"
	"github.com/example/face-pipeline/internal/queue"
	"github.com/example/face-pipeline/internal/registry"
	"github.com/example/face-pipeline/internal/repository"
	"github.com/example/face-pipeline/internal/resources"
	"github.com/example/face-pipeline/internal/stage"
	"github.com/example/face-pipeline/internal/usecase"
	"github.com/example/face-pipeline/internal/worker"
)

const dialTimeout = 15 * time.Second

func newLogger(service, level string) (*zap.Logger, error) {
	logger, err := logging.NewLogger(service, level)
	if err != nil {
		return nil, fmt.Errorf("init logger: %w", err)
	}
	return logger, nil
}

func openDatabase(ctx context.Context, dsn string) (*gorm.DB, error) {
	dialCtx, cancel := context.WithTimeout(ctx, dialTimeout)
	defer cancel()
	db, err := repository.Open(dialCtx, dsn)
	if err != nil {
		return nil, fmt.Errorf("connect database: %w", err)
	}
	return db, nil
}

func openCache(ctx context.Context, addr string) (*cache.RedisCache, error) {
	dialCtx, cancel := context.WithTimeout(ctx, dialTimeout)
	defer cancel()
	client, err := cache.Dial(dialCtx, addr)
	if err != nil {
		return nil, fmt.Errorf("connect redis: %w", err)
	}
	return cache.NewRedisCache(client), nil
}

func runRegistry(ctx context.Context, args []string) error {
	cfg, err := config.LoadRegistry(args)
	if err != nil {
		return err
	}
	logger, err := newLogger(cfg.ServiceName, cfg.LogLevel)
	if err != nil {
		return err
	}
	defer logger.Sync() //nolint:errcheck

	db, err := openDatabase(ctx, cfg.DatabaseDSN)
	if err != nil {
		return err
	}
	repo := repository.NewServiceLocationRepository(db, logger)
	if err := repo.AutoMigrate(ctx); err != nil {
		return fmt.Errorf("auto migrate: %w", err)
	}
	var opts []registry.Option
	if cfg.RedisAddr != "" {
		c, err := openCache(ctx, cfg.RedisAddr)
		if err != nil {
			return err
		}
		opts = append(opts, registry.WithCache(c, cfg.CacheTTL))
	}
	service := registry.NewService(repo, logger, opts...)

	p, err := connect(ctx, cfg.Common, nil, false, logger)
	if err != nil {
		return err
	}
	requireService, err := p.requireService()
	if err != nil {
		return err
	}

	m := metrics.New(cfg.ServiceName)
	r, err := newRouter(logger, m, cfg.TrustedProxies)
	if err != nil {
		return err
	}
	handlers.RegisterRegistryRoutes(r, cfg.ServiceName, service, requireService, logger)
	return serve(cfg.ListenAddr, r, cfg.ShutdownTimeout, logger)
}

func runIdentity(ctx context.Context, args []string) error {
	cfg, err := config.LoadIdentity(args)
	if err != nil {
		return err
	}
	logger, err := newLogger(config.IdentityService, cfg.LogLevel)
	if err != nil {
		return err
	}
	defer logger.Sync() //nolint:errcheck

	db, err := openDatabase(ctx, cfg.DatabaseDSN)
	if err != nil {
		return err
	}
	repo := repository.NewServiceAccountRepository(db, logger)
	if err := repo.AutoMigrate(ctx); err != nil {
		return fmt.Errorf("auto migrate: %w", err)
	}
	tokens, err := auth.NewServiceTokens(cfg.TokenSecret, cfg.TokenTTL)
	if err != nil {
		return err
	}
	broker := identity.NewBroker(repo, tokens, logger)

	m := metrics.New(config.IdentityService)
	r, err := newRouter(logger, m, cfg.TrustedProxies)
	if err != nil {
		return err
	}
	handlers.RegisterIdentityRoutes(r, config.IdentityService, broker, logger)
	return serve(cfg.ListenAddr, r, cfg.ShutdownTimeout, logger)
}

func userTokens(cfg config.UserTokens) *auth.UserTokens {
	return &auth.UserTokens{
		UserSecret:  []byte(cfg.UserSecret),
		AdminSecret: []byte(cfg.AdminSecret),
		AccessTTL:   cfg.AccessTTL,
		RefreshTTL:  cfg.RefreshTTL,
	}
}

func runUsers(ctx context.Context, args []string) error {
	cfg, err := config.LoadUsers(args)
	if err != nil {
		return err
	}
	logger, err := newLogger(cfg.ServiceName, cfg.LogLevel)
	if err != nil {
		return err
	}
	defer logger.Sync() //nolint:errcheck

	db, err := openDatabase(ctx, cfg.DatabaseDSN)
	if err != nil {
		return err
	}
	repo := repository.NewUserAccountRepository(db, logger)
	if err := repo.AutoMigrate(ctx); err != nil {
		return fmt.Errorf("auto migrate: %w", err)
	}
	tokens := userTokens(cfg.Tokens)
	service := accounts.NewService(repo, tokens, logger)
	if cfg.RootLogin != "" {
		if err := service.Bootstrap(ctx, cfg.RootLogin, cfg.RootPassword); err != nil {
			return fmt.Errorf("create super user: %w", err)
		}
	}
	var revocations *usecase.Revocations
	if cfg.RedisAddr != "" {
		c, err := openCache(ctx, cfg.RedisAddr)
		if err != nil {
			return err
		}
		revocations = usecase.NewRevocations(c, logger)
	}

	p, err := connect(ctx, cfg.Common, nil, true, logger)
	if err != nil {
		return err
	}
	requireService, err := p.requireService()
	if err != nil {
		return err
	}

	m := metrics.New(cfg.ServiceName)
	r, err := newRouter(logger, m, cfg.TrustedProxies)
	if err != nil {
		return err
	}
	handlers.UsersRoutes{
		Accounts:       service,
		Tokens:         tokens,
		Revocations:    revocations,
		RequireService: requireService,
		Logger:         logger,
	}.Register(r, cfg.ServiceName)
	return serve(p.listenAddr(cfg.Common), r, cfg.ShutdownTimeout, logger)
}

func runResources(ctx context.Context, args []string) error {
	cfg, err := config.LoadResources(args)
	if err != nil {
		return err
	}
	logger, err := newLogger(cfg.ServiceName, cfg.LogLevel)
	if err != nil {
		return err
	}
	defer logger.Sync() //nolint:errcheck

	store, err := resources.NewFSStore(cfg.Root, logger)
	if err != nil {
		return err
	}
	p, err := connect(ctx, cfg.Common, nil, true, logger)
	if err != nil {
		return err
	}
	requireService, err := p.requireService()
	if err != nil {
		return err
	}

	m := metrics.New(cfg.ServiceName)
	r, err := newRouter(logger, m, cfg.TrustedProxies)
	if err != nil {
		return err
	}
	handlers.RegisterResourceRoutes(r, cfg.ServiceName, store, requireService, logger)
	return serve(p.listenAddr(cfg.Common), r, cfg.ShutdownTimeout, logger)
}

func runGateway(ctx context.Context, args []string) error {
	cfg, err := config.LoadGateway(args)
	if err != nil {
		return err
	}
	logger, err := newLogger(cfg.ServiceName, cfg.LogLevel)
	if err != nil {
		return err
	}
	defer logger.Sync() //nolint:errcheck

	c, err := openCache(ctx, cfg.RedisAddr)
	if err != nil {
		return err
	}
	revocations := usecase.NewRevocations(c, logger)

	p, err := connect(ctx, cfg.Common, []string{
		config.UsersService,
		config.ResourcesService,
		config.PeopleDetectionService,
		config.FaceDetectionService,
		config.AgeEstimationService,
		config.MessageBroker,
	}, true, logger)
	if err != nil {
		return err
	}

	broker, err := queue.Connect(ctx, p.locations[config.MessageBroker].URL(), cfg.ServiceName, logger)
	if err != nil {
		return err
	}
	defer broker.Close() //nolint:errcheck

	detectors := httpclient.NewDetectorClient(
		p.endpoint(config.PeopleDetectionService),
		p.endpoint(config.FaceDetectionService),
		p.endpoint(config.AgeEstimationService),
		p.self, p.http)
	store := httpclient.NewResourcesClient(p.endpoint(config.ResourcesService), p.self, p.http)
	users := httpclient.NewUsersClient(p.endpoint(config.UsersService), p.self, p.http)
	tokens := userTokens(cfg.Tokens)

	m := metrics.New(cfg.ServiceName)
	r, err := newRouter(logger, m, cfg.TrustedProxies)
	if err != nil {
		return err
	}
	handlers.GatewayRoutes{
		Pipeline:    usecase.NewPipeline(detectors, store, broker, logger),
		Accounts:    usecase.NewAccounts(users, tokens, revocations, logger),
		Tokens:      tokens,
		Revocations: revocations,
		Limiter:     handlers.NewRateLimiter(cfg.RateLimitRPS, cfg.RateLimitBurst).Middleware(),
		Logger:      logger,
	}.Register(r, cfg.ServiceName)
	return serve(p.listenAddr(cfg.Common), r, cfg.ShutdownTimeout, logger)
}

// newModel dials the model server or, without an address, builds the
// in-process random model.
func newModel(ctx context.Context, cfg config.Stage, logger *zap.Logger) (imageprocessor.Client, func(), error) {
	if cfg.ModelAddr == "" {
		logger.Warn("no model server configured, using random detections")
		return imageprocessor.NewRandomModel(modelSeed(cfg.ModelSeed)), func() {}, nil
	}
	client, conn, err := modelrpc.Dial(ctx, cfg.ModelAddr, logger)
	if err != nil {
		return nil, nil, fmt.Errorf("connect model server: %w", err)
	}
	return client, func() { conn.Close() }, nil
}

func modelSeed(seed int) int64 {
	if seed == 0 {
		return time.Now().UnixNano()
	}
	return int64(seed)
}

func runDetector(ctx context.Context, args []string) error {
	cfg, err := config.LoadDetector(args)
	if err != nil {
		return err
	}
	logger, err := newLogger(cfg.ServiceName, cfg.LogLevel)
	if err != nil {
		return err
	}
	defer logger.Sync() //nolint:errcheck

	model, closeModel, err := newModel(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer closeModel()

	p, err := connect(ctx, cfg.Common, nil, true, logger)
	if err != nil {
		return err
	}
	requireService, err := p.requireService()
	if err != nil {
		return err
	}

	m := metrics.New(cfg.ServiceName)
	r, err := newRouter(logger, m, cfg.TrustedProxies)
	if err != nil {
		return err
	}
	if err := handlers.RegisterDetectorRoutes(r, cfg.ServiceName, cfg.Stage, stage.NewDetector(model, logger), requireService, logger); err != nil {
		return err
	}
	return serve(p.listenAddr(cfg.Common), r, cfg.ShutdownTimeout, logger)
}

func runWorker(ctx context.Context, args []string) error {
	cfg, err := config.LoadWorker(args)
	if err != nil {
		return err
	}
	logger, err := newLogger(cfg.ServiceName, cfg.LogLevel)
	if err != nil {
		return err
	}
	logger = logger.With(zap.String("stage", string(cfg.Stage)))
	defer logger.Sync() //nolint:errcheck

	model, closeModel, err := newModel(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer closeModel()

	p, err := connect(ctx, cfg.Common, []string{config.ResourcesService, config.MessageBroker}, false, logger)
	if err != nil {
		return err
	}
	broker, err := queue.Connect(ctx, p.locations[config.MessageBroker].URL(), cfg.ServiceName, logger)
	if err != nil {
		return err
	}
	defer broker.Close() //nolint:errcheck

	m := metrics.New(cfg.ServiceName)
	mux := http.NewServeMux()
	mux.Handle("/metrics", m.Handler())
	metricsServer := &http.Server{Addr: cfg.MetricsAddr, Handler: mux, ReadHeaderTimeout: 10 * time.Second}
	metricsDone := shutdownOnDone(ctx, metricsServer, cfg.ShutdownTimeout, logger)

	store := httpclient.NewResourcesClient(p.endpoint(config.ResourcesService), p.self, p.http)
	adapter := worker.NewAdapter(cfg.Stage, stage.NewDetector(model, logger), store, broker, m, logger)
	if err := broker.Consume(ctx, cfg.Stage, adapter.Handle); err != nil {
		return err
	}
	logger.Info("worker stopped")
	return <-metricsDone
}

func runModel(ctx context.Context, args []string) error {
	cfg, err := config.LoadModel(args)
	if err != nil {
		return err
	}
	logger, err := newLogger("model_server", cfg.LogLevel)
	if err != nil {
		return err
	}
	defer logger.Sync() //nolint:errcheck

	listener, err := net.Listen("tcp", cfg.ListenAddr)
	if err != nil {
		return err
	}
	srv := grpc.NewServer()
	modelrpc.Register(srv, imageprocessor.NewRandomModel(modelSeed(cfg.Seed)), logger)

	errCh := make(chan error, 1)
	go func() { errCh <- srv.Serve(listener) }()
	logger.Info("model server listening", zap.String("addr", cfg.ListenAddr))

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		logger.Info("stopping model server")
		srv.GracefulStop()
		return nil
	}
}
