package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"strings"

	"cloud.google.com/go/firestore"
	"cloud.google.com/go/storage"
	"github.com/redis/go-redis/v9"
	"github.com/sourcegraph/conc"

	"github.com/mzlad1/mirabeauty-sub001/errs"
	"github.com/mzlad1/mirabeauty-sub001/internal/app/cart"
	appidentity "github.com/mzlad1/mirabeauty-sub001/internal/app/identity"
	"github.com/mzlad1/mirabeauty-sub001/internal/app/loading"
	"github.com/mzlad1/mirabeauty-sub001/internal/domain/identity"
	"github.com/mzlad1/mirabeauty-sub001/internal/infra/authsource"
	"github.com/mzlad1/mirabeauty-sub001/internal/infra/bus/signalbus"
	"github.com/mzlad1/mirabeauty-sub001/internal/infra/config"
	"github.com/mzlad1/mirabeauty-sub001/internal/infra/images"
	"github.com/mzlad1/mirabeauty-sub001/internal/infra/kv"
	"github.com/mzlad1/mirabeauty-sub001/internal/infra/persistence/migrations"
	"github.com/mzlad1/mirabeauty-sub001/internal/infra/persistence/postgres"
	"github.com/mzlad1/mirabeauty-sub001/internal/infra/profilestore"
	httpserver "github.com/mzlad1/mirabeauty-sub001/internal/infra/server/http"
	"github.com/mzlad1/mirabeauty-sub001/internal/infra/telemetry"
	"github.com/mzlad1/mirabeauty-sub001/internal/observability"
)

// signer turns a bearer credential into an identity change.
type signer interface {
	identity.Provider
	SignIn(ctx context.Context, token string) (*identity.Record, error)
	SignOut()
}

// devSigner accepts the token itself as the identity id. It backs the memory
// provider in development.
type devSigner struct {
	*authsource.Emitter
}

func (d devSigner) SignIn(_ context.Context, token string) (*identity.Record, error) {
	id := strings.TrimSpace(token)
	if id == "" {
		return nil, errs.New("identity/dev", errs.CodeInvalid, errs.WithMessage("identity id required"))
	}
	record := &identity.Record{IdentityID: id}
	d.Emit(record)
	return record, nil
}

func (d devSigner) SignOut() { d.Emit(nil) }

type runtimeOptions struct {
	identity  bool
	telemetry bool
}

type runtime struct {
	cfg    config.AppConfig
	logger *log.Logger

	telemetry *telemetry.Provider
	redis     *redis.Client
	db        *postgres.Store
	gcs       *storage.Client
	firestore *firestore.Client

	memoryBus *signalbus.MemoryBus
	bridge    *signalbus.RedisBridge
	bus       signalbus.Bus
	relay     *signalbus.Relay

	cart      *cart.Store
	loading   *loading.Orchestrator
	navigator *loading.Navigator
	images    *images.Router

	signer   signer
	profiles identity.ProfileStore
	hydrator *appidentity.Hydrator

	lifecycle conc.WaitGroup
	server    *http.Server
}

func buildRuntime(ctx context.Context, logger *log.Logger, cfg config.AppConfig, opts runtimeOptions) (*runtime, error) {
	rt := &runtime{cfg: cfg, logger: logger}
	telemetry.SetEnvironment(string(cfg.Environment))

	if opts.telemetry {
		provider, err := initTelemetry(ctx, logger, cfg.Environment, cfg.Telemetry)
		if err != nil {
			return nil, err
		}
		rt.telemetry = provider
	}

	store, err := rt.buildStorage(ctx)
	if err != nil {
		rt.close(context.Background())
		return nil, err
	}

	rt.memoryBus = signalbus.NewMemoryBus(signalbus.MemoryConfig{FanoutWorkers: cfg.Signals.FanoutWorkers.Count()})
	rt.bus = rt.memoryBus
	if cfg.Signals.RedisBridge {
		rt.bridge = signalbus.NewRedisBridge(rt.memoryBus, rt.redis, signalbus.WithChannel(cfg.Signals.RedisChannel))
		rt.bus = rt.bridge
		logger.Printf("signal bridge enabled: channel=%s, node=%s", cfg.Signals.RedisChannel, rt.bridge.NodeID())
	}
	relayOpts := []signalbus.RelayOption{signalbus.WithRelayBuffer(cfg.Signals.BufferSize)}
	if len(cfg.Signals.AllowedOrigins) > 0 {
		relayOpts = append(relayOpts, signalbus.WithOriginPatterns(cfg.Signals.AllowedOrigins...))
	}
	rt.relay = signalbus.NewRelay(rt.bus, []string{signalbus.CartChanged}, relayOpts...)

	rt.cart = cart.NewStore(store, rt.bus, cart.WithKey(cfg.Storage.CartKey))
	rt.loading = loading.NewOrchestrator(loading.Config{
		MinLoadingTime: cfg.Loading.MinLoadingTime,
		Linger:         cfg.Loading.Linger,
	})
	rt.navigator = loading.NewNavigator(rt.loading, cfg.Navigation.MinLoadingTime)

	if err := rt.buildImages(ctx); err != nil {
		rt.close(context.Background())
		return nil, err
	}

	if opts.identity {
		if err := rt.buildIdentity(ctx); err != nil {
			rt.close(context.Background())
			return nil, err
		}
	}
	return rt, nil
}

func initTelemetry(ctx context.Context, logger *log.Logger, env config.Environment, cfg config.TelemetryConfig) (*telemetry.Provider, error) {
	telemetryCfg := telemetry.DefaultConfig()
	if cfg.OTLPEndpoint != "" {
		telemetryCfg.OTLPEndpoint = cfg.OTLPEndpoint
	}
	if cfg.ServiceName != "" {
		telemetryCfg.ServiceName = cfg.ServiceName
	}
	telemetryCfg.Environment = string(env)
	telemetryCfg.OTLPInsecure = cfg.OTLPInsecure
	telemetryCfg.Enabled = telemetryCfg.Enabled || cfg.EnableMetrics

	provider, err := telemetry.NewProvider(ctx, telemetryCfg)
	if err != nil {
		return nil, fmt.Errorf("initialize telemetry provider: %w", err)
	}
	if telemetryCfg.Enabled {
		logger.Printf("telemetry initialized: endpoint=%s, service=%s", telemetryCfg.OTLPEndpoint, telemetryCfg.ServiceName)
	} else {
		logger.Printf("telemetry disabled")
	}
	return provider, nil
}

func (rt *runtime) buildStorage(ctx context.Context) (kv.Store, error) {
	sc := rt.cfg.Storage
	needRedis := sc.Backend == config.StorageRedis || rt.cfg.Signals.RedisBridge
	if needRedis {
		client, err := kv.NewRedisClient(ctx, kv.RedisConfig{
			URL:          sc.Redis.URL,
			KeyPrefix:    sc.Redis.KeyPrefix,
			PoolSize:     sc.Redis.PoolSize,
			DialTimeout:  sc.Redis.DialTimeout,
			ReadTimeout:  sc.Redis.ReadTimeout,
			WriteTimeout: sc.Redis.WriteTimeout,
		})
		if err != nil {
			return nil, fmt.Errorf("connect redis: %w", err)
		}
		rt.redis = client
	}

	switch sc.Backend {
	case config.StorageRedis:
		rt.logger.Printf("cart storage: redis")
		return kv.NewRedisStore(rt.redis, kv.WithKeyPrefix(sc.Redis.KeyPrefix)), nil
	case config.StoragePostgres:
		db := sc.Database
		if db.RunMigrations {
			if err := migrations.Apply(ctx, db.DSN, db.MigrationsDir, rt.logger); err != nil {
				return nil, fmt.Errorf("apply migrations: %w", err)
			}
		}
		pool, err := postgres.Connect(ctx, db.DSN, db.MaxConns)
		if err != nil {
			return nil, err
		}
		rt.db = postgres.New(pool)
		postgres.ObservePoolMetrics(pool, "storefront")
		rt.logger.Printf("cart storage: postgres")
		return rt.db.KV(), nil
	default:
		rt.logger.Printf("cart storage: memory")
		return kv.NewMemoryStore(), nil
	}
}

func (rt *runtime) buildImages(ctx context.Context) error {
	cfg := rt.cfg.Images
	httpLoader := images.NewHTTPLoader(images.WithRateLimit(cfg.RequestsPerSecond, cfg.Burst))
	rt.images = images.NewRouter()
	rt.images.Handle("http", httpLoader)
	rt.images.Handle("https", httpLoader)
	if cfg.GCSEnabled {
		client, err := images.NewGCSClient(ctx, cfg.CredentialsFile)
		if err != nil {
			return err
		}
		rt.gcs = client
		rt.images.Handle("gs", images.NewGCSLoader(client))
	}
	return nil
}

func (rt *runtime) buildIdentity(ctx context.Context) error {
	cfg := rt.cfg.Identity
	logger := observability.Log()

	switch cfg.Provider {
	case config.IdentityFirebase:
		client, err := authsource.NewFirebaseAuthClient(ctx, authsource.FirebaseConfig{
			ProjectID:       cfg.Firebase.ProjectID,
			CredentialsFile: cfg.Firebase.CredentialsFile,
		})
		if err != nil {
			return err
		}
		rt.signer = authsource.NewFirebaseProvider(client, logger)
	case config.IdentityOIDC:
		verifier, err := authsource.NewOIDCVerifier(ctx, authsource.OIDCConfig{
			IssuerURL: cfg.OIDC.IssuerURL,
			ClientID:  cfg.OIDC.ClientID,
		})
		if err != nil {
			return err
		}
		rt.signer = authsource.NewOIDCProvider(verifier, logger)
	default:
		rt.signer = devSigner{Emitter: authsource.NewEmitter()}
	}

	switch cfg.ProfileStore {
	case config.ProfileFirestore:
		client, err := profilestore.NewFirestoreClient(ctx, profilestore.FirestoreConfig{
			ProjectID:       cfg.Firestore.ProjectID,
			CredentialsFile: cfg.Firestore.CredentialsFile,
		})
		if err != nil {
			return err
		}
		rt.firestore = client
		rt.profiles = profilestore.NewFirestoreStore(client, cfg.Firestore.Collection)
	default:
		rt.profiles = profilestore.NewMemoryStore()
	}

	rt.hydrator = appidentity.NewHydrator(rt.signer, rt.profiles, appidentity.Config{
		MaxAttempts:  cfg.MaxAttempts,
		RetryDelay:   cfg.RetryDelay,
		ReadyCeiling: cfg.ReadyCeiling,
	})
	if err := rt.hydrator.Start(ctx); err != nil {
		return err
	}
	rt.logger.Printf("identity hydrator started: provider=%s, profiles=%s", cfg.Provider, cfg.ProfileStore)
	return nil
}

func (rt *runtime) startBridge(ctx context.Context) {
	if rt.bridge == nil {
		return
	}
	rt.lifecycle.Go(func() {
		if err := rt.bridge.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
			rt.logger.Printf("signal bridge: %v", err)
		}
	})
}

func (rt *runtime) startServer() *http.Server {
	addr := rt.cfg.Signals.RelayAddr
	if addr == "" {
		rt.logger.Print("relay address not configured; http server disabled")
		return nil
	}
	rt.server = &http.Server{
		Addr:              addr,
		Handler:           newRouter(rt),
		ReadHeaderTimeout: readHeaderTimeout,
	}
	rt.lifecycle.Go(func() {
		if err := rt.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			rt.logger.Printf("http server: %v", err)
		}
	})
	rt.logger.Printf("http server listening on %s", addr)
	return rt.server
}

// close releases resources in reverse dependency order. It is safe to call on
// a partially built runtime.
func (rt *runtime) close(ctx context.Context) {
	if rt.hydrator != nil {
		rt.hydrator.Close()
	}
	if rt.memoryBus != nil {
		rt.memoryBus.Close()
	}
	shutdownStep(ctx, rt.logger, "waiting for lifecycle goroutines", bridgeStopTimeout, func(stepCtx context.Context) error {
		done := make(chan struct{})
		go func() {
			rt.lifecycle.Wait()
			close(done)
		}()
		select {
		case <-done:
			return nil
		case <-stepCtx.Done():
			return fmt.Errorf("timeout waiting for goroutines: %w", stepCtx.Err())
		}
	})
	if rt.redis != nil {
		_ = rt.redis.Close()
	}
	if rt.db != nil {
		rt.db.Close()
	}
	if rt.firestore != nil {
		_ = rt.firestore.Close()
	}
	if rt.gcs != nil {
		_ = rt.gcs.Close()
	}
	if rt.telemetry != nil {
		shutdownStep(ctx, rt.logger, "shutting down telemetry", telemetryStopLimit, rt.telemetry.Shutdown)
	}
}

// Preload checks urls inside one loading session and returns the per-URL
// outcomes. A broken image never fails the call.
func (rt *runtime) Preload(ctx context.Context, urls []string) ([]loading.ImageResult, error) {
	var results []loading.ImageResult
	op := loading.PreloadOperation("images", rt.images, urls, func(r []loading.ImageResult) {
		results = r
	}, loading.WithPreloadWorkers(rt.cfg.Images.Workers))

	batch, err := rt.loading.WithMultipleLoading(ctx, []loading.Operation{op})
	if err != nil {
		return nil, err
	}
	batch.Wait()
	return results, nil
}

func newRouter(rt *runtime) http.Handler {
	deps := httpserver.Deps{
		Environment: rt.cfg.Environment,
		Cart:        rt.cart,
		Loading:     rt.loading,
		Preloader:   rt,
		Signals:     rt.relay,
	}
	if rt.hydrator != nil {
		deps.Session = rt.hydrator
		deps.Signer = rt.signer
	}
	return httpserver.NewHandler(deps)
}
