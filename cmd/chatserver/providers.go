package main

import (
	"context"
	"fmt"
	"net/http"

	"github.com/google/wire"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"

	"github.com/cory-johannsen/parley/internal/admin"
	"github.com/cory-johannsen/parley/internal/api"
	"github.com/cory-johannsen/parley/internal/auth"
	"github.com/cory-johannsen/parley/internal/chat/broker"
	"github.com/cory-johannsen/parley/internal/chat/delivery"
	"github.com/cory-johannsen/parley/internal/chat/reaction"
	"github.com/cory-johannsen/parley/internal/chat/session"
	"github.com/cory-johannsen/parley/internal/config"
	"github.com/cory-johannsen/parley/internal/directory"
	"github.com/cory-johannsen/parley/internal/gateway"
	"github.com/cory-johannsen/parley/internal/observability"
	"github.com/cory-johannsen/parley/internal/scripting"
	"github.com/cory-johannsen/parley/internal/storage/pebble"
	"github.com/cory-johannsen/parley/internal/storage/postgres"
)

// App is the assembled chat server.
type App struct {
	Gateway   *gateway.Server
	Admin     *admin.Server
	Directory *directory.Directory
}

var providerSet = wire.NewSet(
	observability.NewMetrics,
	providePool,
	provideDB,
	provideMessageStore,
	provideFilter,
	provideRevocations,
	provideTokens,
	provideAccounts,
	provideBroker,
	provideGateway,
	provideAdmin,
	session.NewManager,
	delivery.NewTracker,
	reaction.NewLedger,
	postgres.NewRoomRepository,
	directory.New,
	auth.NewService,
	auth.NewResolver,
	api.NewHandlers,
	provideAPIRoutes,
	wire.Bind(new(directory.Store), new(*postgres.RoomRepository)),
	wire.Bind(new(auth.AccountStore), new(*postgres.AccountRepository)),
	wire.Bind(new(auth.TokenVerifier), new(*auth.Service)),
	wire.Bind(new(api.AccountService), new(*auth.Service)),
	wire.Bind(new(api.RoomDirectory), new(*directory.Directory)),
	wire.Bind(new(gateway.Broker), new(*broker.Broker)),
	wire.Bind(new(gateway.IdentityResolver), new(*auth.Resolver)),
	wire.Struct(new(App), "*"),
)

func providePool(ctx context.Context, cfg config.Config, logger *zap.Logger) (*postgres.Pool, func(), error) {
	pool, err := postgres.NewPool(ctx, cfg.Database)
	if err != nil {
		return nil, nil, err
	}
	logger.Info("database connected", zap.String("host", cfg.Database.Host))
	return pool, pool.Close, nil
}

func provideDB(pool *postgres.Pool) *pgxpool.Pool {
	return pool.DB()
}

// provideMessageStore selects the message backend named by store.messages.
func provideMessageStore(cfg config.Config, db *pgxpool.Pool, logger *zap.Logger) (broker.MessageStore, func(), error) {
	switch cfg.Store.Messages {
	case "pebble":
		st, err := pebble.Open(cfg.Store.PebblePath)
		if err != nil {
			return nil, nil, err
		}
		logger.Info("message store opened", zap.String("backend", "pebble"), zap.String("path", cfg.Store.PebblePath))
		return st, func() {
			if err := st.Close(); err != nil {
				logger.Warn("closing pebble store", zap.Error(err))
			}
		}, nil
	case "postgres":
		logger.Info("message store opened", zap.String("backend", "postgres"))
		return postgres.NewMessageRepository(db), func() {}, nil
	default:
		return nil, nil, fmt.Errorf("unknown message store %q", cfg.Store.Messages)
	}
}

// provideFilter loads the Lua hooks. An empty scripting.dir yields a nil
// interface, which the broker treats as "no filter".
func provideFilter(cfg config.Config, logger *zap.Logger) (broker.MessageFilter, func(), error) {
	if cfg.Scripting.Dir == "" {
		logger.Info("scripting disabled")
		return nil, func() {}, nil
	}
	mgr := scripting.NewManager(cfg.Scripting.InstructionLimit, logger)
	if err := mgr.LoadDir(cfg.Scripting.Dir); err != nil {
		mgr.Close()
		return nil, nil, err
	}
	return mgr, mgr.Close, nil
}

// provideRevocations uses redis when enabled so logouts survive restarts and
// are shared across instances.
func provideRevocations(ctx context.Context, cfg config.Config, logger *zap.Logger) (auth.RevocationList, func(), error) {
	if !cfg.Redis.Enabled {
		logger.Info("token revocations kept in memory")
		return auth.NewMemoryRevocations(), func() {}, nil
	}
	client := auth.NewRedisClient(cfg.Redis)
	rev := auth.NewRedisRevocations(client)
	if err := rev.Ping(ctx); err != nil {
		_ = client.Close()
		return nil, nil, fmt.Errorf("connecting to redis at %s: %w", cfg.Redis.Addr, err)
	}
	logger.Info("redis connected", zap.String("addr", cfg.Redis.Addr))
	return rev, func() { _ = client.Close() }, nil
}

func provideTokens(cfg config.Config, revocations auth.RevocationList) *auth.Tokens {
	return auth.NewTokens(cfg.Auth, revocations)
}

func provideAccounts(cfg config.Config, db *pgxpool.Pool) *postgres.AccountRepository {
	return postgres.NewAccountRepository(db, cfg.Auth.BcryptCost)
}

func provideBroker(
	cfg config.Config,
	sessions *session.Manager,
	store broker.MessageStore,
	filter broker.MessageFilter,
	tracker *delivery.Tracker,
	reactions *reaction.Ledger,
	metrics *observability.Metrics,
	logger *zap.Logger,
) *broker.Broker {
	return broker.New(broker.Config{
		HistoryLimit:   cfg.Broker.HistoryLimit,
		PersistTimeout: cfg.Broker.PersistTimeout,
		OutboxSize:     cfg.Gateway.OutboxSize,
	}, sessions, store, filter, tracker, reactions, metrics, logger)
}

func provideAPIRoutes(h *api.Handlers) http.Handler {
	return h.Routes()
}

func provideGateway(
	cfg config.Config,
	b gateway.Broker,
	resolver gateway.IdentityResolver,
	metrics *observability.Metrics,
	logger *zap.Logger,
	routes http.Handler,
) *gateway.Server {
	return gateway.NewServer(cfg.Gateway, b, resolver, metrics, logger, routes)
}

// provideAdmin registers a health check per external dependency.
func provideAdmin(
	cfg config.Config,
	metrics *observability.Metrics,
	logger *zap.Logger,
	pool *postgres.Pool,
	revocations auth.RevocationList,
) *admin.Server {
	srv := admin.NewServer(cfg.Admin, metrics, logger)
	srv.Register("postgres", pool.Check)
	if rr, ok := revocations.(*auth.RedisRevocations); ok {
		srv.Register("redis", rr.Ping)
	}
	return srv
}
